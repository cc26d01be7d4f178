package mapcss

import (
	"fmt"
	"strings"
)

type tokenKind uint8

const (
	tokEOF tokenKind = iota
	tokIdent
	tokString
	tokNumber
	tokColor
	tokPunct
)

func (k tokenKind) String() string {
	switch k {
	case tokEOF:
		return "end of file"
	case tokIdent:
		return "identifier"
	case tokString:
		return "string"
	case tokNumber:
		return "number"
	case tokColor:
		return "color"
	default:
		return "punctuation"
	}
}

type token struct {
	kind tokenKind
	text string
	line int
	col  int
}

func (t token) String() string {
	if t.kind == tokEOF {
		return t.kind.String()
	}
	return fmt.Sprintf("%s %q", t.kind, t.text)
}

func (t token) is(punct string) bool {
	return t.kind == tokPunct && t.text == punct
}

// twoCharPuncts are matched before single characters.
var twoCharPuncts = []string{"::", "!=", "<=", ">="}

const singlePuncts = "{}[](),;:=<>!?|*@+>."

type lexer struct {
	file string
	src  string
	pos  int
	line int
	col  int
}

func newLexer(file, src string) *lexer {
	return &lexer{file: file, src: src, line: 1, col: 1}
}

func (l *lexer) errorf(line, col int, format string, args ...any) error {
	return &ParseError{File: l.file, Line: line, Column: col, Msg: fmt.Sprintf(format, args...)}
}

func (l *lexer) peekByte(off int) byte {
	if l.pos+off < len(l.src) {
		return l.src[l.pos+off]
	}
	return 0
}

func (l *lexer) advance(n int) {
	for range n {
		if l.src[l.pos] == '\n' {
			l.line++
			l.col = 1
		} else {
			l.col++
		}
		l.pos++
	}
}

func (l *lexer) skipSpaceAndComments() error {
	for l.pos < len(l.src) {
		c := l.src[l.pos]
		switch {
		case c == ' ' || c == '\t' || c == '\n' || c == '\r':
			l.advance(1)
		case c == '/' && l.peekByte(1) == '*':
			line, col := l.line, l.col
			end := strings.Index(l.src[l.pos+2:], "*/")
			if end < 0 {
				return l.errorf(line, col, "unterminated comment")
			}
			l.advance(end + 4)
		case c == '/' && l.peekByte(1) == '/':
			for l.pos < len(l.src) && l.src[l.pos] != '\n' {
				l.advance(1)
			}
		default:
			return nil
		}
	}
	return nil
}

func isIdentStart(c byte) bool {
	return c == '_' || c == '-' || (c >= 'a' && c <= 'z') || (c >= 'A' && c <= 'Z')
}

func isIdentChar(c byte) bool {
	return isIdentStart(c) || isDigit(c)
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}

func isHex(c byte) bool {
	return isDigit(c) || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')
}

// next returns the following token.
func (l *lexer) next() (token, error) {
	if err := l.skipSpaceAndComments(); err != nil {
		return token{}, err
	}
	tok := token{line: l.line, col: l.col}
	if l.pos >= len(l.src) {
		tok.kind = tokEOF
		return tok, nil
	}

	start := l.pos
	c := l.src[l.pos]
	switch {
	case isDigit(c) || ((c == '-' || c == '.') && isDigit(l.peekByte(1))):
		l.advance(1)
		for l.pos < len(l.src) && (isDigit(l.src[l.pos]) || l.src[l.pos] == '.') {
			l.advance(1)
		}
		tok.kind = tokNumber
		tok.text = l.src[start:l.pos]

	case isIdentStart(c):
		for l.pos < len(l.src) && isIdentChar(l.src[l.pos]) {
			l.advance(1)
		}
		tok.kind = tokIdent
		tok.text = l.src[start:l.pos]

	case c == '#':
		l.advance(1)
		for l.pos < len(l.src) && isHex(l.src[l.pos]) {
			l.advance(1)
		}
		tok.kind = tokColor
		tok.text = l.src[start:l.pos]
		if n := len(tok.text) - 1; n != 3 && n != 6 && n != 8 {
			return tok, l.errorf(tok.line, tok.col, "invalid color %q", tok.text)
		}

	case c == '"' || c == '\'':
		s, err := l.readString(c)
		if err != nil {
			return tok, err
		}
		tok.kind = tokString
		tok.text = s

	default:
		for _, p := range twoCharPuncts {
			if strings.HasPrefix(l.src[l.pos:], p) {
				l.advance(2)
				tok.kind = tokPunct
				tok.text = p
				return tok, nil
			}
		}
		if strings.IndexByte(singlePuncts, c) < 0 {
			return tok, l.errorf(tok.line, tok.col, "unexpected character %q", c)
		}
		l.advance(1)
		tok.kind = tokPunct
		tok.text = string(c)
	}
	return tok, nil
}

func (l *lexer) readString(quote byte) (string, error) {
	line, col := l.line, l.col
	l.advance(1)
	var sb strings.Builder
	for {
		if l.pos >= len(l.src) || l.src[l.pos] == '\n' {
			return "", l.errorf(line, col, "unterminated string")
		}
		c := l.src[l.pos]
		switch c {
		case quote:
			l.advance(1)
			return sb.String(), nil
		case '\\':
			if l.pos+1 >= len(l.src) {
				return "", l.errorf(line, col, "unterminated string")
			}
			sb.WriteByte(l.src[l.pos+1])
			l.advance(2)
		default:
			sb.WriteByte(c)
			l.advance(1)
		}
	}
}

// tokenize splits src into tokens, ending with an EOF token.
func tokenize(file, src string) ([]token, error) {
	l := newLexer(file, src)
	var toks []token
	for {
		tok, err := l.next()
		if err != nil {
			return nil, err
		}
		toks = append(toks, tok)
		if tok.kind == tokEOF {
			return toks, nil
		}
	}
}
