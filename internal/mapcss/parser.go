package mapcss

import (
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

// maxZoom bounds open-ended zoom ranges.
const maxZoom = 255

type parser struct {
	file    string
	dir     string
	toks    []token
	pos     int
	colors  map[string]color.NRGBA
	rules   []Rule
	imports map[string]bool
}

// Parse parses stylesheet text. name is used in error messages. @import
// statements are rejected because there is no directory to resolve them
// against; use ParseFile for stylesheets that import others.
func Parse(name string, src []byte) (*Stylesheet, error) {
	p := &parser{file: name, colors: make(map[string]color.NRGBA)}
	if err := p.parse(string(src)); err != nil {
		return nil, err
	}
	return newStylesheet(p.rules), nil
}

// ParseFile parses the stylesheet at path, following @import statements
// relative to the importing file.
func ParseFile(path string) (*Stylesheet, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve stylesheet path: %w", err)
	}
	p := &parser{colors: make(map[string]color.NRGBA), imports: make(map[string]bool)}
	if err := p.parseFile(abs); err != nil {
		return nil, err
	}
	ss := newStylesheet(p.rules)
	ss.Dir = filepath.Dir(abs)
	return ss, nil
}

func (p *parser) parseFile(path string) error {
	if p.imports[path] {
		return fmt.Errorf("stylesheet %s imports itself", path)
	}
	p.imports[path] = true

	src, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read stylesheet: %w", err)
	}

	file, dir, toks, pos := p.file, p.dir, p.toks, p.pos
	defer func() { p.file, p.dir, p.toks, p.pos = file, dir, toks, pos }()

	p.file = path
	p.dir = filepath.Dir(path)
	return p.parse(string(src))
}

func (p *parser) parse(src string) error {
	toks, err := tokenize(p.file, src)
	if err != nil {
		return err
	}
	p.toks = toks
	p.pos = 0

	for p.peek().kind != tokEOF {
		if p.peek().is("@") {
			if err := p.parseAtRule(); err != nil {
				return err
			}
			continue
		}
		if err := p.parseRule(); err != nil {
			return err
		}
	}
	return nil
}

func (p *parser) peek() token { return p.toks[p.pos] }

func (p *parser) peekAt(off int) token {
	if p.pos+off < len(p.toks) {
		return p.toks[p.pos+off]
	}
	return p.toks[len(p.toks)-1]
}

func (p *parser) nextTok() token {
	t := p.toks[p.pos]
	if t.kind != tokEOF {
		p.pos++
	}
	return t
}

func (p *parser) errorf(t token, format string, args ...any) error {
	return &ParseError{File: p.file, Line: t.line, Column: t.col, Msg: fmt.Sprintf(format, args...)}
}

func (p *parser) expect(punct string) error {
	t := p.nextTok()
	if !t.is(punct) {
		return p.errorf(t, "expected %q, got %s", punct, t)
	}
	return nil
}

func (p *parser) expectIdent() (token, error) {
	t := p.nextTok()
	if t.kind != tokIdent {
		return t, p.errorf(t, "expected identifier, got %s", t)
	}
	return t, nil
}

// parseAtRule handles "@import url(...);" and "@name: #color;".
func (p *parser) parseAtRule() error {
	at := p.nextTok()
	name, err := p.expectIdent()
	if err != nil {
		return err
	}

	if name.text == "import" {
		target, err := p.parseImportTarget()
		if err != nil {
			return err
		}
		if err := p.expect(";"); err != nil {
			return err
		}
		if p.imports == nil {
			return p.errorf(at, "@import requires a stylesheet file")
		}
		return p.parseFile(filepath.Join(p.dir, target))
	}

	if err := p.expect(":"); err != nil {
		return err
	}
	t := p.nextTok()
	var c color.NRGBA
	switch t.kind {
	case tokColor:
		c, err = parseHexColor(t.text)
		if err != nil {
			return p.errorf(t, "%v", err)
		}
	case tokIdent:
		var ok bool
		if c, ok = namedColor(t.text); !ok {
			return p.errorf(t, "unknown color %q", t.text)
		}
	default:
		return p.errorf(t, "expected color for @%s, got %s", name.text, t)
	}
	p.colors[name.text] = c
	return p.expect(";")
}

func (p *parser) parseImportTarget() (string, error) {
	t := p.nextTok()
	switch {
	case t.kind == tokString:
		return t.text, nil
	case t.kind == tokIdent && t.text == "url":
		if err := p.expect("("); err != nil {
			return "", err
		}
		s := p.nextTok()
		if s.kind != tokString {
			return "", p.errorf(s, "expected quoted import path, got %s", s)
		}
		return s.text, p.expect(")")
	default:
		return "", p.errorf(t, "expected import path, got %s", t)
	}
}

func (p *parser) parseRule() error {
	rule := Rule{Order: len(p.rules)}
	for {
		sel, err := p.parseSelector()
		if err != nil {
			return err
		}
		rule.Selectors = append(rule.Selectors, sel)

		t := p.peek()
		if t.is(",") {
			p.nextTok()
			continue
		}
		if t.is("{") {
			break
		}
		if t.kind == tokIdent || t.is("*") || t.is(">") {
			return p.errorf(t, "descendant and child selectors are not supported")
		}
		return p.errorf(t, "expected \",\" or \"{\", got %s", t)
	}

	decls, err := p.parseDeclarations()
	if err != nil {
		return err
	}
	rule.Declarations = decls
	p.rules = append(p.rules, rule)
	return nil
}

func (p *parser) parseSelector() (Selector, error) {
	sel := Selector{MaxZoom: maxZoom, Layer: DefaultLayer}

	t := p.nextTok()
	name := t.text
	if !(t.kind == tokIdent || t.is("*")) {
		return sel, p.errorf(t, "expected object type, got %s", t)
	}
	obj, ok := objectTypes[name]
	if !ok {
		return sel, p.errorf(t, "unknown object type %q", name)
	}
	sel.Object = obj

	for {
		t := p.peek()
		switch {
		case t.is("|"):
			p.nextTok()
			if err := p.parseZoom(&sel); err != nil {
				return sel, err
			}
		case t.is("["):
			p.nextTok()
			test, err := p.parseTest()
			if err != nil {
				return sel, err
			}
			sel.Tests = append(sel.Tests, test)
		case t.is(":"):
			p.nextTok()
			pc, err := p.expectIdent()
			if err != nil {
				return sel, err
			}
			if pc.text == "closed" {
				sel.Closed = true
			}
		case t.is("::"):
			p.nextTok()
			l := p.nextTok()
			switch {
			case l.is("*"):
				sel.Layer = AllLayers
			case l.kind == tokIdent:
				sel.Layer = l.text
			default:
				return sel, p.errorf(l, "expected layer id, got %s", l)
			}
		default:
			return sel, nil
		}
	}
}

// parseZoom reads "z12", "z8-14", "z15-" or "z-3".
func (p *parser) parseZoom(sel *Selector) error {
	t := p.nextTok()
	text := t.text
	if t.kind != tokIdent || !strings.HasPrefix(text, "z") || len(text) < 2 {
		return p.errorf(t, "expected zoom range, got %s", t)
	}
	text = text[1:]

	parse := func(s string, def uint8) (uint8, error) {
		if s == "" {
			return def, nil
		}
		v, err := strconv.ParseUint(s, 10, 8)
		if err != nil {
			return 0, p.errorf(t, "invalid zoom %q", s)
		}
		return uint8(v), nil
	}

	lo, hi, isRange := strings.Cut(text, "-")
	var err error
	if sel.MinZoom, err = parse(lo, 0); err != nil {
		return err
	}
	if !isRange {
		sel.MaxZoom = sel.MinZoom
		return nil
	}
	if sel.MaxZoom, err = parse(hi, maxZoom); err != nil {
		return err
	}
	if sel.MinZoom > sel.MaxZoom {
		return p.errorf(t, "empty zoom range z%s", text)
	}
	return nil
}

func (p *parser) parseTestKey() (string, error) {
	t := p.nextTok()
	switch t.kind {
	case tokString:
		return t.text, nil
	case tokIdent:
	default:
		return "", p.errorf(t, "expected tag key, got %s", t)
	}
	key := t.text
	// Keys like addr:street are split by the lexer.
	for p.peek().is(":") && p.peekAt(1).kind == tokIdent {
		p.nextTok()
		key += ":" + p.nextTok().text
	}
	return key, nil
}

func (p *parser) parseTest() (Test, error) {
	var test Test

	negated := false
	if p.peek().is("!") {
		p.nextTok()
		negated = true
	}

	key, err := p.parseTestKey()
	if err != nil {
		return test, err
	}
	test.Key = key

	t := p.nextTok()
	switch {
	case t.is("]"):
		test.Op = OpExists
		if negated {
			test.Op = OpNotExists
		}
		return test, nil
	case t.is("?"):
		test.Op = OpTrue
		if negated {
			test.Op = OpFalse
		}
		return test, p.expect("]")
	}

	if negated {
		return test, p.errorf(t, "negation only applies to [!key] and [!key?]")
	}

	switch t.text {
	case "=":
		test.Op = OpEqual
	case "!=":
		test.Op = OpNotEqual
	case "<":
		test.Op = OpLess
	case "<=":
		test.Op = OpLessOrEqual
	case ">":
		test.Op = OpGreater
	case ">=":
		test.Op = OpGreaterOrEqual
	default:
		return test, p.errorf(t, "expected tag test operator, got %s", t)
	}

	v := p.nextTok()
	if v.kind != tokIdent && v.kind != tokString && v.kind != tokNumber {
		return test, p.errorf(v, "expected tag value, got %s", v)
	}
	test.Value = v.text
	// Values may contain colons too (e.g. opening_hours fragments).
	for v.kind == tokIdent && p.peek().is(":") && p.peekAt(1).kind == tokIdent {
		p.nextTok()
		test.Value += ":" + p.nextTok().text
	}

	if test.Op >= OpLess {
		if v.kind != tokNumber {
			return test, p.errorf(v, "numeric comparison needs a number, got %s", v)
		}
		test.Number, _ = strconv.ParseFloat(v.text, 64)
	}
	return test, p.expect("]")
}

func (p *parser) parseDeclarations() ([]Declaration, error) {
	if err := p.expect("{"); err != nil {
		return nil, err
	}

	var decls []Declaration
	for {
		t := p.peek()
		if t.is("}") {
			p.nextTok()
			return decls, nil
		}
		if t.is(";") {
			p.nextTok()
			continue
		}

		name, err := p.expectIdent()
		if err != nil {
			return nil, err
		}
		if err := p.expect(":"); err != nil {
			return nil, err
		}
		val, err := p.parseValue()
		if err != nil {
			return nil, err
		}
		decl := Declaration{Property: name.text, Value: val}

		if p.peek().is("!") {
			p.nextTok()
			imp, err := p.expectIdent()
			if err != nil {
				return nil, err
			}
			if imp.text != "important" {
				return nil, p.errorf(imp, "expected \"important\", got %q", imp.text)
			}
			decl.Important = true
		}

		end := p.peek()
		if !end.is(";") && !end.is("}") {
			return nil, p.errorf(end, "expected \";\" after value of %s, got %s", name.text, end)
		}
		decls = append(decls, decl)
	}
}

func (p *parser) parseValue() (Value, error) {
	t := p.peek()
	switch {
	case t.kind == tokString:
		p.nextTok()
		return Value{Kind: ValueString, Text: t.text}, nil

	case t.kind == tokColor:
		p.nextTok()
		c, err := parseHexColor(t.text)
		if err != nil {
			return Value{}, p.errorf(t, "%v", err)
		}
		return Value{Kind: ValueColor, Color: c}, nil

	case t.is("@"):
		p.nextTok()
		name, err := p.expectIdent()
		if err != nil {
			return Value{}, err
		}
		c, ok := p.colors[name.text]
		if !ok {
			return Value{}, p.errorf(name, "undefined color @%s", name.text)
		}
		return Value{Kind: ValueColor, Color: c}, nil

	case t.kind == tokNumber:
		return p.parseNumbers()

	case t.kind == tokIdent && p.peekAt(1).is("("):
		switch t.text {
		case "eval":
			return p.parseEval()
		case "tag":
			p.nextTok()
			p.nextTok()
			s := p.nextTok()
			if s.kind != tokString && s.kind != tokIdent {
				return Value{}, p.errorf(s, "expected tag name, got %s", s)
			}
			return Value{Kind: ValueTag, Text: s.text}, p.expect(")")
		case "url":
			p.nextTok()
			p.nextTok()
			s := p.nextTok()
			if s.kind != tokString {
				return Value{}, p.errorf(s, "expected quoted url, got %s", s)
			}
			return Value{Kind: ValueString, Text: s.text}, p.expect(")")
		}
		return Value{}, p.errorf(t, "unsupported function %s()", t.text)

	case t.kind == tokIdent:
		// Multi-word identifiers such as font names.
		words := []string{p.nextTok().text}
		for p.peek().kind == tokIdent {
			words = append(words, p.nextTok().text)
		}
		return Value{Kind: ValueIdent, Text: strings.Join(words, " ")}, nil
	}
	return Value{}, p.errorf(t, "expected value, got %s", t)
}

func (p *parser) parseNumbers() (Value, error) {
	v := Value{Kind: ValueNumbers}
	for {
		t := p.nextTok()
		if t.kind != tokNumber {
			return v, p.errorf(t, "expected number, got %s", t)
		}
		n, err := strconv.ParseFloat(t.text, 64)
		if err != nil {
			return v, p.errorf(t, "invalid number %q", t.text)
		}
		v.Numbers = append(v.Numbers, n)
		if !p.peek().is(",") {
			return v, nil
		}
		p.nextTok()
	}
}

// parseEval reads eval(prop("width") + N), the only expression supported.
func (p *parser) parseEval() (Value, error) {
	start := p.nextTok()
	if err := p.expect("("); err != nil {
		return Value{}, err
	}
	fn, err := p.expectIdent()
	if err != nil {
		return Value{}, err
	}
	if fn.text != "prop" {
		return Value{}, p.errorf(fn, "unsupported eval expression")
	}
	if err := p.expect("("); err != nil {
		return Value{}, err
	}
	arg := p.nextTok()
	if (arg.kind != tokString && arg.kind != tokIdent) || arg.text != "width" {
		return Value{}, p.errorf(arg, "eval only supports prop(\"width\")")
	}
	if err := p.expect(")"); err != nil {
		return Value{}, err
	}

	sign := 1.0
	op := p.peek()
	switch {
	case op.is("+"):
		p.nextTok()
	case op.kind == tokIdent && op.text == "-":
		p.nextTok()
		sign = -1
	case op.kind == tokNumber:
		// "prop(width) -2" lexes as a negative number.
	default:
		return Value{}, p.errorf(op, "expected + or - in eval")
	}

	num := p.nextTok()
	if num.kind != tokNumber {
		return Value{}, p.errorf(num, "expected number in eval, got %s", num)
	}
	n, err := strconv.ParseFloat(num.text, 64)
	if err != nil {
		return Value{}, p.errorf(num, "invalid number %q", num.text)
	}
	if err := p.expect(")"); err != nil {
		return Value{}, p.errorf(start, "unterminated eval: %v", err)
	}
	return Value{Kind: ValueWidthDelta, Numbers: []float64{sign * n}}, nil
}
