// Package mapcss parses MapCSS stylesheets and resolves the cascade for map
// features: selector matching, specificity, source order and !important.
package mapcss

import (
	"fmt"
	"image/color"
	"strconv"
	"strings"
)

// ParseError reports malformed stylesheet input.
type ParseError struct {
	File   string
	Line   int
	Column int
	Msg    string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s:%d:%d: %s", e.File, e.Line, e.Column, e.Msg)
}

// ObjectType is the element type named at the start of a selector.
type ObjectType uint8

const (
	ObjectAny ObjectType = iota
	ObjectNode
	ObjectWay
	ObjectLine
	ObjectArea
	ObjectRelation
	ObjectCanvas
	ObjectMeta
)

var objectTypes = map[string]ObjectType{
	"*":        ObjectAny,
	"node":     ObjectNode,
	"way":      ObjectWay,
	"line":     ObjectLine,
	"area":     ObjectArea,
	"relation": ObjectRelation,
	"canvas":   ObjectCanvas,
	"meta":     ObjectMeta,
}

// TestOp is the operator of a tag test.
type TestOp uint8

const (
	OpExists TestOp = iota
	OpNotExists
	OpTrue
	OpFalse
	OpEqual
	OpNotEqual
	OpLess
	OpLessOrEqual
	OpGreater
	OpGreaterOrEqual
)

// Test is a single bracketed tag predicate.
type Test struct {
	Key    string
	Op     TestOp
	Value  string
	Number float64
}

func isTrueValue(v string) bool {
	return v == "yes" || v == "true" || v == "1"
}

// Matches evaluates the test against tags.
func (t Test) Matches(tags Tags) bool {
	v, ok := tags.Get(t.Key)
	switch t.Op {
	case OpExists:
		return ok
	case OpNotExists:
		return !ok
	case OpTrue:
		return ok && isTrueValue(v)
	case OpFalse:
		return !ok || !isTrueValue(v)
	case OpEqual:
		return ok && v == t.Value
	case OpNotEqual:
		return !ok || v != t.Value
	}

	if !ok {
		return false
	}
	n, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
	if err != nil {
		return false
	}
	switch t.Op {
	case OpLess:
		return n < t.Number
	case OpLessOrEqual:
		return n <= t.Number
	case OpGreater:
		return n > t.Number
	case OpGreaterOrEqual:
		return n >= t.Number
	}
	return false
}

// valueTest reports whether the test inspects the tag value rather than
// only its presence.
func (t Test) valueTest() bool {
	return t.Op != OpExists && t.Op != OpNotExists
}

// Selector is one comma-separated alternative of a rule.
type Selector struct {
	Object  ObjectType
	MinZoom uint8
	MaxZoom uint8
	Tests   []Test
	Closed  bool
	Layer   string
}

// DefaultLayer is the layer of selectors without an explicit ::id.
const DefaultLayer = "default"

// AllLayers is the layer id whose declarations apply to every layer.
const AllLayers = "*"

// Specificity orders selectors for the cascade as
// values<<16 | exists<<8 | typeScore. Value tests outrank any number of
// existence tests, which outrank the object type. typeScore is 0 for *,
// 1 for way and relation, 2 otherwise, plus 1 for :closed.
func (s *Selector) Specificity() uint32 {
	var values, exists uint32
	for _, t := range s.Tests {
		if t.valueTest() {
			values++
		} else {
			exists++
		}
	}
	values = min(values, 0xFFFF)
	exists = min(exists, 0xFF)

	var typeScore uint32
	switch s.Object {
	case ObjectAny:
		typeScore = 0
	case ObjectWay, ObjectRelation:
		typeScore = 1
	default:
		typeScore = 2
	}
	if s.Closed {
		typeScore++
	}
	return values<<16 | exists<<8 | typeScore
}

// ValueKind discriminates property values.
type ValueKind uint8

const (
	ValueIdent ValueKind = iota
	ValueString
	ValueColor
	ValueNumbers
	ValueWidthDelta
	ValueTag
)

// Value is a parsed declaration value.
type Value struct {
	Kind    ValueKind
	Text    string
	Color   color.NRGBA
	Numbers []float64
}

func (v Value) String() string {
	switch v.Kind {
	case ValueColor:
		return fmt.Sprintf("#%02x%02x%02x%02x", v.Color.R, v.Color.G, v.Color.B, v.Color.A)
	case ValueNumbers:
		parts := make([]string, len(v.Numbers))
		for i, n := range v.Numbers {
			parts[i] = strconv.FormatFloat(n, 'g', -1, 64)
		}
		return strings.Join(parts, ",")
	case ValueWidthDelta:
		return fmt.Sprintf("eval(prop(width)%+g)", v.Numbers[0])
	case ValueTag:
		return fmt.Sprintf("tag(%q)", v.Text)
	case ValueString:
		return strconv.Quote(v.Text)
	default:
		return v.Text
	}
}

// Declaration is one "property: value" pair.
type Declaration struct {
	Property  string
	Value     Value
	Important bool
}

// Rule is a selector group with its declarations. Order is the rule's
// position in the flattened stylesheet, imports included.
type Rule struct {
	Selectors    []Selector
	Declarations []Declaration
	Order        int
}
