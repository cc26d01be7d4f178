package mapcss

import (
	"cmp"
	"image/color"
	"slices"
)

// Tags is the read-only tag view the cascade evaluates selectors against.
type Tags interface {
	Get(key string) (string, bool)
	Range(fn func(key, value string) bool)
}

// TagMap is a map-backed Tags implementation.
type TagMap map[string]string

func (m TagMap) Get(key string) (string, bool) {
	v, ok := m[key]
	return v, ok
}

func (m TagMap) Range(fn func(key, value string) bool) {
	for k, v := range m {
		if !fn(k, v) {
			return
		}
	}
}

// Role is the geometric role a feature is styled in.
type Role uint8

const (
	RoleNode Role = iota
	// RoleLine is an open way.
	RoleLine
	// RoleArea is a closed way.
	RoleArea
	// RoleMultipolygon is an area assembled from a relation.
	RoleMultipolygon
)

func (r Role) String() string {
	switch r {
	case RoleNode:
		return "node"
	case RoleLine:
		return "line"
	case RoleArea:
		return "area"
	case RoleMultipolygon:
		return "multipolygon"
	default:
		return "unknown"
	}
}

func (s *Selector) accepts(role Role) bool {
	switch s.Object {
	case ObjectAny:
		return true
	case ObjectNode:
		return role == RoleNode
	case ObjectWay:
		return role == RoleLine || role == RoleArea || role == RoleMultipolygon
	case ObjectLine:
		return role == RoleLine
	case ObjectArea:
		return role == RoleArea || role == RoleMultipolygon
	case ObjectRelation:
		return role == RoleMultipolygon
	default:
		return false
	}
}

// Matches reports whether the selector applies to a feature with the given
// tags, role and zoom.
func (s *Selector) Matches(tags Tags, role Role, zoom uint8) bool {
	if zoom < s.MinZoom || zoom > s.MaxZoom {
		return false
	}
	if !s.accepts(role) {
		return false
	}
	if s.Closed && role != RoleArea && role != RoleMultipolygon {
		return false
	}
	for _, t := range s.Tests {
		if !t.Matches(tags) {
			return false
		}
	}
	return true
}

// Stylesheet is an immutable parsed rule set. It is safe for concurrent use.
type Stylesheet struct {
	Rules []Rule
	// Dir is the directory the stylesheet was loaded from; icon paths
	// resolve relative to it.
	Dir string

	// valueKeys maps every tested tag key to whether any test inspects its value.
	valueKeys map[string]bool
}

func newStylesheet(rules []Rule) *Stylesheet {
	ss := &Stylesheet{Rules: rules, valueKeys: make(map[string]bool)}
	for _, r := range rules {
		for _, sel := range r.Selectors {
			for _, t := range sel.Tests {
				ss.valueKeys[t.Key] = ss.valueKeys[t.Key] || t.valueTest()
			}
		}
	}
	return ss
}

// Props is a resolved property set. Absent properties are not rendered.
type Props map[string]Value

func (p Props) Has(name string) bool {
	_, ok := p[name]
	return ok
}

// Color returns a color property given as a hex value or color name.
func (p Props) Color(name string) (color.NRGBA, bool) {
	v, ok := p[name]
	if !ok {
		return color.NRGBA{}, false
	}
	switch v.Kind {
	case ValueColor:
		return v.Color, true
	case ValueIdent:
		return namedColor(v.Text)
	}
	return color.NRGBA{}, false
}

// Number returns a single-number property.
func (p Props) Number(name string) (float64, bool) {
	v, ok := p[name]
	if !ok || v.Kind != ValueNumbers || len(v.Numbers) != 1 {
		return 0, false
	}
	return v.Numbers[0], true
}

// Numbers returns a number-list property such as dashes.
func (p Props) Numbers(name string) ([]float64, bool) {
	v, ok := p[name]
	if !ok || v.Kind != ValueNumbers {
		return nil, false
	}
	return v.Numbers, true
}

// Ident returns an identifier property.
func (p Props) Ident(name string) (string, bool) {
	v, ok := p[name]
	if !ok || v.Kind != ValueIdent {
		return "", false
	}
	return v.Text, true
}

// Text returns a string, identifier or tag() property as text.
func (p Props) Text(name string) (string, bool) {
	v, ok := p[name]
	if !ok {
		return "", false
	}
	switch v.Kind {
	case ValueString, ValueIdent, ValueTag:
		return v.Text, true
	}
	return "", false
}

// LayerStyle is the resolved property set of one layer.
type LayerStyle struct {
	Layer string
	Props Props
}

type match struct {
	specificity uint32
	order       int
	layer       string
	decls       []Declaration
}

type cascaded struct {
	value     Value
	important bool
}

// Resolve runs the cascade for one feature and returns one property set per
// matched layer, the default layer first. Declarations of "::*" selectors
// apply to every layer.
func (ss *Stylesheet) Resolve(tags Tags, role Role, zoom uint8) []LayerStyle {
	var matches []match
	var layers []string
	for i := range ss.Rules {
		r := &ss.Rules[i]
		start := len(matches)
		for j := range r.Selectors {
			sel := &r.Selectors[j]
			if !sel.Matches(tags, role, zoom) {
				continue
			}
			sp := sel.Specificity()

			// A selector group contributes once per layer, at the
			// specificity of its most specific matching selector.
			found := false
			for k := start; k < len(matches); k++ {
				if matches[k].layer == sel.Layer {
					matches[k].specificity = max(matches[k].specificity, sp)
					found = true
					break
				}
			}
			if found {
				continue
			}
			matches = append(matches, match{specificity: sp, order: r.Order, layer: sel.Layer, decls: r.Declarations})
			if sel.Layer != AllLayers && !slices.Contains(layers, sel.Layer) {
				layers = append(layers, sel.Layer)
			}
		}
	}
	if len(layers) == 0 {
		return nil
	}

	if i := slices.Index(layers, DefaultLayer); i > 0 {
		layers = slices.Insert(slices.Delete(layers, i, i+1), 0, DefaultLayer)
	}

	slices.SortStableFunc(matches, func(a, b match) int {
		if c := cmp.Compare(a.specificity, b.specificity); c != 0 {
			return c
		}
		return cmp.Compare(a.order, b.order)
	})

	out := make([]LayerStyle, 0, len(layers))
	for _, layer := range layers {
		merged := make(map[string]cascaded)
		for _, m := range matches {
			if m.layer != layer && m.layer != AllLayers {
				continue
			}
			for _, d := range m.decls {
				if cur, ok := merged[d.Property]; ok && cur.important && !d.Important {
					continue
				}
				merged[d.Property] = cascaded{value: d.Value, important: d.Important}
			}
		}
		props := make(Props, len(merged))
		for k, v := range merged {
			props[k] = v.value
		}
		out = append(out, LayerStyle{Layer: layer, Props: props})
	}
	return out
}

// CanvasColor returns the background color declared by canvas rules under
// the given property name.
func (ss *Stylesheet) CanvasColor(property string) (color.NRGBA, bool) {
	var matches []match
	for i := range ss.Rules {
		r := &ss.Rules[i]
		for j := range r.Selectors {
			if r.Selectors[j].Object == ObjectCanvas {
				matches = append(matches, match{specificity: r.Selectors[j].Specificity(), order: r.Order, decls: r.Declarations})
				break
			}
		}
	}
	slices.SortStableFunc(matches, func(a, b match) int {
		if c := cmp.Compare(a.specificity, b.specificity); c != 0 {
			return c
		}
		return cmp.Compare(a.order, b.order)
	})

	var result cascaded
	found := false
	for _, m := range matches {
		for _, d := range m.decls {
			if d.Property != property || (found && result.important && !d.Important) {
				continue
			}
			result = cascaded{value: d.Value, important: d.Important}
			found = true
		}
	}
	if !found {
		return color.NRGBA{}, false
	}
	return Props{property: result.value}.Color(property)
}
