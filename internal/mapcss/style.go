package mapcss

import (
	"fmt"
	"image/color"
	"log/slog"
	"strings"
)

// Flavor selects dialect-specific style defaults.
type Flavor uint8

const (
	FlavorJOSM Flavor = iota
	FlavorMapsMe
)

// ParseFlavor maps a configuration value to a Flavor.
func ParseFlavor(s string) (Flavor, error) {
	switch strings.ToLower(s) {
	case "", "josm":
		return FlavorJOSM, nil
	case "mapsme", "maps.me":
		return FlavorMapsMe, nil
	default:
		return 0, fmt.Errorf("unknown stylesheet flavor %q (want josm or mapsme)", s)
	}
}

func (f Flavor) String() string {
	if f == FlavorMapsMe {
		return "mapsme"
	}
	return "josm"
}

// CanvasProperty is the canvas property holding the background color.
func (f Flavor) CanvasProperty() string {
	if f == FlavorMapsMe {
		return "background-color"
	}
	return "fill-color"
}

func (f Flavor) casingMultiplier() float64 {
	if f == FlavorMapsMe {
		return 1
	}
	return 2
}

// LineCap is the stroke end style.
type LineCap uint8

const (
	CapButt LineCap = iota
	CapRound
	CapSquare
)

// LineJoin is the stroke corner style.
type LineJoin uint8

const (
	JoinRound LineJoin = iota
	JoinBevel
	JoinMiter
)

// TextPosition places a label on a feature.
type TextPosition uint8

const (
	TextCenter TextPosition = iota
	TextLine
)

// Fallbacks for properties the renderer needs even when unset.
const (
	DefaultFontSize = 10.0
	zIndexArea      = 1.0
	zIndexLine      = 3.0
	zIndexNode      = 4.0
)

// Style is the typed render-ready form of one layer's properties.
// Zero colors mean the corresponding aspect is not drawn.
type Style struct {
	Layer          string
	LayerIndex     int
	ZIndex         float64
	ForegroundFill bool

	Color       *color.NRGBA
	FillColor   *color.NRGBA
	Opacity     float64
	FillOpacity float64
	Width       float64
	Dashes      []float64
	LineCap     LineCap
	LineJoin    LineJoin
	// DashCaps applies the line cap to every dash instead of only the ends.
	DashCaps bool

	CasingColor   *color.NRGBA
	CasingWidth   float64
	CasingDashes  []float64
	CasingLineCap LineCap

	IconImage   string
	IconWidth   float64
	IconHeight  float64
	IconOpacity float64

	// TextKey names the tag whose value is the label.
	TextKey        string
	FontSize       float64
	TextColor      color.NRGBA
	TextHaloColor  *color.NRGBA
	TextHaloRadius float64
	TextPosition   TextPosition
	TextOffset     float64
}

// HasStroke reports whether the style draws a line.
func (s *Style) HasStroke() bool { return s.Color != nil && s.Width > 0 }

// HasFill reports whether the style fills an area.
func (s *Style) HasFill() bool { return s.FillColor != nil }

// HasCasing reports whether the style draws a casing around the line.
func (s *Style) HasCasing() bool { return s.CasingColor != nil && s.CasingWidth > 0 }

// HasIcon reports whether the style places an icon.
func (s *Style) HasIcon() bool { return s.IconImage != "" }

// HasText reports whether the style places a label.
func (s *Style) HasText() bool { return s.TextKey != "" }

// Visible reports whether the style draws anything at all.
func (s *Style) Visible() bool {
	return s.HasStroke() || s.HasFill() || s.HasCasing() || s.HasIcon() || s.HasText()
}

// StyleOptions controls the conversion of resolved properties into Styles.
type StyleOptions struct {
	Flavor Flavor
	// FontScale multiplies every font size; zero means 1.
	FontScale float64
	Logger    *slog.Logger
}

func (o StyleOptions) log() *slog.Logger {
	if o.Logger != nil {
		return o.Logger
	}
	return slog.Default()
}

func defaultZIndex(role Role) float64 {
	switch role {
	case RoleNode:
		return zIndexNode
	case RoleLine:
		return zIndexLine
	default:
		return zIndexArea
	}
}

// BuildStyles converts resolved layers into Styles. Layers that draw
// nothing are dropped.
func (o StyleOptions) BuildStyles(layers []LayerStyle, role Role) []Style {
	var base Props
	for _, l := range layers {
		if l.Layer == DefaultLayer {
			base = l.Props
		}
	}

	styles := make([]Style, 0, len(layers))
	for i, l := range layers {
		s := o.toStyle(l, base, role)
		s.LayerIndex = i
		if s.Visible() {
			styles = append(styles, s)
		}
	}
	return styles
}

func (o StyleOptions) toStyle(l LayerStyle, base Props, role Role) Style {
	p := l.Props
	s := Style{
		Layer:       l.Layer,
		ZIndex:      defaultZIndex(role),
		Opacity:     1,
		FillOpacity: 1,
		IconOpacity: 1,
		FontSize:    DefaultFontSize,
		TextColor:   color.NRGBA{A: 0xff},
		DashCaps:    o.Flavor == FlavorJOSM,
	}

	if z, ok := p.Number("z-index"); ok {
		s.ZIndex = z
	}
	pos, _ := p.Ident("fill-position")
	s.ForegroundFill = pos != "background"

	s.Color = o.color(l, "color")
	s.FillColor = o.color(l, "fill-color")
	if v, ok := p.Number("opacity"); ok {
		s.Opacity = clamp01(v)
	}
	if v, ok := p.Number("fill-opacity"); ok {
		s.FillOpacity = clamp01(v)
	}

	width, hasWidth := p.Number("width")
	if hasWidth {
		s.Width = width
	}
	s.Dashes = o.dashes(l, "dashes")
	s.LineCap = o.lineCap(l, "linecap")
	s.LineJoin = o.lineJoin(l, "linejoin")

	baseWidth := width
	if !hasWidth {
		baseWidth, _ = base.Number("width")
	}
	if v, ok := p["casing-width"]; ok {
		var casing float64
		switch {
		case v.Kind == ValueNumbers && len(v.Numbers) == 1:
			casing = v.Numbers[0]
		case v.Kind == ValueWidthDelta:
			casing = baseWidth + v.Numbers[0]
		default:
			o.warn(l, "casing-width", "expected a number or an eval(...) statement")
		}
		if casing > 0 {
			s.CasingWidth = baseWidth + o.Flavor.casingMultiplier()*casing
		}
	}
	s.CasingColor = o.color(l, "casing-color")
	s.CasingDashes = o.dashes(l, "casing-dashes")
	s.CasingLineCap = o.lineCap(l, "casing-linecap")

	if icon, ok := p.Text("icon-image"); ok {
		s.IconImage = icon
	}
	if v, ok := p.Number("icon-width"); ok {
		s.IconWidth = v
	}
	if v, ok := p.Number("icon-height"); ok {
		s.IconHeight = v
	}
	if v, ok := p.Number("icon-opacity"); ok {
		s.IconOpacity = clamp01(v)
	}

	if key, ok := p.Text("text"); ok && key != "" && key != "none" {
		s.TextKey = key
	}
	if v, ok := p.Number("font-size"); ok && v > 0 {
		s.FontSize = v
	}
	if o.FontScale > 0 {
		s.FontSize *= o.FontScale
	}
	if c := o.color(l, "text-color"); c != nil {
		s.TextColor = *c
	}
	s.TextHaloColor = o.color(l, "text-halo-color")
	if v, ok := p.Number("text-halo-radius"); ok {
		s.TextHaloRadius = v
	}
	if pos, ok := p.Ident("text-position"); ok && pos == "line" {
		s.TextPosition = TextLine
	}
	if v, ok := p.Number("text-offset"); ok {
		s.TextOffset = v
	}

	return s
}

func (o StyleOptions) warn(l LayerStyle, prop, msg string) {
	o.log().Debug("Ignoring style property", "layer", l.Layer, "property", prop, "value", l.Props[prop].String(), "reason", msg)
}

func (o StyleOptions) color(l LayerStyle, prop string) *color.NRGBA {
	if !l.Props.Has(prop) {
		return nil
	}
	c, ok := l.Props.Color(prop)
	if !ok {
		o.warn(l, prop, "unknown color")
		return nil
	}
	return &c
}

func (o StyleOptions) dashes(l LayerStyle, prop string) []float64 {
	if !l.Props.Has(prop) {
		return nil
	}
	d, ok := l.Props.Numbers(prop)
	if !ok {
		o.warn(l, prop, "expected a sequence of numbers")
		return nil
	}
	total := 0.0
	for _, v := range d {
		if v < 0 {
			o.warn(l, prop, "negative dash length")
			return nil
		}
		total += v
	}
	if total == 0 {
		return nil
	}
	return d
}

func (o StyleOptions) lineCap(l LayerStyle, prop string) LineCap {
	v, ok := l.Props.Ident(prop)
	if !ok {
		return CapButt
	}
	switch v {
	case "none", "butt":
		return CapButt
	case "round":
		return CapRound
	case "square":
		return CapSquare
	}
	o.warn(l, prop, "unknown line cap value")
	return CapButt
}

func (o StyleOptions) lineJoin(l LayerStyle, prop string) LineJoin {
	v, ok := l.Props.Ident(prop)
	if !ok {
		return JoinRound
	}
	switch v {
	case "round":
		return JoinRound
	case "bevel":
		return JoinBevel
	case "miter":
		return JoinMiter
	}
	o.warn(l, prop, "unknown line join value")
	return JoinRound
}

func clamp01(v float64) float64 {
	return min(max(v, 0), 1)
}
