package render

import (
	"image"
	"image/color"
	"image/draw"
	"math"

	"github.com/paulmach/orb"
	"golang.org/x/image/vector"

	"github.com/MeKo-Tech/cascademap/internal/mapcss"
)

// canvas is one RGBA layer plus a reusable anti-aliasing rasterizer.
type canvas struct {
	img  *image.NRGBA
	size int
	ras  vector.Rasterizer
}

func newCanvas(size int) *canvas {
	return &canvas{img: image.NewNRGBA(image.Rect(0, 0, size, size)), size: size}
}

// fill rasterizes rings with the non-zero rule, so oppositely wound rings
// cut holes and overlapping same-wound rings union.
func (c *canvas) fill(rings []orb.Ring, col color.NRGBA) {
	if col.A == 0 {
		return
	}
	var b orb.Bound
	found := false
	for _, r := range rings {
		if len(r) < 3 {
			continue
		}
		if !found {
			b, found = r.Bound(), true
		} else {
			b = b.Union(r.Bound())
		}
	}
	if !found {
		return
	}

	area := image.Rect(
		int(math.Floor(b.Min[0])), int(math.Floor(b.Min[1])),
		int(math.Ceil(b.Max[0])), int(math.Ceil(b.Max[1])),
	).Intersect(c.img.Bounds())
	if area.Empty() {
		return
	}

	c.ras.Reset(area.Dx(), area.Dy())
	c.ras.DrawOp = draw.Over
	ox, oy := float64(area.Min.X), float64(area.Min.Y)
	for _, r := range rings {
		if len(r) < 3 {
			continue
		}
		c.ras.MoveTo(float32(r[0][0]-ox), float32(r[0][1]-oy))
		for _, p := range r[1:] {
			c.ras.LineTo(float32(p[0]-ox), float32(p[1]-oy))
		}
		c.ras.ClosePath()
	}
	c.ras.Draw(c.img, area, image.NewUniform(col), area.Min)
}

// fillArea fills polygon rings already wound for the non-zero rule.
func (c *canvas) fillArea(rings []orb.Ring, col color.NRGBA) {
	clip := padded(c.size, 2)
	clipped := make([]orb.Ring, 0, len(rings))
	for _, r := range rings {
		if cr := clipRing(r, clip); cr != nil {
			clipped = append(clipped, cr)
		}
	}
	c.fill(clipped, col)
}

// lineStyle is one stroke pass: a casing or the line itself.
type lineStyle struct {
	width  float64
	color  color.NRGBA
	dashes []float64
	cap    mapcss.LineCap
	join   mapcss.LineJoin
	// dashCap is the cap applied to inner dash ends.
	dashCap mapcss.LineCap
}

// stroke draws every line in one rasterizer pass so overlapping pieces of
// a translucent stroke do not darken each other.
func (c *canvas) stroke(lines []orb.LineString, ls lineStyle) {
	if ls.width <= 0 || ls.color.A == 0 {
		return
	}
	var outline []orb.Ring
	if len(ls.dashes) == 0 {
		st := newStroker(c.size, ls.width, ls.cap, ls.join)
		for _, l := range lines {
			outline = st.outline(outline, l)
		}
	} else {
		st := newStroker(c.size, ls.width, ls.dashCap, ls.join)
		for _, l := range lines {
			for _, dash := range dashLines(l, ls.dashes, st.clip) {
				outline = st.outline(outline, dash)
			}
		}
	}
	c.fill(outline, ls.color)
}

func withOpacity(c color.NRGBA, opacity float64) color.NRGBA {
	c.A = uint8(math.Round(float64(c.A) * clamp01(opacity)))
	return c
}

func clamp01(v float64) float64 { return math.Min(math.Max(v, 0), 1) }
