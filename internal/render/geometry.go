package render

import (
	"math"

	"github.com/paulmach/orb"

	"github.com/MeKo-Tech/cascademap/internal/mapcss"
)

// miterLimit is the longest miter, as a multiple of the half width, before
// a miter join falls back to a bevel.
const miterLimit = 4.0

func padded(size int, pad float64) orb.Bound {
	return orb.Bound{
		Min: orb.Point{-pad, -pad},
		Max: orb.Point{float64(size) + pad, float64(size) + pad},
	}
}

func unit(a, b orb.Point) (orb.Point, float64) {
	dx, dy := b[0]-a[0], b[1]-a[1]
	l := math.Hypot(dx, dy)
	if l == 0 {
		return orb.Point{}, 0
	}
	return orb.Point{dx / l, dy / l}, l
}

func perp(d orb.Point, s float64) orb.Point { return orb.Point{-d[1] * s, d[0] * s} }

func offset(p, d orb.Point, s float64) orb.Point { return orb.Point{p[0] + d[0]*s, p[1] + d[1]*s} }

// orient forces the winding of r. Outlines are wound CCW; holes CW so the
// non-zero rule cancels them.
func orient(r orb.Ring, o orb.Orientation) orb.Ring {
	if r.Orientation() == -o {
		r.Reverse()
	}
	return r
}

// clipSegment clips a→c to b (Liang-Barsky).
func clipSegment(a, c orb.Point, b orb.Bound) (orb.Point, orb.Point, bool) {
	t0, t1 := 0.0, 1.0
	dx, dy := c[0]-a[0], c[1]-a[1]
	edges := [4][2]float64{
		{-dx, a[0] - b.Min[0]},
		{dx, b.Max[0] - a[0]},
		{-dy, a[1] - b.Min[1]},
		{dy, b.Max[1] - a[1]},
	}
	for _, e := range edges {
		p, q := e[0], e[1]
		if p == 0 {
			if q < 0 {
				return a, c, false
			}
			continue
		}
		t := q / p
		if p < 0 {
			if t > t1 {
				return a, c, false
			}
			t0 = math.Max(t0, t)
		} else {
			if t < t0 {
				return a, c, false
			}
			t1 = math.Min(t1, t)
		}
	}
	return orb.Point{a[0] + t0*dx, a[1] + t0*dy}, orb.Point{a[0] + t1*dx, a[1] + t1*dy}, true
}

// clipRing clips a polygon ring to b (Sutherland-Hodgman). The winding is
// preserved.
func clipRing(r orb.Ring, b orb.Bound) orb.Ring {
	if len(r) == 0 {
		return nil
	}
	rb := r.Bound()
	if b.Contains(rb.Min) && b.Contains(rb.Max) {
		return r
	}
	if !b.Intersects(rb) {
		return nil
	}

	inside := func(p orb.Point, edge int) bool {
		switch edge {
		case 0:
			return p[0] >= b.Min[0]
		case 1:
			return p[0] <= b.Max[0]
		case 2:
			return p[1] >= b.Min[1]
		default:
			return p[1] <= b.Max[1]
		}
	}
	cross := func(a, c orb.Point, edge int) orb.Point {
		atX := func(x float64) orb.Point {
			return orb.Point{x, a[1] + (x-a[0])/(c[0]-a[0])*(c[1]-a[1])}
		}
		atY := func(y float64) orb.Point {
			return orb.Point{a[0] + (y-a[1])/(c[1]-a[1])*(c[0]-a[0]), y}
		}
		switch edge {
		case 0:
			return atX(b.Min[0])
		case 1:
			return atX(b.Max[0])
		case 2:
			return atY(b.Min[1])
		default:
			return atY(b.Max[1])
		}
	}

	out := r
	for edge := 0; edge < 4; edge++ {
		in := out
		if len(in) == 0 {
			return nil
		}
		out = make(orb.Ring, 0, len(in)+4)
		prev := in[len(in)-1]
		for _, cur := range in {
			cin, pin := inside(cur, edge), inside(prev, edge)
			switch {
			case cin && !pin:
				out = append(out, cross(prev, cur, edge), cur)
			case cin:
				out = append(out, cur)
			case pin:
				out = append(out, cross(prev, cur, edge))
			}
			prev = cur
		}
	}
	if len(out) < 3 {
		return nil
	}
	return out
}

// stroker turns polylines into polygons whose union is the stroke.
type stroker struct {
	half float64
	cap  mapcss.LineCap
	join mapcss.LineJoin
	clip orb.Bound
}

func newStroker(size int, width float64, lc mapcss.LineCap, lj mapcss.LineJoin) stroker {
	half := width / 2
	return stroker{half: half, cap: lc, join: lj, clip: padded(size, half+2)}
}

func dedupe(line orb.LineString) orb.LineString {
	out := make(orb.LineString, 0, len(line))
	for i, p := range line {
		if i > 0 && p == out[len(out)-1] {
			continue
		}
		out = append(out, p)
	}
	return out
}

func (s stroker) outline(out []orb.Ring, line orb.LineString) []orb.Ring {
	pts := dedupe(line)
	if len(pts) < 2 || s.half <= 0 {
		return out
	}

	for i := 0; i+1 < len(pts); i++ {
		a, c, ok := clipSegment(pts[i], pts[i+1], s.clip)
		if !ok {
			continue
		}
		d, l := unit(a, c)
		if l == 0 {
			continue
		}
		n := perp(d, s.half)
		out = append(out, orient(orb.Ring{
			{a[0] + n[0], a[1] + n[1]},
			{c[0] + n[0], c[1] + n[1]},
			{c[0] - n[0], c[1] - n[1]},
			{a[0] - n[0], a[1] - n[1]},
		}, orb.CCW))
	}

	last := len(pts) - 1
	for i := 1; i < last; i++ {
		out = s.joinAt(out, pts[i-1], pts[i], pts[i+1])
	}
	if pts[0] == pts[last] && len(pts) > 3 {
		out = s.joinAt(out, pts[last-1], pts[0], pts[1])
		return out
	}
	out = s.capAt(out, pts[0], pts[1])
	out = s.capAt(out, pts[last], pts[last-1])
	return out
}

func (s stroker) joinAt(out []orb.Ring, prev, p, next orb.Point) []orb.Ring {
	if !s.clip.Contains(p) {
		return out
	}
	if s.join == mapcss.JoinRound {
		return append(out, circle(p, s.half))
	}

	d0, _ := unit(prev, p)
	d1, _ := unit(p, next)
	cross := d0[0]*d1[1] - d0[1]*d1[0]
	dot := d0[0]*d1[0] + d0[1]*d1[1]
	if math.Abs(cross) < 1e-9 && dot > 0 {
		return out
	}

	// Outer side of the turn.
	sign := s.half
	if cross > 0 {
		sign = -s.half
	}
	n0, n1 := perp(d0, sign), perp(d1, sign)
	a := orb.Point{p[0] + n0[0], p[1] + n0[1]}
	b := orb.Point{p[0] + n1[0], p[1] + n1[1]}

	if s.join == mapcss.JoinMiter {
		m := orb.Point{n0[0] + n1[0], n0[1] + n1[1]}
		if ml := math.Hypot(m[0], m[1]); ml > 1e-9 {
			u := orb.Point{m[0] / ml, m[1] / ml}
			cos := (u[0]*n0[0] + u[1]*n0[1]) / s.half
			if cos > 1/miterLimit {
				tip := offset(p, u, s.half/cos)
				return append(out, orient(orb.Ring{p, a, tip, b}, orb.CCW))
			}
		}
	}
	return append(out, orient(orb.Ring{p, a, b}, orb.CCW))
}

func (s stroker) capAt(out []orb.Ring, end, from orb.Point) []orb.Ring {
	if !s.clip.Contains(end) {
		return out
	}
	switch s.cap {
	case mapcss.CapRound:
		return append(out, circle(end, s.half))
	case mapcss.CapSquare:
		d, _ := unit(from, end)
		n := perp(d, s.half)
		e := offset(end, d, s.half)
		return append(out, orient(orb.Ring{
			{end[0] + n[0], end[1] + n[1]},
			{e[0] + n[0], e[1] + n[1]},
			{e[0] - n[0], e[1] - n[1]},
			{end[0] - n[0], end[1] - n[1]},
		}, orb.CCW))
	}
	return out
}

// circle approximates a disc; increasing angle winds CCW.
func circle(c orb.Point, r float64) orb.Ring {
	n := int(math.Ceil(math.Pi * r))
	n = min(max(n, 8), 64)
	ring := make(orb.Ring, n)
	for i := range ring {
		a := 2 * math.Pi * float64(i) / float64(n)
		ring[i] = orb.Point{c[0] + r*math.Cos(a), c[1] + r*math.Sin(a)}
	}
	return ring
}

// dashLines splits line into the "on" intervals of pattern. Segments
// entirely outside clip only advance the pattern phase.
func dashLines(line orb.LineString, pattern []float64, clip orb.Bound) []orb.LineString {
	if len(pattern)%2 == 1 {
		pattern = append(append([]float64(nil), pattern...), pattern...)
	}
	total := 0.0
	for _, v := range pattern {
		total += v
	}
	if total <= 0 || len(line) < 2 {
		return []orb.LineString{line}
	}

	var out []orb.LineString
	var cur orb.LineString
	flush := func() {
		if len(cur) >= 2 {
			out = append(out, cur)
		}
		cur = nil
	}

	idx := 0
	rem := pattern[0]
	on := true
	advance := func() {
		idx = (idx + 1) % len(pattern)
		rem = pattern[idx]
		on = idx%2 == 0
	}

	for i := 0; i+1 < len(line); i++ {
		a, b := line[i], line[i+1]
		d, l := unit(a, b)
		if l == 0 {
			continue
		}

		if _, _, visible := clipSegment(a, b, clip); !visible {
			flush()
			skip := l
			if skip > total {
				skip = math.Mod(skip, total)
			}
			for skip > 0 {
				if skip < rem {
					rem -= skip
					break
				}
				skip -= rem
				advance()
			}
			if on {
				cur = orb.LineString{b}
			}
			continue
		}

		pos := 0.0
		for pos < l {
			step := math.Min(rem, l-pos)
			if on {
				if len(cur) == 0 {
					cur = append(cur, offset(a, d, pos))
				}
				cur = append(cur, offset(a, d, pos+step))
			}
			pos += step
			rem -= step
			if rem <= 1e-9 {
				if on {
					flush()
				}
				advance()
			}
		}
	}
	flush()
	return out
}

// longestSegment returns the midpoint of the longest segment of line.
func longestSegment(line orb.LineString) (orb.Point, bool) {
	best, found := -1.0, false
	var mid orb.Point
	for i := 0; i+1 < len(line); i++ {
		_, l := unit(line[i], line[i+1])
		if l > best {
			best, found = l, true
			mid = orb.Point{(line[i][0] + line[i+1][0]) / 2, (line[i][1] + line[i+1][1]) / 2}
		}
	}
	return mid, found
}
