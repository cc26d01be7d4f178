package render

import (
	"math"
	"slices"

	"github.com/paulmach/orb"
	"github.com/paulmach/orb/planar"

	"github.com/MeKo-Tech/cascademap/internal/geodata"
)

// assembleRings joins the member ways of a multipolygon relation into closed
// rings of node indices. Members that cannot be closed are dropped.
func assembleRings(c *geodata.Contents, rel *geodata.Relation) (rings [][]uint32, dropped int) {
	var open [][]uint32
	for _, wi := range rel.Ways {
		if int(wi) >= len(c.Ways) {
			continue
		}
		nodes := c.Ways[wi].Nodes
		if len(nodes) < 2 {
			continue
		}
		if nodes[0] == nodes[len(nodes)-1] {
			if len(nodes) >= 4 {
				rings = append(rings, nodes)
			} else {
				dropped++
			}
			continue
		}
		open = append(open, slices.Clone(nodes))
	}

	for len(open) > 0 {
		cur := open[0]
		open = open[1:]
		for cur[0] != cur[len(cur)-1] {
			i, reversed := findContinuation(open, cur[len(cur)-1])
			if i < 0 {
				// Try growing from the other end before giving up.
				slices.Reverse(cur)
				i, reversed = findContinuation(open, cur[len(cur)-1])
				if i < 0 {
					break
				}
			}
			next := open[i]
			open = slices.Delete(open, i, i+1)
			if reversed {
				next = slices.Clone(next)
				slices.Reverse(next)
			}
			cur = append(cur, next[1:]...)
		}
		if cur[0] == cur[len(cur)-1] && len(cur) >= 4 {
			rings = append(rings, cur)
		} else {
			dropped++
		}
	}
	return rings, dropped
}

func findContinuation(open [][]uint32, end uint32) (int, bool) {
	for i, seg := range open {
		if seg[0] == end {
			return i, false
		}
		if seg[len(seg)-1] == end {
			return i, true
		}
	}
	return -1, false
}

// windRings orients projected rings by nesting depth: rings inside an even
// number of other rings are outer boundaries, the rest are holes.
func windRings(rings []orb.Ring) {
	for i, r := range rings {
		if len(r) == 0 {
			continue
		}
		depth := 0
		for j, other := range rings {
			if i != j && len(other) >= 3 && planar.RingContains(other, interiorProbe(r, other)) {
				depth++
			}
		}
		if depth%2 == 0 {
			orient(r, orb.CCW)
		} else {
			orient(r, orb.CW)
		}
	}
}

// interiorProbe picks a vertex of r that is not shared with other, so that
// touching rings do not count as nested.
func interiorProbe(r, other orb.Ring) orb.Point {
	for _, p := range r {
		if !slices.Contains(other, p) {
			return p
		}
	}
	return r[0]
}

// centroid returns the area-weighted center of the largest outer ring.
func centroid(rings []orb.Ring) (orb.Point, bool) {
	best := -1.0
	var c orb.Point
	for _, r := range rings {
		if len(r) < 3 || r.Orientation() == orb.CW {
			continue
		}
		p, a := planar.CentroidArea(r)
		if a = math.Abs(a); a > best {
			best, c = a, p
		}
	}
	if best < 0 {
		return orb.Point{}, false
	}
	if best == 0 {
		var b orb.Bound
		for i, r := range rings {
			if i == 0 {
				b = r.Bound()
			} else {
				b = b.Union(r.Bound())
			}
		}
		return b.Center(), true
	}
	return c, true
}
