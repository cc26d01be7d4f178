// Package render rasterizes styled map features into anti-aliased RGBA
// tiles: fills, casings, strokes, dashes, icons and collision-checked
// labels, painted in z-index order.
package render

import (
	"cmp"
	"context"
	"fmt"
	"image"
	"image/color"
	"log/slog"
	"math"
	"slices"
	"time"

	"github.com/paulmach/orb"

	"github.com/MeKo-Tech/cascademap/internal/composite"
	"github.com/MeKo-Tech/cascademap/internal/geodata"
	"github.com/MeKo-Tech/cascademap/internal/mapcss"
	"github.com/MeKo-Tech/cascademap/internal/projection"
	"github.com/MeKo-Tech/cascademap/internal/tile"
)

// Options tunes rendering independently of the stylesheet.
type Options struct {
	// OverlapThreshold is the fraction of a label box that may be covered
	// by earlier labels. Zero rejects any overlap.
	OverlapThreshold float64
	// PaperNoise modulates the canvas color with Perlin noise of this
	// strength (0 disables it, 1 is strong).
	PaperNoise float64
	PaperSeed  int64
	Logger     *slog.Logger
}

// Renderer draws tiles from feature contents. It is safe for concurrent use.
type Renderer struct {
	styles *mapcss.Cache
	icons  *IconCache
	fonts  *FontSet
	opts   Options

	background    color.NRGBA
	hasBackground bool
}

// New creates a renderer for the stylesheet behind styles. Icons resolve
// relative to the stylesheet directory.
func New(styles *mapcss.Cache, opts Options) (*Renderer, error) {
	fonts, err := LoadFonts()
	if err != nil {
		return nil, err
	}
	r := &Renderer{
		styles: styles,
		icons:  NewIconCache(styles.Sheet().Dir, opts.Logger),
		fonts:  fonts,
		opts:   opts,
	}
	r.background, r.hasBackground = styles.Sheet().CanvasColor(styles.Options().Flavor.CanvasProperty())
	return r, nil
}

func (r *Renderer) log() *slog.Logger {
	if r.opts.Logger != nil {
		return r.opts.Logger
	}
	return slog.Default()
}

// Background returns the canvas color, if the stylesheet declares one.
func (r *Renderer) Background() (color.NRGBA, bool) { return r.background, r.hasBackground }

// Styles returns the style cache.
func (r *Renderer) Styles() *mapcss.Cache { return r.styles }

// Input is one render request.
type Input struct {
	Coords   tile.Coords
	Density  tile.Density
	Contents geodata.Contents
}

// Stats records per-stage timings and counts of one render.
type Stats struct {
	Features      int
	Drawables     int
	Labels        int
	LabelsDropped int
	RingsDropped  int

	Styling    time.Duration
	Projection time.Duration
	Drawing    time.Duration
	Labeling   time.Duration
}

// Total is the sum of the stage durations.
func (s *Stats) Total() time.Duration {
	return s.Styling + s.Projection + s.Drawing + s.Labeling
}

func (s *Stats) LogValue() slog.Value {
	return slog.GroupValue(
		slog.Int("features", s.Features),
		slog.Int("drawables", s.Drawables),
		slog.Int("labels", s.Labels),
		slog.Int("labels_dropped", s.LabelsDropped),
		slog.Duration("styling", s.Styling),
		slog.Duration("projection", s.Projection),
		slog.Duration("drawing", s.Drawing),
		slog.Duration("labeling", s.Labeling),
	)
}

// feature is one styled element with its geometry in node indices and,
// after projection, in tile pixels.
type feature struct {
	id     uint64
	role   mapcss.Role
	tags   geodata.Tags
	styles []mapcss.Style

	refs  [][]uint32
	geom  []orb.Ring
	label orb.Point // area centroid, line midpoint or the node itself
	along orb.Point // midpoint of the longest segment
}

type drawable struct {
	f     *feature
	style *mapcss.Style
}

// Render draws one tile. A coordinate outside the projection domain fails
// the whole render with an error matching projection.ErrProjectionDomain.
func (r *Renderer) Render(ctx context.Context, in Input) (*image.NRGBA, *Stats, error) {
	if !in.Coords.Valid() {
		return nil, nil, fmt.Errorf("invalid tile %s", in.Coords)
	}
	proj := projection.New(in.Coords, in.Density)
	size, scale := proj.Size(), proj.Scale()
	zoom := uint8(in.Coords.Z)
	stats := &Stats{}

	start := time.Now()
	feats := r.collect(&in.Contents, zoom, stats)
	stats.Features = len(feats)
	stats.Styling = time.Since(start)

	if err := ctx.Err(); err != nil {
		return nil, stats, err
	}

	start = time.Now()
	for _, f := range feats {
		if err := project(f, &in.Contents, proj); err != nil {
			return nil, stats, err
		}
	}
	stats.Projection = time.Since(start)

	draws := make([]drawable, 0, len(feats))
	for _, f := range feats {
		for i := range f.styles {
			draws = append(draws, drawable{f: f, style: &f.styles[i]})
		}
	}
	slices.SortStableFunc(draws, func(a, b drawable) int {
		if a.style.ForegroundFill != b.style.ForegroundFill {
			if a.style.ForegroundFill {
				return 1
			}
			return -1
		}
		if c := cmp.Compare(a.style.ZIndex, b.style.ZIndex); c != 0 {
			return c
		}
		if c := cmp.Compare(a.f.id, b.f.id); c != 0 {
			return c
		}
		return cmp.Compare(a.style.LayerIndex, b.style.LayerIndex)
	})
	stats.Drawables = len(draws)

	start = time.Now()
	features := newCanvas(size)
	var labels []label
	for i, d := range draws {
		if i%256 == 0 {
			if err := ctx.Err(); err != nil {
				return nil, stats, err
			}
		}
		r.paint(features, d, scale)
		if l, ok := labelFor(d); ok {
			labels = append(labels, l)
		}
	}
	stats.Drawing = time.Since(start)

	start = time.Now()
	var labelLayer *image.NRGBA
	if len(labels) > 0 {
		labelLayer = image.NewNRGBA(image.Rect(0, 0, size, size))
		faces := r.fonts.newFaces()
		placed, dropped, err := placeLabels(labelLayer, labels, scale, faces, NewLabelPlacer(r.opts.OverlapThreshold))
		faces.close()
		if err != nil {
			return nil, stats, err
		}
		stats.Labels, stats.LabelsDropped = placed, dropped
	}
	stats.Labeling = time.Since(start)

	layers := make([]image.Image, 0, 3)
	if bg := r.backgroundLayer(in.Coords, size, scale); bg != nil {
		layers = append(layers, bg)
	}
	layers = append(layers, features.img)
	if labelLayer != nil {
		layers = append(layers, labelLayer)
	}
	img, err := composite.Stack(layers, size)
	if err != nil {
		return nil, stats, fmt.Errorf("failed to composite tile %s: %w", in.Coords, err)
	}

	r.log().Debug("Rendered tile", "tile", in.Coords.String()+in.Density.Suffix(), "stats", stats)
	return img, stats, nil
}

func (r *Renderer) backgroundLayer(c tile.Coords, size int, scale float64) *image.NRGBA {
	if !r.hasBackground {
		return nil
	}
	if r.opts.PaperNoise > 0 {
		return paperTexture(size, float64(c.X)*float64(size), float64(c.Y)*float64(size), scale, r.background, r.opts.PaperNoise, r.opts.PaperSeed)
	}
	bg := image.NewNRGBA(image.Rect(0, 0, size, size))
	composite.Fill(bg, r.background)
	return bg
}

// collect resolves styles for every feature and drops unstyled ones.
func (r *Renderer) collect(c *geodata.Contents, zoom uint8, stats *Stats) []*feature {
	var feats []*feature
	add := func(f *feature) {
		f.styles = r.styles.Styles(f.tags, f.role, zoom)
		if len(f.styles) > 0 {
			feats = append(feats, f)
		}
	}

	for i := range c.Relations {
		rel := &c.Relations[i]
		if !rel.IsMultipolygon() {
			continue
		}
		f := &feature{id: rel.ID, role: mapcss.RoleMultipolygon, tags: rel.Tags}
		add(f)
		if len(f.styles) == 0 {
			continue
		}
		rings, dropped := assembleRings(c, rel)
		stats.RingsDropped += dropped
		if dropped > 0 {
			_, osmID := geodata.SplitGlobalID(rel.ID)
			r.log().Debug("Dropped unclosed multipolygon members", "relation", osmID, "count", dropped)
		}
		if len(rings) == 0 {
			feats = feats[:len(feats)-1]
			continue
		}
		f.refs = rings
	}

	for i := range c.Ways {
		w := &c.Ways[i]
		if len(w.Tags) == 0 || len(w.Nodes) < 2 {
			continue
		}
		role := mapcss.RoleLine
		if w.Closed() {
			role = mapcss.RoleArea
		}
		add(&feature{id: w.ID, role: role, tags: w.Tags, refs: [][]uint32{w.Nodes}})
	}

	for i := range c.Nodes {
		n := &c.Nodes[i]
		if len(n.Tags) == 0 {
			continue
		}
		add(&feature{id: n.ID, role: mapcss.RoleNode, tags: n.Tags, refs: [][]uint32{{uint32(i)}}})
	}
	return feats
}

func project(f *feature, c *geodata.Contents, proj projection.Projector) error {
	f.geom = make([]orb.Ring, len(f.refs))
	for i, refs := range f.refs {
		ring := make(orb.Ring, len(refs))
		for j, idx := range refs {
			n := &c.Nodes[idx]
			p, err := proj.Project(n.Lat, n.Lon)
			if err != nil {
				kind, osmID := geodata.SplitGlobalID(f.id)
				return fmt.Errorf("failed to project %s %d: %w", kind, osmID, err)
			}
			ring[j] = orb.Point{p.X, p.Y}
		}
		f.geom[i] = ring
	}

	switch f.role {
	case mapcss.RoleNode:
		f.label = f.geom[0][0]
		f.along = f.label
	case mapcss.RoleLine:
		f.along, _ = longestSegment(orb.LineString(f.geom[0]))
		f.label = f.along
	default:
		if f.role == mapcss.RoleMultipolygon {
			windRings(f.geom)
		} else {
			orient(f.geom[0], orb.CCW)
		}
		f.label, _ = centroid(f.geom)
		best := -1.0
		for _, ring := range f.geom {
			for i := 0; i+1 < len(ring); i++ {
				if _, l := unit(ring[i], ring[i+1]); l > best {
					best = l
					f.along = orb.Point{(ring[i][0] + ring[i+1][0]) / 2, (ring[i][1] + ring[i+1][1]) / 2}
				}
			}
		}
	}
	return nil
}

func (r *Renderer) paint(cv *canvas, d drawable, scale float64) {
	s := d.style
	f := d.f

	if f.role != mapcss.RoleNode {
		if (f.role == mapcss.RoleArea || f.role == mapcss.RoleMultipolygon) && s.HasFill() {
			cv.fillArea(f.geom, withOpacity(*s.FillColor, s.FillOpacity))
		}

		lines := make([]orb.LineString, len(f.geom))
		for i, g := range f.geom {
			lines[i] = orb.LineString(g)
		}
		if s.HasCasing() {
			cv.stroke(lines, lineStyle{
				width:   s.CasingWidth * scale,
				color:   withOpacity(*s.CasingColor, s.Opacity),
				dashes:  scaled(s.CasingDashes, scale),
				cap:     s.CasingLineCap,
				join:    s.LineJoin,
				dashCap: dashCap(s, s.CasingLineCap),
			})
		}
		if s.HasStroke() {
			cv.stroke(lines, lineStyle{
				width:   s.Width * scale,
				color:   withOpacity(*s.Color, s.Opacity),
				dashes:  scaled(s.Dashes, scale),
				cap:     s.LineCap,
				join:    s.LineJoin,
				dashCap: dashCap(s, s.LineCap),
			})
		}
	}

	if s.HasIcon() {
		icon, ok := r.icons.Icon(s.IconImage, s.IconWidth, s.IconHeight, scale)
		if ok {
			b := icon.Bounds()
			at := image.Pt(int(math.Round(f.label[0]))-b.Dx()/2, int(math.Round(f.label[1]))-b.Dy()/2)
			composite.Over(cv.img, icon, at, s.IconOpacity)
		}
	}
}

func dashCap(s *mapcss.Style, c mapcss.LineCap) mapcss.LineCap {
	if s.DashCaps {
		return c
	}
	return mapcss.CapButt
}

func scaled(v []float64, scale float64) []float64 {
	if len(v) == 0 {
		return nil
	}
	out := make([]float64, len(v))
	for i, x := range v {
		out[i] = x * scale
	}
	return out
}

func labelFor(d drawable) (label, bool) {
	s := d.style
	if !s.HasText() {
		return label{}, false
	}
	text, ok := d.f.tags.Get(s.TextKey)
	if !ok || text == "" {
		return label{}, false
	}
	at := d.f.label
	if s.TextPosition == mapcss.TextLine {
		at = d.f.along
	}
	return label{text: text, at: at, style: s}, true
}
