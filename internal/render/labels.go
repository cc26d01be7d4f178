package render

import (
	"fmt"
	"image"
	"image/color"
	"math"

	"github.com/dhconnelly/rtreego"
	"github.com/disintegration/gift"
	"github.com/paulmach/orb"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"

	"github.com/MeKo-Tech/cascademap/internal/composite"
	"github.com/MeKo-Tech/cascademap/internal/mapcss"
)

// FontSet holds the parsed label font. Faces are not safe for concurrent
// use, so each render opens its own through newFaces.
type FontSet struct {
	regular *opentype.Font
}

// LoadFonts parses the embedded Go Regular font.
func LoadFonts() (*FontSet, error) {
	f, err := opentype.Parse(goregular.TTF)
	if err != nil {
		return nil, fmt.Errorf("failed to parse label font: %w", err)
	}
	return &FontSet{regular: f}, nil
}

type faceCache struct {
	fonts *FontSet
	faces map[float64]font.Face
}

func (fs *FontSet) newFaces() *faceCache {
	return &faceCache{fonts: fs, faces: make(map[float64]font.Face)}
}

func (fc *faceCache) face(size float64) (font.Face, error) {
	if f, ok := fc.faces[size]; ok {
		return f, nil
	}
	f, err := opentype.NewFace(fc.fonts.regular, &opentype.FaceOptions{
		Size:    size,
		DPI:     72,
		Hinting: font.HintingFull,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create %gpx font face: %w", size, err)
	}
	fc.faces[size] = f
	return f, nil
}

func (fc *faceCache) close() {
	for _, f := range fc.faces {
		f.Close()
	}
}

// LabelPlacer performs greedy label collision: a candidate is accepted only
// when no already placed box covers more than threshold of its area.
type LabelPlacer struct {
	threshold float64
	tree      *rtreego.Rtree
}

type placedBox struct {
	r image.Rectangle
}

func (b placedBox) Bounds() rtreego.Rect { return rectOf(b.r) }

func rectOf(r image.Rectangle) rtreego.Rect {
	rect, _ := rtreego.NewRect(
		rtreego.Point{float64(r.Min.X), float64(r.Min.Y)},
		[]float64{math.Max(float64(r.Dx()), 1e-9), math.Max(float64(r.Dy()), 1e-9)},
	)
	return rect
}

// NewLabelPlacer creates an empty placer.
func NewLabelPlacer(threshold float64) *LabelPlacer {
	return &LabelPlacer{threshold: threshold, tree: rtreego.NewTree(2, 25, 50)}
}

// TryPlace reserves box if it does not collide with earlier placements.
func (p *LabelPlacer) TryPlace(box image.Rectangle) bool {
	if box.Empty() {
		return false
	}
	area := float64(box.Dx() * box.Dy())
	for _, s := range p.tree.SearchIntersect(rectOf(box)) {
		inter := box.Intersect(s.(placedBox).r)
		if inter.Empty() {
			continue
		}
		if float64(inter.Dx()*inter.Dy())/area > p.threshold {
			return false
		}
	}
	p.tree.Insert(placedBox{r: box})
	return true
}

// Len returns the number of placed boxes.
func (p *LabelPlacer) Len() int { return p.tree.Size() }

type label struct {
	text  string
	at    orb.Point
	style *mapcss.Style
}

// placeLabels draws labels in order onto dst, skipping collisions.
func placeLabels(dst *image.NRGBA, labels []label, scale float64, faces *faceCache, placer *LabelPlacer) (placed, dropped int, err error) {
	for _, l := range labels {
		s := l.style
		face, err := faces.face(s.FontSize * scale)
		if err != nil {
			return placed, dropped, err
		}

		m := face.Metrics()
		ascent, descent := m.Ascent.Ceil(), m.Descent.Ceil()
		advance := font.MeasureString(face, l.text).Ceil()
		halo := 0
		if s.TextHaloColor != nil && s.TextHaloRadius > 0 {
			halo = int(math.Ceil(s.TextHaloRadius * scale))
		}

		w, h := advance+2*halo, ascent+descent+2*halo
		x := int(math.Round(l.at[0])) - w/2
		y := int(math.Round(l.at[1]+s.TextOffset*scale)) - h/2
		box := image.Rect(x, y, x+w, y+h)

		if !box.Overlaps(dst.Bounds()) || !placer.TryPlace(box) {
			dropped++
			continue
		}

		mask := image.NewGray(image.Rect(0, 0, w, h))
		d := font.Drawer{
			Dst:  mask,
			Src:  image.White,
			Face: face,
			Dot:  fixed.P(halo, halo+ascent),
		}
		d.DrawString(l.text)

		if halo > 0 {
			haloMask := image.NewGray(mask.Bounds())
			gift.New(gift.Maximum(2*halo+1, true)).Draw(haloMask, mask)
			paintMask(dst, haloMask, box.Min, *s.TextHaloColor)
		}
		paintMask(dst, mask, box.Min, s.TextColor)
		placed++
	}
	return placed, dropped, nil
}

// paintMask blends c onto dst using mask as coverage.
func paintMask(dst *image.NRGBA, mask *image.Gray, at image.Point, c color.NRGBA) {
	b := mask.Bounds()
	db := dst.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			m := mask.GrayAt(x, y).Y
			if m == 0 {
				continue
			}
			p := image.Pt(at.X+x-b.Min.X, at.Y+y-b.Min.Y)
			if !p.In(db) {
				continue
			}
			s := c
			s.A = uint8(uint32(c.A) * uint32(m) / 255)
			dst.SetNRGBA(p.X, p.Y, composite.Blend(dst.NRGBAAt(p.X, p.Y), s))
		}
	}
}
