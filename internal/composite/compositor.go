// Package composite blends rendered layers and sprites with straight-alpha
// source-over compositing.
package composite

import (
	"fmt"
	"image"
	"image/color"
	"math"
)

// Stack composites layers bottom-to-top into a fresh size×size tile. A nil
// layer is skipped; every other layer must cover exactly the tile bounds.
func Stack(layers []image.Image, size int) (*image.NRGBA, error) {
	if size <= 0 {
		return nil, fmt.Errorf("tile size must be positive")
	}

	expectedBounds := image.Rect(0, 0, size, size)
	dst := image.NewNRGBA(expectedBounds)

	for i, img := range layers {
		if img == nil {
			continue
		}
		if img.Bounds() != expectedBounds {
			return nil, fmt.Errorf("layer %d bounds %v do not match expected %v", i, img.Bounds(), expectedBounds)
		}
		Over(dst, img, image.Point{}, 1)
	}

	return dst, nil
}

// Fill sets every pixel of dst to c.
func Fill(dst *image.NRGBA, c color.NRGBA) {
	b := dst.Bounds()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			dst.SetNRGBA(x, y, c)
		}
	}
}

// Over draws src onto dst with src's top-left corner at offset, scaling
// src's alpha by opacity. Pixels outside dst are clipped.
func Over(dst *image.NRGBA, src image.Image, offset image.Point, opacity float64) {
	if opacity <= 0 {
		return
	}
	opacity = math.Min(opacity, 1)

	sb := src.Bounds()
	target := sb.Sub(sb.Min).Add(offset).Intersect(dst.Bounds())
	if target.Empty() {
		return
	}

	for y := target.Min.Y; y < target.Max.Y; y++ {
		for x := target.Min.X; x < target.Max.X; x++ {
			s := color.NRGBAModel.Convert(src.At(sb.Min.X+x-offset.X, sb.Min.Y+y-offset.Y)).(color.NRGBA)
			if s.A == 0 {
				continue
			}
			if opacity < 1 {
				s.A = uint8(math.Round(float64(s.A) * opacity))
			}
			dst.SetNRGBA(x, y, Blend(dst.NRGBAAt(x, y), s))
		}
	}
}

// Blend returns s composited over d.
func Blend(d, s color.NRGBA) color.NRGBA {
	if s.A == 0xff {
		return s
	}
	sa := float64(s.A) / 255.0
	da := float64(d.A) / 255.0

	outA := sa + da*(1.0-sa)
	if outA == 0 {
		return color.NRGBA{}
	}

	blend := func(srcVal, dstVal uint8) uint8 {
		srcPremult := float64(srcVal) * sa
		dstPremult := float64(dstVal) * da
		outPremult := srcPremult + dstPremult*(1.0-sa)
		return uint8(math.Round(outPremult / outA))
	}

	return color.NRGBA{
		R: blend(s.R, d.R),
		G: blend(s.G, d.G),
		B: blend(s.B, d.B),
		A: uint8(math.Round(outA * 255.0)),
	}
}
