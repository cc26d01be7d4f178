package render

import (
	"image"
	"image/color"
	"math"

	"github.com/aquilax/go-perlin"
)

// paperScale is the Perlin feature size in 1x pixels.
const paperScale = 48.0

// paperTexture returns a canvas-colored layer modulated by Perlin noise.
// Noise is sampled in world pixel space, so neighboring tiles line up.
func paperTexture(size int, originX, originY float64, scale float64, base color.NRGBA, strength float64, seed int64) *image.NRGBA {
	// alpha: persistence, beta: lacunarity, n: octaves
	p := perlin.NewPerlin(2.0, 2.0, 3, seed)
	img := image.NewNRGBA(image.Rect(0, 0, size, size))
	freq := paperScale * scale

	shade := func(v uint8, delta float64) uint8 {
		return uint8(math.Max(0, math.Min(255, float64(v)+delta)))
	}

	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			val := p.Noise2D((originX+float64(x))/freq, (originY+float64(y))/freq)
			delta := val * strength * 64
			img.SetNRGBA(x, y, color.NRGBA{
				R: shade(base.R, delta),
				G: shade(base.G, delta),
				B: shade(base.B, delta),
				A: base.A,
			})
		}
	}
	return img
}
