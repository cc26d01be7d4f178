package render

import (
	"fmt"
	"image"
	_ "image/png" // Register PNG decoder
	"log/slog"
	"math"
	"os"
	"path/filepath"
	"sync"

	xdraw "golang.org/x/image/draw"
)

// IconCache loads icon images relative to the stylesheet directory and keeps
// scaled copies per output size. It is safe for concurrent use.
type IconCache struct {
	dir    string
	logger *slog.Logger

	mu      sync.Mutex
	sources map[string]image.Image // nil marks an icon that failed to load

	scaled sync.Map // iconKey -> *image.NRGBA
}

type iconKey struct {
	name string
	w, h int
}

// NewIconCache creates a cache resolving icon names against dir.
func NewIconCache(dir string, logger *slog.Logger) *IconCache {
	return &IconCache{dir: dir, logger: logger, sources: make(map[string]image.Image)}
}

func (c *IconCache) log() *slog.Logger {
	if c.logger != nil {
		return c.logger
	}
	return slog.Default()
}

func (c *IconCache) source(name string) image.Image {
	c.mu.Lock()
	defer c.mu.Unlock()

	if img, ok := c.sources[name]; ok {
		return img
	}
	img, err := c.load(name)
	if err != nil {
		c.log().Warn("Icon unavailable, skipping", "icon", name, "error", err)
	}
	c.sources[name] = img
	return img
}

func (c *IconCache) load(name string) (image.Image, error) {
	path := name
	if !filepath.IsAbs(path) {
		path = filepath.Join(c.dir, name)
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open icon %s: %w", path, err)
	}
	defer file.Close()

	img, _, err := image.Decode(file)
	if err != nil {
		return nil, fmt.Errorf("failed to decode icon %s: %w", path, err)
	}
	return img, nil
}

// Icon returns the named icon scaled to the requested size. A zero width or
// height follows the icon's aspect ratio; both zero keeps the natural size.
// The size is then multiplied by scale.
func (c *IconCache) Icon(name string, width, height, scale float64) (*image.NRGBA, bool) {
	src := c.source(name)
	if src == nil {
		return nil, false
	}

	sb := src.Bounds()
	sw, sh := float64(sb.Dx()), float64(sb.Dy())
	if sw == 0 || sh == 0 {
		return nil, false
	}
	switch {
	case width > 0 && height > 0:
	case width > 0:
		height = width * sh / sw
	case height > 0:
		width = height * sw / sh
	default:
		width, height = sw, sh
	}

	key := iconKey{
		name: name,
		w:    max(1, int(math.Round(width*scale))),
		h:    max(1, int(math.Round(height*scale))),
	}
	if v, ok := c.scaled.Load(key); ok {
		return v.(*image.NRGBA), true
	}

	dst := image.NewNRGBA(image.Rect(0, 0, key.w, key.h))
	if key.w == sb.Dx() && key.h == sb.Dy() {
		xdraw.Draw(dst, dst.Bounds(), src, sb.Min, xdraw.Src)
	} else {
		xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, sb, xdraw.Over, nil)
	}
	v, _ := c.scaled.LoadOrStore(key, dst)
	return v.(*image.NRGBA), true
}
