package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/MeKo-Tech/cascademap/internal/coordinator"
	"github.com/MeKo-Tech/cascademap/internal/tile"
)

// Folder layouts for rendered tiles.
const (
	layoutNested = "nested" // {z}/{x}/{y}{@2x}.png
	layoutFlat   = "flat"   // z{z}_x{x}_y{y}{@2x}.png
)

// tileFolder stores tiles as PNG files. It satisfies coordinator.Archive.
type tileFolder struct {
	dir    string
	layout string
	suffix string
}

func newTileFolder(dir, layout string, d tile.Density) (*tileFolder, error) {
	if layout != layoutNested && layout != layoutFlat {
		return nil, fmt.Errorf("invalid folder layout %q: must be %q or %q", layout, layoutNested, layoutFlat)
	}
	return &tileFolder{dir: dir, layout: layout, suffix: d.Suffix()}, nil
}

func (f *tileFolder) path(z, x, y int) string {
	if f.layout == layoutFlat {
		return filepath.Join(f.dir, fmt.Sprintf("z%d_x%d_y%d%s.png", z, x, y, f.suffix))
	}
	return filepath.Join(f.dir, fmt.Sprint(z), fmt.Sprint(x), fmt.Sprintf("%d%s.png", y, f.suffix))
}

func (f *tileFolder) Get(z, x, y int) ([]byte, bool, error) {
	data, err := os.ReadFile(f.path(z, x, y))
	if errors.Is(err, fs.ErrNotExist) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to read tile: %w", err)
	}
	return data, true, nil
}

// Put writes through a temporary file so readers never see partial tiles.
func (f *tileFolder) Put(z, x, y int, data []byte) error {
	path := f.path(z, x, y)
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create tile directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("failed to write tile: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("failed to rename tile: %w", err)
	}
	return nil
}

// writeOnly hides existing tiles so every tile is rendered again.
type writeOnly struct{ coordinator.Archive }

func (writeOnly) Get(z, x, y int) ([]byte, bool, error) { return nil, false, nil }
