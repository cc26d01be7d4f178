package tile

import "fmt"

// Packed tile ids use 6 bits of zoom and 29 bits each for x and y.
const (
	zoomShift = 58
	xShift    = 29
	coordMask = 1<<29 - 1
)

// Pack encodes zoom/x/y into a single invertible tile id.
func Pack(z, x, y uint32) uint64 {
	return uint64(z)<<zoomShift | (uint64(x)&coordMask)<<xShift | uint64(y)&coordMask
}

// Unpack is the inverse of Pack.
func Unpack(id uint64) Coords {
	return Coords{
		Z: uint32(id >> zoomShift),
		X: uint32(id>>xShift) & coordMask,
		Y: uint32(id) & coordMask,
	}
}

// Density is the pixel-density multiplier of a rendered tile.
type Density uint8

const (
	Density1x Density = 1
	Density2x Density = 2
)

// Suffix returns the path suffix for the density ("" or "@2x").
func (d Density) Suffix() string {
	if d == Density2x {
		return "@2x"
	}
	return ""
}

// ParseDensity maps a path suffix to a density.
func ParseDensity(suffix string) (Density, error) {
	switch suffix {
	case "":
		return Density1x, nil
	case "@2x":
		return Density2x, nil
	default:
		return 0, fmt.Errorf("unsupported density suffix %q", suffix)
	}
}

// BaseRange returns the rectangle of base-zoom buckets a request tile needs,
// widened by margin buckets on every side and clipped to the grid.
//
// Requests at the base zoom or deeper map to their base-zoom ancestor;
// shallower requests map to all base-zoom descendants.
func BaseRange(c Coords, baseZoom uint32, margin uint32) TileRange {
	var minX, maxX, minY, maxY uint32
	if c.Z >= baseZoom {
		p := c.Parent(baseZoom)
		minX, maxX, minY, maxY = p.X, p.X, p.Y, p.Y
	} else {
		shift := baseZoom - c.Z
		minX, minY = c.X<<shift, c.Y<<shift
		maxX, maxY = (c.X+1)<<shift-1, (c.Y+1)<<shift-1
	}

	last := uint32(1)<<baseZoom - 1
	minX = subClamp(minX, margin)
	minY = subClamp(minY, margin)
	maxX = min(maxX+margin, last)
	maxY = min(maxY+margin, last)

	return TileRange{
		MinZ: baseZoom, MaxZ: baseZoom,
		MinX: minX, MaxX: maxX,
		MinY: minY, MaxY: maxY,
	}
}

func subClamp(v, d uint32) uint32 {
	if v < d {
		return 0
	}
	return v - d
}
