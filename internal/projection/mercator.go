// Package projection maps WGS84 coordinates to pixel positions inside a
// rendered Web Mercator tile.
package projection

import (
	"errors"
	"fmt"
	"math"

	"github.com/paulmach/orb"

	"github.com/MeKo-Tech/cascademap/internal/tile"
)

// TileSize is the edge length in pixels of a 1x tile.
const TileSize = 256

// MaxLatitude is the Web Mercator latitude limit; inputs beyond it are clamped.
const MaxLatitude = 85.0511287798066

// ErrProjectionDomain matches every DomainError.
var ErrProjectionDomain = errors.New("coordinate outside projection domain")

// DomainError reports a longitude that cannot be projected.
type DomainError struct {
	Lat, Lon float64
}

func (e *DomainError) Error() string {
	return fmt.Sprintf("cannot project (%g, %g): longitude outside [-180, 180]", e.Lat, e.Lon)
}

func (e *DomainError) Unwrap() error { return ErrProjectionDomain }

// Point is a pixel position relative to the tile's top-left corner. Values
// outside [0, Size) are legal and describe geometry beyond the tile edge.
type Point struct {
	X, Y float64
}

// Projector converts coordinates for one tile at one pixel density.
type Projector struct {
	coords  tile.Coords
	density tile.Density
	size    float64 // tile edge in pixels
	world   float64 // world edge in pixels at this zoom
	originX float64
	originY float64
}

// New returns the projector for tile c rendered at density d.
func New(c tile.Coords, d tile.Density) Projector {
	if d == 0 {
		d = tile.Density1x
	}
	size := float64(TileSize * int(d))
	return Projector{
		coords:  c,
		density: d,
		size:    size,
		world:   size * math.Exp2(float64(c.Z)),
		originX: float64(c.X) * size,
		originY: float64(c.Y) * size,
	}
}

// Size is the edge length of the output image in pixels.
func (p Projector) Size() int { return int(p.size) }

// Scale is the density multiplier applied to style dimensions.
func (p Projector) Scale() float64 { return float64(p.density) }

// Coords returns the tile this projector serves.
func (p Projector) Coords() tile.Coords { return p.coords }

// Project maps lat/lon to tile pixel coordinates. Latitude is clamped to
// the Mercator domain; a longitude outside [-180, 180] or a NaN input is a
// DomainError.
func (p Projector) Project(lat, lon float64) (Point, error) {
	if math.IsNaN(lat) || math.IsNaN(lon) || lon < -180 || lon > 180 {
		return Point{}, &DomainError{Lat: lat, Lon: lon}
	}
	lat = min(max(lat, -MaxLatitude), MaxLatitude)

	x := (lon + 180) / 360
	sin := math.Sin(lat * math.Pi / 180)
	y := 0.5 - math.Log((1+sin)/(1-sin))/(4*math.Pi)

	return Point{X: x*p.world - p.originX, Y: y*p.world - p.originY}, nil
}

// Unproject is the inverse of Project.
func (p Projector) Unproject(pt Point) (lat, lon float64) {
	x := (pt.X + p.originX) / p.world
	y := (pt.Y + p.originY) / p.world
	lon = x*360 - 180
	lat = math.Atan(math.Sinh(math.Pi*(1-2*y))) * 180 / math.Pi
	return lat, lon
}

// ProjectPoint projects an orb point (lon, lat).
func (p Projector) ProjectPoint(pt orb.Point) (Point, error) {
	return p.Project(pt.Lat(), pt.Lon())
}

// ProjectAll projects a coordinate sequence given as parallel lat/lon
// slices, stopping at the first domain error.
func (p Projector) ProjectAll(lats, lons []float64) ([]Point, error) {
	if len(lats) != len(lons) {
		return nil, fmt.Errorf("mismatched coordinate slices: %d lats, %d lons", len(lats), len(lons))
	}
	out := make([]Point, len(lats))
	for i := range lats {
		pt, err := p.Project(lats[i], lons[i])
		if err != nil {
			return nil, err
		}
		out[i] = pt
	}
	return out, nil
}
