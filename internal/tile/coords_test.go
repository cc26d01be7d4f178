package tile

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCoordsString(t *testing.T) {
	tests := []struct {
		coords   Coords
		expected string
	}{
		{Coords{Z: 13, X: 4297, Y: 2754}, "13/4297/2754"},
		{Coords{Z: 0, X: 0, Y: 0}, "0/0/0"},
		{Coords{Z: 18, X: 12345, Y: 67890}, "18/12345/67890"},
	}

	for _, tt := range tests {
		t.Run(tt.expected, func(t *testing.T) {
			result := tt.coords.String()
			if result != tt.expected {
				t.Errorf("String() = %s, want %s", result, tt.expected)
			}
		})
	}
}

func TestCoordsBounds(t *testing.T) {
	// Tile covering Hanover
	coords := Coords{Z: 13, X: 4297, Y: 2754}
	bounds := coords.Bounds()

	if bounds[0] < -10.0 || bounds[0] > 40.0 {
		t.Errorf("minLon %.6f is outside expected range for Europe", bounds[0])
	}
	if bounds[1] < 35.0 || bounds[1] > 70.0 {
		t.Errorf("minLat %.6f is outside expected range for Europe", bounds[1])
	}
	if bounds[0] >= bounds[2] {
		t.Errorf("minLon >= maxLon: %.6f >= %.6f", bounds[0], bounds[2])
	}
	if bounds[1] >= bounds[3] {
		t.Errorf("minLat >= maxLat: %.6f >= %.6f", bounds[1], bounds[3])
	}

	lon, lat := coords.Center()
	if lon < bounds[0] || lon > bounds[2] || lat < bounds[1] || lat > bounds[3] {
		t.Errorf("center (%.6f, %.6f) outside bounds %v", lon, lat, bounds)
	}
}

func TestParseCoords(t *testing.T) {
	tests := []struct {
		input    string
		expected Coords
		wantErr  bool
	}{
		{"13/4297/2754", Coords{Z: 13, X: 4297, Y: 2754}, false},
		{"0/0/0", Coords{Z: 0, X: 0, Y: 0}, false},
		{"18/262143/262143", Coords{Z: 18, X: 262143, Y: 262143}, false},
		{"invalid", Coords{}, true},
		{"13/4297", Coords{}, true},
		{"2/4/0", Coords{}, true},
		{"19/0/0", Coords{}, true},
		{"1/-1/0", Coords{}, true},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result, err := ParseCoords(tt.input)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseCoords(%s) expected error, got nil", tt.input)
				}
				return
			}
			if err != nil {
				t.Errorf("ParseCoords(%s) unexpected error: %v", tt.input, err)
				return
			}
			if result != tt.expected {
				t.Errorf("ParseCoords(%s) = %+v, want %+v", tt.input, result, tt.expected)
			}
		})
	}
}

func TestPackUnpack(t *testing.T) {
	for _, c := range []Coords{
		{0, 0, 0},
		{10, 512, 340},
		{18, 262143, 262143},
		{28, 1<<28 - 1, 3},
	} {
		t.Run(c.String(), func(t *testing.T) {
			assert.Equal(t, c, Unpack(c.ID()))
		})
	}

	// Distinct coordinates never collide.
	assert.NotEqual(t, Pack(1, 0, 1), Pack(1, 1, 0))
	assert.NotEqual(t, Pack(2, 0, 0), Pack(1, 0, 0))
}

func TestParseDensity(t *testing.T) {
	d, err := ParseDensity("")
	require.NoError(t, err)
	assert.Equal(t, Density1x, d)

	d, err = ParseDensity("@2x")
	require.NoError(t, err)
	assert.Equal(t, Density2x, d)
	assert.Equal(t, "@2x", d.Suffix())

	_, err = ParseDensity("@3x")
	assert.Error(t, err)
}

func TestBaseRange(t *testing.T) {
	t.Run("deeper zoom maps to ancestor", func(t *testing.T) {
		r := BaseRange(NewCoords(16, 100, 200), 14, 0)
		assert.Equal(t, TileRange{MinZ: 14, MaxZ: 14, MinX: 25, MaxX: 25, MinY: 50, MaxY: 50}, r)
	})

	t.Run("shallower zoom maps to descendants", func(t *testing.T) {
		r := BaseRange(NewCoords(10, 3, 5), 12, 0)
		assert.Equal(t, uint32(12), r.MinX)
		assert.Equal(t, uint32(15), r.MaxX)
		assert.Equal(t, uint32(20), r.MinY)
		assert.Equal(t, uint32(23), r.MaxY)
		assert.Equal(t, 16, r.Count())
	})

	t.Run("margin is clipped to the grid", func(t *testing.T) {
		r := BaseRange(NewCoords(2, 0, 3), 2, 1)
		assert.Equal(t, uint32(0), r.MinX)
		assert.Equal(t, uint32(1), r.MaxX)
		assert.Equal(t, uint32(2), r.MinY)
		assert.Equal(t, uint32(3), r.MaxY)
	})
}

func TestTileRange(t *testing.T) {
	tr := TileRange{
		MinZ: 13, MaxZ: 13,
		MinX: 4297, MaxX: 4298,
		MinY: 2754, MaxY: 2755,
	}

	expectedCount := 4
	if tr.Count() != expectedCount {
		t.Errorf("Count() = %d, want %d", tr.Count(), expectedCount)
	}

	var visited []string
	tr.ForEach(func(c Coords) {
		visited = append(visited, c.String())
	})

	if len(visited) != expectedCount {
		t.Errorf("ForEach visited %d tiles, want %d", len(visited), expectedCount)
	}
}

func TestTilesInBBox(t *testing.T) {
	c := NewCoords(13, 4297, 2754)
	b := c.Bounds()
	// Shrink slightly so the bbox does not touch neighbouring tiles.
	eps := 1e-6
	bbox := [4]float64{b[0] + eps, b[1] + eps, b[2] - eps, b[3] - eps}

	tiles := TilesInBBox(bbox, 13, 14)
	require.Len(t, tiles, 5)
	assert.Equal(t, c, tiles[0])
	assert.Equal(t, len(tiles), TileCount(bbox, 13, 14))
}

func TestParseBBox(t *testing.T) {
	bbox, err := ParseBBox("9.7, 52.3,9.8,52.4")
	require.NoError(t, err)
	assert.Equal(t, [4]float64{9.7, 52.3, 9.8, 52.4}, bbox)

	_, err = ParseBBox("1,2,3")
	assert.Error(t, err)
	_, err = ParseBBox("3,2,1,4")
	assert.Error(t, err)
}
