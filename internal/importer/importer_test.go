package importer

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MeKo-Christian/go-overpass"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/cascademap/internal/geodata"
	"github.com/MeKo-Tech/cascademap/internal/tile"
)

// sampleJSON covers 10/512/340: a cafe, a primary road exported with
// inline geometry, and a multipolygon over an untagged ring.
const sampleJSON = `{
  "version": 0.6,
  "generator": "Overpass API",
  "osm3s": {"copyright": "ODbL"},
  "elements": [
    {"type": "node", "id": 1, "lat": 51.45, "lon": 0.05},
    {"type": "node", "id": 3, "lat": 51.50, "lon": 0.10, "tags": {"amenity": "cafe", "name": "Corner"}},
    {"type": "node", "id": 10, "lat": 51.46, "lon": 0.11},
    {"type": "node", "id": 11, "lat": 51.46, "lon": 0.12},
    {"type": "node", "id": 12, "lat": 51.47, "lon": 0.12},
    {"type": "way", "id": 100, "nodes": [1, 2],
     "geometry": [{"lat": 51.45, "lon": 0.05}, {"lat": 51.55, "lon": 0.30}],
     "tags": {"highway": "primary", "surface": "asphalt"}},
    {"type": "way", "id": 101, "nodes": [10, 11, 12, 10]},
    {"type": "relation", "id": 200,
     "members": [{"type": "way", "ref": 101, "role": "outer"}, {"type": "relation", "ref": 9, "role": ""}],
     "tags": {"type": "multipolygon", "landuse": "forest"}},
    {"type": "relation", "id": 201,
     "members": [{"type": "node", "ref": 3, "role": ""}],
     "tags": {"type": "route", "route": "bus"}}
  ]
}`

func build(t *testing.T, b *geodata.Builder) *geodata.Container {
	t.Helper()
	c, err := b.Build()
	require.NoError(t, err)
	return c
}

func TestFromOverpassJSON(t *testing.T) {
	b := geodata.NewBuilder(10)
	im := New(b, Options{})
	require.NoError(t, im.FromOverpassJSON(strings.NewReader(sampleJSON)))

	// Node 2 exists only as way geometry.
	assert.Equal(t, Counts{Nodes: 6, Ways: 2, Relations: 2}, im.Counts())

	c := build(t, b)
	require.Len(t, c.Tiles, 1)
	assert.Equal(t, tile.Pack(10, 512, 340), c.Tiles[0].ID)
	assert.Len(t, c.Ways, 2)
	assert.Len(t, c.Relations, 2)

	var road geodata.Way
	for _, w := range c.Ways {
		if w.ID == geodata.GlobalID(geodata.KindWay, 100) {
			road = w
		}
	}
	require.Len(t, road.Nodes, 2)
	v, ok := road.Tags.Get("surface")
	assert.True(t, ok)
	assert.Equal(t, "asphalt", v)
}

func TestFromOverpassJSONKeepTags(t *testing.T) {
	b := geodata.NewBuilder(10)
	im := New(b, Options{KeepTags: []string{"highway", " landuse "}})
	require.NoError(t, im.FromOverpassJSON(strings.NewReader(sampleJSON)))

	// The bus route keeps only its type and is dropped.
	assert.Equal(t, int64(1), im.Counts().Relations)

	c := build(t, b)
	for _, n := range c.Nodes {
		assert.Empty(t, n.Tags, "node %d", n.ID)
	}
	for _, w := range c.Ways {
		_, ok := w.Tags.Get("surface")
		assert.False(t, ok)
	}
	require.Len(t, c.Relations, 1)
	typ, _ := c.Relations[0].Tags.Get("type")
	assert.Equal(t, "multipolygon", typ)
}

func TestFromOverpassJSONErrors(t *testing.T) {
	tests := []struct {
		name  string
		input string
	}{
		{name: "not an object", input: `[1, 2]`},
		{name: "no elements", input: `{"version": 0.6}`},
		{name: "elements not array", input: `{"elements": {}}`},
		{name: "truncated", input: `{"elements": [{"type": "node", "id": 1`},
		{name: "empty", input: ``},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			im := New(geodata.NewBuilder(10), Options{})
			assert.Error(t, im.FromOverpassJSON(strings.NewReader(tt.input)))
		})
	}
}

func TestFromOverpassResult(t *testing.T) {
	n1 := &overpass.Node{Lat: 51.45, Lon: 0.05}
	n1.ID = 1
	n2 := &overpass.Node{Lat: 51.55, Lon: 0.30}
	n2.ID = 2
	n3 := &overpass.Node{Lat: 51.50, Lon: 0.10}
	n3.ID = 3
	n3.Tags = map[string]string{"amenity": "cafe"}

	w := &overpass.Way{Nodes: []*overpass.Node{n1, n2}}
	w.ID = 100
	w.Tags = map[string]string{"highway": "primary"}

	rel := &overpass.Relation{Members: []overpass.RelationMember{
		{Type: "way", Way: w, Role: "outer"},
		{Type: "node", Node: n3},
	}}
	rel.ID = 200
	rel.Tags = map[string]string{"type": "multipolygon", "natural": "water"}

	res := &overpass.Result{
		Nodes:     map[int64]*overpass.Node{1: n1, 2: n2, 3: n3},
		Ways:      map[int64]*overpass.Way{100: w},
		Relations: map[int64]*overpass.Relation{200: rel},
	}

	b := geodata.NewBuilder(10)
	im := New(b, Options{})
	im.FromOverpassResult(res)
	im.FromOverpassResult(nil)
	assert.Equal(t, Counts{Nodes: 3, Ways: 1, Relations: 1}, im.Counts())

	c := build(t, b)
	require.Len(t, c.Relations, 1)
	assert.Len(t, c.Relations[0].Ways, 1)
	assert.Len(t, c.Relations[0].Nodes, 1)
}

func TestOverpassQuery(t *testing.T) {
	bbox := [4]float64{9.7, 52.3, 9.8, 52.4}

	q := New(geodata.NewBuilder(10), Options{}).overpassQuery(bbox, 60)
	assert.Contains(t, q, "[out:json][timeout:60];")
	assert.Contains(t, q, "nwr(52.300000,9.700000,52.400000,9.800000);")
	assert.Contains(t, q, "(._;>;);")

	q = New(geodata.NewBuilder(10), Options{KeepTags: []string{"waterway", "highway"}}).overpassQuery(bbox, 60)
	assert.Less(t, strings.Index(q, `nwr["highway"]`), strings.Index(q, `nwr["waterway"]`))
	assert.NotContains(t, q, "  nwr(")
}

func TestFromOverpassCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	im := New(geodata.NewBuilder(10), Options{})
	err := im.FromOverpass(ctx, "http://127.0.0.1:1/api/interpreter", [4]float64{0, 0, 1, 1})
	require.Error(t, err)
}

func TestFromFile(t *testing.T) {
	dir := t.TempDir()

	jsonPath := filepath.Join(dir, "extract.json")
	require.NoError(t, os.WriteFile(jsonPath, []byte(sampleJSON), 0o644))
	im := New(geodata.NewBuilder(10), Options{})
	require.NoError(t, im.FromFile(context.Background(), jsonPath))
	assert.Equal(t, int64(2), im.Counts().Ways)

	xmlPath := filepath.Join(dir, "extract.osm")
	require.NoError(t, os.WriteFile(xmlPath, []byte("<osm/>"), 0o644))
	assert.ErrorContains(t, im.FromFile(context.Background(), xmlPath), "unsupported input format")

	pbfPath := filepath.Join(dir, "broken.osm.pbf")
	require.NoError(t, os.WriteFile(pbfPath, []byte("definitely not protobuf"), 0o644))
	assert.Error(t, im.FromFile(context.Background(), pbfPath))

	assert.Error(t, im.FromFile(context.Background(), filepath.Join(dir, "missing.json")))
}
