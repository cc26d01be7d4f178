package mbtiles

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/cascademap/internal/tile"
)

func openTestArchive(t *testing.T, meta Metadata) (*Archive, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.mbtiles")
	a, err := OpenArchive(path, meta)
	require.NoError(t, err)
	t.Cleanup(func() { _ = a.Close() })
	return a, path
}

func TestArchive_PutGet(t *testing.T) {
	a, _ := openTestArchive(t, Metadata{})

	require.NoError(t, a.Put(13, 4317, 2692, []byte("first")))

	data, ok, err := a.Get(13, 4317, 2692)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("first"), data)

	_, ok, err = a.Get(13, 4317, 2693)
	require.NoError(t, err)
	assert.False(t, ok, "missing tiles are not errors")

	require.NoError(t, a.Put(13, 4317, 2692, []byte("second")))
	data, _, err = a.Get(13, 4317, 2692)
	require.NoError(t, err)
	assert.Equal(t, []byte("second"), data)

	n, err := a.Count()
	require.NoError(t, err)
	assert.Equal(t, 1, n, "replaced, not duplicated")
}

func TestArchive_TMSRows(t *testing.T) {
	a, _ := openTestArchive(t, Metadata{})
	require.NoError(t, a.Put(13, 4317, 2692, []byte("x")))

	var row int
	err := a.db.QueryRow("SELECT tile_row FROM tiles WHERE zoom_level=13 AND tile_column=4317").Scan(&row)
	require.NoError(t, err)
	assert.Equal(t, (1<<13)-1-2692, row)
}

func TestArchive_BufferedWrite(t *testing.T) {
	a, path := openTestArchive(t, Metadata{Name: "Test", Format: "png"})

	for i := 0; i < 150; i++ {
		require.NoError(t, a.Write(13, i, 100, []byte(fmt.Sprintf("tile %d", i))))
	}
	n, err := a.Count()
	require.NoError(t, err)
	assert.Equal(t, DefaultBatchSize, n, "one full batch flushed")

	require.NoError(t, a.Close())

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	require.NoError(t, db.QueryRow("SELECT COUNT(*) FROM tiles").Scan(&n))
	assert.Equal(t, 150, n)
}

func TestArchive_PutBatch(t *testing.T) {
	a, _ := openTestArchive(t, Metadata{})

	require.NoError(t, a.PutBatch(nil))
	require.NoError(t, a.PutBatch([]TileEntry{
		{Z: 1, X: 0, Y: 0, Data: []byte("a")},
		{Z: 1, X: 1, Y: 1, Data: []byte("b")},
	}))

	data, ok, err := a.Get(1, 1, 1)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, []byte("b"), data)
}

func TestArchive_Metadata(t *testing.T) {
	meta := Metadata{
		Name:        "Test Tileset",
		Format:      "png",
		MinZoom:     10,
		MaxZoom:     14,
		Bounds:      [4]float64{9.5, 51.8, 9.9, 52.1},
		Center:      [3]float64{9.7, 51.95, 12},
		Attribution: "© OpenStreetMap contributors",
		Description: "Test description",
		Type:        "baselayer",
		Version:     "1.0",
	}
	a, path := openTestArchive(t, meta)

	got, err := a.Metadata()
	require.NoError(t, err)
	assert.Equal(t, meta, got)
	require.NoError(t, a.Close())

	// Reopening without metadata keeps the stored rows.
	b, err := OpenArchive(path, Metadata{})
	require.NoError(t, err)
	defer b.Close()
	got, err = b.Metadata()
	require.NoError(t, err)
	assert.Equal(t, "Test Tileset", got.Name)

	require.NoError(t, b.SetMetadata(Metadata{Name: "Renamed"}))
	got, err = b.Metadata()
	require.NoError(t, err)
	assert.Equal(t, Metadata{Name: "Renamed"}, got)
}

func TestMetadataToMap(t *testing.T) {
	assert.Empty(t, Metadata{}.ToMap())
	m := Metadata{MinZoom: 3, Center: [3]float64{1.5, -2, 7}}.ToMap()
	assert.Equal(t, map[string]string{"minzoom": "3", "center": "1.500000,-2.000000,7"}, m)
}

func TestDensityPath(t *testing.T) {
	assert.Equal(t, "out/tiles.mbtiles", DensityPath("out/tiles.mbtiles", tile.Density1x))
	assert.Equal(t, "out/tiles@2x.mbtiles", DensityPath("out/tiles.mbtiles", tile.Density2x))
	assert.Equal(t, "tiles@2x", DensityPath("tiles", tile.Density2x))
}
