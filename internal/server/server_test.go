package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/MeKo-Tech/cascademap/internal/coordinator"
	"github.com/MeKo-Tech/cascademap/internal/geodata"
	"github.com/MeKo-Tech/cascademap/internal/mapcss"
	"github.com/MeKo-Tech/cascademap/internal/render"
)

type stubTiles struct {
	err  error
	res  coordinator.Result
	keys []coordinator.Key
}

func (s *stubTiles) Get(ctx context.Context, k coordinator.Key) (coordinator.Result, error) {
	s.keys = append(s.keys, k)
	if s.err != nil {
		return coordinator.Result{}, s.err
	}
	return s.res, nil
}

func (s *stubTiles) Stats() coordinator.Stats {
	return coordinator.Stats{Requests: int64(len(s.keys))}
}

func get(t *testing.T, h http.Handler, path string, header ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	for i := 0; i+1 < len(header); i += 2 {
		req.Header.Set(header[i], header[i+1])
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestParseTileKey(t *testing.T) {
	tests := []struct {
		y       string
		want    string
		wantErr bool
	}{
		{y: "340.png", want: "10/512/340"},
		{y: "340@2x.png", want: "10/512/340@2x"},
		{y: "340", wantErr: true},
		{y: "340.jpg", wantErr: true},
		{y: "340@3x.png", wantErr: true},
		{y: "abc.png", wantErr: true},
		{y: "4096.png", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.y, func(t *testing.T) {
			k, err := parseTileKey("10", "512", tt.y)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, k.String())
		})
	}
}

func TestServeTileHeaders(t *testing.T) {
	tiles := &stubTiles{res: coordinator.Result{Data: []byte("png"), ETag: `"abc"`, State: coordinator.Completed}}
	h := New(tiles, nil, Config{CacheMaxAge: time.Hour}, nil).Handler()

	rec := get(t, h, "/3/1/2@2x.png")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "image/png", rec.Header().Get("Content-Type"))
	assert.Equal(t, `"abc"`, rec.Header().Get("ETag"))
	assert.Equal(t, "public, max-age=3600", rec.Header().Get("Cache-Control"))
	assert.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Empty(t, rec.Header().Get("X-Tile-Empty"))
	assert.Equal(t, "png", rec.Body.String())
	require.Len(t, tiles.keys, 1)
	assert.Equal(t, "3/1/2@2x", tiles.keys[0].String())

	rec = get(t, h, "/3/1/2@2x.png", "If-None-Match", `W/"zzz", "abc"`)
	assert.Equal(t, http.StatusNotModified, rec.Code)
	assert.Empty(t, rec.Body.Bytes())
}

func TestServeTileEmptyHeader(t *testing.T) {
	tiles := &stubTiles{res: coordinator.Result{Data: []byte("png"), ETag: `"e"`, Empty: true}}
	h := New(tiles, nil, Config{}, nil).Handler()

	rec := get(t, h, "/0/0/0.png")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "1", rec.Header().Get("X-Tile-Empty"))
	assert.Equal(t, "no-cache", rec.Header().Get("Cache-Control"))
}

func TestServeTileErrors(t *testing.T) {
	tests := []struct {
		name       string
		path       string
		err        error
		wantStatus int
		retry      bool
	}{
		{name: "bad suffix", path: "/1/0/0.jpg", wantStatus: http.StatusBadRequest},
		{name: "outside grid", path: "/1/2/0.png", wantStatus: http.StatusBadRequest},
		{name: "too deep", path: "/30/0/0.png", wantStatus: http.StatusBadRequest},
		{name: "invalid", path: "/1/0/0.png", err: fmt.Errorf("%w: 1/0/0", coordinator.ErrInvalidTile), wantStatus: http.StatusBadRequest},
		{name: "overloaded", path: "/1/0/0.png", err: fmt.Errorf("failed: %w", coordinator.ErrOverloaded), wantStatus: http.StatusServiceUnavailable, retry: true},
		{name: "timeout", path: "/1/0/0.png", err: fmt.Errorf("failed to wait: %w", context.DeadlineExceeded), wantStatus: http.StatusServiceUnavailable, retry: true},
		{name: "render failure", path: "/1/0/0.png", err: errors.New("boom"), wantStatus: http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := New(&stubTiles{err: tt.err}, nil, Config{}, nil).Handler()
			rec := get(t, h, tt.path)
			assert.Equal(t, tt.wantStatus, rec.Code)
			if tt.retry {
				assert.Equal(t, "1", rec.Header().Get("Retry-After"))
			}
		})
	}
}

func TestServeMisc(t *testing.T) {
	h := New(&stubTiles{}, nil, Config{Center: [2]float64{13.4, 52.5}, Zoom: 11}, nil).Handler()

	rec := get(t, h, "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "ok", rec.Body.String())

	rec = get(t, h, "/")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "leaflet")
	assert.Contains(t, rec.Body.String(), "52.5")

	req := httptest.NewRequest(http.MethodOptions, "/1/0/0.png", nil)
	opt := httptest.NewRecorder()
	h.ServeHTTP(opt, req)
	assert.Equal(t, http.StatusNoContent, opt.Code)

	rec = get(t, h, "/missing")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

const testStyle = `
way[highway=primary] { color: #ff0000; width: 6; }
`

// newEndToEnd wires a real store, stylesheet, renderer and coordinator.
func newEndToEnd(t *testing.T) (http.Handler, *geodata.Store) {
	t.Helper()

	b := geodata.NewBuilder(10)
	// 10/512/340 spans lon [0, 0.3515625] and lat ~[51.3992, 51.6180].
	b.AddNode(1, 51.50, 0.02, nil)
	b.AddNode(2, 51.50, 0.30, nil)
	b.AddNode(3, 51.50, 0.40, nil)
	b.AddNode(4, 51.50, 0.50, nil)
	b.AddWay(100, []int64{1, 2}, geodata.Tags{{Key: "highway", Value: "primary"}})
	b.AddWay(101, []int64{3, 4}, geodata.Tags{{Key: "highway", Value: "footway"}})
	c, err := b.Build()
	require.NoError(t, err)

	var buf bytes.Buffer
	require.NoError(t, geodata.Write(&buf, c))
	store, err := geodata.Decode(buf.Bytes())
	require.NoError(t, err)

	ss, err := mapcss.Parse("test.mapcss", []byte(testStyle))
	require.NoError(t, err)
	r, err := render.New(mapcss.NewCache(ss, mapcss.StyleOptions{}), render.Options{})
	require.NoError(t, err)

	coord := coordinator.New(store, r, coordinator.Options{MaxConcurrent: 2, MaxQueued: 8, CacheEntries: 32})
	return New(coord, store, Config{WaitTimeout: 10 * time.Second}, nil).Handler(), store
}

func decodePNG(t *testing.T, body []byte) *image.NRGBA {
	t.Helper()
	img, err := png.Decode(bytes.NewReader(body))
	require.NoError(t, err)
	out := image.NewNRGBA(img.Bounds())
	for y := img.Bounds().Min.Y; y < img.Bounds().Max.Y; y++ {
		for x := img.Bounds().Min.X; x < img.Bounds().Max.X; x++ {
			out.Set(x, y, img.At(x, y))
		}
	}
	return out
}

func countRed(img *image.NRGBA) int {
	n := 0
	for i := 0; i < len(img.Pix); i += 4 {
		if img.Pix[i] > 200 && img.Pix[i+1] < 50 && img.Pix[i+3] > 200 {
			n++
		}
	}
	return n
}

func TestEndToEnd(t *testing.T) {
	h, _ := newEndToEnd(t)

	t.Run("styled road", func(t *testing.T) {
		rec := get(t, h, "/10/512/340.png")
		require.Equal(t, http.StatusOK, rec.Code)
		img := decodePNG(t, rec.Body.Bytes())
		assert.Equal(t, 256, img.Bounds().Dx())
		assert.Greater(t, countRed(img), 256)
		assert.NotEmpty(t, rec.Header().Get("ETag"))
	})

	t.Run("unstyled neighbour is transparent", func(t *testing.T) {
		rec := get(t, h, "/10/513/340.png")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Empty(t, rec.Header().Get("X-Tile-Empty"))
		img := decodePNG(t, rec.Body.Bytes())
		for i := 3; i < len(img.Pix); i += 4 {
			if img.Pix[i] != 0 {
				t.Fatalf("pixel %d is not transparent", i/4)
			}
		}
	})

	t.Run("no data", func(t *testing.T) {
		rec := get(t, h, "/10/0/0.png")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Equal(t, "1", rec.Header().Get("X-Tile-Empty"))
	})

	t.Run("retina", func(t *testing.T) {
		rec := get(t, h, "/10/512/340@2x.png")
		require.Equal(t, http.StatusOK, rec.Code)
		img := decodePNG(t, rec.Body.Bytes())
		assert.Equal(t, 512, img.Bounds().Dx())
		assert.Equal(t, 512, img.Bounds().Dy())
	})

	t.Run("conditional", func(t *testing.T) {
		first := get(t, h, "/10/512/340.png")
		require.Equal(t, http.StatusOK, first.Code)
		rec := get(t, h, "/10/512/340.png", "If-None-Match", first.Header().Get("ETag"))
		assert.Equal(t, http.StatusNotModified, rec.Code)
		assert.Equal(t, coordinator.CachedHit.String(), rec.Header().Get("X-Tile-State"))
	})
}

func TestStatus(t *testing.T) {
	h, store := newEndToEnd(t)
	get(t, h, "/10/512/340.png")

	rec := get(t, h, "/status")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var st struct {
		Uptime      string            `json:"uptime"`
		Coordinator coordinator.Stats `json:"coordinator"`
		Store       map[string]any    `json:"store"`
		System      SystemStatus      `json:"system"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, int64(1), st.Coordinator.Requests)
	assert.Equal(t, int64(1), st.Coordinator.Renders)
	assert.Equal(t, 1, st.Coordinator.Cached)
	assert.EqualValues(t, store.Stats().Ways, st.Store["ways"])
	assert.NotEmpty(t, st.Store["size"])
	assert.Positive(t, st.System.Goroutines)
	assert.NotEmpty(t, st.System.HeapAlloc)
}
