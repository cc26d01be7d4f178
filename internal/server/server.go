// Package server exposes rendered tiles over HTTP.
package server

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"html/template"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MeKo-Tech/cascademap/internal/coordinator"
	"github.com/MeKo-Tech/cascademap/internal/geodata"
	"github.com/MeKo-Tech/cascademap/internal/tile"
)

//go:embed index.html
var indexHTML string

var indexTemplate = template.Must(template.New("index").Parse(indexHTML))

// Tiles is the tile provider behind the endpoint. *coordinator.Coordinator
// implements it.
type Tiles interface {
	Get(ctx context.Context, k coordinator.Key) (coordinator.Result, error)
	Stats() coordinator.Stats
}

// StoreInfo reports Geo Store statistics. *geodata.Store implements it.
type StoreInfo interface {
	Stats() geodata.Stats
}

// Config configures the HTTP surface.
type Config struct {
	// CacheMaxAge is sent as Cache-Control max-age. Zero sends no-cache.
	CacheMaxAge time.Duration
	// WaitTimeout bounds how long one request waits for its tile. The
	// render itself continues and is cached. Zero waits indefinitely.
	WaitTimeout time.Duration
	// Center and Zoom position the preview map.
	Center [2]float64 // lon, lat
	Zoom   int
}

// Server serves tiles, status and a preview page.
type Server struct {
	tiles   Tiles
	store   StoreInfo
	cfg     Config
	logger  *slog.Logger
	started time.Time
}

// New creates a server. store may be nil.
func New(tiles Tiles, store StoreInfo, cfg Config, logger *slog.Logger) *Server {
	if cfg.Zoom <= 0 {
		cfg.Zoom = 2
	}
	return &Server{
		tiles:   tiles,
		store:   store,
		cfg:     cfg,
		logger:  logger,
		started: time.Now(),
	}
}

func (s *Server) log() *slog.Logger {
	if s.logger != nil {
		return s.logger
	}
	return slog.Default()
}

// Handler returns the routed handler with logging and CORS applied.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{z}/{x}/{y}", s.serveTile)
	mux.HandleFunc("GET /status", s.serveStatus)
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("GET /{$}", s.serveIndex)
	return withCORS(s.withLogging(mux))
}

// parseTileKey parses the path values of /{z}/{x}/{y}.png and
// /{z}/{x}/{y}@2x.png.
func parseTileKey(z, x, y string) (coordinator.Key, error) {
	name, ok := strings.CutSuffix(y, ".png")
	if !ok {
		return coordinator.Key{}, fmt.Errorf("tile path must end in .png: %q", y)
	}
	suffix := ""
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name, suffix = name[:i], name[i:]
	}
	density, err := tile.ParseDensity(suffix)
	if err != nil {
		return coordinator.Key{}, err
	}
	c, err := tile.ParseCoords(z + "/" + x + "/" + name)
	if err != nil {
		return coordinator.Key{}, err
	}
	return coordinator.Key{Coords: c, Density: density}, nil
}

func (s *Server) serveTile(w http.ResponseWriter, r *http.Request) {
	key, err := parseTileKey(r.PathValue("z"), r.PathValue("x"), r.PathValue("y"))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	if s.cfg.WaitTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.cfg.WaitTimeout)
		defer cancel()
	}

	res, err := s.tiles.Get(ctx, key)
	if err != nil {
		s.writeError(w, r, key, err)
		return
	}

	h := w.Header()
	h.Set("ETag", res.ETag)
	h.Set("Cache-Control", s.cacheControl())
	h.Set("X-Tile-State", res.State.String())
	if res.Empty {
		h.Set("X-Tile-Empty", "1")
	}
	if etagMatches(r.Header.Get("If-None-Match"), res.ETag) {
		w.WriteHeader(http.StatusNotModified)
		return
	}

	h.Set("Content-Type", "image/png")
	h.Set("Content-Length", strconv.Itoa(len(res.Data)))
	if _, err := w.Write(res.Data); err != nil {
		s.log().Debug("Failed to write tile", "tile", key.String(), "error", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, key coordinator.Key, err error) {
	switch {
	case errors.Is(err, coordinator.ErrInvalidTile):
		http.Error(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, coordinator.ErrOverloaded), errors.Is(err, context.DeadlineExceeded):
		w.Header().Set("Retry-After", "1")
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
	case errors.Is(err, context.Canceled) && r.Context().Err() != nil:
		s.log().Debug("Client went away", "tile", key.String())
	default:
		s.log().Error("Failed to serve tile", "tile", key.String(), "error", err)
		http.Error(w, fmt.Sprintf("failed to render tile %s", key), http.StatusInternalServerError)
	}
}

func (s *Server) cacheControl() string {
	if s.cfg.CacheMaxAge <= 0 {
		return "no-cache"
	}
	return fmt.Sprintf("public, max-age=%d", int(s.cfg.CacheMaxAge.Seconds()))
}

// etagMatches implements the weak comparison of If-None-Match.
func etagMatches(header, etag string) bool {
	if header == "" {
		return false
	}
	for _, candidate := range strings.Split(header, ",") {
		candidate = strings.TrimPrefix(strings.TrimSpace(candidate), "W/")
		if candidate == "*" || candidate == etag {
			return true
		}
	}
	return false
}

func (s *Server) serveIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct {
		Lat, Lon      float64
		Zoom, MaxZoom int
	}{
		Lat: s.cfg.Center[1], Lon: s.cfg.Center[0],
		Zoom: s.cfg.Zoom, MaxZoom: tile.MaxZoom,
	}
	if err := indexTemplate.Execute(w, data); err != nil {
		s.log().Error("Failed to render index", "error", err)
	}
}

func withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Expose-Headers", "ETag, X-Tile-Empty, X-Tile-State")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
	bytes  int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if r.status == 0 {
		r.status = http.StatusOK
	}
	n, err := r.ResponseWriter.Write(b)
	r.bytes += n
	return n, err
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)
		s.log().Debug("HTTP request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", rec.status,
			"bytes", rec.bytes,
			"ms", time.Since(start).Milliseconds(),
		)
	})
}
