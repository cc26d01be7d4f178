// Package coordinator turns tile requests into encoded PNG tiles. It
// collapses concurrent requests for the same tile into one render, caches
// completed tiles and rejects work beyond a fixed concurrency budget.
package coordinator

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	"image/png"
	"log/slog"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/zeebo/xxh3"
	"golang.org/x/sync/singleflight"

	"github.com/MeKo-Tech/cascademap/internal/geodata"
	"github.com/MeKo-Tech/cascademap/internal/render"
	"github.com/MeKo-Tech/cascademap/internal/tile"
)

var (
	// ErrOverloaded is returned when both the render slots and the wait
	// queue are full.
	ErrOverloaded = errors.New("tile coordinator overloaded")
	// ErrInvalidTile is returned for coordinates outside the tile grid or an
	// unsupported density.
	ErrInvalidTile = errors.New("invalid tile")
)

// State is the lifecycle position of one tile request.
type State int32

const (
	Requested State = iota
	CachedHit
	Computing
	Completed
	Failed
)

func (s State) String() string {
	switch s {
	case Requested:
		return "requested"
	case CachedHit:
		return "cached"
	case Computing:
		return "computing"
	case Completed:
		return "completed"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Key identifies one encoded tile.
type Key struct {
	Coords  tile.Coords
	Density tile.Density
}

func (k Key) String() string { return k.Coords.String() + k.Density.Suffix() }

// Result is an encoded tile.
type Result struct {
	Data []byte
	// ETag is a quoted strong validator derived from Data.
	ETag string
	// Empty is set when no base bucket held data for the tile.
	Empty bool
	State State
}

// TileSource provides the feature buckets tiles are rendered from.
// *geodata.Store implements it.
type TileSource interface {
	BaseZoom() uint8
	TilesIn(r tile.TileRange) []uint64
	TileContents(id uint64) (geodata.Contents, error)
}

// Renderer draws one tile. *render.Renderer implements it.
type Renderer interface {
	Render(ctx context.Context, in render.Input) (*image.NRGBA, *render.Stats, error)
}

// Archive is a persistent second-level tile cache. *mbtiles.Archive
// implements it.
type Archive interface {
	Get(z, x, y int) ([]byte, bool, error)
	Put(z, x, y int, data []byte) error
}

// Options configures a Coordinator.
type Options struct {
	// MaxConcurrent is the number of renders that may run at once.
	MaxConcurrent int
	// MaxQueued is the number of renders that may wait for a slot.
	MaxQueued int
	// CacheEntries bounds the in-memory tile cache. Zero disables it.
	CacheEntries int
	// PNGCompression is the encoder level, see ParseCompression.
	PNGCompression png.CompressionLevel
	// Archives holds an optional persistent cache per density.
	Archives map[tile.Density]Archive
	// IDFilter restricts rendering to these OSM ids. Nil renders everything.
	IDFilter map[int64]struct{}
	Logger   *slog.Logger
}

// Stats is a snapshot of coordinator counters.
type Stats struct {
	Requests    int64    `json:"requests"`
	Hits        int64    `json:"hits"`
	ArchiveHits int64    `json:"archive_hits"`
	Renders     int64    `json:"renders"`
	Failures    int64    `json:"failures"`
	Rejected    int64    `json:"rejected"`
	InFlight    int      `json:"in_flight"`
	Queued      int      `json:"queued"`
	Cached      int      `json:"cached"`
	CachedBytes int64    `json:"cached_bytes"`
	Computing   []string `json:"computing"`
}

// Coordinator serves encoded tiles. It is safe for concurrent use.
type Coordinator struct {
	source   TileSource
	renderer Renderer
	opts     Options
	encoder  png.Encoder

	group  singleflight.Group
	cache  *tileCache
	sem    chan struct{}
	limit  int64
	states sync.Map // Key -> *atomic.Int32

	pending     atomic.Int64
	running     atomic.Int64
	requests    atomic.Int64
	hits        atomic.Int64
	archiveHits atomic.Int64
	renders     atomic.Int64
	failures    atomic.Int64
	rejected    atomic.Int64
}

// New creates a coordinator.
func New(source TileSource, r Renderer, opts Options) *Coordinator {
	if opts.MaxConcurrent <= 0 {
		opts.MaxConcurrent = 1
	}
	if opts.MaxQueued < 0 {
		opts.MaxQueued = 0
	}
	return &Coordinator{
		source:   source,
		renderer: r,
		opts:     opts,
		encoder:  png.Encoder{CompressionLevel: opts.PNGCompression, BufferPool: &bufferPool{}},
		cache:    newTileCache(opts.CacheEntries),
		sem:      make(chan struct{}, opts.MaxConcurrent),
		limit:    int64(opts.MaxConcurrent + opts.MaxQueued),
	}
}

func (c *Coordinator) log() *slog.Logger {
	if c.opts.Logger != nil {
		return c.opts.Logger
	}
	return slog.Default()
}

// Get returns the encoded tile for k, rendering it if needed. Concurrent
// calls for the same key share one render and receive identical bytes or
// an identical error. Cancelling ctx only stops this caller from waiting;
// the shared render runs to completion and is cached.
func (c *Coordinator) Get(ctx context.Context, k Key) (Result, error) {
	c.requests.Add(1)
	if !k.Coords.Valid() || (k.Density != tile.Density1x && k.Density != tile.Density2x) {
		return Result{State: Failed}, fmt.Errorf("%w: %s", ErrInvalidTile, k)
	}

	if e, ok := c.cache.get(k); ok {
		c.hits.Add(1)
		return e.result(CachedHit), nil
	}

	detached := context.WithoutCancel(ctx)
	ch := c.group.DoChan(k.String(), func() (any, error) {
		return c.load(detached, k)
	})

	select {
	case res := <-ch:
		if res.Err != nil {
			return Result{State: Failed}, res.Err
		}
		l := res.Val.(loaded)
		return l.e.result(l.state), nil
	case <-ctx.Done():
		return Result{State: c.State(k)}, fmt.Errorf("failed to wait for tile %s: %w", k, ctx.Err())
	}
}

// State reports where k currently is in its lifecycle. Keys that are not
// in flight report CachedHit when cached and Requested otherwise.
func (c *Coordinator) State(k Key) State {
	if v, ok := c.states.Load(k); ok {
		return State(v.(*atomic.Int32).Load())
	}
	if _, ok := c.cache.get(k); ok {
		return CachedHit
	}
	return Requested
}

type loaded struct {
	e     *entry
	state State
}

// load runs once per key and in-flight window.
func (c *Coordinator) load(ctx context.Context, k Key) (loaded, error) {
	state := &atomic.Int32{}
	state.Store(int32(Requested))
	c.states.Store(k, state)
	defer c.states.Delete(k)

	// A render for k may have finished between the caller's cache miss and
	// this call.
	if e, ok := c.cache.get(k); ok {
		c.hits.Add(1)
		state.Store(int32(CachedHit))
		return loaded{e: e, state: CachedHit}, nil
	}
	if e, ok := c.fromArchive(k); ok {
		state.Store(int32(CachedHit))
		c.archiveHits.Add(1)
		c.cache.add(e)
		return loaded{e: e, state: CachedHit}, nil
	}

	if n := c.pending.Add(1); n > c.limit {
		c.pending.Add(-1)
		c.rejected.Add(1)
		state.Store(int32(Failed))
		c.log().Warn("Rejected tile render", "tile", k.String(), "pending", n-1)
		return loaded{}, fmt.Errorf("failed to schedule tile %s: %w", k, ErrOverloaded)
	}
	defer c.pending.Add(-1)

	c.sem <- struct{}{}
	defer func() { <-c.sem }()

	state.Store(int32(Computing))
	c.running.Add(1)
	e, err := c.compute(ctx, k)
	c.running.Add(-1)
	if err != nil {
		state.Store(int32(Failed))
		c.failures.Add(1)
		c.log().Error("Failed to render tile", "tile", k.String(), "error", err)
		return loaded{}, err
	}

	state.Store(int32(Completed))
	c.renders.Add(1)
	c.cache.add(e)
	c.toArchive(k, e)
	return loaded{e: e, state: Completed}, nil
}

func (c *Coordinator) compute(ctx context.Context, k Key) (*entry, error) {
	contents, empty, err := c.contents(k.Coords)
	if err != nil {
		return nil, err
	}

	img, stats, err := c.renderer.Render(ctx, render.Input{
		Coords:   k.Coords,
		Density:  k.Density,
		Contents: contents,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to render tile %s: %w", k, err)
	}

	var buf bytes.Buffer
	if err := c.encoder.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("failed to encode tile %s: %w", k, err)
	}
	data := buf.Bytes()

	if stats != nil {
		c.log().Debug("Tile completed", "tile", k.String(), "bytes", len(data), "empty", empty, "render_ms", stats.Total().Milliseconds())
	}
	return newEntry(k, data, empty), nil
}

// contents merges the base buckets the tile needs, including one ring of
// neighbors so features crossing the tile edge are drawn.
func (c *Coordinator) contents(tc tile.Coords) (geodata.Contents, bool, error) {
	ids := c.source.TilesIn(tile.BaseRange(tc, uint32(c.source.BaseZoom()), 1))

	parts := make([]geodata.Contents, 0, len(ids))
	for _, id := range ids {
		part, err := c.source.TileContents(id)
		if errors.Is(err, geodata.ErrTileNotFound) {
			continue
		}
		if err != nil {
			return geodata.Contents{}, false, fmt.Errorf("failed to load bucket %s: %w", tile.Unpack(id), err)
		}
		parts = append(parts, part)
	}
	if len(parts) == 0 {
		return geodata.Contents{}, true, nil
	}
	return geodata.Merge(parts...).Filter(c.opts.IDFilter), false, nil
}

func (c *Coordinator) fromArchive(k Key) (*entry, bool) {
	a := c.opts.Archives[k.Density]
	if a == nil {
		return nil, false
	}
	data, ok, err := a.Get(int(k.Coords.Z), int(k.Coords.X), int(k.Coords.Y))
	if err != nil {
		c.log().Warn("Failed to read archived tile", "tile", k.String(), "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	return newEntry(k, data, false), true
}

// toArchive persists non-empty tiles. Empty tiles are cheap to re-render.
func (c *Coordinator) toArchive(k Key, e *entry) {
	a := c.opts.Archives[k.Density]
	if a == nil || e.empty {
		return
	}
	if err := a.Put(int(k.Coords.Z), int(k.Coords.X), int(k.Coords.Y), e.data); err != nil {
		c.log().Warn("Failed to archive tile", "tile", k.String(), "error", err)
	}
}

// Stats returns a snapshot of the counters.
func (c *Coordinator) Stats() Stats {
	var computing []string
	c.states.Range(func(key, value any) bool {
		if State(value.(*atomic.Int32).Load()) == Computing {
			computing = append(computing, key.(Key).String())
		}
		return true
	})
	sort.Strings(computing)

	cached, cachedBytes := c.cache.len()
	running := c.running.Load()
	return Stats{
		Requests:    c.requests.Load(),
		Hits:        c.hits.Load(),
		ArchiveHits: c.archiveHits.Load(),
		Renders:     c.renders.Load(),
		Failures:    c.failures.Load(),
		Rejected:    c.rejected.Load(),
		InFlight:    int(running),
		Queued:      int(max(c.pending.Load()-running, 0)),
		Cached:      cached,
		CachedBytes: cachedBytes,
		Computing:   computing,
	}
}

func newEntry(k Key, data []byte, empty bool) *entry {
	return &entry{key: k, data: data, etag: ETag(data), empty: empty}
}

func (e *entry) result(s State) Result {
	return Result{Data: e.data, ETag: e.etag, Empty: e.empty, State: s}
}

// ETag returns the quoted validator for an encoded tile.
func ETag(data []byte) string {
	return fmt.Sprintf(`"%016x"`, xxh3.Hash(data))
}

// ParseCompression maps a level name (default, speed, best, none) to a PNG
// compression level.
func ParseCompression(s string) (png.CompressionLevel, error) {
	switch s {
	case "", "default":
		return png.DefaultCompression, nil
	case "speed":
		return png.BestSpeed, nil
	case "best":
		return png.BestCompression, nil
	case "none":
		return png.NoCompression, nil
	default:
		return 0, fmt.Errorf("unknown png compression %q (want default, speed, best or none)", s)
	}
}

type bufferPool struct{ p sync.Pool }

func (b *bufferPool) Get() *png.EncoderBuffer {
	v, _ := b.p.Get().(*png.EncoderBuffer)
	return v
}

func (b *bufferPool) Put(buf *png.EncoderBuffer) { b.p.Put(buf) }
