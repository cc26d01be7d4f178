package geodata

import (
	"fmt"
	"log/slog"
	"os"
	"slices"

	"github.com/MeKo-Tech/cascademap/internal/tile"
	"github.com/edsrzf/mmap-go"
)

// Store is a read-only view over an encoded container. Opening a store
// validates every structural invariant once; afterwards records are decoded
// on demand from the mapped bytes. A Store is safe for concurrent use.
type Store struct {
	data []byte
	mm   mmap.MMap
	file *os.File

	baseZoom uint8
	strs     []string
	nodeOff  []int
	wayOff   []int
	relOff   []int
	tiles    map[uint64]int
	tileIDs  []uint64
}

// Stats summarises a store for status output.
type Stats struct {
	BaseZoom  uint8 `json:"base_zoom"`
	Nodes     int   `json:"nodes"`
	Ways      int   `json:"ways"`
	Relations int   `json:"relations"`
	Tiles     int   `json:"tiles"`
	Strings   int   `json:"strings"`
	Bytes     int64 `json:"bytes"`
}

// Open memory-maps and validates the container at path.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.Default()
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open geodata: %w", err)
	}

	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to stat geodata: %w", err)
	}
	if info.Size() < int64(headerSize) {
		_ = f.Close()
		return nil, &CorruptError{Section: "header", Reason: fmt.Sprintf("file is only %d bytes", info.Size())}
	}

	mm, err := mmap.Map(f, mmap.RDONLY, 0)
	if err != nil {
		_ = f.Close()
		return nil, fmt.Errorf("failed to mmap geodata: %w", err)
	}

	s, err := Decode(mm)
	if err != nil {
		_ = mm.Unmap()
		_ = f.Close()
		return nil, err
	}
	s.mm = mm
	s.file = f

	st := s.Stats()
	logger.Info("Geodata loaded",
		"path", path,
		"base_zoom", st.BaseZoom,
		"tiles", st.Tiles,
		"nodes", st.Nodes,
		"ways", st.Ways,
		"relations", st.Relations)

	return s, nil
}

// Decode validates data and returns a store reading from it. data must not
// be modified while the store is in use.
func Decode(data []byte) (*Store, error) {
	s := &Store{data: data}
	c := &cursor{buf: data, section: "header"}

	if m := c.bytes(len(magic)); c.err == nil && string(m) != magic {
		c.fail("bad magic %q", m)
	}
	if v := c.u16(); c.err == nil && v != formatVersion {
		c.fail("unsupported version %d", v)
	}
	s.baseZoom = c.u8()
	c.u8()
	if c.err == nil && s.baseZoom > tile.MaxZoom {
		c.fail("base zoom %d exceeds %d", s.baseZoom, tile.MaxZoom)
	}

	c.section = "strings"
	n := c.count(4)
	s.strs = make([]string, n)
	for i := range n {
		s.strs[i] = string(c.bytes(int(c.u32())))
	}

	c.section = "nodes"
	n = c.count(28)
	s.nodeOff = make([]int, n)
	for i := range n {
		s.nodeOff[i] = c.off
		c.u64()
		c.f64()
		c.f64()
		s.skipTags(c)
	}

	c.section = "ways"
	n = c.count(16)
	s.wayOff = make([]int, n)
	for i := range n {
		s.wayOff[i] = c.off
		c.u64()
		c.skipIndices(int(^uint32(0)>>1), "node")
		s.skipTags(c)
	}

	c.section = "relations"
	n = c.count(20)
	s.relOff = make([]int, n)
	for i := range n {
		s.relOff[i] = c.off
		c.u64()
		c.skipIndices(int(^uint32(0)>>1), "node")
		c.skipIndices(int(^uint32(0)>>1), "way")
		s.skipTags(c)
	}

	c.section = "tiles"
	n = c.count(20)
	s.tiles = make(map[uint64]int, n)
	s.tileIDs = make([]uint64, 0, n)
	for range n {
		start := c.off
		id := c.u64()
		if c.err == nil {
			if _, dup := s.tiles[id]; dup {
				c.fail("duplicate tile %s", tile.Unpack(id))
			}
		}
		c.skipIndices(len(s.nodeOff), "node")
		c.skipIndices(len(s.wayOff), "way")
		c.skipIndices(len(s.relOff), "relation")
		if c.err != nil {
			break
		}
		s.tiles[id] = start
		s.tileIDs = append(s.tileIDs, id)
		if err := s.validateTile(start); err != nil {
			return nil, err
		}
	}

	if c.err == nil && c.off != len(data) {
		c.fail("%d trailing bytes", len(data)-c.off)
	}
	if c.err != nil {
		return nil, c.err
	}

	slices.Sort(s.tileIDs)
	return s, nil
}

func (s *Store) skipTags(c *cursor) {
	n := c.count(8)
	for range n {
		k, v := c.u32(), c.u32()
		if c.err == nil && (int(k) >= len(s.strs) || int(v) >= len(s.strs)) {
			c.fail("tag string index out of range (len %d)", len(s.strs))
		}
	}
}

// validateTile checks that every way and relation of the tile at off only
// references entries of that tile's own lists.
func (s *Store) validateTile(off int) error {
	t := s.decodeTile(off)
	for _, wi := range t.Ways {
		c := &cursor{buf: s.data, off: s.wayOff[wi], section: "tiles"}
		c.u64()
		c.skipIndices(len(t.Nodes), fmt.Sprintf("tile %s way %d node", tile.Unpack(t.ID), wi))
		if c.err != nil {
			return c.err
		}
	}
	for _, ri := range t.Relations {
		c := &cursor{buf: s.data, off: s.relOff[ri], section: "tiles"}
		c.u64()
		c.skipIndices(len(t.Nodes), fmt.Sprintf("tile %s relation %d node", tile.Unpack(t.ID), ri))
		c.skipIndices(len(t.Ways), fmt.Sprintf("tile %s relation %d way", tile.Unpack(t.ID), ri))
		if c.err != nil {
			return c.err
		}
	}
	return nil
}

// Close releases the mapping. The store must not be used afterwards.
func (s *Store) Close() error {
	if s.mm == nil {
		return nil
	}
	if err := s.mm.Unmap(); err != nil {
		return fmt.Errorf("failed to unmap geodata: %w", err)
	}
	s.mm = nil
	return s.file.Close()
}

// BaseZoom returns the zoom level features were bucketed at.
func (s *Store) BaseZoom() uint8 { return s.baseZoom }

// TileIDs returns all bucket ids in ascending order.
func (s *Store) TileIDs() []uint64 { return s.tileIDs }

func (s *Store) Stats() Stats {
	return Stats{
		BaseZoom:  s.baseZoom,
		Nodes:     len(s.nodeOff),
		Ways:      len(s.wayOff),
		Relations: len(s.relOff),
		Tiles:     len(s.tileIDs),
		Strings:   len(s.strs),
		Bytes:     int64(len(s.data)),
	}
}

// TileContents resolves one bucket. Local indices in the returned ways and
// relations address the returned slices.
func (s *Store) TileContents(id uint64) (Contents, error) {
	off, ok := s.tiles[id]
	if !ok {
		return Contents{}, fmt.Errorf("%w: %s", ErrTileNotFound, tile.Unpack(id))
	}

	t := s.decodeTile(off)
	out := Contents{
		Nodes:     make([]Node, len(t.Nodes)),
		Ways:      make([]Way, len(t.Ways)),
		Relations: make([]Relation, len(t.Relations)),
	}
	for i, ni := range t.Nodes {
		out.Nodes[i] = s.decodeNode(s.nodeOff[ni])
	}
	for i, wi := range t.Ways {
		out.Ways[i] = s.decodeWay(s.wayOff[wi])
	}
	for i, ri := range t.Relations {
		out.Relations[i] = s.decodeRelation(s.relOff[ri])
	}
	return out, nil
}

// TilesIn returns the ids of existing buckets inside r, in ascending order.
func (s *Store) TilesIn(r tile.TileRange) []uint64 {
	var ids []uint64
	for z := r.MinZ; z <= r.MaxZ; z++ {
		for x := r.MinX; x <= r.MaxX; x++ {
			lo := tile.Pack(z, x, r.MinY)
			hi := tile.Pack(z, x, r.MaxY)
			i, _ := slices.BinarySearch(s.tileIDs, lo)
			for ; i < len(s.tileIDs) && s.tileIDs[i] <= hi; i++ {
				ids = append(ids, s.tileIDs[i])
			}
		}
	}
	return ids
}

// FeatureTags returns the ordered tags of f.
func (s *Store) FeatureTags(f Feature) Tags {
	return f.TagList()
}

func (s *Store) decodeTile(off int) Tile {
	c := &cursor{buf: s.data, off: off}
	return Tile{
		ID:        c.u64(),
		Nodes:     c.readIndices(),
		Ways:      c.readIndices(),
		Relations: c.readIndices(),
	}
}

func (s *Store) decodeTags(c *cursor) Tags {
	n := c.count(8)
	if n == 0 {
		return nil
	}
	tags := make(Tags, n)
	for i := range tags {
		tags[i] = Tag{Key: s.strs[c.u32()], Value: s.strs[c.u32()]}
	}
	return tags
}

func (s *Store) decodeNode(off int) Node {
	c := &cursor{buf: s.data, off: off}
	return Node{ID: c.u64(), Lat: c.f64(), Lon: c.f64(), Tags: s.decodeTags(c)}
}

func (s *Store) decodeWay(off int) Way {
	c := &cursor{buf: s.data, off: off}
	return Way{ID: c.u64(), Nodes: c.readIndices(), Tags: s.decodeTags(c)}
}

func (s *Store) decodeRelation(off int) Relation {
	c := &cursor{buf: s.data, off: off}
	return Relation{ID: c.u64(), Nodes: c.readIndices(), Ways: c.readIndices(), Tags: s.decodeTags(c)}
}
