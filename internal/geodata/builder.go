package geodata

import (
	"fmt"
	"log/slog"
	"slices"

	"github.com/MeKo-Tech/cascademap/internal/tile"
	"github.com/paulmach/orb"
	"github.com/paulmach/orb/maptile"
)

// DefaultBaseZoom is the bucket zoom used when the importer is not told otherwise.
const DefaultBaseZoom = 14

// MemberType is the element type of a relation member.
type MemberType uint8

const (
	MemberNode MemberType = iota
	MemberWay
)

// Member references a relation member by OSM id.
type Member struct {
	Type MemberType
	Ref  int64
}

type rawNode struct {
	lat, lon float64
	tags     Tags
}

type rawWay struct {
	id   int64
	refs []int64
	tags Tags
}

type rawRelation struct {
	id      int64
	members []Member
	tags    Tags
}

// Builder collects OSM elements and buckets them into base-zoom tiles.
// It is not safe for concurrent use.
type Builder struct {
	BaseZoom uint32
	Logger   *slog.Logger

	nodes     map[int64]*rawNode
	nodeOrder []int64
	ways      []rawWay
	relations []rawRelation
	err       error
}

// NewBuilder creates a builder bucketing at baseZoom.
func NewBuilder(baseZoom uint32) *Builder {
	return &Builder{
		BaseZoom: baseZoom,
		nodes:    make(map[int64]*rawNode),
	}
}

func (b *Builder) log() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// checkID records the first id that does not fit a global id. Build
// reports it.
func (b *Builder) checkID(kind Kind, id int64) bool {
	if id >= -MaxOSMID && id <= MaxOSMID {
		return true
	}
	if b.err == nil {
		b.err = fmt.Errorf("%s id %d out of range", kind, id)
	}
	return false
}

// AddNode records a node. Untagged nodes only appear as way members.
func (b *Builder) AddNode(id int64, lat, lon float64, tags Tags) {
	if !b.checkID(KindNode, id) {
		return
	}
	if _, ok := b.nodes[id]; !ok {
		b.nodeOrder = append(b.nodeOrder, id)
	}
	b.nodes[id] = &rawNode{lat: lat, lon: lon, tags: tags}
}

// AddWay records a way by its node ids.
func (b *Builder) AddWay(id int64, refs []int64, tags Tags) {
	if !b.checkID(KindWay, id) {
		return
	}
	b.ways = append(b.ways, rawWay{id: id, refs: refs, tags: tags})
}

// AddRelation records a relation by its members.
func (b *Builder) AddRelation(id int64, members []Member, tags Tags) {
	if !b.checkID(KindRelation, id) {
		return
	}
	b.relations = append(b.relations, rawRelation{id: id, members: members, tags: tags})
}

// bucket accumulates one tile's contents. Lists hold builder indices;
// the local maps translate them into tile-local positions.
type bucket struct {
	nodes     []int64
	nodeLocal map[int64]uint32
	ways      []int
	wayLocal  map[int]uint32
	relations []int
}

func newBucket() *bucket {
	return &bucket{nodeLocal: make(map[int64]uint32), wayLocal: make(map[int]uint32)}
}

func (bk *bucket) addNode(id int64) uint32 {
	if idx, ok := bk.nodeLocal[id]; ok {
		return idx
	}
	idx := uint32(len(bk.nodes))
	bk.nodes = append(bk.nodes, id)
	bk.nodeLocal[id] = idx
	return idx
}

func (bk *bucket) addWay(wi int, w *rawWay) {
	if _, ok := bk.wayLocal[wi]; ok {
		return
	}
	for _, ref := range w.refs {
		bk.addNode(ref)
	}
	bk.wayLocal[wi] = uint32(len(bk.ways))
	bk.ways = append(bk.ways, wi)
}

// Build buckets all recorded elements. Features spanning several tiles are
// copied into each of them together with the nodes they reference.
func (b *Builder) Build() (*Container, error) {
	if b.err != nil {
		return nil, b.err
	}
	if b.BaseZoom > tile.MaxZoom {
		return nil, fmt.Errorf("base zoom %d exceeds %d", b.BaseZoom, tile.MaxZoom)
	}
	zoom := maptile.Zoom(b.BaseZoom)
	buckets := make(map[uint64]*bucket)
	get := func(id uint64) *bucket {
		bk, ok := buckets[id]
		if !ok {
			bk = newBucket()
			buckets[id] = bk
		}
		return bk
	}
	nodeTile := func(n *rawNode) uint64 {
		t := maptile.At(orb.Point{n.lon, n.lat}, zoom)
		return tile.Pack(uint32(t.Z), t.X, t.Y)
	}

	for _, id := range b.nodeOrder {
		n := b.nodes[id]
		if len(n.tags) == 0 {
			continue
		}
		get(nodeTile(n)).addNode(id)
	}

	// Drop unresolved refs first so every later lookup succeeds.
	wayTiles := make([][]uint64, len(b.ways))
	wayIndex := make(map[int64]int, len(b.ways))
	dropped := 0
	for wi := range b.ways {
		w := &b.ways[wi]
		w.refs = slices.DeleteFunc(slices.Clone(w.refs), func(ref int64) bool {
			_, ok := b.nodes[ref]
			return !ok
		})
		if len(w.refs) < 2 {
			dropped++
			continue
		}
		wayIndex[w.id] = wi

		bound := orb.Bound{Min: orb.Point{180, 90}, Max: orb.Point{-180, -90}}
		for _, ref := range w.refs {
			n := b.nodes[ref]
			bound = bound.Extend(orb.Point{n.lon, n.lat})
		}
		minT := maptile.At(orb.Point{bound.Min.Lon(), bound.Max.Lat()}, zoom)
		maxT := maptile.At(orb.Point{bound.Max.Lon(), bound.Min.Lat()}, zoom)
		for x := minT.X; x <= maxT.X; x++ {
			for y := minT.Y; y <= maxT.Y; y++ {
				id := tile.Pack(b.BaseZoom, x, y)
				wayTiles[wi] = append(wayTiles[wi], id)
				get(id).addWay(wi, w)
			}
		}
	}
	if dropped > 0 {
		b.log().Debug("Dropped ways with unresolved nodes", "count", dropped)
	}

	for ri := range b.relations {
		r := &b.relations[ri]
		tiles := make(map[uint64]struct{})
		for _, m := range r.members {
			switch m.Type {
			case MemberWay:
				if wi, ok := wayIndex[m.Ref]; ok {
					for _, id := range wayTiles[wi] {
						tiles[id] = struct{}{}
					}
				}
			case MemberNode:
				if n, ok := b.nodes[m.Ref]; ok {
					tiles[nodeTile(n)] = struct{}{}
				}
			}
		}
		for id := range tiles {
			bk := get(id)
			// Every member travels with the relation so areas can be
			// assembled from a single bucket.
			for _, m := range r.members {
				switch m.Type {
				case MemberWay:
					if wi, ok := wayIndex[m.Ref]; ok {
						bk.addWay(wi, &b.ways[wi])
					}
				case MemberNode:
					if _, ok := b.nodes[m.Ref]; ok {
						bk.addNode(m.Ref)
					}
				}
			}
			bk.relations = append(bk.relations, ri)
		}
	}

	return b.assemble(buckets, wayIndex), nil
}

func (b *Builder) assemble(buckets map[uint64]*bucket, wayIndex map[int64]int) *Container {
	c := &Container{BaseZoom: uint8(b.BaseZoom)}
	globalNode := make(map[int64]uint32)

	ids := make([]uint64, 0, len(buckets))
	for id := range buckets {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	for _, id := range ids {
		bk := buckets[id]
		t := Tile{ID: id}

		for _, nid := range bk.nodes {
			gi, ok := globalNode[nid]
			if !ok {
				n := b.nodes[nid]
				gi = uint32(len(c.Nodes))
				c.Nodes = append(c.Nodes, Node{ID: GlobalID(KindNode, nid), Lat: n.lat, Lon: n.lon, Tags: n.tags})
				globalNode[nid] = gi
			}
			t.Nodes = append(t.Nodes, gi)
		}

		for _, wi := range bk.ways {
			w := &b.ways[wi]
			refs := make([]uint32, len(w.refs))
			for i, ref := range w.refs {
				refs[i] = bk.nodeLocal[ref]
			}
			t.Ways = append(t.Ways, uint32(len(c.Ways)))
			c.Ways = append(c.Ways, Way{ID: GlobalID(KindWay, w.id), Nodes: refs, Tags: w.tags})
		}

		for _, ri := range bk.relations {
			r := &b.relations[ri]
			rel := Relation{ID: GlobalID(KindRelation, r.id), Tags: r.tags}
			for _, m := range r.members {
				switch m.Type {
				case MemberWay:
					if wi, ok := wayIndex[m.Ref]; ok {
						rel.Ways = append(rel.Ways, bk.wayLocal[wi])
					}
				case MemberNode:
					if idx, ok := bk.nodeLocal[m.Ref]; ok {
						rel.Nodes = append(rel.Nodes, idx)
					}
				}
			}
			t.Relations = append(t.Relations, uint32(len(c.Relations)))
			c.Relations = append(c.Relations, rel)
		}

		c.Tiles = append(c.Tiles, t)
	}

	b.log().Info("Geodata bucketed",
		"base_zoom", b.BaseZoom,
		"tiles", len(c.Tiles),
		"nodes", len(c.Nodes),
		"ways", len(c.Ways),
		"relations", len(c.Relations))

	return c
}
