// Package geodata holds the tile-bucketed binary feature store consumed by
// the renderer and the builder that produces it at import time.
package geodata

import (
	"slices"
	"strings"
)

// Kind identifies the OSM element type folded into a global id.
type Kind uint8

const (
	KindNode Kind = iota
	KindWay
	KindRelation
)

func (k Kind) String() string {
	switch k {
	case KindNode:
		return "node"
	case KindWay:
		return "way"
	case KindRelation:
		return "relation"
	default:
		return "unknown"
	}
}

// MaxOSMID bounds the magnitude of OSM ids a global id can hold.
// Negative ids, as written by editors for new objects, are kept.
const MaxOSMID = 1<<61 - 1

// GlobalID combines an element kind and its OSM id into one dataset-wide id.
// osmID must be within [-MaxOSMID, MaxOSMID].
func GlobalID(kind Kind, osmID int64) uint64 {
	return uint64(osmID<<2) | uint64(kind)
}

// SplitGlobalID is the inverse of GlobalID.
func SplitGlobalID(id uint64) (Kind, int64) {
	return Kind(id & 3), int64(id) >> 2
}

// Tag is a single key/value pair.
type Tag struct {
	Key   string
	Value string
}

// Tags is an ordered tag list with unique keys.
type Tags []Tag

// Get returns the value stored under key.
func (t Tags) Get(key string) (string, bool) {
	for _, tag := range t {
		if tag.Key == key {
			return tag.Value, true
		}
	}
	return "", false
}

// Range calls fn for each tag in order until fn returns false.
func (t Tags) Range(fn func(key, value string) bool) {
	for _, tag := range t {
		if !fn(tag.Key, tag.Value) {
			return
		}
	}
}

func (t Tags) String() string {
	parts := make([]string, len(t))
	for i, tag := range t {
		parts[i] = tag.Key + "=" + tag.Value
	}
	return strings.Join(parts, " ")
}

// TagsFromMap builds a Tags list sorted by key.
func TagsFromMap(m map[string]string) Tags {
	tags := make(Tags, 0, len(m))
	for k, v := range m {
		tags = append(tags, Tag{Key: k, Value: v})
	}
	slices.SortFunc(tags, func(a, b Tag) int { return strings.Compare(a.Key, b.Key) })
	return tags
}

// Feature is implemented by Node, Way and Relation.
type Feature interface {
	GlobalID() uint64
	TagList() Tags
}

// Node is a tagged point.
type Node struct {
	ID   uint64
	Lat  float64
	Lon  float64
	Tags Tags
}

func (n *Node) GlobalID() uint64 { return n.ID }
func (n *Node) TagList() Tags    { return n.Tags }

// Way is an ordered list of node references. Nodes holds tile-local indices
// into the node list of the tile that owns this way.
type Way struct {
	ID    uint64
	Nodes []uint32
	Tags  Tags
}

func (w *Way) GlobalID() uint64 { return w.ID }
func (w *Way) TagList() Tags    { return w.Tags }

// Closed reports whether the way starts and ends on the same node and
// encloses an area.
func (w *Way) Closed() bool {
	return len(w.Nodes) >= 4 && w.Nodes[0] == w.Nodes[len(w.Nodes)-1]
}

// Relation references member nodes and ways by tile-local index.
type Relation struct {
	ID    uint64
	Nodes []uint32
	Ways  []uint32
	Tags  Tags
}

func (r *Relation) GlobalID() uint64 { return r.ID }
func (r *Relation) TagList() Tags    { return r.Tags }

// IsMultipolygon reports whether the relation describes an area.
func (r *Relation) IsMultipolygon() bool {
	v, _ := r.Tags.Get("type")
	return v == "multipolygon" || v == "boundary"
}

// Tile is one bucket. Its lists index the container's flat sequences.
type Tile struct {
	ID        uint64
	Nodes     []uint32
	Ways      []uint32
	Relations []uint32
}

// Container is the top-level aggregate written by the importer.
type Container struct {
	BaseZoom  uint8
	Nodes     []Node
	Ways      []Way
	Relations []Relation
	Tiles     []Tile
}

// Contents is the resolved content of one or more tile buckets. Way and
// relation indices are valid within the slices of the same Contents.
type Contents struct {
	Nodes     []Node
	Ways      []Way
	Relations []Relation
}

// Empty reports whether the contents hold no features at all.
func (c Contents) Empty() bool {
	return len(c.Nodes) == 0 && len(c.Ways) == 0 && len(c.Relations) == 0
}

// WayNodes returns the nodes of w, which must belong to c.
func (c Contents) WayNodes(w *Way) []Node {
	nodes := make([]Node, len(w.Nodes))
	for i, idx := range w.Nodes {
		nodes[i] = c.Nodes[idx]
	}
	return nodes
}

// Merge concatenates the contents of several buckets, dropping features
// already seen in an earlier bucket and rebasing local indices.
func Merge(parts ...Contents) Contents {
	if len(parts) == 1 {
		return parts[0]
	}

	var out Contents
	nodeIdx := make(map[uint64]uint32)
	wayIdx := make(map[uint64]uint32)
	relSeen := make(map[uint64]struct{})

	for _, p := range parts {
		nodeMap := make([]uint32, len(p.Nodes))
		for i, n := range p.Nodes {
			if j, ok := nodeIdx[n.ID]; ok {
				nodeMap[i] = j
				continue
			}
			j := uint32(len(out.Nodes))
			out.Nodes = append(out.Nodes, n)
			nodeIdx[n.ID] = j
			nodeMap[i] = j
		}

		wayMap := make([]uint32, len(p.Ways))
		for i, w := range p.Ways {
			if j, ok := wayIdx[w.ID]; ok {
				wayMap[i] = j
				continue
			}
			refs := make([]uint32, len(w.Nodes))
			for k, idx := range w.Nodes {
				refs[k] = nodeMap[idx]
			}
			j := uint32(len(out.Ways))
			out.Ways = append(out.Ways, Way{ID: w.ID, Nodes: refs, Tags: w.Tags})
			wayIdx[w.ID] = j
			wayMap[i] = j
		}

		for _, r := range p.Relations {
			if _, ok := relSeen[r.ID]; ok {
				continue
			}
			relSeen[r.ID] = struct{}{}
			nodes := make([]uint32, len(r.Nodes))
			for k, idx := range r.Nodes {
				nodes[k] = nodeMap[idx]
			}
			ways := make([]uint32, len(r.Ways))
			for k, idx := range r.Ways {
				ways[k] = wayMap[idx]
			}
			out.Relations = append(out.Relations, Relation{ID: r.ID, Nodes: nodes, Ways: ways, Tags: r.Tags})
		}
	}

	return out
}

// Filter keeps only features whose OSM id is in ids, plus the nodes and ways
// they reference. A nil set keeps everything.
func (c Contents) Filter(ids map[int64]struct{}) Contents {
	if ids == nil {
		return c
	}
	keep := func(id uint64) bool {
		_, osmID := SplitGlobalID(id)
		_, ok := ids[osmID]
		return ok
	}

	// Node slots stay in place so way indices remain valid; filtered nodes
	// only lose their tags.
	out := Contents{Nodes: make([]Node, len(c.Nodes))}
	for i, n := range c.Nodes {
		out.Nodes[i] = n
		if !keep(n.ID) {
			out.Nodes[i].Tags = nil
		}
	}

	wayMap := make(map[uint32]uint32)
	for i, w := range c.Ways {
		if keep(w.ID) {
			wayMap[uint32(i)] = uint32(len(out.Ways))
			out.Ways = append(out.Ways, w)
		}
	}
	for _, r := range c.Relations {
		if !keep(r.ID) {
			continue
		}
		rel := Relation{ID: r.ID, Nodes: r.Nodes, Tags: r.Tags}
		for _, wi := range r.Ways {
			j, ok := wayMap[wi]
			if !ok {
				j = uint32(len(out.Ways))
				wayMap[wi] = j
				// Member geometry without its own style.
				out.Ways = append(out.Ways, Way{ID: c.Ways[wi].ID, Nodes: c.Ways[wi].Nodes})
			}
			rel.Ways = append(rel.Ways, j)
		}
		out.Relations = append(out.Relations, rel)
	}
	return out
}
