// Package importer feeds OSM data from Overpass and PBF sources into a
// geodata.Builder.
package importer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/MeKo-Tech/cascademap/internal/geodata"
)

// Options configures an Importer.
type Options struct {
	// KeepTags lists the tag keys retained on imported elements. Elements
	// left without tags are kept only as geometry for ways and relations.
	// An empty list keeps every tag.
	KeepTags []string
	Logger   *slog.Logger
}

// Counts reports how many elements were passed to the builder.
type Counts struct {
	Nodes     int64
	Ways      int64
	Relations int64
}

// Importer converts OSM elements and records them in a builder. It is not
// safe for concurrent use.
type Importer struct {
	b      *geodata.Builder
	keep   map[string]struct{}
	logger *slog.Logger
	counts Counts
	seen   map[int64]struct{}
}

// New creates an importer writing into b.
func New(b *geodata.Builder, opts Options) *Importer {
	im := &Importer{b: b, logger: opts.Logger, seen: make(map[int64]struct{})}
	if len(opts.KeepTags) > 0 {
		im.keep = make(map[string]struct{}, len(opts.KeepTags))
		for _, k := range opts.KeepTags {
			if k = strings.TrimSpace(k); k != "" {
				im.keep[k] = struct{}{}
			}
		}
	}
	return im
}

func (im *Importer) log() *slog.Logger {
	if im.logger != nil {
		return im.logger
	}
	return slog.Default()
}

// Counts returns the elements recorded so far.
func (im *Importer) Counts() Counts { return im.counts }

// FromFile imports a .pbf or Overpass .json file, chosen by extension.
func (im *Importer) FromFile(ctx context.Context, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open input: %w", err)
	}
	defer f.Close()

	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".pbf":
		return im.FromPBF(ctx, f)
	case ".json":
		return im.FromOverpassJSON(f)
	default:
		return fmt.Errorf("unsupported input format %q (want .osm.pbf or .json)", ext)
	}
}

// filterTags keeps the configured keys. Relations always keep "type" so
// multipolygons remain recognisable.
func (im *Importer) filterTags(m map[string]string, relation bool) geodata.Tags {
	if len(m) == 0 {
		return nil
	}
	if im.keep == nil {
		return geodata.TagsFromMap(m)
	}
	kept := make(map[string]string, len(m))
	for k, v := range m {
		if _, ok := im.keep[k]; ok || (relation && k == "type") {
			kept[k] = v
		}
	}
	if len(kept) == 0 {
		return nil
	}
	return geodata.TagsFromMap(kept)
}

func (im *Importer) addNode(id int64, lat, lon float64, tags map[string]string) {
	if _, ok := im.seen[id]; !ok {
		im.seen[id] = struct{}{}
		im.counts.Nodes++
	}
	im.b.AddNode(id, lat, lon, im.filterTags(tags, false))
}

// addGeometryNode records a member node known only from way geometry. It
// never replaces a node that was imported with tags.
func (im *Importer) addGeometryNode(id int64, lat, lon float64) {
	if _, ok := im.seen[id]; ok {
		return
	}
	im.seen[id] = struct{}{}
	im.b.AddNode(id, lat, lon, nil)
	im.counts.Nodes++
}

func (im *Importer) addWay(id int64, refs []int64, tags map[string]string) {
	im.b.AddWay(id, refs, im.filterTags(tags, false))
	im.counts.Ways++
}

// addRelation drops relations that carry nothing but their type after
// filtering, since no rule can select them.
func (im *Importer) addRelation(id int64, members []geodata.Member, tags map[string]string) {
	filtered := im.filterTags(tags, true)
	if im.keep != nil && (len(filtered) == 0 || (len(filtered) == 1 && filtered[0].Key == "type")) {
		return
	}
	im.b.AddRelation(id, members, filtered)
	im.counts.Relations++
}
