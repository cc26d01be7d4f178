package importer

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime"

	"github.com/paulmach/osm"
	"github.com/paulmach/osm/osmpbf"

	"github.com/MeKo-Tech/cascademap/internal/geodata"
)

// FromPBF streams an OSM PBF extract into the builder.
func (im *Importer) FromPBF(ctx context.Context, r io.Reader) error {
	scanner := osmpbf.New(ctx, r, runtime.NumCPU())
	defer scanner.Close()

	for scanner.Scan() {
		switch o := scanner.Object().(type) {
		case *osm.Node:
			im.addNode(int64(o.ID), o.Lat, o.Lon, o.Tags.Map())
		case *osm.Way:
			refs := make([]int64, len(o.Nodes))
			for i, wn := range o.Nodes {
				refs[i] = int64(wn.ID)
			}
			im.addWay(int64(o.ID), refs, o.Tags.Map())
		case *osm.Relation:
			members := make([]geodata.Member, 0, len(o.Members))
			for _, m := range o.Members {
				switch m.Type {
				case osm.TypeNode:
					members = append(members, geodata.Member{Type: geodata.MemberNode, Ref: m.Ref})
				case osm.TypeWay:
					members = append(members, geodata.Member{Type: geodata.MemberWay, Ref: m.Ref})
				}
			}
			im.addRelation(int64(o.ID), members, o.Tags.Map())
		}

		if c := im.counts; (c.Nodes+c.Ways+c.Relations)%1_000_000 == 0 {
			im.log().Debug("PBF import progress",
				"nodes", c.Nodes, "ways", c.Ways, "relations", c.Relations,
				"bytes", scanner.FullyScannedBytes())
		}
	}

	if err := scanner.Err(); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("failed to read pbf: %w", err)
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to read pbf: %w", err)
	}

	c := im.counts
	im.log().Info("Imported PBF", "nodes", c.Nodes, "ways", c.Ways, "relations", c.Relations)
	return nil
}
