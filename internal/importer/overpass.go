package importer

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"maps"
	"net/http"
	"slices"
	"strings"

	"github.com/MeKo-Christian/go-overpass"

	"github.com/MeKo-Tech/cascademap/internal/geodata"
)

// DefaultOverpassURL is the public Overpass interpreter.
const DefaultOverpassURL = "https://overpass-api.de/api/interpreter"

// element is one entry of the Overpass JSON "elements" array.
type element struct {
	Type     string            `json:"type"`
	ID       int64             `json:"id"`
	Lat      float64           `json:"lat"`
	Lon      float64           `json:"lon"`
	Nodes    []int64           `json:"nodes"`
	Geometry []latLon          `json:"geometry"`
	Members  []member          `json:"members"`
	Tags     map[string]string `json:"tags"`
}

type latLon struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

type member struct {
	Type string `json:"type"`
	Ref  int64  `json:"ref"`
	Role string `json:"role"`
}

// FromOverpassJSON reads an Overpass API JSON response. Elements are
// decoded one at a time so large responses are never held twice. Ways
// exported with "out geom" contribute their inline coordinates as member
// nodes.
func (im *Importer) FromOverpassJSON(r io.Reader) error {
	dec := json.NewDecoder(r)
	if err := seekElements(dec); err != nil {
		return err
	}

	for dec.More() {
		var el element
		if err := dec.Decode(&el); err != nil {
			return fmt.Errorf("failed to decode overpass element: %w", err)
		}
		im.addElement(&el)
	}
	if _, err := dec.Token(); err != nil {
		return fmt.Errorf("failed to read end of overpass elements: %w", err)
	}

	c := im.counts
	im.log().Info("Imported Overpass JSON", "nodes", c.Nodes, "ways", c.Ways, "relations", c.Relations)
	return nil
}

// seekElements advances dec to the first entry of the top-level
// "elements" array, skipping every other key.
func seekElements(dec *json.Decoder) error {
	tok, err := dec.Token()
	if err != nil {
		return fmt.Errorf("failed to read overpass response: %w", err)
	}
	if d, ok := tok.(json.Delim); !ok || d != '{' {
		return fmt.Errorf("overpass response is not a JSON object")
	}
	for dec.More() {
		tok, err := dec.Token()
		if err != nil {
			return fmt.Errorf("failed to read overpass response: %w", err)
		}
		if key, _ := tok.(string); key == "elements" {
			tok, err := dec.Token()
			if err != nil {
				return fmt.Errorf("failed to read overpass elements: %w", err)
			}
			if d, ok := tok.(json.Delim); !ok || d != '[' {
				return fmt.Errorf("overpass elements is not an array")
			}
			return nil
		}
		var skip json.RawMessage
		if err := dec.Decode(&skip); err != nil {
			return fmt.Errorf("failed to read overpass response: %w", err)
		}
	}
	return fmt.Errorf("overpass response has no elements")
}

func (im *Importer) addElement(el *element) {
	switch el.Type {
	case "node":
		im.addNode(el.ID, el.Lat, el.Lon, el.Tags)
	case "way":
		if len(el.Geometry) == len(el.Nodes) {
			for i, p := range el.Geometry {
				im.addGeometryNode(el.Nodes[i], p.Lat, p.Lon)
			}
		}
		im.addWay(el.ID, el.Nodes, el.Tags)
	case "relation":
		members := make([]geodata.Member, 0, len(el.Members))
		for _, m := range el.Members {
			switch m.Type {
			case "node":
				members = append(members, geodata.Member{Type: geodata.MemberNode, Ref: m.Ref})
			case "way":
				members = append(members, geodata.Member{Type: geodata.MemberWay, Ref: m.Ref})
			}
		}
		im.addRelation(el.ID, members, el.Tags)
	}
}

// overpassQuery selects everything inside bbox (minLon, minLat, maxLon,
// maxLat) together with the nodes of the matched ways and the members of
// the matched relations. With keep-tags the query only asks for elements
// carrying one of the keys.
func (im *Importer) overpassQuery(bbox [4]float64, timeout int) string {
	b := fmt.Sprintf("%.6f,%.6f,%.6f,%.6f", bbox[1], bbox[0], bbox[3], bbox[2])

	var sb strings.Builder
	fmt.Fprintf(&sb, "[out:json][timeout:%d];\n(\n", timeout)
	if im.keep == nil {
		fmt.Fprintf(&sb, "  nwr(%s);\n", b)
	} else {
		for _, k := range slices.Sorted(maps.Keys(im.keep)) {
			fmt.Fprintf(&sb, "  nwr[%q](%s);\n", k, b)
		}
	}
	sb.WriteString(");\n(._;>;);\nout body;\n")
	return sb.String()
}

// FromOverpass queries the Overpass API at endpoint for bbox and imports
// the result. The client does not take a context; cancelling ctx stops
// waiting but the request runs out in the background.
func (im *Importer) FromOverpass(ctx context.Context, endpoint string, bbox [4]float64) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("failed to query overpass: %w", err)
	}
	if endpoint == "" {
		endpoint = DefaultOverpassURL
	}
	client := overpass.NewWithSettings(endpoint, 1, http.DefaultClient)
	query := im.overpassQuery(bbox, 180)
	im.log().Info("Querying Overpass", "endpoint", endpoint, "bbox", bbox)

	type queryResult struct {
		res overpass.Result
		err error
	}
	done := make(chan queryResult, 1)
	go func() {
		res, err := client.Query(query)
		done <- queryResult{res: res, err: err}
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("failed to query overpass: %w", ctx.Err())
	case qr := <-done:
		if qr.err != nil {
			return fmt.Errorf("failed to query overpass: %w", qr.err)
		}
		im.FromOverpassResult(&qr.res)
	}

	c := im.counts
	im.log().Info("Imported Overpass result", "nodes", c.Nodes, "ways", c.Ways, "relations", c.Relations)
	return nil
}

// FromOverpassResult records a decoded go-overpass result. Elements are
// added in id order so imports are reproducible.
func (im *Importer) FromOverpassResult(res *overpass.Result) {
	if res == nil {
		return
	}

	for _, id := range slices.Sorted(maps.Keys(res.Nodes)) {
		n := res.Nodes[id]
		if n == nil {
			continue
		}
		im.addNode(id, n.Lat, n.Lon, n.Tags)
	}

	for _, id := range slices.Sorted(maps.Keys(res.Ways)) {
		w := res.Ways[id]
		if w == nil {
			continue
		}
		refs := make([]int64, 0, len(w.Nodes))
		for _, n := range w.Nodes {
			if n != nil {
				refs = append(refs, n.ID)
			}
		}
		if len(w.Geometry) == len(refs) {
			for i, p := range w.Geometry {
				im.addGeometryNode(refs[i], p.Lat, p.Lon)
			}
		}
		im.addWay(id, refs, w.Tags)
	}

	for _, id := range slices.Sorted(maps.Keys(res.Relations)) {
		rel := res.Relations[id]
		if rel == nil {
			continue
		}
		members := make([]geodata.Member, 0, len(rel.Members))
		for _, m := range rel.Members {
			switch {
			case m.Type == "node" && m.Node != nil:
				members = append(members, geodata.Member{Type: geodata.MemberNode, Ref: m.Node.ID})
			case m.Type == "way" && m.Way != nil:
				members = append(members, geodata.Member{Type: geodata.MemberWay, Ref: m.Way.ID})
			}
		}
		im.addRelation(id, members, rel.Tags)
	}
}
