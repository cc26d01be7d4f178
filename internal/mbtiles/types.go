// Package mbtiles stores rendered tiles in MBTiles (SQLite) archives.
package mbtiles

import (
	"path/filepath"
	"strconv"
	"strings"

	"github.com/MeKo-Tech/cascademap/internal/tile"
)

// Metadata contains MBTiles metadata fields.
type Metadata struct {
	Name        string // Human-readable tileset identifier
	Format      string // Tile data type, always png here
	Attribution string
	Description string
	Type        string // "baselayer" or "overlay"
	Version     string
	Bounds      [4]float64 // minLon, minLat, maxLon, maxLat
	Center      [3]float64 // lon, lat, zoom
	MinZoom     int
	MaxZoom     int
}

// IsZero reports whether no field is set.
func (m Metadata) IsZero() bool { return m == Metadata{} }

// ToMap converts Metadata to name/value rows. Unset fields are omitted.
func (m Metadata) ToMap() map[string]string {
	result := make(map[string]string)
	set := func(k, v string) {
		if v != "" {
			result[k] = v
		}
	}

	set("name", m.Name)
	set("format", m.Format)
	set("attribution", m.Attribution)
	set("description", m.Description)
	set("type", m.Type)
	set("version", m.Version)
	if m.MinZoom > 0 {
		result["minzoom"] = strconv.Itoa(m.MinZoom)
	}
	if m.MaxZoom > 0 {
		result["maxzoom"] = strconv.Itoa(m.MaxZoom)
	}
	if m.Bounds != [4]float64{} {
		result["bounds"] = joinFloats(m.Bounds[:], 6)
	}
	if m.Center != [3]float64{} {
		result["center"] = joinFloats(m.Center[:2], 6) + "," + strconv.Itoa(int(m.Center[2]))
	}
	return result
}

// metadataFromMap is the inverse of ToMap. Malformed numbers are ignored.
func metadataFromMap(rows map[string]string) Metadata {
	m := Metadata{
		Name:        rows["name"],
		Format:      rows["format"],
		Attribution: rows["attribution"],
		Description: rows["description"],
		Type:        rows["type"],
		Version:     rows["version"],
	}
	m.MinZoom, _ = strconv.Atoi(rows["minzoom"])
	m.MaxZoom, _ = strconv.Atoi(rows["maxzoom"])
	splitFloats(rows["bounds"], m.Bounds[:])
	splitFloats(rows["center"], m.Center[:])
	return m
}

func joinFloats(vs []float64, prec int) string {
	parts := make([]string, len(vs))
	for i, v := range vs {
		parts[i] = strconv.FormatFloat(v, 'f', prec, 64)
	}
	return strings.Join(parts, ",")
}

func splitFloats(s string, dst []float64) {
	parts := strings.Split(s, ",")
	if len(parts) != len(dst) {
		return
	}
	for i, p := range parts {
		if f, err := strconv.ParseFloat(strings.TrimSpace(p), 64); err == nil {
			dst[i] = f
		}
	}
}

// DensityPath returns the archive path for density d: tiles.mbtiles for
// 1x and tiles@2x.mbtiles for 2x.
func DensityPath(path string, d tile.Density) string {
	if d == tile.Density1x {
		return path
	}
	ext := filepath.Ext(path)
	return strings.TrimSuffix(path, ext) + d.Suffix() + ext
}
