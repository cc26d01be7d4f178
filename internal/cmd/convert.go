package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/cascademap/internal/mbtiles"
	"github.com/MeKo-Tech/cascademap/internal/tile"
)

var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Pack a folder of rendered tiles into MBTiles",
	Long: `Convert a tile folder written by 'render --format folder' into MBTiles
archives. @2x tiles go to a sibling archive named like tiles@2x.mbtiles.`,
	RunE: runConvert,
}

func init() {
	rootCmd.AddCommand(convertCmd)

	convertCmd.Flags().String("input-dir", "./tiles", "Input directory containing tiles")
	convertCmd.Flags().StringP("output", "o", "", "Output MBTiles file path (required)")
	convertCmd.Flags().String("name", "cascademap", "Tileset name")
	convertCmd.Flags().String("description", "", "Tileset description")
	convertCmd.Flags().String("attribution", "© OpenStreetMap contributors", "Attribution text")
	convertCmd.Flags().String("bounds", "", "Bounding box: minLon,minLat,maxLon,maxLat (optional)")

	bindFlags(convertCmd, "convert", []string{"input-dir", "output", "name", "description", "attribution", "bounds"})
}

func runConvert(cmd *cobra.Command, args []string) error {
	inputDir := viper.GetString("convert.input_dir")
	outputFile := viper.GetString("convert.output")
	boundsStr := viper.GetString("convert.bounds")

	if outputFile == "" {
		return fmt.Errorf("--output is required")
	}
	if _, err := os.Stat(inputDir); err != nil {
		return fmt.Errorf("input directory does not exist: %s", inputDir)
	}

	logger.Info("Converting folder tiles to MBTiles", "input_dir", inputDir, "output", outputFile)

	tiles, minZoom, maxZoom, err := scanTilesDirectory(inputDir)
	if err != nil {
		return fmt.Errorf("failed to scan tiles directory: %w", err)
	}
	if len(tiles) == 0 {
		return fmt.Errorf("no tiles found in %s", inputDir)
	}
	logger.Info("Found tiles", "count", len(tiles), "min_zoom", minZoom, "max_zoom", maxZoom)

	var bounds [4]float64
	if boundsStr != "" {
		if bounds, err = tile.ParseBBox(boundsStr); err != nil {
			return fmt.Errorf("invalid bounds: %w", err)
		}
	}

	meta := mbtiles.Metadata{
		Name:        viper.GetString("convert.name"),
		Format:      "png",
		MinZoom:     minZoom,
		MaxZoom:     maxZoom,
		Bounds:      bounds,
		Attribution: viper.GetString("convert.attribution"),
		Description: viper.GetString("convert.description"),
		Type:        "baselayer",
		Version:     "1.0",
	}
	if boundsStr != "" {
		meta.Center = [3]float64{(bounds[0] + bounds[2]) / 2, (bounds[1] + bounds[3]) / 2, float64((minZoom + maxZoom) / 2)}
	}

	densities := []tile.Density{tile.Density1x}
	for _, t := range tiles {
		if t.density == tile.Density2x {
			densities = append(densities, tile.Density2x)
			break
		}
	}
	archives, err := openArchives(outputFile, densities, meta)
	if err != nil {
		return err
	}

	converted := 0
	for i, t := range tiles {
		data, err := os.ReadFile(t.path)
		if err != nil {
			logger.Error("Failed to read tile", "path", t.path, "error", err)
			continue
		}
		if err := archives[t.density].Write(t.z, t.x, t.y, data); err != nil {
			logger.Error("Failed to write tile", "coords", fmt.Sprintf("%d/%d/%d%s", t.z, t.x, t.y, t.density.Suffix()), "error", err)
			continue
		}
		converted++

		if (i+1)%1000 == 0 {
			logger.Info("Progress", "converted", i+1, "total", len(tiles))
		}
	}

	if err := closeArchives(archives); err != nil {
		return fmt.Errorf("failed to flush tiles: %w", err)
	}

	logger.Info("Conversion complete", "output", outputFile, "tiles", converted)
	return nil
}

type tileInfo struct {
	z, x, y int
	density tile.Density
	path    string
}

var (
	// z{zoom}_x{x}_y{y}.png or z{zoom}_x{x}_y{y}@2x.png
	flatTilePattern = regexp.MustCompile(`^z(\d+)_x(\d+)_y(\d+)(@2x)?\.png$`)
	// {zoom}/{x}/{y}.png or {zoom}/{x}/{y}@2x.png
	nestedTilePattern = regexp.MustCompile(`(?:^|/)(\d+)/(\d+)/(\d+)(@2x)?\.png$`)
)

// scanTilesDirectory finds tiles stored in either folder layout.
func scanTilesDirectory(dir string) ([]tileInfo, int, int, error) {
	var tiles []tileInfo
	minZoom := tile.MaxZoom
	maxZoom := 0

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}

		matches := flatTilePattern.FindStringSubmatch(d.Name())
		if matches == nil {
			rel, err := filepath.Rel(dir, path)
			if err != nil {
				return nil
			}
			matches = nestedTilePattern.FindStringSubmatch(filepath.ToSlash(rel))
		}
		if matches == nil {
			return nil
		}

		z, _ := strconv.Atoi(matches[1])
		x, _ := strconv.Atoi(matches[2])
		y, _ := strconv.Atoi(matches[3])
		if !tile.NewCoords(uint32(z), uint32(x), uint32(y)).Valid() {
			return nil
		}
		density := tile.Density1x
		if matches[4] != "" {
			density = tile.Density2x
		}

		tiles = append(tiles, tileInfo{z: z, x: x, y: y, density: density, path: path})
		minZoom = min(minZoom, z)
		maxZoom = max(maxZoom, z)
		return nil
	})
	if err != nil {
		return nil, 0, 0, err
	}

	if len(tiles) == 0 {
		minZoom = 0
		maxZoom = 0
	}
	return tiles, minZoom, maxZoom, nil
}
