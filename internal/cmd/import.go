package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/cascademap/internal/geodata"
	"github.com/MeKo-Tech/cascademap/internal/importer"
	"github.com/MeKo-Tech/cascademap/internal/tile"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Import OSM data into a geodata file",
	Long: `Import reads an OSM PBF extract, an Overpass JSON response, or queries the
Overpass API for a bounding box, and writes the tile-bucketed geodata file
used by serve and render.`,
	RunE: runImport,
}

func init() {
	rootCmd.AddCommand(importCmd)

	importCmd.Flags().StringSliceP("input", "i", nil, "Input files (.osm.pbf or Overpass .json); may be repeated")
	importCmd.Flags().String("bbox", "", "Query Overpass for minLon,minLat,maxLon,maxLat instead of reading files")
	importCmd.Flags().String("overpass-url", importer.DefaultOverpassURL, "Overpass API endpoint")
	importCmd.Flags().StringP("output", "o", "map.geodata", "Output geodata file")
	importCmd.Flags().Int("base-zoom", geodata.DefaultBaseZoom, "Zoom level of the storage buckets")
	importCmd.Flags().String("keep-tags", "", "Only keep these tag keys (comma-separated, empty keeps all)")

	bindFlags(importCmd, "import", []string{"input", "bbox", "overpass-url", "output", "base-zoom", "keep-tags"})
}

func runImport(cmd *cobra.Command, args []string) error {
	inputs := viper.GetStringSlice("import.input")
	bboxStr := viper.GetString("import.bbox")
	output := viper.GetString("import.output")
	baseZoom := viper.GetInt("import.base_zoom")

	if len(inputs) == 0 && bboxStr == "" {
		return fmt.Errorf("either --input or --bbox is required")
	}
	if len(inputs) > 0 && bboxStr != "" {
		return fmt.Errorf("--input and --bbox are mutually exclusive")
	}
	if baseZoom < 0 || baseZoom > tile.MaxZoom {
		return fmt.Errorf("--base-zoom must be within [0,%d]", tile.MaxZoom)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := geodata.NewBuilder(uint32(baseZoom))
	b.Logger = logger
	im := importer.New(b, importer.Options{
		KeepTags: splitList(viper.GetString("import.keep_tags")),
		Logger:   logger,
	})

	if bboxStr != "" {
		bbox, err := tile.ParseBBox(bboxStr)
		if err != nil {
			return err
		}
		if err := im.FromOverpass(ctx, viper.GetString("import.overpass_url"), bbox); err != nil {
			return err
		}
	}
	for _, path := range inputs {
		logger.Info("Importing", "input", path)
		if err := im.FromFile(ctx, path); err != nil {
			return fmt.Errorf("failed to import %s: %w", path, err)
		}
	}

	c, err := b.Build()
	if err != nil {
		return fmt.Errorf("failed to build geodata: %w", err)
	}
	if err := geodata.WriteFile(output, c); err != nil {
		return err
	}

	size := "unknown size"
	if info, err := os.Stat(output); err == nil {
		size = humanize.Bytes(uint64(info.Size()))
	}
	logger.Info("Geodata written",
		"output", output,
		"size", size,
		"base_zoom", baseZoom,
		"tiles", len(c.Tiles),
		"nodes", len(c.Nodes),
		"ways", len(c.Ways),
		"relations", len(c.Relations),
	)
	return nil
}
