package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/cascademap/internal/coordinator"
	"github.com/MeKo-Tech/cascademap/internal/mbtiles"
	"github.com/MeKo-Tech/cascademap/internal/tile"
	"github.com/MeKo-Tech/cascademap/internal/worker"
)

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Prerender tiles for a bounding box",
	Long: `Render every tile of a bounding box across a zoom range into an MBTiles
archive or a folder of PNG files. Tiles already present are kept unless --force
is given, so interrupted runs can be resumed.`,
	RunE: runRender,
}

func init() {
	rootCmd.AddCommand(renderCmd)

	flags := addEngineFlags(renderCmd)
	renderCmd.Flags().String("bbox", "", "Bounding box: minLon,minLat,maxLon,maxLat (e.g., \"9.7,52.3,9.9,52.4\")")
	renderCmd.Flags().Int("zoom-min", 0, "Minimum zoom level")
	renderCmd.Flags().Int("zoom-max", 0, "Maximum zoom level")
	renderCmd.Flags().StringP("output", "o", "tiles.mbtiles", "Output MBTiles file or directory")
	renderCmd.Flags().String("format", "mbtiles", "Output format: mbtiles or folder")
	renderCmd.Flags().String("folder-structure", layoutNested, "Folder structure: nested ({z}/{x}/{y}.png) or flat (z{z}_x{x}_y{y}.png)")
	renderCmd.Flags().IntP("workers", "w", 0, "Number of parallel workers (default: number of CPUs)")
	renderCmd.Flags().Bool("hidpi", false, "Also render @2x tiles")
	renderCmd.Flags().Bool("progress", true, "Show progress bar")
	renderCmd.Flags().Bool("allow-failures", false, "Exit successfully even if some tiles fail")
	renderCmd.Flags().Bool("force", false, "Render tiles that already exist in the output")
	renderCmd.Flags().String("png-compression", "default", "PNG compression (default, speed, best, none)")
	renderCmd.Flags().String("ids", "", "Only render these OSM ids (comma-separated)")
	renderCmd.Flags().String("name", "cascademap", "Tileset name stored in MBTiles metadata")
	renderCmd.Flags().String("attribution", "© OpenStreetMap contributors", "Attribution stored in MBTiles metadata")

	bindFlags(renderCmd, "render", append(flags,
		"bbox", "zoom-min", "zoom-max", "output", "format", "folder-structure", "workers", "hidpi",
		"progress", "allow-failures", "force", "png-compression", "ids", "name", "attribution"))
}

// renderTasks lists every tile of bbox in [zoomMin, zoomMax] for each
// density, base tiles first.
func renderTasks(bbox [4]float64, zoomMin, zoomMax int, densities []tile.Density) []worker.Task {
	coords := tile.TilesInBBox(bbox, zoomMin, zoomMax)
	tasks := make([]worker.Task, 0, len(coords)*len(densities))
	for _, d := range densities {
		for _, c := range coords {
			tasks = append(tasks, worker.Task{Coords: c, Density: d})
		}
	}
	return tasks
}

func runRender(cmd *cobra.Command, args []string) error {
	bboxStr := viper.GetString("render.bbox")
	zoomMin := viper.GetInt("render.zoom_min")
	zoomMax := viper.GetInt("render.zoom_max")
	output := viper.GetString("render.output")
	format := viper.GetString("render.format")
	workers := viper.GetInt("render.workers")
	force := viper.GetBool("render.force")

	if bboxStr == "" {
		return fmt.Errorf("--bbox is required")
	}
	bbox, err := tile.ParseBBox(bboxStr)
	if err != nil {
		return err
	}
	if zoomMin < 0 || zoomMax > tile.MaxZoom || zoomMin > zoomMax {
		return fmt.Errorf("invalid zoom range %d-%d: need 0 <= zoom-min <= zoom-max <= %d", zoomMin, zoomMax, tile.MaxZoom)
	}
	if format != "mbtiles" && format != "folder" {
		return fmt.Errorf("invalid format %q: must be 'mbtiles' or 'folder'", format)
	}
	if workers <= 0 {
		workers = runtime.NumCPU()
	}
	ids, err := parseIDs(viper.GetString("render.ids"))
	if err != nil {
		return err
	}
	compression, err := coordinator.ParseCompression(viper.GetString("render.png_compression"))
	if err != nil {
		return err
	}

	densities := []tile.Density{tile.Density1x}
	if viper.GetBool("render.hidpi") {
		densities = append(densities, tile.Density2x)
	}

	eng, err := loadEngine(engineConfigFor("render"))
	if err != nil {
		return err
	}
	defer eng.Close()

	archives := make(map[tile.Density]coordinator.Archive, len(densities))
	switch format {
	case "mbtiles":
		meta := mbtiles.Metadata{
			Name:        viper.GetString("render.name"),
			Format:      "png",
			Attribution: viper.GetString("render.attribution"),
			Description: fmt.Sprintf("%s styled with %s", filepath.Base(viper.GetString("render.geodata")), filepath.Base(viper.GetString("render.style"))),
			Type:        "baselayer",
			Version:     "1.0",
			MinZoom:     zoomMin,
			MaxZoom:     zoomMax,
			Bounds:      bbox,
			Center:      [3]float64{(bbox[0] + bbox[2]) / 2, (bbox[1] + bbox[3]) / 2, float64((zoomMin + zoomMax) / 2)},
		}
		opened, err := openArchives(output, densities, meta)
		if err != nil {
			return err
		}
		defer func() {
			if err := closeArchives(opened); err != nil {
				logger.Error("Failed to close archive", "error", err)
			}
		}()
		for d, a := range opened {
			archives[d] = a
		}
	case "folder":
		for _, d := range densities {
			f, err := newTileFolder(output, viper.GetString("render.folder_structure"), d)
			if err != nil {
				return err
			}
			archives[d] = f
		}
	}
	if force {
		for d, a := range archives {
			archives[d] = writeOnly{a}
		}
	}

	coord := coordinator.New(eng.store, eng.renderer, coordinator.Options{
		MaxConcurrent:  workers,
		PNGCompression: compression,
		Archives:       archives,
		IDFilter:       ids,
		Logger:         logger,
	})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	tasks := renderTasks(bbox, zoomMin, zoomMax, densities)
	logger.Info("Starting batch render",
		"bbox", bboxStr,
		"zoom_range", fmt.Sprintf("%d-%d", zoomMin, zoomMax),
		"tiles", len(tasks),
		"workers", workers,
		"output", output,
		"format", format,
	)

	progress := worker.NewProgress(len(tasks), viper.GetBool("render.progress"))
	summary, err := coord.Prerender(ctx, tasks, workers, progress.Callback(), progress.Record)
	progress.Done()
	logger.Info(progress.Summary())
	if err != nil {
		return err
	}

	for tileKey, tileErr := range summary.Errors {
		logger.Error("Tile render failed", "tile", tileKey, "error", tileErr)
	}
	if summary.Failed > 0 {
		if viper.GetBool("render.allow_failures") {
			logger.Warn("Some tiles failed to render, but continuing due to --allow-failures flag", "failed_count", summary.Failed)
		} else {
			return fmt.Errorf("%d tiles failed to render", summary.Failed)
		}
	}
	return nil
}
