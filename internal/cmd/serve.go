package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"runtime"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/cascademap/internal/coordinator"
	"github.com/MeKo-Tech/cascademap/internal/mbtiles"
	"github.com/MeKo-Tech/cascademap/internal/server"
	"github.com/MeKo-Tech/cascademap/internal/tile"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve tiles rendered on demand, with a preview map",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	flags := addEngineFlags(serveCmd)
	serveCmd.Flags().String("addr", "127.0.0.1:8080", "Listen address (host:port)")
	serveCmd.Flags().Int("max-concurrent", runtime.NumCPU(), "Max concurrent tile renders (default: number of CPUs)")
	serveCmd.Flags().Int("max-queued", 64, "Renders that may wait for a slot before requests get 503")
	serveCmd.Flags().Int("cache-entries", 4096, "Encoded tiles kept in memory (0 disables the cache)")
	serveCmd.Flags().Duration("cache-max-age", time.Hour, "Cache-Control max-age for served tiles (0 sends no-cache)")
	serveCmd.Flags().String("archive", "", "MBTiles archive used as a second-level cache (tiles.mbtiles and tiles@2x.mbtiles)")
	serveCmd.Flags().Duration("render-timeout", 0, "How long a request waits for its tile; the render continues in the background (0 waits)")
	serveCmd.Flags().String("ids", "", "Only render these OSM ids (comma-separated)")
	serveCmd.Flags().String("png-compression", "default", "PNG compression (default, speed, best, none)")
	serveCmd.Flags().Float64Slice("center", []float64{0, 0}, "Preview map center as lon,lat")
	serveCmd.Flags().Int("zoom", 2, "Preview map zoom")

	bindFlags(serveCmd, "serve", append(flags,
		"addr", "max-concurrent", "max-queued", "cache-entries", "cache-max-age", "archive",
		"render-timeout", "ids", "png-compression", "center", "zoom"))
}

func runServe(cmd *cobra.Command, args []string) error {
	addr := viper.GetString("serve.addr")
	archivePath := viper.GetString("serve.archive")

	ids, err := parseIDs(viper.GetString("serve.ids"))
	if err != nil {
		return err
	}
	compression, err := coordinator.ParseCompression(viper.GetString("serve.png_compression"))
	if err != nil {
		return err
	}
	center := viper.GetFloat64Slice("serve.center")
	if len(center) != 2 {
		return fmt.Errorf("--center needs lon,lat, got %v", center)
	}

	eng, err := loadEngine(engineConfigFor("serve"))
	if err != nil {
		return err
	}
	defer eng.Close()

	var archives map[tile.Density]*mbtiles.Archive
	if archivePath != "" {
		archives, err = openArchives(archivePath, []tile.Density{tile.Density1x, tile.Density2x}, mbtiles.Metadata{})
		if err != nil {
			return err
		}
		defer closeArchives(archives)
	}

	coord := coordinator.New(eng.store, eng.renderer, coordinator.Options{
		MaxConcurrent:  viper.GetInt("serve.max_concurrent"),
		MaxQueued:      viper.GetInt("serve.max_queued"),
		CacheEntries:   viper.GetInt("serve.cache_entries"),
		PNGCompression: compression,
		Archives:       coordinatorArchives(archives),
		IDFilter:       ids,
		Logger:         logger,
	})

	srv := server.New(coord, eng.store, server.Config{
		CacheMaxAge: viper.GetDuration("serve.cache_max_age"),
		WaitTimeout: viper.GetDuration("serve.render_timeout"),
		Center:      [2]float64{center[0], center[1]},
		Zoom:        viper.GetInt("serve.zoom"),
	}, logger)

	httpServer := &http.Server{Addr: addr, Handler: srv.Handler(), ReadHeaderTimeout: 5 * time.Second}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("Tile server listening",
			"addr", addr,
			"max_concurrent", viper.GetInt("serve.max_concurrent"),
			"max_queued", viper.GetInt("serve.max_queued"),
			"archive", archivePath,
		)
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("failed to serve: %w", err)
	case <-ctx.Done():
		logger.Info("Shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("failed to shut down: %w", err)
		}
		return nil
	}
}
