package cmd

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/cascademap/internal/coordinator"
	"github.com/MeKo-Tech/cascademap/internal/geodata"
	"github.com/MeKo-Tech/cascademap/internal/mapcss"
	"github.com/MeKo-Tech/cascademap/internal/mbtiles"
	"github.com/MeKo-Tech/cascademap/internal/render"
	"github.com/MeKo-Tech/cascademap/internal/tile"
)

// engineConfig is the part of serve and render that loads data and styles.
type engineConfig struct {
	Geodata    string
	Style      string
	Flavor     string
	FontScale  float64
	PaperNoise float64
	Seed       int64
	// LabelOverlap is the covered fraction of a label box that still lets
	// it be placed.
	LabelOverlap float64
}

// engineConfigFor reads the engine keys under a command prefix.
func engineConfigFor(prefix string) engineConfig {
	return engineConfig{
		Geodata:      viper.GetString(prefix + ".geodata"),
		Style:        viper.GetString(prefix + ".style"),
		Flavor:       viper.GetString(prefix + ".flavor"),
		FontScale:    viper.GetFloat64(prefix + ".font_scale"),
		PaperNoise:   viper.GetFloat64(prefix + ".paper_noise"),
		Seed:         viper.GetInt64(prefix + ".seed"),
		LabelOverlap: viper.GetFloat64(prefix + ".label_overlap"),
	}
}

// addEngineFlags registers the flags shared by serve and render and returns
// their names for bindFlags.
func addEngineFlags(cmd *cobra.Command) []string {
	cmd.Flags().String("geodata", "", "Geodata file produced by 'cascademap import' (required)")
	cmd.Flags().String("style", "", "MapCSS stylesheet (required)")
	cmd.Flags().String("flavor", "josm", "Stylesheet flavor (josm, mapsme)")
	cmd.Flags().Float64("font-scale", 1, "Multiplier for every font size")
	cmd.Flags().Float64("paper-noise", 0, "Strength of the paper texture on the canvas (0 disables it)")
	cmd.Flags().Int64("seed", 1337, "Seed for the paper texture")
	cmd.Flags().Float64("label-overlap", 0, "Fraction of a label that may overlap earlier labels (0 allows none)")
	return []string{"geodata", "style", "flavor", "font-scale", "paper-noise", "seed", "label-overlap"}
}

type engine struct {
	store    *geodata.Store
	renderer *render.Renderer
}

func (e *engine) Close() error {
	if e.store == nil {
		return nil
	}
	return e.store.Close()
}

// loadEngine opens the store and compiles the stylesheet. Both failures are
// fatal at startup.
func loadEngine(cfg engineConfig) (*engine, error) {
	if cfg.Geodata == "" {
		return nil, fmt.Errorf("--geodata is required")
	}
	if cfg.Style == "" {
		return nil, fmt.Errorf("--style is required")
	}
	if cfg.LabelOverlap < 0 || cfg.LabelOverlap > 1 {
		return nil, fmt.Errorf("--label-overlap must be within [0,1], got %g", cfg.LabelOverlap)
	}
	flavor, err := mapcss.ParseFlavor(cfg.Flavor)
	if err != nil {
		return nil, err
	}

	sheet, err := mapcss.ParseFile(cfg.Style)
	if err != nil {
		return nil, fmt.Errorf("failed to load stylesheet: %w", err)
	}
	logger.Info("Stylesheet loaded", "path", cfg.Style, "rules", len(sheet.Rules), "flavor", flavor.String())

	store, err := geodata.Open(cfg.Geodata, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to load geodata: %w", err)
	}

	styles := mapcss.NewCache(sheet, mapcss.StyleOptions{Flavor: flavor, FontScale: cfg.FontScale, Logger: logger})
	r, err := render.New(styles, render.Options{
		OverlapThreshold: cfg.LabelOverlap,
		PaperNoise:       cfg.PaperNoise,
		PaperSeed:        cfg.Seed,
		Logger:           logger,
	})
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("failed to init renderer: %w", err)
	}
	return &engine{store: store, renderer: r}, nil
}

// openArchives opens one archive per density under path.
func openArchives(path string, densities []tile.Density, meta mbtiles.Metadata) (map[tile.Density]*mbtiles.Archive, error) {
	out := make(map[tile.Density]*mbtiles.Archive, len(densities))
	for _, d := range densities {
		a, err := mbtiles.OpenArchive(mbtiles.DensityPath(path, d), meta)
		if err != nil {
			_ = closeArchives(out)
			return nil, fmt.Errorf("failed to open archive: %w", err)
		}
		out[d] = a
	}
	return out, nil
}

func closeArchives(archives map[tile.Density]*mbtiles.Archive) error {
	var first error
	for _, a := range archives {
		if err := a.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func coordinatorArchives(archives map[tile.Density]*mbtiles.Archive) map[tile.Density]coordinator.Archive {
	if len(archives) == 0 {
		return nil
	}
	out := make(map[tile.Density]coordinator.Archive, len(archives))
	for d, a := range archives {
		out[d] = a
	}
	return out
}

// parseIDs parses a comma-separated list of OSM ids. An empty string yields
// a nil set, which renders everything.
func parseIDs(s string) (map[int64]struct{}, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil, nil
	}
	ids := make(map[int64]struct{})
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid id %q: %w", part, err)
		}
		ids[id] = struct{}{}
	}
	return ids, nil
}

// splitList parses a comma-separated list, dropping blanks.
func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
