package cmd

import (
	"cmp"
	"fmt"
	"io"
	"maps"
	"os"
	"slices"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/MeKo-Tech/cascademap/internal/geodata"
	"github.com/MeKo-Tech/cascademap/internal/mbtiles"
	"github.com/MeKo-Tech/cascademap/internal/tile"
)

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print statistics of a geodata file or MBTiles archive",
	RunE:  runInspect,
}

func init() {
	rootCmd.AddCommand(inspectCmd)

	inspectCmd.Flags().String("geodata", "", "Geodata file to inspect")
	inspectCmd.Flags().String("tile", "", "Also list the buckets a request tile z/x/y reads")
	inspectCmd.Flags().String("archive", "", "MBTiles archive to inspect")
	inspectCmd.Flags().Int("top", 10, "Number of most frequent tag keys to list")

	bindFlags(inspectCmd, "inspect", []string{"geodata", "tile", "archive", "top"})
}

func runInspect(cmd *cobra.Command, args []string) error {
	path := viper.GetString("inspect.geodata")
	archive := viper.GetString("inspect.archive")
	if path == "" && archive == "" {
		return fmt.Errorf("--geodata or --archive is required")
	}
	out := cmd.OutOrStdout()

	if path != "" {
		store, err := geodata.Open(path, logger)
		if err != nil {
			return err
		}
		defer store.Close()

		printStoreStats(out, store.Stats())
		if t := viper.GetString("inspect.tile"); t != "" {
			c, err := tile.ParseCoords(t)
			if err != nil {
				return err
			}
			if err := printTile(out, store, c, viper.GetInt("inspect.top")); err != nil {
				return err
			}
		}
	}

	if archive != "" {
		if err := printArchive(out, archive); err != nil {
			return err
		}
	}
	return nil
}

func printStoreStats(w io.Writer, st geodata.Stats) {
	fmt.Fprintf(w, "Geodata\n")
	fmt.Fprintf(w, "  size:       %s\n", humanize.Bytes(uint64(st.Bytes)))
	fmt.Fprintf(w, "  base zoom:  %d\n", st.BaseZoom)
	fmt.Fprintf(w, "  buckets:    %s\n", humanize.Comma(int64(st.Tiles)))
	fmt.Fprintf(w, "  nodes:      %s\n", humanize.Comma(int64(st.Nodes)))
	fmt.Fprintf(w, "  ways:       %s\n", humanize.Comma(int64(st.Ways)))
	fmt.Fprintf(w, "  relations:  %s\n", humanize.Comma(int64(st.Relations)))
	fmt.Fprintf(w, "  strings:    %s\n", humanize.Comma(int64(st.Strings)))
}

// printTile lists the buckets behind request tile c and the most common
// tag keys among their features.
func printTile(w io.Writer, store *geodata.Store, c tile.Coords, top int) error {
	r := tile.BaseRange(c, uint32(store.BaseZoom()), 0)
	ids := store.TilesIn(r)
	fmt.Fprintf(w, "\nTile %s reads %d of %d buckets\n", c, len(ids), r.Count())

	var parts []geodata.Contents
	for _, id := range ids {
		contents, err := store.TileContents(id)
		if err != nil {
			return fmt.Errorf("failed to read bucket %s: %w", tile.Unpack(id), err)
		}
		fmt.Fprintf(w, "  %-16s %6d nodes %6d ways %6d relations\n",
			tile.Unpack(id), len(contents.Nodes), len(contents.Ways), len(contents.Relations))
		parts = append(parts, contents)
	}
	if len(parts) == 0 {
		return nil
	}

	merged := geodata.Merge(parts...)
	keys := make(map[string]int)
	count := func(tags geodata.Tags) {
		for _, t := range tags {
			keys[t.Key]++
		}
	}
	for _, n := range merged.Nodes {
		count(n.Tags)
	}
	for _, wy := range merged.Ways {
		count(wy.Tags)
	}
	for _, rel := range merged.Relations {
		count(rel.Tags)
	}

	sorted := slices.SortedFunc(maps.Keys(keys), func(a, b string) int {
		return cmp.Or(cmp.Compare(keys[b], keys[a]), cmp.Compare(a, b))
	})
	if top > 0 && len(sorted) > top {
		sorted = sorted[:top]
	}
	fmt.Fprintf(w, "Top tag keys\n")
	for _, k := range sorted {
		fmt.Fprintf(w, "  %-20s %d\n", k, keys[k])
	}
	return nil
}

func printArchive(w io.Writer, path string) error {
	if _, err := os.Stat(path); err != nil {
		return fmt.Errorf("failed to open archive: %w", err)
	}
	a, err := mbtiles.OpenArchive(path, mbtiles.Metadata{})
	if err != nil {
		return err
	}
	defer a.Close()

	meta, err := a.Metadata()
	if err != nil {
		return err
	}
	n, err := a.Count()
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "Archive %s\n", path)
	fmt.Fprintf(w, "  tiles:   %s\n", humanize.Comma(int64(n)))
	rows := meta.ToMap()
	for _, k := range slices.Sorted(maps.Keys(rows)) {
		fmt.Fprintf(w, "  %-12s %s\n", k+":", rows[k])
	}
	return nil
}
