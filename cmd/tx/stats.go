package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show row counts and status breakdowns for the workspace store",
	Args:  noArgs,
	RunE:  showStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func showStats(cmd *cobra.Command, args []string) error {
	k, err := openKernel()
	if err != nil {
		return err
	}
	defer k.Close()

	stats, err := k.Store.Stats(cmd.Context())
	if err != nil {
		return err
	}

	out := struct {
		Database      string           `json:"database"`
		SchemaVersion int              `json:"schemaVersion"`
		FTS           bool             `json:"fts"`
		VectorIndex   bool             `json:"vectorIndex"`
		Counts        map[string]int64 `json:"counts"`
	}{
		Database:      k.Store.Path(),
		SchemaVersion: k.Store.SchemaVersion(),
		FTS:           k.Store.HasFTS(),
		VectorIndex:   k.Store.HasVectorIndex(),
		Counts:        stats,
	}

	return emit(out, func(w io.Writer) {
		fmt.Fprintf(w, "database:       %s\n", out.Database)
		fmt.Fprintf(w, "schema version: %d\n", out.SchemaVersion)
		fmt.Fprintf(w, "fts5:           %v\n", out.FTS)
		fmt.Fprintf(w, "vector index:   %v\n", out.VectorIndex)

		keys := make([]string, 0, len(stats))
		for name := range stats {
			keys = append(keys, name)
		}
		sort.Strings(keys)
		for _, key := range keys {
			fmt.Fprintf(w, "%-22s %d\n", key, stats[key])
		}
	})
}
