package cmd

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"

	"github.com/opendata-ee/ariregister/internal/enrich"
	"github.com/opendata-ee/ariregister/internal/store"
)

func init() {
	rootCmd.AddCommand(enrichCmd, statsCmd)
}

var enrichCmd = &cobra.Command{
	Use:   "enrich [codes...]",
	Short: "Attach externally produced documents to entities",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		var codes []int64
		for _, arg := range args {
			code, err := strconv.ParseInt(arg, 10, 64)
			if err != nil {
				fmt.Printf("Invalid code: %s\n", arg)
				continue
			}
			codes = append(codes, code)
		}
		if len(codes) == 0 {
			return fmt.Errorf("no valid registry codes given")
		}

		// Enrichment updates every backend that exists, so the chunk
		// files stay consistent with the database.
		var stores []store.Store
		if dbSelected() {
			db, err := store.OpenSQLite(cfg.DBPath())
			if err != nil {
				return err
			}
			stores = append(stores, db)
		}
		if _, err := os.Stat(cfg.ChunksDir()); err == nil {
			ch, err := openChunks()
			if err != nil {
				return err
			}
			stores = append(stores, ch)
		}
		if len(stores) == 0 {
			return fmt.Errorf("no store found in %s, run 'sync' first", cfg.DataDir)
		}
		defer func() {
			for _, st := range stores {
				_ = st.Close() // safe to ignore
			}
		}()

		runner := &enrich.Runner{
			Producer: &enrich.HTTPProducer{URLTemplate: cfg.EnrichURL},
			Stores:   stores,
			Pause:    time.Duration(cfg.EnrichPause) * time.Millisecond,
		}
		fmt.Printf("Enriching %d entities...\n", len(codes))
		n := runner.Run(cmd.Context(), codes)
		fmt.Printf("Enriched %d of %d.\n", n, len(codes))
		return nil
	},
}

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Store totals",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := openStore()
		if err != nil {
			return err
		}
		defer func() { _ = st.Close() }() // safe to ignore

		stats, err := st.Stats(cmd.Context())
		if err != nil {
			return err
		}
		pct := 0.0
		if stats.Total > 0 {
			pct = float64(stats.Enriched) / float64(stats.Total) * 100
		}
		fmt.Printf("Total entities: %d\n", stats.Total)
		fmt.Printf("Enriched:       %d (%.2f%%)\n", stats.Enriched, pct)
		return nil
	},
}
