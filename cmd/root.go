// Package cmd wires the registry pipeline into a CLI.
package cmd

import (
	"fmt"
	"os"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/spf13/cobra"

	"github.com/opendata-ee/ariregister/internal/config"
	"github.com/opendata-ee/ariregister/internal/store"
)

var (
	cfgPath string
	useDB   bool
	cfg     config.Config
)

var rootCmd = &cobra.Command{
	Use:   "ariregister",
	Short: "Download, merge and query Estonian Business Registry open data",
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = config.Load(cfgPath)
		if err != nil {
			return err
		}
		if useDB {
			cfg.UseDB = true
		}
		return os.MkdirAll(cfg.DataDir, 0o755)
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgPath, "config", "ariregister.hcl", "Path to HCL config file")
	rootCmd.PersistentFlags().BoolVar(&useDB, "use-db", false, "Use the SQLite database backend")
}

// dbSelected reports whether the SQLite backend is in play: either
// requested explicitly or already present on disk.
func dbSelected() bool {
	if cfg.UseDB {
		return true
	}
	_, err := os.Stat(cfg.DBPath())
	return err == nil
}

// openStore opens the primary backend: SQLite when selected, the
// chunk files otherwise.
func openStore() (store.Store, error) {
	if dbSelected() {
		return store.OpenSQLite(cfg.DBPath())
	}
	return openChunks()
}

func openChunks() (*store.Chunks, error) {
	if err := os.MkdirAll(cfg.ChunksDir(), 0o755); err != nil {
		return nil, fmt.Errorf("create chunks dir: %w", err)
	}
	return store.NewChunks(osfs.New(cfg.ChunksDir()), cfg.ChunkSize), nil
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
