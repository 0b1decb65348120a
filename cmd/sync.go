package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/opendata-ee/ariregister/internal/archive"
	"github.com/opendata-ee/ariregister/internal/fetch"
	"github.com/opendata-ee/ariregister/internal/merge"
	"github.com/opendata-ee/ariregister/internal/source"
)

var forceMerge bool

func init() {
	mergeCmd.Flags().BoolVar(&forceMerge, "force", false, "Reprocess every source file and rebuild derived data")
	syncCmd.Flags().BoolVar(&forceMerge, "force", false, "Reprocess every source file and rebuild derived data")
	rootCmd.AddCommand(downloadCmd, mergeCmd, syncCmd)
}

var downloadCmd = &cobra.Command{
	Use:   "download",
	Short: "Download the published source archives",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		changed := runDownload(cmd)
		if changed {
			fmt.Println("Download complete, sources changed.")
		} else {
			fmt.Println("Download complete, everything up to date.")
		}
		return nil
	},
}

var mergeCmd = &cobra.Command{
	Use:   "merge",
	Short: "Merge downloaded sources into the store",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runMerge(cmd)
	},
}

var syncCmd = &cobra.Command{
	Use:   "sync",
	Short: "Download and merge in one pass",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		changed := runDownload(cmd)
		if !changed && !forceMerge {
			fmt.Println("Sources unchanged, nothing to merge.")
			return nil
		}
		return runMerge(cmd)
	},
}

func runDownload(cmd *cobra.Command) bool {
	items := make([]fetch.Item, 0, len(source.All))
	for _, src := range source.All {
		items = append(items, fetch.Item{
			File: src.File,
			Dest: filepath.Join(cfg.ArchiveDir(), src.File),
		})
	}
	fmt.Printf("Downloading %d sources to %s...\n", len(items), cfg.ArchiveDir())
	return fetch.New(cfg.BaseURL).Run(cmd.Context(), items)
}

func runMerge(cmd *cobra.Command) error {
	var archives []string
	for _, src := range source.All {
		path := filepath.Join(cfg.ArchiveDir(), src.File)
		if _, err := os.Stat(path); err == nil {
			archives = append(archives, path)
		}
	}
	if len(archives) == 0 {
		return fmt.Errorf("no downloaded sources in %s, run 'download' first", cfg.ArchiveDir())
	}

	fmt.Println("Unpacking...")
	payloads := archive.ExtractAll(archives, cfg.ScratchDir())

	st, err := openStore()
	if err != nil {
		return err
	}
	defer func() { _ = st.Close() }() // safe to ignore

	eng := merge.New(st)
	eng.BatchSize = cfg.BatchSize
	fmt.Println("Merging (streaming)...")
	if err := eng.Run(cmd.Context(), payloads, forceMerge); err != nil {
		return err
	}

	if err := os.RemoveAll(cfg.ScratchDir()); err != nil {
		return fmt.Errorf("clean scratch dir: %w", err)
	}
	fmt.Println("Merge complete.")
	return nil
}
