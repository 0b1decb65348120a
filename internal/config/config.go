// Package config loads the tool's HCL configuration file.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/hclsimple"
)

// Config holds the tunables. Every field has a working default; the
// file only overrides.
type Config struct {
	DataDir     string `hcl:"data_dir,optional"`
	BaseURL     string `hcl:"base_url,optional"`
	EnrichURL   string `hcl:"enrich_url,optional"`
	ChunkSize   int    `hcl:"chunk_size,optional"`
	BatchSize   int    `hcl:"batch_size,optional"`
	EnrichPause int    `hcl:"enrich_pause_ms,optional"`
	UseDB       bool   `hcl:"use_db,optional"`
}

// Default returns the built-in configuration.
func Default() Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return Config{
		DataDir:     filepath.Join(home, ".ariregister"),
		BaseURL:     "https://avaandmed.ariregister.rik.ee/sites/default/files/avaandmed/",
		EnrichURL:   "https://ariregister.rik.ee/est/api/company/{code}/registry_card",
		ChunkSize:   50000,
		BatchSize:   50000,
		EnrichPause: 1000,
	}
}

// Load reads path over the defaults. A missing file is not an error;
// an unreadable or invalid one is.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if err := hclsimple.DecodeFile(path, nil, &cfg); err != nil {
		return Config{}, fmt.Errorf("load config %s: %w", path, err)
	}
	if cfg.ChunkSize <= 0 || cfg.BatchSize <= 0 {
		return Config{}, fmt.Errorf("config %s: chunk_size and batch_size must be positive", path)
	}
	return cfg, nil
}

// Paths derived from the data dir.

func (c Config) ArchiveDir() string { return c.DataDir }
func (c Config) ScratchDir() string { return filepath.Join(c.DataDir, "extracted") }
func (c Config) ChunksDir() string  { return filepath.Join(c.DataDir, "chunks") }
func (c Config) DBPath() string     { return filepath.Join(c.DataDir, "registry.db") }
