package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadAppliesDefaultsWhenNothingElseIsSet(t *testing.T) {
	cfg, err := Load("", nil)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxParallel != 6 {
		t.Fatalf("MaxParallel = %d, want the default 6", cfg.MaxParallel)
	}
	if cfg.Timeout != 30*time.Second {
		t.Fatalf("Timeout = %v, want the default 30s", cfg.Timeout)
	}
	if cfg.BandwidthLimited() {
		t.Fatalf("expected BandwidthLimited() false by default")
	}
}

func TestLoadPrecedenceFileThenEnvThenFlags(t *testing.T) {
	dir := t.TempDir()
	yamlPath := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(yamlPath, []byte("max_parallel: 4\nchunk_size: 1000\n"), 0o644); err != nil {
		t.Fatalf("seed yaml: %v", err)
	}

	// File sets max_parallel=4, chunk_size=1000; env overrides chunk_size;
	// flags override max_parallel. Each layer should only touch the field
	// it actually sets.
	t.Setenv("CHUNK_SIZE", "2000")

	cfg, err := Load(yamlPath, []string{"--max-parallel=8"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MaxParallel != 8 {
		t.Fatalf("MaxParallel = %d, want flags to win with 8", cfg.MaxParallel)
	}
	if cfg.ChunkSize != 2000 {
		t.Fatalf("ChunkSize = %d, want env to win with 2000", cfg.ChunkSize)
	}
	if cfg.Timeout != 30*time.Second {
		t.Fatalf("Timeout = %v, want the untouched default to survive all three layers", cfg.Timeout)
	}
}

func TestLoadMissingYAMLFileIsNotAnError(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"), nil)
	if err != nil {
		t.Fatalf("Load should tolerate a missing config file, got: %v", err)
	}
	if cfg.MaxParallel != 6 {
		t.Fatalf("expected defaults to apply when the file doesn't exist")
	}
}

func TestBandwidthLimitedReflectsFlag(t *testing.T) {
	cfg, err := Load("", []string{"--bandwidth-limit=500000"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.BandwidthLimited() {
		t.Fatalf("expected BandwidthLimited() true once bandwidth-limit is set")
	}
}

func TestSharedPrefixRepeatable(t *testing.T) {
	cfg, err := Load("", []string{"--shared-prefix=shared", "--shared-prefix=Team/Shared"})
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if len(cfg.SharedPrefixes) != 2 {
		t.Fatalf("SharedPrefixes = %v, want 2 entries", cfg.SharedPrefixes)
	}
}
