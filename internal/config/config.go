// Package config loads this module's single immutable Config value,
// layering defaults, an optional YAML file, environment overrides and
// CLI flags in that order — no caches or package-level globals survive
// between sync runs, matching the pack's own Config-by-value style
// (pudd/internal/config.FromFlags), generalised from flag-only to the
// fuller defaults<file<env<flags precedence cmd/syncctl needs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// Config is every knob cmd/syncctl needs to wire up one sync run. It is
// built once by Load and never mutated afterwards.
type Config struct {
	JournalPath   string `yaml:"journal_path"`
	LocalRoot     string `yaml:"local_root"`
	RemoteBaseURL string `yaml:"remote_base_url"`

	MaxParallel            int           `yaml:"max_parallel"`
	BandwidthBytesPerSec   int           `yaml:"bandwidth_bytes_per_sec"`
	ChunkSize              int64         `yaml:"chunk_size"`
	ServerChunkingNG       bool          `yaml:"server_chunking_ng"`
	Timeout                time.Duration `yaml:"timeout"`
	FreeSpaceBytes         int64         `yaml:"free_space_bytes"`
	CriticalFreeSpaceBytes int64         `yaml:"critical_free_space_bytes"`
	TickInterval           time.Duration `yaml:"tick_interval"`

	SharedPrefixes []string `yaml:"shared_prefixes"`
	LogLevel       string   `yaml:"log_level"`
}

// defaults returns a Config with every field set to its built-in
// default, the lowest layer of the precedence stack.
func defaults() Config {
	return Config{
		JournalPath:            "./csync_journal.db",
		MaxParallel:            6,
		ChunkSize:              10 << 20,
		ServerChunkingNG:       true,
		Timeout:                30 * time.Second,
		FreeSpaceBytes:         250_000_000,
		CriticalFreeSpaceBytes: 50_000_000,
		TickInterval:           10 * time.Millisecond,
		LogLevel:               "info",
	}
}

// Load builds a Config by applying, in increasing precedence: built-in
// defaults, the YAML file at yamlPath (if non-empty and present), the
// environment variables this package recognises, then args parsed as
// CLI flags. Each layer only overrides fields it actually sets.
func Load(yamlPath string, args []string) (Config, error) {
	cfg := defaults()

	if yamlPath != "" {
		if err := applyYAMLFile(&cfg, yamlPath); err != nil {
			return Config{}, fmt.Errorf("loading config file %s: %w", yamlPath, err)
		}
	}

	applyEnv(&cfg)

	if err := applyFlags(&cfg, args); err != nil {
		return Config{}, fmt.Errorf("parsing flags: %w", err)
	}

	return cfg, nil
}

func applyYAMLFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

// applyEnv overrides the subset of fields the original spec's
// environment variables name: MAX_PARALLEL, CHUNK_SIZE, TIMEOUT,
// FREE_SPACE_BYTES, CRITICAL_FREE_SPACE_BYTES.
func applyEnv(cfg *Config) {
	if v, ok := os.LookupEnv("MAX_PARALLEL"); ok {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MaxParallel = n
		}
	}
	if v, ok := os.LookupEnv("CHUNK_SIZE"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.ChunkSize = n
		}
	}
	if v, ok := os.LookupEnv("TIMEOUT"); ok {
		if d, err := time.ParseDuration(v); err == nil {
			cfg.Timeout = d
		}
	}
	if v, ok := os.LookupEnv("FREE_SPACE_BYTES"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.FreeSpaceBytes = n
		}
	}
	if v, ok := os.LookupEnv("CRITICAL_FREE_SPACE_BYTES"); ok {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			cfg.CriticalFreeSpaceBytes = n
		}
	}
}

func applyFlags(cfg *Config, args []string) error {
	fs := pflag.NewFlagSet("syncctl", pflag.ContinueOnError)
	fs.StringVar(&cfg.JournalPath, "journal", cfg.JournalPath, "path to the sync journal database")
	fs.StringVar(&cfg.LocalRoot, "local-root", cfg.LocalRoot, "local sync root directory")
	fs.StringVar(&cfg.RemoteBaseURL, "remote", cfg.RemoteBaseURL, "remote WebDAV base URL")
	fs.IntVar(&cfg.MaxParallel, "max-parallel", cfg.MaxParallel, "hard concurrency cap")
	fs.IntVar(&cfg.BandwidthBytesPerSec, "bandwidth-limit", cfg.BandwidthBytesPerSec, "per-connection bandwidth cap in bytes/sec (0 disables)")
	fs.Int64Var(&cfg.ChunkSize, "chunk-size", cfg.ChunkSize, "chunked-upload threshold in bytes")
	fs.BoolVar(&cfg.ServerChunkingNG, "chunking-ng", cfg.ServerChunkingNG, "use the chunking-NG upload protocol")
	fs.DurationVar(&cfg.Timeout, "timeout", cfg.Timeout, "per-request timeout")
	fs.Int64Var(&cfg.FreeSpaceBytes, "free-space-bytes", cfg.FreeSpaceBytes, "soft free-space floor")
	fs.Int64Var(&cfg.CriticalFreeSpaceBytes, "critical-free-space-bytes", cfg.CriticalFreeSpaceBytes, "critical free-space floor that blocks new downloads")
	fs.StringSliceVar(&cfg.SharedPrefixes, "shared-prefix", cfg.SharedPrefixes, "root-relative path treated as a read-only share (repeatable)")
	fs.StringVar(&cfg.LogLevel, "log-level", cfg.LogLevel, "logrus level name")
	return fs.Parse(args)
}

// BandwidthLimited reports whether a per-connection bandwidth cap is
// configured, the condition spec.md §4.4 uses to force softMax to 1.
func (c Config) BandwidthLimited() bool {
	return c.BandwidthBytesPerSec > 0
}
