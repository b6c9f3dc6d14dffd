package main

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"

	"github.com/csync/propagator/internal/config"
	"github.com/csync/propagator/internal/item"
	"github.com/csync/propagator/internal/job"
	"github.com/csync/propagator/internal/localfs"
	"github.com/csync/propagator/internal/policy"
	"github.com/csync/propagator/internal/pollresume"
	"github.com/csync/propagator/internal/propagator"
	"github.com/csync/propagator/internal/remote"
	"github.com/csync/propagator/internal/restore"
	"github.com/csync/propagator/internal/store"
	"github.com/csync/propagator/internal/synclog"
)

// newRunCmd wires every package into one propagation run. It takes a
// pre-reconciled item list from --items (a JSON array of item.SyncItem
// values) rather than discovering one itself: discovery/reconciliation
// is out of scope for this binary, same as for the packages it drives.
//
// Flag parsing is delegated to internal/config's own pflag.FlagSet
// instead of cobra's, so the defaults<file<env<flags precedence lives
// in one place; this command only pulls --config and --items out of the
// raw args first, since those two aren't part of Config itself.
func newRunCmd() *cobra.Command {
	return &cobra.Command{
		Use:                "run",
		GroupID:            "sync",
		Short:              "Run one propagation pass against a pre-reconciled item list",
		DisableFlagParsing: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runRun(cmd.Context(), args)
		},
	}
}

func runRun(ctx context.Context, args []string) error {
	yamlPath, itemsPath, rest := extractRunFlags(args)
	if itemsPath == "" {
		return fmt.Errorf("--items is required (a JSON array of pre-reconciled sync items)")
	}

	cfg, err := config.Load(yamlPath, rest)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	log, err := synclog.New(cfg.LogLevel, os.Stdout)
	if err != nil {
		return fmt.Errorf("configuring logger: %w", err)
	}

	items, err := loadItems(itemsPath)
	if err != nil {
		return fmt.Errorf("loading items: %w", err)
	}

	fs := &localfs.FS{Root: cfg.LocalRoot}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt)
	defer cancel()

	caseSensitivity, err := fs.CaseSensitivity(ctx, ".")
	if err != nil {
		return fmt.Errorf("detecting local case sensitivity: %w", err)
	}

	journal, err := store.Open(cfg.JournalPath, caseSensitivity == job.CasePreserving)
	if err != nil {
		return fmt.Errorf("opening journal: %w", err)
	}
	defer journal.Close()

	httpClient := &http.Client{Timeout: cfg.Timeout}
	var remoteOps job.RemoteOps = remote.NewClient(cfg.RemoteBaseURL, httpClient)
	if cfg.BandwidthLimited() {
		remoteOps = remote.NewBandwidthLimited(remoteOps, cfg.BandwidthBytesPerSec)
	}

	if outcomes, err := pollresume.Resume(ctx, journal, remoteOps); err != nil {
		log.WithError(err).Warn("poll resume walk stopped early")
	} else {
		for _, o := range outcomes {
			if o.Err != nil {
				log.WithError(o.Err).WithField("path", o.Path).Warn("poll resume failed for path")
			} else if o.Completed {
				log.WithField("path", o.Path).Info("resumed async upload finalised")
			}
		}
	}

	env := job.NewEnv(remoteOps, fs, journal, cfg.ChunkSize, cfg.ServerChunkingNG)

	root, anotherSyncNeeded := job.BuildTree(items, env)
	if root.Inner().Empty() {
		log.Info("nothing to propagate")
		return nil
	}
	if anotherSyncNeeded {
		log.Info("a directory TypeChange was neutralised; caller should schedule another sync once this run finishes")
	}

	p := &propagator.Propagator{
		Env:      env,
		Root:     root,
		Resolver: &policy.Resolver{Store: journal},
		Config: propagator.Config{
			HardMax:                cfg.MaxParallel,
			BandwidthLimited:       cfg.BandwidthLimited(),
			CriticalFreeSpaceBytes: cfg.CriticalFreeSpaceBytes,
			FreeSpaceBytes:         cfg.FreeSpaceBytes,
			VolumePath:             cfg.LocalRoot,
			TickInterval:           cfg.TickInterval,
		},
		Restore: &restore.Classifier{SharedPrefixes: cfg.SharedPrefixes},
	}
	p.OnItemCompleted = func(it *item.SyncItem, status item.Status) {
		synclog.JobTransition(log, it, status)
	}

	status, err := p.Run(ctx)
	if err != nil {
		return fmt.Errorf("propagation run: %w", err)
	}
	if err := journal.Commit(false); err != nil {
		return fmt.Errorf("committing journal: %w", err)
	}
	if status.IsError() {
		return fmt.Errorf("propagation finished with status %s", status)
	}
	return nil
}

// extractRunFlags pulls --config/-c and --items/-i out of args before
// the rest is handed to config.Load's own flag set, since neither knob
// belongs in the persisted Config.
func extractRunFlags(args []string) (yamlPath, itemsPath string, rest []string) {
	for i := 0; i < len(args); i++ {
		a := args[i]
		switch {
		case a == "--config" || a == "-c":
			if i+1 < len(args) {
				yamlPath = args[i+1]
				i++
			}
		case strings.HasPrefix(a, "--config="):
			yamlPath = strings.TrimPrefix(a, "--config=")
		case a == "--items" || a == "-i":
			if i+1 < len(args) {
				itemsPath = args[i+1]
				i++
			}
		case strings.HasPrefix(a, "--items="):
			itemsPath = strings.TrimPrefix(a, "--items=")
		default:
			rest = append(rest, a)
		}
	}
	return yamlPath, itemsPath, rest
}

func loadItems(path string) ([]*item.SyncItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var items []*item.SyncItem
	if err := json.Unmarshal(data, &items); err != nil {
		return nil, err
	}
	return items, nil
}
