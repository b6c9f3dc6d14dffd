// Package propagator is the control task (spec.md §4.3 C4, §4.4, §4.7):
// the single goroutine that owns the job tree, drains leaf completions,
// runs them through internal/policy before letting the tree see them,
// and paces new work against the concurrency and disk-space caps.
//
// Grounded on the pack's own worker/scheduler split (a ticker-driven
// loop dispatching onto a bounded pool), generalised from a fixed worker
// count to the tree's own adaptive scheduling.
package propagator

import (
	"context"
	"fmt"
	"time"

	"github.com/csync/propagator/internal/item"
	"github.com/csync/propagator/internal/job"
	"github.com/csync/propagator/internal/policy"
	"github.com/csync/propagator/internal/restore"
)

// Config holds the knobs spec.md §4.4 and §4.7 name.
type Config struct {
	// HardMax is the absolute concurrency ceiling. Zero means the
	// default of 6.
	HardMax int
	// BandwidthLimited forces softMax to 1 (spec.md §4.4: "if any
	// per-connection bandwidth limit is set").
	BandwidthLimited bool

	// CriticalFreeSpaceBytes is the floor below which no new download
	// may start. Zero means the default of 50,000,000.
	CriticalFreeSpaceBytes int64
	// FreeSpaceBytes is the soft floor checked against free space minus
	// committed disk space. Zero means the default of 250,000,000.
	FreeSpaceBytes int64
	// VolumePath is what gets passed to LocalOps.FreeSpace. Empty skips
	// the disk-space check entirely (useful for tests and for remotes
	// with no meaningful local volume).
	VolumePath string

	// TickInterval paces the control loop between completions. Zero
	// means a 10ms default.
	TickInterval time.Duration
}

func (c Config) hardMax() int {
	if c.HardMax > 0 {
		return c.HardMax
	}
	return 6
}

// softMax implements spec.md §4.4's softMax rule: 1 under a bandwidth
// limit, else ceil(hardMax/2).
func (c Config) softMax() int {
	if c.BandwidthLimited {
		return 1
	}
	hm := c.hardMax()
	return (hm + 1) / 2
}

func (c Config) criticalFreeSpaceBytes() int64 {
	if c.CriticalFreeSpaceBytes > 0 {
		return c.CriticalFreeSpaceBytes
	}
	return 50_000_000
}

func (c Config) freeSpaceBytes() int64 {
	if c.FreeSpaceBytes > 0 {
		return c.FreeSpaceBytes
	}
	return 250_000_000
}

func (c Config) tickInterval() time.Duration {
	if c.TickInterval > 0 {
		return c.TickInterval
	}
	return 10 * time.Millisecond
}

// DiskStatus is the outcome of the disk-space check (spec.md §4.7).
type DiskStatus int

const (
	DiskOk DiskStatus = iota
	DiskFailure
	DiskCritical
)

func (s DiskStatus) String() string {
	switch s {
	case DiskOk:
		return "Ok"
	case DiskFailure:
		return "Failure"
	case DiskCritical:
		return "Critical"
	default:
		return "Unknown"
	}
}

// Progress is emitted once per tick via OnProgress.
type Progress struct {
	ActiveCount int
	DiskStatus  DiskStatus
}

// Propagator drives one sync run's job tree to completion.
type Propagator struct {
	Env      *job.Env
	Root     *job.DirectoryJob
	Resolver *policy.Resolver
	Config   Config

	// Restore classifies and recovers from HTTP 403 on a configured
	// shared directory (spec.md §4.6). Nil means no shared directories
	// are configured, so a 403 is just an ordinary failure.
	Restore *restore.Classifier
	// Now is the restoration clock (RestorationItem's wall-clock
	// modtime stamp); nil means time.Now. Overridable for tests.
	Now func() int64

	// OnItemCompleted fires once per leaf, after policy resolution, with
	// the status the item tree will actually see (spec.md §4.5 step 5).
	OnItemCompleted func(it *item.SyncItem, status item.Status)
	// OnProgress fires once per tick.
	OnProgress func(Progress)
	// OnFinished fires exactly once, when Run returns.
	OnFinished func(status item.Status)

	aborted        bool
	lastDiskStatus DiskStatus
}

// Abort sets the in-flight abort flag and propagates it to the tree
// (spec.md §5 "Cancellation"): any subsequent NormalError/FatalError
// completion is softened to SoftError by internal/policy.
func (p *Propagator) Abort() {
	p.aborted = true
	p.Root.Abort()
}

// Run drives the control loop until the root job finishes or ctx is
// cancelled. It is the sole reader of Env.Completions and the sole
// caller of job.Schedule for this tree — spec.md §5's "no two
// control-task handlers overlap" holds because nothing else touches
// either.
func (p *Propagator) Run(ctx context.Context) (item.Status, error) {
	ticker := time.NewTicker(p.Config.tickInterval())
	defer ticker.Stop()

	for {
		if p.Root.State() == job.Finished {
			status := p.Root.Status()
			if p.OnFinished != nil {
				p.OnFinished(status)
			}
			return status, nil
		}

		select {
		case <-ctx.Done():
			p.Abort()
			if p.OnFinished != nil {
				p.OnFinished(item.StatusFatalError)
			}
			return item.StatusFatalError, ctx.Err()
		case c := <-p.Env.Completions:
			p.handleCompletion(c)
			continue
		case <-ticker.C:
		}

		if err := p.tick(ctx); err != nil {
			if p.OnFinished != nil {
				p.OnFinished(item.StatusFatalError)
			}
			return item.StatusFatalError, err
		}
	}
}

// handleCompletion implements spec.md §4.5 and, ahead of it, §4.6: a 403
// on a configured shared path first runs the restoration sub-flow, which
// rewrites the status/err this item's own parent will see before
// internal/policy ever looks at it.
func (p *Propagator) handleCompletion(c job.Completion) {
	status, err := c.Status, c.Err

	if leaf, ok := p.Env.Arena.Get(c.JobID).(*job.LeafJob); ok {
		it := leaf.Item()

		if p.Restore != nil && status.IsError() && job.IsForbidden(err) && p.Restore.IsShared(it.DestinationPath()) {
			status, err = p.runRestoration(context.Background(), it, err)
		}

		status, err = p.Resolver.Resolve(it, status, err, p.aborted)
		if p.OnItemCompleted != nil {
			p.OnItemCompleted(it, status)
		}
	}

	if status == item.StatusFatalError {
		p.Abort()
	}

	job.Dispatch(p.Env, job.Completion{JobID: c.JobID, Status: status, Err: err})
}

// runRestoration implements spec.md §4.6's recovery table. The original
// item's own status/err, as reported to its parent, is what this
// returns — not the compensating download/mkdir's own outcome, which
// internal/policy never sees directly.
func (p *Propagator) runRestoration(ctx context.Context, it *item.SyncItem, origErr error) (item.Status, error) {
	action := p.Restore.Resolve(it)
	if action == restore.ActionFailNormally {
		return item.StatusNormalError, origErr
	}

	if action == restore.ActionLocalMkdir {
		if err := restore.RestoreDirectory(ctx, p.Env.Local, p.Env.Journal, it.DestinationPath()); err != nil {
			return item.StatusNormalError, fmt.Errorf("restoring shared directory %s: %w", it.DestinationPath(), err)
		}
		return restore.OriginalItemStatus(), nil
	}

	r := restore.RestorationItem(it, action, p.now())
	dlStatus, dlErr := job.RunRestorationDownload(ctx, p.Env, r)
	if dlStatus.IsError() {
		it.ErrorString = fmt.Sprintf("restoration failed: %v", dlErr)
		return dlStatus, dlErr
	}
	return restore.OriginalItemStatus(), nil
}

func (p *Propagator) now() int64 {
	if p.Now != nil {
		return p.Now()
	}
	return time.Now().Unix()
}

// tick implements spec.md §4.7's disk-space check and §4.4's
// concurrency caps, then requests at most one scheduling step from the
// root accordingly.
func (p *Propagator) tick(ctx context.Context) error {
	diskStatus, err := p.checkDiskSpace(ctx)
	if err != nil {
		return fmt.Errorf("disk space check: %w", err)
	}
	p.lastDiskStatus = diskStatus

	tickCtx := job.WithDiskCritical(ctx, diskStatus == DiskCritical)

	active := p.Env.ActiveLeafCount()
	softMax := p.Config.softMax()
	hardMax := p.Config.hardMax()

	switch {
	case active < softMax:
		if _, err := job.Schedule(tickCtx, p.Root); err != nil {
			return err
		}
	case active < hardMax:
		budget := softMax
		for i, kind := range p.Env.ActiveLeafKinds() {
			if i >= softMax {
				break
			}
			if likelyQuick(kind) {
				budget++
			}
		}
		if active < budget {
			if _, err := job.Schedule(tickCtx, p.Root); err != nil {
				return err
			}
		}
	}

	if p.OnProgress != nil {
		p.OnProgress(Progress{ActiveCount: active, DiskStatus: diskStatus})
	}
	return nil
}

// checkDiskSpace implements spec.md §4.7. An empty VolumePath skips the
// check (Ok): some RemoteOps/LocalOps pairings (e.g. tests, or a remote
// with no single local volume) have nothing meaningful to query.
func (p *Propagator) checkDiskSpace(ctx context.Context) (DiskStatus, error) {
	if p.Config.VolumePath == "" {
		return DiskOk, nil
	}
	free, err := p.Env.Local.FreeSpace(ctx, p.Config.VolumePath)
	if err != nil {
		return DiskOk, err
	}
	if free < p.Config.criticalFreeSpaceBytes() {
		return DiskCritical, nil
	}
	if free-p.Root.CommittedDiskSpace() < p.Config.freeSpaceBytes() {
		return DiskFailure, nil
	}
	return DiskOk, nil
}

// likelyQuick is the "cached metadata-only op" heuristic spec.md §4.4
// names: mkdir/delete/rename/ignore round-trip a single small request,
// unlike an upload or download which move file bytes.
func likelyQuick(kind job.LeafKind) bool {
	switch kind {
	case job.LeafLocalMkdir, job.LeafRemoteMkdir, job.LeafLocalRemove, job.LeafRemoteDelete,
		job.LeafRemoteMove, job.LeafLocalRename, job.LeafIgnore:
		return true
	default:
		return false
	}
}
