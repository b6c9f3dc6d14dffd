// Package job implements the propagation job tree (spec.md §4.2, §4.3):
// leaf item jobs, CompositeJob sibling containers, and DirectoryJob
// first-job-then-children containers, scheduled by an arena-keyed event
// model rather than the source's cyclic parent/child object pointers
// (see SPEC_FULL.md Design Notes, "cyclic parent-child references").
package job

import (
	"context"

	"github.com/csync/propagator/internal/item"
	"golang.org/x/sync/errgroup"
)

// State is a job's monotonic lifecycle position.
type State int

const (
	NotYetStarted State = iota
	Running
	Finished
)

// Parallelism is the advisory barrier a job reports to its parent
// composite: WaitForFinished tells the parent not to start new siblings
// this tick.
type Parallelism int

const (
	FullParallelism Parallelism = iota
	WaitForFinished
)

// Job is the capability every tree node implements.
type Job interface {
	ID() string
	State() State
	Status() item.Status
	Parallelism() Parallelism
	CommittedDiskSpace() int64
	Abort()

	// scheduleSelfOrChild attempts one scheduling step and reports
	// whether it made progress (started work or finalised). Only called
	// by the control task (internal/propagator).
	scheduleSelfOrChild(ctx context.Context) (bool, error)

	setParent(parent)
}

// parent is implemented by CompositeJob and DirectoryJob so a finishing
// child can notify whichever container holds it, without the child
// holding a typed pointer back (the arena owns identity; parents hold
// child ids, children hold their parent only as this interface value).
type parent interface {
	childFinished(child Job)
}

// Env bundles everything a leaf job needs to actually do its work, and
// the single completion channel the control task drains. Jobs never
// touch env.Completions themselves except to send; only the propagator
// reads from it.
type Env struct {
	Remote  RemoteOps
	Local   LocalOps
	Journal Journal

	ChunkSize        int64
	ServerChunkingNG bool

	Completions chan Completion
	Arena       *Arena

	// Group supervises every leaf job's background I/O goroutine — the
	// teacher's one-channel-per-worker-pool shape (internal/worker),
	// generalised to one goroutine per in-flight leaf. Nil falls back to
	// a bare `go` statement, which is what every job package test does;
	// production wiring (NewEnv) always sets it so a sync run can Wait()
	// for outstanding I/O to unwind after an abort.
	Group *errgroup.Group

	activeLeaves    int      // running leaf count; only ever touched by the control task
	activeLeafOrder []string // ids, in start order
	activeLeafKind  map[string]LeafKind
}

// NewEnv builds an Env for production use, wiring an errgroup to
// supervise leaf goroutines.
func NewEnv(remote RemoteOps, local LocalOps, journal Journal, chunkSize int64, serverChunkingNG bool) *Env {
	return &Env{
		Remote:           remote,
		Local:            local,
		Journal:          journal,
		ChunkSize:        chunkSize,
		ServerChunkingNG: serverChunkingNG,
		Completions:      make(chan Completion, 64),
		Arena:            NewArena(),
		Group:            &errgroup.Group{},
	}
}

// Wait blocks until every leaf goroutine started through Group has
// returned — used after an abort to let in-flight I/O unwind cleanly
// before the process exits. A nil Group (test envs that never set one)
// is a no-op.
func (e *Env) Wait() error {
	if e.Group == nil {
		return nil
	}
	return e.Group.Wait()
}

// ActiveLeafCount reports how many leaf jobs currently have I/O in
// flight — the activeCount the scheduler's concurrency caps (spec.md
// §4.4) are measured against. Container jobs (CompositeJob, DirectoryJob)
// don't themselves consume network/disk resources, so they don't count.
func (e *Env) ActiveLeafCount() int { return e.activeLeaves }

// ActiveLeafKinds reports the kind of each currently-running leaf job,
// oldest first — what the scheduler's adaptive up-scaling (spec.md
// §4.4 "inspect the first softMax active jobs") inspects to decide
// whether the active ones are likely to finish quickly.
func (e *Env) ActiveLeafKinds() []LeafKind {
	kinds := make([]LeafKind, 0, len(e.activeLeafOrder))
	for _, id := range e.activeLeafOrder {
		kinds = append(kinds, e.activeLeafKind[id])
	}
	return kinds
}

// Arena is the id-keyed registry replacing the source's cyclic
// parent-child object pointers. It is only ever touched by the control
// task (registration happens while building/scheduling the tree,
// lookups happen while draining Completions), so it needs no locking.
type Arena struct {
	jobs map[string]Job
}

func NewArena() *Arena { return &Arena{jobs: make(map[string]Job)} }

func (a *Arena) Register(j Job)      { a.jobs[j.ID()] = j }
func (a *Arena) Get(id string) Job   { return a.jobs[id] }
func (a *Arena) Remove(id string)    { delete(a.jobs, id) }

// Completion is what a leaf job's background goroutine posts once its
// I/O finishes; the control task is the sole consumer.
type Completion struct {
	JobID  string
	Status item.Status
	Err    error
}

// Schedule requests one scheduling step from root. It is the only way
// code outside this package advances the tree — internal/propagator's
// control loop is the sole caller in production; package-external tests
// use it the same way.
func Schedule(ctx context.Context, root Job) (bool, error) {
	return root.scheduleSelfOrChild(ctx)
}

type diskCriticalKey struct{}

// WithDiskCritical marks ctx so a LeafDownloadFile refuses to start this
// tick (spec.md §4.7: "refuse to start any new download; existing ones
// continue"). Every other leaf kind is unaffected.
func WithDiskCritical(ctx context.Context, critical bool) context.Context {
	return context.WithValue(ctx, diskCriticalKey{}, critical)
}

func diskCritical(ctx context.Context) bool {
	v, _ := ctx.Value(diskCriticalKey{}).(bool)
	return v
}

// Dispatch delivers one drained Completion to the leaf job it names,
// looking it up through the arena. It is the only way a completion
// reaches a job's unexported complete method, so the control task
// (internal/propagator, and job package tests) never needs a typed
// handle on the leaf that finished — only its id.
func Dispatch(env *Env, c Completion) {
	j := env.Arena.Get(c.JobID)
	if j == nil {
		return // already removed (duplicate or stale completion)
	}
	if leaf, ok := j.(*LeafJob); ok {
		leaf.complete(c.Status, c.Err)
	}
}
