package job

import (
	"context"

	"github.com/csync/propagator/internal/item"
)

// CompositeJob is a sibling container: a directory's set of child jobs
// (already-built subdirectories) plus raw tasks (files, turned into leaf
// jobs on demand), plus directory deletes deferred until everything else
// has drained. Scheduling order per spec.md §4.3: poll running children
// first (recursing so nested composites/directories keep advancing),
// then jobsToDo, then tasksToDo, then deferredJobs; the composite
// finalises once all four are empty.
type CompositeJob struct {
	id string

	jobsToDo     []Job
	tasksToDo    []*item.SyncItem
	deferredJobs []Job // e.g. directory deletes: only start once everything above has drained
	running      map[string]Job

	env    *Env
	parent parent

	state   State
	status  item.Status
	worst   item.Status
	seenAny bool
	aborted bool
}

func newComposite(env *Env) *CompositeJob {
	c := &CompositeJob{
		id:      newJobID(),
		running: make(map[string]Job),
		env:     env,
		worst:   item.StatusSuccess,
	}
	env.Arena.Register(c)
	return c
}

func (c *CompositeJob) ID() string               { return c.id }
func (c *CompositeJob) State() State             { return c.state }
func (c *CompositeJob) Status() item.Status      { return c.status }
func (c *CompositeJob) Parallelism() Parallelism { return FullParallelism }
func (c *CompositeJob) setParent(p parent)       { c.parent = p }

func (c *CompositeJob) CommittedDiskSpace() int64 {
	var total int64
	for _, j := range c.running {
		total += j.CommittedDiskSpace()
	}
	return total
}

func (c *CompositeJob) Abort() {
	c.aborted = true
	for _, j := range c.running {
		j.Abort()
	}
}

// AddJob appends an already-built child job (a subdirectory).
func (c *CompositeJob) AddJob(j Job) {
	j.setParent(c)
	c.jobsToDo = append(c.jobsToDo, j)
}

// AddTask appends a raw item to be turned into a leaf job on demand.
func (c *CompositeJob) AddTask(it *item.SyncItem) {
	c.tasksToDo = append(c.tasksToDo, it)
}

// AddDeferredJob appends a job that must not start until every ordinary
// job and task in this composite (and anything they spawn) has finished
// — used for directory deletes, so a rename moving content out of the
// directory always completes first (spec.md §4.2 step 4, §8 "deferred
// delete").
func (c *CompositeJob) AddDeferredJob(j Job) {
	c.deferredJobs = append(c.deferredJobs, j)
}

// Empty reports whether the composite has no work at all — used by
// cmd/syncctl to detect a built tree with nothing to propagate.
func (c *CompositeJob) Empty() bool {
	return len(c.jobsToDo) == 0 && len(c.tasksToDo) == 0 && len(c.deferredJobs) == 0 && len(c.running) == 0
}

func (c *CompositeJob) scheduleSelfOrChild(ctx context.Context) (bool, error) {
	if c.state == Finished {
		return false, nil
	}
	c.state = Running

	for _, running := range c.running {
		if running.Parallelism() == WaitForFinished {
			return false, nil
		}
	}

	// Give already-running children (nested composites/directories) a
	// chance to advance their own inner state before starting new work;
	// a leaf already mid-flight just reports no progress here.
	for _, running := range c.running {
		progressed, err := running.scheduleSelfOrChild(ctx)
		if err != nil {
			return false, err
		}
		if progressed {
			return true, nil
		}
	}

	if len(c.jobsToDo) > 0 {
		next := c.jobsToDo[0]
		c.jobsToDo = c.jobsToDo[1:]
		next.setParent(c)
		c.running[next.ID()] = next
		c.seenAny = true
		return next.scheduleSelfOrChild(ctx)
	}

	if len(c.tasksToDo) > 0 {
		it := c.tasksToDo[0]
		c.tasksToDo = c.tasksToDo[1:]
		leaf, err := createJob(it, c.env)
		if err != nil {
			return false, err
		}
		leaf.setParent(c)
		c.running[leaf.ID()] = leaf
		c.seenAny = true
		return leaf.scheduleSelfOrChild(ctx)
	}

	// Deferred jobs (directory deletes) only start once everything else
	// in this composite, including jobs/tasks that spawned after it, has
	// fully drained.
	if len(c.running) == 0 && len(c.deferredJobs) > 0 {
		next := c.deferredJobs[0]
		c.deferredJobs = c.deferredJobs[1:]
		next.setParent(c)
		c.running[next.ID()] = next
		c.seenAny = true
		return next.scheduleSelfOrChild(ctx)
	}

	if len(c.running) == 0 && len(c.deferredJobs) == 0 {
		c.finalize()
		return c.seenAny, nil
	}

	return false, nil
}

func (c *CompositeJob) childFinished(child Job) {
	delete(c.running, child.ID())
	c.env.Arena.Remove(child.ID())
	if worse(child.Status(), c.worst) {
		c.worst = child.Status()
	}
	if child.Status() == item.StatusFatalError {
		c.aborted = true
	}
}

func (c *CompositeJob) finalize() {
	c.state = Finished
	if !c.seenAny {
		c.status = item.StatusSuccess
	} else {
		c.status = c.worst
	}
	if c.parent != nil {
		c.parent.childFinished(c)
	}
}

// worse reports whether a is a more severe outcome than b, for the
// "parent remembers the worst error among its children" rule (spec.md §7).
func worse(a, b item.Status) bool {
	rank := func(s item.Status) int {
		switch s {
		case item.StatusFatalError:
			return 5
		case item.StatusNormalError:
			return 4
		case item.StatusSoftError:
			return 3
		case item.StatusConflict:
			return 2
		case item.StatusIgnored, item.StatusRestoration:
			return 1
		default:
			return 0
		}
	}
	return rank(a) > rank(b)
}
