package job

import (
	"context"

	"github.com/csync/propagator/internal/item"
)

// DirectoryJob wraps a directory's own operation (mkdir/rename/delete —
// the "firstJob") together with an inner CompositeJob for its children.
// Per spec.md §4.3: firstJob runs alone; children only schedule once it
// succeeds (or restores); the directory's own metadata is written after
// all children succeed, for the same instructions a file record is
// written for (not for None or Remove).
type DirectoryJob struct {
	id string
	it *item.SyncItem // nil for the tree root

	firstJob Job
	inner    *CompositeJob

	env    *Env
	parent parent

	state              State
	status             item.Status
	firstJobDone       bool
	deferredRemoveSkip int
}

func newDirectoryJob(it *item.SyncItem, firstJob Job, env *Env) *DirectoryJob {
	d := &DirectoryJob{id: newJobID(), it: it, firstJob: firstJob, env: env}
	d.inner = newComposite(env)
	d.inner.setParent(d)
	if firstJob != nil {
		firstJob.setParent(d)
	}
	env.Arena.Register(d)
	return d
}

func (d *DirectoryJob) ID() string               { return d.id }
func (d *DirectoryJob) State() State             { return d.state }
func (d *DirectoryJob) Status() item.Status      { return d.status }
func (d *DirectoryJob) Parallelism() Parallelism { return FullParallelism }
func (d *DirectoryJob) setParent(p parent)       { d.parent = p }
func (d *DirectoryJob) Inner() *CompositeJob     { return d.inner }
func (d *DirectoryJob) Item() *item.SyncItem     { return d.it }

func (d *DirectoryJob) CommittedDiskSpace() int64 {
	var total int64
	if d.firstJob != nil {
		total += d.firstJob.CommittedDiskSpace()
	}
	total += d.inner.CommittedDiskSpace()
	return total
}

func (d *DirectoryJob) Abort() {
	if d.firstJob != nil {
		d.firstJob.Abort()
	}
	d.inner.Abort()
}

func (d *DirectoryJob) scheduleSelfOrChild(ctx context.Context) (bool, error) {
	if d.state == Finished {
		return false, nil
	}
	d.state = Running

	if d.firstJob != nil && !d.firstJobDone {
		return d.firstJob.scheduleSelfOrChild(ctx)
	}
	if d.state == Finished {
		// firstJob's failure already finalised this directory synchronously
		// via childFinished.
		return false, nil
	}
	return d.inner.scheduleSelfOrChild(ctx)
}

func (d *DirectoryJob) childFinished(child Job) {
	if d.firstJob != nil && child.ID() == d.firstJob.ID() {
		d.firstJobDone = true
		d.env.Arena.Remove(child.ID())
		status := child.Status()
		if status == item.StatusSuccess || status == item.StatusRestoration || status == item.StatusConflict {
			return // let the next scheduling tick drive the inner composite
		}
		// firstJob failed: abort the directory, children never schedule.
		d.status = status
		d.state = Finished
		if d.parent != nil {
			d.parent.childFinished(d)
		}
		return
	}

	// The inner composite finished.
	d.env.Arena.Remove(child.ID())
	firstStatus := item.StatusSuccess
	if d.firstJob != nil {
		firstStatus = d.firstJob.Status()
	}
	d.status = firstStatus
	if worse(child.Status(), d.status) {
		d.status = child.Status()
	}

	if d.status == item.StatusSuccess && d.it != nil && shouldPersistMetadata(d.it.Instruction) {
		rec := item.FileRecord{
			Path: d.it.DestinationPath(), Type: item.EntryTypeDir,
			Etag: d.it.Etag, FileID: d.it.FileID, RemotePerm: d.it.RemotePerm,
			ModTime: d.it.ModTime,
		}
		if err := d.env.Journal.SetFileRecord(rec); err != nil {
			d.status = item.StatusFatalError
			d.it.ErrorString = err.Error()
		}
	}

	d.state = Finished
	if d.parent != nil {
		d.parent.childFinished(d)
	}
}
