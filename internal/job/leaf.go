package job

import (
	"context"
	"fmt"

	"github.com/csync/propagator/internal/item"
)

// LeafKind identifies which concrete operation a LeafJob performs, per
// the createJob dispatch table in spec.md §4.3.
type LeafKind int

const (
	LeafLocalRemove LeafKind = iota
	LeafRemoteDelete
	LeafLocalMkdir
	LeafRemoteMkdir
	LeafDownloadFile
	LeafUploadFileV1
	LeafUploadFileNG
	LeafRemoteMove
	LeafLocalRename
	LeafIgnore
)

func (k LeafKind) String() string {
	switch k {
	case LeafLocalRemove:
		return "LocalRemove"
	case LeafRemoteDelete:
		return "RemoteDelete"
	case LeafLocalMkdir:
		return "LocalMkdir"
	case LeafRemoteMkdir:
		return "RemoteMkdir"
	case LeafDownloadFile:
		return "DownloadFile"
	case LeafUploadFileV1:
		return "UploadFileV1"
	case LeafUploadFileNG:
		return "UploadFileNG"
	case LeafRemoteMove:
		return "RemoteMove"
	case LeafLocalRename:
		return "LocalRename"
	case LeafIgnore:
		return "IgnoreJob"
	default:
		return fmt.Sprintf("LeafKind(%d)", int(k))
	}
}

// LeafJob is a terminal job performing a single RemoteOps/LocalOps
// operation against one SyncItem.
type LeafJob struct {
	id             string
	kind           LeafKind
	it             *item.SyncItem
	deleteExisting bool // TypeChange: remove the stale entity first

	env    *Env
	parent parent

	state           State
	status          item.Status
	err             error
	committedBytes  int64
	aborted         bool
}

func newLeaf(id string, kind LeafKind, it *item.SyncItem, deleteExisting bool, env *Env) *LeafJob {
	l := &LeafJob{id: id, kind: kind, it: it, deleteExisting: deleteExisting, env: env}
	env.Arena.Register(l)
	return l
}

func (l *LeafJob) ID() string               { return l.id }
func (l *LeafJob) State() State             { return l.state }
func (l *LeafJob) Status() item.Status      { return l.status }
func (l *LeafJob) Parallelism() Parallelism { return FullParallelism }
func (l *LeafJob) CommittedDiskSpace() int64 {
	if l.kind == LeafDownloadFile {
		return l.committedBytes
	}
	return 0
}
func (l *LeafJob) Abort()              { l.aborted = true }
func (l *LeafJob) setParent(p parent)  { l.parent = p }
func (l *LeafJob) Item() *item.SyncItem { return l.it }
func (l *LeafJob) Kind() LeafKind       { return l.kind }

func (l *LeafJob) scheduleSelfOrChild(ctx context.Context) (bool, error) {
	switch l.state {
	case Finished:
		return false, nil
	case Running:
		return false, nil
	}

	if l.kind == LeafDownloadFile && diskCritical(ctx) {
		return false, nil
	}

	l.state = Running
	if l.kind == LeafDownloadFile {
		l.committedBytes = l.it.Size
	}
	l.env.activeLeaves++
	if l.env.activeLeafKind == nil {
		l.env.activeLeafKind = make(map[string]LeafKind)
	}
	l.env.activeLeafOrder = append(l.env.activeLeafOrder, l.id)
	l.env.activeLeafKind[l.id] = l.kind

	runAndReport := func() error {
		status, err := l.run(ctx)
		l.env.Completions <- Completion{JobID: l.id, Status: status, Err: err}
		return nil
	}
	if l.env.Group != nil {
		l.env.Group.Go(runAndReport)
	} else {
		go func() { _ = runAndReport() }()
	}
	return true, nil
}

// complete is called exactly once by the control task after draining
// this job's Completion from env.Completions.
func (l *LeafJob) complete(status item.Status, err error) {
	l.state = Finished
	l.status = status
	l.err = err
	l.committedBytes = 0
	l.env.activeLeaves--
	delete(l.env.activeLeafKind, l.id)
	for i, id := range l.env.activeLeafOrder {
		if id == l.id {
			l.env.activeLeafOrder = append(l.env.activeLeafOrder[:i], l.env.activeLeafOrder[i+1:]...)
			break
		}
	}
	if l.parent != nil {
		l.parent.childFinished(l)
	}
}

func (l *LeafJob) run(ctx context.Context) (item.Status, error) {
	if l.aborted {
		return item.StatusSoftError, fmt.Errorf("aborted")
	}
	switch l.kind {
	case LeafLocalRemove:
		return runLocalRemove(ctx, l.env, l.it)
	case LeafRemoteDelete:
		return runRemoteDelete(ctx, l.env, l.it)
	case LeafLocalMkdir:
		return runLocalMkdir(ctx, l.env, l.it, l.deleteExisting)
	case LeafRemoteMkdir:
		return runRemoteMkdir(ctx, l.env, l.it, l.deleteExisting)
	case LeafDownloadFile:
		return runDownload(ctx, l.env, l.it, l.deleteExisting)
	case LeafUploadFileV1:
		return runUploadV1(ctx, l.env, l.it, l.deleteExisting)
	case LeafUploadFileNG:
		return runUploadNG(ctx, l.env, l.it, l.deleteExisting)
	case LeafRemoteMove:
		return runRemoteMove(ctx, l.env, l.it)
	case LeafLocalRename:
		return runLocalRename(ctx, l.env, l.it)
	case LeafIgnore:
		return item.StatusIgnored, nil
	default:
		return item.StatusFatalError, fmt.Errorf("unknown leaf kind %v", l.kind)
	}
}
