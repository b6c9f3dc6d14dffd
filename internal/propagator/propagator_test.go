package propagator

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/csync/propagator/internal/item"
	"github.com/csync/propagator/internal/job"
	"github.com/csync/propagator/internal/policy"
	"github.com/csync/propagator/internal/restore"
)

// fakeStore is a minimal policy.BlacklistStore for these tests; the
// blacklist semantics themselves are covered in internal/policy.
type fakeStore struct {
	mu      sync.Mutex
	entries map[string]item.BlacklistRecord
}

func newFakeStore() *fakeStore { return &fakeStore{entries: make(map[string]item.BlacklistRecord)} }

func (s *fakeStore) BlacklistEntry(path string) (item.BlacklistRecord, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.entries[path]
	return rec, ok, nil
}
func (s *fakeStore) UpdateBlacklistEntry(rec item.BlacklistRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[rec.Path] = rec
	return nil
}
func (s *fakeStore) WipeBlacklistEntry(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, path)
	return nil
}

// blockingRemote lets a test hold a download open until it chooses to
// release it, so the concurrency cap can be observed mid-flight.
type blockingRemote struct {
	release chan struct{}
}

func (r *blockingRemote) PropfindDepth0(ctx context.Context, path string) (job.RemoteInfo, error) {
	return job.RemoteInfo{}, nil
}
func (r *blockingRemote) PropfindDepth1(ctx context.Context, path string) ([]job.RemoteInfo, error) {
	return nil, nil
}
func (r *blockingRemote) Mkcol(ctx context.Context, path string) (job.RemoteInfo, error) {
	return job.RemoteInfo{Etag: "e"}, nil
}
func (r *blockingRemote) Move(ctx context.Context, fromPath, toPath string) error { return nil }
func (r *blockingRemote) Delete(ctx context.Context, path string) error          { return nil }
func (r *blockingRemote) Get(ctx context.Context, path string, w io.Writer) (string, error) {
	<-r.release
	_, _ = w.Write([]byte("data"))
	return "etag-" + path, nil
}
func (r *blockingRemote) PutV1(ctx context.Context, path string, rdr io.Reader, size, modTime int64) (job.RemoteInfo, error) {
	return job.RemoteInfo{Etag: "e"}, nil
}
func (r *blockingRemote) PutChunkNG(ctx context.Context, path, transferID string, chunkIndex int, rdr io.Reader, final bool, size, modTime int64) (job.PutChunkResult, error) {
	return job.PutChunkResult{Done: final, Info: job.RemoteInfo{Etag: "e"}}, nil
}
func (r *blockingRemote) Poll(ctx context.Context, pollURL string) (job.PollResult, error) {
	return job.PollResult{Done: true}, nil
}

type discardWriteCloser struct{ io.Writer }

func (discardWriteCloser) Close() error { return nil }

// fakeLocal backs LocalOps with no-ops plus a configurable FreeSpace.
type fakeLocal struct {
	free int64
}

func (l *fakeLocal) Mkdir(ctx context.Context, path string) error  { return nil }
func (l *fakeLocal) Remove(ctx context.Context, path string, recursive bool) error { return nil }
func (l *fakeLocal) Rename(ctx context.Context, fromPath, toPath string) error     { return nil }
func (l *fakeLocal) CreateTemp(ctx context.Context, path string) (string, io.WriteCloser, error) {
	return path + ".tmp", discardWriteCloser{io.Discard}, nil
}
func (l *fakeLocal) RenameIntoPlace(ctx context.Context, tmpPath, finalPath string) error { return nil }
func (l *fakeLocal) OpenForRead(ctx context.Context, path string) (io.ReadCloser, int64, error) {
	return io.NopCloser(strings.NewReader("data")), 4, nil
}
func (l *fakeLocal) Stat(ctx context.Context, path string) (job.LocalInfo, bool, error) {
	return job.LocalInfo{}, false, nil
}
func (l *fakeLocal) FreeSpace(ctx context.Context, volumePath string) (int64, error) {
	return l.free, nil
}
func (l *fakeLocal) CaseSensitivity(ctx context.Context, volumePath string) (job.CaseSensitivity, error) {
	return job.CasePreserving, nil
}

var errDeleteFailed = fmt.Errorf("delete record failed")

// remote403 fails every PutV1 with a 403 RemoteError and otherwise
// behaves like a normal, non-blocking remote — used to exercise the
// shared-directory restoration sub-flow (spec.md §8 scenario 3).
type remote403 struct{}

func (remote403) PropfindDepth0(ctx context.Context, path string) (job.RemoteInfo, error) {
	return job.RemoteInfo{}, nil
}
func (remote403) PropfindDepth1(ctx context.Context, path string) ([]job.RemoteInfo, error) {
	return nil, nil
}
func (remote403) Mkcol(ctx context.Context, path string) (job.RemoteInfo, error) {
	return job.RemoteInfo{}, nil
}
func (remote403) Move(ctx context.Context, fromPath, toPath string) error { return nil }
func (remote403) Delete(ctx context.Context, path string) error          { return nil }
func (remote403) Get(ctx context.Context, path string, w io.Writer) (string, error) {
	_, _ = w.Write([]byte("server-version"))
	return "etag-restored", nil
}
func (remote403) PutV1(ctx context.Context, path string, rdr io.Reader, size, modTime int64) (job.RemoteInfo, error) {
	return job.RemoteInfo{}, &job.RemoteError{Code: 403, Path: path, Err: fmt.Errorf("forbidden")}
}
func (remote403) PutChunkNG(ctx context.Context, path, transferID string, chunkIndex int, rdr io.Reader, final bool, size, modTime int64) (job.PutChunkResult, error) {
	return job.PutChunkResult{}, &job.RemoteError{Code: 403, Path: path, Err: fmt.Errorf("forbidden")}
}
func (remote403) Poll(ctx context.Context, pollURL string) (job.PollResult, error) {
	return job.PollResult{Done: true}, nil
}

// fakeJournal is a minimal in-memory Journal: these tests exercise scheduling, not
// persistence (internal/store owns journal correctness tests). Setting
// failDelete lets TestFatalErrorAborts force a real FatalError.
type fakeJournal struct {
	mu         sync.Mutex
	records    map[string]item.FileRecord
	failDelete bool
}

func newFakeJournal() *fakeJournal { return &fakeJournal{records: make(map[string]item.FileRecord)} }

func (j *fakeJournal) GetFileRecord(path string) (item.FileRecord, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	r, ok := j.records[path]
	return r, ok, nil
}
func (j *fakeJournal) SetFileRecord(rec item.FileRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.records[rec.Path] = rec
	return nil
}
func (j *fakeJournal) DeleteFileRecord(path string, recursive bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.failDelete {
		return errDeleteFailed
	}
	delete(j.records, path)
	return nil
}
func (j *fakeJournal) GetDownloadInfo(path string) (item.DownloadResume, bool, error) {
	return item.DownloadResume{}, false, nil
}
func (j *fakeJournal) SetDownloadInfo(path string, info item.DownloadResume) error { return nil }
func (j *fakeJournal) GetUploadInfo(path string) (item.UploadResume, bool, error) {
	return item.UploadResume{}, false, nil
}
func (j *fakeJournal) SetUploadInfo(path string, info item.UploadResume) error { return nil }
func (j *fakeJournal) SetPollInfo(rec item.PollRecord) error                  { return nil }
func (j *fakeJournal) AvoidRenamesOnNextSync(pathPrefix string) error         { return nil }

func newTestPropagator(t *testing.T, remote *blockingRemote, local *fakeLocal, n int) (*Propagator, *job.Env) {
	t.Helper()
	env := &job.Env{
		Remote:      remote,
		Local:       local,
		Journal:     newFakeJournal(),
		ChunkSize:   10 << 20,
		Completions: make(chan job.Completion, 64),
		Arena:       job.NewArena(),
	}

	items := make([]*item.SyncItem, 0, n)
	for i := 0; i < n; i++ {
		items = append(items, &item.SyncItem{
			Path:        itemName(i),
			Instruction: item.InstructionSync,
			Direction:   item.DirectionDown,
			Size:        4,
		})
	}
	root, _ := job.BuildTree(items, env)

	resolver := &policy.Resolver{Store: newFakeStore(), Now: func() int64 { return 1 }}

	return &Propagator{Env: env, Root: root, Resolver: resolver}, env
}

func itemName(i int) string {
	names := []string{"f0", "f1", "f2", "f3", "f4", "f5", "f6", "f7"}
	return names[i]
}

// TestConcurrencyCapHoldsForSlowDownloads is spec.md §8's concurrency
// cap invariant: with no bandwidth limit and the default hardMax=6,
// softMax is 3, and none of these jobs are "likely quick", so the
// active count should plateau at softMax rather than climb to hardMax.
func TestConcurrencyCapHoldsForSlowDownloads(t *testing.T) {
	remote := &blockingRemote{release: make(chan struct{})}
	local := &fakeLocal{free: 1 << 30}
	p, env := newTestPropagator(t, remote, local, 8)
	ctx := context.Background()

	for i := 0; i < 10; i++ {
		if err := p.tick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}

	if got := env.ActiveLeafCount(); got != 3 {
		t.Fatalf("active count = %d, want softMax (3)", got)
	}

	// Releasing one in-flight download should free a slot the next tick
	// can refill, without ever exceeding softMax at a time.
	remote.release <- struct{}{}
	c := <-env.Completions
	p.handleCompletion(c)
	if got := env.ActiveLeafCount(); got != 2 {
		t.Fatalf("active count after one completion = %d, want 2", got)
	}
	if err := p.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if got := env.ActiveLeafCount(); got != 3 {
		t.Fatalf("active count after refill tick = %d, want 3", got)
	}

	// Drain the rest so the goroutines this test spawned don't leak past
	// it (each blocked Get is released once and then exits for good).
	go func() {
		for i := 0; i < 7; i++ {
			remote.release <- struct{}{}
		}
	}()
	deadline := time.After(5 * time.Second)
	for p.Root.State() != job.Finished {
		select {
		case c := <-env.Completions:
			p.handleCompletion(c)
		case <-deadline:
			t.Fatalf("timed out draining remaining downloads")
		default:
			if err := p.tick(ctx); err != nil {
				t.Fatalf("tick: %v", err)
			}
		}
	}
}

// TestDiskSpaceCriticalBlocksNewDownloads is spec.md §8 scenario 5:
// free bytes below the critical limit refuses to start any new
// download, though the tree is free to keep scheduling other work.
func TestDiskSpaceCriticalBlocksNewDownloads(t *testing.T) {
	remote := &blockingRemote{release: make(chan struct{})}
	local := &fakeLocal{free: 20_000_000} // below the 50MB default critical floor
	p, env := newTestPropagator(t, remote, local, 1)
	p.Config.VolumePath = "/" // non-empty to enable the disk check
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		if err := p.tick(ctx); err != nil {
			t.Fatalf("tick: %v", err)
		}
	}

	if got := env.ActiveLeafCount(); got != 0 {
		t.Fatalf("active leaf count = %d, want 0 (critical disk space refuses new downloads)", got)
	}
	if p.lastDiskStatus != DiskCritical {
		t.Fatalf("lastDiskStatus = %v, want Critical", p.lastDiskStatus)
	}
	if p.Root.State() == job.Finished {
		t.Fatalf("root finished despite the only item being blocked from starting")
	}
}

// TestFatalErrorAborts verifies spec.md §4.5 step 6: a FatalError
// completion calls Abort on the propagator. A journal write failure is
// the one path exec.go maps straight to FatalError, so a fake that
// fails DeleteFileRecord drives a real leaf job to that status.
func TestFatalErrorAborts(t *testing.T) {
	remote := &blockingRemote{release: make(chan struct{}, 1)}
	local := &fakeLocal{free: 1 << 30}

	env := &job.Env{
		Remote:      remote,
		Local:       local,
		Journal:     &fakeJournal{records: make(map[string]item.FileRecord), failDelete: true},
		Completions: make(chan job.Completion, 4),
		Arena:       job.NewArena(),
	}
	items := []*item.SyncItem{{Path: "boom.txt", Instruction: item.InstructionRemove, Direction: item.DirectionUp}}
	root, _ := job.BuildTree(items, env)

	p := &Propagator{Env: env, Root: root, Resolver: &policy.Resolver{Store: newFakeStore(), Now: func() int64 { return 1 }}}
	ctx := context.Background()

	if _, err := job.Schedule(ctx, p.Root); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	c := <-env.Completions
	p.handleCompletion(c)

	if !p.aborted {
		t.Fatalf("expected FatalError completion to abort the propagator")
	}
}

// TestShared403RestoresAsConflict is spec.md §8 scenario 3: a locally
// modified file under a configured shared directory gets rejected with
// HTTP 403 on upload; the propagator should recover by downloading the
// server's copy as a conflict rather than surfacing a plain error, and
// report the item's own outcome as SoftError.
func TestShared403RestoresAsConflict(t *testing.T) {
	local := &fakeLocal{free: 1 << 30}
	env := &job.Env{
		Remote:      remote403{},
		Local:       local,
		Journal:     newFakeJournal(),
		Completions: make(chan job.Completion, 4),
		Arena:       job.NewArena(),
	}
	items := []*item.SyncItem{{
		Path:        "shared/doc.txt",
		Instruction: item.InstructionSync,
		Direction:   item.DirectionUp,
		Size:        4,
	}}
	root, _ := job.BuildTree(items, env)

	p := &Propagator{
		Env:      env,
		Root:     root,
		Resolver: &policy.Resolver{Store: newFakeStore(), Now: func() int64 { return 1 }},
		Restore:  &restore.Classifier{SharedPrefixes: []string{"shared"}},
		Now:      func() int64 { return 12345 },
	}
	ctx := context.Background()

	var gotStatus item.Status
	p.OnItemCompleted = func(it *item.SyncItem, status item.Status) {
		gotStatus = status
	}

	if _, err := job.Schedule(ctx, p.Root); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	c := <-env.Completions
	p.handleCompletion(c)

	if gotStatus != item.StatusSoftError {
		t.Fatalf("reported status = %v, want SoftError", gotStatus)
	}
	if p.aborted {
		t.Fatalf("a recovered 403 should not abort the propagator")
	}
	// A composite finalises on the scheduling step after its last child
	// completes, so give the root one more step.
	if _, err := job.Schedule(ctx, p.Root); err != nil {
		t.Fatalf("schedule: %v", err)
	}
	if p.Root.State() != job.Finished {
		t.Fatalf("expected the root job to finish on the scheduling step after the recovered completion is dispatched")
	}
	if p.Root.Status() != item.StatusSoftError {
		t.Fatalf("root status = %v, want SoftError (restored, but the user should still be told)", p.Root.Status())
	}
}
