package job

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/csync/propagator/internal/item"
)

// fakeEnv is a minimal, goroutine-safe double for RemoteOps/LocalOps/
// Journal used to drive job-tree scheduling in tests without any real
// network or filesystem access. It records operations in the order they
// complete so tests can assert on sequencing invariants.
type fakeEnv struct {
	mu  sync.Mutex
	log []string

	records map[string]item.FileRecord
}

func newFakeEnv() *fakeEnv {
	return &fakeEnv{records: make(map[string]item.FileRecord)}
}

func (f *fakeEnv) note(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, s)
}

func (f *fakeEnv) ops() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.log))
	copy(out, f.log)
	return out
}

// --- RemoteOps ---

func (f *fakeEnv) PropfindDepth0(ctx context.Context, path string) (RemoteInfo, error) {
	return RemoteInfo{}, nil
}
func (f *fakeEnv) PropfindDepth1(ctx context.Context, path string) ([]RemoteInfo, error) {
	return nil, nil
}
func (f *fakeEnv) Mkcol(ctx context.Context, path string) (RemoteInfo, error) {
	f.note("Mkcol:" + path)
	return RemoteInfo{Etag: "e-" + path}, nil
}
func (f *fakeEnv) Move(ctx context.Context, fromPath, toPath string) error {
	f.note(fmt.Sprintf("Move:%s->%s", fromPath, toPath))
	return nil
}
func (f *fakeEnv) Delete(ctx context.Context, path string) error {
	f.note("Delete:" + path)
	return nil
}
func (f *fakeEnv) Get(ctx context.Context, path string, w io.Writer) (string, error) {
	f.note("Get:" + path)
	_, err := w.Write([]byte("x"))
	return "e-" + path, err
}
func (f *fakeEnv) PutV1(ctx context.Context, path string, r io.Reader, size, modTime int64) (RemoteInfo, error) {
	io.Copy(io.Discard, r)
	f.note("PutV1:" + path)
	return RemoteInfo{Etag: "e-" + path}, nil
}
func (f *fakeEnv) PutChunkNG(ctx context.Context, path, transferID string, chunkIndex int, r io.Reader, final bool, size, modTime int64) (PutChunkResult, error) {
	io.Copy(io.Discard, r)
	f.note(fmt.Sprintf("PutChunkNG:%s:%d", path, chunkIndex))
	if final {
		return PutChunkResult{Done: true, Info: RemoteInfo{Etag: "e-" + path}}, nil
	}
	return PutChunkResult{}, nil
}
func (f *fakeEnv) Poll(ctx context.Context, pollURL string) (PollResult, error) {
	return PollResult{Done: true}, nil
}

// --- LocalOps ---

type discardWriteCloser struct{ io.Writer }

func (discardWriteCloser) Close() error { return nil }

func (f *fakeEnv) Mkdir(ctx context.Context, path string) error {
	f.note("LocalMkdir:" + path)
	return nil
}
func (f *fakeEnv) Remove(ctx context.Context, path string, recursive bool) error {
	f.note("LocalRemove:" + path)
	return nil
}
func (f *fakeEnv) Rename(ctx context.Context, fromPath, toPath string) error {
	f.note(fmt.Sprintf("LocalRename:%s->%s", fromPath, toPath))
	return nil
}
func (f *fakeEnv) CreateTemp(ctx context.Context, path string) (string, io.WriteCloser, error) {
	return path + ".tmp", discardWriteCloser{io.Discard}, nil
}
func (f *fakeEnv) RenameIntoPlace(ctx context.Context, tmpPath, finalPath string) error {
	f.note("RenameIntoPlace:" + finalPath)
	return nil
}
func (f *fakeEnv) OpenForRead(ctx context.Context, path string) (io.ReadCloser, int64, error) {
	return io.NopCloser(strings.NewReader("data")), int64(len("data")), nil
}
func (f *fakeEnv) Stat(ctx context.Context, path string) (LocalInfo, bool, error) {
	return LocalInfo{}, false, nil
}
func (f *fakeEnv) FreeSpace(ctx context.Context, volumePath string) (int64, error) {
	return 1 << 30, nil
}
func (f *fakeEnv) CaseSensitivity(ctx context.Context, volumePath string) (CaseSensitivity, error) {
	return CasePreserving, nil
}

// --- Journal ---

func (f *fakeEnv) GetFileRecord(path string) (item.FileRecord, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[path]
	return rec, ok, nil
}
func (f *fakeEnv) SetFileRecord(rec item.FileRecord) error {
	f.note("SetFileRecord:" + rec.Path)
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.Path] = rec
	return nil
}
func (f *fakeEnv) DeleteFileRecord(path string, recursive bool) error {
	f.note("DeleteFileRecord:" + path)
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.records, path)
	return nil
}
func (f *fakeEnv) GetDownloadInfo(path string) (item.DownloadResume, bool, error) {
	return item.DownloadResume{}, false, nil
}
func (f *fakeEnv) SetDownloadInfo(path string, info item.DownloadResume) error { return nil }
func (f *fakeEnv) GetUploadInfo(path string) (item.UploadResume, bool, error) {
	return item.UploadResume{}, false, nil
}
func (f *fakeEnv) SetUploadInfo(path string, info item.UploadResume) error { return nil }
func (f *fakeEnv) SetPollInfo(rec item.PollRecord) error                  { return nil }
func (f *fakeEnv) AvoidRenamesOnNextSync(pathPrefix string) error         { return nil }

// newTestEnv builds an *Env wired to a fresh fakeEnv double.
func newTestEnv() (*Env, *fakeEnv) {
	fe := newFakeEnv()
	env := &Env{
		Remote:      fe,
		Local:       fe,
		Journal:     fe,
		ChunkSize:   10 << 20,
		Completions: make(chan Completion, 64),
		Arena:       NewArena(),
	}
	return env, fe
}

// drain drives scheduling ticks against root, dispatching completions as
// they arrive, until the whole tree finishes or a tick budget is
// exhausted (guards against a test bug hanging forever).
func drain(ctx context.Context, root *DirectoryJob, env *Env) error {
	for ticks := 0; ticks < 10000; ticks++ {
		if root.State() == Finished {
			return nil
		}
		if _, err := root.scheduleSelfOrChild(ctx); err != nil {
			return err
		}
		select {
		case c := <-env.Completions:
			Dispatch(env, c)
		default:
		}
	}
	return fmt.Errorf("drain: exceeded tick budget without finishing")
}
