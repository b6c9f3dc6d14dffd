package job

import (
	"context"
	"io"

	"github.com/csync/propagator/internal/item"
)

// RemoteOps is the abstract WebDAV-shaped capability spec.md §6 names.
// The wire format is explicitly out of scope; this package only depends
// on the shape of the calls. internal/remote provides a concrete
// implementation.
type RemoteOps interface {
	PropfindDepth0(ctx context.Context, path string) (RemoteInfo, error)
	PropfindDepth1(ctx context.Context, path string) ([]RemoteInfo, error)
	Mkcol(ctx context.Context, path string) (RemoteInfo, error)
	Move(ctx context.Context, fromPath, toPath string) error
	Delete(ctx context.Context, path string) error
	Get(ctx context.Context, path string, w io.Writer) (etag string, err error)
	PutV1(ctx context.Context, path string, r io.Reader, size, modTime int64) (RemoteInfo, error)
	PutChunkNG(ctx context.Context, path, transferID string, chunkIndex int, r io.Reader, final bool, size, modTime int64) (PutChunkResult, error)
	Poll(ctx context.Context, pollURL string) (PollResult, error)
}

// RemoteInfo is what a successful remote mutation or stat reports back.
type RemoteInfo struct {
	Etag     string
	FileID   string
	Perm     string
	Size     int64
	ModTime  int64
	IsDir    bool
}

// PutChunkResult is the outcome of one NG chunk PUT: either the upload
// finished synchronously (Done, Info populated) or the server handed
// back an async poll handle (PollURL populated) per spec.md §6's POLL
// endpoint.
type PutChunkResult struct {
	Done    bool
	PollURL string
	Info    RemoteInfo
}

// PollResult is the outcome of asking an async upload's poll handle
// whether it has finished.
type PollResult struct {
	Done bool
	Info RemoteInfo
}

// LocalOps is the local filesystem capability spec.md §6 names.
type LocalOps interface {
	Mkdir(ctx context.Context, path string) error
	Remove(ctx context.Context, path string, recursive bool) error
	Rename(ctx context.Context, fromPath, toPath string) error
	// CreateTemp opens a temp file alongside path for writing (a
	// download's destination); RenameIntoPlace atomically commits it,
	// matching spec.md §5's "downloads write to a temp file alongside
	// the target and rename on success".
	CreateTemp(ctx context.Context, path string) (tmpPath string, w io.WriteCloser, err error)
	RenameIntoPlace(ctx context.Context, tmpPath, finalPath string) error
	OpenForRead(ctx context.Context, path string) (r io.ReadCloser, size int64, err error)
	Stat(ctx context.Context, path string) (LocalInfo, bool, error)
	FreeSpace(ctx context.Context, volumePath string) (int64, error)
	CaseSensitivity(ctx context.Context, volumePath string) (CaseSensitivity, error)
}

// LocalInfo is a local stat result.
type LocalInfo struct {
	Size    int64
	ModTime int64
	Inode   uint64
	Mode    uint32
	IsDir   bool
}

// CaseSensitivity classifies how the local volume treats filename case.
type CaseSensitivity int

const (
	CaseSensitive CaseSensitivity = iota
	CasePreserving
)

// Journal is the subset of internal/store.Journal's operations a job
// needs to write metadata and resume state as it runs.
type Journal interface {
	GetFileRecord(path string) (item.FileRecord, bool, error)
	SetFileRecord(rec item.FileRecord) error
	DeleteFileRecord(path string, recursive bool) error
	GetDownloadInfo(path string) (item.DownloadResume, bool, error)
	SetDownloadInfo(path string, info item.DownloadResume) error
	GetUploadInfo(path string) (item.UploadResume, bool, error)
	SetUploadInfo(path string, info item.UploadResume) error
	SetPollInfo(rec item.PollRecord) error
	AvoidRenamesOnNextSync(pathPrefix string) error
}
