// Package localfs is the one concrete LocalOps implementation this
// module ships, built directly on os and io — the download/upload/move
// leaves it backs are themselves the "content sync" concern; the
// filesystem calls underneath don't need a third-party layer.
//
// CreateTemp/RenameIntoPlace follow the same shape as the pack's
// CopyAtomic helper: write to a sibling ".tmp" file, then atomically
// rename it into place so a crash mid-write never leaves a half-written
// target visible to the rest of the sync engine.
package localfs

import (
	"context"
	"io"
	"os"
	"path/filepath"

	"github.com/csync/propagator/internal/job"
)

// FS is a LocalOps rooted at Root; every path the job layer passes in is
// relative to it.
type FS struct {
	Root string
}

func (f *FS) abs(path string) string {
	return filepath.Join(f.Root, filepath.FromSlash(path))
}

func (f *FS) Mkdir(ctx context.Context, path string) error {
	return os.MkdirAll(f.abs(path), 0o755)
}

func (f *FS) Remove(ctx context.Context, path string, recursive bool) error {
	if recursive {
		return os.RemoveAll(f.abs(path))
	}
	return os.Remove(f.abs(path))
}

func (f *FS) Rename(ctx context.Context, fromPath, toPath string) error {
	dst := f.abs(toPath)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	return os.Rename(f.abs(fromPath), dst)
}

// CreateTemp opens path+".tmp" for writing, creating parent directories
// as needed. RenameIntoPlace commits it.
func (f *FS) CreateTemp(ctx context.Context, path string) (string, io.WriteCloser, error) {
	dst := f.abs(path)
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return "", nil, err
	}
	tmp := dst + ".tmp"
	w, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return "", nil, err
	}
	return tmp, &syncingFile{File: w}, nil
}

// syncingFile fsyncs before close, matching CopyAtomic's copy-sync-close
// order so a rename that follows never commits data still sitting in
// the page cache.
type syncingFile struct{ *os.File }

func (s *syncingFile) Close() error {
	syncErr := s.File.Sync()
	closeErr := s.File.Close()
	if syncErr != nil {
		return syncErr
	}
	return closeErr
}

func (f *FS) RenameIntoPlace(ctx context.Context, tmpPath, finalPath string) error {
	dst := f.abs(finalPath)
	if err := os.Rename(tmpPath, dst); err != nil {
		_ = os.Remove(tmpPath)
		return err
	}
	return nil
}

func (f *FS) OpenForRead(ctx context.Context, path string) (io.ReadCloser, int64, error) {
	file, err := os.Open(f.abs(path))
	if err != nil {
		return nil, 0, err
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, 0, err
	}
	return file, info.Size(), nil
}

func (f *FS) Stat(ctx context.Context, path string) (job.LocalInfo, bool, error) {
	info, err := os.Stat(f.abs(path))
	if os.IsNotExist(err) {
		return job.LocalInfo{}, false, nil
	}
	if err != nil {
		return job.LocalInfo{}, false, err
	}
	return job.LocalInfo{
		Size:    info.Size(),
		ModTime: info.ModTime().Unix(),
		Mode:    uint32(info.Mode()),
		IsDir:   info.IsDir(),
	}, true, nil
}
