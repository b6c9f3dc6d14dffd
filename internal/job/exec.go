package job

import (
	"context"
	"fmt"
	"io"

	"github.com/csync/propagator/internal/hash"
	"github.com/csync/propagator/internal/item"
)

func runLocalRemove(ctx context.Context, env *Env, it *item.SyncItem) (item.Status, error) {
	if err := env.Local.Remove(ctx, it.Path, it.IsDirectory); err != nil {
		return failItem(it, err)
	}
	if err := env.Journal.DeleteFileRecord(it.Path, it.IsDirectory); err != nil {
		it.ErrorString = err.Error()
		return item.StatusFatalError, err
	}
	return item.StatusSuccess, nil
}

func runRemoteDelete(ctx context.Context, env *Env, it *item.SyncItem) (item.Status, error) {
	if err := env.Remote.Delete(ctx, it.Path); err != nil {
		return failItem(it, err)
	}
	if err := env.Journal.DeleteFileRecord(it.Path, it.IsDirectory); err != nil {
		it.ErrorString = err.Error()
		return item.StatusFatalError, err
	}
	return item.StatusSuccess, nil
}

func runLocalMkdir(ctx context.Context, env *Env, it *item.SyncItem, deleteExisting bool) (item.Status, error) {
	if deleteExisting {
		if err := env.Local.Remove(ctx, it.Path, true); err != nil {
			return failItem(it, err)
		}
	}
	if err := env.Local.Mkdir(ctx, it.Path); err != nil {
		return failItem(it, err)
	}
	return item.StatusSuccess, nil
}

func runRemoteMkdir(ctx context.Context, env *Env, it *item.SyncItem, deleteExisting bool) (item.Status, error) {
	if deleteExisting {
		if err := env.Remote.Delete(ctx, it.Path); err != nil {
			return failItem(it, err)
		}
	}
	info, err := env.Remote.Mkcol(ctx, it.Path)
	if err != nil {
		return failItem(it, err)
	}
	it.Etag = info.Etag
	it.FileID = info.FileID
	it.RemotePerm = info.Perm
	return item.StatusSuccess, nil
}

// runDownload implements the Down-direction leaf for New/TypeChange/Sync/
// Conflict file items: stream the remote body to a temp file, rename
// into place, persist the file record, and clear any download resume
// row on success. deleteExisting is set for a TypeChange whose stale
// local entity (e.g. a directory sitting where the file now belongs) is
// a different kind of thing than what's about to be written there, so
// it has to be removed before the download can land.
func runDownload(ctx context.Context, env *Env, it *item.SyncItem, deleteExisting bool) (item.Status, error) {
	if it.Status == item.StatusConflict {
		// Both sides changed: keep both by renaming the local copy aside
		// before the download lands. Policy for the conflict-copy name
		// is the caller's (propagator's) concern via LocalOps.Rename;
		// here we only guarantee the download itself succeeds.
	}

	if deleteExisting {
		if err := env.Local.Remove(ctx, it.Path, true); err != nil {
			return failItem(it, err)
		}
	}

	tmpPath, w, err := env.Local.CreateTemp(ctx, it.Path)
	if err != nil {
		return failItem(it, err)
	}

	digester := hash.NewDigester()
	etag, getErr := env.Remote.Get(ctx, it.Path, io.MultiWriter(w, digester))
	closeErr := w.Close()
	if getErr != nil {
		env.Journal.SetDownloadInfo(it.Path, item.DownloadResume{Path: it.Path, TmpFile: tmpPath, Etag: it.Etag})
		return failItem(it, getErr)
	}
	if closeErr != nil {
		return failItem(it, closeErr)
	}

	digest := digester.Sum()
	if it.IsRestoration {
		// A restoration fetches whatever the server holds; the item's size
		// came from the rejected local copy, so the downloaded size stands.
		it.Size = digest.Size
	} else if it.Size > 0 && digest.Size != it.Size {
		return failItem(it, fmt.Errorf("downloaded %d bytes, expected %d", digest.Size, it.Size))
	}

	if err := env.Local.RenameIntoPlace(ctx, tmpPath, it.Path); err != nil {
		return failItem(it, err)
	}

	env.Journal.SetDownloadInfo(it.Path, item.DownloadResume{}) // clears on success

	fingerprint := ""
	if r, _, fpErr := env.Local.OpenForRead(ctx, it.Path); fpErr == nil {
		fingerprint, _ = hash.QuickFingerprintReader(r)
		r.Close()
	} // best-effort: a missed fingerprint just forces one extra upload-side check later

	if shouldPersistMetadata(it.Instruction) {
		if err := env.Journal.SetFileRecord(item.FileRecord{
			Path: it.Path, Type: item.EntryTypeFile, Etag: etag, FileID: it.FileID,
			RemotePerm: it.RemotePerm, Size: it.Size, ModTime: it.ModTime, ContentHash: fingerprint,
		}); err != nil {
			it.ErrorString = err.Error()
			return item.StatusFatalError, err
		}
	}
	it.Etag = etag
	if it.Status == item.StatusConflict {
		return item.StatusConflict, nil
	}
	return item.StatusSuccess, nil
}

// RunRestorationDownload lets internal/restore reuse the download leaf's
// exact on-the-wire behaviour for a compensating download scheduled
// outside the normal job tree (spec.md §4.6), instead of duplicating the
// temp-file-then-rename dance. A restoration download is never
// TypeChange-triggered, so deleteExisting is always false here.
func RunRestorationDownload(ctx context.Context, env *Env, it *item.SyncItem) (item.Status, error) {
	return runDownload(ctx, env, it, false)
}

// runUploadV1 uploads it.Path in one PUT. deleteExisting is set for a
// TypeChange whose stale remote entity (e.g. a directory sitting where
// the file now belongs) must be removed before the PUT can land.
func runUploadV1(ctx context.Context, env *Env, it *item.SyncItem, deleteExisting bool) (item.Status, error) {
	if deleteExisting {
		if err := env.Remote.Delete(ctx, it.Path); err != nil {
			return failItem(it, err)
		}
	}

	fingerprint, unchanged, err := quickContentUnchanged(ctx, env, it)
	if err != nil {
		return failItem(it, err)
	}

	var info RemoteInfo
	if unchanged {
		prior, _, _ := env.Journal.GetFileRecord(it.Path)
		info = RemoteInfo{Etag: prior.Etag, FileID: prior.FileID, Perm: prior.RemotePerm, Size: prior.Size}
	} else {
		r, size, err := env.Local.OpenForRead(ctx, it.Path)
		if err != nil {
			return failItem(it, err)
		}
		info, err = env.Remote.PutV1(ctx, it.Path, r, size, it.ModTime)
		closeErr := r.Close()
		if err != nil {
			return failItem(it, err)
		}
		if closeErr != nil {
			return failItem(it, closeErr)
		}
		info.Size = size
	}

	if shouldPersistMetadata(it.Instruction) {
		if err := env.Journal.SetFileRecord(item.FileRecord{
			Path: it.Path, Type: item.EntryTypeFile, Etag: info.Etag, FileID: info.FileID,
			RemotePerm: info.Perm, Size: info.Size, ModTime: it.ModTime, ContentHash: fingerprint,
		}); err != nil {
			it.ErrorString = err.Error()
			return item.StatusFatalError, err
		}
	}
	it.Etag, it.FileID, it.RemotePerm = info.Etag, info.FileID, info.Perm
	return item.StatusSuccess, nil
}

// quickContentUnchanged implements the blake3 quick-fingerprint pre-check:
// if the local file's content digest matches the one recorded on the
// last successful upload, size/modtime alone were a false positive (a
// metadata-only touch) and the upload can be skipped. It always returns
// the freshly computed fingerprint so the caller can persist it
// regardless of which branch it takes.
func quickContentUnchanged(ctx context.Context, env *Env, it *item.SyncItem) (fingerprint string, unchanged bool, err error) {
	prior, ok, err := env.Journal.GetFileRecord(it.Path)
	if err != nil {
		return "", false, err
	}
	r, _, err := env.Local.OpenForRead(ctx, it.Path)
	if err != nil {
		return "", false, err
	}
	defer r.Close()
	fingerprint, err = hash.QuickFingerprintReader(r)
	if err != nil {
		return "", false, err
	}
	return fingerprint, ok && prior.ContentHash != "" && prior.ContentHash == fingerprint, nil
}

// runUploadNG is the upload-session chunked path: it writes an
// UploadResume row before each chunk so a crash mid-transfer resumes
// from the last acknowledged chunk instead of restarting (spec.md §8
// scenario 6), and persists a PollRecord when the server hands back an
// async "come back later" handle.
// runUploadNG uploads it.Path as a chunked session. deleteExisting is
// set for a TypeChange whose stale remote entity (e.g. a directory
// sitting where the file now belongs) must be removed before the first
// chunk can land.
func runUploadNG(ctx context.Context, env *Env, it *item.SyncItem, deleteExisting bool) (item.Status, error) {
	if deleteExisting {
		if err := env.Remote.Delete(ctx, it.Path); err != nil {
			return failItem(it, err)
		}
	}

	r, size, err := env.Local.OpenForRead(ctx, it.Path)
	if err != nil {
		return failItem(it, err)
	}
	defer r.Close()

	resume, hasResume, _ := env.Journal.GetUploadInfo(it.Path)
	transferID := resume.TransferID
	startChunk := 0
	if hasResume && resume.Size == size && resume.ModTime == it.ModTime {
		startChunk = resume.Chunk + 1
	} else {
		transferID = newTransferID()
	}

	chunkSize := env.ChunkSize
	if chunkSize <= 0 {
		chunkSize = 10 << 20
	}
	totalChunks := int((size + chunkSize - 1) / chunkSize)
	if totalChunks == 0 {
		totalChunks = 1
	}

	if startChunk > 0 {
		if _, err := io.CopyN(io.Discard, r, int64(startChunk)*chunkSize); err != nil && err != io.EOF {
			return failItem(it, fmt.Errorf("seeking to resume chunk %d: %w", startChunk, err))
		}
	}

	var lastInfo RemoteInfo
	for chunk := startChunk; chunk < totalChunks; chunk++ {
		if err := env.Journal.SetUploadInfo(it.Path, item.UploadResume{
			Path: it.Path, Chunk: chunk - 1, TransferID: transferID, Size: size, ModTime: it.ModTime,
		}); err != nil {
			it.ErrorString = err.Error()
			return item.StatusFatalError, err
		}

		final := chunk == totalChunks-1
		body := io.LimitReader(r, chunkSize)
		result, err := env.Remote.PutChunkNG(ctx, it.Path, transferID, chunk, body, final, size, it.ModTime)
		if err != nil {
			return failItem(it, err)
		}

		if !final {
			continue
		}
		if result.Done {
			lastInfo = result.Info
			break
		}
		// Async finalisation: persist a poll handle for internal/pollresume
		// to pick up, clear the resume row and report the item as
		// Success; poll continuation writes the file record on a later
		// sync.
		if err := env.Journal.SetPollInfo(item.PollRecord{Path: it.Path, ModTime: it.ModTime, PollURL: result.PollURL}); err != nil {
			it.ErrorString = err.Error()
			return item.StatusFatalError, err
		}
		env.Journal.SetUploadInfo(it.Path, item.UploadResume{})
		return item.StatusSuccess, nil
	}

	env.Journal.SetUploadInfo(it.Path, item.UploadResume{}) // clears on success

	if shouldPersistMetadata(it.Instruction) {
		if err := env.Journal.SetFileRecord(item.FileRecord{
			Path: it.Path, Type: item.EntryTypeFile, Etag: lastInfo.Etag, FileID: lastInfo.FileID,
			RemotePerm: lastInfo.Perm, Size: size, ModTime: it.ModTime,
		}); err != nil {
			it.ErrorString = err.Error()
			return item.StatusFatalError, err
		}
	}
	it.Etag, it.FileID, it.RemotePerm = lastInfo.Etag, lastInfo.FileID, lastInfo.Perm
	return item.StatusSuccess, nil
}

func runRemoteMove(ctx context.Context, env *Env, it *item.SyncItem) (item.Status, error) {
	if err := env.Remote.Move(ctx, it.OriginalPath, it.DestinationPath()); err != nil {
		return failItem(it, err)
	}
	if err := env.Journal.DeleteFileRecord(it.OriginalPath, it.IsDirectory); err != nil {
		it.ErrorString = err.Error()
		return item.StatusFatalError, err
	}
	if !it.IsDirectory { // directory rename persists via its DirectoryJob
		if err := env.Journal.SetFileRecord(item.FileRecord{
			Path: it.DestinationPath(), Type: item.EntryTypeFile, Etag: it.Etag,
			FileID: it.FileID, RemotePerm: it.RemotePerm, Size: it.Size, ModTime: it.ModTime,
		}); err != nil {
			it.ErrorString = err.Error()
			return item.StatusFatalError, err
		}
	}
	return item.StatusSuccess, nil
}

func runLocalRename(ctx context.Context, env *Env, it *item.SyncItem) (item.Status, error) {
	if err := env.Local.Rename(ctx, it.OriginalPath, it.DestinationPath()); err != nil {
		return failItem(it, err)
	}
	if err := env.Journal.DeleteFileRecord(it.OriginalPath, it.IsDirectory); err != nil {
		it.ErrorString = err.Error()
		return item.StatusFatalError, err
	}
	if !it.IsDirectory {
		if err := env.Journal.SetFileRecord(item.FileRecord{
			Path: it.DestinationPath(), Type: item.EntryTypeFile, Etag: it.Etag,
			FileID: it.FileID, RemotePerm: it.RemotePerm, Size: it.Size, ModTime: it.ModTime,
		}); err != nil {
			it.ErrorString = err.Error()
			return item.StatusFatalError, err
		}
	}
	return item.StatusSuccess, nil
}

func shouldPersistMetadata(instr item.Instruction) bool {
	switch instr {
	case item.InstructionNew, item.InstructionSync, item.InstructionRename, item.InstructionUpdateMetadata, item.InstructionConflict, item.InstructionTypeChange:
		return true
	default:
		return false
	}
}
