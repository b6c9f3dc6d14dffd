package store

import (
	"database/sql"
	"fmt"

	"github.com/csync/propagator/internal/item"
)

// --- download resume ---------------------------------------------------

// GetDownloadInfo returns the resume row for path, if a partial download
// is tracked.
func (j *Journal) GetDownloadInfo(path string) (item.DownloadResume, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return item.DownloadResume{}, false, fmt.Errorf("journal is closed")
	}
	row := j.tx.QueryRow(`SELECT path, tmpfile, etag, error_count FROM download_resume WHERE path = ?`, path)
	var r item.DownloadResume
	if err := row.Scan(&r.Path, &r.TmpFile, &r.Etag, &r.ErrorCount); err == sql.ErrNoRows {
		return item.DownloadResume{}, false, nil
	} else if err != nil {
		return item.DownloadResume{}, false, j.fail("getDownloadInfo", err)
	}
	return r, true, nil
}

// SetDownloadInfo writes (or, when info.TmpFile is empty, deletes) the
// resume row for path.
func (j *Journal) SetDownloadInfo(path string, info item.DownloadResume) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return fmt.Errorf("journal is closed")
	}
	if info.TmpFile == "" {
		if _, err := j.tx.Exec(`DELETE FROM download_resume WHERE path = ?`, path); err != nil {
			return j.fail("setDownloadInfo(delete)", err)
		}
		return nil
	}
	_, err := j.tx.Exec(`
INSERT INTO download_resume (path, tmpfile, etag, error_count) VALUES (?, ?, ?, ?)
ON CONFLICT(path) DO UPDATE SET tmpfile=excluded.tmpfile, etag=excluded.etag, error_count=excluded.error_count
`, path, info.TmpFile, info.Etag, info.ErrorCount)
	if err != nil {
		return j.fail("setDownloadInfo", err)
	}
	return nil
}

// GetAndDeleteStaleDownloadInfos returns and removes every download
// resume row whose path is not in keep, so the caller can delete the
// corresponding temp files.
func (j *Journal) GetAndDeleteStaleDownloadInfos(keep []string) ([]item.DownloadResume, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil, fmt.Errorf("journal is closed")
	}
	return deleteStale(j, "download_resume", keep, func(rows *sql.Rows) (item.DownloadResume, string, error) {
		var r item.DownloadResume
		err := rows.Scan(&r.Path, &r.TmpFile, &r.Etag, &r.ErrorCount)
		return r, r.Path, err
	}, "path, tmpfile, etag, error_count")
}

// --- upload resume ------------------------------------------------------

// GetUploadInfo returns the resume row for path, if a chunked upload is
// in flight.
func (j *Journal) GetUploadInfo(path string) (item.UploadResume, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return item.UploadResume{}, false, fmt.Errorf("journal is closed")
	}
	row := j.tx.QueryRow(`
SELECT path, chunk, transfer_id, error_count, size, modtime FROM upload_resume WHERE path = ?`, path)
	var r item.UploadResume
	if err := row.Scan(&r.Path, &r.Chunk, &r.TransferID, &r.ErrorCount, &r.Size, &r.ModTime); err == sql.ErrNoRows {
		return item.UploadResume{}, false, nil
	} else if err != nil {
		return item.UploadResume{}, false, j.fail("getUploadInfo", err)
	}
	return r, true, nil
}

// SetUploadInfo writes (or, when info.TransferID is empty, deletes) the
// resume row for path. Called before each chunk so a crash mid-transfer
// can resume from the last acknowledged chunk (spec.md §8 scenario 6).
func (j *Journal) SetUploadInfo(path string, info item.UploadResume) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return fmt.Errorf("journal is closed")
	}
	if info.TransferID == "" {
		if _, err := j.tx.Exec(`DELETE FROM upload_resume WHERE path = ?`, path); err != nil {
			return j.fail("setUploadInfo(delete)", err)
		}
		return nil
	}
	_, err := j.tx.Exec(`
INSERT INTO upload_resume (path, chunk, transfer_id, error_count, size, modtime) VALUES (?, ?, ?, ?, ?, ?)
ON CONFLICT(path) DO UPDATE SET
	chunk=excluded.chunk, transfer_id=excluded.transfer_id,
	error_count=excluded.error_count, size=excluded.size, modtime=excluded.modtime
`, path, info.Chunk, info.TransferID, info.ErrorCount, info.Size, info.ModTime)
	if err != nil {
		return j.fail("setUploadInfo", err)
	}
	return nil
}

// DeleteStaleUploadInfos removes every upload resume row whose path is
// not in keep.
func (j *Journal) DeleteStaleUploadInfos(keep []string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return fmt.Errorf("journal is closed")
	}
	_, err := deleteStale(j, "upload_resume", keep, func(rows *sql.Rows) (item.UploadResume, string, error) {
		var r item.UploadResume
		err := rows.Scan(&r.Path, &r.Chunk, &r.TransferID, &r.ErrorCount, &r.Size, &r.ModTime)
		return r, r.Path, err
	}, "path, chunk, transfer_id, error_count, size, modtime")
	return err
}

// deleteStale is a small helper shared by the two resume tables: select
// all rows, return+delete those whose path is not in keep. The caller
// must already hold j.mu.
func deleteStale[T any](j *Journal, table string, keep []string, scan func(*sql.Rows) (T, string, error), cols string) ([]T, error) {
	keepSet := make(map[string]struct{}, len(keep))
	for _, p := range keep {
		keepSet[p] = struct{}{}
	}

	rows, err := j.tx.Query(fmt.Sprintf(`SELECT %s FROM %s`, cols, table))
	if err != nil {
		return nil, j.fail("deleteStale("+table+")", err)
	}
	var stale []T
	var stalePaths []string
	for rows.Next() {
		v, path, err := scan(rows)
		if err != nil {
			rows.Close()
			return nil, j.fail("deleteStale("+table+")", err)
		}
		if _, ok := keepSet[path]; !ok {
			stale = append(stale, v)
			stalePaths = append(stalePaths, path)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, j.fail("deleteStale("+table+")", err)
	}

	for _, p := range stalePaths {
		if _, err := j.tx.Exec(fmt.Sprintf(`DELETE FROM %s WHERE path = ?`, table), p); err != nil {
			return nil, j.fail("deleteStale("+table+")", err)
		}
	}
	return stale, nil
}
