// Package store implements the sync journal (spec.md §3 journal rows,
// §4.1 operations): a single-writer sqlite-backed database holding
// file-record metadata, download/upload resume state, the error
// blacklist and the async poll table.
//
// All public methods serialise through a single mutex; nested calls from
// within a Journal method are not supported, matching spec.md §4.1's
// "single lock; nested callers must not re-enter".
package store

import (
	"database/sql"
	"fmt"
	"strings"
	"sync"

	"github.com/csync/propagator/internal/item"
	_ "modernc.org/sqlite"
)

// Journal owns the database handle and the single long-lived transaction
// that brackets a sync run. It is the exclusive owner of both; jobs and
// the propagator hold only a pointer to it.
type Journal struct {
	mu sync.Mutex

	path string
	db   *sql.DB
	tx   *sql.Tx

	caseInsensitive bool // LocalOps reports the filesystem is case-preserving
	avoidReadFilter []string
	closed          bool

	UpgradedFromLegacy bool
}

// Open creates the database file if missing, runs migrations, and begins
// the long-lived transaction subsequent operations run inside.
func Open(path string, caseInsensitive bool) (*Journal, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open journal %s: %w", path, err)
	}
	db.SetMaxOpenConns(1) // single-writer: one physical connection only

	upgraded, err := migrate(db)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate journal %s: %w", path, err)
	}

	tx, err := db.Begin()
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("begin journal transaction: %w", err)
	}

	return &Journal{
		path:               path,
		db:                 db,
		tx:                 tx,
		caseInsensitive:    caseInsensitive,
		UpgradedFromLegacy: upgraded,
	}, nil
}

// Close commits any outstanding transaction and releases the database
// handle. Safe to call on an already-failed Journal.
func (j *Journal) Close() error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closeLocked()
}

func (j *Journal) closeLocked() error {
	if j.closed {
		return nil
	}
	j.closed = true
	var txErr error
	if j.tx != nil {
		txErr = j.tx.Commit()
		j.tx = nil
	}
	dbErr := j.db.Close()
	if txErr != nil {
		return txErr
	}
	return dbErr
}

// fail commits whatever was done, closes the database, and returns the
// wrapped error — spec.md §4.1's "any SQL error commits and closes".
func (j *Journal) fail(op string, err error) error {
	j.closeLocked()
	return fmt.Errorf("journal %s: %w", op, err)
}

// Commit brackets long work: it commits the current transaction and,
// when startNew is true, immediately opens a new one so later calls keep
// working.
func (j *Journal) Commit(startNew bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.commitLocked(startNew)
}

func (j *Journal) commitLocked(startNew bool) error {
	if j.closed {
		return fmt.Errorf("journal is closed")
	}
	if j.tx == nil {
		if !startNew {
			return nil
		}
		tx, err := j.db.Begin()
		if err != nil {
			return j.fail("commit/begin", err)
		}
		j.tx = tx
		return nil
	}
	if err := j.tx.Commit(); err != nil {
		return j.fail("commit", err)
	}
	j.tx = nil
	if startNew {
		tx, err := j.db.Begin()
		if err != nil {
			return j.fail("begin", err)
		}
		j.tx = tx
	}
	return nil
}

// CommitIfNeededAndStartNewTransaction is a convenience wrapper a caller
// uses at a natural bracketing point (e.g. between directories).
func (j *Journal) CommitIfNeededAndStartNewTransaction() error {
	return j.Commit(true)
}

func lowerIf(caseInsensitive bool, s string) string {
	if caseInsensitive {
		return strings.ToLower(s)
	}
	return s
}

// --- file records -----------------------------------------------------

// GetFileRecord looks up the metadata row for path.
func (j *Journal) GetFileRecord(path string) (item.FileRecord, bool, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return item.FileRecord{}, false, fmt.Errorf("journal is closed")
	}

	row := j.tx.QueryRow(`
SELECT path, phash, inode, mode, modtime, type, etag, fileid, remoteperm, size, content_hash
FROM metadata WHERE phash = ?`, int64(pathHash(path)))

	var rec item.FileRecord
	var typ int
	err := row.Scan(&rec.Path, &rec.PHash, &rec.Inode, &rec.Mode, &rec.ModTime, &typ,
		&rec.Etag, &rec.FileID, &rec.RemotePerm, &rec.Size, &rec.ContentHash)
	if err == sql.ErrNoRows {
		return item.FileRecord{}, false, nil
	}
	if err != nil {
		return item.FileRecord{}, false, j.fail("getFileRecord", err)
	}
	rec.Type = item.EntryType(typ)
	return rec, true, nil
}

// SetFileRecord writes (or replaces) the metadata row for rec.Path. If
// rec.Path is a prefix of (e.g. an ancestor directory of) a path passed
// to AvoidReadFromDbOnNextSync this sync, the etag is force-written as item.InvalidEtag instead of
// rec.Etag — the etag-invalidation invariant from spec.md §4.1/§8.
func (j *Journal) SetFileRecord(rec item.FileRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return fmt.Errorf("journal is closed")
	}

	etag := rec.Etag
	for _, poisoned := range j.avoidReadFilter {
		if strings.HasPrefix(poisoned, rec.Path) {
			etag = item.InvalidEtag
			break
		}
	}

	ph := pathHash(rec.Path)
	_, err := j.tx.Exec(`
INSERT INTO metadata (phash, path, inode, mode, modtime, type, etag, fileid, remoteperm, size, content_hash)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(phash) DO UPDATE SET
	path=excluded.path, inode=excluded.inode, mode=excluded.mode,
	modtime=excluded.modtime, type=excluded.type, etag=excluded.etag,
	fileid=excluded.fileid, remoteperm=excluded.remoteperm, size=excluded.size,
	content_hash=excluded.content_hash
`, int64(ph), rec.Path, int64(rec.Inode), rec.Mode, rec.ModTime, int(rec.Type), etag, rec.FileID, rec.RemotePerm, rec.Size, rec.ContentHash)
	if err != nil {
		return j.fail("setFileRecord", err)
	}
	return nil
}

// DeleteFileRecord removes the metadata row for path. When recursive is
// true (the entity was a directory), every row whose path is a
// descendant is removed too.
func (j *Journal) DeleteFileRecord(path string, recursive bool) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return fmt.Errorf("journal is closed")
	}

	if _, err := j.tx.Exec(`DELETE FROM metadata WHERE phash = ?`, int64(pathHash(path))); err != nil {
		return j.fail("deleteFileRecord", err)
	}
	if recursive {
		if _, err := j.tx.Exec(`DELETE FROM metadata WHERE path LIKE ?`, path+"/%"); err != nil {
			return j.fail("deleteFileRecord(recursive)", err)
		}
	}
	return nil
}

// PostSyncCleanup removes every metadata row whose path is not in keep,
// then runs a WAL checkpoint — grounded on the original's
// `wal_checkpoint(FULL)` call after its post-sync row sweep.
func (j *Journal) PostSyncCleanup(keep []string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return fmt.Errorf("journal is closed")
	}

	keepSet := make(map[string]struct{}, len(keep))
	for _, p := range keep {
		keepSet[p] = struct{}{}
	}

	rows, err := j.tx.Query(`SELECT path FROM metadata`)
	if err != nil {
		return j.fail("postSyncCleanup(scan)", err)
	}
	var toDelete []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			rows.Close()
			return j.fail("postSyncCleanup(scan)", err)
		}
		if _, ok := keepSet[p]; !ok {
			toDelete = append(toDelete, p)
		}
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return j.fail("postSyncCleanup(scan)", err)
	}

	for _, p := range toDelete {
		if _, err := j.tx.Exec(`DELETE FROM metadata WHERE phash = ?`, int64(pathHash(p))); err != nil {
			return j.fail("postSyncCleanup(delete)", err)
		}
	}

	if err := j.commitLocked(true); err != nil {
		return err
	}
	if _, err := j.db.Exec(`PRAGMA wal_checkpoint(FULL);`); err != nil {
		return j.fail("postSyncCleanup(checkpoint)", err)
	}
	return nil
}

// AvoidRenamesOnNextSync clears fileid and inode for path and every
// descendant row, forcing the reconciler to treat them as fresh on the
// next sync, then calls AvoidReadFromDbOnNextSync(pathPrefix), which
// invalidates the etags of pathPrefix's ancestor directories.
func (j *Journal) AvoidRenamesOnNextSync(pathPrefix string) error {
	j.mu.Lock()
	if j.closed {
		j.mu.Unlock()
		return fmt.Errorf("journal is closed")
	}
	_, err := j.tx.Exec(`
UPDATE metadata SET fileid = '', inode = 0
WHERE path = ? OR path LIKE ?`, pathPrefix, pathPrefix+"/%")
	if err != nil {
		e := j.fail("avoidRenamesOnNextSync", err)
		j.mu.Unlock()
		return e
	}
	j.mu.Unlock()
	return j.AvoidReadFromDbOnNextSync(pathPrefix)
}

// AvoidReadFromDbOnNextSync invalidates the etag of every ancestor
// directory of fileName and records fileName so any SetFileRecord this
// sync whose path is a prefix of fileName writes item.InvalidEtag
// instead of the real etag (the etag-invalidation invariant).
func (j *Journal) AvoidReadFromDbOnNextSync(fileName string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return fmt.Errorf("journal is closed")
	}

	_, err := j.tx.Exec(`
UPDATE metadata SET etag = ?
WHERE ? LIKE (path || '/%') AND type = ?`, item.InvalidEtag, fileName, int(item.EntryTypeDir))
	if err != nil {
		return j.fail("avoidReadFromDbOnNextSync", err)
	}
	j.avoidReadFilter = append(j.avoidReadFilter, fileName)
	return nil
}

// ResetAvoidReadFilter clears the poisoned-ancestor list; called once at
// the start of each new sync run.
func (j *Journal) ResetAvoidReadFilter() {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.avoidReadFilter = nil
}
