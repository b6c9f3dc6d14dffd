package item

// FileRecord is a journal row keyed by phash(path). It carries the
// metadata needed to detect local/remote changes on the next sync.
type FileRecord struct {
	Path       string
	PHash      uint64
	Inode      uint64
	Mode       uint32
	ModTime    int64
	Type       EntryType
	Etag       string
	FileID     string
	RemotePerm string
	Size       int64
	// ContentHash is the blake3 quick fingerprint recorded by the last
	// successful download or single-PUT upload, used to tell a genuine
	// content change from a metadata-only touch before committing to a
	// full upload. Chunked uploads, renames and poll continuation write
	// it empty.
	ContentHash string
}

// EntryType mirrors the source's csync_ftw type tags.
type EntryType int

const (
	EntryTypeFile EntryType = iota + 1
	EntryTypeDir
	EntryTypeSymlink
)

// InvalidEtag is written in place of a real etag once
// avoidReadFromDbOnNextSync has poisoned an ancestor directory for the
// remainder of the current sync run.
const InvalidEtag = "_invalid_"

// DownloadResume tracks a partially-downloaded file so a crash or abort
// can resume instead of restarting the transfer.
type DownloadResume struct {
	Path       string
	TmpFile    string
	Etag       string
	ErrorCount int
}

// UploadResume tracks a chunked upload in flight across syncs.
type UploadResume struct {
	Path       string
	Chunk      int
	TransferID string
	ErrorCount int
	Size       int64
	ModTime    int64
}

// BlacklistRecord is the local record of a path that has failed too
// often to keep re-notifying the user about.
type BlacklistRecord struct {
	Path           string
	LastTryEtag    string
	LastTryModTime int64
	RetryCount     int
	ErrorString    string
	LastTryTime    int64
	IgnoreDuration int64 // seconds; >0 means "suppress this error"
}

// PollRecord is a persisted handle to an asynchronous server-side upload
// finalisation ("come back later").
type PollRecord struct {
	Path    string
	ModTime int64
	PollURL string
}

// VersionRow is the journal's single schema-version row.
type VersionRow struct {
	Major, Minor, Patch, Build int
}
