package job

import "github.com/google/uuid"

// newJobID mints an arena key. Ids replace the source's cyclic
// parent-child object pointers (SPEC_FULL.md Design Notes).
func newJobID() string { return uuid.NewString() }

// newTransferID mints an upload-session token for the chunking-NG path,
// standing in for the opaque session id a real server would issue.
func newTransferID() string { return uuid.NewString() }
