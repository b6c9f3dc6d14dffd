// Package restore implements spec.md §4.6: the recovery sub-flow run
// when a remote operation on a configured read-only shared path comes
// back HTTP 403.
//
// The path classifier is grounded on pudd's internal/deviceid.Derive: a
// layered fallback that tries increasingly normalised forms of the same
// input before giving up, adapted here from device-identity matching to
// directory-prefix matching.
package restore

import (
	"context"
	"strings"

	"github.com/csync/propagator/internal/item"
	"github.com/csync/propagator/internal/job"
)

// Classifier decides whether a path falls under a configured shared
// (read-only) directory.
type Classifier struct {
	// SharedPrefixes are forward-slash, root-relative directory paths
	// the server has marked read-only for this user.
	SharedPrefixes []string
}

// IsShared reports whether path sits at or under any configured shared
// prefix. Like deviceid.Derive's fallback chain, later, looser forms
// are only tried once the exact form fails to match.
func (c *Classifier) IsShared(path string) bool {
	for _, prefix := range c.SharedPrefixes {
		if withinPrefix(path, prefix) {
			return true
		}
	}
	for _, prefix := range c.SharedPrefixes {
		if withinPrefix(strings.ToLower(path), strings.ToLower(prefix)) {
			return true
		}
	}
	norm := normalizeSeparators(path)
	for _, prefix := range c.SharedPrefixes {
		if withinPrefix(norm, normalizeSeparators(prefix)) {
			return true
		}
	}
	return false
}

func withinPrefix(path, prefix string) bool {
	prefix = strings.TrimSuffix(prefix, "/")
	if prefix == "" {
		return false
	}
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func normalizeSeparators(s string) string {
	return strings.ReplaceAll(s, "\\", "/")
}

// Action is what the control loop should do in response to a 403 on a
// shared path, per spec.md §4.6.
type Action int

const (
	// ActionFailNormally means no recovery is attempted: a New or
	// TypeChange plan on a shared path just fails.
	ActionFailNormally Action = iota
	// ActionDownloadAsConflict is the Sync case: the local modification
	// is converted to a Conflict and a download is scheduled using the
	// current wall-clock time as the modtime (the true server modtime
	// is unknown at this point).
	ActionDownloadAsConflict
	// ActionDownload is the Remove/Rename case: a plain download is
	// scheduled using the prior Sync-direction behaviour.
	ActionDownload
	// ActionLocalMkdir is the directory case: a local mkdir is scheduled
	// and the subtree is marked rename-inhibited for the next sync.
	ActionLocalMkdir
)

// Resolve classifies a failed item against spec.md §4.6's table. Callers
// should only invoke this once they've confirmed the failure really was
// an HTTP 403 (job.IsForbidden) on a path the Classifier reports shared;
// Resolve itself only encodes the instruction-based branching.
func (c *Classifier) Resolve(it *item.SyncItem) Action {
	if it.IsDirectory {
		return ActionLocalMkdir
	}
	switch it.Instruction {
	case item.InstructionNew, item.InstructionTypeChange:
		return ActionFailNormally
	case item.InstructionSync:
		return ActionDownloadAsConflict
	default:
		return ActionDownload
	}
}

// RestorationItem builds the compensating download SyncItem for a
// non-directory action. now is the wall-clock Unix time used as the
// placeholder modtime for the Conflict case, where the real server
// modtime isn't known until the next PROPFIND.
func RestorationItem(it *item.SyncItem, action Action, now int64) *item.SyncItem {
	r := it.Clone()
	r.IsRestoration = true
	r.Direction = item.DirectionDown
	r.Instruction = item.InstructionSync
	r.ErrorString = ""
	switch action {
	case ActionDownloadAsConflict:
		r.Status = item.StatusConflict
		r.ModTime = now
	case ActionDownload:
		r.Status = item.StatusNoStatus
	}
	return r
}

// RestoreDirectory implements the directory branch of spec.md §4.6: a
// local mkdir so the client's own copy survives the rejected remote
// operation, plus marking the subtree rename-inhibited so the next
// sync's reconciler doesn't mistake the restored copy for a rename.
func RestoreDirectory(ctx context.Context, local job.LocalOps, journal job.Journal, path string) error {
	if err := local.Mkdir(ctx, path); err != nil {
		return err
	}
	return journal.AvoidRenamesOnNextSync(path)
}

// OriginalItemStatus is what the item that triggered the 403 reports to
// its own parent once a restoration has been scheduled for it: spec.md
// §4.6's "success, conflict or restoration parent sees SoftError — the
// sync completed work, but the user should be informed". A caller that
// got ActionFailNormally should leave the original failure status
// untouched instead of calling this.
func OriginalItemStatus() item.Status {
	return item.StatusSoftError
}
