// Package policy implements spec.md §4.5: what a finished leaf item's
// status actually means once restoration, abort-in-flight and the
// blacklist are taken into account, and the blacklist update rule
// itself (§7's exponential back-off).
package policy

import (
	"fmt"
	"time"

	"github.com/csync/propagator/internal/item"
)

// BlacklistStore is the subset of internal/store.Journal this package
// needs; kept narrow so internal/job and internal/policy don't have to
// agree on a shared Journal interface.
type BlacklistStore interface {
	BlacklistEntry(path string) (item.BlacklistRecord, bool, error)
	UpdateBlacklistEntry(rec item.BlacklistRecord) error
	WipeBlacklistEntry(path string) error
}

// Clock lets tests fix "now" without calling time.Now directly.
type Clock func() int64

// Resolver applies the completion rules from spec.md §4.5 to every
// finished leaf item before its status is folded into the job tree.
type Resolver struct {
	Store          BlacklistStore
	Now            Clock
	BackoffCeiling int // max ignoreDuration, seconds; 0 means use the default ceiling
}

const defaultBackoffCeilingSeconds = 24 * 60 * 60 // 1 day

// Resolve rewrites (status, err) per spec.md §4.5 steps 1-4 and updates
// or wipes the blacklist row for it.Path (and it.OriginalPath, for
// renames) as a side effect. aborted is whether abort() is in flight for
// this sync. it.HasBlacklistEntry must already reflect whether a
// blacklist row existed when this sync started (set by whoever built
// the SyncItem from a journal read); Resolve never mutates it, so a
// single sync's repeated failures on the same path don't self-suppress
// before the next sync starts.
func (r *Resolver) Resolve(it *item.SyncItem, status item.Status, err error, aborted bool) (item.Status, error) {
	if it.IsRestoration {
		switch status {
		case item.StatusSuccess, item.StatusConflict:
			status = item.StatusRestoration
		default:
			if status.IsError() {
				err = fmt.Errorf("Restoration Failed: %w", err)
				it.ErrorString = err.Error()
			}
		}
	}

	if aborted && (status == item.StatusNormalError || status == item.StatusFatalError) {
		status = item.StatusSoftError
	}

	switch status {
	case item.StatusSuccess, item.StatusRestoration:
		r.wipe(it.Path)
		if it.OriginalPath != "" && it.OriginalPath != it.Path {
			r.wipe(it.OriginalPath)
		}
		return status, err

	case item.StatusSoftError, item.StatusNormalError, item.StatusFatalError:
		hadEntry := it.HasBlacklistEntry
		rec, hasEntryNow := r.updateBlacklist(it, status, err)
		if (it.ErrorMayBeBlacklisted || status == item.StatusNormalError) && hasEntryNow && hadEntry && rec.IgnoreDuration > 0 {
			status = item.StatusIgnored
			it.ErrorString = "Continue blacklisting: " + it.ErrorString
			return status, err
		}
		return status, err

	default:
		return status, err
	}
}

func (r *Resolver) wipe(path string) {
	if path == "" {
		return
	}
	_ = r.Store.WipeBlacklistEntry(path)
}

// updateBlacklist implements "update(old, item)" from spec.md §4.5: bump
// retryCount, stamp lastTryTime, compute ignoreDuration by exponential
// back-off. Grounded on pudd's MarkErrorWithBackoff (1 << min(attempts,
// 10) seconds), generalised into a returned record instead of a direct
// SQL UPDATE so the caller decides whether to suppress the status.
func (r *Resolver) updateBlacklist(it *item.SyncItem, status item.Status, err error) (item.BlacklistRecord, bool) {
	old, existed, _ := r.Store.BlacklistEntry(it.Path)

	rec := item.BlacklistRecord{
		Path:           it.Path,
		LastTryEtag:    it.Etag,
		LastTryModTime: it.ModTime,
		RetryCount:     old.RetryCount,
	}
	if err != nil {
		rec.ErrorString = err.Error()
	}
	if status == item.StatusSoftError {
		// Transient errors are tracked but never counted against the
		// blacklist ceiling, and never suppress the status.
		rec.RetryCount = old.RetryCount
		rec.IgnoreDuration = 0
	} else {
		rec.RetryCount = old.RetryCount + 1
		rec.IgnoreDuration = backoffSeconds(rec.RetryCount, r.ceiling())
	}
	rec.LastTryTime = r.now()

	if werr := r.Store.UpdateBlacklistEntry(rec); werr != nil {
		return rec, existed
	}
	return rec, true
}

func (r *Resolver) ceiling() int {
	if r.BackoffCeiling > 0 {
		return r.BackoffCeiling
	}
	return defaultBackoffCeilingSeconds
}

func (r *Resolver) now() int64 {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now().Unix()
}

// backoffSeconds is 1<<min(attempts,10) seconds, clamped to ceiling.
func backoffSeconds(attempts, ceiling int) int64 {
	shift := attempts
	if shift > 10 {
		shift = 10
	}
	if shift < 0 {
		shift = 0
	}
	d := 1 << shift
	if d > ceiling {
		d = ceiling
	}
	return int64(d)
}
