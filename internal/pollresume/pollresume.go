// Package pollresume implements C6: on startup, walk every persisted
// poll handle and ask the remote whether the async upload it was
// waiting on has finished, so a crash between "chunk finalised" and
// "poll confirmed" doesn't strand the upload forever.
//
// Grounded on the pack's own discover.DiscoverAndInsert: iterate a set
// of rows with ctx cancellation checked per item, call a per-item
// handler, propagate the first hard error. Here the "rows" are
// PollRecords instead of filesystem walk entries.
package pollresume

import (
	"context"

	"github.com/csync/propagator/internal/item"
	"github.com/csync/propagator/internal/job"
)

// Journal is the subset of store.Journal this package needs.
type Journal interface {
	GetPollInfos() ([]item.PollRecord, error)
	SetPollInfo(rec item.PollRecord) error
	SetFileRecord(rec item.FileRecord) error
}

// Outcome is what happened to one resumed poll handle.
type Outcome struct {
	Path      string
	Completed bool
	Err       error
}

// Resume walks every persisted poll record and asks the remote for its
// status: a Done result finalises the file record and clears the poll
// row; an in-progress result is left untouched for the next startup;
// any other error is reported but doesn't stop the walk, matching
// DiscoverAndInsert's per-root (not per-file) error propagation being
// generalised down to per-record here so one stuck handle can't block
// every other resume.
func Resume(ctx context.Context, j Journal, remote job.RemoteOps) ([]Outcome, error) {
	records, err := j.GetPollInfos()
	if err != nil {
		return nil, err
	}

	var outcomes []Outcome
	for _, rec := range records {
		select {
		case <-ctx.Done():
			return outcomes, ctx.Err()
		default:
		}

		result, err := remote.Poll(ctx, rec.PollURL)
		if err != nil {
			outcomes = append(outcomes, Outcome{Path: rec.Path, Err: err})
			continue
		}
		if !result.Done {
			outcomes = append(outcomes, Outcome{Path: rec.Path})
			continue
		}

		if err := j.SetFileRecord(item.FileRecord{
			Path: rec.Path, Type: item.EntryTypeFile,
			Etag: result.Info.Etag, FileID: result.Info.FileID,
			RemotePerm: result.Info.Perm, Size: result.Info.Size, ModTime: rec.ModTime,
		}); err != nil {
			outcomes = append(outcomes, Outcome{Path: rec.Path, Err: err})
			continue
		}
		if err := j.SetPollInfo(item.PollRecord{Path: rec.Path}); err != nil {
			outcomes = append(outcomes, Outcome{Path: rec.Path, Err: err})
			continue
		}
		outcomes = append(outcomes, Outcome{Path: rec.Path, Completed: true})
	}
	return outcomes, nil
}
