package store

import (
	"fmt"

	"github.com/csync/propagator/internal/item"
)

// GetPollInfos returns every persisted poll record, for C6's startup
// continuation walk.
func (j *Journal) GetPollInfos() ([]item.PollRecord, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return nil, fmt.Errorf("journal is closed")
	}

	rows, err := j.tx.Query(`SELECT path, modtime, poll_url FROM poll_info`)
	if err != nil {
		return nil, j.fail("getPollInfos", err)
	}
	defer rows.Close()

	var out []item.PollRecord
	for rows.Next() {
		var r item.PollRecord
		if err := rows.Scan(&r.Path, &r.ModTime, &r.PollURL); err != nil {
			return nil, j.fail("getPollInfos", err)
		}
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, j.fail("getPollInfos", err)
	}
	return out, nil
}

// SetPollInfo writes (or, when rec.PollURL is empty, deletes) the poll
// row for rec.Path.
func (j *Journal) SetPollInfo(rec item.PollRecord) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.closed {
		return fmt.Errorf("journal is closed")
	}
	if rec.PollURL == "" {
		if _, err := j.tx.Exec(`DELETE FROM poll_info WHERE path = ?`, rec.Path); err != nil {
			return j.fail("setPollInfo(delete)", err)
		}
		return nil
	}
	_, err := j.tx.Exec(`
INSERT INTO poll_info (path, modtime, poll_url) VALUES (?, ?, ?)
ON CONFLICT(path) DO UPDATE SET modtime=excluded.modtime, poll_url=excluded.poll_url
`, rec.Path, rec.ModTime, rec.PollURL)
	if err != nil {
		return j.fail("setPollInfo", err)
	}
	return nil
}
