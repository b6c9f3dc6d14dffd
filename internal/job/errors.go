package job

import (
	"errors"
	"fmt"

	"github.com/csync/propagator/internal/item"
)

// RemoteError carries the HTTP-ish status code a RemoteOps call failed
// with, so the job layer and the restoration sub-flow (internal/restore)
// can classify it without parsing strings.
type RemoteError struct {
	Code int
	Path string
	Err  error
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote %d on %s: %v", e.Code, e.Path, e.Err)
}

func (e *RemoteError) Unwrap() error { return e.Err }

// IsForbidden reports whether err is a RemoteError with status 403.
func IsForbidden(err error) bool {
	var re *RemoteError
	return errors.As(err, &re) && re.Code == 403
}

// classify maps an error from a RemoteOps/LocalOps call to a Status and
// a blacklistable flag, per spec.md §7's error-kind taxonomy. A
// RemoteError with a 5xx, 423 or 429 code is transient (SoftError);
// every other error, including one that carries no remote status code,
// is a normal, blacklistable error.
func classify(err error) (status item.Status, blacklistable bool) {
	if err == nil {
		return item.StatusSuccess, false
	}
	var re *RemoteError
	if errors.As(err, &re) {
		switch {
		case re.Code >= 500, re.Code == 423, re.Code == 429:
			return item.StatusSoftError, false
		case re.Code == 403:
			return item.StatusNormalError, true
		default:
			return item.StatusNormalError, true
		}
	}
	return item.StatusNormalError, true
}

func failItem(it *item.SyncItem, err error) (item.Status, error) {
	status, blacklistable := classify(err)
	it.ErrorString = err.Error()
	it.ErrorMayBeBlacklisted = blacklistable
	return status, err
}
