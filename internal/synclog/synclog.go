// Package synclog wraps logrus with a caller-reporting hook, in the
// style of the pack's logmgr+callerhook pairing: a single New()
// constructs the logger once, a hook stamps every entry with the
// file:line that logged it, and callers get back a *logrus.Entry rather
// than reaching for a package-level global.
package synclog

import (
	"io"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"github.com/csync/propagator/internal/item"
)

// New builds a logger at the given level ("debug", "info", "warn", ...)
// writing to out, with a caller hook attached.
func New(level string, out io.Writer) (*logrus.Entry, error) {
	lvl, err := logrus.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	log := logrus.New()
	log.Out = out
	log.Level = lvl
	log.AddHook(&callerHook{})
	return log.WithField("app", "syncctl"), nil
}

// callerHook stamps every entry with "file:line" of its logrus call
// site, the same shape as the pack's CallerHooker.Fire.
type callerHook struct{}

func (h *callerHook) Fire(entry *logrus.Entry) error {
	entry.Data["caller"] = caller(8)
	return nil
}

func (h *callerHook) Levels() []logrus.Level {
	return logrus.AllLevels
}

func caller(skip int) string {
	if _, file, line, ok := runtime.Caller(skip); ok {
		return strings.Join([]string{filepath.Base(file), strconv.Itoa(line)}, ":")
	}
	return "?"
}

// JobTransition logs one structured entry per job completion: path,
// instruction, status and (if any) error. Byte counts are formatted
// with go-humanize for the log line only — the SyncItem's own Size
// field stays a plain int64.
func JobTransition(log *logrus.Entry, it *item.SyncItem, status item.Status) {
	entry := log.WithFields(logrus.Fields{
		"path":        it.Path,
		"instruction": it.Instruction.String(),
		"status":      status.String(),
		"size":        humanize.Bytes(uint64(maxInt64(it.Size, 0))),
	})
	if status.IsError() {
		entry.Error(it.ErrorString)
		return
	}
	entry.Info("job finished")
}

func maxInt64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}
