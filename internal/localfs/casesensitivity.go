package localfs

import (
	"context"
	"os"
	"path/filepath"
	"runtime"

	"github.com/csync/propagator/internal/job"
)

func goos() string { return runtime.GOOS }

// detectCaseSensitivity implements the original client's three-strategy
// case-clash detection (Windows FindFirstFile, case-preserving HFS+,
// case-sensitive Linux) as a single pure dispatcher: goos picks the
// known-ahead-of-time answer where the OS is unambiguous, and only
// falls back to probe for the one platform where it genuinely isn't
// (APFS can be formatted either way). Keeping this pure — goos and
// probe are both parameters — is what makes it testable for every OS
// branch without needing one machine per filesystem.
func detectCaseSensitivity(goos string, probe func() (job.CaseSensitivity, error)) (job.CaseSensitivity, error) {
	switch goos {
	case "windows":
		return job.CasePreserving, nil
	case "linux":
		return job.CaseSensitive, nil
	default:
		return probe()
	}
}

// CaseSensitivity reports the case-clash behaviour of the volume
// containing volumePath: the fixed answer on windows and linux, and the
// result of actually probing the volume on every other OS (e.g. darwin,
// where APFS can be formatted either way).
func (f *FS) CaseSensitivity(ctx context.Context, volumePath string) (job.CaseSensitivity, error) {
	return detectCaseSensitivity(goos(), func() (job.CaseSensitivity, error) {
		return probeCaseSensitivity(f.abs(volumePath))
	})
}

// probeCaseSensitivity creates a marker file and stats it back under a
// case-flipped name: if the flipped name resolves to the same file, the
// volume is case-preserving (insensitive); otherwise it's sensitive.
func probeCaseSensitivity(dir string) (job.CaseSensitivity, error) {
	marker := filepath.Join(dir, ".csync_case_probe")
	flipped := filepath.Join(dir, ".CSYNC_CASE_PROBE")

	if err := os.WriteFile(marker, []byte("x"), 0o644); err != nil {
		return job.CaseSensitive, err
	}
	defer os.Remove(marker)

	if _, err := os.Stat(flipped); err == nil {
		return job.CasePreserving, nil
	}
	return job.CaseSensitive, nil
}
