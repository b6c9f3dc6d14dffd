//go:build unix

package localfs

import (
	"context"

	"golang.org/x/sys/unix"
)

// FreeSpace reports bytes available to an unprivileged writer on the
// volume containing volumePath (spec.md §4.7's disk-space check).
func (f *FS) FreeSpace(ctx context.Context, volumePath string) (int64, error) {
	var st unix.Statfs_t
	if err := unix.Statfs(f.abs(volumePath), &st); err != nil {
		return 0, err
	}
	return int64(st.Bavail) * int64(st.Bsize), nil
}
