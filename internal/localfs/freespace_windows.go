//go:build windows

package localfs

import (
	"context"

	"golang.org/x/sys/windows"
)

// FreeSpace reports bytes available to an unprivileged writer on the
// volume containing volumePath (spec.md §4.7's disk-space check).
func (f *FS) FreeSpace(ctx context.Context, volumePath string) (int64, error) {
	path, err := windows.UTF16PtrFromString(f.abs(volumePath))
	if err != nil {
		return 0, err
	}
	var freeBytesAvailable uint64
	if err := windows.GetDiskFreeSpaceEx(path, &freeBytesAvailable, nil, nil); err != nil {
		return 0, err
	}
	return int64(freeBytesAvailable), nil
}
