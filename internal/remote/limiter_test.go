package remote

import (
	"context"
	"io"
	"strings"
	"testing"

	"github.com/csync/propagator/internal/job"
)

type recordingRemote struct {
	job.RemoteOps
	gotSize int64
}

func (r *recordingRemote) PutV1(ctx context.Context, path string, rdr io.Reader, size, modTime int64) (job.RemoteInfo, error) {
	r.gotSize = size
	buf := make([]byte, size)
	n, _ := rdr.Read(buf)
	return job.RemoteInfo{Etag: string(buf[:n])}, nil
}

func TestBandwidthLimitedPassesBytesThroughUnmodified(t *testing.T) {
	inner := &recordingRemote{}
	limited := NewBandwidthLimited(inner, 1<<20)

	info, err := limited.PutV1(context.Background(), "a.txt", strings.NewReader("payload"), 7, 0)
	if err != nil {
		t.Fatalf("PutV1: %v", err)
	}
	if info.Etag != "payload" {
		t.Fatalf("bytes were altered by the limiter: got %q", info.Etag)
	}
	if inner.gotSize != 7 {
		t.Fatalf("size passthrough = %d, want 7", inner.gotSize)
	}
}

func TestBandwidthLimitedBurstCoversSmallTransfers(t *testing.T) {
	// A limiter configured for a rate below any single small write must
	// still not error out on that write, since burst is floored at 1MiB.
	limited := NewBandwidthLimited(&recordingRemote{}, 1)
	if limited.limiter.Burst() < len("payload") {
		t.Fatalf("burst too small for a single small write: %d", limited.limiter.Burst())
	}
}
