package remote

import (
	"context"
	"io"

	"golang.org/x/time/rate"

	"github.com/csync/propagator/internal/job"
)

// BandwidthLimited wraps a RemoteOps with a per-connection byte-rate cap
// (spec.md §4.4's "any per-connection bandwidth limit is set" condition,
// which forces the propagator's softMax down to 1). Only the
// byte-moving calls — Get, PutV1, PutChunkNG — are throttled; metadata
// operations pass straight through.
type BandwidthLimited struct {
	job.RemoteOps
	limiter *rate.Limiter
}

// NewBandwidthLimited wraps inner with a token-bucket limiter capped at
// bytesPerSecond, with a burst of one second's worth of transfer, but
// never less than 1 MiB.
func NewBandwidthLimited(inner job.RemoteOps, bytesPerSecond int) *BandwidthLimited {
	burst := bytesPerSecond
	if burst < 1<<20 {
		burst = 1 << 20 // large enough that a single io.Copy buffer never exceeds it
	}
	return &BandwidthLimited{
		RemoteOps: inner,
		limiter:   rate.NewLimiter(rate.Limit(bytesPerSecond), burst),
	}
}

func (b *BandwidthLimited) Get(ctx context.Context, path string, w io.Writer) (string, error) {
	return b.RemoteOps.Get(ctx, path, &limitedWriter{ctx: ctx, w: w, limiter: b.limiter})
}

func (b *BandwidthLimited) PutV1(ctx context.Context, path string, r io.Reader, size, modTime int64) (job.RemoteInfo, error) {
	return b.RemoteOps.PutV1(ctx, path, &limitedReader{ctx: ctx, r: r, limiter: b.limiter}, size, modTime)
}

func (b *BandwidthLimited) PutChunkNG(ctx context.Context, path, transferID string, chunkIndex int, r io.Reader, final bool, size, modTime int64) (job.PutChunkResult, error) {
	return b.RemoteOps.PutChunkNG(ctx, path, transferID, chunkIndex, &limitedReader{ctx: ctx, r: r, limiter: b.limiter}, final, size, modTime)
}

type limitedReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (l *limitedReader) Read(p []byte) (int, error) {
	n, err := l.r.Read(p)
	if n > 0 {
		if werr := l.limiter.WaitN(l.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}

type limitedWriter struct {
	ctx     context.Context
	w       io.Writer
	limiter *rate.Limiter
}

func (l *limitedWriter) Write(p []byte) (int, error) {
	n, err := l.w.Write(p)
	if n > 0 {
		if werr := l.limiter.WaitN(l.ctx, n); werr != nil {
			return n, werr
		}
	}
	return n, err
}
