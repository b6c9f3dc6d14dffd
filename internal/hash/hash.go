// Package hash computes content digests used to decide whether a local
// file is a genuine content change or just a metadata touch, before the
// propagator commits to an upload.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"hash"
	"hash/crc32"
	"io"
	"os"

	"github.com/zeebo/blake3"
)

// Result is a file's full digest, computed in a single pass.
type Result struct {
	Size   int64
	SHA256 string
	CRC32C uint32
}

// Compute reads path once and returns its size, SHA-256 and
// CRC32C(Castagnoli) digests together.
func Compute(path string) (Result, error) {
	f, err := os.Open(path)
	if err != nil {
		return Result{}, err
	}
	defer f.Close()

	d := NewDigester()
	if _, err := io.Copy(d, f); err != nil {
		return Result{}, err
	}
	return d.Sum(), nil
}

// Digester accumulates the same size/SHA-256/CRC32C digest as Compute,
// but as an io.Writer a caller can tee a stream through in place —
// verifying a download as its bytes land rather than reopening the file
// afterwards.
type Digester struct {
	n   int64
	sha hash.Hash
	crc hash.Hash32
}

func NewDigester() *Digester {
	return &Digester{sha: sha256.New(), crc: crc32.New(crc32.MakeTable(crc32.Castagnoli))}
}

func (d *Digester) Write(p []byte) (int, error) {
	d.n += int64(len(p))
	d.sha.Write(p)
	d.crc.Write(p)
	return len(p), nil
}

func (d *Digester) Sum() Result {
	return Result{Size: d.n, SHA256: hex.EncodeToString(d.sha.Sum(nil)), CRC32C: d.crc.Sum32()}
}

// QuickFingerprint computes a fast local digest for the upload
// decision's "is this really a content change" pre-check: size/modtime
// comparisons alone can't distinguish a touch from a rewrite-with-the-
// same-bytes, so a cheap content hash is compared before committing to
// a full upload. blake3 is used here rather than SHA-256 because this
// check runs on every candidate upload, not just the ones that proceed.
func QuickFingerprint(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	return QuickFingerprintReader(f)
}

// QuickFingerprintReader is QuickFingerprint over an already-open
// reader, for callers (internal/job) that only have a LocalOps handle
// rather than a raw path.
func QuickFingerprintReader(r io.Reader) (string, error) {
	h := blake3.New()
	if _, err := io.Copy(h, r); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
