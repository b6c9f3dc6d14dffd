package store

import "github.com/cespare/xxhash/v2"

// pathHash computes the 64-bit path hash used as metadata's primary key.
// The source uses a Jenkins one-at-a-time hash; xxhash is the idiomatic
// modern Go stand-in for the same "fast 64-bit, collision-free for
// realistic tree sizes" requirement (spec.md §3's phash invariant).
func pathHash(path string) uint64 {
	return xxhash.Sum64String(path)
}
