// Package shard maps string keys onto a fixed number of lock stripes so that
// unrelated entities never contend on the same mutex.
package shard

import "github.com/cespare/xxhash/v2"

// DefaultCount is the stripe count used by the registries.
const DefaultCount = 32

// For returns the stripe index of key among n stripes.
func For(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}
