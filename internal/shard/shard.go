// Package shard partitions string keys so registries can lock per partition
// instead of behind one process-wide mutex.
package shard

import "github.com/cespare/xxhash/v2"

const DefaultCount = 32

// Index maps key onto one of n partitions.
func Index(key string, n int) int {
	if n <= 1 {
		return 0
	}
	return int(xxhash.Sum64String(key) % uint64(n))
}
