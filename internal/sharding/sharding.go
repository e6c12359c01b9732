// Package sharding routes concept ids to one of a fixed number of shards
// and exposes the fixed-size set of ConcurrentMemory instances a single
// deployment runs.
package sharding

import (
	"hash/fnv"

	"github.com/cuemby/sutra-memory/internal/memory"
)

// Sharder maps a concept id to a shard index by fnv1a32(id) mod N.
type Sharder struct {
	n int
}

// NewSharder returns a Sharder over n shards. n must be one of the
// supported counts (1, 4, 8, 16); callers validate this at config load.
func NewSharder(n int) *Sharder {
	return &Sharder{n: n}
}

// Shard returns the shard index conceptID routes to.
func (s *Sharder) Shard(conceptID string) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(conceptID))
	return int(h.Sum32() % uint32(s.n))
}

// N reports the shard count.
func (s *Sharder) N() int { return s.n }

// ShardedStorage holds one ConcurrentMemory per shard and routes calls
// to the shard that owns a given concept id.
type ShardedStorage struct {
	sharder *Sharder
	shards  []*memory.ConcurrentMemory
}

// NewShardedStorage wires a Sharder around an already-constructed set of
// per-shard ConcurrentMemory instances, one per shard index.
func NewShardedStorage(shards []*memory.ConcurrentMemory) *ShardedStorage {
	return &ShardedStorage{
		sharder: NewSharder(len(shards)),
		shards:  shards,
	}
}

// Shards returns the underlying per-shard memories, for wiring
// reconcilers and startup recovery.
func (s *ShardedStorage) Shards() []*memory.ConcurrentMemory {
	return s.shards
}

// For returns the ConcurrentMemory that owns conceptID.
func (s *ShardedStorage) For(conceptID string) *memory.ConcurrentMemory {
	return s.shards[s.sharder.Shard(conceptID)]
}

// ShardOf reports the shard index conceptID routes to.
func (s *ShardedStorage) ShardOf(conceptID string) int {
	return s.sharder.Shard(conceptID)
}
