package sharding

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestShardIsDeterministic(t *testing.T) {
	s := NewSharder(8)
	first := s.Shard("concept-123")
	for i := 0; i < 10; i++ {
		assert.Equal(t, first, s.Shard("concept-123"))
	}
}

func TestShardWithinRange(t *testing.T) {
	s := NewSharder(4)
	for _, id := range []string{"a", "b", "c", "concept-xyz", ""} {
		shard := s.Shard(id)
		assert.GreaterOrEqual(t, shard, 0)
		assert.Less(t, shard, 4)
	}
}

func TestShardDistributesAcrossShards(t *testing.T) {
	s := NewSharder(4)
	seen := make(map[int]bool)
	for i := 0; i < 1000; i++ {
		id := randomishID(i)
		seen[s.Shard(id)] = true
	}
	assert.Len(t, seen, 4, "1000 varied ids should hit every shard")
}

func TestSingleShardAlwaysZero(t *testing.T) {
	s := NewSharder(1)
	assert.Equal(t, 0, s.Shard("anything"))
}

func randomishID(i int) string {
	b := make([]byte, 0, 12)
	for i > 0 {
		b = append(b, byte('a'+i%26))
		i /= 26
	}
	if len(b) == 0 {
		b = append(b, 'a')
	}
	return string(b)
}
