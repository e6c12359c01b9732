package writelog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sutra-memory/internal/storeerr"
	"github.com/cuemby/sutra-memory/internal/wal"
)

func TestPushPopRoundTrip(t *testing.T) {
	w := New(8, "test")

	rec := &wal.Record{LSN: 1, Kind: wal.LearnConcept, Payload: []byte("x")}
	require.NoError(t, w.Push(rec))

	got, ok := w.Pop()
	require.True(t, ok)
	assert.Equal(t, rec, got)
}

func TestPopOnEmptyQueueReturnsFalse(t *testing.T) {
	w := New(8, "test")
	_, ok := w.Pop()
	assert.False(t, ok)
}

func TestPushReturnsBackpressureWhenFull(t *testing.T) {
	w := New(2, "test") // rounds up to a power of two internally

	var lastErr error
	for i := 0; i < 64; i++ {
		lastErr = w.Push(&wal.Record{LSN: uint64(i), Kind: wal.LearnConcept})
		if lastErr != nil {
			break
		}
	}
	require.Error(t, lastErr)
	assert.Equal(t, storeerr.Backpressure, storeerr.KindOf(lastErr))
}

func TestLenTracksPushAndPop(t *testing.T) {
	w := New(16, "test")
	assert.Equal(t, 0, w.Len())

	require.NoError(t, w.Push(&wal.Record{LSN: 1, Kind: wal.LearnConcept}))
	require.NoError(t, w.Push(&wal.Record{LSN: 2, Kind: wal.LearnConcept}))
	assert.Equal(t, 2, w.Len())

	_, ok := w.Pop()
	require.True(t, ok)
	assert.Equal(t, 1, w.Len())
}

func TestDrainAllReturnsEverythingPushed(t *testing.T) {
	w := New(16, "test")
	for i := 0; i < 5; i++ {
		require.NoError(t, w.Push(&wal.Record{LSN: uint64(i), Kind: wal.LearnConcept}))
	}

	records := w.DrainAll()
	require.Len(t, records, 5)
	for i, rec := range records {
		assert.Equal(t, uint64(i), rec.LSN)
	}
}
