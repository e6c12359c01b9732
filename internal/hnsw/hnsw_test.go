package hnsw

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sutra-memory/internal/storeerr"
)

func TestInsertRejectsDimensionMismatch(t *testing.T) {
	idx := New(4)
	err := idx.Insert("a", []float32{1, 2, 3})
	require.Error(t, err)
	assert.Equal(t, storeerr.DimMismatch, storeerr.KindOf(err))
}

func TestSearchFindsExactMatchFirst(t *testing.T) {
	idx := New(3)
	require.NoError(t, idx.Insert("a", []float32{1, 0, 0}))
	require.NoError(t, idx.Insert("b", []float32{0, 1, 0}))
	require.NoError(t, idx.Insert("c", []float32{0.9, 0.1, 0}))

	results, err := idx.Search([]float32{1, 0, 0}, 2, 10)
	require.NoError(t, err)
	require.NotEmpty(t, results)
	assert.Equal(t, "a", results[0].ID)
}

func TestSearchRespectsK(t *testing.T) {
	idx := New(2)
	for i, v := range [][]float32{{1, 0}, {0.9, 0.1}, {0.8, 0.2}, {0, 1}} {
		require.NoError(t, idx.Insert(string(rune('a'+i)), v))
	}

	results, err := idx.Search([]float32{1, 0}, 2, 10)
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestSearchOnEmptyIndexReturnsNoResults(t *testing.T) {
	idx := New(3)
	results, err := idx.Search([]float32{1, 2, 3}, 5, 10)
	require.NoError(t, err)
	assert.Empty(t, results)
}

func TestDeleteRemovesFromResults(t *testing.T) {
	idx := New(2)
	require.NoError(t, idx.Insert("a", []float32{1, 0}))
	require.NoError(t, idx.Insert("b", []float32{0, 1}))

	idx.Delete("a")
	assert.Equal(t, 1, idx.Len())

	results, err := idx.Search([]float32{1, 0}, 2, 10)
	require.NoError(t, err)
	for _, r := range results {
		assert.NotEqual(t, "a", r.ID)
	}
}

func TestSaveLoadRoundTrip(t *testing.T) {
	idx := New(3)
	require.NoError(t, idx.Insert("a", []float32{1, 0, 0}))
	require.NoError(t, idx.Insert("b", []float32{0, 1, 0}))
	require.NoError(t, idx.Insert("c", []float32{0, 0, 1}))

	var buf bytes.Buffer
	require.NoError(t, idx.Save(&buf))

	loaded, err := LoadOrBuild(bytes.NewReader(buf.Bytes()), int64(buf.Len()), 3, nil)
	require.NoError(t, err)
	assert.Equal(t, idx.Len(), loaded.Len())

	results, err := loaded.Search([]float32{1, 0, 0}, 1, 10)
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "a", results[0].ID)
}

func TestLoadOrBuildFallsBackWhenEmpty(t *testing.T) {
	fallback := func() ([]string, [][]float32) {
		return []string{"x", "y"}, [][]float32{{1, 0}, {0, 1}}
	}
	idx, err := LoadOrBuild(bytes.NewReader(nil), 0, 2, fallback)
	require.NoError(t, err)
	assert.Equal(t, 2, idx.Len())
}
