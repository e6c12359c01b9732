package pipeline

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sutra-memory/internal/hnsw"
	"github.com/cuemby/sutra-memory/internal/memory"
	"github.com/cuemby/sutra-memory/internal/readview"
	"github.com/cuemby/sutra-memory/internal/reconciler"
	"github.com/cuemby/sutra-memory/internal/sharding"
	"github.com/cuemby/sutra-memory/internal/wal"
	"github.com/cuemby/sutra-memory/internal/writelog"
)

type fakeEmbedder struct {
	vec     []float32
	failN   int
	calls   int
	lastErr error
}

func (f *fakeEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.calls++
	if f.calls <= f.failN {
		return nil, errors.New("embedding backend unavailable")
	}
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

type fakeExtractor struct {
	associations []ExtractedAssociation
}

func (f *fakeExtractor) Extract(content string) []ExtractedAssociation {
	return f.associations
}

func newTestStorage(t *testing.T, dim, n int) *sharding.ShardedStorage {
	t.Helper()
	shards := make([]*memory.ConcurrentMemory, n)
	for i := 0; i < n; i++ {
		dir := t.TempDir()
		w, err := wal.New(wal.Config{Path: filepath.Join(dir, "wal.log"), SyncMode: wal.SyncImmediate})
		require.NoError(t, err)
		t.Cleanup(func() { _ = w.Close() })
		wl := writelog.New(128, "shard")
		views := readview.New("shard")
		index := hnsw.New(dim)
		mem := memory.New(dim, w, wl, views, index, "shard")
		rec := reconciler.New(reconciler.Config{ShardLabel: "shard", BatchMax: 64, Dim: dim}, w, wl, views, index, mem.Applier())
		mem.SetReconciler(rec)
		rec.Start()
		t.Cleanup(rec.Stop)
		shards[i] = mem
	}
	return sharding.NewShardedStorage(shards)
}

func waitForConcept(t *testing.T, storage *sharding.ShardedStorage, id string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := storage.For(id).QueryConcept(id); ok {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("concept %s never became visible", id)
}

func TestLearnConceptV1BypassesEmbedder(t *testing.T) {
	storage := newTestStorage(t, 2, 1)
	embedder := &fakeEmbedder{}
	p := New(storage, embedder, nil)

	id, err := p.LearnConceptV1("hello world", []float32{1, 0}, 0.5, 0.9, readview.ConceptMetadata{})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	assert.Equal(t, 0, embedder.calls)
}

func TestLearnConceptV2EmbedsAndStores(t *testing.T) {
	storage := newTestStorage(t, 2, 1)
	embedder := &fakeEmbedder{vec: []float32{1, 0}}
	p := New(storage, embedder, nil)

	id, created, err := p.LearnConceptV2(context.Background(), "hello world", 0.5, 0.9, readview.ConceptMetadata{})
	require.NoError(t, err)
	require.NotEmpty(t, id)
	require.Equal(t, 0, created)
	waitForConcept(t, storage, id)
}

func TestLearnConceptV2RetriesThenSucceeds(t *testing.T) {
	storage := newTestStorage(t, 2, 1)
	embedder := &fakeEmbedder{vec: []float32{0, 1}, failN: embedRetries}
	p := New(storage, embedder, nil)

	_, _, err := p.LearnConceptV2(context.Background(), "retry me", 0.5, 0.9, readview.ConceptMetadata{})
	require.NoError(t, err)
	require.Equal(t, embedRetries+1, embedder.calls)
}

func TestLearnConceptV2FailsAfterExhaustingRetries(t *testing.T) {
	storage := newTestStorage(t, 2, 1)
	embedder := &fakeEmbedder{vec: []float32{0, 1}, failN: embedRetries + 1}
	p := New(storage, embedder, nil)

	_, _, err := p.LearnConceptV2(context.Background(), "always fails", 0.5, 0.9, readview.ConceptMetadata{})
	require.Error(t, err)
}

func TestLearnConceptV2CreatesResolvableAssociations(t *testing.T) {
	storage := newTestStorage(t, 2, 1)
	embedder := &fakeEmbedder{vec: []float32{1, 0}}

	targetID, err := New(storage, embedder, nil).LearnConceptV1("target concept", []float32{0, 1}, 0.5, 0.9, readview.ConceptMetadata{})
	require.NoError(t, err)
	waitForConcept(t, storage, targetID)

	extractor := &fakeExtractor{associations: []ExtractedAssociation{
		{TargetContent: "target concept", AssocType: 1, Confidence: 0.7},
		{TargetContent: "unresolvable nonsense", AssocType: 1, Confidence: 0.7},
	}}
	p := New(storage, embedder, extractor)

	id, created, err := p.LearnConceptV2(context.Background(), "source concept", 0.5, 0.9, readview.ConceptMetadata{})
	require.NoError(t, err)
	require.Equal(t, 1, created, "only the resolvable target should produce an association")
	require.NotEmpty(t, id)
}

