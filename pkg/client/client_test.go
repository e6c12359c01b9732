package client

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/sutra-memory/internal/hnsw"
	"github.com/cuemby/sutra-memory/internal/memory"
	"github.com/cuemby/sutra-memory/internal/pipeline"
	"github.com/cuemby/sutra-memory/internal/readview"
	"github.com/cuemby/sutra-memory/internal/reconciler"
	"github.com/cuemby/sutra-memory/internal/server"
	"github.com/cuemby/sutra-memory/internal/sharding"
	"github.com/cuemby/sutra-memory/internal/wal"
	"github.com/cuemby/sutra-memory/internal/writelog"
)

const testDim = 2

func startTestServer(t *testing.T) *Client {
	t.Helper()

	dir := t.TempDir()
	w, err := wal.New(wal.Config{Path: filepath.Join(dir, "wal.log"), SyncMode: wal.SyncImmediate})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })
	wl := writelog.New(128, "shard")
	views := readview.New("shard")
	index := hnsw.New(testDim)
	mem := memory.New(testDim, w, wl, views, index, "shard")
	rec := reconciler.New(reconciler.Config{ShardLabel: "shard", BatchMax: 64, Dim: testDim}, w, wl, views, index, mem.Applier())
	mem.SetReconciler(rec)
	rec.Start()
	t.Cleanup(rec.Stop)

	storage := sharding.NewShardedStorage([]*memory.ConcurrentMemory{mem})
	p := pipeline.New(storage, nil, nil)
	srv := server.New(server.Config{Addr: "127.0.0.1:0", DevMode: true}, storage, p, nil)

	ctx, cancel := context.WithCancel(context.Background())
	go func() { _ = srv.Serve(ctx) }()
	t.Cleanup(cancel)

	c, err := Dial(srv.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestHealthCheck(t *testing.T) {
	c := startTestServer(t)
	require.NoError(t, c.HealthCheck())
}

func TestLearnConceptThenQueryConcept(t *testing.T) {
	c := startTestServer(t)

	id, err := c.LearnConcept("hello world", []float32{1, 0}, 0.5, 0.9, readview.ConceptMetadata{OrganizationID: "org1"})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	require.NoError(t, c.Flush())

	resp, err := c.QueryConcept(id)
	require.NoError(t, err)
	require.Equal(t, "hello world", resp.Content)
	require.Equal(t, id, resp.ID)
}

func TestQueryConceptMissingReturnsError(t *testing.T) {
	c := startTestServer(t)
	_, err := c.QueryConcept("doesnotexist0000")
	require.Error(t, err)
}

func TestLearnAssociationAndFindPath(t *testing.T) {
	c := startTestServer(t)

	a, err := c.LearnConcept("a", []float32{1, 0}, 0, 0, readview.ConceptMetadata{})
	require.NoError(t, err)
	b, err := c.LearnConcept("b", []float32{0, 1}, 0, 0, readview.ConceptMetadata{})
	require.NoError(t, err)
	require.NoError(t, c.Flush())

	require.NoError(t, c.LearnAssociation(a, b, 1, 0.8))
	require.NoError(t, c.Flush())

	neighbors, err := c.GetNeighbors(a)
	require.NoError(t, err)
	require.Contains(t, neighbors, b)

	path, err := c.FindPath(a, b, 4)
	require.NoError(t, err)
	require.Equal(t, []string{a, b}, path)
}

func TestGetStatsReflectsLearnedConcepts(t *testing.T) {
	c := startTestServer(t)

	_, err := c.LearnConcept("a concept", []float32{1, 0}, 0, 0, readview.ConceptMetadata{})
	require.NoError(t, err)
	require.NoError(t, c.Flush())

	stats, err := c.GetStats()
	require.NoError(t, err)
	require.GreaterOrEqual(t, stats.ConceptCount, uint32(1))
}
