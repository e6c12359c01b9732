package txncoord

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/sutra-memory/internal/hnsw"
	"github.com/cuemby/sutra-memory/internal/memory"
	"github.com/cuemby/sutra-memory/internal/readview"
	"github.com/cuemby/sutra-memory/internal/reconciler"
	"github.com/cuemby/sutra-memory/internal/wal"
	"github.com/cuemby/sutra-memory/internal/writelog"
)

type fakeResolver struct {
	shards []*memory.ConcurrentMemory
}

func (f *fakeResolver) ShardOf(conceptID string) int {
	if len(conceptID) == 0 {
		return 0
	}
	return int(conceptID[0]) % len(f.shards)
}

func (f *fakeResolver) For(conceptID string) *memory.ConcurrentMemory {
	return f.shards[f.ShardOf(conceptID)]
}

// rig wires a ConcurrentMemory to its own running Reconciler so writes
// made against mem become visible without the test driving the drain
// loop by hand.
type rig struct {
	mem *memory.ConcurrentMemory
	rec *reconciler.Reconciler
}

func newRig(t *testing.T, label string) *rig {
	t.Helper()
	dir := t.TempDir()
	w, err := wal.New(wal.Config{Path: filepath.Join(dir, label+".wal"), SyncMode: wal.SyncImmediate})
	require.NoError(t, err)
	t.Cleanup(func() { _ = w.Close() })

	wl := writelog.New(128, label)
	views := readview.New(label)
	index := hnsw.New(2)
	mem := memory.New(2, w, wl, views, index, label)

	rec := reconciler.New(reconciler.Config{ShardLabel: label, BatchMax: 64, Dim: 2}, w, wl, views, index, mem.Applier())
	mem.SetReconciler(rec)
	rec.Start()
	t.Cleanup(rec.Stop)

	return &rig{mem: mem, rec: rec}
}

func waitForGeneration(t *testing.T, m *memory.ConcurrentMemory, minGeneration uint64) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if m.Stats().Generation >= minGeneration {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("reconciler did not reach generation %d in time", minGeneration)
}

func TestLearnCrossShardAssociationCommitsOnBothShards(t *testing.T) {
	a := newRig(t, "a")
	b := newRig(t, "b")
	resolver := &fakeResolver{shards: []*memory.ConcurrentMemory{a.mem, b.mem}}

	dir := t.TempDir()
	coord, err := Open(dir, resolver)
	require.NoError(t, err)
	defer coord.Close()

	srcID, err := a.mem.LearnConcept("src", []float32{1, 0}, 0.5, 0.9, readview.ConceptMetadata{})
	require.NoError(t, err)
	tgtID, err := b.mem.LearnConcept("tgt", []float32{0, 1}, 0.5, 0.9, readview.ConceptMetadata{})
	require.NoError(t, err)

	waitForGeneration(t, a.mem, 1)
	waitForGeneration(t, b.mem, 1)

	require.NoError(t, coord.LearnCrossShardAssociation(srcID, tgtID, 1, 0.8))

	waitForGeneration(t, a.mem, 2)
	neighbors := a.mem.Neighbors(srcID)
	require.Contains(t, neighbors, tgtID)
}

func TestLearnCrossShardAssociationAbortsOnMissingEndpoint(t *testing.T) {
	a := newRig(t, "a2")
	b := newRig(t, "b2")
	resolver := &fakeResolver{shards: []*memory.ConcurrentMemory{a.mem, b.mem}}

	dir := t.TempDir()
	coord, err := Open(dir, resolver)
	require.NoError(t, err)
	defer coord.Close()

	srcID, err := a.mem.LearnConcept("src", []float32{1, 0}, 0.5, 0.9, readview.ConceptMetadata{})
	require.NoError(t, err)
	waitForGeneration(t, a.mem, 1)

	err = coord.LearnCrossShardAssociation(srcID, "missing-concept", 1, 0.8)
	require.Error(t, err)
}
