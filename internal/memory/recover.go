package memory

import (
	"os"
	"path/filepath"

	"github.com/cuemby/sutra-memory/internal/hnsw"
	"github.com/cuemby/sutra-memory/internal/readview"
	"github.com/cuemby/sutra-memory/internal/snapshot"
	"github.com/cuemby/sutra-memory/internal/wal"
	"github.com/cuemby/sutra-memory/internal/writelog"
	"github.com/cuemby/sutra-memory/pkg/log"
)

// Recovered bundles one shard's reconstructed components so the caller
// (internal/engine) can wire them into a Reconciler alongside the
// returned ConcurrentMemory.
type Recovered struct {
	Memory     *ConcurrentMemory
	WAL        *wal.Log
	WriteLog   *writelog.WriteLog
	Views      *readview.Store
	Index      *hnsw.Index
	Generation uint64
	// LastAppliedLSN is the highest LSN replayed at startup, i.e. the
	// watermark a subsequent Checkpoint can safely truncate up to without
	// being re-derived from scratch. Seeds the Reconciler's own watermark
	// counter so it keeps advancing instead of restarting at 0.
	LastAppliedLSN uint64
}

// Recover reconstructs one shard's state at startup: load the last
// SnapshotFile (if any), replay on top the WAL records whose LSN is above
// the watermark of the log's Checkpoint record, and load or rebuild the
// HnswContainer from hnswPath. The
// returned Recovered's Generation is the last durable generation; the
// caller seeds its Reconciler's counter from it so publishing continues
// forward instead of restarting at 0.
func Recover(dim int, walPath, snapshotPath, hnswPath, shardLabel string, writeLogCapacity int) (*Recovered, error) {
	w, err := wal.New(wal.Config{Path: walPath, SyncMode: wal.SyncImmediate})
	if err != nil {
		return nil, err
	}

	var generation uint64
	var concepts []*readview.Concept
	var assocs []readview.Association
	if _, statErr := os.Stat(snapshotPath); statErr == nil {
		generation, _, concepts, assocs, err = snapshot.Load(snapshotPath)
		if err != nil {
			return nil, err
		}
	}

	graph := newWorkingGraph()
	graph.seed(concepts, assocs)

	records, err := w.Replay()
	if err != nil {
		return nil, err
	}

	// The log's own Checkpoint record (if any) carries the LSN watermark
	// its persisted snapshot already covers; compare replayed records
	// against that watermark, not the unrelated ReadView generation.
	var watermark, lastLSN uint64
	for _, rec := range records {
		if rec.Kind == wal.Checkpoint {
			watermark, _ = wal.DecodeCheckpointPayload(rec.Payload)
		}
		if rec.LSN > lastLSN {
			lastLSN = rec.LSN
		}
	}
	for _, rec := range records {
		if rec.LSN <= watermark {
			continue
		}
		if _, _, err := graph.Apply(rec); err != nil {
			continue // a dangling or malformed record; skip rather than abort recovery
		}
	}

	concepts, assocs = graph.Snapshot()
	conceptMap, outEdges := readview.BuildMaps(concepts, assocs)

	views := readview.New(shardLabel)
	views.Seed(conceptMap, outEdges, generation)

	index, err := loadOrBuildIndex(dim, hnswPath, concepts)
	if err != nil {
		return nil, err
	}

	wl := writelog.New(writeLogCapacity, shardLabel)

	mem := &ConcurrentMemory{
		dim:      dim,
		wal:      w,
		writeLog: wl,
		views:    views,
		index:    index,
		graph:    graph,
		logger:   log.WithComponent("memory").With().Str("shard", shardLabel).Logger(),
	}

	return &Recovered{
		Memory:         mem,
		WAL:            w,
		WriteLog:       wl,
		Views:          views,
		Index:          index,
		Generation:     generation,
		LastAppliedLSN: lastLSN,
	}, nil
}

func loadOrBuildIndex(dim int, hnswPath string, concepts []*readview.Concept) (*hnsw.Index, error) {
	fallback := func() ([]string, [][]float32) {
		ids := make([]string, len(concepts))
		vecs := make([][]float32, len(concepts))
		for i, c := range concepts {
			ids[i] = c.ID
			vecs[i] = c.Embedding
		}
		return ids, vecs
	}

	f, err := os.Open(filepath.Clean(hnswPath))
	if os.IsNotExist(err) {
		return hnsw.LoadOrBuild(nil, 0, dim, fallback)
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, err
	}
	return hnsw.LoadOrBuild(f, info.Size(), dim, fallback)
}
