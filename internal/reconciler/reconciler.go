// Package reconciler runs the single goroutine per shard that drains the
// WriteLog, applies each record to the shard's working graph, publishes
// a freshly built ReadView, keeps the
// HnswContainer in step, and periodically persists a SnapshotFile and
// checkpoints the WAL.
package reconciler

import (
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/cuemby/sutra-memory/internal/hnsw"
	"github.com/cuemby/sutra-memory/internal/readview"
	"github.com/cuemby/sutra-memory/internal/snapshot"
	"github.com/cuemby/sutra-memory/internal/storeerr"
	"github.com/cuemby/sutra-memory/internal/wal"
	"github.com/cuemby/sutra-memory/internal/writelog"
	"github.com/cuemby/sutra-memory/pkg/log"
	"github.com/cuemby/sutra-memory/pkg/metrics"
)

const (
	lowInterval = 100 * time.Millisecond
	midInterval = 10 * time.Millisecond

	lowWatermark  = 0.20
	highWatermark = 0.70

	defaultBatchMax      = 256
	defaultCheckpointN   = 100
	defaultCheckpointT   = 30 * time.Second
	emaAlpha             = 0.3
	forceDrainAfterStale = 100 * time.Millisecond
)

// Applier applies one WAL record to the next generation of a shard's
// graph state. It is supplied by internal/memory, which owns the concept
// and association maps the reconciler is rebuilding.
type Applier interface {
	// Apply mutates its working copy of the graph for one record. A
	// non-empty conceptID with a non-nil embedding means the caller
	// should (re)insert that vector into the HnswContainer; a non-empty
	// conceptID with a nil embedding means the concept was deleted and
	// should be removed from the index instead.
	Apply(rec *wal.Record) (conceptID string, embedding []float32, err error)
	// Snapshot returns the full concept/association set for persistence
	// and for publishing the next ReadView.
	Snapshot() (concepts []*readview.Concept, assocs []readview.Association)
}

// Config configures one shard's Reconciler.
type Config struct {
	ShardLabel      string
	BatchMax        int
	CheckpointEvery int           // persist every N batches
	CheckpointAfter time.Duration // or after this much time, whichever first
	SnapshotPath    string
	HnswPath        string
	Dim             int
	// InitialGeneration seeds the reconciler's generation counter after
	// startup recovery has already published a ReadView at this
	// generation, so the next publish continues counting forward
	// instead of restarting at 0.
	InitialGeneration uint64
	// InitialLastAppliedLSN seeds the reconciler's checkpoint watermark
	// from what startup recovery already replayed, so the first
	// Checkpoint after restart only reclaims what it has actually
	// re-covered rather than treating everything in the log as new.
	InitialLastAppliedLSN uint64
}

// Reconciler is the sole mutator of one shard's ReadView and HnswContainer.
type Reconciler struct {
	cfg      Config
	wal      *wal.Log
	writeLog *writelog.WriteLog
	views    *readview.Store
	index    *hnsw.Index
	applier  Applier

	logger  zerolog.Logger
	mu      sync.RWMutex
	stopCh  chan struct{}
	flushCh chan chan error

	ema            float64
	batchesSince   int
	lastPersisted  time.Time
	lastDrain      time.Time
	generation     uint64
	lastAppliedLSN uint64
}

// New constructs a Reconciler for one shard; it does not start running
// until Start is called.
func New(cfg Config, w *wal.Log, wl *writelog.WriteLog, views *readview.Store, index *hnsw.Index, applier Applier) *Reconciler {
	if cfg.BatchMax <= 0 {
		cfg.BatchMax = defaultBatchMax
	}
	if cfg.CheckpointEvery <= 0 {
		cfg.CheckpointEvery = defaultCheckpointN
	}
	if cfg.CheckpointAfter <= 0 {
		cfg.CheckpointAfter = defaultCheckpointT
	}
	return &Reconciler{
		cfg:            cfg,
		wal:            w,
		writeLog:       wl,
		views:          views,
		index:          index,
		applier:        applier,
		logger:         log.WithComponent("reconciler").With().Str("shard", cfg.ShardLabel).Logger(),
		stopCh:         make(chan struct{}),
		flushCh:        make(chan chan error),
		generation:     cfg.InitialGeneration,
		lastAppliedLSN: cfg.InitialLastAppliedLSN,
	}
}

// Start begins the reconciliation loop on its own goroutine.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop signals the loop to exit; it does not wait for the goroutine to
// finish, matching the teacher's fire-and-forget shutdown.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

// Flush requests that the running loop drain every currently queued
// record, publish the resulting ReadView, and force a synchronous
// snapshot+checkpoint, then blocks until that has happened. A caller
// observing Flush return nil is guaranteed every mutation enqueued
// beforehand is both durable and visible to subsequent reads.
func (r *Reconciler) Flush() error {
	reply := make(chan error, 1)
	select {
	case r.flushCh <- reply:
	case <-r.stopCh:
		return storeerr.New(storeerr.Internal, "reconciler: flush requested after stop")
	}
	select {
	case err := <-reply:
		return err
	case <-r.stopCh:
		return storeerr.New(storeerr.Internal, "reconciler: stopped while flushing")
	}
}

func (r *Reconciler) run() {
	interval := lowInterval
	timer := time.NewTimer(interval)
	defer timer.Stop()

	r.logger.Info().Msg("reconciler started")
	r.lastDrain = time.Now()

	for {
		select {
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		case reply := <-r.flushCh:
			reply <- r.drain()
			r.lastDrain = time.Now()
		case <-timer.C:
			depth := r.writeLog.Len()
			r.updateEMA(float64(depth))

			util := 0.0
			if cap := r.writeLog.Capacity(); cap > 0 {
				util = r.ema / float64(cap)
			}
			interval = targetInterval(util)

			staleDrain := time.Since(r.lastDrain) > forceDrainAfterStale
			if depth > 0 || staleDrain {
				r.reconcile(depth)
				r.lastDrain = time.Now()
			}

			metrics.ReconcilerCurrentIntervalMS.WithLabelValues(r.cfg.ShardLabel).Set(float64(interval.Milliseconds()))
			metrics.ReconcilerHealthScore.WithLabelValues(r.cfg.ShardLabel).Set(clamp01(1 - util))
			timer.Reset(interval)
		}
	}
}

// targetInterval maps queue utilization to the next sleep interval per
// the low/mid/high watermark bands, linearly interpolating 5ms down to
// 1ms across the high band.
func targetInterval(util float64) time.Duration {
	const highBandMax = 5 * time.Millisecond
	const highBandMin = time.Millisecond

	switch {
	case util < lowWatermark:
		return lowInterval
	case util < highWatermark:
		return midInterval
	default:
		frac := (util - highWatermark) / (1.0 - highWatermark)
		if frac > 1 {
			frac = 1
		}
		return highBandMax - time.Duration(frac*float64(highBandMax-highBandMin))
	}
}

func (r *Reconciler) updateEMA(sample float64) {
	if r.ema == 0 {
		r.ema = sample
		return
	}
	r.ema = emaAlpha*sample + (1-emaAlpha)*r.ema
}

// reconcile drains up to the shard's batch budget, applies each record,
// publishes the resulting ReadView, and occasionally persists durably.
func (r *Reconciler) reconcile(depth int) {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconcilerCycleDuration)
		metrics.ReconcilerCyclesTotal.WithLabelValues(r.cfg.ShardLabel).Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	budget := r.cfg.BatchMax
	applied := 0
	for applied < budget {
		rec, ok := r.writeLog.Pop()
		if !ok {
			break
		}
		r.applyOne(rec)
		applied++
	}
	if applied == 0 {
		return
	}

	r.generation++
	concepts, assocs := r.applier.Snapshot()
	conceptMap, outEdges := readview.BuildMaps(concepts, assocs)
	r.views.Publish(conceptMap, outEdges, r.generation)
	metrics.HNSWIndexSize.WithLabelValues(r.cfg.ShardLabel).Set(float64(len(concepts)))

	r.batchesSince++
	if r.batchesSince >= r.cfg.CheckpointEvery || time.Since(r.lastPersisted) >= r.cfg.CheckpointAfter {
		// Already logged inside persist; the periodic path retries on
		// its next cycle rather than propagating to a caller.
		_ = r.persist(concepts, assocs)
	}
}

// drain pops every record currently queued (no batch budget), applies
// each, publishes, and forces a synchronous persist+checkpoint
// regardless of the periodic path's batch/time thresholds. Used by
// Flush, whose caller blocks on the returned error.
func (r *Reconciler) drain() error {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconcilerCycleDuration)
		metrics.ReconcilerCyclesTotal.WithLabelValues(r.cfg.ShardLabel).Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	applied := 0
	for {
		rec, ok := r.writeLog.Pop()
		if !ok {
			break
		}
		r.applyOne(rec)
		applied++
	}

	if applied > 0 {
		r.generation++
	}
	concepts, assocs := r.applier.Snapshot()
	if applied > 0 {
		conceptMap, outEdges := readview.BuildMaps(concepts, assocs)
		r.views.Publish(conceptMap, outEdges, r.generation)
		metrics.HNSWIndexSize.WithLabelValues(r.cfg.ShardLabel).Set(float64(len(concepts)))
	}

	return r.persist(concepts, assocs)
}

// applyOne applies one popped record to the working graph and the
// HnswContainer; it assumes r.mu is already held.
func (r *Reconciler) applyOne(rec *wal.Record) {
	conceptID, embedding, err := r.applier.Apply(rec)
	r.lastAppliedLSN = rec.LSN
	if err != nil {
		// A dangling association should have been caught by
		// learn_association's pre-WAL validation; treat this as a
		// defensive, logged-and-skipped case rather than halting
		// the shard.
		r.logger.Error().Err(err).Uint64("lsn", rec.LSN).Msg("skipping record that failed to apply")
		return
	}
	if conceptID == "" {
		return
	}
	if embedding != nil {
		if err := r.index.Insert(conceptID, embedding); err != nil {
			r.logger.Error().Err(err).Str("concept_id", conceptID).Msg("hnsw insert failed")
		}
		return
	}
	r.index.Delete(conceptID)
}

// persist writes a snapshot and HnswContainer file, then checkpoints the
// WAL up to the LSN watermark just captured. Errors are logged by the
// caller's context: the periodic path logs and retries next cycle, Flush
// propagates the error to its caller.
func (r *Reconciler) persist(concepts []*readview.Concept, assocs []readview.Association) error {
	persistTimer := metrics.NewTimer()
	if r.cfg.HnswPath != "" {
		if err := r.saveHnsw(); err != nil {
			r.logger.Error().Err(err).Msg("hnsw save failed")
			return err
		}
	}
	if r.cfg.SnapshotPath != "" {
		if err := snapshot.Write(r.cfg.SnapshotPath, r.generation, r.cfg.Dim, concepts, assocs); err != nil {
			r.logger.Error().Err(err).Msg("snapshot write failed")
			return err
		}
	}
	persistTimer.ObserveDuration(metrics.SnapshotWriteDuration)

	if err := r.wal.Checkpoint(r.lastAppliedLSN, r.generation); err != nil {
		r.logger.Error().Err(err).Msg("wal checkpoint failed")
		return err
	}
	r.batchesSince = 0
	r.lastPersisted = time.Now()
	return nil
}

// saveHnsw writes the index to a temp file and renames it into place so a
// reader never observes a partially written index file.
func (r *Reconciler) saveHnsw() error {
	tmp := r.cfg.HnswPath + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return err
	}
	if err := r.index.Save(f); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, r.cfg.HnswPath)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
