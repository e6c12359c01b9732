// Package engine wires every component of a single sutra-memory
// deployment together: per-shard recovery, reconciler goroutines,
// cross-shard transaction recovery, and the wire-protocol server.
package engine

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/rs/zerolog"

	"github.com/cuemby/sutra-memory/internal/memory"
	"github.com/cuemby/sutra-memory/internal/pipeline"
	"github.com/cuemby/sutra-memory/internal/reconciler"
	"github.com/cuemby/sutra-memory/internal/server"
	"github.com/cuemby/sutra-memory/internal/sharding"
	"github.com/cuemby/sutra-memory/internal/storeerr"
	"github.com/cuemby/sutra-memory/internal/txncoord"
	"github.com/cuemby/sutra-memory/internal/wal"
	"github.com/cuemby/sutra-memory/pkg/log"
)

const (
	defaultWriteLogCapacity = 4096
	defaultBatchMax         = 256
	defaultCheckpointEvery  = 64
)

// Options configures a single Engine instance. It is the narrow subset
// of config.Config that engine construction actually needs, kept
// independent of internal/config so engine can be driven directly from
// tests without a pflag.FlagSet.
type Options struct {
	DataDir      string
	Dim          int
	Shards       int
	Bind         string
	TLSCert      string
	TLSKey       string
	DevMode      bool
	EmbeddingURL string
}

// Engine owns every shard's reconciler and the server listening on top
// of them, plus the cross-shard transaction coordinator.
type Engine struct {
	opts        Options
	storage     *sharding.ShardedStorage
	reconcilers []*reconciler.Reconciler
	coordinator *txncoord.TxnCoordinator
	wals        []*wal.Log
	srv         *server.Server
	logger      zerolog.Logger
}

// New recovers every shard's state, constructs its reconciler, recovers
// any in-flight cross-shard transaction, and returns an Engine ready to
// Serve. It starts neither the reconcilers nor the listener; Serve does.
func New(opts Options, embedder pipeline.EmbeddingClient, extractor pipeline.AssociationExtractor) (*Engine, error) {
	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, storeerr.Wrap(storeerr.DiskFull, "engine: create data directory", err)
	}
	if _, err := loadOrInitMeta(opts.DataDir, opts.Dim, opts.Shards); err != nil {
		return nil, err
	}

	shards := make([]*memory.ConcurrentMemory, opts.Shards)
	reconcilers := make([]*reconciler.Reconciler, opts.Shards)
	wals := make(map[int]*wal.Log, opts.Shards)
	walList := make([]*wal.Log, 0, opts.Shards)

	for i := 0; i < opts.Shards; i++ {
		shardDir := filepath.Join(opts.DataDir, fmt.Sprintf("shard-%d", i))
		if err := os.MkdirAll(shardDir, 0755); err != nil {
			return nil, storeerr.Wrap(storeerr.DiskFull, "engine: create shard directory", err)
		}

		shardLabel := fmt.Sprintf("%d", i)
		rec, err := memory.Recover(
			opts.Dim,
			filepath.Join(shardDir, "wal.log"),
			filepath.Join(shardDir, "storage.dat"),
			filepath.Join(shardDir, "storage.idx"),
			shardLabel,
			defaultWriteLogCapacity,
		)
		if err != nil {
			return nil, err
		}

		shards[i] = rec.Memory
		wals[i] = rec.WAL
		walList = append(walList, rec.WAL)

		reconcilers[i] = reconciler.New(reconciler.Config{
			ShardLabel:            shardLabel,
			BatchMax:              defaultBatchMax,
			CheckpointEvery:       defaultCheckpointEvery,
			SnapshotPath:          filepath.Join(shardDir, "storage.dat"),
			HnswPath:              filepath.Join(shardDir, "storage.idx"),
			Dim:                   opts.Dim,
			InitialGeneration:     rec.Generation,
			InitialLastAppliedLSN: rec.LastAppliedLSN,
		}, rec.WAL, rec.WriteLog, rec.Views, rec.Index, rec.Memory.Applier())
		rec.Memory.SetReconciler(reconcilers[i])
	}

	storage := sharding.NewShardedStorage(shards)

	var coordinator *txncoord.TxnCoordinator
	if opts.Shards > 1 {
		var err error
		coordinator, err = txncoord.Open(opts.DataDir, storage)
		if err != nil {
			return nil, err
		}
		if err := coordinator.Recover(wals); err != nil {
			return nil, err
		}
	}

	p := pipeline.New(storage, embedder, extractor)
	srv := server.New(server.Config{
		Addr:    opts.Bind,
		TLSCert: opts.TLSCert,
		TLSKey:  opts.TLSKey,
		DevMode: opts.DevMode,
	}, storage, p, coordinator)

	return &Engine{
		opts:        opts,
		storage:     storage,
		reconcilers: reconcilers,
		coordinator: coordinator,
		wals:        walList,
		srv:         srv,
		logger:      log.WithComponent("engine"),
	}, nil
}

// Serve starts every shard's reconciler and blocks serving the wire
// protocol until ctx is cancelled.
func (e *Engine) Serve(ctx context.Context) error {
	for _, rec := range e.reconcilers {
		rec.Start()
	}
	e.logger.Info().Int("shards", e.opts.Shards).Str("bind", e.opts.Bind).Msg("engine started")
	err := e.srv.Serve(ctx)
	e.shutdown()
	return err
}

// shutdown signals every reconciler goroutine to stop without waiting
// for in-flight work to drain, matching the reconciler's own
// fire-and-forget Stop semantics, then closes the coordinator log and
// every shard's WAL. The listener is already closed by the time Serve
// calls it.
func (e *Engine) shutdown() {
	for _, rec := range e.reconcilers {
		rec.Stop()
	}
	if e.coordinator != nil {
		_ = e.coordinator.Close()
	}
	for _, w := range e.wals {
		_ = w.Close()
	}
}

// Close stops accepting new connections; used for graceful shutdown
// triggered by a signal rather than context cancellation.
func (e *Engine) Close() error {
	return e.srv.Close()
}

// Addr blocks until the server's listener is bound, then returns its
// address. Useful when Bind was "host:0" and the caller needs the
// actual ephemeral port.
func (e *Engine) Addr() string {
	return e.srv.Addr()
}
