// Package writelog buffers accepted mutations between the goroutines that
// accept writes and the single reconciler goroutine that applies them to
// the in-memory graph, absorbing bursts without blocking writers.
package writelog

import (
	"sync/atomic"

	"code.hybscloud.com/lfq"

	"github.com/cuemby/sutra-memory/internal/storeerr"
	"github.com/cuemby/sutra-memory/internal/wal"
	"github.com/cuemby/sutra-memory/pkg/metrics"
)

// DefaultCapacity is the queue depth used when a shard's config does not
// override it.
const DefaultCapacity = 100_000

// WriteLog is a bounded multi-producer, single-consumer queue of WAL
// records awaiting application to the in-memory graph.
type WriteLog struct {
	q          lfq.Queue[*wal.Record]
	capacity   int
	depth      atomic.Int64 // lfq reports no length; tracked here for the reconciler's EMA input
	shardLabel string
}

// New creates a WriteLog with the given capacity (rounded up to a power
// of two by the underlying queue) for the named shard, used only for
// metric labeling.
func New(capacity int, shardLabel string) *WriteLog {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &WriteLog{
		q:          lfq.NewMPSC[*wal.Record](capacity),
		capacity:   capacity,
		shardLabel: shardLabel,
	}
}

// Push enqueues a record. It never blocks: a full queue yields
// storeerr.Backpressure so the caller can reject the write rather than
// stall indefinitely.
func (w *WriteLog) Push(rec *wal.Record) error {
	if err := w.q.Enqueue(&rec); err != nil {
		if lfq.IsWouldBlock(err) {
			metrics.WriteLogBackpressureTotal.WithLabelValues(w.shardLabel).Inc()
			return storeerr.New(storeerr.Backpressure, "backpressure")
		}
		return storeerr.Wrap(storeerr.Internal, "writelog push", err)
	}
	depth := w.depth.Add(1)
	metrics.WriteLogEnqueueTotal.WithLabelValues(w.shardLabel).Inc()
	metrics.WriteLogQueueDepth.WithLabelValues(w.shardLabel).Set(float64(depth))
	return nil
}

// Pop dequeues the next record, if any. ok is false when the queue is
// currently empty; this is not an error.
func (w *WriteLog) Pop() (rec *wal.Record, ok bool) {
	item, err := w.q.Dequeue()
	if err != nil {
		return nil, false
	}
	depth := w.depth.Add(-1)
	metrics.WriteLogQueueDepth.WithLabelValues(w.shardLabel).Set(float64(depth))
	return item, true
}

// DrainAll pops every record currently available without blocking.
func (w *WriteLog) DrainAll() []*wal.Record {
	var records []*wal.Record
	for {
		rec, ok := w.Pop()
		if !ok {
			break
		}
		records = append(records, rec)
	}
	return records
}

// Len returns the approximate number of records currently queued, used by
// the reconciler to drive its adaptive interval.
func (w *WriteLog) Len() int {
	if d := w.depth.Load(); d > 0 {
		return int(d)
	}
	return 0
}

// Capacity returns the queue's configured capacity.
func (w *WriteLog) Capacity() int {
	return w.capacity
}

// Drain signals producers are done so a shutdown sequence can fully empty
// the queue without the FAA threshold mechanism blocking a final Dequeue.
func (w *WriteLog) Drain() {
	if d, ok := w.q.(lfq.Drainer); ok {
		d.Drain()
	}
}
