// Package txncoord implements two-phase commit for associations that
// span two shards, with a bbolt-backed coordinator log so an in-flight
// transaction can be recovered after a crash.
package txncoord

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"

	"github.com/cuemby/sutra-memory/internal/memory"
	"github.com/cuemby/sutra-memory/internal/storeerr"
	"github.com/cuemby/sutra-memory/internal/wal"
	"github.com/cuemby/sutra-memory/pkg/log"
	"github.com/cuemby/sutra-memory/pkg/metrics"
)

var bucketTxns = []byte("txns")

// State is a coordinator-log transaction's lifecycle state.
type State string

const (
	StatePrepared  State = "prepared"
	StateCommitted State = "committed"
	StateAborted   State = "aborted"
)

// txnRecord is the JSON blob stored per transaction id in the coordinator log.
type txnRecord struct {
	TxnID       string  `json:"txn_id"`
	SourceShard int     `json:"source_shard"`
	TargetShard int     `json:"target_shard"`
	Source      string  `json:"source"`
	Target      string  `json:"target"`
	AssocType   uint32  `json:"assoc_type"`
	Confidence  float32 `json:"confidence"`
	State       State   `json:"state"`
}

// ShardResolver maps a concept id to its owning shard index and memory,
// satisfied by sharding.ShardedStorage.
type ShardResolver interface {
	ShardOf(conceptID string) int
	For(conceptID string) *memory.ConcurrentMemory
}

// TxnCoordinator drives 2PC for cross-shard associations, backed by a
// coordinator log at coord.log in dataDir.
type TxnCoordinator struct {
	db     *bolt.DB
	shards ShardResolver
}

// Open creates or opens the coordinator log under dataDir.
func Open(dataDir string, shards ShardResolver) (*TxnCoordinator, error) {
	path := filepath.Join(dataDir, "coord.log")
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, storeerr.Wrap(storeerr.Internal, "txncoord: open coordinator log", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketTxns)
		return err
	})
	if err != nil {
		db.Close()
		return nil, storeerr.Wrap(storeerr.Internal, "txncoord: create txns bucket", err)
	}
	return &TxnCoordinator{db: db, shards: shards}, nil
}

// Close closes the coordinator log.
func (c *TxnCoordinator) Close() error {
	return c.db.Close()
}

// LearnCrossShardAssociation runs 2PC across the shards that own src and
// tgt: prepare both participants, commit both if both endpoints exist,
// abort whichever already prepared otherwise.
func (c *TxnCoordinator) LearnCrossShardAssociation(src, tgt string, assocType uint32, confidence float32) error {
	srcShard := c.shards.ShardOf(src)
	tgtShard := c.shards.ShardOf(tgt)
	srcMem := c.shards.For(src)
	tgtMem := c.shards.For(tgt)

	txnID := uuid.NewString()
	rec := txnRecord{
		TxnID:       txnID,
		SourceShard: srcShard,
		TargetShard: tgtShard,
		Source:      src,
		Target:      tgt,
		AssocType:   assocType,
		Confidence:  confidence,
		State:       StatePrepared,
	}
	if err := c.putRecord(rec); err != nil {
		return err
	}

	shardLabel := fmt.Sprintf("%d", srcShard)
	metrics.TxnPreparedTotal.WithLabelValues(shardLabel).Inc()

	if _, err := srcMem.PrepareAssociation(txnID); err != nil {
		return err
	}
	if _, ok := srcMem.QueryConcept(src); !ok {
		_ = srcMem.AbortAssociation(txnID)
		c.markAborted(txnID)
		metrics.TxnAbortedTotal.WithLabelValues(shardLabel).Inc()
		return storeerr.New(storeerr.NotFound, "txncoord: source endpoint missing")
	}

	if srcShard != tgtShard {
		if _, err := tgtMem.PrepareAssociation(txnID); err != nil {
			_ = srcMem.AbortAssociation(txnID)
			c.markAborted(txnID)
			metrics.TxnAbortedTotal.WithLabelValues(shardLabel).Inc()
			return err
		}
	}
	if _, ok := tgtMem.QueryConcept(tgt); !ok {
		_ = srcMem.AbortAssociation(txnID)
		if srcShard != tgtShard {
			_ = tgtMem.AbortAssociation(txnID)
		}
		c.markAborted(txnID)
		metrics.TxnAbortedTotal.WithLabelValues(shardLabel).Inc()
		return storeerr.New(storeerr.NotFound, "txncoord: target endpoint missing")
	}

	if err := srcMem.CommitAssociation(txnID, src, tgt, assocType, confidence); err != nil {
		return err
	}
	if srcShard != tgtShard {
		if err := tgtMem.CommitAssociation(txnID, src, tgt, assocType, confidence); err != nil {
			return err
		}
	}

	rec.State = StateCommitted
	metrics.TxnCommittedTotal.WithLabelValues(shardLabel).Inc()
	return c.putRecord(rec)
}

func (c *TxnCoordinator) putRecord(rec txnRecord) error {
	return c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTxns)
		data, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(rec.TxnID), data)
	})
}

func (c *TxnCoordinator) markAborted(txnID string) {
	_ = c.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTxns)
		data := b.Get([]byte(txnID))
		if data == nil {
			return nil
		}
		var rec txnRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		rec.State = StateAborted
		out, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		return b.Put([]byte(txnID), out)
	})
}

// Recover scans the coordinator log for transactions still Prepared at
// startup and resolves each by checking whether its Commit record is
// already durable in the source participant's WAL.
func (c *TxnCoordinator) Recover(wals map[int]*wal.Log) error {
	logger := log.WithComponent("txncoord")

	var pending []txnRecord
	err := c.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketTxns)
		return b.ForEach(func(k, v []byte) error {
			var rec txnRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if rec.State == StatePrepared {
				pending = append(pending, rec)
			}
			return nil
		})
	})
	if err != nil {
		return storeerr.Wrap(storeerr.Internal, "txncoord: scan coordinator log", err)
	}

	for _, rec := range pending {
		committed, err := walHasCommit(wals[rec.SourceShard], rec.TxnID)
		if err != nil {
			return err
		}
		if committed {
			rec.State = StateCommitted
		} else {
			rec.State = StateAborted
		}
		logger.Warn().Str("txn_id", rec.TxnID).Str("resolved_state", string(rec.State)).Msg("recovered in-flight cross-shard transaction")
		if err := c.putRecord(rec); err != nil {
			return err
		}
	}
	return nil
}

func walHasCommit(w *wal.Log, txnID string) (bool, error) {
	if w == nil {
		return false, nil
	}
	records, err := w.Replay()
	if err != nil {
		return false, storeerr.Wrap(storeerr.Internal, "txncoord: replay participant wal", err)
	}
	for _, rec := range records {
		if rec.Kind == wal.Commit && string(rec.Payload) == txnID {
			return true, nil
		}
	}
	return false, nil
}
