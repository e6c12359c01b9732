// Package memory implements ConcurrentMemory, the façade every write and
// read against one shard's graph goes through: writes validate, append
// to the WAL, push to the WriteLog, and return without waiting for the
// reconciler; reads operate entirely against the published ReadView.
package memory

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/text/unicode/norm"

	"github.com/cuemby/sutra-memory/internal/hnsw"
	"github.com/cuemby/sutra-memory/internal/readview"
	"github.com/cuemby/sutra-memory/internal/reconciler"
	"github.com/cuemby/sutra-memory/internal/storeerr"
	"github.com/cuemby/sutra-memory/internal/wal"
	"github.com/cuemby/sutra-memory/internal/writelog"
	"github.com/cuemby/sutra-memory/pkg/log"
)

const conceptIDLength = 16 // hex chars, i.e. 8 bytes of the content hash

const maxContentBytes = 1 << 20 // 1 MiB
const maxPathDepth = 16

// ScoredID is one vector_search result.
type ScoredID struct {
	ID    string
	Score float32
}

// Stats summarizes one shard for observability and the health endpoint.
type Stats struct {
	ConceptCount     int
	AssociationCount int
	Generation       uint64
	QueueDepth       int
}

// ConcurrentMemory is the single entry point for a shard's reads and
// writes, wiring the WAL, WriteLog, ReadView, and HnswContainer together.
type ConcurrentMemory struct {
	dim        int
	wal        *wal.Log
	writeLog   *writelog.WriteLog
	views      *readview.Store
	index      *hnsw.Index
	graph      *workingGraph
	reconciler *reconciler.Reconciler
	logger     zerolog.Logger
}

// New wires a ConcurrentMemory for one shard. The caller is responsible
// for starting a reconciler against the same wal/writeLog/views/index
// and graph (via Applier()).
func New(dim int, w *wal.Log, wl *writelog.WriteLog, views *readview.Store, index *hnsw.Index, shardLabel string) *ConcurrentMemory {
	return &ConcurrentMemory{
		dim:      dim,
		wal:      w,
		writeLog: wl,
		views:    views,
		index:    index,
		graph:    newWorkingGraph(),
		logger:   log.WithComponent("memory").With().Str("shard", shardLabel).Logger(),
	}
}

// Applier exposes the shard's working graph to a reconciler.Reconciler;
// it is the only thing outside this package allowed to mutate it.
func (m *ConcurrentMemory) Applier() *workingGraph {
	return m.graph
}

// SetReconciler attaches the Reconciler already constructed against this
// shard's Applier, so Flush can block on it. Separated from New because
// reconciler.New itself needs m.Applier() as an argument.
func (m *ConcurrentMemory) SetReconciler(r *reconciler.Reconciler) {
	m.reconciler = r
}

// LearnConcept validates and durably records a new or updated concept,
// returning its id once the WAL append is durable. The change is not
// visible to readers until the reconciler publishes it.
func (m *ConcurrentMemory) LearnConcept(content string, embedding []float32, strength, confidence float32, meta readview.ConceptMetadata) (string, error) {
	if len(embedding) != m.dim {
		return "", storeerr.New(storeerr.DimMismatch, fmt.Sprintf("memory: expected embedding dim %d, got %d", m.dim, len(embedding)))
	}
	if len(content) > maxContentBytes {
		return "", storeerr.New(storeerr.ProtocolError, "memory: content exceeds 1 MiB")
	}

	now := time.Now()
	meta.CreatedAt = now
	meta.LastAccessed = now

	c := &readview.Concept{
		ID:         ContentID(content),
		Content:    content,
		Embedding:  embedding,
		Strength:   strength,
		Confidence: confidence,
		Metadata:   meta,
	}

	lsn, err := m.wal.Append(wal.LearnConcept, encodeLearnConcept(c))
	if err != nil {
		return "", err
	}
	if err := m.writeLog.Push(&wal.Record{LSN: lsn, Kind: wal.LearnConcept, Payload: encodeLearnConcept(c)}); err != nil {
		return "", err
	}
	return c.ID, nil
}

// LearnAssociation validates that both endpoints already exist in the
// published ReadView (a weaker but cheaper check than the reconciler's
// authoritative one, which still applies after WAL replay) and durably
// records the edge.
func (m *ConcurrentMemory) LearnAssociation(src, tgt string, assocType uint32, confidence float32) (uint64, error) {
	view := m.views.Acquire()
	_, srcOK := view.Concepts[src]
	_, tgtOK := view.Concepts[tgt]
	m.views.Release(view)
	if !srcOK || !tgtOK {
		return 0, storeerr.New(storeerr.NotFound, "memory: association endpoint not found")
	}

	a := readview.Association{SourceID: src, TargetID: tgt, AssocType: assocType, Confidence: confidence}
	lsn, err := m.wal.Append(wal.LearnAssoc, encodeLearnAssoc(a))
	if err != nil {
		return 0, err
	}
	if err := m.writeLog.Push(&wal.Record{LSN: lsn, Kind: wal.LearnAssoc, Payload: encodeLearnAssoc(a)}); err != nil {
		return 0, err
	}
	return lsn, nil
}

// PrepareAssociation reserves a durable LSN for a cross-shard
// association's prepare phase without making it visible to readers,
// used by txncoord's two-phase commit.
func (m *ConcurrentMemory) PrepareAssociation(txnID string) (uint64, error) {
	return m.wal.Append(wal.Prepared, []byte(txnID))
}

// CommitAssociation durably records the association itself plus a
// commit marker for txnID, then pushes it to the WriteLog so the
// reconciler picks it up on its next cycle.
func (m *ConcurrentMemory) CommitAssociation(txnID, src, tgt string, assocType uint32, confidence float32) error {
	a := readview.Association{SourceID: src, TargetID: tgt, AssocType: assocType, Confidence: confidence}
	lsn, err := m.wal.Append(wal.LearnAssoc, encodeLearnAssoc(a))
	if err != nil {
		return err
	}
	if err := m.writeLog.Push(&wal.Record{LSN: lsn, Kind: wal.LearnAssoc, Payload: encodeLearnAssoc(a)}); err != nil {
		return err
	}
	_, err = m.wal.Append(wal.Commit, []byte(txnID))
	return err
}

// AbortAssociation records that txnID's prepare phase was rolled back.
func (m *ConcurrentMemory) AbortAssociation(txnID string) error {
	_, err := m.wal.Append(wal.Abort, []byte(txnID))
	return err
}

// Delete removes a concept and its associations.
func (m *ConcurrentMemory) Delete(conceptID string) error {
	lsn, err := m.wal.Append(wal.Delete, encodeDelete(conceptID))
	if err != nil {
		return err
	}
	return m.writeLog.Push(&wal.Record{LSN: lsn, Kind: wal.Delete, Payload: encodeDelete(conceptID)})
}

// QueryConcept looks up a concept by id in the current ReadView.
func (m *ConcurrentMemory) QueryConcept(id string) (*readview.Concept, bool) {
	view := m.views.Acquire()
	defer m.views.Release(view)
	c, ok := view.Concepts[id]
	return c, ok
}

// Neighbors returns the ids directly reachable from id via an outgoing
// association, in insertion order.
func (m *ConcurrentMemory) Neighbors(id string) []string {
	view := m.views.Acquire()
	defer m.views.Release(view)
	edges := view.OutEdges[id]
	ids := make([]string, len(edges))
	for i, e := range edges {
		ids[i] = e.TargetID
	}
	return ids
}

// VectorSearch delegates to the HnswContainer, then filters by
// organization without reordering, so results keep the index's order
// (score descending, ties by id ascending).
func (m *ConcurrentMemory) VectorSearch(query []float32, k, ef int, orgFilter string) ([]ScoredID, error) {
	results, err := m.index.Search(query, k, ef)
	if err != nil {
		return nil, err
	}
	if orgFilter == "" {
		out := make([]ScoredID, len(results))
		for i, r := range results {
			out[i] = ScoredID{ID: r.ID, Score: r.Score}
		}
		return out, nil
	}

	view := m.views.Acquire()
	defer m.views.Release(view)

	out := make([]ScoredID, 0, len(results))
	for _, r := range results {
		if c, ok := view.Concepts[r.ID]; ok && c.Metadata.OrganizationID == orgFilter {
			out = append(out, ScoredID{ID: r.ID, Score: r.Score})
		}
	}
	return out, nil
}

// FindPath runs a deterministic breadth-first search over the current
// ReadView's OutEdges, bounded by maxDepth (capped at 16).
func (m *ConcurrentMemory) FindPath(src, tgt string, maxDepth int) ([]string, bool) {
	if maxDepth > maxPathDepth {
		maxDepth = maxPathDepth
	}
	view := m.views.Acquire()
	defer m.views.Release(view)

	if src == tgt {
		return []string{src}, true
	}

	type queued struct {
		id   string
		path []string
	}
	visited := map[string]bool{src: true}
	queue := []queued{{id: src, path: []string{src}}}

	for depth := 0; len(queue) > 0 && depth < maxDepth; depth++ {
		var next []queued
		for _, q := range queue {
			for _, edge := range view.OutEdges[q.id] {
				if visited[edge.TargetID] {
					continue
				}
				path := append(append([]string{}, q.path...), edge.TargetID)
				if edge.TargetID == tgt {
					return path, true
				}
				visited[edge.TargetID] = true
				next = append(next, queued{id: edge.TargetID, path: path})
			}
		}
		queue = next
	}
	return nil, false
}

// QueryByMetadata scans the current ReadView for concepts matching the
// given organization and, if conceptType is non-empty, concept type.
func (m *ConcurrentMemory) QueryByMetadata(organizationID, conceptType string) []string {
	view := m.views.Acquire()
	defer m.views.Release(view)

	var ids []string
	for id, c := range view.Concepts {
		if c.Metadata.OrganizationID != organizationID {
			continue
		}
		if conceptType != "" && c.Metadata.ConceptType != conceptType {
			continue
		}
		ids = append(ids, id)
	}
	return ids
}

// Stats reports the shard's current size for the health endpoint.
func (m *ConcurrentMemory) Stats() Stats {
	view := m.views.Acquire()
	defer m.views.Release(view)
	edgeCount := 0
	for _, edges := range view.OutEdges {
		edgeCount += len(edges)
	}
	return Stats{
		ConceptCount:     len(view.Concepts),
		AssociationCount: edgeCount,
		Generation:       view.Generation,
		QueueDepth:       m.writeLog.Len(),
	}
}

// Flush blocks until every currently durable WAL record has been applied
// by the reconciler, published to the ReadView, and captured by a
// synchronous snapshot+checkpoint, used by tests, cmd/sutra-migrate, and
// the flush protocol request. After Flush returns, concept_count and
// query results reflect every concept learned beforehand.
func (m *ConcurrentMemory) Flush() error {
	if err := m.wal.Flush(); err != nil {
		return err
	}
	if m.reconciler == nil {
		return storeerr.New(storeerr.Internal, "memory: flush requested before reconciler attached")
	}
	return m.reconciler.Flush()
}

// ContentID derives a concept id deterministically from its content, so
// relearning the same content always resolves to the same concept.
// Normalization (NFKC, lowercase, collapsed whitespace) ensures
// near-duplicate content hashes identically.
func ContentID(content string) string {
	normalized := norm.NFKC.String(content)
	normalized = strings.ToLower(normalized)
	normalized = strings.Join(strings.Fields(normalized), " ")
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:])[:conceptIDLength]
}
