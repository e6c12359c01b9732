package memory

import (
	"sync"

	"github.com/cuemby/sutra-memory/internal/readview"
	"github.com/cuemby/sutra-memory/internal/storeerr"
	"github.com/cuemby/sutra-memory/internal/wal"
)

// workingGraph is the reconciler's sole-owned, continuously mutated copy
// of the graph. It is rebuilt into a readview.View's maps on every
// publish; the maps handed out for publishing are fresh copies so a
// subsequent Apply never mutates memory a reader might still hold.
type workingGraph struct {
	mu       sync.Mutex // guards concurrent Snapshot reads from e.g. sutra-migrate tooling
	concepts map[string]*readview.Concept
	assocs   []readview.Association
}

func newWorkingGraph() *workingGraph {
	return &workingGraph{
		concepts: make(map[string]*readview.Concept),
	}
}

// seed replaces the working graph's contents wholesale, used once during
// startup recovery before any WAL replay is applied on top.
func (g *workingGraph) seed(concepts []*readview.Concept, assocs []readview.Association) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.concepts = make(map[string]*readview.Concept, len(concepts))
	for _, c := range concepts {
		g.concepts[c.ID] = c
	}
	g.assocs = append([]readview.Association(nil), assocs...)
}

// Apply mutates the working graph for one WAL record. It returns the
// concept id and embedding to forward to the HnswContainer when the
// record introduced or changed a concept's vector, and the removed id
// with a nil embedding for a Delete.
func (g *workingGraph) Apply(rec *wal.Record) (conceptID string, embedding []float32, err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	switch rec.Kind {
	case wal.LearnConcept:
		c, err := decodeLearnConcept(rec.Payload)
		if err != nil {
			return "", nil, err
		}
		if existing, ok := g.concepts[c.ID]; ok && existing.Strength > c.Strength {
			c.Strength = existing.Strength // non-decreasing on relearn
		}
		g.concepts[c.ID] = c
		return c.ID, c.Embedding, nil

	case wal.LearnAssoc:
		a, err := decodeLearnAssoc(rec.Payload)
		if err != nil {
			return "", nil, err
		}
		if _, ok := g.concepts[a.SourceID]; !ok {
			return "", nil, storeerr.New(storeerr.NotFound, "memory: association source not found")
		}
		if _, ok := g.concepts[a.TargetID]; !ok {
			return "", nil, storeerr.New(storeerr.NotFound, "memory: association target not found")
		}
		g.assocs = replaceOrAppendAssoc(g.assocs, a)
		return "", nil, nil

	case wal.Delete:
		id := decodeDelete(rec.Payload)
		delete(g.concepts, id)
		g.assocs = removeAssocsReferencing(g.assocs, id)
		return id, nil, nil

	default:
		return "", nil, nil // checkpoint/prepare/commit/abort records never reach Apply
	}
}

func replaceOrAppendAssoc(assocs []readview.Association, a readview.Association) []readview.Association {
	for i, existing := range assocs {
		if existing.SourceID == a.SourceID && existing.TargetID == a.TargetID && existing.AssocType == a.AssocType {
			if existing.Confidence > a.Confidence {
				a.Confidence = existing.Confidence // non-decreasing on relearn
			}
			assocs[i] = a
			return assocs
		}
	}
	return append(assocs, a)
}

func removeAssocsReferencing(assocs []readview.Association, id string) []readview.Association {
	out := assocs[:0]
	for _, a := range assocs {
		if a.SourceID != id && a.TargetID != id {
			out = append(out, a)
		}
	}
	return out
}

// Snapshot returns a fresh copy of the current concepts and associations,
// safe for the caller to persist or publish without further
// synchronization with subsequent Apply calls.
func (g *workingGraph) Snapshot() ([]*readview.Concept, []readview.Association) {
	g.mu.Lock()
	defer g.mu.Unlock()

	concepts := make([]*readview.Concept, 0, len(g.concepts))
	for _, c := range g.concepts {
		concepts = append(concepts, c)
	}
	assocs := make([]readview.Association, len(g.assocs))
	copy(assocs, g.assocs)
	return concepts, assocs
}
