// Package readview holds the immutable, atomically-published snapshot of
// the in-memory graph that readers operate against. The reconciler is the
// only writer; it builds a new View and publishes it, never mutating one
// already in flight to a reader.
package readview

import (
	"sync/atomic"

	"github.com/cuemby/sutra-memory/pkg/metrics"
)

// View is an immutable snapshot of the graph at a given generation.
// Concepts and OutEdges are never mutated once a View is published; the
// reconciler builds the next View's maps fresh (sharing unchanged entries
// with the prior View rather than deep-copying everything).
type View struct {
	Concepts   map[string]*Concept
	OutEdges   map[string][]Edge
	Generation uint64

	refs atomic.Int32
}

func newView(concepts map[string]*Concept, outEdges map[string][]Edge, generation uint64) *View {
	return &View{Concepts: concepts, OutEdges: outEdges, Generation: generation}
}

// acquire bumps the refcount; callers must release when done reading.
func (v *View) acquire() { v.refs.Add(1) }

// release drops the refcount. A View whose count reaches zero after being
// superseded simply becomes garbage; Go's GC reclaims its maps. There is
// no free-list: the refcount only gates correctness (a reader never sees
// a View torn out from under it), not memory reuse.
func (v *View) release() { v.refs.Add(-1) }

// Store publishes Views for one shard and lets readers acquire/release
// them without ever blocking the reconciler's publish.
type Store struct {
	current    atomic.Pointer[View]
	shardLabel string
}

// New creates a Store seeded with an empty generation-0 View.
func New(shardLabel string) *Store {
	s := &Store{shardLabel: shardLabel}
	s.current.Store(newView(map[string]*Concept{}, map[string][]Edge{}, 0))
	return s
}

// Seed replaces the initial View, used once at startup after replaying
// the WAL or loading a SnapshotFile, before any reader has been able to
// acquire the zero-value View.
func (s *Store) Seed(concepts map[string]*Concept, outEdges map[string][]Edge, generation uint64) {
	s.current.Store(newView(concepts, outEdges, generation))
	metrics.ReadViewGeneration.WithLabelValues(s.shardLabel).Set(float64(generation))
}

// Acquire returns the currently published View with its refcount bumped.
// Callers must call Release when finished reading from it.
func (s *Store) Acquire() *View {
	v := s.current.Load()
	v.acquire()
	return v
}

// Release drops the reference obtained from Acquire.
func (s *Store) Release(v *View) {
	v.release()
}

// Publish installs a new View built by the reconciler, replacing whatever
// was previously current.
func (s *Store) Publish(concepts map[string]*Concept, outEdges map[string][]Edge, generation uint64) {
	s.current.Store(newView(concepts, outEdges, generation))
	metrics.ReadViewGeneration.WithLabelValues(s.shardLabel).Set(float64(generation))
	metrics.ReadViewPublishTotal.WithLabelValues(s.shardLabel).Inc()
}

// Current returns the currently published View without acquiring a
// reference, for callers (like the reconciler itself) that already know
// no concurrent reclamation can occur.
func (s *Store) Current() *View {
	return s.current.Load()
}
