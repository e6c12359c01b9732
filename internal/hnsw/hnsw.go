// Package hnsw implements a hierarchical navigable small-world index over
// dense float32 vectors, approximate k-nearest-neighbor search by cosine
// similarity. No mutex-free guarantee is assumed across goroutines: the
// reconciler is the index's sole writer, but Search must still be safe to
// call concurrently with an in-flight Insert, so structural changes are
// guarded by a single RWMutex.
package hnsw

import (
	"bufio"
	"container/heap"
	"encoding/binary"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"sort"
	"sync"

	"github.com/cuemby/sutra-memory/internal/storeerr"
)

const (
	// DefaultM is the maximum number of neighbors kept per node per layer.
	DefaultM = 16
	// DefaultEfConstruction is the candidate-list size used while inserting.
	DefaultEfConstruction = 200

	magic   uint32 = 0x484e5357 // "HNSW"
	version uint32 = 1
)

// ScoredID is one ranked search result.
type ScoredID struct {
	ID    string
	Score float32
}

type node struct {
	id        string
	vec       []float32 // L2-normalized at insert time
	neighbors [][]string
}

// Index is a multi-layer navigable small-world graph over L2-normalized
// vectors, scored by cosine similarity (a dot product once normalized).
type Index struct {
	mu             sync.RWMutex
	dim            int
	m              int
	efConstruction int
	mL             float64

	nodes      map[string]*node
	entryPoint string
	maxLevel   int
}

// Option configures New.
type Option func(*Index)

// WithM overrides the default per-layer neighbor cap.
func WithM(m int) Option {
	return func(idx *Index) { idx.m = m }
}

// WithEfConstruction overrides the default construction-time beam width.
func WithEfConstruction(ef int) Option {
	return func(idx *Index) { idx.efConstruction = ef }
}

// New creates an empty index over vectors of the given dimension.
func New(dim int, opts ...Option) *Index {
	idx := &Index{
		dim:            dim,
		m:              DefaultM,
		efConstruction: DefaultEfConstruction,
		nodes:          make(map[string]*node),
		maxLevel:       -1,
	}
	for _, opt := range opts {
		opt(idx)
	}
	idx.mL = 1 / math.Log(float64(idx.m))
	return idx
}

// Len returns the number of vectors currently indexed.
func (idx *Index) Len() int {
	idx.mu.RLock()
	defer idx.mu.RUnlock()
	return len(idx.nodes)
}

// Insert adds or replaces the vector for id. Re-inserting an existing id
// removes its prior edges first, since a concept's embedding can change
// across relearns.
func (idx *Index) Insert(id string, vec []float32) error {
	if len(vec) != idx.dim {
		return storeerr.New(storeerr.DimMismatch, fmt.Sprintf("hnsw: expected dim %d, got %d", idx.dim, len(vec)))
	}
	normalized := normalize(vec)

	idx.mu.Lock()
	defer idx.mu.Unlock()

	if _, exists := idx.nodes[id]; exists {
		idx.removeLocked(id)
	}

	level := idx.randomLevel()
	n := &node{id: id, vec: normalized, neighbors: make([][]string, level+1)}
	idx.nodes[id] = n

	if idx.entryPoint == "" {
		idx.entryPoint = id
		idx.maxLevel = level
		return nil
	}

	entry := idx.entryPoint
	for l := idx.maxLevel; l > level; l-- {
		entry = idx.greedyClosest(entry, normalized, l)
	}

	for l := min(level, idx.maxLevel); l >= 0; l-- {
		candidates := idx.searchLayer(normalized, entry, idx.efConstruction, l)
		neighbors := selectNeighbors(candidates, idx.m)
		n.neighbors[l] = neighbors
		for _, nb := range neighbors {
			idx.connect(nb, id, l)
		}
		if len(candidates) > 0 {
			entry = candidates[0].id
		}
	}

	if level > idx.maxLevel {
		idx.maxLevel = level
		idx.entryPoint = id
	}
	return nil
}

// Delete removes id from the index.
func (idx *Index) Delete(id string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	idx.removeLocked(id)
}

func (idx *Index) removeLocked(id string) {
	n, ok := idx.nodes[id]
	if !ok {
		return
	}
	for l, neighbors := range n.neighbors {
		for _, nb := range neighbors {
			if other, ok := idx.nodes[nb]; ok && l < len(other.neighbors) {
				other.neighbors[l] = removeID(other.neighbors[l], id)
			}
		}
	}
	delete(idx.nodes, id)
	if idx.entryPoint == id {
		idx.entryPoint = ""
		idx.maxLevel = -1
		for other := range idx.nodes {
			idx.entryPoint = other
			idx.maxLevel = len(idx.nodes[other].neighbors) - 1
			break
		}
	}
}

// Search returns up to k nearest neighbors of query by cosine similarity,
// scanning a beam of width ef at layer 0. Results are sorted by score
// descending, ties broken by id ascending.
func (idx *Index) Search(query []float32, k, ef int) ([]ScoredID, error) {
	if len(query) != idx.dim {
		return nil, storeerr.New(storeerr.DimMismatch, fmt.Sprintf("hnsw: expected dim %d, got %d", idx.dim, len(query)))
	}
	if ef < k {
		ef = k
	}
	normalized := normalize(query)

	idx.mu.RLock()
	defer idx.mu.RUnlock()

	if idx.entryPoint == "" {
		return nil, nil
	}

	entry := idx.entryPoint
	for l := idx.maxLevel; l > 0; l-- {
		entry = idx.greedyClosest(entry, normalized, l)
	}

	candidates := idx.searchLayer(normalized, entry, ef, 0)
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].id < candidates[j].id
	})
	if len(candidates) > k {
		candidates = candidates[:k]
	}

	out := make([]ScoredID, len(candidates))
	for i, c := range candidates {
		out[i] = ScoredID{ID: c.id, Score: c.score}
	}
	return out, nil
}

type scored struct {
	id    string
	score float32
}

// greedyClosest walks from entry toward the closest neighbor to query at
// layer l until no neighbor improves on the current node.
func (idx *Index) greedyClosest(entry string, query []float32, l int) string {
	current := entry
	currentScore := cosine(idx.nodes[current].vec, query)
	for {
		improved := false
		n := idx.nodes[current]
		if l >= len(n.neighbors) {
			break
		}
		for _, candID := range n.neighbors[l] {
			cand, ok := idx.nodes[candID]
			if !ok {
				continue
			}
			s := cosine(cand.vec, query)
			if s > currentScore {
				current, currentScore = candID, s
				improved = true
			}
		}
		if !improved {
			break
		}
	}
	return current
}

// searchLayer runs a best-first beam search of width ef at layer l.
func (idx *Index) searchLayer(query []float32, entry string, ef, l int) []scored {
	visited := map[string]bool{entry: true}
	entryScore := cosine(idx.nodes[entry].vec, query)

	candidates := &maxHeap{{id: entry, score: entryScore}}
	heap.Init(candidates)
	results := &minHeap{{id: entry, score: entryScore}}
	heap.Init(results)

	for candidates.Len() > 0 {
		c := heap.Pop(candidates).(scored)
		worst := (*results)[0]
		if c.score < worst.score && results.Len() >= ef {
			break
		}
		n := idx.nodes[c.id]
		if l >= len(n.neighbors) {
			continue
		}
		for _, nbID := range n.neighbors[l] {
			if visited[nbID] {
				continue
			}
			visited[nbID] = true
			nb, ok := idx.nodes[nbID]
			if !ok {
				continue
			}
			s := cosine(nb.vec, query)
			if results.Len() < ef || s > (*results)[0].score {
				heap.Push(candidates, scored{id: nbID, score: s})
				heap.Push(results, scored{id: nbID, score: s})
				if results.Len() > ef {
					heap.Pop(results)
				}
			}
		}
	}

	out := make([]scored, results.Len())
	copy(out, *results)
	return out
}

func selectNeighbors(candidates []scored, m int) []string {
	sort.Slice(candidates, func(i, j int) bool { return candidates[i].score > candidates[j].score })
	if len(candidates) > m {
		candidates = candidates[:m]
	}
	ids := make([]string, len(candidates))
	for i, c := range candidates {
		ids[i] = c.id
	}
	return ids
}

func (idx *Index) connect(id, neighbor string, l int) {
	n, ok := idx.nodes[id]
	if !ok {
		return
	}
	for len(n.neighbors) <= l {
		n.neighbors = append(n.neighbors, nil)
	}
	n.neighbors[l] = append(n.neighbors[l], neighbor)
	if len(n.neighbors[l]) > idx.m*2 {
		trimmed := make([]scored, 0, len(n.neighbors[l]))
		for _, otherID := range n.neighbors[l] {
			if other, ok := idx.nodes[otherID]; ok {
				trimmed = append(trimmed, scored{id: otherID, score: cosine(n.vec, other.vec)})
			}
		}
		n.neighbors[l] = selectNeighbors(trimmed, idx.m)
	}
}

// randomLevel assigns a layer via the standard exponential-decay scheme.
func (idx *Index) randomLevel() int {
	return int(-math.Log(rand.Float64()) * idx.mL)
}

func removeID(ids []string, target string) []string {
	out := ids[:0]
	for _, id := range ids {
		if id != target {
			out = append(out, id)
		}
	}
	return out
}

func normalize(vec []float32) []float32 {
	var sumSq float64
	for _, v := range vec {
		sumSq += float64(v) * float64(v)
	}
	norm := math.Sqrt(sumSq)
	out := make([]float32, len(vec))
	if norm == 0 {
		copy(out, vec)
		return out
	}
	for i, v := range vec {
		out[i] = float32(float64(v) / norm)
	}
	return out
}

// cosine computes the dot product of two already-normalized vectors,
// which equals their cosine similarity.
func cosine(a, b []float32) float32 {
	var sum float32
	for i := range a {
		sum += a[i] * b[i]
	}
	return sum
}

// Save writes the index in a compact binary form: header, then every
// node's id, vector, and per-layer neighbor lists.
func (idx *Index) Save(w io.Writer) error {
	idx.mu.RLock()
	defer idx.mu.RUnlock()

	bw := bufio.NewWriter(w)
	if err := writeU32(bw, magic); err != nil {
		return err
	}
	if err := writeU32(bw, version); err != nil {
		return err
	}
	if err := writeU32(bw, uint32(idx.dim)); err != nil {
		return err
	}
	if err := writeU32(bw, uint32(len(idx.nodes))); err != nil {
		return err
	}
	if err := writeString(bw, idx.entryPoint); err != nil {
		return err
	}
	if err := writeU32(bw, uint32(idx.maxLevel+1)); err != nil {
		return err
	}

	for id, n := range idx.nodes {
		if err := writeString(bw, id); err != nil {
			return err
		}
		for _, f := range n.vec {
			if err := binary.Write(bw, binary.BigEndian, f); err != nil {
				return err
			}
		}
		if err := writeU32(bw, uint32(len(n.neighbors))); err != nil {
			return err
		}
		for _, layer := range n.neighbors {
			if err := writeU32(bw, uint32(len(layer))); err != nil {
				return err
			}
			for _, nb := range layer {
				if err := writeString(bw, nb); err != nil {
					return err
				}
			}
		}
	}
	return bw.Flush()
}

// LoadOrBuild loads a previously-saved index from r, or if r is empty,
// invokes fallback to obtain (ids, vectors) and rebuilds the index from
// scratch by inserting each in turn.
func LoadOrBuild(r io.ReaderAt, size int64, dim int, fallback func() ([]string, [][]float32)) (*Index, error) {
	if size == 0 {
		idx := New(dim)
		ids, vecs := fallback()
		for i, id := range ids {
			if err := idx.Insert(id, vecs[i]); err != nil {
				return nil, err
			}
		}
		return idx, nil
	}

	sr := io.NewSectionReader(r, 0, size)
	br := bufio.NewReader(sr)

	gotMagic, err := readU32(br)
	if err != nil {
		return nil, storeerr.Wrap(storeerr.Corruption, "hnsw load: header", err)
	}
	if gotMagic != magic {
		return nil, storeerr.New(storeerr.Corruption, "hnsw load: bad magic")
	}
	if _, err := readU32(br); err != nil { // version, unused for v1
		return nil, storeerr.Wrap(storeerr.Corruption, "hnsw load: version", err)
	}
	gotDim, err := readU32(br)
	if err != nil {
		return nil, storeerr.Wrap(storeerr.Corruption, "hnsw load: dim", err)
	}
	count, err := readU32(br)
	if err != nil {
		return nil, storeerr.Wrap(storeerr.Corruption, "hnsw load: count", err)
	}
	entryPoint, err := readString(br)
	if err != nil {
		return nil, storeerr.Wrap(storeerr.Corruption, "hnsw load: entry point", err)
	}
	levelCount, err := readU32(br)
	if err != nil {
		return nil, storeerr.Wrap(storeerr.Corruption, "hnsw load: level count", err)
	}

	idx := New(int(gotDim))
	idx.entryPoint = entryPoint
	idx.maxLevel = int(levelCount) - 1

	for i := uint32(0); i < count; i++ {
		id, err := readString(br)
		if err != nil {
			return nil, storeerr.Wrap(storeerr.Corruption, "hnsw load: node id", err)
		}
		vec := make([]float32, gotDim)
		for j := range vec {
			if err := binary.Read(br, binary.BigEndian, &vec[j]); err != nil {
				return nil, storeerr.Wrap(storeerr.Corruption, "hnsw load: vector", err)
			}
		}
		layerCount, err := readU32(br)
		if err != nil {
			return nil, storeerr.Wrap(storeerr.Corruption, "hnsw load: layer count", err)
		}
		neighbors := make([][]string, layerCount)
		for l := range neighbors {
			n, err := readU32(br)
			if err != nil {
				return nil, storeerr.Wrap(storeerr.Corruption, "hnsw load: neighbor count", err)
			}
			layer := make([]string, n)
			for k := range layer {
				layer[k], err = readString(br)
				if err != nil {
					return nil, storeerr.Wrap(storeerr.Corruption, "hnsw load: neighbor id", err)
				}
			}
			neighbors[l] = layer
		}
		idx.nodes[id] = &node{id: id, vec: vec, neighbors: neighbors}
	}
	return idx, nil
}

func writeU32(w io.Writer, v uint32) error {
	return binary.Write(w, binary.BigEndian, v)
}

func readU32(r io.Reader) (uint32, error) {
	var v uint32
	err := binary.Read(r, binary.BigEndian, &v)
	return v, err
}

func writeString(w io.Writer, s string) error {
	if err := writeU32(w, uint32(len(s))); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

func readString(r io.Reader) (string, error) {
	n, err := readU32(r)
	if err != nil {
		return "", err
	}
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}
