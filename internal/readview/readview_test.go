package readview

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewStoreStartsAtGenerationZero(t *testing.T) {
	s := New("0")
	v := s.Acquire()
	defer s.Release(v)

	assert.Equal(t, uint64(0), v.Generation)
	assert.Empty(t, v.Concepts)
}

func TestPublishReplacesCurrentView(t *testing.T) {
	s := New("0")

	concepts := map[string]*Concept{"abc": {ID: "abc", Content: "hello"}}
	edges := map[string][]Edge{"abc": {{TargetID: "def", AssocType: 1, Confidence: 0.9}}}
	s.Publish(concepts, edges, 1)

	v := s.Acquire()
	defer s.Release(v)
	assert.Equal(t, uint64(1), v.Generation)
	assert.Equal(t, "hello", v.Concepts["abc"].Content)
}

func TestAcquireDuringConcurrentPublishNeverObservesTornState(t *testing.T) {
	s := New("0")
	var wg sync.WaitGroup

	for g := uint64(1); g <= 50; g++ {
		wg.Add(1)
		go func(gen uint64) {
			defer wg.Done()
			s.Publish(map[string]*Concept{}, map[string][]Edge{}, gen)
		}(g)
	}

	for i := 0; i < 50; i++ {
		v := s.Acquire()
		gen := v.Generation
		assert.NotNil(t, v.Concepts)
		assert.NotNil(t, v.OutEdges)
		s.Release(v)
		assert.GreaterOrEqual(t, gen, uint64(0))
	}
	wg.Wait()
}
