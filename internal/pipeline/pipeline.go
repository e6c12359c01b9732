// Package pipeline implements LearningPipeline: the orchestration layer
// that turns raw content into a stored concept plus the associations an
// extractor can infer from it, embedding the content first when the
// caller doesn't already supply a vector.
package pipeline

import (
	"context"
	"time"

	"github.com/cuemby/sutra-memory/internal/memory"
	"github.com/cuemby/sutra-memory/internal/readview"
	"github.com/cuemby/sutra-memory/internal/sharding"
	"github.com/cuemby/sutra-memory/internal/storeerr"
)

const (
	embedTimeout   = 5 * time.Second
	embedRetries   = 2
	embedInitDelay = 100 * time.Millisecond
	embedMaxDelay  = 400 * time.Millisecond
)

// EmbeddingClient turns text into dense vectors.
type EmbeddingClient interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
}

// ExtractedAssociation is one candidate edge an extractor proposes.
type ExtractedAssociation struct {
	TargetContent string
	AssocType     uint32
	Confidence    float32
}

// AssociationExtractor proposes candidate associations from content; its
// suggestions are advisory and silently dropped when the target can't be
// resolved to an existing concept.
type AssociationExtractor interface {
	Extract(content string) []ExtractedAssociation
}

// LearningPipeline wires embedding and extraction around sharded storage
// so callers can learn from raw content in one call.
type LearningPipeline struct {
	storage   *sharding.ShardedStorage
	embedder  EmbeddingClient
	extractor AssociationExtractor
}

// New constructs a LearningPipeline. extractor may be nil to skip
// association inference entirely.
func New(storage *sharding.ShardedStorage, embedder EmbeddingClient, extractor AssociationExtractor) *LearningPipeline {
	return &LearningPipeline{storage: storage, embedder: embedder, extractor: extractor}
}

// LearnConceptV1 stores a concept with a caller-supplied embedding,
// bypassing the embedding client entirely.
func (p *LearningPipeline) LearnConceptV1(content string, embedding []float32, strength, confidence float32, meta readview.ConceptMetadata) (string, error) {
	mem := p.storage.For(memory.ContentID(content))
	return mem.LearnConcept(content, embedding, strength, confidence, meta)
}

// LearnConceptV2 embeds content via the configured EmbeddingClient, then
// stores the concept and any associations the extractor can resolve
// against already-known concepts.
func (p *LearningPipeline) LearnConceptV2(ctx context.Context, content string, strength, confidence float32, meta readview.ConceptMetadata) (conceptID string, associationsCreated int, err error) {
	vectors, err := embedWithRetry(ctx, p.embedder, []string{content})
	if err != nil {
		return "", 0, storeerr.Wrap(storeerr.EmbeddingUnavailable, "pipeline: embedding failed", err)
	}
	if len(vectors) != 1 {
		return "", 0, storeerr.New(storeerr.EmbeddingUnavailable, "pipeline: embedder returned no vector")
	}

	mem := p.storage.For(memory.ContentID(content))
	conceptID, err = mem.LearnConcept(content, vectors[0], strength, confidence, meta)
	if err != nil {
		return "", 0, err
	}

	if p.extractor == nil {
		return conceptID, 0, nil
	}

	candidates := p.extractor.Extract(content)
	created := 0
	for _, cand := range candidates {
		targetID := memory.ContentID(cand.TargetContent)
		targetMem := p.storage.For(targetID)
		if _, ok := targetMem.QueryConcept(targetID); !ok {
			continue // extractor is advisory; unresolved targets are dropped
		}
		if _, err := mem.LearnAssociation(conceptID, targetID, cand.AssocType, cand.Confidence); err == nil {
			created++
		}
	}
	return conceptID, created, nil
}

// embedWithRetry calls embedder.Embed with a bounded timeout and
// exponential backoff across embedRetries additional attempts.
func embedWithRetry(ctx context.Context, embedder EmbeddingClient, texts []string) ([][]float32, error) {
	var lastErr error
	delay := embedInitDelay

	for attempt := 0; attempt <= embedRetries; attempt++ {
		callCtx, cancel := context.WithTimeout(ctx, embedTimeout)
		vectors, err := embedder.Embed(callCtx, texts)
		cancel()
		if err == nil {
			return vectors, nil
		}
		lastErr = err

		if attempt < embedRetries {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
				delay *= 4
				if delay > embedMaxDelay {
					delay = embedMaxDelay
				}
			}
		}
	}
	return nil, lastErr
}
