package server

import (
	"context"
	"net"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/cuemby/sutra-memory/internal/memory"
	"github.com/cuemby/sutra-memory/internal/protocol"
	"github.com/cuemby/sutra-memory/internal/readview"
	"github.com/cuemby/sutra-memory/internal/storeerr"
	"github.com/cuemby/sutra-memory/pkg/metrics"
)

// dispatch decodes one request payload, executes it against storage, and
// writes back exactly one response frame.
func (s *Server) dispatch(conn net.Conn, kind protocol.Kind, payload []byte, logger zerolog.Logger) {
	kindLabel := strconv.Itoa(int(kind))
	timer := metrics.NewTimer()
	resp, respKind, err := s.handle(kind, payload)
	timer.ObserveDurationVec(metrics.ServerRequestDuration, kindLabel)

	if err != nil {
		metrics.ServerRequestsTotal.WithLabelValues(kindLabel, "error").Inc()
		if storeerr.KindOf(err) == storeerr.Internal {
			correlationID := uuid.NewString()
			logger.Error().Err(err).Str("correlation_id", correlationID).Msg("internal error")
			err = &storeerr.Error{Kind: storeerr.Internal, CorrelationID: correlationID}
		}
		if writeErr := protocol.WriteErrorResponse(conn, err); writeErr != nil {
			logger.Debug().Err(writeErr).Msg("failed to write error response")
		}
		return
	}
	metrics.ServerRequestsTotal.WithLabelValues(kindLabel, "ok").Inc()
	if writeErr := protocol.WriteFrame(conn, respKind, resp); writeErr != nil {
		logger.Debug().Err(writeErr).Msg("failed to write response")
	}
}

func (s *Server) handle(kind protocol.Kind, payload []byte) ([]byte, protocol.Kind, error) {
	ctx := context.Background()

	switch kind {
	case protocol.KindLearnV1:
		req, err := protocol.DecodeLearnV1Request(payload)
		if err != nil {
			return nil, 0, err
		}
		id, err := s.pipeline.LearnConceptV1(req.Content, req.Embedding, req.Strength, req.Confidence, req.Metadata)
		if err != nil {
			return nil, 0, err
		}
		return protocol.EncodeIDRequest(id), protocol.KindResponseOK, nil

	case protocol.KindLearnV2:
		req, err := protocol.DecodeLearnV2Request(payload)
		if err != nil {
			return nil, 0, err
		}
		id, _, err := s.pipeline.LearnConceptV2(ctx, req.Content, req.Strength, req.Confidence, req.Metadata)
		if err != nil {
			return nil, 0, err
		}
		return protocol.EncodeIDRequest(id), protocol.KindResponseOK, nil

	case protocol.KindLearnBatch:
		req, err := protocol.DecodeLearnBatchRequest(payload)
		if err != nil {
			return nil, 0, err
		}
		ids := make([]string, len(req.Items))
		for i, item := range req.Items {
			id, err := s.pipeline.LearnConceptV1(item.Content, item.Embedding, item.Strength, item.Confidence, item.Metadata)
			if err != nil {
				return nil, 0, err
			}
			ids[i] = id
		}
		return protocol.EncodeIDListResponse(protocol.IDListResponse{IDs: ids}), protocol.KindResponseOK, nil

	case protocol.KindLearnAssociation:
		req, err := protocol.DecodeLearnAssociationRequest(payload)
		if err != nil {
			return nil, 0, err
		}
		if s.storage.ShardOf(req.Source) != s.storage.ShardOf(req.Target) {
			if s.coord == nil {
				return nil, 0, storeerr.New(storeerr.ConfigError, "server: cross-shard association without a transaction coordinator")
			}
			if err := s.coord.LearnCrossShardAssociation(req.Source, req.Target, req.AssocType, req.Confidence); err != nil {
				return nil, 0, err
			}
			return nil, protocol.KindResponseOK, nil
		}
		mem := s.storage.For(req.Source)
		if _, err := mem.LearnAssociation(req.Source, req.Target, req.AssocType, req.Confidence); err != nil {
			return nil, 0, err
		}
		return nil, protocol.KindResponseOK, nil

	case protocol.KindQueryConcept:
		id := protocol.DecodeQueryConceptRequest(payload)
		c, ok := s.storage.For(id).QueryConcept(id)
		if !ok {
			return nil, 0, storeerr.New(storeerr.NotFound, "server: concept not found")
		}
		return protocol.EncodeConceptResponse(conceptResponse(c)), protocol.KindResponseOK, nil

	case protocol.KindGetNeighbors:
		id := protocol.DecodeGetNeighborsRequest(payload)
		ids := s.storage.For(id).Neighbors(id)
		return protocol.EncodeIDListResponse(protocol.IDListResponse{IDs: ids}), protocol.KindResponseOK, nil

	case protocol.KindFindPath:
		req, err := protocol.DecodeFindPathRequest(payload)
		if err != nil {
			return nil, 0, err
		}
		path, ok := s.storage.For(req.Source).FindPath(req.Source, req.Target, int(req.MaxDepth))
		if !ok {
			return nil, 0, storeerr.New(storeerr.NotFound, "server: no path found")
		}
		return protocol.EncodeIDListResponse(protocol.IDListResponse{IDs: path}), protocol.KindResponseOK, nil

	case protocol.KindVectorSearch:
		req, err := protocol.DecodeVectorSearchRequest(payload)
		if err != nil {
			return nil, 0, err
		}
		return s.vectorSearch(req)

	case protocol.KindQueryByMetadata:
		req, err := protocol.DecodeQueryByMetadataRequest(payload)
		if err != nil {
			return nil, 0, err
		}
		var ids []string
		for _, mem := range s.storage.Shards() {
			ids = append(ids, mem.QueryByMetadata(req.OrganizationID, req.ConceptType)...)
		}
		return protocol.EncodeIDListResponse(protocol.IDListResponse{IDs: ids}), protocol.KindResponseOK, nil

	case protocol.KindGetStats:
		return s.aggregateStats()

	case protocol.KindFlush:
		for _, mem := range s.storage.Shards() {
			if err := mem.Flush(); err != nil {
				return nil, 0, err
			}
		}
		return nil, protocol.KindResponseOK, nil

	case protocol.KindHealthCheck:
		return nil, protocol.KindResponseOK, nil

	default:
		return nil, 0, storeerr.New(storeerr.ProtocolError, "server: unknown request kind")
	}
}

// vectorSearch fans a query out across every shard's HnswContainer and
// merges by score, since embeddings are not routed by content hash.
func (s *Server) vectorSearch(req protocol.VectorSearchRequest) ([]byte, protocol.Kind, error) {
	var merged []memory.ScoredID
	for _, mem := range s.storage.Shards() {
		results, err := mem.VectorSearch(req.Query, int(req.K), int(req.Ef), req.OrganizationID)
		if err != nil {
			return nil, 0, err
		}
		merged = append(merged, results...)
	}

	sortScoredIDsDescending(merged)
	if len(merged) > int(req.K) {
		merged = merged[:req.K]
	}

	resp := protocol.ScoredIDResponse{IDs: make([]string, len(merged)), Scores: make([]float32, len(merged))}
	for i, r := range merged {
		resp.IDs[i] = r.ID
		resp.Scores[i] = r.Score
	}
	return protocol.EncodeScoredIDResponse(resp), protocol.KindResponseOK, nil
}

// sortScoredIDsDescending orders by score descending, breaking ties by id
// ascending so a cross-shard merge is deterministic regardless of which
// shard's results happened to be appended first.
func sortScoredIDsDescending(s []memory.ScoredID) {
	less := func(a, b memory.ScoredID) bool {
		if a.Score != b.Score {
			return a.Score > b.Score
		}
		return a.ID < b.ID
	}
	for i := 1; i < len(s); i++ {
		for j := i; j > 0 && less(s[j], s[j-1]); j-- {
			s[j], s[j-1] = s[j-1], s[j]
		}
	}
}

func (s *Server) aggregateStats() ([]byte, protocol.Kind, error) {
	var agg protocol.StatsResponse
	for _, mem := range s.storage.Shards() {
		stats := mem.Stats()
		agg.ConceptCount += uint32(stats.ConceptCount)
		agg.AssociationCount += uint32(stats.AssociationCount)
		agg.QueueDepth += uint32(stats.QueueDepth)
		if stats.Generation > agg.Generation {
			agg.Generation = stats.Generation
		}
	}
	return protocol.EncodeStatsResponse(agg), protocol.KindResponseOK, nil
}

func conceptResponse(c *readview.Concept) protocol.ConceptResponse {
	return protocol.ConceptResponse{
		ID:         c.ID,
		Content:    c.Content,
		Embedding:  c.Embedding,
		Strength:   c.Strength,
		Confidence: c.Confidence,
		Metadata:   c.Metadata,
	}
}
