// Package client implements a thin TCP client for sutra-memory's wire
// protocol, one typed method per request kind. Used by sutra-migrate
// and by integration tests; the engine itself never imports it.
package client

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/cuemby/sutra-memory/internal/protocol"
	"github.com/cuemby/sutra-memory/internal/readview"
)

// Client wraps one TCP connection. Requests are serialized under a
// mutex since the wire protocol processes one request at a time per
// connection; concurrent callers share the connection safely but not
// concurrently.
type Client struct {
	mu   sync.Mutex
	conn net.Conn
}

// Dial connects to a sutra-memory server at addr.
func Dial(addr string) (*Client, error) {
	conn, err := net.DialTimeout("tcp", addr, 10*time.Second)
	if err != nil {
		return nil, fmt.Errorf("client: dial %s: %w", addr, err)
	}
	return &Client{conn: conn}, nil
}

// Close closes the underlying connection.
func (c *Client) Close() error {
	return c.conn.Close()
}

func (c *Client) roundTrip(kind protocol.Kind, payload []byte) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := protocol.WriteFrame(c.conn, kind, payload); err != nil {
		return nil, fmt.Errorf("client: write request: %w", err)
	}
	respKind, respPayload, err := protocol.ReadFrame(c.conn)
	if err != nil {
		return nil, fmt.Errorf("client: read response: %w", err)
	}
	if respKind == protocol.KindResponseError {
		return nil, protocol.DecodeErrorResponse(respPayload)
	}
	return respPayload, nil
}

// LearnConcept stores a concept with a caller-supplied embedding.
func (c *Client) LearnConcept(content string, embedding []float32, strength, confidence float32, meta readview.ConceptMetadata) (string, error) {
	payload := protocol.EncodeLearnV1Request(protocol.LearnV1Request{
		Content: content, Embedding: embedding, Strength: strength, Confidence: confidence, Metadata: meta,
	})
	resp, err := c.roundTrip(protocol.KindLearnV1, payload)
	if err != nil {
		return "", err
	}
	return protocol.DecodeQueryConceptRequest(resp), nil
}

// LearnConceptV2 asks the server to embed content via its configured
// embedding service.
func (c *Client) LearnConceptV2(content string, strength, confidence float32, meta readview.ConceptMetadata) (string, error) {
	payload := protocol.EncodeLearnV2Request(protocol.LearnV2Request{
		Content: content, Strength: strength, Confidence: confidence, Metadata: meta,
	})
	resp, err := c.roundTrip(protocol.KindLearnV2, payload)
	if err != nil {
		return "", err
	}
	return protocol.DecodeQueryConceptRequest(resp), nil
}

// LearnBatch stores up to 1000 concepts in one request.
func (c *Client) LearnBatch(items []protocol.LearnV1Request) ([]string, error) {
	payload, err := protocol.EncodeLearnBatchRequest(protocol.LearnBatchRequest{Items: items})
	if err != nil {
		return nil, err
	}
	resp, err := c.roundTrip(protocol.KindLearnBatch, payload)
	if err != nil {
		return nil, err
	}
	list, err := protocol.DecodeIDListResponse(resp)
	return list.IDs, err
}

// LearnAssociation records a typed edge between two existing concepts.
func (c *Client) LearnAssociation(source, target string, assocType uint32, confidence float32) error {
	payload := protocol.EncodeLearnAssociationRequest(protocol.LearnAssociationRequest{
		Source: source, Target: target, AssocType: assocType, Confidence: confidence,
	})
	_, err := c.roundTrip(protocol.KindLearnAssociation, payload)
	return err
}

// QueryConcept fetches one concept by id.
func (c *Client) QueryConcept(id string) (protocol.ConceptResponse, error) {
	resp, err := c.roundTrip(protocol.KindQueryConcept, protocol.EncodeIDRequest(id))
	if err != nil {
		return protocol.ConceptResponse{}, err
	}
	return protocol.DecodeConceptResponse(resp)
}

// GetNeighbors lists the ids directly reachable from id.
func (c *Client) GetNeighbors(id string) ([]string, error) {
	resp, err := c.roundTrip(protocol.KindGetNeighbors, protocol.EncodeIDRequest(id))
	if err != nil {
		return nil, err
	}
	list, err := protocol.DecodeIDListResponse(resp)
	return list.IDs, err
}

// FindPath runs a bounded breadth-first search between two concepts.
func (c *Client) FindPath(source, target string, maxDepth uint32) ([]string, error) {
	payload := protocol.EncodeFindPathRequest(protocol.FindPathRequest{Source: source, Target: target, MaxDepth: maxDepth})
	resp, err := c.roundTrip(protocol.KindFindPath, payload)
	if err != nil {
		return nil, err
	}
	list, err := protocol.DecodeIDListResponse(resp)
	return list.IDs, err
}

// VectorSearch returns up to k concepts nearest to query, optionally
// filtered to one organization.
func (c *Client) VectorSearch(query []float32, k, ef uint32, orgFilter string) (protocol.ScoredIDResponse, error) {
	payload := protocol.EncodeVectorSearchRequest(protocol.VectorSearchRequest{Query: query, K: k, Ef: ef, OrganizationID: orgFilter})
	resp, err := c.roundTrip(protocol.KindVectorSearch, payload)
	if err != nil {
		return protocol.ScoredIDResponse{}, err
	}
	return protocol.DecodeScoredIDResponse(resp)
}

// QueryByMetadata lists concept ids matching an organization and,
// optionally, a concept type.
func (c *Client) QueryByMetadata(organizationID, conceptType string) ([]string, error) {
	payload := protocol.EncodeQueryByMetadataRequest(protocol.QueryByMetadataRequest{OrganizationID: organizationID, ConceptType: conceptType})
	resp, err := c.roundTrip(protocol.KindQueryByMetadata, payload)
	if err != nil {
		return nil, err
	}
	list, err := protocol.DecodeIDListResponse(resp)
	return list.IDs, err
}

// GetStats reports aggregate size across all shards.
func (c *Client) GetStats() (protocol.StatsResponse, error) {
	resp, err := c.roundTrip(protocol.KindGetStats, nil)
	if err != nil {
		return protocol.StatsResponse{}, err
	}
	return protocol.DecodeStatsResponse(resp)
}

// Flush blocks until every shard's reconciler has caught up to its
// current WAL tail.
func (c *Client) Flush() error {
	_, err := c.roundTrip(protocol.KindFlush, nil)
	return err
}

// HealthCheck confirms the server is accepting and dispatching requests.
func (c *Client) HealthCheck() error {
	_, err := c.roundTrip(protocol.KindHealthCheck, nil)
	return err
}
