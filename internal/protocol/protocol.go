// Package protocol implements sutra-memory's wire codec: a 4-byte
// length-prefixed frame whose payload carries a protocol version byte,
// a request/response-kind byte, and a deterministic little-endian,
// field-ordered binary encoding of that request or response's fields.
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/cuemby/sutra-memory/internal/readview"
	"github.com/cuemby/sutra-memory/internal/storeerr"
)

const (
	// CurrentVersion is the only protocol_version this build accepts.
	CurrentVersion byte = 0

	maxFrameLen = 16 * 1024 * 1024
	maxBatch    = 1000
)

// Kind identifies a request or response payload's shape.
type Kind byte

const (
	KindLearnV1 Kind = iota + 1
	KindLearnV2
	KindLearnBatch
	KindLearnAssociation
	KindQueryConcept
	KindGetNeighbors
	KindFindPath
	KindVectorSearch
	KindQueryByMetadata
	KindGetStats
	KindFlush
	KindHealthCheck

	// KindResponseOK wraps a successful response of the matching request kind.
	KindResponseOK
	// KindResponseError carries a storeerr.Kind and message.
	KindResponseError
)

// ReadFrame reads one length-prefixed frame from r, validates the
// length bound and protocol version, and returns the payload with the
// version byte already stripped.
func ReadFrame(r io.Reader) (Kind, []byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return 0, nil, err
	}
	length := binary.BigEndian.Uint32(lenBuf[:])
	if length < 1 || length > maxFrameLen {
		return 0, nil, storeerr.New(storeerr.ProtocolError, "protocol: frame length out of bounds")
	}

	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return 0, nil, err
	}

	version := buf[0]
	if version != CurrentVersion {
		return 0, nil, storeerr.New(storeerr.ProtocolError, "protocol: unsupported protocol version")
	}
	if len(buf) < 2 {
		return 0, nil, storeerr.New(storeerr.ProtocolError, "protocol: frame missing request kind")
	}
	return Kind(buf[1]), buf[2:], nil
}

// WriteFrame writes one length-prefixed frame: version byte, kind byte,
// then payload.
func WriteFrame(w io.Writer, kind Kind, payload []byte) error {
	body := make([]byte, 2+len(payload))
	body[0] = CurrentVersion
	body[1] = byte(kind)
	copy(body[2:], payload)

	if len(body) > maxFrameLen {
		return storeerr.New(storeerr.ProtocolError, "protocol: response frame too large")
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}

// WriteErrorResponse encodes a storeerr.Error as a KindResponseError frame.
func WriteErrorResponse(w io.Writer, err error) error {
	kind := storeerr.KindOf(err)
	var buf []byte
	buf = append(buf, byte(kind))
	buf = appendString(buf, err.Error())
	return WriteFrame(w, KindResponseError, buf)
}

// DecodeErrorResponse reconstructs the error WriteErrorResponse encoded,
// for callers on the other end of the connection (pkg/client).
func DecodeErrorResponse(data []byte) error {
	if len(data) < 1 {
		return storeerr.New(storeerr.ProtocolError, "protocol: malformed error response")
	}
	kind := storeerr.Kind(data[0])
	r := &reader{data: data[1:]}
	return storeerr.New(kind, r.string())
}

// --- request payloads ---

// LearnV1Request carries a caller-supplied embedding.
type LearnV1Request struct {
	Content    string
	Embedding  []float32
	Strength   float32
	Confidence float32
	Metadata   readview.ConceptMetadata
}

func EncodeLearnV1Request(req LearnV1Request) []byte {
	var buf []byte
	buf = appendString(buf, req.Content)
	buf = appendVector(buf, req.Embedding)
	buf = appendFloat32(buf, req.Strength)
	buf = appendFloat32(buf, req.Confidence)
	buf = appendMetadata(buf, req.Metadata)
	return buf
}

func DecodeLearnV1Request(data []byte) (LearnV1Request, error) {
	var req LearnV1Request
	r := &reader{data: data}
	req.Content = r.string()
	req.Embedding = r.vector()
	req.Strength = r.float32()
	req.Confidence = r.float32()
	req.Metadata = r.metadata()
	return req, r.err
}

// LearnV2Request requests server-side embedding.
type LearnV2Request struct {
	Content    string
	Strength   float32
	Confidence float32
	Metadata   readview.ConceptMetadata
}

func EncodeLearnV2Request(req LearnV2Request) []byte {
	var buf []byte
	buf = appendString(buf, req.Content)
	buf = appendFloat32(buf, req.Strength)
	buf = appendFloat32(buf, req.Confidence)
	buf = appendMetadata(buf, req.Metadata)
	return buf
}

func DecodeLearnV2Request(data []byte) (LearnV2Request, error) {
	var req LearnV2Request
	r := &reader{data: data}
	req.Content = r.string()
	req.Strength = r.float32()
	req.Confidence = r.float32()
	req.Metadata = r.metadata()
	return req, r.err
}

// LearnBatchRequest carries up to maxBatch LearnV1Request items.
type LearnBatchRequest struct {
	Items []LearnV1Request
}

func EncodeLearnBatchRequest(req LearnBatchRequest) ([]byte, error) {
	if len(req.Items) > maxBatch {
		return nil, storeerr.New(storeerr.ProtocolError, "protocol: batch exceeds 1000 items")
	}
	var buf []byte
	buf = appendU32(buf, uint32(len(req.Items)))
	for _, item := range req.Items {
		buf = appendBytes(buf, EncodeLearnV1Request(item))
	}
	return buf, nil
}

func DecodeLearnBatchRequest(data []byte) (LearnBatchRequest, error) {
	r := &reader{data: data}
	n := r.u32()
	if n > maxBatch {
		return LearnBatchRequest{}, storeerr.New(storeerr.ProtocolError, "protocol: batch exceeds 1000 items")
	}
	items := make([]LearnV1Request, n)
	for i := range items {
		item, err := DecodeLearnV1Request(r.bytes())
		if err != nil {
			return LearnBatchRequest{}, err
		}
		items[i] = item
	}
	return LearnBatchRequest{Items: items}, r.err
}

// LearnAssociationRequest learns one edge between two existing concepts.
type LearnAssociationRequest struct {
	Source     string
	Target     string
	AssocType  uint32
	Confidence float32
}

func EncodeLearnAssociationRequest(req LearnAssociationRequest) []byte {
	var buf []byte
	buf = appendString(buf, req.Source)
	buf = appendString(buf, req.Target)
	buf = appendU32(buf, req.AssocType)
	buf = appendFloat32(buf, req.Confidence)
	return buf
}

func DecodeLearnAssociationRequest(data []byte) (LearnAssociationRequest, error) {
	r := &reader{data: data}
	return LearnAssociationRequest{
		Source:     r.string(),
		Target:     r.string(),
		AssocType:  r.u32(),
		Confidence: r.float32(),
	}, r.err
}

// QueryConceptRequest, GetNeighborsRequest both carry a single concept id.
type QueryConceptRequest struct{ ID string }
type GetNeighborsRequest struct{ ID string }

func EncodeIDRequest(id string) []byte { return appendString(nil, id) }

func DecodeQueryConceptRequest(data []byte) string { return (&reader{data: data}).string() }

func DecodeGetNeighborsRequest(data []byte) string { return (&reader{data: data}).string() }

// FindPathRequest bounds a BFS between two concepts.
type FindPathRequest struct {
	Source   string
	Target   string
	MaxDepth uint32
}

func EncodeFindPathRequest(req FindPathRequest) []byte {
	var buf []byte
	buf = appendString(buf, req.Source)
	buf = appendString(buf, req.Target)
	buf = appendU32(buf, req.MaxDepth)
	return buf
}

func DecodeFindPathRequest(data []byte) (FindPathRequest, error) {
	r := &reader{data: data}
	return FindPathRequest{
		Source:   r.string(),
		Target:   r.string(),
		MaxDepth: r.u32(),
	}, r.err
}

// VectorSearchRequest asks for the k nearest concepts to query.
type VectorSearchRequest struct {
	Query          []float32
	K              uint32
	Ef             uint32
	OrganizationID string
}

func EncodeVectorSearchRequest(req VectorSearchRequest) []byte {
	var buf []byte
	buf = appendVector(buf, req.Query)
	buf = appendU32(buf, req.K)
	buf = appendU32(buf, req.Ef)
	buf = appendString(buf, req.OrganizationID)
	return buf
}

func DecodeVectorSearchRequest(data []byte) (VectorSearchRequest, error) {
	r := &reader{data: data}
	return VectorSearchRequest{
		Query:          r.vector(),
		K:              r.u32(),
		Ef:             r.u32(),
		OrganizationID: r.string(),
	}, r.err
}

// QueryByMetadataRequest filters concepts by organization and concept type.
type QueryByMetadataRequest struct {
	OrganizationID string
	ConceptType    string
}

func EncodeQueryByMetadataRequest(req QueryByMetadataRequest) []byte {
	var buf []byte
	buf = appendString(buf, req.OrganizationID)
	buf = appendString(buf, req.ConceptType)
	return buf
}

func DecodeQueryByMetadataRequest(data []byte) (QueryByMetadataRequest, error) {
	r := &reader{data: data}
	return QueryByMetadataRequest{
		OrganizationID: r.string(),
		ConceptType:    r.string(),
	}, r.err
}

// --- response payloads ---

// ConceptResponse mirrors a stored concept back to the client.
type ConceptResponse struct {
	ID         string
	Content    string
	Embedding  []float32
	Strength   float32
	Confidence float32
	Metadata   readview.ConceptMetadata
}

func EncodeConceptResponse(resp ConceptResponse) []byte {
	var buf []byte
	buf = appendString(buf, resp.ID)
	buf = appendString(buf, resp.Content)
	buf = appendVector(buf, resp.Embedding)
	buf = appendFloat32(buf, resp.Strength)
	buf = appendFloat32(buf, resp.Confidence)
	buf = appendMetadata(buf, resp.Metadata)
	return buf
}

func DecodeConceptResponse(data []byte) (ConceptResponse, error) {
	r := &reader{data: data}
	return ConceptResponse{
		ID:         r.string(),
		Content:    r.string(),
		Embedding:  r.vector(),
		Strength:   r.float32(),
		Confidence: r.float32(),
		Metadata:   r.metadata(),
	}, r.err
}

// IDListResponse carries a list of concept ids, used for neighbors/paths.
type IDListResponse struct {
	IDs []string
}

func EncodeIDListResponse(resp IDListResponse) []byte {
	var buf []byte
	buf = appendU32(buf, uint32(len(resp.IDs)))
	for _, id := range resp.IDs {
		buf = appendString(buf, id)
	}
	return buf
}

func DecodeIDListResponse(data []byte) (IDListResponse, error) {
	r := &reader{data: data}
	n := r.u32()
	ids := make([]string, n)
	for i := range ids {
		ids[i] = r.string()
	}
	return IDListResponse{IDs: ids}, r.err
}

// ScoredIDResponse carries vector_search results.
type ScoredIDResponse struct {
	IDs    []string
	Scores []float32
}

func EncodeScoredIDResponse(resp ScoredIDResponse) []byte {
	var buf []byte
	buf = appendU32(buf, uint32(len(resp.IDs)))
	for i, id := range resp.IDs {
		buf = appendString(buf, id)
		buf = appendFloat32(buf, resp.Scores[i])
	}
	return buf
}

func DecodeScoredIDResponse(data []byte) (ScoredIDResponse, error) {
	r := &reader{data: data}
	n := r.u32()
	resp := ScoredIDResponse{IDs: make([]string, n), Scores: make([]float32, n)}
	for i := uint32(0); i < n; i++ {
		resp.IDs[i] = r.string()
		resp.Scores[i] = r.float32()
	}
	return resp, r.err
}

// StatsResponse mirrors memory.Stats.
type StatsResponse struct {
	ConceptCount     uint32
	AssociationCount uint32
	Generation       uint64
	QueueDepth       uint32
}

func EncodeStatsResponse(resp StatsResponse) []byte {
	var buf []byte
	buf = appendU32(buf, resp.ConceptCount)
	buf = appendU32(buf, resp.AssociationCount)
	buf = appendU64(buf, resp.Generation)
	buf = appendU32(buf, resp.QueueDepth)
	return buf
}

func DecodeStatsResponse(data []byte) (StatsResponse, error) {
	r := &reader{data: data}
	return StatsResponse{
		ConceptCount:     r.u32(),
		AssociationCount: r.u32(),
		Generation:       r.u64(),
		QueueDepth:       r.u32(),
	}, r.err
}
