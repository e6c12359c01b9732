package protocol

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/cuemby/sutra-memory/internal/readview"
	"github.com/cuemby/sutra-memory/internal/storeerr"
)

func TestWriteReadFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, KindQueryConcept, []byte("payload")))

	kind, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, KindQueryConcept, kind)
	assert.Equal(t, []byte("payload"), payload)
}

func TestReadFrameRejectsUnknownVersion(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, KindHealthCheck, nil))
	raw := buf.Bytes()
	raw[4] = 7 // corrupt the version byte

	_, _, err := ReadFrame(bytes.NewReader(raw))
	require.Error(t, err)
	assert.Equal(t, storeerr.ProtocolError, storeerr.KindOf(err))
}

func TestReadFrameRejectsOversizedLength(t *testing.T) {
	var lenBuf [4]byte
	lenBuf[0] = 0xFF
	_, _, err := ReadFrame(bytes.NewReader(lenBuf[:]))
	require.Error(t, err)
}

func TestLearnV1RequestRoundTrip(t *testing.T) {
	req := LearnV1Request{
		Content:    "hello",
		Embedding:  []float32{1, 2, 3},
		Strength:   0.5,
		Confidence: 0.9,
		Metadata: readview.ConceptMetadata{
			ConceptType:    "fact",
			OrganizationID: "org1",
			Tags:           []string{"a", "b"},
			Attributes:     map[string]string{"k": "v"},
		},
	}
	encoded := EncodeLearnV1Request(req)
	decoded, err := DecodeLearnV1Request(encoded)
	require.NoError(t, err)
	assert.Equal(t, req.Content, decoded.Content)
	assert.Equal(t, req.Embedding, decoded.Embedding)
	assert.InDelta(t, req.Strength, decoded.Strength, 0.0001)
	assert.Equal(t, req.Metadata.Tags, decoded.Metadata.Tags)
	assert.Equal(t, req.Metadata.Attributes, decoded.Metadata.Attributes)
}

func TestLearnBatchRequestRejectsOversizedBatch(t *testing.T) {
	items := make([]LearnV1Request, maxBatch+1)
	_, err := EncodeLearnBatchRequest(LearnBatchRequest{Items: items})
	require.Error(t, err)
}

func TestLearnBatchRequestRoundTrip(t *testing.T) {
	items := []LearnV1Request{
		{Content: "a", Embedding: []float32{1}},
		{Content: "b", Embedding: []float32{2}},
	}
	encoded, err := EncodeLearnBatchRequest(LearnBatchRequest{Items: items})
	require.NoError(t, err)

	decoded, err := DecodeLearnBatchRequest(encoded)
	require.NoError(t, err)
	require.Len(t, decoded.Items, 2)
	assert.Equal(t, "a", decoded.Items[0].Content)
	assert.Equal(t, "b", decoded.Items[1].Content)
}

func TestFindPathRequestRoundTrip(t *testing.T) {
	req := FindPathRequest{Source: "s", Target: "t", MaxDepth: 16}
	decoded, err := DecodeFindPathRequest(EncodeFindPathRequest(req))
	require.NoError(t, err)
	assert.Equal(t, req, decoded)
}

func TestVectorSearchRequestRoundTrip(t *testing.T) {
	req := VectorSearchRequest{Query: []float32{1, 0, 0}, K: 10, Ef: 50, OrganizationID: "org1"}
	decoded, err := DecodeVectorSearchRequest(EncodeVectorSearchRequest(req))
	require.NoError(t, err)
	assert.Equal(t, req.Query, decoded.Query)
	assert.Equal(t, req.K, decoded.K)
	assert.Equal(t, req.OrganizationID, decoded.OrganizationID)
}

func TestScoredIDResponseRoundTrip(t *testing.T) {
	resp := ScoredIDResponse{IDs: []string{"a", "b"}, Scores: []float32{0.9, 0.8}}
	decoded, err := DecodeScoredIDResponse(EncodeScoredIDResponse(resp))
	require.NoError(t, err)
	assert.Equal(t, resp, decoded)
}

func TestStatsResponseRoundTrip(t *testing.T) {
	resp := StatsResponse{ConceptCount: 5, AssociationCount: 3, Generation: 42, QueueDepth: 1}
	decoded, err := DecodeStatsResponse(EncodeStatsResponse(resp))
	require.NoError(t, err)
	assert.Equal(t, resp, decoded)
}

func TestDecodeTruncatedPayloadErrors(t *testing.T) {
	_, err := DecodeLearnV1Request([]byte{0, 0})
	require.Error(t, err)
	assert.Equal(t, storeerr.ProtocolError, storeerr.KindOf(err))
}

func TestWriteErrorResponseEncodesKindAndMessage(t *testing.T) {
	var buf bytes.Buffer
	srcErr := storeerr.New(storeerr.NotFound, "concept missing")
	require.NoError(t, WriteErrorResponse(&buf, srcErr))

	kind, payload, err := ReadFrame(&buf)
	require.NoError(t, err)
	assert.Equal(t, KindResponseError, kind)
	require.GreaterOrEqual(t, len(payload), 1)
	assert.Equal(t, byte(storeerr.NotFound), payload[0])
}
