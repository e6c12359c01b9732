package server

import (
	"context"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/sutra-memory/internal/hnsw"
	"github.com/cuemby/sutra-memory/internal/memory"
	"github.com/cuemby/sutra-memory/internal/pipeline"
	"github.com/cuemby/sutra-memory/internal/protocol"
	"github.com/cuemby/sutra-memory/internal/readview"
	"github.com/cuemby/sutra-memory/internal/reconciler"
	"github.com/cuemby/sutra-memory/internal/sharding"
	"github.com/cuemby/sutra-memory/internal/wal"
	"github.com/cuemby/sutra-memory/internal/writelog"
)

const testDim = 2

func newTestStorage(t *testing.T, n int) *sharding.ShardedStorage {
	t.Helper()
	shards := make([]*memory.ConcurrentMemory, n)
	for i := 0; i < n; i++ {
		dir := t.TempDir()
		w, err := wal.New(wal.Config{Path: filepath.Join(dir, "wal.log"), SyncMode: wal.SyncImmediate})
		require.NoError(t, err)
		t.Cleanup(func() { _ = w.Close() })
		wl := writelog.New(128, "shard")
		views := readview.New("shard")
		index := hnsw.New(testDim)
		mem := memory.New(testDim, w, wl, views, index, "shard")
		rec := reconciler.New(reconciler.Config{ShardLabel: "shard", BatchMax: 64, Dim: testDim}, w, wl, views, index, mem.Applier())
		mem.SetReconciler(rec)
		rec.Start()
		t.Cleanup(rec.Stop)
		shards[i] = mem
	}
	return sharding.NewShardedStorage(shards)
}

// startTestServer boots a Server on loopback in dev mode and returns a
// dialed connection; shutdown is registered with t.Cleanup.
func startTestServer(t *testing.T, storage *sharding.ShardedStorage) net.Conn {
	t.Helper()
	p := pipeline.New(storage, nil, nil)
	srv := New(Config{Addr: "127.0.0.1:0", DevMode: true}, storage, p, nil)

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	srv.listener = listener

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		for {
			conn, err := listener.Accept()
			if err != nil {
				return
			}
			go srv.handleConn(conn)
		}
	}()
	t.Cleanup(func() {
		cancel()
		_ = listener.Close()
	})
	_ = ctx

	conn, err := net.Dial("tcp", listener.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

func TestHealthCheckRoundTrip(t *testing.T) {
	storage := newTestStorage(t, 1)
	conn := startTestServer(t, storage)

	require.NoError(t, protocol.WriteFrame(conn, protocol.KindHealthCheck, nil))
	kind, _, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.KindResponseOK, kind)
}

func TestLearnV1ThenQueryConceptRoundTrip(t *testing.T) {
	storage := newTestStorage(t, 1)
	conn := startTestServer(t, storage)

	req := protocol.LearnV1Request{
		Content:    "hello world",
		Embedding:  []float32{1, 0},
		Strength:   0.5,
		Confidence: 0.9,
		Metadata:   readview.ConceptMetadata{OrganizationID: "org1"},
	}
	require.NoError(t, protocol.WriteFrame(conn, protocol.KindLearnV1, protocol.EncodeLearnV1Request(req)))
	kind, payload, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.KindResponseOK, kind)
	id := protocol.DecodeQueryConceptRequest(payload)
	require.NotEmpty(t, id)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if _, ok := storage.For(id).QueryConcept(id); ok {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	require.NoError(t, protocol.WriteFrame(conn, protocol.KindQueryConcept, protocol.EncodeIDRequest(id)))
	kind, payload, err = protocol.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.KindResponseOK, kind)
	resp, err := protocol.DecodeConceptResponse(payload)
	require.NoError(t, err)
	require.Equal(t, "hello world", resp.Content)
}

func TestQueryConceptMissingReturnsNotFoundError(t *testing.T) {
	storage := newTestStorage(t, 1)
	conn := startTestServer(t, storage)

	require.NoError(t, protocol.WriteFrame(conn, protocol.KindQueryConcept, protocol.EncodeIDRequest("doesnotexist0000")))
	kind, _, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.KindResponseError, kind)
}

func TestGetStatsReflectsLearnedConcepts(t *testing.T) {
	storage := newTestStorage(t, 1)
	conn := startTestServer(t, storage)

	req := protocol.LearnV1Request{Content: "a concept", Embedding: []float32{1, 0}}
	require.NoError(t, protocol.WriteFrame(conn, protocol.KindLearnV1, protocol.EncodeLearnV1Request(req)))
	_, _, err := protocol.ReadFrame(conn)
	require.NoError(t, err)

	require.NoError(t, protocol.WriteFrame(conn, protocol.KindFlush, nil))
	kind, _, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.KindResponseOK, kind)

	require.NoError(t, protocol.WriteFrame(conn, protocol.KindGetStats, nil))
	kind, payload, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.KindResponseOK, kind)
	stats, err := protocol.DecodeStatsResponse(payload)
	require.NoError(t, err)
	require.GreaterOrEqual(t, stats.ConceptCount, uint32(1))
}

func TestIsLoopback(t *testing.T) {
	require.True(t, isLoopback("127.0.0.1:8080"))
	require.True(t, isLoopback("localhost:8080"))
	require.False(t, isLoopback("0.0.0.0:8080"))
}
