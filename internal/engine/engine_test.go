package engine

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/cuemby/sutra-memory/internal/protocol"
)

// startEngine boots an Engine against dataDir and serves it in the
// background until the test ends or stop is called. stop blocks until
// Serve has returned, so the caller can safely reuse dataDir afterward
// (e.g. to simulate a restart).
func startEngine(t *testing.T, dataDir string, shards int) (addr string, stop func()) {
	t.Helper()
	e, err := New(Options{
		DataDir: dataDir,
		Dim:     2,
		Shards:  shards,
		Bind:    "127.0.0.1:0",
		DevMode: true,
	}, nil, nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = e.Serve(ctx)
		close(done)
	}()

	stop = func() {
		cancel()
		<-done
	}
	t.Cleanup(stop)
	return e.Addr(), stop
}

func TestEngineRecoversEmptyDataDirAndServesHealthCheck(t *testing.T) {
	addr, _ := startEngine(t, t.TempDir(), 1)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	defer conn.Close()

	require.NoError(t, protocol.WriteFrame(conn, protocol.KindHealthCheck, nil))
	kind, _, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.KindResponseOK, kind)
}

func TestEngineRejectsMismatchedDimOnRestart(t *testing.T) {
	dataDir := t.TempDir()
	e, err := New(Options{DataDir: dataDir, Dim: 2, Shards: 1, Bind: "127.0.0.1:0", DevMode: true}, nil, nil)
	require.NoError(t, err)
	e.shutdown()

	_, err = New(Options{DataDir: dataDir, Dim: 3, Shards: 1, Bind: "127.0.0.1:0", DevMode: true}, nil, nil)
	require.Error(t, err)
}

func TestEngineLearnPersistsAcrossRestart(t *testing.T) {
	dataDir := t.TempDir()
	addr, stop := startEngine(t, dataDir, 1)

	conn, err := net.Dial("tcp", addr)
	require.NoError(t, err)
	req := protocol.LearnV1Request{Content: "persisted concept", Embedding: []float32{1, 0}}
	require.NoError(t, protocol.WriteFrame(conn, protocol.KindLearnV1, protocol.EncodeLearnV1Request(req)))
	kind, payload, err := protocol.ReadFrame(conn)
	require.NoError(t, err)
	require.Equal(t, protocol.KindResponseOK, kind)
	id := protocol.DecodeQueryConceptRequest(payload)

	require.NoError(t, protocol.WriteFrame(conn, protocol.KindFlush, nil))
	_, _, err = protocol.ReadFrame(conn)
	require.NoError(t, err)
	conn.Close()

	// Shut the first engine down fully (including its WAL file handles)
	// before reopening the same data directory.
	stop()
	time.Sleep(10 * time.Millisecond)

	addr2, _ := startEngine(t, dataDir, 1)
	conn2, err := net.Dial("tcp", addr2)
	require.NoError(t, err)
	defer conn2.Close()

	require.NoError(t, protocol.WriteFrame(conn2, protocol.KindQueryConcept, protocol.EncodeIDRequest(id)))
	kind, payload, err = protocol.ReadFrame(conn2)
	require.NoError(t, err)
	require.Equal(t, protocol.KindResponseOK, kind)
	resp, err := protocol.DecodeConceptResponse(payload)
	require.NoError(t, err)
	require.Equal(t, "persisted concept", resp.Content)
}
