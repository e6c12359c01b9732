// Package server accepts TCP connections and dispatches sutra-memory's
// binary wire protocol, one goroutine per connection, one request
// processed at a time per connection.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"

	"github.com/rs/zerolog"

	"github.com/cuemby/sutra-memory/internal/pipeline"
	"github.com/cuemby/sutra-memory/internal/protocol"
	"github.com/cuemby/sutra-memory/internal/sharding"
	"github.com/cuemby/sutra-memory/internal/storeerr"
	"github.com/cuemby/sutra-memory/internal/txncoord"
	"github.com/cuemby/sutra-memory/pkg/log"
	"github.com/cuemby/sutra-memory/pkg/metrics"
)

// Config configures the listener.
type Config struct {
	Addr    string
	TLSCert string
	TLSKey  string
	DevMode bool // allows plaintext on a loopback bind address
}

// Server dispatches requests against one deployment's sharded storage.
type Server struct {
	cfg      Config
	storage  *sharding.ShardedStorage
	pipeline *pipeline.LearningPipeline
	coord    *txncoord.TxnCoordinator
	logger   zerolog.Logger

	listener net.Listener
	ready    chan struct{}
}

// New constructs a Server; it does not start listening until Serve is called.
func New(cfg Config, storage *sharding.ShardedStorage, p *pipeline.LearningPipeline, coord *txncoord.TxnCoordinator) *Server {
	return &Server{
		cfg:      cfg,
		storage:  storage,
		pipeline: p,
		coord:    coord,
		logger:   log.WithComponent("server"),
		ready:    make(chan struct{}),
	}
}

// Addr blocks until the listener is bound (i.e. until Serve has started),
// then returns its address. Useful for tests binding an ephemeral port.
func (s *Server) Addr() string {
	<-s.ready
	return s.listener.Addr().String()
}

// Serve opens the listener and runs the accept loop until ctx is
// cancelled or the listener errors.
func (s *Server) Serve(ctx context.Context) error {
	listener, err := s.listen()
	if err != nil {
		return err
	}
	s.listener = listener
	close(s.ready)

	go func() {
		<-ctx.Done()
		_ = listener.Close()
	}()

	s.logger.Info().Str("addr", listener.Addr().String()).Msg("listening")
	for {
		conn, err := listener.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return nil
			}
			return err
		}
		go s.handleConn(conn)
	}
}

func (s *Server) listen() (net.Listener, error) {
	listener, err := net.Listen("tcp", s.cfg.Addr)
	if err != nil {
		return nil, storeerr.Wrap(storeerr.ConfigError, "server: listen failed", err)
	}

	if s.cfg.TLSCert == "" && s.cfg.TLSKey == "" {
		if !s.cfg.DevMode || !isLoopback(s.cfg.Addr) {
			listener.Close()
			return nil, storeerr.New(storeerr.ConfigError, "server: plaintext binding requires --dev-mode on a loopback address")
		}
		return listener, nil
	}

	cert, err := tls.LoadX509KeyPair(s.cfg.TLSCert, s.cfg.TLSKey)
	if err != nil {
		listener.Close()
		return nil, storeerr.Wrap(storeerr.ConfigError, "server: load TLS certificate", err)
	}
	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS13,
	}
	return tls.NewListener(listener, tlsConfig), nil
}

func isLoopback(addr string) bool {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		host = addr
	}
	if host == "localhost" {
		return true
	}
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLoopback()
}

// Close stops accepting new connections.
func (s *Server) Close() error {
	if s.listener == nil {
		return nil
	}
	return s.listener.Close()
}

func (s *Server) handleConn(conn net.Conn) {
	defer conn.Close()
	logger := log.WithConnection(conn.RemoteAddr().String())
	logger.Debug().Msg("connection accepted")

	metrics.ServerConnectionsActive.Inc()
	defer metrics.ServerConnectionsActive.Dec()

	for {
		kind, payload, err := protocol.ReadFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				logger.Debug().Err(err).Msg("connection closed")
			}
			return
		}
		s.dispatch(conn, kind, payload, logger)
	}
}
