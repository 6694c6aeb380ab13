// Package proxy implements the connection handler (spec.md §4.F): it
// accepts client connections, dials the single configured upstream, and
// relays traffic between them, routing decoded rows through the masking
// engine before they reach the client. Structure follows the teacher's
// internal/proxy (server.go's accept loop, handler.go's ConnectionHandler
// interface), collapsed from per-tenant pooled routing down to a single
// fixed upstream with no connection pool (spec.md §9).
package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dbbouncer/piimask/internal/config"
	"github.com/dbbouncer/piimask/internal/connid"
	"github.com/dbbouncer/piimask/internal/mask"
	"github.com/dbbouncer/piimask/internal/metrics"
	"github.com/dbbouncer/piimask/internal/wire/mysqlproto"
	"github.com/dbbouncer/piimask/internal/wire/pgproto"
)

// Server is the single-protocol TCP proxy listener.
type Server struct {
	store   *config.Store
	conns   *connid.Table
	metrics *metrics.Collector
	engine  *mask.Engine

	sem     chan struct{}
	limiter *tokenBucket

	// clientTLS and upstreamTLS are resolved once at construction time:
	// unlike rules and limits, TLS material isn't named as reloadable
	// (spec.md §6), and reloading certificates mid-flight has no safe
	// meaning for already-accepted connections anyway.
	clientTLS   *tls.Config
	upstreamTLS bool

	listener net.Listener
	draining atomic.Bool
	wg       sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer builds a Server bound to the limits and upstream named by the
// store's current snapshot at construction time. max_connections and
// connections_per_second are fixed for the process's lifetime even though
// the rest of the config is hot-reloadable (spec.md §6 doesn't name these
// as reloadable, and a live semaphore resize has no safe atomic meaning).
func NewServer(store *config.Store, conns *connid.Table, m *metrics.Collector) (*Server, error) {
	snap := store.Load()
	ctx, cancel := context.WithCancel(context.Background())

	engine := mask.NewEngine(storeRuleSource{store: store}, m)

	var clientTLS *tls.Config
	if snap.TLS.Enabled {
		cert, err := tls.LoadX509KeyPair(snap.TLS.CertPath, snap.TLS.KeyPath)
		if err != nil {
			cancel()
			return nil, fmt.Errorf("loading client TLS cert: %w", err)
		}
		clientTLS = &tls.Config{Certificates: []tls.Certificate{cert}}
	}

	return &Server{
		store:       store,
		conns:       conns,
		metrics:     m,
		engine:      engine,
		sem:         make(chan struct{}, snap.Limits.MaxConnections),
		limiter:     newTokenBucket(snap.Limits.ConnectionsPerSecond),
		clientTLS:   clientTLS,
		upstreamTLS: snap.UpstreamTLS,
		ctx:         ctx,
		cancel:      cancel,
	}, nil
}

// Serve starts the listener and blocks accepting connections until the
// server is stopped or the listener errors out.
func (s *Server) Serve() error {
	snap := s.store.Load()
	addr := net.JoinHostPort(snap.Listen.Bind, fmt.Sprintf("%d", snap.Listen.Port))

	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", addr, err)
	}
	s.listener = ln
	slog.Info("proxy listening", "addr", addr, "protocol", snap.Listen.Protocol)

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-s.ctx.Done():
				return nil
			default:
				if errors.Is(err, net.ErrClosed) {
					return nil
				}
				slog.Error("accept error", "error", err)
				continue
			}
		}

		if s.draining.Load() {
			conn.Close()
			continue
		}

		if !s.limiter.Allow() {
			if s.metrics != nil {
				s.metrics.ConnectionRejected("rate_limited")
			}
			s.rejectConnection(conn, snap.Listen.Protocol, "connection rate limit exceeded")
			continue
		}

		select {
		case s.sem <- struct{}{}:
		default:
			if s.metrics != nil {
				s.metrics.ConnectionRejected("max_connections")
			}
			s.rejectConnection(conn, snap.Listen.Protocol, "too many connections")
			continue
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer func() { <-s.sem }()
			s.handleConnection(conn)
		}()
	}
}

// rejectConnection sends a protocol-appropriate rejection error (spec.md
// §4.F.1: PG ErrorResponse SQLSTATE 53300 "too_many_connections", MySQL ERR
// packet code 1040) before closing conn. Errors writing the rejection
// itself are ignored: the connection is being closed either way.
func (s *Server) rejectConnection(conn net.Conn, protocol config.Protocol, message string) {
	switch protocol {
	case config.ProtocolPostgres:
		body := pgproto.EncodeErrorResponse("FATAL", "53300", message)
		conn.Write(pgproto.Encode(pgproto.MsgErrorResponse, body))
	case config.ProtocolMySQL:
		body := mysqlproto.EncodeErrPacket(1040, message)
		conn.Write(mysqlproto.Encode(0, body))
	}
	conn.Close()
}

func (s *Server) handleConnection(conn net.Conn) {
	defer conn.Close()

	snap := s.store.Load()
	upstreamAddr := net.JoinHostPort(snap.Upstream.Host, fmt.Sprintf("%d", snap.Upstream.Port))

	dialCtx, dialCancel := context.WithTimeout(s.ctx, snap.Limits.ConnectTimeout())
	upstream, err := (&net.Dialer{}).DialContext(dialCtx, "tcp", upstreamAddr)
	dialCancel()
	if err != nil {
		slog.Error("dialing upstream failed", "upstream", upstreamAddr, "error", err)
		return
	}
	defer upstream.Close()

	conn2 := connid.New(conn, upstreamAddr, string(snap.Listen.Protocol))
	if err := s.conns.Register(conn2); err != nil {
		slog.Warn("connection rejected", "reason", err)
		if s.metrics != nil {
			s.metrics.ConnectionRejected("max_connections")
		}
		return
	}
	defer s.conns.Remove(conn2.ID())

	if s.metrics != nil {
		s.metrics.ConnectionOpened()
		defer s.metrics.ConnectionClosed()
	}

	cc := &clientConn{
		client:      conn,
		upstream:    upstream,
		tracked:     conn2,
		engine:      s.engine,
		metrics:     s.metrics,
		idleTimeout: snap.Limits.IdleTimeout(),
		draining:    &s.draining,
		clientTLS:   s.clientTLS,
		upstreamTLS: s.upstreamTLS,
	}

	var handler ConnectionHandler
	switch snap.Listen.Protocol {
	case config.ProtocolPostgres:
		handler = &pgHandler{}
	case config.ProtocolMySQL:
		handler = &mysqlHandler{}
	default:
		slog.Error("unknown listen protocol", "protocol", snap.Listen.Protocol)
		return
	}

	start := time.Now()
	if err := handler.Handle(cc); err != nil {
		slog.Debug("connection ended", "error", err)
	}
	if s.metrics != nil {
		s.metrics.SessionCompleted(string(snap.Listen.Protocol), time.Since(start))
	}
}

// Shutdown stops accepting new connections and waits up to
// shutdown_timeout for in-flight handlers to drain, per spec.md §5:
// "Graceful drain."
func (s *Server) Shutdown() {
	s.draining.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}

	timeout := s.store.Load().Limits.ShutdownTimeout()
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(timeout):
		slog.Warn("shutdown timeout reached, forcing remaining connections closed")
	}
	s.cancel()
}
