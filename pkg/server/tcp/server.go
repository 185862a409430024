// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/mrelay/pkg/inbound"
	"github.com/absmach/mrelay/pkg/tunnel"
)

var (
	// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
	ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

	// ErrNoRoute is returned by New when Path is not served by any inbound.
	ErrNoRoute = errors.New("path is not routed to an inbound")
)

// Config holds the TCP host configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// Path is the routing path every accepted connection is dispatched to.
	Path string

	// TLSConfig is optional TLS configuration for the listener
	TLSConfig *tls.Config

	// MaxConnections bounds concurrent sessions. Zero means unlimited.
	// Connections over the limit are closed right after accept.
	MaxConnections int

	// ShutdownTimeout is the maximum time to wait for active sessions to drain
	// during graceful shutdown. After this timeout, remaining sessions are
	// cancelled.
	ShutdownTimeout time.Duration

	// Logger for server events
	Logger *slog.Logger
}

// Server accepts raw TCP (or TLS) connections and serves each one as a tunnel
// session on a fixed path.
type Server struct {
	config  Config
	engine  *tunnel.Engine
	variant inbound.Variant
	sem     chan struct{}
	wg      sync.WaitGroup

	mu   sync.Mutex
	addr net.Addr
}

// New creates a TCP host. The configured path must dispatch to an inbound.
func New(cfg Config, engine *tunnel.Engine) (*Server, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}

	variant, ok := engine.Dispatch(cfg.Path)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoRoute, cfg.Path)
	}

	s := &Server{
		config:  cfg,
		engine:  engine,
		variant: variant,
	}
	if cfg.MaxConnections > 0 {
		s.sem = make(chan struct{}, cfg.MaxConnections)
	}
	return s, nil
}

// Addr returns the bound listener address, or nil before Listen binds.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Listen starts the TCP host and blocks until the context is cancelled.
// It implements graceful shutdown with session draining.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()

	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
		s.config.Logger.Info("TLS enabled", slog.String("address", listener.Addr().String()))
	}

	s.config.Logger.Info("TCP host started",
		slog.String("address", listener.Addr().String()),
		slog.String("path", s.config.Path))

	// Sessions get their own context so draining can outlive ctx.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				if errors.Is(err, net.ErrClosed) {
					return
				}
				s.config.Logger.Error("failed to accept connection", slog.String("error", err.Error()))
				continue
			}

			if !s.acquire() {
				s.config.Logger.Warn("connection limit reached",
					slog.String("remote", conn.RemoteAddr().String()))
				conn.Close()
				continue
			}

			s.wg.Add(1)
			go func() {
				defer s.wg.Done()
				defer s.release()
				if err := s.handleConn(connCtx, conn); err != nil {
					s.config.Logger.Debug("connection handler error",
						slog.String("remote", conn.RemoteAddr().String()),
						slog.String("error", err.Error()))
				}
			}()
		}
	}()

	<-ctx.Done()
	s.config.Logger.Info("shutdown signal received, closing listener")

	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	<-acceptDone

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all sessions closed gracefully")
		return nil
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, cancelling sessions")
		connCancel()
		select {
		case <-done:
		case <-time.After(1 * time.Second):
		}
		return ErrShutdownTimeout
	}
}

// handleConn completes the TLS handshake if any and hands the connection to
// the engine, which owns it from then on.
func (s *Server) handleConn(ctx context.Context, conn net.Conn) error {
	var tlsConn *tls.Conn
	if c, ok := conn.(*tls.Conn); ok {
		tlsConn = c
		hsCtx, cancel := context.WithTimeout(ctx, tunnel.DefaultHandshakeTimeout)
		err := tlsConn.HandshakeContext(hsCtx)
		cancel()
		if err != nil {
			conn.Close()
			return fmt.Errorf("TLS handshake failed: %w", err)
		}
	}

	sess := s.engine.NewSession(s.variant, s.config.Path, conn.RemoteAddr().String(), conn)
	if tlsConn != nil {
		state := tlsConn.ConnectionState()
		if len(state.PeerCertificates) > 0 {
			sess.Context().Cert = state.PeerCertificates[0]
		}
	}

	s.engine.Serve(ctx, sess)
	return nil
}

func (s *Server) acquire() bool {
	if s.sem == nil {
		return true
	}
	select {
	case s.sem <- struct{}{}:
		return true
	default:
		return false
	}
}

func (s *Server) release() {
	if s.sem != nil {
		<-s.sem
	}
}
