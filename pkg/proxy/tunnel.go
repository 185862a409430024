// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package proxy

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/absmach/mrelay/pkg/gate"
	"github.com/absmach/mrelay/pkg/health"
	"github.com/absmach/mrelay/pkg/inbound"
	"github.com/absmach/mrelay/pkg/link"
	"github.com/absmach/mrelay/pkg/parser/websocket"
	"github.com/absmach/mrelay/pkg/tunnel"
	"github.com/go-chi/chi/v5"
)

const (
	// DefaultLinkPath serves the share links.
	DefaultLinkPath = "/link"

	defaultShutdownTimeout = 30 * time.Second
)

// ErrShutdownTimeout is returned when running sessions outlive the shutdown
// timeout and had to be cancelled.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// TunnelConfig holds configuration for the HTTP tunnel host.
type TunnelConfig struct {
	Host      string
	Port      string
	TLSConfig *tls.Config

	// LinkPath serves the share links. It must be reserved in the router.
	LinkPath string

	// Link describes the public address written into share links.
	Link link.Config

	// Gateway configures the WebSocket front.
	Gateway websocket.GatewayConfig

	// ShutdownTimeout bounds how long running sessions may drain.
	ShutdownTimeout time.Duration

	Logger *slog.Logger
}

// TunnelProxy serves share links, health probes and the WebSocket gateway on
// one HTTP listener.
type TunnelProxy struct {
	config  TunnelConfig
	gateway *websocket.Gateway
	health  *health.Checker
	server  *http.Server

	mu   sync.Mutex
	addr net.Addr
}

// NewTunnel creates the HTTP tunnel host. g and checker may be nil.
func NewTunnel(cfg TunnelConfig, engine *tunnel.Engine, router *inbound.Router, g *gate.Gate, checker *health.Checker) (*TunnelProxy, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.LinkPath == "" {
		cfg.LinkPath = DefaultLinkPath
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = defaultShutdownTimeout
	}
	if _, ok := router.Dispatch(cfg.LinkPath); ok {
		return nil, fmt.Errorf("%w: %s", inbound.ErrReservedPath, cfg.LinkPath)
	}
	if checker == nil {
		checker = health.NewChecker(0, cfg.Logger)
	}
	if cfg.Gateway.Logger == nil {
		cfg.Gateway.Logger = cfg.Logger
	}
	if cfg.Link.Logger == nil {
		cfg.Link.Logger = cfg.Logger
	}
	if cfg.TLSConfig != nil {
		cfg.Link.TLS = true
	}

	var auth websocket.Authorizer
	if g != nil && g.Enabled() {
		auth = g
	}
	gw := websocket.NewGateway(cfg.Gateway, engine, auth)

	checker.Register("sessions", func(context.Context) error {
		if gw.Full() {
			return fmt.Errorf("session limit reached: %d active", gw.Sessions())
		}
		return nil
	})

	links := link.Handler(router, cfg.Link)
	if auth != nil {
		links = g.Middleware(links)
	}

	r := chi.NewRouter()
	r.Use(accessLogger(cfg.Logger))
	r.Method(http.MethodGet, cfg.LinkPath, links)
	r.Get("/health", checker.HTTPHandler())
	r.Get("/ready", checker.ReadinessHandler())
	r.Get("/live", health.LivenessHandler())
	r.Handle("/*", gw)

	address := net.JoinHostPort(cfg.Host, cfg.Port)
	return &TunnelProxy{
		config:  cfg,
		gateway: gw,
		health:  checker,
		server: &http.Server{
			Addr:              address,
			Handler:           r,
			TLSConfig:         cfg.TLSConfig,
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Handler returns the HTTP handler, useful for tests.
func (p *TunnelProxy) Handler() http.Handler {
	return p.server.Handler
}

// Addr returns the bound address, or nil before Listen binds.
func (p *TunnelProxy) Addr() net.Addr {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.addr
}

// Listen starts the tunnel host and blocks until context is cancelled. On
// shutdown it stops accepting requests, waits for sessions to drain and
// cancels those still running after ShutdownTimeout.
func (p *TunnelProxy) Listen(ctx context.Context) error {
	ln, err := net.Listen("tcp", p.server.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", p.server.Addr, err)
	}
	p.mu.Lock()
	p.addr = ln.Addr()
	p.mu.Unlock()

	p.config.Logger.Info("tunnel server started",
		slog.String("address", ln.Addr().String()),
		slog.Bool("tls", p.server.TLSConfig != nil))

	errCh := make(chan error, 1)
	go func() {
		if p.server.TLSConfig != nil {
			errCh <- p.server.ServeTLS(ln, "", "")
		} else {
			errCh <- p.server.Serve(ln)
		}
	}()

	select {
	case <-ctx.Done():
		p.config.Logger.Info("shutdown signal received, closing tunnel server")
		return p.shutdown()

	case err := <-errCh:
		p.gateway.Close()
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}

func (p *TunnelProxy) shutdown() error {
	p.health.SetReady(false)
	defer p.gateway.Close()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), p.config.ShutdownTimeout)
	defer cancel()

	if err := p.server.Shutdown(shutdownCtx); err != nil {
		p.config.Logger.Error("error during shutdown", slog.String("error", err.Error()))
	}

	// Upgraded connections are hijacked, Shutdown does not wait for them.
	if err := p.gateway.Wait(shutdownCtx); err != nil {
		p.config.Logger.Warn("shutdown timeout exceeded, cancelling sessions",
			slog.Int("sessions", p.gateway.Sessions()))
		p.gateway.Close()

		forceCtx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		p.gateway.Wait(forceCtx)
		return ErrShutdownTimeout
	}

	p.config.Logger.Info("tunnel server shutdown complete")
	return nil
}

func accessLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			logger.Debug("request served",
				slog.String("remote", r.RemoteAddr),
				slog.String("method", r.Method),
				slog.String("path", r.URL.Path),
				slog.Duration("duration", time.Since(start)))
		})
	}
}
