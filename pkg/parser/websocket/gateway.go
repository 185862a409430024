// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/absmach/mrelay/pkg/tunnel"
	"github.com/gorilla/websocket"
)

const (
	// DefaultMaxEarlyData caps the decoded early data size.
	DefaultMaxEarlyData = 8192

	protocolHeader = "Sec-WebSocket-Protocol"
)

// Authorizer checks a request before it is upgraded. *gate.Gate implements it.
type Authorizer interface {
	Check(r *http.Request) error
	Deny(w http.ResponseWriter, r *http.Request)
}

// GatewayConfig holds the gateway configuration.
type GatewayConfig struct {
	// MaxSessions bounds concurrent sessions. Zero means unlimited.
	MaxSessions int

	// EarlyData accepts the first tunnel bytes base64url-encoded in the
	// Sec-WebSocket-Protocol request header.
	EarlyData bool

	// MaxEarlyData caps the decoded early data. Defaults to DefaultMaxEarlyData.
	MaxEarlyData int

	// CheckOrigin is passed to the upgrader. Nil accepts every origin.
	CheckOrigin func(r *http.Request) bool

	Logger *slog.Logger
}

// Gateway upgrades routed requests and hands the resulting streams to the
// tunnel engine.
type Gateway struct {
	config   GatewayConfig
	engine   *tunnel.Engine
	auth     Authorizer
	upgrader websocket.Upgrader
	sem      chan struct{}
	active   atomic.Int64

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

var _ http.Handler = (*Gateway)(nil)

// NewGateway creates a gateway. auth may be nil.
func NewGateway(cfg GatewayConfig, engine *tunnel.Engine, auth Authorizer) *Gateway {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.MaxEarlyData <= 0 {
		cfg.MaxEarlyData = DefaultMaxEarlyData
	}
	checkOrigin := cfg.CheckOrigin
	if checkOrigin == nil {
		checkOrigin = func(r *http.Request) bool { return true }
	}

	g := &Gateway{
		config: cfg,
		engine: engine,
		auth:   auth,
		upgrader: websocket.Upgrader{
			CheckOrigin: checkOrigin,
		},
	}
	if cfg.MaxSessions > 0 {
		g.sem = make(chan struct{}, cfg.MaxSessions)
	}
	g.ctx, g.cancel = context.WithCancel(context.Background())
	return g
}

// ServeHTTP implements http.Handler.
func (g *Gateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	variant, ok := g.engine.Dispatch(r.URL.Path)
	if !ok {
		http.NotFound(w, r)
		return
	}

	if g.auth != nil {
		if err := g.auth.Check(r); err != nil {
			g.auth.Deny(w, r)
			return
		}
	}

	if !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "websocket upgrade required", http.StatusUpgradeRequired)
		return
	}

	if g.sem != nil {
		select {
		case g.sem <- struct{}{}:
			defer func() { <-g.sem }()
		default:
			http.Error(w, "too many sessions", http.StatusServiceUnavailable)
			return
		}
	}

	var (
		early          []byte
		responseHeader http.Header
	)
	if g.config.EarlyData {
		if proto := r.Header.Get(protocolHeader); proto != "" {
			data, err := decodeEarlyData(proto)
			switch {
			case err != nil:
				// Not early data: an ordinary subprotocol the tunnel ignores.
			case len(data) > g.config.MaxEarlyData:
				http.Error(w, "early data too large", http.StatusRequestHeaderFieldsTooLarge)
				return
			default:
				early = data
				responseHeader = http.Header{}
				responseHeader.Set(protocolHeader, proto)
			}
		}
	}

	ws, err := g.upgrader.Upgrade(w, r, responseHeader)
	if err != nil {
		g.config.Logger.Debug("failed to upgrade client connection",
			slog.String("remote", r.RemoteAddr),
			slog.String("error", err.Error()))
		return
	}

	g.wg.Add(1)
	defer g.wg.Done()
	g.active.Add(1)
	defer g.active.Add(-1)

	ctx, cancel := context.WithCancel(g.ctx)
	defer cancel()
	stop := context.AfterFunc(r.Context(), cancel)
	defer stop()

	s := g.engine.NewSession(variant, r.URL.Path, r.RemoteAddr, NewConn(ws, early))
	if r.TLS != nil && len(r.TLS.PeerCertificates) > 0 {
		s.Context().Cert = r.TLS.PeerCertificates[0]
	}
	g.engine.Serve(ctx, s)
}

// Sessions returns the number of upgraded sessions still running.
func (g *Gateway) Sessions() int {
	return int(g.active.Load())
}

// Full reports whether the session limit is reached.
func (g *Gateway) Full() bool {
	return g.config.MaxSessions > 0 && g.Sessions() >= g.config.MaxSessions
}

// Wait blocks until all sessions have ended or ctx is done.
func (g *Gateway) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		g.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels all running sessions. Upgrades in flight after Close are
// cancelled immediately.
func (g *Gateway) Close() {
	g.cancel()
}

func decodeEarlyData(s string) ([]byte, error) {
	s = strings.TrimRight(strings.TrimSpace(s), "=")
	return base64.RawURLEncoding.DecodeString(s)
}
