// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/absmach/mrelay/pkg/handler"
	"github.com/absmach/mrelay/pkg/metrics"
	"github.com/absmach/mrelay/pkg/ratelimit"
	"github.com/absmach/mrelay/pkg/relay"
	"golang.org/x/time/rate"
)

var (
	_ handler.Handler = (*RateLimitedHandler)(nil)
	_ handler.Handler = (*InstrumentedHandler)(nil)
)

// RateLimitedHandler wraps a handler with rate limiting.
type RateLimitedHandler struct {
	handler          handler.Handler
	perClientLimiter *ratelimit.Limiter
	globalLimiter    *rate.Limiter
	metrics          *metrics.Metrics
	logger           *slog.Logger
}

// AuthConnect implements handler.Handler with rate limiting.
func (h *RateLimitedHandler) AuthConnect(ctx context.Context, hctx *handler.Context) error {
	if !h.globalLimiter.Allow() {
		h.metrics.RateLimitedSessions.WithLabelValues("global").Inc()
		h.logger.Warn("Global rate limit exceeded",
			slog.String("remote", hctx.RemoteAddr),
			slog.String("session", hctx.SessionID))
		return ratelimit.ErrRateLimitExceeded
	}

	clientID := clientHost(hctx.RemoteAddr)
	if !h.perClientLimiter.Allow(clientID) {
		h.metrics.RateLimitedSessions.WithLabelValues("per_client").Inc()
		h.logger.Warn("Per-client rate limit exceeded",
			slog.String("client", clientID),
			slog.String("session", hctx.SessionID))
		return ratelimit.ErrRateLimitExceeded
	}

	return h.handler.AuthConnect(ctx, hctx)
}

// OnConnect implements handler.Handler.
func (h *RateLimitedHandler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	return h.handler.OnConnect(ctx, hctx)
}

// OnDisconnect implements handler.Handler.
func (h *RateLimitedHandler) OnDisconnect(ctx context.Context, hctx *handler.Context, res relay.Result) error {
	return h.handler.OnDisconnect(ctx, hctx, res)
}

// clientHost drops the port so that all connections of one client share a
// limiter.
func clientHost(remote string) string {
	if host, _, err := net.SplitHostPort(remote); err == nil {
		return host
	}
	return remote
}

// InstrumentedHandler wraps a handler with metrics instrumentation.
type InstrumentedHandler struct {
	handler handler.Handler
	metrics *metrics.Metrics
	logger  *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
}

type session struct {
	start     time.Time
	connected bool
}

// NewInstrumentedHandler wraps h.
func NewInstrumentedHandler(h handler.Handler, m *metrics.Metrics, logger *slog.Logger) *InstrumentedHandler {
	return &InstrumentedHandler{
		handler:  h,
		metrics:  m,
		logger:   logger,
		sessions: make(map[string]*session),
	}
}

// AuthConnect implements handler.Handler with metrics.
func (h *InstrumentedHandler) AuthConnect(ctx context.Context, hctx *handler.Context) error {
	h.mu.Lock()
	h.sessions[hctx.SessionID] = &session{start: time.Now()}
	h.mu.Unlock()

	h.metrics.AuthAttempts.WithLabelValues(hctx.Variant).Inc()

	err := h.handler.AuthConnect(ctx, hctx)
	if err != nil {
		reason := "unauthorized"
		if errors.Is(err, ratelimit.ErrRateLimitExceeded) {
			reason = "rate_limited"
		}
		h.metrics.AuthFailures.WithLabelValues(hctx.Variant, reason).Inc()
	}
	return err
}

// OnConnect implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnConnect(ctx context.Context, hctx *handler.Context) error {
	h.mu.Lock()
	if s, ok := h.sessions[hctx.SessionID]; ok {
		s.connected = true
	}
	h.mu.Unlock()

	h.metrics.ActiveSessions.WithLabelValues(hctx.Variant).Inc()
	return h.handler.OnConnect(ctx, hctx)
}

// OnDisconnect implements handler.Handler with metrics.
func (h *InstrumentedHandler) OnDisconnect(ctx context.Context, hctx *handler.Context, res relay.Result) error {
	h.mu.Lock()
	s, ok := h.sessions[hctx.SessionID]
	delete(h.sessions, hctx.SessionID)
	h.mu.Unlock()

	var duration time.Duration
	if ok {
		duration = time.Since(s.start)
		if s.connected {
			h.metrics.ActiveSessions.WithLabelValues(hctx.Variant).Dec()
		}
	}
	h.metrics.ObserveSession(hctx.Variant, res, duration)

	return h.handler.OnDisconnect(ctx, hctx, res)
}
