// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package metrics provides Prometheus instrumentation for mRelay.
package metrics

import (
	"errors"
	"time"

	"github.com/absmach/mrelay/pkg/breaker"
	mrerrors "github.com/absmach/mrelay/pkg/errors"
	"github.com/absmach/mrelay/pkg/relay"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics for mRelay.
type Metrics struct {
	// Session metrics
	ActiveSessions  *prometheus.GaugeVec
	SessionsTotal   *prometheus.CounterVec
	SessionDuration *prometheus.HistogramVec
	BytesTotal      *prometheus.CounterVec

	// Dial metrics
	DialErrors *prometheus.CounterVec

	// Auth metrics
	AuthAttempts *prometheus.CounterVec
	AuthFailures *prometheus.CounterVec

	// Rate limiter metrics
	RateLimitedSessions *prometheus.CounterVec
}

// New creates the metrics and registers them with reg. A nil reg registers
// with the default registry.
func New(namespace string, reg prometheus.Registerer) *Metrics {
	if namespace == "" {
		namespace = "mrelay"
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := promauto.With(reg)

	return &Metrics{
		ActiveSessions: factory.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: namespace,
				Name:      "active_sessions",
				Help:      "Number of currently relaying sessions",
			},
			[]string{"variant"},
		),
		SessionsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "sessions_total",
				Help:      "Total number of sessions by terminal status",
			},
			[]string{"variant", "status"},
		),
		SessionDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: namespace,
				Name:      "session_duration_seconds",
				Help:      "Session duration in seconds",
				Buckets:   []float64{.01, .05, .1, .5, 1, 5, 10, 30, 60, 300, 600},
			},
			[]string{"variant"},
		),
		BytesTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "bytes_total",
				Help:      "Total number of relayed bytes",
			},
			[]string{"variant", "direction"},
		),
		DialErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "dial_errors_total",
				Help:      "Total number of failed outbound dials",
			},
			[]string{"reason"},
		),
		AuthAttempts: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_attempts_total",
				Help:      "Total number of session authorization attempts",
			},
			[]string{"variant"},
		),
		AuthFailures: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "auth_failures_total",
				Help:      "Total number of rejected session authorizations",
			},
			[]string{"variant", "reason"},
		),
		RateLimitedSessions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: namespace,
				Name:      "rate_limited_sessions_total",
				Help:      "Total number of rate limited sessions",
			},
			[]string{"limiter_type"},
		),
	}
}

// ObserveSession records the terminal result of a session.
func (m *Metrics) ObserveSession(variant string, res relay.Result, duration time.Duration) {
	m.SessionsTotal.WithLabelValues(variant, res.Status.String()).Inc()
	m.SessionDuration.WithLabelValues(variant).Observe(duration.Seconds())
	m.BytesTotal.WithLabelValues(variant, "upstream").Add(float64(res.BytesIn))
	m.BytesTotal.WithLabelValues(variant, "downstream").Add(float64(res.BytesOut))
	if res.Status == relay.StatusDialError {
		m.DialErrors.WithLabelValues(DialReason(res.Err)).Inc()
	}
}

// DialReason maps a dial error to a low-cardinality label.
func DialReason(err error) string {
	switch {
	case errors.Is(err, breaker.ErrCircuitOpen):
		return "circuit_open"
	case errors.Is(err, mrerrors.ErrForbidden):
		return "forbidden"
	case errors.Is(err, mrerrors.ErrDialTimeout):
		return "timeout"
	default:
		return "unreachable"
	}
}
