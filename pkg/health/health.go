// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package health provides health check and readiness endpoints.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Status represents the health status.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
	StatusDraining  Status = "draining"
)

const checkTimeout = 5 * time.Second

// Check represents a single health check result.
type Check struct {
	Name        string        `json:"name"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	LastChecked time.Time     `json:"last_checked"`
	Duration    time.Duration `json:"duration_ms"`
}

// Response is the body served by the health and readiness handlers.
type Response struct {
	Status Status  `json:"status"`
	Checks []Check `json:"checks,omitempty"`
}

// CheckFunc is a function that performs a health check.
type CheckFunc func(ctx context.Context) error

// Checker manages health checks. A new Checker is ready; SetReady(false)
// marks it as draining during shutdown.
type Checker struct {
	mu       sync.Mutex
	checks   map[string]CheckFunc
	cache    map[string]Check
	ttl      time.Duration
	draining atomic.Bool
	logger   *slog.Logger
}

// NewChecker creates a new health checker. Results are cached for cacheTTL.
func NewChecker(cacheTTL time.Duration, logger *slog.Logger) *Checker {
	if cacheTTL == 0 {
		cacheTTL = 10 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		checks: make(map[string]CheckFunc),
		cache:  make(map[string]Check),
		ttl:    cacheTTL,
		logger: logger,
	}
}

// Register adds a health check.
func (c *Checker) Register(name string, check CheckFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.checks[name] = check
	delete(c.cache, name)
}

// SetReady toggles readiness. Hosts call SetReady(false) when they stop
// accepting sessions.
func (c *Checker) SetReady(ready bool) {
	c.draining.Store(!ready)
}

// Health runs the registered checks and returns the overall status. The
// status is degraded when some checks fail and unhealthy when all do.
func (c *Checker) Health(ctx context.Context) (Status, []Check) {
	c.mu.Lock()
	defer c.mu.Unlock()

	names := make([]string, 0, len(c.checks))
	for name := range c.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	checks := make([]Check, 0, len(names))
	failed := 0
	for _, name := range names {
		check, ok := c.cache[name]
		if !ok || time.Since(check.LastChecked) >= c.ttl {
			check = run(ctx, name, c.checks[name])
			c.cache[name] = check
		}
		if check.Status != StatusHealthy {
			failed++
		}
		checks = append(checks, check)
	}

	switch {
	case failed == 0:
		return StatusHealthy, checks
	case failed == len(checks):
		return StatusUnhealthy, checks
	default:
		return StatusDegraded, checks
	}
}

func run(ctx context.Context, name string, fn CheckFunc) Check {
	start := time.Now()
	err := fn(ctx)
	check := Check{
		Name:        name,
		Status:      StatusHealthy,
		LastChecked: time.Now(),
		Duration:    time.Since(start),
	}
	if err != nil {
		check.Status = StatusUnhealthy
		check.Message = err.Error()
	}
	return check
}

// HTTPHandler returns an HTTP handler for health checks. Degraded services
// still answer 200.
func (c *Checker) HTTPHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		defer cancel()

		status, checks := c.Health(ctx)
		code := http.StatusOK
		if status == StatusUnhealthy {
			code = http.StatusServiceUnavailable
		}
		c.write(w, code, Response{Status: status, Checks: checks})
	}
}

// ReadinessHandler returns a readiness probe handler. Only a healthy,
// non-draining service is ready.
func (c *Checker) ReadinessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if c.draining.Load() {
			c.write(w, http.StatusServiceUnavailable, Response{Status: StatusDraining})
			return
		}

		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		defer cancel()

		status, checks := c.Health(ctx)
		code := http.StatusOK
		if status != StatusHealthy {
			code = http.StatusServiceUnavailable
		}
		c.write(w, code, Response{Status: status, Checks: checks})
	}
}

// LivenessHandler returns a simple liveness probe.
func LivenessHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		json.NewEncoder(w).Encode(map[string]string{
			"status": "alive",
		})
	}
}

func (c *Checker) write(w http.ResponseWriter, code int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		c.logger.Debug("failed to write health response", slog.String("error", err.Error()))
	}
}
