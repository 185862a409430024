// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package ratelimit limits how fast sessions may be opened, globally and per
// client, on top of golang.org/x/time/rate token buckets.
package ratelimit

import (
	"sync"
	"time"

	mrerrors "github.com/absmach/mrelay/pkg/errors"
	"golang.org/x/time/rate"
)

// ErrRateLimitExceeded is returned when rate limit is exceeded.
var ErrRateLimitExceeded = mrerrors.ErrRateLimited

const (
	defaultMaxClients = 10000
	defaultIdleTTL    = 5 * time.Minute
)

// NewTokenBucket creates a single token bucket holding up to burst tokens and
// refilled with perSecond tokens per second. A non-positive perSecond
// disables limiting.
func NewTokenBucket(perSecond float64, burst int) *rate.Limiter {
	if perSecond <= 0 {
		return rate.NewLimiter(rate.Inf, 0)
	}
	if burst <= 0 {
		burst = 1
	}
	return rate.NewLimiter(rate.Limit(perSecond), burst)
}

type entry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// Limiter manages per-client rate limiters.
type Limiter struct {
	mu         sync.Mutex
	limiters   map[string]*entry
	perSecond  float64
	burst      int
	maxClients int
	idleTTL    time.Duration
	cleanup    *time.Timer
	now        func() time.Time
}

// NewLimiter creates a new rate limiter with per-client tracking. New clients
// are refused once maxClients are tracked; idle clients are forgotten after
// five minutes.
func NewLimiter(perSecond float64, burst, maxClients int) *Limiter {
	if maxClients <= 0 {
		maxClients = defaultMaxClients
	}

	l := &Limiter{
		limiters:   make(map[string]*entry),
		perSecond:  perSecond,
		burst:      burst,
		maxClients: maxClients,
		idleTTL:    defaultIdleTTL,
		now:        time.Now,
	}
	l.cleanup = time.AfterFunc(l.idleTTL, l.sweep)
	return l
}

// Allow reports whether the client may open one more session now.
func (l *Limiter) Allow(clientID string) bool {
	return l.AllowN(clientID, 1)
}

// AllowN reports whether the client may open n more sessions now.
func (l *Limiter) AllowN(clientID string, n int) bool {
	now := l.now()

	l.mu.Lock()
	e, ok := l.limiters[clientID]
	if !ok {
		if len(l.limiters) >= l.maxClients {
			l.evictIdle(now)
			if len(l.limiters) >= l.maxClients {
				l.mu.Unlock()
				return false
			}
		}
		e = &entry{limiter: NewTokenBucket(l.perSecond, l.burst)}
		l.limiters[clientID] = e
	}
	e.lastSeen = now
	l.mu.Unlock()

	return e.limiter.AllowN(now, n)
}

// Remove removes a client's rate limiter.
func (l *Limiter) Remove(clientID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.limiters, clientID)
}

// Stats returns the number of tracked clients.
func (l *Limiter) Stats() (clients int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.limiters)
}

// Close stops the cleanup timer.
func (l *Limiter) Close() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cleanup != nil {
		l.cleanup.Stop()
		l.cleanup = nil
	}
}

func (l *Limiter) sweep() {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.cleanup == nil {
		return
	}
	l.evictIdle(l.now())
	l.cleanup = time.AfterFunc(l.idleTTL, l.sweep)
}

// evictIdle drops clients not seen for idleTTL. Callers hold mu.
func (l *Limiter) evictIdle(now time.Time) {
	for id, e := range l.limiters {
		if now.Sub(e.lastSeen) >= l.idleTTL {
			delete(l.limiters, id)
		}
	}
}
