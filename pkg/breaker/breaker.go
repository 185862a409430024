// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package breaker provides a circuit breaker that makes dials to a failing
// destination fail fast. It never retries.
package breaker

import (
	"errors"
	"sync"
	"time"
)

var (
	// ErrCircuitOpen is returned when the circuit breaker is open.
	ErrCircuitOpen = errors.New("circuit breaker is open")
)

// State represents the circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateHalfOpen
	StateOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateHalfOpen:
		return "half_open"
	case StateOpen:
		return "open"
	default:
		return "unknown"
	}
}

// Config holds circuit breaker configuration.
type Config struct {
	// MaxFailures is the number of consecutive failures that opens the circuit.
	MaxFailures int
	// ResetTimeout is how long to wait in Open state before letting a probe through.
	ResetTimeout time.Duration
	// SuccessThreshold is the number of consecutive successes in HalfOpen before closing.
	SuccessThreshold int
}

func (c Config) withDefaults() Config {
	if c.MaxFailures <= 0 {
		c.MaxFailures = 5
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
	if c.SuccessThreshold <= 0 {
		c.SuccessThreshold = 1
	}
	return c
}

// CircuitBreaker tracks the health of one destination.
type CircuitBreaker struct {
	mu              sync.Mutex
	config          Config
	state           State
	failures        int
	successes       int
	probing         bool
	lastStateChange time.Time
	onStateChange   func(from, to State)
	now             func() time.Time
}

// New creates a new circuit breaker.
func New(config Config) *CircuitBreaker {
	return &CircuitBreaker{
		config:          config.withDefaults(),
		state:           StateClosed,
		lastStateChange: time.Now(),
		now:             time.Now,
	}
}

// Allow reports whether a call may proceed. In HalfOpen a single probe is
// allowed at a time. Every successful Allow must be followed by Record.
func (cb *CircuitBreaker) Allow() error {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case StateClosed:
		return nil
	case StateOpen:
		if cb.now().Sub(cb.lastStateChange) < cb.config.ResetTimeout {
			return ErrCircuitOpen
		}
		cb.setState(StateHalfOpen)
		cb.probing = true
		return nil
	case StateHalfOpen:
		if cb.probing {
			return ErrCircuitOpen
		}
		cb.probing = true
		return nil
	default:
		return ErrCircuitOpen
	}
}

// Record records the outcome of an allowed call.
func (cb *CircuitBreaker) Record(err error) {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.probing = false
	if err != nil {
		cb.onFailure()
		return
	}
	cb.onSuccess()
}

func (cb *CircuitBreaker) onFailure() {
	cb.successes = 0
	switch cb.state {
	case StateClosed:
		cb.failures++
		if cb.failures >= cb.config.MaxFailures {
			cb.setState(StateOpen)
		}
	case StateHalfOpen:
		cb.setState(StateOpen)
	}
}

func (cb *CircuitBreaker) onSuccess() {
	switch cb.state {
	case StateClosed:
		cb.failures = 0
	case StateHalfOpen:
		cb.successes++
		if cb.successes >= cb.config.SuccessThreshold {
			cb.setState(StateClosed)
		}
	}
}

func (cb *CircuitBreaker) setState(newState State) {
	if cb.state == newState {
		return
	}

	oldState := cb.state
	cb.state = newState
	cb.lastStateChange = cb.now()
	cb.failures = 0
	cb.successes = 0

	if cb.onStateChange != nil {
		go cb.onStateChange(oldState, newState)
	}
}

// State returns the current state of the circuit breaker.
func (cb *CircuitBreaker) State() State {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	return cb.state
}

// OnStateChange registers a callback for state changes.
func (cb *CircuitBreaker) OnStateChange(fn func(from, to State)) {
	cb.mu.Lock()
	defer cb.mu.Unlock()
	cb.onStateChange = fn
}

// Group holds one breaker per key. It keeps at most maxSize breakers and
// evicts closed ones first when full.
type Group struct {
	mu            sync.Mutex
	config        Config
	maxSize       int
	breakers      map[string]*CircuitBreaker
	onStateChange func(key string, from, to State)
}

// NewGroup creates a group. A maxSize of zero defaults to 4096.
func NewGroup(config Config, maxSize int) *Group {
	if maxSize <= 0 {
		maxSize = 4096
	}
	return &Group{
		config:   config,
		maxSize:  maxSize,
		breakers: make(map[string]*CircuitBreaker),
	}
}

// Get returns the breaker for key, creating it when needed.
func (g *Group) Get(key string) *CircuitBreaker {
	g.mu.Lock()
	defer g.mu.Unlock()

	if cb, ok := g.breakers[key]; ok {
		return cb
	}
	if len(g.breakers) >= g.maxSize {
		g.evict()
	}
	cb := New(g.config)
	if fn := g.onStateChange; fn != nil {
		cb.onStateChange = func(from, to State) {
			fn(key, from, to)
		}
	}
	g.breakers[key] = cb
	return cb
}

// OnStateChange registers a callback for state changes of every breaker the
// group creates from now on.
func (g *Group) OnStateChange(fn func(key string, from, to State)) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.onStateChange = fn
}

// Len returns the number of tracked keys.
func (g *Group) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.breakers)
}

func (g *Group) evict() {
	for k, cb := range g.breakers {
		if cb.State() == StateClosed {
			delete(g.breakers, k)
			return
		}
	}
	for k := range g.breakers {
		delete(g.breakers, k)
		return
	}
}
