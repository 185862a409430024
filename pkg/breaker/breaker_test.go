// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package breaker

import (
	"errors"
	"testing"
	"time"
)

var errDial = errors.New("connection refused")

// call runs one guarded attempt with the given outcome.
func call(cb *CircuitBreaker, result error) error {
	if err := cb.Allow(); err != nil {
		return err
	}
	cb.Record(result)
	return result
}

func TestCircuitBreaker_OpensAfterMaxFailures(t *testing.T) {
	cb := New(Config{MaxFailures: 3, ResetTimeout: time.Hour})

	for i := 0; i < 3; i++ {
		if err := call(cb, errDial); !errors.Is(err, errDial) {
			t.Fatalf("call %d: expected dial error, got %v", i, err)
		}
	}
	if cb.State() != StateOpen {
		t.Fatalf("Expected state %s, got %s", StateOpen, cb.State())
	}

	if err := call(cb, nil); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen, got %v", err)
	}
}

func TestCircuitBreaker_SuccessResetsFailures(t *testing.T) {
	cb := New(Config{MaxFailures: 2, ResetTimeout: time.Hour})

	call(cb, errDial)
	call(cb, nil)
	call(cb, errDial)

	if cb.State() != StateClosed {
		t.Errorf("Expected state %s, got %s", StateClosed, cb.State())
	}
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	now := time.Now()
	cb := New(Config{MaxFailures: 1, ResetTimeout: time.Minute})
	cb.now = func() time.Time { return now }

	call(cb, errDial)
	if cb.State() != StateOpen {
		t.Fatalf("Expected state %s, got %s", StateOpen, cb.State())
	}

	now = now.Add(2 * time.Minute)
	if err := cb.Allow(); err != nil {
		t.Fatalf("Expected probe to be allowed, got %v", err)
	}
	if cb.State() != StateHalfOpen {
		t.Fatalf("Expected state %s, got %s", StateHalfOpen, cb.State())
	}

	// Only one probe at a time.
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected second probe to be rejected, got %v", err)
	}

	cb.Record(nil)
	if cb.State() != StateClosed {
		t.Errorf("Expected state %s, got %s", StateClosed, cb.State())
	}
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := New(Config{MaxFailures: 1, ResetTimeout: time.Minute})
	cb.now = func() time.Time { return now }

	call(cb, errDial)
	now = now.Add(2 * time.Minute)
	call(cb, errDial)

	if cb.State() != StateOpen {
		t.Errorf("Expected state %s, got %s", StateOpen, cb.State())
	}
	if err := cb.Allow(); !errors.Is(err, ErrCircuitOpen) {
		t.Errorf("Expected ErrCircuitOpen right after reopening, got %v", err)
	}
}

func TestCircuitBreaker_OnStateChange(t *testing.T) {
	cb := New(Config{MaxFailures: 1, ResetTimeout: time.Hour})

	changes := make(chan [2]State, 1)
	cb.OnStateChange(func(from, to State) {
		changes <- [2]State{from, to}
	})

	call(cb, errDial)

	select {
	case c := <-changes:
		if c[0] != StateClosed || c[1] != StateOpen {
			t.Errorf("Expected closed -> open, got %s -> %s", c[0], c[1])
		}
	case <-time.After(time.Second):
		t.Error("Expected state change callback")
	}
}

func TestGroup(t *testing.T) {
	g := NewGroup(Config{MaxFailures: 1, ResetTimeout: time.Hour}, 2)

	a := g.Get("a:1")
	if g.Get("a:1") != a {
		t.Error("Expected the same breaker for the same key")
	}

	call(a, errDial)
	g.Get("b:1")
	g.Get("c:1")

	if g.Len() != 2 {
		t.Errorf("Expected 2 breakers, got %d", g.Len())
	}
	// The open breaker survives eviction.
	if g.Get("a:1") != a {
		t.Error("Expected open breaker to be kept")
	}
}

func TestGroup_OnStateChange(t *testing.T) {
	g := NewGroup(Config{MaxFailures: 1, ResetTimeout: time.Hour}, 0)

	type change struct {
		key      string
		from, to State
	}
	changes := make(chan change, 1)
	g.OnStateChange(func(key string, from, to State) {
		changes <- change{key, from, to}
	})

	call(g.Get("10.0.0.1:443"), errDial)

	select {
	case c := <-changes:
		if c.key != "10.0.0.1:443" || c.from != StateClosed || c.to != StateOpen {
			t.Errorf("Expected 10.0.0.1:443 closed -> open, got %s %s -> %s", c.key, c.from, c.to)
		}
	case <-time.After(time.Second):
		t.Error("Expected state change callback")
	}
}

func TestState_String(t *testing.T) {
	tests := []struct {
		state State
		want  string
	}{
		{StateClosed, "closed"},
		{StateHalfOpen, "half_open"},
		{StateOpen, "open"},
		{State(42), "unknown"},
	}
	for _, tt := range tests {
		if got := tt.state.String(); got != tt.want {
			t.Errorf("Expected %q, got %q", tt.want, got)
		}
	}
}
