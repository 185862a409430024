// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for mRelay.
//
// Errors are grouped by category through wrapping, so callers can match either
// the precise failure or the whole class:
//
//	errors.Is(err, ErrAuthFailed) // exact
//	errors.Is(err, ErrProtocol)   // any header failure
package errors

import (
	"errors"
	"fmt"
)

// Categories.
var (
	// ErrProtocol is the parent of every header parsing and validation failure.
	ErrProtocol = errors.New("protocol error")

	// ErrDial is the parent of every outbound connection failure.
	ErrDial = errors.New("dial error")
)

// Protocol errors.
var (
	ErrUnsupportedVersion = fmt.Errorf("%w: unsupported version", ErrProtocol)
	ErrAuthFailed         = fmt.Errorf("%w: authentication failed", ErrProtocol)
	ErrUnsupportedCommand = fmt.Errorf("%w: unsupported command", ErrProtocol)
	ErrMalformedAddress   = fmt.Errorf("%w: malformed address", ErrProtocol)
)

// Dial errors.
var (
	ErrForbidden   = fmt.Errorf("%w: destination forbidden", ErrDial)
	ErrDialTimeout = fmt.Errorf("%w: connect timeout", ErrDial)
	ErrUnreachable = fmt.Errorf("%w: destination unreachable", ErrDial)
)

var (
	// ErrUnauthorized indicates the HTTP-level password check failed.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrRateLimited indicates rate limit exceeded.
	ErrRateLimited = errors.New("rate limit exceeded")

	// ErrIdleTimeout indicates neither direction of a session moved data for too long.
	ErrIdleTimeout = errors.New("idle timeout")

	// ErrSessionConsumed is returned when a session stream is served twice.
	ErrSessionConsumed = errors.New("session already served")

	// ErrHandshakeTimeout indicates the header did not arrive in time.
	ErrHandshakeTimeout = errors.New("handshake timeout")
)

// RelayError is an I/O failure observed by one direction of the relay loop.
type RelayError struct {
	Direction string // upstream or downstream
	Op        string // read or write
	Err       error
}

func (e *RelayError) Error() string {
	return fmt.Sprintf("%s %s: %v", e.Direction, e.Op, e.Err)
}

func (e *RelayError) Unwrap() error {
	return e.Err
}

// SessionError wraps an error with session context.
type SessionError struct {
	Op         string // Operation that failed
	Variant    string // Inbound variant (vless)
	SessionID  string // Session identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *SessionError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s %s [%s] %s: %v", e.Variant, e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Variant, e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *SessionError) Unwrap() error {
	return e.Err
}

// New creates a new SessionError.
func New(op, variant, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &SessionError{
		Op:         op,
		Variant:    variant,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
