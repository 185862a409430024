// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	mrerrors "github.com/absmach/mrelay/pkg/errors"
	"github.com/absmach/mrelay/pkg/parser"
)

const (
	// DefaultBufferSize is the chunk size of each pump.
	DefaultBufferSize = 16 * 1024

	// UDPBufferSize fits the largest datagram.
	UDPBufferSize = 65535
)

// Status is the terminal outcome of a session.
type Status int

const (
	// StatusClosed means the client ended the stream first and both
	// directions drained.
	StatusClosed Status = iota
	// StatusPeerClosed means the destination ended first.
	StatusPeerClosed
	// StatusCancelled means the host cancelled the session.
	StatusCancelled
	// StatusIOError means a read or write failed, or the session idled out.
	StatusIOError
	// StatusProtocolError means the header was rejected.
	StatusProtocolError
	// StatusDialError means the destination could not be reached.
	StatusDialError
	// StatusRejected means a hook refused the session.
	StatusRejected
)

func (s Status) String() string {
	switch s {
	case StatusClosed:
		return "closed"
	case StatusPeerClosed:
		return "peer_closed"
	case StatusCancelled:
		return "cancelled"
	case StatusIOError:
		return "io_error"
	case StatusProtocolError:
		return "protocol_error"
	case StatusDialError:
		return "dial_error"
	case StatusRejected:
		return "rejected"
	default:
		return "unknown"
	}
}

// Result describes how a session ended. BytesIn counts bytes received from
// the client (remainder included), BytesOut bytes delivered to it.
type Result struct {
	Status   Status
	Err      error
	BytesIn  int64
	BytesOut int64
}

// Clean reports whether the session ended without an error.
func (r Result) Clean() bool {
	return r.Status == StatusClosed || r.Status == StatusPeerClosed
}

// Options configures a relay.
type Options struct {
	// Remainder is written to the outbound connection before anything else.
	Remainder []byte

	// Preamble is prepended to the first chunk written to the inbound stream.
	Preamble []byte

	// BufferSize is the chunk size of each direction. Defaults to DefaultBufferSize.
	BufferSize int

	// IdleTimeout closes the session when no bytes move in either direction.
	// Zero disables it.
	IdleTimeout time.Duration

	// HalfCloseTimeout bounds how long the second direction may run after
	// the first one ended cleanly. With zero, the session waits for it only
	// when the EOF could be passed on with CloseWrite, and ends at once
	// otherwise (UDP).
	HalfCloseTimeout time.Duration

	Logger *slog.Logger
}

type closeWriter interface {
	CloseWrite() error
}

type pumpResult struct {
	dir parser.Direction
	err error
}

type session struct {
	inbound  net.Conn
	outbound net.Conn
	logger   *slog.Logger

	closeOnce sync.Once
	cause     atomic.Pointer[error]
	forced    atomic.Bool

	lastActive atomic.Int64
	bytesIn    atomic.Int64
	bytesOut   atomic.Int64
}

var errCancelled = errors.New("cancelled")

// Relay copies bytes between inbound and outbound until both directions end,
// one of them fails, the idle timeout expires or ctx is cancelled. Relay
// takes ownership of both connections and always closes them before it
// returns.
func Relay(ctx context.Context, inbound, outbound net.Conn, opts Options) Result {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultBufferSize
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}

	s := &session{
		inbound:  inbound,
		outbound: outbound,
		logger:   opts.Logger,
	}
	s.touch()

	stop := context.AfterFunc(ctx, func() {
		s.shutdown(errCancelled)
	})
	defer stop()

	if len(opts.Remainder) > 0 {
		n, err := outbound.Write(opts.Remainder)
		s.bytesIn.Add(int64(n))
		if err != nil {
			s.shutdown(nil)
			return s.result(ctx, parser.Upstream, &mrerrors.RelayError{Direction: parser.Upstream.String(), Op: "write", Err: err})
		}
	}

	done := make(chan struct{})
	defer close(done)
	if opts.IdleTimeout > 0 {
		go s.watchIdle(opts.IdleTimeout, done)
	}

	results := make(chan pumpResult, 2)
	go func() {
		results <- pumpResult{parser.Upstream, s.pump(parser.Upstream, inbound, outbound, nil, opts.BufferSize, &s.bytesIn)}
	}()
	go func() {
		results <- pumpResult{parser.Downstream, s.pump(parser.Downstream, outbound, inbound, opts.Preamble, opts.BufferSize, &s.bytesOut)}
	}()

	first := <-results
	if first.err != nil || s.forced.Load() {
		s.shutdown(nil)
		<-results
		return s.result(ctx, first.dir, first.err)
	}

	// The first direction ended cleanly: pass the EOF on and let the other
	// direction drain.
	dst := outbound
	if first.dir == parser.Downstream {
		dst = inbound
	}
	cw, halfClosed := dst.(closeWriter)
	if halfClosed {
		if err := cw.CloseWrite(); err != nil {
			s.logger.Debug("half-close failed", slog.String("direction", first.dir.String()), slog.String("error", err.Error()))
		}
	}

	var second pumpResult
	switch {
	case opts.HalfCloseTimeout > 0:
		timer := time.NewTimer(opts.HalfCloseTimeout)
		select {
		case second = <-results:
			timer.Stop()
		case <-timer.C:
			s.shutdown(nil)
			second = <-results
			second.err = nil
		}
	case halfClosed:
		second = <-results
	default:
		// Nothing tells the peer that this side is done.
		s.shutdown(nil)
		second = <-results
		second.err = nil
	}
	s.shutdown(nil)

	return s.result(ctx, first.dir, second.err)
}

// pump copies src to dst one chunk at a time. It returns nil on EOF.
func (s *session) pump(dir parser.Direction, src, dst net.Conn, prefix []byte, size int, counter *atomic.Int64) error {
	buf := make([]byte, size)
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			s.touch()
			chunk := buf[:n]
			if len(prefix) > 0 {
				chunk = append(append(make([]byte, 0, len(prefix)+n), prefix...), chunk...)
				prefix = nil
			}
			if _, werr := dst.Write(chunk); werr != nil {
				return &mrerrors.RelayError{Direction: dir.String(), Op: "write", Err: werr}
			}
			counter.Add(int64(n))
			s.touch()
		}
		if rerr != nil {
			if errors.Is(rerr, io.EOF) {
				return nil
			}
			return &mrerrors.RelayError{Direction: dir.String(), Op: "read", Err: rerr}
		}
	}
}

func (s *session) watchIdle(timeout time.Duration, done <-chan struct{}) {
	tick := timeout / 4
	if tick < 10*time.Millisecond {
		tick = 10 * time.Millisecond
	}
	ticker := time.NewTicker(tick)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case now := <-ticker.C:
			last := time.Unix(0, s.lastActive.Load())
			if now.Sub(last) >= timeout {
				s.shutdown(mrerrors.ErrIdleTimeout)
				return
			}
		}
	}
}

func (s *session) touch() {
	s.lastActive.Store(time.Now().UnixNano())
}

// shutdown closes both connections once. A non-nil cause is recorded as the
// reason of the termination when it comes first.
func (s *session) shutdown(cause error) {
	s.closeOnce.Do(func() {
		if cause != nil {
			s.cause.Store(&cause)
		}
		s.forced.Store(true)
		if err := s.inbound.Close(); err != nil {
			s.logger.Debug("failed to close inbound", slog.String("error", err.Error()))
		}
		if err := s.outbound.Close(); err != nil {
			s.logger.Debug("failed to close outbound", slog.String("error", err.Error()))
		}
	})
}

func (s *session) result(ctx context.Context, first parser.Direction, err error) Result {
	res := Result{
		BytesIn:  s.bytesIn.Load(),
		BytesOut: s.bytesOut.Load(),
	}

	if c := s.cause.Load(); c != nil {
		switch *c {
		case errCancelled:
			res.Status = StatusCancelled
			res.Err = context.Cause(ctx)
		default:
			res.Status = StatusIOError
			res.Err = *c
		}
		return res
	}

	switch {
	case err != nil && ctx.Err() != nil:
		res.Status = StatusCancelled
		res.Err = context.Cause(ctx)
	case err != nil:
		res.Status = StatusIOError
		res.Err = err
	case first == parser.Upstream:
		res.Status = StatusClosed
	default:
		res.Status = StatusPeerClosed
	}
	return res
}
