// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tunnel

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync/atomic"
	"time"

	mrerrors "github.com/absmach/mrelay/pkg/errors"
	"github.com/absmach/mrelay/pkg/handler"
	"github.com/absmach/mrelay/pkg/inbound"
	"github.com/absmach/mrelay/pkg/parser"
	"github.com/absmach/mrelay/pkg/parser/vless"
	"github.com/absmach/mrelay/pkg/relay"
	"github.com/google/uuid"
)

const (
	// DefaultHandshakeTimeout bounds the arrival of the tunnel header.
	DefaultHandshakeTimeout = 10 * time.Second

	headerReadSize = 4096
)

// Dialer opens outbound connections. *dialer.Dialer implements it.
type Dialer interface {
	Dial(ctx context.Context, dst parser.Destination) (net.Conn, error)
}

// protocol describes how one inbound variant frames its sessions.
type protocol struct {
	decoder  func(parser.Credential) parser.Decoder
	response []byte
}

var protocols = map[inbound.Variant]protocol{
	inbound.VariantVLESS: {
		decoder:  func(c parser.Credential) parser.Decoder { return vless.NewDecoder(c) },
		response: vless.Response(),
	},
}

// Config holds the engine configuration.
type Config struct {
	// HandshakeTimeout bounds how long the header may take to arrive.
	HandshakeTimeout time.Duration

	// BufferSize is the relay chunk size for TCP sessions.
	BufferSize int

	// IdleTimeout closes sessions that move no bytes. Zero disables it.
	IdleTimeout time.Duration

	// HalfCloseTimeout bounds the drain after the first direction ends.
	HalfCloseTimeout time.Duration

	Logger *slog.Logger
}

// Engine runs tunnel sessions. It is safe for concurrent use; all of its
// state is read-only after New.
type Engine struct {
	config  Config
	router  *inbound.Router
	dialer  Dialer
	handler handler.Handler
}

// New creates an engine.
func New(cfg Config, router *inbound.Router, d Dialer, h handler.Handler) *Engine {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.BufferSize <= 0 {
		cfg.BufferSize = relay.DefaultBufferSize
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if h == nil {
		h = &handler.NoopHandler{}
	}

	return &Engine{
		config:  cfg,
		router:  router,
		dialer:  d,
		handler: h,
	}
}

// Dispatch returns the inbound variant serving path. Hosts must not create a
// session when it returns false.
func (e *Engine) Dispatch(path string) (inbound.Variant, bool) {
	return e.router.Dispatch(path)
}

// Session is one inbound stream waiting to be served.
type Session struct {
	hctx     *handler.Context
	variant  inbound.Variant
	stream   net.Conn
	consumed atomic.Bool
}

// NewSession wraps a stream accepted on path. The engine owns the stream from
// this point: it is closed by Serve on every outcome.
func (e *Engine) NewSession(variant inbound.Variant, path, remoteAddr string, stream net.Conn) *Session {
	return &Session{
		hctx: &handler.Context{
			SessionID:  uuid.NewString(),
			Variant:    variant.String(),
			Path:       path,
			RemoteAddr: remoteAddr,
		},
		variant: variant,
		stream:  stream,
	}
}

// Context returns the handler context of the session.
func (s *Session) Context() *handler.Context {
	return s.hctx
}

// Serve reads the tunnel header, dials the destination and relays until the
// session ends. A session can be served only once; later calls return
// StatusRejected and leave the stream alone.
func (e *Engine) Serve(ctx context.Context, s *Session) relay.Result {
	if !s.consumed.CompareAndSwap(false, true) {
		return relay.Result{Status: relay.StatusRejected, Err: mrerrors.ErrSessionConsumed}
	}

	hctx := s.hctx
	e.config.Logger.Debug("session started",
		slog.String("session", hctx.SessionID),
		slog.String("variant", hctx.Variant),
		slog.String("path", hctx.Path),
		slog.String("remote", hctx.RemoteAddr))

	res := e.serve(ctx, s)
	hctx.BytesIn, hctx.BytesOut = res.BytesIn, res.BytesOut

	if err := e.handler.OnDisconnect(context.WithoutCancel(ctx), hctx, res); err != nil {
		e.config.Logger.Error("disconnect handler error",
			slog.String("session", hctx.SessionID),
			slog.String("error", err.Error()))
	}

	e.logResult(hctx, res)
	return res
}

func (e *Engine) serve(ctx context.Context, s *Session) relay.Result {
	hctx := s.hctx

	proto, ok := protocols[s.variant]
	in, configured := e.router.Inbound(s.variant)
	if !ok || !configured {
		return e.abort(s, relay.StatusRejected, fmt.Errorf("%w: %s", inbound.ErrUnknownVariant, s.variant))
	}

	req, rest, err := e.readHeader(ctx, s.stream, proto.decoder(in.Credential))
	if err != nil {
		switch {
		case ctx.Err() != nil:
			return e.abort(s, relay.StatusCancelled, context.Cause(ctx))
		case errors.Is(err, mrerrors.ErrProtocol):
			return e.abort(s, relay.StatusProtocolError, err)
		default:
			return e.abort(s, relay.StatusIOError, err)
		}
	}
	hctx.Destination = &req.Destination

	if err := e.handler.AuthConnect(ctx, hctx); err != nil {
		return e.abort(s, relay.StatusRejected, err)
	}

	outbound, err := e.dialer.Dial(ctx, req.Destination)
	if err != nil {
		if ctx.Err() != nil {
			return e.abort(s, relay.StatusCancelled, context.Cause(ctx))
		}
		return e.abort(s, relay.StatusDialError, err)
	}

	if err := e.handler.OnConnect(ctx, hctx); err != nil {
		e.config.Logger.Error("connect handler error",
			slog.String("session", hctx.SessionID),
			slog.String("error", err.Error()))
	}

	opts := relay.Options{
		Remainder:        rest,
		BufferSize:       e.config.BufferSize,
		IdleTimeout:      e.config.IdleTimeout,
		HalfCloseTimeout: e.config.HalfCloseTimeout,
		Logger:           e.config.Logger.With(slog.String("session", hctx.SessionID)),
	}
	if req.Destination.Network == parser.UDP {
		opts.BufferSize = relay.UDPBufferSize
	}
	if in.Acknowledge {
		opts.Preamble = proto.response
	}

	return relay.Relay(ctx, s.stream, outbound, opts)
}

// readHeader feeds the first reads of stream to dec until a header is
// decoded. The returned remainder must be relayed before anything else.
func (e *Engine) readHeader(ctx context.Context, stream net.Conn, dec parser.Decoder) (parser.Request, []byte, error) {
	if err := stream.SetReadDeadline(time.Now().Add(e.config.HandshakeTimeout)); err != nil {
		return parser.Request{}, nil, err
	}
	stop := context.AfterFunc(ctx, func() {
		stream.SetReadDeadline(time.Now())
	})
	defer stop()

	buf := make([]byte, headerReadSize)
	for {
		n, err := stream.Read(buf)
		if n > 0 {
			req, rest, perr := dec.Feed(buf[:n])
			switch {
			case perr == nil:
				if !stop() {
					return parser.Request{}, nil, context.Cause(ctx)
				}
				if err := stream.SetReadDeadline(time.Time{}); err != nil {
					return parser.Request{}, nil, err
				}
				return req, rest, nil
			case !errors.Is(perr, parser.ErrIncomplete):
				return parser.Request{}, nil, perr
			}
		}
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				return parser.Request{}, nil, dec.Finish()
			case errors.Is(err, os.ErrDeadlineExceeded):
				return parser.Request{}, nil, mrerrors.ErrHandshakeTimeout
			default:
				return parser.Request{}, nil, err
			}
		}
	}
}

// abort ends a session that never reached the relay. The stream is closed
// without any protocol response.
func (e *Engine) abort(s *Session, status relay.Status, err error) relay.Result {
	if cerr := s.stream.Close(); cerr != nil {
		e.config.Logger.Debug("failed to close stream",
			slog.String("session", s.hctx.SessionID),
			slog.String("error", cerr.Error()))
	}
	return relay.Result{Status: status, Err: err}
}

func (e *Engine) logResult(hctx *handler.Context, res relay.Result) {
	attrs := []any{
		slog.String("session", hctx.SessionID),
		slog.String("status", res.Status.String()),
		slog.Int64("bytes_in", res.BytesIn),
		slog.Int64("bytes_out", res.BytesOut),
	}
	if hctx.Destination != nil {
		attrs = append(attrs, slog.String("destination", hctx.Destination.String()))
	}

	if res.Clean() {
		e.config.Logger.Info("session closed", attrs...)
		return
	}
	if res.Status == relay.StatusCancelled {
		e.config.Logger.Debug("session cancelled", attrs...)
		return
	}
	err := mrerrors.New("serve", hctx.Variant, hctx.SessionID, hctx.RemoteAddr, res.Err)
	if err != nil {
		attrs = append(attrs, slog.String("error", err.Error()))
	}
	e.config.Logger.Warn("session failed", attrs...)
}
