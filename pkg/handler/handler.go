// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"crypto/x509"

	"github.com/absmach/mrelay/pkg/parser"
	"github.com/absmach/mrelay/pkg/relay"
)

// Context contains session metadata. It is passed to Handler methods and is
// never shared between sessions.
type Context struct {
	// SessionID is a unique identifier for this session
	SessionID string

	// Variant is the inbound variant the request path dispatched to (vless)
	Variant string

	// Path is the request path the session arrived on
	Path string

	// RemoteAddr is the client's network address
	RemoteAddr string

	// Destination is set once the tunnel header has been validated
	Destination *parser.Destination

	// Cert is the client's TLS certificate (if using mTLS)
	Cert *x509.Certificate

	// BytesIn and BytesOut count the bytes relayed to and from the
	// destination. They are set before OnDisconnect.
	BytesIn  int64
	BytesOut int64
}

// Handler defines authorization and notification callbacks for the session
// lifecycle.
//
// AuthConnect is called after the header is validated and BEFORE the
// destination is dialed. Returning an error rejects the session.
//
// OnConnect and OnDisconnect are notifications. Their errors are logged but
// do not change the session outcome.
type Handler interface {
	// AuthConnect authorizes a session to the destination in hctx.
	AuthConnect(ctx context.Context, hctx *Context) error

	// OnConnect is called after the destination is dialed, right before the
	// relay starts.
	OnConnect(ctx context.Context, hctx *Context) error

	// OnDisconnect is called once per session with its terminal result,
	// including sessions that never reached the relay.
	OnDisconnect(ctx context.Context, hctx *Context, res relay.Result) error
}

// NoopHandler is a pass-through handler that allows all sessions.
type NoopHandler struct{}

var _ Handler = (*NoopHandler)(nil)

func (h *NoopHandler) AuthConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnConnect(ctx context.Context, hctx *Context) error {
	return nil
}

func (h *NoopHandler) OnDisconnect(ctx context.Context, hctx *Context, res relay.Result) error {
	return nil
}
