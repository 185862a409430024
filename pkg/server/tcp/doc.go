// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the raw TCP host for mRelay.
//
// # Overview
//
// The TCP host accepts plain TCP or TLS connections and serves each one as a
// tunnel session without any HTTP framing. Every connection is dispatched to
// the single configured Path, so the host carries the same inbound rules and
// credential as the WebSocket front.
//
// # Architecture
//
//	┌─────────┐         ┌─────────┐         ┌─────────────┐
//	│ Client  │ ←─TCP─→ │  Server │ ←─TCP─→ │ Destination │
//	└─────────┘         └─────────┘         └─────────────┘
//	                         ↓
//	                    ┌─────────┐
//	                    │ Engine  │
//	                    └─────────┘
//
// # Connection Flow
//
//  1. Client connects; connections over MaxConnections are closed
//  2. TLS handshake, client certificate copied to the handler context
//  3. tunnel.Engine.Serve reads the header, dials and relays
//  4. The engine closes the connection when the session ends
//
// # Graceful Shutdown
//
// When context is canceled:
//
//  1. Server stops accepting new connections
//  2. Server waits for running sessions (with timeout)
//  3. After ShutdownTimeout, cancels the remaining sessions
//  4. Returns ErrShutdownTimeout if timeout exceeded
//
// # Example
//
//	cfg := tcp.Config{
//		Address:         ":8443",
//		Path:            "/ws",
//		MaxConnections:  1024,
//		ShutdownTimeout: 30 * time.Second,
//	}
//
//	server, err := tcp.New(cfg, engine)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := server.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
package tcp
