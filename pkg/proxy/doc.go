// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package proxy provides the HTTP host coordinator that wires the WebSocket
// gateway, share links and health probes onto one listener.
//
// # Overview
//
// TunnelProxy combines:
//  1. Gateway (WebSocket upgrade, early data, session limit)
//  2. Engine (header, dial, relay)
//  3. Handler (authorization and session callbacks)
//
// # Architecture
//
//	Application
//	     ↓
//	┌──────────────┐
//	│ TunnelProxy  │  (chi router)
//	└──────────────┘
//	     ↓
//	┌──────────────┐
//	│   Gateway    │  (WebSocket front)
//	└──────────────┘
//	     ↓
//	┌──────────────┐
//	│    Engine    │  (tunnel protocol)
//	└──────────────┘
//	     ↓
//	┌──────────────┐
//	│   Handler    │  (Business Logic)
//	└──────────────┘
//
// # Routes
//
//	GET {LinkPath}     share links, behind the password gate
//	GET /health        health checks
//	GET /ready         readiness, 503 while draining
//	GET /live          liveness
//	/*                 WebSocket gateway
//
// # Usage Pattern
//
//	cfg := proxy.TunnelConfig{
//		Port:            "8080",
//		Gateway:         websocket.GatewayConfig{MaxSessions: 1024, EarlyData: true},
//		ShutdownTimeout: 30 * time.Second,
//	}
//
//	p, err := proxy.NewTunnel(cfg, engine, router, gate, checker)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := p.Listen(ctx); err != nil {
//		log.Fatal(err)
//	}
//
// # Graceful Shutdown
//
// When ctx is cancelled the proxy reports not ready, stops accepting
// requests and waits ShutdownTimeout for running sessions. Sessions still
// running are then cancelled and Listen returns ErrShutdownTimeout.
//
// # TLS Termination
//
// With TLSConfig set the listener serves HTTPS and WSS, and share links
// advertise TLS.
package proxy
