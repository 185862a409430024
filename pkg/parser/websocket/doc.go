// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package websocket implements the WebSocket front of mRelay.
//
// # Overview
//
// The Gateway receives HTTP requests, upgrades the routed ones and hands the
// resulting byte stream to the tunnel engine. It has two components:
//
//  1. Gateway: request admission and upgrade (http.Handler)
//  2. Conn: adapts websocket.Conn to net.Conn
//
// # Request Flow
//
//	1. Dispatch the path; unrouted paths get 404 and no session
//	2. Password gate (Authorizer); failures get the password form
//	3. Session limit; a full gateway answers 503
//	4. Early data is taken from Sec-WebSocket-Protocol and echoed back
//	5. Upgrade, then tunnel.Engine.Serve until the session ends
//
// # Conn Adapter
//
//   - Read(): returns early data first, then message payloads as a stream;
//     a normal close frame reads as io.EOF
//   - Write(): one binary message per call
//   - CloseWrite(): sends a close frame, used by the relay to half-close
//   - Close(): closes the TCP connection
//
// # Early Data
//
// Clients may send the first tunnel bytes, usually the header, base64url
// encoded in the Sec-WebSocket-Protocol header of the upgrade request. This
// saves a round trip. Values that do not decode are treated as ordinary
// subprotocols and ignored.
//
// # Shutdown
//
// Upgraded connections are hijacked and not tracked by http.Server. Wait
// blocks until running sessions end and Close cancels them.
package websocket
