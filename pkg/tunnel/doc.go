// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tunnel implements the session engine that hosts hand inbound
// streams to.
//
// # Session Lifecycle
//
//	host: v, ok := engine.Dispatch(path)      // no session when !ok
//	host: s := engine.NewSession(v, path, remote, stream)
//	host: res := engine.Serve(ctx, s)
//
//	Serve:
//	  1. read the header under HandshakeTimeout   → StatusProtocolError
//	  2. Handler.AuthConnect                      → StatusRejected
//	  3. Dialer.Dial                              → StatusDialError
//	  4. Handler.OnConnect, relay.Relay           → relay status
//	  5. Handler.OnDisconnect(result)             (always)
//
// Failures before the relay close the stream without sending anything back.
// Cancelling ctx ends the session at any step with StatusCancelled.
//
// New inbound variants register a decoder in the protocol table; the relay
// and the dialer are shared by all of them.
package tunnel
