// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package handler provides the hooks that link the tunnel engine to
// application policy.
//
// # Data Flow
//
//	Client → Decoder (destination) → AuthConnect → Dialer → OnConnect → Relay
//	                                                                 ↓
//	                                          OnDisconnect(result) ←─┘
//
// # Context
//
// The Context struct carries session metadata across all handler calls:
//   - SessionID: unique identifier of the session
//   - Variant, Path: the inbound the request was dispatched to
//   - RemoteAddr: client's network address
//   - Destination: the validated destination (nil before the header is parsed)
//   - Cert: client certificate for mTLS connections
//
// # Example
//
//	type PortPolicy struct{}
//
//	func (PortPolicy) AuthConnect(ctx context.Context, hctx *handler.Context) error {
//		if hctx.Destination.Port == 25 {
//			return errors.New("smtp is not allowed")
//		}
//		return nil
//	}
//
// The NoopHandler allows everything and is used when no policy is needed.
package handler
