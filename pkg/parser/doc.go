// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package parser defines the types shared by tunnel header decoders, the
// dialer and the relay loop.
//
// # Architecture Overview
//
// A tunnel session starts with a binary header sent by the client as the first
// bytes of the inbound stream. A Decoder turns those bytes into a Request
// carrying the Destination to dial. Decoders are pure with respect to I/O: the
// engine reads chunks from the stream and feeds them, so the header may arrive
// split across any number of reads.
//
//	Client ── stream ──→ Engine ── Feed(chunk) ──→ Decoder
//	                       │  ←── Request, remainder ──┘
//	                       ↓
//	                    Dialer(Destination) → Relay(stream, outbound, remainder)
//
// # Direction
//
// The Direction type names the two halves of a relay:
//   - Upstream: Client → Destination
//   - Downstream: Destination → Client
//
// # Remainder
//
// Bytes read together with the header but located after it are returned by
// Feed. They are the first application-layer bytes of the tunnel and must be
// written to the destination before anything else.
//
// # Protocol-Specific Decoders
//
//   - parser/vless: the fixed-layout binary header
//   - parser/websocket: the HTTP upgrade front that produces the stream
package parser
