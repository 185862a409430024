// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package relay copies bytes between the inbound stream and the outbound
// connection of a tunnel session.
//
// Two pumps run concurrently, one per direction. Each owns a single buffer
// and does not read its next chunk before the previous one is written, so the
// relay never holds more than one chunk per direction.
//
//	inbound ──read──→ [upstream buf] ──write──→ outbound
//	inbound ←─write── [downstream buf] ←─read── outbound
//
// # Termination
//
//   - EOF on one side half-closes the other side's write direction and the
//     remaining direction drains, bounded by Options.HalfCloseTimeout.
//   - Any read or write error closes both connections (StatusIOError).
//   - Cancelling the context closes both connections (StatusCancelled).
//   - Options.IdleTimeout closes a session that moved no bytes.
//
// Relay is the only place that closes the two connections, and closing is
// idempotent.
package relay
