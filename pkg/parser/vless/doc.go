// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package vless implements the binary tunnel header decoder for mRelay.
//
// # Wire Format
//
// All integers are big-endian:
//
//	+---------+--------------+---------+------+----------+---------------------+-----------+
//	| version | credential   | command | port | addrType | address             | remainder |
//	| 1B      | 16B          | 1B      | 2B   | 1B       | 4B | 1B len + N | 16B | ...       |
//	+---------+--------------+---------+------+----------+---------------------+-----------+
//
//   - version: 0x01
//   - command: 0x01 TCP, 0x02 UDP
//   - addrType: 0x01 IPv4, 0x02 domain, 0x03 IPv6
//
// # Validation
//
// Fields are checked in order and as soon as they are available:
//
//  1. version mismatch → errors.ErrUnsupportedVersion
//  2. credential mismatch (constant time) → errors.ErrAuthFailed
//  3. unknown command → errors.ErrUnsupportedCommand
//  4. unknown address type, empty or invalid domain, port 0 → errors.ErrMalformedAddress
//
// A header that is cut short by the end of the stream is reported by
// Decoder.Finish as errors.ErrMalformedAddress.
//
// # Split Input
//
// Decoder buffers partial input, so a header split across several reads is
// decoded exactly like one delivered at once:
//
//	dec := vless.NewDecoder(cred)
//	for {
//		n, err := stream.Read(buf)
//		req, rest, perr := dec.Feed(buf[:n])
//		if errors.Is(perr, parser.ErrIncomplete) {
//			continue
//		}
//		...
//	}
//
// # UDP
//
// UDP sessions carry no extra framing: every relay write of the inbound
// stream is one datagram to the destination and every datagram received is
// one write back.
package vless
