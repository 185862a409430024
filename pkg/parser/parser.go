// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package parser

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"strconv"
)

// ErrIncomplete is returned by decoders when the buffered input ends before a
// complete header. It is not a protocol failure: the caller reads more bytes
// and feeds them again.
var ErrIncomplete = errors.New("incomplete header")

// CredentialSize is the length of the credential embedded in a header.
const CredentialSize = 16

// Direction indicates the direction of data flow.
type Direction int

const (
	// Upstream represents data flowing from the client to the destination.
	Upstream Direction = iota

	// Downstream represents data flowing from the destination to the client.
	Downstream
)

// String returns a string representation of the direction.
func (d Direction) String() string {
	switch d {
	case Upstream:
		return "upstream"
	case Downstream:
		return "downstream"
	default:
		return "unknown"
	}
}

// Network is the transport used to reach a destination.
type Network uint8

const (
	TCP Network = iota + 1
	UDP
)

// String returns the name accepted by net.Dial.
func (n Network) String() string {
	switch n {
	case TCP:
		return "tcp"
	case UDP:
		return "udp"
	default:
		return "unknown"
	}
}

// Credential is the opaque identifier a header must carry to be accepted.
type Credential [CredentialSize]byte

// Destination is the outbound address requested by a validated header.
// Exactly one of Host and Addr is set.
type Destination struct {
	// Host is a domain name when the header carried one.
	Host string

	// Addr is set when the header carried an IPv4 or IPv6 literal.
	Addr netip.Addr

	Port    uint16
	Network Network
}

// IsDomain reports whether the destination must be resolved before dialing.
func (d Destination) IsDomain() bool {
	return d.Host != ""
}

// Hostname returns the domain name or the textual IP address.
func (d Destination) Hostname() string {
	if d.IsDomain() {
		return d.Host
	}
	return d.Addr.String()
}

// String returns host:port.
func (d Destination) String() string {
	return net.JoinHostPort(d.Hostname(), strconv.Itoa(int(d.Port)))
}

// Validate checks that the destination is dialable.
func (d Destination) Validate() error {
	switch {
	case d.Network != TCP && d.Network != UDP:
		return fmt.Errorf("unknown network %d", d.Network)
	case d.Host == "" && !d.Addr.IsValid():
		return errors.New("missing address")
	case d.Host != "" && d.Addr.IsValid():
		return errors.New("both domain and address set")
	}
	return nil
}

// Request is the protocol-independent result of decoding a tunnel header.
type Request struct {
	Version     byte
	Destination Destination
}

// Decoder consumes the first bytes of an inbound stream until a complete
// header is available. Implementations never read by themselves: the caller
// feeds whatever it has read so far.
type Decoder interface {
	// Feed appends p to the internally buffered input and attempts to decode
	// a header. It returns ErrIncomplete while more input is needed. Once a
	// header is decoded, the returned slice holds the bytes that followed it
	// (the remainder), which belong to the tunneled application data.
	Feed(p []byte) (Request, []byte, error)

	// Finish is called when the stream ends before Feed succeeded and
	// reports why the buffered input is not a valid header.
	Finish() error
}
