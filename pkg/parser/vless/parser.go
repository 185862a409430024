// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package vless

import (
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
	"net/netip"

	mrerrors "github.com/absmach/mrelay/pkg/errors"
	"github.com/absmach/mrelay/pkg/parser"
)

// Version is the only supported protocol version.
const Version byte = 0x01

// Command codes.
const (
	CommandTCP byte = 0x01
	CommandUDP byte = 0x02
)

// Address types.
const (
	AddrIPv4   byte = 0x01
	AddrDomain byte = 0x02
	AddrIPv6   byte = 0x03
)

// Field offsets.
const (
	offCredential = 1
	offCommand    = offCredential + parser.CredentialSize
	offPort       = offCommand + 1
	offAddrType   = offPort + 2
	offAddr       = offAddrType + 1
)

const (
	// MinHeaderLen is the length of a header carrying an IPv4 address.
	MinHeaderLen = offAddr + 4

	// MaxHeaderLen is the length of a header carrying a 255-byte domain.
	MaxHeaderLen = offAddr + 1 + 255
)

var errDecoded = errors.New("header already decoded")

var _ parser.Decoder = (*Decoder)(nil)

// Parse decodes a header from the start of b. It returns the request and the
// number of bytes the header occupies; b[n:] is the remainder. Fields are
// validated as soon as they are available, so a bad version or credential is
// reported before the rest of the header arrives. parser.ErrIncomplete means
// b is a valid but truncated prefix.
func Parse(b []byte, cred parser.Credential) (parser.Request, int, error) {
	var req parser.Request

	if len(b) < 1 {
		return req, 0, parser.ErrIncomplete
	}
	if b[0] != Version {
		return req, 0, fmt.Errorf("%w: 0x%02x", mrerrors.ErrUnsupportedVersion, b[0])
	}
	req.Version = b[0]

	if len(b) < offCommand {
		return req, 0, parser.ErrIncomplete
	}
	if subtle.ConstantTimeCompare(b[offCredential:offCommand], cred[:]) != 1 {
		return req, 0, mrerrors.ErrAuthFailed
	}

	if len(b) < offPort {
		return req, 0, parser.ErrIncomplete
	}
	var network parser.Network
	switch b[offCommand] {
	case CommandTCP:
		network = parser.TCP
	case CommandUDP:
		network = parser.UDP
	default:
		return req, 0, fmt.Errorf("%w: 0x%02x", mrerrors.ErrUnsupportedCommand, b[offCommand])
	}

	if len(b) < offAddr {
		return req, 0, parser.ErrIncomplete
	}
	dst := parser.Destination{
		Port:    binary.BigEndian.Uint16(b[offPort:offAddrType]),
		Network: network,
	}

	var n int
	switch b[offAddrType] {
	case AddrIPv4:
		n = offAddr + 4
		if len(b) < n {
			return req, 0, parser.ErrIncomplete
		}
		dst.Addr = netip.AddrFrom4([4]byte(b[offAddr:n]))

	case AddrDomain:
		if len(b) < offAddr+1 {
			return req, 0, parser.ErrIncomplete
		}
		l := int(b[offAddr])
		if l == 0 {
			return req, 0, fmt.Errorf("%w: empty domain", mrerrors.ErrMalformedAddress)
		}
		n = offAddr + 1 + l
		if len(b) < n {
			return req, 0, parser.ErrIncomplete
		}
		host := b[offAddr+1 : n]
		if !validDomain(host) {
			return req, 0, fmt.Errorf("%w: invalid domain", mrerrors.ErrMalformedAddress)
		}
		// Some clients send literal addresses with the domain type.
		if ip, err := netip.ParseAddr(string(host)); err == nil {
			dst.Addr = ip.Unmap()
		} else {
			dst.Host = string(host)
		}

	case AddrIPv6:
		n = offAddr + 16
		if len(b) < n {
			return req, 0, parser.ErrIncomplete
		}
		dst.Addr = netip.AddrFrom16([16]byte(b[offAddr:n]))

	default:
		return req, 0, fmt.Errorf("%w: address type 0x%02x", mrerrors.ErrMalformedAddress, b[offAddrType])
	}

	if dst.Port == 0 {
		return req, 0, fmt.Errorf("%w: port 0", mrerrors.ErrMalformedAddress)
	}

	req.Destination = dst
	return req, n, nil
}

// validDomain accepts printable ASCII without spaces or path separators.
func validDomain(b []byte) bool {
	for _, c := range b {
		if c <= ' ' || c >= 0x7f || c == '/' || c == '\\' {
			return false
		}
	}
	return true
}

// Decoder accumulates the first reads of a stream until Parse succeeds.
// It buffers at most MaxHeaderLen bytes.
type Decoder struct {
	cred parser.Credential
	buf  []byte
	done bool
}

// NewDecoder returns a decoder accepting headers that carry cred.
func NewDecoder(cred parser.Credential) *Decoder {
	return &Decoder{cred: cred}
}

// Feed implements parser.Decoder. The returned remainder aliases either p or
// the decoder's buffer and must be consumed before p is reused.
func (d *Decoder) Feed(p []byte) (parser.Request, []byte, error) {
	if d.done {
		return parser.Request{}, nil, errDecoded
	}

	in := p
	if len(d.buf) > 0 {
		d.buf = append(d.buf, p...)
		in = d.buf
	}

	req, n, err := Parse(in, d.cred)
	switch {
	case errors.Is(err, parser.ErrIncomplete):
		if len(d.buf) == 0 {
			d.buf = append(make([]byte, 0, MaxHeaderLen), p...)
		}
		return req, nil, err
	case err != nil:
		d.done = true
		d.buf = nil
		return req, nil, err
	}

	d.done = true
	rest := in[n:]
	d.buf = nil
	return req, rest, nil
}

// Finish implements parser.Decoder.
func (d *Decoder) Finish() error {
	if d.done {
		return nil
	}
	d.done = true
	return fmt.Errorf("%w: truncated header (%d bytes)", mrerrors.ErrMalformedAddress, len(d.buf))
}

// AppendRequest appends the header for dst to b. It is the inverse of Parse
// and is used by clients and tests.
func AppendRequest(b []byte, cred parser.Credential, dst parser.Destination) ([]byte, error) {
	if err := dst.Validate(); err != nil {
		return nil, err
	}

	b = append(b, Version)
	b = append(b, cred[:]...)
	switch dst.Network {
	case parser.TCP:
		b = append(b, CommandTCP)
	case parser.UDP:
		b = append(b, CommandUDP)
	}
	b = binary.BigEndian.AppendUint16(b, dst.Port)

	switch {
	case dst.IsDomain():
		if len(dst.Host) > 255 {
			return nil, fmt.Errorf("domain too long: %d bytes", len(dst.Host))
		}
		b = append(b, AddrDomain, byte(len(dst.Host)))
		b = append(b, dst.Host...)
	case dst.Addr.Is4():
		a := dst.Addr.As4()
		b = append(b, AddrIPv4)
		b = append(b, a[:]...)
	default:
		a := dst.Addr.As16()
		b = append(b, AddrIPv6)
		b = append(b, a[:]...)
	}

	return b, nil
}

// Response returns the acknowledgement a server sends ahead of the first
// downstream bytes.
func Response() []byte {
	return []byte{Version, 0x00}
}
