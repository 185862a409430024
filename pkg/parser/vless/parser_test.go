// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package vless

import (
	"bytes"
	"errors"
	"net/netip"
	"testing"

	mrerrors "github.com/absmach/mrelay/pkg/errors"
	"github.com/absmach/mrelay/pkg/parser"
)

var testCred = parser.Credential{
	0xd3, 0x42, 0xd1, 0x1e, 0xd4, 0x24, 0x45, 0x83,
	0xb3, 0x6e, 0x52, 0x4a, 0xb1, 0xf0, 0xaf, 0xa4,
}

func mustHeader(t *testing.T, cred parser.Credential, dst parser.Destination) []byte {
	t.Helper()
	b, err := AppendRequest(nil, cred, dst)
	if err != nil {
		t.Fatalf("AppendRequest() error = %v", err)
	}
	return b
}

func TestParse_ValidHeaders(t *testing.T) {
	tests := []struct {
		name string
		dst  parser.Destination
		len  int
	}{
		{
			name: "IPv4 TCP",
			dst:  parser.Destination{Addr: netip.MustParseAddr("93.184.216.34"), Port: 80, Network: parser.TCP},
			len:  MinHeaderLen,
		},
		{
			name: "domain TCP",
			dst:  parser.Destination{Host: "example.com", Port: 443, Network: parser.TCP},
			len:  offAddr + 1 + len("example.com"),
		},
		{
			name: "IPv6 UDP",
			dst:  parser.Destination{Addr: netip.MustParseAddr("2001:db8::1"), Port: 53, Network: parser.UDP},
			len:  offAddr + 16,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			payload := []byte("GET / HTTP/1.1\r\n\r\n")
			b := append(mustHeader(t, testCred, tt.dst), payload...)

			req, n, err := Parse(b, testCred)
			if err != nil {
				t.Fatalf("Parse() error = %v", err)
			}
			if n != tt.len {
				t.Errorf("Expected header length %d, got %d", tt.len, n)
			}
			if req.Destination != tt.dst {
				t.Errorf("Expected destination %+v, got %+v", tt.dst, req.Destination)
			}
			if !bytes.Equal(b[n:], payload) {
				t.Errorf("Expected remainder %q, got %q", payload, b[n:])
			}
		})
	}
}

func TestParse_Errors(t *testing.T) {
	valid := mustHeader(t, testCred, parser.Destination{Host: "example.com", Port: 443, Network: parser.TCP})

	badVersion := bytes.Clone(valid)
	badVersion[0] = 0x02

	otherCred := testCred
	otherCred[15] ^= 0xff

	badCommand := bytes.Clone(valid)
	badCommand[offCommand] = 0x03

	badAddrType := bytes.Clone(valid)
	badAddrType[offAddrType] = 0x04

	emptyDomain := bytes.Clone(valid[:offAddr])
	emptyDomain = append(emptyDomain, 0x00, 'x')

	badDomain := bytes.Clone(valid[:offAddr])
	badDomain = append(badDomain, 3, 'a', ' ', 'b')

	zeroPort := mustHeader(t, testCred, parser.Destination{Host: "example.com", Port: 1, Network: parser.TCP})
	zeroPort[offPort], zeroPort[offPort+1] = 0, 0

	tests := []struct {
		name string
		in   []byte
		err  error
	}{
		{name: "unsupported version", in: badVersion, err: mrerrors.ErrUnsupportedVersion},
		{name: "unsupported version before credential", in: []byte{0x02}, err: mrerrors.ErrUnsupportedVersion},
		{name: "wrong credential", in: mustHeader(t, otherCred, parser.Destination{Host: "example.com", Port: 443, Network: parser.TCP}), err: mrerrors.ErrAuthFailed},
		{name: "wrong credential before command", in: mustHeader(t, otherCred, parser.Destination{Host: "a", Port: 1, Network: parser.TCP})[:offCommand], err: mrerrors.ErrAuthFailed},
		{name: "unsupported command", in: badCommand, err: mrerrors.ErrUnsupportedCommand},
		{name: "unknown address type", in: badAddrType, err: mrerrors.ErrMalformedAddress},
		{name: "zero-length domain", in: emptyDomain, err: mrerrors.ErrMalformedAddress},
		{name: "invalid domain", in: badDomain, err: mrerrors.ErrMalformedAddress},
		{name: "zero port", in: zeroPort, err: mrerrors.ErrMalformedAddress},
		{name: "empty input", in: nil, err: parser.ErrIncomplete},
		{name: "truncated domain", in: valid[:len(valid)-1], err: parser.ErrIncomplete},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, _, err := Parse(tt.in, testCred)
			if !errors.Is(err, tt.err) {
				t.Fatalf("Expected error %v, got %v", tt.err, err)
			}
			if req.Destination != (parser.Destination{}) {
				t.Errorf("Expected no destination on error, got %+v", req.Destination)
			}
		})
	}
}

func TestParse_ErrorCategories(t *testing.T) {
	_, _, err := Parse([]byte{0x02}, testCred)
	if !errors.Is(err, mrerrors.ErrProtocol) {
		t.Errorf("Expected protocol error category, got %v", err)
	}
}

func TestParse_DomainCarryingLiteral(t *testing.T) {
	b := mustHeader(t, testCred, parser.Destination{Host: "example.com", Port: 443, Network: parser.TCP})
	b = append(b[:offAddr], byte(len("10.0.0.1")))
	b = append(b, "10.0.0.1"...)

	req, _, err := Parse(b, testCred)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if req.Destination.IsDomain() {
		t.Error("Expected literal address to be decoded as IP")
	}
	if req.Destination.Addr != netip.MustParseAddr("10.0.0.1") {
		t.Errorf("Expected 10.0.0.1, got %s", req.Destination.Addr)
	}
}

func TestDecoder_SplitAtEveryOffset(t *testing.T) {
	dst := parser.Destination{Host: "example.com", Port: 443, Network: parser.TCP}
	payload := []byte("0123456789")
	hdr := mustHeader(t, testCred, dst)
	stream := append(bytes.Clone(hdr), payload...)

	for split := 0; split <= len(stream); split++ {
		dec := NewDecoder(testCred)

		var (
			req  parser.Request
			rest []byte
			err  error
		)
		chunks := [][]byte{stream[:split], stream[split:]}
		for _, c := range chunks {
			req, rest, err = dec.Feed(c)
			if !errors.Is(err, parser.ErrIncomplete) {
				break
			}
		}
		if err != nil {
			t.Fatalf("split %d: Feed() error = %v", split, err)
		}
		if req.Destination != dst {
			t.Fatalf("split %d: expected %+v, got %+v", split, dst, req.Destination)
		}

		// When the first chunk already completes the header, the second
		// chunk is application data that follows the remainder.
		got := bytes.Clone(rest)
		if split >= len(hdr) {
			got = append(got, stream[split:]...)
		}
		if !bytes.Equal(got, payload) {
			t.Fatalf("split %d: expected payload %q, got %q", split, payload, got)
		}
	}
}

func TestDecoder_ByteAtATime(t *testing.T) {
	dst := parser.Destination{Addr: netip.MustParseAddr("2001:db8::2"), Port: 8443, Network: parser.UDP}
	hdr := mustHeader(t, testCred, dst)
	dec := NewDecoder(testCred)

	for i := 0; i < len(hdr)-1; i++ {
		if _, _, err := dec.Feed(hdr[i : i+1]); !errors.Is(err, parser.ErrIncomplete) {
			t.Fatalf("byte %d: expected ErrIncomplete, got %v", i, err)
		}
	}
	if len(dec.buf) > MaxHeaderLen {
		t.Errorf("Decoder buffered %d bytes, limit is %d", len(dec.buf), MaxHeaderLen)
	}

	req, rest, err := dec.Feed(append([]byte{hdr[len(hdr)-1]}, 'x', 'y'))
	if err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if req.Destination != dst {
		t.Errorf("Expected %+v, got %+v", dst, req.Destination)
	}
	if string(rest) != "xy" {
		t.Errorf("Expected remainder %q, got %q", "xy", rest)
	}

	if _, _, err := dec.Feed([]byte("more")); err == nil {
		t.Error("Expected error when feeding a finished decoder")
	}
}

func TestDecoder_AuthFailedIsEarly(t *testing.T) {
	other := testCred
	other[0] ^= 0x01
	hdr := mustHeader(t, other, parser.Destination{Host: "example.com", Port: 443, Network: parser.TCP})

	dec := NewDecoder(testCred)
	if _, _, err := dec.Feed(hdr[:10]); !errors.Is(err, parser.ErrIncomplete) {
		t.Fatalf("Expected ErrIncomplete, got %v", err)
	}
	req, rest, err := dec.Feed(hdr[10:offCommand])
	if !errors.Is(err, mrerrors.ErrAuthFailed) {
		t.Fatalf("Expected ErrAuthFailed, got %v", err)
	}
	if rest != nil || req.Destination != (parser.Destination{}) {
		t.Error("Expected no destination or remainder after auth failure")
	}
}

func TestDecoder_Finish(t *testing.T) {
	hdr := mustHeader(t, testCred, parser.Destination{Host: "example.com", Port: 443, Network: parser.TCP})

	dec := NewDecoder(testCred)
	if _, _, err := dec.Feed(hdr[:len(hdr)-3]); !errors.Is(err, parser.ErrIncomplete) {
		t.Fatalf("Expected ErrIncomplete, got %v", err)
	}
	if err := dec.Finish(); !errors.Is(err, mrerrors.ErrMalformedAddress) {
		t.Errorf("Expected ErrMalformedAddress, got %v", err)
	}

	empty := NewDecoder(testCred)
	if err := empty.Finish(); !errors.Is(err, mrerrors.ErrMalformedAddress) {
		t.Errorf("Expected ErrMalformedAddress for empty stream, got %v", err)
	}

	done := NewDecoder(testCred)
	if _, _, err := done.Feed(hdr); err != nil {
		t.Fatalf("Feed() error = %v", err)
	}
	if err := done.Finish(); err != nil {
		t.Errorf("Expected nil from Finish after success, got %v", err)
	}
}

func TestAppendRequest_DomainTooLong(t *testing.T) {
	dst := parser.Destination{Host: string(bytes.Repeat([]byte("a"), 256)), Port: 1, Network: parser.TCP}
	if _, err := AppendRequest(nil, testCred, dst); err == nil {
		t.Error("Expected error for 256-byte domain")
	}
}

func TestResponse(t *testing.T) {
	if got := Response(); !bytes.Equal(got, []byte{Version, 0}) {
		t.Errorf("Expected response [%d 0], got %v", Version, got)
	}
}
