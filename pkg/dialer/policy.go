// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package dialer

import (
	"fmt"
	"net/netip"
	"slices"
	"strings"
)

// Ranges that are never public destinations, on top of what netip reports
// as private, loopback, link-local, multicast or unspecified.
var specialNets = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("255.255.255.255/32"),
	netip.MustParsePrefix("64:ff9b::/96"),
}

// Policy decides which destinations may be dialed. The zero value allows
// everything.
//
// Addresses are checked in order: DenyNets always wins, a non-empty AllowNets
// admits only its members (and overrides DenyPrivate for them), and finally
// DenyPrivate rejects non-public ranges. Ports follow the same deny-then-allow
// order.
type Policy struct {
	DenyPrivate bool
	AllowNets   []netip.Prefix
	DenyNets    []netip.Prefix
	AllowPorts  []uint16
	DenyPorts   []uint16
}

// AllowedPort reports whether port may be dialed.
func (p Policy) AllowedPort(port uint16) bool {
	if slices.Contains(p.DenyPorts, port) {
		return false
	}
	return len(p.AllowPorts) == 0 || slices.Contains(p.AllowPorts, port)
}

// AllowedAddr reports whether addr may be dialed.
func (p Policy) AllowedAddr(addr netip.Addr) bool {
	addr = addr.Unmap()
	if contains(p.DenyNets, addr) {
		return false
	}
	if len(p.AllowNets) > 0 {
		return contains(p.AllowNets, addr)
	}
	if p.DenyPrivate && isPrivate(addr) {
		return false
	}
	return true
}

// Allowed reports whether addr:port may be dialed.
func (p Policy) Allowed(ap netip.AddrPort) bool {
	return p.AllowedPort(ap.Port()) && p.AllowedAddr(ap.Addr())
}

func isPrivate(addr netip.Addr) bool {
	if addr.IsPrivate() || addr.IsLoopback() || addr.IsUnspecified() ||
		addr.IsLinkLocalUnicast() || addr.IsLinkLocalMulticast() ||
		addr.IsInterfaceLocalMulticast() || addr.IsMulticast() {
		return true
	}
	return contains(specialNets, addr)
}

func contains(nets []netip.Prefix, addr netip.Addr) bool {
	for _, n := range nets {
		if n.Contains(addr) {
			return true
		}
	}
	return false
}

// ParsePrefixes parses CIDRs. Bare addresses are accepted as single-host
// prefixes.
func ParsePrefixes(values []string) ([]netip.Prefix, error) {
	var ret []netip.Prefix
	for _, v := range values {
		v = strings.TrimSpace(v)
		if v == "" {
			continue
		}
		if !strings.Contains(v, "/") {
			addr, err := netip.ParseAddr(v)
			if err != nil {
				return nil, fmt.Errorf("invalid address %q: %w", v, err)
			}
			addr = addr.Unmap()
			ret = append(ret, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		prefix, err := netip.ParsePrefix(v)
		if err != nil {
			return nil, fmt.Errorf("invalid prefix %q: %w", v, err)
		}
		ret = append(ret, prefix.Masked())
	}
	return ret, nil
}
