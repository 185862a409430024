// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package inbound holds the immutable routing table that maps request paths
// to inbound protocol variants and their credentials.
package inbound

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/absmach/mrelay/pkg/parser"
	"github.com/google/uuid"
)

var (
	// ErrInvalidPath is returned for routing paths that are not absolute.
	ErrInvalidPath = errors.New("invalid inbound path")

	// ErrDuplicatePath is returned when two rules claim the same path.
	ErrDuplicatePath = errors.New("duplicate inbound path")

	// ErrReservedPath is returned when a rule overlaps a reserved path.
	ErrReservedPath = errors.New("reserved inbound path")

	// ErrUnknownVariant is returned for rules with an unknown variant.
	ErrUnknownVariant = errors.New("unknown inbound variant")

	// ErrDuplicateVariant is returned when a variant is configured twice.
	ErrDuplicateVariant = errors.New("duplicate inbound variant")
)

// Variant identifies the header format and credential set of a request.
type Variant uint8

const (
	VariantUnknown Variant = iota
	VariantVLESS
)

var variantNames = map[Variant]string{
	VariantVLESS: "vless",
}

// String returns the variant name.
func (v Variant) String() string {
	if name, ok := variantNames[v]; ok {
		return name
	}
	return "unknown"
}

// ParseVariant returns the variant with the given name.
func ParseVariant(name string) (Variant, error) {
	for v, n := range variantNames {
		if strings.EqualFold(n, name) {
			return v, nil
		}
	}
	return VariantUnknown, fmt.Errorf("%w: %q", ErrUnknownVariant, name)
}

// Inbound is one routing rule.
type Inbound struct {
	Variant    Variant
	Name       string
	Paths      []string
	Credential parser.Credential

	// Acknowledge makes the session send the protocol response ahead of the
	// first downstream bytes.
	Acknowledge bool
}

// ParseCredential parses a UUID string into a credential.
func ParseCredential(s string) (parser.Credential, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return parser.Credential{}, fmt.Errorf("invalid credential: %w", err)
	}
	return parser.Credential(id), nil
}

// CredentialString formats a credential as a UUID.
func CredentialString(c parser.Credential) string {
	return uuid.UUID(c).String()
}

type route struct {
	prefix  string
	variant Variant
}

// Router is the read-only dispatch table. It is built once at startup and is
// safe for concurrent use.
type Router struct {
	routes   []route
	inbounds map[Variant]Inbound
	reserved []string
}

// NewRouter validates the rules and builds a router. Reserved paths (for
// example the share-link endpoint) never dispatch to an inbound.
func NewRouter(inbounds []Inbound, reserved ...string) (*Router, error) {
	r := &Router{
		inbounds: make(map[Variant]Inbound, len(inbounds)),
	}

	for _, p := range reserved {
		if p != "" {
			r.reserved = append(r.reserved, cleanPath(p))
		}
	}

	seen := make(map[string]bool)
	for _, in := range inbounds {
		if _, ok := variantNames[in.Variant]; !ok {
			return nil, fmt.Errorf("%w: %d", ErrUnknownVariant, in.Variant)
		}
		if _, ok := r.inbounds[in.Variant]; ok {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateVariant, in.Variant)
		}
		if len(in.Paths) == 0 {
			return nil, fmt.Errorf("%w: %s has no paths", ErrInvalidPath, in.Variant)
		}

		in.Paths = append([]string(nil), in.Paths...)
		for i, p := range in.Paths {
			if !strings.HasPrefix(p, "/") {
				return nil, fmt.Errorf("%w: %q", ErrInvalidPath, p)
			}
			p = cleanPath(p)
			in.Paths[i] = p
			if seen[p] {
				return nil, fmt.Errorf("%w: %q", ErrDuplicatePath, p)
			}
			for _, res := range r.reserved {
				if matches(res, p) {
					return nil, fmt.Errorf("%w: %q overlaps %q", ErrReservedPath, p, res)
				}
			}
			seen[p] = true
			r.routes = append(r.routes, route{prefix: p, variant: in.Variant})
		}
		if in.Name == "" {
			in.Name = in.Variant.String()
		}
		r.inbounds[in.Variant] = in
	}

	// Longest prefix first.
	sort.Slice(r.routes, func(i, j int) bool {
		return len(r.routes[i].prefix) > len(r.routes[j].prefix)
	})

	return r, nil
}

// Dispatch returns the variant serving path. Unrouted and reserved paths
// return false.
func (r *Router) Dispatch(path string) (Variant, bool) {
	if path == "" {
		path = "/"
	}
	for _, res := range r.reserved {
		if matches(res, path) {
			return VariantUnknown, false
		}
	}
	for _, rt := range r.routes {
		if matches(rt.prefix, path) {
			return rt.variant, true
		}
	}
	return VariantUnknown, false
}

// CredentialFor returns the credential configured for v.
func (r *Router) CredentialFor(v Variant) (parser.Credential, bool) {
	in, ok := r.inbounds[v]
	return in.Credential, ok
}

// Inbound returns the rule configured for v.
func (r *Router) Inbound(v Variant) (Inbound, bool) {
	in, ok := r.inbounds[v]
	return in, ok
}

// Inbounds returns all rules ordered by variant.
func (r *Router) Inbounds() []Inbound {
	ret := make([]Inbound, 0, len(r.inbounds))
	for _, in := range r.inbounds {
		ret = append(ret, in)
	}
	sort.Slice(ret, func(i, j int) bool { return ret[i].Variant < ret[j].Variant })
	return ret
}

// matches reports whether path equals prefix or lies below it.
func matches(prefix, path string) bool {
	if prefix == "/" {
		return true
	}
	if !strings.HasPrefix(path, prefix) {
		return false
	}
	return len(path) == len(prefix) || path[len(prefix)] == '/'
}

func cleanPath(p string) string {
	if len(p) > 1 {
		p = strings.TrimRight(p, "/")
	}
	if p == "" {
		return "/"
	}
	return p
}
