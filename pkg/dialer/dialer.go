// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package dialer opens outbound connections to tunnel destinations. It
// enforces the destination policy and reports failures as errors.ErrDial
// subtypes. Dials are never retried.
package dialer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"time"

	"github.com/absmach/mrelay/pkg/breaker"
	mrerrors "github.com/absmach/mrelay/pkg/errors"
	"github.com/absmach/mrelay/pkg/parser"
)

// DefaultTimeout bounds name resolution and connection establishment.
const DefaultTimeout = 10 * time.Second

// Resolver resolves domain destinations. *net.Resolver implements it.
type Resolver interface {
	LookupNetIP(ctx context.Context, network, host string) ([]netip.Addr, error)
}

// Config holds the dialer configuration.
type Config struct {
	// Timeout bounds resolution plus connect.
	Timeout time.Duration

	// Policy restricts the destinations that may be dialed.
	Policy Policy

	// Breaker enables a circuit breaker per destination when set.
	Breaker *breaker.Config

	// BreakerSize caps the number of destinations tracked by breakers.
	BreakerSize int

	// Resolver defaults to net.DefaultResolver.
	Resolver Resolver

	Logger *slog.Logger
}

// Dialer dials validated destinations.
type Dialer struct {
	config   Config
	net      net.Dialer
	breakers *breaker.Group
}

// New creates a dialer.
func New(cfg Config) *Dialer {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Resolver == nil {
		cfg.Resolver = net.DefaultResolver
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	d := &Dialer{config: cfg}
	if cfg.Breaker != nil {
		d.breakers = breaker.NewGroup(*cfg.Breaker, cfg.BreakerSize)
		d.breakers.OnStateChange(func(dst string, from, to breaker.State) {
			cfg.Logger.Warn("circuit breaker state changed",
				slog.String("destination", dst),
				slog.String("from", from.String()),
				slog.String("to", to.String()))
		})
	}
	return d
}

// Dial connects to dst. TCP destinations yield a stream connection, UDP ones
// a connected datagram socket where every Write is one datagram.
func (d *Dialer) Dial(ctx context.Context, dst parser.Destination) (net.Conn, error) {
	if err := dst.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %s: %w", mrerrors.ErrUnreachable, dst, err)
	}
	if !d.config.Policy.AllowedPort(dst.Port) {
		return nil, fmt.Errorf("%w: port %d", mrerrors.ErrForbidden, dst.Port)
	}

	ctx, cancel := context.WithTimeout(ctx, d.config.Timeout)
	defer cancel()

	addrs, err := d.resolve(ctx, dst)
	if err != nil {
		return nil, err
	}

	var cb *breaker.CircuitBreaker
	if d.breakers != nil {
		cb = d.breakers.Get(dst.String())
		if err := cb.Allow(); err != nil {
			return nil, fmt.Errorf("%w: %s: %w", mrerrors.ErrUnreachable, dst, err)
		}
	}

	conn, err := d.connect(ctx, dst.Network, addrs, dst.Port)
	if cb != nil {
		cb.Record(err)
	}
	if err != nil {
		return nil, classify(dst, err)
	}

	d.config.Logger.Debug("destination dialed",
		slog.String("destination", dst.String()),
		slog.String("network", dst.Network.String()),
		slog.String("address", conn.RemoteAddr().String()))

	return conn, nil
}

// resolve returns the allowed addresses of dst. Every resolved address is
// checked, so a domain cannot be used to reach a forbidden range.
func (d *Dialer) resolve(ctx context.Context, dst parser.Destination) ([]netip.Addr, error) {
	addrs := []netip.Addr{dst.Addr}
	if dst.IsDomain() {
		var err error
		addrs, err = d.config.Resolver.LookupNetIP(ctx, "ip", dst.Host)
		if err != nil {
			return nil, classify(dst, err)
		}
		if len(addrs) == 0 {
			return nil, fmt.Errorf("%w: %s: no addresses", mrerrors.ErrUnreachable, dst)
		}
	}

	for i, addr := range addrs {
		addr = addr.Unmap()
		if !d.config.Policy.AllowedAddr(addr) {
			return nil, fmt.Errorf("%w: %s resolves to %s", mrerrors.ErrForbidden, dst, addr)
		}
		addrs[i] = addr
	}
	return addrs, nil
}

func (d *Dialer) connect(ctx context.Context, network parser.Network, addrs []netip.Addr, port uint16) (net.Conn, error) {
	var lastErr error
	for _, addr := range addrs {
		conn, err := d.net.DialContext(ctx, network.String(), netip.AddrPortFrom(addr, port).String())
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
	}
	return nil, lastErr
}

func classify(dst parser.Destination, err error) error {
	var nerr net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &nerr) && nerr.Timeout()) {
		return fmt.Errorf("%w: %s: %w", mrerrors.ErrDialTimeout, dst, err)
	}
	return fmt.Errorf("%w: %s: %w", mrerrors.ErrUnreachable, dst, err)
}
