// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package mrelay holds the relay configuration and builds the runtime
// components from it.
package mrelay

import (
	"context"
	"log/slog"
	"net"

	"github.com/absmach/mrelay/pkg/dialer"
	"github.com/absmach/mrelay/pkg/gate"
	"github.com/absmach/mrelay/pkg/handler"
	"github.com/absmach/mrelay/pkg/health"
	"github.com/absmach/mrelay/pkg/inbound"
	"github.com/absmach/mrelay/pkg/link"
	"github.com/absmach/mrelay/pkg/parser/websocket"
	"github.com/absmach/mrelay/pkg/proxy"
	"github.com/absmach/mrelay/pkg/server/tcp"
	"github.com/absmach/mrelay/pkg/tunnel"
	"golang.org/x/sync/errgroup"
)

// Relay is a configured set of hosts sharing one engine.
type Relay struct {
	Router *inbound.Router
	Engine *tunnel.Engine
	HTTP   *proxy.TunnelProxy
	TCP    *tcp.Server
}

// New builds the relay described by cfg. checker may be nil.
func New(cfg Config, h handler.Handler, checker *health.Checker, logger *slog.Logger) (*Relay, error) {
	router, err := cfg.Router()
	if err != nil {
		return nil, err
	}
	policy, err := cfg.Policy()
	if err != nil {
		return nil, err
	}
	tlsCfg, err := cfg.TLSConfig()
	if err != nil {
		return nil, err
	}
	g, err := gate.New(gate.Config{
		Password:     cfg.Password,
		PasswordHash: cfg.PasswordHash,
		Param:        cfg.PasswordParam,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}

	d := dialer.New(dialer.Config{
		Timeout:     cfg.DialTimeout,
		Policy:      policy,
		Breaker:     cfg.Breaker(),
		BreakerSize: cfg.BreakerSize,
		Logger:      logger,
	})

	engine := tunnel.New(tunnel.Config{
		HandshakeTimeout: cfg.HandshakeTimeout,
		BufferSize:       cfg.BufferSize,
		IdleTimeout:      cfg.IdleTimeout,
		HalfCloseTimeout: cfg.HalfCloseTimeout,
		Logger:           logger,
	}, router, d, h)

	httpHost, err := proxy.NewTunnel(proxy.TunnelConfig{
		Host:      cfg.Host,
		Port:      cfg.Port,
		TLSConfig: tlsCfg,
		LinkPath:  cfg.LinkPath,
		Link: link.Config{
			Host: cfg.LinkHost,
			Port: cfg.LinkPort,
			TLS:  cfg.LinkTLS,
		},
		Gateway: websocket.GatewayConfig{
			MaxSessions:  cfg.MaxSessions,
			EarlyData:    cfg.EarlyData,
			MaxEarlyData: cfg.MaxEarlyData,
		},
		ShutdownTimeout: cfg.ShutdownTimeout,
		Logger:          logger,
	}, engine, router, g, checker)
	if err != nil {
		return nil, err
	}

	r := &Relay{
		Router: router,
		Engine: engine,
		HTTP:   httpHost,
	}

	if cfg.TCPPort != "" {
		r.TCP, err = tcp.New(tcp.Config{
			Address:         net.JoinHostPort(cfg.Host, cfg.TCPPort),
			Path:            cfg.TCPRoute(),
			TLSConfig:       tlsCfg,
			MaxConnections:  cfg.MaxSessions,
			ShutdownTimeout: cfg.ShutdownTimeout,
			Logger:          logger,
		}, engine)
		if err != nil {
			return nil, err
		}
	}

	return r, nil
}

// Run starts the hosts in g. They stop when ctx is cancelled.
func (r *Relay) Run(ctx context.Context, g *errgroup.Group) {
	g.Go(func() error {
		return r.HTTP.Listen(ctx)
	})
	if r.TCP != nil {
		g.Go(func() error {
			return r.TCP.Listen(ctx)
		})
	}
}
