// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package link builds the share links clients import to connect to the relay.
package link

import (
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strconv"

	"github.com/absmach/mrelay/pkg/inbound"
)

// Config describes how clients reach the relay. Empty fields are filled from
// the incoming request.
type Config struct {
	// Host is the public host name. Defaults to the request host.
	Host string

	// Port is the public port. Defaults to 443 with TLS and 80 without.
	Port int

	// TLS tells clients to use TLS (wss).
	TLS bool

	Logger *slog.Logger
}

// Link is one share link.
type Link struct {
	Name    string `json:"name"`
	Variant string `json:"variant"`
	Path    string `json:"path"`
	URL     string `json:"url"`
}

// Build returns one link per inbound path.
func Build(router *inbound.Router, host string, port int, tls bool) []Link {
	var links []Link
	for _, in := range router.Inbounds() {
		for _, path := range in.Paths {
			links = append(links, Link{
				Name:    in.Name,
				Variant: in.Variant.String(),
				Path:    path,
				URL:     VLESS(in, host, port, path, tls),
			})
		}
	}
	return links
}

// VLESS formats a vless:// link for the inbound served on path.
func VLESS(in inbound.Inbound, host string, port int, path string, tls bool) string {
	security := "none"
	if tls {
		security = "tls"
	}

	q := url.Values{}
	q.Set("encryption", "none")
	q.Set("security", security)
	q.Set("type", "ws")
	q.Set("host", host)
	q.Set("path", path)
	if tls {
		q.Set("sni", host)
	}

	u := url.URL{
		Scheme:   "vless",
		User:     url.User(inbound.CredentialString(in.Credential)),
		Host:     net.JoinHostPort(host, strconv.Itoa(port)),
		RawQuery: q.Encode(),
		Fragment: in.Name,
	}
	return u.String()
}

// Handler serves the links of router as JSON.
func Handler(router *inbound.Router, cfg Config) http.Handler {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		host, port := cfg.Host, cfg.Port
		if host == "" {
			host = r.Host
			if h, _, err := net.SplitHostPort(r.Host); err == nil {
				host = h
			}
		}
		if port == 0 {
			port = 80
			if cfg.TLS {
				port = 443
			}
		}

		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("Cache-Control", "no-store")
		body := struct {
			Links []Link `json:"links"`
		}{Links: Build(router, host, port, cfg.TLS)}
		if err := json.NewEncoder(w).Encode(body); err != nil {
			cfg.Logger.Error("failed to encode links", slog.String("error", err.Error()))
		}
	})
}
