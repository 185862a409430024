// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package handler

import (
	"context"
	"testing"

	"github.com/absmach/mrelay/pkg/parser"
	"github.com/absmach/mrelay/pkg/relay"
)

func TestNoopHandler(t *testing.T) {
	handler := &NoopHandler{}
	ctx := context.Background()
	hctx := &Context{
		SessionID:   "test-session",
		Variant:     "vless",
		Path:        "/ws",
		RemoteAddr:  "127.0.0.1:1234",
		Destination: &parser.Destination{Host: "example.com", Port: 443, Network: parser.TCP},
	}

	tests := []struct {
		name string
		fn   func() error
	}{
		{
			name: "AuthConnect",
			fn:   func() error { return handler.AuthConnect(ctx, hctx) },
		},
		{
			name: "OnConnect",
			fn:   func() error { return handler.OnConnect(ctx, hctx) },
		},
		{
			name: "OnDisconnect",
			fn:   func() error { return handler.OnDisconnect(ctx, hctx, relay.Result{Status: relay.StatusClosed}) },
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := tt.fn(); err != nil {
				t.Errorf("%s() returned error: %v", tt.name, err)
			}
		})
	}
}
