// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"os"
	"testing"
	"time"

	"github.com/absmach/mrelay/pkg/dialer"
	"github.com/absmach/mrelay/pkg/inbound"
	"github.com/absmach/mrelay/pkg/parser"
	"github.com/absmach/mrelay/pkg/parser/vless"
	"github.com/absmach/mrelay/pkg/tunnel"
)

var testCred = parser.Credential{
	0x0f, 0x1e, 0x2d, 0x3c, 0x4b, 0x5a, 0x69, 0x78,
	0x87, 0x96, 0xa5, 0xb4, 0xc3, 0xd2, 0xe1, 0xf0,
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func testEngine(t *testing.T) *tunnel.Engine {
	t.Helper()
	router, err := inbound.NewRouter([]inbound.Inbound{{
		Variant:    inbound.VariantVLESS,
		Paths:      []string{"/raw"},
		Credential: testCred,
	}})
	if err != nil {
		t.Fatalf("NewRouter() error = %v", err)
	}
	d := dialer.New(dialer.Config{Timeout: time.Second, Logger: testLogger()})
	return tunnel.New(tunnel.Config{HandshakeTimeout: 2 * time.Second, Logger: testLogger()}, router, d, nil)
}

// echoBackend starts a TCP echo server and returns its address.
func echoBackend(t *testing.T) netip.AddrPort {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("Failed to create backend listener: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func() {
				defer conn.Close()
				io.Copy(conn, conn)
			}()
		}
	}()
	return netip.MustParseAddrPort(ln.Addr().String())
}

// start runs the server and waits until it is bound.
func start(t *testing.T, ctx context.Context, s *Server) (string, chan error) {
	t.Helper()
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- s.Listen(ctx)
	}()

	deadline := time.Now().Add(2 * time.Second)
	for s.Addr() == nil {
		if time.Now().After(deadline) {
			t.Fatal("Server did not start")
		}
		time.Sleep(10 * time.Millisecond)
	}
	return s.Addr().String(), serverErr
}

func header(t *testing.T, dst netip.AddrPort) []byte {
	t.Helper()
	b, err := vless.AppendRequest(nil, testCred, parser.Destination{Addr: dst.Addr(), Port: dst.Port(), Network: parser.TCP})
	if err != nil {
		t.Fatalf("AppendRequest() error = %v", err)
	}
	return b
}

func TestTCPServer_EndToEnd(t *testing.T) {
	backend := echoBackend(t)

	server, err := New(Config{
		Address:         "127.0.0.1:0",
		Path:            "/raw",
		ShutdownTimeout: 5 * time.Second,
		Logger:          testLogger(),
	}, testEngine(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, serverErr := start(t, ctx, server)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write(append(header(t, backend), "ping"...)); err != nil {
		t.Fatalf("Write() error = %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	buf := make([]byte, 4)
	if _, err := io.ReadFull(conn, buf); err != nil {
		t.Fatalf("ReadFull() error = %v", err)
	}
	if string(buf) != "ping" {
		t.Errorf("Expected %q, got %q", "ping", buf)
	}

	conn.Close()
	cancel()

	select {
	case err := <-serverErr:
		if err != nil {
			t.Errorf("Server shutdown with error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Error("Server shutdown timeout")
	}
}

func TestTCPServer_BadHeaderClosesConnection(t *testing.T) {
	server, err := New(Config{Address: "127.0.0.1:0", Path: "/raw", Logger: testLogger()}, testEngine(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, _ := start(t, ctx, server)

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()

	bad := header(t, echoBackend(t))
	bad[0] = 0x07
	conn.Write(bad)

	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	n, err := conn.Read(make([]byte, 16))
	if n != 0 || err == nil {
		t.Errorf("Expected the connection to close without a response, got %d bytes, err %v", n, err)
	}
}

func TestTCPServer_ShutdownTimeout(t *testing.T) {
	backend := echoBackend(t)

	server, err := New(Config{
		Address:         "127.0.0.1:0",
		Path:            "/raw",
		ShutdownTimeout: 100 * time.Millisecond,
		Logger:          testLogger(),
	}, testEngine(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	addr, serverErr := start(t, ctx, server)

	// A relaying session that never ends on its own.
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer conn.Close()
	conn.Write(append(header(t, backend), 'x'))
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(conn, make([]byte, 1)); err != nil {
		t.Fatalf("ReadFull() error = %v", err)
	}

	cancel()

	select {
	case err := <-serverErr:
		if !errors.Is(err, ErrShutdownTimeout) {
			t.Errorf("Expected %v, got %v", ErrShutdownTimeout, err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Test timeout waiting for server shutdown")
	}

	// The forced shutdown cancelled the session.
	if _, err := conn.Read(make([]byte, 1)); err == nil {
		t.Error("Expected the session to be closed")
	}
}

func TestTCPServer_ConnectionLimit(t *testing.T) {
	server, err := New(Config{
		Address:        "127.0.0.1:0",
		Path:           "/raw",
		MaxConnections: 1,
		Logger:         testLogger(),
	}, testEngine(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	addr, _ := start(t, ctx, server)

	// Holds the only slot while waiting for its header.
	first, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer first.Close()
	time.Sleep(100 * time.Millisecond)

	second, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("Dial() error = %v", err)
	}
	defer second.Close()

	second.SetReadDeadline(time.Now().Add(time.Second))
	_, err = second.Read(make([]byte, 1))
	var ne net.Error
	if err == nil || (errors.As(err, &ne) && ne.Timeout()) {
		t.Errorf("Expected connection over the limit to be closed, got %v", err)
	}
}

func TestTCPServer_InvalidAddress(t *testing.T) {
	server, err := New(Config{
		Address: "invalid:address:99999",
		Path:    "/raw",
		Logger:  testLogger(),
	}, testEngine(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if err := server.Listen(context.Background()); err == nil {
		t.Error("Expected error for invalid address")
	}
}

func TestTCPServer_ContextCancellation(t *testing.T) {
	server, err := New(Config{Address: "127.0.0.1:0", Path: "/raw", Logger: testLogger()}, testEngine(t))
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	serverErr := make(chan error, 1)
	go func() {
		serverErr <- server.Listen(ctx)
	}()

	cancel()

	select {
	case <-serverErr:
	case <-time.After(2 * time.Second):
		t.Error("Server did not shutdown in time after context cancellation")
	}
}

func TestNew(t *testing.T) {
	engine := testEngine(t)

	if _, err := New(Config{Path: "/elsewhere"}, engine); !errors.Is(err, ErrNoRoute) {
		t.Errorf("Expected %v, got %v", ErrNoRoute, err)
	}

	server, err := New(Config{Address: "127.0.0.1:0", Path: "/raw/sub"}, engine)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if server.config.Logger == nil {
		t.Error("Expected default logger to be set")
	}
	if server.config.ShutdownTimeout == 0 {
		t.Error("Expected default shutdown timeout to be set")
	}
	if server.variant != inbound.VariantVLESS {
		t.Errorf("Expected variant %s, got %s", inbound.VariantVLESS, server.variant)
	}
}
