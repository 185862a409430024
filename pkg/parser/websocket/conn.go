// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package websocket

import (
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const closeWait = time.Second

// Conn is a websocket wrapper that satisfies the net.Conn interface.
// Every Write is one binary message; Read returns message payloads as a
// byte stream.
type Conn struct {
	*websocket.Conn
	r     io.Reader
	early []byte
	rio   sync.Mutex
	wio   sync.Mutex

	peerClosed atomic.Bool
	closeSent  atomic.Bool
}

var _ net.Conn = (*Conn)(nil)

// NewConn wraps a websocket.Conn. Early data is returned by Read before the
// first message.
//
// A close frame from the peer ends reading only. It is answered by CloseWrite
// or Close, so the stream can still carry data towards the peer.
func NewConn(ws *websocket.Conn, early []byte) *Conn {
	c := &Conn{
		Conn:  ws,
		early: early,
	}
	ws.SetCloseHandler(func(code int, text string) error {
		c.peerClosed.Store(true)
		return nil
	})
	return c
}

// SetDeadline sets both the read and write deadlines.
func (c *Conn) SetDeadline(t time.Time) error {
	if err := c.SetReadDeadline(t); err != nil {
		return err
	}
	return c.SetWriteDeadline(t)
}

// Write writes data to the websocket as a binary message.
func (c *Conn) Write(p []byte) (int, error) {
	c.wio.Lock()
	defer c.wio.Unlock()

	if err := c.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Read reads from the current message, advancing to the next one when it is
// exhausted. A close frame from the peer is reported as io.EOF.
func (c *Conn) Read(p []byte) (int, error) {
	c.rio.Lock()
	defer c.rio.Unlock()

	if len(c.early) > 0 {
		n := copy(p, c.early)
		c.early = c.early[n:]
		return n, nil
	}

	for {
		if c.r == nil {
			var err error
			_, c.r, err = c.NextReader()
			if err != nil {
				return 0, normalizeErr(err)
			}
		}
		n, err := c.r.Read(p)
		if err == io.EOF {
			c.r = nil
			if n > 0 {
				return n, nil
			}
			continue
		}
		return n, normalizeErr(err)
	}
}

// CloseWrite sends a close frame. The peer may keep sending until it answers
// with its own close frame. Writes fail once it is sent.
func (c *Conn) CloseWrite() error {
	if c.closeSent.Swap(true) {
		return nil
	}
	// WriteControl may run concurrently with a blocked Write.
	msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
	err := c.WriteControl(websocket.CloseMessage, msg, time.Now().Add(closeWait))
	if errors.Is(err, websocket.ErrCloseSent) {
		return nil
	}
	return err
}

// Close closes the underlying connection. A close frame received from the
// peer is answered first; otherwise there is no closing handshake.
func (c *Conn) Close() error {
	if c.peerClosed.Load() {
		c.CloseWrite()
	}
	return c.Conn.Close()
}

func normalizeErr(err error) error {
	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
		return io.EOF
	}
	return err
}
