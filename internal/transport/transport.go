// Package transport adapts gorilla/websocket into the narrow surface the
// core needs from a framed duplex transport: upgrade an HTTP request into
// a connection, read frames, write frames, and keep the connection alive
// with ping/pong. Everything about origin policy, handshake protocol, and
// message semantics belongs to the core, not here - this package only
// consumes a ping interval/timeout and hands back raw frame bytes.
package transport

import (
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// ErrClosed is returned by Send once the connection has been closed.
var ErrClosed = errors.New("transport: connection closed")

const sendBuffer = 256

// Upgrader upgrades incoming HTTP requests to websocket connections. It
// wraps a gorilla Upgrader together with the keepalive timings handed to
// each Conn. The wrapped upgrader's CheckOrigin always accepts: origin
// policy is the server controller's job (spec's origin check happens
// before the transport is ever touched), so by the time Upgrade is called
// the caller has already decided to proceed.
type Upgrader struct {
	PingInterval time.Duration
	PingTimeout  time.Duration

	upgrader websocket.Upgrader
}

// NewUpgrader builds an Upgrader with the given keepalive timings.
func NewUpgrader(pingInterval, pingTimeout time.Duration) *Upgrader {
	return &Upgrader{
		PingInterval: pingInterval,
		PingTimeout:  pingTimeout,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

// Upgrade completes the websocket handshake and returns a running Conn.
// The caller must call Conn.ReadLoop to begin pumping inbound frames.
func (u *Upgrader) Upgrade(w http.ResponseWriter, r *http.Request) (*Conn, error) {
	ws, err := u.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return nil, fmt.Errorf("transport: upgrade: %w", err)
	}
	return newConn(ws, r.RemoteAddr, u.PingInterval, u.PingTimeout), nil
}

// Conn is one live duplex connection. All state transitions are guarded
// by mu; sendCh decouples the write pump from callers of Send so a slow
// client never blocks whoever is publishing to it.
type Conn struct {
	ws           *websocket.Conn
	remoteAddr   string
	pingInterval time.Duration
	pingTimeout  time.Duration

	sendCh chan []byte

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

func newConn(ws *websocket.Conn, remoteAddr string, pingInterval, pingTimeout time.Duration) *Conn {
	c := &Conn{
		ws:           ws,
		remoteAddr:   remoteAddr,
		pingInterval: pingInterval,
		pingTimeout:  pingTimeout,
		sendCh:       make(chan []byte, sendBuffer),
		done:         make(chan struct{}),
	}
	go c.writePump()
	return c
}

// RemoteAddr returns the connection's remote network address.
func (c *Conn) RemoteAddr() string { return c.remoteAddr }

// Send queues data for delivery. Returns ErrClosed once the connection
// has been closed.
func (c *Conn) Send(data []byte) error {
	c.mu.RLock()
	if c.closed {
		c.mu.RUnlock()
		return ErrClosed
	}
	select {
	case c.sendCh <- data:
		c.mu.RUnlock()
		return nil
	default:
		c.mu.RUnlock()
		return fmt.Errorf("transport: send buffer full for %s", c.remoteAddr)
	}
}

// Close closes the connection with the given websocket close code and
// reason. Safe to call more than once; subsequent calls are a no-op.
func (c *Conn) Close(code int, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()

	msg := websocket.FormatCloseMessage(code, reason)
	_ = c.ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	return c.ws.Close()
}

// Done returns a channel closed once the connection has been closed,
// either by Close or by a read/write failure.
func (c *Conn) Done() <-chan struct{} { return c.done }

// ReadLoop blocks, delivering each inbound frame to onMessage, until the
// connection closes or onMessage returns a non-nil error (which the
// caller uses to drop the connection, e.g. on a protocol violation).
// onClose is invoked exactly once when the loop returns, with the error
// that ended it. That error is never nil: a close initiated by the peer
// arrives as gorilla's close error.
func (c *Conn) ReadLoop(onMessage func([]byte) error, onClose func(error)) {
	defer c.closeQuiet()

	c.ws.SetReadDeadline(time.Now().Add(c.pingTimeout))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(c.pingTimeout))
		return nil
	})

	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			onClose(err)
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(c.pingTimeout))

		if err := onMessage(data); err != nil {
			onClose(err)
			return
		}
	}
}

func (c *Conn) closeQuiet() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	close(c.done)
	c.mu.Unlock()
}

func (c *Conn) writePump() {
	interval := c.pingInterval
	if interval <= 0 {
		interval = 8 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	defer c.ws.Close()

	for {
		select {
		case data, ok := <-c.sendCh:
			if !ok {
				return
			}
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
		case <-ticker.C:
			c.ws.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.ws.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-c.done:
			return
		}
	}
}
