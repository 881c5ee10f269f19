package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// Channel is the outbound half of a client connection. Send writes one JSON
// message and must give up once ctx is done or its own write timeout
// expires. Implementations serialize concurrent writers.
type Channel interface {
	Send(ctx context.Context, v any) error
	RemoteAddr() string
}

var ErrChannelClosed = errors.New("channel closed")

// LineChannel writes newline-terminated JSON objects to a stream connection.
type LineChannel struct {
	conn    net.Conn
	timeout time.Duration

	mu     sync.Mutex
	closed bool
}

func NewLineChannel(conn net.Conn, writeTimeout time.Duration) *LineChannel {
	return &LineChannel{conn: conn, timeout: writeTimeout}
}

func (c *LineChannel) Send(ctx context.Context, v any) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	b = append(b, '\n')

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return ErrChannelClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	_ = c.conn.SetWriteDeadline(writeDeadline(ctx, c.timeout))
	_, err = c.conn.Write(b)
	_ = c.conn.SetWriteDeadline(time.Time{})
	return err
}

func (c *LineChannel) RemoteAddr() string { return c.conn.RemoteAddr().String() }

// Close marks the channel closed and closes the connection.
func (c *LineChannel) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()
	return c.conn.Close()
}

// WSChannel represents a client connected over a WebSocket.
type WSChannel struct {
	conn    *websocket.Conn
	timeout time.Duration
	mu      sync.Mutex
}

func NewWSChannel(conn *websocket.Conn, writeTimeout time.Duration) *WSChannel {
	return &WSChannel{conn: conn, timeout: writeTimeout}
}

func (s *WSChannel) Send(ctx context.Context, v any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return err
	}
	_ = s.conn.SetWriteDeadline(writeDeadline(ctx, s.timeout))
	return s.conn.WriteJSON(v)
}

func (s *WSChannel) RemoteAddr() string { return s.conn.RemoteAddr().String() }

func (s *WSChannel) Close() error { return s.conn.Close() }

// writeDeadline is the earlier of ctx's deadline and now+timeout.
func writeDeadline(ctx context.Context, timeout time.Duration) time.Time {
	if timeout <= 0 {
		timeout = 2 * time.Second
	}
	d := time.Now().Add(timeout)
	if cd, ok := ctx.Deadline(); ok && cd.Before(d) {
		return cd
	}
	return d
}
