// Package tcpapi serves the client protocol over TCP: one JSON object per
// line in both directions. Responses and pushed notifications share the
// connection's LineChannel, so they never interleave mid-line.
package tcpapi

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/example/campus-rides/internal/dispatch"
	"github.com/example/campus-rides/internal/observability"
	"github.com/example/campus-rides/internal/router"
)

const (
	defaultMaxLine = 1 << 20
	drainTimeout   = 200 * time.Millisecond
)

type Options struct {
	Addr string
	// WriteTimeout bounds every response and notification write.
	WriteTimeout time.Duration
	// IdleTimeout closes connections that send nothing for this long. Zero
	// disables it.
	IdleTimeout  time.Duration
	MaxLineBytes int
}

type Server struct {
	opts   Options
	router *router.Router
	logger *slog.Logger

	mu    sync.Mutex
	conns map[net.Conn]struct{}

	// active tracks connection handlers so Serve can wait for them on
	// shutdown.
	active sync.WaitGroup
}

func NewServer(opts Options, rt *router.Router, logger *slog.Logger) *Server {
	if opts.MaxLineBytes <= 0 {
		opts.MaxLineBytes = defaultMaxLine
	}
	if opts.WriteTimeout <= 0 {
		opts.WriteTimeout = 2 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{opts: opts, router: rt, logger: logger, conns: make(map[net.Conn]struct{})}
}

// ListenAndServe listens on the configured address and serves until ctx is
// cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.opts.Addr)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.opts.Addr, err)
	}
	return s.Serve(ctx, ln)
}

// Serve accepts connections on ln until ctx is cancelled, then closes the
// listener and every open connection and waits for their handlers.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
		s.closeAll()
	}()

	s.logger.Info("tcp server listening", "addr", ln.Addr().String())
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			s.logger.Error("accept failed", "error", err)
			continue
		}
		if !s.track(conn) {
			conn.Close()
			continue
		}
		s.active.Add(1)
		go func() {
			defer s.active.Done()
			s.handleConnection(ctx, conn)
		}()
	}
	s.active.Wait()
	s.logger.Info("tcp server stopped")
	return nil
}

func (s *Server) track(conn net.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns == nil {
		return false
	}
	s.conns[conn] = struct{}{}
	return true
}

func (s *Server) untrack(conn net.Conn) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conns != nil {
		delete(s.conns, conn)
	}
}

func (s *Server) closeAll() {
	s.mu.Lock()
	conns := s.conns
	s.conns = nil
	s.mu.Unlock()
	for c := range conns {
		c.Close()
	}
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	addr := conn.RemoteAddr().String()
	ch := dispatch.NewLineChannel(conn, s.opts.WriteTimeout)
	sess := router.NewSession(ch)

	observability.ConnectionsOpen.Inc()
	s.logger.Info("client connected", "remote_addr", addr)
	defer func() {
		s.router.Release(sess)
		ch.Close()
		s.untrack(conn)
		observability.ConnectionsOpen.Dec()
		s.logger.Info("client connection closed", "remote_addr", addr)
	}()

	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, min(4096, s.opts.MaxLineBytes)), s.opts.MaxLineBytes)
	for {
		if s.opts.IdleTimeout > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.opts.IdleTimeout))
		}
		if !scanner.Scan() {
			break
		}
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		resp := s.router.Dispatch(ctx, sess, line)
		if err := ch.Send(ctx, resp); err != nil {
			s.logger.Debug("response write failed", "remote_addr", addr, "error", err)
			return
		}
		if sess.Closing() {
			return
		}
	}

	err := scanner.Err()
	switch {
	case err == nil || ctx.Err() != nil || errors.Is(err, net.ErrClosed):
	case errors.Is(err, bufio.ErrTooLong):
		s.logger.Warn("request line too long", "remote_addr", addr, "limit", s.opts.MaxLineBytes)
		_ = ch.Send(ctx, router.Response{"status": "error", "message": "Request too large."})
		// Discard the rest of the line so closing does not reset the
		// connection before the client reads the response.
		_ = conn.SetReadDeadline(time.Now().Add(drainTimeout))
		_, _ = io.Copy(io.Discard, conn)
	default:
		var ne net.Error
		if errors.As(err, &ne) && ne.Timeout() {
			s.logger.Info("idle connection timed out", "remote_addr", addr)
			return
		}
		s.logger.Debug("read failed", "remote_addr", addr, "error", err)
	}
}
