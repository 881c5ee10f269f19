// Package router decodes client request envelopes, dispatches them to the
// action handlers and turns handler results and errors into response
// envelopes. It is transport agnostic: the TCP server and the WebSocket
// endpoint both feed it one JSON object at a time.
package router

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/example/campus-rides/internal/directory"
	"github.com/example/campus-rides/internal/dispatch"
	"github.com/example/campus-rides/internal/matcher"
	"github.com/example/campus-rides/internal/observability"
	"github.com/example/campus-rides/internal/storage"
)

// Response is a response envelope. Handlers fill in the data fields; the
// router adds "status".
type Response map[string]any

// ActionFunc handles one decoded request. raw is the full request object,
// including the action field.
type ActionFunc func(ctx context.Context, sess *Session, raw []byte) (Response, error)

// Session is the per-connection state shared by every request read from one
// client connection.
type Session struct {
	Channel dispatch.Channel

	mu      sync.Mutex
	bound   map[string]struct{}
	closing bool
}

func NewSession(ch dispatch.Channel) *Session {
	return &Session{Channel: ch, bound: make(map[string]struct{})}
}

func (s *Session) bind(username string) {
	s.mu.Lock()
	s.bound[username] = struct{}{}
	s.mu.Unlock()
}

func (s *Session) forget(username string) {
	s.mu.Lock()
	delete(s.bound, username)
	s.mu.Unlock()
}

// Bound returns the usernames logged in over this connection.
func (s *Session) Bound() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.bound))
	for u := range s.bound {
		out = append(out, u)
	}
	return out
}

// Closing reports whether the client asked to disconnect.
func (s *Session) Closing() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closing
}

func (s *Session) markClosing() {
	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
}

type Router struct {
	engine    *matcher.Service
	directory directory.Directory
	registry  *dispatch.Registry
	logger    *slog.Logger
	handlers  map[string]ActionFunc
}

// New builds a router with every client action registered.
func New(engine *matcher.Service, dir directory.Directory, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Router{
		engine:    engine,
		directory: dir,
		registry:  engine.Registry,
		logger:    logger,
		handlers:  make(map[string]ActionFunc),
	}
	r.registerActions()
	return r
}

// Handle registers fn for action. Panics on a duplicate registration.
func (r *Router) Handle(action string, fn ActionFunc) {
	if _, exists := r.handlers[action]; exists {
		panic(fmt.Sprintf("router: duplicate handler for action %q", action))
	}
	r.handlers[action] = fn
}

// Dispatch handles one request line and returns the response to write back.
// It never fails: malformed input and handler errors become error envelopes.
func (r *Router) Dispatch(ctx context.Context, sess *Session, raw []byte) Response {
	start := time.Now()
	var header struct {
		Action string `json:"action"`
	}
	if err := json.Unmarshal(raw, &header); err != nil {
		observability.RequestsTotal.WithLabelValues("invalid", "error").Inc()
		return errorResponse("Invalid JSON request.")
	}
	handler, ok := r.handlers[header.Action]
	if !ok {
		observability.RequestsTotal.WithLabelValues("unknown", "error").Inc()
		if header.Action == "" {
			return errorResponse("Missing action.")
		}
		return errorResponse("Unknown action.")
	}

	resp, err := r.invoke(ctx, handler, sess, raw)
	observability.RequestDuration.WithLabelValues(header.Action).Observe(time.Since(start).Seconds())
	if err != nil {
		observability.RequestsTotal.WithLabelValues(header.Action, "error").Inc()
		msg, internal := errorMessage(err)
		if internal {
			r.logger.Error("action failed", "action", header.Action, "remote_addr", remoteAddr(sess), "error", err)
		} else {
			r.logger.Debug("action rejected", "action", header.Action, "remote_addr", remoteAddr(sess), "error", err)
		}
		return errorResponse(msg)
	}
	observability.RequestsTotal.WithLabelValues(header.Action, "success").Inc()
	if resp == nil {
		resp = Response{}
	}
	resp["status"] = "success"
	return resp
}

func (r *Router) invoke(ctx context.Context, fn ActionFunc, sess *Session, raw []byte) (resp Response, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("panic: %v", rec)
		}
	}()
	return fn(ctx, sess, raw)
}

// Release unbinds every username bound by sess, leaving bindings that a
// newer connection has since taken over untouched.
func (r *Router) Release(sess *Session) {
	for _, u := range sess.Bound() {
		if r.registry.UnbindChannel(u, sess.Channel) {
			r.logger.Info("user unbound", "username", u, "remote_addr", remoteAddr(sess))
		}
		sess.forget(u)
	}
}

func errorResponse(msg string) Response {
	return Response{"status": "error", "message": msg}
}

// errorMessage maps taxonomy errors to their wrapped, client-facing text.
// Anything else is reported generically and flagged as internal.
func errorMessage(err error) (string, bool) {
	switch {
	case errors.Is(err, storage.ErrInvalidInput),
		errors.Is(err, storage.ErrNotFound),
		errors.Is(err, storage.ErrInvalidState),
		errors.Is(err, storage.ErrForbidden),
		errors.Is(err, storage.ErrDuplicate),
		errors.Is(err, dispatch.ErrNotBound):
		return err.Error(), false
	default:
		return "Internal server error.", true
	}
}

func remoteAddr(sess *Session) string {
	if sess == nil || sess.Channel == nil {
		return ""
	}
	return sess.Channel.RemoteAddr()
}
