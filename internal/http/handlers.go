package httpapi

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/campus-rides/internal/dispatch"
	"github.com/example/campus-rides/internal/matcher"
	"github.com/example/campus-rides/internal/observability"
	"github.com/example/campus-rides/internal/router"
)

// Pinger is a dependency checked by /ready.
type Pinger interface {
	Ping(ctx context.Context) error
}

type Server struct {
	Engine *matcher.Service
	Router *router.Router
	// Checks maps a dependency name to its readiness check.
	Checks       map[string]Pinger
	WriteTimeout time.Duration

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(engine *matcher.Service, rt *router.Router, checks map[string]Pinger, writeTimeout time.Duration, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		Engine:       engine,
		Router:       rt,
		Checks:       checks,
		WriteTimeout: writeTimeout,
		logger:       logger,
		mux:          mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.HandleFunc("/ready", s.handleReady).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws", s.handleWS)
	s.mux.HandleFunc("/api/v1/rides/pending", s.handlePendingRides).Methods("GET")
	s.mux.HandleFunc("/api/v1/users/{username}/rating", s.handleUserRating).Methods("GET")
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	failed := map[string]string{}
	for name, p := range s.Checks {
		if err := p.Ping(ctx); err != nil {
			failed[name] = err.Error()
		}
	}
	if len(failed) > 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "errors": failed})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ready"})
}

func (s *Server) handlePendingRides(w http.ResponseWriter, r *http.Request) {
	area := r.URL.Query().Get("area")
	if area == "" {
		http.Error(w, "area is required", http.StatusBadRequest)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"area": area, "rides": s.Engine.Pending(area)})
}

func (s *Server) handleUserRating(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	writeJSON(w, http.StatusOK, map[string]any{
		"username": username,
		"rating":   router.RoundedAverage(s.Engine, username),
	})
}

var upgrader = websocket.Upgrader{}

// handleWS serves the client protocol over WebSocket text frames, one
// request envelope per frame.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "remote_addr", clientAddr(r), "error", err)
		return
	}
	ch := dispatch.NewWSChannel(conn, s.WriteTimeout)
	sess := router.NewSession(ch)
	observability.ConnectionsOpen.Inc()
	defer func() {
		s.Router.Release(sess)
		ch.Close()
		observability.ConnectionsOpen.Dec()
	}()

	// The request context ends with the handler, which outlives the
	// upgrade for as long as the socket is open.
	ctx := r.Context()
	for {
		_, msg, err := conn.ReadMessage()
		if err != nil {
			var ce *websocket.CloseError
			if !errors.As(err, &ce) {
				s.logger.Debug("websocket read failed", "remote_addr", ch.RemoteAddr(), "error", err)
			}
			return
		}
		resp := s.Router.Dispatch(ctx, sess, msg)
		if err := ch.Send(ctx, resp); err != nil {
			s.logger.Debug("websocket write failed", "remote_addr", ch.RemoteAddr(), "error", err)
			return
		}
		if sess.Closing() {
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Disconnected."),
				time.Now().Add(time.Second))
			return
		}
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
