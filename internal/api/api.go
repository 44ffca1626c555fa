// Package api provides the operational HTTP surface for PlantPipe: a health
// check, a status endpoint reporting active sessions, and the inbound Twilio
// webhook route when webhook delivery mode is enabled.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/plantmap/PlantPipe/internal/session"
)

// DefaultAddr is the default listen address for the API server.
const DefaultAddr = ":8080"

// Opts holds configuration options for the API server.
type Opts struct {
	Addr string
}

// Option defines a configuration option for the API server.
type Option func(*Opts)

// WithAddr sets the listen address.
func WithAddr(addr string) Option {
	return func(o *Opts) {
		o.Addr = addr
	}
}

// Response is the standard JSON envelope for API responses.
type Response struct {
	Status  string      `json:"status"`
	Message string      `json:"message,omitempty"`
	Result  interface{} `json:"result,omitempty"`
}

// Server serves the operational HTTP endpoints.
type Server struct {
	sessions session.Store
	mux      *http.ServeMux
	httpSrv  *http.Server
}

// NewServer creates a new API server backed by the given session store.
func NewServer(sessions session.Store, opts ...Option) *Server {
	var cfg Opts
	for _, opt := range opts {
		opt(&cfg)
	}
	if cfg.Addr == "" {
		cfg.Addr = DefaultAddr
	}
	slog.Debug("API NewServer", "addr", cfg.Addr)

	s := &Server{
		sessions: sessions,
		mux:      http.NewServeMux(),
	}
	s.mux.HandleFunc("/health", s.healthHandler)
	s.mux.HandleFunc("/status", s.statusHandler)
	s.httpSrv = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}
	return s
}

// Handle mounts an additional route (e.g. the Twilio inbound webhook).
func (s *Server) Handle(pattern string, handler http.HandlerFunc) {
	s.mux.HandleFunc(pattern, handler)
}

// Start begins serving in a background goroutine.
func (s *Server) Start() {
	go func() {
		slog.Info("API server listening", "addr", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("API server failed", "error", err)
		}
	}()
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	slog.Info("API server shutting down")
	return s.httpSrv.Shutdown(ctx)
}

// Handler returns the server's root handler (used in tests).
func (s *Server) Handler() http.Handler {
	return s.mux
}

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, Response{Status: "ok"})
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	count, err := s.sessions.Count()
	if err != nil {
		slog.Error("API statusHandler failed to count sessions", "error", err)
		writeJSON(w, http.StatusInternalServerError, Response{Status: "error", Message: "failed to count sessions"})
		return
	}
	writeJSON(w, http.StatusOK, Response{
		Status: "ok",
		Result: map[string]interface{}{"active_sessions": count},
	})
}

func writeJSON(w http.ResponseWriter, status int, resp Response) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.Error("API failed to encode response", "error", err)
		fmt.Fprint(w, `{"status":"error"}`)
	}
}
