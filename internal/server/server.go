// Package server provides the HTTP surface of the bridge: session lifecycle
// routes, WebSocket attach endpoints for browsers and CLIs, and an SSE feed
// of lifecycle events.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/companion-dev/companion/internal/bridge"
	"github.com/companion-dev/companion/internal/event"
	"github.com/companion-dev/companion/internal/launcher"
	"github.com/companion-dev/companion/internal/logging"
	"github.com/companion-dev/companion/pkg/types"
)

// Config holds server configuration.
type Config struct {
	Port        int
	EnableCORS  bool
	ReadTimeout time.Duration
}

// DefaultConfig returns default server configuration.
func DefaultConfig() *Config {
	return &Config{
		Port:        8424,
		EnableCORS:  true,
		ReadTimeout: 30 * time.Second,
	}
}

// Server is the HTTP server.
type Server struct {
	cfg      *Config
	router   *chi.Mux
	httpSrv  *http.Server
	registry *bridge.Registry
	bus      *event.Bus
	launcher *launcher.Launcher
}

// New creates a Server. The launcher may be nil; session creation then
// waits for an external upstream attach.
func New(cfg *Config, registry *bridge.Registry, bus *event.Bus, l *launcher.Launcher) *Server {
	s := &Server{
		cfg:      cfg,
		router:   chi.NewRouter(),
		registry: registry,
		bus:      bus,
		launcher: l,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.Recoverer)
	s.router.Use(requestLogger)
	if s.cfg.EnableCORS {
		s.router.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{"*"},
			AllowedMethods: []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
}

func (s *Server) setupRoutes() {
	r := s.router

	r.Route("/session", func(r chi.Router) {
		r.Get("/", s.listSessions)
		r.Post("/", s.createSession)

		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", s.getSession)
			r.Delete("/", s.deleteSession)
			r.Get("/ws", s.browserSocket)
			r.Get("/cli", s.cliSocket)
		})
	})

	r.Get("/event", s.events)
}

// Start begins serving. Blocks until the listener fails or Shutdown runs.
func (s *Server) Start() error {
	s.httpSrv = &http.Server{
		Addr:        fmt.Sprintf(":%d", s.cfg.Port),
		Handler:     s.router,
		ReadTimeout: s.cfg.ReadTimeout,
	}
	logging.Info().Int("port", s.cfg.Port).Msg("server listening")
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpSrv == nil {
		return nil
	}
	return s.httpSrv.Shutdown(ctx)
}

type sessionSummary struct {
	ID    string             `json:"id"`
	State types.SessionState `json:"state"`
}

func (s *Server) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.registry.Sessions()
	out := make([]sessionSummary, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, sessionSummary{ID: sess.ID(), State: sess.State()})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) createSession(w http.ResponseWriter, r *http.Request) {
	var req struct {
		BackendKind string `json:"backend_kind"`
		Launch      bool   `json:"launch"`
	}
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&req)
	}

	sess := s.registry.Create("", types.BackendKind(req.BackendKind))
	if req.Launch && s.launcher != nil {
		if err := s.launcher.Launch(sess.ID()); err != nil {
			logging.Error().Str("session_id", sess.ID()).Err(err).Msg("failed to launch CLI")
		}
	}
	writeJSON(w, http.StatusCreated, sessionSummary{ID: sess.ID(), State: sess.State()})
}

func (s *Server) getSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	sess, ok := s.registry.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	writeJSON(w, http.StatusOK, sessionSummary{ID: sess.ID(), State: sess.State()})
}

func (s *Server) deleteSession(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "sessionID")
	if s.launcher != nil {
		s.launcher.Stop(id)
	}
	if err := s.registry.Close(id); err != nil {
		writeError(w, http.StatusNotFound, "session not found")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// requestLogger logs each request at debug with its duration.
func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		logging.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}
