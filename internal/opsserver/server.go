// Package opsserver exposes the operational endpoints of a running planner:
// Prometheus metrics and a JSON health check.
package opsserver

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sort"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog/log"
)

// Check reports one dependency. detail is rendered under the check's name.
type Check func(ctx context.Context) (detail any, healthy bool)

type Options struct {
	Addr           string
	AllowedOrigins []string
	CheckTimeout   time.Duration
}

type Server struct {
	opts   Options
	router chi.Router
	checks map[string]Check
	srv    *http.Server
	now    func() time.Time
}

func New(opts Options, metrics http.Handler, checks map[string]Check) *Server {
	if opts.CheckTimeout <= 0 {
		opts.CheckTimeout = 2 * time.Second
	}
	s := &Server{opts: opts, checks: checks, now: time.Now}

	r := chi.NewRouter()
	if len(opts.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: opts.AllowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"*"},
		}))
	}
	if metrics != nil {
		r.Handle("/metrics", metrics)
	}
	r.Get("/healthz", s.health)
	r.Get("/api/ping", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("pong"))
	})
	s.router = r
	return s
}

func (s *Server) Handler() http.Handler { return s.router }

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.CheckTimeout)
	defer cancel()

	names := make([]string, 0, len(s.checks))
	for name := range s.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	status := "ok"
	details := make(map[string]any, len(names))
	for _, name := range names {
		detail, ok := s.checks[name](ctx)
		details[name] = detail
		if !ok {
			status = "degraded"
		}
	}

	w.Header().Set("Content-Type", "application/json")
	if status != "ok" {
		w.WriteHeader(http.StatusServiceUnavailable)
	} else {
		w.WriteHeader(http.StatusOK)
	}
	json.NewEncoder(w).Encode(map[string]interface{}{
		"status":    status,
		"checks":    details,
		"timestamp": s.now().UTC(),
	})
}

// Start serves in the background until Shutdown. An empty address disables
// the server.
func (s *Server) Start() {
	if s.opts.Addr == "" {
		return
	}
	s.srv = &http.Server{Addr: s.opts.Addr, Handler: s.router, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		log.Info().Str("addr", s.opts.Addr).Msg("ops server listening (/metrics, /healthz)")
		if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("ops server failed")
		}
	}()
}

func (s *Server) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

// DatabaseCheck wraps a ping.
func DatabaseCheck(ping func(ctx context.Context) error) Check {
	return func(ctx context.Context) (any, bool) {
		if err := ping(ctx); err != nil {
			return map[string]string{"database": "disconnected", "error": err.Error()}, false
		}
		return map[string]string{"database": "connected"}, true
	}
}
