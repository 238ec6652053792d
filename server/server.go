// Package server exposes the operator HTTP API: connection management,
// proxied calls, and per-connection metrics, history, and breaker controls.
package server

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/opencomply/gateway/gateway"
	"github.com/opencomply/gateway/ratelimit"
)

// Config configures the operator server.
type Config struct {
	// Addr is the listen address. Default: ":8080".
	Addr string

	// ReadTimeout and WriteTimeout bound the listener. WriteTimeout must
	// leave room for the slowest proxied call.
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Logger is the structured logger. Default: zap.NewNop().
	Logger *zap.Logger

	// Registry is the connection registry serving the API.
	Registry *gateway.Registry

	// InboundLimiter, when set, rate limits the proxied call endpoint by
	// client IP. Nil disables inbound limiting.
	InboundLimiter *ratelimit.Limiter
}

// Server is the operator HTTP server.
type Server struct {
	log  *zap.Logger
	reg  *gateway.Registry
	http *http.Server
}

// New builds the server and its router.
func New(cfg Config) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8080"
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}

	s := &Server{
		log: cfg.Logger,
		reg: cfg.Registry,
	}
	s.http = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.router(cfg.InboundLimiter),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}
	return s
}

func (s *Server) router(inbound *ratelimit.Limiter) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleLiveness)
	r.Get("/readyz", s.handleReadiness)

	r.Route("/connections", func(r chi.Router) {
		r.Get("/", s.handleListConnections)
		r.Post("/", s.handleRegister)

		r.Route("/{id}", func(r chi.Router) {
			r.Delete("/", s.handleRemove)
			r.Patch("/", s.handleUpdate)
			r.Get("/metrics", s.handleMetrics)
			r.Get("/history", s.handleHistory)
			r.Get("/circuit", s.handleCircuit)
			r.Post("/circuit/reset", s.handleCircuitReset)

			if inbound != nil {
				r.With(inbound.Middleware(ratelimit.MiddlewareConfig{
					KeyFunc: ratelimit.ByIP,
				})).Post("/call", s.handleCall)
			} else {
				r.Post("/call", s.handleCall)
			}
		})
	})

	return r
}

// ListenAndServe serves until the listener fails or Shutdown is called.
func (s *Server) ListenAndServe() error {
	s.log.Info("operator API listening", zap.String("addr", s.http.Addr))
	return s.http.ListenAndServe()
}

// Shutdown drains in-flight requests until ctx expires.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}
