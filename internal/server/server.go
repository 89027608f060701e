// ============================================================================
// relaypool HTTP Control Plane
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: HTTP JSON surface served by every worker process, and in reduced
//          form by the single-process server
//
// Endpoints:
//   GET  /                      endpoint index
//   GET  /health                liveness, uptime, memory
//   GET  /api/info              identity and platform
//   POST /api/worker/broadcast  originate a broadcast       (cluster only)
//   GET  /api/worker/info       received-message ring       (cluster only)
//   GET  /api/worker/stream     websocket of new messages   (cluster only)
//   GET  /metrics               Prometheus (when a gatherer is configured)
//   *                           404 JSON with availableEndpoints
//
// In single-process mode the cluster-only endpoints stay routed but answer
// 400 "cluster mode is disabled".
//
// Shutdown:
//   Shutdown() closes live streams, then waits up to ShutdownGrace for
//   in-flight requests. When the grace window elapses the listener is
//   force-closed and ErrShutdownTimeout is returned.
//
// ============================================================================

package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/ChuLiYu/relaypool/internal/metrics"
	"github.com/ChuLiYu/relaypool/internal/worker"
	"github.com/prometheus/client_golang/prometheus"
)

// ErrShutdownTimeout is returned when in-flight requests outlive the grace window.
var ErrShutdownTimeout = errors.New("http server did not close within grace period")

// DefaultShutdownGrace matches the forced-exit window of the process.
const DefaultShutdownGrace = 10 * time.Second

// Config HTTP server configuration
type Config struct {
	ClusterMode   bool          // register worker endpoints
	ShutdownGrace time.Duration // bounded wait for in-flight requests
}

// Option customises a Server.
type Option func(*Server)

// WithLogger sets the server's logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		s.log = l
	}
}

// WithMetrics records request metrics and exposes g on /metrics.
func WithMetrics(c *metrics.WorkerCollector, g prometheus.Gatherer) Option {
	return func(s *Server) {
		s.metrics = c
		s.gatherer = g
	}
}

// Server serves the HTTP control plane for one Worker.
type Server struct {
	cfg      Config
	worker   *worker.Worker
	mux      *http.ServeMux
	http     *http.Server
	log      *slog.Logger
	metrics  *metrics.WorkerCollector
	gatherer prometheus.Gatherer
}

// New creates a server for w and registers every route.
func New(cfg Config, w *worker.Worker, opts ...Option) *Server {
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = DefaultShutdownGrace
	}

	s := &Server{
		cfg:    cfg,
		worker: w,
		mux:    http.NewServeMux(),
		log:    slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.routes()
	s.http = &http.Server{
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Handle registers an additional handler. Patterns follow http.ServeMux.
func (s *Server) Handle(pattern string, h http.Handler) {
	s.mux.Handle(pattern, h)
}

// Handler returns the router wrapped in the middleware chain.
func (s *Server) Handler() http.Handler {
	return recoverMiddleware(s.log, requestIDMiddleware(s.accessLog(s.mux)))
}

// Serve accepts connections on ln until Shutdown. A clean shutdown returns nil.
func (s *Server) Serve(ln net.Listener) error {
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits at most ShutdownGrace for
// in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	s.worker.Close()

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ShutdownGrace)
	defer cancel()

	if err := s.http.Shutdown(ctx); err != nil {
		_ = s.http.Close()
		if errors.Is(err, context.DeadlineExceeded) {
			return ErrShutdownTimeout
		}
		return fmt.Errorf("failed to shut down http server: %w", err)
	}
	return nil
}
