// Copyright (c) 2025, NVIDIA CORPORATION.  All rights reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package server provides the HTTP endpoint every daemon exposes for
// liveness, readiness and Prometheus metrics.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const (
	DefaultPort              = 2112
	DefaultReadHeaderTimeout = 10 * time.Second
	DefaultShutdownTimeout   = 5 * time.Second
)

// Server is an HTTP server bound to a context.
type Server interface {
	// Serve blocks until ctx is canceled, then shuts down gracefully.
	Serve(ctx context.Context) error
	IsRunning() bool
}

// HealthChecker backs /healthz.
type HealthChecker interface {
	Healthy(ctx context.Context) error
}

// ReadinessChecker backs /readyz.
type ReadinessChecker interface {
	Ready(ctx context.Context) error
}

// CheckFunc adapts a function to both checker interfaces.
type CheckFunc func(ctx context.Context) error

func (f CheckFunc) Healthy(ctx context.Context) error { return f(ctx) }
func (f CheckFunc) Ready(ctx context.Context) error   { return f(ctx) }

type server struct {
	port              int
	readHeaderTimeout time.Duration
	shutdownTimeout   time.Duration
	mux               *http.ServeMux
	logger            *slog.Logger
	running           atomic.Bool
}

type Option func(*server)

func WithPort(port int) Option {
	return func(s *server) { s.port = port }
}

func WithShutdownTimeout(d time.Duration) Option {
	return func(s *server) { s.shutdownTimeout = d }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *server) { s.logger = logger }
}

// WithHandler serves h at pattern.
func WithHandler(pattern string, h http.Handler) Option {
	return func(s *server) { s.mux.Handle(pattern, h) }
}

// WithPrometheusMetrics serves the default registry at /metrics.
func WithPrometheusMetrics() Option {
	return WithHandler("/metrics", promhttp.Handler())
}

// WithSimpleHealth answers /healthz with "ok" while the process is up.
func WithSimpleHealth() Option {
	return WithHealthCheck(CheckFunc(func(context.Context) error { return nil }))
}

func WithHealthCheck(c HealthChecker) Option {
	return WithHandler("/healthz", checkHandler(c.Healthy))
}

func WithReadinessCheck(c ReadinessChecker) Option {
	return WithHandler("/readyz", checkHandler(c.Ready))
}

func checkHandler(check func(context.Context) error) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")

		if err := check(r.Context()); err != nil {
			w.WriteHeader(http.StatusServiceUnavailable)
			_, _ = fmt.Fprint(w, err.Error())

			return
		}

		_, _ = fmt.Fprint(w, "ok")
	})
}

func NewServer(opts ...Option) Server {
	s := &server{
		port:              DefaultPort,
		readHeaderTimeout: DefaultReadHeaderTimeout,
		shutdownTimeout:   DefaultShutdownTimeout,
		mux:               http.NewServeMux(),
		logger:            slog.Default(),
	}

	for _, opt := range opts {
		opt(s)
	}

	return s
}

func (s *server) IsRunning() bool {
	return s.running.Load()
}

func (s *server) Serve(ctx context.Context) error {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", s.port))
	if err != nil {
		return fmt.Errorf("listening on port %d: %w", s.port, err)
	}

	srv := &http.Server{
		Handler:           s.mux,
		ReadHeaderTimeout: s.readHeaderTimeout,
	}

	errCh := make(chan error, 1)

	s.running.Store(true)
	defer s.running.Store(false)

	s.logger.Info("HTTP server listening", "port", s.port)

	go func() { errCh <- srv.Serve(lis) }()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}

		return fmt.Errorf("serving on port %d: %w", s.port, err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.shutdownTimeout)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down HTTP server: %w", err)
	}

	<-errCh

	return nil
}
