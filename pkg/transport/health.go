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

package transport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/router"
)

// HealthServiceName is the service reported next to the overall status.
const HealthServiceName = "nvsentinel.diag.DiagEngine"

// Health serves grpc.health.v1. The engine is SERVING unless paused.
type Health struct {
	server *health.Server
	logger *slog.Logger

	ready     chan struct{}
	readyOnce sync.Once
}

func NewHealth(pause *router.PauseState, logger *slog.Logger) *Health {
	h := &Health{
		server: health.NewServer(),
		logger: logger,
		ready:  make(chan struct{}),
	}

	h.set(pause.Paused())
	pause.Subscribe(h.set)

	return h
}

func (h *Health) set(paused bool) {
	status := healthpb.HealthCheckResponse_SERVING
	if paused {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}

	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(HealthServiceName, status)
	h.logger.Debug("Health status changed", "status", status.String())
}

// Register adds the health service to s.
func (h *Health) Register(s grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(s, h.server)
}

// Ready is closed once Serve is listening.
func (h *Health) Ready() <-chan struct{} {
	return h.ready
}

// Serve runs a gRPC server on socketPath until ctx is canceled. Every
// service reports NOT_SERVING while shutting down.
func (h *Health) Serve(ctx context.Context, socketPath string) error {
	if err := os.Remove(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", socketPath, err)
	}

	lis, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", socketPath, err)
	}

	defer os.Remove(socketPath)

	srv := grpc.NewServer()
	h.Register(srv)

	stop := context.AfterFunc(ctx, func() {
		h.server.Shutdown()
		srv.GracefulStop()
	})
	defer stop()

	h.logger.Info("Health service listening", "path", socketPath)
	h.readyOnce.Do(func() { close(h.ready) })

	if err := srv.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return fmt.Errorf("serving health on %s: %w", socketPath, err)
	}

	return nil
}
