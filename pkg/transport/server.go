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

// Package transport carries module commands to the diag engine over a unix
// socket. Each connection holds one CBOR request and one CBOR reply.
package transport

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fxamacker/cbor/v2"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/dcgm"
)

const (
	readTimeout    = 30 * time.Second
	writeTimeout   = 10 * time.Second
	maxRequestSize = 1024 * 1024
)

// Reply is the envelope of every answer. Status carries the engine status
// code so that clients can recover the error with errors.Is.
type Reply struct {
	OK     bool            `cbor:"ok"`
	Error  string          `cbor:"error,omitempty"`
	Status dcgm.Status     `cbor:"status"`
	Data   cbor.RawMessage `cbor:"data,omitempty"`
}

// ActionFunc handles one decoded request. raw is the whole request map,
// including the action field.
type ActionFunc func(ctx context.Context, raw []byte) (any, error)

type connIDKey struct{}

// ConnectionID returns the id the server assigned to the connection a
// request arrived on.
func ConnectionID(ctx context.Context) uint32 {
	id, _ := ctx.Value(connIDKey{}).(uint32)
	return id
}

// Server answers requests on a unix socket.
type Server struct {
	socketPath string
	handlers   map[string]ActionFunc
	logger     *slog.Logger

	nextConnID atomic.Uint32
	ready      chan struct{}
	readyOnce  sync.Once
	conns      sync.WaitGroup
}

func NewServer(socketPath string, logger *slog.Logger) *Server {
	return &Server{
		socketPath: socketPath,
		handlers:   make(map[string]ActionFunc),
		logger:     logger,
		ready:      make(chan struct{}),
	}
}

// Handle registers fn for action. It panics on a duplicate registration.
func (s *Server) Handle(action string, fn ActionFunc) {
	if _, exists := s.handlers[action]; exists {
		panic(fmt.Sprintf("transport: duplicate handler for action %q", action))
	}

	s.handlers[action] = fn
}

// Ready is closed once the socket accepts connections.
func (s *Server) Ready() <-chan struct{} {
	return s.ready
}

// Serve listens until ctx is canceled, then waits for in-flight requests.
func (s *Server) Serve(ctx context.Context) error {
	if err := os.Remove(s.socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing stale socket %s: %w", s.socketPath, err)
	}

	listener, err := net.Listen("unix", s.socketPath)
	if err != nil {
		return fmt.Errorf("listening on %s: %w", s.socketPath, err)
	}

	defer func() {
		_ = listener.Close()
		_ = os.Remove(s.socketPath)
	}()

	stop := context.AfterFunc(ctx, func() { _ = listener.Close() })
	defer stop()

	s.logger.Info("Command socket listening", "path", s.socketPath)
	s.readyOnce.Do(func() { close(s.ready) })

	for {
		conn, err := listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}

			s.logger.Error("Accept failed", "error", err)

			continue
		}

		id := s.nextConnID.Add(1)

		s.conns.Add(1)

		go func() {
			defer s.conns.Done()
			s.handleConnection(context.WithValue(ctx, connIDKey{}, id), conn)
		}()
	}

	s.conns.Wait()

	return nil
}

func (s *Server) handleConnection(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	_ = conn.SetReadDeadline(time.Now().Add(readTimeout))

	var raw cbor.RawMessage
	if err := newDecoder(io.LimitReader(conn, maxRequestSize)).Decode(&raw); err != nil {
		if errors.Is(err, io.EOF) {
			return
		}

		s.writeError(conn, fmt.Errorf("invalid request: %v: %w", err, dcgm.StatusBadParameter))

		return
	}

	var header struct {
		Action string `cbor:"action"`
	}

	if err := Unmarshal(raw, &header); err != nil {
		s.writeError(conn, fmt.Errorf("invalid request: %v: %w", err, dcgm.StatusBadParameter))
		return
	}

	if header.Action == "" {
		s.writeError(conn, fmt.Errorf("missing required field action: %w", dcgm.StatusBadParameter))
		return
	}

	handler, exists := s.handlers[header.Action]
	if !exists {
		s.writeError(conn, fmt.Errorf("unknown action %q: %w", header.Action, dcgm.StatusFunctionNotFound))
		return
	}

	result, err := handler(ctx, raw)
	if err != nil {
		s.logger.Debug("Action failed", "action", header.Action, "connection_id", ConnectionID(ctx), "error", err)
		s.writeError(conn, err)

		return
	}

	s.writeSuccess(conn, result)
}

func (s *Server) writeError(conn net.Conn, err error) {
	s.write(conn, Reply{Error: err.Error(), Status: dcgm.StatusOf(err)})
}

func (s *Server) writeSuccess(conn net.Conn, result any) {
	reply := Reply{OK: true}

	if result != nil {
		data, err := Marshal(result)
		if err != nil {
			s.writeError(conn, fmt.Errorf("marshaling reply: %w", err))
			return
		}

		reply.Data = data
	}

	s.write(conn, reply)
}

func (s *Server) write(conn net.Conn, reply Reply) {
	_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))

	if err := newEncoder(conn).Encode(reply); err != nil {
		s.logger.Debug("Failed to write reply", "error", err)
	}
}
