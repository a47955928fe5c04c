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
	"fmt"
	"io"
	"net"
	"time"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/aggregator"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/dcgm"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/fieldvalue"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/router"
)

const (
	DefaultDialTimeout     = 5 * time.Second
	DefaultResponseTimeout = 45 * time.Second
	maxReplySize           = 64 * 1024 * 1024
)

// RemoteError is a failure reported by the engine. It unwraps to the
// engine status.
type RemoteError struct {
	Action  string
	Status  dcgm.Status
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("%s failed: %s", e.Action, e.Message)
}

func (e *RemoteError) Unwrap() error {
	return e.Status.AsError()
}

// Client talks to a Server. ResponseTimeout bounds the wait for a reply
// when ctx has no deadline; zero means wait for as long as ctx allows.
type Client struct {
	SocketPath      string
	DialTimeout     time.Duration
	ResponseTimeout time.Duration
}

func NewClient(socketPath string) *Client {
	return &Client{
		SocketPath:      socketPath,
		DialTimeout:     DefaultDialTimeout,
		ResponseTimeout: DefaultResponseTimeout,
	}
}

// Command sends a module command and returns the run response, which is
// nil for every command but RUN.
func (c *Client) Command(ctx context.Context, cmd router.ModuleCommand) (*aggregator.Response, error) {
	var resp *aggregator.Response

	err := c.call(ctx, ActionCommand, CommandRequest{Action: ActionCommand, Command: cmd}, &resp)

	return resp, err
}

// Inject sets a field value on a simulated GPU.
func (c *Client) Inject(ctx context.Context, gpuID uint, v fieldvalue.Value) error {
	return c.call(ctx, ActionInject, InjectRequest{Action: ActionInject, GpuID: gpuID, Value: v}, nil)
}

func (c *Client) Status(ctx context.Context) (*StatusReport, error) {
	var report StatusReport
	if err := c.call(ctx, ActionStatus, map[string]string{"action": ActionStatus}, &report); err != nil {
		return nil, err
	}

	return &report, nil
}

func (c *Client) call(ctx context.Context, action string, request, result any) error {
	reply, err := c.send(ctx, request)
	if err != nil {
		return fmt.Errorf("calling %q on %s: %w", action, c.SocketPath, err)
	}

	if !reply.OK {
		return &RemoteError{Action: action, Status: reply.Status, Message: reply.Error}
	}

	if result != nil && len(reply.Data) > 0 {
		if err := Unmarshal(reply.Data, result); err != nil {
			return fmt.Errorf("decoding %q reply: %w", action, err)
		}
	}

	return nil
}

func (c *Client) send(ctx context.Context, request any) (*Reply, error) {
	dialer := net.Dialer{Timeout: c.DialTimeout}

	conn, err := dialer.DialContext(ctx, "unix", c.SocketPath)
	if err != nil {
		return nil, fmt.Errorf("connecting: %w", err)
	}
	defer conn.Close()

	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Now()) })
	defer stop()

	if err := newEncoder(conn).Encode(request); err != nil {
		return nil, fmt.Errorf("writing request: %w", err)
	}

	if unixConn, ok := conn.(*net.UnixConn); ok {
		_ = unixConn.CloseWrite()
	}

	if _, ok := ctx.Deadline(); !ok && c.ResponseTimeout > 0 {
		_ = conn.SetReadDeadline(time.Now().Add(c.ResponseTimeout))
	}

	var reply Reply
	if err := newDecoder(io.LimitReader(conn, maxReplySize)).Decode(&reply); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}

		return nil, fmt.Errorf("reading reply: %w", err)
	}

	return &reply, nil
}
