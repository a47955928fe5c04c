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
	"time"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/aggregator"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/dcgm"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/fieldvalue"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/router"
)

const (
	ActionCommand = "command"
	ActionInject  = "inject"
	ActionStatus  = "status"
)

// CommandRequest wraps one module command.
type CommandRequest struct {
	Action  string               `cbor:"action"`
	Command router.ModuleCommand `cbor:"command"`
}

// InjectRequest sets a field value of a simulated GPU.
type InjectRequest struct {
	Action string           `cbor:"action"`
	GpuID  uint             `cbor:"gpuId"`
	Value  fieldvalue.Value `cbor:"value"`
}

// StatusReport is the answer to a status request.
type StatusReport struct {
	Paused     bool      `cbor:"paused" json:"paused"`
	Active     bool      `cbor:"active" json:"active"`
	RunID      string    `cbor:"runId,omitempty" json:"runId,omitempty"`
	StartedAt  time.Time `cbor:"startedAt" json:"startedAt"`
	Escalation string    `cbor:"escalation" json:"escalation"`
	FakeGpus   []uint    `cbor:"fakeGpus,omitempty" json:"fakeGpus,omitempty"`
}

// CommandProcessor executes module commands.
type CommandProcessor interface {
	ProcessMessage(ctx context.Context, cmd *router.ModuleCommand) (*aggregator.Response, error)
}

// InjectFunc stores a value for a simulated GPU.
type InjectFunc func(gpuID uint, v fieldvalue.Value) error

// StatusFunc reports the engine state.
type StatusFunc func() StatusReport

// RegisterDiagActions installs the command, inject and status actions on s.
func RegisterDiagActions(s *Server, proc CommandProcessor, inject InjectFunc, status StatusFunc) {
	s.Handle(ActionCommand, func(ctx context.Context, raw []byte) (any, error) {
		var req CommandRequest
		if err := Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("decoding command: %v: %w", err, dcgm.StatusBadParameter)
		}

		if req.Command.ConnectionID == 0 {
			req.Command.ConnectionID = ConnectionID(ctx)
		}

		resp, err := proc.ProcessMessage(ctx, &req.Command)
		if err != nil {
			return nil, err
		}

		// Only RUN has a response body.
		if resp == nil {
			return nil, nil
		}

		return resp, nil
	})

	s.Handle(ActionInject, func(_ context.Context, raw []byte) (any, error) {
		var req InjectRequest
		if err := Unmarshal(raw, &req); err != nil {
			return nil, fmt.Errorf("decoding inject: %v: %w", err, dcgm.StatusBadParameter)
		}

		if req.Value.FieldID == 0 {
			return nil, fmt.Errorf("inject without a field id: %w", dcgm.StatusBadParameter)
		}

		return nil, inject(req.GpuID, req.Value)
	})

	s.Handle(ActionStatus, func(context.Context, []byte) (any, error) {
		return status(), nil
	})
}
