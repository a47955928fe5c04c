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

// Package router is the single entry point for module commands. It splits
// core lifecycle commands from diag commands and applies the pause gate
// before any run request is decoded.
package router

import (
	"context"
	"encoding/binary"
	"fmt"
	"log/slog"
	"strconv"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/aggregator"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/dcgm"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/metrics"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/rundiag"
)

// Migrator decodes versioned RUN payloads.
type Migrator interface {
	// Versions lists accepted RUN versions, newest first.
	Versions() []uint32
	Migrate(payload []byte, expected, declared uint32) (*rundiag.Message, error)
}

// DiagRunner executes and cancels runs.
type DiagRunner interface {
	RunDiagAndAction(ctx context.Context, req *rundiag.RunDiagRequest, action rundiag.Action,
		responseVersion uint32, connectionID uint32) (*aggregator.Response, error)
	StopRunningDiag(ctx context.Context) error
}

// LevelSetter receives logging severity changes.
type LevelSetter interface {
	SetLevel(level slog.Level)
}

// Router dispatches ModuleCommands.
type Router struct {
	pause    *PauseState
	migrator Migrator
	runner   DiagRunner
	levels   LevelSetter
	logger   *slog.Logger
}

// New returns a router. pause is shared with every other component that needs
// to observe it.
func New(pause *PauseState, migrator Migrator, runner DiagRunner, levels LevelSetter, logger *slog.Logger) *Router {
	return &Router{
		pause:    pause,
		migrator: migrator,
		runner:   runner,
		levels:   levels,
		logger:   logger,
	}
}

// ProcessMessage handles one command. Only RUN produces a response.
func (r *Router) ProcessMessage(ctx context.Context, cmd *ModuleCommand) (*aggregator.Response, error) {
	if cmd == nil {
		metrics.CommandsTotal.WithLabelValues("none", "none", dcgm.StatusBadParameter.Name()).Inc()
		return nil, fmt.Errorf("nil module command: %w", dcgm.StatusBadParameter)
	}

	var (
		resp *aggregator.Response
		err  error
	)

	if cmd.ModuleID == dcgm.ModuleCore {
		err = r.processCore(cmd)
	} else {
		resp, err = r.processDiag(ctx, cmd)
	}

	metrics.CommandsTotal.WithLabelValues(cmd.ModuleID.String(),
		dcgm.SubCommandName(cmd.ModuleID, cmd.SubCommand), dcgm.StatusOf(err).Name()).Inc()

	return resp, err
}

func (r *Router) processCore(cmd *ModuleCommand) error {
	switch cmd.SubCommand {
	case dcgm.CoreLoggingChanged:
		return r.processLoggingChanged(cmd)
	case dcgm.CorePauseResume:
		return r.processPauseResume(cmd)
	default:
		r.logger.Error("Unknown core subcommand", "subCommand", uint32(cmd.SubCommand),
			"connectionId", cmd.ConnectionID)

		return fmt.Errorf("core subcommand %d: %w", cmd.SubCommand, dcgm.StatusFunctionNotFound)
	}
}

func (r *Router) processLoggingChanged(cmd *ModuleCommand) error {
	if len(cmd.Payload) < 4 {
		return fmt.Errorf("logging change payload has %d bytes: %w", len(cmd.Payload), dcgm.StatusBadParameter)
	}

	sev := dcgm.Severity(int32(binary.LittleEndian.Uint32(cmd.Payload)))
	if !sev.Valid() {
		return fmt.Errorf("logging severity %d: %w", int32(sev), dcgm.StatusBadParameter)
	}

	if r.levels != nil {
		r.levels.SetLevel(sev.SlogLevel())
	}

	r.logger.Info("Logging severity changed", "severity", sev.String())

	return nil
}

func (r *Router) processPauseResume(cmd *ModuleCommand) error {
	if len(cmd.Payload) < 4 {
		return fmt.Errorf("pause/resume payload has %d bytes: %w", len(cmd.Payload), dcgm.StatusBadParameter)
	}

	pause := binary.LittleEndian.Uint32(cmd.Payload) != 0
	r.pause.Set(pause)

	if pause {
		metrics.Paused.Set(1)
		r.logger.Info("Diag module paused")
	} else {
		metrics.Paused.Set(0)
		r.logger.Info("Diag module resumed")
	}

	return nil
}

func (r *Router) processDiag(ctx context.Context, cmd *ModuleCommand) (*aggregator.Response, error) {
	switch cmd.SubCommand {
	case dcgm.DiagRun:
		if r.pause.Paused() {
			metrics.PausedRejections.Inc()
			r.logger.Info("The Diag module is paused. Ignoring the run command.", "connectionId", cmd.ConnectionID)

			return nil, dcgm.StatusPaused
		}

		return r.processRun(ctx, cmd)
	case dcgm.DiagStop:
		return nil, r.runner.StopRunningDiag(ctx)
	default:
		r.logger.Error("Unknown diag subcommand", "subCommand", uint32(cmd.SubCommand),
			"connectionId", cmd.ConnectionID)

		return nil, fmt.Errorf("diag subcommand %d: %w", cmd.SubCommand, dcgm.StatusFunctionNotFound)
	}
}

func (r *Router) processRun(ctx context.Context, cmd *ModuleCommand) (*aggregator.Response, error) {
	for _, version := range r.migrator.Versions() {
		if cmd.Version != version {
			continue
		}

		msg, err := r.migrator.Migrate(cmd.Payload, version, cmd.Version)
		if err != nil {
			r.logger.Error("Could not decode run command", "version", cmd.Version, "error", err)
			return nil, err
		}

		metrics.MigrationsTotal.WithLabelValues(strconv.FormatUint(uint64(msg.Revision), 10)).Inc()

		return r.runner.RunDiagAndAction(ctx, msg.Request, msg.Action, msg.ResponseVersion, cmd.ConnectionID)
	}

	r.logger.Error("Unsupported run command version", "version", cmd.Version, "connectionId", cmd.ConnectionID)

	return nil, fmt.Errorf("run command version %#x: %w", cmd.Version, dcgm.StatusVersionMismatch)
}
