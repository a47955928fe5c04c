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

// Package pluginhost drives loaded plugins through their lifecycle for one
// diagnostic run and hands what they report to the aggregator.
package pluginhost

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/aggregator"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/dcgm"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/escalation"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/fieldvalue"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/pluginabi"
)

const (
	DefaultInitTimeout  = 10 * time.Second
	DefaultTestTimeout  = 600 * time.Second
	DefaultMaxStatPages = 64
)

// Config tunes the host.
type Config struct {
	InitTimeout  time.Duration
	TestTimeout  time.Duration
	MaxStatPages int
	// Policy schedules the units of self-parallel plugins. Other plugins are
	// always run serially.
	Policy Policy
	// Severity returns the logging severity handed to plugins at
	// initialization.
	Severity func() dcgm.Severity
}

func (c *Config) setDefaults() {
	if c.InitTimeout <= 0 {
		c.InitTimeout = DefaultInitTimeout
	}

	if c.TestTimeout <= 0 {
		c.TestTimeout = DefaultTestTimeout
	}

	if c.MaxStatPages <= 0 {
		c.MaxStatPages = DefaultMaxStatPages
	}

	if c.Policy == nil {
		c.Policy = ParallelPolicy{}
	}

	if c.Severity == nil {
		c.Severity = func() dcgm.Severity { return dcgm.SeverityInfo }
	}
}

// Host runs plugins. One Host serves every run of the process.
type Host struct {
	cfg    Config
	source fieldvalue.Source
	flag   *escalation.Flag
	logger *slog.Logger
}

// New returns a host. Plugins query telemetry through source and raise
// escalation on flag.
func New(cfg Config, source fieldvalue.Source, flag *escalation.Flag, logger *slog.Logger) *Host {
	cfg.setDefaults()

	return &Host{cfg: cfg, source: source, flag: flag, logger: logger}
}

// Escalation returns the flag plugins raise.
func (h *Host) Escalation() *escalation.Flag { return h.flag }

type hostHandle struct {
	fieldvalue.Source
	escalation.Raiser
}

// RunSpec is the share of a run assigned to one plugin.
type RunSpec struct {
	// Tests are the plugin's test names, in execution order.
	Tests []string
	GPUs  []pluginabi.GpuInfo
	// Params holds the RunTest parameters of each test, keyed by test name.
	Params         map[string][]pluginabi.TestParameter
	TimeoutSeconds uint32
}

func (s *RunSpec) gpuIDs() []uint {
	ids := make([]uint, len(s.GPUs))
	for i, g := range s.GPUs {
		ids[i] = uint(g.GpuID)
	}

	return ids
}

func (s *RunSpec) gpuList() (*pluginabi.GpuList, error) {
	if len(s.GPUs) > pluginabi.MaxDevices {
		return nil, fmt.Errorf("%d GPUs selected, a plugin accepts at most %d: %w",
			len(s.GPUs), pluginabi.MaxDevices, dcgm.StatusBadParameter)
	}

	list := new(pluginabi.GpuList)
	for _, g := range s.GPUs {
		list.Gpus[list.NumGpus] = g
		list.NumGpus++
	}

	return list, nil
}

// params returns the RunTest parameters of test for one unit. A caller copy
// of the target GPU parameter is replaced with the unit's own.
func (s *RunSpec) params(test string, u Unit) []pluginabi.TestParameter {
	params := slices.DeleteFunc(slices.Clone(s.Params[test]), func(p pluginabi.TestParameter) bool {
		return strings.EqualFold(p.ParamName(), pluginabi.ParamTargetGpus)
	})

	return append(params, pluginabi.NewTestParameter(pluginabi.ParamTargetGpus, u.TargetGpus(), pluginabi.ParamString))
}

// Halted reports whether no further RunTest may be issued: escalation was
// raised or the run was stopped.
func (h *Host) Halted(ctx context.Context) bool {
	return h.flag.Raised() || ctx.Err() != nil
}

// Run initializes the plugin behind handle, runs spec against it and
// shuts it down. Failures are recorded in agg; Run never aborts the caller's
// run.
func (h *Host) Run(ctx context.Context, handle *Handle, spec RunSpec, agg *aggregator.Aggregator) {
	logger := h.logger.With("plugin", handle.Name())

	defer func() {
		if err := handle.Close(); err != nil {
			logger.Error("Plugin shutdown failed", "error", err)
			agg.AddError(aggregator.NewErrorDetail(pluginabi.AllGpus, pluginabi.CodeInternal, err.Error()))
		}
	}()

	if h.Halted(ctx) {
		for _, test := range spec.Tests {
			agg.AddTest(h.notRun(ctx, handle.Name(), test))
		}

		return
	}

	gpuList, err := spec.gpuList()
	if err == nil {
		handles := hostHandle{Source: h.source, Raiser: h.flag}
		err = handle.Initialize(ctx, handles, gpuList, h.cfg.Severity(), h.cfg.InitTimeout)
	}

	if err != nil {
		logger.Error("Plugin initialization failed", "error", err)

		for _, test := range spec.Tests {
			agg.AddTest(aggregator.TestResult{
				Plugin: handle.Name(),
				Name:   test,
				Status: aggregator.TestFailed,
				Errors: []aggregator.ErrorDetail{
					aggregator.NewErrorDetail(pluginabi.AllGpus, pluginabi.CodeInternal, err.Error()),
				},
			})
		}

		return
	}

	policy := Policy(SerialPolicy{})
	if handle.Descriptor().SelfParallel {
		policy = h.cfg.Policy
	}

	timeout := spec.TimeoutSeconds
	if timeout == 0 {
		timeout = uint32(h.cfg.TestTimeout / time.Second)
	}

	gpus := spec.gpuIDs()

	for _, test := range spec.Tests {
		if h.Halted(ctx) {
			agg.AddTest(h.notRun(ctx, handle.Name(), test))
			continue
		}

		var (
			mu      sync.Mutex
			started int
		)

		policy.Dispatch(ctx, Units([]string{test}, gpus), func(ctx context.Context, u Unit) {
			if h.Halted(ctx) {
				return
			}

			mu.Lock()
			started++
			mu.Unlock()

			logger.Debug("Running test", "test", test, "gpus", u.TargetGpus(), "policy", policy.Name())
			handle.RunTest(test, timeout, spec.params(test, u))
		})

		if started == 0 {
			agg.AddTest(h.notRun(ctx, handle.Name(), test))
			continue
		}

		stats := handle.RetrieveCustomStats(test, h.cfg.MaxStatPages)
		results := handle.RetrieveResults(test)

		agg.AddTest(collect(logger, handle, test, results, stats))
	}
}

func (h *Host) notRun(ctx context.Context, plugin, test string) aggregator.TestResult {
	reason := "the run was stopped"
	if h.flag.Raised() {
		reason = "escalation was raised: " + h.flag.Reason()
	} else if ctx.Err() == nil {
		reason = "no GPUs were selected"
	}

	return aggregator.TestResult{
		Plugin: plugin,
		Name:   test,
		Status: aggregator.TestNotRun,
		Info: []aggregator.ErrorDetail{
			aggregator.NewErrorDetail(pluginabi.AllGpus, pluginabi.CodeOK, "Test "+test+" was not run: "+reason),
		},
	}
}
