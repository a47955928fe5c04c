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

// Package diagmanager turns a normalized run request into a diagnostic run:
// it selects GPUs, tests and parameters, drives every plugin owning a
// requested test through the host, and publishes the aggregated outcome.
package diagmanager

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/go-multierror"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/aggregator"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/dcgm"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/diagconfig"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/fieldvalue"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/metrics"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/pluginabi"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/pluginhost"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/rundiag"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/statswriter"
)

// Loader opens the plugins available to a run.
type Loader interface {
	Load(dir string) ([]*pluginhost.Handle, error)
}

// Inventory lists the physical GPUs of the node.
type Inventory func() ([]pluginabi.GpuInfo, error)

// Notifier publishes finished runs.
type Notifier interface {
	Notify(ctx context.Context, resp *aggregator.Response)
}

// Run levels accepted in the validate field of a request.
const (
	LevelQuick  uint32 = 1
	LevelMedium uint32 = 2
	LevelLong   uint32 = 3
	LevelXLong  uint32 = 4
)

var levelNames = map[string]uint32{
	"quick": LevelQuick, "short": LevelQuick,
	"medium": LevelMedium,
	"long":   LevelLong,
	"xlong":  LevelXLong,
}

type Config struct {
	// Suites maps a run level to its test names.
	Suites map[uint32][]string
}

// Status describes the manager for status queries.
type Status struct {
	Active    bool      `json:"active"`
	RunID     string    `json:"runId,omitempty"`
	StartedAt time.Time `json:"startedAt,omitzero"`
}

// Manager runs at most one diagnostic at a time.
type Manager struct {
	cfg       Config
	loader    Loader
	host      *pluginhost.Host
	provider  *fieldvalue.Provider
	inventory Inventory
	notifier  Notifier
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	active  bool
	runID   string
	started time.Time
	cancel  context.CancelFunc
}

func New(cfg Config, loader Loader, host *pluginhost.Host, provider *fieldvalue.Provider,
	inventory Inventory, notifier Notifier, logger *slog.Logger) *Manager {
	return &Manager{
		cfg:       cfg,
		loader:    loader,
		host:      host,
		provider:  provider,
		inventory: inventory,
		notifier:  notifier,
		logger:    logger,
		now:       time.Now,
	}
}

// Status reports whether a run is in progress.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()

	return Status{Active: m.active, RunID: m.runID, StartedAt: m.started}
}

func (m *Manager) begin(ctx context.Context, runID string) (context.Context, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.active {
		return nil, fmt.Errorf("run %s is still in progress: %w", m.runID, dcgm.StatusInUse)
	}

	runCtx, cancel := context.WithCancel(ctx)
	m.active, m.runID, m.started, m.cancel = true, runID, m.now(), cancel

	return runCtx, nil
}

func (m *Manager) end() {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancel != nil {
		m.cancel()
	}

	m.active, m.runID, m.started, m.cancel = false, "", time.Time{}, nil
}

// StopRunningDiag cancels the active run. Plugins already inside RunTest
// finish their current unit; no new unit starts. Stopping with no active run
// is not an error.
func (m *Manager) StopRunningDiag(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.active {
		m.logger.Debug("Stop requested with no active run")
		return nil
	}

	m.logger.Info("Stopping diagnostic run", "run_id", m.runID)
	m.cancel()

	return nil
}

// RunDiagAndAction executes req. Request problems are returned as errors
// wrapping a dcgm.Status; plugin problems are part of the response.
func (m *Manager) RunDiagAndAction(ctx context.Context, req *rundiag.RunDiagRequest, action rundiag.Action,
	responseVersion uint32, connectionID uint32) (*aggregator.Response, error) {
	if req == nil {
		return nil, fmt.Errorf("nil run request: %w", dcgm.StatusBadParameter)
	}

	if action == rundiag.ActionGpuReset {
		return nil, fmt.Errorf("GPU reset after a run: %w", dcgm.StatusNotSupported)
	}

	runID := uuid.New().String()

	runCtx, err := m.begin(ctx, runID)
	if err != nil {
		return nil, err
	}
	defer m.end()

	logger := m.logger.With("run_id", runID, "connection_id", connectionID)
	start := m.now()

	m.host.Escalation().Reset()

	plan, err := m.plan(req, logger)
	if plan != nil {
		defer m.provider.RemoveFakeGpus(plan.simulated...)
	}

	if err != nil {
		metrics.RunsTotal.WithLabelValues("rejected").Inc()
		logger.Warn("Rejected diagnostic run", "error", err)

		for _, h := range plan.handles() {
			_ = h.Close()
		}

		return nil, err
	}

	logger.Info("Starting diagnostic run",
		"tests", plan.tests, "gpus", plan.gpuIDs(), "fake_gpus", req.UsingFakeGpus(),
		"iteration", req.CurrentIteration, "total_iterations", req.TotalIterations,
		"throttle_mask", req.ThrottleMaskValue())

	agg := aggregator.New(plan.gpuIDs())
	for _, e := range plan.loadErrors {
		agg.AddError(aggregator.NewErrorDetail(pluginabi.AllGpus, pluginabi.CodeInternal, e.Error()))
	}

	for _, p := range plan.plugins {
		if len(p.spec.Tests) == 0 {
			_ = p.handle.Close()
			continue
		}

		p.spec.GPUs = plan.gpus
		p.spec.TimeoutSeconds = req.TimeoutSeconds
		m.host.Run(runCtx, p.handle, p.spec, agg)
	}

	flag := m.host.Escalation()
	resp := &aggregator.Response{
		Version:          responseVersion,
		RunID:            runID,
		Iteration:        req.CurrentIteration,
		TotalIterations:  req.TotalIterations,
		StartTime:        start,
		Escalated:        flag.Raised(),
		EscalationReason: flag.Reason(),
		Stopped:          runCtx.Err() != nil,
	}
	agg.Fill(resp)
	resp.EndTime = m.now()

	m.publish(ctx, req, resp, logger)

	return resp, nil
}

func (m *Manager) publish(ctx context.Context, req *rundiag.RunDiagRequest, resp *aggregator.Response, logger *slog.Logger) {
	metrics.RunsTotal.WithLabelValues(resp.Overall.String()).Inc()
	metrics.RunDuration.Observe(resp.EndTime.Sub(resp.StartTime).Seconds())

	if resp.Escalated {
		metrics.EscalationsTotal.Inc()
		logger.Error("Diagnostic run escalated", "reason", resp.EscalationReason)
	}

	if dir := req.StatsPathName(); dir != "" {
		if !req.Flags.Has(rundiag.FlagStatsOnFail) || resp.Escalated || resp.Failed() {
			if err := writeStats(dir, resp); err != nil {
				logger.Error("Failed to write stats", "dir", dir, "error", err)
				resp.Errors = append(resp.Errors,
					aggregator.NewErrorDetail(pluginabi.AllGpus, pluginabi.CodeInternal, err.Error()))
			}
		}
	}

	if m.notifier != nil {
		m.notifier.Notify(context.WithoutCancel(ctx), resp)
	}

	logger.Info("Finished diagnostic run", "overall", resp.Overall.String(), "stopped", resp.Stopped,
		"duration", resp.EndTime.Sub(resp.StartTime).String())
}

func writeStats(dir string, resp *aggregator.Response) error {
	w, err := statswriter.NewWriter(dir)
	if err != nil {
		return err
	}

	_, err = w.Write(resp)

	return err
}

type pluginPlan struct {
	handle *pluginhost.Handle
	spec   pluginhost.RunSpec
}

type runPlan struct {
	gpus []pluginabi.GpuInfo
	// simulated are the fake GPUs registered for this run only.
	simulated  []uint
	tests      []string
	plugins    []*pluginPlan
	loadErrors []error
}

func (p *runPlan) gpuIDs() []uint {
	ids := make([]uint, len(p.gpus))
	for i, g := range p.gpus {
		ids[i] = uint(g.GpuID)
	}

	return ids
}

func (p *runPlan) handles() []*pluginhost.Handle {
	if p == nil {
		return nil
	}

	out := make([]*pluginhost.Handle, len(p.plugins))
	for i, pp := range p.plugins {
		out[i] = pp.handle
	}

	return out
}

// plan resolves everything the run needs before any plugin is initialized.
// The returned plan is non-nil whenever plugins were opened, so the caller
// can release them on error.
func (m *Manager) plan(req *rundiag.RunDiagRequest, logger *slog.Logger) (*runPlan, error) {
	cfg, err := diagconfig.Parse(req.ConfigFile())
	if err != nil {
		return nil, err
	}

	requestParams, err := req.Parameters()
	if err != nil {
		return nil, err
	}

	gpus, simulated, err := m.selectGpus(req, cfg)
	if err != nil {
		return nil, err
	}

	plan := &runPlan{gpus: gpus, simulated: simulated}

	handles, err := m.loader.Load(req.PluginDir())
	if err != nil {
		var merr *multierror.Error
		if errors.As(err, &merr) {
			plan.loadErrors = merr.Errors
		} else {
			plan.loadErrors = []error{err}
		}

		for _, e := range plan.loadErrors {
			logger.Warn("Plugin unavailable", "error", e)
		}
	}

	slices.SortFunc(handles, func(a, b *pluginhost.Handle) int { return strings.Compare(a.Name(), b.Name()) })

	descs := make([]pluginabi.Descriptor, len(handles))
	for i, h := range handles {
		descs[i] = h.Descriptor()
		plan.plugins = append(plan.plugins, &pluginPlan{
			handle: h,
			spec:   pluginhost.RunSpec{Params: make(map[string][]pluginabi.TestParameter)},
		})
	}

	validator := pluginhost.NewValidator(descs...)

	requested := m.requestedTests(req, cfg)
	if len(requested) == 0 {
		return plan, fmt.Errorf("no tests requested for run level %d: %w", req.Validate, dcgm.StatusBadParameter)
	}

	// Config file stanzas for tests outside this run are ignored; request
	// parameters must all be valid.
	var fileParams []rundiag.TestParameter

	for _, p := range cfg.Parameters() {
		if containsFold(requested, p.Test) && validator.IsValidTestName(p.Test) {
			fileParams = append(fileParams, p)
		}
	}

	params := diagconfig.Merge(fileParams, requestParams)

	if req.Flags.Has(rundiag.FlagFailEarly) {
		for _, t := range requested {
			params = append(params,
				rundiag.TestParameter{Test: t, Name: pluginabi.ParamFailEarly, Value: "true"},
				rundiag.TestParameter{
					Test:  t,
					Name:  pluginabi.ParamFailCheckInterval,
					Value: strconv.FormatUint(uint64(req.FailCheckInterval), 10),
				})
		}
	}

	if err := validator.Validate(requested, params); err != nil {
		return plan, err
	}

	for _, name := range requested {
		canonical, _ := validator.CanonicalTestName(name)
		if slices.Contains(plan.tests, canonical) {
			continue
		}

		plan.tests = append(plan.tests, canonical)

		owner := plan.owner(canonical)
		owner.spec.Tests = append(owner.spec.Tests, canonical)

		for _, p := range params {
			if strings.EqualFold(p.Test, canonical) {
				owner.spec.Params[canonical] = append(owner.spec.Params[canonical],
					pluginabi.NewTestParameter(p.Name, p.Value, validator.TypeOf(canonical, p.Name)))
			}
		}
	}

	return plan, nil
}

// owner returns the first plugin, by name, declaring test. The validator
// has already established that one exists.
func (p *runPlan) owner(test string) *pluginPlan {
	for _, pp := range p.plugins {
		for _, t := range pp.handle.Descriptor().Tests {
			if strings.EqualFold(t.Name, test) {
				return pp
			}
		}
	}

	return nil
}

// requestedTests expands the request's test names, where a run level name
// or number stands for its suite. With no names, the config file's GPU sets
// and then the request's run level decide.
func (m *Manager) requestedTests(req *rundiag.RunDiagRequest, cfg *diagconfig.Config) []string {
	names := req.TestNameList()
	if len(names) == 0 {
		names = cfg.TestNames()
	}

	if len(names) == 0 {
		return slices.Clone(m.cfg.Suites[req.Validate])
	}

	var out []string

	for _, name := range names {
		level, isLevel := levelNames[strings.ToLower(name)]
		if !isLevel {
			if n, err := strconv.ParseUint(name, 10, 32); err == nil {
				level, isLevel = uint32(n), true
			}
		}

		if isLevel {
			out = append(out, m.cfg.Suites[level]...)
		} else {
			out = append(out, name)
		}
	}

	return out
}

func (m *Manager) selectGpus(req *rundiag.RunDiagRequest, cfg *diagconfig.Config) ([]pluginabi.GpuInfo, []uint, error) {
	ids, err := req.GpuIDs()
	if err != nil {
		return nil, nil, err
	}

	if req.UsingFakeGpus() {
		return m.selectFakeGpus(ids)
	}

	if ids == nil {
		if ids, err = cfg.GpuIDs(); err != nil {
			return nil, nil, err
		}
	}

	inventory, err := m.readInventory()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to list GPUs: %v: %w", err, dcgm.StatusGenericError)
	}

	var gpus []pluginabi.GpuInfo

	if ids == nil {
		for _, g := range inventory {
			if g.Status == pluginabi.EntityOk || g.Status == pluginabi.EntityFake {
				gpus = append(gpus, g)
			}
		}
	} else {
		gpus = make([]pluginabi.GpuInfo, 0, len(ids))

		for _, id := range ids {
			idx := slices.IndexFunc(inventory, func(g pluginabi.GpuInfo) bool { return uint(g.GpuID) == id })
			if idx < 0 {
				return nil, nil, fmt.Errorf("GPU %d is not present: %w", id, dcgm.StatusBadParameter)
			}

			gpus = append(gpus, inventory[idx])
		}
	}

	if len(gpus) > pluginabi.MaxDevices {
		return nil, nil, fmt.Errorf("%d GPUs selected, at most %d can be tested in one run: %w",
			len(gpus), pluginabi.MaxDevices, dcgm.StatusBadParameter)
	}

	return gpus, nil, nil
}

// selectFakeGpus registers the requested simulated GPUs for the run. It
// returns the ids the run registered itself, which the caller unregisters
// when the run ends. Ids of physical GPUs are refused.
func (m *Manager) selectFakeGpus(ids []uint) ([]pluginabi.GpuInfo, []uint, error) {
	// Without a driver there is no physical GPU to collide with.
	_, _ = m.readInventory()

	added, err := m.provider.AddFakeGpus(ids...)
	if err != nil {
		return nil, nil, err
	}

	gpus := make([]pluginabi.GpuInfo, len(ids))
	for i, id := range ids {
		gpus[i] = pluginabi.GpuInfo{GpuID: uint32(id), Status: pluginabi.EntityFake}
	}

	return gpus, added, nil
}

// readInventory lists the node's GPUs and tells the provider which ids are
// physical.
func (m *Manager) readInventory() ([]pluginabi.GpuInfo, error) {
	inventory, err := m.inventory()
	if err != nil {
		return nil, err
	}

	var physical []uint

	for _, g := range inventory {
		if g.Status != pluginabi.EntityFake {
			physical = append(physical, uint(g.GpuID))
		}
	}

	m.provider.SetPhysicalGpus(physical...)

	return inventory, nil
}

func containsFold(list []string, s string) bool {
	return slices.ContainsFunc(list, func(v string) bool { return strings.EqualFold(v, s) })
}
