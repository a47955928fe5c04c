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

package diagmanager

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/aggregator"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/dcgm"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/escalation"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/fieldvalue"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/pluginabi"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/pluginhost"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/plugins/software"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/rundiag"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// simplePlugin passes every targeted GPU and records the parameters of
// each RunTest call.
type simplePlugin struct {
	name  string
	tests []string
	onRun func(test string)

	mu     sync.Mutex
	params map[string][]pluginabi.TestParameter
	ran    map[string][]int32
}

func newSimplePlugin(name string, tests ...string) *simplePlugin {
	return &simplePlugin{
		name:   name,
		tests:  tests,
		params: make(map[string][]pluginabi.TestParameter),
		ran:    make(map[string][]int32),
	}
}

func (p *simplePlugin) entry() pluginabi.EntryPoints {
	return pluginabi.EntryPoints{
		GetPluginInterfaceVersion: func() uint32 { return pluginabi.InterfaceVersion },
		GetPluginInfo: func(_ uint32, info *pluginabi.Info) dcgm.Status {
			info.SetName(p.name, "")
			for _, t := range p.tests {
				info.AddTest(t, "", "Hardware", pluginabi.ParameterDescriptor{Name: "level", Type: pluginabi.ParamInt})
			}

			return dcgm.StatusOK
		},
		InitializePlugin: func(_ pluginabi.HostHandle, _ *pluginabi.GpuList, _ *pluginabi.StatFieldIDs,
			ud *pluginabi.UserData, _ dcgm.Severity, _ pluginabi.LogFunc) dcgm.Status {
			*ud = p
			return dcgm.StatusOK
		},
		RunTest: func(test string, _ uint32, params []pluginabi.TestParameter, _ pluginabi.UserData) {
			if p.onRun != nil {
				p.onRun(test)
			}

			target, _ := pluginabi.Lookup(params, pluginabi.ParamTargetGpus)

			p.mu.Lock()
			defer p.mu.Unlock()

			p.params[test] = params
			for _, f := range strings.Split(target, ",") {
				if id, err := strconv.Atoi(f); err == nil {
					p.ran[test] = append(p.ran[test], int32(id))
				}
			}
		},
		RetrieveCustomStats: func(string, *pluginabi.CustomStats, pluginabi.UserData) {},
		RetrieveResults: func(test string, r *pluginabi.Results, _ pluginabi.UserData) {
			p.mu.Lock()
			defer p.mu.Unlock()

			for _, id := range p.ran[test] {
				r.AddResult(id, pluginabi.ResultPass)
			}
		},
		ShutdownPlugin: func(pluginabi.UserData) dcgm.Status { return dcgm.StatusOK },
	}
}

type staticLoader struct {
	entries map[string]pluginabi.EntryPoints
	err     error
}

func (l *staticLoader) Load(string) ([]*pluginhost.Handle, error) {
	var handles []*pluginhost.Handle

	for name, ep := range l.entries {
		h, err := pluginhost.Open(name, ep, discard())
		if err != nil {
			return nil, err
		}

		handles = append(handles, h)
	}

	return handles, l.err
}

type recordingNotifier struct {
	mu    sync.Mutex
	calls []*aggregator.Response
}

func (n *recordingNotifier) Notify(_ context.Context, resp *aggregator.Response) {
	n.mu.Lock()
	defer n.mu.Unlock()

	n.calls = append(n.calls, resp)
}

type fixture struct {
	manager  *Manager
	provider *fieldvalue.Provider
	flag     *escalation.Flag
	notifier *recordingNotifier
}

func newFixture(t *testing.T, cfg Config, inventory []pluginabi.GpuInfo, plugins ...pluginabi.EntryPoints) *fixture {
	t.Helper()

	loader := &staticLoader{entries: make(map[string]pluginabi.EntryPoints)}
	for i, ep := range plugins {
		loader.entries["plugin-"+strconv.Itoa(i)] = ep
	}

	provider := fieldvalue.NewProvider(nil)
	flag := &escalation.Flag{}
	host := pluginhost.New(pluginhost.Config{}, provider, flag, discard())
	notifier := &recordingNotifier{}

	m := New(cfg, loader, host, provider, func() ([]pluginabi.GpuInfo, error) { return inventory, nil },
		notifier, discard())

	return &fixture{manager: m, provider: provider, flag: flag, notifier: notifier}
}

func physicalGpus(ids ...uint32) []pluginabi.GpuInfo {
	gpus := make([]pluginabi.GpuInfo, len(ids))
	for i, id := range ids {
		gpus[i] = pluginabi.GpuInfo{GpuID: id, Status: pluginabi.EntityOk}
	}

	return gpus
}

func testByName(resp *aggregator.Response, name string) aggregator.TestResult {
	for _, tr := range resp.Tests {
		if tr.Name == name {
			return tr
		}
	}

	return aggregator.TestResult{}
}

func TestRunEscalationSkipsRemainingPlugins(t *testing.T) {
	thermal := newSimplePlugin("thermal", "thermal")
	f := newFixture(t, Config{}, nil, software.EntryPoints(), thermal.entry())

	require.NoError(t, f.provider.Inject(1, fieldvalue.Value{FieldID: fieldvalue.FieldRowRemapPending, Int64: 1}))

	req := &rundiag.RunDiagRequest{CurrentIteration: 2, TotalIterations: 3}
	req.SetTestNames("software", "thermal")
	req.SetFakeGpuList("0,1")

	resp, err := f.manager.RunDiagAndAction(context.Background(), req, rundiag.ActionNone, 10, 7)
	require.NoError(t, err)

	assert.Equal(t, uint32(10), resp.Version)
	assert.Equal(t, uint32(2), resp.Iteration)
	assert.Equal(t, uint32(3), resp.TotalIterations)
	assert.NotEmpty(t, resp.RunID)

	assert.True(t, resp.Escalated)
	assert.Contains(t, resp.EscalationReason, "PENDING_ROW_REMAP")
	assert.Equal(t, aggregator.TestCompleted, testByName(resp, "software").Status)
	assert.Equal(t, aggregator.TestNotRun, testByName(resp, "thermal").Status)
	assert.Empty(t, thermal.ran)

	r0, _ := resp.GPU(0)
	r1, _ := resp.GPU(1)
	assert.Equal(t, pluginabi.ResultPass, r0)
	assert.Equal(t, pluginabi.ResultFail, r1)
	assert.Equal(t, pluginabi.ResultFail, resp.Overall)

	require.Len(t, f.notifier.calls, 1)
	assert.False(t, f.manager.Status().Active)
}

func TestRunResetsEscalationBetweenRuns(t *testing.T) {
	thermal := newSimplePlugin("thermal", "thermal")
	f := newFixture(t, Config{}, physicalGpus(0), thermal.entry())
	f.flag.Raise("left over from an earlier run")

	req := &rundiag.RunDiagRequest{}
	req.SetTestNames("thermal")

	resp, err := f.manager.RunDiagAndAction(context.Background(), req, rundiag.ActionNone, 10, 1)
	require.NoError(t, err)
	assert.False(t, resp.Escalated)
	assert.Equal(t, []int32{0}, thermal.ran["thermal"])
}

func TestRunParameterPrecedence(t *testing.T) {
	thermal := newSimplePlugin("thermal", "thermal")
	f := newFixture(t, Config{}, physicalGpus(0, 1), thermal.entry())

	req := &rundiag.RunDiagRequest{Flags: rundiag.FlagFailEarly, FailCheckInterval: 5}
	req.SetTestNames("THERMAL")
	req.SetGpuList("1")
	req.SetConfigFile("thermal:\n  level: 1\nmemory:\n  size: 2\n")
	req.SetParameters("thermal.level=3")

	_, err := f.manager.RunDiagAndAction(context.Background(), req, rundiag.ActionNone, 10, 1)
	require.NoError(t, err)

	params := thermal.params["thermal"]

	level, ok := pluginabi.Lookup(params, "level")
	require.True(t, ok)
	assert.Equal(t, "3", level)

	failEarly, _ := pluginabi.Lookup(params, pluginabi.ParamFailEarly)
	interval, _ := pluginabi.Lookup(params, pluginabi.ParamFailCheckInterval)
	target, _ := pluginabi.Lookup(params, pluginabi.ParamTargetGpus)
	assert.Equal(t, "true", failEarly)
	assert.Equal(t, "5", interval)
	assert.Equal(t, "1", target)

	for _, p := range params {
		if p.ParamName() == "level" {
			assert.Equal(t, pluginabi.ParamInt, p.Type)
		}
	}
}

func TestRunLevels(t *testing.T) {
	thermal := newSimplePlugin("thermal", "thermal")
	f := newFixture(t, Config{Suites: map[uint32][]string{LevelQuick: {"thermal"}}}, physicalGpus(0), thermal.entry())

	resp, err := f.manager.RunDiagAndAction(context.Background(), &rundiag.RunDiagRequest{Validate: 1},
		rundiag.ActionNone, 10, 1)
	require.NoError(t, err)
	assert.Equal(t, aggregator.TestCompleted, testByName(resp, "thermal").Status)

	req := &rundiag.RunDiagRequest{}
	req.SetTestNames("short")

	resp, err = f.manager.RunDiagAndAction(context.Background(), req, rundiag.ActionNone, 10, 1)
	require.NoError(t, err)
	assert.Len(t, resp.Tests, 1)

	_, err = f.manager.RunDiagAndAction(context.Background(), &rundiag.RunDiagRequest{Validate: 4},
		rundiag.ActionNone, 10, 1)
	assert.ErrorIs(t, err, dcgm.StatusBadParameter)
}

func TestRunRejectsBadRequests(t *testing.T) {
	thermal := newSimplePlugin("thermal", "thermal")
	f := newFixture(t, Config{}, physicalGpus(0), thermal.entry())

	tests := []struct {
		name   string
		build  func(r *rundiag.RunDiagRequest)
		action rundiag.Action
		status dcgm.Status
	}{
		{"unknown test", func(r *rundiag.RunDiagRequest) { r.SetTestNames("pcie") }, rundiag.ActionNone, dcgm.StatusBadParameter},
		{"unknown parameter", func(r *rundiag.RunDiagRequest) {
			r.SetTestNames("thermal")
			r.SetParameters("thermal.bogus=1")
		}, rundiag.ActionNone, dcgm.StatusBadParameter},
		{"badly typed parameter", func(r *rundiag.RunDiagRequest) {
			r.SetTestNames("thermal")
			r.SetParameters("thermal.level=high")
		}, rundiag.ActionNone, dcgm.StatusBadParameter},
		{"absent gpu", func(r *rundiag.RunDiagRequest) {
			r.SetTestNames("thermal")
			r.SetGpuList("5")
		}, rundiag.ActionNone, dcgm.StatusBadParameter},
		{"fake gpu shadowing a physical gpu", func(r *rundiag.RunDiagRequest) {
			r.SetTestNames("thermal")
			r.SetFakeGpuList("0")
		}, rundiag.ActionNone, dcgm.StatusBadParameter},
		{"fake gpus past the device limit", func(r *rundiag.RunDiagRequest) {
			r.SetTestNames("thermal")
			r.SetFakeGpuList("0-40")
		}, rundiag.ActionNone, dcgm.StatusBadParameter},
		{"caller supplied target gpus", func(r *rundiag.RunDiagRequest) {
			r.SetTestNames("thermal")
			r.SetParameters("thermal.target_gpus=3")
		}, rundiag.ActionNone, dcgm.StatusBadParameter},
		{"bad config file", func(r *rundiag.RunDiagRequest) {
			r.SetTestNames("thermal")
			r.SetConfigFile("globals:\n  logfile_type: xml\n")
		}, rundiag.ActionNone, dcgm.StatusBadParameter},
		{"gpu reset", func(r *rundiag.RunDiagRequest) { r.SetTestNames("thermal") }, rundiag.ActionGpuReset, dcgm.StatusNotSupported},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := &rundiag.RunDiagRequest{}
			tt.build(req)

			_, err := f.manager.RunDiagAndAction(context.Background(), req, tt.action, 10, 1)
			assert.ErrorIs(t, err, tt.status)
		})
	}

	assert.Empty(t, thermal.ran)
	assert.False(t, f.manager.Status().Active)
}

func TestFakeGpusDoNotShadowPhysicalGpus(t *testing.T) {
	thermal := newSimplePlugin("thermal", "thermal")
	f := newFixture(t, Config{}, physicalGpus(0), thermal.entry())

	run := func(build func(r *rundiag.RunDiagRequest)) (*aggregator.Response, error) {
		req := &rundiag.RunDiagRequest{}
		req.SetTestNames("thermal")
		build(req)

		return f.manager.RunDiagAndAction(context.Background(), req, rundiag.ActionNone, 10, 1)
	}

	resp, err := run(func(r *rundiag.RunDiagRequest) { r.SetGpuList("0") })
	require.NoError(t, err)
	r0, ok := resp.GPU(0)
	require.True(t, ok)
	assert.Equal(t, pluginabi.ResultPass, r0)

	_, err = run(func(r *rundiag.RunDiagRequest) { r.SetFakeGpuList("0") })
	require.ErrorIs(t, err, dcgm.StatusBadParameter)
	assert.False(t, f.provider.IsFake(0))

	resp, err = run(func(r *rundiag.RunDiagRequest) { r.SetFakeGpuList("1") })
	require.NoError(t, err)
	_, ok = resp.GPU(1)
	assert.True(t, ok)
	assert.Empty(t, f.provider.FakeGpus(), "simulated GPUs only live for their run")

	resp, err = run(func(r *rundiag.RunDiagRequest) { r.SetGpuList("0") })
	require.NoError(t, err)
	r0, ok = resp.GPU(0)
	require.True(t, ok)
	assert.Equal(t, pluginabi.ResultPass, r0)
	assert.False(t, f.provider.IsFake(0))
}

func TestSingleActiveRunAndStop(t *testing.T) {
	started := make(chan struct{})
	release := make(chan struct{})

	slow := newSimplePlugin("slow", "first", "second")

	var once sync.Once
	slow.onRun = func(test string) {
		if test == "first" {
			once.Do(func() { close(started) })
			<-release
		}
	}

	f := newFixture(t, Config{}, physicalGpus(0), slow.entry())

	req := &rundiag.RunDiagRequest{}
	req.SetTestNames("first", "second")

	type result struct {
		resp *aggregator.Response
		err  error
	}

	done := make(chan result, 1)

	go func() {
		resp, err := f.manager.RunDiagAndAction(context.Background(), req, rundiag.ActionNone, 10, 1)
		done <- result{resp, err}
	}()

	<-started
	assert.True(t, f.manager.Status().Active)

	_, err := f.manager.RunDiagAndAction(context.Background(), req, rundiag.ActionNone, 10, 2)
	assert.ErrorIs(t, err, dcgm.StatusInUse)

	require.NoError(t, f.manager.StopRunningDiag(context.Background()))
	close(release)

	var res result
	select {
	case res = <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("run did not finish after stop")
	}

	require.NoError(t, res.err)
	assert.True(t, res.resp.Stopped)
	assert.Equal(t, aggregator.TestCompleted, testByName(res.resp, "first").Status)
	assert.Equal(t, aggregator.TestNotRun, testByName(res.resp, "second").Status)

	assert.NoError(t, f.manager.StopRunningDiag(context.Background()), "stop while idle is a no-op")
}

func TestStatsFile(t *testing.T) {
	thermal := newSimplePlugin("thermal", "thermal")
	f := newFixture(t, Config{}, physicalGpus(0), thermal.entry())

	dir := filepath.Join(t.TempDir(), "stats")

	req := &rundiag.RunDiagRequest{Flags: rundiag.FlagStatsOnFail}
	req.SetTestNames("thermal")
	req.SetStatsPath(dir)

	_, err := f.manager.RunDiagAndAction(context.Background(), req, rundiag.ActionNone, 10, 1)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "stats_thermal.json"))
	assert.True(t, os.IsNotExist(err), "passing runs write no stats when stats-on-fail is set")

	req.Flags = 0

	_, err = f.manager.RunDiagAndAction(context.Background(), req, rundiag.ActionNone, 10, 1)
	require.NoError(t, err)

	_, err = os.Stat(filepath.Join(dir, "stats_thermal.json"))
	assert.NoError(t, err)
}

func TestLoadErrorsAreReported(t *testing.T) {
	thermal := newSimplePlugin("thermal", "thermal")
	f := newFixture(t, Config{}, physicalGpus(0), thermal.entry())
	f.manager.loader.(*staticLoader).err = errors.New("plugin broken.so does not export RunTest")

	req := &rundiag.RunDiagRequest{}
	req.SetTestNames("thermal")

	resp, err := f.manager.RunDiagAndAction(context.Background(), req, rundiag.ActionNone, 10, 1)
	require.NoError(t, err)
	require.Len(t, resp.Errors, 1)
	assert.Contains(t, resp.Errors[0].Message, "broken.so")
	assert.Equal(t, pluginabi.ResultPass, resp.Overall)
}
