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

package pluginhost

import (
	"io"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/dcgm"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/pluginabi"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakePlugin is an in-memory plugin that records every entry point call.
type fakePlugin struct {
	name         string
	tests        []string
	version      uint32
	infoStatus   dcgm.Status
	initStatus   dcgm.Status
	initGate     chan struct{}
	selfParallel bool
	statPages    int
	runDelay     time.Duration
	// onRun decides the result of one GPU; it may raise escalation.
	onRun func(host pluginabi.HostHandle, test string, gpu int32) pluginabi.Result
	// fill, when set, replaces the recorded results on RetrieveResults.
	fill func(r *pluginabi.Results)

	mu       sync.Mutex
	calls    map[string]int
	ran      []string
	host     pluginabi.HostHandle
	pending  map[string][]pluginabi.SimpleResult
	pagesOut map[string]int

	active    atomic.Int32
	maxActive atomic.Int32
	shutdowns atomic.Int32
	shutdown  chan struct{}
}

func newFakePlugin(name string, tests ...string) *fakePlugin {
	return &fakePlugin{
		name:     name,
		tests:    tests,
		version:  pluginabi.InterfaceVersion,
		calls:    map[string]int{},
		pending:  map[string][]pluginabi.SimpleResult{},
		pagesOut: map[string]int{},
		shutdown: make(chan struct{}, 4),
	}
}

func (f *fakePlugin) count(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()

	f.calls[name]++
}

func (f *fakePlugin) callCount(name string) int {
	f.mu.Lock()
	defer f.mu.Unlock()

	return f.calls[name]
}

func (f *fakePlugin) ranUnits() []string {
	f.mu.Lock()
	defer f.mu.Unlock()

	return append([]string(nil), f.ran...)
}

func (f *fakePlugin) entry() pluginabi.EntryPoints {
	return pluginabi.EntryPoints{
		GetPluginInterfaceVersion: func() uint32 {
			f.count(pluginabi.SymbolGetPluginInterfaceVersion)
			return f.version
		},
		GetPluginInfo: func(_ uint32, info *pluginabi.Info) dcgm.Status {
			f.count(pluginabi.SymbolGetPluginInfo)
			info.SetName(f.name, "fake plugin")
			info.SelfParallel = f.selfParallel

			for _, t := range f.tests {
				info.AddTest(t, "fake test", "Fake",
					pluginabi.ParameterDescriptor{Name: "iterations", Type: pluginabi.ParamInt})
			}

			return f.infoStatus
		},
		InitializePlugin: func(host pluginabi.HostHandle, _ *pluginabi.GpuList, fields *pluginabi.StatFieldIDs,
			userData *pluginabi.UserData, _ dcgm.Severity, logger pluginabi.LogFunc) dcgm.Status {
			f.count(pluginabi.SymbolInitializePlugin)

			if f.initGate != nil {
				<-f.initGate
			}

			logger(dcgm.SeverityDebug, "initializing")

			f.mu.Lock()
			f.host = host
			f.mu.Unlock()

			fields.NumFieldIDs = 2
			fields.FieldIDs[0] = 391
			fields.FieldIDs[1] = 392
			*userData = f.name + "-instance"

			return f.initStatus
		},
		RunTest: func(test string, _ uint32, params []pluginabi.TestParameter, _ pluginabi.UserData) {
			f.count(pluginabi.SymbolRunTest)

			n := f.active.Add(1)
			for {
				m := f.maxActive.Load()
				if n <= m || f.maxActive.CompareAndSwap(m, n) {
					break
				}
			}

			defer f.active.Add(-1)

			if f.runDelay > 0 {
				time.Sleep(f.runDelay)
			}

			target, _ := pluginabi.Lookup(params, pluginabi.ParamTargetGpus)

			f.mu.Lock()
			f.ran = append(f.ran, test+":"+target)
			host := f.host
			f.mu.Unlock()

			for _, s := range strings.Split(target, ",") {
				id, err := strconv.Atoi(s)
				if err != nil {
					continue
				}

				result := pluginabi.ResultPass
				if f.onRun != nil {
					result = f.onRun(host, test, int32(id))
				}

				f.mu.Lock()
				f.pending[test] = append(f.pending[test], pluginabi.SimpleResult{GpuID: int32(id), Result: result})
				f.mu.Unlock()
			}
		},
		RetrieveCustomStats: func(test string, stats *pluginabi.CustomStats, _ pluginabi.UserData) {
			f.count(pluginabi.SymbolRetrieveCustomStats)

			f.mu.Lock()
			defer f.mu.Unlock()

			if f.pagesOut[test] >= f.statPages {
				return
			}

			f.pagesOut[test]++

			var s pluginabi.CustomStat
			copy(s.Name[:], "page")
			s.Values = []pluginabi.StatValue{{Type: pluginabi.ParamInt, Int: int32(f.pagesOut[test])}}
			stats.Stats = []pluginabi.CustomStat{s}
			stats.MoreStats = f.pagesOut[test] < f.statPages
		},
		RetrieveResults: func(test string, results *pluginabi.Results, _ pluginabi.UserData) {
			f.count(pluginabi.SymbolRetrieveResults)

			f.mu.Lock()
			pending := f.pending[test]
			delete(f.pending, test)
			f.mu.Unlock()

			for _, sr := range pending {
				results.AddResult(sr.GpuID, sr.Result)
			}

			if f.fill != nil {
				f.fill(results)
			}
		},
		ShutdownPlugin: func(userData pluginabi.UserData) dcgm.Status {
			f.count(pluginabi.SymbolShutdownPlugin)
			f.shutdowns.Add(1)
			f.shutdown <- struct{}{}

			return dcgm.StatusOK
		},
	}
}
