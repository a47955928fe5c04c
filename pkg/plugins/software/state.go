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

package software

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/pluginabi"
)

// testState accumulates what the checks of one test report. RunTest may be
// called for several GPUs at once, so every mutation holds mu.
type testState struct {
	mu         sync.Mutex
	results    map[int32]pluginabi.Result
	errors     []pluginabi.ErrorDetail
	info       []pluginabi.ErrorDetail
	nodeDone   map[string]bool
	checksRun  []string
	retired    map[uint32]int64
}

func newTestState() *testState {
	return &testState{
		results:  make(map[int32]pluginabi.Result),
		nodeDone: make(map[string]bool),
		retired:  make(map[uint32]int64),
	}
}

// touch records that gpuID was covered, passing unless something worse is
// reported later.
func (s *testState) touch(gpuID int32) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.results[gpuID]; !ok {
		s.results[gpuID] = pluginabi.ResultPass
	}
}

func (s *testState) claimNodeCheck(check string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.nodeDone[check] {
		return false
	}

	s.nodeDone[check] = true
	s.checksRun = append(s.checksRun, check)

	return true
}

func (s *testState) worsen(gpuID int32, r pluginabi.Result) {
	s.results[gpuID] = pluginabi.Worse(s.results[gpuID], r)
}

func (s *testState) setResult(gpus []pluginabi.GpuInfo, r pluginabi.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, g := range gpus {
		s.worsen(int32(g.GpuID), r)
	}
}

// addError records d and degrades the result of the GPU it names. Records
// for AllGpus degrade the node-wide result.
func (s *testState) addError(d pluginabi.ErrorDetail, r pluginabi.Result) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.errors = append(s.errors, d)
	s.worsen(d.GpuID, r)
}

func (s *testState) addInfo(gpuID int32, msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.info = append(s.info, pluginabi.NewInfo(gpuID, msg))
}

func (s *testState) ran(check string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !slices.Contains(s.checksRun, check) {
		s.checksRun = append(s.checksRun, check)
	}
}

func (s *testState) recordRetired(gpuID uint32, total int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.retired[gpuID] = total
}

func (s *testState) customStats() []pluginabi.CustomStat {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UnixMicro()
	stats := make([]pluginabi.CustomStat, 0, len(s.retired))

	for gpuID, total := range s.retired {
		var stat pluginabi.CustomStat

		copy(stat.Name[:], "retired_pages_total")
		stat.Type = pluginabi.StatTypeGpu
		stat.GpuID = gpuID
		stat.Values = []pluginabi.StatValue{{Type: pluginabi.ParamInt, Timestamp: now, Int: int32(min(total, 1<<31-1))}}
		stats = append(stats, stat)
	}

	slices.SortFunc(stats, func(a, b pluginabi.CustomStat) int { return cmp.Compare(a.GpuID, b.GpuID) })

	return stats
}

func (s *testState) fill(out *pluginabi.Results) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ids := make([]int32, 0, len(s.results))
	for id := range s.results {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	for _, id := range ids {
		out.AddResult(id, s.results[id])
	}

	for _, d := range s.errors {
		out.AddError(d)
	}

	for _, d := range s.info {
		out.AddInfo(d)
	}

	if aux, err := pluginabi.NewJSONAux(map[string]any{"checks": s.checksRun}); err == nil {
		out.AuxData = aux
	}
}
