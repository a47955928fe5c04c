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

package aggregator

import (
	"cmp"
	"slices"
	"sync"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/pluginabi"
)

// Aggregator collects test results for one run. It is safe for concurrent
// use; plugins of a run may finish on different goroutines.
type Aggregator struct {
	gpus []uint

	mu     sync.Mutex
	tests  []TestResult
	errors []ErrorDetail
}

// New returns an aggregator for a run over gpus. A result reported for
// AllGpus applies to each of them.
func New(gpus []uint) *Aggregator {
	return &Aggregator{gpus: slices.Clone(gpus)}
}

// AddTest records one test execution.
func (a *Aggregator) AddTest(tr TestResult) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.tests = append(a.tests, tr)
}

// AddError records a run-level error that is not tied to a test.
func (a *Aggregator) AddError(d ErrorDetail) {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.errors = append(a.errors, d)
}

// Tests returns a copy of the recorded tests.
func (a *Aggregator) Tests() []TestResult {
	a.mu.Lock()
	defer a.mu.Unlock()

	return slices.Clone(a.tests)
}

// Merge computes the worst-of result per GPU. GPUs of the run that no test
// reported on come out as SKIP. Results for GPUs outside the run are kept.
func Merge(gpus []uint, tests []TestResult) []GPUResult {
	merged := make(map[uint]pluginabi.Result, len(gpus))

	apply := func(gpu uint, r pluginabi.Result) {
		if cur, ok := merged[gpu]; ok {
			merged[gpu] = pluginabi.Worse(cur, r)
		} else {
			merged[gpu] = r
		}
	}

	for _, tr := range tests {
		for _, sr := range tr.Results {
			switch {
			case sr.GpuID == pluginabi.AllGpus:
				for _, gpu := range gpus {
					apply(gpu, sr.Result)
				}
			case sr.GpuID >= 0:
				apply(uint(sr.GpuID), sr.Result)
			}
		}
	}

	for _, gpu := range gpus {
		if _, ok := merged[gpu]; !ok {
			merged[gpu] = pluginabi.ResultSkip
		}
	}

	out := make([]GPUResult, 0, len(merged))
	for gpu, r := range merged {
		out = append(out, GPUResult{GpuID: gpu, Result: r})
	}

	slices.SortFunc(out, func(x, y GPUResult) int {
		return cmp.Compare(x.GpuID, y.GpuID)
	})

	return out
}

// Overall is the worst result across gpus, SKIP when there are none.
func Overall(gpus []GPUResult) pluginabi.Result {
	if len(gpus) == 0 {
		return pluginabi.ResultSkip
	}

	overall := pluginabi.ResultPass
	for _, g := range gpus {
		overall = pluginabi.Worse(overall, g.Result)
	}

	return overall
}

// Fill copies the collected tests and errors into resp and computes the
// per-GPU and overall results.
func (a *Aggregator) Fill(resp *Response) {
	a.mu.Lock()
	tests := slices.Clone(a.tests)
	errs := slices.Clone(a.errors)
	a.mu.Unlock()

	resp.Tests = tests
	resp.Errors = errs
	resp.GPUs = Merge(a.gpus, tests)
	resp.Overall = Overall(resp.GPUs)
}
