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

// Package aggregator merges per-test plugin results into the response of a
// diagnostic run.
package aggregator

import (
	"time"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/pluginabi"
)

// TestStatus tells how far a test got.
type TestStatus string

const (
	TestCompleted TestStatus = "completed"
	// TestNotRun means no RunTest call was issued, because the run was
	// escalated or stopped before the test's first unit.
	TestNotRun TestStatus = "not_run"
	// TestFailed means the plugin could not run the test at all.
	TestFailed TestStatus = "plugin_failure"
)

// ErrorDetail is a structured error or info record in a response.
type ErrorDetail struct {
	GpuID     int32               `json:"gpuId"`
	Code      pluginabi.ErrorCode `json:"code"`
	CodeName  string              `json:"codeName,omitempty"`
	Message   string              `json:"message"`
	NextSteps string              `json:"nextSteps,omitempty"`
}

// NewErrorDetail builds a record and fills in the code name and remediation.
func NewErrorDetail(gpuID int32, code pluginabi.ErrorCode, msg string) ErrorDetail {
	d := ErrorDetail{GpuID: gpuID, Code: code, Message: msg, NextSteps: code.NextSteps()}
	if code != pluginabi.CodeOK {
		d.CodeName = code.String()
	}

	return d
}

// StatSample is one value of a custom stat.
type StatSample struct {
	Timestamp int64    `json:"timestamp"`
	Int       *int32   `json:"int,omitempty"`
	Float     *float64 `json:"float,omitempty"`
	Str       string   `json:"str,omitempty"`
}

// CustomStat is a host-owned copy of a plugin custom stat.
type CustomStat struct {
	Name     string             `json:"name"`
	Category string             `json:"category,omitempty"`
	Type     pluginabi.StatType `json:"type"`
	GpuID    uint32             `json:"gpuId"`
	Values   []StatSample       `json:"values"`
}

// TestResult is everything collected for one (plugin, test) execution.
type TestResult struct {
	Plugin            string                   `json:"plugin"`
	Name              string                   `json:"name"`
	Status            TestStatus               `json:"status"`
	Results           []pluginabi.SimpleResult `json:"results,omitempty"`
	Errors            []ErrorDetail            `json:"errors,omitempty"`
	Info              []ErrorDetail            `json:"info,omitempty"`
	Aux               *pluginabi.AuxValue      `json:"aux,omitempty"`
	CustomStats       []CustomStat             `json:"customStats,omitempty"`
	RequestedFieldIDs []uint16                 `json:"requestedFieldIds,omitempty"`
}

// GPUResult is the merged outcome of a GPU across every test.
type GPUResult struct {
	GpuID  uint             `json:"gpuId"`
	Result pluginabi.Result `json:"result"`
}

// Response is the outcome of one diagnostic run.
type Response struct {
	Version          uint32           `json:"version"`
	RunID            string           `json:"runId"`
	Iteration        uint32           `json:"iteration"`
	TotalIterations  uint32           `json:"totalIterations"`
	StartTime        time.Time        `json:"startTime"`
	EndTime          time.Time        `json:"endTime"`
	GPUs             []GPUResult      `json:"gpus"`
	Tests            []TestResult     `json:"tests"`
	Errors           []ErrorDetail    `json:"errors,omitempty"`
	Escalated        bool             `json:"escalated"`
	EscalationReason string           `json:"escalationReason,omitempty"`
	Stopped          bool             `json:"stopped"`
	Overall          pluginabi.Result `json:"overall"`
}

// GPU returns the merged result of gpuID.
func (r *Response) GPU(gpuID uint) (pluginabi.Result, bool) {
	for _, g := range r.GPUs {
		if g.GpuID == gpuID {
			return g.Result, true
		}
	}

	return pluginabi.ResultSkip, false
}

// Failed reports whether any GPU failed.
func (r *Response) Failed() bool {
	return r.Overall == pluginabi.ResultFail
}
