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

package pluginabi

import (
	"fmt"
	"strings"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/sanitize"
)

// Result is the outcome of a test on one GPU.
type Result int32

const (
	ResultPass Result = 0
	ResultWarn Result = 1
	ResultFail Result = 2
	ResultSkip Result = 3
)

var resultNames = map[Result]string{
	ResultPass: "PASS",
	ResultWarn: "WARN",
	ResultFail: "FAIL",
	ResultSkip: "SKIP",
}

func (r Result) String() string {
	if name, ok := resultNames[r]; ok {
		return name
	}

	return fmt.Sprintf("RESULT(%d)", int32(r))
}

// Rank orders results for worst-of merging: FAIL > WARN > SKIP > PASS.
// Unknown values rank with FAIL.
func (r Result) Rank() int {
	switch r {
	case ResultPass:
		return 0
	case ResultSkip:
		return 1
	case ResultWarn:
		return 2
	default:
		return 3
	}
}

// Worse returns whichever of a and b ranks higher.
func Worse(a, b Result) Result {
	if b.Rank() > a.Rank() {
		return b
	}

	return a
}

func (r Result) MarshalText() ([]byte, error) {
	return []byte(r.String()), nil
}

func (r *Result) UnmarshalText(text []byte) error {
	for v, name := range resultNames {
		if strings.EqualFold(name, string(text)) {
			*r = v
			return nil
		}
	}

	return fmt.Errorf("unknown result %q", text)
}

// SimpleResult is the outcome of one test on one GPU, or on AllGpus.
type SimpleResult struct {
	GpuID  int32
	Result Result
}

// ErrorDetail is a structured error or info record.
type ErrorDetail struct {
	GpuID    int32
	Code     ErrorCode
	Category uint32
	Severity uint32
	Message  [MaxMessageLen]byte
}

// MessageString returns the sanitized message.
func (d *ErrorDetail) MessageString() string {
	sanitize.Terminate(d.Message[:])
	return sanitize.String(d.Message[:])
}

// AuxDataType tags the payload of AuxData.
type AuxDataType uint32

const (
	AuxUninitialized AuxDataType = 0
	AuxJSON          AuxDataType = 1
)

// AuxDataVersion is the only AuxData layout defined so far.
const AuxDataVersion uint32 = 1

// AuxData is an optional blob attached to a test's results.
type AuxData struct {
	Version uint32
	Type    AuxDataType
	Data    []byte
}

// Results is filled in by RetrieveResults.
type Results struct {
	NumResults    uint32
	PerGpuResults [MaxDevices]SimpleResult
	NumErrors     uint32
	Errors        [MaxErrors]ErrorDetail
	NumInfo       uint32
	Info          [MaxInfo]ErrorDetail
	AuxData       AuxData
}

// AddResult appends a per-GPU result. It returns false once the list is full.
func (r *Results) AddResult(gpuID int32, result Result) bool {
	if r.NumResults >= MaxDevices {
		return false
	}

	r.PerGpuResults[r.NumResults] = SimpleResult{GpuID: gpuID, Result: result}
	r.NumResults++

	return true
}

// AddError appends an error record. It returns false once the list is full.
func (r *Results) AddError(d ErrorDetail) bool {
	if r.NumErrors >= MaxErrors {
		return false
	}

	r.Errors[r.NumErrors] = d
	r.NumErrors++

	return true
}

// AddInfo appends an info record. It returns false once the list is full.
func (r *Results) AddInfo(d ErrorDetail) bool {
	if r.NumInfo >= MaxInfo {
		return false
	}

	r.Info[r.NumInfo] = d
	r.NumInfo++

	return true
}

// StatType tells how a custom stat is keyed.
type StatType uint16

const (
	StatTypeGpu     StatType = 0
	StatTypeGrouped StatType = 1
	StatTypeSingle  StatType = 2
)

// StatValue is one timestamped sample of a custom stat.
type StatValue struct {
	Type      ParamType
	Timestamp int64
	Int       int32
	Float     float64
	Str       [MaxValueLen]byte
}

// CustomStat is a named series produced by a plugin.
type CustomStat struct {
	Name     [MaxValueLen]byte
	Category [MaxValueLen]byte
	Type     StatType
	GpuID    uint32
	Values   []StatValue
}

// CustomStats is one page returned by RetrieveCustomStats. The host keeps
// asking while MoreStats is set.
type CustomStats struct {
	MoreStats bool
	Stats     []CustomStat
}
