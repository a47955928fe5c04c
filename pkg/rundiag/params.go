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

package rundiag

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/dcgm"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/pluginabi"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/sanitize"
)

// TestParameter is one "test.parameter=value" entry of a run request.
type TestParameter struct {
	Test  string
	Name  string
	Value string
}

// TestNameList returns the non-empty test names in request order.
func (r *RunDiagRequest) TestNameList() []string {
	var names []string

	for i := range r.TestNames {
		name := strings.TrimSpace(sanitize.String(r.TestNames[i][:]))
		if name != "" {
			names = append(names, name)
		}
	}

	return names
}

// Parameters parses the non-empty test parameter entries. Each entry has the
// form test.parameter=value; a malformed entry is a bad parameter.
func (r *RunDiagRequest) Parameters() ([]TestParameter, error) {
	var params []TestParameter

	for i := range r.TestParms {
		raw := strings.TrimSpace(sanitize.String(r.TestParms[i][:]))
		if raw == "" {
			continue
		}

		p, err := ParseTestParameter(raw)
		if err != nil {
			return nil, err
		}

		params = append(params, p)
	}

	return params, nil
}

// ParseTestParameter parses a single test.parameter=value entry.
func ParseTestParameter(raw string) (TestParameter, error) {
	key, value, ok := strings.Cut(raw, "=")
	if !ok {
		return TestParameter{}, fmt.Errorf("test parameter %q is missing '=': %w", raw, dcgm.StatusBadParameter)
	}

	test, name, ok := strings.Cut(strings.TrimSpace(key), ".")
	if !ok || test == "" || name == "" {
		return TestParameter{}, fmt.Errorf("test parameter %q must be test.parameter=value: %w",
			raw, dcgm.StatusBadParameter)
	}

	return TestParameter{Test: test, Name: name, Value: strings.TrimSpace(value)}, nil
}

// UsingFakeGpus reports whether the request targets simulated GPUs.
func (r *RunDiagRequest) UsingFakeGpus() bool {
	return strings.TrimSpace(sanitize.String(r.FakeGpuList[:])) != ""
}

// GpuIDs parses the GPU selection. Fake GPUs take precedence over real ones
// when both lists are set. An empty real list yields nil, meaning every GPU.
func (r *RunDiagRequest) GpuIDs() ([]uint, error) {
	if r.UsingFakeGpus() {
		return ParseGpuList(sanitize.String(r.FakeGpuList[:]))
	}

	return ParseGpuList(sanitize.String(r.GpuList[:]))
}

// ParseGpuList parses a comma separated GPU list. Entries are ids or
// inclusive ranges such as 0-3. "" and "*" select every GPU and yield nil.
// Ids must be below pluginabi.MaxDevices, so a list never names more GPUs
// than a plugin accepts.
func ParseGpuList(list string) ([]uint, error) {
	list = strings.TrimSpace(list)
	if list == "" || list == "*" {
		return nil, nil
	}

	seen := make(map[uint]bool)

	var ids []uint

	add := func(id uint) {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	for _, part := range strings.Split(list, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}

		lo, hi, isRange := strings.Cut(part, "-")

		first, err := parseGpuID(lo)
		if err != nil {
			return nil, fmt.Errorf("invalid gpu id %q: %v: %w", part, err, dcgm.StatusBadParameter)
		}

		if !isRange {
			add(first)
			continue
		}

		last, err := parseGpuID(hi)
		if err != nil {
			return nil, fmt.Errorf("invalid gpu range %q: %v: %w", part, err, dcgm.StatusBadParameter)
		}

		if last < first {
			return nil, fmt.Errorf("invalid gpu range %q: %w", part, dcgm.StatusBadParameter)
		}

		for id := first; id <= last; id++ {
			add(id)
		}
	}

	return ids, nil
}

func parseGpuID(s string) (uint, error) {
	id, err := strconv.ParseUint(strings.TrimSpace(s), 10, 32)
	if err != nil {
		return 0, err
	}

	if id >= pluginabi.MaxDevices {
		return 0, fmt.Errorf("gpu ids must be below %d", pluginabi.MaxDevices)
	}

	return uint(id), nil
}

func (r *RunDiagRequest) ConfigFile() string   { return sanitize.String(r.ConfigFileContents[:]) }
func (r *RunDiagRequest) StatsPathName() string { return sanitize.String(r.StatsPath[:]) }
func (r *RunDiagRequest) PluginDir() string     { return sanitize.String(r.PluginPath[:]) }
func (r *RunDiagRequest) DebugLog() string      { return sanitize.String(r.DebugLogFile[:]) }

// ThrottleMaskValue returns the throttle mask as written by the caller:
// either a decimal bit mask or a comma separated list of reason names.
func (r *RunDiagRequest) ThrottleMaskValue() string {
	return strings.TrimSpace(sanitize.String(r.ThrottleMask[:]))
}

// SetTestNames stores names, truncating each to capacity. Names beyond
// MaxTestNames are dropped.
func (r *RunDiagRequest) SetTestNames(names ...string) {
	for i := range r.TestNames {
		sanitize.Clear(r.TestNames[i][:])
	}

	for i, name := range names {
		if i >= MaxTestNames {
			break
		}

		sanitize.SetString(r.TestNames[i][:], name)
	}
}

// SetParameters stores raw test.parameter=value entries.
func (r *RunDiagRequest) SetParameters(params ...string) {
	for i := range r.TestParms {
		sanitize.Clear(r.TestParms[i][:])
	}

	for i, p := range params {
		if i >= MaxTestParms {
			break
		}

		sanitize.SetString(r.TestParms[i][:], p)
	}
}

func (r *RunDiagRequest) SetGpuList(list string)     { sanitize.SetString(r.GpuList[:], list) }
func (r *RunDiagRequest) SetFakeGpuList(list string) { sanitize.SetString(r.FakeGpuList[:], list) }
func (r *RunDiagRequest) SetConfigFile(c string)     { sanitize.SetString(r.ConfigFileContents[:], c) }
func (r *RunDiagRequest) SetStatsPath(p string)      { sanitize.SetString(r.StatsPath[:], p) }
func (r *RunDiagRequest) SetPluginPath(p string)     { sanitize.SetString(r.PluginPath[:], p) }
func (r *RunDiagRequest) SetDebugLogFile(p string)   { sanitize.SetString(r.DebugLogFile[:], p) }
func (r *RunDiagRequest) SetThrottleMask(m string)   { sanitize.SetString(r.ThrottleMask[:], m) }
