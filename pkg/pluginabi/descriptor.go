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
	"strconv"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/sanitize"
)

// Descriptor is the sanitized, host-side copy of a plugin's Info.
type Descriptor struct {
	Name         string           `json:"name"`
	Description  string           `json:"description"`
	SelfParallel bool             `json:"selfParallel"`
	Tests        []TestDescriptor `json:"tests"`
}

// TestDescriptor is the sanitized copy of a TestInfo.
type TestDescriptor struct {
	Name        string                `json:"name"`
	Description string                `json:"description"`
	Group       string                `json:"group"`
	Parameters  []ParameterDescriptor `json:"parameters"`
}

// ParameterDescriptor is the sanitized copy of a ParameterInfo.
type ParameterDescriptor struct {
	Name string    `json:"name"`
	Type ParamType `json:"type"`
}

// text terminates buf in place and reads it.
func text(buf []byte) string {
	sanitize.Terminate(buf)
	return sanitize.String(buf)
}

// Descriptor copies info into host-owned memory. Counts above the array
// bounds are clamped and every string is terminated before it is read.
func (info *Info) Descriptor() Descriptor {
	d := Descriptor{
		Name:         text(info.Name[:]),
		Description:  text(info.Description[:]),
		SelfParallel: info.SelfParallel,
	}

	numTests := min(int(info.NumValidTests), MaxTests)
	for i := range numTests {
		ti := &info.Tests[i]
		td := TestDescriptor{
			Name:        text(ti.Name[:]),
			Description: text(ti.Description[:]),
			Group:       text(ti.Group[:]),
		}

		numParams := min(int(ti.NumValidParameters), MaxParameters)
		for j := range numParams {
			p := &ti.Parameters[j]
			td.Parameters = append(td.Parameters, ParameterDescriptor{
				Name: text(p.Name[:]),
				Type: p.Type,
			})
		}

		d.Tests = append(d.Tests, td)
	}

	return d
}

// Test returns the descriptor of the named test.
func (d *Descriptor) Test(name string) (TestDescriptor, bool) {
	for _, t := range d.Tests {
		if t.Name == name {
			return t, true
		}
	}

	return TestDescriptor{}, false
}

// SetName stores name in info.
func (info *Info) SetName(name, description string) {
	sanitize.SetString(info.Name[:], name)
	sanitize.SetString(info.Description[:], description)
}

// AddTest appends a test to info. It returns false once MaxTests is reached;
// parameters beyond MaxParameters are dropped.
func (info *Info) AddTest(name, description, group string, params ...ParameterDescriptor) bool {
	if info.NumValidTests >= MaxTests {
		return false
	}

	ti := &info.Tests[info.NumValidTests]
	sanitize.SetString(ti.Name[:], name)
	sanitize.SetString(ti.Description[:], description)
	sanitize.SetString(ti.Group[:], group)

	for _, p := range params {
		if ti.NumValidParameters >= MaxParameters {
			break
		}

		pi := &ti.Parameters[ti.NumValidParameters]
		sanitize.SetString(pi.Name[:], p.Name)
		pi.Type = p.Type
		ti.NumValidParameters++
	}

	info.NumValidTests++

	return true
}

// NewTestParameter builds a RunTest parameter, truncating name and value.
func NewTestParameter(name, value string, typ ParamType) TestParameter {
	var p TestParameter

	sanitize.SetString(p.Name[:], name)
	sanitize.SetString(p.Value[:], value)
	p.Type = typ

	return p
}

// ParamName returns the sanitized parameter name.
func (p *TestParameter) ParamName() string {
	return text(p.Name[:])
}

// ParamValue returns the sanitized parameter value.
func (p *TestParameter) ParamValue() string {
	return text(p.Value[:])
}

// Lookup finds a parameter by name.
func Lookup(params []TestParameter, name string) (string, bool) {
	for i := range params {
		if params[i].ParamName() == name {
			return params[i].ParamValue(), true
		}
	}

	return "", false
}

// LookupBool reads a boolean parameter, returning def when it is absent or
// unparsable.
func LookupBool(params []TestParameter, name string, def bool) bool {
	v, ok := Lookup(params, name)
	if !ok {
		return def
	}

	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}

	return b
}
