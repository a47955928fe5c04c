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
	"fmt"
	"strconv"
	"strings"

	"github.com/hashicorp/go-multierror"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/dcgm"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/pluginabi"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/rundiag"
)

// reservedParams are accepted by every test.
var reservedParams = map[string]pluginabi.ParamType{
	pluginabi.ParamFailEarly:         pluginabi.ParamBool,
	pluginabi.ParamFailCheckInterval: pluginabi.ParamFloat,
	pluginabi.ParamTargetGpus:        pluginabi.ParamString,
}

type paramSet map[string]pluginabi.ParamType

type testInfo struct {
	name     string
	params   paramSet
	subtests map[string]paramSet
}

// Validator checks test names and parameters against the descriptors of
// the usable plugins. Every lookup is case-insensitive. A descriptor
// parameter named "subtest.param" declares a parameter of a subtest.
type Validator struct {
	tests map[string]*testInfo
}

// NewValidator builds a validator from plugin descriptors.
func NewValidator(descs ...pluginabi.Descriptor) *Validator {
	v := &Validator{tests: make(map[string]*testInfo)}

	for _, d := range descs {
		for _, t := range d.Tests {
			v.AddTest(t.Name)

			for _, p := range t.Parameters {
				if sub, name, ok := strings.Cut(p.Name, "."); ok {
					v.AddSubtestParameter(t.Name, sub, name, p.Type)
				} else {
					v.AddParameter(t.Name, p.Name, p.Type)
				}
			}
		}
	}

	return v
}

func (v *Validator) test(name string) *testInfo {
	return v.tests[strings.ToLower(name)]
}

// AddTest registers a test with no parameters.
func (v *Validator) AddTest(name string) {
	key := strings.ToLower(name)
	if _, ok := v.tests[key]; !ok {
		v.tests[key] = &testInfo{name: name, params: paramSet{}, subtests: map[string]paramSet{}}
	}
}

// AddParameter registers a parameter of test, registering the test if needed.
func (v *Validator) AddParameter(test, param string, typ pluginabi.ParamType) {
	v.AddTest(test)
	v.test(test).params[strings.ToLower(param)] = typ
}

// AddSubtestParameter registers a parameter of a subtest of test.
func (v *Validator) AddSubtestParameter(test, subtest, param string, typ pluginabi.ParamType) {
	v.AddTest(test)

	ti := v.test(test)
	sub := strings.ToLower(subtest)

	if ti.subtests[sub] == nil {
		ti.subtests[sub] = paramSet{}
	}

	ti.subtests[sub][strings.ToLower(param)] = typ
}

func (v *Validator) IsValidTestName(test string) bool {
	return v.test(test) != nil
}

func (v *Validator) IsValidParameter(test, param string) bool {
	_, ok := v.ParameterType(test, param)
	return ok
}

func (v *Validator) IsValidSubtest(test, subtest string) bool {
	ti := v.test(test)
	return ti != nil && ti.subtests[strings.ToLower(subtest)] != nil
}

func (v *Validator) IsValidSubtestParameter(test, subtest, param string) bool {
	ti := v.test(test)
	if ti == nil {
		return false
	}

	_, ok := ti.subtests[strings.ToLower(subtest)][strings.ToLower(param)]

	return ok
}

// ParameterType returns the declared type of a test parameter. Reserved
// parameters are valid for every known test.
func (v *Validator) ParameterType(test, param string) (pluginabi.ParamType, bool) {
	ti := v.test(test)
	if ti == nil {
		return pluginabi.ParamNone, false
	}

	param = strings.ToLower(param)
	if typ, ok := ti.params[param]; ok {
		return typ, true
	}

	typ, ok := reservedParams[param]

	return typ, ok
}

// TypeOf returns the declared type of a parameter named either param or
// subtest.param, and ParamString when it is not declared.
func (v *Validator) TypeOf(test, name string) pluginabi.ParamType {
	if sub, param, ok := strings.Cut(name, "."); ok {
		if ti := v.test(test); ti != nil {
			if typ, ok := ti.subtests[strings.ToLower(sub)][strings.ToLower(param)]; ok {
				return typ
			}
		}

		return pluginabi.ParamString
	}

	if typ, ok := v.ParameterType(test, name); ok {
		return typ
	}

	return pluginabi.ParamString
}

// CanonicalTestName returns the test name as the plugin declared it.
func (v *Validator) CanonicalTestName(test string) (string, bool) {
	ti := v.test(test)
	if ti == nil {
		return "", false
	}

	return ti.name, true
}

// Validate checks every requested test and parameter. All problems are
// reported together and the returned error wraps StatusBadParameter.
func (v *Validator) Validate(tests []string, params []rundiag.TestParameter) error {
	var result *multierror.Error

	for _, t := range tests {
		if !v.IsValidTestName(t) {
			result = multierror.Append(result, fmt.Errorf("unknown test %q", t))
		}
	}

	for _, p := range params {
		if err := v.validateParameter(p); err != nil {
			result = multierror.Append(result, err)
		}
	}

	if err := result.ErrorOrNil(); err != nil {
		return fmt.Errorf("%w: %w", dcgm.StatusBadParameter, err)
	}

	return nil
}

func (v *Validator) validateParameter(p rundiag.TestParameter) error {
	if !v.IsValidTestName(p.Test) {
		return fmt.Errorf("parameter %s.%s names unknown test %q", p.Test, p.Name, p.Test)
	}

	if strings.EqualFold(p.Name, pluginabi.ParamTargetGpus) {
		return fmt.Errorf("parameter %s.%s is set by the host from the GPU selection", p.Test, p.Name)
	}

	var (
		typ pluginabi.ParamType
		ok  bool
	)

	if sub, name, isSub := strings.Cut(p.Name, "."); isSub {
		if !v.IsValidSubtest(p.Test, sub) {
			return fmt.Errorf("test %s has no subtest %q", p.Test, sub)
		}

		typ, ok = v.test(p.Test).subtests[strings.ToLower(sub)][strings.ToLower(name)]
	} else {
		typ, ok = v.ParameterType(p.Test, p.Name)
	}

	if !ok {
		return fmt.Errorf("test %s has no parameter %q", p.Test, p.Name)
	}

	if err := checkValue(typ, p.Value); err != nil {
		return fmt.Errorf("parameter %s.%s: %w", p.Test, p.Name, err)
	}

	return nil
}

func checkValue(typ pluginabi.ParamType, value string) error {
	var err error

	switch typ {
	case pluginabi.ParamInt:
		_, err = strconv.ParseInt(value, 10, 64)
	case pluginabi.ParamFloat:
		_, err = strconv.ParseFloat(value, 64)
	case pluginabi.ParamBool:
		_, err = strconv.ParseBool(value)
	}

	if err != nil {
		return fmt.Errorf("value %q is not a valid %s", value, typ)
	}

	return nil
}
