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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/dcgm"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/pluginabi"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/rundiag"
)

func testValidator() *Validator {
	var info pluginabi.Info

	info.SetName("memory", "")
	info.AddTest("Memtest", "", "Hardware",
		pluginabi.ParameterDescriptor{Name: "test_duration", Type: pluginabi.ParamFloat},
		pluginabi.ParameterDescriptor{Name: "test0.iterations", Type: pluginabi.ParamInt},
	)
	info.AddTest("software", "", "Software",
		pluginabi.ParameterDescriptor{Name: "do_test", Type: pluginabi.ParamString},
	)

	return NewValidator(info.Descriptor())
}

func TestValidatorLookups(t *testing.T) {
	v := testValidator()

	assert.True(t, v.IsValidTestName("memtest"))
	assert.True(t, v.IsValidTestName("SOFTWARE"))
	assert.False(t, v.IsValidTestName("pcie"))

	assert.True(t, v.IsValidParameter("MEMTEST", "Test_Duration"))
	assert.True(t, v.IsValidParameter("software", pluginabi.ParamFailEarly))
	assert.False(t, v.IsValidParameter("software", "test_duration"))
	assert.False(t, v.IsValidParameter("pcie", pluginabi.ParamFailEarly))

	assert.True(t, v.IsValidSubtest("memtest", "TEST0"))
	assert.False(t, v.IsValidSubtest("memtest", "test1"))
	assert.True(t, v.IsValidSubtestParameter("memtest", "test0", "Iterations"))
	assert.False(t, v.IsValidSubtestParameter("memtest", "test0", "duration"))

	assert.Equal(t, pluginabi.ParamFloat, v.TypeOf("memtest", "test_duration"))
	assert.Equal(t, pluginabi.ParamInt, v.TypeOf("memtest", "test0.iterations"))
	assert.Equal(t, pluginabi.ParamBool, v.TypeOf("software", pluginabi.ParamFailEarly))
	assert.Equal(t, pluginabi.ParamString, v.TypeOf("software", "undeclared"))

	name, ok := v.CanonicalTestName("MEMTEST")
	require.True(t, ok)
	assert.Equal(t, "Memtest", name)
}

func TestValidatorValidate(t *testing.T) {
	tests := []struct {
		name    string
		tests   []string
		params  []rundiag.TestParameter
		wantErr string
	}{
		{
			name:  "valid request",
			tests: []string{"software", "memtest"},
			params: []rundiag.TestParameter{
				{Test: "software", Name: "do_test", Value: "inforom"},
				{Test: "memtest", Name: "test_duration", Value: "1.5"},
				{Test: "memtest", Name: "test0.iterations", Value: "3"},
				{Test: "software", Name: "fail_early", Value: "true"},
			},
		},
		{name: "unknown test", tests: []string{"pcie"}, wantErr: `unknown test "pcie"`},
		{
			name:    "unknown parameter",
			tests:   []string{"software"},
			params:  []rundiag.TestParameter{{Test: "software", Name: "speed", Value: "1"}},
			wantErr: `no parameter "speed"`,
		},
		{
			name:    "unknown subtest",
			tests:   []string{"memtest"},
			params:  []rundiag.TestParameter{{Test: "memtest", Name: "test9.iterations", Value: "1"}},
			wantErr: `no subtest "test9"`,
		},
		{
			name:    "bad value type",
			tests:   []string{"memtest"},
			params:  []rundiag.TestParameter{{Test: "memtest", Name: "test_duration", Value: "long"}},
			wantErr: `not a valid float`,
		},
		{
			name:    "host only parameter",
			tests:   []string{"memtest"},
			params:  []rundiag.TestParameter{{Test: "memtest", Name: "Target_GPUs", Value: "7"}},
			wantErr: `set by the host`,
		},
	}

	v := testValidator()

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := v.Validate(tt.tests, tt.params)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}

			require.ErrorIs(t, err, dcgm.StatusBadParameter)
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}
