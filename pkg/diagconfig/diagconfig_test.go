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

package diagconfig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/dcgm"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/rundiag"
)

const sample = `
globals:
  logfile: /tmp/diag.log
  logfile_type: JSON
  scriptable: true
  require_persistence_mode: false
gpus:
  - gpuset: all
    properties:
      name: NVIDIA H100
      index: 0-1
    tests:
      - name: software
      - name: memory
software:
  do_test: page_retirement
long:
  memory:
    minimum_allocation_percentage: 75
    subtests:
      stress:
        iterations: 3
`

func TestParse(t *testing.T) {
	cfg, err := Parse(sample)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/diag.log", cfg.Globals.LogFile)
	assert.Equal(t, LogFileJSON, cfg.Globals.LogFileType)
	assert.True(t, cfg.Globals.Scriptable)
	require.NotNil(t, cfg.Globals.RequirePersistenceMode)
	assert.False(t, *cfg.Globals.RequirePersistenceMode)

	require.Len(t, cfg.GPUs, 1)
	assert.Equal(t, "NVIDIA H100", cfg.GPUs[0].Properties.Name)
	assert.Equal(t, []string{"software", "memory"}, cfg.TestNames())

	ids, err := cfg.GpuIDs()
	require.NoError(t, err)
	assert.Equal(t, []uint{0, 1}, ids)

	assert.Equal(t, []rundiag.TestParameter{
		{Test: "software", Name: "require_persistence_mode", Value: "false"},
		{Test: "memory", Name: "minimum_allocation_percentage", Value: "75"},
		{Test: "memory", Name: "stress.iterations", Value: "3"},
		{Test: "software", Name: "do_test", Value: "page_retirement"},
	}, cfg.Parameters())
}

func TestParseErrors(t *testing.T) {
	tests := []struct {
		name     string
		contents string
	}{
		{"bad logfile type", "globals:\n  logfile_type: xml\n"},
		{"not yaml", "globals: [unterminated\n"},
		{"scalar test stanza", "software: page_retirement\n"},
		{"nested parameter", "software:\n  do_test:\n    - a\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse(tt.contents)
			assert.ErrorIs(t, err, dcgm.StatusBadParameter)
		})
	}
}

func TestParseEmpty(t *testing.T) {
	cfg, err := Parse("  \n")
	require.NoError(t, err)
	assert.Empty(t, cfg.Parameters())

	ids, err := cfg.GpuIDs()
	require.NoError(t, err)
	assert.Nil(t, ids)
}

func TestMerge(t *testing.T) {
	defaults := []rundiag.TestParameter{{Test: "software", Name: "do_test", Value: "all"}}
	file := []rundiag.TestParameter{
		{Test: "Software", Name: "DO_TEST", Value: "inforom"},
		{Test: "memory", Name: "iterations", Value: "1"},
	}
	request := []rundiag.TestParameter{{Test: "memory", Name: "iterations", Value: "5"}}

	assert.Equal(t, []rundiag.TestParameter{
		{Test: "software", Name: "do_test", Value: "inforom"},
		{Test: "memory", Name: "iterations", Value: "5"},
	}, Merge(defaults, file, request))
}
