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

package statswriter

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/aggregator"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/pluginabi"
)

func TestWriterAtomicWrite(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "stats")

	w, err := NewWriter(dir)
	require.NoError(t, err, "Failed to create writer")

	v := int32(12)
	resp := &aggregator.Response{
		RunID:     "run-1",
		Escalated: true,
		Tests: []aggregator.TestResult{
			{
				Plugin:  "software",
				Name:    "software",
				Status:  aggregator.TestCompleted,
				Results: []pluginabi.SimpleResult{{GpuID: 0, Result: pluginabi.ResultFail}},
				CustomStats: []aggregator.CustomStat{
					{Name: "retired_pages_total", Values: []aggregator.StatSample{{Timestamp: 1, Int: &v}}},
				},
			},
			{Plugin: "memory", Name: "memory", Status: aggregator.TestNotRun},
		},
	}

	paths, err := w.Write(resp)
	require.NoError(t, err)
	require.Equal(t, []string{filepath.Join(dir, "stats_software.json")}, paths)

	_, err = os.Stat(paths[0] + ".tmp")
	require.True(t, os.IsNotExist(err), "Temporary file was not cleaned up")

	data, err := os.ReadFile(paths[0])
	require.NoError(t, err)

	var got Stats
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, "run-1", got.RunID)
	assert.True(t, got.Escalated)
	require.Len(t, got.CustomStats, 1)
	assert.Equal(t, int32(12), *got.CustomStats[0].Values[0].Int)
	assert.Equal(t, pluginabi.ResultFail, got.Results[0].Result)
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "stats_software.json", FileName("Software"))
	assert.Equal(t, "stats_targeted_power.json", FileName("targeted power"))
	assert.Equal(t, "stats_etc_passwd.json", FileName("../etc/passwd"))
}
