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
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/dcgm"
)

func TestParseGpuList(t *testing.T) {
	tests := []struct {
		name    string
		in      string
		want    []uint
		wantErr bool
	}{
		{name: "empty means all", in: "", want: nil},
		{name: "star means all", in: " * ", want: nil},
		{name: "single", in: "3", want: []uint{3}},
		{name: "list with spaces", in: "0, 2 ,1", want: []uint{0, 2, 1}},
		{name: "range", in: "0-3", want: []uint{0, 1, 2, 3}},
		{name: "duplicates collapse", in: "1,0-2", want: []uint{1, 0, 2}},
		{name: "trailing comma", in: "4,", want: []uint{4}},
		{name: "garbage", in: "gpu0", wantErr: true},
		{name: "inverted range", in: "3-1", wantErr: true},
		{name: "negative", in: "-1", wantErr: true},
		{name: "every device", in: "0-31", want: func() []uint {
			ids := make([]uint, 32)
			for i := range ids {
				ids[i] = uint(i)
			}
			return ids
		}()},
		{name: "id past the device limit", in: "32", wantErr: true},
		{name: "range ending past the device limit", in: "31-32", wantErr: true},
		{name: "range past the device limit", in: "0-40", wantErr: true},
		{name: "range over every uint32", in: "0-4294967295", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseGpuList(tt.in)
			if tt.wantErr {
				assert.ErrorIs(t, err, dcgm.StatusBadParameter)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParameters(t *testing.T) {
	req := &RunDiagRequest{}
	req.SetParameters("software.do_test = inforom", "", "memory.l1cache=true")

	params, err := req.Parameters()
	require.NoError(t, err)
	assert.Equal(t, []TestParameter{
		{Test: "software", Name: "do_test", Value: "inforom"},
		{Test: "memory", Name: "l1cache", Value: "true"},
	}, params)

	req.SetParameters("software=1")
	_, err = req.Parameters()
	assert.ErrorIs(t, err, dcgm.StatusBadParameter)

	req.SetParameters("software.do_test")
	_, err = req.Parameters()
	assert.ErrorIs(t, err, dcgm.StatusBadParameter)
}

func TestTestNamesAndGpuSelection(t *testing.T) {
	req := &RunDiagRequest{}
	req.SetTestNames("software", " ", "Memory")
	assert.Equal(t, []string{"software", "Memory"}, req.TestNameList())

	req.SetGpuList("0,1")
	ids, err := req.GpuIDs()
	require.NoError(t, err)
	assert.Equal(t, []uint{0, 1}, ids)
	assert.False(t, req.UsingFakeGpus())

	req.SetFakeGpuList("5")
	ids, err = req.GpuIDs()
	require.NoError(t, err)
	assert.Equal(t, []uint{5}, ids)
	assert.True(t, req.UsingFakeGpus())

	assert.True(t, (FlagFailEarly | FlagVerbose).Has(FlagFailEarly))
	assert.False(t, FlagVerbose.Has(FlagStatsOnFail))
}
