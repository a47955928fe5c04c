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

package fieldvalue

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/dcgm"
)

type countingReader struct {
	calls int
	value int64
	err   error
}

func (r *countingReader) ReadField(gpuID uint, fieldID FieldID) (Value, error) {
	r.calls++
	if r.err != nil {
		return Value{}, r.err
	}

	return Value{FieldID: fieldID, Int64: r.value}, nil
}

func TestProviderRealGpu(t *testing.T) {
	reader := &countingReader{value: 7}
	p := NewProvider(reader)

	v, err := p.GetCurrentFieldValue(0, FieldRetiredDbe, FlagLiveData)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v.Int64)
	assert.False(t, v.Timestamp.IsZero())

	reader.value = 9

	v, err = p.GetCurrentFieldValue(0, FieldRetiredDbe, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(7), v.Int64, "cached read served from cache")
	assert.Equal(t, 1, reader.calls)

	v, err = p.GetCurrentFieldValue(0, FieldRetiredDbe, FlagLiveData)
	require.NoError(t, err)
	assert.Equal(t, int64(9), v.Int64, "live read bypasses cache")
	assert.Equal(t, 2, reader.calls)
}

func TestProviderRealGpuErrors(t *testing.T) {
	reader := &countingReader{err: errors.New("nvml: gpu is lost")}
	p := NewProvider(reader)

	_, err := p.GetCurrentFieldValue(1, FieldRowRemapPending, FlagLiveData)
	assert.ErrorContains(t, err, "row_remap_pending")

	_, err = NewProvider(nil).GetCurrentFieldValue(1, FieldRowRemapPending, 0)
	assert.ErrorIs(t, err, dcgm.StatusNotSupported)
}

func TestProviderFakeGpu(t *testing.T) {
	reader := &countingReader{value: 1}
	p := NewProvider(reader)
	require.NoError(t, p.Inject(4, Value{FieldID: FieldRetiredPending, Int64: 2}))

	assert.True(t, p.IsFake(4))
	assert.False(t, p.IsFake(0))
	assert.Equal(t, []uint{4}, p.FakeGpus())

	_, err := p.GetCurrentFieldValue(4, FieldRetiredPending, FlagLiveData)
	assert.ErrorIs(t, err, dcgm.StatusNotSupported)

	v, err := p.GetCurrentFieldValue(4, FieldRetiredPending, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v.Int64)

	v, err = p.GetCurrentFieldValue(4, FieldRetiredDbe, 0)
	require.NoError(t, err)
	assert.True(t, v.IsBlank())
	assert.Equal(t, int32(dcgm.StatusNoData), v.Status)

	assert.Zero(t, reader.calls, "simulated GPUs never reach the driver")
}

func TestProviderKeepsPhysicalGpusReal(t *testing.T) {
	reader := &countingReader{value: 5}
	p := NewProvider(reader)
	p.SetPhysicalGpus(0, 1)

	_, err := p.AddFakeGpus(2, 1)
	require.ErrorIs(t, err, dcgm.StatusBadParameter)
	assert.False(t, p.IsFake(2), "a rejected registration registers nothing")

	err = p.Inject(0, Value{FieldID: FieldRowRemapPending, Int64: 1})
	require.ErrorIs(t, err, dcgm.StatusBadParameter)

	v, err := p.GetCurrentFieldValue(0, FieldRowRemapPending, FlagLiveData)
	require.NoError(t, err)
	assert.Equal(t, int64(5), v.Int64)
}

func TestProviderFakeRegistrationIsScoped(t *testing.T) {
	reader := &countingReader{value: 3}
	p := NewProvider(reader)

	require.NoError(t, p.Inject(5, Value{FieldID: FieldRetiredDbe, Int64: 1}))

	added, err := p.AddFakeGpus(4, 5)
	require.NoError(t, err)
	assert.Equal(t, []uint{4}, added, "GPU 5 was already simulated")

	p.RemoveFakeGpus(added...)
	assert.Equal(t, []uint{5}, p.FakeGpus())

	// GPU 4 is real again once its simulation ends.
	v, err := p.GetCurrentFieldValue(4, FieldRetiredDbe, FlagLiveData)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v.Int64)

	p.RemoveFakeGpus(5)

	v, err = p.GetCurrentFieldValue(5, FieldRetiredDbe, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(3), v.Int64, "injected values go away with the simulated GPU")
}

func TestSetPhysicalGpusDropsCollidingSimulations(t *testing.T) {
	p := NewProvider(&countingReader{value: 8})
	require.NoError(t, p.Inject(0, Value{FieldID: FieldRetiredPending, Int64: 1}))
	require.NoError(t, p.Inject(7, Value{FieldID: FieldRetiredPending, Int64: 1}))

	p.SetPhysicalGpus(0)

	assert.Equal(t, []uint{7}, p.FakeGpus())

	v, err := p.GetCurrentFieldValue(0, FieldRetiredPending, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(8), v.Int64)
}

func TestFieldIDString(t *testing.T) {
	assert.Equal(t, "retired_pages_pending", FieldRetiredPending.String())
	assert.Equal(t, "field_1", FieldID(1).String())
}

func TestParseFieldID(t *testing.T) {
	tests := []struct {
		in      string
		want    FieldID
		wantErr bool
	}{
		{in: "retired_pages_pending", want: FieldRetiredPending},
		{in: "396", want: FieldRowRemapPending},
		{in: "field_700", want: FieldID(700)},
		{in: "0", wantErr: true},
		{in: "bogus", wantErr: true},
		{in: "70000", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFieldID(tt.in)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}

			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
