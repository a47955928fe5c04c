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

package software

import (
	"fmt"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/dcgm"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/fieldvalue"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/pluginabi"
)

// RetiredPagesLimit is the combined SBE and DBE retired page count at which
// a GPU is considered worn out.
const RetiredPagesLimit = 64

func queryFlags(fake bool) fieldvalue.Flags {
	if fake {
		return 0
	}

	return fieldvalue.FlagLiveData
}

// query reads one field. A failed query is reported as FIELD_QUERY and fails
// the GPU; ok is false when the caller should move on to the next GPU.
func (inst *instance) query(st *testState, gpuID uint32, field fieldvalue.FieldID, flags fieldvalue.Flags) (fieldvalue.Value, bool) {
	v, err := inst.handle.GetCurrentFieldValue(uint(gpuID), field, flags)
	if err != nil {
		st.addError(pluginabi.NewError(int32(gpuID), pluginabi.CodeFieldQuery, field.String(), gpuID, err.Error()),
			pluginabi.ResultFail)

		return v, false
	}

	return v, true
}

func usable(v fieldvalue.Value) bool {
	return v.Status == int32(dcgm.StatusOK) && !v.IsBlank()
}

func (inst *instance) escalate(format string, args ...any) {
	reason := fmt.Sprintf(format, args...)
	inst.logf(dcgm.SeverityError, "Raising escalation: %s", reason)
	inst.handle.Raise(reason)
}

func (inst *instance) checkPageRetirement(st *testState, gpus []pluginabi.GpuInfo, fake bool) {
	st.ran(CheckPageRetirement)
	flags := queryFlags(fake)

	for _, g := range gpus {
		id := int32(g.GpuID)

		pending, ok := inst.query(st, g.GpuID, fieldvalue.FieldRetiredPending, flags)
		if !ok {
			continue
		}

		switch {
		case !usable(pending):
			inst.logf(dcgm.SeverityWarning, "GPU %d returned status %d, value %d for %s. Skipping this check.",
				g.GpuID, pending.Status, pending.Int64, fieldvalue.FieldRetiredPending)
		case pending.Int64 > 0:
			code := pluginabi.CodePendingPageRetirements

			dbe, err := inst.handle.GetCurrentFieldValue(uint(g.GpuID), fieldvalue.FieldEccDbeVolatileTotal, flags)
			if err == nil && usable(dbe) && dbe.Int64 > 0 {
				code = pluginabi.CodeDbePendingPageRetirements
			}

			st.addError(pluginabi.NewError(id, code, g.GpuID), pluginabi.ResultFail)
			inst.escalate("%s on GPU %d", code, g.GpuID)

			continue
		}

		var total int64

		dbe, ok := inst.query(st, g.GpuID, fieldvalue.FieldRetiredDbe, flags)
		if !ok {
			continue
		}

		if usable(dbe) {
			total += dbe.Int64
		}

		sbe, ok := inst.query(st, g.GpuID, fieldvalue.FieldRetiredSbe, flags)
		if !ok {
			continue
		}

		if usable(sbe) {
			total += sbe.Int64
		}

		st.recordRetired(g.GpuID, total)

		if total >= RetiredPagesLimit {
			st.addError(pluginabi.NewError(id, pluginabi.CodeRetiredPagesLimit, RetiredPagesLimit, g.GpuID),
				pluginabi.ResultFail)
			inst.escalate("%s on GPU %d", pluginabi.CodeRetiredPagesLimit, g.GpuID)
		}
	}
}

func (inst *instance) checkRowRemapping(st *testState, gpus []pluginabi.GpuInfo, fake bool) {
	flags := queryFlags(fake)

	for _, g := range gpus {
		id := int32(g.GpuID)

		failure, ok := inst.query(st, g.GpuID, fieldvalue.FieldRowRemapFailure, flags)
		if !ok {
			continue
		}

		if usable(failure) && failure.Int64 > 0 {
			st.addError(pluginabi.NewError(id, pluginabi.CodeRowRemapFailure, g.GpuID), pluginabi.ResultFail)
			inst.escalate("%s on GPU %d", pluginabi.CodeRowRemapFailure, g.GpuID)

			continue
		}

		pending, ok := inst.query(st, g.GpuID, fieldvalue.FieldRowRemapPending, flags)
		if !ok {
			continue
		}

		if !usable(pending) || pending.Int64 == 0 {
			continue
		}

		code := pluginabi.CodePendingRowRemap

		unc, err := inst.handle.GetCurrentFieldValue(uint(g.GpuID), fieldvalue.FieldUncorrectableRemapped, flags)
		if err == nil && usable(unc) && unc.Int64 > 0 {
			code = pluginabi.CodeUncorrectableRowRemap
		}

		st.addError(pluginabi.NewError(id, code, g.GpuID), pluginabi.ResultFail)
		inst.escalate("%s on GPU %d", code, g.GpuID)
	}
}

func (inst *instance) checkInforom(st *testState, gpus []pluginabi.GpuInfo) {
	st.ran(CheckInforom)

	for _, g := range gpus {
		id := int32(g.GpuID)

		v, ok := inst.query(st, g.GpuID, fieldvalue.FieldInforomConfigValid, fieldvalue.FlagLiveData)
		if !ok {
			continue
		}

		notSupported := v.Status == int32(dcgm.StatusNotSupported) ||
			(v.Status == int32(dcgm.StatusOK) && v.IsBlank())

		switch {
		case notSupported:
			msg := fmt.Sprintf("Status %d for GPU %d when checking the validity of the inforom. Skipping this check.",
				v.Status, g.GpuID)
			inst.logf(dcgm.SeverityWarning, "%s", msg)
			st.addInfo(id, msg)
			st.setResult([]pluginabi.GpuInfo{g}, pluginabi.ResultSkip)
		case v.Status != int32(dcgm.StatusOK):
			msg := fmt.Sprintf("Status %d for GPU %d when checking the validity of the inforom. Skipping this check.",
				v.Status, g.GpuID)
			inst.logf(dcgm.SeverityWarning, "%s", msg)
			st.addInfo(id, msg)
		case v.Int64 == 0:
			st.addError(pluginabi.NewError(id, pluginabi.CodeCorruptInforom, g.GpuID), pluginabi.ResultFail)
		}
	}
}

func (inst *instance) checkGraphicsProcesses(st *testState, gpus []pluginabi.GpuInfo) {
	st.ran(CheckGraphicsProcesses)

	for _, g := range gpus {
		id := int32(g.GpuID)

		v, ok := inst.query(st, g.GpuID, fieldvalue.FieldGraphicsPids, fieldvalue.FlagLiveData)
		if !ok {
			continue
		}

		if v.Status != int32(dcgm.StatusOK) {
			msg := fmt.Sprintf("Error getting the graphics pids for GPU %d. Status = %d skipping check.", g.GpuID, v.Status)
			inst.logf(dcgm.SeverityWarning, "%s", msg)
			st.addInfo(id, msg)

			continue
		}

		if v.Str != "" {
			st.addError(pluginabi.NewError(id, pluginabi.CodeGraphicsProcesses, g.GpuID), pluginabi.ResultWarn)
		}
	}
}

func (inst *instance) checkPersistenceMode(st *testState, gpus []pluginabi.GpuInfo) {
	st.ran(CheckPersistenceMode)

	for _, g := range gpus {
		if !g.Attributes.PersistenceMode {
			st.addError(pluginabi.NewError(int32(g.GpuID), pluginabi.CodePersistenceMode, g.GpuID), pluginabi.ResultWarn)
		}
	}
}
