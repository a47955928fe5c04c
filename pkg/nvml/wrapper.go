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

package nvml

import (
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/NVIDIA/go-nvml/pkg/nvml"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/dcgm"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/fieldvalue"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/pluginabi"
)

// Wrapper is the NVML backend: GPU inventory and live field reads.
type Wrapper struct {
	lib nvml.Interface
}

// NewWrapper binds the system NVML library.
func NewWrapper() *Wrapper {
	return &Wrapper{lib: nvml.New()}
}

// NewWrapperWithLibrary binds lib, which tests replace with a mock.
func NewWrapperWithLibrary(lib nvml.Interface) *Wrapper {
	return &Wrapper{lib: lib}
}

func (w *Wrapper) Init() error {
	ret := w.lib.Init()
	if ret != nvml.SUCCESS {
		return fmt.Errorf("failed to initialize NVML: %v", w.lib.ErrorString(ret))
	}

	return nil
}

func (w *Wrapper) Shutdown() error {
	ret := w.lib.Shutdown()
	if ret != nvml.SUCCESS {
		return fmt.Errorf("failed to shutdown NVML: %v", w.lib.ErrorString(ret))
	}

	return nil
}

func (w *Wrapper) GetDeviceCount() (int, error) {
	count, ret := w.lib.DeviceGetCount()
	if ret != nvml.SUCCESS {
		return 0, fmt.Errorf("failed to get device count: %v", w.lib.ErrorString(ret))
	}

	return count, nil
}

func (w *Wrapper) device(index uint) (nvml.Device, error) {
	device, ret := w.lib.DeviceGetHandleByIndex(int(index))
	if ret != nvml.SUCCESS {
		return nil, fmt.Errorf("failed to get device handle for GPU %d: %v", index, w.lib.ErrorString(ret))
	}

	return device, nil
}

// GetGPUInfo describes one GPU in the form handed to plugins.
func (w *Wrapper) GetGPUInfo(index uint) (pluginabi.GpuInfo, error) {
	info := pluginabi.GpuInfo{GpuID: uint32(index), Status: pluginabi.EntityOk}

	device, err := w.device(index)
	if err != nil {
		return info, err
	}

	uuid, ret := device.GetUUID()
	if ret != nvml.SUCCESS {
		return info, fmt.Errorf("failed to get UUID for GPU %d: %v", index, w.lib.ErrorString(ret))
	}

	info.Attributes.UUID = uuid

	pciInfo, ret := device.GetPciInfo()
	if ret != nvml.SUCCESS {
		return info, fmt.Errorf("failed to get PCI info for GPU %d: %v", index, w.lib.ErrorString(ret))
	}

	info.Attributes.BusID = normalizePCIAddress(convertNVMLCString(pciInfo.BusIdLegacy))

	name, ret := device.GetName()
	if ret != nvml.SUCCESS {
		return info, fmt.Errorf("failed to get name for GPU %d: %v", index, w.lib.ErrorString(ret))
	}

	info.Attributes.Name = name

	mode, ret := device.GetPersistenceMode()
	if ret != nvml.SUCCESS {
		slog.Debug("Persistence mode unavailable", "gpu_id", index, "error", w.lib.ErrorString(ret))
	} else {
		info.Attributes.PersistenceMode = mode == nvml.FEATURE_ENABLED
	}

	return info, nil
}

// Inventory lists every GPU NVML reports. A GPU that cannot be described is
// listed as inaccessible rather than dropped.
func (w *Wrapper) Inventory() ([]pluginabi.GpuInfo, error) {
	count, err := w.GetDeviceCount()
	if err != nil {
		return nil, err
	}

	gpus := make([]pluginabi.GpuInfo, 0, count)

	for i := range count {
		info, err := w.GetGPUInfo(uint(i))
		if err != nil {
			slog.Warn("Failed to describe GPU", "gpu_id", i, "error", err)

			info.Status = pluginabi.EntityInaccessible
		}

		gpus = append(gpus, info)
	}

	slog.Info("Built GPU inventory", "device_count", len(gpus))

	return gpus, nil
}

// ReadField implements fieldvalue.LiveReader. A field the device does not
// support comes back as a blank value with StatusNotSupported, not an error.
func (w *Wrapper) ReadField(gpuID uint, fieldID fieldvalue.FieldID) (fieldvalue.Value, error) {
	device, err := w.device(gpuID)
	if err != nil {
		return fieldvalue.Value{}, err
	}

	v := fieldvalue.Value{FieldID: fieldID, Timestamp: time.Now()}

	var ret nvml.Return

	switch fieldID {
	case fieldvalue.FieldRetiredPending:
		var state nvml.EnableState

		state, ret = device.GetRetiredPagesPendingStatus()
		v.Int64 = boolValue(state == nvml.FEATURE_ENABLED)
	case fieldvalue.FieldRetiredSbe:
		var pages []uint64

		pages, ret = device.GetRetiredPages(nvml.PAGE_RETIREMENT_CAUSE_MULTIPLE_SINGLE_BIT_ECC_ERRORS)
		v.Int64 = int64(len(pages))
	case fieldvalue.FieldRetiredDbe:
		var pages []uint64

		pages, ret = device.GetRetiredPages(nvml.PAGE_RETIREMENT_CAUSE_DOUBLE_BIT_ECC_ERROR)
		v.Int64 = int64(len(pages))
	case fieldvalue.FieldEccDbeVolatileTotal:
		var count uint64

		count, ret = device.GetTotalEccErrors(nvml.MEMORY_ERROR_TYPE_UNCORRECTED, nvml.VOLATILE_ECC)
		v.Int64 = int64(count)
	case fieldvalue.FieldCorrectableRemapped, fieldvalue.FieldUncorrectableRemapped,
		fieldvalue.FieldRowRemapPending, fieldvalue.FieldRowRemapFailure:
		v.Int64, ret = readRemappedRows(device, fieldID)
	case fieldvalue.FieldInforomConfigValid:
		ret = device.ValidateInforom()
		if ret == nvml.ERROR_CORRUPTED_INFOROM {
			v.Int64 = 0
			ret = nvml.SUCCESS
		} else {
			v.Int64 = 1
		}
	case fieldvalue.FieldGraphicsPids:
		var procs []nvml.ProcessInfo

		procs, ret = device.GetGraphicsRunningProcesses()
		v.Int64 = int64(len(procs))
		v.Str = pidList(procs)
	default:
		return fieldvalue.Value{}, fmt.Errorf("field %s is not read through NVML: %w", fieldID, dcgm.StatusNotSupported)
	}

	switch ret {
	case nvml.SUCCESS:
		return v, nil
	case nvml.ERROR_NOT_SUPPORTED:
		v.Status = int32(dcgm.StatusNotSupported)
		v.Int64 = fieldvalue.Int64Blank
		v.Str = ""

		return v, nil
	default:
		return fieldvalue.Value{}, fmt.Errorf("failed to read %s for GPU %d: %v", fieldID, gpuID, w.lib.ErrorString(ret))
	}
}

func readRemappedRows(device nvml.Device, fieldID fieldvalue.FieldID) (int64, nvml.Return) {
	corrRows, uncRows, isPending, failureOccurred, ret := device.GetRemappedRows()

	switch fieldID {
	case fieldvalue.FieldCorrectableRemapped:
		return int64(corrRows), ret
	case fieldvalue.FieldUncorrectableRemapped:
		return int64(uncRows), ret
	case fieldvalue.FieldRowRemapPending:
		return boolValue(isPending), ret
	default:
		return boolValue(failureOccurred), ret
	}
}

func boolValue(b bool) int64 {
	if b {
		return 1
	}

	return 0
}

func pidList(procs []nvml.ProcessInfo) string {
	pids := make([]string, len(procs))
	for i, p := range procs {
		pids[i] = strconv.FormatUint(uint64(p.Pid), 10)
	}

	return strings.Join(pids, ",")
}

func convertNVMLCString(busID [16]uint8) string {
	b := make([]byte, 0, 16)

	for _, c := range busID {
		if c == 0 {
			break
		}

		b = append(b, c)
	}

	return string(b)
}

func normalizePCIAddress(pci string) string {
	parts := strings.Split(pci, ":")
	if len(parts) != 3 {
		return strings.ToLower(pci)
	}

	domain := parts[0]
	if len(domain) > 4 {
		domain = domain[len(domain)-4:]
	}

	return fmt.Sprintf("%s:%s:%s",
		strings.ToLower(domain),
		strings.ToLower(parts[1]),
		strings.ToLower(parts[2]))
}
