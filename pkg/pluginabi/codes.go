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
	"fmt"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/sanitize"
)

// ErrorCode identifies a failure reason reported by a check.
type ErrorCode uint32

const (
	CodeOK                        ErrorCode = 0
	CodeUnknown                   ErrorCode = 1
	CodePendingPageRetirements    ErrorCode = 6
	CodeRetiredPagesLimit         ErrorCode = 7
	CodeCorruptInforom            ErrorCode = 9
	CodeNoAccessToFile            ErrorCode = 18
	CodeDeviceCountMismatch       ErrorCode = 20
	CodeBadParameter              ErrorCode = 21
	CodeCannotOpenLib             ErrorCode = 22
	CodeDenylistedDriver          ErrorCode = 23
	CodeGraphicsProcesses         ErrorCode = 25
	CodeFieldQuery                ErrorCode = 27
	CodeBadCudaEnv                ErrorCode = 28
	CodePersistenceMode           ErrorCode = 29
	CodeInternal                  ErrorCode = 62
	CodeTestDisabled              ErrorCode = 63
	CodeRowRemapFailure           ErrorCode = 78
	CodePendingRowRemap           ErrorCode = 79
	CodeUncorrectableRowRemap     ErrorCode = 80
	CodeDbePendingPageRetirements ErrorCode = 85
	CodeAborted                   ErrorCode = 95
)

type codeInfo struct {
	name      string
	format    string
	nextSteps string
}

var catalog = map[ErrorCode]codeInfo{
	CodeUnknown: {"UNKNOWN", "Unknown error.", ""},
	CodePendingPageRetirements: {"PENDING_PAGE_RETIREMENTS",
		"A pending retired page has been detected in GPU %d.",
		"Drain the GPU and reset it or reboot the node to resolve this issue."},
	CodeRetiredPagesLimit: {"RETIRED_PAGES_LIMIT",
		"%d or more retired pages have been detected in GPU %d.",
		"Drain the GPU and run a field diagnostic on it."},
	CodeCorruptInforom: {"CORRUPT_INFOROM",
		"A corrupt InfoROM has been detected in GPU %d.",
		"Flash the InfoROM to clear this corruption."},
	CodeNoAccessToFile: {"NO_ACCESS_TO_FILE",
		"File %s could not be accessed directly: %s",
		"Check relevant permissions, access, and existence of the file."},
	CodeDeviceCountMismatch: {"DEVICE_COUNT_MISMATCH",
		"Detected more GPUs in the driver than there are PCI devices.",
		"Check for a GPU that fell off the bus."},
	CodeBadParameter: {"BAD_PARAMETER",
		"Bad parameter to function %s cannot be processed.", ""},
	CodeCannotOpenLib: {"CANNOT_OPEN_LIB",
		"Cannot open library %s: '%s'.",
		"Check for the existence of the library and set LD_LIBRARY_PATH if needed."},
	CodeDenylistedDriver: {"DENYLISTED_DRIVER",
		"Found driver on the denylist: %s.",
		"Please load the appropriate driver."},
	CodeGraphicsProcesses: {"GRAPHICS_PROCESSES",
		"GPU %d has graphics processes running while running a diagnostic.",
		"Stop all graphics processes before running the diagnostic."},
	CodeFieldQuery: {"FIELD_QUERY",
		"Failed to query field %s for GPU %d: %s",
		"Check the host engine and driver logs for this GPU."},
	CodeBadCudaEnv: {"BAD_CUDA_ENV",
		"Found a CUDA performance-profiling related environment variable set: %s.",
		"Unset this environment variable before running the diagnostic."},
	CodePersistenceMode: {"PERSISTENCE_MODE",
		"Persistence mode for GPU %d is disabled.",
		"Enable persistence mode by running \"nvidia-smi -i <gpuId> -pm 1\" as root."},
	CodeInternal: {"INTERNAL",
		"There was an internal error during the test: '%s'", ""},
	CodeTestDisabled: {"TEST_DISABLED",
		"Test %s was not run: %s", ""},
	CodeRowRemapFailure: {"ROW_REMAP_FAILURE",
		"GPU %d had uncorrectable memory errors and row remapping failed.",
		"Drain the GPU and run a field diagnostic on it."},
	CodePendingRowRemap: {"PENDING_ROW_REMAP",
		"GPU %d has a pending row remap.",
		"Drain the GPU and reset it or reboot the node."},
	CodeUncorrectableRowRemap: {"UNCORRECTABLE_ROW_REMAP",
		"GPU %d had uncorrectable memory errors and has a pending row remap.",
		"Drain the GPU and reset it or reboot the node."},
	CodeDbePendingPageRetirements: {"DBE_PENDING_PAGE_RETIREMENTS",
		"A pending retired page has been detected in GPU %d together with a volatile double-bit error.",
		"Drain the GPU and reset it or reboot the node to resolve this issue."},
	CodeAborted: {"ABORTED",
		"Test %s was aborted: %s", ""},
}

func (c ErrorCode) String() string {
	if info, ok := catalog[c]; ok {
		return info.name
	}

	return fmt.Sprintf("CODE_%d", uint32(c))
}

// NextSteps returns the suggested remediation for c, if any.
func (c ErrorCode) NextSteps() string {
	return catalog[c].nextSteps
}

// NewError formats an error record from the catalog message for code.
func NewError(gpuID int32, code ErrorCode, args ...any) ErrorDetail {
	format := "%v"
	if info, ok := catalog[code]; ok {
		format = info.format
	}

	return newDetail(gpuID, code, fmt.Sprintf(format, args...))
}

// NewInfo builds an info record carrying msg verbatim.
func NewInfo(gpuID int32, msg string) ErrorDetail {
	return newDetail(gpuID, CodeOK, msg)
}

func newDetail(gpuID int32, code ErrorCode, msg string) ErrorDetail {
	d := ErrorDetail{GpuID: gpuID, Code: code}
	sanitize.SetString(d.Message[:], msg)

	return d
}
