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
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"syscall"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/dcgm"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/pluginabi"
)

// Environment variables that alter CUDA behavior in ways that invalidate a
// diagnostic.
var badCudaEnv = []string{
	"NSIGHT_CUDA_DEBUGGER",
	"CUDA_INJECTION32_PATH",
	"CUDA_INJECTION64_PATH",
	"CUDA_AUTO_BOOST",
	"CUDA_ENABLE_COREDUMP_ON_EXCEPTION",
	"CUDA_COREDUMP_FILE",
	"CUDA_DEVICE_WAITS_ON_EXCEPTION",
	"CUDA_PROFILE",
	"COMPUTE_PROFILE",
	"OPENCL_PROFILE",
}

var deniedDrivers = []string{"nouveau"}

type libraryGroup struct {
	check       string
	sonames     []string
	onFailure   pluginabi.Result
	diagnostics []string
}

var (
	libsNvml = libraryGroup{
		check:     CheckLibrariesNvml,
		sonames:   []string{"libnvidia-ml.so.1"},
		onFailure: pluginabi.ResultFail,
		diagnostics: []string{
			"The NVML main library could not be found in the default search paths.",
			"Please check to see if it is installed or that LD_LIBRARY_PATH contains the path to libnvidia-ml.so.1",
			"Skipping remainder of tests.",
		},
	}
	libsCuda = libraryGroup{
		check:       CheckLibrariesCuda,
		sonames:     []string{"libcuda.so.1"},
		onFailure:   pluginabi.ResultWarn,
		diagnostics: []string{"The CUDA main library could not be found. Skipping remainder of tests."},
	}
	libsCudaTk = libraryGroup{
		check:     CheckLibrariesCudaTk,
		sonames:   []string{"libcudart.so.1", "libcublas.so.1"},
		onFailure: pluginabi.ResultWarn,
		diagnostics: []string{
			"The CUDA Toolkit libraries could not be found.",
			"Is LD_LIBRARY_PATH set to the 64-bit library path? (usually /usr/local/cuda/lib64)",
			"Some tests will not run.",
		},
	}
)

// librarySearchPath lists the directories searched after LD_LIBRARY_PATH.
var librarySearchPath = []string{
	"/usr/lib64",
	"/usr/lib/x86_64-linux-gnu",
	"/usr/lib/aarch64-linux-gnu",
	"/usr/local/cuda/lib64",
	"/lib64",
	"/usr/lib",
	"/lib",
}

// FindLibrary looks for soname in LD_LIBRARY_PATH and the usual system
// library directories and checks that it can be opened for reading.
func FindLibrary(soname string) error {
	var dirs []string
	if env := os.Getenv("LD_LIBRARY_PATH"); env != "" {
		dirs = append(dirs, filepath.SplitList(env)...)
	}

	dirs = append(dirs, librarySearchPath...)

	var lastErr error

	for _, dir := range dirs {
		if dir == "" {
			continue
		}

		f, err := os.Open(filepath.Join(dir, soname))
		if err != nil {
			if !errors.Is(err, fs.ErrNotExist) {
				lastErr = err
			}

			continue
		}

		f.Close()

		return nil
	}

	if lastErr != nil {
		return lastErr
	}

	return fmt.Errorf("%s: cannot open shared object file: %w", soname, fs.ErrNotExist)
}

func (inst *instance) checkLibraries(st *testState, group libraryGroup) {
	failed := false

	for _, soname := range group.sonames {
		if err := inst.opts.findLibrary(soname); err != nil {
			st.addError(pluginabi.NewError(pluginabi.AllGpus, pluginabi.CodeCannotOpenLib, soname, err.Error()),
				group.onFailure)

			failed = true
		}
	}

	if failed {
		for _, msg := range group.diagnostics {
			st.addInfo(pluginabi.AllGpus, msg)
		}
	}
}

func (inst *instance) checkEnvVariables(st *testState) {
	for _, key := range badCudaEnv {
		if _, ok := inst.opts.lookupEnv(key); !ok {
			continue
		}

		st.addError(pluginabi.NewError(pluginabi.AllGpus, pluginabi.CodeBadCudaEnv, key), pluginabi.ResultWarn)
	}
}

// checkDenylist fails the node when a PCI device is bound to a driver on the
// denylist.
func (inst *instance) checkDenylist(st *testState) {
	searchPaths := []string{"bus/pci/devices", "bus/pci_express/devices"}
	driverLinks := []string{"driver", "subsystem/drivers"}

	for _, sp := range searchPaths {
		base := filepath.Join(inst.opts.sysfsRoot, sp)

		entries, err := os.ReadDir(base)
		if err != nil {
			continue
		}

		for _, entry := range entries {
			for _, link := range driverLinks {
				driver, err := driverName(filepath.Join(base, entry.Name(), link))
				if err != nil {
					inst.logf(dcgm.SeverityDebug, "Cannot read driver link for %s: %v", entry.Name(), err)
					continue
				}

				for _, denied := range deniedDrivers {
					if driver == denied {
						st.addError(pluginabi.NewError(pluginabi.AllGpus, pluginabi.CodeDenylistedDriver, denied),
							pluginabi.ResultFail)
					}
				}
			}
		}
	}
}

// driverName resolves a sysfs driver symlink to the driver's name. A missing
// link or a plain file yields "".
func driverName(path string) (string, error) {
	target, err := os.Readlink(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) || errors.Is(err, syscall.EINVAL) {
			return "", nil
		}

		return "", err
	}

	return filepath.Base(target), nil
}

func isDeviceNode(name string) bool {
	digits, ok := strings.CutPrefix(name, "nvidia")
	if !ok {
		return false
	}

	for _, r := range digits {
		if r < '0' || r > '9' {
			return false
		}
	}

	return true
}

// checkPermissions compares the readable /dev/nvidiaN nodes with the number
// of GPUs under test.
func (inst *instance) checkPermissions(st *testState, skipDeviceTest bool) {
	if skipDeviceTest {
		return
	}

	entries, err := os.ReadDir(inst.opts.devRoot)
	if err != nil {
		st.addError(pluginabi.NewError(pluginabi.AllGpus, pluginabi.CodeNoAccessToFile, inst.opts.devRoot, err.Error()),
			pluginabi.ResultWarn)

		return
	}

	var (
		readable int
		denied   []pluginabi.ErrorDetail
	)

	for _, entry := range entries {
		if !isDeviceNode(entry.Name()) {
			continue
		}

		path := filepath.Join(inst.opts.devRoot, entry.Name())

		f, err := os.Open(path)
		if err != nil {
			denied = append(denied, pluginabi.NewError(pluginabi.AllGpus, pluginabi.CodeNoAccessToFile, path, err.Error()))
			continue
		}

		f.Close()

		readable++
	}

	if readable >= inst.realGpuCount() {
		return
	}

	st.addError(pluginabi.NewError(pluginabi.AllGpus, pluginabi.CodeDeviceCountMismatch), pluginabi.ResultWarn)

	for _, d := range denied {
		st.addError(d, pluginabi.ResultWarn)
	}
}

func (inst *instance) realGpuCount() int {
	n := 0

	for _, g := range inst.gpus {
		if g.Status != pluginabi.EntityFake {
			n++
		}
	}

	return n
}
