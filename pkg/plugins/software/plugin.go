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

// Package software is the built-in deployment check plugin. Its single test
// inspects retired pages, row remapping, the InfoROM, persistence mode,
// graphics processes, the loaded kernel driver, the NVIDIA libraries and the
// process environment.
package software

import (
	"cmp"
	"fmt"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/dcgm"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/pluginabi"
)

const (
	PluginName = "software"
	TestName   = "software"

	ParamDoTest                 = "do_test"
	ParamRequirePersistenceMode = "require_persistence_mode"
	ParamSkipDeviceTest         = "skip_device_test"
)

// Check names accepted by do_test. An empty value or "all" runs every check.
const (
	CheckDenylist          = "denylist"
	CheckPermissions       = "permissions"
	CheckLibrariesNvml     = "libraries_nvml"
	CheckLibrariesCuda     = "libraries_cuda"
	CheckLibrariesCudaTk   = "libraries_cudatk"
	CheckPersistenceMode   = "persistence_mode"
	CheckEnvVariables      = "env_variables"
	CheckGraphicsProcesses = "graphics_processes"
	CheckPageRetirement    = "page_retirement"
	CheckInforom           = "inforom"
)

var (
	allChecks = []string{
		CheckDenylist, CheckPermissions, CheckLibrariesNvml, CheckLibrariesCuda, CheckLibrariesCudaTk,
		CheckPersistenceMode, CheckEnvVariables, CheckGraphicsProcesses, CheckPageRetirement, CheckInforom,
	}

	// Checks that inspect the node rather than one GPU. They run once per
	// test no matter how many units the host dispatches.
	nodeChecks = []string{
		CheckDenylist, CheckPermissions, CheckLibrariesNvml, CheckLibrariesCuda, CheckLibrariesCudaTk,
		CheckEnvVariables,
	}
)

type options struct {
	sysfsRoot   string
	devRoot     string
	lookupEnv   func(string) (string, bool)
	findLibrary func(string) error
}

// Option customizes the plugin.
type Option func(*options)

// WithSysfsRoot points the driver denylist scan at root instead of /sys.
func WithSysfsRoot(root string) Option {
	return func(o *options) { o.sysfsRoot = root }
}

// WithDevRoot points the device node scan at root instead of /dev.
func WithDevRoot(root string) Option {
	return func(o *options) { o.devRoot = root }
}

// WithLookupEnv replaces os.LookupEnv.
func WithLookupEnv(fn func(string) (string, bool)) Option {
	return func(o *options) { o.lookupEnv = fn }
}

// WithLibraryFinder replaces the shared library search.
func WithLibraryFinder(fn func(soname string) error) Option {
	return func(o *options) { o.findLibrary = fn }
}

// EntryPoints returns the plugin's entry points.
func EntryPoints(opts ...Option) pluginabi.EntryPoints {
	o := options{
		sysfsRoot:   "/sys",
		devRoot:     "/dev",
		lookupEnv:   os.LookupEnv,
		findLibrary: FindLibrary,
	}

	for _, opt := range opts {
		opt(&o)
	}

	return pluginabi.EntryPoints{
		GetPluginInterfaceVersion: func() uint32 { return pluginabi.InterfaceVersion },
		GetPluginInfo:             getPluginInfo,
		InitializePlugin: func(handle pluginabi.HostHandle, gpus *pluginabi.GpuList, _ *pluginabi.StatFieldIDs,
			userData *pluginabi.UserData, severity dcgm.Severity, logger pluginabi.LogFunc) dcgm.Status {
			return initialize(o, handle, gpus, userData, severity, logger)
		},
		RunTest:             runTest,
		RetrieveCustomStats: retrieveCustomStats,
		RetrieveResults:     retrieveResults,
		ShutdownPlugin:      func(pluginabi.UserData) dcgm.Status { return dcgm.StatusOK },
	}
}

func getPluginInfo(hostVersion uint32, info *pluginabi.Info) dcgm.Status {
	if hostVersion != pluginabi.InterfaceVersion {
		return dcgm.StatusVersionMismatch
	}

	info.SetName(PluginName, "Software deployment checks plugin.")
	info.SelfParallel = true
	info.AddTest(TestName, "Checks the software and driver deployment of the node.", "Software",
		pluginabi.ParameterDescriptor{Name: ParamDoTest, Type: pluginabi.ParamString},
		pluginabi.ParameterDescriptor{Name: ParamRequirePersistenceMode, Type: pluginabi.ParamBool},
		pluginabi.ParameterDescriptor{Name: ParamSkipDeviceTest, Type: pluginabi.ParamBool},
	)

	return dcgm.StatusOK
}

type instance struct {
	opts     options
	handle   pluginabi.HostHandle
	gpus     map[uint32]pluginabi.GpuInfo
	severity dcgm.Severity
	log      pluginabi.LogFunc

	mu    sync.Mutex
	tests map[string]*testState
}

func initialize(o options, handle pluginabi.HostHandle, gpus *pluginabi.GpuList, userData *pluginabi.UserData,
	severity dcgm.Severity, logger pluginabi.LogFunc) dcgm.Status {
	if handle == nil || gpus == nil || userData == nil {
		return dcgm.StatusBadParameter
	}

	if logger == nil {
		logger = func(dcgm.Severity, string) {}
	}

	inst := &instance{
		opts:     o,
		handle:   handle,
		gpus:     make(map[uint32]pluginabi.GpuInfo, gpus.NumGpus),
		severity: severity,
		log:      logger,
		tests:    make(map[string]*testState),
	}

	for i := range min(gpus.NumGpus, pluginabi.MaxDevices) {
		inst.gpus[gpus.Gpus[i].GpuID] = gpus.Gpus[i]
	}

	*userData = inst

	return dcgm.StatusOK
}

func (inst *instance) logf(severity dcgm.Severity, format string, args ...any) {
	if severity > inst.severity {
		return
	}

	inst.log(severity, fmt.Sprintf(format, args...))
}

func (inst *instance) state(test string) *testState {
	inst.mu.Lock()
	defer inst.mu.Unlock()

	st, ok := inst.tests[test]
	if !ok {
		st = newTestState()
		inst.tests[test] = st
	}

	return st
}

// targets resolves target_gpus against the GPUs handed to InitializePlugin.
// A missing parameter selects every GPU.
func (inst *instance) targets(params []pluginabi.TestParameter) []pluginabi.GpuInfo {
	raw, ok := pluginabi.Lookup(params, pluginabi.ParamTargetGpus)
	if !ok {
		all := make([]pluginabi.GpuInfo, 0, len(inst.gpus))
		for _, g := range inst.gpus {
			all = append(all, g)
		}

		slices.SortFunc(all, func(a, b pluginabi.GpuInfo) int { return cmp.Compare(a.GpuID, b.GpuID) })

		return all
	}

	var out []pluginabi.GpuInfo

	for _, field := range strings.Split(raw, ",") {
		id, err := strconv.ParseUint(strings.TrimSpace(field), 10, 32)
		if err != nil {
			inst.logf(dcgm.SeverityWarning, "Ignoring malformed target GPU %q", field)
			continue
		}

		if g, ok := inst.gpus[uint32(id)]; ok {
			out = append(out, g)
		}
	}

	return out
}

func selectedChecks(params []pluginabi.TestParameter) ([]string, error) {
	v, _ := pluginabi.Lookup(params, ParamDoTest)
	v = strings.ToLower(strings.TrimSpace(v))

	if v == "" || v == "all" {
		return allChecks, nil
	}

	if slices.Contains(allChecks, v) {
		return []string{v}, nil
	}

	return nil, fmt.Errorf("unknown check %q", v)
}

func runTest(testName string, _ uint32, params []pluginabi.TestParameter, userData pluginabi.UserData) {
	inst, ok := userData.(*instance)
	if !ok {
		return
	}

	st := inst.state(testName)

	checks, err := selectedChecks(params)
	if err != nil {
		st.addError(pluginabi.NewError(pluginabi.AllGpus, pluginabi.CodeBadParameter, ParamDoTest), pluginabi.ResultFail)
		return
	}

	targets := inst.targets(params)

	var physical, fake []pluginabi.GpuInfo

	for _, g := range targets {
		st.touch(int32(g.GpuID))

		if g.Status == pluginabi.EntityFake {
			fake = append(fake, g)
		} else {
			physical = append(physical, g)
		}
	}

	// Simulated GPUs only carry injected memory health fields.
	if len(fake) > 0 && slices.Contains(checks, CheckPageRetirement) {
		inst.checkPageRetirement(st, fake, true)
		inst.checkRowRemapping(st, fake, true)
	}

	if len(physical) == 0 && len(fake) > 0 {
		return
	}

	for _, check := range checks {
		if slices.Contains(nodeChecks, check) {
			if st.claimNodeCheck(check) {
				inst.runNodeCheck(st, check, params)
			}

			continue
		}

		switch check {
		case CheckPersistenceMode:
			if !pluginabi.LookupBool(params, ParamRequirePersistenceMode, true) {
				inst.logf(dcgm.SeverityInfo, "Skipping persistence check")
				st.setResult(physical, pluginabi.ResultSkip)

				continue
			}

			inst.checkPersistenceMode(st, physical)
		case CheckGraphicsProcesses:
			inst.checkGraphicsProcesses(st, physical)
		case CheckPageRetirement:
			inst.checkPageRetirement(st, physical, false)
			inst.checkRowRemapping(st, physical, false)
		case CheckInforom:
			inst.checkInforom(st, physical)
		}
	}
}

func (inst *instance) runNodeCheck(st *testState, check string, params []pluginabi.TestParameter) {
	switch check {
	case CheckDenylist:
		inst.checkDenylist(st)
	case CheckPermissions:
		inst.checkPermissions(st, pluginabi.LookupBool(params, ParamSkipDeviceTest, false))
	case CheckLibrariesNvml:
		inst.checkLibraries(st, libsNvml)
	case CheckLibrariesCuda:
		inst.checkLibraries(st, libsCuda)
	case CheckLibrariesCudaTk:
		inst.checkLibraries(st, libsCudaTk)
	case CheckEnvVariables:
		inst.checkEnvVariables(st)
	}
}

func retrieveCustomStats(testName string, stats *pluginabi.CustomStats, userData pluginabi.UserData) {
	inst, ok := userData.(*instance)
	if !ok || stats == nil {
		return
	}

	stats.MoreStats = false
	stats.Stats = inst.state(testName).customStats()
}

func retrieveResults(testName string, results *pluginabi.Results, userData pluginabi.UserData) {
	inst, ok := userData.(*instance)
	if !ok || results == nil {
		return
	}

	inst.state(testName).fill(results)

	inst.mu.Lock()
	delete(inst.tests, testName)
	inst.mu.Unlock()
}
