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

// Package pluginabi defines the contract between the diag engine and a test
// plugin. The types mirror the fixed-size layout plugins have always
// exchanged with the host: strings travel in bounded byte arrays and every
// list carries an explicit count. The host never trusts either; it sanitizes
// strings and clamps counts before reading them.
//
// Entry points are called in this order:
//
//	GetPluginInterfaceVersion
//	GetPluginInfo
//	InitializePlugin
//	RunTest -> RetrieveCustomStats* -> RetrieveResults   (per test)
//	ShutdownPlugin
package pluginabi

import (
	"github.com/nvidia/nvsentinel/diag-engine/pkg/dcgm"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/escalation"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/fieldvalue"
)

// InterfaceVersion is the ABI revision this host speaks. A plugin reporting
// anything else is unusable.
const InterfaceVersion uint32 = 5

const (
	MaxNameLen         = 20
	MaxDescriptionLen  = 128
	MaxTests           = 6
	MaxParameters      = 64
	MaxParameterName   = 50
	MaxValueLen        = 50
	MaxParameterValue  = 1050
	MaxStatFieldIDs    = 96
	MaxStatValues      = 128
	MaxCustomStats     = 2048
	MaxMessageLen      = 1024
	MaxErrors          = 128
	MaxInfo            = 128
	MaxDevices         = 32
	MaxDeviceStringLen = 256
)

// AllGpus is the GPU id a plugin uses for a result that applies to every GPU
// in the run.
const AllGpus int32 = -1

// Reserved parameter names understood by every plugin.
const (
	ParamFailEarly         = "fail_early"
	ParamFailCheckInterval = "fail_check_interval"
	// ParamTargetGpus carries the comma-separated GPU ids a RunTest call must
	// cover. It is always supplied by the host.
	ParamTargetGpus = "target_gpus"
)

// ParamType is the declared type of a plugin parameter.
type ParamType uint32

const (
	ParamNone ParamType = iota
	ParamInt
	ParamFloat
	ParamString
	ParamBool
)

func (t ParamType) String() string {
	switch t {
	case ParamInt:
		return "int"
	case ParamFloat:
		return "float"
	case ParamString:
		return "string"
	case ParamBool:
		return "bool"
	default:
		return "none"
	}
}

// ParameterInfo declares one parameter a test accepts.
type ParameterInfo struct {
	Name [MaxParameterName]byte
	Type ParamType
}

// TestInfo describes one test a plugin can run.
type TestInfo struct {
	Name               [MaxNameLen]byte
	Description        [MaxDescriptionLen]byte
	NumValidParameters uint32
	Parameters         [MaxParameters]ParameterInfo
	Group              [MaxNameLen]byte
}

// Info is filled in by GetPluginInfo.
type Info struct {
	Name          [MaxNameLen]byte
	Description   [MaxDescriptionLen]byte
	Tests         [MaxTests]TestInfo
	NumValidTests uint32
	// SelfParallel declares that the plugin may be driven on several GPUs at
	// once.
	SelfParallel bool
}

// EntityStatus is the health of a GPU as known to the host.
type EntityStatus uint32

const (
	EntityUnknown EntityStatus = iota
	EntityOk
	EntityUnsupported
	EntityInaccessible
	EntityLost
	EntityFake
	EntityDisabled
	EntityDetached
)

// DeviceAttributes are the static properties of a GPU handed to plugins.
type DeviceAttributes struct {
	Name            string
	UUID            string
	BusID           string
	PersistenceMode bool
}

// GpuInfo is one entry of the GPU list given to InitializePlugin.
type GpuInfo struct {
	GpuID      uint32
	Status     EntityStatus
	Attributes DeviceAttributes
}

// GpuList is the set of GPUs a plugin instance may be asked to test.
type GpuList struct {
	NumGpus uint32
	Gpus    [MaxDevices]GpuInfo
}

// StatFieldIDs is filled in by InitializePlugin with the telemetry fields
// the plugin wants watched while it runs.
type StatFieldIDs struct {
	NumFieldIDs uint32
	FieldIDs    [MaxStatFieldIDs]uint16
}

// TestParameter is one name/value pair passed to RunTest.
type TestParameter struct {
	Name  [MaxParameterName]byte
	Value [MaxParameterValue]byte
	Type  ParamType
}

// HostHandle is what a plugin may call back into while it runs.
type HostHandle interface {
	fieldvalue.Source
	escalation.Raiser
}

// LogFunc receives plugin log lines.
type LogFunc func(severity dcgm.Severity, msg string)

// UserData is the opaque per-instance token created by InitializePlugin. The
// host passes it back unmodified and never looks inside.
type UserData any

// EntryPoints is the complete set of functions a plugin exports.
type EntryPoints struct {
	GetPluginInterfaceVersion func() uint32
	// GetPluginInfo returns zero when usable, a negative status on an internal
	// error and a positive status on any other disqualifying condition.
	GetPluginInfo       func(hostInterfaceVersion uint32, info *Info) dcgm.Status
	InitializePlugin    func(handle HostHandle, gpus *GpuList, statFieldIDs *StatFieldIDs, userData *UserData, severity dcgm.Severity, logger LogFunc) dcgm.Status
	RunTest             func(testName string, timeoutSeconds uint32, params []TestParameter, userData UserData)
	RetrieveCustomStats func(testName string, stats *CustomStats, userData UserData)
	RetrieveResults     func(testName string, results *Results, userData UserData)
	ShutdownPlugin      func(userData UserData) dcgm.Status
}

// Symbol names looked up in shared-object plugins.
const (
	SymbolGetPluginInterfaceVersion = "GetPluginInterfaceVersion"
	SymbolGetPluginInfo             = "GetPluginInfo"
	SymbolInitializePlugin          = "InitializePlugin"
	SymbolRunTest                   = "RunTest"
	SymbolRetrieveCustomStats       = "RetrieveCustomStats"
	SymbolRetrieveResults           = "RetrieveResults"
	SymbolShutdownPlugin            = "ShutdownPlugin"
)

// Missing returns the names of entry points that are nil.
func (e *EntryPoints) Missing() []string {
	var missing []string

	check := func(ok bool, name string) {
		if !ok {
			missing = append(missing, name)
		}
	}

	check(e.GetPluginInterfaceVersion != nil, SymbolGetPluginInterfaceVersion)
	check(e.GetPluginInfo != nil, SymbolGetPluginInfo)
	check(e.InitializePlugin != nil, SymbolInitializePlugin)
	check(e.RunTest != nil, SymbolRunTest)
	check(e.RetrieveCustomStats != nil, SymbolRetrieveCustomStats)
	check(e.RetrieveResults != nil, SymbolRetrieveResults)
	check(e.ShutdownPlugin != nil, SymbolShutdownPlugin)

	return missing
}
