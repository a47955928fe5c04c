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

// Package rundiag defines the canonical run-diagnostic request and the
// migration of every supported historical wire revision into it.
package rundiag

const (
	MaxTestNames    = 20
	TestNameLen     = 50
	MaxTestParms    = 100
	TestParmsLenV1  = 100
	TestParmsLenV2  = 1050
	GpuListLen      = 50
	PathLen         = 4096
	ConfigFileLen   = 10000
	ThrottleMaskLen = 50
	ReservedLen     = 50
)

// Flags are the run request bit flags.
type Flags uint32

const (
	FlagVerbose     Flags = 0x1
	FlagStatsOnFail Flags = 0x2
	FlagFailEarly   Flags = 0x4
)

func (f Flags) Has(flag Flags) bool {
	return f&flag != 0
}

// Action is the post-diagnostic action requested alongside a run.
type Action uint32

const (
	ActionNone     Action = 0
	ActionGpuReset Action = 1
)

// RunDiagRequest is the canonical, latest-revision run request. Every text
// field is a fixed-capacity buffer; after migration each of them is
// NUL-terminated within its capacity.
//
// A request is built once per inbound run command and is read-only after
// migration.
type RunDiagRequest struct {
	Version    uint32
	Flags      Flags
	DebugLevel uint32
	GroupID    uint64
	// Validate is the run level used when no explicit test names are given.
	Validate uint32

	TestNames [MaxTestNames][TestNameLen]byte
	TestParms [MaxTestParms][TestParmsLenV2]byte

	GpuList            [GpuListLen]byte
	FakeGpuList        [GpuListLen]byte
	DebugLogFile       [PathLen]byte
	StatsPath          [PathLen]byte
	ConfigFileContents [ConfigFileLen]byte
	ThrottleMask       [ThrottleMaskLen]byte
	PluginPath         [PathLen]byte
	Reserved           [ReservedLen]byte

	CurrentIteration  uint32
	TotalIterations   uint32
	TimeoutSeconds    uint32
	FailCheckInterval uint32
}

// Message is the result of migrating one inbound RUN payload.
type Message struct {
	Request *RunDiagRequest
	Action  Action
	// Revision is the wire revision the payload was encoded with.
	Revision uint32
	// ResponseVersion is the response layout the caller of that revision expects.
	ResponseVersion uint32
}

// rows exposes a text field of the canonical request as one slice per row.
func (r *RunDiagRequest) rows(id fieldID) [][]byte {
	switch id {
	case fieldTestNames:
		out := make([][]byte, MaxTestNames)
		for i := range r.TestNames {
			out[i] = r.TestNames[i][:]
		}

		return out
	case fieldTestParms:
		out := make([][]byte, MaxTestParms)
		for i := range r.TestParms {
			out[i] = r.TestParms[i][:]
		}

		return out
	case fieldGpuList:
		return [][]byte{r.GpuList[:]}
	case fieldFakeGpuList:
		return [][]byte{r.FakeGpuList[:]}
	case fieldDebugLogFile:
		return [][]byte{r.DebugLogFile[:]}
	case fieldStatsPath:
		return [][]byte{r.StatsPath[:]}
	case fieldConfigFileContents:
		return [][]byte{r.ConfigFileContents[:]}
	case fieldThrottleMask:
		return [][]byte{r.ThrottleMask[:]}
	case fieldPluginPath:
		return [][]byte{r.PluginPath[:]}
	case fieldReserved:
		return [][]byte{r.Reserved[:]}
	default:
		return nil
	}
}

func (r *RunDiagRequest) uint32Field(id fieldID) *uint32 {
	switch id {
	case fieldVersion:
		return &r.Version
	case fieldFlags:
		return (*uint32)(&r.Flags)
	case fieldDebugLevel:
		return &r.DebugLevel
	case fieldValidate:
		return &r.Validate
	case fieldCurrentIteration:
		return &r.CurrentIteration
	case fieldTotalIterations:
		return &r.TotalIterations
	case fieldTimeoutSeconds:
		return &r.TimeoutSeconds
	case fieldFailCheckInterval:
		return &r.FailCheckInterval
	default:
		return nil
	}
}

func (r *RunDiagRequest) uint64Field(id fieldID) *uint64 {
	if id == fieldGroupID {
		return &r.GroupID
	}

	return nil
}
