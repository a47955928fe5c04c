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

package dcgm

import "strconv"

// ModuleID identifies the host engine module a command is addressed to.
type ModuleID uint32

const (
	ModuleCore ModuleID = 0
	ModuleDiag ModuleID = 7
)

func (m ModuleID) String() string {
	switch m {
	case ModuleCore:
		return "core"
	case ModuleDiag:
		return "diag"
	default:
		return "module-" + strconv.FormatUint(uint64(m), 10)
	}
}

// SubCommand is interpreted relative to the ModuleID of the envelope carrying it.
type SubCommand uint32

// Core subcommands.
const (
	CoreLoggingChanged SubCommand = 5
	CorePauseResume    SubCommand = 23
)

// Diag subcommands.
const (
	DiagRun  SubCommand = 1
	DiagStop SubCommand = 2
)

// SubCommandName renders a subcommand for logs and metric labels.
func SubCommandName(module ModuleID, sub SubCommand) string {
	if module == ModuleCore {
		switch sub {
		case CoreLoggingChanged:
			return "logging_changed"
		case CorePauseResume:
			return "pause_resume"
		}
	} else {
		switch sub {
		case DiagRun:
			return "run"
		case DiagStop:
			return "stop"
		}
	}

	return "unknown"
}

// MakeVersion packs a struct size and a revision number the same way the
// host engine versions every message: the revision lives in the top byte.
func MakeVersion(size int, revision uint32) uint32 {
	return uint32(size) | revision<<24
}

// VersionRevision returns the revision number packed into v.
func VersionRevision(v uint32) uint32 {
	return v >> 24
}

// VersionSize returns the struct size packed into v.
func VersionSize(v uint32) int {
	return int(v & 0x00ffffff)
}
