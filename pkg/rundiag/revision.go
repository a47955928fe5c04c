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
	"slices"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/dcgm"
)

type fieldID int

const (
	fieldVersion fieldID = iota
	fieldFlags
	fieldDebugLevel
	fieldGroupID
	fieldValidate
	fieldTestNames
	fieldTestParms
	fieldGpuList
	fieldFakeGpuList
	fieldDebugLogFile
	fieldStatsPath
	fieldConfigFileContents
	fieldThrottleMask
	fieldPluginPath
	fieldReserved
	fieldCurrentIteration
	fieldTotalIterations
	fieldTimeoutSeconds
	fieldFailCheckInterval
)

type fieldKind int

const (
	kindUint32 fieldKind = iota
	kindUint64
	kindText
)

// field describes one member of a wire revision. Text fields are count rows
// of width bytes each; scalars ignore count and width.
type field struct {
	id    fieldID
	kind  fieldKind
	count int
	width int
}

func (f field) size() int {
	switch f.kind {
	case kindUint32:
		return 4
	case kindUint64:
		return 8
	default:
		return f.count * f.width
	}
}

func u32(id fieldID) field         { return field{id: id, kind: kindUint32} }
func u64(id fieldID) field         { return field{id: id, kind: kindUint64} }
func text(id fieldID, w int) field { return field{id: id, kind: kindText, count: 1, width: w} }

func textRows(id fieldID, n, w int) field {
	return field{id: id, kind: kindText, count: n, width: w}
}

// revision is one historical layout of the RUN payload. The payload is the
// requested action followed by the fields in order, little endian and packed.
type revision struct {
	number          uint32
	responseVersion uint32
	fields          []field
	size            int
	version         uint32
}

func newRevision(number, responseVersion uint32, fields []field) *revision {
	size := 4 // action
	for _, f := range fields {
		size += f.size()
	}

	return &revision{
		number:          number,
		responseVersion: responseVersion,
		fields:          fields,
		size:            size,
		version:         dcgm.MakeVersion(size, number),
	}
}

// extend returns base plus extra without aliasing base.
func extend(base []field, extra ...field) []field {
	return append(slices.Clone(base), extra...)
}

// widen returns base with the text field id resized to width.
func widen(base []field, id fieldID, width int) []field {
	out := slices.Clone(base)
	for i := range out {
		if out[i].id == id {
			out[i].width = width
		}
	}

	return out
}

var (
	fieldsV5 = []field{
		u32(fieldVersion),
		u32(fieldFlags),
		u32(fieldDebugLevel),
		u64(fieldGroupID),
		u32(fieldValidate),
		textRows(fieldTestNames, MaxTestNames, TestNameLen),
		textRows(fieldTestParms, MaxTestParms, TestParmsLenV1),
		text(fieldGpuList, GpuListLen),
		text(fieldDebugLogFile, PathLen),
		text(fieldStatsPath, PathLen),
		text(fieldConfigFileContents, ConfigFileLen),
		text(fieldThrottleMask, ThrottleMaskLen),
		text(fieldPluginPath, PathLen),
		u32(fieldFailCheckInterval),
	}
	fieldsV6 = extend(fieldsV5, text(fieldFakeGpuList, GpuListLen))
	fieldsV7 = widen(fieldsV6, fieldTestParms, TestParmsLenV2)
	fieldsV8 = extend(fieldsV7, u32(fieldCurrentIteration), u32(fieldTotalIterations))
	fieldsV9 = extend(fieldsV8, u32(fieldTimeoutSeconds), text(fieldReserved, ReservedLen))
)

// revisions lists every supported wire revision, newest first. Adding a
// revision means adding one entry here.
var revisions = []*revision{
	newRevision(9, 10, fieldsV9),
	newRevision(8, 10, fieldsV8),
	newRevision(7, 9, fieldsV7),
	newRevision(6, 8, fieldsV6),
	newRevision(5, 7, fieldsV5),
}

// Message versions of the RUN payload revisions.
var (
	RunVersion9 = revisionByNumber(9).version
	RunVersion8 = revisionByNumber(8).version
	RunVersion7 = revisionByNumber(7).version
	RunVersion6 = revisionByNumber(6).version
	RunVersion5 = revisionByNumber(5).version

	// RunVersion is the latest revision.
	RunVersion = RunVersion9
)

func revisionByNumber(n uint32) *revision {
	for _, rev := range revisions {
		if rev.number == n {
			return rev
		}
	}

	return nil
}

func revisionByVersion(v uint32) *revision {
	for _, rev := range revisions {
		if rev.version == v {
			return rev
		}
	}

	return nil
}

// RevisionNumber returns the revision number of a RUN message version and
// false when the version is unknown.
func RevisionNumber(version uint32) (uint32, bool) {
	rev := revisionByVersion(version)
	if rev == nil {
		return 0, false
	}

	return rev.number, true
}

// VersionOf returns the message version of revision n.
func VersionOf(n uint32) (uint32, bool) {
	rev := revisionByNumber(n)
	if rev == nil {
		return 0, false
	}

	return rev.version, true
}

// PayloadSize returns the expected RUN payload length for a message version.
func PayloadSize(version uint32) (int, bool) {
	rev := revisionByVersion(version)
	if rev == nil {
		return 0, false
	}

	return rev.size, true
}
