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
	"encoding/binary"
	"fmt"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/dcgm"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/sanitize"
)

// Migrator converts RUN payloads of any supported revision into the
// canonical RunDiagRequest.
type Migrator struct{}

// NewMigrator returns the table-driven migrator.
func NewMigrator() *Migrator {
	return &Migrator{}
}

// Versions returns every accepted RUN message version, newest first.
func (m *Migrator) Versions() []uint32 {
	out := make([]uint32, 0, len(revisions))
	for _, rev := range revisions {
		out = append(out, rev.version)
	}

	return out
}

// Migrate decodes payload as the revision identified by expected. declared is
// the version carried by the envelope and must equal expected; otherwise the
// payload is not read at all. Migration is all-or-nothing: on error no
// request is returned.
func (m *Migrator) Migrate(payload []byte, expected, declared uint32) (*Message, error) {
	if declared != expected {
		return nil, fmt.Errorf("run message version %#x does not match %#x: %w",
			declared, expected, dcgm.StatusVersionMismatch)
	}

	rev := revisionByVersion(expected)
	if rev == nil {
		return nil, fmt.Errorf("unknown run message version %#x: %w", expected, dcgm.StatusVersionMismatch)
	}

	if len(payload) != rev.size {
		return nil, fmt.Errorf("run message revision %d expects %d bytes, got %d: %w",
			rev.number, rev.size, len(payload), dcgm.StatusBadParameter)
	}

	req := &RunDiagRequest{}
	action := Action(binary.LittleEndian.Uint32(payload))
	offset := 4

	for _, f := range rev.fields {
		src := payload[offset : offset+f.size()]
		offset += f.size()

		switch f.kind {
		case kindUint32:
			*req.uint32Field(f.id) = binary.LittleEndian.Uint32(src)
		case kindUint64:
			*req.uint64Field(f.id) = binary.LittleEndian.Uint64(src)
		case kindText:
			dst := req.rows(f.id)
			for i := 0; i < f.count && i < len(dst); i++ {
				sanitize.Copy(dst[i], src[i*f.width:(i+1)*f.width])
			}
		}
	}

	req.Terminate()

	return &Message{
		Request:         req,
		Action:          action,
		Revision:        rev.number,
		ResponseVersion: rev.responseVersion,
	}, nil
}

// Terminate forces every bounded text field of the request to end in a NUL.
// Migration calls it after copying even though the copy already terminated
// each field.
func (r *RunDiagRequest) Terminate() {
	for _, id := range []fieldID{
		fieldTestNames, fieldTestParms, fieldGpuList, fieldFakeGpuList, fieldDebugLogFile, fieldStatsPath,
		fieldConfigFileContents, fieldThrottleMask, fieldPluginPath, fieldReserved,
	} {
		for _, row := range r.rows(id) {
			sanitize.Terminate(row)
		}
	}
}

// Encode renders req as a RUN payload of the given revision. Fields the
// revision does not carry are dropped and text wider than the revision's
// capacity is truncated. It returns the payload and its message version.
func Encode(req *RunDiagRequest, action Action, revisionNumber uint32) ([]byte, uint32, error) {
	rev := revisionByNumber(revisionNumber)
	if rev == nil {
		return nil, 0, fmt.Errorf("unknown run revision %d: %w", revisionNumber, dcgm.StatusVersionMismatch)
	}

	buf := make([]byte, rev.size)
	binary.LittleEndian.PutUint32(buf, uint32(action))
	offset := 4

	for _, f := range rev.fields {
		dst := buf[offset : offset+f.size()]
		offset += f.size()

		switch f.kind {
		case kindUint32:
			binary.LittleEndian.PutUint32(dst, *req.uint32Field(f.id))
		case kindUint64:
			binary.LittleEndian.PutUint64(dst, *req.uint64Field(f.id))
		case kindText:
			src := req.rows(f.id)
			for i := 0; i < f.count && i < len(src); i++ {
				sanitize.SetString(dst[i*f.width:(i+1)*f.width], sanitize.String(src[i]))
			}
		}
	}

	return buf, rev.version, nil
}
