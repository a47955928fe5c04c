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

import (
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStatusOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Status
	}{
		{name: "nil is ok", err: nil, want: StatusOK},
		{name: "bare status", err: StatusPaused, want: StatusPaused},
		{name: "wrapped status", err: fmt.Errorf("run refused: %w", StatusVersionMismatch), want: StatusVersionMismatch},
		{name: "foreign error", err: errors.New("boom"), want: StatusGenericError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StatusOf(tt.err))
		})
	}
}

func TestStatusErrorsIs(t *testing.T) {
	err := fmt.Errorf("diag: %w", StatusFunctionNotFound)
	assert.True(t, errors.Is(err, StatusFunctionNotFound))
	assert.False(t, errors.Is(err, StatusBadParameter))
	assert.Equal(t, "unknown status -999", Status(-999).Error())
	assert.NoError(t, StatusOK.AsError())
	assert.ErrorIs(t, StatusTimeout.AsError(), StatusTimeout)
}

func TestMakeVersion(t *testing.T) {
	v := MakeVersion(1234, 9)
	assert.Equal(t, uint32(9), VersionRevision(v))
	assert.Equal(t, 1234, VersionSize(v))
	assert.NotEqual(t, MakeVersion(1234, 8), v)
}

func TestSubCommandName(t *testing.T) {
	assert.Equal(t, "pause_resume", SubCommandName(ModuleCore, CorePauseResume))
	assert.Equal(t, "run", SubCommandName(ModuleDiag, DiagRun))
	assert.Equal(t, "unknown", SubCommandName(ModuleDiag, SubCommand(42)))
	assert.Equal(t, "module-3", ModuleID(3).String())
}

func TestSeverity(t *testing.T) {
	tests := []struct {
		name  string
		sev   Severity
		level string
	}{
		{name: "fatal collapses to error", sev: SeverityFatal, level: "ERROR"},
		{name: "warning", sev: SeverityWarning, level: "WARN"},
		{name: "info", sev: SeverityInfo, level: "INFO"},
		{name: "verbose collapses to debug", sev: SeverityVerbose, level: "DEBUG"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.level, tt.sev.SlogLevel().String())
		})
	}

	sev, ok := ParseSeverity("warn")
	assert.True(t, ok)
	assert.Equal(t, SeverityWarning, sev)

	sev, ok = ParseSeverity("Debug")
	assert.True(t, ok)
	assert.Equal(t, SeverityDebug, sev)

	for _, s := range []Severity{SeverityError, SeverityWarning, SeverityInfo, SeverityDebug} {
		assert.Equal(t, s, SeverityFromLevel(s.SlogLevel()))
	}

	_, ok = ParseSeverity("loud")
	assert.False(t, ok)
	assert.False(t, Severity(9).Valid())
	assert.Equal(t, "UNKNOWN", Severity(9).String())
}

func TestStatusName(t *testing.T) {
	assert.Equal(t, "PAUSED", StatusPaused.Name())
	assert.Equal(t, "OK", StatusOf(nil).Name())
	assert.Equal(t, "STATUS_-99", Status(-99).Name())
}
