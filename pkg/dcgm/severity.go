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
	"log/slog"
	"strings"
)

// Severity is a host engine logging severity.
type Severity int32

const (
	SeverityNone    Severity = 0
	SeverityFatal   Severity = 1
	SeverityError   Severity = 2
	SeverityWarning Severity = 3
	SeverityInfo    Severity = 4
	SeverityDebug   Severity = 5
	SeverityVerbose Severity = 6
)

var severityNames = []string{"NONE", "FATAL", "ERROR", "WARNING", "INFO", "DEBUG", "VERBOSE"}

func (s Severity) String() string {
	if s >= 0 && int(s) < len(severityNames) {
		return severityNames[s]
	}

	return "UNKNOWN"
}

// Valid reports whether s is one of the defined severities.
func (s Severity) Valid() bool {
	return s >= SeverityNone && s <= SeverityVerbose
}

// SlogLevel maps s onto the closest slog level. slog has no level above
// error, so NONE and FATAL collapse into it.
func (s Severity) SlogLevel() slog.Level {
	switch {
	case s <= SeverityError:
		return slog.LevelError
	case s == SeverityWarning:
		return slog.LevelWarn
	case s == SeverityInfo:
		return slog.LevelInfo
	default:
		return slog.LevelDebug
	}
}

// ParseSeverity accepts either a severity name or a slog level name.
func ParseSeverity(name string) (Severity, bool) {
	name = strings.ToUpper(strings.TrimSpace(name))
	if name == "WARN" {
		return SeverityWarning, true
	}

	for i, n := range severityNames {
		if n == name {
			return Severity(i), true
		}
	}

	return SeverityNone, false
}

// SeverityFromLevel is the inverse of SlogLevel.
func SeverityFromLevel(l slog.Level) Severity {
	switch {
	case l >= slog.LevelError:
		return SeverityError
	case l >= slog.LevelWarn:
		return SeverityWarning
	case l >= slog.LevelInfo:
		return SeverityInfo
	default:
		return SeverityDebug
	}
}
