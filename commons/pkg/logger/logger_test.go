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

package logger

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestParseLogLevel(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		expected slog.Level
	}{
		{name: "debug lowercase", input: "debug", expected: slog.LevelDebug},
		{name: "debug with whitespace", input: "  DEBUG  ", expected: slog.LevelDebug},
		{name: "verbose maps to debug", input: "verbose", expected: slog.LevelDebug},
		{name: "info", input: "info", expected: slog.LevelInfo},
		{name: "warn", input: "WARN", expected: slog.LevelWarn},
		{name: "warning", input: "warning", expected: slog.LevelWarn},
		{name: "error", input: "error", expected: slog.LevelError},
		{name: "fatal maps to error", input: "FATAL", expected: slog.LevelError},
		{name: "empty defaults to info", input: "", expected: slog.LevelInfo},
		{name: "unknown defaults to info", input: "chatty", expected: slog.LevelInfo},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ParseLogLevel(tt.input); got != tt.expected {
				t.Errorf("ParseLogLevel(%q) = %v, want %v", tt.input, got, tt.expected)
			}
		})
	}
}

func lines(buf *bytes.Buffer) []map[string]any {
	var out []map[string]any

	for _, line := range strings.Split(strings.TrimSpace(buf.String()), "\n") {
		if line == "" {
			continue
		}

		var m map[string]any
		if err := json.Unmarshal([]byte(line), &m); err == nil {
			out = append(out, m)
		}
	}

	return out
}

func TestLevelControllerChangesLevel(t *testing.T) {
	var buf bytes.Buffer

	c := NewLevelController("info")
	log := c.Logger(&buf, "diag-engine", "v1.2.3")

	log.Debug("hidden")
	log.Info("shown")

	c.SetLevel(slog.LevelDebug)
	log.Debug("now shown")

	c.SetLevel(slog.LevelError)
	log.Warn("hidden again")

	got := lines(&buf)
	if len(got) != 2 {
		t.Fatalf("expected 2 records, got %d: %s", len(got), buf.String())
	}

	if got[0]["msg"] != "shown" || got[1]["msg"] != "now shown" {
		t.Errorf("unexpected messages: %v", got)
	}

	if got[0]["module"] != "diag-engine" || got[0]["version"] != "v1.2.3" {
		t.Errorf("module and version attributes missing: %v", got[0])
	}

	if c.Level() != slog.LevelError {
		t.Errorf("Level() = %v, want ERROR", c.Level())
	}
}

func TestNewStructuredLogger(t *testing.T) {
	log := NewStructuredLogger("diag-engine", "v1", "warn")
	if log == nil {
		t.Fatal("NewStructuredLogger returned nil")
	}

	if log.Enabled(t.Context(), slog.LevelInfo) {
		t.Error("info should be disabled at warn")
	}
}

func TestSetDefaultStructuredLogger(t *testing.T) {
	original := slog.Default()
	defer slog.SetDefault(original)

	tests := []struct {
		name     string
		env      string
		fallback string
		expected slog.Level
	}{
		{name: "env wins", env: "debug", fallback: "error", expected: slog.LevelDebug},
		{name: "fallback when unset", env: "", fallback: "warn", expected: slog.LevelWarn},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(EnvVarLogLevel, tt.env)

			c := SetDefaultStructuredLogger("diag-engine", "v1", tt.fallback)
			if c.Level() != tt.expected {
				t.Errorf("level = %v, want %v", c.Level(), tt.expected)
			}

			if !slog.Default().Enabled(t.Context(), tt.expected) {
				t.Errorf("default logger does not log at %v", tt.expected)
			}
		})
	}
}
