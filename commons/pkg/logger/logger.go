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

// Package logger builds the structured JSON loggers used by every component.
// The level lives in a slog.LevelVar so that it can change while the process
// runs.
package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	// EnvVarLogLevel is the environment variable name for setting the log level.
	EnvVarLogLevel = "LOG_LEVEL"
)

// LevelController owns the level of the loggers it builds.
type LevelController struct {
	level *slog.LevelVar
}

// NewLevelController starts at the level named by level.
func NewLevelController(level string) *LevelController {
	lv := new(slog.LevelVar)
	lv.Set(ParseLogLevel(level))

	return &LevelController{level: lv}
}

// SetLevel changes the level of every logger built by c.
func (c *LevelController) SetLevel(level slog.Level) {
	c.level.Set(level)
}

func (c *LevelController) Level() slog.Level {
	return c.level.Level()
}

// Logger returns a JSON logger writing to w with module and version
// attributes. Source locations are included when the controller starts at
// debug.
func (c *LevelController) Logger(w io.Writer, module, version string) *slog.Logger {
	return slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level:     c.level,
		AddSource: c.level.Level() <= slog.LevelDebug,
	})).With("module", module, "version", version)
}

// NewStructuredLogger creates a new structured logger on stderr with a fixed
// log level. Defined module name and version are included in the logger's
// context. AddSource is enabled for debug level logging only.
func NewStructuredLogger(module, version, level string) *slog.Logger {
	return NewLevelController(level).Logger(os.Stderr, module, version)
}

// SetDefaultStructuredLogger installs a default logger whose level is read
// from the LOG_LEVEL environment variable, falling back to fallback when the
// variable is unset. The returned controller adjusts it later.
func SetDefaultStructuredLogger(module, version, fallback string) *LevelController {
	level := fallback
	if v, ok := os.LookupEnv(EnvVarLogLevel); ok && v != "" {
		level = v
	}

	c := NewLevelController(level)
	slog.SetDefault(c.Logger(os.Stderr, module, version))

	return c
}

// ParseLogLevel converts a string representation of a log level into a
// slog.Level. Unrecognized strings yield slog.LevelInfo.
func ParseLogLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug", "verbose":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error", "fatal":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
