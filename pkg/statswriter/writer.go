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

// Package statswriter persists the statistics of a finished run as JSON
// files in the stats directory named by the request.
package statswriter

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/aggregator"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/pluginabi"
)

// Stats is the content of one stats file: everything one test reported.
type Stats struct {
	RunID             string                   `json:"runId"`
	Plugin            string                   `json:"plugin"`
	Test              string                   `json:"test"`
	Iteration         uint32                   `json:"iteration"`
	WrittenAt         time.Time                `json:"writtenAt"`
	Escalated         bool                     `json:"escalated"`
	Results           []pluginabi.SimpleResult `json:"results,omitempty"`
	Errors            []aggregator.ErrorDetail `json:"errors,omitempty"`
	CustomStats       []aggregator.CustomStat  `json:"customStats,omitempty"`
	RequestedFieldIDs []uint16                 `json:"requestedFieldIds,omitempty"`
}

type Writer struct {
	dir string
	now func() time.Time
}

func NewWriter(dir string) (*Writer, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create stats directory %s: %w", dir, err)
	}

	return &Writer{dir: dir, now: time.Now}, nil
}

var unsafeChars = regexp.MustCompile(`[^A-Za-z0-9_.-]+`)

// FileName returns the stats file name used for test.
func FileName(test string) string {
	name := unsafeChars.ReplaceAllString(strings.ToLower(test), "_")
	return "stats_" + strings.Trim(name, "._") + ".json"
}

// Write stores one file per test that ran, replacing earlier files of the
// same test. It returns the paths written.
func (w *Writer) Write(resp *aggregator.Response) ([]string, error) {
	var paths []string

	for _, t := range resp.Tests {
		if t.Status == aggregator.TestNotRun {
			continue
		}

		stats := Stats{
			RunID:             resp.RunID,
			Plugin:            t.Plugin,
			Test:              t.Name,
			Iteration:         resp.Iteration,
			WrittenAt:         w.now().UTC(),
			Escalated:         resp.Escalated,
			Results:           t.Results,
			Errors:            t.Errors,
			CustomStats:       t.CustomStats,
			RequestedFieldIDs: t.RequestedFieldIDs,
		}

		path := filepath.Join(w.dir, FileName(t.Name))
		if err := writeAtomic(path, &stats); err != nil {
			return paths, err
		}

		paths = append(paths, path)
	}

	return paths, nil
}

func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal stats to JSON: %w", err)
	}

	tmpPath := path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0600); err != nil {
		return fmt.Errorf("failed to write temporary file %s: %w", tmpPath, err)
	}

	if err := os.Rename(tmpPath, path); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to rename %s to %s: %w", tmpPath, path, err)
	}

	return nil
}
