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

// Package diagconfig parses the diagnostic configuration carried inline in a
// run request.
//
// The document has a globals block, a list of GPU sets, and one stanza of
// parameters per test:
//
//	globals:
//	  logfile_type: json
//	  require_persistence_mode: false
//	gpus:
//	  - gpuset: all
//	    properties:
//	      index: 0,1
//	    tests:
//	      - name: software
//	software:
//	  do_test: page_retirement
//	  subtests:
//	    row_remap:
//	      enabled: true
//
// Test stanzas may also be nested under the legacy custom, quick, medium and
// long keys.
package diagconfig

import (
	"fmt"
	"maps"
	"slices"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/dcgm"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/rundiag"
)

// LogFileType selects the format of the diagnostic log file.
type LogFileType string

const (
	LogFileJSON   LogFileType = "json"
	LogFileText   LogFileType = "text"
	LogFileBinary LogFileType = "binary"
)

func (t *LogFileType) UnmarshalYAML(node *yaml.Node) error {
	switch v := LogFileType(strings.ToLower(strings.TrimSpace(node.Value))); v {
	case "", LogFileJSON, LogFileText, LogFileBinary:
		*t = v
		return nil
	default:
		return fmt.Errorf("line %d: unknown logfile_type %q", node.Line, node.Value)
	}
}

type Globals struct {
	LogFile                string      `yaml:"logfile"`
	LogFileType            LogFileType `yaml:"logfile_type"`
	Scriptable             bool        `yaml:"scriptable"`
	SerialOverride         bool        `yaml:"serial_override"`
	RequirePersistenceMode *bool       `yaml:"require_persistence_mode"`
}

type Properties struct {
	Name  string `yaml:"name"`
	Brand string `yaml:"brand"`
	BusID string `yaml:"busid"`
	UUID  string `yaml:"uuid"`
	Index string `yaml:"index"`
}

type TestRef struct {
	Name string `yaml:"name"`
}

type GpuSet struct {
	Name       string     `yaml:"gpuset"`
	Properties Properties `yaml:"properties"`
	Tests      []TestRef  `yaml:"tests"`
}

// TestConfig holds the parameters of one test.
type TestConfig struct {
	Params   map[string]string
	Subtests map[string]map[string]string
}

// Config is a parsed diagnostic configuration.
type Config struct {
	Globals Globals
	GPUs    []GpuSet
	// Tests is keyed by lower-cased test name.
	Tests map[string]TestConfig
}

var legacyGroups = []string{"custom", "quick", "medium", "long"}

const (
	keyGlobals  = "globals"
	keyGpus     = "gpus"
	keySubtests = "subtests"

	softwareTest                = "software"
	requirePersistenceModeParam = "require_persistence_mode"
)

// Parse reads contents. Empty contents yield an empty configuration.
func Parse(contents string) (*Config, error) {
	cfg := &Config{Tests: make(map[string]TestConfig)}

	if strings.TrimSpace(contents) == "" {
		return cfg, nil
	}

	var doc map[string]yaml.Node
	if err := yaml.Unmarshal([]byte(contents), &doc); err != nil {
		return nil, fmt.Errorf("failed to parse diag config: %v: %w", err, dcgm.StatusBadParameter)
	}

	for _, key := range slices.Sorted(maps.Keys(doc)) {
		node := doc[key]

		var err error

		switch lower := strings.ToLower(key); {
		case lower == keyGlobals:
			err = node.Decode(&cfg.Globals)
		case lower == keyGpus:
			err = node.Decode(&cfg.GPUs)
		case slices.Contains(legacyGroups, lower):
			err = cfg.addGroup(&node)
		default:
			err = cfg.addTest(key, &node)
		}

		if err != nil {
			return nil, fmt.Errorf("diag config key %q: %v: %w", key, err, dcgm.StatusBadParameter)
		}
	}

	return cfg, nil
}

func (c *Config) addGroup(node *yaml.Node) error {
	var tests map[string]yaml.Node
	if err := node.Decode(&tests); err != nil {
		return err
	}

	for name, n := range tests {
		if err := c.addTest(name, &n); err != nil {
			return err
		}
	}

	return nil
}

func (c *Config) addTest(name string, node *yaml.Node) error {
	if node.Kind != yaml.MappingNode {
		return fmt.Errorf("line %d: test stanza must be a mapping", node.Line)
	}

	name = strings.ToLower(name)

	tc, ok := c.Tests[name]
	if !ok {
		tc = TestConfig{Params: make(map[string]string), Subtests: make(map[string]map[string]string)}
	}

	for i := 0; i+1 < len(node.Content); i += 2 {
		key, value := node.Content[i].Value, node.Content[i+1]

		if strings.EqualFold(key, keySubtests) {
			var subtests map[string]map[string]string
			if err := value.Decode(&subtests); err != nil {
				return fmt.Errorf("line %d: %w", value.Line, err)
			}

			for sub, params := range subtests {
				sub = strings.ToLower(sub)
				if tc.Subtests[sub] == nil {
					tc.Subtests[sub] = make(map[string]string)
				}

				maps.Copy(tc.Subtests[sub], params)
			}

			continue
		}

		if value.Kind != yaml.ScalarNode {
			return fmt.Errorf("line %d: parameter %q must be a scalar", value.Line, key)
		}

		tc.Params[key] = value.Value
	}

	c.Tests[name] = tc

	return nil
}

// Parameters flattens the configuration into run parameters in a stable
// order. Subtest parameters are named subtest.parameter.
func (c *Config) Parameters() []rundiag.TestParameter {
	var out []rundiag.TestParameter

	if c.Globals.RequirePersistenceMode != nil {
		out = append(out, rundiag.TestParameter{
			Test:  softwareTest,
			Name:  requirePersistenceModeParam,
			Value: fmt.Sprint(*c.Globals.RequirePersistenceMode),
		})
	}

	for _, test := range slices.Sorted(maps.Keys(c.Tests)) {
		tc := c.Tests[test]

		for _, name := range slices.Sorted(maps.Keys(tc.Params)) {
			out = append(out, rundiag.TestParameter{Test: test, Name: name, Value: tc.Params[name]})
		}

		for _, sub := range slices.Sorted(maps.Keys(tc.Subtests)) {
			for _, name := range slices.Sorted(maps.Keys(tc.Subtests[sub])) {
				out = append(out, rundiag.TestParameter{Test: test, Name: sub + "." + name, Value: tc.Subtests[sub][name]})
			}
		}
	}

	return out
}

// TestNames lists the tests named by the GPU sets, in document order.
func (c *Config) TestNames() []string {
	var names []string

	for _, set := range c.GPUs {
		for _, t := range set.Tests {
			if t.Name != "" && !slices.Contains(names, t.Name) {
				names = append(names, t.Name)
			}
		}
	}

	return names
}

// GpuIDs returns the union of the index properties of the GPU sets, or nil
// when no set restricts the GPUs.
func (c *Config) GpuIDs() ([]uint, error) {
	var ids []uint

	for _, set := range c.GPUs {
		if set.Properties.Index == "" {
			return nil, nil
		}

		listed, err := rundiag.ParseGpuList(set.Properties.Index)
		if err != nil {
			return nil, err
		}

		for _, id := range listed {
			if !slices.Contains(ids, id) {
				ids = append(ids, id)
			}
		}
	}

	return ids, nil
}

// Merge combines parameters by precedence: later lists override earlier ones
// for the same test and parameter name. Comparison is case-insensitive and
// the first spelling seen is kept.
func Merge(lists ...[]rundiag.TestParameter) []rundiag.TestParameter {
	type key struct{ test, name string }

	index := make(map[key]int)

	var out []rundiag.TestParameter

	for _, list := range lists {
		for _, p := range list {
			k := key{strings.ToLower(p.Test), strings.ToLower(p.Name)}
			if i, ok := index[k]; ok {
				out[i].Value = p.Value
				continue
			}

			index[k] = len(out)
			out = append(out, p)
		}
	}

	return out
}
