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

// Package config holds the diag engine daemon configuration.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/nvidia/nvsentinel/diag-engine/commons/pkg/configmanager"
	"github.com/nvidia/nvsentinel/diag-engine/commons/pkg/logger"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/diagmanager"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/notifier"
)

const (
	DefaultPath             = "/etc/diag-engine/config.toml"
	DefaultSocketPath       = "/run/nvsentinel/diag-engine.sock"
	DefaultHealthSocketPath = "/run/nvsentinel/diag-engine-health.sock"
	DefaultPluginDir        = "/usr/lib/nvsentinel/diag-plugins"
	DefaultMetricsPort      = 2112
	DefaultInitTimeout      = 10 * time.Second
	DefaultTestTimeout      = 600 * time.Second
	DefaultMaxStatPages     = 64
)

// Environment variables that override the file.
const (
	EnvSocket      = "DIAG_ENGINE_SOCKET"
	EnvPluginDir   = "DIAG_ENGINE_PLUGIN_DIR"
	EnvMetricsPort = "DIAG_ENGINE_METRICS_PORT"
	EnvNodeName    = "NODE_NAME"
)

// Suites lists the tests of each run level.
type Suites struct {
	Quick  []string `toml:"quick"`
	Medium []string `toml:"medium"`
	Long   []string `toml:"long"`
	XLong  []string `toml:"xlong"`
}

// ByLevel keys the suites by run level.
func (s Suites) ByLevel() map[uint32][]string {
	return map[uint32][]string{
		diagmanager.LevelQuick:  s.Quick,
		diagmanager.LevelMedium: s.Medium,
		diagmanager.LevelLong:   s.Long,
		diagmanager.LevelXLong:  s.XLong,
	}
}

type Config struct {
	LogLevel         string `toml:"log_level" validate:"omitempty,oneof=debug verbose info warn warning error fatal"`
	SocketPath       string `toml:"socket_path" validate:"required"`
	HealthSocketPath string `toml:"health_socket_path"`
	// MetricsPort 0 disables the HTTP endpoint.
	MetricsPort     int           `toml:"metrics_port" validate:"min=0,max=65535"`
	PluginDir       string        `toml:"plugin_dir"`
	InitTimeout     time.Duration `toml:"init_timeout" validate:"gt=0"`
	TestTimeout     time.Duration `toml:"test_timeout" validate:"gt=0"`
	MaxParallelGpus int           `toml:"max_parallel_gpus" validate:"min=0"`
	MaxStatPages    int           `toml:"max_stat_pages" validate:"min=1,max=1024"`
	NodeName        string        `toml:"node_name"`
	// FakeGpuCount adds simulated GPUs to the inventory reported when no
	// driver is present.
	FakeGpuCount int `toml:"fake_gpu_count" validate:"min=0,max=32"`

	Notifier notifier.Config `toml:"notifier"`
	Suites   Suites          `toml:"suites"`
}

func Default() Config {
	software := []string{"software"}

	return Config{
		LogLevel:         "info",
		SocketPath:       DefaultSocketPath,
		HealthSocketPath: DefaultHealthSocketPath,
		MetricsPort:      DefaultMetricsPort,
		PluginDir:        DefaultPluginDir,
		InitTimeout:      DefaultInitTimeout,
		TestTimeout:      DefaultTestTimeout,
		MaxStatPages:     DefaultMaxStatPages,
		Suites: Suites{
			Quick:  software,
			Medium: software,
			Long:   software,
			XLong:  software,
		},
	}
}

// Load reads path over the defaults, applies environment overrides and
// validates the result. An empty path skips the file.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		if err := configmanager.LoadTOMLConfig(path, &cfg); err != nil {
			return nil, err
		}
	}

	overrides := []error{
		configmanager.Override(&cfg.SocketPath, EnvSocket),
		configmanager.Override(&cfg.PluginDir, EnvPluginDir),
		configmanager.Override(&cfg.MetricsPort, EnvMetricsPort),
		configmanager.Override(&cfg.LogLevel, logger.EnvVarLogLevel),
		configmanager.Override(&cfg.NodeName, EnvNodeName),
	}

	for _, err := range overrides {
		if err != nil {
			return nil, err
		}
	}

	cfg.LogLevel = strings.ToLower(strings.TrimSpace(cfg.LogLevel))

	if err := configmanager.Validate(&cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	cfg.Notifier.NodeName = cfg.NodeName

	return &cfg, nil
}
