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

package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/coreos/go-systemd/v22/daemon"
	"github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/nvidia/nvsentinel/diag-engine/commons/pkg/logger"
	"github.com/nvidia/nvsentinel/diag-engine/commons/pkg/server"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/config"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/dcgm"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/diagmanager"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/escalation"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/fieldvalue"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/notifier"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/nvml"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/pluginabi"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/pluginhost"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/pluginloader"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/plugins/software"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/router"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/rundiag"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/transport"
)

const moduleName = "diag-engine"

var (
	// These variables will be populated during the build process
	version = "dev"
	commit  = "none"
	date    = "unknown"

	configFile  = pflag.StringP("config", "c", config.DefaultPath, "Path to the TOML configuration file. Empty skips the file.")
	socketPath  = pflag.String("socket", "", "Command socket path. Overrides the configuration.")
	pluginDir   = pflag.String("plugin-dir", "", "Directory searched for plugin libraries. Overrides the configuration.")
	metricsPort = pflag.Int("metrics-port", 0, "Port to expose Prometheus metrics on. Overrides the configuration.")
)

func main() {
	levels := logger.SetDefaultStructuredLogger(moduleName, version, "info")
	slog.Info("Starting diag-engine", "version", version, "commit", commit, "date", date)

	if err := run(levels); err != nil {
		slog.Error("Fatal error", "error", err)
		os.Exit(1)
	}
}

func loadConfig() (*config.Config, error) {
	pflag.Parse()

	if !pflag.CommandLine.Changed("config") {
		if _, err := os.Stat(*configFile); errors.Is(err, os.ErrNotExist) {
			slog.Info("No configuration file, using defaults", "path", *configFile)
			*configFile = ""
		}
	}

	cfg, err := config.Load(*configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if pflag.CommandLine.Changed("socket") {
		cfg.SocketPath = *socketPath
	}

	if pflag.CommandLine.Changed("plugin-dir") {
		cfg.PluginDir = *pluginDir
	}

	if pflag.CommandLine.Changed("metrics-port") {
		cfg.MetricsPort = *metricsPort
	}

	return cfg, nil
}

// openDriver initializes NVML. Without a driver the engine still serves runs
// on simulated GPUs: the inventory then lists cfg.FakeGpuCount of them.
func openDriver(cfg *config.Config) (*fieldvalue.Provider, diagmanager.Inventory, func()) {
	wrapper := nvml.NewWrapper()

	if err := wrapper.Init(); err != nil {
		slog.Warn("NVML is not available, only simulated GPUs can be tested",
			"error", err, "fakeGpus", cfg.FakeGpuCount)

		p := fieldvalue.NewProvider(nil)
		gpus := make([]pluginabi.GpuInfo, cfg.FakeGpuCount)

		for i := range gpus {
			gpus[i] = pluginabi.GpuInfo{GpuID: uint32(i), Status: pluginabi.EntityFake}
			if _, err := p.AddFakeGpus(uint(i)); err != nil {
				slog.Error("Failed to register simulated GPU", "gpuId", i, "error", err)
			}
		}

		inventory := func() ([]pluginabi.GpuInfo, error) {
			if len(gpus) == 0 {
				return nil, fmt.Errorf("no GPU driver: %w", dcgm.StatusNotSupported)
			}

			return gpus, nil
		}

		return p, inventory, func() {}
	}

	shutdown := func() {
		if err := wrapper.Shutdown(); err != nil {
			slog.Error("NVML shutdown failed", "error", err)
		}
	}

	provider := fieldvalue.NewProvider(wrapper)

	if gpus, err := wrapper.Inventory(); err != nil {
		slog.Warn("Failed to list GPUs at startup", "error", err)
	} else {
		ids := make([]uint, len(gpus))
		for i, g := range gpus {
			ids[i] = uint(g.GpuID)
		}

		provider.SetPhysicalGpus(ids...)
	}

	return provider, wrapper.Inventory, shutdown
}

//nolint:funlen // function coordinates process wiring
func run(levels *logger.LevelController) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	levels.SetLevel(logger.ParseLogLevel(cfg.LogLevel))
	slog.Info("Configuration loaded", "socket", cfg.SocketPath, "pluginDir", cfg.PluginDir,
		"metricsPort", cfg.MetricsPort, "node", cfg.NodeName)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	provider, inventory, shutdownDriver := openDriver(cfg)
	defer shutdownDriver()

	escalationFlag := &escalation.Flag{
		OnRaise: func(reason string) {
			slog.Warn("Escalation raised, remaining plugins will be skipped", "reason", reason)
		},
	}

	host := pluginhost.New(pluginhost.Config{
		InitTimeout:  cfg.InitTimeout,
		TestTimeout:  cfg.TestTimeout,
		MaxStatPages: cfg.MaxStatPages,
		Policy:       pluginhost.ParallelPolicy{Limit: cfg.MaxParallelGpus},
		Severity:     func() dcgm.Severity { return dcgm.SeverityFromLevel(levels.Level()) },
	}, provider, escalationFlag, slog.Default())

	registry := pluginloader.NewRegistry()
	registry.Register(software.PluginName, func() pluginabi.EntryPoints { return software.EntryPoints() })

	loader := pluginloader.New(registry, cfg.PluginDir, slog.Default())

	var publisher diagmanager.Notifier
	if cfg.Notifier.Enabled {
		publisher = notifier.New(cfg.Notifier, slog.Default())
	}

	manager := diagmanager.New(diagmanager.Config{Suites: cfg.Suites.ByLevel()},
		loader, host, provider, inventory, publisher, slog.Default())

	pause := &router.PauseState{}
	rt := router.New(pause, rundiag.NewMigrator(), manager, levels, slog.Default())

	cmdServer := transport.NewServer(cfg.SocketPath, slog.Default())
	transport.RegisterDiagActions(cmdServer, rt, injectFunc(provider), func() transport.StatusReport {
		st := manager.Status()

		return transport.StatusReport{
			Paused:     pause.Paused(),
			Active:     st.Active,
			RunID:      st.RunID,
			StartedAt:  st.StartedAt,
			Escalation: string(escalationFlag.State()),
			FakeGpus:   provider.FakeGpus(),
		}
	})

	health := transport.NewHealth(pause, slog.Default())

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return cmdServer.Serve(gctx) })

	if cfg.HealthSocketPath != "" {
		g.Go(func() error { return health.Serve(gctx, cfg.HealthSocketPath) })
	}

	if cfg.MetricsPort > 0 {
		srv := server.NewServer(
			server.WithPort(cfg.MetricsPort),
			server.WithPrometheusMetrics(),
			server.WithSimpleHealth(),
			server.WithReadinessCheck(server.CheckFunc(func(context.Context) error {
				if pause.Paused() {
					return errors.New("engine is paused")
				}

				return ready(cmdServer.Ready())
			})),
		)

		g.Go(func() error {
			slog.Info("Starting metrics server", "port", cfg.MetricsPort)
			return srv.Serve(gctx)
		})
	}

	g.Go(func() error {
		return notifySystemd(gctx, cmdServer.Ready(), healthReady(cfg, health))
	})

	err = g.Wait()

	if stopErr := manager.StopRunningDiag(context.Background()); stopErr != nil {
		slog.Warn("Failed to stop the running diagnostic", "error", stopErr)
	}

	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}

	slog.Info("diag-engine stopped")

	return nil
}

// injectFunc accepts values only for simulated GPUs. The provider refuses ids
// of physical GPUs.
func injectFunc(provider *fieldvalue.Provider) transport.InjectFunc {
	return func(gpuID uint, v fieldvalue.Value) error {
		if err := provider.Inject(gpuID, v); err != nil {
			return err
		}

		slog.Debug("Injected field value", "gpuId", gpuID, "field", v.FieldID.String(), "value", v.Int64)

		return nil
	}
}

func ready(ch <-chan struct{}) error {
	select {
	case <-ch:
		return nil
	default:
		return errors.New("command socket is not listening yet")
	}
}

func healthReady(cfg *config.Config, health *transport.Health) <-chan struct{} {
	if cfg.HealthSocketPath == "" {
		done := make(chan struct{})
		close(done)

		return done
	}

	return health.Ready()
}

// notifySystemd reports readiness once every socket listens and reports
// stopping on shutdown. Outside systemd both notifications are no-ops.
func notifySystemd(ctx context.Context, readyChans ...<-chan struct{}) error {
	for _, ch := range readyChans {
		select {
		case <-ch:
		case <-ctx.Done():
			return nil
		}
	}

	if sent, err := daemon.SdNotify(false, daemon.SdNotifyReady); err != nil {
		slog.Warn("Failed to notify systemd", "error", err)
	} else if sent {
		slog.Info("Notified systemd of readiness")
	}

	<-ctx.Done()

	if _, err := daemon.SdNotify(false, daemon.SdNotifyStopping); err != nil {
		slog.Warn("Failed to notify systemd", "error", err)
	}

	return nil
}
