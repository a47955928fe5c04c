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

package pluginhost

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/dcgm"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/metrics"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/pluginabi"
)

// Handle owns one loaded plugin instance. Close calls ShutdownPlugin exactly
// once, and only when InitializePlugin succeeded.
type Handle struct {
	source string
	entry  pluginabi.EntryPoints
	desc   pluginabi.Descriptor
	logger *slog.Logger

	userData    pluginabi.UserData
	statFields  []uint16
	initialized bool

	closeOnce sync.Once
	closeErr  error
}

// Open performs the version handshake and reads the plugin descriptor. No
// entry point other than GetPluginInterfaceVersion is called when the
// versions differ.
func Open(source string, entry pluginabi.EntryPoints, logger *slog.Logger) (*Handle, error) {
	if missing := entry.Missing(); len(missing) > 0 {
		metrics.PluginFailures.WithLabelValues(source, "load").Inc()

		return nil, fmt.Errorf("plugin %s is missing entry points %v: %w", source, missing, dcgm.StatusPluginFailure)
	}

	if v := entry.GetPluginInterfaceVersion(); v != pluginabi.InterfaceVersion {
		metrics.PluginFailures.WithLabelValues(source, "version").Inc()

		return nil, fmt.Errorf("plugin %s reports interface version %d, host requires %d: %w",
			source, v, pluginabi.InterfaceVersion, dcgm.StatusVersionMismatch)
	}

	var info pluginabi.Info

	st := entry.GetPluginInfo(pluginabi.InterfaceVersion, &info)
	switch {
	case st < 0:
		metrics.PluginFailures.WithLabelValues(source, "info").Inc()

		return nil, fmt.Errorf("plugin %s could not describe itself (%d): %w", source, int32(st), dcgm.StatusPluginFailure)
	case st > 0:
		metrics.PluginFailures.WithLabelValues(source, "info").Inc()

		return nil, fmt.Errorf("plugin %s disqualified itself with status %d: %w", source, int32(st), dcgm.StatusNotSupported)
	}

	h := &Handle{
		source: source,
		entry:  entry,
		desc:   info.Descriptor(),
	}

	name := h.desc.Name
	if name == "" {
		name = source
		h.desc.Name = source
	}

	h.logger = logger.With("plugin", name)

	return h, nil
}

// Name is the plugin's self-reported name.
func (h *Handle) Name() string { return h.desc.Name }

// Source is where the plugin was loaded from.
func (h *Handle) Source() string { return h.source }

// Descriptor returns the sanitized plugin descriptor.
func (h *Handle) Descriptor() pluginabi.Descriptor { return h.desc }

// StatFieldIDs returns the telemetry fields the plugin asked for during
// initialization.
func (h *Handle) StatFieldIDs() []uint16 { return h.statFields }

type initResult struct {
	status   dcgm.Status
	userData pluginabi.UserData
	fields   pluginabi.StatFieldIDs
}

// Initialize calls InitializePlugin and waits at most timeout for it. On
// expiry the call is abandoned; if it later succeeds, the instance it created
// is shut down by the goroutine that was waiting for it.
func (h *Handle) Initialize(ctx context.Context, host pluginabi.HostHandle, gpus *pluginabi.GpuList,
	severity dcgm.Severity, timeout time.Duration) error {
	done := make(chan initResult, 1)

	go func() {
		var r initResult

		r.status = h.entry.InitializePlugin(host, gpus, &r.fields, &r.userData, severity, h.logPlugin)
		done <- r
	}()

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case r := <-done:
		if r.status != dcgm.StatusOK {
			metrics.PluginFailures.WithLabelValues(h.Name(), "init").Inc()

			return fmt.Errorf("plugin %s failed to initialize (%d): %w", h.Name(), int32(r.status), dcgm.StatusPluginFailure)
		}

		h.userData = r.userData
		h.statFields = clampFieldIDs(&r.fields)
		h.initialized = true

		return nil
	case <-timer.C:
		metrics.PluginFailures.WithLabelValues(h.Name(), "init_timeout").Inc()
		go h.reapLateInit(done)

		return fmt.Errorf("plugin %s did not initialize within %s: %w", h.Name(), timeout, dcgm.StatusTimeout)
	case <-ctx.Done():
		go h.reapLateInit(done)

		return fmt.Errorf("plugin %s initialization abandoned: %w", h.Name(), ctx.Err())
	}
}

func (h *Handle) reapLateInit(done <-chan initResult) {
	r := <-done
	if r.status != dcgm.StatusOK {
		return
	}

	h.logger.Warn("Shutting down plugin instance that finished initializing after it was abandoned")

	if st := h.entry.ShutdownPlugin(r.userData); st != dcgm.StatusOK {
		h.logger.Error("Late plugin shutdown failed", "status", int32(st))
	}
}

func clampFieldIDs(f *pluginabi.StatFieldIDs) []uint16 {
	n := min(int(f.NumFieldIDs), pluginabi.MaxStatFieldIDs)
	if n == 0 {
		return nil
	}

	return append([]uint16(nil), f.FieldIDs[:n]...)
}

func (h *Handle) logPlugin(severity dcgm.Severity, msg string) {
	h.logger.Log(context.Background(), severity.SlogLevel(), msg, "severity", severity.String())
}

// RunTest executes one test. It must not be called before Initialize
// succeeds.
func (h *Handle) RunTest(testName string, timeoutSeconds uint32, params []pluginabi.TestParameter) {
	h.entry.RunTest(testName, timeoutSeconds, params, h.userData)
}

// RetrieveCustomStats pulls pages until the plugin reports no more stats or
// maxPages pages were read. Each page is capped at MaxCustomStats entries.
func (h *Handle) RetrieveCustomStats(testName string, maxPages int) []pluginabi.CustomStat {
	var all []pluginabi.CustomStat

	for page := 0; page < maxPages; page++ {
		var batch pluginabi.CustomStats

		h.entry.RetrieveCustomStats(testName, &batch, h.userData)

		stats := batch.Stats
		if len(stats) > pluginabi.MaxCustomStats {
			h.logger.Warn("Dropping custom stats over the page limit", "test", testName, "count", len(stats))
			stats = stats[:pluginabi.MaxCustomStats]
		}

		all = append(all, stats...)

		if !batch.MoreStats {
			return all
		}
	}

	h.logger.Warn("Stopped pulling custom stats at the page limit", "test", testName, "pages", maxPages)

	return all
}

// RetrieveResults fetches the results of a test and lets the plugin release
// per-test resources.
func (h *Handle) RetrieveResults(testName string) *pluginabi.Results {
	results := new(pluginabi.Results)
	h.entry.RetrieveResults(testName, results, h.userData)

	return results
}

// Close shuts the plugin instance down. It is safe to call more than once.
func (h *Handle) Close() error {
	h.closeOnce.Do(func() {
		if !h.initialized {
			return
		}

		if st := h.entry.ShutdownPlugin(h.userData); st != dcgm.StatusOK {
			metrics.PluginFailures.WithLabelValues(h.Name(), "shutdown").Inc()
			h.closeErr = fmt.Errorf("plugin %s shutdown failed (%d): %w", h.Name(), int32(st), dcgm.StatusPluginFailure)
		}
	})

	return h.closeErr
}
