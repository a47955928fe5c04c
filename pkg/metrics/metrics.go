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

package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// Router metrics

	// CommandsTotal counts every command routed, by outcome status
	CommandsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diag_engine_commands_total",
			Help: "Total number of module commands processed.",
		},
		[]string{"module", "subcommand", "status"},
	)

	// PausedRejections counts runs refused while the module was paused
	PausedRejections = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "diag_engine_paused_rejections_total",
			Help: "Total number of run commands refused because the diag module is paused.",
		},
	)

	// Paused mirrors the pause state
	Paused = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "diag_engine_paused",
			Help: "1 while the diag module is paused, 0 otherwise.",
		},
	)

	// MigrationsTotal counts run requests by the wire revision they arrived in
	MigrationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diag_engine_migrations_total",
			Help: "Total number of run requests migrated, by source revision.",
		},
		[]string{"revision"},
	)

	// Run metrics

	RunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diag_engine_runs_total",
			Help: "Total number of diagnostic runs, by overall result.",
		},
		[]string{"result"},
	)
	RunDuration = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "diag_engine_run_duration_seconds",
			Help:    "Duration of diagnostic runs.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300, 600, 1800},
		},
	)
	EscalationsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Name: "diag_engine_escalations_total",
			Help: "Total number of runs stopped early by a fleet-fatal finding.",
		},
	)

	// PluginFailures counts plugin lifecycle failures by stage
	// (load, version, info, init, init_timeout, shutdown)
	PluginFailures = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diag_engine_plugin_failures_total",
			Help: "Total number of plugin lifecycle failures.",
		},
		[]string{"plugin", "stage"},
	)

	// NotificationsTotal counts fleet notifications by delivery status
	NotificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "diag_engine_notifications_total",
			Help: "Total number of run notifications sent.",
		},
		[]string{"status"},
	)
)
