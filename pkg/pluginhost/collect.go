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
	"log/slog"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/aggregator"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/pluginabi"
	"github.com/nvidia/nvsentinel/diag-engine/pkg/sanitize"
)

// collect copies what a plugin reported for test into host memory. Counts
// are clamped to the array bounds and every string is sanitized.
func collect(logger *slog.Logger, handle *Handle, test string, r *pluginabi.Results,
	stats []pluginabi.CustomStat) aggregator.TestResult {
	tr := aggregator.TestResult{
		Plugin:            handle.Name(),
		Name:              test,
		Status:            aggregator.TestCompleted,
		RequestedFieldIDs: handle.StatFieldIDs(),
	}

	numResults := clamp(logger, test, "results", r.NumResults, pluginabi.MaxDevices)
	tr.Results = append(tr.Results, r.PerGpuResults[:numResults]...)

	numErrors := clamp(logger, test, "errors", r.NumErrors, pluginabi.MaxErrors)
	for i := range numErrors {
		tr.Errors = append(tr.Errors, detail(&r.Errors[i]))
	}

	numInfo := clamp(logger, test, "info", r.NumInfo, pluginabi.MaxInfo)
	for i := range numInfo {
		tr.Info = append(tr.Info, detail(&r.Info[i]))
	}

	aux, err := pluginabi.DecodeAux(r.AuxData)
	if err != nil {
		tr.Info = append(tr.Info, aggregator.NewErrorDetail(pluginabi.AllGpus, pluginabi.CodeOK, err.Error()))
	}

	if aux.Kind != pluginabi.AuxKindNone {
		tr.Aux = &aux
	}

	for i := range stats {
		tr.CustomStats = append(tr.CustomStats, customStat(&stats[i]))
	}

	return tr
}

func clamp(logger *slog.Logger, test, what string, n uint32, limit int) int {
	if int(n) > limit {
		logger.Warn("Plugin reported more records than fit, dropping the excess",
			"test", test, "kind", what, "reported", n, "limit", limit)

		return limit
	}

	return int(n)
}

func detail(d *pluginabi.ErrorDetail) aggregator.ErrorDetail {
	return aggregator.NewErrorDetail(d.GpuID, d.Code, d.MessageString())
}

func customStat(s *pluginabi.CustomStat) aggregator.CustomStat {
	sanitize.Terminate(s.Name[:])
	sanitize.Terminate(s.Category[:])

	out := aggregator.CustomStat{
		Name:     sanitize.String(s.Name[:]),
		Category: sanitize.String(s.Category[:]),
		Type:     s.Type,
		GpuID:    s.GpuID,
	}

	values := s.Values
	if len(values) > pluginabi.MaxStatValues {
		values = values[:pluginabi.MaxStatValues]
	}

	for i := range values {
		v := &values[i]
		sample := aggregator.StatSample{Timestamp: v.Timestamp}

		switch v.Type {
		case pluginabi.ParamInt, pluginabi.ParamBool:
			n := v.Int
			sample.Int = &n
		case pluginabi.ParamFloat:
			f := v.Float
			sample.Float = &f
		default:
			sanitize.Terminate(v.Str[:])
			sample.Str = sanitize.String(v.Str[:])
		}

		out.Values = append(out.Values, sample)
	}

	return out
}
