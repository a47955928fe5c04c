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
	"strconv"
	"strings"

	"golang.org/x/sync/errgroup"
)

// Unit is one RunTest call: a test over a set of GPUs.
type Unit struct {
	Test string
	GPUs []uint
}

// TargetGpus renders the GPU set as the target_gpus parameter value.
func (u Unit) TargetGpus() string {
	ids := make([]string, len(u.GPUs))
	for i, id := range u.GPUs {
		ids[i] = strconv.FormatUint(uint64(id), 10)
	}

	return strings.Join(ids, ",")
}

// UnitFunc runs one unit. It performs its own checkpoint and returns
// without calling into the plugin when the run must not continue.
type UnitFunc func(ctx context.Context, u Unit)

// Policy decides how the units of one plugin are scheduled.
type Policy interface {
	Name() string
	Dispatch(ctx context.Context, units []Unit, run UnitFunc)
}

// SerialPolicy runs units one after another in order. It is the only policy
// used for plugins that are not self-parallel.
type SerialPolicy struct{}

func (SerialPolicy) Name() string { return "serial" }

func (SerialPolicy) Dispatch(ctx context.Context, units []Unit, run UnitFunc) {
	for _, u := range units {
		run(ctx, u)
	}
}

// ParallelPolicy runs up to Limit units at once. A Limit of zero or less
// means one goroutine per unit.
type ParallelPolicy struct {
	Limit int
}

func (p ParallelPolicy) Name() string { return "parallel" }

func (p ParallelPolicy) Dispatch(ctx context.Context, units []Unit, run UnitFunc) {
	g, gctx := errgroup.WithContext(ctx)
	if p.Limit > 0 {
		g.SetLimit(p.Limit)
	}

	for _, u := range units {
		g.Go(func() error {
			run(gctx, u)
			return nil
		})
	}

	_ = g.Wait()
}

// Units splits tests into one unit per (test, GPU) pair, test-major.
func Units(tests []string, gpus []uint) []Unit {
	units := make([]Unit, 0, len(tests)*len(gpus))

	for _, t := range tests {
		for _, gpu := range gpus {
			units = append(units, Unit{Test: t, GPUs: []uint{gpu}})
		}
	}

	return units
}
