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

package router

import (
	"sync"
	"sync/atomic"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/dcgm"
)

// ModuleCommand is one inbound command envelope. SubCommand is interpreted
// relative to ModuleID.
type ModuleCommand struct {
	ModuleID     dcgm.ModuleID   `json:"moduleId"`
	SubCommand   dcgm.SubCommand `json:"subCommand"`
	Version      uint32          `json:"version"`
	ConnectionID uint32          `json:"connectionId"`
	Payload      []byte          `json:"payload"`
}

// PauseState is the process-wide pause switch. Reads are advisory: a run
// racing a concurrent pause may still start.
type PauseState struct {
	paused atomic.Bool

	mu          sync.Mutex
	subscribers []func(paused bool)
}

// Paused reports whether new runs are refused.
func (p *PauseState) Paused() bool {
	return p.paused.Load()
}

// Set changes the state and notifies subscribers when it actually changed.
func (p *PauseState) Set(paused bool) {
	if p.paused.Swap(paused) == paused {
		return
	}

	p.mu.Lock()
	subs := append([]func(bool){}, p.subscribers...)
	p.mu.Unlock()

	for _, fn := range subs {
		fn(paused)
	}
}

// Subscribe registers fn to be called on every change.
func (p *PauseState) Subscribe(fn func(paused bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.subscribers = append(p.subscribers, fn)
}
