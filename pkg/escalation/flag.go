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

// Package escalation implements the cooperative abort signal raised by checks
// that observe a fleet-fatal hardware condition.
//
// The flag has two states:
//
//	CLEAR  -> RAISED  on the first Raise of a run
//	RAISED -> RAISED  on every later Raise (idempotent)
//	*      -> CLEAR   only through Reset, at the start of the next run
//
// Readers poll Raised between units of work; nothing is ever interrupted
// mid-check.
package escalation

import (
	"sync"
	"sync/atomic"
)

// State is the externally visible state of a Flag.
type State string

const (
	StateClear  State = "CLEAR"
	StateRaised State = "RAISED"
)

// Raiser is the narrow view handed to checks.
type Raiser interface {
	Raise(reason string)
}

// Flag is a process-wide, write-once-effective abort flag. The zero value is
// clear and ready to use.
type Flag struct {
	raised atomic.Bool

	mu     sync.Mutex
	reason string

	// OnRaise, when set, is called once per run on the transition to RAISED.
	OnRaise func(reason string)
}

// Raise sets the flag. Only the first call after a Reset records its reason
// and fires OnRaise.
func (f *Flag) Raise(reason string) {
	if !f.raised.CompareAndSwap(false, true) {
		return
	}

	f.mu.Lock()
	f.reason = reason
	f.mu.Unlock()

	if f.OnRaise != nil {
		f.OnRaise(reason)
	}
}

// Raised reports whether the flag is set. It is the checkpoint polled by run
// loops.
func (f *Flag) Raised() bool {
	return f.raised.Load()
}

// Reason returns the reason recorded by the first Raise, or "" when clear.
func (f *Flag) Reason() string {
	if !f.Raised() {
		return ""
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	return f.reason
}

// State returns the current state.
func (f *Flag) State() State {
	if f.Raised() {
		return StateRaised
	}

	return StateClear
}

// Reset clears the flag. Callers reset only at the start of a run.
func (f *Flag) Reset() {
	f.mu.Lock()
	f.reason = ""
	f.mu.Unlock()

	f.raised.Store(false)
}
