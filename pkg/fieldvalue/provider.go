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

package fieldvalue

import (
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/nvidia/nvsentinel/diag-engine/pkg/dcgm"
)

type cacheKey struct {
	gpuID   uint
	fieldID FieldID
}

// Provider answers queries for real GPUs through a LiveReader and for
// simulated GPUs from injected values.
//
//   - simulated GPU, live flag   -> StatusNotSupported
//   - simulated GPU, cached      -> injected value, or a blank NO_DATA value
//   - real GPU, live flag        -> driver read, cache refreshed
//   - real GPU, cached           -> cached value, falling back to a driver read
//
// Simulated and physical GPU ids never overlap: an id known to be physical
// cannot be registered as simulated.
type Provider struct {
	live LiveReader
	now  func() time.Time

	mu       sync.RWMutex
	values   map[cacheKey]Value
	fake     map[uint]bool
	physical map[uint]bool
}

// NewProvider returns a provider backed by live, which may be nil when no
// driver is available; real GPUs then answer StatusNotSupported.
func NewProvider(live LiveReader) *Provider {
	return &Provider{
		live:     live,
		now:      time.Now,
		values:   make(map[cacheKey]Value),
		fake:     make(map[uint]bool),
		physical: make(map[uint]bool),
	}
}

// SetPhysicalGpus records the ids of the GPUs present on the node, replacing
// the previous set. Simulated GPUs sharing one of those ids are dropped
// together with their injected values.
func (p *Provider) SetPhysicalGpus(ids ...uint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	clear(p.physical)

	for _, id := range ids {
		p.physical[id] = true

		if p.fake[id] {
			p.dropFakeLocked(id)
		}
	}
}

func (p *Provider) checkSimulatedLocked(id uint) error {
	if p.physical[id] {
		return fmt.Errorf("GPU %d is a physical GPU and cannot be simulated: %w", id, dcgm.StatusBadParameter)
	}

	return nil
}

// AddFakeGpus registers simulated GPUs. Either every id is registered or,
// when one of them is physical, none is. It returns the ids that were not
// registered before the call.
func (p *Provider) AddFakeGpus(ids ...uint) ([]uint, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range ids {
		if err := p.checkSimulatedLocked(id); err != nil {
			return nil, err
		}
	}

	var added []uint

	for _, id := range ids {
		if !p.fake[id] {
			p.fake[id] = true
			added = append(added, id)
		}
	}

	return added, nil
}

// RemoveFakeGpus unregisters simulated GPUs and forgets their injected values.
func (p *Provider) RemoveFakeGpus(ids ...uint) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, id := range ids {
		p.dropFakeLocked(id)
	}
}

func (p *Provider) dropFakeLocked(id uint) {
	if !p.fake[id] {
		return
	}

	delete(p.fake, id)

	for key := range p.values {
		if key.gpuID == id {
			delete(p.values, key)
		}
	}
}

// IsFake reports whether gpuID is a simulated GPU.
func (p *Provider) IsFake(gpuID uint) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	return p.fake[gpuID]
}

// FakeGpus returns the registered simulated GPU ids in ascending order.
func (p *Provider) FakeGpus() []uint {
	p.mu.RLock()
	defer p.mu.RUnlock()

	ids := make([]uint, 0, len(p.fake))
	for id := range p.fake {
		ids = append(ids, id)
	}

	slices.Sort(ids)

	return ids
}

// Inject stores a value for a simulated GPU, registering the GPU if needed.
// A zero timestamp is replaced with the current time. Physical GPUs are
// refused with StatusBadParameter.
func (p *Provider) Inject(gpuID uint, v Value) error {
	if v.Timestamp.IsZero() {
		v.Timestamp = p.now()
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if err := p.checkSimulatedLocked(gpuID); err != nil {
		return err
	}

	p.fake[gpuID] = true
	p.values[cacheKey{gpuID, v.FieldID}] = v

	return nil
}

// GetCurrentFieldValue implements Source.
func (p *Provider) GetCurrentFieldValue(gpuID uint, fieldID FieldID, flags Flags) (Value, error) {
	key := cacheKey{gpuID, fieldID}

	p.mu.RLock()
	fake := p.fake[gpuID]
	cached, hit := p.values[key]
	p.mu.RUnlock()

	if fake {
		if flags&FlagLiveData != 0 {
			return Value{}, fmt.Errorf("live data for simulated GPU %d: %w", gpuID, dcgm.StatusNotSupported)
		}

		if !hit {
			return Value{
				FieldID:   fieldID,
				Status:    int32(dcgm.StatusNoData),
				Timestamp: p.now(),
				Int64:     Int64Blank,
			}, nil
		}

		return cached, nil
	}

	if hit && flags&FlagLiveData == 0 {
		return cached, nil
	}

	if p.live == nil {
		return Value{}, fmt.Errorf("no driver to read %s on GPU %d: %w", fieldID, gpuID, dcgm.StatusNotSupported)
	}

	v, err := p.live.ReadField(gpuID, fieldID)
	if err != nil {
		return Value{}, fmt.Errorf("reading %s on GPU %d: %w", fieldID, gpuID, err)
	}

	if v.Timestamp.IsZero() {
		v.Timestamp = p.now()
	}

	p.mu.Lock()
	p.values[key] = v
	p.mu.Unlock()

	return v, nil
}
