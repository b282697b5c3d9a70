// Copyright 2026 The gVisor Authors.
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

package cpu

import (
	"math/bits"
	"sync"
)

// Mask is a set of CPU IDs. It is safe for concurrent use.
//
// The zero value is an empty mask.
type Mask struct {
	mu sync.RWMutex

	// blocks holds the bits; each block contains 64 entries.
	blocks []uint64
}

// Set adds id to the mask.
func (m *Mask) Set(id ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	i := int(id / 64)
	if i >= len(m.blocks) {
		nb := make([]uint64, i+1)
		copy(nb, m.blocks)
		m.blocks = nb
	}
	m.blocks[i] |= 1 << (id % 64)
}

// Clear removes id from the mask.
func (m *Mask) Clear(id ID) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i := int(id / 64); i < len(m.blocks) {
		m.blocks[i] &^= 1 << (id % 64)
	}
}

// Has returns true if id is in the mask.
func (m *Mask) Has(id ID) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	i := int(id / 64)
	return i < len(m.blocks) && m.blocks[i]&(1<<(id%64)) != 0
}

// Count returns the number of CPUs in the mask.
func (m *Mask) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, b := range m.blocks {
		n += bits.OnesCount64(b)
	}
	return n
}

// Reset empties the mask.
func (m *Mask) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.blocks {
		m.blocks[i] = 0
	}
}

// IDs returns the members of the mask in ascending order.
func (m *Mask) IDs() []ID {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var ids []ID
	for i, b := range m.blocks {
		for b != 0 {
			bit := bits.TrailingZeros64(b)
			ids = append(ids, ID(i*64+bit))
			b &^= 1 << bit
		}
	}
	return ids
}
