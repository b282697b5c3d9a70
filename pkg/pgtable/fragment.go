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

package pgtable

import "fmt"

// Fragment is a page-table page holding one PTE per base page of a huge
// mapping.
//
// While a fragment is deposited in a FragmentPool, slots 0 and 1 hold the
// pool's list linkage. They must be cleared with ClearLinkSlots before the
// fragment is used as a page table again.
type Fragment struct {
	// PTEs are the entries.
	PTEs [PTEsPerFragment]PTE

	// frame is the fragment's own frame number. It is never zero.
	frame uint64

	// pool is the pool the fragment is deposited in, or nil.
	pool *FragmentPool
}

// Frame returns the fragment's frame number.
func (f *Fragment) Frame() uint64 {
	return f.frame
}

// Deposited returns true if the fragment is linked into a pool.
func (f *Fragment) Deposited() bool {
	return f.pool != nil
}

// ClearLinkSlots zeroes the two slots used for pool linkage.
func (f *Fragment) ClearLinkSlots() {
	f.PTEs[0].Clear()
	f.PTEs[1].Clear()
}

// Clear zeroes every slot.
func (f *Fragment) Clear() {
	clear(f.PTEs[:])
}

// ValidCount returns the number of valid PTEs.
func (f *Fragment) ValidCount() int {
	n := 0
	for i := range f.PTEs {
		if f.PTEs[i].Valid() {
			n++
		}
	}
	return n
}

// String implements fmt.Stringer.String.
func (f *Fragment) String() string {
	return fmt.Sprintf("fragment@%#x", f.frame)
}

// linkPTE encodes a list link to the fragment at frame. Link slots are never
// valid, so walkers and scans skip them.
func linkPTE(frame uint64) PTE {
	return PTE(link | frame<<pfnShift&pfnMask)
}

// linkFrame decodes a list link.
func linkFrame(p PTE) uint64 {
	if p&link == 0 {
		panic(fmt.Sprintf("pgtable: slot %#x is not a fragment link", uint64(p)))
	}
	return p.PFN()
}
