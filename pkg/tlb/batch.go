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

package tlb

import (
	"fmt"

	"shootdown.dev/shootdown/pkg/hostarch"
)

// Batch is a CPU's buffer of stale translations awaiting invalidation.
//
// Invariants: len > 0 only while owner != nil; len <= cap; every entry belongs
// to owner and has page size 1<<shift.
type Batch struct {
	// owner is the address space the entries belong to.
	owner AddressSpace

	// shift is the page size shift of the entries.
	shift uint

	// active is true while the CPU is in lazy mode.
	active bool

	entries []Entry
}

func newBatch(size int) Batch {
	if size <= 0 {
		size = DefaultBatchSize
	}
	return Batch{
		shift:   hostarch.PageShift,
		entries: make([]Entry, 0, size),
	}
}

// Owner returns the address space of the last batched entry, or nil.
func (b *Batch) Owner() AddressSpace {
	return b.owner
}

// Active returns true if the batch is in lazy mode.
func (b *Batch) Active() bool {
	return b.active
}

// Len returns the number of pending entries.
func (b *Batch) Len() int {
	return len(b.entries)
}

// Cap returns the batch capacity.
func (b *Batch) Cap() int {
	return cap(b.entries)
}

// Entries returns a copy of the pending entries.
func (b *Batch) Entries() []Entry {
	return append([]Entry(nil), b.entries...)
}

// conflicts returns true if appending a translation for as with the given
// page size must be preceded by a flush.
func (b *Batch) conflicts(as AddressSpace, shift uint) bool {
	return len(b.entries) > 0 && (b.owner != as || b.shift != shift)
}

// add appends e and returns true if the batch is now full.
//
// Precondition: the owner has been set and e matches it.
func (b *Batch) add(e Entry) bool {
	if b.owner == nil {
		panic(fmt.Sprintf("tlb.Batch: append of %v with no owner", e))
	}
	b.entries = append(b.entries, e)
	return len(b.entries) == cap(b.entries)
}

// pending is a batch detached from its CPU for dispatch.
type pending struct {
	as      AddressSpace
	shift   uint
	entries []Entry
}

// take detaches the pending entries. The owner is left set.
func (b *Batch) take() (pending, bool) {
	if len(b.entries) == 0 {
		return pending{}, false
	}
	p := pending{
		as:      b.owner,
		shift:   b.shift,
		entries: append([]Entry(nil), b.entries...),
	}
	b.entries = b.entries[:0]
	return p, true
}
