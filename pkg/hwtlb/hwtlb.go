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

// Package hwtlb is a software model of a processor's split instruction/data
// translation lookaside buffer. It stands in for the hardware that the
// shootdown engine invalidates, so that tests and the simulator can verify
// that no stale translation survives a flush.
package hwtlb

import (
	"github.com/google/btree"
	"shootdown.dev/shootdown/pkg/hostarch"
	"shootdown.dev/shootdown/pkg/tlb"
)

// degree is the btree degree used for each translation array.
const degree = 8

// Translation is a single cached translation.
type Translation struct {
	Tag   tlb.ContextTag
	Addr  hostarch.Addr
	Shift uint
	PFN   uint64
	Perms hostarch.AccessType
}

// end returns the first address past the translation.
func (t Translation) end() hostarch.Addr {
	return t.Addr + hostarch.Addr(1)<<t.Shift
}

// less orders translations by tag, address and page size, so that a base
// page and a huge page translation at the same address are cached side by
// side.
func less(a, b Translation) bool {
	if a.Tag != b.Tag {
		return a.Tag < b.Tag
	}
	if a.Addr != b.Addr {
		return a.Addr < b.Addr
	}
	return a.Shift < b.Shift
}

// TLB is a per-CPU translation cache.
//
// TLB is not safe for concurrent use; it is protected by the owning CPU's
// interrupt state (see cpu.InterruptGuard).
type TLB struct {
	dtlb *btree.BTreeG[Translation]
	itlb *btree.BTreeG[Translation]

	// flushes counts invalidation operations, by kind.
	pageFlushes    uint64
	contextFlushes uint64
}

// New returns an empty TLB.
func New() *TLB {
	return &TLB{
		dtlb: btree.NewG[Translation](degree, less),
		itlb: btree.NewG[Translation](degree, less),
	}
}

// Insert caches a translation. Executable translations are cached in both
// the instruction and the data arrays.
//
// Precondition: t.Addr is aligned to 1<<t.Shift.
func (b *TLB) Insert(t Translation) {
	if !t.Addr.IsAligned(t.Shift) {
		panic("hwtlb.Insert: misaligned translation")
	}
	b.dtlb.ReplaceOrInsert(t)
	if t.Perms.Execute {
		b.itlb.ReplaceOrInsert(t)
	}
}

// Lookup returns the translation covering addr in the data array (or the
// instruction array if exec is true).
func (b *TLB) Lookup(tag tlb.ContextTag, addr hostarch.Addr, exec bool) (Translation, bool) {
	tree := b.dtlb
	if exec {
		tree = b.itlb
	}
	for _, key := range []Translation{
		{Tag: tag, Addr: addr.RoundDown(), Shift: hostarch.PageShift},
		{Tag: tag, Addr: addr.HugeRoundDown(), Shift: hostarch.HugePageShift},
	} {
		if t, ok := tree.Get(key); ok {
			return t, true
		}
	}
	return Translation{}, false
}

// Contains returns true if any translation for tag covers addr.
func (b *TLB) Contains(tag tlb.ContextTag, addr hostarch.Addr) bool {
	if _, ok := b.Lookup(tag, addr, false); ok {
		return true
	}
	_, ok := b.Lookup(tag, addr, true)
	return ok
}

// Len returns the number of cached translations across both arrays.
func (b *TLB) Len() int {
	return b.dtlb.Len() + b.itlb.Len()
}

// ForEach calls fn for every cached translation, data array first, until fn
// returns false. exec is true for instruction array entries.
func (b *TLB) ForEach(fn func(t Translation, exec bool) bool) {
	ok := true
	b.dtlb.Ascend(func(t Translation) bool {
		ok = fn(t, false)
		return ok
	})
	if !ok {
		return
	}
	b.itlb.Ascend(func(t Translation) bool {
		return fn(t, true)
	})
}

// removeRange drops every translation for tag overlapping [start, end).
func removeRange(tree *btree.BTreeG[Translation], tag tlb.ContextTag, start, end hostarch.Addr) {
	var victims []Translation
	tree.AscendRange(Translation{Tag: tag, Addr: start.HugeRoundDown()}, Translation{Tag: tag, Addr: end}, func(t Translation) bool {
		if t.end() > start {
			victims = append(victims, t)
		}
		return true
	})
	for _, t := range victims {
		tree.Delete(t)
	}
}

// FlushPage implements tlb.Invalidator.FlushPage.
func (b *TLB) FlushPage(tag tlb.ContextTag, e tlb.Entry, shift uint) {
	b.pageFlushes++
	end := e.Addr + hostarch.Addr(1)<<shift
	removeRange(b.dtlb, tag, e.Addr, end)
	if e.Exec {
		removeRange(b.itlb, tag, e.Addr, end)
	}
}

// FlushContext implements tlb.Invalidator.FlushContext.
func (b *TLB) FlushContext(tag tlb.ContextTag) {
	b.contextFlushes++
	for _, tree := range []*btree.BTreeG[Translation]{b.dtlb, b.itlb} {
		var victims []Translation
		tree.AscendGreaterOrEqual(Translation{Tag: tag}, func(t Translation) bool {
			if t.Tag != tag {
				return false
			}
			victims = append(victims, t)
			return true
		})
		for _, t := range victims {
			tree.Delete(t)
		}
	}
}

// FlushAll implements tlb.Invalidator.FlushAll.
func (b *TLB) FlushAll() {
	b.contextFlushes++
	b.dtlb.Clear(false)
	b.itlb.Clear(false)
}

// Stats returns the number of page and context flushes performed.
func (b *TLB) Stats() (pageFlushes, contextFlushes uint64) {
	return b.pageFlushes, b.contextFlushes
}
