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

package mm

import (
	"sync"

	"shootdown.dev/shootdown/pkg/cpu"
	"shootdown.dev/shootdown/pkg/hostarch"
	"shootdown.dev/shootdown/pkg/hwtlb"
	"shootdown.dev/shootdown/pkg/tlb"
)

// tsbEntries is the number of entries in each translation storage buffer.
const tsbEntries = 512

type tsbEntry struct {
	valid bool
	addr  hostarch.Addr
	pfn   uint64
	perms hostarch.AccessType
}

// tsb is a software translation cache consulted on TLB misses before the
// page tables are walked. It is direct mapped, with separate buffers for
// base and huge pages.
type tsb struct {
	mu   sync.Mutex
	base [tsbEntries]tsbEntry
	huge [tsbEntries]tsbEntry
}

func (t *tsb) buffer(shift uint) *[tsbEntries]tsbEntry {
	if shift == hostarch.HugePageShift {
		return &t.huge
	}
	return &t.base
}

func tsbIndex(addr hostarch.Addr, shift uint) int {
	return int(addr>>shift) % tsbEntries
}

func (t *tsb) lookup(addr hostarch.Addr) (hwtlb.Translation, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, shift := range []uint{hostarch.HugePageShift, hostarch.PageShift} {
		page := addr &^ (hostarch.Addr(1)<<shift - 1)
		if e := &t.buffer(shift)[tsbIndex(page, shift)]; e.valid && e.addr == page {
			return hwtlb.Translation{Addr: page, Shift: shift, PFN: e.pfn, Perms: e.perms}, true
		}
	}
	return hwtlb.Translation{}, false
}

func (t *tsb) insert(tr hwtlb.Translation) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buffer(tr.Shift)[tsbIndex(tr.Addr, tr.Shift)] = tsbEntry{
		valid: true,
		addr:  tr.Addr,
		pfn:   tr.PFN,
		perms: tr.Perms,
	}
}

func (t *tsb) flush(shift uint, entries []tlb.Entry) {
	t.mu.Lock()
	defer t.mu.Unlock()
	buf := t.buffer(shift)
	for _, e := range entries {
		if te := &buf[tsbIndex(e.Addr, shift)]; te.valid && te.addr == e.Addr {
			*te = tsbEntry{}
		}
	}
}

func (t *tsb) flushAll() {
	t.mu.Lock()
	defer t.mu.Unlock()
	clear(t.base[:])
	clear(t.huge[:])
}

// FlushTSB implements tlb.TSBFlusher.FlushTSB.
func (as *AddressSpace) FlushTSB(shift uint, entries []tlb.Entry) {
	as.tsb.flush(shift, entries)
}

// permits returns true if perms allow every access in at.
func permits(perms, at hostarch.AccessType) bool {
	return perms.Intersect(at) == at
}

// Translate resolves an access to addr from CPU c, filling c's TLB b on a
// miss. A write through a clean mapping marks it dirty.
//
// Preconditions: the caller is c's control flow and b is c's TLB. as has been
// activated on c.
func (as *AddressSpace) Translate(c *cpu.CPU, b *hwtlb.TLB, addr hostarch.Addr, at hostarch.AccessType) (hwtlb.Translation, error) {
	if !as.kernel && !as.cpus.Has(c.ID()) {
		return hwtlb.Translation{}, ErrNotActive
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	// The tag is checked and the fill performed with interrupts disabled.
	// A context flush for a reclaimed tag therefore either finds the fill
	// in the TLB, or happens before the tag is read.
	g := c.DisableInterrupts()
	defer g.Restore()
	tag, ok := as.tag()
	if !ok {
		return hwtlb.Translation{}, ErrNotActive
	}
	if t, ok := b.Lookup(tag, addr, at.Execute); ok && permits(t.Perms, at) {
		return t, nil
	}
	tlbMisses.Increment()

	if t, ok := as.tsb.lookup(addr); ok && permits(t.Perms, at) {
		tsbHits.Increment()
		t.Tag = tag
		b.Insert(t)
		return t, nil
	}

	t, err := as.walkLocked(addr, at)
	if err != nil {
		return hwtlb.Translation{}, err
	}
	t.Tag = tag
	as.tsb.insert(t)
	b.Insert(t)
	return t, nil
}

// walkLocked resolves addr from the page tables. Write permission is only
// reported for dirty mappings, so that a write through a clean mapping misses
// and marks it dirty.
//
// Preconditions: as.mu must be locked.
func (as *AddressSpace) walkLocked(addr hostarch.Addr, at hostarch.AccessType) (hwtlb.Translation, error) {
	pageWalks.Increment()
	base := addr.HugeRoundDown()
	e := as.lookupLocked(base)
	if e == nil {
		return hwtlb.Translation{}, ErrNoMapping
	}

	var t hwtlb.Translation
	pmd := e.slot.Load()
	switch {
	case !pmd.Valid():
		return hwtlb.Translation{}, ErrNoMapping
	case pmd.IsHuge():
		if !permits(pmd.Opts().AccessType, at) {
			return hwtlb.Translation{}, ErrPermission
		}
		if at.Write && !pmd.Dirty() {
			pmd = pmd.WithDirty()
			e.slot.Swap(pmd)
		}
		t = hwtlb.Translation{Addr: base, Shift: hostarch.HugePageShift, PFN: pmd.PFN(), Perms: pmd.Opts().AccessType}
		t.Perms.Write = t.Perms.Write && pmd.Dirty()
	default:
		pte := &as.fragment(pmd).PTEs[pteIndex(addr)]
		if !pte.Valid() {
			return hwtlb.Translation{}, ErrNoMapping
		}
		if !permits(pte.Opts().AccessType, at) {
			return hwtlb.Translation{}, ErrPermission
		}
		if at.Write {
			pte.SetDirty()
		}
		t = hwtlb.Translation{Addr: addr.RoundDown(), Shift: hostarch.PageShift, PFN: pte.PFN(), Perms: pte.Opts().AccessType}
		t.Perms.Write = t.Perms.Write && pte.Dirty()
	}
	return t, nil
}

// Covers returns true if the page tables still permit everything the cached
// translation t allows: the same frame, at the same page size, with at least
// t's permissions.
func (as *AddressSpace) Covers(t hwtlb.Translation) bool {
	as.mu.Lock()
	defer as.mu.Unlock()
	e := as.lookupLocked(t.Addr.HugeRoundDown())
	if e == nil {
		return false
	}
	pmd := e.slot.Load()
	switch {
	case !pmd.Valid():
		return false
	case pmd.IsHuge():
		return t.Shift == hostarch.HugePageShift && pmd.PFN() == t.PFN && permits(pmd.Opts().AccessType, t.Perms)
	default:
		pte := as.fragment(pmd).PTEs[pteIndex(t.Addr)]
		return t.Shift == hostarch.PageShift && pte.Valid() && pte.PFN() == t.PFN && permits(pte.Opts().AccessType, t.Perms)
	}
}

var (
	_ tlb.AddressSpace = (*AddressSpace)(nil)
	_ tlb.TSBFlusher   = (*AddressSpace)(nil)
)
