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
	"fmt"

	"shootdown.dev/shootdown/pkg/hostarch"
	"shootdown.dev/shootdown/pkg/log"
	"shootdown.dev/shootdown/pkg/pgtable"
	"shootdown.dev/shootdown/pkg/tlb"
)

// MapPageLocked maps the base page at pfn at addr. A huge mapping covering
// addr is split first. If addr was already mapped, the previous translation
// is recorded as stale.
//
// Preconditions: as.mu must be locked. addr must be page aligned.
func (as *AddressSpace) MapPageLocked(l *tlb.Local, addr hostarch.Addr, pfn uint64, opts pgtable.MapOpts) {
	if !addr.IsPageAligned() {
		panic(fmt.Sprintf("mm.MapPageLocked: address %v not page aligned", addr))
	}
	base := addr.HugeRoundDown()
	e := as.slotLocked(base)
	pmd := e.slot.Load()
	switch {
	case pmd.IsHuge():
		as.SplitHugeMappingLocked(l, base)
		pmd = e.slot.Load()
	case pmd.None():
		pmd = pgtable.TablePMD(as.alloc.NewFragment())
		as.UpdateHugeMappingLocked(l, base, pmd)
	}

	pte := &as.fragment(pmd).PTEs[pteIndex(addr)]
	old := *pte
	pte.Set(pfn, opts)
	if old.Valid() && *pte != old && !as.kernel {
		l.RecordStalePage(as, addr, old.Exec(), as.pageFor(old))
	}
}

// checkRange panics if ar is not a well formed range of whole pages.
func checkRange(op string, ar hostarch.AddrRange) {
	if !ar.WellFormed() || !ar.Start.IsPageAligned() || !ar.End.IsPageAligned() {
		panic(fmt.Sprintf("mm.%s: invalid range %v", op, ar))
	}
}

// lazy enters lazy mode on l. The returned function flushes the batch and
// restores the previous mode: a caller already batching stays in lazy mode.
func lazy(l *tlb.Local) func() {
	if l.Batch().Active() {
		return l.FlushPending
	}
	l.EnterLazyMode()
	return l.LeaveLazyMode
}

// forEachPMDLocked calls fn for every directory entry overlapping ar.
//
// Preconditions: as.mu must be locked. fn must not add directory entries.
func (as *AddressSpace) forEachPMDLocked(ar hostarch.AddrRange, fn func(e *pmdEntry)) {
	var entries []*pmdEntry
	as.pmds.AscendRange(&pmdEntry{addr: ar.Start.HugeRoundDown()}, &pmdEntry{addr: ar.End}, func(e *pmdEntry) bool {
		entries = append(entries, e)
		return true
	})
	for _, e := range entries {
		fn(e)
	}
}

// covers returns true if ar covers the whole huge page at base.
func covers(ar hostarch.AddrRange, base hostarch.Addr) bool {
	return ar.Start <= base && base+hostarch.HugePageSize-1 <= ar.End-1
}

// ZapRange unmaps every page in ar. Stale translations are batched and
// flushed before ZapRange returns; page-table fragments freed by the unmap
// are returned to the allocator after the flush.
//
// Preconditions: l must belong to the calling CPU. ar must be page aligned.
func (as *AddressSpace) ZapRange(l *tlb.Local, ar hostarch.AddrRange) {
	checkRange("ZapRange", ar)
	as.mu.Lock()
	freed := as.zapLocked(l, ar)
	as.mu.Unlock()
	for _, f := range freed {
		as.alloc.FreeFragment(f)
	}
}

// zapLocked unmaps every page in ar in lazy mode and returns the fragments
// that are no longer used.
//
// Preconditions: as.mu must be locked.
func (as *AddressSpace) zapLocked(l *tlb.Local, ar hostarch.AddrRange) []*pgtable.Fragment {
	var freed []*pgtable.Fragment
	done := lazy(l)
	as.forEachPMDLocked(ar, func(e *pmdEntry) {
		pmd := e.slot.Load()
		whole := covers(ar, e.addr)
		switch {
		case pmd.None():
			return
		case pmd.IsHuge() && whole:
			freed = append(freed, as.ZapHugeMappingLocked(l, e.addr))
			return
		case pmd.IsHuge():
			as.SplitHugeMappingLocked(l, e.addr)
			pmd = e.slot.Load()
		}

		f := as.fragment(pmd)
		for i := range f.PTEs {
			pte := &f.PTEs[i]
			va := pteAddr(e.addr, i)
			if !pte.Valid() || !ar.Contains(va) {
				continue
			}
			old := *pte
			pte.Clear()
			if !as.kernel {
				l.RecordStalePage(as, va, old.Exec(), as.pageFor(old))
			}
		}
		if f.ValidCount() == 0 {
			as.UpdateHugeMappingLocked(l, e.addr, 0)
			freed = append(freed, f)
		}
	})
	done()
	return freed
}

// ProtectRange removes the write and execute permissions not in at from
// every mapping in ar. Read access is always kept. Stale translations are
// batched and flushed before ProtectRange returns.
//
// Preconditions: l must belong to the calling CPU. ar must be page aligned.
func (as *AddressSpace) ProtectRange(l *tlb.Local, ar hostarch.AddrRange, at hostarch.AccessType) {
	checkRange("ProtectRange", ar)
	at.Read = true

	as.mu.Lock()
	defer as.mu.Unlock()
	defer lazy(l)()
	as.forEachPMDLocked(ar, func(e *pmdEntry) {
		pmd := e.slot.Load()
		switch {
		case pmd.None() || !pmd.Valid():
			return
		case pmd.IsHuge() && covers(ar, e.addr):
			opts := pmd.Opts()
			opts.AccessType = opts.AccessType.Intersect(at)
			npmd := pgtable.HugePMD(pmd.PFN(), opts)
			if pmd.Dirty() {
				npmd = npmd.WithDirty()
			}
			if npmd != pmd {
				as.UpdateHugeMappingLocked(l, e.addr, npmd)
			}
			return
		case pmd.IsHuge():
			as.SplitHugeMappingLocked(l, e.addr)
			pmd = e.slot.Load()
		}

		f := as.fragment(pmd)
		for i := range f.PTEs {
			pte := &f.PTEs[i]
			va := pteAddr(e.addr, i)
			if !pte.Valid() || !ar.Contains(va) {
				continue
			}
			old := *pte
			opts := old.Opts()
			opts.AccessType = opts.AccessType.Intersect(at)
			pte.Set(old.PFN(), opts)
			if *pte != old && !as.kernel {
				l.RecordStalePage(as, va, old.Exec(), as.pageFor(old))
			}
		}
	})
}

// Release tears down the address space on process exit: every mapping is
// unmapped and flushed, fragments are returned to the allocator and the
// context tag is dropped.
//
// Preconditions: l must belong to the calling CPU. as is not a kernel
// address space.
func (as *AddressSpace) Release(l *tlb.Local) {
	if as.kernel {
		panic("mm.Release: kernel address space")
	}
	as.mu.Lock()
	var freed []*pgtable.Fragment
	first, ok := as.pmds.Min()
	if ok {
		last, _ := as.pmds.Max()
		freed = as.zapLocked(l, hostarch.AddrRange{Start: first.addr, End: last.addr + hostarch.HugePageSize})
	}
	as.pmds.Clear(false)
	as.mu.Unlock()

	for _, f := range freed {
		as.alloc.FreeFragment(f)
	}
	as.contexts.Drop(as)
	as.cpus.Reset()
	as.tsb.flushAll()
	log.Debugf("%v: released, %d fragments freed", as, len(freed))
}
