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
	"shootdown.dev/shootdown/pkg/pgtable"
	"shootdown.dev/shootdown/pkg/tlb"
)

// UpdateHugeMappingLocked installs pmd as the directory entry for the huge
// page at addr, and records every translation made stale by the previous
// entry on l. It returns the previous entry.
//
// The store of pmd is the commit point. The remaining work is bookkeeping:
//
//   - kernel address spaces are never shot down, so nothing is recorded;
//   - a change between huge and not huge adjusts HugeMappings;
//   - a previous huge mapping is recorded as a single huge translation;
//   - a previous table mapping has each of its valid PTEs recorded.
//
// Aliased data cache lines of every page leaving the old entry are flushed
// before its translation is recorded.
//
// Preconditions: as.mu must be locked. addr must be huge page aligned. l
// must belong to the calling CPU.
func (as *AddressSpace) UpdateHugeMappingLocked(l *tlb.Local, addr hostarch.Addr, pmd pgtable.PMD) pgtable.PMD {
	if !addr.IsHugePageAligned() {
		panic(fmt.Sprintf("mm.UpdateHugeMappingLocked: address %v not huge page aligned", addr))
	}
	orig := as.slotLocked(addr).slot.Swap(pmd)
	if as.kernel {
		return orig
	}

	if orig.IsHuge() != pmd.IsHuge() {
		if pmd.IsHuge() {
			as.huge.Add(1)
		} else {
			as.huge.Add(-1)
		}
	}

	switch {
	case orig.None():
	case orig.IsHuge():
		l.RecordStaleHugePage(as, addr, orig.Exec(), as.hugePagesFor(orig))
	default:
		f := as.fragment(orig)
		for i := range f.PTEs {
			if pte := f.PTEs[i]; pte.Valid() {
				l.RecordStalePage(as, pteAddr(addr, i), pte.Exec(), as.pageFor(pte))
			}
		}
	}
	return orig
}

// mustLoadLocked returns the directory entry at addr.
//
// Preconditions: as.mu must be locked.
func (as *AddressSpace) mustLoadLocked(op string, addr hostarch.Addr) pgtable.PMD {
	if !addr.IsHugePageAligned() {
		panic(fmt.Sprintf("mm.%s: address %v not huge page aligned", op, addr))
	}
	if e := as.lookupLocked(addr); e != nil {
		return e.slot.Load()
	}
	return 0
}

// InstallHugeMappingLocked maps the huge page at pfn at addr. prealloc is
// parked in the fragment pool so that the mapping can later be split without
// allocating.
//
// Preconditions: as.mu must be locked. Nothing is mapped at addr. prealloc is
// a cleared fragment owned by the caller.
func (as *AddressSpace) InstallHugeMappingLocked(l *tlb.Local, addr hostarch.Addr, pfn uint64, opts pgtable.MapOpts, prealloc *pgtable.Fragment) {
	if orig := as.mustLoadLocked("InstallHugeMappingLocked", addr); !orig.None() {
		panic(fmt.Sprintf("mm.InstallHugeMappingLocked: %v already mapped: %v", addr, orig))
	}
	as.pool.Deposit(prealloc)
	as.UpdateHugeMappingLocked(l, addr, pgtable.HugePMD(pfn, opts))
}

// SplitHugeMappingLocked replaces the huge mapping at addr with a table
// mapping of the same pages, using a fragment from the pool.
//
// Preconditions: as.mu must be locked. addr holds a huge mapping.
func (as *AddressSpace) SplitHugeMappingLocked(l *tlb.Local, addr hostarch.Addr) {
	orig := as.mustLoadLocked("SplitHugeMappingLocked", addr)
	if !orig.IsHuge() {
		panic(fmt.Sprintf("mm.SplitHugeMappingLocked: %v is not a huge mapping: %v", addr, orig))
	}

	f := as.pool.Withdraw()
	f.ClearLinkSlots()
	opts := orig.Opts()
	opts.AccessType.Read = true
	for i := range f.PTEs {
		pte := &f.PTEs[i]
		pte.Set(orig.PFN()+uint64(i), opts)
		if orig.Dirty() {
			pte.SetDirty()
		}
	}
	as.UpdateHugeMappingLocked(l, addr, pgtable.TablePMD(f))
	hugeSplits.Increment()
}

// CollapseHugeMappingLocked replaces the table mapping at addr with a huge
// mapping of the huge page at pfn. The detached fragment is cleared and
// parked in the pool once no CPU can still use it.
//
// Preconditions: as.mu must be locked. addr holds a table mapping.
func (as *AddressSpace) CollapseHugeMappingLocked(l *tlb.Local, addr hostarch.Addr, pfn uint64, opts pgtable.MapOpts) {
	orig := as.mustLoadLocked("CollapseHugeMappingLocked", addr)
	if orig.None() || orig.IsHuge() {
		panic(fmt.Sprintf("mm.CollapseHugeMappingLocked: %v is not a table mapping: %v", addr, orig))
	}
	f := as.fragment(orig)

	pmd := pgtable.HugePMD(pfn, opts)
	for i := range f.PTEs {
		if f.PTEs[i].Valid() && f.PTEs[i].Dirty() {
			pmd = pmd.WithDirty()
			break
		}
	}
	as.UpdateHugeMappingLocked(l, addr, pmd)
	l.FlushPending()

	f.Clear()
	as.pool.Deposit(f)
	hugeCollapses.Increment()
}

// ZapHugeMappingLocked unmaps the huge mapping at addr. Once the mapping has
// been flushed from every CPU, the fragment parked for it is withdrawn and
// returned. The caller owns it.
//
// Preconditions: as.mu must be locked. addr holds a huge mapping.
func (as *AddressSpace) ZapHugeMappingLocked(l *tlb.Local, addr hostarch.Addr) *pgtable.Fragment {
	orig := as.mustLoadLocked("ZapHugeMappingLocked", addr)
	if !orig.IsHuge() {
		panic(fmt.Sprintf("mm.ZapHugeMappingLocked: %v is not a huge mapping: %v", addr, orig))
	}
	as.UpdateHugeMappingLocked(l, addr, 0)
	l.FlushPending()

	f := as.pool.Withdraw()
	f.ClearLinkSlots()
	hugeZaps.Increment()
	return f
}

// InvalidateHugeMappingLocked marks the huge mapping at addr invalid, so that
// no CPU can use it until it is replaced, and returns the previous entry.
//
// Preconditions: as.mu must be locked. addr holds a valid huge mapping.
func (as *AddressSpace) InvalidateHugeMappingLocked(l *tlb.Local, addr hostarch.Addr) pgtable.PMD {
	orig := as.mustLoadLocked("InvalidateHugeMappingLocked", addr)
	if !orig.IsHuge() || !orig.Valid() {
		panic(fmt.Sprintf("mm.InvalidateHugeMappingLocked: %v is not a valid huge mapping: %v", addr, orig))
	}
	return as.UpdateHugeMappingLocked(l, addr, orig.Invalidated())
}
