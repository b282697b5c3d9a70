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

// Package mm implements address spaces: a page directory of huge-page sized
// entries, the fragments backing split huge mappings, and the bookkeeping
// that reports stale translations to the tlb package whenever a directory or
// page table entry changes.
//
// Lock order:
//
//	AddressSpace.activateMu
//		AddressSpace.mu (the page-table lock)
//			cpu interrupt guard
//				AddressSpace.tsb.mu
package mm

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/google/btree"
	"shootdown.dev/shootdown/pkg/cpu"
	"shootdown.dev/shootdown/pkg/hostarch"
	"shootdown.dev/shootdown/pkg/log"
	"shootdown.dev/shootdown/pkg/pgtable"
	"shootdown.dev/shootdown/pkg/tlb"
)

// KernelTag is the context tag of kernel address spaces. Tags handed out to
// other address spaces must start above it.
const KernelTag tlb.ContextTag = 0

var (
	// ErrNotActive is returned by Translate if the address space holds no
	// valid context tag on the CPU. The caller should Activate it again.
	ErrNotActive = errors.New("address space not active on cpu")

	// ErrNoMapping is returned by Translate for unmapped addresses.
	ErrNoMapping = errors.New("no mapping")

	// ErrPermission is returned by Translate if the mapping does not allow
	// the access.
	ErrPermission = errors.New("access not permitted")
)

// Pages describes the physical pages mapped into address spaces.
type Pages interface {
	// Page returns the descriptor of the page at pfn, or nil if the page
	// needs no cache maintenance.
	Page(pfn uint64) *tlb.Page
}

// Opts are AddressSpace options.
type Opts struct {
	// Name is used in logs.
	Name string

	// Kernel marks an always-resident kernel address space. Its mappings
	// are shared by every CPU and are never shot down.
	Kernel bool

	// Allocator supplies page-table fragments. It is required.
	Allocator pgtable.Allocator

	// Contexts assigns context tags. It is required unless Kernel is set.
	Contexts *tlb.Contexts

	// Pages describes mapped pages. If nil, no cache alias maintenance is
	// performed.
	Pages Pages
}

// pmdEntry is a directory slot for the huge page at addr.
type pmdEntry struct {
	addr hostarch.Addr
	slot pgtable.PMDSlot
}

func pmdLess(a, b *pmdEntry) bool {
	return a.addr < b.addr
}

// AddressSpace is a single address space.
type AddressSpace struct {
	name     string
	kernel   bool
	alloc    pgtable.Allocator
	contexts *tlb.Contexts
	pages    Pages

	// cpus is the set of CPUs that have run the address space.
	cpus cpu.Mask

	// activateMu serializes Activate, so that a recycled tag is flushed
	// before any CPU runs with it.
	activateMu sync.Mutex

	// mu is the page-table lock.
	mu sync.Mutex

	// pmds is the page directory. Entries are created on first use and
	// never removed. pmds is protected by mu.
	pmds *btree.BTreeG[*pmdEntry]

	// pool holds one fragment per huge mapping. pool is protected by mu.
	pool *pgtable.FragmentPool

	// huge is the number of huge mappings.
	huge atomic.Int64

	tsb tsb
}

// New returns a new, empty address space.
func New(opts Opts) *AddressSpace {
	if opts.Allocator == nil {
		panic("mm.New: Allocator is required")
	}
	if !opts.Kernel && opts.Contexts == nil {
		panic("mm.New: Contexts is required")
	}
	return &AddressSpace{
		name:     opts.Name,
		kernel:   opts.Kernel,
		alloc:    opts.Allocator,
		contexts: opts.Contexts,
		pages:    opts.Pages,
		pmds:     btree.NewG(8, pmdLess),
		pool:     pgtable.NewFragmentPool(opts.Allocator),
	}
}

// String implements fmt.Stringer.String.
func (as *AddressSpace) String() string {
	if as.name == "" {
		return fmt.Sprintf("mm@%p", as)
	}
	return as.name
}

// CPUs implements tlb.AddressSpace.CPUs.
func (as *AddressSpace) CPUs() *cpu.Mask {
	return &as.cpus
}

// Kernel returns true for kernel address spaces.
func (as *AddressSpace) Kernel() bool {
	return as.kernel
}

// Lock takes the page-table lock.
func (as *AddressSpace) Lock() {
	as.mu.Lock()
}

// Unlock releases the page-table lock.
func (as *AddressSpace) Unlock() {
	as.mu.Unlock()
}

// HugeMappings returns the number of huge mappings.
func (as *AddressSpace) HugeMappings() int64 {
	return as.huge.Load()
}

// DepositedFragments returns the number of fragments parked for huge
// mappings.
func (as *AddressSpace) DepositedFragments() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.pool.Len()
}

// PMD returns the directory entry covering addr.
func (as *AddressSpace) PMD(addr hostarch.Addr) pgtable.PMD {
	as.mu.Lock()
	defer as.mu.Unlock()
	if e := as.lookupLocked(addr.HugeRoundDown()); e != nil {
		return e.slot.Load()
	}
	return 0
}

// PTE returns the page table entry for addr. It returns false if addr is not
// covered by a table mapping.
func (as *AddressSpace) PTE(addr hostarch.Addr) (pgtable.PTE, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	e := as.lookupLocked(addr.HugeRoundDown())
	if e == nil {
		return 0, false
	}
	pmd := e.slot.Load()
	if pmd.None() || pmd.IsHuge() {
		return 0, false
	}
	return as.fragment(pmd).PTEs[pteIndex(addr)], true
}

// Activate prepares the address space to run on l's CPU and returns its
// context tag. If the tag was recycled from another address space, it is
// flushed on every CPU first.
func (as *AddressSpace) Activate(l *tlb.Local) tlb.ContextTag {
	if as.kernel {
		return KernelTag
	}
	as.activateMu.Lock()
	defer as.activateMu.Unlock()

	c := l.CPU()
	as.cpus.Set(c.ID())
	tag, recycled, victim := as.contexts.Assign(as)
	if recycled {
		if victim != nil {
			log.Debugf("%v: context %d reclaimed from %v for %v", c, tag, victim, as)
		}
		l.FlushContext(tag)
		as.contexts.MarkFlushed(tag)
	}
	return tag
}

// tag returns the current context tag.
func (as *AddressSpace) tag() (tlb.ContextTag, bool) {
	if as.kernel {
		return KernelTag, true
	}
	return as.contexts.Tag(as)
}

// lookupLocked returns the directory entry at the huge page aligned addr, or
// nil.
//
// Preconditions: as.mu must be locked.
func (as *AddressSpace) lookupLocked(addr hostarch.Addr) *pmdEntry {
	e, _ := as.pmds.Get(&pmdEntry{addr: addr})
	return e
}

// slotLocked returns the directory entry at the huge page aligned addr,
// creating it if needed.
//
// Preconditions: as.mu must be locked.
func (as *AddressSpace) slotLocked(addr hostarch.Addr) *pmdEntry {
	if e := as.lookupLocked(addr); e != nil {
		return e
	}
	e := &pmdEntry{addr: addr}
	as.pmds.ReplaceOrInsert(e)
	return e
}

// fragment returns the fragment a table mapping points to.
func (as *AddressSpace) fragment(pmd pgtable.PMD) *pgtable.Fragment {
	f := as.alloc.LookupFragment(pmd.PFN())
	if f == nil {
		panic(fmt.Sprintf("mm: directory entry %v points to unknown fragment", pmd))
	}
	return f
}

// pageFor returns the descriptor of the page mapped by pte, with the dirty
// state taken from pte.
func (as *AddressSpace) pageFor(pte pgtable.PTE) *tlb.Page {
	if as.pages == nil {
		return nil
	}
	p := as.pages.Page(pte.PFN())
	if p == nil {
		return nil
	}
	cp := *p
	cp.Dirty = pte.Dirty()
	return &cp
}

// hugePagesFor returns the descriptors of the base pages of the huge page
// mapped by pmd, with the dirty state taken from pmd.
func (as *AddressSpace) hugePagesFor(pmd pgtable.PMD) []*tlb.Page {
	if as.pages == nil {
		return nil
	}
	var pages []*tlb.Page
	for i := uint64(0); i < hostarch.PagesPerHugePage; i++ {
		p := as.pages.Page(pmd.PFN() + i)
		if p == nil {
			pages = append(pages, nil)
			continue
		}
		cp := *p
		cp.Dirty = pmd.Dirty()
		pages = append(pages, &cp)
	}
	return pages
}

func pteIndex(addr hostarch.Addr) int {
	return int((addr - addr.HugeRoundDown()) >> hostarch.PageShift)
}

func pteAddr(base hostarch.Addr, i int) hostarch.Addr {
	return base + hostarch.Addr(i)<<hostarch.PageShift
}
