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

// Package pgtable provides the page-table entry encodings and the page-table
// fragments that back split huge mappings.
//
// A huge mapping is a single directory entry (PMD) covering HugePageSize
// bytes. When it is split, the directory entry is replaced by a pointer to a
// fragment holding one PTE per base page. Fragments for huge mappings are
// preallocated and parked in the address space's FragmentPool while the
// mapping is huge, so that splitting never allocates.
package pgtable

import (
	"fmt"
	"sync/atomic"

	"shootdown.dev/shootdown/pkg/hostarch"
)

// PTEsPerFragment is the number of PTE slots in a fragment.
const PTEsPerFragment = hostarch.PagesPerHugePage

// Bits in page-table entries.
const (
	present        = 1 << 0
	writable       = 1 << 1
	user           = 1 << 2
	accessed       = 1 << 5
	dirty          = 1 << 6
	huge           = 1 << 7
	global         = 1 << 8
	link           = 1 << 9 // Software: slot holds fragment list linkage.
	executeDisable = 1 << 63

	pfnShift = hostarch.PageShift
	pfnMask  = (1<<52 - 1) &^ (1<<pfnShift - 1)
)

// MapOpts are the options for a mapping.
type MapOpts struct {
	// AccessType defines permissions.
	AccessType hostarch.AccessType

	// Global indicates the mapping is shared by all address spaces.
	Global bool

	// User indicates the mapping is accessible from user mode.
	User bool
}

// String implements fmt.Stringer.String.
func (o MapOpts) String() string {
	s := o.AccessType.String()
	if o.User {
		s += "u"
	}
	if o.Global {
		s += "g"
	}
	return s
}

// encode returns the permission bits for opts.
func (o MapOpts) encode() uint64 {
	var v uint64
	if o.AccessType.Write {
		v |= writable
	}
	if !o.AccessType.Execute {
		v |= executeDisable
	}
	if o.User {
		v |= user
	}
	if o.Global {
		v |= global
	}
	return v
}

func decodeOpts(v uint64) MapOpts {
	return MapOpts{
		AccessType: hostarch.AccessType{
			Read:    v&present != 0,
			Write:   v&writable != 0,
			Execute: v&executeDisable == 0,
		},
		Global: v&global != 0,
		User:   v&user != 0,
	}
}

// PTE is a page table entry.
type PTE uint64

// Clear clears this PTE.
func (p *PTE) Clear() {
	*p = 0
}

// Valid returns true iff this entry is valid.
func (p *PTE) Valid() bool {
	return *p&present != 0
}

// Opts returns the PTE options.
//
// These are all options except Valid.
func (p *PTE) Opts() MapOpts {
	return decodeOpts(uint64(*p))
}

// Set sets this PTE value.
//
// This does not change the dirty or accessed bits unless the frame changes.
func (p *PTE) Set(pfn uint64, opts MapOpts) {
	if !opts.AccessType.Any() {
		p.Clear()
		return
	}
	v := uint64(present|accessed) | pfn<<pfnShift&pfnMask | opts.encode()
	if p.Valid() && p.PFN() == pfn {
		v |= uint64(*p) & dirty
	}
	*p = PTE(v)
}

// PFN returns the frame the entry maps.
func (p *PTE) PFN() uint64 {
	return uint64(*p) & pfnMask >> pfnShift
}

// Dirty returns true if the page has been written through this entry.
func (p *PTE) Dirty() bool {
	return *p&dirty != 0
}

// SetDirty marks the page written.
func (p *PTE) SetDirty() {
	*p |= dirty
}

// Exec returns true if the entry is valid and executable.
func (p *PTE) Exec() bool {
	return p.Valid() && *p&executeDisable == 0
}

// String implements fmt.Stringer.String.
func (p PTE) String() string {
	if !p.Valid() {
		return "none"
	}
	return fmt.Sprintf("pfn=%#x %v", p.PFN(), p.Opts())
}

// PMD is a page directory entry covering HugePageSize bytes. It is either
// none, a huge mapping, or a pointer to a fragment (a table mapping).
type PMD uint64

// HugePMD returns a huge mapping of the HugePageSize block starting at pfn.
func HugePMD(pfn uint64, opts MapOpts) PMD {
	if pfn%hostarch.PagesPerHugePage != 0 {
		panic(fmt.Sprintf("pgtable.HugePMD: frame %#x not huge aligned", pfn))
	}
	if !opts.AccessType.Any() {
		return 0
	}
	return PMD(uint64(present|accessed|huge) | pfn<<pfnShift&pfnMask | opts.encode())
}

// TablePMD returns a table mapping pointing to f.
func TablePMD(f *Fragment) PMD {
	return PMD(uint64(present|writable|user) | f.frame<<pfnShift&pfnMask)
}

// None returns true if the entry maps nothing, not even an invalidated
// mapping.
func (p PMD) None() bool {
	return p == 0
}

// Valid returns true if the entry may be used by a page-table walker.
func (p PMD) Valid() bool {
	return p&present != 0
}

// IsHuge returns true if the entry is a huge mapping, valid or not.
func (p PMD) IsHuge() bool {
	return p&huge != 0
}

// PFN returns the first frame of a huge mapping, or the fragment frame of a
// table mapping.
func (p PMD) PFN() uint64 {
	return uint64(p) & pfnMask >> pfnShift
}

// Opts returns the mapping options of a huge mapping.
func (p PMD) Opts() MapOpts {
	return decodeOpts(uint64(p))
}

// Exec returns true if a huge mapping is executable.
func (p PMD) Exec() bool {
	return p.IsHuge() && p&executeDisable == 0
}

// Dirty returns true if a huge mapping has been written.
func (p PMD) Dirty() bool {
	return p&dirty != 0
}

// WithDirty returns p with the dirty bit set.
func (p PMD) WithDirty() PMD {
	return p | dirty
}

// Invalidated returns p with the present bit cleared. The result is not
// none, so the mapping can be restored or split later.
func (p PMD) Invalidated() PMD {
	return p &^ present
}

// String implements fmt.Stringer.String.
func (p PMD) String() string {
	switch {
	case p.None():
		return "none"
	case p.IsHuge():
		s := fmt.Sprintf("huge pfn=%#x %v", p.PFN(), p.Opts())
		if !p.Valid() {
			s += " (invalid)"
		}
		return s
	default:
		return fmt.Sprintf("table frame=%#x", p.PFN())
	}
}

// PMDSlot is a directory slot. Stores are single atomic operations, so that
// page-table walkers never observe a partially written entry.
type PMDSlot struct {
	v atomic.Uint64
}

// Load returns the current entry.
func (s *PMDSlot) Load() PMD {
	return PMD(s.v.Load())
}

// Swap installs p and returns the previous entry.
func (s *PMDSlot) Swap(p PMD) PMD {
	return PMD(s.v.Swap(uint64(p)))
}
