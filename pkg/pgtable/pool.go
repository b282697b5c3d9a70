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

// FragmentPool is a FIFO of fragments preallocated for huge mappings.
//
// Deposit and Withdraw are O(1). The pool must be accessed with the owning
// address space's page-table lock held.
type FragmentPool struct {
	list fragmentList
	n    int
}

// NewFragmentPool returns an empty pool whose fragments are resolved through
// m.
func NewFragmentPool(m FragmentMapper) *FragmentPool {
	return &FragmentPool{list: fragmentList{mapper: m}}
}

// Deposit parks f at the tail of the pool.
//
// Precondition: f is not deposited in any pool.
func (p *FragmentPool) Deposit(f *Fragment) {
	if f.pool != nil {
		panic(fmt.Sprintf("pgtable.Deposit: %v already deposited", f))
	}
	p.list.PushBack(f)
	f.pool = p
	p.n++
	fragmentsDeposited.Increment()
}

// Withdraw removes and returns the fragment at the head of the pool.
// Ownership passes to the caller, which must call ClearLinkSlots before using
// the fragment as a page table.
//
// Precondition: the pool is not empty.
func (p *FragmentPool) Withdraw() *Fragment {
	f := p.list.Front()
	if f == nil {
		panic("pgtable.Withdraw: empty fragment pool")
	}
	p.list.Remove(f)
	f.pool = nil
	p.n--
	fragmentsWithdrawn.Increment()
	return f
}

// Len returns the number of deposited fragments.
func (p *FragmentPool) Len() int {
	return p.n
}

// Empty returns true iff no fragment is deposited.
func (p *FragmentPool) Empty() bool {
	return p.list.Empty()
}
