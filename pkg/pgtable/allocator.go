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

import (
	"fmt"
	"sync"
)

// Allocator is used to allocate and map fragments.
type Allocator interface {
	FragmentMapper

	// NewFragment returns a zeroed fragment.
	NewFragment() *Fragment

	// FreeFragment frees a fragment. The caller must ensure no CPU can
	// still walk it.
	FreeFragment(f *Fragment)
}

// firstFrame is the first fragment frame number. Fragment frames are kept
// above the frames handed out for data pages.
const firstFrame = 1 << 32

// RuntimeAllocator is an Allocator backed by the Go heap. Freed fragments are
// kept and reused.
//
// RuntimeAllocator is safe for concurrent use.
type RuntimeAllocator struct {
	mu sync.Mutex

	// next is the next unused frame number.
	next uint64

	// all maps frame numbers to every fragment ever allocated.
	all map[uint64]*Fragment

	// used holds the frames of allocated fragments.
	used map[uint64]struct{}

	// pool holds freed fragments.
	pool []*Fragment
}

// NewRuntimeAllocator returns an allocator.
func NewRuntimeAllocator() *RuntimeAllocator {
	return &RuntimeAllocator{
		next: firstFrame,
		all:  make(map[uint64]*Fragment),
		used: make(map[uint64]struct{}),
	}
}

// NewFragment implements Allocator.NewFragment.
func (r *RuntimeAllocator) NewFragment() *Fragment {
	r.mu.Lock()
	defer r.mu.Unlock()
	var f *Fragment
	if n := len(r.pool); n > 0 {
		f = r.pool[n-1]
		r.pool = r.pool[:n-1]
		f.Clear()
	} else {
		f = &Fragment{frame: r.next}
		r.next++
		r.all[f.frame] = f
	}
	r.used[f.frame] = struct{}{}
	fragmentsAllocated.Increment()
	return f
}

// FreeFragment implements Allocator.FreeFragment.
func (r *RuntimeAllocator) FreeFragment(f *Fragment) {
	if f.Deposited() {
		panic(fmt.Sprintf("pgtable.FreeFragment: %v is still deposited", f))
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.used[f.frame]; !ok {
		panic(fmt.Sprintf("pgtable.FreeFragment: %v is not allocated", f))
	}
	delete(r.used, f.frame)
	r.pool = append(r.pool, f)
	fragmentsFreed.Increment()
}

// LookupFragment implements FragmentMapper.LookupFragment.
func (r *RuntimeAllocator) LookupFragment(frame uint64) *Fragment {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.all[frame]
}

// InUse returns the number of allocated fragments.
func (r *RuntimeAllocator) InUse() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.used)
}
