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

// Package tlb batches translation invalidations and dispatches them to every
// CPU that may cache them.
//
// Each CPU owns a Local, which holds that CPU's pending Batch. Page-table
// mutations report stale translations through Local.RecordStaleMapping. In
// eager mode the translation is invalidated before the call returns; in lazy
// mode (between EnterLazyMode and LeaveLazyMode) translations accumulate and
// are flushed together when the batch fills, when the address space changes,
// or when lazy mode ends.
//
// The invariant maintained is that once FlushPending (or any call that
// flushes) returns, no CPU that could be running the batch's address space
// holds any of the flushed translations.
package tlb

import (
	"fmt"

	"shootdown.dev/shootdown/pkg/cpu"
	"shootdown.dev/shootdown/pkg/hostarch"
)

// DefaultBatchSize is the default capacity of a Batch.
const DefaultBatchSize = 32

// ContextTag is the hardware-visible identifier of an address space's
// translations.
type ContextTag uint32

// Entry is a single stale translation.
type Entry struct {
	// Addr is the virtual address, aligned to the batch's page size.
	Addr hostarch.Addr

	// Exec is true if the translation was executable, in which case the
	// instruction TLB must be invalidated too.
	Exec bool
}

// String implements fmt.Stringer.String.
func (e Entry) String() string {
	if e.Exec {
		return fmt.Sprintf("%v(x)", e.Addr)
	}
	return e.Addr.String()
}

// AddressSpace is the address space whose translations are being
// invalidated.
type AddressSpace interface {
	// CPUs returns the set of CPUs that may hold translations for the
	// address space.
	CPUs() *cpu.Mask
}

// TSBFlusher is implemented by address spaces that keep a software
// translation cache in front of the hardware TLB. FlushTSB is called before
// the corresponding hardware invalidation is dispatched.
type TSBFlusher interface {
	FlushTSB(shift uint, entries []Entry)
}

// Invalidator is a single CPU's translation cache.
type Invalidator interface {
	// FlushPage drops translations for tag overlapping the 1<<shift sized
	// page at e.Addr.
	FlushPage(tag ContextTag, e Entry, shift uint)

	// FlushContext drops all translations for tag.
	FlushContext(tag ContextTag)

	// FlushAll drops all translations.
	FlushAll()
}
