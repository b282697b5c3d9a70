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

package sim

import (
	"fmt"
	"strings"

	"shootdown.dev/shootdown/pkg/cpu"
	"shootdown.dev/shootdown/pkg/hostarch"
	"shootdown.dev/shootdown/pkg/tlb"
)

// Event is an invalidation request, as issued to the dispatcher.
type Event struct {
	// Kind is "page", "batch" or "context".
	Kind string

	// From is the issuing CPU.
	From cpu.ID

	// AS names the address space. It is empty for context flushes.
	AS string

	Tag     tlb.ContextTag
	Shift   uint
	Entries []tlb.Entry
}

// String implements fmt.Stringer.String.
func (e Event) String() string {
	if e.Kind == "context" {
		return fmt.Sprintf("cpu%d context tag=%d", e.From, e.Tag)
	}
	size := "4K"
	if e.Shift == hostarch.HugePageShift {
		size = "2M"
	}
	addrs := make([]string, len(e.Entries))
	for i, entry := range e.Entries {
		addrs[i] = entry.String()
	}
	return fmt.Sprintf("cpu%d %s %s tag=%d %s [%s]", e.From, e.Kind, e.AS, e.Tag, size, strings.Join(addrs, " "))
}

// tracer is a tlb.Dispatcher that reports requests before passing them on.
type tracer struct {
	next tlb.Dispatcher
	fn   func(Event)
}

func (t *tracer) event(kind string, r *tlb.Request) {
	e := Event{
		Kind:    kind,
		AS:      fmt.Sprint(r.AS),
		Tag:     r.Tag,
		Shift:   r.Shift,
		Entries: append([]tlb.Entry(nil), r.Entries...),
	}
	if r.From != nil {
		e.From = r.From.ID()
	}
	t.fn(e)
}

// InvalidatePage implements tlb.Dispatcher.InvalidatePage.
func (t *tracer) InvalidatePage(r *tlb.Request) error {
	t.event("page", r)
	return t.next.InvalidatePage(r)
}

// BroadcastInvalidate implements tlb.Dispatcher.BroadcastInvalidate.
func (t *tracer) BroadcastInvalidate(r *tlb.Request) error {
	t.event("batch", r)
	return t.next.BroadcastInvalidate(r)
}

// InvalidateContext implements tlb.Dispatcher.InvalidateContext.
func (t *tracer) InvalidateContext(from *cpu.CPU, tag tlb.ContextTag) error {
	e := Event{Kind: "context", Tag: tag}
	if from != nil {
		e.From = from.ID()
	}
	t.fn(e)
	return t.next.InvalidateContext(from, tag)
}
