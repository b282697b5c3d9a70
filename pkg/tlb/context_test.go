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

package tlb

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"shootdown.dev/shootdown/pkg/hostarch"
)

func TestContextsAssign(t *testing.T) {
	c := NewContexts(1, 2)
	a, b, d := &testAS{name: "a"}, &testAS{name: "b"}, &testAS{name: "d"}

	type assignment struct {
		Tag      ContextTag
		Recycled bool
		Victim   AddressSpace
	}
	assign := func(as AddressSpace) assignment {
		tag, recycled, victim := c.Assign(as)
		return assignment{tag, recycled, victim}
	}

	steps := []struct {
		as   AddressSpace
		want assignment
	}{
		{a, assignment{Tag: 1}},
		{b, assignment{Tag: 2}},
		// Already assigned; refreshes a.
		{a, assignment{Tag: 1}},
		// Pool exhausted; b is least recently used.
		{d, assignment{Tag: 2, Recycled: true, Victim: b}},
		{b, assignment{Tag: 1, Recycled: true, Victim: a}},
	}
	for i, s := range steps {
		got := assign(s.as)
		if diff := cmp.Diff(s.want, got, cmp.Comparer(func(x, y AddressSpace) bool { return x == y })); diff != "" {
			t.Fatalf("step %d: Assign(%v) mismatch (-want +got):\n%s", i, s.as, diff)
		}
	}
	if _, ok := c.Tag(a); ok {
		t.Errorf("Tag(a) valid after reclaim")
	}
	// Recycled tags are withheld until flushed.
	if _, ok := c.Tag(d); ok {
		t.Errorf("Tag(d) valid before MarkFlushed")
	}
	c.MarkFlushed(2)
	if tag, ok := c.Tag(d); !ok || tag != 2 {
		t.Errorf("Tag(d) = %d, %v; want 2, true", tag, ok)
	}
	if got := c.Len(); got != 2 {
		t.Errorf("Len() = %d, want 2", got)
	}
}

func TestContextsDrop(t *testing.T) {
	c := NewContexts(1, 4)
	a, b := &testAS{name: "a"}, &testAS{name: "b"}

	tag, _, _ := c.Assign(a)
	c.Drop(a)
	c.Drop(a)
	if _, ok := c.Tag(a); ok {
		t.Errorf("Tag(a) valid after Drop")
	}
	// The dropped tag is free but its translations may still be cached.
	got, recycled, victim := c.Assign(b)
	if got != tag || !recycled || victim != nil {
		t.Errorf("Assign(b) = %d, %v, %v; want %d, true, nil", got, recycled, victim, tag)
	}
}

func TestContextsOwner(t *testing.T) {
	c := NewContexts(1, 1)
	a, b := &testAS{name: "a"}, &testAS{name: "b"}

	c.Assign(a)
	if got, ok := c.Owner(1); !ok || got != a {
		t.Errorf("Owner(1) = %v, %v; want a, true", got, ok)
	}
	for _, tag := range []ContextTag{0, 2} {
		if _, ok := c.Owner(tag); ok {
			t.Errorf("Owner(%d) reported an owner outside the pool", tag)
		}
	}
	c.Assign(b)
	if _, ok := c.Owner(1); ok {
		t.Errorf("Owner(1) reported an owner before MarkFlushed")
	}
	c.MarkFlushed(1)
	if got, ok := c.Owner(1); !ok || got != b {
		t.Errorf("Owner(1) = %v, %v; want b, true", got, ok)
	}
}

func TestNewContextsEmptyPoolPanics(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("NewContexts with no tags did not panic")
		}
	}()
	NewContexts(1, 0)
}

type countingFlusher struct {
	n int
}

func (f *countingFlusher) FlushDCachePage(*Page) { f.n++ }

func TestMaybeFlushAlias(t *testing.T) {
	// Bit 13 selects the colour; PFN 2 lives at kernel address 0x2000.
	const kernelColourSet = 2
	for _, tc := range []struct {
		name   string
		policy CacheAliasPolicy
		page   *Page
		va     hostarch.Addr
		want   bool
	}{
		{"aliasing", AliasBit(13), &Page{PFN: kernelColourSet, Dirty: true}, 0x1000, true},
		{"same colour", AliasBit(13), &Page{PFN: kernelColourSet, Dirty: true}, 0x6000, false},
		{"clean", AliasBit(13), &Page{PFN: kernelColourSet}, 0x1000, false},
		{"anonymous", AliasBit(13), &Page{PFN: kernelColourSet, Dirty: true, Anon: true}, 0x1000, false},
		{"reserved", AliasBit(13), &Page{PFN: kernelColourSet, Dirty: true, Reserved: true}, 0x1000, false},
		{"physically indexed", NoAliasing{}, &Page{PFN: kernelColourSet, Dirty: true}, 0x1000, false},
		{"no page", AliasBit(13), nil, 0x1000, false},
	} {
		t.Run(tc.name, func(t *testing.T) {
			f := &countingFlusher{}
			g := NewAliasGuard(tc.policy, f)
			if got := g.MaybeFlushAlias(tc.page, tc.va); got != tc.want {
				t.Errorf("MaybeFlushAlias() = %v, want %v", got, tc.want)
			}
			if want := map[bool]int{false: 0, true: 1}[tc.want]; f.n != want {
				t.Errorf("flushes = %d, want %d", f.n, want)
			}
		})
	}
}

func TestNilAliasGuard(t *testing.T) {
	var g *AliasGuard
	if g.MaybeFlushAlias(&Page{Dirty: true}, 0x1000) {
		t.Errorf("nil guard flushed")
	}
}

func TestAliasGuardRequiresFlusher(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Errorf("NewAliasGuard without flusher did not panic")
		}
	}()
	NewAliasGuard(AliasBit(13), nil)
}

func TestBatchTake(t *testing.T) {
	b := newBatch(2)
	if _, ok := b.take(); ok {
		t.Fatalf("take on empty batch returned entries")
	}
	as := &testAS{name: "a"}
	b.owner = as
	if full := b.add(Entry{Addr: 0x1000}); full {
		t.Errorf("batch full after one entry")
	}
	if full := b.add(Entry{Addr: 0x2000}); !full {
		t.Errorf("batch not full after two entries")
	}
	p, ok := b.take()
	if !ok {
		t.Fatalf("take returned nothing")
	}
	if diff := cmp.Diff([]Entry{{Addr: 0x1000}, {Addr: 0x2000}}, p.entries); diff != "" {
		t.Errorf("taken entries mismatch (-want +got):\n%s", diff)
	}
	if b.Len() != 0 || b.Owner() != as {
		t.Errorf("after take: len=%d owner=%v", b.Len(), b.Owner())
	}
	if b.conflicts(&testAS{name: "b"}, hostarch.PageShift) {
		t.Errorf("empty batch conflicts")
	}
}
