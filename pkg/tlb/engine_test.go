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
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"shootdown.dev/shootdown/pkg/cpu"
	"shootdown.dev/shootdown/pkg/hostarch"
)

type testAS struct {
	name string
	cpus cpu.Mask

	// tsbFlushes records FlushTSB calls, if non-nil.
	tsbFlushes *[]string
	seq        *sequence
}

func (a *testAS) CPUs() *cpu.Mask { return &a.cpus }

func (a *testAS) String() string { return a.name }

// tsbAS is a testAS with a software translation cache.
type tsbAS struct {
	testAS
}

func (a *tsbAS) FlushTSB(shift uint, entries []Entry) {
	*a.tsbFlushes = append(*a.tsbFlushes, fmt.Sprintf("tsb:%d:%d", shift, len(entries)))
	a.seq.next()
}

type staticTags map[AddressSpace]ContextTag

func (s staticTags) Tag(as AddressSpace) (ContextTag, bool) {
	tag, ok := s[as]
	return tag, ok
}

// sequence is a logical clock shared by the test doubles.
type sequence struct {
	mu  sync.Mutex
	now int
}

func (s *sequence) next() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now++
	return s.now
}

// dispatch is a single recorded Dispatcher call.
type dispatch struct {
	Kind    string
	Tag     ContextTag
	Shift   uint
	Entries []Entry
	Seq     int
}

type recordingDispatcher struct {
	seq   *sequence
	calls []dispatch
	err   error
}

func (d *recordingDispatcher) record(kind string, r *Request) error {
	d.calls = append(d.calls, dispatch{
		Kind:    kind,
		Tag:     r.Tag,
		Shift:   r.Shift,
		Entries: append([]Entry(nil), r.Entries...),
		Seq:     d.seq.next(),
	})
	return d.err
}

func (d *recordingDispatcher) InvalidatePage(r *Request) error {
	return d.record("page", r)
}

func (d *recordingDispatcher) BroadcastInvalidate(r *Request) error {
	return d.record("batch", r)
}

func (d *recordingDispatcher) InvalidateContext(_ *cpu.CPU, tag ContextTag) error {
	return d.record("context", &Request{Tag: tag})
}

// recordingFlusher records the sequence number of every alias flush.
type recordingFlusher struct {
	seq     *sequence
	flushed map[uint64]int
}

func (f *recordingFlusher) FlushDCachePage(p *Page) {
	f.flushed[p.PFN] = f.seq.next()
}

type harness struct {
	seq   *sequence
	d     *recordingDispatcher
	tags  staticTags
	local *Local
	a, b  *testAS
}

func newHarness(t *testing.T, batchSize int, alias *AliasGuard, seq *sequence) *harness {
	t.Helper()
	if seq == nil {
		seq = &sequence{}
	}
	h := &harness{
		seq: seq,
		d:   &recordingDispatcher{seq: seq},
		a:   &testAS{name: "mm_a"},
		b:   &testAS{name: "mm_b"},
	}
	h.tags = staticTags{h.a: 10, h.b: 11}
	e := NewEngine(Opts{
		BatchSize:  batchSize,
		Dispatcher: h.d,
		Tags:       h.tags,
		Alias:      alias,
	})
	h.local = e.Local(cpu.New(0, -1))
	return h
}

func pages(start hostarch.Addr, n int, exec bool) []Entry {
	es := make([]Entry, n)
	for i := range es {
		es[i] = Entry{Addr: start + hostarch.Addr(i)*hostarch.PageSize, Exec: exec}
	}
	return es
}

func TestEndToEndLazyBatch(t *testing.T) {
	h := newHarness(t, 0, nil, nil)

	h.local.EnterLazyMode()
	for _, e := range pages(0x1000, 5, false) {
		h.local.RecordStaleMapping(h.a, e.Addr, e.Exec)
	}
	if len(h.d.calls) != 0 {
		t.Fatalf("dispatch before LeaveLazyMode: %+v", h.d.calls)
	}
	h.local.LeaveLazyMode()

	want := []dispatch{{
		Kind:    "batch",
		Tag:     10,
		Shift:   hostarch.PageShift,
		Entries: pages(0x1000, 5, false),
		Seq:     1,
	}}
	if diff := cmp.Diff(want, h.d.calls); diff != "" {
		t.Errorf("unexpected dispatches (-want +got):\n%s", diff)
	}
	if h.local.Batch().Len() != 0 || h.local.Batch().Active() {
		t.Errorf("batch not reset: len=%d active=%v", h.local.Batch().Len(), h.local.Batch().Active())
	}
}

func TestBatchNeverMixesAddressSpaces(t *testing.T) {
	h := newHarness(t, 0, nil, nil)

	h.local.EnterLazyMode()
	h.local.RecordStaleMapping(h.a, 0x1000, false)
	h.local.RecordStaleMapping(h.a, 0x2000, false)
	if len(h.d.calls) != 0 {
		t.Fatalf("unexpected early dispatch: %+v", h.d.calls)
	}
	h.local.RecordStaleMapping(h.b, 0x1000, true)
	if len(h.d.calls) != 1 {
		t.Fatalf("expected mm_a flushed before first mm_b entry, got %+v", h.d.calls)
	}
	h.local.RecordStaleMapping(h.a, 0x3000, false)
	h.local.LeaveLazyMode()

	want := []dispatch{
		{Kind: "batch", Tag: 10, Shift: hostarch.PageShift, Entries: pages(0x1000, 2, false), Seq: 1},
		{Kind: "page", Tag: 11, Shift: hostarch.PageShift, Entries: pages(0x1000, 1, true), Seq: 2},
		{Kind: "page", Tag: 10, Shift: hostarch.PageShift, Entries: pages(0x3000, 1, false), Seq: 3},
	}
	if diff := cmp.Diff(want, h.d.calls); diff != "" {
		t.Errorf("unexpected dispatches (-want +got):\n%s", diff)
	}
}

func TestCapacityBound(t *testing.T) {
	const n = 4
	h := newHarness(t, n, nil, nil)

	h.local.EnterLazyMode()
	es := pages(0x10000, n+1, false)
	for i, e := range es {
		h.local.RecordStaleMapping(h.a, e.Addr, e.Exec)
		switch {
		case i < n-1 && len(h.d.calls) != 0:
			t.Fatalf("dispatch after %d appends: %+v", i+1, h.d.calls)
		case i >= n-1 && len(h.d.calls) != 1:
			t.Fatalf("after %d appends got %d dispatches, want 1", i+1, len(h.d.calls))
		}
	}
	if diff := cmp.Diff(es[:n], h.d.calls[0].Entries); diff != "" {
		t.Errorf("unexpected flushed entries (-want +got):\n%s", diff)
	}
	if got := h.local.Batch().Entries(); !cmp.Equal(got, es[n:]) {
		t.Errorf("batch after N+1 appends = %v, want %v", got, es[n:])
	}
}

func TestLeaveLazyModeIdempotent(t *testing.T) {
	h := newHarness(t, 0, nil, nil)

	h.local.EnterLazyMode()
	h.local.EnterLazyMode()
	h.local.RecordStaleMapping(h.a, 0x1000, false)
	h.local.LeaveLazyMode()
	if len(h.d.calls) != 1 {
		t.Fatalf("got %d dispatches after first LeaveLazyMode, want 1", len(h.d.calls))
	}
	h.local.LeaveLazyMode()
	if len(h.d.calls) != 1 {
		t.Errorf("second LeaveLazyMode dispatched: %+v", h.d.calls[1:])
	}
}

func TestEagerModeFlushesImmediately(t *testing.T) {
	h := newHarness(t, 0, nil, nil)

	h.local.RecordStaleMapping(h.a, 0x1000, false)
	h.local.RecordStaleMapping(h.a, 0x2000, true)
	want := []dispatch{
		{Kind: "page", Tag: 10, Shift: hostarch.PageShift, Entries: pages(0x1000, 1, false), Seq: 1},
		{Kind: "page", Tag: 10, Shift: hostarch.PageShift, Entries: pages(0x2000, 1, true), Seq: 2},
	}
	if diff := cmp.Diff(want, h.d.calls); diff != "" {
		t.Errorf("unexpected dispatches (-want +got):\n%s", diff)
	}
	if h.local.Batch().Len() != 0 {
		t.Errorf("eager mode left %d entries batched", h.local.Batch().Len())
	}
}

func TestFlushPendingEmptyIsNoop(t *testing.T) {
	h := newHarness(t, 0, nil, nil)
	h.local.FlushPending()
	h.local.EnterLazyMode()
	h.local.FlushPending()
	if len(h.d.calls) != 0 {
		t.Errorf("FlushPending on empty batch dispatched: %+v", h.d.calls)
	}
}

func TestFlushPendingKeepsLazyMode(t *testing.T) {
	h := newHarness(t, 0, nil, nil)
	h.local.EnterLazyMode()
	h.local.RecordStaleMapping(h.a, 0x1000, false)
	h.local.FlushPending()
	if len(h.d.calls) != 1 || h.d.calls[0].Kind != "page" {
		t.Fatalf("unexpected dispatches: %+v", h.d.calls)
	}
	if !h.local.Batch().Active() {
		t.Errorf("FlushPending left lazy mode")
	}
	if h.local.Batch().Owner() != h.a {
		t.Errorf("owner = %v, want %v", h.local.Batch().Owner(), h.a)
	}
}

func TestPageSizeChangeFlushes(t *testing.T) {
	h := newHarness(t, 0, nil, nil)
	h.local.EnterLazyMode()
	h.local.RecordStaleMapping(h.a, 0x1000, false)
	h.local.RecordStaleMapping(h.a, 0x2000, false)
	h.local.RecordStaleHugeMapping(h.a, 0x200000, true)
	h.local.LeaveLazyMode()

	want := []dispatch{
		{Kind: "batch", Tag: 10, Shift: hostarch.PageShift, Entries: pages(0x1000, 2, false), Seq: 1},
		{Kind: "page", Tag: 10, Shift: hostarch.HugePageShift, Entries: []Entry{{Addr: 0x200000, Exec: true}}, Seq: 2},
	}
	if diff := cmp.Diff(want, h.d.calls); diff != "" {
		t.Errorf("unexpected dispatches (-want +got):\n%s", diff)
	}
}

func TestInvalidContextIsNoop(t *testing.T) {
	h := newHarness(t, 0, nil, nil)
	unscheduled := &testAS{name: "unscheduled"}

	h.local.RecordStaleMapping(unscheduled, 0x1000, false)
	h.local.EnterLazyMode()
	h.local.RecordStaleMapping(unscheduled, 0x1000, false)
	h.local.LeaveLazyMode()
	if len(h.d.calls) != 0 {
		t.Errorf("unscheduled address space dispatched: %+v", h.d.calls)
	}
}

func TestTagReclaimedBeforeFlush(t *testing.T) {
	h := newHarness(t, 0, nil, nil)
	h.local.EnterLazyMode()
	h.local.RecordStaleMapping(h.a, 0x1000, false)
	h.local.RecordStaleMapping(h.a, 0x2000, false)
	delete(h.tags, h.a)
	h.local.LeaveLazyMode()
	if len(h.d.calls) != 0 {
		t.Errorf("flush for reclaimed tag dispatched: %+v", h.d.calls)
	}
}

func TestMisalignedAddressPanics(t *testing.T) {
	h := newHarness(t, 0, nil, nil)
	for _, tc := range []struct {
		name string
		fn   func()
	}{
		{"base", func() { h.local.RecordStaleMapping(h.a, 0x1001, false) }},
		{"huge", func() { h.local.RecordStaleHugeMapping(h.a, 0x201000, false) }},
	} {
		t.Run(tc.name, func(t *testing.T) {
			defer func() {
				r := recover()
				if r == nil || !strings.Contains(fmt.Sprint(r), "not aligned") {
					t.Errorf("recover() = %v, want alignment panic", r)
				}
			}()
			tc.fn()
		})
	}
}

func TestAppendWithoutOwnerPanics(t *testing.T) {
	b := newBatch(4)
	defer func() {
		if recover() == nil {
			t.Errorf("add with no owner did not panic")
		}
	}()
	b.add(Entry{Addr: 0x1000})
}

func TestAliasFlushPrecedesInvalidate(t *testing.T) {
	seq := &sequence{}
	f := &recordingFlusher{seq: seq, flushed: make(map[uint64]int)}
	h := newHarness(t, 0, NewAliasGuard(AliasBit(13), f), seq)

	// PFN 1 is at kernel address 0x1000 (bit 13 clear).
	aliasing := &Page{PFN: 1, Dirty: true}
	// PFN 2 is at 0x2000, the same colour as user address 0x2000.
	sameColour := &Page{PFN: 2, Dirty: true}
	anon := &Page{PFN: 3, Dirty: true, Anon: true}

	for _, lazy := range []bool{false, true} {
		h.d.calls = nil
		f.flushed = make(map[uint64]int)
		if lazy {
			h.local.EnterLazyMode()
		}
		h.local.RecordStalePage(h.a, 0x2000, false, aliasing)
		h.local.RecordStalePage(h.a, 0x6000, false, sameColour)
		h.local.RecordStalePage(h.a, 0x2000, false, anon)
		if lazy {
			h.local.LeaveLazyMode()
		}

		if _, ok := f.flushed[2]; ok {
			t.Errorf("lazy=%v: same-colour page flushed", lazy)
		}
		if _, ok := f.flushed[3]; ok {
			t.Errorf("lazy=%v: anonymous page flushed", lazy)
		}
		at, ok := f.flushed[1]
		if !ok {
			t.Fatalf("lazy=%v: aliasing page not flushed", lazy)
		}
		for _, d := range h.d.calls {
			for _, e := range d.Entries {
				if e.Addr == 0x2000 && at >= d.Seq {
					t.Errorf("lazy=%v: alias flush at %d not before dispatch at %d", lazy, at, d.Seq)
				}
			}
		}
	}
}

func TestHugeAliasFlushPrecedesInvalidate(t *testing.T) {
	seq := &sequence{}
	f := &recordingFlusher{seq: seq, flushed: make(map[uint64]int)}
	h := newHarness(t, 0, NewAliasGuard(AliasBit(13), f), seq)

	// PFN 1 (kernel 0x1000) backs 0x200000: same colour. PFN 2 (kernel
	// 0x2000) backs 0x201000: aliasing.
	pages := []*Page{{PFN: 1, Dirty: true}, {PFN: 2, Dirty: true}}
	h.local.RecordStaleHugePage(h.a, 0x200000, false, pages)

	if _, ok := f.flushed[1]; ok {
		t.Errorf("same-colour page flushed")
	}
	at, ok := f.flushed[2]
	if !ok {
		t.Fatalf("aliasing page not flushed")
	}
	if len(h.d.calls) != 1 {
		t.Fatalf("unexpected dispatches: %+v", h.d.calls)
	}
	if d := h.d.calls[0]; d.Shift != hostarch.HugePageShift || at >= d.Seq {
		t.Errorf("alias flush at %d, dispatch %+v; want flush first at huge page size", at, d)
	}
}

func TestTSBFlushedBeforeDispatch(t *testing.T) {
	h := newHarness(t, 0, nil, nil)
	var tsb []string
	as := &tsbAS{testAS{name: "tsb", tsbFlushes: &tsb, seq: h.seq}}
	h.tags[as] = 12

	h.local.EnterLazyMode()
	h.local.RecordStaleMapping(as, 0x1000, false)
	h.local.RecordStaleMapping(as, 0x2000, false)
	h.local.LeaveLazyMode()

	if diff := cmp.Diff([]string{"tsb:12:2"}, tsb); diff != "" {
		t.Errorf("unexpected TSB flushes (-want +got):\n%s", diff)
	}
	// The TSB flush took sequence number 1.
	if len(h.d.calls) != 1 || h.d.calls[0].Seq != 2 {
		t.Errorf("dispatch did not follow TSB flush: %+v", h.d.calls)
	}
}

func TestTSBFlushedWithoutTag(t *testing.T) {
	h := newHarness(t, 0, nil, nil)
	var tsb []string
	as := &tsbAS{testAS{name: "tsb", tsbFlushes: &tsb, seq: h.seq}}

	// Unscheduled: dropped, but still purged from the TSB.
	h.local.RecordStaleMapping(as, 0x1000, false)

	// Reclaimed between queueing and flushing.
	h.tags[as] = 12
	h.local.EnterLazyMode()
	h.local.RecordStaleMapping(as, 0x2000, false)
	h.local.RecordStaleMapping(as, 0x3000, false)
	delete(h.tags, as)
	h.local.LeaveLazyMode()

	if diff := cmp.Diff([]string{"tsb:12:1", "tsb:12:2"}, tsb); diff != "" {
		t.Errorf("unexpected TSB flushes (-want +got):\n%s", diff)
	}
	if len(h.d.calls) != 0 {
		t.Errorf("dispatched without a tag: %+v", h.d.calls)
	}
}

func TestDispatchErrorIsFatal(t *testing.T) {
	seq := &sequence{}
	d := &recordingDispatcher{seq: seq, err: ErrAckTimeout}
	a := &testAS{name: "mm_a"}
	var fatal error
	e := NewEngine(Opts{
		Dispatcher: d,
		Tags:       staticTags{a: 1},
		Fatal:      func(err error) { fatal = err },
	})
	l := e.Local(cpu.New(0, -1))
	l.RecordStaleMapping(a, 0x1000, false)
	if !errors.Is(fatal, ErrAckTimeout) {
		t.Errorf("fatal = %v, want %v", fatal, ErrAckTimeout)
	}
}

func TestDispatchErrorPanicsByDefault(t *testing.T) {
	d := &recordingDispatcher{seq: &sequence{}, err: ErrAckTimeout}
	a := &testAS{name: "mm_a"}
	l := NewEngine(Opts{Dispatcher: d, Tags: staticTags{a: 1}}).Local(cpu.New(0, -1))
	defer func() {
		if r := recover(); r == nil || !strings.Contains(fmt.Sprint(r), ErrAckTimeout.Error()) {
			t.Errorf("recover() = %v, want ack timeout panic", r)
		}
	}()
	l.RecordStaleMapping(a, 0x1000, false)
}

func TestEngineLocalIsPerCPU(t *testing.T) {
	e := NewEngine(Opts{Dispatcher: &recordingDispatcher{seq: &sequence{}}, Tags: staticTags{}})
	c0, c1 := cpu.New(0, -1), cpu.New(1, -1)
	if e.Local(c0) != e.Local(c0) {
		t.Errorf("Local(c0) not stable")
	}
	if e.Local(c0) == e.Local(c1) {
		t.Errorf("Local shared between CPUs")
	}
	if got := e.Local(c0).Batch().Cap(); got != DefaultBatchSize {
		t.Errorf("batch capacity = %d, want %d", got, DefaultBatchSize)
	}
}

func TestInterruptsRestoredAfterRecord(t *testing.T) {
	h := newHarness(t, 2, nil, nil)
	h.local.EnterLazyMode()
	h.local.RecordStaleMapping(h.a, 0x1000, false)
	h.local.RecordStaleMapping(h.a, 0x2000, false)
	h.local.LeaveLazyMode()
	if h.local.CPU().InterruptsDisabled() {
		t.Errorf("interrupts left disabled")
	}
}
