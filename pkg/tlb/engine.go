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
	"fmt"
	"sync"
	"time"

	"shootdown.dev/shootdown/pkg/cpu"
	"shootdown.dev/shootdown/pkg/hostarch"
	"shootdown.dev/shootdown/pkg/log"
)

// Opts are Engine options.
type Opts struct {
	// BatchSize is the capacity of each CPU's batch. Zero means
	// DefaultBatchSize.
	BatchSize int

	// Dispatcher performs invalidations. It is required.
	Dispatcher Dispatcher

	// Tags provides context tags. It is required.
	Tags ContextTagProvider

	// Alias is the cache alias guard. Nil means the data cache does not
	// alias.
	Alias *AliasGuard

	// Fatal is called when an invalidation cannot be completed. It must
	// not return normally; nil means panic.
	Fatal func(err error)
}

// Engine is the system-wide batching state: its collaborators and the set
// of per-CPU batches.
type Engine struct {
	batchSize  int
	dispatcher Dispatcher
	tags       ContextTagProvider
	alias      *AliasGuard
	fatal      func(err error)

	// skipLog is rate limited; unscheduled address spaces are routine.
	skipLog log.Logger

	mu     sync.Mutex
	locals map[cpu.ID]*Local
}

// NewEngine returns a new Engine.
func NewEngine(opts Opts) *Engine {
	if opts.Dispatcher == nil || opts.Tags == nil {
		panic("tlb.NewEngine: Dispatcher and Tags are required")
	}
	e := &Engine{
		batchSize:  opts.BatchSize,
		dispatcher: opts.Dispatcher,
		tags:       opts.Tags,
		alias:      opts.Alias,
		fatal:      opts.Fatal,
		skipLog:    log.BasicRateLimitedLogger(time.Second),
		locals:     make(map[cpu.ID]*Local),
	}
	if e.batchSize <= 0 {
		e.batchSize = DefaultBatchSize
	}
	if e.fatal == nil {
		e.fatal = func(err error) { panic(err.Error()) }
	}
	return e
}

// Local returns the per-CPU batching state for c. The returned Local must
// only be used by c's own control flow.
func (e *Engine) Local(c *cpu.CPU) *Local {
	e.mu.Lock()
	defer e.mu.Unlock()
	l, ok := e.locals[c.ID()]
	if !ok {
		l = &Local{
			e:     e,
			cpu:   c,
			batch: newBatch(e.batchSize),
		}
		e.locals[c.ID()] = l
	}
	return l
}

// Dispatcher returns the engine's dispatcher.
func (e *Engine) Dispatcher() Dispatcher {
	return e.dispatcher
}

// Local is a CPU's batching state.
//
// Batch state is only modified with the CPU's interrupts disabled, so that
// it is never observed half-updated by calls delivered to the same CPU.
// Dispatch happens after interrupts are restored, but before the call that
// triggered it returns.
type Local struct {
	e     *Engine
	cpu   *cpu.CPU
	batch Batch
}

// CPU returns the CPU this state belongs to.
func (l *Local) CPU() *cpu.CPU {
	return l.cpu
}

// Batch returns the CPU's batch. It is intended for inspection only.
func (l *Local) Batch() *Batch {
	return &l.batch
}

// EnterLazyMode starts batching. It is idempotent.
func (l *Local) EnterLazyMode() {
	g := l.cpu.DisableInterrupts()
	defer g.Restore()
	l.batch.active = true
}

// LeaveLazyMode stops batching and flushes any pending translations before
// returning.
func (l *Local) LeaveLazyMode() {
	g := l.cpu.DisableInterrupts()
	l.batch.active = false
	p, ok := l.batch.take()
	g.Restore()
	if ok {
		l.flush(p)
	}
}

// RecordStaleMapping records that the base page translation for addr in as
// must no longer be used.
//
// Precondition: addr is page aligned.
func (l *Local) RecordStaleMapping(as AddressSpace, addr hostarch.Addr, exec bool) {
	l.record(as, addr, exec, hostarch.PageShift)
}

// RecordStaleHugeMapping records that the huge page translation for addr in
// as must no longer be used.
//
// Precondition: addr is huge page aligned.
func (l *Local) RecordStaleHugeMapping(as AddressSpace, addr hostarch.Addr, exec bool) {
	l.record(as, addr, exec, hostarch.HugePageShift)
}

// RecordStalePage is RecordStaleMapping for a translation of page p. If the
// data cache could hold lines of p through the addr alias, they are flushed
// before the translation is queued.
func (l *Local) RecordStalePage(as AddressSpace, addr hostarch.Addr, exec bool, p *Page) {
	l.e.alias.MaybeFlushAlias(p, addr)
	l.record(as, addr, exec, hostarch.PageShift)
}

// RecordStaleHugePage is RecordStaleHugeMapping for a translation of the
// base pages in pages, in address order from addr. Aliased cache lines of
// each page are flushed before the translation is queued.
func (l *Local) RecordStaleHugePage(as AddressSpace, addr hostarch.Addr, exec bool, pages []*Page) {
	for i, p := range pages {
		l.e.alias.MaybeFlushAlias(p, addr+hostarch.Addr(i)<<hostarch.PageShift)
	}
	l.record(as, addr, exec, hostarch.HugePageShift)
}

// FlushPending dispatches all pending translations.
func (l *Local) FlushPending() {
	g := l.cpu.DisableInterrupts()
	p, ok := l.batch.take()
	g.Restore()
	if ok {
		l.flush(p)
	}
}

func (l *Local) record(as AddressSpace, addr hostarch.Addr, exec bool, shift uint) {
	if !addr.IsAligned(shift) {
		panic(fmt.Sprintf("tlb.record: address %v not aligned to %#x", addr, uint64(1)<<shift))
	}
	e := Entry{Addr: addr, Exec: exec}
	if _, ok := l.e.tags.Tag(as); !ok {
		// No TLB holds the translation, but the address space's own
		// cache may.
		flushTSB(as, shift, []Entry{e})
		invalidContextSkips.Increment()
		l.e.skipLog.Debugf("%v: dropping stale translation %v for unscheduled address space", l.cpu, addr)
		return
	}

	for _, p := range l.queue(as, shift, e) {
		l.flush(p)
	}
}

// queue adds e to the batch and returns the batches that must be flushed,
// in order.
func (l *Local) queue(as AddressSpace, shift uint, e Entry) []pending {
	g := l.cpu.DisableInterrupts()
	defer g.Restore()

	if !l.batch.active {
		return []pending{{as: as, shift: shift, entries: []Entry{e}}}
	}

	var flushes []pending
	if l.batch.conflicts(as, shift) {
		p, _ := l.batch.take()
		flushes = append(flushes, p)
	}
	l.batch.owner = as
	l.batch.shift = shift
	if l.batch.add(e) {
		p, _ := l.batch.take()
		flushes = append(flushes, p)
	}
	return flushes
}

// flush dispatches p and waits for it to complete.
func (l *Local) flush(p pending) {
	flushTSB(p.as, p.shift, p.entries)
	tag, ok := l.e.tags.Tag(p.as)
	if !ok {
		// The tag was reclaimed after the entries were queued. Reclaim
		// flushes the tag everywhere before it is reused.
		invalidContextSkips.IncrementBy(uint64(len(p.entries)))
		return
	}

	r := &Request{
		From:    l.cpu,
		AS:      p.as,
		Tag:     tag,
		Shift:   p.shift,
		Entries: p.entries,
	}
	var err error
	if len(p.entries) == 1 {
		pageFlushes.Increment()
		err = l.e.dispatcher.InvalidatePage(r)
	} else {
		batchFlushes.Increment()
		err = l.e.dispatcher.BroadcastInvalidate(r)
	}
	entriesFlushed.IncrementBy(uint64(len(p.entries)))
	if err != nil {
		log.Warningf("%v: invalidating %d translations for context %d failed: %v", l.cpu, len(p.entries), tag, err)
		l.e.fatal(fmt.Errorf("tlb flush for context %d: %w", tag, err))
	}
}

// flushTSB purges entries from the software translation cache of as, if it
// has one.
func flushTSB(as AddressSpace, shift uint, entries []Entry) {
	if tsb, ok := as.(TSBFlusher); ok {
		tsb.FlushTSB(shift, entries)
	}
}

// FlushContext invalidates every translation for tag on every CPU. It is used
// when a context tag is recycled.
func (l *Local) FlushContext(tag ContextTag) {
	contextFlushes.Increment()
	if err := l.e.dispatcher.InvalidateContext(l.cpu, tag); err != nil {
		log.Warningf("%v: invalidating context %d failed: %v", l.cpu, tag, err)
		l.e.fatal(fmt.Errorf("tlb context flush for %d: %w", tag, err))
	}
}
