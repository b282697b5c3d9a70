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
	"context"
	"errors"
	"math/rand/v2"
	"sort"

	"golang.org/x/sync/errgroup"
	"shootdown.dev/shootdown/pkg/cpu"
	"shootdown.dev/shootdown/pkg/hostarch"
	"shootdown.dev/shootdown/pkg/hwtlb"
	"shootdown.dev/shootdown/pkg/log"
	"shootdown.dev/shootdown/pkg/mm"
	"shootdown.dev/shootdown/pkg/pgtable"
	"shootdown.dev/shootdown/pkg/tlb"
)

// Each CPU owns a region of every address space, and is the only CPU that
// changes mappings in it. Translations are made anywhere.
const (
	regionBase      hostarch.Addr = 0x40000000
	regionHugePages               = 8
	regionPages                   = regionHugePages * hostarch.PagesPerHugePage
	regionSize                    = regionHugePages * hostarch.HugePageSize
)

var (
	mapOpts = []pgtable.MapOpts{
		{AccessType: hostarch.Read, User: true},
		{AccessType: hostarch.ReadWrite, User: true},
		{AccessType: hostarch.AnyAccess, User: true},
	}
	accesses = []hostarch.AccessType{
		hostarch.Read,
		hostarch.Read,
		hostarch.ReadWrite,
		{Read: true, Execute: true},
	}
)

// Report summarizes a workload run.
type Report struct {
	// Phases is the number of completed phases.
	Phases int

	// Ops counts operations by kind. Steps that found their target in the
	// wrong state are counted as "skipped".
	Ops map[string]uint64

	// Faults counts translations refused by the page tables.
	Faults uint64

	// Stale lists the stale translations found by the audits.
	Stale []Stale

	// AliasFlushes counts data cache alias flushes.
	AliasFlushes uint64
}

// OpNames returns the operation kinds in r, sorted.
func (r *Report) OpNames() []string {
	names := make([]string, 0, len(r.Ops))
	for name := range r.Ops {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Run runs the configured workload on every CPU. After each phase, the TLBs
// are audited against the page tables.
//
// Precondition: the machine is started.
func (m *Machine) Run(ctx context.Context) (*Report, error) {
	r := &Report{Ops: make(map[string]uint64)}
	for phase := 0; phase < m.conf.Phases; phase++ {
		workers := make([]*worker, len(m.locals))
		g, gctx := errgroup.WithContext(ctx)
		for i := range workers {
			w := m.newWorker(i, phase)
			workers[i] = w
			g.Go(func() error {
				return w.run(gctx)
			})
		}
		if err := g.Wait(); err != nil {
			return r, err
		}
		for _, w := range workers {
			for name, n := range w.ops {
				r.Ops[name] += n
			}
			r.Faults += w.faults
		}

		stale, err := m.Audit(ctx)
		r.Stale = append(r.Stale, stale...)
		if err != nil {
			return r, err
		}
		r.Phases++
		log.Infof("Phase %d done: %d stale translations, %d fragments in use", phase, len(stale), m.alloc.InUse())
		for _, s := range stale {
			log.Warningf("Stale translation: %v", s)
		}
	}
	r.AliasFlushes = m.AliasFlushes()
	return r, nil
}

// worker is the control flow of a single CPU.
type worker struct {
	m   *Machine
	id  int
	c   *cpu.CPU
	l   *tlb.Local
	b   *hwtlb.TLB
	rng *rand.Rand

	// cur is the running address space, and curIdx its index.
	cur    *mm.AddressSpace
	curIdx int

	base   hostarch.Addr
	ops    map[string]uint64
	faults uint64
}

func (m *Machine) newWorker(id, phase int) *worker {
	c := m.cpus.CPU(cpu.ID(id))
	return &worker{
		m:    m,
		id:   id,
		c:    c,
		l:    m.locals[id],
		b:    m.tlbs[id],
		rng:  rand.New(rand.NewPCG(m.conf.Seed, uint64(phase)<<32|uint64(id))),
		base: regionBase + hostarch.Addr(id)*regionSize,
		ops:  make(map[string]uint64),
	}
}

func (w *worker) run(ctx context.Context) error {
	w.switchTo((w.id + w.rng.IntN(len(w.m.spaces))) % len(w.m.spaces))
	for i := 0; i < w.m.conf.Ops; i++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		w.step()
	}
	return nil
}

func (w *worker) step() {
	switch n := w.rng.IntN(100); {
	case n < 5:
		w.switchTo(w.rng.IntN(len(w.m.spaces)))
	case n < 45:
		w.translate()
	case n < 63:
		w.mapPage()
	case n < 71:
		w.lazyRemap()
	case n < 79:
		w.zap()
	case n < 86:
		w.protect()
	case n < 91:
		w.split()
	case n < 96:
		w.collapse()
	default:
		w.replaceHuge()
	}
}

// locked runs fn with the running address space's page-table lock held.
func (w *worker) locked(fn func()) {
	w.cur.Lock()
	defer w.cur.Unlock()
	fn()
}

func (w *worker) switchTo(idx int) {
	w.cur, w.curIdx = w.m.spaces[idx], idx
	w.cur.Activate(w.l)
	w.ops["activate"]++
}

// ownPage returns a random page in the worker's region.
func (w *worker) ownPage() hostarch.Addr {
	return w.base + hostarch.Addr(w.rng.IntN(regionPages))*hostarch.PageSize
}

// ownHugePage returns a random huge page in the worker's region.
func (w *worker) ownHugePage() hostarch.Addr {
	return w.base + hostarch.Addr(w.rng.IntN(regionHugePages))*hostarch.HugePageSize
}

// ownRange returns a random range of pages in the worker's region.
func (w *worker) ownRange() hostarch.AddrRange {
	start := w.ownPage()
	end := start + hostarch.Addr(1+w.rng.IntN(2*hostarch.PagesPerHugePage))*hostarch.PageSize
	if limit := w.base + regionSize; end > limit {
		end = limit
	}
	return hostarch.AddrRange{Start: start, End: end}
}

// pfn returns a random frame. Frames are partitioned by address space.
func (w *worker) pfn() uint64 {
	return uint64(w.curIdx+1)<<24 | uint64(w.rng.IntN(1<<20))
}

// hugePFN returns a random huge page aligned frame.
func (w *worker) hugePFN() uint64 {
	return uint64(w.curIdx+1)<<24 | uint64(w.rng.IntN(1<<11))*hostarch.PagesPerHugePage
}

func (w *worker) opts() pgtable.MapOpts {
	return mapOpts[w.rng.IntN(len(mapOpts))]
}

func (w *worker) translate() {
	cpus := w.m.cpus.Len()
	addr := regionBase + hostarch.Addr(w.rng.IntN(cpus*regionPages*hostarch.PageSize))
	at := accesses[w.rng.IntN(len(accesses))]
	_, err := w.cur.Translate(w.c, w.b, addr, at)
	if errors.Is(err, mm.ErrNotActive) {
		// Our context tag was taken by another address space.
		w.cur.Activate(w.l)
		_, err = w.cur.Translate(w.c, w.b, addr, at)
	}
	if err != nil {
		w.faults++
	}
	w.ops["translate"]++
}

func (w *worker) mapPage() {
	if w.rng.IntN(100) < w.m.conf.HugePercent {
		addr := w.ownHugePage()
		if !w.cur.PMD(addr).None() {
			w.ops["skipped"]++
			return
		}
		f := w.m.alloc.NewFragment()
		w.locked(func() {
			w.cur.InstallHugeMappingLocked(w.l, addr, w.hugePFN(), w.opts(), f)
		})
		w.ops["install_huge"]++
		return
	}
	w.locked(func() {
		w.cur.MapPageLocked(w.l, w.ownPage(), w.pfn(), w.opts())
	})
	w.ops["map"]++
}

// lazyRemap remaps a burst of pages in lazy mode, so that their stale
// translations are flushed in batches.
func (w *worker) lazyRemap() {
	n := 1 + w.rng.IntN(2*w.m.conf.BatchSize)
	w.locked(func() {
		w.l.EnterLazyMode()
		for i := 0; i < n; i++ {
			w.cur.MapPageLocked(w.l, w.ownPage(), w.pfn(), w.opts())
		}
		w.l.LeaveLazyMode()
	})
	w.ops["lazy_remap"]++
}

func (w *worker) zap() {
	w.cur.ZapRange(w.l, w.ownRange())
	w.ops["zap"]++
}

func (w *worker) protect() {
	w.cur.ProtectRange(w.l, w.ownRange(), accesses[w.rng.IntN(len(accesses))])
	w.ops["protect"]++
}

func (w *worker) split() {
	addr := w.ownHugePage()
	if pmd := w.cur.PMD(addr); !pmd.IsHuge() || !pmd.Valid() {
		w.ops["skipped"]++
		return
	}
	w.locked(func() {
		w.cur.SplitHugeMappingLocked(w.l, addr)
	})
	w.ops["split"]++
}

func (w *worker) collapse() {
	addr := w.ownHugePage()
	if pmd := w.cur.PMD(addr); pmd.IsHuge() || !pmd.Valid() {
		w.ops["skipped"]++
		return
	}
	w.locked(func() {
		w.cur.CollapseHugeMappingLocked(w.l, addr, w.hugePFN(), w.opts())
	})
	w.ops["collapse"]++
}

// replaceHuge moves a huge mapping to another frame: the old entry is
// invalidated before the new one is installed.
func (w *worker) replaceHuge() {
	addr := w.ownHugePage()
	if pmd := w.cur.PMD(addr); !pmd.IsHuge() || !pmd.Valid() {
		w.ops["skipped"]++
		return
	}
	w.locked(func() {
		w.cur.InvalidateHugeMappingLocked(w.l, addr)
		w.cur.UpdateHugeMappingLocked(w.l, addr, pgtable.HugePMD(w.hugePFN(), w.opts()))
	})
	w.ops["replace_huge"]++
}
