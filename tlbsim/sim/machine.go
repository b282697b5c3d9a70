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

// Package sim simulates a multiprocessor running address spaces whose
// translations are cached in per-CPU TLBs and kept coherent by batched
// shootdowns.
package sim

import (
	"fmt"
	"sync/atomic"

	"shootdown.dev/shootdown/pkg/cleanup"
	"shootdown.dev/shootdown/pkg/cpu"
	"shootdown.dev/shootdown/pkg/hwtlb"
	"shootdown.dev/shootdown/pkg/log"
	"shootdown.dev/shootdown/pkg/mm"
	"shootdown.dev/shootdown/pkg/pgtable"
	"shootdown.dev/shootdown/pkg/tlb"
	"shootdown.dev/shootdown/tlbsim/config"
)

// pages describes simulated physical memory. Every fourth frame is
// anonymous; the rest are file backed.
type pages struct{}

// Page implements mm.Pages.Page.
func (pages) Page(pfn uint64) *tlb.Page {
	return &tlb.Page{PFN: pfn, Anon: pfn%4 == 0}
}

// aliasCounter stands in for the data cache: it counts alias flushes.
type aliasCounter struct {
	n atomic.Uint64
}

// FlushDCachePage implements tlb.CacheFlusher.FlushDCachePage.
func (a *aliasCounter) FlushDCachePage(*tlb.Page) {
	a.n.Add(1)
}

// Machine is a simulated machine.
type Machine struct {
	conf *config.Config

	cpus       *cpu.Set
	tlbs       []*hwtlb.TLB
	dispatcher *tlb.SMPDispatcher
	engine     *tlb.Engine
	contexts   *tlb.Contexts
	alloc      *pgtable.RuntimeAllocator
	aliases    aliasCounter

	// locals[i] is CPU i's batching state.
	locals []*tlb.Local

	spaces []*mm.AddressSpace

	// stop releases the resources acquired by Start.
	stop func()
}

// New builds an offline machine as described by conf. If trace is not nil,
// it is called for every invalidation request before it is performed.
func New(conf *config.Config, trace func(Event)) *Machine {
	m := &Machine{
		conf:     conf,
		cpus:     cpu.NewSet(conf.CPUs, conf.Pin, cpu.HostCPUs()),
		contexts: tlb.NewContexts(mm.KernelTag+1, conf.ContextTags),
		alloc:    pgtable.NewRuntimeAllocator(),
	}
	invs := make([]tlb.Invalidator, conf.CPUs)
	for i := range invs {
		b := hwtlb.New()
		m.tlbs = append(m.tlbs, b)
		invs[i] = b
	}
	m.dispatcher = tlb.NewSMPDispatcher(m.cpus, invs, nil)
	m.dispatcher.AckTimeout = conf.AckTimeout

	var d tlb.Dispatcher = m.dispatcher
	if trace != nil {
		d = &tracer{next: d, fn: trace}
	}
	var alias *tlb.AliasGuard
	if conf.AliasBit != 0 {
		alias = tlb.NewAliasGuard(tlb.AliasBit(conf.AliasBit), &m.aliases)
	}
	m.engine = tlb.NewEngine(tlb.Opts{
		BatchSize:  conf.BatchSize,
		Dispatcher: d,
		Tags:       m.contexts,
		Alias:      alias,
	})
	for _, c := range m.cpus.All() {
		m.locals = append(m.locals, m.engine.Local(c))
	}
	for i := 0; i < conf.AddressSpaces; i++ {
		m.spaces = append(m.spaces, mm.New(mm.Opts{
			Name:      fmt.Sprintf("mm_%c", 'a'+i%26),
			Allocator: m.alloc,
			Contexts:  m.contexts,
			Pages:     pages{},
		}))
	}
	return m
}

// Start brings every CPU online.
func (m *Machine) Start() error {
	m.cpus.Online()
	cu := cleanup.Make(m.cpus.Offline)
	defer cu.Clean()
	if err := m.cpus.WaitOnline(m.conf.AckTimeout); err != nil {
		return fmt.Errorf("bringing CPUs online: %w", err)
	}
	m.stop = cu.Release()
	log.Infof("Machine started: %d CPUs, %d address spaces, %d context tags, batch size %d", m.conf.CPUs, len(m.spaces), m.conf.ContextTags, m.conf.BatchSize)
	return nil
}

// Stop releases every address space and takes the CPUs offline. It must not
// be called while a workload is running.
func (m *Machine) Stop() {
	if m.stop == nil {
		return
	}
	for _, as := range m.spaces {
		as.Release(m.locals[0])
	}
	if n := m.alloc.InUse(); n != 0 {
		log.Warningf("%d page-table fragments still allocated after release", n)
	}
	m.stop()
	m.stop = nil
}

// CPUs returns the number of CPUs.
func (m *Machine) CPUs() int {
	return m.cpus.Len()
}

// AddressSpace returns address space i.
func (m *Machine) AddressSpace(i int) *mm.AddressSpace {
	return m.spaces[i]
}

// Local returns CPU id's batching state.
func (m *Machine) Local(id cpu.ID) *tlb.Local {
	return m.locals[id]
}

// TLB returns CPU id's TLB. It may only be accessed from the CPU's handler
// or while the CPU is offline.
func (m *Machine) TLB(id cpu.ID) *hwtlb.TLB {
	return m.tlbs[id]
}

// Allocator returns the page-table fragment allocator.
func (m *Machine) Allocator() *pgtable.RuntimeAllocator {
	return m.alloc
}

// AliasFlushes returns the number of data cache alias flushes.
func (m *Machine) AliasFlushes() uint64 {
	return m.aliases.n.Load()
}
