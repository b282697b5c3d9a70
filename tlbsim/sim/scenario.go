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
	"fmt"
	"sync"

	"shootdown.dev/shootdown/pkg/cpu"
	"shootdown.dev/shootdown/pkg/hostarch"
	"shootdown.dev/shootdown/pkg/log"
	"shootdown.dev/shootdown/pkg/pgtable"
	"shootdown.dev/shootdown/tlbsim/config"
)

// ScenarioResult is the outcome of Scenario.
type ScenarioResult struct {
	// Events are the invalidation requests issued while unmapping.
	Events []Event

	// Remaining lists the unmapped pages still cached by the other CPU.
	Remaining []hostarch.Addr
}

// scenarioPages are the pages mapped, cached and then unmapped by Scenario.
var scenarioPages = []hostarch.Addr{0x1000, 0x2000, 0x3000, 0x4000, 0x5000}

// Scenario runs mm_a on two CPUs, caches five of its pages on CPU 1, and
// unmaps them from CPU 0 in lazy mode. The unmap is expected to issue a
// single batched invalidation carrying all five pages under mm_a's tag,
// after which CPU 1 caches none of them.
//
// Only the timeout and batch size settings of conf are used.
func Scenario(ctx context.Context, conf *config.Config) (*ScenarioResult, error) {
	c := *conf
	c.CPUs = 2
	c.AddressSpaces = 1
	c.AliasBit = 0

	var (
		mu        sync.Mutex
		recording bool
		res       ScenarioResult
	)
	m := New(&c, func(e Event) {
		mu.Lock()
		defer mu.Unlock()
		if recording {
			res.Events = append(res.Events, e)
		}
	})
	if err := m.Start(); err != nil {
		return nil, err
	}
	defer m.Stop()

	as := m.AddressSpace(0)
	l0, l1 := m.Local(0), m.Local(1)
	as.Activate(l0)
	tag := as.Activate(l1)
	log.Infof("%v runs on cpu0 and cpu1 with context tag %d", as, tag)

	as.Lock()
	for i, addr := range scenarioPages {
		as.MapPageLocked(l0, addr, uint64(0x100+i), pgtable.MapOpts{AccessType: hostarch.ReadWrite, User: true})
	}
	as.Unlock()
	for _, addr := range scenarioPages {
		if _, err := as.Translate(m.cpus.CPU(1), m.TLB(1), addr, hostarch.Read); err != nil {
			return nil, fmt.Errorf("translating %v on cpu1: %w", addr, err)
		}
	}

	mu.Lock()
	recording = true
	mu.Unlock()
	as.ZapRange(l0, hostarch.AddrRange{Start: scenarioPages[0], End: scenarioPages[len(scenarioPages)-1] + hostarch.PageSize})
	mu.Lock()
	recording = false
	mu.Unlock()

	cpu1 := m.cpus.CPU(1)
	if err := cpu1.Call(ctx, func(*cpu.CPU) {
		for _, addr := range scenarioPages {
			if m.TLB(1).Contains(tag, addr) {
				res.Remaining = append(res.Remaining, addr)
			}
		}
	}); err != nil {
		return nil, fmt.Errorf("inspecting cpu1: %w", err)
	}
	return &res, nil
}
