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

	"shootdown.dev/shootdown/pkg/cpu"
	"shootdown.dev/shootdown/pkg/hwtlb"
	"shootdown.dev/shootdown/pkg/mm"
)

// Stale is a cached translation that the page tables no longer permit.
type Stale struct {
	CPU         cpu.ID
	AS          string
	Translation hwtlb.Translation
	Exec        bool
}

// String implements fmt.Stringer.String.
func (s Stale) String() string {
	t := s.Translation
	return fmt.Sprintf("cpu%d %s tag=%d %v shift=%d pfn=%#x %v exec=%v", s.CPU, s.AS, t.Tag, t.Addr, t.Shift, t.PFN, t.Perms, s.Exec)
}

// cached is a TLB entry copied out of a CPU.
type cached struct {
	t    hwtlb.Translation
	exec bool
}

// snapshot copies CPU c's TLB from its handler.
func (m *Machine) snapshot(ctx context.Context, c *cpu.CPU) ([]cached, error) {
	var entries []cached
	err := c.Call(ctx, func(*cpu.CPU) {
		m.tlbs[c.ID()].ForEach(func(t hwtlb.Translation, exec bool) bool {
			entries = append(entries, cached{t, exec})
			return true
		})
	})
	return entries, err
}

// Audit compares every CPU's TLB with the page tables. Translations under
// tags that are not currently assigned cannot be used and are ignored.
//
// Audit must not run concurrently with page-table updates.
func (m *Machine) Audit(ctx context.Context) ([]Stale, error) {
	var stale []Stale
	for _, c := range m.cpus.All() {
		entries, err := m.snapshot(ctx, c)
		if err != nil {
			return nil, fmt.Errorf("reading %v TLB: %w", c, err)
		}
		for _, e := range entries {
			owner, ok := m.contexts.Owner(e.t.Tag)
			if !ok {
				continue
			}
			as := owner.(*mm.AddressSpace)
			if !as.Covers(e.t) {
				stale = append(stale, Stale{CPU: c.ID(), AS: as.String(), Translation: e.t, Exec: e.exec})
			}
		}
	}
	for _, as := range m.spaces {
		if got, want := as.DepositedFragments(), as.HugeMappings(); int64(got) != want {
			return stale, fmt.Errorf("%v: %d fragments deposited for %d huge mappings", as, got, want)
		}
	}
	return stale, nil
}
