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
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"shootdown.dev/shootdown/pkg/cpu"
	"shootdown.dev/shootdown/pkg/hostarch"
	"shootdown.dev/shootdown/pkg/hwtlb"
	"shootdown.dev/shootdown/pkg/tlb"
	"shootdown.dev/shootdown/tlbsim/config"
)

func testConfig() *config.Config {
	c := config.Default()
	c.CPUs = 3
	c.AddressSpaces = 3
	c.ContextTags = 2
	c.BatchSize = 4
	c.AliasBit = 13
	c.Phases = 2
	c.Ops = 300
	c.AckTimeout = 10 * time.Second
	return c
}

func startMachine(t *testing.T, conf *config.Config) *Machine {
	t.Helper()
	m := New(conf, nil)
	if err := m.Start(); err != nil {
		t.Fatalf("Start(): %v", err)
	}
	t.Cleanup(m.Stop)
	return m
}

func TestScenario(t *testing.T) {
	res, err := Scenario(t.Context(), config.Default())
	if err != nil {
		t.Fatalf("Scenario(): %v", err)
	}
	var entries []tlb.Entry
	for _, addr := range scenarioPages {
		entries = append(entries, tlb.Entry{Addr: addr})
	}
	want := &ScenarioResult{
		Events: []Event{{
			Kind:    "batch",
			From:    0,
			AS:      "mm_a",
			Tag:     1,
			Shift:   hostarch.PageShift,
			Entries: entries,
		}},
	}
	if diff := cmp.Diff(want, res); diff != "" {
		t.Errorf("Scenario() mismatch (-want +got):\n%s", diff)
	}
}

func TestRunLeavesNoStaleTranslations(t *testing.T) {
	conf := testConfig()
	m := startMachine(t, conf)

	r, err := m.Run(t.Context())
	if err != nil {
		t.Fatalf("Run(): %v", err)
	}
	if r.Phases != conf.Phases {
		t.Errorf("Run() completed %d phases, want %d", r.Phases, conf.Phases)
	}
	for _, s := range r.Stale {
		t.Errorf("stale translation: %v", s)
	}
	var total uint64
	for _, name := range r.OpNames() {
		total += r.Ops[name]
	}
	// Every worker switches to an address space before its first step.
	if want := uint64(conf.CPUs * conf.Phases * (conf.Ops + 1)); total != want {
		t.Errorf("Run() performed %d operations, want %d", total, want)
	}

	m.Stop()
	if n := m.Allocator().InUse(); n != 0 {
		t.Errorf("InUse() after Stop = %d, want 0", n)
	}
}

func TestEveryStepCounted(t *testing.T) {
	conf := testConfig()
	conf.HugePercent = 100
	m := startMachine(t, conf)

	w := m.newWorker(0, 0)
	w.switchTo(0)
	const steps = 500
	for i := 0; i < steps; i++ {
		w.step()
	}
	var total uint64
	for _, n := range w.ops {
		total += n
	}
	if total != steps+1 {
		t.Errorf("ops = %v, total %d, want %d", w.ops, total, steps+1)
	}
	if w.ops["skipped"] == 0 {
		t.Errorf("ops = %v, want some skipped steps", w.ops)
	}
}

func TestRunCancelled(t *testing.T) {
	m := startMachine(t, testConfig())
	ctx, cancel := context.WithCancel(t.Context())
	cancel()
	if _, err := m.Run(ctx); !errors.Is(err, context.Canceled) {
		t.Errorf("Run() with cancelled context = %v, want %v", err, context.Canceled)
	}
}

func TestAudit(t *testing.T) {
	m := startMachine(t, config.Default())
	as := m.AddressSpace(0)
	tag := as.Activate(m.Local(0))

	bogus := hwtlb.Translation{Tag: tag, Addr: 0x1000, Shift: hostarch.PageShift, PFN: 5, Perms: hostarch.Read}
	dormant := hwtlb.Translation{Tag: tag + 3, Addr: 0x1000, Shift: hostarch.PageShift, PFN: 5, Perms: hostarch.Read}
	if err := m.cpus.CPU(0).Call(t.Context(), func(*cpu.CPU) {
		m.TLB(0).Insert(bogus)
		m.TLB(0).Insert(dormant)
	}); err != nil {
		t.Fatalf("Call(): %v", err)
	}

	stale, err := m.Audit(t.Context())
	if err != nil {
		t.Fatalf("Audit(): %v", err)
	}
	want := []Stale{{CPU: 0, AS: "mm_a", Translation: bogus}}
	if diff := cmp.Diff(want, stale); diff != "" {
		t.Errorf("Audit() mismatch (-want +got):\n%s", diff)
	}
}

func TestEventString(t *testing.T) {
	for _, tc := range []struct {
		e    Event
		want string
	}{
		{
			Event{Kind: "batch", From: 0, AS: "mm_a", Tag: 1, Shift: hostarch.PageShift, Entries: []tlb.Entry{{Addr: 0x1000}, {Addr: 0x2000, Exec: true}}},
			"cpu0 batch mm_a tag=1 4K [0x1000 0x2000(x)]",
		},
		{
			Event{Kind: "page", From: 2, AS: "mm_b", Tag: 4, Shift: hostarch.HugePageShift, Entries: []tlb.Entry{{Addr: 0x200000}}},
			"cpu2 page mm_b tag=4 2M [0x200000]",
		},
		{
			Event{Kind: "context", From: 1, Tag: 3},
			"cpu1 context tag=3",
		},
	} {
		if got := tc.e.String(); got != tc.want {
			t.Errorf("String() = %q, want %q", got, tc.want)
		}
	}
}
