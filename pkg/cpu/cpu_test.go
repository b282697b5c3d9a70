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

package cpu

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func onlineCPU(t *testing.T) *CPU {
	t.Helper()
	c := New(0, -1)
	c.Online()
	t.Cleanup(c.Offline)
	s := &Set{cpus: []*CPU{c}}
	if err := s.WaitOnline(5 * time.Second); err != nil {
		t.Fatalf("WaitOnline failed: %v", err)
	}
	return c
}

func TestCall(t *testing.T) {
	c := onlineCPU(t)
	var ran *CPU
	if err := c.Call(context.Background(), func(target *CPU) { ran = target }); err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if ran != c {
		t.Errorf("call ran on %v, want %v", ran, c)
	}
	if got := c.Delivered(); got != 1 {
		t.Errorf("Delivered() = %d, want 1", got)
	}
}

func TestInterruptsHoldOffCalls(t *testing.T) {
	c := onlineCPU(t)

	g := c.DisableInterrupts()
	var ran atomic.Bool
	done := make(chan error, 1)
	go func() {
		done <- c.Call(context.Background(), func(*CPU) { ran.Store(true) })
	}()

	time.Sleep(20 * time.Millisecond)
	if ran.Load() {
		t.Fatalf("call delivered while interrupts were disabled")
	}
	g.Restore()

	if err := <-done; err != nil {
		t.Fatalf("Call failed: %v", err)
	}
	if !ran.Load() {
		t.Errorf("call not delivered after interrupts were restored")
	}
}

func TestNestedInterruptGuard(t *testing.T) {
	c := New(0, -1)
	outer := c.DisableInterrupts()
	inner := c.DisableInterrupts()
	inner.Restore()
	if !c.InterruptsDisabled() {
		t.Fatalf("inner Restore re-enabled interrupts")
	}
	outer.Restore()
	if c.InterruptsDisabled() {
		t.Fatalf("outer Restore left interrupts disabled")
	}
}

func TestInterruptGuardReleasedOnPanic(t *testing.T) {
	c := New(0, -1)
	func() {
		defer func() { recover() }()
		c.WithInterruptsDisabled(func() { panic("boom") })
	}()
	if c.InterruptsDisabled() {
		t.Fatalf("interrupts still disabled after panic")
	}
}

func TestCallOffline(t *testing.T) {
	c := New(0, -1)
	if err := c.Call(context.Background(), func(*CPU) {}); !errors.Is(err, ErrOffline) {
		t.Errorf("Call on offline CPU = %v, want %v", err, ErrOffline)
	}

	c.Online()
	c.Offline()
	if c.IsOnline() {
		t.Errorf("IsOnline() = true after Offline")
	}
	if err := c.Call(context.Background(), func(*CPU) {}); !errors.Is(err, ErrOffline) {
		t.Errorf("Call after Offline = %v, want %v", err, ErrOffline)
	}
}

func TestCallContextDeadline(t *testing.T) {
	c := onlineCPU(t)
	g := c.DisableInterrupts()
	defer g.Restore()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if err := c.Call(ctx, func(*CPU) {}); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Call = %v, want %v", err, context.DeadlineExceeded)
	}
}

func TestMask(t *testing.T) {
	var m Mask
	for _, id := range []ID{3, 0, 130, 64} {
		m.Set(id)
	}
	m.Set(3)
	if got, want := m.IDs(), []ID{0, 3, 64, 130}; !cmp.Equal(got, want) {
		t.Errorf("IDs() = %v, want %v", got, want)
	}
	if got := m.Count(); got != 4 {
		t.Errorf("Count() = %d, want 4", got)
	}
	m.Clear(64)
	m.Clear(1000)
	if m.Has(64) || !m.Has(130) {
		t.Errorf("unexpected membership after Clear: %v", m.IDs())
	}
	m.Reset()
	if got := m.Count(); got != 0 {
		t.Errorf("Count() after Reset = %d, want 0", got)
	}
}

func TestSetWaitOnline(t *testing.T) {
	s := NewSet(4, false, 0)
	s.Online()
	defer s.Offline()
	if err := s.WaitOnline(5 * time.Second); err != nil {
		t.Fatalf("WaitOnline failed: %v", err)
	}
	for _, c := range s.All() {
		if !c.IsOnline() {
			t.Errorf("%v not online", c)
		}
	}
}
