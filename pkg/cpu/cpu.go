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

// Package cpu models the processors that hold translations: each CPU has a
// local interrupt state, an inter-processor call mailbox serviced by its own
// handler, and an online/offline lifecycle.
//
// A CPU's control flow (the goroutine that owns its per-CPU state) disables
// interrupts with DisableInterrupts. While interrupts are disabled, calls
// delivered to the CPU by other processors are held off, exactly as a
// flush-delivery interrupt would be.
package cpu

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"

	"shootdown.dev/shootdown/pkg/log"
)

// ID identifies a CPU.
type ID uint32

// ErrOffline is returned by Call when the target CPU is offline or goes
// offline before servicing the call.
var ErrOffline = errors.New("cpu is offline")

// callQueueDepth is the number of calls that may be queued on a CPU before
// senders block.
const callQueueDepth = 16

const (
	stateOffline uint32 = iota
	stateStarting
	stateOnline
)

// call is a single inter-processor call.
type call struct {
	fn   func(*CPU)
	done chan struct{}
}

// epoch is the lifetime of a single online period of a CPU.
type epoch struct {
	calls   chan *call
	stop    chan struct{}
	stopped chan struct{}
}

// CPU is a simulated processor.
type CPU struct {
	id ID

	// hostCPU is the host CPU the handler thread is pinned to, or -1.
	hostCPU int

	// irq is held while local interrupts are disabled, and by the handler
	// while a call is being delivered.
	irq sync.Mutex

	// irqOff is true while the CPU's own control flow holds irq. It is only
	// accessed by that control flow.
	irqOff bool

	// state is the online state.
	state atomic.Uint32

	// delivered counts calls serviced by the handler.
	delivered atomic.Uint64

	// mu protects cur.
	mu  sync.Mutex
	cur *epoch
}

// New returns a new, offline CPU. If hostCPU is non-negative, the CPU's
// handler thread is pinned to that host CPU while it is online.
func New(id ID, hostCPU int) *CPU {
	return &CPU{id: id, hostCPU: hostCPU}
}

// ID returns the CPU identifier.
func (c *CPU) ID() ID {
	return c.id
}

// String implements fmt.Stringer.String.
func (c *CPU) String() string {
	return fmt.Sprintf("cpu%d", c.id)
}

// IsOnline returns true if the CPU is servicing calls.
func (c *CPU) IsOnline() bool {
	return c.state.Load() == stateOnline
}

// Delivered returns the number of calls the CPU has serviced.
func (c *CPU) Delivered() uint64 {
	return c.delivered.Load()
}

// Online starts the CPU's call handler. It returns immediately; the CPU is
// online once IsOnline reports true.
func (c *CPU) Online() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cur != nil {
		return
	}
	e := &epoch{
		calls:   make(chan *call, callQueueDepth),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
	c.cur = e
	c.state.Store(stateStarting)
	go c.handle(e) // S/R-SAFE: stopped by Offline.
}

// Offline stops the CPU's call handler and waits for it to exit. Calls that
// were queued but not serviced fail with ErrOffline.
//
// The caller is responsible for ensuring the CPU is quiesced: it must not be
// running any address space whose translations it may still hold.
func (c *CPU) Offline() {
	c.mu.Lock()
	e := c.cur
	c.cur = nil
	c.mu.Unlock()
	if e == nil {
		return
	}
	c.state.Store(stateOffline)
	close(e.stop)
	<-e.stopped
}

func (c *CPU) handle(e *epoch) {
	defer close(e.stopped)
	if c.hostCPU >= 0 {
		runtime.LockOSThread()
		defer runtime.UnlockOSThread()
		if err := pinToHost(c.hostCPU); err != nil {
			log.Warningf("%v: unable to pin to host CPU %d: %v", c, c.hostCPU, err)
		}
	}
	c.state.CompareAndSwap(stateStarting, stateOnline)
	for {
		select {
		case cl := <-e.calls:
			c.irq.Lock()
			cl.fn(c)
			c.irq.Unlock()
			c.delivered.Add(1)
			close(cl.done)
		case <-e.stop:
			return
		}
	}
}

// Call runs fn on the CPU's handler, with the CPU's interrupts disabled, and
// waits for it to complete.
//
// Call must not be invoked by a control flow that has interrupts disabled on
// any CPU that could in turn be calling it; doing so may deadlock.
func (c *CPU) Call(ctx context.Context, fn func(*CPU)) error {
	c.mu.Lock()
	e := c.cur
	c.mu.Unlock()
	if e == nil {
		return ErrOffline
	}

	cl := &call{fn: fn, done: make(chan struct{})}
	select {
	case e.calls <- cl:
	case <-e.stopped:
		return ErrOffline
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-cl.done:
		return nil
	case <-e.stopped:
		// The handler may have completed the call just before exiting.
		select {
		case <-cl.done:
			return nil
		default:
			return ErrOffline
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}
