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

// InterruptGuard is a saved local interrupt state. Restore returns the CPU to
// the state it was in when the guard was taken; guards nest.
//
// Typical use:
//
//	g := c.DisableInterrupts()
//	defer g.Restore()
type InterruptGuard struct {
	c       *CPU
	restore bool
}

// DisableInterrupts disables delivery of calls to c until the returned
// guard is restored.
//
// Precondition: the caller is c's own control flow.
func (c *CPU) DisableInterrupts() InterruptGuard {
	if c.irqOff {
		return InterruptGuard{c: c}
	}
	c.irq.Lock()
	c.irqOff = true
	return InterruptGuard{c: c, restore: true}
}

// Restore restores the interrupt state saved in g.
func (g InterruptGuard) Restore() {
	if !g.restore {
		return
	}
	g.c.irqOff = false
	g.c.irq.Unlock()
}

// InterruptsDisabled returns true if the CPU's own control flow currently has
// interrupts disabled.
//
// Precondition: the caller is c's own control flow.
func (c *CPU) InterruptsDisabled() bool {
	return c.irqOff
}

// WithInterruptsDisabled runs fn with interrupts disabled on c.
func (c *CPU) WithInterruptsDisabled(fn func()) {
	g := c.DisableInterrupts()
	defer g.Restore()
	fn()
}
