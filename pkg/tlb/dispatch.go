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
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"
	"shootdown.dev/shootdown/pkg/cpu"
	"shootdown.dev/shootdown/pkg/log"
)

// ErrAckTimeout is returned when a targeted CPU does not acknowledge an
// invalidation in time. It is fatal: continuing would allow a stale
// translation to be used.
var ErrAckTimeout = errors.New("cpu did not acknowledge invalidation")

// DefaultAckTimeout is the default time an SMPDispatcher waits for every
// targeted CPU to acknowledge.
const DefaultAckTimeout = 10 * time.Second

// Request is a single invalidation request.
type Request struct {
	// From is the CPU issuing the request. It may be nil for requests
	// issued outside of any CPU.
	From *cpu.CPU

	// AS is the address space whose translations are invalidated.
	AS AddressSpace

	// Tag is AS's context tag.
	Tag ContextTag

	// Shift is the page size shift of Entries.
	Shift uint

	// Entries are the translations to invalidate. The slice is owned by
	// the request and must not be retained after the call returns.
	Entries []Entry
}

// Dispatcher performs invalidations on every CPU that may hold the
// translations. Each method returns only once every targeted CPU has
// acknowledged.
//
// Dispatcher methods must be called with local interrupts enabled.
type Dispatcher interface {
	// InvalidatePage invalidates the single entry in r.
	InvalidatePage(r *Request) error

	// BroadcastInvalidate invalidates every entry in r.
	BroadcastInvalidate(r *Request) error

	// InvalidateContext invalidates every translation for tag on every
	// online CPU.
	InvalidateContext(from *cpu.CPU, tag ContextTag) error
}

// Hotplug is the CPU hotplug collaborator.
type Hotplug interface {
	// Unresponsive is called when target could not be reached. It
	// returns nil if target is known to be quiesced (it runs no address
	// space and will flush its TLB before it is brought back online), and
	// an error otherwise.
	Unresponsive(target *cpu.CPU, err error) error
}

// QuiescedHotplug is a Hotplug that accepts any offline CPU as quiesced.
type QuiescedHotplug struct{}

// Unresponsive implements Hotplug.Unresponsive.
func (QuiescedHotplug) Unresponsive(target *cpu.CPU, err error) error {
	if errors.Is(err, cpu.ErrOffline) && !target.IsOnline() {
		return nil
	}
	return err
}

// SMPDispatcher is a Dispatcher that delivers invalidations to CPUs as
// inter-processor calls. Invalidations targeting the issuing CPU are
// performed directly, with local interrupts disabled.
type SMPDispatcher struct {
	cpus    *cpu.Set
	tlbs    []Invalidator
	hotplug Hotplug

	// AckTimeout bounds the wait for acknowledgements.
	AckTimeout time.Duration
}

// NewSMPDispatcher returns a dispatcher for the given CPUs. tlbs[i] is the
// translation cache of the CPU with ID i.
func NewSMPDispatcher(cpus *cpu.Set, tlbs []Invalidator, hotplug Hotplug) *SMPDispatcher {
	if len(tlbs) != cpus.Len() {
		panic(fmt.Sprintf("tlb.NewSMPDispatcher: %d TLBs for %d CPUs", len(tlbs), cpus.Len()))
	}
	if hotplug == nil {
		hotplug = QuiescedHotplug{}
	}
	return &SMPDispatcher{
		cpus:       cpus,
		tlbs:       tlbs,
		hotplug:    hotplug,
		AckTimeout: DefaultAckTimeout,
	}
}

// InvalidatePage implements Dispatcher.InvalidatePage.
func (d *SMPDispatcher) InvalidatePage(r *Request) error {
	if len(r.Entries) != 1 {
		panic(fmt.Sprintf("tlb.InvalidatePage: %d entries", len(r.Entries)))
	}
	e := r.Entries[0]
	return d.run(r.From, r.AS.CPUs().IDs(), func(inv Invalidator) {
		inv.FlushPage(r.Tag, e, r.Shift)
	})
}

// BroadcastInvalidate implements Dispatcher.BroadcastInvalidate.
func (d *SMPDispatcher) BroadcastInvalidate(r *Request) error {
	return d.run(r.From, r.AS.CPUs().IDs(), func(inv Invalidator) {
		for _, e := range r.Entries {
			inv.FlushPage(r.Tag, e, r.Shift)
		}
	})
}

// InvalidateContext implements Dispatcher.InvalidateContext.
func (d *SMPDispatcher) InvalidateContext(from *cpu.CPU, tag ContextTag) error {
	ids := make([]cpu.ID, d.cpus.Len())
	for i := range ids {
		ids[i] = cpu.ID(i)
	}
	return d.run(from, ids, func(inv Invalidator) {
		inv.FlushContext(tag)
	})
}

// Online flushes the CPU's translation cache and brings it online. The CPU
// must be offline.
func (d *SMPDispatcher) Online(id cpu.ID) {
	c := d.cpus.CPU(id)
	if c.IsOnline() {
		panic(fmt.Sprintf("tlb.Online: %v already online", c))
	}
	d.tlbs[id].FlushAll()
	c.Online()
}

// run performs fn on every target and waits for all of them.
func (d *SMPDispatcher) run(from *cpu.CPU, targets []cpu.ID, fn func(Invalidator)) error {
	ctx, cancel := context.WithTimeout(context.Background(), d.AckTimeout)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for _, id := range targets {
		if from != nil && id == from.ID() {
			from.WithInterruptsDisabled(func() { fn(d.tlbs[id]) })
			continue
		}
		target := d.cpus.CPU(id)
		inv := d.tlbs[id]
		ipisSent.Increment()
		g.Go(func() error {
			err := target.Call(ctx, func(*cpu.CPU) { fn(inv) })
			switch {
			case err == nil:
				return nil
			case errors.Is(err, cpu.ErrOffline):
				if herr := d.hotplug.Unresponsive(target, err); herr != nil {
					return fmt.Errorf("%v: %w", target, herr)
				}
				offlineTargets.Increment()
				log.Debugf("%v offline, skipping invalidation", target)
				return nil
			case errors.Is(err, context.DeadlineExceeded):
				return fmt.Errorf("%v: %w", target, ErrAckTimeout)
			default:
				return fmt.Errorf("%v: %w", target, err)
			}
		})
	}
	return g.Wait()
}
