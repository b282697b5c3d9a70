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
	"sync"
)

// ContextTagProvider maps address spaces to context tags.
type ContextTagProvider interface {
	// Tag returns the tag currently assigned to as. It returns false if
	// as has never been scheduled or its tag was reclaimed, in which case
	// no TLB can hold a translation for as under its current identity.
	// A recycled tag is not returned until it has been flushed.
	Tag(as AddressSpace) (ContextTag, bool)
}

// contextEntry is the assignment state of a single tag.
type contextEntry struct {
	owner AddressSpace

	// lastUse orders assignments for reclaim.
	lastUse uint64

	// used is true if the tag has ever been assigned, in which case stale
	// translations may remain for it.
	used bool

	// unflushed is true from the reassignment of a used tag until
	// MarkFlushed. The tag is not valid while unflushed.
	unflushed bool
}

// Contexts is a database of context tags, shared by all CPUs.
//
// Tags are handed out from a fixed pool. When the pool is exhausted the least
// recently assigned tag is reclaimed from its owner.
type Contexts struct {
	mu sync.Mutex

	// start is the first tag in the pool.
	start ContextTag

	// clock is advanced on every assignment.
	clock uint64

	// tags is indexed by tag - start.
	tags []contextEntry

	// assigned maps address spaces to their tags.
	assigned map[AddressSpace]ContextTag
}

// NewContexts returns a new database of size tags, starting at start. Tag
// values below start are reserved (for example, for the kernel).
func NewContexts(start ContextTag, size int) *Contexts {
	if size <= 0 {
		panic("tlb.NewContexts: empty tag pool")
	}
	return &Contexts{
		start:    start,
		tags:     make([]contextEntry, size),
		assigned: make(map[AddressSpace]ContextTag),
	}
}

// Tag implements ContextTagProvider.Tag.
func (c *Contexts) Tag(as AddressSpace) (ContextTag, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tag, ok := c.assigned[as]
	if !ok || c.tags[tag-c.start].unflushed {
		return 0, false
	}
	return tag, true
}

// Assign returns the tag for as, assigning one if necessary.
//
// If recycled is true, the tag may still have translations cached from a
// previous owner. The caller must flush the tag on every CPU and then call
// MarkFlushed; until then Tag reports no tag for as. victim is the address
// space the tag was reclaimed from, if any.
func (c *Contexts) Assign(as AddressSpace) (tag ContextTag, recycled bool, victim AddressSpace) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.clock++
	if tag, ok := c.assigned[as]; ok {
		c.tags[tag-c.start].lastUse = c.clock
		return tag, false, nil
	}

	// Find a free tag, or the least recently used one. This is a simple
	// linear scan; pools are expected to be small.
	idx := -1
	for i := range c.tags {
		if c.tags[i].owner == nil {
			idx = i
			break
		}
		if idx < 0 || c.tags[i].lastUse < c.tags[idx].lastUse {
			idx = i
		}
	}
	e := &c.tags[idx]
	if e.owner != nil {
		victim = e.owner
		delete(c.assigned, victim)
	}
	recycled = e.used
	e.unflushed = recycled
	e.owner = as
	e.used = true
	e.lastUse = c.clock
	tag = c.start + ContextTag(idx)
	c.assigned[as] = tag
	return tag, recycled, victim
}

// MarkFlushed records that a recycled tag has been flushed on every CPU.
func (c *Contexts) MarkFlushed(tag ContextTag) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.tags[tag-c.start].unflushed = false
}

// Owner returns the address space tag is assigned to. It returns false for
// free tags and for recycled tags that have not been flushed yet.
func (c *Contexts) Owner(tag ContextTag) (AddressSpace, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if tag < c.start || int(tag-c.start) >= len(c.tags) {
		return nil, false
	}
	e := &c.tags[tag-c.start]
	if e.owner == nil || e.unflushed {
		return nil, false
	}
	return e.owner, true
}

// Drop releases the tag assigned to as, if any. The tag's translations
// remain cached until it is recycled.
func (c *Contexts) Drop(as AddressSpace) {
	c.mu.Lock()
	defer c.mu.Unlock()
	tag, ok := c.assigned[as]
	if !ok {
		return
	}
	delete(c.assigned, as)
	c.tags[tag-c.start].owner = nil
}

// Len returns the number of assigned tags.
func (c *Contexts) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.assigned)
}
