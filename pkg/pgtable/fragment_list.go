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

package pgtable

// FragmentMapper resolves fragment frame numbers.
type FragmentMapper interface {
	// LookupFragment returns the fragment at frame, or nil.
	LookupFragment(frame uint64) *Fragment
}

// fragmentList is an intrusive list of fragments. Links are stored in the
// fragments' own link slots as frame numbers and resolved through the
// mapper, so the list holds no pointers into fragments it does not own.
//
// Slot 0 holds the next link and slot 1 the previous link; frame 0 is nil.
type fragmentList struct {
	mapper FragmentMapper
	head   uint64
	tail   uint64
}

// Empty returns true iff the list is empty.
func (l *fragmentList) Empty() bool {
	return l.head == 0
}

// Front returns the first fragment of list l or nil.
func (l *fragmentList) Front() *Fragment {
	return l.lookup(l.head)
}

// Back returns the last fragment of list l or nil.
func (l *fragmentList) Back() *Fragment {
	return l.lookup(l.tail)
}

// PushBack inserts f at the back of list l.
func (l *fragmentList) PushBack(f *Fragment) {
	f.setNext(0)
	f.setPrev(l.tail)
	if l.tail != 0 {
		l.lookup(l.tail).setNext(f.frame)
	} else {
		l.head = f.frame
	}

	l.tail = f.frame
}

// Remove removes f from l. The link slots of f are left as they were.
func (l *fragmentList) Remove(f *Fragment) {
	prev := f.prev()
	next := f.next()

	if prev != 0 {
		l.lookup(prev).setNext(next)
	} else if l.head == f.frame {
		l.head = next
	}

	if next != 0 {
		l.lookup(next).setPrev(prev)
	} else if l.tail == f.frame {
		l.tail = prev
	}
}

func (l *fragmentList) lookup(frame uint64) *Fragment {
	if frame == 0 {
		return nil
	}
	f := l.mapper.LookupFragment(frame)
	if f == nil {
		panic("pgtable: fragment list links to unknown frame")
	}
	return f
}

func (f *Fragment) next() uint64 {
	return linkFrame(f.PTEs[0])
}

func (f *Fragment) prev() uint64 {
	return linkFrame(f.PTEs[1])
}

func (f *Fragment) setNext(frame uint64) {
	f.PTEs[0] = linkPTE(frame)
}

func (f *Fragment) setPrev(frame uint64) {
	f.PTEs[1] = linkPTE(frame)
}
