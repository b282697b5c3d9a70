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
	"fmt"
	"time"

	"github.com/cenkalti/backoff"
)

// Set is the fixed collection of CPUs in a machine.
type Set struct {
	cpus []*CPU
}

// NewSet returns n offline CPUs with IDs 0 through n-1. If pin is true, CPU i
// is pinned to host CPU i modulo the number of host CPUs.
func NewSet(n int, pin bool, hostCPUs int) *Set {
	s := &Set{cpus: make([]*CPU, n)}
	for i := range s.cpus {
		host := -1
		if pin && hostCPUs > 0 {
			host = i % hostCPUs
		}
		s.cpus[i] = New(ID(i), host)
	}
	return s
}

// Len returns the number of CPUs.
func (s *Set) Len() int {
	return len(s.cpus)
}

// CPU returns the CPU with the given ID.
func (s *Set) CPU(id ID) *CPU {
	return s.cpus[id]
}

// All returns all CPUs.
func (s *Set) All() []*CPU {
	return s.cpus
}

// Online brings every CPU online.
func (s *Set) Online() {
	for _, c := range s.cpus {
		c.Online()
	}
}

// Offline takes every CPU offline.
func (s *Set) Offline() {
	for _, c := range s.cpus {
		c.Offline()
	}
}

// WaitOnline waits until every CPU reports online, or until timeout.
func (s *Set) WaitOnline(timeout time.Duration) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Microsecond
	b.MaxInterval = 10 * time.Millisecond
	b.MaxElapsedTime = timeout

	op := func() error {
		for _, c := range s.cpus {
			if !c.IsOnline() {
				return fmt.Errorf("%v not online yet", c)
			}
		}
		return nil
	}
	return backoff.Retry(op, b)
}
