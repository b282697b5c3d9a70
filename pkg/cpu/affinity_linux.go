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

//go:build linux
// +build linux

package cpu

import "golang.org/x/sys/unix"

// pinToHost binds the calling thread to the given host CPU.
func pinToHost(hostCPU int) error {
	var set unix.CPUSet
	set.Zero()
	set.Set(hostCPU)
	return unix.SchedSetaffinity(0, &set)
}

// HostCPUs returns the number of host CPUs the process may run on.
func HostCPUs() int {
	var set unix.CPUSet
	if err := unix.SchedGetaffinity(0, &set); err != nil {
		return 0
	}
	return set.Count()
}
