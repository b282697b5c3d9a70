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

import "shootdown.dev/shootdown/pkg/metric"

var (
	fragmentsDeposited = metric.MustCreateNewUint64Metric("/pgtable/fragments_deposited", true,
		"Number of fragments deposited in huge mapping pools.")
	fragmentsWithdrawn = metric.MustCreateNewUint64Metric("/pgtable/fragments_withdrawn", true,
		"Number of fragments withdrawn from huge mapping pools.")
	fragmentsAllocated = metric.MustCreateNewUint64Metric("/pgtable/fragments_allocated", true,
		"Number of fragments handed out by the runtime allocator.")
	fragmentsFreed = metric.MustCreateNewUint64Metric("/pgtable/fragments_freed", true,
		"Number of fragments returned to the runtime allocator.")
)
