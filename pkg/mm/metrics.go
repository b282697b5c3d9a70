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

package mm

import "shootdown.dev/shootdown/pkg/metric"

var (
	hugeSplits = metric.MustCreateNewUint64Metric("/mm/huge_splits", true,
		"Number of huge mappings split into table mappings.")
	hugeCollapses = metric.MustCreateNewUint64Metric("/mm/huge_collapses", true,
		"Number of table mappings collapsed into huge mappings.")
	hugeZaps = metric.MustCreateNewUint64Metric("/mm/huge_zaps", true,
		"Number of huge mappings unmapped.")
	tlbMisses = metric.MustCreateNewUint64Metric("/mm/tlb_misses", true,
		"Number of translations that missed the CPU's TLB.")
	tsbHits = metric.MustCreateNewUint64Metric("/mm/tsb_hits", true,
		"Number of TLB misses served from the software translation cache.")
	pageWalks = metric.MustCreateNewUint64Metric("/mm/page_walks", true,
		"Number of TLB misses served by walking the page tables.")
)
