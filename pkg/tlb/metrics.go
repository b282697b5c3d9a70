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

import "shootdown.dev/shootdown/pkg/metric"

var (
	pageFlushes = metric.MustCreateNewUint64Metric("/tlb/page_flushes", true,
		"Number of single-translation invalidations dispatched.")
	batchFlushes = metric.MustCreateNewUint64Metric("/tlb/batch_flushes", true,
		"Number of multi-translation batches dispatched.")
	entriesFlushed = metric.MustCreateNewUint64Metric("/tlb/entries_flushed", true,
		"Number of stale translations invalidated.")
	contextFlushes = metric.MustCreateNewUint64Metric("/tlb/context_flushes", true,
		"Number of whole-context invalidations dispatched.")
	invalidContextSkips = metric.MustCreateNewUint64Metric("/tlb/invalid_context_skips", true,
		"Number of stale translations dropped because their address space held no valid context tag.")
	aliasFlushes = metric.MustCreateNewUint64Metric("/tlb/alias_flushes", true,
		"Number of data cache alias flushes performed before invalidation.")
	ipisSent = metric.MustCreateNewUint64Metric("/tlb/ipis_sent", true,
		"Number of inter-processor invalidation calls sent.")
	offlineTargets = metric.MustCreateNewUint64Metric("/tlb/offline_targets", true,
		"Number of invalidation targets found offline and skipped.")
)
