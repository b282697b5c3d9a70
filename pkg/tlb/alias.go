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
	"shootdown.dev/shootdown/pkg/hostarch"
)

// Page describes the physical page behind a translation being removed.
type Page struct {
	// PFN is the physical frame number.
	PFN uint64

	// Reserved is true for pages that are not backed by the data cache in
	// the usual way (for example, device memory).
	Reserved bool

	// Anon is true if the page has no file mapping.
	Anon bool

	// Dirty is true if the page may have been written through the
	// translation being removed.
	Dirty bool
}

// KernelAddr returns the address of the page in the kernel's linear map.
func (p *Page) KernelAddr() hostarch.Addr {
	return hostarch.Addr(p.PFN << hostarch.PageShift)
}

// CacheAliasPolicy describes the virtual indexing of the data cache.
type CacheAliasPolicy interface {
	// Aliases returns true if a and b select different cache colours, so
	// that the same physical line may be cached twice.
	Aliases(a, b hostarch.Addr) bool
}

// AliasBit is a CacheAliasPolicy for caches whose colour is selected by a
// single virtual address bit above the page offset.
type AliasBit uint

// Aliases implements CacheAliasPolicy.Aliases.
func (b AliasBit) Aliases(a, c hostarch.Addr) bool {
	return (a^c)&(hostarch.Addr(1)<<b) != 0
}

// NoAliasing is a CacheAliasPolicy for physically indexed caches.
type NoAliasing struct{}

// Aliases implements CacheAliasPolicy.Aliases.
func (NoAliasing) Aliases(hostarch.Addr, hostarch.Addr) bool {
	return false
}

// CacheFlusher writes back and invalidates cache lines.
type CacheFlusher interface {
	// FlushDCachePage writes back and invalidates every data cache line
	// backing p, through every alias.
	FlushDCachePage(p *Page)
}

// AliasGuard flushes virtually-aliased data cache lines before the
// translation through which they were written is invalidated.
type AliasGuard struct {
	policy  CacheAliasPolicy
	flusher CacheFlusher
}

// NewAliasGuard returns a new AliasGuard. A nil policy means NoAliasing.
func NewAliasGuard(policy CacheAliasPolicy, flusher CacheFlusher) *AliasGuard {
	if policy == nil {
		policy = NoAliasing{}
	}
	if _, ok := policy.(NoAliasing); !ok && flusher == nil {
		panic("tlb.NewAliasGuard: aliasing policy without a cache flusher")
	}
	return &AliasGuard{policy: policy, flusher: flusher}
}

// MaybeFlushAlias flushes p's data cache lines if p is a dirty, file-backed,
// cacheable page whose kernel alias and va differ in colour. It returns true
// if a flush was performed.
//
// On return, no line of p reachable through the va alias remains dirty in the
// cache, so the translation for va may be invalidated.
func (g *AliasGuard) MaybeFlushAlias(p *Page, va hostarch.Addr) bool {
	if g == nil || p == nil {
		return false
	}
	if _, ok := g.policy.(NoAliasing); ok {
		return false
	}
	if p.Reserved || p.Anon || !p.Dirty {
		return false
	}
	if !g.policy.Aliases(p.KernelAddr(), va) {
		return false
	}
	g.flusher.FlushDCachePage(p)
	aliasFlushes.Increment()
	return true
}
