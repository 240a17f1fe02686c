// Package mapper supplies a concrete PageMapper, the per-address-space
// software page table. Spec §1 treats the hardware page-table walker
// as out of scope and PageMapper as opaque; this package gives it one
// body (a flat map keyed by page rather than a multi-level radix walk,
// since modeling page-table geometry itself is explicitly not this
// core's job) so AddrSpace is independently testable. Grounded on
// pmap_walk/Pmap_lookup/_page_insert in biscuit/src/vm/as.go.
package mapper

import (
	"sync"

	"nucleus/src/flush"
	"nucleus/src/page"
	"nucleus/src/pageflags"
)

type pte struct {
	frame   page.Frame
	flags   pageflags.PageFlags
	present bool
}

// Mapper is a software page table plus the bookkeeping Flusher needs
// to know which simulated CPUs currently have it loaded.
type Mapper struct {
	mu      sync.RWMutex
	ptes    map[page.Page]pte
	cpus    []flush.CPU
	current int
}

// New builds an empty page table.
func New() *Mapper {
	return &Mapper{ptes: make(map[page.Page]pte)}
}

// LoadedCPUs implements flush.Loaded.
func (m *Mapper) LoadedCPUs() []flush.CPU {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.cpus
}

// IsCurrent implements flush.Loaded.
func (m *Mapper) IsCurrent(id int) bool {
	return id == m.current
}

// IsCurrentMapper reports whether this page table is the one active on
// the calling "CPU" (spec §6 PageMapper.is_current).
func (m *Mapper) IsCurrentMapper() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cpus) > 0 && m.cpus[0].ID == m.current
}

// MakeCurrent records the set of CPUs that may run with this table
// loaded and which one is "current" (spec §6 PageMapper.make_current;
// a test fixture's stand-in for context switching onto a CPU).
func (m *Mapper) MakeCurrent(cpus []flush.CPU, currentID int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cpus = cpus
	m.current = currentID
}

// MapPhys installs a present mapping from vaddr to paddr with flags,
// returning a Flush if it replaced an existing mapping (spec §6
// PageMapper.map_phys).
func (m *Mapper) MapPhys(vaddr page.Page, paddr page.Frame, flags pageflags.PageFlags) *flush.Flush {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, existed := m.ptes[vaddr]
	m.ptes[vaddr] = pte{frame: paddr, flags: flags, present: true}
	if existed && old.present {
		return &flush.Flush{Span: page.Span{Base: vaddr, Count: 1}}
	}
	return nil
}

// UnmapPhys removes the mapping at vaddr, if any, returning the
// physical address and flags it held plus a Flush (spec §6
// PageMapper.unmap_phys). keepParents is accepted for interface
// parity with the spec but has no effect: this mapper has no
// intermediate page-table levels to prune.
func (m *Mapper) UnmapPhys(vaddr page.Page, keepParents bool) (paddr page.Frame, flags pageflags.PageFlags, fl *flush.Flush, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, existed := m.ptes[vaddr]
	if !existed || !old.present {
		return 0, 0, nil, false
	}
	delete(m.ptes, vaddr)
	return old.frame, old.flags, &flush.Flush{Span: page.Span{Base: vaddr, Count: 1}}, true
}

// Remap changes the flags of an existing mapping, returning a Flush if
// the mapping existed (spec §6 PageMapper.remap).
func (m *Mapper) Remap(vaddr page.Page, flags pageflags.PageFlags) *flush.Flush {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, existed := m.ptes[vaddr]
	if !existed || !old.present {
		return nil
	}
	old.flags = flags
	m.ptes[vaddr] = old
	return &flush.Flush{Span: page.Span{Base: vaddr, Count: 1}}
}

// RemapWith applies f to the current flags of the mapping at vaddr,
// returning the flags/address it replaced plus a Flush (spec §6
// PageMapper.remap_with — used by the fault handler's CoW-break and
// single-owner-upgrade paths to transform a PTE in place).
func (m *Mapper) RemapWith(vaddr page.Page, f func(pageflags.PageFlags) pageflags.PageFlags) (oldFlags pageflags.PageFlags, paddr page.Frame, fl *flush.Flush, ok bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	old, existed := m.ptes[vaddr]
	if !existed || !old.present {
		return 0, 0, nil, false
	}
	newEntry := old
	newEntry.flags = f(old.flags)
	m.ptes[vaddr] = newEntry
	return old.flags, old.frame, &flush.Flush{Span: page.Span{Base: vaddr, Count: 1}}, true
}

// Translate returns the physical frame and flags mapped at vaddr, if
// present (spec §6 PageMapper.translate).
func (m *Mapper) Translate(vaddr page.Page) (paddr page.Frame, flags pageflags.PageFlags, ok bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, existed := m.ptes[vaddr]
	if !existed || !p.present {
		return 0, 0, false
	}
	return p.frame, p.flags, true
}
