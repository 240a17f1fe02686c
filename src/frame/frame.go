// Package frame supplies a concrete FrameAllocator and per-frame
// PageInfo metadata array. Spec §1 treats the global frame allocator
// as an opaque external collaborator; this package gives it one
// in-memory body so the rest of the core is independently testable,
// grounded directly on biscuit/src/mem/mem.go's Physmem_t: a flat
// metadata array, a free list threaded through unused slots via a
// "next index" field, and sync/atomic refcounts.
package frame

import (
	"sync"
	"sync/atomic"

	"nucleus/src/page"
)

// PageInfo is the per-frame metadata the spec names in §6: a total
// reference count and a CoW-specific reference count. Both are
// manipulated with atomics per spec §5's "Shared-resource policy".
type PageInfo struct {
	Refcount    int32
	CowRefcount int32
}

type slot struct {
	info PageInfo
	next uint32 // index of next free frame, or noNext
	data [page.Size]byte
}

const noNext = ^uint32(0)

// Allocator is a fixed-capacity pool of physical frames, mirroring
// Physmem_t's freelist-threaded-through-the-metadata-array design
// (mem/mem.go: "_phys_new"/"_phys_insert"). Unlike the teacher's
// version this is not backed by real physical RAM — the "frame" is
// just an index into slots, and slots[i].data is the byte contents a
// fault handler's CoW copy actually touches.
type Allocator struct {
	mu      sync.Mutex
	slots   []slot
	freeIdx uint32
	freeLen int
}

// NewAllocator builds an allocator with capacity frames, all free.
func NewAllocator(capacity int) *Allocator {
	a := &Allocator{
		slots:   make([]slot, capacity),
		freeIdx: 0,
		freeLen: capacity,
	}
	for i := range a.slots {
		if i == capacity-1 {
			a.slots[i].next = noNext
		} else {
			a.slots[i].next = uint32(i + 1)
		}
	}
	if capacity == 0 {
		a.freeIdx = noNext
	}
	return a
}

// Allocate returns one fresh frame with Refcount 1, or ok == false if
// the allocator is exhausted (the fault handler reports that as
// ENOMEM).
func (a *Allocator) Allocate() (f page.Frame, ok bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.freeIdx == noNext {
		return 0, false
	}
	idx := a.freeIdx
	a.freeIdx = a.slots[idx].next
	a.freeLen--
	a.slots[idx].info = PageInfo{Refcount: 1, CowRefcount: 0}
	return page.Frame(idx), true
}

// Deallocate returns f to the free list unconditionally, regardless of
// its current refcount. Callers must only call this once the frame's
// total refcount has already dropped to zero (RefDown does this).
func (a *Allocator) Deallocate(f page.Frame) {
	a.mu.Lock()
	defer a.mu.Unlock()
	idx := uint32(f)
	a.slots[idx].next = a.freeIdx
	a.freeIdx = idx
	a.freeLen++
}

// Free reports how many frames remain unallocated.
func (a *Allocator) Free() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.freeLen
}

// Info returns a pointer to the frame's PageInfo for atomic refcount
// manipulation.
func (a *Allocator) Info(f page.Frame) *PageInfo {
	return &a.slots[f].info
}

// Data returns the mutable byte contents backing the frame, standing
// in for Biscuit's Physmem.Dmap direct-mapped page access.
func (a *Allocator) Data(f page.Frame) *[page.Size]byte {
	return &a.slots[f].data
}

// RefUp increments a frame's total refcount (e.g. a second mapping of
// an Allocated or External page; Allocate itself already starts a
// fresh frame at 1).
func (a *Allocator) RefUp(f page.Frame) {
	info := a.Info(f)
	if atomic.AddInt32(&info.Refcount, 1) <= 0 {
		panic("frame: RefUp: refcount went non-positive")
	}
}

// RefDown decrements a frame's total refcount, freeing it back to the
// allocator when it reaches zero. Returns true if the frame was freed.
func (a *Allocator) RefDown(f page.Frame) bool {
	info := a.Info(f)
	c := atomic.AddInt32(&info.Refcount, -1)
	if c < 0 {
		panic("frame: RefDown: refcount went negative")
	}
	if c == 0 {
		a.Deallocate(f)
		return true
	}
	return false
}

// CowUp increments a frame's CoW refcount (one per PTE that shares the
// frame read-only because of a fork; External mirrors only take a
// total refcount).
func (a *Allocator) CowUp(f page.Frame) {
	atomic.AddInt32(&a.Info(f).CowRefcount, 1)
}

// CowDown decrements a frame's CoW refcount.
func (a *Allocator) CowDown(f page.Frame) {
	info := a.Info(f)
	if atomic.AddInt32(&info.CowRefcount, -1) < 0 {
		panic("frame: CowDown: cow refcount went negative")
	}
}

// Zero fills the frame with zero bytes.
func (a *Allocator) Zero(f page.Frame) {
	d := a.Data(f)
	for i := range d {
		d[i] = 0
	}
}

// Copy copies the contents of src into dst.
func (a *Allocator) Copy(dst, src page.Frame) {
	copy(a.Data(dst)[:], a.Data(src)[:])
}
