// Package provider defines the tagged variant describing a grant's
// backing (spec §3/§4.3). Modeled as a Kind tag plus case-specific
// fields on one struct, mirroring the mtype_t + case-specific fields
// on Vminfo_t in biscuit/src/vm/as.go, rather than an interface per
// provider (spec §9: "Polymorphism over providers ... mirrors how
// fault handling differs per provider").
package provider

import (
	"sync/atomic"

	"nucleus/src/page"
)

// Kind tags which of the four backing providers a grant has.
type Kind int

const (
	// Allocated is lazily zero-filled; the grant owns the frames'
	// refcounts.
	Allocated Kind = iota
	// PhysBorrowed is an identity-like mapping onto a fixed physical
	// range; no refcounting, no frame ownership.
	PhysBorrowed
	// External lazily mirrors another address space's page table.
	External
	// Fmap is file-backed; unmap closes the descriptor once the last
	// piece referencing it is released (no scheme is notified).
	Fmap
)

func (k Kind) String() string {
	switch k {
	case Allocated:
		return "Allocated"
	case PhysBorrowed:
		return "PhysBorrowed"
	case External:
		return "External"
	case Fmap:
		return "Fmap"
	default:
		return "Kind(?)"
	}
}

// FileDescriptor is the opaque scheme/file-layer collaborator (spec
// §1, §6).
type FileDescriptor interface {
	Close() error
}

// fileRefs is the shared mapcount behind a GrantFileRef: the number of
// grant pieces — across mprotect splits of the same original mmap —
// that still hold a live reference to Desc. Mirrors Biscuit's
// Mfile_t.mapcount, which the same descriptor-sharing pattern tracks
// by hand rather than through a library.
type fileRefs struct {
	n int32
}

// GrantFileRef is the file-backed grant payload: the descriptor, the
// file offset the grant starts at, and the mmap flags it was created
// with. Cloneable by reference, mirroring Biscuit's Mfile_t being
// shared (not copied) across grants that came from the same mmap call.
// Desc is only ever actually closed once every piece descended from
// the original grant has released its reference (see Retain/Release);
// a GrantFileRef built without NewGrantFileRef (refs == nil) is
// treated as already singly-owned, closing on its first Release.
type GrantFileRef struct {
	Desc   FileDescriptor
	Offset uintptr
	Flags  uint
	refs   *fileRefs
}

// NewGrantFileRef builds a fresh, singly-referenced file ref for one
// mmap(fd, ...) call. Every grant piece later split off it (by
// mprotect) must call Retain to obtain its own counted copy before
// the original is reused or released.
func NewGrantFileRef(desc FileDescriptor, offset uintptr, flags uint) GrantFileRef {
	return GrantFileRef{Desc: desc, Offset: offset, Flags: flags, refs: &fileRefs{n: 1}}
}

// Retain returns a copy of ref that counts as one additional surviving
// piece sharing the same descriptor.
func (ref GrantFileRef) Retain() GrantFileRef {
	if ref.refs != nil {
		atomic.AddInt32(&ref.refs.n, 1)
	}
	return ref
}

// Release drops the reference this particular copy of ref represents
// and reports whether it was the last one outstanding — the caller
// must close Desc only when Release returns true.
func (ref GrantFileRef) Release() bool {
	if ref.refs == nil {
		return true
	}
	return atomic.AddInt32(&ref.refs.n, -1) == 0
}

// AddressSpace is the minimal surface an External provider needs from
// the address space it borrows from: a lock and a translate, kept
// abstract here to avoid an import cycle back to package addrspace
// (which itself depends on grant/provider).
type AddressSpace interface {
	// RLock/RUnlock protect a read-only cross-space translate (spec
	// §4.5 step 5 External case takes the source's read-lock).
	RLock()
	RUnlock()
	// Translate looks up the page in the source's page table,
	// returning the frame and whether it is currently mapped.
	Translate(p page.Page) (f page.Frame, ok bool)
}

// Provider is the tagged union itself. Exactly one group of fields is
// meaningful depending on Kind.
type Provider struct {
	Kind Kind

	// PhysBorrowed
	PhysBase page.Frame

	// External
	SourceSpace AddressSpace
	SourceBase  page.Page

	// Fmap
	File GrantFileRef
}

// NewAllocated builds an Allocated provider.
func NewAllocated() Provider { return Provider{Kind: Allocated} }

// NewPhysBorrowed builds a PhysBorrowed provider anchored at base.
func NewPhysBorrowed(base page.Frame) Provider {
	return Provider{Kind: PhysBorrowed, PhysBase: base}
}

// NewExternal builds an External provider mirroring srcBase in src.
func NewExternal(src AddressSpace, srcBase page.Page) Provider {
	return Provider{Kind: External, SourceSpace: src, SourceBase: srcBase}
}

// NewFmap builds a file-backed provider.
func NewFmap(file GrantFileRef) Provider {
	return Provider{Kind: Fmap, File: file}
}
