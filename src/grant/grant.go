// Package grant implements GrantInfo/Grant and the constructors that
// build them: Physmap, Zeroed, BorrowGrant, Borrow, Cow (spec §4.3).
// Grounded on Vm_t._mkvmi/Vmadd_anon/Vmadd_file/Vmadd_shareanon in
// biscuit/src/vm/as.go, generalized from Biscuit's three mapping kinds
// to the spec's four providers.
package grant

import (
	"nucleus/src/flush"
	"nucleus/src/frame"
	"nucleus/src/mapper"
	"nucleus/src/page"
	"nucleus/src/pageflags"
	"nucleus/src/provider"
)

// Info is a contiguous region of identical protection and provider.
//
// Invariant: while reachable from a UserGrants, Mapped == true;
// PageCount > 0; dropping an Info with Mapped == true without first
// unmapping it is a bug (AssertMappedOnDrop asserts this, mirroring
// spec §3's "dropping a GrantInfo with mapped == true is a bug").
type Info struct {
	PageCount uintptr
	Flags     pageflags.PageFlags
	Mapped    bool
	Provider  provider.Provider
}

// Span returns the page range this grant covers given its base.
func (i Info) Span(base page.Page) page.Span {
	return page.Span{Base: base, Count: i.PageCount}
}

// Release marks the grant as fully torn down. Must be called exactly
// once, after every PTE it owned has been unmapped and every frame
// refcount it held has been dropped; calling it twice, or dropping a
// still-Mapped Info without calling it, is a programming error.
func (i *Info) Release() {
	if !i.Mapped {
		panic("grant: Release called on a grant that was never mapped, or released twice")
	}
	i.Mapped = false
}

// AssertMappedOnDrop panics if i is still Mapped, for use at scopes
// where a GrantInfo falls out of reach without having been released
// (spec §3's "dropping a GrantInfo with mapped == true is a bug").
func AssertMappedOnDrop(i Info) {
	if i.Mapped {
		panic("grant: GrantInfo dropped while still mapped")
	}
}

// Grant pairs a GrantInfo with its base page — the key under which
// UserGrants stores it.
type Grant struct {
	Base page.Page
	Info Info
}

func newGrant(base page.Page, count uintptr, flags pageflags.PageFlags, p provider.Provider) Grant {
	if count == 0 {
		panic("grant: page count must be > 0")
	}
	return Grant{Base: base, Info: Info{PageCount: count, Flags: flags, Mapped: true, Provider: p}}
}

// Physmap builds a PhysBorrowed grant identity-mapping phys starting
// at span.Base. PTE installation may be eager (if eager is true) or
// left for the fault handler; no frame refcount changes either way,
// matching spec §4.3 "no frame refcount changes".
func Physmap(phys page.Frame, span page.Span, flags pageflags.PageFlags, m *mapper.Mapper, fl *flush.Flusher, eager bool) Grant {
	g := newGrant(span.Base, span.Count, flags, provider.NewPhysBorrowed(phys))
	if eager {
		span.Iter(func(p page.Page) {
			f := m.MapPhys(p, phys.Add(p.Sub(span.Base)), flags)
			fl.Add(f)
		})
	}
	return g
}

// Zeroed builds an Allocated grant over span. PTEs are left unmapped
// so the first touch triggers the fault handler, which allocates and
// zeros (spec §4.3). mapper/flusher parameters are accepted for
// interface parity with the other constructors even though this one
// never touches them, mirroring Vmadd_anon's page-fault-driven laziness
// in the teacher.
func Zeroed(span page.Span, flags pageflags.PageFlags, m *mapper.Mapper, fl *flush.Flusher) Grant {
	return newGrant(span.Base, span.Count, flags, provider.NewAllocated())
}

// BorrowGrant builds a single External grant mirroring one source
// grant at srcBase in srcSpace, placed at dstBase in the destination.
// PTEs are lazy: only installed if eager requests it and the source
// page happens to already be mapped, via cross-space translate under
// srcSpace's read lock (spec §4.5 step 5's lock order: own write lock
// already held by the caller, then the source's read lock).
func BorrowGrant(srcSpace provider.AddressSpace, srcBase, dstBase page.Page, srcInfo Info, m *mapper.Mapper, fl *flush.Flusher, eager bool) Grant {
	g := newGrant(dstBase, srcInfo.PageCount, srcInfo.Flags, provider.NewExternal(srcSpace, srcBase))
	if eager {
		srcSpan := page.Span{Base: srcBase, Count: srcInfo.PageCount}
		srcSpan.Iter(func(sp page.Page) {
			srcSpace.RLock()
			f, ok := srcSpace.Translate(sp)
			srcSpace.RUnlock()
			if !ok {
				return
			}
			dp := page.Rebase(srcSpan, page.Span{Base: dstBase, Count: srcInfo.PageCount}, sp)
			flush := m.MapPhys(dp, f, srcInfo.Flags)
			fl.Add(flush)
		})
	}
	return g
}

// Borrow iterates srcSpace's grants intersecting [srcBase,
// srcBase+count) and emits one destination grant per source grant,
// rebased into the destination (spec §4.3 "borrow"). Each emitted
// grant is External, except when the source grant is itself
// PhysBorrowed, in which case the destination grant is PhysBorrowed
// too (an identity mapping has nothing to mirror lazily). Fmap source
// grants are unsupported here: any Fmap source grant makes Borrow
// return no grants and ok == false.
func Borrow(srcGrants []Grant, srcSpace provider.AddressSpace, srcBase, dstBase page.Page, count uintptr, flags pageflags.PageFlags, m *mapper.Mapper, fl *flush.Flusher) (out []Grant, ok bool) {
	want := page.Span{Base: srcBase, Count: count}
	for _, g := range srcGrants {
		gspan := g.Info.Span(g.Base)
		inter := gspan.Intersection(want)
		if inter.IsEmpty() {
			continue
		}
		dBase := page.Rebase(want, page.Span{Base: dstBase, Count: count}, inter.Base)
		switch g.Info.Provider.Kind {
		case provider.Fmap:
			return nil, false
		case provider.PhysBorrowed:
			physAtInter := g.Info.Provider.PhysBase.Add(inter.Base.Sub(g.Base))
			out = append(out, Physmap(physAtInter, inter.WithBase(dBase), flags, m, fl, false))
		default:
			sub := Info{PageCount: inter.Count, Flags: flags, Mapped: true}
			out = append(out, BorrowGrant(srcSpace, inter.Base, dBase, sub, m, fl, false))
		}
	}
	return out, true
}

// Cow builds one Allocated destination grant mirroring srcSpace's
// already-mapped pages in [srcBase, srcBase+count) as copy-on-write
// shares (spec §4.3 "cow", used by fork). For each already-mapped
// source page: the source PTE is downgraded to read-only, the frame's
// total refcount is incremented once for the new destination mapping,
// its CoW refcount is incremented once per PTE that becomes freshly
// read-only-due-to-sharing (the source, unless some earlier fork
// already counted it, plus the destination), and the destination PTE
// is mapped to the same frame read-only. Unmapped source pages are
// left for the fault handler to lazily zero on both sides later.
func Cow(srcSpan page.Span, dstBase page.Page, count uintptr, flags pageflags.PageFlags, fr *frame.Allocator, srcMapper, dstMapper *mapper.Mapper, srcFlusher, dstFlusher *flush.Flusher) Grant {
	want := page.Span{Base: srcSpan.Base, Count: count}
	want.Iter(func(sp page.Page) {
		f, curFlags, ok := srcMapper.Translate(sp)
		if !ok {
			return
		}
		wasCow := curFlags.HasCow()
		roFlags := curFlags.ReadOnly().WithCow(true)
		_, _, srcFl, remapped := srcMapper.RemapWith(sp, func(pageflags.PageFlags) pageflags.PageFlags { return roFlags })
		if remapped {
			srcFlusher.Add(srcFl)
		}
		fr.RefUp(f)
		if !wasCow {
			// The source PTE is itself newly downgraded to a CoW
			// sharer; count it alongside the destination PTE below.
			fr.CowUp(f)
		}
		fr.CowUp(f)
		dp := page.Rebase(want, page.Span{Base: dstBase, Count: count}, sp)
		dstFl := dstMapper.MapPhys(dp, f, roFlags)
		dstFlusher.Add(dstFl)
	})
	return newGrant(dstBase, count, flags, provider.NewAllocated())
}
