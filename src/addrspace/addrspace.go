// Package addrspace implements AddrSpace: Mmap, Mprotect, Munmap, and
// TryClone (fork) over one UserGrants and one PageMapper (spec §4.4).
// Grounded on Vm_t in biscuit/src/vm/as.go — same single-lock-guards-
// grants-and-pagetable discipline as Lock_pmap/Unlock_pmap/
// Lockassert_pmap, upgraded here to a sync.RWMutex because spec §5
// requires concurrent readers for External cross-space lookups, which
// Vm_t's plain sync.Mutex does not support.
package addrspace

import (
	"sync"

	"nucleus/src/errs"
	"nucleus/src/flush"
	"nucleus/src/frame"
	"nucleus/src/grant"
	"nucleus/src/mapper"
	"nucleus/src/page"
	"nucleus/src/pageflags"
	"nucleus/src/provider"
	"nucleus/src/usergrants"
)

// AddrSpace owns one UserGrants and one PageMapper (spec §3). Frames
// is the shared global frame allocator (spec §1 treats it as an
// out-of-scope singleton; every AddrSpace in a test or demo process
// shares one).
type AddrSpace struct {
	mu     sync.RWMutex
	Table  *mapper.Mapper
	Grants *usergrants.UserGrants
	Frames *frame.Allocator
	// MmapMin is the floor below which auto-placed mappings never
	// start (spec §3/§6 MMAP_MIN_DEFAULT).
	MmapMin page.Page
}

// New builds an empty address space sharing frames with every other
// AddrSpace built from the same allocator (as a real kernel's frame
// pool is a single process-wide singleton, spec §9).
func New(frames *frame.Allocator) *AddrSpace {
	return &AddrSpace{
		Table:   mapper.New(),
		Grants:  usergrants.New(),
		Frames:  frames,
		MmapMin: page.MmapMinDefault,
	}
}

// RLock/RUnlock/Translate satisfy provider.AddressSpace, so an
// AddrSpace can itself be used as the source of an External grant.
func (as *AddrSpace) RLock()   { as.mu.RLock() }
func (as *AddrSpace) RUnlock() { as.mu.RUnlock() }

// Lock/Unlock expose the write lock to the fault handler, the one
// other writer spec §5 names besides AddrSpace's own methods ("own
// address space before any other").
func (as *AddrSpace) Lock()   { as.mu.Lock() }
func (as *AddrSpace) Unlock() { as.mu.Unlock() }
func (as *AddrSpace) Translate(p page.Page) (page.Frame, bool) {
	f, _, ok := as.Table.Translate(p)
	return f, ok
}

func (as *AddrSpace) flusher() *flush.Flusher {
	return flush.NewFlusher(as.Table)
}

// resolvePlacement turns a hint/count/flags request into a concrete
// span via UserGrants.FindFreeAt, translating its sentinel error kinds
// into the package's error taxonomy (spec §4.4, §7).
func (as *AddrSpace) resolvePlacement(hint *page.Page, count uintptr, mapFlags pageflags.MapFlags) (page.Span, error) {
	policy := usergrants.PolicyFallback
	if mapFlags&pageflags.FixedNoReplace != 0 {
		policy = usergrants.PolicyNoReplace
	} else if mapFlags&pageflags.Fixed != 0 {
		policy = usergrants.PolicyReplace
	}
	span, errKind, ok := as.Grants.FindFreeAt(as.MmapMin, hint, count, policy)
	if ok {
		return span, nil
	}
	switch errKind {
	case usergrants.ErrExists:
		return page.Span{}, errs.New("mmap", errs.EEXIST)
	case usergrants.ErrNotSupported:
		return page.Span{}, errs.New("mmap", errs.EOPNOTSUP)
	case usergrants.ErrInvalid:
		return page.Span{}, errs.New("mmap", errs.EINVAL)
	default:
		return page.Span{}, errs.New("mmap", errs.ENOMEM)
	}
}

// Mmap resolves a destination span via FindFreeAt and hands it to
// build, which constructs and returns the grant to insert (spec §4.4:
// "the builder receives the chosen base ... it may refuse with
// ENOMEM"). Returns the grant's base page.
func (as *AddrSpace) Mmap(hint *page.Page, count uintptr, mapFlags pageflags.MapFlags, build func(span page.Span) (grant.Grant, error)) (page.Page, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	span, err := as.resolvePlacement(hint, count, mapFlags)
	if err != nil {
		return 0, err
	}
	g, err := build(span)
	if err != nil {
		return 0, err
	}
	as.Grants.Insert(g)
	return span.Base, nil
}

// MmapAnon is the common case: a lazily zero-filled Allocated mapping
// (spec's "zeroed" constructor).
func (as *AddrSpace) MmapAnon(hint *page.Page, count uintptr, flags pageflags.PageFlags, mapFlags pageflags.MapFlags) (page.Page, error) {
	return as.Mmap(hint, count, mapFlags, func(span page.Span) (grant.Grant, error) {
		fl := as.flusher()
		defer fl.Finish()
		return grant.Zeroed(span, flags, as.Table, fl), nil
	})
}

// MmapPhys builds an identity-like PhysBorrowed mapping onto phys
// (spec's "physmap" constructor).
func (as *AddrSpace) MmapPhys(hint *page.Page, phys page.Frame, count uintptr, flags pageflags.PageFlags, mapFlags pageflags.MapFlags, eager bool) (page.Page, error) {
	return as.Mmap(hint, count, mapFlags, func(span page.Span) (grant.Grant, error) {
		fl := as.flusher()
		defer fl.Finish()
		return grant.Physmap(phys, span, flags, as.Table, fl, eager), nil
	})
}

// MmapBorrow mirrors count pages of src starting at srcBase, one
// destination grant per source grant intersected (spec's "borrow"
// constructor). Unlike Mmap's single-grant builder, this inserts every
// grant Borrow produces.
func (as *AddrSpace) MmapBorrow(hint *page.Page, src *AddrSpace, srcBase page.Page, count uintptr, flags pageflags.PageFlags, mapFlags pageflags.MapFlags) (page.Page, error) {
	as.mu.Lock()
	defer as.mu.Unlock()
	span, err := as.resolvePlacement(hint, count, mapFlags)
	if err != nil {
		return 0, err
	}
	src.mu.RLock()
	srcGrants := src.Grants.ConflictsSlice(page.Span{Base: srcBase, Count: count})
	src.mu.RUnlock()

	fl := as.flusher()
	defer fl.Finish()
	out, ok := grant.Borrow(srcGrants, src, srcBase, span.Base, count, flags, as.Table, fl)
	if !ok {
		return 0, errs.New("mmap", errs.EOPNOTSUP)
	}
	for _, g := range out {
		as.Grants.Insert(g)
	}
	return span.Base, nil
}

// Mprotect changes the protection of every page in span, splitting
// and reinserting conflicting grants around the requested range
// (spec §4.4). A widen of write/execute on a non-Allocated provider
// fails with EACCES and leaves every grant untouched.
func (as *AddrSpace) Mprotect(span page.Span, flags pageflags.PageFlags) error {
	as.mu.Lock()
	defer as.mu.Unlock()

	targets := as.Grants.ConflictsSlice(span)
	// Validate before mutating anything, so a rejected request leaves
	// no partial state (spec §7: "every mutator ... without leaving
	// partial state").
	for _, g := range targets {
		allowWiden := g.Info.Provider.Kind == provider.Allocated
		if !pageflags.CanHaveFlags(g.Info.Flags, flags, allowWiden, allowWiden) {
			return errs.New("mprotect", errs.EACCES)
		}
	}

	fl := as.flusher()
	defer fl.Finish()
	for _, g := range targets {
		gspan := g.Info.Span(g.Base)
		inter := gspan.Intersection(span)
		as.Grants.Remove(g.Base)
		before, middle, after := gspan.Slice(inter)
		nextRef := nextProviderRef(g.Info.Provider)
		if !before.IsEmpty() {
			as.Grants.Insert(grant.Grant{Base: before.Base, Info: grant.Info{
				PageCount: before.Count, Flags: g.Info.Flags, Mapped: true, Provider: nextRef(),
			}})
		}
		if !after.IsEmpty() {
			as.Grants.Insert(grant.Grant{Base: after.Base, Info: grant.Info{
				PageCount: after.Count, Flags: g.Info.Flags, Mapped: true, Provider: nextRef(),
			}})
		}
		middle.Iter(func(p page.Page) {
			fl.Add(as.Table.Remap(p, flags))
		})
		as.Grants.Insert(grant.Grant{Base: middle.Base, Info: grant.Info{
			PageCount: middle.Count, Flags: flags, Mapped: true, Provider: nextRef(),
		}})
	}
	return nil
}

// nextProviderRef returns a function handing out one live reference to
// p's backing resources per call, for distributing one grant's
// provider across the (possibly several) pieces a split produces. The
// first call reuses p itself — the original piece's own reference —
// and every later call retains a freshly counted copy, so an Fmap
// grant's descriptor is only closed once every split-off piece has
// independently released its own reference (spec.md's GrantFileRef
// reference counting; irrelevant, and a no-op, for every other
// provider kind).
func nextProviderRef(p provider.Provider) func() provider.Provider {
	used := false
	return func() provider.Provider {
		if !used {
			used = true
			return p
		}
		if p.Kind == provider.Fmap {
			p.File = p.File.Retain()
		}
		return p
	}
}

// releaseMiddle tears down one grant's middle (intersected) piece: for
// Allocated/External providers, unmaps every present page and drops
// its frame refcount; for PhysBorrowed, just unmaps; for Fmap, records
// a deferred descriptor close into res, but only once middleProvider's
// reference is the last one outstanding (an earlier mprotect may have
// split this same file-backed grant into pieces still alive
// elsewhere). The close is recorded with no scheme attached, so
// UnmapResult.Close sends no funmap notification for it.
func (as *AddrSpace) releaseMiddle(g grant.Grant, middleProvider provider.Provider, middle page.Span, res *flush.UnmapResult, fl *flush.Flusher) {
	switch middleProvider.Kind {
	case provider.Fmap:
		middle.Iter(func(p page.Page) {
			_, _, flushTok, _ := as.Table.UnmapPhys(p, false)
			fl.Add(flushTok)
		})
		if middleProvider.File.Release() {
			addr := middle.Base.Addr()
			length := middle.Count * page.Size
			res.AddFileClose(nil, addr, length, middleProvider.File.Desc)
		}
	default:
		middle.Iter(func(p page.Page) {
			f, flags, flushTok, ok := as.Table.UnmapPhys(p, false)
			fl.Add(flushTok)
			if !ok {
				return
			}
			if g.Info.Provider.Kind == provider.PhysBorrowed {
				return
			}
			if flags.HasCow() {
				as.Frames.CowDown(f)
			}
			as.Frames.RefDown(f)
		})
	}
}

// Munmap removes every grant intersecting span, splitting and
// reinserting the surviving outer pieces (spec §4.4). The returned
// *flush.UnmapResult must be Closed by the caller after Munmap
// returns — by the time Munmap returns its write lock is already
// released (the defer ran), so file-descriptor close genuinely
// happens outside the lock, per spec's reentrancy-avoidance rule. No
// scheme funmap notification is issued for unmapped Fmap pieces.
func (as *AddrSpace) Munmap(span page.Span) (*flush.UnmapResult, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	res := &flush.UnmapResult{}
	fl := as.flusher()
	defer fl.Finish()

	for _, g := range as.Grants.ConflictsSlice(span) {
		gspan := g.Info.Span(g.Base)
		inter := gspan.Intersection(span)
		as.Grants.Remove(g.Base)
		before, middle, after := gspan.Slice(inter)
		nextRef := nextProviderRef(g.Info.Provider)
		if !before.IsEmpty() {
			as.Grants.Insert(grant.Grant{Base: before.Base, Info: grant.Info{
				PageCount: before.Count, Flags: g.Info.Flags, Mapped: true, Provider: nextRef(),
			}})
		}
		if !after.IsEmpty() {
			as.Grants.Insert(grant.Grant{Base: after.Base, Info: grant.Info{
				PageCount: after.Count, Flags: g.Info.Flags, Mapped: true, Provider: nextRef(),
			}})
		}
		as.releaseMiddle(g, nextRef(), middle, res, fl)
	}
	return res, nil
}

// TryClone implements fork (spec §4.4): a new, empty AddrSpace is
// populated with one grant per source grant, translated per provider:
// PhysBorrowed -> physmap at the same base; Allocated -> cow (both
// sides become read-only shares); External -> borrow_grant (the
// reference is copied); Fmap -> unspecified, per spec §9's "do not
// invent semantics" — returns EOPNOTSUPP.
func (as *AddrSpace) TryClone() (*AddrSpace, error) {
	as.mu.Lock()
	defer as.mu.Unlock()

	grants := as.Grants.Grants()
	// Validate before mutating anything: an Fmap grant anywhere in the
	// source must reject the whole fork before any earlier grant's
	// Cow/BorrowGrant has downgraded PTEs or bumped refcounts on the
	// source's own table, so a rejected fork leaves as untouched (spec
	// §7: "every mutator ... without leaving partial state").
	for _, g := range grants {
		if g.Info.Provider.Kind == provider.Fmap {
			return nil, errs.New("fork", errs.EOPNOTSUP)
		}
	}

	dst := New(as.Frames)
	dst.MmapMin = as.MmapMin
	dstFlusher := dst.flusher()
	srcFlusher := as.flusher()
	defer dstFlusher.Finish()
	defer srcFlusher.Finish()

	for _, g := range grants {
		span := g.Info.Span(g.Base)
		switch g.Info.Provider.Kind {
		case provider.PhysBorrowed:
			ng := grant.Physmap(g.Info.Provider.PhysBase, span, g.Info.Flags, dst.Table, dstFlusher, false)
			dst.Grants.Insert(ng)
		case provider.Allocated:
			ng := grant.Cow(span, g.Base, span.Count, g.Info.Flags, as.Frames, as.Table, dst.Table, srcFlusher, dstFlusher)
			dst.Grants.Insert(ng)
		case provider.External:
			ng := grant.BorrowGrant(g.Info.Provider.SourceSpace, g.Info.Provider.SourceBase, g.Base, g.Info, dst.Table, dstFlusher, false)
			dst.Grants.Insert(ng)
		}
	}
	return dst, nil
}
