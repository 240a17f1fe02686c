// Package fault implements TryCorrectingPageTables, the page-fault
// dispatch table of spec §4.5: for a faulting page and the access mode
// that triggered the fault, decide whether the fault is resolvable in
// software (by installing or upgrading a PTE) or is a genuine
// segmentation violation. Grounded on Vm_t.Pagefault in
// biscuit/src/vm/as.go, generalized from Biscuit's two mapping kinds
// (anonymous, file) to the spec's four providers and its explicit
// single-owner-vs-shared CoW fast path.
package fault

import (
	"nucleus/src/addrspace"
	"nucleus/src/errs"
	"nucleus/src/flush"
	"nucleus/src/grant"
	"nucleus/src/page"
	"nucleus/src/pageflags"
	"nucleus/src/provider"
)

// AccessMode is the kind of memory access that triggered the fault.
type AccessMode int

const (
	ReadAccess AccessMode = iota
	WriteAccess
	ExecAccess
)

// A genuine access violation — the faulting page belongs to no grant,
// or the grant's declared flags never permitted the attempted access —
// comes back as *errs.KernelError carrying errs.ESEGV (spec §4.5/§7:
// not retriable, the caller should deliver a fault signal rather than
// retry the instruction).
//
// A first touch on an Fmap grant comes back carrying errs.EOPNOTSUP: it
// needs a capability this core does not have (reading file content
// through a scheme) and must be serviced by a higher layer before the
// access is retried.

// TryCorrectingPageTables resolves a fault at faultPage triggered by
// access, mutating as's page table (and, for Allocated/External
// grants, frame refcounts) as needed. Acquires as's write lock for the
// duration — the "primary fault path" writer named in spec §5.
func TryCorrectingPageTables(as *addrspace.AddrSpace, faultPage page.Page, access AccessMode) error {
	as.Lock()
	defer as.Unlock()

	base, info, ok := as.Grants.Contains(faultPage)
	if !ok {
		return errs.New("fault", errs.ESEGV)
	}
	if access == WriteAccess && !info.Flags.HasWrite() {
		return errs.New("fault", errs.ESEGV)
	}
	if access == ExecAccess && !info.Flags.HasExecute() {
		return errs.New("fault", errs.ESEGV)
	}

	switch info.Provider.Kind {
	case provider.Allocated:
		return faultAllocated(as, faultPage, info, access)
	case provider.PhysBorrowed:
		return faultPhysBorrowed(as, faultPage, base, info)
	case provider.External:
		return faultExternal(as, faultPage, base, info, access)
	case provider.Fmap:
		return errs.New("fault: fmap", errs.EOPNOTSUP)
	default:
		return errs.New("fault", errs.ESEGV)
	}
}

// flushIfNeeded issues the single-page flush named in spec §5 ("Single-
// page upgrades from the fault handler use a single-page flush") when a
// mapper call reports it narrowed or replaced an existing PTE. A nil f
// means the mutation installed a fresh PTE where none existed, which no
// TLB can have cached, so nothing is flushed. This replaces the general
// multi-page Flusher the mmap/mprotect/munmap/try_clone paths batch
// into a single broadcast — a fault only ever touches one page, so
// there is nothing to batch here.
func flushIfNeeded(loaded flush.Loaded, f *flush.Flush, faultPage page.Page) {
	if f == nil {
		return
	}
	flush.SinglePage(loaded, faultPage)
}

// faultAllocated resolves a fault against an Allocated grant (spec
// §4.5's largest case): a first touch allocates and zeros a fresh
// frame; a write against an already-present CoW page either upgrades
// in place (single owner left) or breaks the share by copying onto a
// freshly allocated frame (still shared).
func faultAllocated(as *addrspace.AddrSpace, faultPage page.Page, info *grant.Info, access AccessMode) error {
	paddr, curFlags, present := as.Table.Translate(faultPage)

	if !present {
		f, ok := as.Frames.Allocate()
		if !ok {
			return errs.New("fault: allocated", errs.ENOMEM)
		}
		as.Frames.Zero(f)
		// spec §4.5 step 5: a Write fault maps the fresh frame writable;
		// a Read/Exec fault on the same unmapped page maps it read-only,
		// deferring the writable upgrade to a later write fault.
		flags := info.Flags.WithWrite(access == WriteAccess)
		as.Table.MapPhys(faultPage, f, flags)
		return nil
	}

	if access != WriteAccess || curFlags.HasWrite() {
		// Already present and either a read (nothing to upgrade) or a
		// write against a page that is already writable (a benign
		// duplicate fault, spec §7's idempotence rule).
		return nil
	}

	if !curFlags.HasCow() {
		// Present, read-only, and not a CoW share: this is the
		// solely-owned frame installed by an earlier Read/Exec first
		// touch, now taking its first write. Upgrade the PTE directly;
		// no other mapping can reference this frame, so there is
		// nothing to break.
		_, _, rFl, remapped := as.Table.RemapWith(faultPage, func(pageflags.PageFlags) pageflags.PageFlags {
			return curFlags.WithWrite(true)
		})
		if remapped {
			flushIfNeeded(as.Table, rFl, faultPage)
		}
		return nil
	}

	if as.Frames.Info(paddr).Refcount <= 1 {
		// Total refcount says no other mapping references this frame
		// (the other CoW sharer already dropped its own mapping): reuse
		// the frame in place rather than copying (spec §4.5's CoW fast
		// path).
		_, _, rFl, remapped := as.Table.RemapWith(faultPage, func(pageflags.PageFlags) pageflags.PageFlags {
			return curFlags.WithWrite(true).WithoutCow()
		})
		if remapped {
			flushIfNeeded(as.Table, rFl, faultPage)
			as.Frames.CowDown(paddr)
		}
		return nil
	}

	// Shared by more than one owner: break the CoW by copying onto a
	// fresh frame that only this side will hold.
	newFrame, ok := as.Frames.Allocate()
	if !ok {
		return errs.New("fault: cow break", errs.ENOMEM)
	}
	as.Frames.Copy(newFrame, paddr)
	mapFl := as.Table.MapPhys(faultPage, newFrame, curFlags.WithWrite(true).WithoutCow())
	flushIfNeeded(as.Table, mapFl, faultPage)
	as.Frames.CowDown(paddr)
	as.Frames.RefDown(paddr)
	return nil
}

// faultPhysBorrowed resolves a fault against a PhysBorrowed grant:
// the PTE is installed on first touch, computed directly from the
// grant's fixed physical base — no refcounting, matching spec §4.3's
// "no frame refcount changes" for this provider.
func faultPhysBorrowed(as *addrspace.AddrSpace, faultPage, base page.Page, info *grant.Info) error {
	if _, _, present := as.Table.Translate(faultPage); present {
		return nil
	}
	phys := info.Provider.PhysBase.Add(faultPage.Sub(base))
	as.Table.MapPhys(faultPage, phys, info.Flags)
	return nil
}

// faultExternal resolves a fault against an External grant: the
// source address space's page table is consulted under its read lock
// (spec §4.5 step 5's lock order — this space's write lock is already
// held, then the source's read lock, never the reverse). If the
// source has the page mapped, the frame is mirrored into this space
// with its refcount bumped, writable only if this fault was itself a
// write; a later write fault against that same read-only mirror just
// upgrades the local PTE in place, since a mirrored frame is never
// shared by more than this one local mapping. If the source has no
// mapping at all, a local zeroed frame is allocated instead, again
// writable only if access was Write (spec §4.5 step 5's External-
// unmapped-source rule).
func faultExternal(as *addrspace.AddrSpace, faultPage, base page.Page, info *grant.Info, access AccessMode) error {
	if _, curFlags, present := as.Table.Translate(faultPage); present {
		if access == WriteAccess && !curFlags.HasWrite() {
			_, _, rFl, remapped := as.Table.RemapWith(faultPage, func(pageflags.PageFlags) pageflags.PageFlags {
				return curFlags.WithWrite(true)
			})
			if remapped {
				flushIfNeeded(as.Table, rFl, faultPage)
			}
		}
		return nil
	}

	src := info.Provider.SourceSpace
	srcPage := page.Rebase(page.Span{Base: base}, page.Span{Base: info.Provider.SourceBase}, faultPage)

	src.RLock()
	f, ok := src.Translate(srcPage)
	src.RUnlock()

	if ok {
		flags := info.Flags.WithWrite(access == WriteAccess)
		as.Frames.RefUp(f)
		as.Table.MapPhys(faultPage, f, flags)
		return nil
	}

	newFrame, allocated := as.Frames.Allocate()
	if !allocated {
		return errs.New("fault: external", errs.ENOMEM)
	}
	as.Frames.Zero(newFrame)
	flags := info.Flags.WithWrite(access == WriteAccess)
	as.Table.MapPhys(faultPage, newFrame, flags)
	return nil
}
