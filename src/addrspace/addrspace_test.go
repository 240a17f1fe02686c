package addrspace

import (
	"testing"

	"nucleus/src/errs"
	"nucleus/src/frame"
	"nucleus/src/grant"
	"nucleus/src/page"
	"nucleus/src/pageflags"
	"nucleus/src/provider"
)

func TestMmapAnonPlacesAboveMmapMin(t *testing.T) {
	as := New(frame.NewAllocator(16))
	base, err := as.MmapAnon(nil, 2, pageflags.Read|pageflags.Write, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if base < as.MmapMin {
		t.Fatalf("expected base >= MmapMin, got %v", base)
	}
	if _, ok := as.Grants.Contains(base); !ok {
		t.Fatal("expected a grant recorded at the returned base")
	}
}

func TestMmapFixedNoReplaceConflictReturnsEEXIST(t *testing.T) {
	as := New(frame.NewAllocator(16))
	hint := page.Page(10)
	if _, err := as.MmapAnon(&hint, 4, pageflags.Read, 0); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	conflict := page.Page(12)
	_, err := as.MmapAnon(&conflict, 1, pageflags.Read, pageflags.FixedNoReplace)
	if !errs.Is(err, errs.EEXIST) {
		t.Fatalf("expected EEXIST, got %v", err)
	}
}

func TestMprotectWidenWriteOnPhysBorrowedFails(t *testing.T) {
	as := New(frame.NewAllocator(16))
	hint := page.Page(20)
	base, err := as.MmapPhys(&hint, 500, 2, pageflags.Read, 0, true)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	err = as.Mprotect(page.Span{Base: base, Count: 2}, pageflags.Read|pageflags.Write)
	if !errs.Is(err, errs.EACCES) {
		t.Fatalf("expected EACCES widening write on a PhysBorrowed grant, got %v", err)
	}
	// Must leave the grant untouched.
	_, info, ok := as.Grants.Contains(base)
	if !ok || info.Flags.HasWrite() {
		t.Fatalf("expected grant flags unchanged after rejected mprotect, got %+v ok=%v", info, ok)
	}
}

func TestMprotectSplitsGrant(t *testing.T) {
	as := New(frame.NewAllocator(16))
	hint := page.Page(30)
	base, err := as.MmapAnon(&hint, 6, pageflags.Read, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	mid := page.Span{Base: base.Add(2), Count: 2}
	if err := as.Mprotect(mid, pageflags.Read|pageflags.Write); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, info, ok := as.Grants.Contains(base); !ok || info.Flags.HasWrite() {
		t.Fatalf("expected leading piece to stay read-only, got %+v ok=%v", info, ok)
	}
	if _, info, ok := as.Grants.Contains(mid.Base); !ok || !info.Flags.HasWrite() {
		t.Fatalf("expected middle piece writable, got %+v ok=%v", info, ok)
	}
	if _, info, ok := as.Grants.Contains(mid.End()); !ok || info.Flags.HasWrite() {
		t.Fatalf("expected trailing piece to stay read-only, got %+v ok=%v", info, ok)
	}
}

func TestMunmapReleasesAllocatedFrameAndReturnsUnmapResult(t *testing.T) {
	fr := frame.NewAllocator(16)
	as := New(fr)
	hint := page.Page(0)
	base, err := as.MmapAnon(&hint, 2, pageflags.Read|pageflags.Write, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	// Fault in page 0 manually (no fault handler yet wired in this test):
	// mimic what the fault handler would do on first touch.
	f, _ := fr.Allocate()
	as.Table.MapPhys(base, f, pageflags.Read|pageflags.Write)

	res, err := as.Munmap(page.Span{Base: base, Count: 2})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	res.Close()
	if _, _, ok := as.Grants.Contains(base); ok {
		t.Fatal("expected grant removed after munmap")
	}
	if _, _, ok := as.Table.Translate(base); ok {
		t.Fatal("expected page table entry removed after munmap")
	}
	if fr.Free() != 16 {
		t.Fatalf("expected the allocated frame returned to the pool, free=%d", fr.Free())
	}
}

func TestTryCloneCowSharesAllocatedGrant(t *testing.T) {
	fr := frame.NewAllocator(16)
	parent := New(fr)
	hint := page.Page(0)
	base, err := parent.MmapAnon(&hint, 1, pageflags.Read|pageflags.Write, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f, _ := fr.Allocate()
	parent.Table.MapPhys(base, f, pageflags.Read|pageflags.Write)

	child, err := parent.TryClone()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	cf, cflags, ok := child.Table.Translate(base)
	if !ok || cf != f {
		t.Fatalf("expected child to share the parent's frame, got %v ok=%v", cf, ok)
	}
	if cflags.HasWrite() {
		t.Fatal("expected child's PTE downgraded to read-only")
	}
	_, pflags, _ := parent.Table.Translate(base)
	if pflags.HasWrite() {
		t.Fatal("expected parent's PTE downgraded to read-only too")
	}
	if fr.Info(f).Refcount != 2 || fr.Info(f).CowRefcount != 2 {
		t.Fatalf("expected refcount=2 cowrefcount=2, got %+v", fr.Info(f))
	}
}

type fakeDesc struct{ closed bool }

func (d *fakeDesc) Close() error { d.closed = true; return nil }

func TestTryCloneFmapGrantReturnsError(t *testing.T) {
	as := New(frame.NewAllocator(4))
	as.Grants.Insert(grant.Grant{Base: 0, Info: grant.Info{
		PageCount: 1, Flags: pageflags.Read, Mapped: true,
		Provider: provider.NewFmap(provider.GrantFileRef{Desc: &fakeDesc{}}),
	}})
	if _, err := as.TryClone(); !errs.Is(err, errs.EOPNOTSUP) {
		t.Fatalf("expected EOPNOTSUPP cloning an Fmap grant, got %v", err)
	}
}

func TestTryCloneFmapGrantLeavesSourceUntouched(t *testing.T) {
	fr := frame.NewAllocator(4)
	as := New(fr)
	hint := page.Page(0)
	base, err := as.MmapAnon(&hint, 1, pageflags.Read|pageflags.Write, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	f, _ := fr.Allocate()
	as.Table.MapPhys(base, f, pageflags.Read|pageflags.Write)

	fmapHint := page.Page(10)
	if _, err := as.Mmap(&fmapHint, 1, 0, func(span page.Span) (grant.Grant, error) {
		return grant.Grant{Base: span.Base, Info: grant.Info{
			PageCount: span.Count, Flags: pageflags.Read, Mapped: true,
			Provider: provider.NewFmap(provider.GrantFileRef{Desc: &fakeDesc{}}),
		}}, nil
	}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// The Allocated grant sorts before the Fmap grant by base, so a
	// naive mutate-as-you-go loop would already have downgraded it to
	// a CoW share before reaching the Fmap grant and failing.
	if _, err := as.TryClone(); !errs.Is(err, errs.EOPNOTSUP) {
		t.Fatalf("expected EOPNOTSUPP cloning a space containing any Fmap grant, got %v", err)
	}

	_, flags, ok := as.Table.Translate(base)
	if !ok || !flags.HasWrite() || flags.HasCow() {
		t.Fatalf("expected the Allocated grant's PTE left untouched by the rejected fork, got flags=%v ok=%v", flags, ok)
	}
	if fr.Info(f).Refcount != 1 || fr.Info(f).CowRefcount != 0 {
		t.Fatalf("expected the Allocated grant's frame refcounts left untouched, got %+v", fr.Info(f))
	}
}

func TestMprotectSplitFmapGrantClosesDescriptorOnlyOnce(t *testing.T) {
	as := New(frame.NewAllocator(16))
	hint := page.Page(1)
	desc := &fakeDesc{}
	base, err := as.Mmap(&hint, 6, 0, func(span page.Span) (grant.Grant, error) {
		return grant.Grant{Base: span.Base, Info: grant.Info{
			PageCount: span.Count, Flags: pageflags.Read, Mapped: true,
			Provider: provider.NewFmap(provider.NewGrantFileRef(desc, 0, 0)),
		}}, nil
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	// Split the grant into three pieces: [base,base+2) [base+2,base+4)
	// [base+4,base+6), each now carrying its own counted reference to
	// the same descriptor.
	if err := as.Mprotect(page.Span{Base: base.Add(2), Count: 2}, pageflags.Read); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	closes := 0
	for _, piece := range []page.Span{
		{Base: base, Count: 2},
		{Base: base.Add(2), Count: 2},
		{Base: base.Add(4), Count: 2},
	} {
		res, err := as.Munmap(piece)
		if err != nil {
			t.Fatalf("unexpected error unmapping %v: %v", piece, err)
		}
		res.Close()
		if desc.closed {
			closes++
			desc.closed = false
		}
	}
	if closes != 1 {
		t.Fatalf("expected the descriptor closed exactly once across all three pieces, got %d closes", closes)
	}
}

func TestTryClonePhysBorrowedOnly(t *testing.T) {
	as := New(frame.NewAllocator(4))
	hint := page.Page(0)
	if _, err := as.MmapPhys(&hint, 900, 1, pageflags.Read, 0, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := as.TryClone(); err != nil {
		t.Fatalf("unexpected error cloning a PhysBorrowed-only space: %v", err)
	}
}
