// Package usergrants implements UserGrants: the ordered grant map plus
// its dual hole map (spec §3/§4.2). Grounded directly on Redox's
// UserGrants in _examples/original_source/src/context/memory.rs — the
// component spec.md distills almost verbatim — rendered in the
// teacher's flat, allocation-conscious style (Biscuit prefers sorted
// slices with binary search over generic tree containers throughout
// mem/vm, so grants and holes are kept as slices sorted incrementally
// on Insert/Remove rather than reaching for a balanced-tree package).
package usergrants

import (
	"sort"

	"nucleus/src/grant"
	"nucleus/src/page"
)

// FunmapEntry is the scheme-correlation payload carried opaquely by
// funmap (spec §3): the byte length of the original fmap call and the
// page it was issued against. The core algorithms never interpret it.
type FunmapEntry struct {
	Length uintptr
	Page   page.Page
}

type hole struct {
	start page.Page
	size  uintptr // in pages
}

// UserGrants is the ordered map of grants plus the complement hole
// map, the master duality invariant of spec §3: at all times, the
// union of grant spans and holes equals [0, UserEndOffset) exactly,
// with no overlap.
type UserGrants struct {
	grants []grant.Grant // sorted ascending by Base
	holes  []hole        // sorted ascending by start, in pages
	Funmap map[page.Page]FunmapEntry
}

// New builds an empty UserGrants: no grants, one hole spanning the
// entire user address range.
func New() *UserGrants {
	return &UserGrants{
		holes:  []hole{{start: 0, size: uintptr(page.UserEndOffset)}},
		Funmap: make(map[page.Page]FunmapEntry),
	}
}

// IsEmpty reports whether there are no grants at all.
func (u *UserGrants) IsEmpty() bool { return len(u.grants) == 0 }

// Iter calls fn for every grant in ascending base order. Stops early
// if fn returns false.
func (u *UserGrants) Iter(fn func(grant.Grant) bool) {
	for _, g := range u.grants {
		if !fn(g) {
			return
		}
	}
}

// grantIndexContaining returns the index of the grant whose span
// contains p, or (-1, false).
func (u *UserGrants) grantIndexContaining(p page.Page) (int, bool) {
	// greatest grant base <= p
	i := sort.Search(len(u.grants), func(i int) bool { return u.grants[i].Base > p }) - 1
	if i < 0 {
		return -1, false
	}
	if u.grants[i].Info.Span(u.grants[i].Base).Contains(p) {
		return i, true
	}
	return -1, false
}

// Contains returns the grant occupying page p, if any (spec §4.2).
func (u *UserGrants) Contains(p page.Page) (page.Page, *grant.Info, bool) {
	i, ok := u.grantIndexContaining(p)
	if !ok {
		return 0, nil, false
	}
	return u.grants[i].Base, &u.grants[i].Info, true
}

// Conflicts calls fn for every grant intersecting span, starting from
// the grant containing span.Base (if any) so a grant whose base
// precedes span.Base is still included, then walking forward while
// overlap holds (spec §4.2). Stops early if fn returns false.
func (u *UserGrants) Conflicts(span page.Span, fn func(grant.Grant) bool) {
	start := 0
	if i, ok := u.grantIndexContaining(span.Base); ok {
		start = i
	} else {
		start = sort.Search(len(u.grants), func(i int) bool { return u.grants[i].Base >= span.Base })
	}
	for i := start; i < len(u.grants); i++ {
		g := u.grants[i]
		if g.Info.Span(g.Base).Intersection(span).IsEmpty() {
			if g.Base >= span.End() {
				break
			}
			continue
		}
		if !fn(g) {
			return
		}
	}
}

// ConflictsSlice is a convenience wrapper over Conflicts that collects
// the results into a slice.
func (u *UserGrants) ConflictsSlice(span page.Span) []grant.Grant {
	var out []grant.Grant
	u.Conflicts(span, func(g grant.Grant) bool {
		out = append(out, g)
		return true
	})
	return out
}

// FindFree scans holes in ascending address order and returns a span
// of exactly count pages, starting at the first position within a
// hole at or after min, per spec §4.2. min exists to prevent implicit
// placement at virtual page 0.
func (u *UserGrants) FindFree(min page.Page, count uintptr) (page.Span, bool) {
	for _, h := range u.holes {
		end := h.start.Add(h.size)
		usableStart := h.start
		if usableStart < min {
			usableStart = min
		}
		if usableStart >= end {
			continue
		}
		tail := end.Sub(usableStart)
		if tail >= count {
			return page.Span{Base: usableStart, Count: count}, true
		}
	}
	return page.Span{}, false
}

// FixedConflictPolicy selects what FindFreeAt does when the requested
// fixed span conflicts with an existing grant.
type FixedConflictPolicy int

const (
	// PolicyFallback falls back to FindFree on conflict (plain
	// MAP_FIXED-less hinted placement).
	PolicyFallback FixedConflictPolicy = iota
	// PolicyNoReplace returns EEXIST on conflict (MAP_FIXED_NOREPLACE).
	PolicyNoReplace
	// PolicyReplace would replace the existing grant (MAP_FIXED); not
	// supported by this core (spec §4.2/§7/§9).
	PolicyReplace
)

// FindFreeAt resolves a placement request with an optional hinted
// base, per spec §4.2's find_free_at. If base is absent, delegates to
// FindFree. If base conflicts with an existing grant: PolicyNoReplace
// returns EEXIST; PolicyReplace returns EOPNOTSUPP (out of scope);
// PolicyFallback falls back to FindFree. With no conflict, the
// requested span is returned as-is.
func (u *UserGrants) FindFreeAt(min page.Page, base *page.Page, count uintptr, policy FixedConflictPolicy) (span page.Span, errKind int, ok bool) {
	if base == nil {
		s, ok := u.FindFree(min, count)
		if !ok {
			return page.Span{}, errNoMemory, false
		}
		return s, errNone, true
	}
	requested := page.Span{Base: *base, Count: count}
	if requested.End() > page.UserEndOffset {
		return page.Span{}, errInvalid, false
	}
	conflict := false
	u.Conflicts(requested, func(grant.Grant) bool { conflict = true; return false })
	if !conflict {
		return requested, errNone, true
	}
	switch policy {
	case PolicyNoReplace:
		return page.Span{}, errExists, false
	case PolicyReplace:
		return page.Span{}, errNotSupported, false
	default:
		s, ok := u.FindFree(min, count)
		if !ok {
			return page.Span{}, errNoMemory, false
		}
		return s, errNone, true
	}
}

// Error-kind sentinels returned by FindFreeAt, deliberately
// independent of package errs to avoid a dependency from this package
// (pure data structure) onto the error-taxonomy package; addrspace
// translates these into *errs.KernelError at the syscall boundary.
const (
	errNone = iota
	errNoMemory
	errExists
	errNotSupported
	errInvalid
)

// ErrNoMemory, ErrExists, ErrNotSupported, ErrInvalid expose the
// sentinel values FindFreeAt can return, for callers outside this
// package to compare against.
const (
	ErrNone         = errNone
	ErrNoMemory     = errNoMemory
	ErrExists       = errExists
	ErrNotSupported = errNotSupported
	ErrInvalid      = errInvalid
)

// Insert records g, asserting it does not conflict with any existing
// grant, then reserves its span out of the hole map (spec §4.2:
// "asserts no conflict, then reserve updates the holes map"). Merging
// of adjacent identical grants is specified-but-disabled per spec
// §4.2 and is not implemented here.
func (u *UserGrants) Insert(g grant.Grant) {
	span := g.Info.Span(g.Base)
	u.Conflicts(span, func(grant.Grant) bool {
		panic("usergrants: Insert: conflicting grant")
	})
	u.reserve(span)
	i := sort.Search(len(u.grants), func(i int) bool { return u.grants[i].Base >= g.Base })
	u.grants = append(u.grants, grant.Grant{})
	copy(u.grants[i+1:], u.grants[i:])
	u.grants[i] = g
}

// reserve removes span from the hole map: splitting or shrinking
// whichever hole(s) it occupies.
func (u *UserGrants) reserve(span page.Span) {
	for i, h := range u.holes {
		hspan := page.Span{Base: h.start, Count: h.size}
		if !hspan.Contains(span.Base) {
			continue
		}
		before, _, after := hspan.Slice(span)
		replacement := make([]hole, 0, 2)
		if !before.IsEmpty() {
			replacement = append(replacement, hole{start: before.Base, size: before.Count})
		}
		if !after.IsEmpty() {
			replacement = append(replacement, hole{start: after.Base, size: after.Count})
		}
		u.holes = append(u.holes[:i], append(replacement, u.holes[i+1:]...)...)
		return
	}
	panic("usergrants: reserve: span not found within any hole")
}

// Remove removes the grant based at base, if any, and unreserves its
// span back into the hole map, coalescing with any adjacent holes on
// either side (spec §4.2). Returns the removed grant.
func (u *UserGrants) Remove(base page.Page) (grant.Grant, bool) {
	i := sort.Search(len(u.grants), func(i int) bool { return u.grants[i].Base >= base })
	if i >= len(u.grants) || u.grants[i].Base != base {
		return grant.Grant{}, false
	}
	g := u.grants[i]
	u.grants = append(u.grants[:i], u.grants[i+1:]...)
	u.unreserve(g.Info.Span(g.Base))
	return g, true
}

// unreserve adds span back to the hole map, merging it with an
// immediately preceding and/or following hole.
func (u *UserGrants) unreserve(span page.Span) {
	start := span.Base
	size := span.Count
	// merge with preceding hole that ends exactly at start
	i := sort.Search(len(u.holes), func(i int) bool { return u.holes[i].start >= start })
	if i > 0 {
		prev := u.holes[i-1]
		if prev.start+page.Page(prev.size) == start {
			start = prev.start
			size += prev.size
			u.holes = append(u.holes[:i-1], u.holes[i:]...)
			i--
		}
	}
	// merge with following hole that starts exactly at start+size
	if i < len(u.holes) {
		next := u.holes[i]
		if start+page.Page(size) == next.start {
			size += next.size
			u.holes = append(u.holes[:i], u.holes[i+1:]...)
		}
	}
	// insert the (possibly merged) hole back in sorted position
	j := sort.Search(len(u.holes), func(i int) bool { return u.holes[i].start >= start })
	u.holes = append(u.holes, hole{})
	copy(u.holes[j+1:], u.holes[j:])
	u.holes[j] = hole{start: start, size: size}
}

// Holes returns a snapshot of the hole map as (start, size) pairs, in
// ascending order, for tests and diagnostics.
func (u *UserGrants) Holes() []page.Span {
	out := make([]page.Span, len(u.holes))
	for i, h := range u.holes {
		out[i] = page.Span{Base: h.start, Count: h.size}
	}
	return out
}

// Grants returns a snapshot of the grant list in ascending base order,
// for tests and diagnostics.
func (u *UserGrants) Grants() []grant.Grant {
	out := make([]grant.Grant, len(u.grants))
	copy(out, u.grants)
	return out
}
