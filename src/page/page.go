// Package page implements half-open page-range arithmetic shared by
// every component of the virtual memory core. Page and Frame mirror
// the teacher's Pa_t newtype-over-uintptr pattern (biscuit/src/mem
// "type Pa_t uintptr") rather than using bare integers, so that a
// virtual page index and a physical frame index can never be
// type-confused at a call site.
package page

const (
	// Shift is the base-2 exponent of the page size (4KiB pages).
	Shift uint = 12
	// Size is the number of bytes in one page.
	Size uintptr = 1 << Shift
	// UserEndOffset is the exclusive upper bound of user virtual
	// address space, expressed in pages.
	UserEndOffset Page = 1 << (47 - Shift)
	// MmapMinDefault is the default floor below which auto-placed
	// mappings never start (one page, i.e. never page 0).
	MmapMinDefault Page = 1
)

// Page is a virtual page index (address / Size).
type Page uintptr

// Frame is a physical page index (address / Size).
type Frame uintptr

// Add returns p advanced by n pages.
func (p Page) Add(n uintptr) Page { return p + Page(n) }

// Sub returns the page distance from q to p (p - q), assuming p >= q.
func (p Page) Sub(q Page) uintptr { return uintptr(p - q) }

// Addr returns the byte address of the page.
func (p Page) Addr() uintptr { return uintptr(p) << Shift }

// Add returns f advanced by n frames.
func (f Frame) Add(n uintptr) Frame { return f + Frame(n) }

// Span is a half-open page range [Base, Base+Count).
//
// Invariant: Base+Count never exceeds UserEndOffset. Count == 0 is a
// legal, explicitly permitted "empty" span — the sentinel result of a
// disjoint Intersection.
type Span struct {
	Base  Page
	Count uintptr
}

// New builds a Span, clamping Count so that Base+Count never exceeds
// UserEndOffset (spec's saturate-at-the-ceiling rule).
func New(base Page, count uintptr) Span {
	max := uintptr(UserEndOffset - base)
	if base > UserEndOffset {
		return Span{Base: base, Count: 0}
	}
	if count > max {
		count = max
	}
	return Span{Base: base, Count: count}
}

// End returns the exclusive end page of the span.
func (s Span) End() Page { return s.Base.Add(s.Count) }

// IsEmpty reports whether the span has zero pages.
func (s Span) IsEmpty() bool { return s.Count == 0 }

// Contains reports whether p lies within the span.
func (s Span) Contains(p Page) bool {
	return !s.IsEmpty() && p >= s.Base && p < s.End()
}

// Overlaps reports whether s and other share at least one page.
func (s Span) Overlaps(other Span) bool {
	return !s.Intersection(other).IsEmpty()
}

// Intersection returns the element-wise max-of-starts to
// min-of-ends, clamped to an empty span (Count == 0) when s and other
// are disjoint.
func (s Span) Intersection(other Span) Span {
	if s.IsEmpty() || other.IsEmpty() {
		return Span{}
	}
	base := s.Base
	if other.Base > base {
		base = other.Base
	}
	end := s.End()
	if other.End() < end {
		end = other.End()
	}
	if end <= base {
		return Span{}
	}
	return Span{Base: base, Count: end.Sub(base)}
}

// Slice splits s into (before, inner, after) where inner is exactly
// the provided span and before/after are whatever remains on either
// side within s. before and/or after may be empty. Panics if inner is
// not fully contained in s — an assertion per the core's "fatal
// internal conditions" list, not a recoverable error.
func (s Span) Slice(inner Span) (before, middle, after Span) {
	if inner.Base < s.Base || inner.End() > s.End() {
		panic("page: Slice: inner span not contained in outer span")
	}
	before = Span{Base: s.Base, Count: inner.Base.Sub(s.Base)}
	middle = inner
	after = Span{Base: inner.End(), Count: s.End().Sub(inner.End())}
	return
}

// Rebase computes the page that corresponds to "page" under a
// translation from oldBase's span to newBase's span: newBase +
// (page - oldBase.Base).
func Rebase(oldBase, newBase Span, p Page) Page {
	off := p.Sub(oldBase.Base)
	return newBase.Base.Add(off)
}

// Iter calls fn for every page in the span, in ascending order.
func (s Span) Iter(fn func(Page)) {
	for i := uintptr(0); i < s.Count; i++ {
		fn(s.Base.Add(i))
	}
}

// WithBase returns a copy of s with a different base, same count.
func (s Span) WithBase(base Page) Span { return Span{Base: base, Count: s.Count} }

// WithCount returns a copy of s with a different count, same base.
func (s Span) WithCount(count uintptr) Span { return Span{Base: s.Base, Count: count} }
