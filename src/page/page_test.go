package page

import "testing"

func TestIntersectionDisjoint(t *testing.T) {
	a := Span{Base: 0, Count: 4}
	b := Span{Base: 10, Count: 4}
	got := a.Intersection(b)
	if !got.IsEmpty() {
		t.Fatalf("expected empty intersection, got %+v", got)
	}
}

func TestIntersectionOverlap(t *testing.T) {
	a := Span{Base: 0, Count: 10}
	b := Span{Base: 5, Count: 10}
	got := a.Intersection(b)
	want := Span{Base: 5, Count: 5}
	if got != want {
		t.Fatalf("got %+v want %+v", got, want)
	}
}

func TestSlice(t *testing.T) {
	outer := Span{Base: 0, Count: 10}
	inner := Span{Base: 3, Count: 4}
	before, middle, after := outer.Slice(inner)
	if before != (Span{Base: 0, Count: 3}) {
		t.Fatalf("before = %+v", before)
	}
	if middle != inner {
		t.Fatalf("middle = %+v", middle)
	}
	if after != (Span{Base: 7, Count: 3}) {
		t.Fatalf("after = %+v", after)
	}
}

func TestSliceWholeSpan(t *testing.T) {
	outer := Span{Base: 4, Count: 6}
	before, middle, after := outer.Slice(outer)
	if !before.IsEmpty() || !after.IsEmpty() {
		t.Fatalf("expected both edges empty, got before=%+v after=%+v", before, after)
	}
	if middle != outer {
		t.Fatalf("middle = %+v", middle)
	}
}

func TestSlicePanicsOnOutOfBounds(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("expected panic slicing an inner span outside the outer span")
		}
	}()
	outer := Span{Base: 0, Count: 4}
	inner := Span{Base: 2, Count: 4}
	outer.Slice(inner)
}

func TestRebase(t *testing.T) {
	oldSpan := Span{Base: 100, Count: 10}
	newSpan := Span{Base: 500, Count: 10}
	got := Rebase(oldSpan, newSpan, 103)
	if got != 503 {
		t.Fatalf("got %v want 503", got)
	}
}

func TestNewClampsAtCeiling(t *testing.T) {
	s := New(UserEndOffset-2, 10)
	if s.Count != 2 {
		t.Fatalf("expected clamp to 2 pages, got %v", s.Count)
	}
}

func TestIterOrder(t *testing.T) {
	s := Span{Base: 5, Count: 3}
	var got []Page
	s.Iter(func(p Page) { got = append(got, p) })
	want := []Page{5, 6, 7}
	if len(got) != len(want) {
		t.Fatalf("got %v want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v want %v", got, want)
		}
	}
}
