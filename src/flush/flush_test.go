package flush

import (
	"sync"
	"testing"

	"nucleus/src/page"
)

type fakeLoaded struct {
	cpus    []CPU
	current int
}

func (f *fakeLoaded) LoadedCPUs() []CPU  { return f.cpus }
func (f *fakeLoaded) IsCurrent(id int) bool { return id == f.current }

func TestFastPathInvalidatesLocally(t *testing.T) {
	var got []page.Span
	loaded := &fakeLoaded{
		cpus:    []CPU{{ID: 0, Invalidate: func(s page.Span) { got = append(got, s) }}},
		current: 0,
	}
	fl := NewFlusher(loaded)
	fl.AddSpan(page.Span{Base: 4, Count: 1})
	fl.Finish()
	if len(got) != 1 || got[0].Base != 4 {
		t.Fatalf("expected one local invalidation at page 4, got %+v", got)
	}
}

func TestSlowPathBroadcastsToAllLoadedCPUs(t *testing.T) {
	var mu sync.Mutex
	hits := map[int]int{}
	record := func(id int) func(page.Span) {
		return func(page.Span) {
			mu.Lock()
			hits[id]++
			mu.Unlock()
		}
	}
	loaded := &fakeLoaded{
		cpus: []CPU{
			{ID: 0, Invalidate: record(0)},
			{ID: 1, Invalidate: record(1)},
			{ID: 2, Invalidate: record(2)},
		},
		current: 0,
	}
	fl := NewFlusher(loaded)
	fl.AddSpan(page.Span{Base: 1, Count: 1})
	fl.Finish()
	for id := 0; id < 3; id++ {
		if hits[id] != 1 {
			t.Fatalf("expected CPU %d to be invalidated exactly once, got %d", id, hits[id])
		}
	}
}

func TestFinishIsNoopWithNothingPending(t *testing.T) {
	called := false
	loaded := &fakeLoaded{cpus: []CPU{{ID: 0, Invalidate: func(page.Span) { called = true }}}, current: 0}
	fl := NewFlusher(loaded)
	fl.Finish()
	if called {
		t.Fatal("expected no invalidation when nothing was queued")
	}
}

type fakeFile struct{ closed bool }

func (f *fakeFile) Close() error { f.closed = true; return nil }

type fakeScheme struct{ notified bool }

func (s *fakeScheme) Funmap(addr, length uintptr) { s.notified = true }

func TestUnmapResultClosesAfterRelease(t *testing.T) {
	var u UnmapResult
	f := &fakeFile{}
	s := &fakeScheme{}
	u.AddFileClose(s, 0x1000, page.Size, f)
	if f.closed || s.notified {
		t.Fatal("file must not be closed before Close is called")
	}
	u.Close()
	if !f.closed || !s.notified {
		t.Fatal("expected Close to notify the scheme and close the descriptor")
	}
}

func TestUnmapResultCloseOnNilIsSafe(t *testing.T) {
	var u *UnmapResult
	u.Close()
}
