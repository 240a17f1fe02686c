package frame

import (
	"testing"
)

func TestAllocateExhaustion(t *testing.T) {
	a := NewAllocator(2)
	f1, ok := a.Allocate()
	if !ok {
		t.Fatal("expected allocation to succeed")
	}
	_, ok = a.Allocate()
	if !ok {
		t.Fatal("expected second allocation to succeed")
	}
	_, ok = a.Allocate()
	if ok {
		t.Fatal("expected third allocation to fail: pool exhausted")
	}
	a.RefDown(f1)
	_, ok = a.Allocate()
	if !ok {
		t.Fatal("expected allocation to succeed after a frame was freed")
	}
}

func TestRefcounting(t *testing.T) {
	a := NewAllocator(1)
	f, _ := a.Allocate()
	a.RefUp(f)
	if freed := a.RefDown(f); freed {
		t.Fatal("frame should not be freed while refcount > 0")
	}
	if freed := a.RefDown(f); !freed {
		t.Fatal("frame should be freed once refcount reaches 0")
	}
	if a.Free() != 1 {
		t.Fatalf("expected frame back in the pool, got %d free", a.Free())
	}
}

func TestCowRefcounting(t *testing.T) {
	a := NewAllocator(1)
	f, _ := a.Allocate()
	a.CowUp(f)
	a.CowUp(f)
	if a.Info(f).CowRefcount != 2 {
		t.Fatalf("expected cow refcount 2, got %d", a.Info(f).CowRefcount)
	}
	a.CowDown(f)
	if a.Info(f).CowRefcount != 1 {
		t.Fatalf("expected cow refcount 1, got %d", a.Info(f).CowRefcount)
	}
}

func TestZeroAndCopy(t *testing.T) {
	a := NewAllocator(2)
	src, _ := a.Allocate()
	dst, _ := a.Allocate()
	a.Data(src)[0] = 0xAB
	a.Copy(dst, src)
	if a.Data(dst)[0] != 0xAB {
		t.Fatal("expected copy to transfer byte contents")
	}
	a.Zero(dst)
	if a.Data(dst)[0] != 0 {
		t.Fatal("expected zero to clear byte contents")
	}
}
