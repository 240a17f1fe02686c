package pageflags

import (
	"golang.org/x/sys/unix"
	"testing"
)

func TestFromProtTranslatesBits(t *testing.T) {
	f := FromProt(unix.PROT_READ | unix.PROT_WRITE)
	if !f.HasRead() || !f.HasWrite() || f.HasExecute() {
		t.Fatalf("got %v", f)
	}
}

func TestFromMmapFlagsFixed(t *testing.T) {
	f := FromMmapFlags(unix.MAP_FIXED)
	if f&Fixed == 0 {
		t.Fatalf("expected Fixed bit set, got %v", f)
	}
}

func TestWithWriteAndReadOnly(t *testing.T) {
	f := Read
	f = f.WithWrite(true)
	if !f.HasWrite() {
		t.Fatal("expected write bit set")
	}
	f = f.ReadOnly()
	if f.HasWrite() {
		t.Fatal("expected ReadOnly to clear the write bit")
	}
}

func TestWithCowAndWithoutCow(t *testing.T) {
	f := Read.WithCow(true)
	if !f.HasCow() {
		t.Fatal("expected cow bit set")
	}
	f = f.WithoutCow()
	if f.HasCow() {
		t.Fatal("expected WithoutCow to clear the cow bit")
	}
}

func TestCanHaveFlagsRefusesWidenWithoutPermission(t *testing.T) {
	if CanHaveFlags(Read, Read|Write, false, false) {
		t.Fatal("expected widening write to be refused without allowWidenWrite")
	}
	if !CanHaveFlags(Read, Read|Write, true, false) {
		t.Fatal("expected widening write to succeed with allowWidenWrite")
	}
}

func TestCanHaveFlagsAllowsNarrowing(t *testing.T) {
	if !CanHaveFlags(Read|Write, Read, false, false) {
		t.Fatal("expected narrowing (dropping write) to always be allowed")
	}
}

func TestCanHaveFlagsRefusesWidenExecWithoutPermission(t *testing.T) {
	if CanHaveFlags(Read, Read|Execute, false, false) {
		t.Fatal("expected widening exec to be refused without allowWidenExec")
	}
}
