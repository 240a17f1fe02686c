// Package pageflags translates between the syscall-facing prot/flags
// bits (mmap/mprotect's PROT_READ etc.) and the PTE-level PageFlags
// bitset the rest of the core manipulates. Grounded on the
// PTE_P/PTE_W/PTE_U/PTE_COW constants in biscuit/src/mem/mem.go for
// the internal bitset, and on golang.org/x/sys/unix (carried from the
// teacher's own go.mod) for the syscall-facing constants.
package pageflags

import "golang.org/x/sys/unix"

// PageFlags is the PTE-level protection/state bitset a grant carries.
// Only the bits relevant to this core are modeled; architecture bits
// such as PTE_PS/PTE_PCD are the page-table walker's concern and are
// out of scope here (spec §1).
type PageFlags uint

const (
	Read PageFlags = 1 << iota
	Write
	Execute
	// Cow marks a PTE that is currently downgraded to read-only
	// because its frame is shared by more than one mapping.
	Cow
)

func (f PageFlags) HasRead() bool    { return f&Read != 0 }
func (f PageFlags) HasWrite() bool   { return f&Write != 0 }
func (f PageFlags) HasExecute() bool { return f&Execute != 0 }
func (f PageFlags) HasCow() bool     { return f&Cow != 0 }

func (f PageFlags) WithWrite(v bool) PageFlags { return setbit(f, Write, v) }
func (f PageFlags) WithCow(v bool) PageFlags   { return setbit(f, Cow, v) }
func (f PageFlags) WithoutCow() PageFlags      { return f &^ Cow }
func (f PageFlags) ReadOnly() PageFlags        { return f &^ Write }

func setbit(f, bit PageFlags, v bool) PageFlags {
	if v {
		return f | bit
	}
	return f &^ bit
}

// MapFlags are the mmap(2)-level flags this core understands. Other
// bits (spec §6: "others ignored here") are accepted but not acted on.
type MapFlags uint

const (
	Fixed MapFlags = 1 << iota
	FixedNoReplace
)

// linuxMapFixedNoReplace mirrors MAP_FIXED_NOREPLACE's canonical Linux
// value. x/sys/unix does not export it on every platform file this
// core might be vendored against, so — in the same spirit as Biscuit
// mirroring raw architecture bit patterns instead of depending on a
// platform package for them — it is reproduced here as a constant
// rather than imported.
const linuxMapFixedNoReplace = 0x100000

// FromProt translates mmap/mprotect's PROT_* bits into PageFlags.
func FromProt(prot int) PageFlags {
	var f PageFlags
	if prot&unix.PROT_READ != 0 {
		f |= Read
	}
	if prot&unix.PROT_WRITE != 0 {
		f |= Write
	}
	if prot&unix.PROT_EXEC != 0 {
		f |= Execute
	}
	return f
}

// FromMmapFlags translates mmap(2)'s MAP_* bits into MapFlags.
func FromMmapFlags(flags int) MapFlags {
	var f MapFlags
	if flags&unix.MAP_FIXED != 0 {
		f |= Fixed
	}
	if flags&linuxMapFixedNoReplace != 0 {
		f |= FixedNoReplace
	}
	return f
}

// CanHaveFlags reports whether a grant may legally carry the
// requested flags given whether its provider allows writable/
// executable widening. Non-Allocated (borrowed) providers refuse to
// widen write or execute (spec §4.4 mprotect: "fails EACCES if the
// new flags widen write/execute on a non-Allocated provider").
func CanHaveFlags(current, requested PageFlags, allowWidenWrite, allowWidenExec bool) bool {
	if requested.HasWrite() && !current.HasWrite() && !allowWidenWrite {
		return false
	}
	if requested.HasExecute() && !current.HasExecute() && !allowWidenExec {
		return false
	}
	return true
}
