// Package flush implements deferred TLB invalidation and deferred
// file-descriptor close, the RAII-style "scoped resource" pattern
// spec §9 calls for. Grounded on Vm_t.Tlbshoot's fast-path/slow-path
// split in biscuit/src/vm/as.go: a cheap local invalidation when the
// address space is only loaded on the current CPU, and a broadcast
// otherwise.
package flush

import (
	"sync"

	"golang.org/x/sync/errgroup"

	"nucleus/src/page"
)

// Flush is a single pending invalidation: the page span that must be
// dropped from any TLB that cached it. A mapper mutation that narrows
// or removes a PTE returns a Flush (or nil, if nothing was mapped).
type Flush struct {
	Span page.Span
}

// CPU identifies one hardware thread that may have an address space's
// page table loaded into its TLB. The real collaborator (spec §1) is
// an opaque IPI-delivery capability; this is the concrete stand-in.
type CPU struct {
	ID int
	// Invalidate is called with the flushed span when this CPU must
	// drop cached translations for it. In a real kernel this sends an
	// IPI; here it runs synchronously, which is what matters for
	// correctness tests.
	Invalidate func(page.Span)
}

// Loaded describes which CPUs have an address space loaded; IsCurrent
// is checked against that set to implement the "am I the only loaded
// CPU" fast path Tlbshoot uses.
type Loaded interface {
	// LoadedCPUs returns the set of CPU IDs with this address space's
	// page table currently active.
	LoadedCPUs() []CPU
	// IsCurrent reports whether id is the CPU running this call.
	IsCurrent(id int) bool
}

// Flusher accumulates pending Flush tokens across a batch of page
// table mutations (an mmap/mprotect/munmap/fault-handler call) and
// performs one broadcast when the batch finishes, mirroring the
// teacher's single Tlbshoot call per syscall rather than one IPI per
// PTE.
type Flusher struct {
	mu      sync.Mutex
	pending []Flush
	loaded  Loaded
}

// NewFlusher builds a Flusher bound to the address space described by
// loaded (used to pick the fast path when only the current CPU has it
// mapped).
func NewFlusher(loaded Loaded) *Flusher {
	return &Flusher{loaded: loaded}
}

// Add enqueues f for invalidation on Finish. A nil Flush (nothing was
// mapped) is silently ignored.
func (fl *Flusher) Add(f *Flush) {
	if f == nil {
		return
	}
	fl.mu.Lock()
	fl.pending = append(fl.pending, *f)
	fl.mu.Unlock()
}

// AddSpan is a convenience for single-page/contiguous invalidations
// that were not already wrapped in a *Flush by a mapper call.
func (fl *Flusher) AddSpan(s page.Span) {
	if s.IsEmpty() {
		return
	}
	fl.Add(&Flush{Span: s})
}

// Finish broadcasts every pending invalidation and clears the queue.
// Call via defer immediately after acquiring the write lock so the
// broadcast always happens on scope exit, even on an error return.
func (fl *Flusher) Finish() {
	fl.mu.Lock()
	pending := fl.pending
	fl.pending = nil
	fl.mu.Unlock()
	if len(pending) == 0 || fl.loaded == nil {
		return
	}
	cpus := fl.loaded.LoadedCPUs()
	// Fast path: exactly one CPU has this address space loaded and it
	// is the one running this call — invalidate locally, no IPI fan-out.
	if len(cpus) == 1 && fl.loaded.IsCurrent(cpus[0].ID) {
		for _, c := range pending {
			cpus[0].Invalidate(c.Span)
		}
		return
	}
	// Slow path: broadcast to every loaded CPU concurrently and wait
	// for all of them, modeling the multi-hardware-thread scheduling
	// model of spec §5 with golang.org/x/sync/errgroup (carried from
	// the teacher's own go.mod) instead of a sequential loop.
	var g errgroup.Group
	for _, c := range cpus {
		c := c
		g.Go(func() error {
			for _, p := range pending {
				c.Invalidate(p.Span)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// SinglePage issues an immediate single-page flush without going
// through the batching queue, for the fault handler's one-PTE-upgrade
// path (spec §4.5 step 6, §5 "single-page upgrades ... use a
// single-page flush").
func SinglePage(loaded Loaded, p page.Page) {
	fl := &Flusher{loaded: loaded}
	fl.AddSpan(page.Span{Base: p, Count: 1})
	fl.Finish()
}

// FileCloser is the minimal surface this package needs from a file
// descriptor to defer its close (spec's FileDescriptor collaborator).
type FileCloser interface {
	Close() error
}

// SchemeNotifier is notified when a file-backed grant is unmapped,
// before the descriptor is closed (spec §4.4: "forwards (address,
// length) to the owning scheme").
type SchemeNotifier interface {
	Funmap(addr uintptr, length uintptr)
}

// pendingClose is one deferred fd close plus its scheme notification.
type pendingClose struct {
	scheme SchemeNotifier
	addr   uintptr
	length uintptr
	desc   FileCloser
}

// UnmapResult owns every file descriptor and scheme notification
// produced by one munmap call. It must be released
// with Close after the address-space write lock is dropped, per spec
// §4.4: "File-descriptor close and scheme-notify happen after
// releasing the write lock to avoid reentry."
type UnmapResult struct {
	closes []pendingClose
}

// AddFileClose records a file-backed grant's descriptor and scheme to
// be notified/closed once the caller releases the address-space lock.
func (u *UnmapResult) AddFileClose(scheme SchemeNotifier, addr, length uintptr, desc FileCloser) {
	u.closes = append(u.closes, pendingClose{scheme: scheme, addr: addr, length: length, desc: desc})
}

// Close runs every deferred scheme notification and descriptor close.
// Safe to call on a nil or empty *UnmapResult.
func (u *UnmapResult) Close() {
	if u == nil {
		return
	}
	for _, c := range u.closes {
		if c.scheme != nil {
			c.scheme.Funmap(c.addr, c.length)
		}
		if c.desc != nil {
			_ = c.desc.Close()
		}
	}
	u.closes = nil
}
