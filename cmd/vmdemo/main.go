// Command vmdemo scripts mmap/mprotect/munmap/fork against one
// AddrSpace and prints the resulting grant/hole layout at each step,
// then drives concurrent simulated-CPU faults against a forked child
// with golang.org/x/sync/errgroup to exercise the lock-order
// discipline end to end. Grounded on biscuit/src/kernel's bare
// fmt.Printf entrypoint style and the single-purpose command pattern
// of iansmith-mazarin's tools/imageconvert.
package main

import (
	"flag"
	"fmt"
	"os"

	"golang.org/x/sync/errgroup"

	"nucleus/src/addrspace"
	"nucleus/src/errs"
	"nucleus/src/fault"
	"nucleus/src/frame"
	"nucleus/src/page"
	"nucleus/src/pageflags"
)

func main() {
	frameCount := flag.Int("frames", 64, "simulated physical frame pool size")
	cpus := flag.Int("cpus", 4, "number of simulated CPUs faulting the forked child concurrently")
	flag.Parse()

	frames := frame.NewAllocator(*frameCount)
	as := addrspace.New(frames)

	report("fresh address space", as)

	hint := page.Page(1)
	base, err := as.MmapAnon(&hint, 4, pageflags.Read|pageflags.Write, 0)
	must(err, "mmap anon")
	fmt.Printf("mmap anon -> base=%v count=4\n", base)
	report("after mmap", as)

	must(fault.TryCorrectingPageTables(as, base, fault.WriteAccess), "first-touch fault")
	fmt.Printf("faulted in page %v\n", base)

	must(as.Mprotect(page.Span{Base: base.Add(1), Count: 1}, pageflags.Read), "mprotect")
	fmt.Println("mprotect page", base.Add(1), "-> read-only")
	report("after mprotect", as)

	child, err := as.TryClone()
	must(err, "fork")
	fmt.Println("forked child address space")
	report("child after fork", child)

	if err := driveConcurrentFaults(child, base, *cpus); err != nil {
		must(err, "concurrent fault injection")
	}

	res, err := as.Munmap(page.Span{Base: base, Count: 4})
	must(err, "munmap")
	res.Close()
	fmt.Println("munmap parent's whole region")
	report("parent after munmap", as)
}

// driveConcurrentFaults has every simulated CPU race a write fault
// against the same CoW page in the forked child, exercising the
// single-owner-fast-path-vs-CoW-break branch under concurrency.
func driveConcurrentFaults(child *addrspace.AddrSpace, faultPage page.Page, cpus int) error {
	var g errgroup.Group
	for i := 0; i < cpus; i++ {
		g.Go(func() error {
			err := fault.TryCorrectingPageTables(child, faultPage, fault.WriteAccess)
			if err != nil && !errs.Is(err, errs.ESEGV) {
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

func report(label string, as *addrspace.AddrSpace) {
	as.RLock()
	defer as.RUnlock()
	fmt.Printf("-- %s --\n", label)
	for _, g := range as.Grants.Grants() {
		fmt.Printf("  grant base=%v count=%v flags=%v provider=%v\n",
			g.Base, g.Info.PageCount, g.Info.Flags, g.Info.Provider.Kind)
	}
	for _, h := range as.Grants.Holes() {
		fmt.Printf("  hole  base=%v count=%v\n", h.Base, h.Count)
	}
}

func must(err error, op string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "vmdemo: %s: %v\n", op, err)
		os.Exit(1)
	}
}
