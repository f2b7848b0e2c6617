// Package goruntime contains code for bootstrapping Go runtime features such
// as the memory allocator. The exported redirect targets in this file are
// rewired over their runtime counterparts at link time by the redirects tool.
package goruntime

import (
	"sync/atomic"
	"unsafe"

	"github.com/asterism-labs/hadron/kernel"
	"github.com/asterism-labs/hadron/kernel/cpu"
	"github.com/asterism-labs/hadron/kernel/ktime"
	"github.com/asterism-labs/hadron/kernel/mm"
	"github.com/asterism-labs/hadron/kernel/mm/vmm"
)

var (
	mapFn                = kernelMap
	earlyReserveRegionFn = vmm.EarlyReserveRegion
	frameAllocFn         = mm.AllocFrame
	mallocInitFn         = mallocInit
	algInitFn            = algInit
	modulesInitFn        = modulesInit
	typeLinksInitFn      = typeLinksInit
	itabsInitFn          = itabsInit

	// A seed for the pseudo-random number generator used by getRandomData.
	prngSeed = 0xdeadc0de
)

//go:linkname algInit runtime.alginit
func algInit()

//go:linkname modulesInit runtime.modulesinit
func modulesInit()

//go:linkname typeLinksInit runtime.typelinksinit
func typeLinksInit()

//go:linkname itabsInit runtime.itabsinit
func itabsInit()

//go:linkname mallocInit runtime.mallocinit
func mallocInit()

// kernelMap installs a 4K mapping in the kernel address space and consumes
// the flush token immediately; the runtime allocator expects mapped memory
// to be usable as soon as the call returns.
func kernelMap(page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
	flush, err := vmm.KernelSpace().Map(page, frame, mm.Size4K, flags)
	if err != nil {
		return err
	}
	flush.Flush()

	return nil
}

// sysReserve reserves address space without allocating any memory or
// establishing any page mappings. It returns nil when the address space
// is exhausted; the runtime treats a nil reservation as out of memory.
//
// This function replaces runtime.sysReserve and is required for initializing
// the Go allocator. The signature matches the go1.22 runtime.
//
//go:redirect-from runtime.sysReserve
//go:nosplit
func sysReserve(_ unsafe.Pointer, size uintptr) unsafe.Pointer {
	if size == 0 {
		return unsafe.Pointer(uintptr(0))
	}

	regionSize := (size + mm.PageSize - 1) & ^(mm.PageSize - 1)
	regionStartAddr, err := earlyReserveRegionFn(regionSize)
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	return unsafe.Pointer(uintptr(regionStartAddr))
}

// sysMap lazily backs a memory region that has been reserved previously via
// a call to sysReserve. The pages are mapped read-only onto the shared
// zeroed frame; the fault handler installs a private writable frame on the
// first write to each page. A mapping failure is fatal, mirroring the
// runtime's own sysMap throwing on a failed map of reserved space.
//
// This function replaces runtime.sysMap and is required for initializing
// the Go allocator. The signature matches the go1.22 runtime; sysStat is
// layout-compatible with the runtime's sysMemStat.
//
//go:redirect-from runtime.sysMap
//go:nosplit
func sysMap(virtAddr unsafe.Pointer, size uintptr, sysStat *uint64) {
	if size == 0 {
		return
	}

	// We trust the allocator to call sysMap with an address inside a
	// reserved region.
	regionStartAddr := (uintptr(virtAddr) + mm.PageSize - 1) & ^(mm.PageSize - 1)
	regionSize := (size + mm.PageSize - 1) & ^(mm.PageSize - 1)
	pageCount := regionSize >> mm.PageShift

	mapFlags := vmm.FlagPresent | vmm.FlagNoExecute | vmm.FlagLazyZero
	for page := mm.PageFromAddress(mm.VirtAddr(regionStartAddr)); pageCount > 0; pageCount, page = pageCount-1, page+1 {
		if err := mapFn(page, vmm.ReservedZeroedFrame, mapFlags); err != nil {
			panic(err)
		}
	}

	atomic.AddUint64(sysStat, uint64(regionSize))
}

// sysAlloc reserves enough physical frames to satisfy the allocation request
// and establishes a contiguous virtual page mapping for them returning back
// the pointer to the virtual region start.
//
// This function replaces runtime.sysAlloc and is required for initializing
// the Go allocator. The signature matches the go1.22 runtime.
//
//go:redirect-from runtime.sysAlloc
//go:nosplit
func sysAlloc(size uintptr, sysStat *uint64) unsafe.Pointer {
	if size == 0 {
		return unsafe.Pointer(uintptr(0))
	}

	regionSize := (size + mm.PageSize - 1) & ^(mm.PageSize - 1)
	regionStartAddr, err := earlyReserveRegionFn(regionSize)
	if err != nil {
		return unsafe.Pointer(uintptr(0))
	}

	mapFlags := vmm.FlagPresent | vmm.FlagNoExecute | vmm.FlagRW
	pageCount := regionSize >> mm.PageShift
	for page := mm.PageFromAddress(regionStartAddr); pageCount > 0; pageCount, page = pageCount-1, page+1 {
		frame, err := frameAllocFn()
		if err != nil {
			return unsafe.Pointer(uintptr(0))
		}

		if err = mapFn(page, frame, mapFlags); err != nil {
			return unsafe.Pointer(uintptr(0))
		}
	}

	atomic.AddUint64(sysStat, uint64(regionSize))
	return unsafe.Pointer(uintptr(regionStartAddr))
}

// nanotime returns a monotonically increasing clock value.
//
// This function replaces runtime.nanotime and is invoked by the Go allocator
// when a span allocation is performed. Before the kernel clock is
// initialized it reads the raw cycle counter so successive calls still
// observe increasing values.
//
//go:redirect-from runtime.nanotime
//go:nosplit
func nanotime() int64 {
	if ns := ktime.Nanos(); ns != 0 {
		return int64(ns)
	}

	return int64(cpu.ReadTSC())
}

// getRandomData populates the given slice with random data. The runtime
// package implementation reads a random stream from /dev/random but since
// this is not available, we use a prng instead.
//
//go:redirect-from runtime.getRandomData
func getRandomData(r []byte) {
	for i := 0; i < len(r); i++ {
		prngSeed = (prngSeed * 58321) + 11113
		r[i] = byte((prngSeed >> 16) & 255)
	}
}

// Init enables support for various Go runtime features. After a call to Init
// the following runtime features become available for use:
//   - heap memory allocation (new, make e.t.c)
//   - map primitives
//   - interfaces
func Init() *kernel.Error {
	mallocInitFn()
	algInitFn()       // setup hash implementation for map keys
	modulesInitFn()   // provides activeModules
	typeLinksInitFn() // uses maps, activeModules
	itabsInitFn()     // uses activeModules

	return nil
}

func init() {
	// Dummy calls so the compiler does not optimize away the functions in
	// this file.
	var (
		stat    uint64
		zeroPtr = unsafe.Pointer(uintptr(0))
	)

	sysReserve(zeroPtr, 0)
	sysMap(zeroPtr, 0, &stat)
	sysAlloc(0, &stat)
	getRandomData(nil)
	_ = nanotime()
}
