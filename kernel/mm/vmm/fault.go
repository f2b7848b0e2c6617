package vmm

import (
	"github.com/asterism-labs/hadron/kernel"
	"github.com/asterism-labs/hadron/kernel/cpu"
	"github.com/asterism-labs/hadron/kernel/irq"
	"github.com/asterism-labs/hadron/kernel/kfmt"
	"github.com/asterism-labs/hadron/kernel/mm"
)

// ReservedZeroedFrame is a zero-filled frame allocated once by Init. Pages
// mapped read-only to this frame with FlagLazyZero read as zeros without
// consuming physical memory; the first write faults and the handler swaps
// in a private zeroed frame with write permission. The kernel heap uses
// this to grow without committing frames up front.
var ReservedZeroedFrame mm.Frame

var (
	// lazyFrameProtected guards against mapping ReservedZeroedFrame
	// writable once it backs live lazy ranges.
	lazyFrameProtected bool

	// readCR2Fn and panicFn are mocked by tests and are automatically
	// inlined by the compiler.
	readCR2Fn = cpu.ReadCR2
	panicFn   = kfmt.Panic

	// zeroFrameFn is swapped by tests which have no direct map to write
	// through.
	zeroFrameFn = zeroFrame

	errUnrecoverableFault = &kernel.Error{Module: "vmm", Message: "unrecoverable paging fault"}
)

// zeroFrame clears a frame through the direct map.
func zeroFrame(frame mm.Frame) {
	kernel.Memset(uintptr(mm.PhysToVirt(frame.Address())), 0, mm.PageSize)
}

// Page fault error code bits as pushed by the MMU.
const (
	faultPresent  = 1 << 0
	faultWrite    = 1 << 1
	faultUser     = 1 << 2
	faultReserved = 1 << 3
	faultIFetch   = 1 << 4
)

// reserveZeroedFrame allocates and clears the shared frame backing lazy
// ranges. Once set up, mapping it writable is refused.
func reserveZeroedFrame() *kernel.Error {
	frame, err := mm.AllocFrame()
	if err != nil {
		return err
	}
	zeroFrameFn(frame)

	ReservedZeroedFrame = frame
	lazyFrameProtected = true
	return nil
}

// demandPage resolves kernel writes to present read-only lazy-zero pages by
// installing a private zeroed frame with write permission. It reports
// whether the fault was handled.
func demandPage(va mm.VirtAddr, code uint64) bool {
	if code&faultUser != 0 || code&faultWrite == 0 || code&faultPresent == 0 {
		return false
	}

	irqFlags := vmmLock.Acquire()
	defer vmmLock.Release(irqFlags)

	space := AddressSpace{root: mm.FrameFromAddress(mm.PhysAddr(activeRootFn()))}
	pte, level, err := space.walkToLevel(va, lastLevel, 0)
	if err != nil || level != lastLevel {
		return false
	}
	if !pte.HasFlags(FlagPresent|FlagLazyZero) || pte.HasFlags(FlagRW) {
		return false
	}

	frame, allocErr := mm.AllocFrame()
	if allocErr != nil {
		return false
	}
	zeroFrameFn(frame)

	pte.SetFrame(frame)
	pte.ClearFlags(FlagLazyZero)
	pte.SetFlags(FlagRW)
	flushEntryFn(uintptr(va))
	return true
}

func pageFaultHandler(code uint64, regs *irq.Registers) {
	faultAddr := mm.TruncVirtAddr(uintptr(readCR2Fn()))

	if demandPage(faultAddr, code) {
		// Retry the faulting access.
		return
	}

	var access, presence, mode string
	switch {
	case code&faultIFetch != 0:
		access = "instruction fetch from"
	case code&faultWrite != 0:
		access = "write to"
	default:
		access = "read from"
	}
	if code&faultPresent != 0 {
		presence = "protected"
	} else {
		presence = "unmapped"
	}
	if code&faultUser != 0 {
		mode = "user"
	} else {
		mode = "kernel"
	}

	kfmt.Printf("\npage fault: %s %s page at 0x%16x (%s mode)\n", access, presence, uintptr(faultAddr), mode)
	if code&faultReserved != 0 {
		kfmt.Printf("a page table entry has reserved bits set\n")
	}
	regs.DumpTo(kfmt.GetOutputSink())

	panicFn(errUnrecoverableFault)
}

func generalProtectionFaultHandler(code uint64, regs *irq.Registers) {
	kfmt.Printf("\ngeneral protection fault (code 0x%x) while accessing 0x%x\n", code, readCR2Fn())
	regs.DumpTo(kfmt.GetOutputSink())

	panicFn(errUnrecoverableFault)
}
