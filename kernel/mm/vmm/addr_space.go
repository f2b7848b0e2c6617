package vmm

import (
	"github.com/asterism-labs/hadron/kernel"
	"github.com/asterism-labs/hadron/kernel/bootinfo"
	"github.com/asterism-labs/hadron/kernel/cpu"
	"github.com/asterism-labs/hadron/kernel/irq"
	"github.com/asterism-labs/hadron/kernel/kfmt"
	"github.com/asterism-labs/hadron/kernel/mm"
)

var (
	// switchRootFn is used by tests to override the translation root
	// switch which faults outside ring 0.
	switchRootFn = cpu.SwitchPageTable

	// handleExceptionWithCodeFn is mocked by tests and is automatically
	// inlined by the compiler.
	handleExceptionWithCodeFn = irq.HandleExceptionWithCode

	// kernelSpace is the address space built by Init and shared by every
	// task while in kernel mode.
	kernelSpace AddressSpace

	errEarlyReserveNoSpace = &kernel.Error{Module: "vmm", Message: "reservation window exhausted"}
	errDoubleInit          = &kernel.Error{Module: "vmm", Message: "vmm initialized twice"}
)

// earlyReserveWindow is the span of virtual address space below the kernel
// image available to EarlyReserveRegion.
const earlyReserveWindow = uintptr(1 << 30)

var (
	// earlyReserveNext tracks the descending reservation cursor. It starts
	// at the kernel image base and every reservation moves it down.
	earlyReserveNext = mm.VirtAddr(0xffffffff80000000)

	// earlyReserveFloor bounds the cursor from below.
	earlyReserveFloor = mm.VirtAddr(0xffffffff80000000 - earlyReserveWindow)
)

// AddressSpace identifies one translation tree by its root table frame.
// The zero value is not a valid address space.
type AddressSpace struct {
	root mm.Frame
}

// RootFrame returns the frame holding the top-level translation table.
func (a AddressSpace) RootFrame() mm.Frame {
	return a.root
}

// Activate installs this address space's translation root, flushing all
// non-global TLB entries.
func (a AddressSpace) Activate() {
	switchRootFn(uintptr(a.root.Address()))
}

// KernelSpace returns the kernel address space built by Init.
func KernelSpace() AddressSpace {
	return kernelSpace
}

// NewAddressSpace builds a fresh address space that shares the kernel half
// of the translation tree with KernelSpace so kernel code keeps working
// after a switch. The lower half starts out empty.
func NewAddressSpace() (AddressSpace, *kernel.Error) {
	rootFrame, err := mm.AllocFrame()
	if err != nil {
		return AddressSpace{}, err
	}

	var (
		root       = tableForFrameFn(rootFrame)
		kernelRoot = tableForFrameFn(kernelSpace.root)
	)
	*root = pageTable{}
	for i := pageTableEntries / 2; i < pageTableEntries; i++ {
		root[i] = kernelRoot[i]
	}

	return AddressSpace{root: rootFrame}, nil
}

// EarlyReserveRegion reserves a page-aligned contiguous virtual memory
// region of the requested size inside the kernel reservation window and
// returns its lowest address. Sizes that are not a multiple of the page
// size are rounded up. Reservations grow downwards from the kernel image
// and are never recycled.
func EarlyReserveRegion(size uintptr) (mm.VirtAddr, *kernel.Error) {
	size = (size + mm.PageSize - 1) &^ (mm.PageSize - 1)

	irqFlags := vmmLock.Acquire()
	defer vmmLock.Release(irqFlags)

	if size > uintptr(earlyReserveNext-earlyReserveFloor) {
		return 0, errEarlyReserveNoSpace
	}

	earlyReserveNext -= mm.VirtAddr(size)
	return earlyReserveNext, nil
}

// Init builds the kernel address space: the kernel image mapped at its
// load VMA, the direct physical map rebuilt with the widest possible
// leaves, the shared zeroed frame backing lazy allocations, and the paging
// fault handlers. It finishes by switching to the new translation root.
func Init(info *bootinfo.Info) *kernel.Error {
	if kernelSpace.root != 0 {
		panicFn(errDoubleInit)
	}

	rootFrame, err := mm.AllocFrame()
	if err != nil {
		return err
	}
	*tableForFrameFn(rootFrame) = pageTable{}
	kernelSpace = AddressSpace{root: rootFrame}

	if err = mapKernelImage(info); err != nil {
		return err
	}
	if err = mapDirectMap(info); err != nil {
		return err
	}

	// Place the reservation window just below the kernel image.
	earlyReserveNext = info.KernelVirtBase.AlignDown(mm.PageSize)
	earlyReserveFloor = earlyReserveNext - mm.VirtAddr(earlyReserveWindow)

	if err = reserveZeroedFrame(); err != nil {
		return err
	}

	handleExceptionWithCodeFn(irq.PageFaultException, pageFaultHandler)
	handleExceptionWithCodeFn(irq.GPFException, generalProtectionFaultHandler)

	kernelSpace.Activate()
	kfmt.Printf("[vmm] kernel address space active, root frame 0x%x\n", uintptr(rootFrame))
	return nil
}

// mapKernelImage installs 4K mappings for the loaded kernel image at its
// virtual base. The handoff block carries no section table, so the image is
// mapped with a single set of flags.
func mapKernelImage(info *bootinfo.Info) *kernel.Error {
	if info.KernelLength == 0 {
		return nil
	}

	var (
		first = mm.PageFromAddress(info.KernelVirtBase)
		last  = mm.PageFromAddress(info.KernelVirtBase + mm.VirtAddr(info.KernelLength-1))
		frame = mm.FrameFromAddress(info.KernelPhysBase)
	)

	for page := first; page <= last; page, frame = page+1, frame+1 {
		tok, err := kernelSpace.Map(page, frame, mm.Size4K, FlagPresent|FlagRW|FlagGlobal)
		if err != nil {
			return err
		}
		tok.Flush()
	}
	return nil
}

// mapDirectMap rebuilds the higher-half direct map in the kernel address
// space, covering physical memory up to the end of the last usable region
// with the widest leaf that alignment and the remaining span permit.
func mapDirectMap(info *bootinfo.Info) *kernel.Error {
	var (
		_, hi = info.UsableBounds()
		limit = uintptr(hi.AlignUp(mm.PageSize))
		flags = FlagPresent | FlagRW | FlagGlobal | FlagNoExecute
	)
	if limit == 0 {
		return nil
	}

	offset := mm.DirectMapOffset()
	for pa := uintptr(0); pa < limit; {
		size := widestLeaf(pa, limit)
		tok, err := kernelSpace.Map(mm.PageFromAddress(offset+mm.VirtAddr(pa)), mm.Frame(pa>>mm.PageShift), size, flags)
		if err != nil {
			return err
		}
		tok.Flush()
		pa += size.Bytes()
	}
	return nil
}

// widestLeaf picks the largest page size that keeps pa aligned and does not
// overshoot limit.
func widestLeaf(pa, limit uintptr) mm.Size {
	switch {
	case pa&(mm.Size1G.Bytes()-1) == 0 && limit-pa >= mm.Size1G.Bytes():
		return mm.Size1G
	case pa&(mm.Size2M.Bytes()-1) == 0 && limit-pa >= mm.Size2M.Bytes():
		return mm.Size2M
	default:
		return mm.Size4K
	}
}
