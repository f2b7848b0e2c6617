package mm

import (
	"sync/atomic"

	"github.com/asterism-labs/hadron/kernel"
	"github.com/asterism-labs/hadron/kernel/kfmt"
)

var (
	// ErrNotDirectMapped is returned when translating a virtual address
	// that falls outside the direct physical memory map window.
	ErrNotDirectMapped = &kernel.Error{Module: "mm", Message: "virtual address is outside the direct map window"}

	errDirectMapRepublish = &kernel.Error{Module: "mm", Message: "direct map offset already published"}
	errDirectMapUnset     = &kernel.Error{Module: "mm", Message: "direct map accessed before publication"}
	errDirectMapRange     = &kernel.Error{Module: "mm", Message: "physical address beyond the direct map limit"}

	// panicFn is mocked by tests and is automatically inlined by the compiler.
	panicFn = kfmt.Panic

	// directMapOffset holds the virtual base of the bootloader-provided
	// map of all physical memory. A zero value means the offset has not
	// been published yet.
	directMapOffset uintptr

	// directMapLimit holds the amount of physical memory covered by the
	// direct map.
	directMapLimit uintptr
)

// PublishDirectMap announces the virtual base offset of the direct physical
// memory map together with the amount of physical memory it covers. The
// offset can only be published once; republishing indicates a boot sequence
// bug and panics.
func PublishDirectMap(offset VirtAddr, physLimit PhysAddr) *kernel.Error {
	if !offset.IsKernel() || !offset.IsAligned(PageSize) {
		return ErrInvalidVirtAddr
	}

	atomic.StoreUintptr(&directMapLimit, uintptr(physLimit))
	if !atomic.CompareAndSwapUintptr(&directMapOffset, 0, uintptr(offset)) {
		panicFn(errDirectMapRepublish)
	}

	return nil
}

// DirectMapOffset returns the published direct map base offset. Calling it
// before the offset is published indicates a boot ordering bug and panics.
func DirectMapOffset() VirtAddr {
	offset := atomic.LoadUintptr(&directMapOffset)
	if offset == 0 {
		panicFn(errDirectMapUnset)
	}

	return VirtAddr(offset)
}

// PhysToVirt returns the virtual address inside the direct map window that
// aliases the supplied physical address.
func PhysToVirt(addr PhysAddr) VirtAddr {
	offset := DirectMapOffset()
	if uintptr(addr) >= atomic.LoadUintptr(&directMapLimit) {
		panicFn(errDirectMapRange)
	}

	return offset + VirtAddr(addr)
}

// VirtToPhys translates a virtual address inside the direct map window back
// to the physical address it aliases. Addresses outside the window cannot be
// translated this way and yield ErrNotDirectMapped.
func VirtToPhys(addr VirtAddr) (PhysAddr, *kernel.Error) {
	offset := DirectMapOffset()
	if addr < offset || uintptr(addr-offset) >= atomic.LoadUintptr(&directMapLimit) {
		return 0, ErrNotDirectMapped
	}

	return PhysAddr(addr - offset), nil
}
