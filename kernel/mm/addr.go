// Package mm provides the typed physical and virtual address primitives
// shared by the memory management subsystems together with the registration
// points that later boot stages use to wire up the physical frame allocator
// and the direct physical memory map.
package mm

import "github.com/asterism-labs/hadron/kernel"

var (
	// ErrInvalidPhysAddr is returned when constructing a physical address
	// with bits set above the supported physical address range.
	ErrInvalidPhysAddr = &kernel.Error{Module: "mm", Message: "physical address uses more than PhysAddrBits bits"}

	// ErrInvalidVirtAddr is returned when constructing a virtual address
	// that is not in canonical form.
	ErrInvalidVirtAddr = &kernel.Error{Module: "mm", Message: "virtual address is not canonical"}

	// ErrMisaligned is returned when an address does not satisfy the
	// alignment required by the requested page size.
	ErrMisaligned = &kernel.Error{Module: "mm", Message: "address is not aligned to the requested page size"}
)

// PhysAddr describes a physical memory address.
type PhysAddr uintptr

// NewPhysAddr constructs a PhysAddr after verifying that addr fits in the
// supported physical address range.
func NewPhysAddr(addr uintptr) (PhysAddr, *kernel.Error) {
	if PhysAddr(addr) > maxPhysAddr {
		return 0, ErrInvalidPhysAddr
	}
	return PhysAddr(addr), nil
}

// AlignDown rounds this address down to a multiple of align. The alignment
// must be a power of two.
func (a PhysAddr) AlignDown(align uintptr) PhysAddr {
	return a &^ PhysAddr(align-1)
}

// AlignUp rounds this address up to a multiple of align. The alignment must
// be a power of two.
func (a PhysAddr) AlignUp(align uintptr) PhysAddr {
	return (a + PhysAddr(align-1)) &^ PhysAddr(align-1)
}

// IsAligned returns true if this address is a multiple of align.
func (a PhysAddr) IsAligned(align uintptr) bool {
	return a&PhysAddr(align-1) == 0
}

// VirtAddr describes a virtual memory address. Valid virtual addresses are
// always in canonical form: bits 63 to 48 replicate bit 47.
type VirtAddr uintptr

// NewVirtAddr constructs a VirtAddr after verifying that addr is in
// canonical form.
func NewVirtAddr(addr uintptr) (VirtAddr, *kernel.Error) {
	if !VirtAddr(addr).IsCanonical() {
		return 0, ErrInvalidVirtAddr
	}
	return VirtAddr(addr), nil
}

// TruncVirtAddr constructs a canonical VirtAddr from addr by sign-extending
// bit 47 into the upper bits.
func TruncVirtAddr(addr uintptr) VirtAddr {
	if addr&(1<<47) != 0 {
		return VirtAddr(addr | ^uintptr(1<<48-1))
	}
	return VirtAddr(addr & (1<<48 - 1))
}

// IsCanonical returns true if bits 63 to 48 of this address replicate bit
// 47.
func (a VirtAddr) IsCanonical() bool {
	upper := uintptr(a) >> 47
	return upper == 0 || upper == 1<<17-1
}

// IsKernel returns true if this address falls into the canonical upper half
// reserved for the kernel.
func (a VirtAddr) IsKernel() bool {
	return a >= KernelSpaceBase
}

// AlignDown rounds this address down to a multiple of align. The alignment
// must be a power of two.
func (a VirtAddr) AlignDown(align uintptr) VirtAddr {
	return a &^ VirtAddr(align-1)
}

// AlignUp rounds this address up to a multiple of align. The alignment must
// be a power of two.
func (a VirtAddr) AlignUp(align uintptr) VirtAddr {
	return (a + VirtAddr(align-1)) &^ VirtAddr(align-1)
}

// IsAligned returns true if this address is a multiple of align.
func (a VirtAddr) IsAligned(align uintptr) bool {
	return a&VirtAddr(align-1) == 0
}
