package mm

const (
	// PointerShift is equal to log2(unsafe.Sizeof(uintptr)). The pointer
	// size for this architecture is defined as (1 << PointerShift).
	PointerShift = uintptr(3)

	// PageShift is equal to log2(PageSize). This constant is used when
	// we need to convert a physical address to a page number (shift right
	// by PageShift) and vice-versa.
	PageShift = uintptr(12)

	// PageSize defines the smallest page size supported by the MMU.
	PageSize = uintptr(1 << PageShift)

	// PhysAddrBits is the number of meaningful bits in a physical address.
	// Address bits above this range must be zero.
	PhysAddrBits = 52

	// maxPhysAddr is the highest physical address that can be expressed
	// with PhysAddrBits bits.
	maxPhysAddr = PhysAddr(1<<PhysAddrBits - 1)

	// UserSpaceTop is the first address above the canonical lower half.
	// User pointers must resolve strictly below it.
	UserSpaceTop = VirtAddr(1 << 47)

	// KernelSpaceBase is the lowest address of the canonical upper half
	// which is reserved for the kernel.
	KernelSpaceBase = VirtAddr(0xffff800000000000)
)

// Size describes one of the page sizes supported by the MMU.
type Size uint8

const (
	// Size4K is the base 4KiB translation granule.
	Size4K Size = iota

	// Size2M describes a 2MiB huge page mapped at the middle table level.
	Size2M

	// Size1G describes a 1GiB huge page mapped at the third table level.
	Size1G
)

// sizeShifts maps each Size to log2 of its byte count.
var sizeShifts = [3]uintptr{12, 21, 30}

// Shift returns log2 of the number of bytes spanned by pages of this size.
func (s Size) Shift() uintptr {
	return sizeShifts[s]
}

// Bytes returns the number of bytes spanned by pages of this size.
func (s Size) Bytes() uintptr {
	return uintptr(1) << sizeShifts[s]
}

// FrameCount returns the number of 4K frames that back one page of this
// size.
func (s Size) FrameCount() uintptr {
	return uintptr(1) << (sizeShifts[s] - PageShift)
}

// String returns a static description of this page size.
func (s Size) String() string {
	switch s {
	case Size2M:
		return "2M"
	case Size1G:
		return "1G"
	default:
		return "4K"
	}
}
