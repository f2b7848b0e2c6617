// Package usermem validates user-supplied addresses before the kernel
// dereferences them on behalf of a system call.
//
// Validation and access are split on purpose: UserPtr and UserSlice
// prove that a range lies inside the user half of the address space,
// does not wrap and satisfies its type's alignment, while the
// Read/Write/Bytes accessors stay unsafe and expect the caller to hold
// whatever guarantees make the range mapped. A fault taken on a
// validated range is a page fault to resolve, not a kernel bug.
package usermem

import (
	"sync/atomic"
	"unsafe"

	"github.com/asterism-labs/hadron/kernel"
	"github.com/asterism-labs/hadron/kernel/mm"
)

var (
	// ErrFault is returned for ranges that start at zero, wrap around
	// the address space or escape the caller's half of it.
	ErrFault = &kernel.Error{Module: "usermem", Message: "address range escapes user space"}

	// ErrMisaligned is returned when an address does not satisfy the
	// alignment of the object it claims to point at.
	ErrMisaligned = &kernel.Error{Module: "usermem", Message: "address is not aligned for its type"}
)

// kernelCallerOK admits kernel-half addresses through the validators so
// in-kernel tasks driving the syscall surface directly can pass their
// own buffers.
var kernelCallerOK uint32

// SetKernelCallerOK toggles acceptance of kernel-half addresses.
func SetKernelCallerOK(ok bool) {
	var v uint32
	if ok {
		v = 1
	}
	atomic.StoreUint32(&kernelCallerOK, v)
}

// Ptr is a validated address range in the caller's address space.
type Ptr struct {
	addr mm.VirtAddr
	size uintptr
}

// UserPtr validates a pointer to an object of the given size and
// alignment. The range must lie strictly below the user/kernel split;
// with the kernel-caller escape hatch on it may instead lie anywhere
// canonical as long as it stays within one half. A zero size is always
// valid and yields an empty window.
func UserPtr(addr, size, align uintptr) (Ptr, *kernel.Error) {
	if align > 1 && addr&(align-1) != 0 {
		return Ptr{}, ErrMisaligned
	}
	if size == 0 {
		return Ptr{}, nil
	}
	if addr == 0 {
		return Ptr{}, ErrFault
	}

	end := addr + size
	if end < addr {
		return Ptr{}, ErrFault
	}

	if atomic.LoadUint32(&kernelCallerOK) != 0 {
		first, last := mm.VirtAddr(addr), mm.VirtAddr(end-1)
		if !first.IsCanonical() || !last.IsCanonical() || first.IsKernel() != last.IsKernel() {
			return Ptr{}, ErrFault
		}
	} else if mm.VirtAddr(end) > mm.UserSpaceTop {
		return Ptr{}, ErrFault
	}

	return Ptr{addr: mm.VirtAddr(addr), size: size}, nil
}

// UserSlice validates a byte buffer of the given length.
func UserSlice(addr, length uintptr) (Ptr, *kernel.Error) {
	return UserPtr(addr, length, 1)
}

// Addr returns the base of the validated range.
func (p Ptr) Addr() mm.VirtAddr {
	return p.addr
}

// Size returns the validated range's length in bytes.
func (p Ptr) Size() uintptr {
	return p.size
}

// Bytes returns the range as a byte slice without copying.
func (p Ptr) Bytes() []byte {
	if p.size == 0 {
		return nil
	}

	return unsafe.Slice((*byte)(unsafe.Pointer(uintptr(p.addr))), p.size)
}

// Read copies from the range into dst and returns the bytes copied.
func (p Ptr) Read(dst []byte) int {
	return copy(dst, p.Bytes())
}

// Write copies src into the range and returns the bytes copied.
func (p Ptr) Write(src []byte) int {
	return copy(p.Bytes(), src)
}
