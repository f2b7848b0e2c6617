package mm

import (
	"testing"

	"github.com/asterism-labs/hadron/kernel"
)

func TestNewPhysAddr(t *testing.T) {
	specs := []struct {
		addr   uintptr
		expErr *kernel.Error
	}{
		{0, nil},
		{0x1000, nil},
		{uintptr(maxPhysAddr), nil},
		{uintptr(maxPhysAddr) + 1, ErrInvalidPhysAddr},
		{^uintptr(0), ErrInvalidPhysAddr},
	}

	for specIndex, spec := range specs {
		got, err := NewPhysAddr(spec.addr)
		if err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
			continue
		}

		if err == nil && got != PhysAddr(spec.addr) {
			t.Errorf("[spec %d] expected address 0x%x; got 0x%x", specIndex, spec.addr, got)
		}
	}
}

func TestVirtAddrCanonicalForm(t *testing.T) {
	specs := []struct {
		addr         uintptr
		expCanonical bool
	}{
		{0, true},
		{0x00007fffffffffff, true},
		{0xffff800000000000, true},
		{0xffffffffffffffff, true},
		{0x0000800000000000, false},
		{0xffff7fffffffffff, false},
	}

	for specIndex, spec := range specs {
		if got := VirtAddr(spec.addr).IsCanonical(); got != spec.expCanonical {
			t.Errorf("[spec %d] expected IsCanonical(0x%x) to return %t; got %t", specIndex, spec.addr, spec.expCanonical, got)
		}

		_, err := NewVirtAddr(spec.addr)
		if gotErr := err == nil; gotErr != spec.expCanonical {
			t.Errorf("[spec %d] expected NewVirtAddr(0x%x) error to be %t; got %v", specIndex, spec.addr, !spec.expCanonical, err)
		}
	}
}

func TestTruncVirtAddr(t *testing.T) {
	specs := []struct {
		addr uintptr
		exp  VirtAddr
	}{
		// Bit 47 clear; upper bits must be cleared.
		{0x00007fffffffffff, VirtAddr(0x00007fffffffffff)},
		{0xdead7fffffffffff, VirtAddr(0x00007fffffffffff)},
		// Bit 47 set; upper bits must be sign-extended.
		{0x0000800000000000, VirtAddr(0xffff800000000000)},
		{0x0000ffffdeadbeef, VirtAddr(0xffffffffdeadbeef)},
	}

	for specIndex, spec := range specs {
		if got := TruncVirtAddr(spec.addr); got != spec.exp {
			t.Errorf("[spec %d] expected TruncVirtAddr(0x%x) to return 0x%x; got 0x%x", specIndex, spec.addr, spec.exp, got)
		}
	}
}

func TestAddrAlignment(t *testing.T) {
	specs := []struct {
		addr         uintptr
		align        uintptr
		expDown      uintptr
		expUp        uintptr
		expIsAligned bool
	}{
		{0x0000, 0x1000, 0x0000, 0x0000, true},
		{0x0001, 0x1000, 0x0000, 0x1000, false},
		{0x0fff, 0x1000, 0x0000, 0x1000, false},
		{0x1000, 0x1000, 0x1000, 0x1000, true},
		{0x1001, 0x1000, 0x1000, 0x2000, false},
		{0x200000, 0x200000, 0x200000, 0x200000, true},
		{0x2a0000, 0x200000, 0x200000, 0x400000, false},
	}

	for specIndex, spec := range specs {
		pa := PhysAddr(spec.addr)
		if got := pa.AlignDown(spec.align); got != PhysAddr(spec.expDown) {
			t.Errorf("[spec %d] expected PhysAddr.AlignDown to return 0x%x; got 0x%x", specIndex, spec.expDown, got)
		}
		if got := pa.AlignUp(spec.align); got != PhysAddr(spec.expUp) {
			t.Errorf("[spec %d] expected PhysAddr.AlignUp to return 0x%x; got 0x%x", specIndex, spec.expUp, got)
		}
		if got := pa.IsAligned(spec.align); got != spec.expIsAligned {
			t.Errorf("[spec %d] expected PhysAddr.IsAligned to return %t; got %t", specIndex, spec.expIsAligned, got)
		}

		va := VirtAddr(spec.addr)
		if got := va.AlignDown(spec.align); got != VirtAddr(spec.expDown) {
			t.Errorf("[spec %d] expected VirtAddr.AlignDown to return 0x%x; got 0x%x", specIndex, spec.expDown, got)
		}
		if got := va.AlignUp(spec.align); got != VirtAddr(spec.expUp) {
			t.Errorf("[spec %d] expected VirtAddr.AlignUp to return 0x%x; got 0x%x", specIndex, spec.expUp, got)
		}
		if got := va.IsAligned(spec.align); got != spec.expIsAligned {
			t.Errorf("[spec %d] expected VirtAddr.IsAligned to return %t; got %t", specIndex, spec.expIsAligned, got)
		}
	}
}

func TestVirtAddrIsKernel(t *testing.T) {
	specs := []struct {
		addr VirtAddr
		exp  bool
	}{
		{0, false},
		{0x00007fffffffffff, false},
		{KernelSpaceBase, true},
		{0xffffffff80100000, true},
	}

	for specIndex, spec := range specs {
		if got := spec.addr.IsKernel(); got != spec.exp {
			t.Errorf("[spec %d] expected IsKernel(0x%x) to return %t; got %t", specIndex, spec.addr, spec.exp, got)
		}
	}
}

func TestPageSizeGeometry(t *testing.T) {
	specs := []struct {
		size          Size
		expShift      uintptr
		expBytes      uintptr
		expFrameCount uintptr
		expString     string
	}{
		{Size4K, 12, 4096, 1, "4K"},
		{Size2M, 21, 2 * 1024 * 1024, 512, "2M"},
		{Size1G, 30, 1024 * 1024 * 1024, 512 * 512, "1G"},
	}

	for specIndex, spec := range specs {
		if got := spec.size.Shift(); got != spec.expShift {
			t.Errorf("[spec %d] expected Shift to return %d; got %d", specIndex, spec.expShift, got)
		}
		if got := spec.size.Bytes(); got != spec.expBytes {
			t.Errorf("[spec %d] expected Bytes to return %d; got %d", specIndex, spec.expBytes, got)
		}
		if got := spec.size.FrameCount(); got != spec.expFrameCount {
			t.Errorf("[spec %d] expected FrameCount to return %d; got %d", specIndex, spec.expFrameCount, got)
		}
		if got := spec.size.String(); got != spec.expString {
			t.Errorf("[spec %d] expected String to return %q; got %q", specIndex, spec.expString, got)
		}
	}
}
