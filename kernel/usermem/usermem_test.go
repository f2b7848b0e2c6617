package usermem

import (
	"bytes"
	"testing"
	"unsafe"

	"github.com/asterism-labs/hadron/kernel"
	"github.com/asterism-labs/hadron/kernel/mm"
)

func TestUserPtrValidation(t *testing.T) {
	SetKernelCallerOK(false)

	specs := []struct {
		descr  string
		addr   uintptr
		size   uintptr
		align  uintptr
		expErr *kernel.Error
	}{
		{"in range", 0x1000, 16, 8, nil},
		{"zero size anywhere", 0, 0, 8, nil},
		{"alignment of one", 0x1001, 3, 1, nil},
		{"misaligned", 0x1004, 16, 8, ErrMisaligned},
		{"nil pointer", 0, 16, 8, ErrFault},
		{"wraps the address space", ^uintptr(0) - 7, 16, 1, ErrFault},
		{"crosses the split", uintptr(mm.UserSpaceTop) - 8, 16, 8, ErrFault},
		{"ends at the split", uintptr(mm.UserSpaceTop) - 16, 16, 8, nil},
		{"kernel half", 0xffff800000000000, 16, 8, ErrFault},
	}

	for specIndex, spec := range specs {
		_, err := UserPtr(spec.addr, spec.size, spec.align)
		if err != spec.expErr {
			t.Errorf("[spec %d] %s: expected %v; got %v", specIndex, spec.descr, spec.expErr, err)
		}
	}
}

func TestKernelCallerEscapeHatch(t *testing.T) {
	SetKernelCallerOK(true)
	defer SetKernelCallerOK(false)

	specs := []struct {
		descr  string
		addr   uintptr
		size   uintptr
		expErr *kernel.Error
	}{
		{"kernel half admitted", 0xffff800000000000, 64, nil},
		{"user half still admitted", 0x1000, 64, nil},
		{"non-canonical base", uintptr(mm.UserSpaceTop), 8, ErrFault},
		{"straddles the canonical hole", uintptr(mm.UserSpaceTop) - 8, 16, ErrFault},
		{"spans both halves", 0x1000, 0xffff800000000000, ErrFault},
		{"wraps the address space", ^uintptr(0) - 3, 8, ErrFault},
	}

	for specIndex, spec := range specs {
		_, err := UserSlice(spec.addr, spec.size)
		if err != spec.expErr {
			t.Errorf("[spec %d] %s: expected %v; got %v", specIndex, spec.descr, spec.expErr, err)
		}
	}
}

func TestAccessRoundTrip(t *testing.T) {
	SetKernelCallerOK(true)
	defer SetKernelCallerOK(false)

	buf := make([]byte, 64)
	addr := uintptr(unsafe.Pointer(&buf[0]))

	p, err := UserSlice(addr, uintptr(len(buf)))
	if err != nil {
		t.Fatal(err)
	}
	if p.Addr() != mm.VirtAddr(addr) || p.Size() != 64 {
		t.Fatalf("unexpected window %x+%d", uintptr(p.Addr()), p.Size())
	}

	msg := []byte("syscall payload")
	if n := p.Write(msg); n != len(msg) {
		t.Fatalf("expected to write %d bytes; got %d", len(msg), n)
	}
	if !bytes.Equal(buf[:len(msg)], msg) {
		t.Fatalf("write did not land in the buffer: %q", buf[:len(msg)])
	}

	// Copies never escape the validated window.
	if n := p.Write(make([]byte, 100)); n != len(buf) {
		t.Fatalf("expected the write to clip at %d bytes; got %d", len(buf), n)
	}

	if n := p.Write(msg); n != len(msg) {
		t.Fatalf("expected to rewrite %d bytes; got %d", len(msg), n)
	}
	dst := make([]byte, len(msg))
	if n := p.Read(dst); n != len(dst) {
		t.Fatalf("expected to read %d bytes; got %d", len(dst), n)
	}
	if !bytes.Equal(dst, msg) {
		t.Fatalf("read mismatch: %q", dst)
	}

	if got := p.Bytes(); len(got) != len(buf) || &got[0] != &buf[0] {
		t.Fatal("expected Bytes to alias the buffer")
	}

	var empty Ptr
	if empty.Bytes() != nil || empty.Read(dst) != 0 || empty.Write(msg) != 0 {
		t.Fatal("expected the empty window to be inert")
	}
}
