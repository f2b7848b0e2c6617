package vmm

import (
	"bytes"
	"strings"
	"testing"

	"github.com/asterism-labs/hadron/kernel"
	"github.com/asterism-labs/hadron/kernel/irq"
	"github.com/asterism-labs/hadron/kernel/kfmt"
	"github.com/asterism-labs/hadron/kernel/mm"
)

func TestReserveZeroedFrame(t *testing.T) {
	defer restoreVMMSeams()
	defer func(origFrame mm.Frame, origProtected bool) {
		ReservedZeroedFrame, lazyFrameProtected = origFrame, origProtected
	}(ReservedZeroedFrame, lazyFrameProtected)

	_, space := newTestSpace(t)

	var zeroed []mm.Frame
	zeroFrameFn = func(frame mm.Frame) { zeroed = append(zeroed, frame) }

	ReservedZeroedFrame, lazyFrameProtected = 0, false
	if err := reserveZeroedFrame(); err != nil {
		t.Fatal(err)
	}
	if !lazyFrameProtected {
		t.Fatal("expected the shared frame to be protected after reservation")
	}
	if len(zeroed) != 1 || zeroed[0] != ReservedZeroedFrame {
		t.Fatalf("expected the reserved frame to be cleared; zeroed %v, reserved 0x%x", zeroed, uintptr(ReservedZeroedFrame))
	}

	// The shared frame backs read-only lazy ranges; mapping it writable is
	// refused.
	page := mm.PageFromAddress(0xffff800000201000)
	if _, err := space.Map(page, ReservedZeroedFrame, mm.Size4K, FlagPresent|FlagRW); err != errLazyFrameRW {
		t.Fatalf("expected errLazyFrameRW; got %v", err)
	}
	tok, err := space.Map(page, ReservedZeroedFrame, mm.Size4K, FlagPresent|FlagLazyZero)
	if err != nil {
		t.Fatalf("expected a read-only lazy mapping to be allowed; got %v", err)
	}
	tok.Flush()
}

func TestDemandPage(t *testing.T) {
	defer restoreVMMSeams()
	defer func(origFrame mm.Frame, origProtected bool) {
		ReservedZeroedFrame, lazyFrameProtected = origFrame, origProtected
	}(ReservedZeroedFrame, lazyFrameProtected)

	_, space := newTestSpace(t)

	var zeroed []mm.Frame
	zeroFrameFn = func(frame mm.Frame) { zeroed = append(zeroed, frame) }

	ReservedZeroedFrame, lazyFrameProtected = 0, false
	if err := reserveZeroedFrame(); err != nil {
		t.Fatal(err)
	}

	page := mm.PageFromAddress(0xffff800000201000)
	tok, err := space.Map(page, ReservedZeroedFrame, mm.Size4K, FlagPresent|FlagLazyZero)
	if err != nil {
		t.Fatal(err)
	}
	tok.Flush()

	var (
		faultVA  = uintptr(page.Address()) + 0x123
		flushed  []uintptr
		panicked bool
	)
	activeRootFn = func() uintptr { return uintptr(space.root.Address()) }
	readCR2Fn = func() uint64 { return uint64(faultVA) }
	flushEntryFn = func(va uintptr) { flushed = append(flushed, va) }
	panicFn = func(interface{}) { panicked = true }

	var regs irq.Registers
	pageFaultHandler(faultPresent|faultWrite, &regs)

	if panicked {
		t.Fatal("expected the write fault on a lazy page to be handled")
	}

	pte, level, walkErr := space.walkToLevel(page.Address(), lastLevel, 0)
	if walkErr != nil || level != lastLevel {
		t.Fatalf("walk to the faulted leaf failed: level %d, %v", level, walkErr)
	}
	if pte.Frame() == ReservedZeroedFrame {
		t.Error("expected a private frame to replace the shared zeroed frame")
	}
	if !pte.HasFlags(FlagPresent | FlagRW) {
		t.Error("expected the faulted page to become writable")
	}
	if pte.HasFlags(FlagLazyZero) {
		t.Error("expected the lazy-zero flag to be cleared")
	}
	if len(zeroed) != 2 || zeroed[1] != pte.Frame() {
		t.Errorf("expected the private frame to be cleared before installation; zeroed %v", zeroed)
	}
	if len(flushed) != 1 || flushed[0] != faultVA {
		t.Errorf("expected a TLB invalidation for 0x%x; got %v", faultVA, flushed)
	}
}

func TestDemandPageRejects(t *testing.T) {
	defer restoreVMMSeams()
	defer kfmt.SetOutputSink(nil)
	defer func(origFrame mm.Frame, origProtected bool) {
		ReservedZeroedFrame, lazyFrameProtected = origFrame, origProtected
	}(ReservedZeroedFrame, lazyFrameProtected)

	arena, space := newTestSpace(t)

	ReservedZeroedFrame, lazyFrameProtected = 0, false
	if err := reserveZeroedFrame(); err != nil {
		t.Fatal(err)
	}

	var (
		lazyPage  = mm.PageFromAddress(0xffff800000201000)
		rwPage    = mm.PageFromAddress(0xffff800000202000)
		plainPage = mm.PageFromAddress(0xffff800000203000)
		mixedPage = mm.PageFromAddress(0xffff800000204000)
		hugePage  = mm.PageFromAddress(0xffff800040200000)
	)
	for _, m := range []struct {
		page  mm.Page
		frame mm.Frame
		size  mm.Size
		flags PageTableEntryFlag
	}{
		{lazyPage, ReservedZeroedFrame, mm.Size4K, FlagPresent | FlagLazyZero},
		{rwPage, 0x700, mm.Size4K, FlagPresent | FlagRW},
		{plainPage, 0x701, mm.Size4K, FlagPresent},
		{mixedPage, 0x702, mm.Size4K, FlagPresent | FlagRW | FlagLazyZero},
		{hugePage, 0x1200, mm.Size2M, FlagPresent | FlagLazyZero},
	} {
		tok, err := space.Map(m.page, m.frame, m.size, m.flags)
		if err != nil {
			t.Fatal(err)
		}
		tok.Flush()
	}

	activeRootFn = func() uintptr { return uintptr(space.root.Address()) }

	errAllocFailed := &kernel.Error{Module: "test", Message: "allocator exhausted"}

	specs := []struct {
		faultVA   mm.VirtAddr
		code      uint64
		allocFail bool
	}{
		// User-mode faults never demand-page kernel mappings.
		{lazyPage.Address(), faultPresent | faultWrite | faultUser, false},
		// Reads do not commit private frames.
		{lazyPage.Address(), faultPresent, false},
		// Non-present faults have no entry to upgrade.
		{lazyPage.Address(), faultWrite, false},
		// Writable pages are not lazy.
		{rwPage.Address(), faultPresent | faultWrite, false},
		// Present pages without the lazy flag fault for other reasons.
		{plainPage.Address(), faultPresent | faultWrite, false},
		// Already-writable pages must not be committed twice.
		{mixedPage.Address(), faultPresent | faultWrite, false},
		// Huge leaves are never lazily committed.
		{hugePage.Address(), faultPresent | faultWrite, false},
		// Unmapped addresses fail the walk.
		{0xffffd00000000000, faultPresent | faultWrite, false},
		// Allocator exhaustion surfaces as an unhandled fault.
		{lazyPage.Address(), faultPresent | faultWrite, true},
	}

	for specIndex, spec := range specs {
		var panicErr interface{}
		panicFn = func(v interface{}) { panicErr = v }
		kfmt.SetOutputSink(&bytes.Buffer{})

		if spec.allocFail {
			mm.SetFrameAllocator(func() (mm.Frame, *kernel.Error) {
				return mm.InvalidFrame, errAllocFailed
			})
		} else {
			mm.SetFrameAllocator(arena.alloc)
		}
		readCR2Fn = func() uint64 { return uint64(uintptr(spec.faultVA)) }

		var regs irq.Registers
		pageFaultHandler(spec.code, &regs)
		if panicErr != errUnrecoverableFault {
			t.Errorf("[spec %d] expected an unrecoverable fault; got %v", specIndex, panicErr)
		}
	}

	// The rejected faults must leave the lazy mapping untouched.
	pte, _, walkErr := space.walkToLevel(lazyPage.Address(), lastLevel, 0)
	if walkErr != nil {
		t.Fatal(walkErr)
	}
	if !pte.HasFlags(FlagLazyZero) || pte.HasFlags(FlagRW) {
		t.Error("expected the lazy mapping to survive the rejected faults")
	}
}

func TestPageFaultClassification(t *testing.T) {
	defer restoreVMMSeams()
	defer kfmt.SetOutputSink(nil)

	_, space := newTestSpace(t)

	activeRootFn = func() uintptr { return uintptr(space.root.Address()) }
	readCR2Fn = func() uint64 { return 0xffff800000201123 }

	var panicErr interface{}
	panicFn = func(v interface{}) { panicErr = v }

	specs := []struct {
		code      uint64
		expReason string
	}{
		{0, "read from unmapped page"},
		{faultPresent, "read from protected page"},
		{faultWrite, "write to unmapped page"},
		{faultPresent | faultWrite | faultUser, "write to protected page"},
		{faultIFetch, "instruction fetch from unmapped page"},
		{faultUser, "(user mode)"},
		{faultPresent | faultReserved, "a page table entry has reserved bits set"},
	}

	for specIndex, spec := range specs {
		var buf bytes.Buffer
		kfmt.SetOutputSink(&buf)
		panicErr = nil

		var regs irq.Registers
		pageFaultHandler(spec.code, &regs)

		if panicErr != errUnrecoverableFault {
			t.Errorf("[spec %d] expected the handler to panic with errUnrecoverableFault; got %v", specIndex, panicErr)
		}
		if got := buf.String(); !strings.Contains(got, spec.expReason) {
			t.Errorf("[spec %d] expected the fault report to contain %q; got:\n%s", specIndex, spec.expReason, got)
		}
	}
}

func TestGeneralProtectionFault(t *testing.T) {
	defer restoreVMMSeams()
	defer kfmt.SetOutputSink(nil)

	var buf bytes.Buffer
	kfmt.SetOutputSink(&buf)

	readCR2Fn = func() uint64 { return 0xdeadbeef }
	var panicErr interface{}
	panicFn = func(v interface{}) { panicErr = v }

	regs := irq.Registers{RIP: 0x1234}
	generalProtectionFaultHandler(0x10, &regs)

	if panicErr != errUnrecoverableFault {
		t.Fatalf("expected an unrecoverable fault; got %v", panicErr)
	}
	out := buf.String()
	if !strings.Contains(out, "general protection fault (code 0x10)") {
		t.Errorf("expected the report to name the error code; got:\n%s", out)
	}
	if !strings.Contains(out, "RIP = 0000000000001234") {
		t.Errorf("expected a register dump; got:\n%s", out)
	}
}
