package vmm

import (
	"testing"

	"github.com/asterism-labs/hadron/kernel/mm"
)

func TestMapMMIORegion(t *testing.T) {
	defer restoreVMMSeams()
	defer func(origSpace AddressSpace, origNext, origFloor mm.VirtAddr) {
		kernelSpace = origSpace
		earlyReserveNext, earlyReserveFloor = origNext, origFloor
	}(kernelSpace, earlyReserveNext, earlyReserveFloor)

	_, space := newTestSpace(t)
	kernelSpace = space
	earlyReserveNext = 0xffffffff80000000
	earlyReserveFloor = earlyReserveNext - mm.VirtAddr(earlyReserveWindow)

	// A register window that is neither page-aligned nor page-sized.
	region, err := MapMMIORegion(0xfee00f40, 0x200)
	if err != nil {
		t.Fatal(err)
	}

	// 0xfee00f40-0xfee01140 touches two pages.
	if exp := 2 * mm.PageSize; region.Size() != exp {
		t.Errorf("expected the region to span %d bytes; got %d", exp, region.Size())
	}
	if pa, terr := space.Translate(region.Base()); terr != nil || pa != 0xfee00f40 {
		t.Errorf("expected the region base to alias 0xfee00f40; got 0x%x, %v", uintptr(pa), terr)
	}

	pte, level, walkErr := space.walkToLevel(region.Base(), lastLevel, 0)
	if walkErr != nil || level != lastLevel {
		t.Fatalf("walk to the mmio leaf failed: level %d, %v", level, walkErr)
	}
	if exp := FlagPresent | FlagRW | FlagDoNotCache | FlagNoExecute; pte.Flags() != exp {
		t.Errorf("expected device mapping flags 0x%x; got 0x%x", uintptr(exp), uintptr(pte.Flags()))
	}

	base := region.Base()
	if err := region.Unmap(); err != nil {
		t.Fatal(err)
	}
	if _, terr := space.Translate(base); terr != ErrNotMapped {
		t.Errorf("expected the region to be unmapped; got %v", terr)
	}
	if err := region.Unmap(); err != nil {
		t.Errorf("expected unmapping twice to be a no-op; got %v", err)
	}
	if got := OutstandingFlushes(); got != 0 {
		t.Errorf("expected all flush tokens to be consumed; got %d", got)
	}

	if _, err := MapMMIORegion(0xfee00000, 0); err != errMMIOEmptyRegion {
		t.Errorf("expected errMMIOEmptyRegion for a zero-sized window; got %v", err)
	}
}

func TestMapMMIORegionRollback(t *testing.T) {
	defer restoreVMMSeams()
	defer func(origSpace AddressSpace, origNext, origFloor mm.VirtAddr) {
		kernelSpace = origSpace
		earlyReserveNext, earlyReserveFloor = origNext, origFloor
	}(kernelSpace, earlyReserveNext, earlyReserveFloor)

	_, space := newTestSpace(t)
	kernelSpace = space
	earlyReserveNext = 0xffffffff80000000
	earlyReserveFloor = earlyReserveNext - mm.VirtAddr(earlyReserveWindow)

	// The next two-page reservation lands here; occupy its second page so
	// the window mapping fails halfway through.
	regionVA := earlyReserveNext - 2*mm.VirtAddr(mm.PageSize)
	tok, err := kernelSpace.Map(mm.PageFromAddress(regionVA)+1, 0x666, mm.Size4K, FlagPresent)
	if err != nil {
		t.Fatal(err)
	}
	tok.Flush()

	if _, err = MapMMIORegion(0xfee00000, 2*mm.PageSize); err != ErrAlreadyMapped {
		t.Fatalf("expected the conflicting page to fail the mapping; got %v", err)
	}

	// The first page must have been rolled back.
	if _, err = space.Translate(regionVA); err != ErrNotMapped {
		t.Errorf("expected the partial mapping to be undone; got %v", err)
	}
	if got := OutstandingFlushes(); got != 0 {
		t.Errorf("expected all flush tokens to be consumed; got %d", got)
	}
}
