package goruntime

import (
	"testing"
	"unsafe"

	"github.com/asterism-labs/hadron/kernel"
	"github.com/asterism-labs/hadron/kernel/mm"
	"github.com/asterism-labs/hadron/kernel/mm/vmm"
)

func restoreSeams() {
	earlyReserveRegionFn = vmm.EarlyReserveRegion
	mapFn = kernelMap
	frameAllocFn = mm.AllocFrame
}

func TestSysReserve(t *testing.T) {
	defer restoreSeams()

	t.Run("success", func(t *testing.T) {
		specs := []struct {
			reqSize       uintptr
			expRegionSize uintptr
		}{
			// exact multiple of page size
			{100 << mm.PageShift, 100 << mm.PageShift},
			// size should be rounded up to nearest page size
			{2*mm.PageSize - 1, 2 * mm.PageSize},
		}

		for specIndex, spec := range specs {
			earlyReserveRegionFn = func(rsvSize uintptr) (mm.VirtAddr, *kernel.Error) {
				if rsvSize != spec.expRegionSize {
					t.Errorf("[spec %d] expected reservation size to be %d; got %d", specIndex, spec.expRegionSize, rsvSize)
				}

				return 0xbadf00d, nil
			}

			if ptr := sysReserve(nil, spec.reqSize); uintptr(ptr) == 0 {
				t.Errorf("[spec %d] sysReserve returned 0", specIndex)
			}
		}
	})

	t.Run("fail", func(t *testing.T) {
		earlyReserveRegionFn = func(rsvSize uintptr) (mm.VirtAddr, *kernel.Error) {
			return 0, &kernel.Error{Module: "test", Message: "consumed available address space"}
		}

		// The runtime treats a nil reservation as out of memory.
		if ptr := sysReserve(nil, 0xf00); uintptr(ptr) != 0 {
			t.Error("expected sysReserve to return nil when the address space is exhausted")
		}
	})
}

func TestSysMap(t *testing.T) {
	defer restoreSeams()

	t.Run("success", func(t *testing.T) {
		specs := []struct {
			reqAddr         uintptr
			reqSize         uintptr
			expFirstPage    mm.Page
			expMapCallCount int
		}{
			// exact multiple of page size
			{100 << mm.PageShift, 4 * mm.PageSize, mm.Page(100), 4},
			// address should be rounded up to nearest page
			{(100 << mm.PageShift) + 1, 4 * mm.PageSize, mm.Page(101), 4},
			// size should be rounded up to nearest page multiple
			{100 << mm.PageShift, 4*mm.PageSize + 1, mm.Page(100), 5},
		}

		for specIndex, spec := range specs {
			var (
				sysStat      uint64
				mapCallCount int
			)
			mapFn = func(page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
				if mapCallCount == 0 && page != spec.expFirstPage {
					t.Errorf("[spec %d] expected the mapping to start at page %d; got %d", specIndex, uintptr(spec.expFirstPage), uintptr(page))
				}
				if frame != vmm.ReservedZeroedFrame {
					t.Errorf("[spec %d] expected the zeroed frame to back the mapping", specIndex)
				}
				if want := vmm.FlagPresent | vmm.FlagNoExecute | vmm.FlagLazyZero; flags&want != want {
					t.Errorf("[spec %d] unexpected mapping flags %x", specIndex, uint64(flags))
				}
				mapCallCount++
				return nil
			}

			sysMap(unsafe.Pointer(spec.reqAddr), spec.reqSize, &sysStat)
			if mapCallCount != spec.expMapCallCount {
				t.Errorf("[spec %d] expected %d map calls; got %d", specIndex, spec.expMapCallCount, mapCallCount)
			}
			if sysStat == 0 {
				t.Errorf("[spec %d] expected the sys stat counter to advance", specIndex)
			}
		}
	})

	t.Run("map fails", func(t *testing.T) {
		defer func() {
			if err := recover(); err == nil {
				t.Fatal("expected sysMap to panic when mapping reserved space fails")
			}
		}()

		var sysStat uint64
		mapFn = func(page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
			return &kernel.Error{Module: "test", Message: "map failed"}
		}

		sysMap(unsafe.Pointer(uintptr(100<<mm.PageShift)), mm.PageSize, &sysStat)
	})
}

func TestSysAlloc(t *testing.T) {
	defer restoreSeams()

	t.Run("success", func(t *testing.T) {
		var (
			sysStat      uint64
			mapCallCount int
			frameCount   int
		)

		earlyReserveRegionFn = func(rsvSize uintptr) (mm.VirtAddr, *kernel.Error) {
			return mm.VirtAddr(200 << mm.PageShift), nil
		}
		frameAllocFn = func() (mm.Frame, *kernel.Error) {
			frameCount++
			return mm.Frame(0x1000 + frameCount), nil
		}
		mapFn = func(page mm.Page, frame mm.Frame, flags vmm.PageTableEntryFlag) *kernel.Error {
			if want := vmm.FlagPresent | vmm.FlagNoExecute | vmm.FlagRW; flags&want != want {
				t.Errorf("unexpected mapping flags %x", uint64(flags))
			}
			mapCallCount++
			return nil
		}

		if ptr := sysAlloc(3*mm.PageSize, &sysStat); uintptr(ptr) != 200<<mm.PageShift {
			t.Fatalf("unexpected region address %x", uintptr(ptr))
		}
		if mapCallCount != 3 || frameCount != 3 {
			t.Errorf("expected 3 frames mapped; got %d maps over %d frames", mapCallCount, frameCount)
		}
	})

	t.Run("reserve fails", func(t *testing.T) {
		var sysStat uint64
		earlyReserveRegionFn = func(rsvSize uintptr) (mm.VirtAddr, *kernel.Error) {
			return 0, &kernel.Error{Module: "test", Message: "no space"}
		}

		if ptr := sysAlloc(mm.PageSize, &sysStat); uintptr(ptr) != 0 {
			t.Error("expected sysAlloc to return 0 when reservation fails")
		}
	})

	t.Run("frame allocation fails", func(t *testing.T) {
		var sysStat uint64
		earlyReserveRegionFn = func(rsvSize uintptr) (mm.VirtAddr, *kernel.Error) {
			return mm.VirtAddr(200 << mm.PageShift), nil
		}
		frameAllocFn = func() (mm.Frame, *kernel.Error) {
			return 0, &kernel.Error{Module: "test", Message: "out of frames"}
		}

		if ptr := sysAlloc(mm.PageSize, &sysStat); uintptr(ptr) != 0 {
			t.Error("expected sysAlloc to return 0 when no frames are left")
		}
	})
}

func TestNanotime(t *testing.T) {
	a, b := nanotime(), nanotime()
	if a <= 0 || b < a {
		t.Errorf("expected monotonically increasing positive readings; got %d then %d", a, b)
	}
}

func TestGetRandomData(t *testing.T) {
	sample1 := make([]byte, 128)
	sample2 := make([]byte, 128)
	getRandomData(sample1)
	getRandomData(sample2)

	var diff bool
	for i := range sample1 {
		if sample1[i] != sample2[i] {
			diff = true
			break
		}
	}
	if !diff {
		t.Error("expected successive random samples to differ")
	}
}
