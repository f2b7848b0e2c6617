package vmm

import (
	"github.com/asterism-labs/hadron/kernel"
	"github.com/asterism-labs/hadron/kernel/mm"
)

var errMMIOEmptyRegion = &kernel.Error{Module: "vmm", Message: "mmio region has zero size"}

// MMIORegion is a scoped kernel mapping of a device register window. The
// region stays mapped until Unmap is called; the virtual range is never
// recycled afterwards.
type MMIORegion struct {
	base  mm.VirtAddr
	page  mm.Page
	pages uintptr
}

// Base returns the virtual address aliasing the physical address the region
// was created for.
func (r *MMIORegion) Base() mm.VirtAddr {
	return r.base
}

// Size returns the mapped span in bytes.
func (r *MMIORegion) Size() uintptr {
	return r.pages << mm.PageShift
}

// MapMMIORegion reserves virtual address space for a device register window
// and maps it uncached, non-executable and kernel-writable. The supplied
// physical address does not need to be page-aligned; the mapping covers
// every page the window touches.
func MapMMIORegion(pa mm.PhysAddr, size uintptr) (MMIORegion, *kernel.Error) {
	if size == 0 {
		return MMIORegion{}, errMMIOEmptyRegion
	}

	var (
		start = pa.AlignDown(mm.PageSize)
		span  = (uintptr(pa-start) + size + mm.PageSize - 1) &^ (mm.PageSize - 1)
		pages = span >> mm.PageShift
	)

	va, err := EarlyReserveRegion(span)
	if err != nil {
		return MMIORegion{}, err
	}

	var (
		firstPage  = mm.PageFromAddress(va)
		firstFrame = mm.FrameFromAddress(start)
		flags      = FlagPresent | FlagRW | FlagDoNotCache | FlagNoExecute
		tok        FlushToken
	)
	for i := uintptr(0); i < pages; i++ {
		pageTok, mapErr := kernelSpace.Map(firstPage+mm.Page(i), firstFrame+mm.Frame(i), mm.Size4K, flags)
		if mapErr != nil {
			for j := uintptr(0); j < i; j++ {
				undoTok, _ := kernelSpace.Unmap(firstPage+mm.Page(j), mm.Size4K)
				tok.Merge(undoTok)
			}
			tok.Flush()
			return MMIORegion{}, mapErr
		}
		tok.Merge(pageTok)
	}
	tok.Flush()

	return MMIORegion{
		base:  va + mm.VirtAddr(pa-start),
		page:  firstPage,
		pages: pages,
	}, nil
}

// Unmap tears the region's mappings down and flushes their TLB entries.
// Unmapping an already unmapped region is a no-op.
func (r *MMIORegion) Unmap() *kernel.Error {
	if r.pages == 0 {
		return nil
	}

	var tok FlushToken
	for i := uintptr(0); i < r.pages; i++ {
		pageTok, err := kernelSpace.Unmap(r.page+mm.Page(i), mm.Size4K)
		if err != nil {
			tok.Flush()
			return err
		}
		tok.Merge(pageTok)
	}
	tok.Flush()

	r.pages = 0
	return nil
}
