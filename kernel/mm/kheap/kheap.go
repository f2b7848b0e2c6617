// Package kheap implements the kernel byte allocator. It owns a reserved
// virtual window that is backed lazily: growth installs read-only mappings
// of the shared zeroed frame and the page fault handler swaps real frames
// in on first write. Small requests come from per-class block lists, large
// or strongly aligned ones from an address-ordered segment list.
package kheap

import (
	"unsafe"

	"github.com/asterism-labs/hadron/kernel"
	"github.com/asterism-labs/hadron/kernel/kfmt"
	"github.com/asterism-labs/hadron/kernel/mm"
	"github.com/asterism-labs/hadron/kernel/mm/vmm"
	"github.com/asterism-labs/hadron/kernel/sync"
)

const (
	// defaultWindowBytes is the virtual span reserved when Init is called
	// with size zero.
	defaultWindowBytes = 64 << 20

	// maxWindowBytes bounds the reservation so the page owner table stays
	// a fixed-size allocation.
	maxWindowBytes = 256 << 20

	maxWindowPages = maxWindowBytes >> mm.PageShift

	// growChunkPages is the mapping granularity; the window gains lazy
	// pages this many at a time to amortize the table walks.
	growChunkPages = 64

	// regionGrowMinPages is the smallest page run carved for the segment
	// allocator so tiny oversize requests do not shred the window.
	regionGrowMinPages = 16

	// maxClassBytes is the largest request served from a size class.
	maxClassBytes = 2048

	// maxAlign is the largest honored alignment.
	maxAlign = 4096

	// minBlockAlign is the alignment every returned address carries even
	// when the caller asks for less.
	minBlockAlign = 16
)

// classSizes lists the block sizes served from per-class free lists.
var classSizes = [classCount]uintptr{16, 32, 64, 128, 256, 512, 1024, 2048}

const classCount = 8

// Owner tags for carved window pages. Values 1..classCount mark pages
// split into blocks of class tag-1.
const (
	pageUncarved = 0
	pageRegion   = 0xff
)

var (
	errWindowTooLarge = &kernel.Error{Module: "kheap", Message: "heap window exceeds the supported maximum"}
	errDoubleInit     = &kernel.Error{Module: "kheap", Message: "heap initialized twice"}
	errWildFree       = &kernel.Error{Module: "kheap", Message: "free of an address the heap does not own"}
	errDoubleFree     = &kernel.Error{Module: "kheap", Message: "free of an address that is already free"}
	errExhausted      = &kernel.Error{Module: "kheap", Message: "reserved window exhausted"}
)

var (
	// earlyReserveFn and mapWindowFn are swapped by tests to run the heap
	// over host memory instead of a kernel window.
	earlyReserveFn = vmm.EarlyReserveRegion
	mapWindowFn    = mapWindow

	panicFn = kfmt.Panic
)

var heapLockClass = sync.Class{Name: "kheap", Level: sync.LevelHeap}

// heapLock serializes every heap operation. Page faults taken while it is
// held stay safe: the fault path only climbs to the vmm and pmm locks,
// which rank above the heap.
var heapLock = sync.IRQSpinlock{Class: &heapLockClass}

// block heads a free fixed-size block. The link lives inside the freed
// memory itself, so class lists cost no metadata.
type block struct {
	next *block
}

// segment heads every region extent, allocated or free. Segments form an
// address-ordered doubly linked list; neighbors in the list are only
// merged when they also touch in memory, since the window is carved into
// disjoint runs.
type segment struct {
	next, prev *segment
	size       uintptr // extent size in bytes, header included
	allocated  bool
}

const (
	segHeaderBytes = unsafe.Sizeof(segment{})

	// backWordBytes is the word right before every region data pointer
	// recording the distance back to the segment header.
	backWordBytes = unsafe.Sizeof(uintptr(0))

	// minSegmentBytes is the smallest extent worth splitting off.
	minSegmentBytes = segHeaderBytes + 2*minBlockAlign
)

// Stats is a snapshot of the heap counters. PeakBytes only ever grows.
type Stats struct {
	WindowBytes uintptr // reserved virtual span
	MappedBytes uintptr // prefix of the span backed by lazy mappings
	UsedBytes   uintptr // bytes held by live allocations, headers included
	PeakBytes   uintptr // high-water mark of UsedBytes
	Allocs      uint64
	Frees       uint64
}

type heap struct {
	base        mm.VirtAddr
	windowPages uintptr
	mappedPages uintptr
	carvedPages uintptr

	classes  [classCount]*block
	segs     *segment
	segsTail *segment

	pageOwner [maxWindowPages]uint8

	stats Stats
}

var kernelHeap heap

// Init reserves the heap's virtual window. A windowSize of zero selects
// the default; other sizes are rounded up to a page multiple. No memory is
// mapped until the first allocation needs it.
func Init(windowSize uintptr) *kernel.Error {
	if kernelHeap.base != 0 {
		panicFn(errDoubleInit)
		return errDoubleInit
	}

	if windowSize == 0 {
		windowSize = defaultWindowBytes
	}
	windowSize = alignUp(windowSize, mm.PageSize)
	if windowSize > maxWindowBytes {
		return errWindowTooLarge
	}

	base, err := earlyReserveFn(windowSize)
	if err != nil {
		return err
	}

	kernelHeap.init(base, windowSize>>mm.PageShift)
	kfmt.Printf("[kheap] reserved %dM window at 0x%16x\n", windowSize>>20, uint64(base))
	return nil
}

func (h *heap) init(base mm.VirtAddr, pages uintptr) {
	h.base = base
	h.windowPages = pages
	h.stats = Stats{WindowBytes: pages << mm.PageShift}
}

// Alloc returns the address of a size-byte region aligned to align. It
// returns zero when size is zero, when the alignment is not a power of two
// up to 4096, or when the window cannot satisfy the request; it never
// panics. The returned memory is not zeroed.
func Alloc(size, align uintptr) mm.VirtAddr {
	irqFlags := heapLock.Acquire()
	va := kernelHeap.alloc(size, align)
	heapLock.Release(irqFlags)

	if va != 0 {
		trackAlloc(va, size, align)
	}
	return va
}

// Free releases an address returned by Alloc. Freeing zero is a no-op;
// freeing any other address the heap did not hand out panics.
func Free(va mm.VirtAddr) {
	if va == 0 {
		return
	}

	irqFlags := heapLock.Acquire()
	err := kernelHeap.free(va)
	heapLock.Release(irqFlags)

	if err != nil {
		panicFn(err)
	}
}

// ReadStats returns a snapshot of the heap counters.
func ReadStats() Stats {
	irqFlags := heapLock.Acquire()
	s := kernelHeap.stats
	heapLock.Release(irqFlags)
	return s
}

func (h *heap) alloc(size, align uintptr) mm.VirtAddr {
	if h.base == 0 || size == 0 || align > maxAlign || align&(align-1) != 0 {
		return 0
	}
	if size <= maxClassBytes && align <= minBlockAlign {
		return h.allocClass(classFor(size))
	}
	return h.allocRegion(size, align)
}

// classFor returns the index of the smallest class that fits size. Callers
// bound size by maxClassBytes.
func classFor(size uintptr) int {
	for i, classSize := range classSizes {
		if size <= classSize {
			return i
		}
	}
	return classCount - 1
}

func (h *heap) allocClass(class int) mm.VirtAddr {
	if h.classes[class] == nil && h.refillClass(class) != nil {
		return 0
	}

	blk := h.classes[class]
	h.classes[class] = blk.next
	blk.next = nil

	h.accountAlloc(classSizes[class])
	return mm.VirtAddr(uintptr(unsafe.Pointer(blk)))
}

// refillClass carves one window page into blocks of the class size and
// chains them onto the class list.
func (h *heap) refillClass(class int) *kernel.Error {
	pageVA, err := h.carvePages(1, uint8(class)+1)
	if err != nil {
		return err
	}

	blockSize := classSizes[class]
	for off := uintptr(0); off+blockSize <= mm.PageSize; off += blockSize {
		blk := (*block)(unsafe.Pointer(uintptr(pageVA) + off))
		blk.next = h.classes[class]
		h.classes[class] = blk
	}
	return nil
}

func (h *heap) allocRegion(size, align uintptr) mm.VirtAddr {
	if align < minBlockAlign {
		align = minBlockAlign
	}
	size = alignUp(size, minBlockAlign)

	va := h.fitRegion(size, align)
	if va == 0 {
		if h.growRegion(size+align) != nil {
			return 0
		}
		va = h.fitRegion(size, align)
	}
	return va
}

// fitRegion first-fit scans the free segments for one that can place size
// bytes at the requested alignment. The extent keeps any alignment slack
// in front of the data; the tail is split off when enough remains for
// another extent.
func (h *heap) fitRegion(size, align uintptr) mm.VirtAddr {
	for seg := h.segs; seg != nil; seg = seg.next {
		if seg.allocated {
			continue
		}

		segStart := uintptr(unsafe.Pointer(seg))
		data := alignUp(segStart+segHeaderBytes+backWordBytes, align)
		need := alignUp(data+size-segStart, minBlockAlign)
		if need > seg.size {
			continue
		}

		if seg.size-need >= minSegmentBytes {
			h.splitSegment(seg, need)
		}
		seg.allocated = true
		*(*uintptr)(unsafe.Pointer(data - backWordBytes)) = data - segStart

		h.accountAlloc(seg.size)
		return mm.VirtAddr(data)
	}
	return 0
}

// splitSegment shrinks seg to keep bytes and links the remainder after it
// as a free segment.
func (h *heap) splitSegment(seg *segment, keep uintptr) {
	rest := (*segment)(unsafe.Pointer(uintptr(unsafe.Pointer(seg)) + keep))
	*rest = segment{next: seg.next, prev: seg, size: seg.size - keep}
	if rest.next != nil {
		rest.next.prev = rest
	} else {
		h.segsTail = rest
	}
	seg.next = rest
	seg.size = keep
}

// growRegion carves fresh window pages into one free segment large enough
// for a request of need bytes.
func (h *heap) growRegion(need uintptr) *kernel.Error {
	minPages := (need + segHeaderBytes + backWordBytes + mm.PageSize - 1) >> mm.PageShift
	pages := minPages
	if pages < regionGrowMinPages {
		pages = regionGrowMinPages
	}
	if left := h.windowPages - h.carvedPages; pages > left {
		if minPages > left {
			return errExhausted
		}
		pages = left
	}

	va, err := h.carvePages(pages, pageRegion)
	if err != nil {
		return err
	}

	seg := (*segment)(unsafe.Pointer(uintptr(va)))
	*seg = segment{size: pages << mm.PageShift}
	h.appendSegment(seg)
	return nil
}

// appendSegment links a fresh segment at the address-ordered tail, folding
// it into the previous segment when the two touch.
func (h *heap) appendSegment(seg *segment) {
	if h.segsTail == nil {
		h.segs, h.segsTail = seg, seg
		return
	}

	tail := h.segsTail
	tail.next = seg
	seg.prev = tail
	h.segsTail = seg
	if !tail.allocated && segmentEnd(tail) == uintptr(unsafe.Pointer(seg)) {
		h.mergeIntoPrev(seg)
	}
}

// mergeIntoPrev folds seg into its predecessor. The caller has checked
// that the two are adjacent in memory and both free.
func (h *heap) mergeIntoPrev(seg *segment) {
	prev := seg.prev
	prev.size += seg.size
	prev.next = seg.next
	if seg.next != nil {
		seg.next.prev = prev
	} else {
		h.segsTail = prev
	}
}

func segmentEnd(seg *segment) uintptr {
	return uintptr(unsafe.Pointer(seg)) + seg.size
}

func (h *heap) free(va mm.VirtAddr) *kernel.Error {
	if h.base == 0 || va < h.base {
		return errWildFree
	}
	page := uintptr(va-h.base) >> mm.PageShift
	if page >= h.carvedPages {
		return errWildFree
	}

	owner := h.pageOwner[page]
	switch {
	case owner == pageRegion:
		return h.freeRegion(va)
	case owner >= 1 && owner <= classCount:
		return h.freeClass(va, int(owner)-1)
	}
	return errWildFree
}

func (h *heap) freeClass(va mm.VirtAddr, class int) *kernel.Error {
	if uintptr(va)&(classSizes[class]-1) != 0 {
		return errWildFree
	}

	blk := (*block)(unsafe.Pointer(uintptr(va)))

	// A block already on its free list means a double free. Re-linking it
	// would cycle the list and only surface allocations later, so pay for
	// the sweep now.
	for cur := h.classes[class]; cur != nil; cur = cur.next {
		if cur == blk {
			return errDoubleFree
		}
	}

	blk.next = h.classes[class]
	h.classes[class] = blk

	h.accountFree(classSizes[class])
	return nil
}

func (h *heap) freeRegion(va mm.VirtAddr) *kernel.Error {
	off := *(*uintptr)(unsafe.Pointer(uintptr(va) - backWordBytes))
	if off < segHeaderBytes+backWordBytes || off > uintptr(va-h.base) {
		return errWildFree
	}

	segStart := uintptr(va) - off
	if segStart&(minBlockAlign-1) != 0 {
		return errWildFree
	}
	seg := (*segment)(unsafe.Pointer(segStart))
	if off > seg.size {
		return errWildFree
	}
	if !seg.allocated {
		return errDoubleFree
	}

	seg.allocated = false
	h.accountFree(seg.size)

	if next := seg.next; next != nil && !next.allocated && segmentEnd(seg) == uintptr(unsafe.Pointer(next)) {
		h.mergeIntoPrev(next)
	}
	if prev := seg.prev; prev != nil && !prev.allocated && segmentEnd(prev) == uintptr(unsafe.Pointer(seg)) {
		h.mergeIntoPrev(seg)
	}
	return nil
}

// carvePages hands out the next owner-tagged run of window pages, mapping
// lazy-zero pages over it first.
func (h *heap) carvePages(pages uintptr, owner uint8) (mm.VirtAddr, *kernel.Error) {
	if pages > h.windowPages-h.carvedPages {
		return 0, errExhausted
	}
	if err := h.ensureMapped(h.carvedPages + pages); err != nil {
		return 0, err
	}

	va := h.base + mm.VirtAddr(h.carvedPages<<mm.PageShift)
	for i := uintptr(0); i < pages; i++ {
		h.pageOwner[h.carvedPages+i] = owner
	}
	h.carvedPages += pages
	return va, nil
}

// ensureMapped extends the mapped prefix of the window to cover at least
// the given page count, growing chunk-wise. A failed growth keeps the
// pages that did get mapped so a later attempt resumes behind them.
func (h *heap) ensureMapped(pages uintptr) *kernel.Error {
	if pages <= h.mappedPages {
		return nil
	}

	target := alignUp(pages, growChunkPages)
	if target > h.windowPages {
		target = h.windowPages
	}

	done, err := mapWindowFn(h.base, h.mappedPages, target)
	h.mappedPages += done
	h.stats.MappedBytes = h.mappedPages << mm.PageShift
	return err
}

// mapWindow installs lazy-zero pages over window pages [from, to). Backing
// frames arrive one page fault at a time; growth itself only spends page
// table frames. Returns how many pages were mapped.
func mapWindow(base mm.VirtAddr, from, to uintptr) (uintptr, *kernel.Error) {
	var (
		space    = vmm.KernelSpace()
		basePage = mm.PageFromAddress(base)
		tok      vmm.FlushToken
	)
	for i := from; i < to; i++ {
		pageTok, err := space.Map(basePage+mm.Page(i), vmm.ReservedZeroedFrame, mm.Size4K, vmm.FlagPresent|vmm.FlagLazyZero|vmm.FlagNoExecute)
		if err != nil {
			tok.Flush()
			return i - from, err
		}
		tok.Merge(pageTok)
	}
	tok.Flush()
	return to - from, nil
}

func (h *heap) accountAlloc(bytes uintptr) {
	h.stats.Allocs++
	h.stats.UsedBytes += bytes
	if h.stats.UsedBytes > h.stats.PeakBytes {
		h.stats.PeakBytes = h.stats.UsedBytes
	}
}

func (h *heap) accountFree(bytes uintptr) {
	h.stats.Frees++
	h.stats.UsedBytes -= bytes
}

func alignUp(v, align uintptr) uintptr {
	return (v + align - 1) &^ (align - 1)
}
