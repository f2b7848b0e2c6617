package mm

import (
	"math"

	"github.com/asterism-labs/hadron/kernel"
)

// Frame describes a physical memory page index.
type Frame uintptr

const (
	// InvalidFrame is returned by page allocators when they fail to
	// reserve the requested frame.
	InvalidFrame = Frame(math.MaxUint64)

	// InvalidPage is returned by page lookups that fail to resolve a
	// virtual address.
	InvalidPage = Page(math.MaxUint64)
)

// Valid returns true if this is a valid frame.
func (f Frame) Valid() bool {
	return f != InvalidFrame
}

// Address returns the physical memory address pointed to by this Frame.
func (f Frame) Address() PhysAddr {
	return PhysAddr(f << PageShift)
}

// FrameFromAddress returns the Frame that contains the given physical
// address. Addresses that are not page-aligned are rounded down to the frame
// that contains them.
func FrameFromAddress(physAddr PhysAddr) Frame {
	return Frame((physAddr & ^PhysAddr(PageSize-1)) >> PageShift)
}

// FrameAt returns the Frame at the given physical address, verifying that
// the address satisfies the alignment of the supplied page size. Frames for
// sizes larger than 4K are expressed as the index of their first 4K frame.
func FrameAt(physAddr PhysAddr, size Size) (Frame, *kernel.Error) {
	if !physAddr.IsAligned(size.Bytes()) {
		return InvalidFrame, ErrMisaligned
	}
	return Frame(physAddr >> PageShift), nil
}

// Page describes a virtual memory page index.
type Page uintptr

// Address returns the virtual memory address pointed to by this Page.
func (p Page) Address() VirtAddr {
	return VirtAddr(p << PageShift)
}

// Valid returns true if this is a valid page.
func (p Page) Valid() bool {
	return p != InvalidPage
}

// PageFromAddress returns the Page that contains the given virtual address.
// Addresses that are not page-aligned are rounded down to the page that
// contains them.
func PageFromAddress(virtAddr VirtAddr) Page {
	return Page((virtAddr & ^VirtAddr(PageSize-1)) >> PageShift)
}

// PageAt returns the Page at the given virtual address, verifying that the
// address is canonical and satisfies the alignment of the supplied page
// size. Pages of sizes larger than 4K are expressed as the index of their
// first 4K page.
func PageAt(virtAddr VirtAddr, size Size) (Page, *kernel.Error) {
	if !virtAddr.IsCanonical() {
		return InvalidPage, ErrInvalidVirtAddr
	}
	if !virtAddr.IsAligned(size.Bytes()) {
		return InvalidPage, ErrMisaligned
	}
	return Page(virtAddr >> PageShift), nil
}

var (
	// frameAllocator points to a frame allocator function registered
	// using SetFrameAllocator.
	frameAllocator FrameAllocatorFn

	// contiguousAllocator points to a contiguous frame allocator
	// function registered using SetContiguousAllocator.
	contiguousAllocator ContiguousAllocatorFn

	// frameReleaser points to a frame release function registered using
	// SetFrameReleaser.
	frameReleaser FrameReleaserFn
)

// FrameAllocatorFn is a function that can allocate physical frames.
type FrameAllocatorFn func() (Frame, *kernel.Error)

// ContiguousAllocatorFn is a function that can allocate runs of physically
// contiguous frames. It returns the first frame of the run.
type ContiguousAllocatorFn func(count uintptr) (Frame, *kernel.Error)

// FrameReleaserFn is a function that returns a run of count physical frames
// starting at frame back to the allocator that owns them.
type FrameReleaserFn func(frame Frame, count uintptr) *kernel.Error

// SetFrameAllocator registers a frame allocator function that will be used
// by the vmm code when new physical frames need to be allocated.
func SetFrameAllocator(allocFn FrameAllocatorFn) { frameAllocator = allocFn }

// SetContiguousAllocator registers an allocator function for physically
// contiguous frame runs (DMA buffers, large table blocks).
func SetContiguousAllocator(allocFn ContiguousAllocatorFn) { contiguousAllocator = allocFn }

// SetFrameReleaser registers a frame release function that will be used by
// the vmm code when physical frames need to be returned to the allocator.
func SetFrameReleaser(releaseFn FrameReleaserFn) { frameReleaser = releaseFn }

// AllocFrame allocates a new physical frame using the currently registered
// physical frame allocator.
func AllocFrame() (Frame, *kernel.Error) { return frameAllocator() }

// AllocFrames allocates count physically contiguous frames using the
// currently registered contiguous allocator and returns the first frame of
// the run.
func AllocFrames(count uintptr) (Frame, *kernel.Error) { return contiguousAllocator(count) }

// FreeFrame releases a physical frame using the currently registered frame
// releaser.
func FreeFrame(frame Frame) *kernel.Error { return frameReleaser(frame, 1) }

// FreeFrames releases a run of count physically contiguous frames starting
// at frame using the currently registered frame releaser.
func FreeFrames(frame Frame, count uintptr) *kernel.Error { return frameReleaser(frame, count) }
