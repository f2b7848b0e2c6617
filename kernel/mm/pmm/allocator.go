// Package pmm implements the physical frame allocator. A single bitmap
// spans the usable physical address range with one bit per 4K frame, MSB
// first within each 64-bit word; set bits mark free frames. The allocator
// is constructed once from the boot memory map, carving its own bitmap
// storage out of the first usable run large enough to hold it.
package pmm

import (
	"math/bits"
	"unsafe"

	"github.com/asterism-labs/hadron/kernel"
	"github.com/asterism-labs/hadron/kernel/bootinfo"
	"github.com/asterism-labs/hadron/kernel/kfmt"
	"github.com/asterism-labs/hadron/kernel/mm"
	"github.com/asterism-labs/hadron/kernel/sync"
)

var (
	// ErrOutOfMemory is returned when no frame (or contiguous run) can
	// satisfy an allocation.
	ErrOutOfMemory = &kernel.Error{Module: "pmm", Message: "out of physical memory"}

	// ErrFrameNotManaged is returned when freeing a frame outside the
	// bitmap's range.
	ErrFrameNotManaged = &kernel.Error{Module: "pmm", Message: "frame is outside the managed range"}

	// ErrDoubleFree is returned when freeing a frame that is already free.
	ErrDoubleFree = &kernel.Error{Module: "pmm", Message: "frame is already free"}

	// ErrZeroFrames is returned when requesting a zero-length run.
	ErrZeroFrames = &kernel.Error{Module: "pmm", Message: "contiguous allocation of zero frames"}

	errDoubleInit    = &kernel.Error{Module: "pmm", Message: "allocator initialized twice"}
	errNoBitmapSpace = &kernel.Error{Module: "pmm", Message: "no usable run large enough for the frame bitmap"}
)

const wordBits = 64

var lockClass = sync.Class{Name: "pmm", Level: sync.LevelPMM}

// allocator tracks physical frame ownership. All mutations happen under an
// IRQ-safe spinlock so interrupt handlers may release frames.
type allocator struct {
	lock sync.IRQSpinlock

	// words is the bitmap storage, carved out of boot memory by init and
	// reachable through the direct map.
	words []uint64

	// baseFrame is the frame tracked by the MSB of words[0].
	baseFrame mm.Frame

	// frameCount is the number of frames covered by the bitmap. Bits past
	// it stay zero forever.
	frameCount uintptr

	// cursor is the word index where the next allocation scan starts.
	cursor uintptr

	freeCount  uintptr
	totalCount uintptr
}

// frameAlloc is the kernel's frame allocator singleton.
var frameAlloc allocator

// Init builds the frame bitmap from the boot memory map, reserves the
// kernel image, the boot modules and the bitmap's own storage, and
// registers the allocator with the mm package. Calling Init twice is a
// bug and panics.
func Init(info *bootinfo.Info) *kernel.Error {
	if frameAlloc.words != nil {
		kfmt.Panic(errDoubleInit)
	}
	frameAlloc.lock.Class = &lockClass

	if err := frameAlloc.init(info); err != nil {
		return err
	}

	mm.SetFrameAllocator(AllocFrame)
	mm.SetContiguousAllocator(AllocFrames)
	mm.SetFrameReleaser(freeRun)

	kfmt.Printf("[pmm] managing %d frames, %d free (%d KB)\n",
		frameAlloc.totalCount, frameAlloc.freeCount, frameAlloc.freeCount<<(mm.PageShift-10))
	return nil
}

func (a *allocator) init(info *bootinfo.Info) *kernel.Error {
	lo, hi := info.UsableBounds()
	if lo == hi {
		return ErrOutOfMemory
	}

	a.baseFrame = mm.FrameFromAddress(lo)
	endFrame := mm.FrameFromAddress(hi-1) + 1
	a.frameCount = uintptr(endFrame - a.baseFrame)

	wordCount := (a.frameCount + wordBits - 1) / wordBits
	bitmapBytes := wordCount << mm.PointerShift
	bitmapFrames := (bitmapBytes + mm.PageSize - 1) >> mm.PageShift

	carved, err := findBitmapRun(info, bitmapFrames)
	if err != nil {
		return err
	}

	storage := mm.PhysToVirt(carved.Address())
	a.words = unsafe.Slice((*uint64)(unsafe.Pointer(uintptr(storage))), wordCount)
	kernel.Memset(uintptr(storage), 0, bitmapBytes)

	// Mark every whole usable frame free, then walk the reservations back
	// out: the kernel image, the boot modules and the bitmap itself.
	info.VisitUsableFrames(func(f mm.Frame) bool {
		a.markFree(f)
		return true
	})
	a.reserveExtent(info.KernelPhysBase, info.KernelLength)
	for i := range info.Modules() {
		mod := &info.Modules()[i]
		a.reserveExtent(mod.Start, mod.Length)
	}
	a.reserveExtent(carved.Address(), uint64(bitmapFrames)<<mm.PageShift)
	sanPoisonAll(a)

	return nil
}

// findBitmapRun locates a frame-aligned run of usable memory for the
// bitmap storage that does not intersect the kernel image or any boot
// module.
func findBitmapRun(info *bootinfo.Info, need uintptr) (mm.Frame, *kernel.Error) {
	result := mm.InvalidFrame
	info.VisitRegions(func(r *bootinfo.Region) bool {
		if r.Type != bootinfo.RegionUsable {
			return true
		}

		cand := mm.FrameFromAddress(r.Start.AlignUp(mm.PageSize))
		limit := mm.FrameFromAddress(r.End().AlignDown(mm.PageSize))
		for cand+mm.Frame(need) <= limit {
			if next, clash := clashesReservation(info, cand, need); clash {
				cand = next
				continue
			}
			result = cand
			return false
		}
		return true
	})

	if result == mm.InvalidFrame {
		return mm.InvalidFrame, errNoBitmapSpace
	}
	return result, nil
}

// clashesReservation reports whether the frame run intersects the kernel
// image or a boot module, returning the first candidate frame past the
// clashing extent.
func clashesReservation(info *bootinfo.Info, first mm.Frame, count uintptr) (mm.Frame, bool) {
	check := func(start mm.PhysAddr, length uint64) (mm.Frame, bool) {
		if length == 0 {
			return 0, false
		}
		extFirst := mm.FrameFromAddress(start)
		extEnd := mm.FrameFromAddress(start+mm.PhysAddr(length)-1) + 1
		if first < extEnd && extFirst < first+mm.Frame(count) {
			return extEnd, true
		}
		return 0, false
	}

	if next, clash := check(info.KernelPhysBase, info.KernelLength); clash {
		return next, true
	}
	mods := info.Modules()
	for i := range mods {
		if next, clash := check(mods[i].Start, mods[i].Length); clash {
			return next, true
		}
	}
	return 0, false
}

// markFree sets the bitmap bit for f and grows the managed totals. Only
// init uses it; runtime frees go through freeLocked.
func (a *allocator) markFree(f mm.Frame) {
	idx := uintptr(f - a.baseFrame)
	if f < a.baseFrame || idx >= a.frameCount {
		return
	}
	a.words[idx/wordBits] |= 1 << (wordBits - 1 - idx%wordBits)
	a.freeCount++
	a.totalCount++
}

// reserveExtent withdraws every frame intersecting [start, start+length)
// from the allocator.
func (a *allocator) reserveExtent(start mm.PhysAddr, length uint64) {
	if length == 0 {
		return
	}
	first := mm.FrameFromAddress(start)
	end := mm.FrameFromAddress(start+mm.PhysAddr(length)-1) + 1
	for f := first; f < end; f++ {
		idx := uintptr(f - a.baseFrame)
		if f < a.baseFrame || idx >= a.frameCount {
			continue
		}
		word, mask := idx/wordBits, uint64(1)<<(wordBits-1-idx%wordBits)
		if a.words[word]&mask == 0 {
			continue
		}
		a.words[word] &^= mask
		a.freeCount--
		a.totalCount--
	}
}

// AllocFrame hands out one free frame using a next-fit scan: the search
// resumes at the word that satisfied the previous allocation.
func AllocFrame() (mm.Frame, *kernel.Error) {
	flags := frameAlloc.lock.Acquire()
	frame, err := frameAlloc.allocLocked()
	frameAlloc.lock.Release(flags)
	return frame, err
}

func (a *allocator) allocLocked() (mm.Frame, *kernel.Error) {
	if a.freeCount == 0 {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	wordCount := uintptr(len(a.words))
	for i := uintptr(0); i < wordCount; i++ {
		w := a.cursor + i
		if w >= wordCount {
			w -= wordCount
		}
		if a.words[w] == 0 {
			continue
		}

		bit := uintptr(bits.LeadingZeros64(a.words[w]))
		a.words[w] &^= 1 << (wordBits - 1 - bit)
		a.cursor = w
		a.freeCount--

		frame := a.baseFrame + mm.Frame(w*wordBits+bit)
		sanCheckFrame(frame)
		return frame, nil
	}
	return mm.InvalidFrame, ErrOutOfMemory
}

// AllocFrames hands out a physically contiguous run of count frames using
// a first-fit scan that starts at the allocation cursor and wraps once.
func AllocFrames(count uintptr) (mm.Frame, *kernel.Error) {
	if count == 0 {
		return mm.InvalidFrame, ErrZeroFrames
	}

	flags := frameAlloc.lock.Acquire()
	frame, err := frameAlloc.allocRunLocked(count)
	frameAlloc.lock.Release(flags)
	return frame, err
}

func (a *allocator) allocRunLocked(count uintptr) (mm.Frame, *kernel.Error) {
	if uintptr(len(a.words)) == 0 || a.freeCount < count {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	start, ok := a.findRun(a.cursor*wordBits, a.frameCount, count)
	if !ok {
		// Wrap: runs that begin before the cursor are still eligible.
		start, ok = a.findRun(0, a.frameCount, count)
	}
	if !ok {
		return mm.InvalidFrame, ErrOutOfMemory
	}

	a.clearRun(start, count)
	a.freeCount -= count
	a.cursor = (start + count) / wordBits
	if a.cursor >= uintptr(len(a.words)) {
		a.cursor = 0
	}

	first := a.baseFrame + mm.Frame(start)
	for i := uintptr(0); i < count; i++ {
		sanCheckFrame(first + mm.Frame(i))
	}
	return first, nil
}

// findRun scans bits [from, limit) for a run of count consecutive free
// frames. Fully free and fully allocated words are handled a word at a
// time; only words at run boundaries are walked bit by bit.
func (a *allocator) findRun(from, limit, count uintptr) (uintptr, bool) {
	var (
		runStart uintptr
		runLen   uintptr
	)

	bit := from
	for bit < limit && runLen < count {
		word := a.words[bit/wordBits]
		rem := wordBits - bit%wordBits

		switch {
		case word == 0:
			runLen = 0
			bit += rem
		case word == ^uint64(0):
			if runLen == 0 {
				runStart = bit
			}
			runLen += rem
			bit += rem
		default:
			for ; rem > 0 && runLen < count; rem, bit = rem-1, bit+1 {
				if word&(1<<(wordBits-1-bit%wordBits)) != 0 {
					if runLen == 0 {
						runStart = bit
					}
					runLen++
				} else {
					runLen = 0
				}
			}
		}
	}

	if runLen >= count && runStart+count <= limit {
		return runStart, true
	}
	return 0, false
}

// clearRun marks bits [start, start+count) allocated, whole words at a
// time where possible.
func (a *allocator) clearRun(start, count uintptr) {
	for cleared := uintptr(0); cleared < count; {
		idx := start + cleared
		off := idx % wordBits
		span := wordBits - off
		if span > count-cleared {
			span = count - cleared
		}
		a.words[idx/wordBits] &^= (^uint64(0) << (wordBits - span)) >> off
		cleared += span
	}
}

// FreeFrame returns one frame to the allocator.
func FreeFrame(frame mm.Frame) *kernel.Error {
	return freeRun(frame, 1)
}

// FreeFrames returns a contiguous run of frames to the allocator.
func FreeFrames(frame mm.Frame, count uintptr) *kernel.Error {
	return freeRun(frame, count)
}

func freeRun(frame mm.Frame, count uintptr) *kernel.Error {
	flags := frameAlloc.lock.Acquire()
	err := frameAlloc.freeLocked(frame, count)
	frameAlloc.lock.Release(flags)
	return err
}

func (a *allocator) freeLocked(first mm.Frame, count uintptr) *kernel.Error {
	// Validate the whole run before touching any bit so a bad argument
	// leaves the bitmap untouched.
	for i := uintptr(0); i < count; i++ {
		f := first + mm.Frame(i)
		idx := uintptr(f - a.baseFrame)
		if f < a.baseFrame || idx >= a.frameCount {
			return ErrFrameNotManaged
		}
		if a.words[idx/wordBits]&(1<<(wordBits-1-idx%wordBits)) != 0 {
			return ErrDoubleFree
		}
	}

	for i := uintptr(0); i < count; i++ {
		f := first + mm.Frame(i)
		idx := uintptr(f - a.baseFrame)
		sanPoisonFrame(f)
		a.words[idx/wordBits] |= 1 << (wordBits - 1 - idx%wordBits)
	}
	a.freeCount += count
	return nil
}

// FreeCount returns the number of frames currently free.
func FreeCount() uintptr {
	flags := frameAlloc.lock.Acquire()
	n := frameAlloc.freeCount
	frameAlloc.lock.Release(flags)
	return n
}

// TotalCount returns the number of frames the allocator manages.
func TotalCount() uintptr {
	flags := frameAlloc.lock.Acquire()
	n := frameAlloc.totalCount
	frameAlloc.lock.Release(flags)
	return n
}
