// Package vmm implements the virtual memory mapper: 4-level translation
// table management over the direct physical map, huge-page aware mapping
// with on-demand leaf splitting, TLB flush tokens, scoped MMIO windows and
// the paging fault handlers.
package vmm

import (
	"github.com/asterism-labs/hadron/kernel"
	"github.com/asterism-labs/hadron/kernel/mm"
	"github.com/asterism-labs/hadron/kernel/sync"
)

var (
	// ErrNotMapped is returned when operating on a virtual address that no
	// leaf entry translates.
	ErrNotMapped = &kernel.Error{Module: "vmm", Message: "virtual address is not mapped"}

	// ErrAlreadyMapped is returned when mapping a page that already has a
	// leaf entry of the same size.
	ErrAlreadyMapped = &kernel.Error{Module: "vmm", Message: "virtual address is already mapped"}

	// ErrSizeMismatch is returned when the existing leaf covering an
	// address has a different page size than the one requested.
	ErrSizeMismatch = &kernel.Error{Module: "vmm", Message: "existing mapping has a different page size"}

	errLazyFrameRW = &kernel.Error{Module: "vmm", Message: "shared zeroed frame cannot be mapped writable"}
)

// vmmLock serializes table mutations across all address spaces. The fault
// handler acquires it too, so it must be IRQ-safe.
var vmmLock = sync.IRQSpinlock{Class: &vmmLockClass}

var vmmLockClass = sync.Class{Name: "vmm", Level: sync.LevelVMM}

// pageTableIndex extracts the table index of the given level from a virtual
// address.
func pageTableIndex(va mm.VirtAddr, level uint8) uintptr {
	return (uintptr(va) >> pageLevelShifts[level]) & pageTableIndexMask
}

// walkToLevel descends the translation tree towards the entry for va at the
// target level. When interFlags is non-zero, missing intermediate tables are
// allocated, zeroed and linked with those flags; present intermediates have
// them widened in (a table entry carries at least the access union of its
// children). The walk stops early when it lands on a huge leaf, returning
// the leaf entry and its level so callers can decide between translate,
// split and size-mismatch.
func (a AddressSpace) walkToLevel(va mm.VirtAddr, target uint8, interFlags PageTableEntryFlag) (*pageTableEntry, uint8, *kernel.Error) {
	table := tableForFrameFn(a.root)

	for level := uint8(0); ; level++ {
		pte := &table[pageTableIndex(va, level)]
		if level == target {
			return pte, level, nil
		}

		switch {
		case !pte.HasFlags(FlagPresent):
			if interFlags == 0 {
				return nil, level, ErrNotMapped
			}
			frame, err := mm.AllocFrame()
			if err != nil {
				return nil, level, err
			}
			next := tableForFrameFn(frame)
			*next = pageTable{}
			*pte = 0
			pte.SetFrame(frame)
			pte.SetFlags(interFlags)
			table = next

		case pte.HasFlags(FlagHugePage):
			return pte, level, nil

		default:
			if interFlags != 0 {
				pte.SetFlags(interFlags)
			}
			table = tableForFrameFn(pte.Frame())
		}
	}
}

// intermediateFlags derives the flags used for tables above a leaf mapped
// with the supplied flags.
func intermediateFlags(leafFlags PageTableEntryFlag) PageTableEntryFlag {
	flags := FlagPresent | FlagRW
	if leafFlags&FlagUserAccessible != 0 {
		flags |= FlagUserAccessible
	}
	return flags
}

// checkLeaf validates that the walk result (pte, level) describes a slot
// usable as a size-sized leaf.
func checkLeaf(pte *pageTableEntry, level, target uint8) *kernel.Error {
	if level < target {
		// The walk stopped inside a larger leaf.
		return ErrSizeMismatch
	}
	if !pte.HasFlags(FlagPresent) {
		return ErrNotMapped
	}
	if target < lastLevel && !pte.HasFlags(FlagHugePage) {
		// The slot holds a table; the region is mapped at a finer
		// granularity.
		return ErrSizeMismatch
	}
	return nil
}

// Map installs a leaf entry translating the size-sized page to the frame
// with the supplied flags. Intermediate tables are allocated through the
// registered frame allocator. Map does not add FlagPresent on behalf of the
// caller but does set FlagHugePage for 2M and 1G leaves. The returned token
// must be consumed with Flush or FlushAll.
func (a AddressSpace) Map(page mm.Page, frame mm.Frame, size mm.Size, flags PageTableEntryFlag) (FlushToken, *kernel.Error) {
	if lazyFrameProtected && frame == ReservedZeroedFrame && flags&FlagRW != 0 {
		return FlushToken{}, errLazyFrameRW
	}
	if uintptr(page)&(size.FrameCount()-1) != 0 || uintptr(frame)&(size.FrameCount()-1) != 0 {
		return FlushToken{}, mm.ErrMisaligned
	}

	irqFlags := vmmLock.Acquire()
	defer vmmLock.Release(irqFlags)

	target := leafLevels[size]
	pte, level, err := a.walkToLevel(page.Address(), target, intermediateFlags(flags))
	if err != nil {
		return FlushToken{}, err
	}
	if level < target {
		return FlushToken{}, ErrSizeMismatch
	}
	if pte.HasFlags(FlagPresent) {
		if target < lastLevel && !pte.HasFlags(FlagHugePage) {
			return FlushToken{}, ErrSizeMismatch
		}
		return FlushToken{}, ErrAlreadyMapped
	}

	*pte = 0
	pte.SetFrame(frame)
	if size != mm.Size4K {
		flags |= FlagHugePage
	}
	pte.SetFlags(flags)

	return newFlushToken(a, page.Address(), size.Bytes()), nil
}

// Unmap removes the size-sized leaf entry covering page. The frames backing
// the mapping are not released; their ownership stays with the caller.
func (a AddressSpace) Unmap(page mm.Page, size mm.Size) (FlushToken, *kernel.Error) {
	if uintptr(page)&(size.FrameCount()-1) != 0 {
		return FlushToken{}, mm.ErrMisaligned
	}

	irqFlags := vmmLock.Acquire()
	defer vmmLock.Release(irqFlags)

	target := leafLevels[size]
	pte, level, err := a.walkToLevel(page.Address(), target, 0)
	if err != nil {
		return FlushToken{}, err
	}
	if err = checkLeaf(pte, level, target); err != nil {
		return FlushToken{}, err
	}

	*pte = 0
	return newFlushToken(a, page.Address(), size.Bytes()), nil
}

// UpdateFlags replaces the flags of the size-sized leaf entry covering page
// while preserving the frame it points to.
func (a AddressSpace) UpdateFlags(page mm.Page, size mm.Size, flags PageTableEntryFlag) (FlushToken, *kernel.Error) {
	if uintptr(page)&(size.FrameCount()-1) != 0 {
		return FlushToken{}, mm.ErrMisaligned
	}

	irqFlags := vmmLock.Acquire()
	defer vmmLock.Release(irqFlags)

	target := leafLevels[size]
	pte, level, err := a.walkToLevel(page.Address(), target, 0)
	if err != nil {
		return FlushToken{}, err
	}
	if err = checkLeaf(pte, level, target); err != nil {
		return FlushToken{}, err
	}

	frame := pte.Frame()
	*pte = 0
	pte.SetFrame(frame)
	if size != mm.Size4K {
		flags |= FlagHugePage
	}
	pte.SetFlags(flags)

	return newFlushToken(a, page.Address(), size.Bytes()), nil
}

// Translate resolves a virtual address to the physical address it maps to,
// honoring huge leaves at any level.
func (a AddressSpace) Translate(va mm.VirtAddr) (mm.PhysAddr, *kernel.Error) {
	irqFlags := vmmLock.Acquire()
	defer vmmLock.Release(irqFlags)

	return a.translateLocked(va)
}

func (a AddressSpace) translateLocked(va mm.VirtAddr) (mm.PhysAddr, *kernel.Error) {
	pte, level, err := a.walkToLevel(va, lastLevel, 0)
	if err != nil {
		return 0, err
	}
	if !pte.HasFlags(FlagPresent) {
		return 0, ErrNotMapped
	}

	offsetMask := (uintptr(1) << pageLevelShifts[level]) - 1
	return pte.Frame().Address() + mm.PhysAddr(uintptr(va)&offsetMask), nil
}

// MapSplit decomposes the huge leaf covering page into a table of
// next-smaller leaves carrying the same flags, so that a finer mapping
// inside its range can be installed afterwards. Splitting a 1G leaf yields
// 512 2M leaves; splitting a 2M leaf yields 512 4K entries. Mapping over a
// 4K entry cannot be split further and fails with ErrSizeMismatch.
func (a AddressSpace) MapSplit(page mm.Page) (FlushToken, *kernel.Error) {
	irqFlags := vmmLock.Acquire()
	defer vmmLock.Release(irqFlags)

	pte, level, err := a.walkToLevel(page.Address(), lastLevel, 0)
	if err != nil {
		return FlushToken{}, err
	}
	if !pte.HasFlags(FlagPresent) {
		return FlushToken{}, ErrNotMapped
	}
	if level == lastLevel || !pte.HasFlags(FlagHugePage) {
		return FlushToken{}, ErrSizeMismatch
	}

	tableFrame, allocErr := mm.AllocFrame()
	if allocErr != nil {
		return FlushToken{}, allocErr
	}

	var (
		leafFrame  = pte.Frame()
		leafFlags  = pte.Flags()
		childLevel = level + 1

		// Frames spanned by each child leaf.
		childStep = mm.Frame(1) << (pageLevelShifts[childLevel] - mm.PageShift)
	)

	childFlags := leafFlags
	if childLevel == lastLevel {
		childFlags &^= FlagHugePage
	}

	table := tableForFrameFn(tableFrame)
	*table = pageTable{}
	for i := mm.Frame(0); i < pageTableEntries; i++ {
		entry := &table[i]
		entry.SetFrame(leafFrame + i*childStep)
		entry.SetFlags(childFlags)
	}

	*pte = 0
	pte.SetFrame(tableFrame)
	pte.SetFlags(intermediateFlags(leafFlags))

	leafSpan := uintptr(1) << pageLevelShifts[level]
	return newFlushToken(a, page.Address().AlignDown(leafSpan), leafSpan), nil
}
