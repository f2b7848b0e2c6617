package vmm

import "github.com/asterism-labs/hadron/kernel/mm"

const (
	// pageLevels indicates the number of translation levels supported by
	// the amd64 architecture.
	pageLevels = 4

	// lastLevel is the level whose entries describe 4K leaf pages.
	lastLevel = pageLevels - 1

	// pageTableEntries is the number of entries in a table at every level.
	pageTableEntries = 512

	// pageTableIndexMask extracts a table index from a shifted virtual
	// address.
	pageTableIndexMask = pageTableEntries - 1

	// ptePhysPageMask extracts the physical address bits (12-51) out of a
	// page table entry.
	ptePhysPageMask = uintptr(0x000ffffffffff000)
)

// pageLevelShifts defines the shift required to extract the table index of
// each level from a virtual address. The shift of a level is also the log2
// span of a leaf mapped at that level (1G at level 1, 2M at level 2, 4K at
// level 3).
var pageLevelShifts = [pageLevels]uintptr{39, 30, 21, 12}

// leafLevels maps each mm.Size to the level where leaves of that size live.
var leafLevels = [3]uint8{
	mm.Size4K: lastLevel,
	mm.Size2M: 2,
	mm.Size1G: 1,
}

const (
	// FlagPresent is set when the page is available in memory and not swapped out.
	FlagPresent PageTableEntryFlag = 1 << iota

	// FlagRW is set if the page can be written to.
	FlagRW

	// FlagUserAccessible is set if user-mode code can access this page. If
	// not set only kernel code can access this page.
	FlagUserAccessible

	// FlagWriteThroughCaching implies write-through caching when set and
	// write-back caching if cleared.
	FlagWriteThroughCaching

	// FlagDoNotCache prevents this page from being cached if set.
	FlagDoNotCache

	// FlagAccessed is set by the CPU when this page is accessed.
	FlagAccessed

	// FlagDirty is set by the CPU when this page is modified.
	FlagDirty

	// FlagHugePage is set on 2M and 1G leaf entries.
	FlagHugePage

	// FlagGlobal if set, prevents the TLB from evicting the cached
	// translation for this page when page tables are switched.
	FlagGlobal

	// FlagLazyZero marks a read-only page backed by the shared zeroed
	// frame. The first write faults and installs a private zeroed frame in
	// its place. This flag and FlagRW are mutually exclusive.
	FlagLazyZero = 1 << 9

	// FlagNoExecute if set, indicates that the page contents must not be
	// executed.
	FlagNoExecute = 1 << 63
)
