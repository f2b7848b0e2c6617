// Package bootinfo parses the handoff block constructed by the boot shim.
// The block is a stream of {type, size} tagged records in physical memory,
// 8-byte aligned, closed by a terminator tag. Parse walks the stream once
// and copies everything the kernel needs into an owned Info value backed by
// fixed-capacity arrays; after it returns, no pointer into loader storage
// is retained and the loader's memory may be reclaimed.
package bootinfo

import (
	"unsafe"

	"github.com/asterism-labs/hadron/kernel"
	"github.com/asterism-labs/hadron/kernel/mm"
)

type tagType uint32

const (
	tagStreamEnd tagType = iota
	tagMemoryMap
	tagDirectMapOffset
	tagKernelImage
	tagCmdLine
	tagRSDP
	tagModule
)

// infoHeader describes the handoff block header.
type infoHeader struct {
	// Total size of the handoff block including this header.
	totalSize uint32

	// Always set to zero; reserved for future use.
	reserved uint32
}

// tagHeader precedes each tag. The size includes the header but *not* the
// padding that aligns the next tag to an 8-byte boundary.
type tagHeader struct {
	tagType tagType
	size    uint32
}

// mmapHeader describes the header of the memory-map tag payload.
type mmapHeader struct {
	// The size of each entry that follows.
	entrySize uint32

	// The version of the entries that follow.
	entryVersion uint32
}

// rawRegion mirrors the wire layout of one memory-map entry.
type rawRegion struct {
	start  uint64
	length uint64
	kind   uint32
	_      uint32
}

// rawKernelImage mirrors the wire layout of the kernel-image tag payload.
type rawKernelImage struct {
	physBase uint64
	virtBase uint64
	length   uint64
}

// rawModule mirrors the fixed part of a module tag payload; the module
// name occupies the remaining payload bytes.
type rawModule struct {
	start  uint64
	length uint64
}

// RegionType defines the kind of a memory Region.
type RegionType uint32

const (
	// RegionUsable indicates memory that is free for kernel use.
	RegionUsable RegionType = iota + 1

	// RegionReserved indicates memory the kernel must never touch.
	RegionReserved

	// RegionACPIReclaimable indicates memory holding ACPI tables that can
	// be reused once the tables have been consumed.
	RegionACPIReclaimable

	// RegionNVS indicates memory that must be preserved when hibernating.
	RegionNVS

	// RegionLoaderReclaimable indicates memory holding loader structures
	// (including this handoff block) that becomes usable after boot.
	RegionLoaderReclaimable

	// RegionKernelAndModules indicates memory backing the kernel image
	// and any boot modules.
	RegionKernelAndModules

	// Any value >= regionUnknown is mapped to RegionReserved.
	regionUnknown
)

// String implements fmt.Stringer for RegionType.
func (t RegionType) String() string {
	switch t {
	case RegionUsable:
		return "usable"
	case RegionReserved:
		return "reserved"
	case RegionACPIReclaimable:
		return "ACPI (reclaimable)"
	case RegionNVS:
		return "NVS"
	case RegionLoaderReclaimable:
		return "loader (reclaimable)"
	case RegionKernelAndModules:
		return "kernel/modules"
	default:
		return "unknown"
	}
}

// Region describes one physical memory region reported by the loader.
type Region struct {
	Start  mm.PhysAddr
	Length uint64
	Type   RegionType
}

// End returns the first address past the region.
func (r Region) End() mm.PhysAddr {
	return r.Start + mm.PhysAddr(r.Length)
}

// Capacity limits for the owned copies. Streams exceeding them indicate a
// broken loader rather than a configuration the kernel should adapt to.
const (
	MaxRegions = 64
	MaxModules = 16

	maxCmdLine    = 255
	maxModuleName = 63
)

// Module describes one boot module handed over by the loader.
type Module struct {
	Start  mm.PhysAddr
	Length uint64

	name    [maxModuleName]byte
	nameLen uint8
}

// Name returns the loader-assigned module name.
func (m *Module) Name() []byte {
	return m.name[:m.nameLen]
}

// Info is the kernel's owned view of the boot handoff data.
type Info struct {
	// DirectMapOffset is the virtual address where the loader mapped
	// physical page zero (the base of the higher-half direct map).
	DirectMapOffset uintptr

	// Physical and virtual extent of the loaded kernel image.
	KernelPhysBase mm.PhysAddr
	KernelVirtBase mm.VirtAddr
	KernelLength   uint64

	// RSDPAddr is the physical address of the ACPI RSDP structure or 0
	// if the loader did not discover one.
	RSDPAddr mm.PhysAddr

	regions    [MaxRegions]Region
	numRegions int

	modules    [MaxModules]Module
	numModules int

	cmdline    [maxCmdLine]byte
	cmdlineLen int
}

var (
	// ErrMalformedStream is returned when the tag stream is truncated,
	// misaligned or carries an impossible tag size.
	ErrMalformedStream = &kernel.Error{Module: "bootinfo", Message: "malformed handoff tag stream"}

	// ErrMissingMemoryMap is returned when the stream carries no memory
	// map; the kernel cannot boot without one.
	ErrMissingMemoryMap = &kernel.Error{Module: "bootinfo", Message: "handoff block carries no memory map"}

	// ErrRegionOverlap is returned when two usable regions overlap.
	ErrRegionOverlap = &kernel.Error{Module: "bootinfo", Message: "usable memory regions overlap"}

	// ErrTooManyRegions is returned when the memory map exceeds MaxRegions.
	ErrTooManyRegions = &kernel.Error{Module: "bootinfo", Message: "memory map exceeds region capacity"}

	// ErrTooManyModules is returned when the loader hands over more than
	// MaxModules boot modules.
	ErrTooManyModules = &kernel.Error{Module: "bootinfo", Message: "too many boot modules"}
)

// bootInfo is the singleton filled in by Parse. The kernel parses the
// handoff block exactly once, before the heap exists, so the storage is
// static.
var bootInfo Info

// Parse walks the handoff block at the supplied physical-or-direct-mapped
// pointer and returns the kernel's owned view of it.
func Parse(ptr uintptr) (*Info, *kernel.Error) {
	bootInfo = Info{}

	hdr := (*infoHeader)(unsafe.Pointer(ptr))
	if hdr.totalSize < uint32(unsafe.Sizeof(infoHeader{})+unsafe.Sizeof(tagHeader{})) {
		return nil, ErrMalformedStream
	}

	var (
		end    = ptr + uintptr(hdr.totalSize)
		curPtr = ptr + unsafe.Sizeof(infoHeader{})
		sawMap bool
	)

	for {
		if curPtr+unsafe.Sizeof(tagHeader{}) > end {
			return nil, ErrMalformedStream
		}
		th := (*tagHeader)(unsafe.Pointer(curPtr))
		if th.tagType == tagStreamEnd {
			break
		}
		if th.size < 8 || curPtr+uintptr(th.size) > end {
			return nil, ErrMalformedStream
		}

		var (
			body    = curPtr + 8
			bodyLen = th.size - 8
			err     *kernel.Error
		)
		switch th.tagType {
		case tagMemoryMap:
			sawMap = true
			err = bootInfo.parseMemoryMap(body, bodyLen)
		case tagDirectMapOffset:
			if bodyLen < 8 {
				err = ErrMalformedStream
			} else {
				bootInfo.DirectMapOffset = uintptr(*(*uint64)(unsafe.Pointer(body)))
			}
		case tagKernelImage:
			if bodyLen < uint32(unsafe.Sizeof(rawKernelImage{})) {
				err = ErrMalformedStream
			} else {
				raw := (*rawKernelImage)(unsafe.Pointer(body))
				bootInfo.KernelPhysBase = mm.PhysAddr(raw.physBase)
				bootInfo.KernelVirtBase = mm.VirtAddr(raw.virtBase)
				bootInfo.KernelLength = raw.length
			}
		case tagCmdLine:
			n := int(bodyLen)
			if n > maxCmdLine {
				n = maxCmdLine
			}
			copyBytes(bootInfo.cmdline[:n], body)
			// Loaders NUL-terminate; trim trailing NULs.
			for n > 0 && bootInfo.cmdline[n-1] == 0 {
				n--
			}
			bootInfo.cmdlineLen = n
		case tagRSDP:
			if bodyLen < 8 {
				err = ErrMalformedStream
			} else {
				bootInfo.RSDPAddr = mm.PhysAddr(*(*uint64)(unsafe.Pointer(body)))
			}
		case tagModule:
			err = bootInfo.parseModule(body, bodyLen)
		default:
			// Unknown tags are skipped so newer loaders keep working.
		}
		if err != nil {
			return nil, err
		}

		// Tags start at 8-byte aligned addresses.
		curPtr += uintptr(th.size+7) &^ 7
	}

	if !sawMap {
		return nil, ErrMissingMemoryMap
	}
	if err := bootInfo.normalizeRegions(); err != nil {
		return nil, err
	}
	return &bootInfo, nil
}

func (i *Info) parseMemoryMap(body uintptr, bodyLen uint32) *kernel.Error {
	if bodyLen < uint32(unsafe.Sizeof(mmapHeader{})) {
		return ErrMalformedStream
	}
	mh := (*mmapHeader)(unsafe.Pointer(body))
	if uintptr(mh.entrySize) < unsafe.Sizeof(rawRegion{}) {
		return ErrMalformedStream
	}

	curPtr := body + unsafe.Sizeof(mmapHeader{})
	endPtr := body + uintptr(bodyLen)
	for curPtr+uintptr(mh.entrySize) <= endPtr {
		raw := (*rawRegion)(unsafe.Pointer(curPtr))
		curPtr += uintptr(mh.entrySize)
		if raw.length == 0 {
			continue
		}
		if i.numRegions == MaxRegions {
			return ErrTooManyRegions
		}

		kind := RegionType(raw.kind)
		if kind == 0 || kind >= regionUnknown {
			kind = RegionReserved
		}
		i.regions[i.numRegions] = Region{
			Start:  mm.PhysAddr(raw.start),
			Length: raw.length,
			Type:   kind,
		}
		i.numRegions++
	}
	return nil
}

func (i *Info) parseModule(body uintptr, bodyLen uint32) *kernel.Error {
	if bodyLen < uint32(unsafe.Sizeof(rawModule{})) {
		return ErrMalformedStream
	}
	if i.numModules == MaxModules {
		return ErrTooManyModules
	}

	raw := (*rawModule)(unsafe.Pointer(body))
	mod := &i.modules[i.numModules]
	mod.Start = mm.PhysAddr(raw.start)
	mod.Length = raw.length

	nameLen := int(bodyLen) - int(unsafe.Sizeof(rawModule{}))
	if nameLen > maxModuleName {
		nameLen = maxModuleName
	}
	copyBytes(mod.name[:nameLen], body+unsafe.Sizeof(rawModule{}))
	for nameLen > 0 && mod.name[nameLen-1] == 0 {
		nameLen--
	}
	mod.nameLen = uint8(nameLen)

	i.numModules++
	return nil
}

// normalizeRegions orders the owned region list by start address and
// verifies that no two usable regions overlap. Insertion sort keeps the
// pass allocation-free; the list is capped at MaxRegions entries.
func (i *Info) normalizeRegions() *kernel.Error {
	for x := 1; x < i.numRegions; x++ {
		for y := x; y > 0 && i.regions[y].Start < i.regions[y-1].Start; y-- {
			i.regions[y], i.regions[y-1] = i.regions[y-1], i.regions[y]
		}
	}
	var lastUsableEnd mm.PhysAddr
	for x := 0; x < i.numRegions; x++ {
		r := &i.regions[x]
		if r.Type != RegionUsable {
			continue
		}
		if r.Start < lastUsableEnd {
			return ErrRegionOverlap
		}
		if end := r.End(); end > lastUsableEnd {
			lastUsableEnd = end
		}
	}
	return nil
}

// Regions returns the normalized memory map.
func (i *Info) Regions() []Region {
	return i.regions[:i.numRegions]
}

// Modules returns the boot modules handed over by the loader.
func (i *Info) Modules() []Module {
	return i.modules[:i.numModules]
}

// Cmdline returns the raw kernel command line.
func (i *Info) Cmdline() []byte {
	return i.cmdline[:i.cmdlineLen]
}

// RegionVisitor is invoked by VisitRegions for each memory region. The
// visitor must return true to continue or false to abort the scan.
type RegionVisitor func(r *Region) bool

// VisitRegions invokes the supplied visitor for each normalized region.
func (i *Info) VisitRegions(visitor RegionVisitor) {
	for x := 0; x < i.numRegions; x++ {
		if !visitor(&i.regions[x]) {
			return
		}
	}
}

// FrameVisitor is invoked by VisitUsableFrames for each usable frame. The
// visitor must return true to continue or false to abort the scan.
type FrameVisitor func(f mm.Frame) bool

// VisitUsableFrames invokes the supplied visitor for every whole 4K frame
// inside a usable region. Partial frames at region edges are aligned
// inward and skipped.
func (i *Info) VisitUsableFrames(visitor FrameVisitor) {
	for x := 0; x < i.numRegions; x++ {
		r := &i.regions[x]
		if r.Type != RegionUsable {
			continue
		}

		first := (uintptr(r.Start) + mm.PageSize - 1) >> mm.PageShift
		limit := uintptr(r.End()) >> mm.PageShift
		for f := first; f < limit; f++ {
			if !visitor(mm.Frame(f)) {
				return
			}
		}
	}
}

// UsableBounds returns the physical address range [lo, hi) spanning all
// usable regions, or (0, 0) when the map carries none.
func (i *Info) UsableBounds() (mm.PhysAddr, mm.PhysAddr) {
	var (
		lo, hi mm.PhysAddr
		found  bool
	)
	for x := 0; x < i.numRegions; x++ {
		r := &i.regions[x]
		if r.Type != RegionUsable {
			continue
		}
		if !found || r.Start < lo {
			lo = r.Start
		}
		if end := r.End(); end > hi {
			hi = end
		}
		found = true
	}
	return lo, hi
}

// UsableBytes returns the total byte count of usable memory.
func (i *Info) UsableBytes() uint64 {
	var total uint64
	for x := 0; x < i.numRegions; x++ {
		if i.regions[x].Type == RegionUsable {
			total += i.regions[x].Length
		}
	}
	return total
}

// CmdlineParam looks up a key in the space-separated kernel command line.
// For "key=value" tokens it returns the value; bare "key" tokens report
// present with an empty value.
func (i *Info) CmdlineParam(key string) ([]byte, bool) {
	line := i.Cmdline()
	for start := 0; start < len(line); {
		// Skip leading separators.
		for start < len(line) && line[start] == ' ' {
			start++
		}
		end := start
		for end < len(line) && line[end] != ' ' {
			end++
		}
		if start == end {
			break
		}

		token := line[start:end]
		eq := -1
		for idx := 0; idx < len(token); idx++ {
			if token[idx] == '=' {
				eq = idx
				break
			}
		}
		name := token
		if eq != -1 {
			name = token[:eq]
		}
		if string(name) == key {
			if eq == -1 {
				return nil, true
			}
			return token[eq+1:], true
		}
		start = end
	}
	return nil, false
}

// copyBytes copies length(dst) bytes from the raw pointer src into dst.
func copyBytes(dst []byte, src uintptr) {
	for idx := range dst {
		dst[idx] = *(*byte)(unsafe.Pointer(src + uintptr(idx)))
	}
}
