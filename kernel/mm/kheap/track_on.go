//go:build alloctrack

package kheap

import (
	"io"
	"sync/atomic"
	"unsafe"

	"github.com/asterism-labs/hadron/kernel/kfmt"
	"github.com/asterism-labs/hadron/kernel/mm"
)

// ledgerSize is the number of most recent allocations kept. Must be a
// power of two.
const ledgerSize = 256

// ledgerPCs is how many return addresses are captured per allocation.
const ledgerPCs = 4

type ledgerEntry struct {
	va    mm.VirtAddr
	size  uintptr
	align uintptr
	pcs   [ledgerPCs]uintptr
}

var (
	ledger       [ledgerSize]ledgerEntry
	ledgerCursor uint32
)

// callerFP returns the frame pointer of the calling frame.
func callerFP() uintptr

// trackAlloc records an allocation in the ledger ring together with the
// call chain that made it. Entries may tear when the ring wraps under
// concurrent allocations; the ledger is a debugging aid, not a log.
func trackAlloc(va mm.VirtAddr, size, align uintptr) {
	slot := (atomic.AddUint32(&ledgerCursor, 1) - 1) & (ledgerSize - 1)
	entry := &ledger[slot]
	entry.va = va
	entry.size = size
	entry.align = align
	capturePCs(&entry.pcs)
}

// capturePCs walks the frame pointer chain, recording one return address
// per hop. Frames live at ascending addresses on the same stack; the walk
// stops at the first value that breaks that shape.
func capturePCs(pcs *[ledgerPCs]uintptr) {
	for i := range pcs {
		pcs[i] = 0
	}

	fp := callerFP()
	for i := 0; i < ledgerPCs; i++ {
		if fp == 0 || fp&7 != 0 {
			return
		}
		pc := *(*uintptr)(unsafe.Pointer(fp + 8))
		if pc == 0 {
			return
		}
		pcs[i] = pc

		next := *(*uintptr)(unsafe.Pointer(fp))
		if next <= fp {
			return
		}
		fp = next
	}
}

// DumpLedger writes the allocation ledger, newest entry last.
func DumpLedger(w io.Writer) {
	cursor := atomic.LoadUint32(&ledgerCursor)
	count := uint32(ledgerSize)
	if cursor < count {
		count = cursor
	}

	kfmt.Fprintf(w, "[kheap] last %d allocations:\n", count)
	for i := uint32(0); i < count; i++ {
		entry := &ledger[(cursor-count+i)&(ledgerSize-1)]
		kfmt.Fprintf(w, "  0x%16x size %d align %d pc", uint64(entry.va), entry.size, entry.align)
		for _, pc := range entry.pcs {
			if pc == 0 {
				break
			}
			kfmt.Fprintf(w, " 0x%x", pc)
		}
		kfmt.Fprintf(w, "\n")
	}
}

func init() {
	kfmt.RegisterPanicDump(func() {
		if w := kfmt.GetOutputSink(); w != nil {
			DumpLedger(w)
		}
	})
}
