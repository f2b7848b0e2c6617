//go:build !alloctrack

package kheap

import (
	"io"

	"github.com/asterism-labs/hadron/kernel/kfmt"
	"github.com/asterism-labs/hadron/kernel/mm"
)

func trackAlloc(_ mm.VirtAddr, _, _ uintptr) {}

// DumpLedger reports that allocation tracking is compiled out. Build with
// the alloctrack tag to record allocations.
func DumpLedger(w io.Writer) {
	kfmt.Fprintf(w, "[kheap] allocation tracking disabled\n")
}
