package vmm

import (
	"sync/atomic"

	"github.com/asterism-labs/hadron/kernel/cpu"
	"github.com/asterism-labs/hadron/kernel/mm"
)

var (
	// flushEntryFn and flushAllFn are used by tests to override the TLB
	// maintenance instructions which fault outside ring 0.
	flushEntryFn = cpu.FlushTLBEntry
	flushAllFn   = cpu.FlushTLB

	// activeRootFn is used by tests to override reads of the active
	// translation root.
	activeRootFn = cpu.ActivePageTable

	// outstandingFlushes counts armed tokens that have not been consumed
	// yet. A non-zero value at a quiescent point means a mapping change
	// whose TLB shadow was never invalidated.
	outstandingFlushes int32
)

// flushAllThreshold is the page count past which invalidating entries one
// by one costs more than reloading the whole TLB.
const flushAllThreshold = 32

// FlushToken represents the TLB maintenance debt produced by a mapping
// change. The caller that altered the mapping must consume the token with
// Flush or FlushAll before relying on the new translation.
type FlushToken struct {
	root  mm.Frame
	va    mm.VirtAddr
	bytes uintptr
}

func newFlushToken(a AddressSpace, va mm.VirtAddr, bytes uintptr) FlushToken {
	atomic.AddInt32(&outstandingFlushes, 1)
	return FlushToken{root: a.root, va: va, bytes: bytes}
}

// Merge folds another token into this one, widening the covered range.
// Tokens for different address spaces cannot be merged; the incoming token
// is consumed eagerly instead.
func (t *FlushToken) Merge(other FlushToken) {
	if other.bytes == 0 {
		return
	}
	if t.bytes == 0 {
		*t = other
		return
	}
	if t.root != other.root {
		other.Flush()
		return
	}

	start, end := t.va, t.va+mm.VirtAddr(t.bytes)
	if other.va < start {
		start = other.va
	}
	if otherEnd := other.va + mm.VirtAddr(other.bytes); otherEnd > end {
		end = otherEnd
	}
	t.va, t.bytes = start, uintptr(end-start)
	atomic.AddInt32(&outstandingFlushes, -1)
}

// Flush invalidates the TLB entries covered by the token and consumes it.
// Entries of an address space that is not active need no invalidation (the
// switch back reloads the translation root); wide ranges fall back to a
// full flush. Consuming an already consumed or zero token is a no-op.
func (t *FlushToken) Flush() {
	if t.bytes == 0 {
		return
	}

	if activeRootFn() == uintptr(t.root.Address()) {
		if t.bytes>>mm.PageShift > flushAllThreshold {
			flushAllFn()
		} else {
			for va := t.va.AlignDown(mm.PageSize); va < t.va+mm.VirtAddr(t.bytes); va += mm.VirtAddr(mm.PageSize) {
				flushEntryFn(uintptr(va))
			}
		}
	}

	t.bytes = 0
	atomic.AddInt32(&outstandingFlushes, -1)
}

// FlushAll reloads the whole TLB (if the token's address space is active)
// and consumes the token.
func (t *FlushToken) FlushAll() {
	if t.bytes == 0 {
		return
	}

	if activeRootFn() == uintptr(t.root.Address()) {
		flushAllFn()
	}

	t.bytes = 0
	atomic.AddInt32(&outstandingFlushes, -1)
}

// OutstandingFlushes returns the number of mapping changes whose flush
// tokens have not been consumed yet.
func OutstandingFlushes() int {
	return int(atomic.LoadInt32(&outstandingFlushes))
}
