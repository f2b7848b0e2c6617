//go:build lockdep

package sync

import (
	"github.com/asterism-labs/hadron/kernel"
	"github.com/asterism-labs/hadron/kernel/kfmt"
	"github.com/asterism-labs/hadron/kernel/percpu"
)

// maxHeldLocks bounds the per-CPU stack of classed locks held at once.
// Exceeding it indicates runaway nesting rather than a legitimate need.
const maxHeldLocks = 16

var (
	errLockOrder   = &kernel.Error{Module: "sync", Message: "lock ordering violation"}
	errLockNotHeld = &kernel.Error{Module: "sync", Message: "released a classed lock that is not held"}
	errLockDepth   = &kernel.Error{Module: "sync", Message: "too many classed locks held by one cpu"}
)

// Each CPU tracks the classed locks it holds. Entries are CPU-local;
// interrupt handlers nest their acquisitions and releases strictly, so the
// stack stays consistent without further synchronization.
var (
	heldLocks [percpu.MaxCPUs][maxHeldLocks]*Class
	heldDepth [percpu.MaxCPUs]int
)

func lockAcquired(c *Class) {
	if c == nil || c.Level == LevelAny {
		return
	}
	cpuID := percpu.ID()
	depth := heldDepth[cpuID]
	if depth > 0 {
		top := heldLocks[cpuID][depth-1]
		if c.Level <= top.Level {
			kfmt.Printf("lockdep: cpu %d acquired %s (level %d) while holding %s (level %d)\n",
				cpuID, c.Name, c.Level, top.Name, top.Level)
			kfmt.Panic(errLockOrder)
		}
	}
	if depth == maxHeldLocks {
		kfmt.Panic(errLockDepth)
	}
	heldLocks[cpuID][depth] = c
	heldDepth[cpuID] = depth + 1
}

func lockReleased(c *Class) {
	if c == nil || c.Level == LevelAny {
		return
	}
	cpuID := percpu.ID()
	depth := heldDepth[cpuID]
	for i := depth - 1; i >= 0; i-- {
		if heldLocks[cpuID][i] != c {
			continue
		}
		copy(heldLocks[cpuID][i:depth-1], heldLocks[cpuID][i+1:depth])
		heldLocks[cpuID][depth-1] = nil
		heldDepth[cpuID] = depth - 1
		return
	}
	kfmt.Printf("lockdep: cpu %d released %s (level %d) without holding it\n",
		cpuID, c.Name, c.Level)
	kfmt.Panic(errLockNotHeld)
}
