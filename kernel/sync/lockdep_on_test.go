//go:build lockdep

package sync

import (
	"testing"

	"github.com/asterism-labs/hadron/kernel/percpu"
)

func TestLockdepTracksOrderedAcquisitions(t *testing.T) {
	var (
		heap = Spinlock{Class: &Class{Name: "kheap", Level: LevelHeap}}
		vmm  = Spinlock{Class: &Class{Name: "vmm", Level: LevelVMM}}
		any  = Spinlock{}
	)

	// Strictly increasing levels with an unclassed lock mixed in must
	// pass validation and leave the held stack empty again.
	heap.Acquire()
	any.Acquire()
	vmm.Acquire()
	vmm.Release()
	any.Release()
	heap.Release()

	if depth := heldDepth[percpu.ID()]; depth != 0 {
		t.Fatalf("expected held-lock stack to be empty; got depth %d", depth)
	}
}

func TestLockdepOutOfOrderRelease(t *testing.T) {
	var (
		a = Spinlock{Class: &Class{Name: "a", Level: 5}}
		b = Spinlock{Class: &Class{Name: "b", Level: 6}}
	)

	// Releasing in acquisition order (not reverse order) is legal as long
	// as both locks are actually held.
	a.Acquire()
	b.Acquire()
	a.Release()
	b.Release()

	if depth := heldDepth[percpu.ID()]; depth != 0 {
		t.Fatalf("expected held-lock stack to be empty; got depth %d", depth)
	}
}
