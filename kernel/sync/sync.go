// Package sync provides the synchronization primitives used by the kernel:
// spinlocks for short critical sections, pollable blocking primitives
// (mutex, condition variable, semaphore) for task code, sequence locks for
// read-mostly data and waker queues that bridge interrupt handlers to
// sleeping tasks.
//
// None of the primitives in this package allocate memory on their hot
// paths; interrupt handlers may safely use the IRQ-safe variants.
package sync

import "github.com/asterism-labs/hadron/kernel/cpu"

// Class attaches an identity and an ordering level to a lock instance so
// that lock ordering violations can be detected when the kernel is built
// with the lockdep tag. Locks sharing a Class are treated as one rank.
type Class struct {
	Name  string
	Level uint8
}

// Lock ordering levels. A CPU may only acquire a lock whose level is
// strictly greater than the highest level it currently holds. Locks with
// LevelAny opt out of ordering checks entirely.
const (
	LevelAny         = 0
	LevelHeap        = 1
	LevelVMM         = 2
	LevelPMM         = 3
	LevelDirectory   = 4
	LevelVectorTable = 5

	LevelSleepQueue = 12
	LevelReadyQueue = 13
	LevelTaskTable  = 14
)

// The interrupt flag manipulation functions are hoisted into variables so
// that tests can run lock code on a host where CLI is not permitted.
var (
	saveFlagsFn    = cpu.SaveFlags
	disableIntFn   = cpu.DisableInterrupts
	restoreFlagsFn = cpu.RestoreFlags
)

// InstallInterruptOps replaces the flag save/disable/restore operations used
// by IRQ-safe locks. The real CPU operations are installed by default;
// package tests that exercise IRQ-safe locks install host-safe stubs here.
func InstallInterruptOps(save func() uint64, disable func(), restore func(uint64)) {
	saveFlagsFn, disableIntFn, restoreFlagsFn = save, disable, restore
}
