package sync

import (
	"sync/atomic"

	"github.com/asterism-labs/hadron/kernel/cpu"
)

// Spinlock implements a lock where each CPU trying to acquire it busy-waits,
// relaxing the core between attempts. Spinlocks must only guard short
// critical sections that never block; code holding a spinlock must not poll
// a pollable or spawn tasks.
//
// The zero value is an unlocked spinlock that opts out of ordering checks.
// Assign a Class to participate in lock ordering validation.
type Spinlock struct {
	Class *Class

	state uint32
}

// Acquire blocks until the lock can be acquired by the current CPU. Calls
// to Acquire are not reentrant; acquiring the same lock twice from the same
// CPU will deadlock it.
func (l *Spinlock) Acquire() {
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		for atomic.LoadUint32(&l.state) != 0 {
			cpu.Pause()
		}
	}
	lockAcquired(l.Class)
}

// TryToAcquire attempts to acquire the lock and returns true if the lock
// was acquired or false otherwise.
func (l *Spinlock) TryToAcquire() bool {
	ok := atomic.CompareAndSwapUint32(&l.state, 0, 1)
	if ok {
		lockAcquired(l.Class)
	}
	return ok
}

// Release unlocks a previously acquired spinlock. Calling Release on an
// unlocked spinlock has undefined behavior.
func (l *Spinlock) Release() {
	lockReleased(l.Class)
	atomic.StoreUint32(&l.state, 0)
}

// IRQSpinlock is a spinlock that additionally masks maskable interrupts on
// the local CPU for the duration of the critical section. It is the only
// lock type that may be shared between task context and interrupt handlers.
type IRQSpinlock struct {
	Class *Class

	state uint32
}

// Acquire disables interrupt delivery on the local CPU and then spins until
// the lock is held. It returns the RFLAGS value captured before interrupts
// were disabled; the caller must hand the same value back to Release.
// Returning the saved state instead of tracking a nesting count lets
// acquisitions nest naturally: inner sections capture an already-masked
// state and restore exactly that.
func (l *IRQSpinlock) Acquire() uint64 {
	flags := saveFlagsFn()
	disableIntFn()
	for !atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		for atomic.LoadUint32(&l.state) != 0 {
			cpu.Pause()
		}
	}
	lockAcquired(l.Class)
	return flags
}

// TryToAcquire attempts to acquire the lock without spinning. On success it
// returns the saved RFLAGS value and true with interrupts masked; on
// failure the interrupt state is restored and the returned flags value must
// be ignored.
func (l *IRQSpinlock) TryToAcquire() (uint64, bool) {
	flags := saveFlagsFn()
	disableIntFn()
	if atomic.CompareAndSwapUint32(&l.state, 0, 1) {
		lockAcquired(l.Class)
		return flags, true
	}
	restoreFlagsFn(flags)
	return 0, false
}

// Release unlocks the spinlock and restores the interrupt state captured by
// the matching Acquire call.
func (l *IRQSpinlock) Release(flags uint64) {
	lockReleased(l.Class)
	atomic.StoreUint32(&l.state, 0)
	restoreFlagsFn(flags)
}
