package sync

import (
	"sync/atomic"

	"github.com/asterism-labs/hadron/kernel/cpu"
)

const (
	rwWriterHeld    uint32 = 1 << 0
	rwWriterWaiting uint32 = 1 << 1
	rwReaderUnit    uint32 = 1 << 2
)

// RWLock is a busy-wait lock that admits either multiple concurrent readers
// or a single writer. Writers are preferred: once a writer announces
// intent, newly arriving readers spin until the writer has acquired and
// released the lock. This keeps write latency bounded on read-heavy
// structures such as the driver registry.
type RWLock struct {
	Class *Class

	// state packs the writer-held bit, the writer-waiting bit and the
	// count of active readers (shifted by two).
	state uint32
}

// AcquireRead blocks until the lock is held for reading. Multiple CPUs may
// hold the read side concurrently.
func (l *RWLock) AcquireRead() {
	for {
		s := atomic.LoadUint32(&l.state)
		if s&(rwWriterHeld|rwWriterWaiting) == 0 &&
			atomic.CompareAndSwapUint32(&l.state, s, s+rwReaderUnit) {
			lockAcquired(l.Class)
			return
		}
		cpu.Pause()
	}
}

// ReleaseRead drops a read-side hold previously obtained via AcquireRead.
func (l *RWLock) ReleaseRead() {
	lockReleased(l.Class)
	atomic.AddUint32(&l.state, ^(rwReaderUnit - 1))
}

// AcquireWrite blocks until the lock is held exclusively. The writer first
// raises the waiting bit so that new readers back off, then spins until the
// active readers drain.
func (l *RWLock) AcquireWrite() {
	for {
		s := atomic.LoadUint32(&l.state)
		if s&rwWriterWaiting == 0 &&
			atomic.CompareAndSwapUint32(&l.state, s, s|rwWriterWaiting) {
			break
		}
		cpu.Pause()
	}
	for !atomic.CompareAndSwapUint32(&l.state, rwWriterWaiting, rwWriterHeld) {
		cpu.Pause()
	}
	lockAcquired(l.Class)
}

// ReleaseWrite drops the exclusive hold obtained via AcquireWrite.
func (l *RWLock) ReleaseWrite() {
	lockReleased(l.Class)
	atomic.StoreUint32(&l.state, 0)
}
