package sync

import (
	"sync/atomic"

	"github.com/asterism-labs/hadron/kernel/cpu"
)

// SeqLock protects small read-mostly data with a sequence counter instead
// of mutual exclusion. Writers bump the counter to an odd value, mutate the
// data and bump it back to even; readers snapshot the counter before and
// after reading and retry if it changed or was odd. Readers never write
// shared state, so reads scale across CPUs and are safe from interrupt
// context.
//
// SeqLock serializes readers against a single writer only. Concurrent
// writers must be excluded by other means, e.g. by running all writes on
// one CPU or under a spinlock.
type SeqLock struct {
	seq uint32
}

// WriteBegin marks the start of a write-side critical section.
func (l *SeqLock) WriteBegin() {
	atomic.AddUint32(&l.seq, 1)
}

// WriteEnd marks the end of a write-side critical section.
func (l *SeqLock) WriteEnd() {
	atomic.AddUint32(&l.seq, 1)
}

// ReadBegin returns an even sequence snapshot, spinning past any in-flight
// write. The caller reads the protected data and then checks ReadRetry.
func (l *SeqLock) ReadBegin() uint32 {
	for {
		s := atomic.LoadUint32(&l.seq)
		if s&1 == 0 {
			return s
		}
		cpu.Pause()
	}
}

// ReadRetry reports whether the data read since ReadBegin may be torn and
// the read section must be re-run.
func (l *SeqLock) ReadRetry(snapshot uint32) bool {
	return atomic.LoadUint32(&l.seq) != snapshot
}
