package sync

import (
	"sync/atomic"

	"github.com/asterism-labs/hadron/kernel/cpu"
)

const (
	lazyIdle uint32 = iota
	lazyBusy
	lazyDone
)

// Lazy runs an initializer exactly once. The first caller of Do executes
// the function; callers racing with it spin until the initializer
// completes. After completion Do is a single atomic load.
//
// Do must not be invoked from interrupt context: an interrupt arriving on
// the initializing CPU would spin forever waiting for its own frame to
// finish.
type Lazy struct {
	state uint32
}

// Do invokes fn if no other caller has completed it yet, otherwise it waits
// for the in-flight initializer and returns.
func (l *Lazy) Do(fn func()) {
	if atomic.LoadUint32(&l.state) == lazyDone {
		return
	}
	if atomic.CompareAndSwapUint32(&l.state, lazyIdle, lazyBusy) {
		fn()
		atomic.StoreUint32(&l.state, lazyDone)
		return
	}
	for atomic.LoadUint32(&l.state) != lazyDone {
		cpu.Pause()
	}
}

// Initialized reports whether the initializer has run to completion.
func (l *Lazy) Initialized() bool {
	return atomic.LoadUint32(&l.state) == lazyDone
}
