package sched

import (
	"sync/atomic"

	"github.com/asterism-labs/hadron/kernel/percpu"
	"github.com/asterism-labs/hadron/kernel/task"
)

// preemptPending holds one flag per CPU slot, raised by the tick and
// consumed by the yield point that honors it.
var preemptPending [percpu.MaxCPUs]uint32

// OnTick is the scheduler's clock hook, registered by the first Init. It
// drains due sleepers and asks whatever is running on this CPU to step
// aside at its next yield point.
func OnTick(now uint64) {
	WakeExpired(now)
	atomic.StoreUint32(&preemptPending[percpu.ID()], 1)
}

// RequestPreempt raises the calling CPU's preempt flag outside the tick
// path. The yield syscall uses it to hand the CPU back at the caller's
// next yield point.
func RequestPreempt() {
	atomic.StoreUint32(&preemptPending[percpu.ID()], 1)
}

// Yield returns a pollable cooperative scheduling point. Long-running
// tasks poll one wherever they can tolerate being rescheduled.
func Yield() YieldPoint {
	return YieldPoint{}
}

// YieldPoint completes immediately unless preemption is pending on the
// current CPU, in which case it re-enqueues its task once behind the
// rest of its ready tier.
type YieldPoint struct {
	yielded bool
}

// Poll consumes the CPU's preempt-pending flag.
func (y *YieldPoint) Poll(w task.Waker) task.Status {
	if y.yielded {
		return task.StatusDone
	}
	if atomic.SwapUint32(&preemptPending[percpu.ID()], 0) == 0 {
		return task.StatusDone
	}

	y.yielded = true
	w.Wake()

	return task.StatusPending
}
