package sync

import (
	"github.com/asterism-labs/hadron/kernel"
	"github.com/asterism-labs/hadron/kernel/task"
)

// WaitQueueCap is the number of registration slots in a bounded WaitQueue.
const WaitQueueCap = 8

// ErrWaitQueueFull is returned by WaitQueue.Register when all slots are
// taken. Callers are expected to treat this as a hard configuration error:
// a full interrupt bridge queue means too many tasks wait on one vector.
var ErrWaitQueueFull = &kernel.Error{Module: "sync", Message: "wait queue capacity exhausted"}

// WaitQueue is a bounded, allocation-free FIFO of task wakers. It is the
// bridge between interrupt handlers and sleeping tasks: tasks register a
// waker while polling, the handler calls WakeOne or WakeAll. All paths are
// safe in interrupt context and wakes are issued only after the internal
// lock has been dropped, so a woken task can immediately re-register.
type WaitQueue struct {
	lock       IRQSpinlock
	slots      [WaitQueueCap]ringSlot
	count      int
	nextTicket Ticket
}

// Register enqueues a waker and returns a ticket that can later cancel the
// registration. Registering on a full queue fails with ErrWaitQueueFull.
func (q *WaitQueue) Register(w task.Waker) (Ticket, *kernel.Error) {
	flags := q.lock.Acquire()
	if q.count == WaitQueueCap {
		q.lock.Release(flags)
		return 0, ErrWaitQueueFull
	}
	q.nextTicket++
	t := q.nextTicket
	q.slots[q.count] = ringSlot{waker: w, ticket: t}
	q.count++
	q.lock.Release(flags)
	return t, nil
}

// Update replaces the waker held under ticket while keeping its queue
// position. It reports whether the registration still existed; false
// means a wake already consumed it.
func (q *WaitQueue) Update(t Ticket, w task.Waker) bool {
	flags := q.lock.Acquire()
	for i := 0; i < q.count; i++ {
		if q.slots[i].ticket == t {
			q.slots[i].waker = w
			q.lock.Release(flags)
			return true
		}
	}
	q.lock.Release(flags)
	return false
}

// Deregister removes a prior registration. It reports whether the ticket
// was still queued; false means a wake already consumed it.
func (q *WaitQueue) Deregister(t Ticket) bool {
	flags := q.lock.Acquire()
	for i := 0; i < q.count; i++ {
		if q.slots[i].ticket != t {
			continue
		}
		copy(q.slots[i:q.count-1], q.slots[i+1:q.count])
		q.count--
		q.slots[q.count] = ringSlot{}
		q.lock.Release(flags)
		return true
	}
	q.lock.Release(flags)
	return false
}

// WakeOne wakes the oldest registered waker, if any.
func (q *WaitQueue) WakeOne() bool {
	flags := q.lock.Acquire()
	if q.count == 0 {
		q.lock.Release(flags)
		return false
	}
	w := q.slots[0].waker
	copy(q.slots[:q.count-1], q.slots[1:q.count])
	q.count--
	q.slots[q.count] = ringSlot{}
	q.lock.Release(flags)
	w.Wake()
	return true
}

// WakeAll wakes every waker registered at the time of the call and returns
// how many were woken.
func (q *WaitQueue) WakeAll() int {
	var pending [WaitQueueCap]task.Waker
	flags := q.lock.Acquire()
	n := q.count
	for i := 0; i < n; i++ {
		pending[i] = q.slots[i].waker
		q.slots[i] = ringSlot{}
	}
	q.count = 0
	q.lock.Release(flags)
	for i := 0; i < n; i++ {
		pending[i].Wake()
	}
	return n
}

// Len returns the number of currently registered wakers.
func (q *WaitQueue) Len() int {
	flags := q.lock.Acquire()
	n := q.count
	q.lock.Release(flags)
	return n
}

// WaitQueueUnbounded is the unbounded counterpart of WaitQueue for task-context
// services that cannot bound their waiter population (mutexes, condition
// variables, semaphores build on the same machinery). Registration may
// allocate when the backing ring grows and must therefore never be called
// from interrupt context.
type WaitQueueUnbounded struct {
	lock Spinlock
	ring wakerRing
}

// Register enqueues a waker and returns its cancellation ticket.
func (q *WaitQueueUnbounded) Register(w task.Waker) Ticket {
	q.lock.Acquire()
	t := q.ring.push(w)
	q.lock.Release()
	return t
}

// Update replaces the waker held under ticket while keeping its FIFO
// position. It reports whether the registration still existed.
func (q *WaitQueueUnbounded) Update(t Ticket, w task.Waker) bool {
	q.lock.Acquire()
	ok := q.ring.update(t, w)
	q.lock.Release()
	return ok
}

// Deregister removes a prior registration, reporting whether it was still
// queued.
func (q *WaitQueueUnbounded) Deregister(t Ticket) bool {
	q.lock.Acquire()
	ok := q.ring.remove(t)
	q.lock.Release()
	return ok
}

// WakeOne wakes the oldest registered waker, if any.
func (q *WaitQueueUnbounded) WakeOne() bool {
	q.lock.Acquire()
	w, ok := q.ring.pop()
	q.lock.Release()
	if ok {
		w.Wake()
	}
	return ok
}

// WakeAll wakes every waker registered at the time of the call.
func (q *WaitQueueUnbounded) WakeAll() int {
	q.lock.Acquire()
	n := q.ring.len()
	q.lock.Release()
	for i := 0; i < n; i++ {
		if !q.WakeOne() {
			return i
		}
	}
	return n
}

// Len returns the number of currently registered wakers.
func (q *WaitQueueUnbounded) Len() int {
	q.lock.Acquire()
	n := q.ring.len()
	q.lock.Release()
	return n
}
