package sync

import (
	"github.com/asterism-labs/hadron/kernel/kfmt"
	"github.com/asterism-labs/hadron/kernel/task"
)

// Cond is a condition variable paired with a Mutex. Waiters atomically
// enqueue themselves and release the mutex, then reacquire it after being
// signalled before their wait completes. As with all pollable primitives,
// waiting tasks consume no CPU while parked.
type Cond struct {
	lock    Spinlock
	waiters wakerRing
}

const (
	condWaitInit uint8 = iota
	condWaitParked
	condWaitRelock
)

// Wait returns a pollable that completes once the waiter has been
// signalled and has reacquired m. The caller must hold m when it first
// polls the returned value. Condition predicates must be rechecked after
// the wait completes; a broadcast wakes all waiters but only one condition
// change may have occurred.
func (c *Cond) Wait(m *Mutex, owner task.ID) CondWait {
	return CondWait{c: c, m: m, owner: owner}
}

// Signal wakes the oldest waiter, if any.
func (c *Cond) Signal() bool {
	c.lock.Acquire()
	w, ok := c.waiters.pop()
	c.lock.Release()
	if ok {
		w.Wake()
	}
	return ok
}

// Broadcast wakes every waiter registered at the time of the call. The
// count is snapshotted first so waiters that wake and immediately re-queue
// on another CPU cannot keep the loop spinning.
func (c *Cond) Broadcast() int {
	c.lock.Acquire()
	n := c.waiters.len()
	c.lock.Release()
	for i := 0; i < n; i++ {
		if !c.Signal() {
			return i
		}
	}
	return n
}

// CondWait is a pending condition wait. It moves through three phases:
// registering and dropping the mutex, parking until signalled, and
// reacquiring the mutex.
type CondWait struct {
	c      *Cond
	m      *Mutex
	owner  task.ID
	ticket Ticket
	phase  uint8
	relock MutexWait
}

// Poll advances the wait. A registration that has disappeared from the
// queue means Signal or Broadcast selected this waiter.
func (cw *CondWait) Poll(w task.Waker) task.Status {
	switch cw.phase {
	case condWaitInit:
		cw.c.lock.Acquire()
		cw.ticket = cw.c.waiters.push(w)
		cw.c.lock.Release()
		if err := cw.m.Release(cw.owner); err != nil {
			kfmt.Panic(err)
		}
		cw.phase = condWaitParked
		return task.StatusPending
	case condWaitParked:
		cw.c.lock.Acquire()
		if cw.c.waiters.update(cw.ticket, w) {
			cw.c.lock.Release()
			return task.StatusPending
		}
		cw.c.lock.Release()
		cw.ticket = 0
		cw.phase = condWaitRelock
		cw.relock = cw.m.AcquireWait(cw.owner)
		return cw.relock.Poll(w)
	default:
		return cw.relock.Poll(w)
	}
}

// Cancel abandons the wait. A signal that raced with the cancellation is
// passed on to the next waiter. After Cancel returns the caller does not
// hold the mutex, regardless of phase.
func (cw *CondWait) Cancel() {
	switch cw.phase {
	case condWaitInit:
		// Nothing registered yet.
	case condWaitParked:
		cw.c.lock.Acquire()
		removed := cw.c.waiters.remove(cw.ticket)
		cw.c.lock.Release()
		cw.ticket = 0
		if !removed {
			// Already signalled; hand the notification on.
			cw.c.Signal()
		}
	default:
		cw.relock.Cancel()
		// Cancel is a no-op if the relock already completed, in which
		// case the mutex must be handed back.
		if cw.m.Owner() == cw.owner {
			cw.m.Release(cw.owner)
		}
	}
}
