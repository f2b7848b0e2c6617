package sync

import (
	"github.com/asterism-labs/hadron/kernel"
	"github.com/asterism-labs/hadron/kernel/task"
)

// ErrMutexNotOwner is returned when a task releases a mutex it does not
// currently own.
var ErrMutexNotOwner = &kernel.Error{Module: "sync", Message: "mutex released by non-owner task"}

// Mutex is a blocking lock for task context. Contended acquisitions do not
// spin: the task parks on the executor via the pollable returned by
// AcquireWait and is woken when the mutex is handed to it.
//
// Handoff is direct and FIFO: Release transfers ownership to the oldest
// waiter without ever marking the mutex free in between, so a stream of
// fresh acquirers cannot starve parked tasks. The mutex is not reentrant.
type Mutex struct {
	lock    Spinlock
	owner   task.ID
	waiters wakerRing
}

// TryAcquire attempts to take the mutex for owner without blocking.
func (m *Mutex) TryAcquire(owner task.ID) bool {
	m.lock.Acquire()
	if m.owner != 0 {
		m.lock.Release()
		return false
	}
	m.owner = owner
	m.lock.Release()
	return true
}

// AcquireWait returns a pollable that completes once the mutex is owned by
// the calling task. The owner id must match the task id encoded in the
// wakers passed to Poll.
func (m *Mutex) AcquireWait(owner task.ID) MutexWait {
	return MutexWait{m: m, owner: owner}
}

// Release unlocks the mutex held by owner. If tasks are waiting, ownership
// transfers to the oldest waiter and its waker fires after the internal
// lock is dropped.
func (m *Mutex) Release(owner task.ID) *kernel.Error {
	m.lock.Acquire()
	if m.owner != owner {
		m.lock.Release()
		return ErrMutexNotOwner
	}
	w, handoff := m.handoffLocked()
	m.lock.Release()
	if handoff {
		w.Wake()
	}
	return nil
}

// Owner returns the id of the task currently holding the mutex, or zero.
func (m *Mutex) Owner() task.ID {
	m.lock.Acquire()
	owner := m.owner
	m.lock.Release()
	return owner
}

// handoffLocked passes ownership to the oldest waiter or marks the mutex
// free. Callers hold m.lock and wake the returned waker after releasing it.
func (m *Mutex) handoffLocked() (task.Waker, bool) {
	if w, ok := m.waiters.pop(); ok {
		m.owner = w.TaskID()
		return w, true
	}
	m.owner = 0
	return 0, false
}

// MutexWait is a pending mutex acquisition. Poll either takes the free
// mutex, observes a completed handoff, or (re)registers the waker. Once
// Poll has returned StatusDone the value must not be polled again.
type MutexWait struct {
	m      *Mutex
	owner  task.ID
	ticket Ticket
}

// Poll advances the acquisition. A registration that has disappeared from
// the waiter queue means Release handed the mutex to this task.
func (mw *MutexWait) Poll(w task.Waker) task.Status {
	m := mw.m
	m.lock.Acquire()
	if mw.ticket != 0 {
		if m.waiters.update(mw.ticket, w) {
			m.lock.Release()
			return task.StatusPending
		}
		mw.ticket = 0
		m.lock.Release()
		return task.StatusDone
	}
	if m.owner == 0 {
		m.owner = mw.owner
		m.lock.Release()
		return task.StatusDone
	}
	mw.ticket = m.waiters.push(w)
	m.lock.Release()
	return task.StatusPending
}

// Cancel abandons a pending acquisition. If a handoff raced with the
// cancellation the mutex is passed on to the next waiter, so no wakeup is
// ever lost. Cancelling a completed acquisition is a no-op; the caller
// still owns the mutex.
func (mw *MutexWait) Cancel() {
	m := mw.m
	m.lock.Acquire()
	if mw.ticket == 0 {
		m.lock.Release()
		return
	}
	if m.waiters.remove(mw.ticket) {
		mw.ticket = 0
		m.lock.Release()
		return
	}
	mw.ticket = 0
	w, handoff := m.handoffLocked()
	m.lock.Release()
	if handoff {
		w.Wake()
	}
}
