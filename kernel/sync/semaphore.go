package sync

import "github.com/asterism-labs/hadron/kernel/task"

// Semaphore is a counting semaphore for task context. Waiters queue FIFO
// and Release hands permits directly to the oldest waiter, so late
// arrivals cannot starve parked tasks even under constant churn.
type Semaphore struct {
	lock    Spinlock
	permits int64
	waiters wakerRing
}

// NewSemaphore returns a semaphore holding the given number of permits.
func NewSemaphore(permits int64) *Semaphore {
	return &Semaphore{permits: permits}
}

// TryAcquire takes a permit without blocking. It fails when no permits are
// free or when older waiters are queued for the next one.
func (s *Semaphore) TryAcquire() bool {
	s.lock.Acquire()
	if s.waiters.len() == 0 && s.permits > 0 {
		s.permits--
		s.lock.Release()
		return true
	}
	s.lock.Release()
	return false
}

// AcquireWait returns a pollable that completes once a permit has been
// obtained.
func (s *Semaphore) AcquireWait() SemWait {
	return SemWait{s: s}
}

// Release returns a permit. If tasks are waiting, the permit transfers
// directly to the oldest waiter without the free count ever rising.
func (s *Semaphore) Release() {
	s.lock.Acquire()
	w, handoff := s.waiters.pop()
	if !handoff {
		s.permits++
	}
	s.lock.Release()
	if handoff {
		w.Wake()
	}
}

// Permits returns the number of free permits. Queued waiters imply zero.
func (s *Semaphore) Permits() int64 {
	s.lock.Acquire()
	p := s.permits
	s.lock.Release()
	return p
}

// SemWait is a pending semaphore acquisition. A registration that has
// disappeared from the waiter queue means Release granted this waiter a
// permit.
type SemWait struct {
	s      *Semaphore
	ticket Ticket
}

// Poll advances the acquisition. Once it returns StatusDone the value must
// not be polled again.
func (sw *SemWait) Poll(w task.Waker) task.Status {
	s := sw.s
	s.lock.Acquire()
	if sw.ticket != 0 {
		if s.waiters.update(sw.ticket, w) {
			s.lock.Release()
			return task.StatusPending
		}
		sw.ticket = 0
		s.lock.Release()
		return task.StatusDone
	}
	if s.waiters.len() == 0 && s.permits > 0 {
		s.permits--
		s.lock.Release()
		return task.StatusDone
	}
	sw.ticket = s.waiters.push(w)
	s.lock.Release()
	return task.StatusPending
}

// Cancel abandons a pending acquisition. A permit granted concurrently
// with the cancellation is handed to the next waiter or returned to the
// free count.
func (sw *SemWait) Cancel() {
	s := sw.s
	s.lock.Acquire()
	if sw.ticket == 0 {
		s.lock.Release()
		return
	}
	if s.waiters.remove(sw.ticket) {
		sw.ticket = 0
		s.lock.Release()
		return
	}
	sw.ticket = 0
	w, handoff := s.waiters.pop()
	if !handoff {
		s.permits++
	}
	s.lock.Release()
	if handoff {
		w.Wake()
	}
}
