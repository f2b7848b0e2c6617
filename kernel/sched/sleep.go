package sched

import (
	"sync/atomic"

	"github.com/asterism-labs/hadron/kernel/ktime"
	"github.com/asterism-labs/hadron/kernel/sync"
	"github.com/asterism-labs/hadron/kernel/task"
)

// wakeBatch bounds how many expired sleepers one tick drains. Entries
// past the batch wait for the next tick, which keeps the time spent in
// the tick handler constant.
const wakeBatch = 32

// sleeper is one sleep queue entry. The arming poll allocates it;
// Cancel marks it dead in place instead of digging it out of the heap,
// and a later drain discards it.
type sleeper struct {
	deadline uint64
	waker    task.Waker
	canceled uint32
}

var sleepLockClass = sync.Class{Name: "sched.sleepers", Level: sync.LevelSleepQueue}

var (
	sleepLock = sync.IRQSpinlock{Class: &sleepLockClass}

	// sleepers is a binary min-heap ordered by deadline. Growth happens
	// outside the lock; see sleepInsert.
	sleepers []*sleeper
)

// ticksFn is mocked by tests.
var ticksFn = ktime.Ticks

// SleepUntil returns a pollable that completes on the first timer tick
// at or after deadline.
func SleepUntil(deadline uint64) Sleep {
	return Sleep{deadline: deadline}
}

// Sleep is a pending sleep produced by SleepUntil.
type Sleep struct {
	deadline uint64
	entry    *sleeper
}

// Poll completes once the tick counter has reached the deadline. The
// first pending poll inserts the waker into the sleep queue; later polls
// ride the existing entry, since a task's packed waker never changes.
func (s *Sleep) Poll(w task.Waker) task.Status {
	if ticksFn() >= s.deadline {
		s.Cancel()
		return task.StatusDone
	}

	if s.entry == nil {
		s.entry = &sleeper{deadline: s.deadline, waker: w}
		sleepInsert(s.entry)
	}

	return task.StatusPending
}

// Cancel abandons the sleep, marking any queued entry dead.
func (s *Sleep) Cancel() {
	if s.entry != nil {
		atomic.StoreUint32(&s.entry.canceled, 1)
		s.entry = nil
	}
}

// sleepInsert adds entry to the heap. When the backing array is full it
// is regrown outside the lock; growing in place would take the heap
// allocator's lock above the sleep queue's level.
func sleepInsert(entry *sleeper) {
	for {
		flags := sleepLock.Acquire()
		if len(sleepers) < cap(sleepers) {
			sleepers = append(sleepers, entry)
			siftUpSleeper(sleepers, len(sleepers)-1)
			sleepLock.Release(flags)
			return
		}
		have := cap(sleepers)
		sleepLock.Release(flags)

		grown := make([]*sleeper, 0, growSleepCap(have))

		flags = sleepLock.Acquire()
		if cap(sleepers) < cap(grown) {
			sleepers = append(grown, sleepers...)
		}
		sleepLock.Release(flags)
	}
}

func growSleepCap(have int) int {
	if have == 0 {
		return 64
	}

	return have * 2
}

// WakeExpired pops every entry whose deadline is at or before now, up to
// wakeBatch live entries per call, and invokes the wakers after the lock
// is released. Canceled entries are discarded without counting against
// the batch. It returns how many wakers fired; leftovers are drained by
// subsequent ticks in deadline order.
func WakeExpired(now uint64) int {
	var batch [wakeBatch]task.Waker
	n := 0

	flags := sleepLock.Acquire()
	for n < wakeBatch && len(sleepers) > 0 {
		top := sleepers[0]
		live := atomic.LoadUint32(&top.canceled) == 0
		if live && top.deadline > now {
			break
		}

		last := len(sleepers) - 1
		sleepers[0] = sleepers[last]
		sleepers[last] = nil
		sleepers = sleepers[:last]
		if last > 0 {
			siftDownSleeper(sleepers, 0)
		}

		if live {
			batch[n] = top.waker
			n++
		}
	}
	sleepLock.Release(flags)

	for i := 0; i < n; i++ {
		batch[i].Wake()
	}

	return n
}

// Heap maintenance. A binary min-heap ordered by deadline keeps the
// earliest sleeper at index 0.

func siftUpSleeper(h []*sleeper, i int) {
	entry := h[i]
	for i > 0 {
		parent := (i - 1) / 2
		if h[parent].deadline <= entry.deadline {
			break
		}
		h[i] = h[parent]
		i = parent
	}
	h[i] = entry
}

func siftDownSleeper(h []*sleeper, i int) {
	n := len(h)
	entry := h[i]
	for {
		child := 2*i + 1
		if child >= n {
			break
		}
		if right := child + 1; right < n && h[right].deadline < h[child].deadline {
			child = right
		}
		if entry.deadline <= h[child].deadline {
			break
		}
		h[i] = h[child]
		i = child
	}
	h[i] = entry
}
