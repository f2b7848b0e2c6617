package sched

import "github.com/asterism-labs/hadron/kernel/task"

// ringCap bounds one ready ring. A task id occupies at most one ring
// cell while it lives and a completing task can strand at most one stale
// cell behind, so twice the table capacity cannot overflow.
const ringCap = 2 * maxTasks

// readyRing is a fixed-capacity FIFO of task ids. The executor's ready
// lock serializes all access.
type readyRing struct {
	buf  [ringCap]task.ID
	head int
	tail int
	n    int
}

func (r *readyRing) push(id task.ID) bool {
	if r.n == ringCap {
		return false
	}
	r.buf[r.tail] = id
	r.tail = (r.tail + 1) & (ringCap - 1)
	r.n++

	return true
}

func (r *readyRing) pop() (task.ID, bool) {
	if r.n == 0 {
		return 0, false
	}
	id := r.buf[r.head]
	r.head = (r.head + 1) & (ringCap - 1)
	r.n--

	return id, true
}
