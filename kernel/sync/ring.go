package sync

import "github.com/asterism-labs/hadron/kernel/task"

// Ticket identifies a single registration in a waker queue. The zero
// Ticket is never issued and can be used as a "not registered" sentinel.
type Ticket uint64

type ringSlot struct {
	waker  task.Waker
	ticket Ticket
}

// wakerRing is a growable FIFO of registered wakers shared by the pollable
// primitives. It performs no internal locking; every owner wraps it with
// its own lock. Growth allocates, so wakerRing is only used by primitives
// that are documented as task-context only.
type wakerRing struct {
	slots      []ringSlot
	head       int
	count      int
	nextTicket Ticket
}

// push appends a waker and returns its removal ticket.
func (r *wakerRing) push(w task.Waker) Ticket {
	if r.count == len(r.slots) {
		r.grow()
	}
	r.nextTicket++
	t := r.nextTicket
	r.slots[(r.head+r.count)%len(r.slots)] = ringSlot{waker: w, ticket: t}
	r.count++
	return t
}

// pop removes and returns the oldest registered waker.
func (r *wakerRing) pop() (task.Waker, bool) {
	if r.count == 0 {
		return 0, false
	}
	slot := r.slots[r.head]
	r.slots[r.head] = ringSlot{}
	r.head = (r.head + 1) % len(r.slots)
	r.count--
	return slot.waker, true
}

// remove drops the registration identified by ticket, preserving the FIFO
// order of the remaining entries. It reports whether the ticket was still
// registered.
func (r *wakerRing) remove(ticket Ticket) bool {
	for i := 0; i < r.count; i++ {
		idx := (r.head + i) % len(r.slots)
		if r.slots[idx].ticket != ticket {
			continue
		}
		for j := i; j < r.count-1; j++ {
			cur := (r.head + j) % len(r.slots)
			next := (r.head + j + 1) % len(r.slots)
			r.slots[cur] = r.slots[next]
		}
		r.slots[(r.head+r.count-1)%len(r.slots)] = ringSlot{}
		r.count--
		return true
	}
	return false
}

// update replaces the waker stored under ticket, keeping its queue
// position. It reports whether the ticket was still registered.
func (r *wakerRing) update(ticket Ticket, w task.Waker) bool {
	for i := 0; i < r.count; i++ {
		idx := (r.head + i) % len(r.slots)
		if r.slots[idx].ticket == ticket {
			r.slots[idx].waker = w
			return true
		}
	}
	return false
}

func (r *wakerRing) len() int {
	return r.count
}

func (r *wakerRing) grow() {
	newCap := len(r.slots) * 2
	if newCap == 0 {
		newCap = 8
	}
	slots := make([]ringSlot, newCap)
	for i := 0; i < r.count; i++ {
		slots[i] = r.slots[(r.head+i)%len(r.slots)]
	}
	r.slots = slots
	r.head = 0
}
