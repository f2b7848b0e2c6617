package sync

import (
	"testing"

	"github.com/asterism-labs/hadron/kernel/task"
)

func wakerFor(id task.ID) task.Waker {
	return task.NewWaker(task.PriorityNormal, 0, id)
}

func TestMutexTryAcquire(t *testing.T) {
	var m Mutex

	if !m.TryAcquire(1) {
		t.Fatal("expected TryAcquire on a free mutex to succeed")
	}
	if m.TryAcquire(2) {
		t.Fatal("expected TryAcquire on a held mutex to fail")
	}
	if got := m.Owner(); got != 1 {
		t.Fatalf("expected owner 1; got %d", got)
	}
	if err := m.Release(1); err != nil {
		t.Fatalf("unexpected error releasing mutex: %v", err)
	}
	if got := m.Owner(); got != 0 {
		t.Fatalf("expected mutex to be free; got owner %d", got)
	}
}

func TestMutexReleaseByNonOwner(t *testing.T) {
	var m Mutex
	m.TryAcquire(1)

	if err := m.Release(2); err != ErrMutexNotOwner {
		t.Fatalf("expected ErrMutexNotOwner; got %v", err)
	}
	if err := m.Release(1); err != nil {
		t.Fatalf("unexpected error from owner release: %v", err)
	}
}

func TestMutexHandoffFIFO(t *testing.T) {
	var woken []task.ID
	defer captureWakes(&woken)()

	var m Mutex
	m.TryAcquire(1)

	w2 := m.AcquireWait(2)
	w3 := m.AcquireWait(3)
	if st := w2.Poll(wakerFor(2)); st != task.StatusPending {
		t.Fatalf("expected contended poll to return StatusPending; got %d", st)
	}
	if st := w3.Poll(wakerFor(3)); st != task.StatusPending {
		t.Fatalf("expected contended poll to return StatusPending; got %d", st)
	}

	// Release hands the mutex to the oldest waiter without freeing it.
	m.Release(1)
	if len(woken) != 1 || woken[0] != 2 {
		t.Fatalf("expected task 2 to be woken; got %v", woken)
	}
	if got := m.Owner(); got != 2 {
		t.Fatalf("expected handoff to task 2; got owner %d", got)
	}
	if st := w2.Poll(wakerFor(2)); st != task.StatusDone {
		t.Fatalf("expected granted poll to return StatusDone; got %d", st)
	}

	m.Release(2)
	if got := m.Owner(); got != 3 {
		t.Fatalf("expected handoff to task 3; got owner %d", got)
	}
	if st := w3.Poll(wakerFor(3)); st != task.StatusDone {
		t.Fatalf("expected granted poll to return StatusDone; got %d", st)
	}
	m.Release(3)
}

func TestMutexLateArrivalQueuesBehindWaiters(t *testing.T) {
	var woken []task.ID
	defer captureWakes(&woken)()

	var m Mutex
	m.TryAcquire(1)

	w2 := m.AcquireWait(2)
	w2.Poll(wakerFor(2))

	m.Release(1)

	// The mutex now belongs to task 2 even though it has not polled yet;
	// a late TryAcquire must not steal it.
	if m.TryAcquire(4) {
		t.Fatal("expected TryAcquire to fail during a pending handoff")
	}
	if st := w2.Poll(wakerFor(2)); st != task.StatusDone {
		t.Fatalf("expected granted poll to return StatusDone; got %d", st)
	}
	m.Release(2)
}

func TestMutexCancelWhileQueued(t *testing.T) {
	var woken []task.ID
	defer captureWakes(&woken)()

	var m Mutex
	m.TryAcquire(1)

	w2 := m.AcquireWait(2)
	w2.Poll(wakerFor(2))
	w2.Cancel()

	m.Release(1)
	if len(woken) != 0 {
		t.Fatalf("expected no wakes after cancellation; got %v", woken)
	}
	if got := m.Owner(); got != 0 {
		t.Fatalf("expected mutex to be free; got owner %d", got)
	}
}

func TestMutexCancelAfterGrantPassesOwnership(t *testing.T) {
	var woken []task.ID
	defer captureWakes(&woken)()

	var m Mutex
	m.TryAcquire(1)

	w2 := m.AcquireWait(2)
	w3 := m.AcquireWait(3)
	w2.Poll(wakerFor(2))
	w3.Poll(wakerFor(3))

	// Grant to task 2, then cancel its wait before it polls: ownership
	// must flow on to task 3 rather than getting lost.
	m.Release(1)
	w2.Cancel()

	if got := m.Owner(); got != 3 {
		t.Fatalf("expected ownership to pass to task 3; got owner %d", got)
	}
	if len(woken) != 2 || woken[1] != 3 {
		t.Fatalf("expected task 3 to be woken after the cancellation; got %v", woken)
	}
	if st := w3.Poll(wakerFor(3)); st != task.StatusDone {
		t.Fatalf("expected granted poll to return StatusDone; got %d", st)
	}
	m.Release(3)
}
