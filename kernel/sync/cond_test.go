package sync

import (
	"testing"

	"github.com/asterism-labs/hadron/kernel/task"
)

func TestCondWaitReleasesAndReacquiresMutex(t *testing.T) {
	var woken []task.ID
	defer captureWakes(&woken)()

	var (
		m Mutex
		c Cond
	)
	m.TryAcquire(1)

	cw := c.Wait(&m, 1)
	if st := cw.Poll(wakerFor(1)); st != task.StatusPending {
		t.Fatalf("expected initial poll to return StatusPending; got %d", st)
	}
	if got := m.Owner(); got != 0 {
		t.Fatalf("expected mutex to be released while parked; got owner %d", got)
	}

	// Another task takes the mutex, changes state and signals.
	m.TryAcquire(2)
	if !c.Signal() {
		t.Fatal("expected Signal to find a waiter")
	}
	if len(woken) != 1 || woken[0] != 1 {
		t.Fatalf("expected task 1 to be woken by Signal; got %v", woken)
	}

	// The woken waiter must reacquire the mutex before completing.
	if st := cw.Poll(wakerFor(1)); st != task.StatusPending {
		t.Fatalf("expected relock poll to return StatusPending; got %d", st)
	}
	m.Release(2)
	if st := cw.Poll(wakerFor(1)); st != task.StatusDone {
		t.Fatalf("expected wait to complete after relock; got %d", st)
	}
	if got := m.Owner(); got != 1 {
		t.Fatalf("expected task 1 to hold the mutex again; got owner %d", got)
	}
	m.Release(1)
}

func TestCondSignalWithoutWaiters(t *testing.T) {
	var c Cond
	if c.Signal() {
		t.Error("expected Signal with no waiters to report false")
	}
	if got := c.Broadcast(); got != 0 {
		t.Errorf("expected Broadcast with no waiters to wake 0; got %d", got)
	}
}

func TestCondBroadcast(t *testing.T) {
	var woken []task.ID
	defer captureWakes(&woken)()

	var (
		m Mutex
		c Cond
	)

	m.TryAcquire(1)
	cw1 := c.Wait(&m, 1)
	cw1.Poll(wakerFor(1))

	m.TryAcquire(2)
	cw2 := c.Wait(&m, 2)
	cw2.Poll(wakerFor(2))

	if got := c.Broadcast(); got != 2 {
		t.Fatalf("expected Broadcast to wake 2 waiters; got %d", got)
	}

	// Both waiters contend for the mutex; they reacquire one at a time.
	if st := cw1.Poll(wakerFor(1)); st != task.StatusDone {
		t.Fatalf("expected first waiter to reacquire the free mutex; got %d", st)
	}
	if st := cw2.Poll(wakerFor(2)); st != task.StatusPending {
		t.Fatalf("expected second waiter to queue for the mutex; got %d", st)
	}
	m.Release(1)
	if st := cw2.Poll(wakerFor(2)); st != task.StatusDone {
		t.Fatalf("expected second waiter to complete after handoff; got %d", st)
	}
	m.Release(2)
}

func TestCondCancelPassesSignalOn(t *testing.T) {
	var woken []task.ID
	defer captureWakes(&woken)()

	var (
		m Mutex
		c Cond
	)

	m.TryAcquire(1)
	cw1 := c.Wait(&m, 1)
	cw1.Poll(wakerFor(1))

	m.TryAcquire(2)
	cw2 := c.Wait(&m, 2)
	cw2.Poll(wakerFor(2))

	// The signal selects waiter 1, which cancels before observing it; the
	// notification must flow on to waiter 2.
	c.Signal()
	cw1.Cancel()

	if len(woken) != 2 || woken[1] != 2 {
		t.Fatalf("expected the cancelled signal to wake task 2; got %v", woken)
	}
	if st := cw2.Poll(wakerFor(2)); st != task.StatusDone {
		t.Fatalf("expected waiter 2 to complete; got %d", st)
	}
	m.Release(2)
}
