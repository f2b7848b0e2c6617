package sync

import (
	"sync/atomic"
	"testing"
	"time"
)

func TestRWLockReadersShare(t *testing.T) {
	var l RWLock

	l.AcquireRead()
	l.AcquireRead()

	writerDone := make(chan struct{})
	go func() {
		l.AcquireWrite()
		l.ReleaseWrite()
		close(writerDone)
	}()

	select {
	case <-writerDone:
		t.Fatal("writer acquired the lock while readers were active")
	case <-time.After(50 * time.Millisecond):
	}

	l.ReleaseRead()
	l.ReleaseRead()

	select {
	case <-writerDone:
	case <-time.After(time.Second):
		t.Fatal("writer failed to acquire the lock after readers drained")
	}
}

func TestRWLockWriterPreference(t *testing.T) {
	var l RWLock

	l.AcquireRead()

	writerDone := make(chan struct{})
	go func() {
		l.AcquireWrite()
		l.ReleaseWrite()
		close(writerDone)
	}()

	// Wait for the writer to announce intent.
	deadline := time.Now().Add(time.Second)
	for atomic.LoadUint32(&l.state)&rwWriterWaiting == 0 {
		if time.Now().After(deadline) {
			t.Fatal("writer never raised the waiting bit")
		}
		time.Sleep(time.Millisecond)
	}

	// A new reader must now queue behind the waiting writer.
	readerDone := make(chan struct{})
	go func() {
		l.AcquireRead()
		l.ReleaseRead()
		close(readerDone)
	}()

	select {
	case <-readerDone:
		t.Fatal("reader overtook a waiting writer")
	case <-time.After(50 * time.Millisecond):
	}

	l.ReleaseRead()

	select {
	case <-writerDone:
	case <-time.After(time.Second):
		t.Fatal("writer failed to acquire after the last reader left")
	}
	select {
	case <-readerDone:
	case <-time.After(time.Second):
		t.Fatal("queued reader failed to acquire after the writer left")
	}
}

func TestRWLockWriteExcludesWrite(t *testing.T) {
	var (
		l       RWLock
		counter int
		done    = make(chan struct{})
	)

	for i := 0; i < 4; i++ {
		go func() {
			for j := 0; j < 500; j++ {
				l.AcquireWrite()
				counter++
				l.ReleaseWrite()
			}
			done <- struct{}{}
		}()
	}
	for i := 0; i < 4; i++ {
		<-done
	}

	if exp := 4 * 500; counter != exp {
		t.Errorf("expected counter to equal %d; got %d", exp, counter)
	}
}
