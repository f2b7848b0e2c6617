package sync

import (
	"sync"
	"sync/atomic"
	"testing"
)

func TestLazyRunsInitializerOnce(t *testing.T) {
	var (
		l     Lazy
		runs  uint32
		wg    sync.WaitGroup
		procs = 16
	)

	if l.Initialized() {
		t.Error("expected a fresh Lazy to report uninitialized")
	}

	wg.Add(procs)
	for i := 0; i < procs; i++ {
		go func() {
			l.Do(func() { atomic.AddUint32(&runs, 1) })
			wg.Done()
		}()
	}
	wg.Wait()

	if got := atomic.LoadUint32(&runs); got != 1 {
		t.Errorf("expected initializer to run exactly once; got %d", got)
	}
	if !l.Initialized() {
		t.Error("expected Lazy to report initialized after Do")
	}

	// Later calls must not re-run the initializer.
	l.Do(func() { atomic.AddUint32(&runs, 1) })
	if got := atomic.LoadUint32(&runs); got != 1 {
		t.Errorf("expected initializer count to remain 1; got %d", got)
	}
}

func TestLazyWaitersObserveResult(t *testing.T) {
	var (
		l   Lazy
		val uint32
		wg  sync.WaitGroup
	)

	wg.Add(8)
	for i := 0; i < 8; i++ {
		go func() {
			l.Do(func() { atomic.StoreUint32(&val, 42) })
			// Every caller returning from Do must see the
			// initializer's effects.
			if got := atomic.LoadUint32(&val); got != 42 {
				t.Errorf("expected val to equal 42 after Do; got %d", got)
			}
			wg.Done()
		}()
	}
	wg.Wait()
}
