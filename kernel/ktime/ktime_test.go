package ktime

import (
	"sync/atomic"
	"testing"

	"github.com/asterism-labs/hadron/kernel"
	"github.com/asterism-labs/hadron/kernel/kfmt"
)

func resetClock() {
	monotonic = clock{}
	atomic.StoreUint64(&tickCount, 0)
	numTickHooks = 0
	panicFn = kfmt.Panic
}

func TestInitValidation(t *testing.T) {
	defer resetClock()

	specs := []struct {
		counterFn func() uint64
		num, den  uint64
		expErr    *kernel.Error
	}{
		{nil, 1, 1, errNilCounter},
		{func() uint64 { return 0 }, 0, 1, errBadScale},
		{func() uint64 { return 0 }, 1, 0, errBadScale},
		{func() uint64 { return 0 }, 1, 1, nil},
	}

	for specIndex, spec := range specs {
		resetClock()
		if err := Init(spec.counterFn, spec.num, spec.den); err != spec.expErr {
			t.Errorf("[spec %d] expected error %v; got %v", specIndex, spec.expErr, err)
		}
	}
}

func TestInitOnce(t *testing.T) {
	defer resetClock()
	resetClock()

	var panicErr *kernel.Error
	panicFn = func(e interface{}) { panicErr, _ = e.(*kernel.Error) }

	if err := Init(func() uint64 { return 100 }, 1, 1); err != nil {
		t.Fatalf("expected first init to succeed; got %v", err)
	}

	if err := Init(func() uint64 { return 100 }, 1, 1); err != errDoubleInit {
		t.Fatalf("expected second init to fail with errDoubleInit; got %v", err)
	}
	if panicErr != errDoubleInit {
		t.Fatal("expected second init to route through the panic path")
	}
}

func TestClockZeroBeforeInit(t *testing.T) {
	resetClock()

	if got := Nanos(); got != 0 {
		t.Errorf("expected Nanos to report 0 before init; got %d", got)
	}
	if got := Resolution(); got != 0 {
		t.Errorf("expected Resolution to report 0 before init; got %d", got)
	}
}

func TestNanosConversion(t *testing.T) {
	defer resetClock()

	specs := []struct {
		base, now uint64
		num, den  uint64
		exp       uint64
	}{
		// identity scale
		{0, 0, 1, 1, 0},
		{1000, 1234, 1, 1, 234},
		// 3 counter units per nanosecond (3 GHz TSC)
		{1000, 4000, 1, 3, 1000},
		{0, 2, 1, 3, 0},
		// 100 ns per counter unit (HPET-style period)
		{50, 51, 100, 1, 100},
		// fractional scale rounds down
		{0, 3, 5, 2, 7},
		// full-range delta at identity scale stays exact
		{0, ^uint64(0), 1, 1, ^uint64(0)},
		// product beyond 64 bits saturates
		{0, 1 << 63, 4, 1, ^uint64(0)},
	}

	for specIndex, spec := range specs {
		resetClock()

		counter := spec.base
		if err := Init(func() uint64 { return counter }, spec.num, spec.den); err != nil {
			t.Fatalf("[spec %d] init failed: %v", specIndex, err)
		}

		counter = spec.now
		if got := Nanos(); got != spec.exp {
			t.Errorf("[spec %d] expected %d ns; got %d", specIndex, spec.exp, got)
		}
	}
}

func TestResolution(t *testing.T) {
	defer resetClock()

	specs := []struct {
		num, den uint64
		exp      uint64
	}{
		{1, 1, 1},
		{100, 1, 100},
		{1, 3, 1},
		{5, 2, 3},
		{4, 2, 2},
	}

	for specIndex, spec := range specs {
		resetClock()
		if err := Init(func() uint64 { return 0 }, spec.num, spec.den); err != nil {
			t.Fatalf("[spec %d] init failed: %v", specIndex, err)
		}
		if got := Resolution(); got != spec.exp {
			t.Errorf("[spec %d] expected resolution %d; got %d", specIndex, spec.exp, got)
		}
	}
}

func TestTickCounting(t *testing.T) {
	defer resetClock()
	resetClock()

	if got := Ticks(); got != 0 {
		t.Fatalf("expected 0 ticks before the timer runs; got %d", got)
	}

	for i := 0; i < 3; i++ {
		Tick()
	}

	if got := Ticks(); got != 3 {
		t.Fatalf("expected 3 ticks; got %d", got)
	}
}

func TestTickHooks(t *testing.T) {
	defer resetClock()
	resetClock()

	var calls []uint64
	if err := RegisterTickHook(func(now uint64) { calls = append(calls, now) }); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := RegisterTickHook(func(now uint64) { calls = append(calls, now*10) }); err != nil {
		t.Fatalf("register failed: %v", err)
	}

	Tick()
	Tick()

	exp := []uint64{1, 10, 2, 20}
	if len(calls) != len(exp) {
		t.Fatalf("expected %d hook calls; got %d", len(exp), len(calls))
	}
	for i, v := range exp {
		if calls[i] != v {
			t.Errorf("call %d: expected now value %d; got %d", i, v, calls[i])
		}
	}
}

func TestTickHookTableFull(t *testing.T) {
	defer resetClock()
	resetClock()

	for i := 0; i < maxTickHooks; i++ {
		if err := RegisterTickHook(func(uint64) {}); err != nil {
			t.Fatalf("hook %d rejected: %v", i, err)
		}
	}
	if err := RegisterTickHook(func(uint64) {}); err != errHooksFull {
		t.Fatalf("expected errHooksFull; got %v", err)
	}
}
