// Package ktime keeps the kernel's monotonic clock. A one-shot Init binds
// the clock to a hardware counter and a rational nanosecond conversion;
// afterwards Nanos turns counter deltas into nanoseconds without locking
// or allocating. A separate tick counter is advanced by the periodic timer
// interrupt and fans out to a fixed set of hooks registered during boot.
package ktime

import (
	"math/bits"
	"sync/atomic"

	"github.com/asterism-labs/hadron/kernel"
	"github.com/asterism-labs/hadron/kernel/kfmt"
	"github.com/asterism-labs/hadron/kernel/sync"
)

// TickIntervalNanos is the nominal tick period. The boot code programs the
// periodic timer to this target, so Ticks counts milliseconds.
const TickIntervalNanos = 1000000

// maxTickHooks bounds the tick fan-out list. Hooks run in interrupt
// context, so the list is a fixed array rather than a growable slice.
const maxTickHooks = 8

var (
	errDoubleInit = &kernel.Error{Module: "ktime", Message: "clock already initialized"}
	errNilCounter = &kernel.Error{Module: "ktime", Message: "counter function must not be nil"}
	errBadScale   = &kernel.Error{Module: "ktime", Message: "conversion numerator and denominator must be non-zero"}
	errHooksFull  = &kernel.Error{Module: "ktime", Message: "tick hook table is full"}
)

// panicFn is mocked by tests.
var panicFn = kfmt.Panic

// clock holds the published conversion state. Init writes the fields once
// under the sequence lock; a reader racing that write retries instead of
// converting through a torn triple.
type clock struct {
	lock      sync.SeqLock
	counterFn func() uint64
	base      uint64
	num       uint64
	den       uint64
}

var monotonic clock

// Init binds the monotonic clock to a hardware counter. counterFn must
// read a monotonically increasing counter; num and den scale one counter
// unit to num/den nanoseconds. The counter value at Init time becomes the
// clock's zero point. Init is one-shot; a second call panics.
func Init(counterFn func() uint64, num, den uint64) *kernel.Error {
	if counterFn == nil {
		return errNilCounter
	}
	if num == 0 || den == 0 {
		return errBadScale
	}
	if monotonic.den != 0 {
		panicFn(errDoubleInit)
		return errDoubleInit
	}

	monotonic.lock.WriteBegin()
	monotonic.counterFn = counterFn
	monotonic.base = counterFn()
	monotonic.num = num
	monotonic.den = den
	monotonic.lock.WriteEnd()

	kfmt.Printf("ktime: monotonic clock online, %d/%d ns per counter unit\n", num, den)

	return nil
}

// Nanos returns the monotonic time in nanoseconds since Init. It never
// blocks and acquires no locks, so it is safe to call from interrupt
// context. Before Init it returns 0.
func Nanos() uint64 {
	var (
		fn       func() uint64
		base     uint64
		num, den uint64
	)
	for {
		snapshot := monotonic.lock.ReadBegin()
		fn, base, num, den = monotonic.counterFn, monotonic.base, monotonic.num, monotonic.den
		if !monotonic.lock.ReadRetry(snapshot) {
			break
		}
	}

	if fn == nil {
		return 0
	}

	return mulDiv(fn()-base, num, den)
}

// Resolution returns the smallest nanosecond step Nanos can advance by,
// rounded up to a whole nanosecond. Before Init it returns 0.
func Resolution() uint64 {
	var num, den uint64
	for {
		snapshot := monotonic.lock.ReadBegin()
		num, den = monotonic.num, monotonic.den
		if !monotonic.lock.ReadRetry(snapshot) {
			break
		}
	}

	if den == 0 {
		return 0
	}

	return (num + den - 1) / den
}

// mulDiv computes value*num/den through a 128-bit intermediate product.
// The quotient saturates instead of wrapping, which keeps Div64 off its
// overflow panic path; with sane conversion factors that point lies
// centuries of uptime away.
func mulDiv(value, num, den uint64) uint64 {
	hi, lo := bits.Mul64(value, num)
	if hi >= den {
		return ^uint64(0)
	}
	quot, _ := bits.Div64(hi, lo, den)

	return quot
}

var (
	tickCount uint64

	// tickHooks is populated during boot, before the timer interrupt is
	// unmasked, and never mutated afterwards. Tick iterates it without
	// synchronization on that basis.
	tickHooks    [maxTickHooks]func(now uint64)
	numTickHooks int
)

// Ticks returns the number of timer ticks since the timer was started.
func Ticks() uint64 {
	return atomic.LoadUint64(&tickCount)
}

// Tick advances the tick counter and runs the registered hooks with the
// new tick value. The timer interrupt handler is its production caller;
// hooks therefore run in interrupt context and must not block or
// allocate.
func Tick() {
	now := atomic.AddUint64(&tickCount, 1)
	for _, hook := range tickHooks[:numTickHooks] {
		hook(now)
	}
}

// RegisterTickHook appends fn to the tick fan-out list. Hooks run on
// every tick in registration order. The table has a fixed capacity and
// no unregister; registration is a boot-time operation.
func RegisterTickHook(fn func(now uint64)) *kernel.Error {
	if numTickHooks == len(tickHooks) {
		return errHooksFull
	}
	tickHooks[numTickHooks] = fn
	numTickHooks++

	return nil
}
