// Package syscall implements the kernel side of the system call ABI:
// the SYSCALL entry plumbing and the dispatcher mapping grouped call
// numbers onto the scheduler, the clock and the kernel log.
//
// The register convention matches the hardware's: the number arrives in
// RAX, up to five arguments in RDI, RSI, RDX, R10 and R8, and the
// result returns in RAX as a non-negative payload or a negative errno.
package syscall

import (
	"unsafe"

	"github.com/asterism-labs/hadron/kernel"
	"github.com/asterism-labs/hadron/kernel/kfmt"
	"github.com/asterism-labs/hadron/kernel/ktime"
	"github.com/asterism-labs/hadron/kernel/sched"
	"github.com/asterism-labs/hadron/kernel/usermem"
)

const nsPerSec = 1000000000

// maxDebugLogBytes bounds one debug_log write so a hostile length
// cannot park the kernel inside the console driver.
const maxDebugLogBytes = 1 << 16

// blockOnFn is mocked by tests.
var blockOnFn = sched.BlockOn

// timespec is the layout the time group writes back to the caller.
type timespec struct {
	sec  int64
	nsec int64
}

func tsBytes(ts *timespec) []byte {
	return unsafe.Slice((*byte)(unsafe.Pointer(ts)), unsafe.Sizeof(*ts))
}

// Dispatch executes call nr with up to five arguments and returns its
// ABI result. The entry stub calls it once the caller's state is parked
// on the kernel syscall stack; in-kernel tasks may call it directly.
//
//go:nosplit
func Dispatch(nr, a0, a1, a2, a3, a4 uint64) int64 {
	switch nr {
	case NumExit:
		return sysExit(a0)
	case NumYield:
		return sysYield()
	case NumSleepNs:
		return sysSleepNs(a0)
	case NumTaskID:
		return sysTaskID()
	case NumClockGettime:
		return sysClockGettime(a0, a1)
	case NumClockGetres:
		return sysClockGetres(a0, a1)
	case NumDebugLog:
		return sysDebugLog(a0, a1)
	}

	return int64(ENOSYS)
}

// errnoFor maps a pointer validation failure onto its ABI errno.
func errnoFor(err *kernel.Error) Errno {
	if err == usermem.ErrMisaligned {
		return EINVAL
	}

	return EFAULT
}

// sysExit tears down the calling task once its poll returns. Callers
// outside task context have nothing to exit.
func sysExit(code uint64) int64 {
	id := sched.Current()
	if err := sched.ExitCurrent(); err != nil {
		return int64(ESRCH)
	}
	kfmt.Printf("syscall: task %d exit, code %d\n", uint64(id), code)

	return 0
}

// sysYield asks the executor to reschedule at the caller's next yield
// point.
func sysYield() int64 {
	sched.RequestPreempt()

	return 0
}

// sysSleepNs blocks the caller until at least ns nanoseconds worth of
// ticks have elapsed. Sub-tick durations round up to one tick.
func sysSleepNs(ns uint64) int64 {
	if ns == 0 {
		return 0
	}

	ticks := (ns + ktime.TickIntervalNanos - 1) / ktime.TickIntervalNanos
	deadline := ktime.Ticks() + ticks
	if deadline < ticks {
		deadline = ^uint64(0)
	}

	// BlockOn halts inside the caller's poll, so the whole executor
	// stalls for the duration of the sleep. That is acceptable while
	// syscalls run to completion on the per-CPU entry stack; once entries
	// suspend on task stacks this becomes a plain SleepUntil await.
	s := sched.SleepUntil(deadline)
	blockOnFn(&s)

	return 0
}

// sysTaskID reports the calling task's id, 0 outside task context.
func sysTaskID() int64 {
	return int64(sched.Current())
}

func sysClockGettime(clockID, addr uint64) int64 {
	if clockID != ClockMonotonic {
		return int64(EINVAL)
	}

	p, err := usermem.UserPtr(uintptr(addr), unsafe.Sizeof(timespec{}), unsafe.Alignof(timespec{}))
	if err != nil {
		return int64(errnoFor(err))
	}

	ns := ktime.Nanos()
	ts := timespec{sec: int64(ns / nsPerSec), nsec: int64(ns % nsPerSec)}
	p.Write(tsBytes(&ts))

	return 0
}

// sysClockGetres reports the clock's step. A zero result address is
// allowed: callers may probe only whether the clock id is valid.
func sysClockGetres(clockID, addr uint64) int64 {
	if clockID != ClockMonotonic {
		return int64(EINVAL)
	}
	if addr == 0 {
		return 0
	}

	p, err := usermem.UserPtr(uintptr(addr), unsafe.Sizeof(timespec{}), unsafe.Alignof(timespec{}))
	if err != nil {
		return int64(errnoFor(err))
	}

	res := ktime.Resolution()
	ts := timespec{sec: int64(res / nsPerSec), nsec: int64(res % nsPerSec)}
	p.Write(tsBytes(&ts))

	return 0
}

// sysDebugLog copies the caller's buffer into the kernel log and
// returns the byte count written.
func sysDebugLog(addr, n uint64) int64 {
	if n > maxDebugLogBytes {
		return int64(EINVAL)
	}

	s, err := usermem.UserSlice(uintptr(addr), uintptr(n))
	if err != nil {
		return int64(errnoFor(err))
	}
	if n == 0 {
		return 0
	}

	kfmt.Printf("%s", s.Bytes())

	return int64(n)
}
