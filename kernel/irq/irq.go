// Package irq manages the interrupt vector space: it installs the
// interrupt descriptor table, routes exceptions and hardware interrupts
// to registered Go handlers and bridges interrupt delivery to sleeping
// tasks via per-vector wait queues.
//
// Vectors 0-31 carry the architectural exceptions and receive fixed
// handlers at Init; subsystems may claim individual exceptions earlier
// via HandleException and HandleExceptionWithCode. Vectors 32-47 are
// reserved for the legacy ISA lines and vectors 48-255 are handed out
// dynamically by AllocateVector.
package irq

import (
	"sync/atomic"
	"unsafe"

	"github.com/asterism-labs/hadron/kernel"
	"github.com/asterism-labs/hadron/kernel/kfmt"
	"github.com/asterism-labs/hadron/kernel/percpu"
	"github.com/asterism-labs/hadron/kernel/sync"
	"github.com/asterism-labs/hadron/kernel/task"
)

const (
	// VectorCount is the number of entries in the interrupt descriptor
	// table.
	VectorCount = 256

	// exceptionVectors is the number of vectors architecturally reserved
	// for CPU exceptions.
	exceptionVectors = 32

	// ISAVectorBase is the vector of the first legacy ISA interrupt
	// line. The 16 ISA lines occupy vectors 32-47 and are never handed
	// out by AllocateVector.
	ISAVectorBase = 32

	// DynamicVectorBase is the first vector eligible for dynamic
	// allocation.
	DynamicVectorBase = 48

	// SpuriousVector is delivered by the local APIC when an interrupt
	// vanishes before it can be serviced. It must not be acknowledged
	// with an EOI.
	SpuriousVector = 0xff

	// apicErrorVector receives local APIC error reports.
	apicErrorVector = 0xfe
)

var (
	// ErrVectorBusy is returned when registering a handler on a vector
	// that is already owned.
	ErrVectorBusy = &kernel.Error{Module: "irq", Message: "vector already claimed by another owner"}

	// ErrVectorReserved is returned when registering an interrupt
	// handler on one of the exception vectors.
	ErrVectorReserved = &kernel.Error{Module: "irq", Message: "vector is reserved for CPU exceptions"}

	// ErrNoFreeVectors is returned by AllocateVector once the dynamic
	// vector range is exhausted.
	ErrNoFreeVectors = &kernel.Error{Module: "irq", Message: "no allocatable vectors remain"}

	errNotAnException     = &kernel.Error{Module: "irq", Message: "exception handlers must target vectors 0-31"}
	errUnhandledException = &kernel.Error{Module: "irq", Message: "unhandled exception"}
)

// ExceptionHandler is a function that handles an exception that does not
// push an error code to the stack. If the handler returns, any
// modifications to the supplied Registers pointer will be propagated back
// to the location where the exception occurred.
type ExceptionHandler func(*Registers)

// ExceptionHandlerWithCode is a function that handles an exception that
// pushes an error code to the stack. If the handler returns, any
// modifications to the supplied Registers pointer will be propagated back
// to the location where the exception occurred.
type ExceptionHandlerWithCode func(uint64, *Registers)

// IRQHandler is a function invoked for a claimed hardware interrupt
// vector. It runs in interrupt context and must not block.
type IRQHandler func(*Registers)

// slot describes the installed handler of a single vector. Slots are
// swapped atomically as a unit so the dispatcher never observes a
// half-written registration.
type slot struct {
	owner    string
	plain    func(*Registers)
	withCode func(uint64, *Registers)
}

// reservedSlot is installed by AllocateVector to hold a vector until its
// owner registers a real handler.
var reservedSlot = slot{owner: "reserved"}

var vectorLockClass = sync.Class{Name: "irq.vectors", Level: sync.LevelVectorTable}

var (
	// vectorLock serializes registrations. The dispatcher never takes
	// it; it reads slots with a single atomic load.
	vectorLock = sync.IRQSpinlock{Class: &vectorLockClass}

	// vectors holds a *slot per vector, nil when the vector is free.
	vectors [VectorCount]unsafe.Pointer

	// queues are the per-vector wait queues backing the IrqLine bridge.
	queues [VectorCount]sync.WaitQueue

	// inService tracks the priority class of the interrupt currently
	// being serviced on each CPU. Dispatch raises it before invoking a
	// handler so only strictly higher classes are delivered while the
	// handler runs.
	inService [percpu.MaxCPUs]uint8
)

// Test seams. eoiFn and tprFn remain no-ops until InitAPIC installs the
// local APIC register writers.
var (
	eoiFn   = func() {}
	tprFn   = func(class uint8) {}
	panicFn = kfmt.Panic
)

// HandleException registers a handler for an exception that does not push
// an error code. Registering replaces any previous handler for the
// vector.
func HandleException(exceptionNum InterruptNumber, handler ExceptionHandler) {
	installExceptionSlot(exceptionNum, &slot{owner: "exception", plain: handler})
}

// HandleExceptionWithCode registers a handler for an exception that
// pushes an error code. Registering replaces any previous handler for the
// vector.
func HandleExceptionWithCode(exceptionNum InterruptNumber, handler ExceptionHandlerWithCode) {
	installExceptionSlot(exceptionNum, &slot{owner: "exception", withCode: handler})
}

func installExceptionSlot(exceptionNum InterruptNumber, s *slot) {
	if uint8(exceptionNum) >= exceptionVectors {
		panicFn(errNotAnException)
	}

	flags := vectorLock.Acquire()
	atomic.StorePointer(&vectors[exceptionNum], unsafe.Pointer(s))
	vectorLock.Release(flags)
}

// RegisterIRQ claims vector for owner and installs handler for it. The
// vector must either be free or held by a prior AllocateVector call;
// registering on an owned vector fails with ErrVectorBusy. Exception
// vectors cannot be claimed as interrupt lines.
func RegisterIRQ(vector uint8, owner string, handler IRQHandler) *kernel.Error {
	if vector < ISAVectorBase {
		return ErrVectorReserved
	}

	s := &slot{owner: owner, plain: handler}

	flags := vectorLock.Acquire()
	cur := atomic.LoadPointer(&vectors[vector])
	if cur != nil && cur != unsafe.Pointer(&reservedSlot) {
		vectorLock.Release(flags)
		return ErrVectorBusy
	}
	atomic.StorePointer(&vectors[vector], unsafe.Pointer(s))
	vectorLock.Release(flags)

	return nil
}

// ReleaseIRQ returns vector to the free state and reports whether it was
// previously claimed. Interrupts arriving on a released vector are
// treated as spurious and no longer wake bridge waiters.
func ReleaseIRQ(vector uint8) bool {
	if vector < ISAVectorBase {
		return false
	}

	flags := vectorLock.Acquire()
	claimed := atomic.LoadPointer(&vectors[vector]) != nil
	atomic.StorePointer(&vectors[vector], nil)
	vectorLock.Release(flags)

	return claimed
}

// AllocateVector claims the lowest free vector in the dynamic range and
// returns it. The vector is held in a reserved state until the caller
// completes the claim with RegisterIRQ, so concurrent allocations cannot
// hand out the same vector twice.
func AllocateVector() (uint8, *kernel.Error) {
	flags := vectorLock.Acquire()
	for v := DynamicVectorBase; v < VectorCount; v++ {
		if atomic.LoadPointer(&vectors[v]) != nil {
			continue
		}
		atomic.StorePointer(&vectors[v], unsafe.Pointer(&reservedSlot))
		vectorLock.Release(flags)
		return uint8(v), nil
	}
	vectorLock.Release(flags)

	return 0, ErrNoFreeVectors
}

// VectorOwner returns the owner label registered for vector, or an empty
// string when the vector is free.
func VectorOwner(vector uint8) string {
	flags := vectorLock.Acquire()
	s := (*slot)(atomic.LoadPointer(&vectors[vector]))
	vectorLock.Release(flags)

	if s == nil {
		return ""
	}
	return s.owner
}

// Inject synthesizes an interrupt in software, routing vector through the
// same dispatch path that hardware entries use. Tests and polled drivers
// use it to exercise handlers without programming the interrupt
// controller.
func Inject(vector uint8, code uint64) {
	var regs Registers
	regs.Info = uint64(vector)
	dispatch(vector, code, &regs)
}

// dispatchInterrupt is invoked by the interrupt gate entry stubs to route
// an incoming interrupt to the selected handler.
//
//go:nosplit
func dispatchInterrupt(vector uint64, code uint64, regs *Registers) {
	dispatch(uint8(vector), code, regs)
}

// dispatch runs the handler installed for vector and acknowledges the
// interrupt controller. While the handler runs, the CPU's task priority
// is raised to the vector's class (vector >> 4) so that only higher
// classes can nest; exceptions bypass the priority plumbing entirely
// because the CPU delivers them regardless of the priority register.
func dispatch(vector uint8, code uint64, regs *Registers) {
	cpuID := percpu.ID()
	class := vector >> 4
	prev := inService[cpuID]
	raised := vector >= exceptionVectors && class > prev
	if raised {
		inService[cpuID] = class
		tprFn(class)
	}

	s := (*slot)(atomic.LoadPointer(&vectors[vector]))
	switch {
	case s == nil || (s.plain == nil && s.withCode == nil):
		unexpectedInterrupt(vector, code, regs)
	case s.withCode != nil:
		s.withCode(code, regs)
	default:
		s.plain(regs)
	}

	if vector >= exceptionVectors && vector != SpuriousVector {
		eoiFn()
	}
	if raised {
		inService[cpuID] = prev
		tprFn(prev)
	}
}

// unexpectedInterrupt handles vectors with no registered handler. An
// unclaimed hardware interrupt is logged and dropped; an unclaimed
// exception is fatal.
func unexpectedInterrupt(vector uint8, code uint64, regs *Registers) {
	if vector >= exceptionVectors {
		kfmt.Printf("irq: spurious interrupt on vector %d\n", vector)
		return
	}

	unhandledException(code, regs)
}

// Bridge is a generic interrupt handler for drivers that consume
// interrupts by blocking on an IrqLine. It wakes every waiter registered
// on the vector's wait queue and performs no device work itself.
func Bridge(regs *Registers) {
	if v := regs.Info; v < VectorCount {
		queues[v].WakeAll()
	}
}

// IrqLine is a wake capability bound to a single interrupt vector.
// Drivers whose vector runs the Bridge handler (or a handler that invokes
// it) block tasks on the line via Wait.
type IrqLine struct {
	vector uint8
}

// Line returns the wake capability for vector.
func Line(vector uint8) IrqLine {
	return IrqLine{vector: vector}
}

// Vector returns the vector number the line is bound to.
func (l IrqLine) Vector() uint8 {
	return l.vector
}

// Wait returns a pollable that completes on the first interrupt delivered
// to the line's vector after the initial poll. A completed LineWait may
// be polled again to wait for the following interrupt.
func (l IrqLine) Wait() LineWait {
	return LineWait{vector: l.vector}
}

// LineWait is a pending interrupt wait produced by IrqLine.Wait.
type LineWait struct {
	vector uint8
	armed  bool
	ticket sync.Ticket
}

// Poll registers w on the vector's wait queue. A registration that has
// disappeared from the queue means an interrupt fired and the bridge
// consumed it.
func (lw *LineWait) Poll(w task.Waker) task.Status {
	q := &queues[lw.vector]
	if !lw.armed {
		t, err := q.Register(w)
		if err != nil {
			panicFn(err)
		}
		lw.ticket = t
		lw.armed = true
		return task.StatusPending
	}

	if q.Update(lw.ticket, w) {
		return task.StatusPending
	}

	lw.armed = false
	return task.StatusDone
}

// Cancel abandons the wait, removing any remaining registration.
func (lw *LineWait) Cancel() {
	if !lw.armed {
		return
	}
	queues[lw.vector].Deregister(lw.ticket)
	lw.armed = false
}

// idtLoaded is set once Init has published the descriptor table.
var idtLoaded bool

var errDoubleInit = &kernel.Error{Module: "irq", Message: "interrupt table already initialized"}

// Init installs the fixed handlers for any exception vector that has not
// been claimed yet, builds the interrupt descriptor table and loads it on
// the calling CPU. Registrations made before Init are preserved.
func Init() *kernel.Error {
	if idtLoaded {
		panicFn(errDoubleInit)
	}
	idtLoaded = true

	installDefaultExceptionHandlers()
	buildIDT()
	reloadIDT()

	kfmt.Printf("irq: %d vectors installed, dynamic allocation from %d\n", VectorCount, DynamicVectorBase)

	return nil
}

// installDefaultExceptionHandlers points every unclaimed exception vector
// at the fatal fallback handler.
func installDefaultExceptionHandlers() {
	for v := 0; v < exceptionVectors; v++ {
		if atomic.LoadPointer(&vectors[v]) != nil {
			continue
		}
		installExceptionSlot(InterruptNumber(v), &slot{owner: "exception", withCode: unhandledException})
	}
}

// unhandledException is the fixed handler for exceptions no subsystem has
// claimed. It never returns.
func unhandledException(code uint64, regs *Registers) {
	kfmt.Printf("irq: unhandled exception %d, code %x\n", regs.Info, code)
	regs.DumpTo(kfmt.GetOutputSink())
	panicFn(errUnhandledException)
}
