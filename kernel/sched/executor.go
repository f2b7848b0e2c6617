// Package sched implements the per-CPU task executor: cooperative
// scheduling of pollable tasks across three priority tiers, a global
// sleep queue driven by the timer tick, and the wake plumbing connecting
// wakers, interrupt handlers and CPUs.
//
// A task is anything implementing task.Pollable. The executor polls it
// with a packed waker; the task either completes or stores the waker with
// whatever event source will eventually call Wake, which routes the task
// id back onto its home executor's ready rings.
package sched

import (
	"io"

	"github.com/asterism-labs/hadron/kernel"
	"github.com/asterism-labs/hadron/kernel/cpu"
	"github.com/asterism-labs/hadron/kernel/kfmt"
	"github.com/asterism-labs/hadron/kernel/ktime"
	"github.com/asterism-labs/hadron/kernel/percpu"
	"github.com/asterism-labs/hadron/kernel/sync"
	"github.com/asterism-labs/hadron/kernel/task"
)

var (
	// ErrTaskTableFull is returned by the spawn calls once the target
	// executor holds its maximum number of live tasks.
	ErrTaskTableFull = &kernel.Error{Module: "sched", Message: "task table is full"}

	errNilPollable    = &kernel.Error{Module: "sched", Message: "cannot spawn a nil pollable"}
	errBadCPUSlot     = &kernel.Error{Module: "sched", Message: "cpu slot out of range"}
	errExecutorExists = &kernel.Error{Module: "sched", Message: "cpu slot already has an executor"}
	errIndexFull      = &kernel.Error{Module: "sched", Message: "task index has no free cells"}
	errRingOverflow   = &kernel.Error{Module: "sched", Message: "ready queue overflow"}
	errNoCurrentTask  = &kernel.Error{Module: "sched", Message: "no task is being polled on this cpu"}
)

// Test seams. idleFn parks the CPU when every ready ring is empty;
// blockIdleFn parks between BlockOn polls and leaves interrupts disabled
// again; ipiFn pokes a remote CPU after a cross-CPU wake and stays a
// no-op on single-CPU configurations.
var (
	panicFn = kfmt.Panic
	idleFn  = cpu.WaitForInterrupt

	blockIdleFn = func() {
		cpu.WaitForInterrupt()
		cpu.DisableInterrupts()
	}

	ipiFn = func(cpuSlot uint32) {}
)

// SetIPIFn installs the interprocessor interrupt sender invoked when a
// wake lands on a task homed to another CPU.
func SetIPIFn(fn func(cpuSlot uint32)) {
	ipiFn = fn
}

var (
	readyLockClass = sync.Class{Name: "sched.ready", Level: sync.LevelReadyQueue}
	tableLockClass = sync.Class{Name: "sched.tasks", Level: sync.LevelTaskTable}
)

// Stats counts executor activity since construction.
type Stats struct {
	Spawned   uint64
	Completed uint64
	Polls     uint64
	Wakes     uint64
	Live      int
}

// Executor runs the tasks of one CPU. Wakes may arrive from any CPU and
// from interrupt handlers; polling happens only on the owning CPU.
type Executor struct {
	cpuSlot uint32

	readyLock sync.IRQSpinlock
	rings     [task.NumPriorities]readyRing

	tableLock sync.IRQSpinlock
	table     taskTable
	stats     Stats

	// current is the id of the task being polled, 0 between polls. Only
	// the owning CPU touches it. exitCurrent tears the polled task down
	// when its poll returns, whatever status it reports.
	current     task.ID
	exitCurrent bool
}

var (
	executors [percpu.MaxCPUs]*Executor

	// wired is set by the first Init after the process-wide hookups:
	// waker routing, the clock tick hook and the panic dump.
	wired bool
)

// Init constructs the executor for cpuSlot and registers it as the wake
// target for wakers carrying that slot.
func Init(cpuSlot uint32) (*Executor, *kernel.Error) {
	if cpuSlot >= percpu.MaxCPUs {
		return nil, errBadCPUSlot
	}
	if executors[cpuSlot] != nil {
		return nil, errExecutorExists
	}

	e := &Executor{cpuSlot: cpuSlot}
	e.readyLock.Class = &readyLockClass
	e.tableLock.Class = &tableLockClass
	e.table.init()
	executors[cpuSlot] = e

	if !wired {
		wired = true
		task.SetWakeFn(routeWake)
		if err := ktime.RegisterTickHook(OnTick); err != nil {
			return nil, err
		}
		kfmt.RegisterPanicDump(dumpExecutors)
	}

	kfmt.Printf("sched: executor %d online, capacity %d tasks\n", cpuSlot, maxTasks)

	return e, nil
}

// CPU returns the slot the executor is bound to.
func (e *Executor) CPU() uint32 {
	return e.cpuSlot
}

// Current returns the id of the task the calling CPU is polling, or 0
// outside a poll.
func Current() task.ID {
	e := executors[percpu.ID()]
	if e == nil {
		return 0
	}

	return e.current
}

// ExitCurrent removes the task being polled on this CPU once its poll
// returns, regardless of the status it reports. The exit syscall calls
// it from inside the task's own poll.
func ExitCurrent() *kernel.Error {
	e := executors[percpu.ID()]
	if e == nil || e.current == 0 {
		return errNoCurrentTask
	}
	e.exitCurrent = true

	return nil
}

// SpawnMeta adds a task described by meta and schedules its first poll.
// Pinned tasks land on their requested CPU's executor; everything else
// runs on e. The returned id identifies the task until it completes.
func (e *Executor) SpawnMeta(p task.Pollable, meta task.Meta) (task.ID, *kernel.Error) {
	if p == nil {
		return 0, errNilPollable
	}

	target := e
	if meta.Pinned {
		if uint32(meta.CPU) >= percpu.MaxCPUs || executors[meta.CPU] == nil {
			return 0, errBadCPUSlot
		}
		target = executors[meta.CPU]
	}

	flags := target.tableLock.Acquire()
	entry := target.table.acquire(p, meta, target.cpuSlot)
	if entry == nil {
		target.tableLock.Release(flags)
		return 0, ErrTaskTableFull
	}
	id := entry.id
	prio := entry.meta.Priority
	target.stats.Spawned++
	target.tableLock.Release(flags)

	target.push(prio, id)

	return id, nil
}

// Spawn adds a normal-priority task.
func (e *Executor) Spawn(name string, p task.Pollable) (task.ID, *kernel.Error) {
	return e.SpawnMeta(p, task.Meta{Name: name, Priority: task.PriorityNormal})
}

// SpawnCritical adds a task polled ahead of every other tier.
func (e *Executor) SpawnCritical(name string, p task.Pollable) (task.ID, *kernel.Error) {
	return e.SpawnMeta(p, task.Meta{Name: name, Priority: task.PriorityCritical})
}

// SpawnBackground adds a task polled only when the other tiers are idle.
func (e *Executor) SpawnBackground(name string, p task.Pollable) (task.ID, *kernel.Error) {
	return e.SpawnMeta(p, task.Meta{Name: name, Priority: task.PriorityBackground})
}

// routeWake is installed as the task package's wake function by the
// first Init.
func routeWake(w task.Waker) {
	cpuSlot := w.CPU()
	e := executors[cpuSlot]
	if e == nil {
		return
	}
	if !e.wake(w.Priority(), w.TaskID()) {
		return
	}
	if cpuSlot != percpu.ID() {
		ipiFn(cpuSlot)
	}
}

// wake transitions id from waiting to runnable and enqueues it. It
// reports whether the task was enqueued; wakes of unknown, completed or
// already-runnable tasks are dropped, which is what keeps any id from
// occupying more than one ring cell.
func (e *Executor) wake(prio task.Priority, id task.ID) bool {
	flags := e.tableLock.Acquire()
	entry := e.table.lookup(id)
	if entry == nil || entry.state != stateWaiting {
		e.tableLock.Release(flags)
		return false
	}
	entry.state = stateRunnable
	e.stats.Wakes++
	e.tableLock.Release(flags)

	e.push(prio, id)

	return true
}

// push appends id to its priority ring. Overflow means the
// one-cell-per-id invariant broke, which is unrecoverable.
func (e *Executor) push(prio task.Priority, id task.ID) {
	if prio >= task.NumPriorities {
		prio = task.PriorityNormal
	}

	flags := e.readyLock.Acquire()
	ok := e.rings[prio].push(id)
	e.readyLock.Release(flags)

	if !ok {
		panicFn(errRingOverflow)
	}
}

// popOrder drains Critical before Normal before Background.
var popOrder = [task.NumPriorities]task.Priority{
	task.PriorityCritical,
	task.PriorityNormal,
	task.PriorityBackground,
}

// pop removes the next ready task id in priority order.
func (e *Executor) pop() (task.ID, bool) {
	flags := e.readyLock.Acquire()
	for _, prio := range popOrder {
		if id, ok := e.rings[prio].pop(); ok {
			e.readyLock.Release(flags)
			return id, true
		}
	}
	e.readyLock.Release(flags)

	return 0, false
}

// RunOnce pops and polls a single task. It returns false when every
// ready ring was empty.
func (e *Executor) RunOnce() bool {
	id, ok := e.pop()
	if !ok {
		return false
	}

	flags := e.tableLock.Acquire()
	entry := e.table.lookup(id)
	if entry == nil {
		// The task completed while this stale wake sat in the ring.
		e.tableLock.Release(flags)
		return true
	}
	// Mark the task waiting before it runs so a wake delivered during
	// the poll re-enqueues it instead of being lost.
	entry.state = stateWaiting
	p := entry.pollable
	w := entry.waker
	e.stats.Polls++
	e.tableLock.Release(flags)

	e.current = id
	status := p.Poll(w)
	e.current = 0

	if e.exitCurrent {
		e.exitCurrent = false
		status = task.StatusDone
	}

	if status == task.StatusDone {
		flags = e.tableLock.Acquire()
		e.table.remove(id)
		e.stats.Completed++
		e.tableLock.Release(flags)
	}

	return true
}

// Run polls tasks forever, parking the CPU whenever every ring is empty.
// The boot CPU calls it as the final step of kernel initialization; it
// does not return.
func (e *Executor) Run() {
	for {
		if !e.RunOnce() {
			idleFn()
		}
	}
}

// Drain polls until every ready ring is empty and returns the number of
// ring entries consumed.
func (e *Executor) Drain() int {
	n := 0
	for e.RunOnce() {
		n++
	}

	return n
}

// ReadStats returns a snapshot of the executor's counters.
func (e *Executor) ReadStats() Stats {
	flags := e.tableLock.Acquire()
	s := e.stats
	s.Live = e.table.live
	e.tableLock.Release(flags)

	return s
}

// BlockOn polls p to completion from outside task context. Between polls
// it enables interrupts and halts so interrupt handlers can advance the
// awaited work, then disables them again. Boot and synchronous driver
// code use it to call async services before an executor owns the CPU.
func BlockOn(p task.Pollable) {
	for p.Poll(task.Waker(0)) != task.StatusDone {
		blockIdleFn()
	}
}

// DumpTo writes the executor's live tasks to w.
func (e *Executor) DumpTo(w io.Writer) {
	flags := e.tableLock.Acquire()
	e.dumpTasks(w)
	e.tableLock.Release(flags)
}

// dumpTasks reads the table without locking. The panic hook calls it
// directly because a panic may fire while the table lock is held; a torn
// entry in a crash dump beats a deadlock.
func (e *Executor) dumpTasks(w io.Writer) {
	kfmt.Fprintf(w, "sched: executor %d: %d live, %d spawned, %d completed, %d polls\n",
		e.cpuSlot, e.table.live, e.stats.Spawned, e.stats.Completed, e.stats.Polls)
	for i := range e.table.slots {
		entry := &e.table.slots[i]
		if entry.state == stateFree {
			continue
		}
		kfmt.Fprintf(w, "  task %d [%s] %s: %s\n",
			uint64(entry.id), entry.meta.Priority.String(), entry.meta.Name, stateString(entry.state))
	}
}

// dumpExecutors is registered on the panic path by the first Init.
func dumpExecutors() {
	w := kfmt.GetOutputSink()
	if w == nil {
		return
	}
	for _, e := range executors {
		if e != nil {
			e.dumpTasks(w)
		}
	}
}
