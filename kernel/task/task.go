// Package task defines the identity, priority and wake-up primitives shared
// by the executor and the synchronization primitives. The types in this
// package carry no scheduler state of their own; the executor owns the task
// table and registers its wake routing via SetWakeFn.
package task

// ID identifies a spawned task. The task table assigns IDs starting at 1;
// ID 0 is reserved so that the zero Waker never wakes anything.
type ID uint64

// MaxID is the largest task ID representable inside a packed Waker.
const MaxID = ID(1<<idBits - 1)

// Priority selects the ready queue tier a task is polled from. The zero
// value is PriorityNormal.
type Priority uint8

const (
	// PriorityNormal is the default tier for spawned tasks.
	PriorityNormal Priority = iota

	// PriorityCritical tasks are polled before any other tier.
	PriorityCritical

	// PriorityBackground tasks are polled only when the other tiers are
	// empty.
	PriorityBackground

	// NumPriorities is the number of ready queue tiers.
	NumPriorities
)

// String implements fmt.Stringer for Priority.
func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityNormal:
		return "normal"
	case PriorityBackground:
		return "background"
	default:
		return "unknown"
	}
}

// Status is the result of polling a task.
type Status uint8

const (
	// StatusPending indicates the task is waiting on an external event and
	// has registered its waker with the event source.
	StatusPending Status = iota

	// StatusDone indicates the task has run to completion and can be
	// removed from the task table.
	StatusDone
)

// Pollable is the unit of cooperative scheduling. Poll either completes the
// task and returns StatusDone or arranges for w to be woken when the task
// can make progress and returns StatusPending. A Pollable that returns
// StatusPending without storing w anywhere will never be polled again.
type Pollable interface {
	Poll(w Waker) Status
}

// PollableFunc adapts a plain function to the Pollable interface.
type PollableFunc func(w Waker) Status

// Poll calls fn(w).
func (fn PollableFunc) Poll(w Waker) Status { return fn(w) }

// Meta describes a task at spawn time.
type Meta struct {
	// Name identifies the task in executor dumps.
	Name string

	// Priority selects the ready queue tier the task is polled from.
	Priority Priority

	// Pinned pins the task to the CPU slot when true. Unpinned tasks run
	// on the CPU that spawned them.
	Pinned bool
	CPU    uint8
}

// Waker is a pointer-sized handle that re-enqueues its task for polling.
// It packs the task priority (2 bits), the home CPU slot (6 bits) and the
// task ID (56 bits) so that it can be stored and copied without involving
// the allocator. The zero Waker wakes nothing.
type Waker uint64

const (
	idBits   = 56
	idMask   = 1<<idBits - 1
	cpuBits  = 6
	cpuMask  = 1<<cpuBits - 1
	cpuShift = idBits
	// prioShift places the priority in the two most significant bits.
	prioShift = idBits + cpuBits
)

// NewWaker packs the supplied priority, home CPU slot and task ID into a
// Waker. Out-of-range CPU slots and IDs are truncated to their field width.
func NewWaker(prio Priority, cpu uint32, id ID) Waker {
	return Waker(uint64(prio&3)<<prioShift |
		uint64(cpu&cpuMask)<<cpuShift |
		uint64(id)&idMask)
}

// Priority returns the ready queue tier encoded in the waker.
func (w Waker) Priority() Priority {
	return Priority(w >> prioShift & 3)
}

// CPU returns the home CPU slot encoded in the waker.
func (w Waker) CPU() uint32 {
	return uint32(w >> cpuShift & cpuMask)
}

// TaskID returns the task ID encoded in the waker.
func (w Waker) TaskID() ID {
	return ID(w & idMask)
}

// wakeFn is mocked by tests and installed by the executor via SetWakeFn.
var wakeFn = func(Waker) {}

// Wake pushes the encoded task onto its home CPU's ready queue at the
// encoded priority. Waking the zero Waker is a no-op; wakers are plain
// values so no release step is required after the last copy is dropped.
func (w Waker) Wake() {
	if w.TaskID() == 0 {
		return
	}

	wakeFn(w)
}

// SetWakeFn installs the routing function invoked by Waker.Wake. The
// executor registers itself here once the first Executor is constructed.
func SetWakeFn(fn func(Waker)) {
	wakeFn = fn
}
