package syscall

// Call numbers are assigned in fixed groups of 0x100 so unrelated
// services can grow without renumbering each other. Numbers inside a
// group with no handler behind them return -ENOSYS like any unknown
// number.
const (
	// Task group.
	NumExit    uint64 = 0x000
	NumYield   uint64 = 0x001
	NumSleepNs uint64 = 0x002
	NumTaskID  uint64 = 0x003

	// Time group.
	NumClockGettime uint64 = 0x100
	NumClockGetres  uint64 = 0x101

	// The memory group (0x200) and the filesystem group (0x300) are
	// reserved for the layers that own those services.

	// IO group.
	NumDebugLog uint64 = 0x400

	// The IPC group (0x500) is reserved.
)

// ClockMonotonic is the only clock id the time group accepts:
// nanoseconds since the time source came online.
const ClockMonotonic uint64 = 1

// Errno is a negative syscall result. The values follow the
// conventional numbers so user code built against existing libc headers
// agrees with the kernel on their meaning.
type Errno int64

const (
	EPERM   Errno = -1
	ENOENT  Errno = -2
	ESRCH   Errno = -3
	EINTR   Errno = -4
	EIO     Errno = -5
	EBADF   Errno = -9
	EAGAIN  Errno = -11
	ENOMEM  Errno = -12
	EACCES  Errno = -13
	EFAULT  Errno = -14
	EBUSY   Errno = -16
	EEXIST  Errno = -17
	ENOTDIR Errno = -20
	EISDIR  Errno = -21
	EINVAL  Errno = -22
	ENFILE  Errno = -23
	EMFILE  Errno = -24
	ENOSYS  Errno = -38
)
