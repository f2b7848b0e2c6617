package syscall

import (
	"unsafe"

	"github.com/asterism-labs/hadron/kernel"
	"github.com/asterism-labs/hadron/kernel/cpu"
	"github.com/asterism-labs/hadron/kernel/kfmt"
	"github.com/asterism-labs/hadron/kernel/mm"
	"github.com/asterism-labs/hadron/kernel/percpu"
)

// Model-specific registers programming the SYSCALL instruction.
const (
	msrEFER  = 0xc0000080
	msrSTAR  = 0xc0000081
	msrLSTAR = 0xc0000082
	msrFMASK = 0xc0000084

	// msrKernelGSBase holds the value SWAPGS installs on kernel entry.
	msrKernelGSBase = 0xc0000102

	eferSCE = 1 << 0
)

// RFLAGS bits cleared on entry. Interrupts stay off until the stub has
// a kernel stack under it.
const (
	rflagTF = 1 << 8
	rflagIF = 1 << 9
	rflagDF = 1 << 10
	rflagAC = 1 << 18

	entryFlagsMask = rflagTF | rflagIF | rflagDF | rflagAC
)

// Selector layout set up by the boot GDT: kernel code in slot 1, kernel
// data in slot 2, user data in slot 3, 64-bit user code in slot 4.
// SYSCALL loads CS from STAR[47:32] and SS from the slot after it;
// SYSRET loads SS from STAR[63:48]+8 and CS from STAR[63:48]+16, so the
// return base points at the kernel data slot with RPL 3.
const (
	kernelCodeSelector = 1<<3 | 0
	sysretSelectorBase = 2<<3 | 3
)

var (
	errBadEntryCPU = &kernel.Error{Module: "syscall", Message: "cpu slot out of range"}
	errBadStack    = &kernel.Error{Module: "syscall", Message: "syscall stack top must be 16-byte aligned"}
)

// Test seams around the privileged register accessors.
var (
	msrReadFn  = cpu.ReadMSR
	msrWriteFn = cpu.WriteMSR
)

// entryBlock is the per-CPU anchor the entry stub reaches through the
// kernel GS base. The layout is fixed by the stub: the parked user
// stack pointer at offset 0 and the kernel syscall stack top at offset
// 8.
type entryBlock struct {
	userRSP   uint64
	kernelRSP uint64
}

var entryBlocks [percpu.MaxCPUs]entryBlock

// InitCPU points the calling CPU's SYSCALL machinery at the dispatcher.
// stackTop is the highest address of a stack reserved for this CPU's
// syscall entries; dispatch runs on it with interrupts masked, so one
// entry at a time is the deepest it nests.
func InitCPU(cpuSlot uint32, stackTop mm.VirtAddr) *kernel.Error {
	if cpuSlot >= percpu.MaxCPUs {
		return errBadEntryCPU
	}
	if stackTop == 0 || !stackTop.IsAligned(16) {
		return errBadStack
	}

	b := &entryBlocks[cpuSlot]
	b.kernelRSP = uint64(stackTop)

	msrWriteFn(msrSTAR, uint64(kernelCodeSelector)<<32|uint64(sysretSelectorBase)<<48)
	msrWriteFn(msrLSTAR, uint64(funcPC(syscallTrampoline)))
	msrWriteFn(msrFMASK, entryFlagsMask)
	msrWriteFn(msrKernelGSBase, uint64(uintptr(unsafe.Pointer(b))))
	msrWriteFn(msrEFER, msrReadFn(msrEFER)|eferSCE)

	kfmt.Printf("syscall: entry online for cpu %d\n", cpuSlot)

	return nil
}

// funcPC extracts the entry address of f.
//
//go:nosplit
func funcPC(f func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&f))
}

// syscallTrampoline is the SYSCALL entry stub. It swaps in the kernel
// GS base, parks the user stack in the entry block, adopts the kernel
// syscall stack, spills the argument registers into a Dispatch frame
// and returns to the caller with SYSRET.
func syscallTrampoline()
