// Package kmain drives the kernel boot sequence. Subsystems come online in
// strict dependency order: the handoff block is parsed first, then the
// physical and virtual memory managers, the Go runtime and the kernel heap,
// the interrupt plumbing, the clock, and finally the executor that the rest
// of the kernel runs on.
package kmain

import (
	"github.com/asterism-labs/hadron/device"
	"github.com/asterism-labs/hadron/kernel"
	"github.com/asterism-labs/hadron/kernel/bootinfo"
	"github.com/asterism-labs/hadron/kernel/cpu"
	"github.com/asterism-labs/hadron/kernel/goruntime"
	"github.com/asterism-labs/hadron/kernel/irq"
	"github.com/asterism-labs/hadron/kernel/kfmt"
	"github.com/asterism-labs/hadron/kernel/ktime"
	"github.com/asterism-labs/hadron/kernel/mm"
	"github.com/asterism-labs/hadron/kernel/mm/kheap"
	"github.com/asterism-labs/hadron/kernel/mm/pmm"
	"github.com/asterism-labs/hadron/kernel/mm/vmm"
	"github.com/asterism-labs/hadron/kernel/sched"
	"github.com/asterism-labs/hadron/kernel/syscall"
	"github.com/asterism-labs/hadron/kernel/task"
)

const nsPerSec = 1000000000

// apicTimerDivide is the bus clock divider used for both timer
// calibration and the periodic tick.
const apicTimerDivide = 16

// syscallStackBytes is the size of the per-CPU stack syscall entries run
// on.
const syscallStackBytes = 4 * mm.PageSize

// defaultTSCHz stands in for the cycle counter frequency when neither
// CPUID nor the boot command line reports one.
const defaultTSCHz = 1000000000

var (
	errKmainReturned = &kernel.Error{Module: "kmain", Message: "Kmain returned"}
	errNoSyscallRAM  = &kernel.Error{Module: "kmain", Message: "cannot allocate the syscall entry stack"}
)

// Subsystem entry points, swappable by tests.
var (
	parseInfoFn        = bootinfo.Parse
	publishDirectMapFn = mm.PublishDirectMap
	pmmInitFn          = pmm.Init
	vmmInitFn          = vmm.Init
	goruntimeInitFn    = goruntime.Init
	kheapInitFn        = kheap.Init
	irqInitFn          = irq.Init
	apicPhysBaseFn     = irq.APICPhysBase
	mapMMIOFn          = vmm.MapMMIORegion
	initAPICFn         = irq.InitAPIC
	allocVectorFn      = irq.AllocateVector
	registerIRQFn      = irq.RegisterIRQ
	calibrateTimerFn   = irq.CalibrateAPICTimer
	startTimerFn       = irq.StartAPICTimer
	ktimeInitFn        = ktime.Init
	schedInitFn        = sched.Init
	syscallInitFn      = syscall.InitCPU
	heapAllocFn        = kheap.Alloc
	detectHardwareFn   = device.DetectHardware
	enableIntsFn       = cpu.EnableInterrupts
	readTSCFn          = cpu.ReadTSC
	cpuIDFn            = cpu.ID
	pauseFn            = cpu.Pause
	runFn              = func(e *sched.Executor) { e.Run() }
	panicFn            = kfmt.Panic
)

// Kmain is the only Go symbol that is visible (exported) from the rt0
// initialization code. This function is invoked by the rt0 assembly code
// after setting up the GDT and a minimal g0 struct that allows Go code to
// use the boot stack.
//
// The rt0 code passes the physical address of the handoff block provided
// by the bootloader.
//
// Kmain is not expected to return. If it does, the rt0 code will halt the
// CPU.
//
//go:noinline
func Kmain(infoPtr uintptr) {
	info, err := parseInfoFn(infoPtr)
	if err != nil {
		panicFn(err)
		return
	}

	_, maxPA := info.UsableBounds()
	if err = publishDirectMapFn(mm.VirtAddr(info.DirectMapOffset), maxPA); err != nil {
		panicFn(err)
		return
	}

	if err = pmmInitFn(info); err != nil {
		panicFn(err)
	} else if err = vmmInitFn(info); err != nil {
		panicFn(err)
	} else if err = goruntimeInitFn(); err != nil {
		panicFn(err)
	} else if err = kheapInitFn(0); err != nil {
		panicFn(err)
	} else if err = irqInitFn(); err != nil {
		panicFn(err)
	} else if err = startClock(info); err != nil {
		panicFn(err)
	}

	exec, err := schedInitFn(0)
	if err != nil {
		panicFn(err)
		return
	}

	if err = initSyscalls(); err != nil {
		panicFn(err)
		return
	}

	if _, err = exec.Spawn("init", task.PollableFunc(func(w task.Waker) task.Status {
		detectHardwareFn(exec)
		kfmt.Printf("[kmain] boot complete, %d bytes usable\n", info.UsableBytes())
		return task.StatusDone
	})); err != nil {
		panicFn(err)
		return
	}

	enableIntsFn()
	runFn(exec)

	// Use the kernel panic path instead of panic to prevent the compiler
	// from treating it as dead code and eliminating it.
	panicFn(errKmainReturned)
}

// startClock brings up the local APIC, binds the monotonic clock to the
// cycle counter and starts the millisecond tick.
func startClock(info *bootinfo.Info) *kernel.Error {
	apicPA, err := apicPhysBaseFn()
	if err != nil {
		return err
	}

	// The register page stays mapped for the kernel's lifetime.
	region, err := mapMMIOFn(apicPA, mm.PageSize)
	if err != nil {
		return err
	}
	if err = initAPICFn(region.Base()); err != nil {
		return err
	}

	hz := tscFrequency(info)
	num, den := reduceRatio(nsPerSec, hz)
	if err = ktimeInitFn(readTSCFn, num, den); err != nil {
		return err
	}

	vector, err := allocVectorFn()
	if err != nil {
		return err
	}
	if err = registerIRQFn(vector, "ktime", timerTick); err != nil {
		return err
	}

	// Count APIC timer ticks across ten milliseconds of cycle counter
	// time, then program a tenth of that as the periodic reload value.
	calibrationCycles := hz / 100
	counts, err := calibrateTimerFn(apicTimerDivide, func() {
		start := readTSCFn()
		for readTSCFn()-start < calibrationCycles {
			pauseFn()
		}
	})
	if err != nil {
		return err
	}

	initial := counts / 10
	if initial == 0 {
		initial = 1
	}

	return startTimerFn(vector, apicTimerDivide, initial)
}

// timerTick advances the kernel clock; ktime fans the tick out to the
// scheduler's sleep queue and preempt flags.
func timerTick(regs *irq.Registers) {
	ktime.Tick()
}

// initSyscalls allocates the boot CPU's syscall entry stack and programs
// the SYSCALL machinery.
func initSyscalls() *kernel.Error {
	stackBase := heapAllocFn(syscallStackBytes, mm.PageSize)
	if stackBase == 0 {
		return errNoSyscallRAM
	}

	return syscallInitFn(0, stackBase+mm.VirtAddr(syscallStackBytes))
}

// tscFrequency reports the cycle counter frequency in Hz. The boot
// command line takes precedence, then the CPUID frequency leaves; without
// either the clock falls back to a nominal frequency and logs the fact.
func tscFrequency(info *bootinfo.Info) uint64 {
	if raw, ok := info.CmdlineParam("tsc_khz"); ok {
		if khz := parseDecimal(raw); khz != 0 {
			return khz * 1000
		}
	}

	maxLeaf, _, _, _ := cpuIDFn(0)
	if maxLeaf >= 0x15 {
		if eax, ebx, ecx, _ := cpuIDFn(0x15); eax != 0 && ebx != 0 && ecx != 0 {
			return uint64(ecx) * uint64(ebx) / uint64(eax)
		}
	}
	if maxLeaf >= 0x16 {
		if eax, _, _, _ := cpuIDFn(0x16); eax != 0 {
			return uint64(eax) * 1000000
		}
	}

	kfmt.Printf("[kmain] cycle counter frequency unknown, assuming %d Hz\n", uint64(defaultTSCHz))
	return defaultTSCHz
}

// parseDecimal converts an unsigned decimal byte string; malformed input
// yields 0.
func parseDecimal(raw []byte) uint64 {
	if len(raw) == 0 {
		return 0
	}

	var v uint64
	for _, c := range raw {
		if c < '0' || c > '9' {
			return 0
		}
		v = v*10 + uint64(c-'0')
	}

	return v
}

// reduceRatio divides num and den by their greatest common divisor so the
// clock's conversion multiplies with as much headroom as possible.
func reduceRatio(num, den uint64) (uint64, uint64) {
	a, b := num, den
	for b != 0 {
		a, b = b, a%b
	}

	return num / a, den / a
}
