package device

import (
	"github.com/asterism-labs/hadron/kernel"
	"github.com/asterism-labs/hadron/kernel/cpu"
	"github.com/asterism-labs/hadron/kernel/irq"
	"github.com/asterism-labs/hadron/kernel/ktime"
	"github.com/asterism-labs/hadron/kernel/mm"
	"github.com/asterism-labs/hadron/kernel/mm/vmm"
	"github.com/asterism-labs/hadron/kernel/sched"
	"github.com/asterism-labs/hadron/kernel/task"
)

// Needs is the set of capability tokens a driver probe declares in its
// DriverInfo.
type Needs uint8

const (
	// NeedPciConfig grants access to the PCI configuration space.
	NeedPciConfig Needs = 1 << iota

	// NeedMmio grants scoped MMIO register mappings.
	NeedMmio

	// NeedDma grants physically contiguous buffer allocation.
	NeedDma

	// NeedIrq grants interrupt vector registration and wake lines.
	NeedIrq

	// NeedTimer grants the monotonic clock.
	NeedTimer

	// NeedTasks grants task spawning on the boot executor.
	NeedTasks
)

// ProbeContext carries the capability tokens a driver declared. Tokens
// the driver did not ask for are nil.
type ProbeContext struct {
	PciConfig *PciConfigCapability
	Mmio      *MmioCapability
	Dma       *DmaCapability
	Irq       *IrqCapability
	Timer     *TimerCapability
	Tasks     *TaskSpawner
}

// BuildProbeContext assembles the token set for one driver probe.
// spawner may be nil while no executor is online; the NeedTasks token is
// then withheld even if declared.
func BuildProbeContext(needs Needs, spawner *sched.Executor) ProbeContext {
	var ctx ProbeContext

	if needs&NeedPciConfig != 0 {
		ctx.PciConfig = &PciConfigCapability{}
	}
	if needs&NeedMmio != 0 {
		ctx.Mmio = &MmioCapability{}
	}
	if needs&NeedDma != 0 {
		ctx.Dma = &DmaCapability{}
	}
	if needs&NeedIrq != 0 {
		ctx.Irq = &IrqCapability{}
	}
	if needs&NeedTimer != 0 {
		ctx.Timer = &TimerCapability{}
	}
	if needs&NeedTasks != 0 && spawner != nil {
		ctx.Tasks = &TaskSpawner{executor: spawner}
	}

	return ctx
}

// PCI configuration space access ports.
const (
	pciConfigAddressPort = 0xcf8
	pciConfigDataPort    = 0xcfc
	pciConfigEnable      = 1 << 31
)

// Test seams around the privileged operations the tokens wrap.
var (
	portWriteDwordFn = cpu.PortWriteDword
	portReadDwordFn  = cpu.PortReadDword
	mapMMIOFn        = vmm.MapMMIORegion
	allocFramesFn    = mm.AllocFrames
	freeFramesFn     = mm.FreeFrames
)

// PciConfigCapability provides access to the PCI configuration space
// through the legacy I/O ports.
type PciConfigCapability struct{}

// configAddress packs a bus/device/function/register tuple into the
// format the address port expects. The register offset is dword-aligned.
func configAddress(bus, dev, fn uint8, offset uint8) uint32 {
	return pciConfigEnable |
		uint32(bus)<<16 |
		uint32(dev&0x1f)<<11 |
		uint32(fn&0x7)<<8 |
		uint32(offset&0xfc)
}

// ReadDword reads a 32-bit value from a device's configuration space.
func (c *PciConfigCapability) ReadDword(bus, dev, fn uint8, offset uint8) uint32 {
	portWriteDwordFn(pciConfigAddressPort, configAddress(bus, dev, fn, offset))
	return portReadDwordFn(pciConfigDataPort)
}

// WriteDword writes a 32-bit value into a device's configuration space.
func (c *PciConfigCapability) WriteDword(bus, dev, fn uint8, offset uint8, val uint32) {
	portWriteDwordFn(pciConfigAddressPort, configAddress(bus, dev, fn, offset))
	portWriteDwordFn(pciConfigDataPort, val)
}

// MmioCapability maps device register windows into kernel space.
type MmioCapability struct{}

// Map establishes an uncached mapping over the device registers at pa.
// The returned region unmaps on its Unmap call; drivers hold it for the
// lifetime of the device.
func (c *MmioCapability) Map(pa mm.PhysAddr, size uintptr) (vmm.MMIORegion, *kernel.Error) {
	return mapMMIOFn(pa, size)
}

// DmaCapability allocates physically contiguous buffers for device DMA.
type DmaCapability struct{}

// DmaBuffer is a physically contiguous allocation visible both to the
// CPU (through the direct map) and to the device (by physical address).
type DmaBuffer struct {
	frame mm.Frame
	count uintptr
}

// PhysAddr returns the buffer's physical base, the address programmed
// into the device.
func (b *DmaBuffer) PhysAddr() mm.PhysAddr {
	return b.frame.Address()
}

// VirtAddr returns the buffer's kernel-visible base.
func (b *DmaBuffer) VirtAddr() mm.VirtAddr {
	return mm.PhysToVirt(b.frame.Address())
}

// Size returns the buffer length in bytes.
func (b *DmaBuffer) Size() uintptr {
	return b.count * mm.PageSize
}

// AllocBuffer allocates frameCount physically contiguous frames.
func (c *DmaCapability) AllocBuffer(frameCount uintptr) (DmaBuffer, *kernel.Error) {
	frame, err := allocFramesFn(frameCount)
	if err != nil {
		return DmaBuffer{}, err
	}

	return DmaBuffer{frame: frame, count: frameCount}, nil
}

// FreeBuffer releases a buffer back to the frame allocator.
func (c *DmaCapability) FreeBuffer(b DmaBuffer) *kernel.Error {
	if b.count == 0 {
		return nil
	}

	return freeFramesFn(b.frame, b.count)
}

// IrqCapability grants interrupt plumbing: vector allocation, handler
// registration and async wake lines.
type IrqCapability struct{}

// AllocateVector reserves the lowest free dynamic vector.
func (c *IrqCapability) AllocateVector() (uint8, *kernel.Error) {
	return irq.AllocateVector()
}

// Register claims a vector for the named driver.
func (c *IrqCapability) Register(vector uint8, owner string, handler irq.IRQHandler) *kernel.Error {
	return irq.RegisterIRQ(vector, owner, handler)
}

// Release returns a vector to the free pool.
func (c *IrqCapability) Release(vector uint8) bool {
	return irq.ReleaseIRQ(vector)
}

// Line returns the wake capability for a vector, letting driver tasks
// await interrupts instead of polling.
func (c *IrqCapability) Line(vector uint8) irq.IrqLine {
	return irq.Line(vector)
}

// TimerCapability grants the monotonic clock.
type TimerCapability struct{}

// Nanos returns nanoseconds since the time source came online.
func (c *TimerCapability) Nanos() uint64 {
	return ktime.Nanos()
}

// Ticks returns the millisecond tick count.
func (c *TimerCapability) Ticks() uint64 {
	return ktime.Ticks()
}

// TaskSpawner grants task spawning on the executor that ran the probe.
type TaskSpawner struct {
	executor *sched.Executor
}

// Spawn schedules a normal-priority driver task.
func (s *TaskSpawner) Spawn(name string, p task.Pollable) (task.ID, *kernel.Error) {
	return s.executor.Spawn(name, p)
}

// SpawnBackground schedules a task polled only when nothing else is
// runnable, the usual tier for housekeeping work.
func (s *TaskSpawner) SpawnBackground(name string, p task.Pollable) (task.ID, *kernel.Error) {
	return s.executor.SpawnBackground(name, p)
}
