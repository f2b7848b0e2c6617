package irq

import (
	"sync/atomic"
	"unsafe"

	"github.com/asterism-labs/hadron/kernel"
	"github.com/asterism-labs/hadron/kernel/cpu"
	"github.com/asterism-labs/hadron/kernel/kfmt"
	"github.com/asterism-labs/hadron/kernel/mm"
)

const ia32APICBase = 0x1b

// Local APIC register offsets from the register page base.
const (
	apicRegTPR      = 0x80
	apicRegEOI      = 0xb0
	apicRegSpurious = 0xf0
	apicRegESR      = 0x280
	apicRegLVTLint0 = 0x350
	apicRegLVTLint1 = 0x360
	apicRegLVTError = 0x370
)

const (
	apicBSP          = 1 << 8
	apicGlobalEnable = 1 << 11
	apicSWEnable     = 1 << 8
	apicLVTMasked    = 1 << 16
)

var (
	// ErrNoAPIC is returned when the CPU does not advertise a local
	// APIC.
	ErrNoAPIC = &kernel.Error{Module: "irq", Message: "CPU reports no local APIC"}

	// ErrNotBootCPU is returned when the APIC setup runs on an
	// application processor.
	ErrNotBootCPU = &kernel.Error{Module: "irq", Message: "APIC setup must run on the bootstrap CPU"}
)

// apicBase is the virtual base of the mapped register page; it stays 0
// until InitAPIC runs.
var apicBase mm.VirtAddr

// APICPhysBase returns the physical address of the local APIC register
// page. The caller maps the page uncached and passes the mapping to
// InitAPIC.
func APICPhysBase() (mm.PhysAddr, *kernel.Error) {
	_, _, _, edx := cpu.ID(1)
	if edx&(1<<9) == 0 {
		return 0, ErrNoAPIC
	}

	return mm.PhysAddr(cpu.ReadMSR(ia32APICBase) &^ 0xfff), nil
}

// InitAPIC enables the local APIC whose register page is mapped at base.
// The legacy PIC lines are masked off, LINT0/1 and the error and spurious
// vectors are routed, and dispatch gains the EOI and task-priority
// writers it acknowledges interrupts with.
func InitAPIC(base mm.VirtAddr) *kernel.Error {
	msr := cpu.ReadMSR(ia32APICBase)
	if msr&apicBSP == 0 {
		return ErrNotBootCPU
	}
	cpu.WriteMSR(ia32APICBase, msr|apicGlobalEnable)

	maskPIC()

	apicBase = base
	eoiReg := apicReg(apicRegEOI)
	tprReg := apicReg(apicRegTPR)

	apicWrite(apicRegLVTLint0, apicLVTMasked)
	apicWrite(apicRegLVTLint1, apicLVTMasked)
	apicWrite(apicRegLVTError, uint32(apicErrorVector))
	if err := RegisterIRQ(apicErrorVector, "apic", apicErrorHandler); err != nil {
		return err
	}

	// Software-enable the APIC and route vanished interrupts to the
	// spurious vector.
	apicWrite(apicRegSpurious, apicSWEnable|uint32(SpuriousVector))

	eoiFn = func() { atomic.StoreUint32(eoiReg, 0) }
	tprFn = func(class uint8) { atomic.StoreUint32(tprReg, uint32(class)<<4) }

	kfmt.Printf("irq: local apic enabled, registers at %x\n", uintptr(base))

	return nil
}

func apicReg(off uintptr) *uint32 {
	return (*uint32)(unsafe.Pointer(uintptr(apicBase) + off))
}

func apicWrite(off uintptr, val uint32) {
	atomic.StoreUint32(apicReg(off), val)
}

func apicRead(off uintptr) uint32 {
	return atomic.LoadUint32(apicReg(off))
}

// apicErrorHandler drains and logs local APIC error reports. The ESR
// must be written once to latch the current error set before reading.
func apicErrorHandler(_ *Registers) {
	apicWrite(apicRegESR, 0)
	kfmt.Printf("irq: local apic error %x\n", apicRead(apicRegESR))
}

// maskPIC masks every line of the legacy 8259 pair so that only
// APIC-routed interrupts reach the CPU.
func maskPIC() {
	const (
		pic1Data = 0x21
		pic2Data = 0xa1
	)
	cpu.PortWriteByte(pic1Data, 0xff)
	cpu.PortWriteByte(pic2Data, 0xff)
}
