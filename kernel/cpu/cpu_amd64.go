package cpu

var (
	cpuidFn = ID
)

// FlagIF is the interrupt-enable bit inside the RFLAGS register.
const FlagIF = uint64(1 << 9)

// EnableInterrupts enables interrupt handling.
func EnableInterrupts()

// DisableInterrupts disables interrupt handling.
func DisableInterrupts()

// SaveFlags returns the current contents of the RFLAGS register.
func SaveFlags() uint64

// RestoreFlags loads the supplied value into the RFLAGS register. Restoring
// a value obtained by SaveFlags also restores the interrupt-enable flag to
// its captured state.
func RestoreFlags(flags uint64)

// Halt disables interrupts and stops instruction execution. It never
// returns; callers use it as the final step of an unrecoverable error path.
func Halt()

// WaitForInterrupt enables interrupts and suspends execution until the next
// interrupt arrives. The enable and the suspend are back to back so an
// interrupt raised in between still wakes the CPU.
func WaitForInterrupt()

// Pause hints to the CPU that the caller is spinning on a shared location.
func Pause()

// FlushTLBEntry flushes the TLB entry for a particular virtual address.
func FlushTLBEntry(virtAddr uintptr)

// FlushTLB flushes all non-global TLB entries by reloading CR3.
func FlushTLB()

// SwitchPageTable sets the root page table to the specified physical
// address and flushes the TLB.
func SwitchPageTable(physAddr uintptr)

// ActivePageTable returns the physical address of the currently active root
// page table.
func ActivePageTable() uintptr

// ReadCR2 returns the value stored in the CR2 register.
func ReadCR2() uint64

// ReadTSC returns the current value of the CPU time-stamp counter.
func ReadTSC() uint64

// ReadMSR returns the contents of the supplied model-specific register.
func ReadMSR(msr uint32) uint64

// WriteMSR stores val into the supplied model-specific register.
func WriteMSR(msr uint32, val uint64)

// LoadIDT loads the interrupt descriptor table register from the descriptor
// at the supplied address.
func LoadIDT(descriptorAddr uintptr)

// ID returns information about the CPU and its features. It is implemented
// as a CPUID instruction with EAX=leaf and returns the values in EAX, EBX,
// ECX and EDX.
func ID(leaf uint32) (eax, ebx, ecx, edx uint32)

// IsIntel returns true if the code is running on an Intel processor.
func IsIntel() bool {
	_, ebx, ecx, edx := cpuidFn(0)
	return ebx == 0x756e6547 && // "Genu"
		edx == 0x49656e69 && // "ineI"
		ecx == 0x6c65746e // "ntel"
}

// APICID returns the local APIC ID of the executing CPU as reported by
// CPUID leaf 1.
func APICID() uint32 {
	_, ebx, _, _ := cpuidFn(1)
	return ebx >> 24
}

// PortWriteByte writes a uint8 value to the requested port.
func PortWriteByte(port uint16, val uint8)

// PortWriteWord writes a uint16 value to the requested port.
func PortWriteWord(port uint16, val uint16)

// PortWriteDword writes a uint32 value to the requested port.
func PortWriteDword(port uint16, val uint32)

// PortReadByte reads a uint8 value from the requested port.
func PortReadByte(port uint16) uint8

// PortReadWord reads a uint16 value from the requested port.
func PortReadWord(port uint16) uint16

// PortReadDword reads a uint32 value from the requested port.
func PortReadDword(port uint16) uint32
