package irq

import (
	"encoding/binary"
	"unsafe"

	"github.com/asterism-labs/hadron/kernel/cpu"
)

// idtDescriptor is one 16-byte interrupt gate entry.
type idtDescriptor [2]uint64

// idtTable is the in-memory interrupt descriptor table published to the
// CPU with LIDT.
type idtTable [VectorCount]idtDescriptor

const (
	// kernelCodeSelector addresses the flat 64-bit kernel code segment
	// in GDT slot 1 at privilege level 0.
	kernelCodeSelector = 1 << 3

	ring0 = 0

	// IST slots referencing the dedicated fault stacks in the TSS. Only
	// the diverging faults run on them; every other vector stays on the
	// interrupted stack.
	istNone         = 0
	istDoubleFault  = 1
	istMachineCheck = 2

	segFlagPresent = 1 << 15

	// Interrupt gates clear IF before the stub runs; handlers that can
	// tolerate nesting re-enable interrupts themselves.
	gateTypeInterrupt = 0xe
)

// vectorStubStride is the spacing of the per-vector entry stubs inside
// vectorTrampolines.
const vectorStubStride = 16

var (
	globalIDT idtTable

	// idtPointer is the 10-byte limit/base operand loaded with LIDT. It
	// must stay reachable for the lifetime of the kernel.
	idtPointer [10]byte
)

// install points the gate for vector at the entry code at pc.
func (t *idtTable) install(vector uint8, privLevel, ist uint8, pc uintptr) {
	sel := uint32(kernelCodeSelector)
	w0 := sel<<16 | uint32(pc&0xffff)
	w1 := uint32(pc&0xffff0000) | segFlagPresent | uint32(privLevel)<<13 | gateTypeInterrupt<<8 | uint32(ist)
	w2 := uint32(pc >> 32)
	t[vector][0] = uint64(w1)<<32 | uint64(w0)
	t[vector][1] = uint64(w2)
}

// buildIDT points every vector at its entry stub. The diverging faults
// are moved onto dedicated IST stacks so they can be serviced even when
// the interrupted context's stack is the casualty.
func buildIDT() {
	base := funcPC(vectorTrampolines)
	for v := 0; v < VectorCount; v++ {
		ist := uint8(istNone)
		switch InterruptNumber(v) {
		case DoubleFault:
			ist = istDoubleFault
		case MachineCheck:
			ist = istMachineCheck
		}
		globalIDT.install(uint8(v), ring0, ist, base+uintptr(v)*vectorStubStride)
	}
}

// reloadIDT publishes globalIDT to the CPU.
func reloadIDT() {
	binary.LittleEndian.PutUint16(idtPointer[:2], uint16(unsafe.Sizeof(globalIDT)-1))
	binary.LittleEndian.PutUint64(idtPointer[2:], uint64(uintptr(unsafe.Pointer(&globalIDT))))
	cpu.LoadIDT(uintptr(unsafe.Pointer(&idtPointer[0])))
}

// funcPC extracts the entry address of f.
//
//go:nosplit
func funcPC(f func()) uintptr {
	return **(**uintptr)(unsafe.Pointer(&f))
}

// vectorTrampolines holds the per-vector entry stubs, spaced
// vectorStubStride bytes apart. Each stub normalizes the stack to
// [vector, error code, IRET frame] and jumps to the common entry, which
// snapshots the interrupted registers and calls dispatchInterrupt.
func vectorTrampolines()
