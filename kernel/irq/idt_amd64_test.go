package irq

import "testing"

// reconstructGatePC reassembles the entry address scattered across a gate
// descriptor.
func reconstructGatePC(ent idtDescriptor) uintptr {
	lo := ent[0] & 0xffff
	mid := (ent[0] >> 32) & 0xffff0000
	hi := ent[1] & 0xffffffff
	return uintptr(hi<<32 | mid | lo)
}

func TestIDTGateComposition(t *testing.T) {
	var tbl idtTable

	specs := []struct {
		vector uint8
		ist    uint8
		pc     uintptr
	}{
		{0, istNone, 0xffffffff81234567},
		{8, istDoubleFault, 0x00000000deadbeef},
		{18, istMachineCheck, 0xfffffe00000010a0},
		{255, istNone, 0x1000},
	}

	for specIndex, spec := range specs {
		tbl.install(spec.vector, ring0, spec.ist, spec.pc)
		ent := tbl[spec.vector]

		if got := reconstructGatePC(ent); got != spec.pc {
			t.Errorf("[spec %d] expected gate pc %x; got %x", specIndex, spec.pc, got)
		}
		if got := uint16(ent[0] >> 16); got != kernelCodeSelector {
			t.Errorf("[spec %d] expected selector %x; got %x", specIndex, kernelCodeSelector, got)
		}

		w1 := uint32(ent[0] >> 32)
		if w1&segFlagPresent == 0 {
			t.Errorf("[spec %d] expected the present flag to be set", specIndex)
		}
		if got := uint8(w1 >> 8 & 0xf); got != gateTypeInterrupt {
			t.Errorf("[spec %d] expected an interrupt gate; got type %x", specIndex, got)
		}
		if got := uint8(w1 & 0x7); got != spec.ist {
			t.Errorf("[spec %d] expected IST slot %d; got %d", specIndex, spec.ist, got)
		}
	}
}

func TestBuildIDT(t *testing.T) {
	buildIDT()

	base := funcPC(vectorTrampolines)
	for v := 0; v < VectorCount; v++ {
		want := base + uintptr(v)*vectorStubStride
		if got := reconstructGatePC(globalIDT[v]); got != want {
			t.Fatalf("[vector %d] expected stub pc %x; got %x", v, want, got)
		}

		wantIST := uint8(istNone)
		switch InterruptNumber(v) {
		case DoubleFault:
			wantIST = istDoubleFault
		case MachineCheck:
			wantIST = istMachineCheck
		}
		if got := uint8(globalIDT[v][0] >> 32 & 0x7); got != wantIST {
			t.Fatalf("[vector %d] expected IST slot %d; got %d", v, wantIST, got)
		}
	}
}
