//go:build memsan

package pmm

import (
	"unsafe"

	"github.com/asterism-labs/hadron/kernel/kfmt"
	"github.com/asterism-labs/hadron/kernel/mm"
)

// sanPoison is the byte pattern written over freed frames. A read through a
// stale pointer stands out in dumps and a write is caught the next time the
// frame is handed out.
const sanPoison = 0x5a

// sanCheckBytes bounds how much of a frame sanCheckFrame inspects. Stale
// pointer writes land at the frame head far more often than not; scrubbing
// all 4K on every allocation would dominate the allocator cost.
const sanCheckBytes = 64

// sanFrameView returns a byte view of the frame contents. Tests swap it to
// target a synthetic arena instead of the direct map.
var sanFrameView = func(f mm.Frame) []byte {
	base := uintptr(mm.PhysToVirt(f.Address()))
	return unsafe.Slice((*byte)(unsafe.Pointer(base)), mm.PageSize)
}

func sanPoisonFrame(f mm.Frame) {
	view := sanFrameView(f)
	for i := range view {
		view[i] = sanPoison
	}
}

func sanCheckFrame(f mm.Frame) {
	view := sanFrameView(f)
	if len(view) > sanCheckBytes {
		view = view[:sanCheckBytes]
	}
	for i, b := range view {
		if b != sanPoison {
			kfmt.Printf("[pmm] use-after-free write: frame 0x%x byte %d is 0x%x\n", uint64(f.Address()), i, b)
			return
		}
	}
}

// sanPoisonAll poisons every frame that is free right after init so the
// free-implies-poisoned invariant holds from the first allocation on.
func sanPoisonAll(a *allocator) {
	for idx := uintptr(0); idx < a.frameCount; idx++ {
		if a.words[idx/wordBits]&(1<<(wordBits-1-idx%wordBits)) != 0 {
			sanPoisonFrame(a.baseFrame + mm.Frame(idx))
		}
	}
}
