package irq

import (
	"github.com/asterism-labs/hadron/kernel"
)

// Local APIC timer register offsets.
const (
	apicRegLVTTimer    = 0x320
	apicRegTimerInit   = 0x380
	apicRegTimerCurr   = 0x390
	apicRegTimerDivide = 0x3e0
)

// apicLVTPeriodic selects periodic mode in the timer LVT entry.
const apicLVTPeriodic = 1 << 17

var (
	errAPICOffline  = &kernel.Error{Module: "irq", Message: "local APIC is not initialized"}
	errBadDivider   = &kernel.Error{Module: "irq", Message: "timer divider must be a power of two between 1 and 128"}
	errZeroTimerCnt = &kernel.Error{Module: "irq", Message: "timer initial count must be non-zero"}
)

// apicTimerDivider maps a power-of-two divider to its divide
// configuration encoding.
func apicTimerDivider(divideBy uint32) (uint32, bool) {
	switch divideBy {
	case 1:
		return 0xb, true
	case 2:
		return 0x0, true
	case 4:
		return 0x1, true
	case 8:
		return 0x2, true
	case 16:
		return 0x3, true
	case 32:
		return 0x8, true
	case 64:
		return 0x9, true
	case 128:
		return 0xa, true
	default:
		return 0, false
	}
}

// CalibrateAPICTimer measures the local APIC timer frequency. It lets the
// timer count down from its maximum with interrupts masked, runs wait,
// and returns how many counts of the bus clock divided by divideBy
// elapsed. The caller supplies a wait of known duration, typically a spin
// against another clock.
func CalibrateAPICTimer(divideBy uint32, wait func()) (uint32, *kernel.Error) {
	enc, ok := apicTimerDivider(divideBy)
	if !ok {
		return 0, errBadDivider
	}
	if apicBase == 0 {
		return 0, errAPICOffline
	}

	apicWrite(apicRegTimerDivide, enc)
	apicWrite(apicRegLVTTimer, apicLVTMasked)
	apicWrite(apicRegTimerInit, ^uint32(0))

	wait()

	elapsed := ^uint32(0) - apicRead(apicRegTimerCurr)
	apicWrite(apicRegTimerInit, 0)

	return elapsed, nil
}

// StartAPICTimer programs the local APIC timer in periodic mode: vector
// fires every initial counts of the bus clock divided by divideBy. The
// caller registers a handler for vector before starting the timer.
func StartAPICTimer(vector uint8, divideBy uint32, initial uint32) *kernel.Error {
	enc, ok := apicTimerDivider(divideBy)
	if !ok {
		return errBadDivider
	}
	if apicBase == 0 {
		return errAPICOffline
	}
	if initial == 0 {
		return errZeroTimerCnt
	}

	apicWrite(apicRegTimerDivide, enc)
	apicWrite(apicRegLVTTimer, apicLVTPeriodic|uint32(vector))
	apicWrite(apicRegTimerInit, initial)

	return nil
}

// StopAPICTimer masks the timer LVT entry and halts the countdown.
func StopAPICTimer() {
	if apicBase == 0 {
		return
	}

	apicWrite(apicRegLVTTimer, apicLVTMasked)
	apicWrite(apicRegTimerInit, 0)
}
