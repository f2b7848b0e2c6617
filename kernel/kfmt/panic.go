package kfmt

import (
	"github.com/asterism-labs/hadron/kernel"
	"github.com/asterism-labs/hadron/kernel/cpu"
)

var (
	// cpuHaltFn is mocked by tests and is automatically inlined by the compiler.
	cpuHaltFn = cpu.Halt

	errRuntimePanic = &kernel.Error{Module: "rt", Message: "unknown cause"}

	// panicDumpFns holds subsystem hooks that dump additional state while
	// panicking. The array is fixed so registering a hook never allocates.
	panicDumpFns    [4]func()
	panicDumpCount  int
	panicInProgress bool
)

// RegisterPanicDump registers a hook that gets invoked while panicking to
// dump additional subsystem state. Hooks must not allocate and must not
// acquire any locks. Registrations beyond the hook capacity are dropped.
func RegisterPanicDump(fn func()) {
	if panicDumpCount == len(panicDumpFns) {
		return
	}
	panicDumpFns[panicDumpCount] = fn
	panicDumpCount++
}

// Panic outputs the supplied error (if not nil) followed by the output of
// any registered dump hooks and halts the CPU. Calls to Panic never return.
//
// The entire panic path writes through the statically allocated formatting
// buffers so it stays functional when the heap is corrupted or its lock is
// held. Panic also works as a redirection target for calls to panic()
// (resolved via runtime.gopanic).
//
//go:redirect-from runtime.gopanic
func Panic(e interface{}) {
	var err *kernel.Error

	switch t := e.(type) {
	case *kernel.Error:
		err = t
	case string:
		panicString(t)
		return
	case error:
		errRuntimePanic.Message = t.Error()
		err = errRuntimePanic
	}

	Printf("\n-----------------------------------\n")
	if err != nil {
		Printf("[%s] unrecoverable error: %s\n", err.Module, err.Message)
	}

	// A dump hook that faults would otherwise recurse through Panic forever.
	if !panicInProgress {
		panicInProgress = true
		for i := 0; i < panicDumpCount; i++ {
			panicDumpFns[i]()
		}
	}

	Printf("*** kernel panic: system halted ***")
	Printf("\n-----------------------------------\n")

	cpuHaltFn()
}

// panicString serves as a redirect target for runtime.throw.
//
//go:redirect-from runtime.throw
func panicString(msg string) {
	errRuntimePanic.Message = msg
	Panic(errRuntimePanic)
}
