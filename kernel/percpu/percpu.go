// Package percpu provides the CPU-id indirection used by subsystems that
// keep fixed-capacity per-CPU state arrays. Callers declare their state as
// [percpu.MaxCPUs]T and index it with percpu.ID().
package percpu

// MaxCPUs defines the maximum number of CPUs supported by the kernel.
const MaxCPUs = 64

// idFn is mocked by tests and by SetIDFn once the APs are brought online.
// Until then only the bootstrap processor executes kernel code and every
// lookup resolves to slot 0.
var idFn = func() uint32 { return 0 }

// ID returns the per-CPU slot index of the executing CPU. The returned
// index is always less than MaxCPUs and defaults to 0 until SetIDFn
// installs a real reader. ID acquires no locks and is safe to call from
// interrupt handlers.
func ID() uint32 {
	id := idFn()
	if id >= MaxCPUs {
		return 0
	}

	return id
}

// SetIDFn installs the reader that maps the executing CPU to its slot
// index. The boot sequence invokes it after the interrupt controller has
// been programmed with a stable CPU numbering.
func SetIDFn(fn func() uint32) {
	idFn = fn
}
