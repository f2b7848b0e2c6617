// Package kernel provides the primitives shared by every kernel subsystem:
// the allocation-free error type and helpers for working with raw memory.
package kernel

// Error describes a kernel error condition. Kernel errors are always defined
// as global variables pointing to an Error value; this deep in the stack the
// Go allocator may not be available yet so errors.New cannot be used.
type Error struct {
	// Module is the name of the subsystem that raised the error.
	Module string

	// Message describes the error condition.
	Message string
}

// Error implements the error interface.
func (e *Error) Error() string {
	return e.Message
}
