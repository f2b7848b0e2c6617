// Package device defines the contract between the kernel core and its
// drivers: the driver registry with its detection ordering, the closed
// set of capability tokens a probe can request, and the interfaces a
// driver implements to register the hardware it found.
package device

import (
	"io"

	"github.com/asterism-labs/hadron/kernel"
)

// Driver is an interface implemented by all drivers.
type Driver interface {
	// DriverName returns the name of the driver.
	DriverName() string

	// DriverVersion returns the driver version.
	DriverVersion() (major uint16, minor uint16, patch uint16)

	// DriverInit initializes the device driver. If the driver init code
	// needs to log some output, it can use the supplied io.Writer in
	// conjunction with a call to kfmt.Fprintf.
	DriverInit(io.Writer) *kernel.Error
}

// ProbeFn scans for the presence of a particular piece of hardware and
// returns a driver for it. The supplied context carries exactly the
// capability tokens the driver declared in its DriverInfo.
type ProbeFn func(*ProbeContext) Driver

// DetectOrder specifies when each driver probe is run relative to the
// others. Lower values are probed first.
type DetectOrder int

const (
	// DetectOrderEarly probes run before anything else. This order
	// should be used by drivers the rest of the boot sequence depends
	// on, for example the serial console.
	DetectOrderEarly DetectOrder = -128

	// DetectOrderBeforeACPI probes run just before the ACPI tables are
	// scanned.
	DetectOrderBeforeACPI DetectOrder = -127

	// DetectOrderACPI is the default order: the driver is probed while
	// the bus enumerators walk the hardware they discovered.
	DetectOrderACPI DetectOrder = 0

	// DetectOrderLast probes run after every other driver.
	DetectOrderLast DetectOrder = 127
)

// DriverInfo describes a registered driver to the probe machinery.
type DriverInfo struct {
	// Order selects when Probe runs relative to the other registered
	// drivers.
	Order DetectOrder

	// Needs declares the capability tokens the probe requires. The core
	// builds a ProbeContext containing exactly these tokens.
	Needs Needs

	// Probe checks for the presence of the hardware the driver manages.
	Probe ProbeFn
}

// DriverInfoList is a list of registered drivers sortable by detect
// order.
type DriverInfoList []*DriverInfo

// Len returns the number of entries in the list.
func (l DriverInfoList) Len() int { return len(l) }

// Swap exchanges two list entries.
func (l DriverInfoList) Swap(i, j int) { l[i], l[j] = l[j], l[i] }

// Less reports whether entry i must be probed before entry j.
func (l DriverInfoList) Less(i, j int) bool { return l[i].Order < l[j].Order }

// registeredDrivers tracks the drivers registered via RegisterDriver.
var registeredDrivers DriverInfoList

// RegisterDriver adds a driver to the registry. Drivers register
// themselves from an init function in their own package.
func RegisterDriver(info *DriverInfo) {
	registeredDrivers = append(registeredDrivers, info)
}

// DriverList returns the list of registered drivers.
func DriverList() DriverInfoList {
	return registeredDrivers
}
