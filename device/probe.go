package device

import (
	"bytes"
	"sort"

	"github.com/asterism-labs/hadron/kernel/kfmt"
	"github.com/asterism-labs/hadron/kernel/sched"
)

// managedDevices tracks the devices discovered by DetectHardware.
type managedDevices struct {
	activeSerial SerialPort
	activeClock  ClockSource

	// activeDrivers tracks all initialized device drivers.
	activeDrivers []Driver
}

var (
	devices managedDevices
	strBuf  bytes.Buffer
)

// ActiveSerial returns the serial port adopted as the console, or nil.
func ActiveSerial() SerialPort {
	return devices.activeSerial
}

// ActiveClock returns the best discovered clock source, or nil.
func ActiveClock() ClockSource {
	return devices.activeClock
}

// ActiveDrivers returns every successfully initialized driver.
func ActiveDrivers() []Driver {
	return devices.activeDrivers
}

// DetectHardware probes for hardware devices and initializes the
// appropriate drivers. spawner is the executor granted to drivers that
// declared NeedTasks; it may be nil during early detection rounds.
func DetectHardware(spawner *sched.Executor) {
	drivers := DriverList()
	sort.Sort(drivers)

	probe(drivers, spawner)
}

// probe executes the probe function for each driver and invokes
// onDriverInit for each successfully initialized driver.
func probe(driverInfoList DriverInfoList, spawner *sched.Executor) {
	var w kfmt.PrefixWriter

	for _, info := range driverInfoList {
		// Re-resolved per driver; adopting a serial console mid-scan
		// redirects the remaining probe output to it.
		w.Sink = kfmt.GetOutputSink()

		ctx := BuildProbeContext(info.Needs, spawner)
		drv := info.Probe(&ctx)
		if drv == nil {
			continue
		}

		strBuf.Reset()
		major, minor, patch := drv.DriverVersion()
		kfmt.Fprintf(&strBuf, "[hal] %s(%d.%d.%d): ", drv.DriverName(), major, minor, patch)
		w.Prefix = strBuf.Bytes()

		if err := drv.DriverInit(&w); err != nil {
			kfmt.Fprintf(&w, "init failed: %s\n", err.Message)
			continue
		}

		kfmt.Fprintf(&w, "initialized\n")
		onDriverInit(drv)
		devices.activeDrivers = append(devices.activeDrivers, drv)
	}
}

// onDriverInit is invoked by probe() whenever a piece of hardware is
// detected and successfully initialized. The first serial port becomes
// the console and takes over as the kernel log sink, replaying anything
// buffered before it came up; the first clock source becomes the
// calibration reference.
func onDriverInit(drv Driver) {
	switch drvImpl := drv.(type) {
	case SerialPort:
		if devices.activeSerial == nil {
			devices.activeSerial = drvImpl
			kfmt.SetOutputSink(drvImpl)
		}
	case ClockSource:
		if devices.activeClock == nil {
			devices.activeClock = drvImpl
		}
	}
}
