package device

import (
	"io"

	"github.com/asterism-labs/hadron/kernel"
)

// SerialPort is implemented by drivers for byte-oriented serial
// devices. The kernel adopts the first initialized SerialPort as the
// console sink.
type SerialPort interface {
	Driver
	io.Reader
	io.Writer
}

// BlockDevice is implemented by drivers for sector-addressed storage.
type BlockDevice interface {
	Driver

	// SectorSize returns the transfer granularity in bytes.
	SectorSize() uint32

	// Sectors returns the device capacity in sectors.
	Sectors() uint64

	// ReadSectors fills buf with whole sectors starting at first. The
	// buffer length must be a multiple of the sector size.
	ReadSectors(first uint64, buf []byte) *kernel.Error

	// WriteSectors writes whole sectors from buf starting at first.
	WriteSectors(first uint64, buf []byte) *kernel.Error
}

// NetworkDevice is implemented by drivers for frame-oriented network
// interfaces.
type NetworkDevice interface {
	Driver

	// HWAddress returns the interface's hardware address.
	HWAddress() [6]byte

	// Transmit queues one frame for transmission.
	Transmit(frame []byte) *kernel.Error

	// SetReceiver installs the function invoked for every received
	// frame. The frame buffer is only valid for the duration of the
	// call.
	SetReceiver(fn func(frame []byte))
}

// Framebuffer is implemented by drivers exposing a linear pixel buffer.
type Framebuffer interface {
	Driver

	// Mode returns the active resolution, the byte stride between rows
	// and the bits per pixel.
	Mode() (width, height, stride, bpp uint32)

	// Buffer returns the mapped pixel memory.
	Buffer() []byte
}

// KeyEvent is one key state transition reported by a keyboard.
type KeyEvent struct {
	// Code is the driver-normalized key code.
	Code uint16

	// Pressed is true for make events and false for break events.
	Pressed bool
}

// KeyboardDevice is implemented by keyboard drivers.
type KeyboardDevice interface {
	Driver

	// NextEvent dequeues a pending key event, if any.
	NextEvent() (KeyEvent, bool)
}

// MouseEvent is one accumulated mouse state report.
type MouseEvent struct {
	DX, DY  int16
	Buttons uint8
}

// MouseDevice is implemented by pointing device drivers.
type MouseDevice interface {
	Driver

	// NextEvent dequeues a pending mouse report, if any.
	NextEvent() (MouseEvent, bool)
}

// ClockSource is implemented by drivers for hardware counters precise
// enough to back the monotonic clock.
type ClockSource interface {
	Driver

	// ReadNanos returns the counter value scaled to nanoseconds.
	ReadNanos() uint64

	// Frequency returns the counter frequency in Hz.
	Frequency() uint64
}
