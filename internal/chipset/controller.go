// Package chipset routes device interrupts. It picks the interrupt
// controller the console partition negotiated at boot, parses the
// saved firmware tables into a routing picture, and hands out vectors
// for bus interrupt lines. All controller programming goes through the
// hw interfaces, so the same code drives real silicon and the emulated
// models under hw/emu.
package chipset

import (
	"io"

	"github.com/condor-hv/condor/internal/firmware"
)

// Vector space shared with the console partition. The monitor owns
// the vectors whose low three bits are zero, so device vectors always
// keep at least one of those bits set.
const (
	FirstExternalVector = 0x20
	LastDeviceVector    = 0xDF

	// NoopVector is delivered to kick a core out of a halt without
	// doing any work.
	NoopVector = 0xF9

	monitorVectorMask = 0x07

	elcrPort uint16 = 0x4d0
)

// Controller is the running interrupt controller. Vectors are the
// handles handed out by HookupBusIRQ; vector 0 is never valid.
type Controller interface {
	// Mask stops delivery of the vector. On an edge line the mask may
	// be deferred so the latch is not lost.
	Mask(vector uint8)

	// Unmask re-enables delivery, retriggering an edge that arrived
	// while masked.
	Unmask(vector uint8)

	// MaskAndAck masks and then retires the vector in one step, the
	// order a disable-on-interrupt handler needs.
	MaskAndAck(vector uint8)

	// Ack retires the in-service vector on the calling core.
	Ack(vector uint8)

	// MaskAll force-masks every vector handed out so far.
	MaskAll()

	// InServiceLocally returns the vector in service on the calling
	// core, if any.
	InServiceLocally() (uint8, bool)

	// Posted reports whether the vector is latched at the controller
	// awaiting end of interrupt.
	Posted(vector uint8) bool

	// PendingLocally reports whether the vector is latched pending on
	// the calling core.
	PendingLocally(vector uint8) bool

	// Spurious classifies an unexpected arrival of the vector. A true
	// return means the interrupt was absorbed and must not be handled.
	Spurious(vector uint8) bool

	// GoodTrigger reports whether the arrival matches the trigger mode
	// the line was hooked up with.
	GoodTrigger(vector uint8, edge bool) bool

	// Steer redirects future deliveries of the vector to a core.
	Steer(vector uint8, core int) error

	// RestoreHostSetup puts the controller back the way the console
	// partition left it. Called on the way down.
	RestoreHostSetup()

	// Dump writes the controller state for diagnostics.
	Dump(w io.Writer)
}

// Hookup is the result of connecting a bus interrupt line.
type Hookup struct {
	// Vector is the handle for all further Controller calls.
	Vector uint8

	// ConsoleIRQ is the line number the console partition knows this
	// source as, or IRQNone when the console does not use it.
	ConsoleIRQ firmware.IRQ

	// Edge is the trigger mode the line was connected with.
	Edge bool
}

// backend adds the hookup path the State drives. Backends are not
// safe for use before init.
type backend interface {
	Controller
	init() error
	hookupBusIRQ(busType firmware.BusType, busID, busIRQ int) (Hookup, error)
	resetPins(levelOnly bool)
}
