// Package hw defines the register-access seam between the interrupt
// routing core and the machine it runs on. The routing code programs
// interrupt controllers exclusively through these interfaces, so the
// same code drives real hardware and the emulated models under
// hw/emu.
package hw

// PortBus is x86 I/O port space.
type PortBus interface {
	In8(port uint16) uint8
	Out8(port uint16, value uint8)
}

// RegisterWindow is an indirect register file accessed through a
// select/data pair, the access model of an I/O-APIC.
type RegisterWindow interface {
	ReadReg(reg uint8) uint32
	WriteReg(reg uint8, value uint32)
}

// LocalUnit is the per-core local interrupt unit. Vector 0 is never a
// valid device vector.
type LocalUnit interface {
	// UnitID returns the hardware destination ID of the given core.
	UnitID(core int) (uint8, bool)

	// CurrentCore returns the core the caller is running on.
	CurrentCore() int

	// InService returns the highest-priority vector currently in
	// service on the calling core, if any.
	InService() (uint8, bool)

	// Pending reports whether the vector is latched pending on the
	// calling core.
	Pending(vector uint8) bool

	// LevelTriggered reports the trigger-mode latch for an in-service
	// vector on the calling core.
	LevelTriggered(vector uint8) bool

	Ack(vector uint8)
	SelfInterrupt(vector uint8)
	SendNMI(core int) error
	SendFixed(core int, vector uint8) error
}

// PortHandler models a device decoding one or more I/O ports.
type PortHandler interface {
	PortIn(port uint16) uint8
	PortOut(port uint16, value uint8)
}

// PortIntercept lists the ports a device decodes.
type PortIntercept struct {
	Ports   []uint16
	Handler PortHandler
}

// WindowIntercept exposes a register window at a physical address.
type WindowIntercept struct {
	Base   uint64
	Window RegisterWindow
}

// Device is a platform device that can be registered on a Bus.
type Device interface {
	Name() string
	Reset() error
	SupportsPorts() *PortIntercept
	SupportsWindow() *WindowIntercept
}
