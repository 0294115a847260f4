// Package pcibus tracks PCI devices, connects their interrupt pins
// through the routing core, and moves device ownership between the
// console partition and the hypervisor.
package pcibus

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/condor-hv/condor/internal/chipset"
	"github.com/condor-hv/condor/internal/firmware"
	"github.com/condor-hv/condor/internal/hostirq"
	"github.com/condor-hv/condor/internal/status"
)

// Owner says which side services a device.
type Owner int

const (
	OwnerConsole Owner = iota
	OwnerHypervisor
)

func (o Owner) String() string {
	if o == OwnerHypervisor {
		return "hypervisor"
	}
	return "console"
}

// Event classifies a device notification.
type Event int

const (
	DeviceAdded Event = iota
	DeviceRemoved
	OwnerChanged
)

// DeviceCallback is notified of device events. Callbacks for one
// event run concurrently and are joined before the operation returns.
type DeviceCallback func(event Event, dev *Device) error

// MaxCallbacks bounds the registered compat modules.
const MaxCallbacks = 4

// Address locates a PCI function.
type Address struct {
	Bus  int
	Slot int
	Func int
}

func (a Address) String() string {
	return fmt.Sprintf("%02x:%02x.%d", a.Bus, a.Slot, a.Func)
}

// Device is one PCI function.
type Device struct {
	Addr Address
	Name string

	// IntPin is the interrupt pin, 1 through 4 for A through D, 0 for
	// none.
	IntPin int

	// ISALine is the legacy line from the configuration header, or
	// IRQNone.
	ISALine firmware.IRQ

	// Bridge devices forward a secondary bus and never change owner.
	Bridge       bool
	SecondaryBus int

	Owner Owner

	// Interrupt hookup results, valid after SetupInterrupt.
	Vector     uint8
	ConsoleIRQ firmware.IRQ
	Edge       bool
}

// Bus is the device registry for one machine.
type Bus struct {
	chip   *chipset.State
	host   *hostirq.Queue
	logger *slog.Logger

	mu                sync.Mutex
	devices           map[Address]*Device
	bridgeBySecondary map[int]*Device
	callbacks         [MaxCallbacks]DeviceCallback

	// transferring serializes ownership changes.
	transferring atomic.Bool
}

func New(chip *chipset.State, host *hostirq.Queue, logger *slog.Logger) (*Bus, error) {
	if chip == nil || host == nil {
		return nil, fmt.Errorf("pcibus: chipset and host queue required: %w",
			status.ErrBadParam)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Bus{
		chip:              chip,
		host:              host,
		logger:            logger,
		devices:           make(map[Address]*Device),
		bridgeBySecondary: make(map[int]*Device),
	}, nil
}

// RegisterCallback adds a device event receiver and returns its slot.
// Compat modules hook in here to mirror device state for the console
// partition.
func (b *Bus) RegisterCallback(cb DeviceCallback) (int, error) {
	if cb == nil {
		return 0, fmt.Errorf("pcibus: nil callback: %w", status.ErrBadParam)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	for slot := range b.callbacks {
		if b.callbacks[slot] == nil {
			b.callbacks[slot] = cb
			return slot, nil
		}
	}
	return 0, fmt.Errorf("pcibus: all %d callback slots taken: %w",
		MaxCallbacks, status.ErrResourceExhausted)
}

// UnregisterCallback frees a callback slot.
func (b *Bus) UnregisterCallback(slot int) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if slot < 0 || slot >= MaxCallbacks || b.callbacks[slot] == nil {
		return fmt.Errorf("pcibus: no callback in slot %d: %w", slot, status.ErrNotFound)
	}
	b.callbacks[slot] = nil
	return nil
}

// notify fans an event out to the callbacks, outside any lock, and
// joins them.
func (b *Bus) notify(event Event, dev *Device) error {
	b.mu.Lock()
	cbs := b.callbacks
	b.mu.Unlock()

	var g errgroup.Group
	for _, cb := range cbs {
		if cb == nil {
			continue
		}
		cb := cb
		g.Go(func() error { return cb(event, dev) })
	}
	return g.Wait()
}

// AddDevice registers a device and notifies the callbacks.
func (b *Bus) AddDevice(dev *Device) error {
	if dev == nil {
		return fmt.Errorf("pcibus: nil device: %w", status.ErrBadParam)
	}
	b.mu.Lock()
	if _, exists := b.devices[dev.Addr]; exists {
		b.mu.Unlock()
		return fmt.Errorf("pcibus: device %s already registered: %w",
			dev.Addr, status.ErrAlreadyBound)
	}
	b.devices[dev.Addr] = dev
	if dev.Bridge {
		if other, exists := b.bridgeBySecondary[dev.SecondaryBus]; exists {
			b.mu.Unlock()
			delete(b.devices, dev.Addr)
			return fmt.Errorf("pcibus: bus %d already behind bridge %s: %w",
				dev.SecondaryBus, other.Addr, status.ErrAlreadyBound)
		}
		b.bridgeBySecondary[dev.SecondaryBus] = dev
	}
	b.mu.Unlock()

	b.logger.Info("pci device added",
		"addr", dev.Addr.String(), "name", dev.Name,
		"bridge", dev.Bridge, "owner", dev.Owner.String())
	return b.notify(DeviceAdded, dev)
}

// RemoveDevice unregisters a device and notifies the callbacks.
func (b *Bus) RemoveDevice(addr Address) error {
	b.mu.Lock()
	dev, exists := b.devices[addr]
	if !exists {
		b.mu.Unlock()
		return fmt.Errorf("pcibus: no device %s: %w", addr, status.ErrNotFound)
	}
	delete(b.devices, addr)
	if dev.Bridge {
		delete(b.bridgeBySecondary, dev.SecondaryBus)
	}
	b.mu.Unlock()

	b.logger.Info("pci device removed", "addr", addr.String(), "name", dev.Name)
	return b.notify(DeviceRemoved, dev)
}

// Device looks up a registered device.
func (b *Bus) Device(addr Address) (*Device, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	dev, exists := b.devices[addr]
	if !exists {
		return nil, fmt.Errorf("pcibus: no device %s: %w", addr, status.ErrNotFound)
	}
	return dev, nil
}

// SetupInterrupt connects a device's interrupt pin. When the routing
// tables have no entry for the device's own bus, the pin is swizzled
// up through bridges until a bus with routing appears; the walk is
// bounded so a corrupt bridge map fails instead of looping. Devices
// with no entry anywhere fall back to their legacy line if the
// chipset has it configured level.
func (b *Bus) SetupInterrupt(addr Address) (chipset.Hookup, error) {
	b.mu.Lock()
	dev, exists := b.devices[addr]
	b.mu.Unlock()
	if !exists {
		return chipset.Hookup{}, fmt.Errorf("pcibus: no device %s: %w", addr, status.ErrNotFound)
	}
	if dev.IntPin < 1 || dev.IntPin > 4 {
		return chipset.Hookup{}, fmt.Errorf("pcibus: device %s has no interrupt pin: %w",
			addr, status.ErrUnsupported)
	}

	h, err := b.routePin(dev)
	if err != nil {
		// The device stays registered but cannot interrupt.
		b.logger.Error("no interrupt route for device",
			"addr", addr.String(), "name", dev.Name, "err", err)
		b.mu.Lock()
		dev.Vector = 0
		dev.ConsoleIRQ = firmware.IRQNone
		dev.Edge = false
		b.mu.Unlock()
		return chipset.Hookup{}, err
	}

	b.mu.Lock()
	dev.Vector = h.Vector
	dev.ConsoleIRQ = h.ConsoleIRQ
	dev.Edge = h.Edge
	b.mu.Unlock()

	if dev.Owner == OwnerConsole && h.ConsoleIRQ != firmware.IRQNone {
		if err := b.host.SetupIRQ(h.ConsoleIRQ, h.Vector, false, h.Edge); err != nil {
			return chipset.Hookup{}, fmt.Errorf("pcibus: device %s: %w", addr, err)
		}
	}
	return h, nil
}

func (b *Bus) routePin(dev *Device) (chipset.Hookup, error) {
	bus := dev.Addr.Bus
	slot := dev.Addr.Slot
	pin := dev.IntPin - 1

	var lastErr error
	for step := 0; step < firmware.MaxBuses; step++ {
		h, err := b.chip.HookupBusIRQ(firmware.BusPCI, bus, firmware.PCIBusIRQ(slot, pin))
		if err == nil {
			return h, nil
		}
		if errors.Is(err, status.ErrUnsupported) {
			// No PCI routing at all on this controller; the legacy
			// line is the only option.
			lastErr = err
			break
		}
		if !errors.Is(err, status.ErrNotFound) {
			return chipset.Hookup{}, fmt.Errorf("pcibus: device %s: %w", dev.Addr, err)
		}
		lastErr = err

		b.mu.Lock()
		bridge := b.bridgeBySecondary[bus]
		b.mu.Unlock()
		if bridge == nil {
			break
		}
		// Pins rotate by slot number across a bridge.
		pin = (pin + slot) % 4
		slot = bridge.Addr.Slot
		bus = bridge.Addr.Bus
	}

	if dev.ISALine < 0 || dev.ISALine >= firmware.NumISAIRQs {
		return chipset.Hookup{}, fmt.Errorf("pcibus: device %s has no interrupt route: %w",
			dev.Addr, lastErr)
	}
	if b.chip.TriggerType(dev.ISALine) != firmware.TriggerLevel {
		return chipset.Hookup{}, fmt.Errorf(
			"pcibus: device %s legacy line %d is edge, unusable for pci: %w",
			dev.Addr, dev.ISALine, status.ErrTriggerMismatch)
	}
	h, err := b.chip.HookupBusIRQ(firmware.BusISA, -1, int(dev.ISALine))
	if err != nil {
		return chipset.Hookup{}, fmt.Errorf("pcibus: device %s legacy fallback: %w",
			dev.Addr, err)
	}
	b.logger.Info("pci device on legacy line",
		"addr", dev.Addr.String(), "line", int(dev.ISALine))
	return h, nil
}

// ChangeOwnership moves a device between the console partition and
// the hypervisor. Bridges are shared infrastructure and never move.
// One transfer runs at a time.
func (b *Bus) ChangeOwnership(addr Address, owner Owner) error {
	if !b.transferring.CompareAndSwap(false, true) {
		return fmt.Errorf("pcibus: ownership change in flight: %w", status.ErrBusy)
	}
	defer b.transferring.Store(false)

	b.mu.Lock()
	dev, exists := b.devices[addr]
	switch {
	case !exists:
		b.mu.Unlock()
		return fmt.Errorf("pcibus: no device %s: %w", addr, status.ErrNotFound)
	case dev.Bridge:
		b.mu.Unlock()
		return fmt.Errorf("pcibus: bridge %s cannot change owner: %w",
			addr, status.ErrUnsupported)
	case dev.Owner == owner:
		b.mu.Unlock()
		return nil
	}
	dev.Owner = owner
	b.mu.Unlock()

	b.logger.Info("pci device ownership changed",
		"addr", addr.String(), "owner", owner.String())
	return b.notify(OwnerChanged, dev)
}

// ChangeSlotOwnership moves every function in a slot at once. A bridge
// at function 0 is skipped and the rest of the slot moves; a bridge at
// any other function makes the slot untransferable.
func (b *Bus) ChangeSlotOwnership(busID, slot int, owner Owner) error {
	if !b.transferring.CompareAndSwap(false, true) {
		return fmt.Errorf("pcibus: ownership change in flight: %w", status.ErrBusy)
	}
	defer b.transferring.Store(false)

	b.mu.Lock()
	var moved []*Device
	found := false
	for _, dev := range b.devices {
		if dev.Addr.Bus != busID || dev.Addr.Slot != slot {
			continue
		}
		found = true
		if dev.Bridge {
			if dev.Addr.Func != 0 {
				b.mu.Unlock()
				return fmt.Errorf("pcibus: bridge %s blocks the slot transfer: %w",
					dev.Addr, status.ErrUnsupported)
			}
			continue
		}
		if dev.Owner != owner {
			dev.Owner = owner
			moved = append(moved, dev)
		}
	}
	b.mu.Unlock()

	if !found {
		return fmt.Errorf("pcibus: no device in %02x:%02x: %w",
			busID, slot, status.ErrNotFound)
	}

	for _, dev := range moved {
		b.logger.Info("pci device ownership changed",
			"addr", dev.Addr.String(), "owner", owner.String())
		if err := b.notify(OwnerChanged, dev); err != nil {
			return err
		}
	}
	return nil
}

// OwnershipChangePending reports whether a transfer is in flight.
func (b *Bus) OwnershipChangePending() bool {
	return b.transferring.Load()
}

// Devices returns the registered devices, unordered.
func (b *Bus) Devices() []*Device {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]*Device, 0, len(b.devices))
	for _, dev := range b.devices {
		out = append(out, dev)
	}
	return out
}
