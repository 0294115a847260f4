package hw

import (
	"fmt"
	"sort"
)

// BusBuilder registers devices and their decodes before creating a Bus.
type BusBuilder struct {
	devices map[string]Device
	ports   map[uint16]PortHandler
	windows map[uint64]RegisterWindow
}

// NewBusBuilder returns an empty BusBuilder.
func NewBusBuilder() *BusBuilder {
	return &BusBuilder{
		devices: make(map[string]Device),
		ports:   make(map[uint16]PortHandler),
		windows: make(map[uint64]RegisterWindow),
	}
}

// RegisterDevice adds a device and wires up its decodes.
func (b *BusBuilder) RegisterDevice(dev Device) error {
	if dev == nil {
		return fmt.Errorf("device is nil")
	}
	name := dev.Name()
	if name == "" {
		return fmt.Errorf("device name is empty")
	}
	if _, exists := b.devices[name]; exists {
		return fmt.Errorf("device %q already registered", name)
	}

	if intercept := dev.SupportsPorts(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("device %q provided ports with nil handler", name)
		}
		for _, port := range intercept.Ports {
			if err := b.WithPort(port, intercept.Handler); err != nil {
				return fmt.Errorf("device %q: %w", name, err)
			}
		}
	}

	if intercept := dev.SupportsWindow(); intercept != nil {
		if intercept.Window == nil {
			return fmt.Errorf("device %q provided window with nil register file", name)
		}
		if err := b.WithWindow(intercept.Base, intercept.Window); err != nil {
			return fmt.Errorf("device %q: %w", name, err)
		}
	}

	b.devices[name] = dev
	return nil
}

// WithPort registers a single I/O port handler.
func (b *BusBuilder) WithPort(port uint16, handler PortHandler) error {
	if handler == nil {
		return fmt.Errorf("port handler for 0x%x is nil", port)
	}
	if _, exists := b.ports[port]; exists {
		return fmt.Errorf("port 0x%x already registered", port)
	}
	b.ports[port] = handler
	return nil
}

// WithWindow registers a register window at a physical base address.
func (b *BusBuilder) WithWindow(base uint64, w RegisterWindow) error {
	if w == nil {
		return fmt.Errorf("register window at 0x%x is nil", base)
	}
	if _, exists := b.windows[base]; exists {
		return fmt.Errorf("register window at 0x%x already registered", base)
	}
	b.windows[base] = w
	return nil
}

// Build finalizes the decode tables and returns the constructed Bus.
func (b *BusBuilder) Build() (*Bus, error) {
	if b == nil {
		return nil, fmt.Errorf("bus builder is nil")
	}

	devices := make(map[string]Device, len(b.devices))
	for name, dev := range b.devices {
		devices[name] = dev
	}
	ports := make(map[uint16]PortHandler, len(b.ports))
	for port, handler := range b.ports {
		ports[port] = handler
	}
	windows := make(map[uint64]RegisterWindow, len(b.windows))
	for base, w := range b.windows {
		windows[base] = w
	}

	return &Bus{devices: devices, ports: ports, windows: windows}, nil
}

// Bus holds the built decode tables. It implements PortBus.
type Bus struct {
	devices map[string]Device
	ports   map[uint16]PortHandler
	windows map[uint64]RegisterWindow
}

// In8 reads one byte from a port. Undecoded ports float high.
func (b *Bus) In8(port uint16) uint8 {
	handler, ok := b.ports[port]
	if !ok {
		return 0xff
	}
	return handler.PortIn(port)
}

// Out8 writes one byte to a port. Writes to undecoded ports are dropped.
func (b *Bus) Out8(port uint16, value uint8) {
	if handler, ok := b.ports[port]; ok {
		handler.PortOut(port, value)
	}
}

// Window returns the register window mapped at base.
func (b *Bus) Window(base uint64) (RegisterWindow, error) {
	w, ok := b.windows[base]
	if !ok {
		return nil, fmt.Errorf("no register window at 0x%x", base)
	}
	return w, nil
}

// Reset resets all registered devices in name order.
func (b *Bus) Reset() error {
	names := make([]string, 0, len(b.devices))
	for name := range b.devices {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := b.devices[name].Reset(); err != nil {
			return fmt.Errorf("hw: reset device %q: %w", name, err)
		}
	}
	return nil
}
