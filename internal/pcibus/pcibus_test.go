package pcibus

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/condor-hv/condor/internal/chipset"
	"github.com/condor-hv/condor/internal/firmware"
	"github.com/condor-hv/condor/internal/hostirq"
	"github.com/condor-hv/condor/internal/hw/emu"
	"github.com/condor-hv/condor/internal/status"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fakeSched struct {
	mu    sync.Mutex
	wakes int
}

func (s *fakeSched) ConsoleIdle() bool    { return true }
func (s *fakeSched) ConsoleRunning() bool { return false }
func (s *fakeSched) SuppressIdle()        {}
func (s *fakeSched) MarkReschedule()      {}

func (s *fakeSched) Wake() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.wakes++
}

func ioapicTables() *firmware.Tables {
	irqs := make([]firmware.HostIRQ, firmware.NumISAIRQs)
	for i := range irqs {
		irqs[i] = firmware.HostIRQ{Controller: -1, Pin: -1}
	}
	irqs[1] = firmware.HostIRQ{Controller: 0, Pin: 1, Vector: 0x31, Used: true}
	irqs[4] = firmware.HostIRQ{Controller: 0, Pin: 4, Vector: 0x34, Used: true}
	return &firmware.Tables{
		MPS: &firmware.MPSTable{
			Present: true,
			Buses: []firmware.MPSBus{
				{ID: 0, Type: "PCI"},
				{ID: 1, Type: "ISA"},
			},
			IOAPICs: []firmware.MPSIOAPIC{
				{ID: 2, PhysAddr: 0xFEC00000, Version: 0x11, Enabled: true},
			},
			Interrupts: []firmware.MPSInterrupt{
				{Type: "int", SrcBus: 1, SrcBusIRQ: 1, IOAPICID: 2, IntIn: 1},
				{Type: "int", SrcBus: 1, SrcBusIRQ: 4, IOAPICID: 2, IntIn: 4},
				{Type: "int", SrcBus: 0, SrcBusIRQ: firmware.PCIBusIRQ(3, 0), IOAPICID: 2, IntIn: 16},
				{Type: "int", SrcBus: 0, SrcBusIRQ: firmware.PCIBusIRQ(3, 1), IOAPICID: 2, IntIn: 18},
			},
		},
		Host: firmware.HostInfo{ICType: firmware.ICIOAPIC, IRQs: irqs},
	}
}

func picTables() *firmware.Tables {
	irqs := make([]firmware.HostIRQ, firmware.NumISAIRQs)
	for i := range irqs {
		irqs[i] = firmware.HostIRQ{
			Controller: 0,
			Pin:        i,
			Vector:     uint8(chipset.FirstExternalVector + i),
			Used:       true,
		}
	}
	return &firmware.Tables{
		Host: firmware.HostInfo{ICType: firmware.ICPIC, IRQs: irqs},
	}
}

func ioapicFixture(t *testing.T) (*emu.Platform, *Bus) {
	t.Helper()
	p, err := emu.NewPlatform(emu.PlatformConfig{
		Cores:   2,
		IOAPICs: []emu.IOAPICConfig{{ID: 2, Base: 0xFEC00000, Pins: 24}},
	})
	if err != nil {
		t.Fatalf("NewPlatform: %v", err)
	}
	tables := ioapicTables()
	chip, err := chipset.New(chipset.Config{
		Tables:  tables,
		Ports:   p.Bus,
		Windows: p.Bus,
		Local:   p.Local,
		Logger:  quiet,
	})
	if err != nil {
		t.Fatalf("chipset.New: %v", err)
	}
	host, err := hostirq.New(hostirq.Config{
		Local: p.Local, Sched: &fakeSched{}, Host: tables.Host, Logger: quiet,
	})
	if err != nil {
		t.Fatalf("hostirq.New: %v", err)
	}
	bus, err := New(chip, host, quiet)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, bus
}

func picFixture(t *testing.T, elcr uint16) (*emu.Platform, *Bus, *chipset.State, *hostirq.Queue) {
	t.Helper()
	p, err := emu.NewPlatform(emu.PlatformConfig{Cores: 1, ELCR: elcr})
	if err != nil {
		t.Fatalf("NewPlatform: %v", err)
	}
	p.Bus.Out8(0x20, 0x11)
	p.Bus.Out8(0x21, chipset.FirstExternalVector)
	p.Bus.Out8(0x21, 0x04)
	p.Bus.Out8(0x21, 0x01)
	p.Bus.Out8(0xa0, 0x11)
	p.Bus.Out8(0xa1, chipset.FirstExternalVector+8)
	p.Bus.Out8(0xa1, 0x02)
	p.Bus.Out8(0xa1, 0x01)

	tables := picTables()
	chip, err := chipset.New(chipset.Config{
		Tables:  tables,
		Ports:   p.Bus,
		Windows: p.Bus,
		Local:   p.Local,
		Logger:  quiet,
	})
	if err != nil {
		t.Fatalf("chipset.New: %v", err)
	}
	host, err := hostirq.New(hostirq.Config{
		Local: p.Local, Sched: &fakeSched{}, Host: tables.Host, Logger: quiet,
	})
	if err != nil {
		t.Fatalf("hostirq.New: %v", err)
	}
	bus, err := New(chip, host, quiet)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return p, bus, chip, host
}

func TestSetupInterruptDirect(t *testing.T) {
	_, bus := ioapicFixture(t)

	dev := &Device{
		Addr:    Address{Bus: 0, Slot: 3, Func: 0},
		Name:    "nic0",
		IntPin:  1,
		ISALine: firmware.IRQNone,
	}
	if err := bus.AddDevice(dev); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	h, err := bus.SetupInterrupt(dev.Addr)
	if err != nil {
		t.Fatalf("SetupInterrupt: %v", err)
	}
	if h.Vector == 0 || h.Edge {
		t.Fatalf("hookup = %+v", h)
	}
	if dev.Vector != h.Vector {
		t.Fatalf("vector not recorded on device")
	}
}

func TestSetupInterruptSwizzlesThroughBridge(t *testing.T) {
	_, bus := ioapicFixture(t)

	bridge := &Device{
		Addr:         Address{Bus: 0, Slot: 3, Func: 0},
		Name:         "bridge0",
		Bridge:       true,
		SecondaryBus: 2,
	}
	dev := &Device{
		Addr:    Address{Bus: 2, Slot: 1, Func: 0},
		Name:    "scsi0",
		IntPin:  1,
		ISALine: firmware.IRQNone,
	}
	if err := bus.AddDevice(bridge); err != nil {
		t.Fatalf("AddDevice bridge: %v", err)
	}
	if err := bus.AddDevice(dev); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	// Pin A on slot 1 swizzles to pin B on the bridge's slot 3, which
	// the tables route to pin 18.
	h, err := bus.SetupInterrupt(dev.Addr)
	if err != nil {
		t.Fatalf("SetupInterrupt: %v", err)
	}
	info, err := bus.chip.GetBusIRQInfo(firmware.BusPCI, 0, firmware.PCIBusIRQ(3, 1))
	if err != nil {
		t.Fatalf("GetBusIRQInfo: %v", err)
	}
	if info.Pin != 18 {
		t.Fatalf("swizzled entry on pin %d, want 18", info.Pin)
	}
	if h.Vector == 0 {
		t.Fatalf("no vector from swizzled hookup")
	}
}

func TestSetupInterruptNoRoute(t *testing.T) {
	_, bus := ioapicFixture(t)

	dev := &Device{
		Addr:    Address{Bus: 0, Slot: 9, Func: 0},
		Name:    "orphan0",
		IntPin:  1,
		ISALine: firmware.IRQNone,
	}
	if err := bus.AddDevice(dev); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	if _, err := bus.SetupInterrupt(dev.Addr); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
	// The device is left registered but marked interrupt-less.
	if dev.Vector != 0 || dev.ConsoleIRQ != firmware.IRQNone {
		t.Fatalf("failed hookup left vector=%#x consoleIRQ=%d", dev.Vector, dev.ConsoleIRQ)
	}
}

func TestSetupInterruptLegacyFallback(t *testing.T) {
	_, bus, _, host := picFixture(t, 1<<9)

	dev := &Device{
		Addr:    Address{Bus: 0, Slot: 3, Func: 0},
		Name:    "nic0",
		IntPin:  1,
		ISALine: 9,
		Owner:   OwnerConsole,
	}
	if err := bus.AddDevice(dev); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	h, err := bus.SetupInterrupt(dev.Addr)
	if err != nil {
		t.Fatalf("SetupInterrupt: %v", err)
	}
	if h.Vector != chipset.FirstExternalVector+9 || h.Edge {
		t.Fatalf("hookup = %+v", h)
	}

	// The console side must be forwardable now.
	if err := host.SetPendingIRQ(9); err != nil {
		t.Fatalf("SetPendingIRQ: %v", err)
	}
	if irq, vector, ok := host.DrainOne(true); !ok || irq != 9 || vector != h.Vector {
		t.Fatalf("drain = %d, %#02x, %v", irq, vector, ok)
	}
}

func TestSetupInterruptLegacyEdgeRejected(t *testing.T) {
	_, bus, _, _ := picFixture(t, 0)

	dev := &Device{
		Addr:    Address{Bus: 0, Slot: 3, Func: 0},
		Name:    "nic0",
		IntPin:  1,
		ISALine: 9,
	}
	if err := bus.AddDevice(dev); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	if _, err := bus.SetupInterrupt(dev.Addr); !errors.Is(err, status.ErrTriggerMismatch) {
		t.Fatalf("err = %v, want ErrTriggerMismatch", err)
	}
}

func TestChangeOwnership(t *testing.T) {
	_, bus := ioapicFixture(t)

	var mu sync.Mutex
	var events []Event
	if _, err := bus.RegisterCallback(func(event Event, dev *Device) error {
		mu.Lock()
		defer mu.Unlock()
		events = append(events, event)
		return nil
	}); err != nil {
		t.Fatalf("RegisterCallback: %v", err)
	}

	dev := &Device{
		Addr:    Address{Bus: 0, Slot: 3, Func: 0},
		Name:    "nic0",
		IntPin:  1,
		ISALine: firmware.IRQNone,
	}
	if err := bus.AddDevice(dev); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	if err := bus.ChangeOwnership(dev.Addr, OwnerHypervisor); err != nil {
		t.Fatalf("ChangeOwnership: %v", err)
	}
	if dev.Owner != OwnerHypervisor {
		t.Fatalf("owner = %v", dev.Owner)
	}
	// Same owner again is a no-op without a notification.
	if err := bus.ChangeOwnership(dev.Addr, OwnerHypervisor); err != nil {
		t.Fatalf("idempotent change: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if len(events) != 2 || events[0] != DeviceAdded || events[1] != OwnerChanged {
		t.Fatalf("events = %v", events)
	}
}

func TestBridgeNeverChangesOwner(t *testing.T) {
	_, bus := ioapicFixture(t)

	bridge := &Device{
		Addr:         Address{Bus: 0, Slot: 3, Func: 0},
		Name:         "bridge0",
		Bridge:       true,
		SecondaryBus: 2,
	}
	if err := bus.AddDevice(bridge); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	err := bus.ChangeOwnership(bridge.Addr, OwnerHypervisor)
	if !errors.Is(err, status.ErrUnsupported) {
		t.Fatalf("err = %v, want ErrUnsupported", err)
	}
}

func TestOwnershipTransferSerialized(t *testing.T) {
	_, bus := ioapicFixture(t)

	devA := &Device{Addr: Address{Bus: 0, Slot: 3, Func: 0}, Name: "a0", IntPin: 1, ISALine: firmware.IRQNone}
	devB := &Device{Addr: Address{Bus: 0, Slot: 4, Func: 0}, Name: "b0", IntPin: 1, ISALine: firmware.IRQNone}
	if err := bus.AddDevice(devA); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	if err := bus.AddDevice(devB); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}

	var nested error
	if _, err := bus.RegisterCallback(func(event Event, dev *Device) error {
		if event == OwnerChanged && dev == devA {
			nested = bus.ChangeOwnership(devB.Addr, OwnerHypervisor)
		}
		return nil
	}); err != nil {
		t.Fatalf("RegisterCallback: %v", err)
	}

	if err := bus.ChangeOwnership(devA.Addr, OwnerHypervisor); err != nil {
		t.Fatalf("ChangeOwnership: %v", err)
	}
	if !errors.Is(nested, status.ErrBusy) {
		t.Fatalf("nested transfer err = %v, want ErrBusy", nested)
	}
}

func TestChangeSlotOwnership(t *testing.T) {
	_, bus := ioapicFixture(t)

	bridge := &Device{
		Addr:         Address{Bus: 0, Slot: 3, Func: 0},
		Name:         "bridge0",
		Bridge:       true,
		SecondaryBus: 2,
	}
	fn1 := &Device{Addr: Address{Bus: 0, Slot: 3, Func: 1}, Name: "nic0", IntPin: 1, ISALine: firmware.IRQNone}
	fn2 := &Device{Addr: Address{Bus: 0, Slot: 3, Func: 2}, Name: "nic1", IntPin: 2, ISALine: firmware.IRQNone}
	for _, dev := range []*Device{bridge, fn1, fn2} {
		if err := bus.AddDevice(dev); err != nil {
			t.Fatalf("AddDevice %s: %v", dev.Addr, err)
		}
	}

	// The function-0 bridge stays put; the rest of the slot moves.
	if err := bus.ChangeSlotOwnership(0, 3, OwnerHypervisor); err != nil {
		t.Fatalf("ChangeSlotOwnership: %v", err)
	}
	if bridge.Owner != OwnerConsole {
		t.Fatalf("bridge moved with the slot")
	}
	if fn1.Owner != OwnerHypervisor || fn2.Owner != OwnerHypervisor {
		t.Fatalf("functions not transferred: %v %v", fn1.Owner, fn2.Owner)
	}

	if err := bus.ChangeSlotOwnership(0, 9, OwnerHypervisor); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("empty slot err = %v, want ErrNotFound", err)
	}

	// A bridge off function 0 blocks the whole slot.
	odd := &Device{
		Addr:         Address{Bus: 0, Slot: 5, Func: 1},
		Name:         "bridge1",
		Bridge:       true,
		SecondaryBus: 3,
	}
	if err := bus.AddDevice(odd); err != nil {
		t.Fatalf("AddDevice: %v", err)
	}
	if err := bus.ChangeSlotOwnership(0, 5, OwnerHypervisor); !errors.Is(err, status.ErrUnsupported) {
		t.Fatalf("odd bridge err = %v, want ErrUnsupported", err)
	}

	if bus.OwnershipChangePending() {
		t.Fatalf("transfer flag stuck")
	}
}

func TestCallbackRegistryBounded(t *testing.T) {
	_, bus := ioapicFixture(t)

	nop := func(Event, *Device) error { return nil }
	slots := make([]int, 0, MaxCallbacks)
	for i := 0; i < MaxCallbacks; i++ {
		slot, err := bus.RegisterCallback(nop)
		if err != nil {
			t.Fatalf("RegisterCallback %d: %v", i, err)
		}
		slots = append(slots, slot)
	}
	if _, err := bus.RegisterCallback(nop); !errors.Is(err, status.ErrResourceExhausted) {
		t.Fatalf("fifth register err = %v, want ErrResourceExhausted", err)
	}

	if err := bus.UnregisterCallback(slots[2]); err != nil {
		t.Fatalf("UnregisterCallback: %v", err)
	}
	if slot, err := bus.RegisterCallback(nop); err != nil || slot != slots[2] {
		t.Fatalf("freed slot not reused: %d, %v", slot, err)
	}
	if err := bus.UnregisterCallback(MaxCallbacks); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("bad slot err = %v, want ErrNotFound", err)
	}
}

func TestCallbackErrorPropagates(t *testing.T) {
	_, bus := ioapicFixture(t)

	wantErr := fmt.Errorf("compat module rejected device")
	if _, err := bus.RegisterCallback(func(event Event, dev *Device) error {
		return wantErr
	}); err != nil {
		t.Fatalf("RegisterCallback: %v", err)
	}

	dev := &Device{Addr: Address{Bus: 0, Slot: 3, Func: 0}, Name: "nic0", IntPin: 1, ISALine: firmware.IRQNone}
	if err := bus.AddDevice(dev); !errors.Is(err, wantErr) {
		t.Fatalf("err = %v, want callback error", err)
	}
}

func TestConnectISALines(t *testing.T) {
	_, _, chip, host := picFixture(t, 1<<9)

	if err := ConnectISALines(chip, host, quiet); err != nil {
		t.Fatalf("ConnectISALines: %v", err)
	}

	// Line 1 is an edge keyboard-class line, forwarded to the console.
	if err := host.SetPendingIRQ(1); err != nil {
		t.Fatalf("SetPendingIRQ(1): %v", err)
	}
	if irq, vector, ok := host.DrainOne(true); !ok || irq != 1 || vector != chipset.FirstExternalVector+1 {
		t.Fatalf("drain = %d, %#02x, %v", irq, vector, ok)
	}
	host.AckForwarded()

	// The timer and console-signal lines are emulated, never bound.
	if err := host.SetPendingIRQ(firmware.TimerIRQ); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("timer line bound: %v", err)
	}
	if err := host.SetPendingIRQ(firmware.ConsoleSignalIRQ); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("console-signal line bound: %v", err)
	}
	// Line 9 is level, left for pci setup.
	if err := host.SetPendingIRQ(9); !errors.Is(err, status.ErrNotFound) {
		t.Fatalf("level line bound by isa setup: %v", err)
	}
}
