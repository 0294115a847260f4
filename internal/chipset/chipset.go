package chipset

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/condor-hv/condor/internal/firmware"
	"github.com/condor-hv/condor/internal/hw"
	"github.com/condor-hv/condor/internal/status"
)

// WindowMapper resolves a physical address to its register window.
// *hw.Bus satisfies this.
type WindowMapper interface {
	Window(base uint64) (hw.RegisterWindow, error)
}

// Config carries everything New needs to bring up routing.
type Config struct {
	// Tables is the firmware and console state saved at handoff.
	Tables *firmware.Tables

	// ACPIRouting prefers the ACPI routing information over the MPS
	// table when both are usable.
	ACPIRouting bool

	// CompareTables parses both tables and logs their divergences,
	// whichever one ends up driving the controller.
	CompareTables bool

	Ports   hw.PortBus
	Windows WindowMapper
	Local   hw.LocalUnit

	// HomeCore is the core all interrupts land on until steered away.
	HomeCore int

	Logger *slog.Logger
}

// State is the routing core. One per machine.
type State struct {
	icType firmware.ICType
	ctrl   backend
	sys    *firmware.SysInfo

	// irqFromPin maps a controller input back to the console
	// partition's line number.
	irqFromPin [firmware.MaxControllers][firmware.MaxPinsPerController]firmware.IRQ

	ports    hw.PortBus
	local    hw.LocalUnit
	homeCore int
	logger   *slog.Logger
}

// New selects the interrupt controller, parses the routing tables and
// initializes the hardware. The controller comes up with every line
// masked.
func New(cfg Config) (*State, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Tables == nil {
		return nil, fmt.Errorf("chipset: no tables: %w", status.ErrBadParam)
	}
	if cfg.Ports == nil || cfg.Local == nil {
		return nil, fmt.Errorf("chipset: ports and local unit required: %w", status.ErrBadParam)
	}

	s := &State{
		ports:    cfg.Ports,
		local:    cfg.Local,
		homeCore: cfg.HomeCore,
		logger:   logger,
	}

	icType, sys, err := s.selectController(cfg)
	if err != nil {
		return nil, fmt.Errorf("chipset: %w", err)
	}
	s.icType = icType
	s.sys = sys
	logger.Info("interrupt controller selected", "type", icType.String())

	if err := s.buildIRQFromPin(cfg.Tables.Host); err != nil {
		return nil, fmt.Errorf("chipset: %w", err)
	}

	switch icType {
	case firmware.ICPIC:
		s.ctrl = newPICBackend(s)
	case firmware.ICIOAPIC:
		if cfg.Windows == nil {
			return nil, fmt.Errorf("chipset: window mapper required for ioapic: %w", status.ErrBadParam)
		}
		s.ctrl = newIOAPICBackend(s, cfg.Windows)
	}
	if err := s.ctrl.init(); err != nil {
		return nil, fmt.Errorf("chipset: %w", err)
	}
	s.DumpSysInfo()
	return s, nil
}

// DumpSysInfo logs the routing picture parsed out of the selected
// table.
func (s *State) DumpSysInfo() {
	if s.sys == nil {
		s.logger.Debug("no routing tables, legacy pic wiring")
		return
	}
	for id := range s.sys.IOAPIC {
		info := &s.sys.IOAPIC[id]
		if !info.Present {
			continue
		}
		s.logger.Debug("ioapic unit",
			"id", id, "num", info.Num,
			"physAddr", fmt.Sprintf("%#x", info.PhysAddr))
	}
	for busID, bus := range s.sys.Buses {
		if bus == nil {
			continue
		}
		for busIRQ, info := range bus.BusIRQ {
			if !info.Present {
				continue
			}
			s.logger.Debug("routing entry",
				"busType", bus.Type.String(), "bus", busID,
				"slot", firmware.SlotFromBusIRQ(bus.Type, busIRQ),
				"pin", string(firmware.PinFromBusIRQ(bus.Type, busIRQ)),
				"controller", info.Controller, "input", info.Pin,
				"trigger", info.Trigger.String(), "polarity", info.Polarity.String())
		}
	}
}

// selectController mirrors the boot-time negotiation: the console
// partition's controller choice is binding, the tables only have to
// be good enough to describe it.
func (s *State) selectController(cfg Config) (firmware.ICType, *firmware.SysInfo, error) {
	host := cfg.Tables.Host.ICType
	acpi := cfg.Tables.ACPI
	mps := cfg.Tables.MPS

	if cfg.CompareTables {
		s.compareTables(mps, acpi)
	}

	if cfg.ACPIRouting && acpi != nil && acpi.Valid {
		if host == firmware.ICPIC {
			s.logger.Error("acpi tables found but console is using the pic, make sure 'noapic' is intended")
			return firmware.ICPIC, nil, nil
		}
		sys, err := firmware.ParseACPI(acpi, s.logger)
		if err != nil {
			return firmware.ICUnknown, nil, err
		}
		return firmware.ICIOAPIC, sys, nil
	}

	if mps == nil || !mps.Present {
		if host == firmware.ICPIC {
			s.logger.Error("no mps table found, check bios settings if this machine is not uniprocessor")
			return firmware.ICPIC, nil, nil
		}
		return firmware.ICUnknown, nil, fmt.Errorf(
			"console uses the ioapic but no mps table was saved: %w",
			status.ErrConfigInconsistent)
	}
	if mps.DefaultConfig {
		if host == firmware.ICPIC {
			s.logger.Error("mps default configuration found, check bios settings or remove 'noapic'")
			return firmware.ICPIC, nil, nil
		}
		return firmware.ICUnknown, nil, fmt.Errorf(
			"console uses the ioapic on an mps default configuration: %w",
			status.ErrConfigInconsistent)
	}
	if host == firmware.ICPIC {
		s.logger.Error("mps table found but console is using the pic, make sure 'noapic' is intended")
		return firmware.ICPIC, nil, nil
	}

	sys, err := firmware.ParseMPS(mps, elcrProber{s.ports}, s.logger)
	if err != nil {
		return firmware.ICUnknown, nil, err
	}
	return firmware.ICIOAPIC, sys, nil
}

// compareTables diffs the MPS and ACPI routing pictures when both are
// usable. The diff runs regardless of which table drives the
// controller.
func (s *State) compareTables(mps *firmware.MPSTable, acpi *firmware.ACPITables) {
	if mps == nil || !mps.Present || mps.DefaultConfig || acpi == nil || !acpi.Valid {
		return
	}
	mpsSys, err := firmware.ParseMPS(mps, elcrProber{s.ports}, s.logger)
	if err != nil {
		s.logger.Warn("mps table unusable for comparison", "err", err)
		return
	}
	acpiSys, err := firmware.ParseACPI(acpi, s.logger)
	if err != nil {
		s.logger.Warn("acpi tables unusable for comparison", "err", err)
		return
	}
	if n := firmware.Compare(mpsSys, acpiSys, s.logger); n > 0 {
		s.logger.Warn("mps and acpi tables diverge", "mismatches", n)
	}
}

// buildIRQFromPin inverts the console partition's line records into a
// pin-to-line map. A line the console services without a known pin is
// a routing hole nothing can fix at this point.
func (s *State) buildIRQFromPin(host firmware.HostInfo) error {
	for ic := range s.irqFromPin {
		for pin := range s.irqFromPin[ic] {
			s.irqFromPin[ic][pin] = firmware.IRQNone
		}
	}

	for i, hirq := range host.IRQs {
		irq := firmware.IRQ(i)
		if s.icType == firmware.ICPIC {
			if irq >= firmware.NumISAIRQs || !hirq.Used {
				continue
			}
			s.irqFromPin[0][irq] = irq
			continue
		}

		// The console-signal line is emulated, never wired through.
		if irq == firmware.ConsoleSignalIRQ {
			continue
		}
		if hirq.Controller < 0 || hirq.Pin < 0 {
			if irq == firmware.TimerIRQ {
				// Timer interrupts are emulated for the console.
				continue
			}
			if !hirq.Used {
				continue
			}
			if hirq.Vector != 0 {
				return fmt.Errorf(
					"console services line %d with no known pin, vector %#x: %w",
					irq, hirq.Vector, status.ErrConfigInconsistent)
			}
			continue
		}
		s.irqFromPin[hirq.Controller][hirq.Pin] = irq
	}
	return nil
}

// ICType reports which controller is running.
func (s *State) ICType() firmware.ICType { return s.icType }

// Controller returns the running controller.
func (s *State) Controller() Controller { return s.ctrl }

// TriggerType reads the chipset's trigger latch for an ISA line.
func (s *State) TriggerType(isaIRQ firmware.IRQ) firmware.TriggerMode {
	return elcrProber{s.ports}.TriggerType(isaIRQ)
}

// ConsoleIRQFor returns the console partition's line for a controller
// input, or IRQNone.
func (s *State) ConsoleIRQFor(controller, pin int) firmware.IRQ {
	if controller < 0 || controller >= firmware.MaxControllers ||
		pin < 0 || pin >= firmware.MaxPinsPerController {
		return firmware.IRQNone
	}
	return s.irqFromPin[controller][pin]
}

// GetBusIRQInfo looks up where a bus interrupt line lands. An ISA or
// EISA lookup with busID -1 finds the single legacy bus.
func (s *State) GetBusIRQInfo(busType firmware.BusType, busID, busIRQ int) (firmware.BusIRQInfo, error) {
	var zero firmware.BusIRQInfo
	if s.sys == nil {
		return zero, fmt.Errorf("no routing tables in %s mode: %w",
			s.icType.String(), status.ErrUnsupported)
	}

	var bus *firmware.BusInfo
	switch busType {
	case firmware.BusISA, firmware.BusEISA:
		if busID == -1 {
			busID, bus = s.sys.ISABus()
		} else if busID >= 0 && busID < firmware.MaxBuses {
			bus = s.sys.Buses[busID]
		}
		if bus == nil || (bus.Type != firmware.BusISA && bus.Type != firmware.BusEISA) {
			return zero, fmt.Errorf("no isa bus %d: %w", busID, status.ErrNotFound)
		}
	case firmware.BusPCI:
		if busID < 0 || busID >= firmware.MaxBuses {
			return zero, fmt.Errorf("pci bus %d out of range: %w", busID, status.ErrBadParam)
		}
		bus = s.sys.Buses[busID]
		if bus == nil || bus.Type != firmware.BusPCI {
			return zero, fmt.Errorf("no pci bus %d: %w", busID, status.ErrNotFound)
		}
	default:
		return zero, fmt.Errorf("bus type %s: %w", busType.String(), status.ErrBadParam)
	}

	if busIRQ < 0 || busIRQ >= firmware.MaxBusIRQs {
		return zero, fmt.Errorf("busIRQ %d out of range: %w", busIRQ, status.ErrBadParam)
	}
	info := bus.BusIRQ[busIRQ]
	if !info.Present {
		return zero, fmt.Errorf("bus %d busIRQ %d not routed: %w",
			busID, busIRQ, status.ErrNotFound)
	}
	return info, nil
}

// HookupBusIRQ connects a bus interrupt line and returns its vector.
// Hooking up an already-connected shareable line returns the existing
// vector.
func (s *State) HookupBusIRQ(busType firmware.BusType, busID, busIRQ int) (Hookup, error) {
	h, err := s.ctrl.hookupBusIRQ(busType, busID, busIRQ)
	if err != nil {
		return Hookup{}, fmt.Errorf("chipset: hookup %s bus %d busIRQ %d: %w",
			busType.String(), busID, busIRQ, err)
	}
	s.logger.Info("hooked up bus interrupt",
		"busType", busType.String(), "bus", busID, "busIRQ", busIRQ,
		"vector", fmt.Sprintf("%#x", h.Vector),
		"consoleIRQ", int(h.ConsoleIRQ), "edge", h.Edge)
	return h, nil
}

// ResetPins re-latches controller inputs that may be wedged. With
// levelOnly, edge inputs are left alone.
func (s *State) ResetPins(levelOnly bool) {
	s.ctrl.resetPins(levelOnly)
}

// SendNMI sends a non-maskable interrupt to a core.
func (s *State) SendNMI(core int) error {
	if err := s.local.SendNMI(core); err != nil {
		return fmt.Errorf("chipset: nmi to core %d: %w", core, err)
	}
	return nil
}

// Dump writes the routing and controller state for diagnostics.
func (s *State) Dump(w io.Writer) {
	fmt.Fprintf(w, "interrupt controller: %s\n", s.icType.String())
	for ic := range s.irqFromPin {
		for pin, irq := range s.irqFromPin[ic] {
			if irq != firmware.IRQNone {
				fmt.Fprintf(w, "ic %d pin %2d -> console irq %d\n", ic, pin, irq)
			}
		}
	}
	s.ctrl.Dump(w)
}

// elcrProber reads the edge/level control register, one bit per ISA
// line across two ports.
type elcrProber struct {
	ports hw.PortBus
}

func (p elcrProber) TriggerType(isaIRQ firmware.IRQ) firmware.TriggerMode {
	if isaIRQ < 0 || isaIRQ >= firmware.NumISAIRQs {
		return firmware.TriggerEdge
	}
	b := p.ports.In8(elcrPort + uint16(isaIRQ>>3))
	if b>>(uint(isaIRQ)&7)&1 == 1 {
		return firmware.TriggerLevel
	}
	return firmware.TriggerEdge
}

var _ firmware.TriggerProber = elcrProber{}
