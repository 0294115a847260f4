// Package condor virtualizes interrupt delivery for a hypervisor that
// shares the machine with a legacy console partition. The hypervisor
// owns the interrupt controllers; lines the console also services are
// latched and replayed to it one at a time. The package selects the
// controller the console negotiated at boot, hands out vectors for
// device interrupt lines, and moves PCI devices between the two sides.
package condor

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"

	"github.com/condor-hv/condor/internal/chipset"
	"github.com/condor-hv/condor/internal/firmware"
	"github.com/condor-hv/condor/internal/hostirq"
	"github.com/condor-hv/condor/internal/hw"
	"github.com/condor-hv/condor/internal/pcibus"
	"github.com/condor-hv/condor/internal/status"
)

// Re-exported types. The internal packages hold the implementations;
// this package is the assembled system.
type (
	Tables  = firmware.Tables
	IRQ     = firmware.IRQ
	ICType  = firmware.ICType
	Hookup  = chipset.Hookup
	Device  = pcibus.Device
	Address = pcibus.Address
	Owner   = pcibus.Owner
	Event   = pcibus.Event
)

const (
	ICPIC    = firmware.ICPIC
	ICIOAPIC = firmware.ICIOAPIC

	OwnerConsole    = pcibus.OwnerConsole
	OwnerHypervisor = pcibus.OwnerHypervisor
)

// Common sentinel errors, checked with errors.Is.
var (
	ErrConfigInconsistent = status.ErrConfigInconsistent
	ErrResourceExhausted  = status.ErrResourceExhausted
	ErrUnsupported        = status.ErrUnsupported
	ErrNotFound           = status.ErrNotFound
	ErrBusy               = status.ErrBusy
	ErrBadParam           = status.ErrBadParam
	ErrAlreadyBound       = status.ErrAlreadyBound
	ErrTriggerMismatch    = status.ErrTriggerMismatch
)

// LoadTables reads the YAML description of the saved firmware and
// console state.
var LoadTables = firmware.LoadTables

// Options tune system bring-up.
type Options struct {
	// ACPIRouting prefers the ACPI routing information over the MPS
	// table.
	ACPIRouting bool

	// CompareTables logs divergences between the MPS and ACPI tables.
	CompareTables bool

	// HomeCore receives all interrupts until they are steered away.
	HomeCore int

	// ConsoleCore runs the console world.
	ConsoleCore int
}

// BootConfig wires a System to a machine.
type BootConfig struct {
	Tables  *Tables
	Ports   hw.PortBus
	Windows chipset.WindowMapper
	Local   hw.LocalUnit
	Sched   hostirq.Scheduler
	Options Options
	Logger  *slog.Logger
}

// System is the assembled interrupt virtualization core.
type System struct {
	chip   *chipset.State
	host   *hostirq.Queue
	pci    *pcibus.Bus
	logger *slog.Logger
}

// Boot selects and initializes the interrupt controller, brings up
// console forwarding, and connects the legacy lines.
func Boot(cfg BootConfig) (*System, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	chip, err := chipset.New(chipset.Config{
		Tables:        cfg.Tables,
		ACPIRouting:   cfg.Options.ACPIRouting,
		CompareTables: cfg.Options.CompareTables,
		Ports:         cfg.Ports,
		Windows:       cfg.Windows,
		Local:         cfg.Local,
		HomeCore:      cfg.Options.HomeCore,
		Logger:        logger,
	})
	if err != nil {
		return nil, err
	}

	host, err := hostirq.New(hostirq.Config{
		Local:       cfg.Local,
		Sched:       cfg.Sched,
		Host:        cfg.Tables.Host,
		ConsoleCore: cfg.Options.ConsoleCore,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}

	pci, err := pcibus.New(chip, host, logger)
	if err != nil {
		return nil, err
	}

	if err := pcibus.ConnectISALines(chip, host, logger); err != nil {
		return nil, err
	}

	return &System{chip: chip, host: host, pci: pci, logger: logger}, nil
}

// Shutdown masks everything and puts the controllers back the way the
// console partition left them.
func (s *System) Shutdown() {
	ctrl := s.chip.Controller()
	ctrl.MaskAll()
	ctrl.RestoreHostSetup()
	s.logger.Info("interrupt routing shut down")
}

// Chipset exposes the routing core.
func (s *System) Chipset() *chipset.State { return s.chip }

// Controller exposes the running interrupt controller.
func (s *System) Controller() chipset.Controller { return s.chip.Controller() }

// Host exposes the console forwarding queue.
func (s *System) Host() *hostirq.Queue { return s.host }

// PCI exposes the device registry.
func (s *System) PCI() *pcibus.Bus { return s.pci }

// ExecAdmin runs one line of the admin command language:
//
//	ResetPins [LevelOnly]
//	SendNMI <core>
//	SetHostIRQ <irq>
//	Dump
func (s *System) ExecAdmin(line string, w io.Writer) error {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return fmt.Errorf("condor: empty admin command: %w", ErrBadParam)
	}

	switch fields[0] {
	case "ResetPins":
		switch {
		case len(fields) == 1:
			s.chip.ResetPins(false)
		case len(fields) == 2 && fields[1] == "LevelOnly":
			s.chip.ResetPins(true)
		default:
			return fmt.Errorf("condor: usage: ResetPins [LevelOnly]: %w", ErrBadParam)
		}
		return nil

	case "SendNMI":
		if len(fields) != 2 {
			return fmt.Errorf("condor: usage: SendNMI <core>: %w", ErrBadParam)
		}
		core, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("condor: bad core %q: %w", fields[1], ErrBadParam)
		}
		return s.chip.SendNMI(core)

	case "SetHostIRQ":
		if len(fields) != 2 {
			return fmt.Errorf("condor: usage: SetHostIRQ <irq>: %w", ErrBadParam)
		}
		irq, err := strconv.Atoi(fields[1])
		if err != nil {
			return fmt.Errorf("condor: bad irq %q: %w", fields[1], ErrBadParam)
		}
		return s.host.SetPendingIRQ(firmware.IRQ(irq))

	case "Dump":
		s.chip.Dump(w)
		s.host.Dump(w)
		return nil
	}
	return fmt.Errorf("condor: unknown admin command %q: %w", fields[0], ErrBadParam)
}
