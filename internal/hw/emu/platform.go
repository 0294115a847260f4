package emu

import (
	"fmt"

	"github.com/condor-hv/condor/internal/hw"
)

// IOAPICConfig describes one emulated I/O-APIC unit.
type IOAPICConfig struct {
	ID   uint8  `yaml:"id"`
	Base uint64 `yaml:"base"`
	Pins int    `yaml:"pins"`
}

// PlatformConfig describes the emulated machine.
type PlatformConfig struct {
	Cores   int            `yaml:"cores"`
	ELCR    uint16         `yaml:"elcr"`
	IOAPICs []IOAPICConfig `yaml:"ioapics"`
}

// Platform is a built emulated machine: the dual PIC, the I/O-APIC
// units and the per-core local units, all wired onto one bus.
type Platform struct {
	Bus     *hw.Bus
	PIC     *DualPIC
	IOAPICs []*IOAPIC
	Local   *LocalUnits
}

// NewPlatform builds and wires the emulated machine.
func NewPlatform(cfg PlatformConfig) (*Platform, error) {
	cores := cfg.Cores
	if cores <= 0 {
		cores = 1
	}

	local := NewLocalUnits(cores)
	pic := NewDualPIC()
	pic.SetELCR(cfg.ELCR)

	builder := hw.NewBusBuilder()
	if err := builder.RegisterDevice(pic); err != nil {
		return nil, fmt.Errorf("emu: %w", err)
	}

	var ioapics []*IOAPIC
	for n, ic := range cfg.IOAPICs {
		base := ic.Base
		if base == 0 {
			base = DefaultIOAPICBase + uint64(n)*0x1000
		}
		unit := NewIOAPIC(fmt.Sprintf("ioapic%d", n), ic.ID, base, ic.Pins)
		unit.SetSink(local)
		local.AddEOISink(unit)
		if err := builder.RegisterDevice(unit); err != nil {
			return nil, fmt.Errorf("emu: %w", err)
		}
		ioapics = append(ioapics, unit)
	}

	bus, err := builder.Build()
	if err != nil {
		return nil, fmt.Errorf("emu: %w", err)
	}

	return &Platform{
		Bus:     bus,
		PIC:     pic,
		IOAPICs: ioapics,
		Local:   local,
	}, nil
}

var _ hw.LocalUnit = (*LocalUnits)(nil)
var _ hw.PortBus = (*hw.Bus)(nil)
