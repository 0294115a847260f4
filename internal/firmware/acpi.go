package firmware

import (
	"fmt"
	"log/slog"

	"github.com/condor-hv/condor/internal/status"
)

// ParseACPI builds the routing picture from the saved ACPI
// information. ACPI describes no ISA bus of its own, so one is
// synthesized past the highest PCI bus for the legacy lines.
func ParseACPI(t *ACPITables, logger *slog.Logger) (*SysInfo, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !t.Valid {
		return nil, fmt.Errorf("acpi routing information invalid: %w", status.ErrConfigInconsistent)
	}

	sys := &SysInfo{}
	pins := make(map[int][]ACPIPin)

	numIOAPIC := 0
	for _, ic := range t.IOAPICs {
		if ic.ID < 0 || ic.ID >= IOAPICIDRange {
			return nil, fmt.Errorf("acpi ioapic id %d exceeds %d: %w",
				ic.ID, IOAPICIDRange, status.ErrConfigInconsistent)
		}
		sys.IOAPIC[ic.ID] = IOAPICInfo{
			Present:  true,
			PhysAddr: ic.PhysAddr,
			Num:      numIOAPIC,
		}
		pins[ic.ID] = ic.Pins
		numIOAPIC++
	}

	fillBusIRQ := func(bus *BusInfo, busIRQ, ioapicID, intIn int) error {
		if !sys.IOAPIC[ioapicID].Present {
			return fmt.Errorf("routing entry names absent ioapic %d: %w",
				ioapicID, status.ErrConfigInconsistent)
		}
		slot := &bus.BusIRQ[busIRQ]
		slot.Present = true
		slot.Controller = sys.IOAPIC[ioapicID].Num
		slot.Pin = intIn

		pinInfo := pins[ioapicID]
		if intIn < 0 || intIn >= len(pinInfo) || !pinInfo[intIn].Present {
			return fmt.Errorf("no pin info for ioapic %d pin %d: %w",
				ioapicID, intIn, status.ErrConfigInconsistent)
		}
		trigger, _, err := parseTrigger(pinInfo[intIn].Trigger)
		if err != nil {
			return err
		}
		polarity, _, err := parsePolarity(pinInfo[intIn].Polarity)
		if err != nil {
			return err
		}
		slot.Trigger = trigger
		slot.Polarity = polarity
		return nil
	}

	maxBusID := 0
	for _, bus := range t.PCIBuses {
		if bus.ID < 0 || bus.ID >= MaxBuses {
			return nil, fmt.Errorf("acpi bus %d exceeds %d: %w",
				bus.ID, MaxBuses, status.ErrConfigInconsistent)
		}
		if sys.Buses[bus.ID] != nil {
			logger.Warn("bus already defined", "bus", bus.ID)
			continue
		}
		busInfo := &BusInfo{Type: BusPCI}
		sys.Buses[bus.ID] = busInfo
		if bus.ID > maxBusID {
			maxBusID = bus.ID
		}

		for _, devInt := range bus.DevInts {
			if devInt.Pin < 0 || devInt.Pin > 3 {
				return nil, fmt.Errorf("bus %d slot %d pin %d out of range: %w",
					bus.ID, devInt.Slot, devInt.Pin, status.ErrConfigInconsistent)
			}
			busIRQ := PCIBusIRQ(devInt.Slot, devInt.Pin)
			if busIRQ >= MaxBusIRQs {
				return nil, fmt.Errorf("bus %d slot %d pin %d busIRQ %d exceeds %d: %w",
					bus.ID, devInt.Slot, devInt.Pin, busIRQ, MaxBusIRQs,
					status.ErrConfigInconsistent)
			}
			if err := fillBusIRQ(busInfo, busIRQ, devInt.IOAPICID, devInt.IntIn); err != nil {
				return nil, fmt.Errorf("bus %d busIRQ %d: %w", bus.ID, busIRQ, err)
			}
		}
	}

	isaBusID := maxBusID + 1
	if isaBusID >= MaxBuses {
		return nil, fmt.Errorf("no room for synthesized isa bus: %w", status.ErrConfigInconsistent)
	}
	isaBus := &BusInfo{Type: BusISA}
	sys.Buses[isaBusID] = isaBus

	for _, legacy := range t.Legacy {
		if legacy.IRQ < 0 || legacy.IRQ >= NumISAIRQs {
			return nil, fmt.Errorf("legacy irq %d out of range: %w",
				legacy.IRQ, status.ErrConfigInconsistent)
		}
		if err := fillBusIRQ(isaBus, legacy.IRQ, legacy.IOAPICID, legacy.IntIn); err != nil {
			return nil, fmt.Errorf("legacy irq %d: %w", legacy.IRQ, err)
		}
		// Identity entries synthesized by the console partition carry
		// no real trigger information; the conflict with any device
		// sharing the pin is resolved at hookup time.
		if !legacy.Override {
			isaBus.BusIRQ[legacy.IRQ].Trigger = ISADefaultTrigger
			isaBus.BusIRQ[legacy.IRQ].Polarity = ISADefaultPolarity
		}
	}

	logger.Info("acpi identity", "oem", t.OEMID, "product", t.ProductID)
	return sys, nil
}
