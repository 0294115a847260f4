package firmware

import (
	"fmt"
	"log/slog"

	"github.com/condor-hv/condor/internal/status"
)

// TriggerProber answers how an ISA line is wired right now. The EISA
// bus default defers to the chipset's trigger latch.
type TriggerProber interface {
	TriggerType(isaIRQ IRQ) TriggerMode
}

// ParseMPS builds the routing picture from the saved MPS table.
// Tolerant of the usual firmware sloppiness: unknown buses, oversized
// IDs and duplicate assignments are skipped with a warning. A table
// with no usable I/O-APIC or interrupt entries is rejected.
func ParseMPS(t *MPSTable, prober TriggerProber, logger *slog.Logger) (*SysInfo, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if !t.Present {
		return nil, fmt.Errorf("mps table absent: %w", status.ErrConfigInconsistent)
	}

	sys := &SysInfo{}
	numIOAPIC := 0
	numINT := 0
	pciIRQs := 0
	version := 0

	for _, b := range t.Buses {
		if b.ID < 0 || b.ID >= MaxBuses {
			logger.Warn("bus id out of range", "bus", b.ID)
			continue
		}
		if sys.Buses[b.ID] != nil {
			logger.Warn("bus already defined", "bus", b.ID)
			continue
		}
		busType := parseBusType(b.Type)
		if busType == BusNone {
			logger.Warn("unexpected bus type", "bus", b.ID, "type", b.Type)
		}
		sys.Buses[b.ID] = &BusInfo{Type: busType}
		logger.Info("mps bus", "bus", b.ID, "type", busType.String())
	}

	for _, ic := range t.IOAPICs {
		if ic.ID < 0 || ic.ID >= IOAPICIDRange {
			logger.Warn("ioapic id too big", "id", ic.ID)
			continue
		}
		if !ic.Enabled {
			continue
		}
		sys.IOAPIC[ic.ID] = IOAPICInfo{
			Present:  true,
			PhysAddr: ic.PhysAddr,
			Num:      numIOAPIC,
		}
		logger.Info("mps ioapic",
			"id", ic.ID, "num", numIOAPIC,
			"physAddr", fmt.Sprintf("%#x", ic.PhysAddr),
			"version", fmt.Sprintf("%#x", ic.Version))
		if numIOAPIC == 0 {
			version = ic.Version
		} else if ic.Version != version {
			logger.Warn("ioapic version differs from unit 0", "id", ic.ID)
		}
		numIOAPIC++
	}

	for _, ioi := range t.Interrupts {
		if ioi.SrcBus < 0 || ioi.SrcBus >= MaxBuses || sys.Buses[ioi.SrcBus] == nil {
			logger.Warn("no bus for int entry", "bus", ioi.SrcBus)
			continue
		}
		bus := sys.Buses[ioi.SrcBus]
		if ioi.IOAPICID < 0 || ioi.IOAPICID >= IOAPICIDRange {
			logger.Warn("ioapic id too big for int entry", "id", ioi.IOAPICID)
			continue
		}
		if !sys.IOAPIC[ioi.IOAPICID].Present {
			logger.Warn("no ioapic for int entry", "id", ioi.IOAPICID)
			continue
		}
		logger.Info("mps int entry",
			"type", ioi.Type,
			"bus", ioi.SrcBus,
			"slot", SlotFromBusIRQ(bus.Type, ioi.SrcBusIRQ),
			"busIRQ", ioi.SrcBusIRQ,
			"ic", sys.IOAPIC[ioi.IOAPICID].Num,
			"pin", ioi.IntIn)

		// NMI, SMI and ExtINT assignments are never routed.
		if ioi.Type != "" && ioi.Type != "int" {
			continue
		}
		if ioi.SrcBusIRQ < 0 || ioi.SrcBusIRQ >= MaxBusIRQs {
			logger.Warn("busIRQ out of range", "bus", ioi.SrcBus, "busIRQ", ioi.SrcBusIRQ)
			continue
		}
		slot := &bus.BusIRQ[ioi.SrcBusIRQ]
		if slot.Present {
			logger.Warn("ignoring duplicate int entry",
				"bus", ioi.SrcBus, "busIRQ", ioi.SrcBusIRQ)
			continue
		}
		slot.Present = true
		slot.Controller = sys.IOAPIC[ioi.IOAPICID].Num
		slot.Pin = ioi.IntIn
		if bus.Type == BusPCI {
			pciIRQs++
		}
		numINT++

		polarity, busDefault, err := parsePolarity(ioi.Polarity)
		if err != nil {
			return nil, fmt.Errorf("bus %d busIRQ %d: %w", ioi.SrcBus, ioi.SrcBusIRQ, err)
		}
		if busDefault {
			switch bus.Type {
			case BusISA, BusEISA:
				polarity = ActiveHigh
			case BusPCI:
				polarity = ActiveLow
			default:
				return nil, fmt.Errorf("bus %d has no default polarity: %w",
					ioi.SrcBus, status.ErrConfigInconsistent)
			}
		}
		slot.Polarity = polarity

		trigger, busDefault, err := parseTrigger(ioi.Trigger)
		if err != nil {
			return nil, fmt.Errorf("bus %d busIRQ %d: %w", ioi.SrcBus, ioi.SrcBusIRQ, err)
		}
		if busDefault {
			switch bus.Type {
			case BusISA:
				trigger = TriggerEdge
			case BusEISA:
				trigger = prober.TriggerType(IRQ(ioi.SrcBusIRQ))
			case BusPCI:
				trigger = TriggerLevel
			default:
				return nil, fmt.Errorf("bus %d has no default trigger: %w",
					ioi.SrcBus, status.ErrConfigInconsistent)
			}
		}
		slot.Trigger = trigger
	}

	if pciIRQs == 0 {
		// Older boards or a DOS compatibility BIOS setting; ISA
		// entries end up carrying PCI routing too.
		logger.Error("no PCI entries in MPS table, check BIOS settings")
	}
	logger.Info("mps identity", "oem", t.OEMID, "product", t.ProductID)

	if numIOAPIC == 0 || numINT == 0 {
		logger.Error("no usable IOAPIC or INT entries in MPS table",
			"ioapics", numIOAPIC, "ints", numINT)
		return nil, fmt.Errorf("mps table unusable: %w", status.ErrConfigInconsistent)
	}
	return sys, nil
}
