package firmware

import "log/slog"

// Compare diffs two routing pictures field by field and logs every
// divergence. It returns the number of serious mismatches. The ISA
// comparison is fuzzy on line 0 since the timer line is usually
// enumerated wrong in MPS tables.
func Compare(mps, acpi *SysInfo, logger *slog.Logger) int {
	if logger == nil {
		logger = slog.Default()
	}
	mismatches := 0

	for id := range mps.IOAPIC {
		m, a := &mps.IOAPIC[id], &acpi.IOAPIC[id]
		if m.Present != a.Present {
			logger.Error("ioapic presence mismatch",
				"id", id, "mps", m.Present, "acpi", a.Present)
			mismatches++
			continue
		}
		if m.Present && m.PhysAddr != a.PhysAddr {
			logger.Error("ioapic address mismatch",
				"id", id, "mps", m.PhysAddr, "acpi", a.PhysAddr)
			mismatches++
		}
	}

	var mpsISA, acpiISA *BusInfo
	for id := 0; id < MaxBuses; id++ {
		mpsBus, acpiBus := mps.Buses[id], acpi.Buses[id]
		if mpsBus != nil && (mpsBus.Type == BusISA || mpsBus.Type == BusEISA) {
			if mpsISA != nil {
				logger.Warn("more than one mps isa bus")
			}
			mpsISA = mpsBus
		}
		if acpiBus != nil && acpiBus.Type == BusISA {
			if acpiISA != nil {
				logger.Warn("more than one acpi isa bus")
			}
			acpiISA = acpiBus
		}
		if mpsBus == nil && acpiBus == nil {
			continue
		}
		// The ISA buses live at unrelated IDs; compared separately.
		if mpsBus != nil && mpsBus.Type != BusPCI {
			continue
		}
		if acpiBus != nil && acpiBus.Type != BusPCI {
			continue
		}
		for busIRQ := 0; busIRQ < MaxBusIRQs; busIRQ++ {
			var mpsIRQ, acpiIRQ *BusIRQInfo
			if mpsBus != nil {
				mpsIRQ = &mpsBus.BusIRQ[busIRQ]
			}
			if acpiBus != nil {
				acpiIRQ = &acpiBus.BusIRQ[busIRQ]
			}
			if mpsIRQ != nil && mpsIRQ.Present && (acpiIRQ == nil || !acpiIRQ.Present) {
				logger.Error("pci entry missing in acpi",
					"bus", id,
					"slot", SlotFromBusIRQ(BusPCI, busIRQ),
					"busIRQ", busIRQ)
				mismatches++
			}
			if acpiIRQ != nil && acpiIRQ.Present && (mpsIRQ == nil || !mpsIRQ.Present) {
				logger.Warn("pci entry missing in mps",
					"bus", id,
					"slot", SlotFromBusIRQ(BusPCI, busIRQ),
					"busIRQ", busIRQ)
			}
			if mpsIRQ == nil || acpiIRQ == nil || !mpsIRQ.Present || !acpiIRQ.Present {
				continue
			}
			if *mpsIRQ != *acpiIRQ {
				logger.Error("pci entry mismatch",
					"bus", id, "busIRQ", busIRQ,
					"mps", *mpsIRQ, "acpi", *acpiIRQ)
				mismatches++
			}
		}
	}

	if mpsISA == nil || acpiISA == nil {
		if mpsISA != acpiISA {
			logger.Error("isa bus present on one side only",
				"mps", mpsISA != nil, "acpi", acpiISA != nil)
			mismatches++
		}
		return mismatches
	}

	for busIRQ := 0; busIRQ < MaxBusIRQs; busIRQ++ {
		mpsIRQ, acpiIRQ := &mpsISA.BusIRQ[busIRQ], &acpiISA.BusIRQ[busIRQ]
		if !mpsIRQ.Present {
			continue
		}
		if !acpiIRQ.Present {
			logger.Warn("isa entry missing in acpi", "busIRQ", busIRQ)
			continue
		}
		if mpsIRQ.Pin != acpiIRQ.Pin ||
			mpsIRQ.Trigger != acpiIRQ.Trigger ||
			mpsIRQ.Polarity != acpiIRQ.Polarity {
			if busIRQ == 0 {
				// Timer line, usually wrong in MPS.
				logger.Warn("isa entry mismatch",
					"busIRQ", busIRQ, "mps", *mpsIRQ, "acpi", *acpiIRQ)
			} else {
				logger.Error("isa entry mismatch",
					"busIRQ", busIRQ, "mps", *mpsIRQ, "acpi", *acpiIRQ)
				mismatches++
			}
		}
		if mpsIRQ.Controller != acpiIRQ.Controller {
			logger.Error("isa controller mismatch",
				"busIRQ", busIRQ, "mps", mpsIRQ.Controller, "acpi", acpiIRQ.Controller)
			mismatches++
		}
	}
	return mismatches
}
