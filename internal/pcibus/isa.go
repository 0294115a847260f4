package pcibus

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/condor-hv/condor/internal/chipset"
	"github.com/condor-hv/condor/internal/firmware"
	"github.com/condor-hv/condor/internal/hostirq"
	"github.com/condor-hv/condor/internal/status"
)

// ConnectISALines hooks up the legacy lines the console partition
// services. Lines the chipset has configured level belong to PCI
// devices and are left for SetupInterrupt; the timer and the
// console-signal line are emulated and never wired through.
func ConnectISALines(chip *chipset.State, host *hostirq.Queue, logger *slog.Logger) error {
	if logger == nil {
		logger = slog.Default()
	}

	for irq := firmware.IRQ(0); irq < firmware.NumISAIRQs; irq++ {
		if chip.TriggerType(irq) == firmware.TriggerLevel {
			logger.Info("legacy line configured for pci, skipping", "irq", int(irq))
			continue
		}
		if irq == firmware.TimerIRQ || irq == firmware.ConsoleSignalIRQ {
			continue
		}

		h, err := chip.HookupBusIRQ(firmware.BusISA, -1, int(irq))
		if err != nil {
			if errors.Is(err, status.ErrNotFound) {
				// Not used by the console; nothing to forward.
				continue
			}
			return fmt.Errorf("pcibus: legacy line %d: %w", irq, err)
		}
		if err := host.SetupIRQ(irq, h.Vector, true, h.Edge); err != nil {
			return fmt.Errorf("pcibus: legacy line %d: %w", irq, err)
		}
	}
	return nil
}
