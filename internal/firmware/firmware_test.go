package firmware

import (
	"errors"
	"io"
	"log/slog"
	"strings"
	"testing"

	"github.com/condor-hv/condor/internal/status"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixedProber struct {
	level map[IRQ]bool
}

func (p fixedProber) TriggerType(isaIRQ IRQ) TriggerMode {
	if p.level[isaIRQ] {
		return TriggerLevel
	}
	return TriggerEdge
}

func sampleMPS() *MPSTable {
	return &MPSTable{
		Present:   true,
		OEMID:     "OEM00000",
		ProductID: "PROD00000000",
		Buses: []MPSBus{
			{ID: 0, Type: "PCI"},
			{ID: 1, Type: "ISA"},
		},
		IOAPICs: []MPSIOAPIC{
			{ID: 2, PhysAddr: 0xFEC00000, Version: 0x11, Enabled: true},
		},
		Interrupts: []MPSInterrupt{
			{Type: "int", SrcBus: 1, SrcBusIRQ: 1, IOAPICID: 2, IntIn: 1},
			{Type: "int", SrcBus: 0, SrcBusIRQ: PCIBusIRQ(3, 0), IOAPICID: 2, IntIn: 16},
		},
	}
}

func TestParseMPSBusDefaults(t *testing.T) {
	sys, err := ParseMPS(sampleMPS(), fixedProber{}, quiet)
	if err != nil {
		t.Fatalf("ParseMPS: %v", err)
	}

	isa := sys.Buses[1].BusIRQ[1]
	if !isa.Present || isa.Trigger != TriggerEdge || isa.Polarity != ActiveHigh {
		t.Fatalf("isa line 1 = %+v", isa)
	}
	if isa.Controller != 0 || isa.Pin != 1 {
		t.Fatalf("isa line 1 routed to %d/%d", isa.Controller, isa.Pin)
	}

	pci := sys.Buses[0].BusIRQ[PCIBusIRQ(3, 0)]
	if !pci.Present || pci.Trigger != TriggerLevel || pci.Polarity != ActiveLow {
		t.Fatalf("pci slot 3 pin A = %+v", pci)
	}
	if pci.Pin != 16 {
		t.Fatalf("pci slot 3 pin A on pin %d, want 16", pci.Pin)
	}
}

func TestParseMPSEISADefersToELCR(t *testing.T) {
	table := sampleMPS()
	table.Buses[1].Type = "EISA"
	prober := fixedProber{level: map[IRQ]bool{1: true}}

	sys, err := ParseMPS(table, prober, quiet)
	if err != nil {
		t.Fatalf("ParseMPS: %v", err)
	}
	if got := sys.Buses[1].BusIRQ[1].Trigger; got != TriggerLevel {
		t.Fatalf("eisa trigger = %v, want level", got)
	}
}

func TestParseMPSSkipRules(t *testing.T) {
	table := sampleMPS()
	table.Interrupts = append(table.Interrupts,
		MPSInterrupt{Type: "nmi", SrcBus: 1, SrcBusIRQ: 5, IOAPICID: 2, IntIn: 5},
		MPSInterrupt{Type: "int", SrcBus: 7, SrcBusIRQ: 3, IOAPICID: 2, IntIn: 3},
		MPSInterrupt{Type: "int", SrcBus: 1, SrcBusIRQ: 4, IOAPICID: 9, IntIn: 4},
		MPSInterrupt{Type: "int", SrcBus: 1, SrcBusIRQ: 1, IOAPICID: 2, IntIn: 9},
	)

	sys, err := ParseMPS(table, fixedProber{}, quiet)
	if err != nil {
		t.Fatalf("ParseMPS: %v", err)
	}
	if sys.Buses[1].BusIRQ[5].Present {
		t.Fatalf("nmi entry was routed")
	}
	if sys.Buses[1].BusIRQ[4].Present {
		t.Fatalf("entry naming absent ioapic was routed")
	}
	// The duplicate keeps the first assignment.
	if got := sys.Buses[1].BusIRQ[1].Pin; got != 1 {
		t.Fatalf("duplicate overwrote pin, got %d", got)
	}
}

func TestParseMPSUnusable(t *testing.T) {
	table := sampleMPS()
	table.IOAPICs = nil

	_, err := ParseMPS(table, fixedProber{}, quiet)
	if !errors.Is(err, status.ErrConfigInconsistent) {
		t.Fatalf("err = %v, want ErrConfigInconsistent", err)
	}
}

func sampleACPI() *ACPITables {
	pins := make([]ACPIPin, 24)
	for i := range pins {
		pins[i] = ACPIPin{Present: true, Trigger: "edge", Polarity: "high"}
	}
	pins[16] = ACPIPin{Present: true, Trigger: "level", Polarity: "low"}
	return &ACPITables{
		Valid:  true,
		ICType: ICIOAPIC,
		IOAPICs: []ACPIIOAPIC{
			{ID: 2, PhysAddr: 0xFEC00000, Pins: pins},
		},
		PCIBuses: []ACPIPCIBus{
			{ID: 0, DevInts: []ACPIDevInt{
				{Slot: 3, Pin: 0, IOAPICID: 2, IntIn: 16},
			}},
		},
		Legacy: []ACPILegacyIRQ{
			{IRQ: 1, IOAPICID: 2, IntIn: 1},
			{IRQ: 9, IOAPICID: 2, IntIn: 16, Override: true},
		},
	}
}

func TestParseACPISynthesizedISABus(t *testing.T) {
	sys, err := ParseACPI(sampleACPI(), quiet)
	if err != nil {
		t.Fatalf("ParseACPI: %v", err)
	}

	isaID, isaBus := sys.ISABus()
	if isaBus == nil {
		t.Fatalf("no isa bus synthesized")
	}
	if isaID != 1 {
		t.Fatalf("isa bus at %d, want past highest pci bus", isaID)
	}

	// Identity entry gets ISA defaults regardless of pin info.
	line1 := isaBus.BusIRQ[1]
	if line1.Trigger != TriggerEdge || line1.Polarity != ActiveHigh {
		t.Fatalf("identity legacy line = %+v", line1)
	}

	// An override keeps what the pin info says.
	line9 := isaBus.BusIRQ[9]
	if line9.Trigger != TriggerLevel || line9.Polarity != ActiveLow {
		t.Fatalf("override legacy line = %+v", line9)
	}
	if line9.Pin != 16 {
		t.Fatalf("override pin = %d, want 16", line9.Pin)
	}
}

func TestParseACPIRejectsMissingPinInfo(t *testing.T) {
	table := sampleACPI()
	table.PCIBuses[0].DevInts[0].IntIn = 40

	_, err := ParseACPI(table, quiet)
	if !errors.Is(err, status.ErrConfigInconsistent) {
		t.Fatalf("err = %v, want ErrConfigInconsistent", err)
	}
}

func TestCompareFlagsDivergence(t *testing.T) {
	mpsSys, err := ParseMPS(sampleMPS(), fixedProber{}, quiet)
	if err != nil {
		t.Fatalf("ParseMPS: %v", err)
	}
	acpiSys, err := ParseACPI(sampleACPI(), quiet)
	if err != nil {
		t.Fatalf("ParseACPI: %v", err)
	}

	if n := Compare(mpsSys, acpiSys, quiet); n != 0 {
		t.Fatalf("matching tables reported %d mismatches", n)
	}

	acpiSys.Buses[0].BusIRQ[PCIBusIRQ(3, 0)].Pin = 17
	if n := Compare(mpsSys, acpiSys, quiet); n == 0 {
		t.Fatalf("pin divergence not reported")
	}
}

func TestLoadTables(t *testing.T) {
	const doc = `
mps:
  present: true
  buses:
    - {id: 0, type: PCI}
    - {id: 1, type: ISA}
  ioapics:
    - {id: 2, physAddr: 0xFEC00000, version: 0x11, enabled: true}
  interrupts:
    - {type: int, srcBus: 1, srcBusIRQ: 1, ioapicID: 2, intIn: 1}
host:
  icType: ioapic
  irqs:
    - {controller: 0, pin: 2, vector: 0x31, used: true}
`
	tables, err := LoadTables(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("LoadTables: %v", err)
	}
	if tables.MPS == nil || !tables.MPS.Present {
		t.Fatalf("mps table not loaded")
	}
	if tables.Host.ICType != ICIOAPIC {
		t.Fatalf("host ic type = %v", tables.Host.ICType)
	}
	if len(tables.Host.IRQs) != 1 || tables.Host.IRQs[0].Vector != 0x31 {
		t.Fatalf("host irqs = %+v", tables.Host.IRQs)
	}
}

func TestLoadTablesRejectsOversizedHost(t *testing.T) {
	const doc = `
host:
  icType: pic
  irqs:
    - {controller: 99, pin: 0, vector: 0x20}
`
	if _, err := LoadTables(strings.NewReader(doc)); err == nil {
		t.Fatalf("oversized controller accepted")
	}
}
