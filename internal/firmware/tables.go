package firmware

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// MPSBus is a bus entry of the saved MPS configuration table.
type MPSBus struct {
	ID   int    `yaml:"id"`
	Type string `yaml:"type"`
}

// MPSIOAPIC is an I/O-APIC entry of the saved MPS table.
type MPSIOAPIC struct {
	ID       int    `yaml:"id"`
	PhysAddr uint64 `yaml:"physAddr"`
	Version  int    `yaml:"version"`
	Enabled  bool   `yaml:"enabled"`
}

// MPSInterrupt is an I/O interrupt assignment entry. Type is one of
// int, nmi, smi or ext. Polarity and Trigger are bus, high, low,
// edge, level or empty for bus default.
type MPSInterrupt struct {
	Type      string `yaml:"type"`
	SrcBus    int    `yaml:"srcBus"`
	SrcBusIRQ int    `yaml:"srcBusIRQ"`
	IOAPICID  int    `yaml:"ioapicID"`
	IntIn     int    `yaml:"intIn"`
	Polarity  string `yaml:"polarity"`
	Trigger   string `yaml:"trigger"`
}

// MPSTable is the MPS configuration saved before handoff.
type MPSTable struct {
	Present       bool           `yaml:"present"`
	DefaultConfig bool           `yaml:"defaultConfig"`
	OEMID         string         `yaml:"oemID"`
	ProductID     string         `yaml:"productID"`
	Buses         []MPSBus       `yaml:"buses"`
	IOAPICs       []MPSIOAPIC    `yaml:"ioapics"`
	Interrupts    []MPSInterrupt `yaml:"interrupts"`
}

// ACPIPin carries trigger and polarity for one I/O-APIC input.
type ACPIPin struct {
	Present  bool   `yaml:"present"`
	Trigger  string `yaml:"trigger"`
	Polarity string `yaml:"polarity"`
}

// ACPIIOAPIC is an I/O-APIC as described by the ACPI tables.
type ACPIIOAPIC struct {
	ID       int       `yaml:"id"`
	PhysAddr uint64    `yaml:"physAddr"`
	Pins     []ACPIPin `yaml:"pins"`
}

// ACPIDevInt routes one slot and pin to an I/O-APIC input.
type ACPIDevInt struct {
	Slot     int `yaml:"slot"`
	Pin      int `yaml:"pin"`
	IOAPICID int `yaml:"ioapicID"`
	IntIn    int `yaml:"intIn"`
}

// ACPIPCIBus is one PCI root or bridge bus with its routing entries.
type ACPIPCIBus struct {
	ID      int          `yaml:"id"`
	DevInts []ACPIDevInt `yaml:"devInts"`
}

// ACPILegacyIRQ routes one ISA line. Override marks an explicit
// interrupt source override rather than a synthesized identity entry.
type ACPILegacyIRQ struct {
	IRQ      int  `yaml:"irq"`
	IOAPICID int  `yaml:"ioapicID"`
	IntIn    int  `yaml:"intIn"`
	Override bool `yaml:"override"`
}

// ACPITables is the ACPI routing information saved before handoff.
type ACPITables struct {
	Valid     bool            `yaml:"valid"`
	ICType    ICType          `yaml:"icType"`
	OEMID     string          `yaml:"oemID"`
	ProductID string          `yaml:"productID"`
	IOAPICs   []ACPIIOAPIC    `yaml:"ioapics"`
	PCIBuses  []ACPIPCIBus    `yaml:"pciBuses"`
	Legacy    []ACPILegacyIRQ `yaml:"legacy"`
}

// Tables bundles everything saved at handoff.
type Tables struct {
	MPS  *MPSTable   `yaml:"mps"`
	ACPI *ACPITables `yaml:"acpi"`
	Host HostInfo    `yaml:"host"`
}

// LoadTables reads a YAML description of the saved tables.
func LoadTables(r io.Reader) (*Tables, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("firmware: read tables: %w", err)
	}
	var t Tables
	if err := yaml.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("firmware: parse tables: %w", err)
	}
	if err := t.normalize(); err != nil {
		return nil, fmt.Errorf("firmware: %w", err)
	}
	return &t, nil
}

func (t *Tables) normalize() error {
	if len(t.Host.IRQs) > NumIRQs {
		return fmt.Errorf("host describes %d irqs, limit is %d", len(t.Host.IRQs), NumIRQs)
	}
	for i, hirq := range t.Host.IRQs {
		if hirq.Controller >= MaxControllers {
			return fmt.Errorf("host irq %d on controller %d, limit is %d",
				i, hirq.Controller, MaxControllers)
		}
		if hirq.Pin >= MaxPinsPerController {
			return fmt.Errorf("host irq %d on pin %d, limit is %d",
				i, hirq.Pin, MaxPinsPerController)
		}
	}
	return nil
}

// UnmarshalYAML accepts pic and ioapic.
func (t *ICType) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch s {
	case "pic":
		*t = ICPIC
	case "ioapic":
		*t = ICIOAPIC
	case "":
		*t = ICUnknown
	default:
		return fmt.Errorf("unknown interrupt controller type %q", s)
	}
	return nil
}

// MarshalYAML emits the string form.
func (t ICType) MarshalYAML() (interface{}, error) {
	return t.String(), nil
}

func parseBusType(s string) BusType {
	switch s {
	case "ISA", "isa":
		return BusISA
	case "EISA", "eisa":
		return BusEISA
	case "PCI", "pci":
		return BusPCI
	}
	return BusNone
}

func parseTrigger(s string) (TriggerMode, bool, error) {
	switch s {
	case "", "bus":
		return TriggerEdge, true, nil
	case "edge":
		return TriggerEdge, false, nil
	case "level":
		return TriggerLevel, false, nil
	}
	return TriggerEdge, false, fmt.Errorf("unknown trigger mode %q", s)
}

func parsePolarity(s string) (Polarity, bool, error) {
	switch s {
	case "", "bus":
		return ActiveHigh, true, nil
	case "high":
		return ActiveHigh, false, nil
	case "low":
		return ActiveLow, false, nil
	}
	return ActiveHigh, false, fmt.Errorf("unknown polarity %q", s)
}
