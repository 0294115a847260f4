// Package firmware holds the interrupt routing information handed over
// at boot: the saved MPS and ACPI tables, the console partition's
// negotiated interrupt state, and the routing structures parsed out of
// them.
package firmware

// IRQ is an interrupt line number as the console partition counts
// them. ISA lines are 0 through 15 on every machine.
type IRQ int

// IRQNone marks an unconnected line.
const IRQNone IRQ = -1

const (
	TimerIRQ   IRQ = 0
	CascadeIRQ IRQ = 2

	// ConsoleSignalIRQ is the line borrowed to signal the console
	// partition. The cascade line can never carry a real device.
	ConsoleSignalIRQ = CascadeIRQ

	NumISAIRQs = 16

	// NumIRQs is the size of the console partition's interrupt space.
	NumIRQs = 224
)

const (
	MaxBuses      = 256
	MaxBusIRQs    = 256
	IOAPICIDRange = 16

	MaxControllers       = 16
	MaxPinsPerController = 64
)

// ICType identifies which interrupt controller the console partition
// negotiated at boot.
type ICType int

const (
	ICPIC ICType = iota
	ICIOAPIC
	ICUnknown
)

func (t ICType) String() string {
	switch t {
	case ICPIC:
		return "pic"
	case ICIOAPIC:
		return "ioapic"
	}
	return "unknown"
}

// BusType classifies an interrupt source bus.
type BusType int

const (
	BusNone BusType = iota
	BusISA
	BusEISA
	BusPCI
)

func (t BusType) String() string {
	switch t {
	case BusISA:
		return "isa"
	case BusEISA:
		return "eisa"
	case BusPCI:
		return "pci"
	}
	return "none"
}

// TriggerMode is how a line signals.
type TriggerMode int

const (
	TriggerEdge TriggerMode = iota
	TriggerLevel
)

func (t TriggerMode) String() string {
	if t == TriggerLevel {
		return "level"
	}
	return "edge"
}

// Polarity is the active sense of a line.
type Polarity int

const (
	ActiveHigh Polarity = iota
	ActiveLow
)

func (p Polarity) String() string {
	if p == ActiveLow {
		return "low"
	}
	return "high"
}

// ISA defaults apply when a table entry defers to the bus.
const (
	ISADefaultTrigger  = TriggerEdge
	ISADefaultPolarity = ActiveHigh
)

// BusIRQInfo is where one bus interrupt line lands on a controller.
type BusIRQInfo struct {
	Present    bool
	Controller int
	Pin        int
	Trigger    TriggerMode
	Polarity   Polarity
}

// BusInfo describes one interrupt source bus.
type BusInfo struct {
	Type   BusType
	BusIRQ [MaxBusIRQs]BusIRQInfo
}

// IOAPICInfo describes one I/O-APIC unit, indexed by its firmware ID.
// Num is the dense unit number used everywhere else.
type IOAPICInfo struct {
	Present  bool
	PhysAddr uint64
	Num      int
}

// SysInfo is the parsed routing picture of the machine.
type SysInfo struct {
	Buses  [MaxBuses]*BusInfo
	IOAPIC [IOAPICIDRange]IOAPICInfo
}

// ISABus finds the single ISA or EISA bus.
func (s *SysInfo) ISABus() (int, *BusInfo) {
	for id, bus := range s.Buses {
		if bus != nil && (bus.Type == BusISA || bus.Type == BusEISA) {
			return id, bus
		}
	}
	return -1, nil
}

// NumIOAPICs counts the present units.
func (s *SysInfo) NumIOAPICs() int {
	n := 0
	for i := range s.IOAPIC {
		if s.IOAPIC[i].Present {
			n++
		}
	}
	return n
}

// PCIBusIRQ packs a slot and interrupt pin into a bus interrupt line
// number, the encoding the routing tables use for PCI sources.
func PCIBusIRQ(slot, pin int) int {
	return slot<<2 | pin&3
}

// SlotFromBusIRQ recovers the slot of a bus interrupt line.
func SlotFromBusIRQ(busType BusType, busIRQ int) int {
	if busType == BusPCI {
		return busIRQ >> 2
	}
	return busIRQ
}

// PinFromBusIRQ recovers the interrupt pin, as a letter for PCI.
func PinFromBusIRQ(busType BusType, busIRQ int) byte {
	if busType == BusPCI {
		return byte('A' + busIRQ&3)
	}
	return ' '
}

// HostIRQ is the console partition's record of one interrupt line at
// handoff.
type HostIRQ struct {
	Controller int   `yaml:"controller"`
	Pin        int   `yaml:"pin"`
	Vector     uint8 `yaml:"vector"`
	Used       bool  `yaml:"used"`
	Disabled   bool  `yaml:"disabled"`
}

// HostInfo is the console partition's negotiated interrupt state.
type HostInfo struct {
	ICType ICType    `yaml:"icType"`
	IRQs   []HostIRQ `yaml:"irqs"`
}
