package emu

import (
	"fmt"
	"sync"

	"github.com/condor-hv/condor/internal/hw"
)

const (
	// DefaultIOAPICBase is the legacy MMIO base of the first I/O-APIC.
	DefaultIOAPICBase uint64 = 0xFEC00000

	ioapicIDRegister           = 0x00
	ioapicVersionRegister      = 0x01
	ioapicArbitrationRegister  = 0x02
	ioapicRedirectionTableBase = 0x10

	ioapicVersion = 0x11

	deliveryModeFixed          = 0x0
	deliveryModeLowestPriority = 0x1
)

// Bits of a redirection entry that software may write.
const redirectionWriteMask uint64 = 0xFFFF0000000000FF |
	(0x7 << 8) | // delivery mode
	(1 << 11) | // destination mode
	(1 << 13) | // polarity
	(1 << 15) | // trigger mode
	(1 << 16) // mask bit

// Deliverer accepts interrupt messages coming off an I/O-APIC.
type Deliverer interface {
	Deliver(vector uint8, dest uint8, logical bool, lowestPriority bool, level bool)
}

// IOAPIC models one I/O-APIC unit as a register window.
type IOAPIC struct {
	mu sync.Mutex

	name string
	id   uint8
	base uint64

	entries []ioapicPin
	sink    Deliverer
}

type ioapicPin struct {
	entry     redirectionEntry
	lineLevel bool
}

// NewIOAPIC builds an I/O-APIC with numPins redirection slots mapped
// at base.
func NewIOAPIC(name string, id uint8, base uint64, numPins int) *IOAPIC {
	if numPins <= 0 {
		numPins = 24
	}
	entries := make([]ioapicPin, numPins)
	for i := range entries {
		entries[i].entry = newRedirectionEntry()
	}
	return &IOAPIC{name: name, id: id, base: base, entries: entries}
}

// SetSink installs the receiver for delivered interrupt messages.
func (i *IOAPIC) SetSink(sink Deliverer) {
	i.mu.Lock()
	defer i.mu.Unlock()
	i.sink = sink
}

func (i *IOAPIC) Name() string { return i.name }

func (i *IOAPIC) Reset() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	for n := range i.entries {
		i.entries[n] = ioapicPin{entry: newRedirectionEntry()}
	}
	return nil
}

func (i *IOAPIC) SupportsPorts() *hw.PortIntercept { return nil }

func (i *IOAPIC) SupportsWindow() *hw.WindowIntercept {
	return &hw.WindowIntercept{Base: i.base, Window: i}
}

// NumPins returns the number of redirection slots.
func (i *IOAPIC) NumPins() int { return len(i.entries) }

func (i *IOAPIC) ReadReg(reg uint8) uint32 {
	i.mu.Lock()
	defer i.mu.Unlock()

	switch {
	case reg == ioapicIDRegister:
		return uint32(i.id&0x0f) << 24
	case reg == ioapicVersionRegister:
		return uint32(ioapicVersion) | uint32(len(i.entries)-1)<<16
	case reg == ioapicArbitrationRegister:
		return 0
	case reg >= ioapicRedirectionTableBase:
		return i.readRedirectionLocked(reg - ioapicRedirectionTableBase)
	}
	return 0
}

func (i *IOAPIC) WriteReg(reg uint8, value uint32) {
	i.mu.Lock()
	defer i.mu.Unlock()

	switch {
	case reg == ioapicIDRegister:
		i.id = uint8((value >> 24) & 0x0f)
	case reg == ioapicVersionRegister, reg == ioapicArbitrationRegister:
		// Read-only.
	case reg >= ioapicRedirectionTableBase:
		i.writeRedirectionLocked(reg-ioapicRedirectionTableBase, value)
	}
}

// SetIRQ changes the level of an input pin.
func (i *IOAPIC) SetIRQ(pin int, high bool) {
	i.mu.Lock()
	defer i.mu.Unlock()
	if pin < 0 || pin >= len(i.entries) {
		return
	}
	p := &i.entries[pin]
	if high {
		edge := !p.lineLevel
		p.lineLevel = true
		i.evaluateLocked(p, edge)
	} else {
		p.lineLevel = false
		p.entry.setRemoteIRR(false)
	}
}

// EOI clears remote-IRR for pins targeting the vector and re-evaluates
// still-asserted level lines. Local units broadcast level EOIs here.
func (i *IOAPIC) EOI(vector uint8) {
	i.mu.Lock()
	defer i.mu.Unlock()
	for n := range i.entries {
		p := &i.entries[n]
		if p.entry.vector() == vector && p.entry.remoteIRR() {
			p.entry.setRemoteIRR(false)
			i.evaluateLocked(p, false)
		}
	}
}

func (i *IOAPIC) readRedirectionLocked(index uint8) uint32 {
	n := int(index / 2)
	if n >= len(i.entries) {
		return 0
	}
	raw := i.entries[n].entry.raw()
	if index&1 == 1 {
		return uint32(raw >> 32)
	}
	return uint32(raw)
}

func (i *IOAPIC) writeRedirectionLocked(index uint8, value uint32) {
	n := int(index / 2)
	if n >= len(i.entries) {
		return
	}
	p := &i.entries[n]

	raw := p.entry.raw()
	val := uint64(value)
	lowMask := redirectionWriteMask & 0xffffffff
	highMask := redirectionWriteMask &^ 0xffffffff

	wasMasked := p.entry.masked()
	if index&1 == 1 {
		raw = raw&^highMask | val<<32&highMask
	} else {
		raw = raw&^lowMask | val&lowMask
	}
	p.entry.setRaw(raw)

	// Unmasking while the line is high is a rising edge for an
	// edge-programmed pin; the mask bit held the edge latched.
	forceEdge := wasMasked && !p.entry.masked() && p.lineLevel
	i.evaluateLocked(p, forceEdge)
}

func (i *IOAPIC) evaluateLocked(p *ioapicPin, edge bool) {
	if p.entry.masked() {
		return
	}
	isLevel := p.entry.levelCapable()
	switch {
	case isLevel && (!p.lineLevel || p.entry.remoteIRR()):
		return
	case !isLevel && !edge:
		return
	}

	p.entry.setRemoteIRR(isLevel)
	if i.sink != nil {
		i.sink.Deliver(
			p.entry.vector(),
			p.entry.destination(),
			p.entry.destinationModeLogical(),
			p.entry.deliveryMode() == deliveryModeLowestPriority,
			isLevel,
		)
	}
}

func (i *IOAPIC) String() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return fmt.Sprintf("IOAPIC(id=%d pins=%d)", i.id, len(i.entries))
}

// redirectionEntry is the 64-bit redirection table slot.
type redirectionEntry struct {
	value uint64
}

func newRedirectionEntry() redirectionEntry {
	// Masked out of reset.
	return redirectionEntry{value: 1 << 16}
}

func (r redirectionEntry) raw() uint64      { return r.value }
func (r *redirectionEntry) setRaw(v uint64) { r.value = v }

func (r redirectionEntry) vector() uint8       { return uint8(r.value) }
func (r redirectionEntry) deliveryMode() uint8 { return uint8(r.value>>8) & 0x7 }
func (r redirectionEntry) destination() uint8  { return uint8(r.value >> 56) }
func (r redirectionEntry) masked() bool        { return r.value>>16&1 == 1 }
func (r redirectionEntry) remoteIRR() bool     { return r.value>>14&1 == 1 }
func (r redirectionEntry) triggerModeLevel() bool {
	return r.value>>15&1 == 1
}
func (r redirectionEntry) destinationModeLogical() bool {
	return r.value>>11&1 == 1
}

func (r *redirectionEntry) setRemoteIRR(v bool) {
	if v {
		r.value |= 1 << 14
	} else {
		r.value &^= 1 << 14
	}
}

func (r redirectionEntry) levelCapable() bool {
	if !r.triggerModeLevel() {
		return false
	}
	mode := r.deliveryMode()
	return mode == deliveryModeFixed || mode == deliveryModeLowestPriority
}

var _ hw.Device = (*IOAPIC)(nil)
var _ hw.RegisterWindow = (*IOAPIC)(nil)
