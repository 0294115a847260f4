// Package emu provides register-accurate models of the interrupt
// controllers the routing core programs. The models sit behind the hw
// interfaces so the same routing code drives them and real hardware.
package emu

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/condor-hv/condor/internal/hw"
)

const (
	primaryPICCommandPort   uint16 = 0x20
	primaryPICDataPort      uint16 = 0x21
	secondaryPICCommandPort uint16 = 0xa0
	secondaryPICDataPort    uint16 = 0xa1
	primaryELCRPort         uint16 = 0x4d0
	secondaryELCRPort       uint16 = 0x4d1

	cascadeLine    = 2
	lineMask       = 0x7
	spuriousLine   = 7
	numPICLines    = 16
	linesPerUnit   = 8
	initCommandBit = 0x10
	ocwSelectBit   = 0x08
)

// DualPIC models the classic pair of cascaded 8259A controllers with
// their ELCR trigger registers.
type DualPIC struct {
	mu     sync.Mutex
	output func(bool)

	units [2]*pic8259

	spurious     uint64
	acknowledges uint64
}

// NewDualPIC returns a pair of 8259As with all lines deasserted.
func NewDualPIC() *DualPIC {
	return &DualPIC{
		units: [2]*pic8259{
			newPIC8259(true),
			newPIC8259(false),
		},
	}
}

// SetOutput installs the INT output line of the primary unit.
func (p *DualPIC) SetOutput(fn func(bool)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.output = fn
	p.syncOutputsLocked()
}

// SetELCR loads both trigger latches, as firmware would at boot.
func (p *DualPIC) SetELCR(value uint16) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.units[0].elcr = uint8(value)
	p.units[1].elcr = uint8(value >> 8)
}

func (p *DualPIC) Name() string { return "pic" }

func (p *DualPIC) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	// ELCR survives a controller reset.
	p.units[0].reset(false, true)
	p.units[1].reset(false, true)
	p.spurious = 0
	p.acknowledges = 0
	return nil
}

func (p *DualPIC) SupportsPorts() *hw.PortIntercept {
	return &hw.PortIntercept{
		Ports: []uint16{
			primaryPICCommandPort,
			primaryPICDataPort,
			secondaryPICCommandPort,
			secondaryPICDataPort,
			primaryELCRPort,
			secondaryELCRPort,
		},
		Handler: p,
	}
}

func (p *DualPIC) SupportsWindow() *hw.WindowIntercept { return nil }

func (p *DualPIC) PortIn(port uint16) uint8 {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch port {
	case primaryPICCommandPort:
		return p.units[0].readCommand()
	case primaryPICDataPort:
		return p.units[0].readData()
	case secondaryPICCommandPort:
		return p.units[1].readCommand()
	case secondaryPICDataPort:
		return p.units[1].readData()
	case primaryELCRPort:
		return p.units[0].elcr
	case secondaryELCRPort:
		return p.units[1].elcr
	}
	return 0xff
}

func (p *DualPIC) PortOut(port uint16, value uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()

	switch port {
	case primaryPICCommandPort:
		p.units[0].writeCommand(value)
	case primaryPICDataPort:
		p.units[0].writeData(value)
	case secondaryPICCommandPort:
		p.units[1].writeCommand(value)
	case secondaryPICDataPort:
		p.units[1].writeData(value)
	case primaryELCRPort:
		p.units[0].elcr = value
	case secondaryELCRPort:
		p.units[1].elcr = value
	}
	p.syncOutputsLocked()
}

// SetIRQ changes the level of one of the sixteen input lines.
func (p *DualPIC) SetIRQ(line uint8, high bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if line >= numPICLines {
		return
	}
	if line >= linesPerUnit {
		p.units[1].setIRQ(line-linesPerUnit, high)
	} else {
		p.units[0].setIRQ(line, high)
	}
	p.syncOutputsLocked()
}

// Acknowledge performs the INTA cycle. It reports whether a real
// request was pending and the vector placed on the bus; a spurious
// cycle yields the relevant unit's IRQ 7 vector.
func (p *DualPIC) Acknowledge() (bool, uint8) {
	p.mu.Lock()
	defer p.mu.Unlock()

	requested, vec := p.units[0].acknowledge()
	if requested && vec&lineMask == cascadeLine {
		secRequested, secVec := p.units[1].acknowledge()
		if !secRequested {
			// Cascade raised but the secondary backed off: IRQ 15.
			p.spurious++
			p.syncOutputsLocked()
			return false, secVec
		}
		vec = secVec
		p.acknowledges++
	} else if requested {
		p.acknowledges++
	} else {
		p.spurious++
	}
	p.syncOutputsLocked()
	return requested, vec
}

// Spurious returns the number of spurious INTA cycles observed.
func (p *DualPIC) Spurious() uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.spurious
}

func (p *DualPIC) syncOutputsLocked() {
	p.units[0].setIRQ(cascadeLine, p.units[1].interruptPending())
	if p.output != nil {
		p.output(p.units[0].interruptPending())
	}
}

func (p *DualPIC) String() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return fmt.Sprintf("PIC(primary=%v, secondary=%v)", p.units[0], p.units[1])
}

// pic8259 models a single 8259A.
type pic8259 struct {
	primary bool

	initStage initStage
	icw2      uint8
	imr       uint8
	isr       uint8
	elcr      uint8
	lines     uint8
	lineLow   uint8
	ocw3      ocw3

	specialMask bool
}

func newPIC8259(primary bool) *pic8259 {
	icw2 := uint8(0)
	if !primary {
		icw2 = linesPerUnit
	}
	return &pic8259{
		primary:   primary,
		initStage: initUninitialized,
		icw2:      icw2,
		lineLow:   0xff,
	}
}

func (p *pic8259) reset(preserveLines, preserveELCR bool) {
	lines := uint8(0)
	if preserveLines {
		lines = p.lines
	}
	elcr := p.elcr
	*p = *newPIC8259(p.primary)
	p.lines = lines
	if preserveELCR {
		p.elcr = elcr
	}
}

// irr latches edge lines on their rising edge and follows level lines.
func (p *pic8259) irr() uint8 {
	return p.lines & (p.elcr | p.lineLow)
}

func (p *pic8259) setIRQ(line uint8, high bool) {
	bit := uint8(1) << line
	if high {
		p.lines |= bit
	} else {
		p.lines &^= bit
		p.lineLow |= bit
	}
}

func (p *pic8259) readyVec() uint8 {
	higherNotISR := lowestSetBit(p.isr) - 1
	maskedIRR := p.irr() &^ p.imr
	if p.specialMask {
		maskedIRR = p.irr()
	}
	return maskedIRR & higherNotISR
}

func (p *pic8259) interruptPending() bool {
	return p.readyVec() != 0
}

func (p *pic8259) acknowledge() (bool, uint8) {
	if vec := p.readyVec(); vec != 0 {
		line := uint8(bits.TrailingZeros8(vec))
		bit := uint8(1) << line
		p.lineLow &^= bit
		p.isr |= bit
		return true, p.icw2 | line
	}
	return false, p.icw2 | spuriousLine
}

func (p *pic8259) eoi(line *uint8) {
	var mask uint8
	if line != nil {
		mask = 1 << *line
	} else {
		mask = lowestSetBit(p.isr)
	}
	p.isr &^= mask
}

func (p *pic8259) readCommand() uint8 {
	if p.ocw3.poll() {
		p.ocw3.setPoll(false)
		requested, vec := p.acknowledge()
		val := uint8(0)
		if requested {
			val = 1 << 7
		}
		return val | vec&lineMask
	}
	if p.ocw3.rr() {
		if p.ocw3.ris() {
			return p.isr
		}
		return p.irr()
	}
	return 0
}

func (p *pic8259) readData() uint8 {
	return p.imr
}

func (p *pic8259) writeCommand(value uint8) {
	if value&initCommandBit != 0 {
		p.reset(true, true)
		p.initStage = initExpectingICW2
		return
	}
	if p.initStage != initInitialized {
		return
	}

	if value&ocwSelectBit == 0 {
		ocw := ocw2(value)
		switch {
		case ocw.eoi() && ocw.specificLevel():
			line := ocw.level()
			p.eoi(&line)
		case ocw.eoi():
			p.eoi(nil)
		}
		return
	}

	ocw := ocw3(value)
	if ocw.specialMaskSelect() {
		p.specialMask = ocw.specialMask()
	}
	p.ocw3 = ocw
}

func (p *pic8259) writeData(value uint8) {
	switch p.initStage {
	case initUninitialized, initInitialized:
		p.imr = value
	case initExpectingICW2:
		if value&lineMask != 0 {
			return
		}
		p.icw2 = value &^ lineMask
		p.initStage = initExpectingICW3
	case initExpectingICW3:
		if p.primary {
			if value != 1<<cascadeLine {
				return
			}
		} else if value != cascadeLine {
			return
		}
		p.initStage = initExpectingICW4
	case initExpectingICW4:
		if value != 1 && value != 3 {
			return
		}
		p.initStage = initInitialized
	}
}

func (p *pic8259) String() string {
	return fmt.Sprintf("8259A(irr=%02x isr=%02x imr=%02x elcr=%02x)",
		p.irr(), p.isr, p.imr, p.elcr)
}

type initStage int

const (
	initUninitialized initStage = iota
	initExpectingICW2
	initExpectingICW3
	initExpectingICW4
	initInitialized
)

type ocw2 uint8

func (o ocw2) level() uint8        { return uint8(o) & lineMask }
func (o ocw2) specificLevel() bool { return uint8(o)&0x40 != 0 }
func (o ocw2) eoi() bool           { return uint8(o)&0x20 != 0 }

type ocw3 uint8

func (o ocw3) rr() bool   { return uint8(o)&0x02 != 0 }
func (o ocw3) ris() bool  { return uint8(o)&0x01 != 0 }
func (o ocw3) poll() bool { return uint8(o)&0x04 != 0 }
func (o *ocw3) setPoll(v bool) {
	if v {
		*o |= 0x04
	} else {
		*o &^= 0x04
	}
}
func (o ocw3) specialMask() bool       { return uint8(o)&0x20 != 0 }
func (o ocw3) specialMaskSelect() bool { return uint8(o)&0x40 != 0 }

func lowestSetBit(b uint8) uint8 {
	return b & uint8(-int8(b))
}

var _ hw.Device = (*DualPIC)(nil)
var _ hw.PortHandler = (*DualPIC)(nil)
