package chipset

import (
	"fmt"
	"io"
	"math/bits"
	"strings"
	"sync"

	"github.com/condor-hv/condor/internal/firmware"
	"github.com/condor-hv/condor/internal/status"
)

const (
	picPrimaryCommand   uint16 = 0x20
	picPrimaryData      uint16 = 0x21
	picSecondaryCommand uint16 = 0xa0
	picSecondaryData    uint16 = 0xa1

	picEOI         = 0x20
	picSpecificEOI = 0x60
	picReadIRR     = 0x0a
	picReadISR     = 0x0b

	picSecondaryLine = 2
)

// picBackend drives the cascaded 8259A pair the console partition
// already programmed. Vectors are fixed at line number plus
// FirstExternalVector, so there is nothing to allocate; the mask
// register is the only state this side owns.
type picBackend struct {
	st *State

	mu sync.Mutex

	// cachedMask shadows both mask registers. The hardware is
	// write-through from here, never read back on the hot path.
	cachedMask uint16

	hookedUp [firmware.NumISAIRQs]bool
	spurious uint64
}

func newPICBackend(st *State) *picBackend {
	return &picBackend{st: st}
}

func (b *picBackend) init() error {
	// The console partition programmed both units with base vector
	// FirstExternalVector before handoff. That programming is kept;
	// only the masks change hands.
	b.MaskAll()
	b.st.logger.Info("pic controller up, keeping console programming")
	return nil
}

func (b *picBackend) irqOf(vector uint8) (firmware.IRQ, bool) {
	irq := int(vector) - FirstExternalVector
	if irq < 0 || irq >= firmware.NumISAIRQs {
		return firmware.IRQNone, false
	}
	return firmware.IRQ(irq), true
}

// writeMaskLocked pushes the half of the shadow mask that contains irq.
func (b *picBackend) writeMaskLocked(irq firmware.IRQ) {
	if irq < 8 {
		b.st.ports.Out8(picPrimaryData, uint8(b.cachedMask))
	} else {
		b.st.ports.Out8(picSecondaryData, uint8(b.cachedMask>>8))
	}
}

func (b *picBackend) Mask(vector uint8) {
	irq, ok := b.irqOf(vector)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cachedMask |= 1 << uint(irq)
	b.writeMaskLocked(irq)
}

func (b *picBackend) Unmask(vector uint8) {
	irq, ok := b.irqOf(vector)
	if !ok {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cachedMask &^= 1 << uint(irq)
	b.writeMaskLocked(irq)
}

// MaskAll masks every line except the cascade; losing it would cut
// off the whole secondary unit.
func (b *picBackend) MaskAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cachedMask = 0xffff &^ (1 << picSecondaryLine)
	b.st.ports.Out8(picPrimaryData, uint8(b.cachedMask))
	b.st.ports.Out8(picSecondaryData, uint8(b.cachedMask>>8))
}

func (b *picBackend) ackLocked(irq firmware.IRQ) {
	if irq >= 8 {
		// Specific EOI for the cascade line first, then the secondary.
		b.st.ports.Out8(picPrimaryCommand, picSpecificEOI|picSecondaryLine)
		b.st.ports.Out8(picSecondaryCommand, picEOI)
		return
	}
	b.st.ports.Out8(picPrimaryCommand, picEOI)
}

func (b *picBackend) Ack(vector uint8) {
	irq, ok := b.irqOf(vector)
	if !ok {
		b.st.local.Ack(vector)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ackLocked(irq)
}

// MaskAndAck masks before the EOI so a level line cannot re-latch the
// moment the in-service bit drops.
func (b *picBackend) MaskAndAck(vector uint8) {
	irq, ok := b.irqOf(vector)
	if !ok {
		b.st.local.Ack(vector)
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.cachedMask |= 1 << uint(irq)
	if irq < 8 {
		b.st.ports.In8(picPrimaryData) // settle
		b.st.ports.Out8(picPrimaryData, uint8(b.cachedMask))
	} else {
		b.st.ports.In8(picSecondaryData) // settle
		b.st.ports.Out8(picSecondaryData, uint8(b.cachedMask>>8))
	}
	b.ackLocked(irq)
}

// readISRLocked issues OCW3 to read the in-service register and puts
// the unit back to IRR reads, the state everything else expects.
func (b *picBackend) readISRLocked(command uint16) uint8 {
	b.st.ports.Out8(command, picReadISR)
	v := b.st.ports.In8(command)
	b.st.ports.Out8(command, picReadIRR)
	return v
}

// InServiceLocally merges the local unit's notion of in-service with
// both PIC in-service registers and picks in hardware priority order:
// lines 0 and 1, then the whole secondary, then primary 3 through 7.
// More than one line in service means an acknowledge went missing
// somewhere; the controller state goes to the log when that happens.
func (b *picBackend) InServiceLocally() (uint8, bool) {
	localVector, localOK := b.st.local.InService()

	b.mu.Lock()
	primary := b.readISRLocked(picPrimaryCommand)
	secondary := b.readISRLocked(picSecondaryCommand)
	b.mu.Unlock()

	inService := uint16(primary)&^(1<<picSecondaryLine) | uint16(secondary)<<8
	if localOK {
		if localIRQ, ok := b.irqOf(localVector); ok {
			inService |= 1 << uint(localIRQ)
		}
	}
	if bits.OnesCount16(inService) > 1 {
		var state strings.Builder
		b.Dump(&state)
		b.st.logger.Error("multiple lines in service",
			"local", fmt.Sprintf("%#02x", localVector),
			"primary", fmt.Sprintf("%#02x", primary),
			"secondary", fmt.Sprintf("%#02x", secondary),
			"state", state.String())
	}

	irq := firmware.IRQNone
	switch {
	case inService&0x01 != 0:
		irq = 0
	case inService&0x02 != 0:
		irq = 1
	case inService>>8 != 0:
		irq = firmware.IRQ(8 + bits.TrailingZeros8(uint8(inService>>8)))
	default:
		for i := 3; i < 8; i++ {
			if inService>>uint(i)&1 == 1 {
				irq = firmware.IRQ(i)
				break
			}
		}
	}
	if irq == firmware.IRQNone {
		if localOK {
			// In service locally on a vector outside the PIC range.
			return localVector, true
		}
		return 0, false
	}
	return uint8(FirstExternalVector + irq), true
}

func (b *picBackend) Posted(vector uint8) bool {
	irq, ok := b.irqOf(vector)
	if !ok {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if irq < 8 {
		return b.readISRLocked(picPrimaryCommand)>>uint(irq)&1 == 1
	}
	return b.readISRLocked(picSecondaryCommand)>>uint(irq-8)&1 == 1
}

// PendingLocally is always false: the PIC holds pending state itself,
// nothing is latched at the core.
func (b *picBackend) PendingLocally(vector uint8) bool { return false }

// Spurious recognizes the 8259A's phantom line-7 interrupts. Anything
// else on an unexpected vector is real and must be handled.
func (b *picBackend) Spurious(vector uint8) bool {
	irq, ok := b.irqOf(vector)
	if !ok || (irq != 7 && irq != 15) {
		return false
	}
	b.mu.Lock()
	b.spurious++
	n := b.spurious
	b.mu.Unlock()

	if n&0x3ff == 1 {
		b.st.logger.Warn("spurious pic interrupt", "irq", int(irq), "count", n)
	}
	b.Mask(vector)
	return true
}

// GoodTrigger is trivially true: the PIC delivers what the ELCR says.
func (b *picBackend) GoodTrigger(vector uint8, edge bool) bool { return true }

// Steer cannot move anything: the PIC is wired to one core.
func (b *picBackend) Steer(vector uint8, core int) error {
	if core == b.st.homeCore {
		return nil
	}
	return fmt.Errorf("pic interrupts are fixed to core %d: %w",
		b.st.homeCore, status.ErrUnsupported)
}

// RestoreHostSetup has nothing to undo: the console partition's
// programming was never touched, and it reloads its own masks.
func (b *picBackend) RestoreHostSetup() {}

func (b *picBackend) resetPins(levelOnly bool) {}

// hookupBusIRQ connects an ISA line. The vector is fixed by the
// programming inherited from the console, so this only validates:
// the console must use the line, and an edge line cannot be shared.
func (b *picBackend) hookupBusIRQ(busType firmware.BusType, busID, busIRQ int) (Hookup, error) {
	if busType != firmware.BusISA && busType != firmware.BusEISA {
		return Hookup{}, fmt.Errorf("pic routes isa lines only: %w", status.ErrUnsupported)
	}
	if busIRQ < 0 || busIRQ >= firmware.NumISAIRQs {
		return Hookup{}, fmt.Errorf("isa line %d out of range: %w", busIRQ, status.ErrBadParam)
	}
	isaIRQ := firmware.IRQ(busIRQ)

	consoleIRQ := b.st.ConsoleIRQFor(0, busIRQ)
	if consoleIRQ == firmware.IRQNone {
		return Hookup{}, fmt.Errorf("line %d not used by console: %w",
			busIRQ, status.ErrNotFound)
	}
	edge := b.st.TriggerType(isaIRQ) == firmware.TriggerEdge

	b.mu.Lock()
	defer b.mu.Unlock()
	if edge && b.hookedUp[isaIRQ] {
		return Hookup{}, fmt.Errorf("edge line %d already connected: %w",
			busIRQ, status.ErrAlreadyBound)
	}
	b.hookedUp[isaIRQ] = true

	return Hookup{
		Vector:     uint8(FirstExternalVector + isaIRQ),
		ConsoleIRQ: consoleIRQ,
		Edge:       edge,
	}, nil
}

func (b *picBackend) Dump(w io.Writer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	primaryISR := b.readISRLocked(picPrimaryCommand)
	secondaryISR := b.readISRLocked(picSecondaryCommand)
	primaryIRR := b.st.ports.In8(picPrimaryCommand)
	secondaryIRR := b.st.ports.In8(picSecondaryCommand)
	primaryIMR := b.st.ports.In8(picPrimaryData)
	secondaryIMR := b.st.ports.In8(picSecondaryData)
	elcr := uint16(b.st.ports.In8(elcrPort)) | uint16(b.st.ports.In8(elcrPort+1))<<8

	fmt.Fprintf(w, "pic: isr=%02x%02x irr=%02x%02x imr=%02x%02x elcr=%04x\n",
		secondaryISR, primaryISR,
		secondaryIRR, primaryIRR,
		secondaryIMR, primaryIMR,
		elcr)
	hwMask := uint16(primaryIMR) | uint16(secondaryIMR)<<8
	if hwMask != b.cachedMask {
		fmt.Fprintf(w, "pic: cached mask %04x disagrees with hardware %04x\n",
			b.cachedMask, hwMask)
	}
	fmt.Fprintf(w, "pic: spurious=%d\n", b.spurious)
}

var _ backend = (*picBackend)(nil)
