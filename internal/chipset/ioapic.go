package chipset

import (
	"fmt"
	"io"
	"sync"

	"github.com/condor-hv/condor/internal/firmware"
	"github.com/condor-hv/condor/internal/hw"
	"github.com/condor-hv/condor/internal/status"
)

const (
	ioapicRegID        = 0x00
	ioapicRegVersion   = 0x01
	ioapicRegRedirBase = 0x10
)

// entrySettings is the low half of a redirection entry.
type entrySettings uint32

const (
	entryDeliveryModeShift = 8
	entryDeliveryModeBits  = entrySettings(0x7 << entryDeliveryModeShift)
	entryDestModeLogical   = entrySettings(1 << 11)
	entryDeliveryStatus    = entrySettings(1 << 12)
	entryPolarityLow       = entrySettings(1 << 13)
	entryRemoteIRR         = entrySettings(1 << 14)
	entryTriggerLevel      = entrySettings(1 << 15)
	entryMasked            = entrySettings(1 << 16)
)

func (e entrySettings) vector() uint8   { return uint8(e) }
func (e entrySettings) masked() bool    { return e&entryMasked != 0 }
func (e entrySettings) level() bool     { return e&entryTriggerLevel != 0 }
func (e entrySettings) activeLow() bool { return e&entryPolarityLow != 0 }
func (e entrySettings) remoteIRR() bool { return e&entryRemoteIRR != 0 }

func (e entrySettings) withMask(on bool) entrySettings {
	if on {
		return e | entryMasked
	}
	return e &^ entryMasked
}

// sanitized clears the read-only and reserved bits so a saved entry
// can be written back.
func (e entrySettings) sanitized() entrySettings {
	return e &^ (entryDeliveryStatus | entryRemoteIRR | ^entrySettings(0x1ffff))
}

// fixedPhysical forces fixed delivery in physical destination mode.
func (e entrySettings) fixedPhysical() entrySettings {
	return e &^ (entryDeliveryModeBits | entryDestModeLogical)
}

func newEntrySettings(vector uint8, trigger firmware.TriggerMode, polarity firmware.Polarity) entrySettings {
	e := entrySettings(vector) | entryMasked
	if trigger == firmware.TriggerLevel {
		e |= entryTriggerLevel
	}
	if polarity == firmware.ActiveLow {
		e |= entryPolarityLow
	}
	return e
}

// ioapicUnit is one discovered I/O-APIC, addressed by its dense unit
// number.
type ioapicUnit struct {
	num      int
	id       int
	physAddr uint64

	numEntries int
	version    int

	win hw.RegisterWindow

	// hostEntry is the console partition's programming, saved at init
	// and written back at shutdown.
	hostEntry []savedEntry
}

type savedEntry struct {
	settings entrySettings
	dest     uint32
}

func (u *ioapicUnit) settingsReg(pin int) uint8 { return uint8(ioapicRegRedirBase + 2*pin) }
func (u *ioapicUnit) destReg(pin int) uint8     { return uint8(ioapicRegRedirBase + 2*pin + 1) }

func (u *ioapicUnit) readSettings(pin int) entrySettings {
	return entrySettings(u.win.ReadReg(u.settingsReg(pin)))
}

func (u *ioapicUnit) writeSettings(pin int, e entrySettings) {
	u.win.WriteReg(u.settingsReg(pin), uint32(e))
}

func (u *ioapicUnit) readDest(pin int) uint32 {
	return u.win.ReadReg(u.destReg(pin))
}

func (u *ioapicUnit) writeDest(pin int, v uint32) {
	u.win.WriteReg(u.destReg(pin), v)
}

// vectorBinding records which pin a vector was handed out for.
type vectorBinding struct {
	unit *ioapicUnit
	pin  int
}

// ioapicBackend owns the discovered I/O-APIC units and the vector
// space between FirstExternalVector and LastDeviceVector.
type ioapicBackend struct {
	st      *State
	windows WindowMapper

	mu    sync.Mutex
	units []*ioapicUnit

	vectors [256]*vectorBinding

	// Vector allocation walks the space in strides of 8 so consecutive
	// devices land in different priority classes, restarting at the
	// next offset when a sweep runs out. Vectors are never freed.
	lastVector int
	offset     int
}

func newIOAPICBackend(st *State, windows WindowMapper) *ioapicBackend {
	return &ioapicBackend{
		st:         st,
		windows:    windows,
		lastVector: -1,
		offset:     1,
	}
}

func (b *ioapicBackend) init() error {
	sys := b.st.sys
	b.units = make([]*ioapicUnit, sys.NumIOAPICs())

	for id := range sys.IOAPIC {
		info := &sys.IOAPIC[id]
		if !info.Present {
			continue
		}
		win, err := b.windows.Window(info.PhysAddr)
		if err != nil {
			return fmt.Errorf("ioapic %d at %#x: %w", id, info.PhysAddr, err)
		}
		u := &ioapicUnit{
			num:      info.Num,
			id:       id,
			physAddr: info.PhysAddr,
			win:      win,
		}

		if hwID := int(win.ReadReg(ioapicRegID) >> 24 & 0x0f); hwID != id {
			b.st.logger.Warn("ioapic id disagrees with tables",
				"table", id, "hardware", hwID)
		}
		ver := win.ReadReg(ioapicRegVersion)
		u.version = int(ver & 0xff)
		u.numEntries = int(ver>>16&0xff) + 1
		if u.numEntries > firmware.MaxPinsPerController {
			return fmt.Errorf("ioapic %d has %d pins, limit is %d: %w",
				id, u.numEntries, firmware.MaxPinsPerController,
				status.ErrConfigInconsistent)
		}

		// Save the console's programming, then take the unit over
		// fully masked.
		u.hostEntry = make([]savedEntry, u.numEntries)
		for pin := 0; pin < u.numEntries; pin++ {
			saved := savedEntry{
				settings: u.readSettings(pin),
				dest:     u.readDest(pin),
			}
			u.hostEntry[pin] = saved
			if !saved.settings.masked() && saved.settings.vector() != 0 {
				b.st.logger.Warn("console left pin unmasked",
					"ioapic", id, "pin", pin,
					"vector", fmt.Sprintf("%#x", saved.settings.vector()))
			}
			u.writeSettings(pin, entrySettings(0).withMask(true))
			u.writeDest(pin, 0)
		}

		b.units[info.Num] = u
		b.st.logger.Info("ioapic unit up",
			"num", u.num, "id", id,
			"physAddr", fmt.Sprintf("%#x", info.PhysAddr),
			"version", fmt.Sprintf("%#x", u.version),
			"pins", u.numEntries)
	}

	for num, u := range b.units {
		if u == nil {
			return fmt.Errorf("ioapic unit %d missing: %w",
				num, status.ErrConfigInconsistent)
		}
		if u.version != b.units[0].version {
			b.st.logger.Warn("ioapic version differs from unit 0",
				"num", num, "version", fmt.Sprintf("%#x", u.version))
		}
	}
	return nil
}

// allocateVectorLocked hands out the next device vector, 0 when the
// space is exhausted. The low three bits never end up zero; those
// vectors belong to the monitor.
func (b *ioapicBackend) allocateVectorLocked() uint8 {
	if b.lastVector < 0 {
		b.lastVector = FirstExternalVector + b.offset
		return uint8(b.lastVector)
	}
	b.lastVector += 8
	if b.lastVector > LastDeviceVector {
		b.offset++
		if b.offset >= 8 {
			return 0
		}
		b.lastVector = FirstExternalVector + b.offset
	}
	return uint8(b.lastVector)
}

func (b *ioapicBackend) bindingOf(vector uint8) *vectorBinding {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.vectors[vector]
}

// mapBusIRQLocked programs a pin and returns its vector. A pin that
// already carries a vector is a shared line; the trigger and polarity
// must agree with the existing programming.
func (b *ioapicBackend) mapBusIRQLocked(info firmware.BusIRQInfo) (uint8, error) {
	if info.Controller < 0 || info.Controller >= len(b.units) {
		return 0, fmt.Errorf("no ioapic unit %d: %w", info.Controller, status.ErrNotFound)
	}
	u := b.units[info.Controller]
	if info.Pin < 0 || info.Pin >= u.numEntries {
		return 0, fmt.Errorf("pin %d beyond unit %d's %d entries: %w",
			info.Pin, u.num, u.numEntries, status.ErrBadParam)
	}

	level := info.Trigger == firmware.TriggerLevel
	low := info.Polarity == firmware.ActiveLow

	cur := u.readSettings(info.Pin)
	if cur.vector() != 0 {
		if cur.level() != level || cur.activeLow() != low {
			return 0, fmt.Errorf(
				"pin %d/%d programmed %s/%s, requested %s/%s: %w",
				u.num, info.Pin,
				triggerName(cur.level()), polarityName(cur.activeLow()),
				triggerName(level), polarityName(low),
				status.ErrTriggerMismatch)
		}
		return cur.vector(), nil
	}

	vector := b.allocateVectorLocked()
	if vector == 0 {
		b.st.logger.Error("out of interrupt vectors",
			"unit", u.num, "pin", info.Pin)
		return 0, fmt.Errorf("out of interrupt vectors: %w", status.ErrResourceExhausted)
	}
	destID, ok := b.st.local.UnitID(b.st.homeCore)
	if !ok {
		return 0, fmt.Errorf("no local unit for core %d: %w",
			b.st.homeCore, status.ErrNotFound)
	}

	u.writeDest(info.Pin, uint32(destID)<<24)
	u.writeSettings(info.Pin, newEntrySettings(vector, info.Trigger, info.Polarity))
	b.vectors[vector] = &vectorBinding{unit: u, pin: info.Pin}
	return vector, nil
}

func (b *ioapicBackend) hookupBusIRQ(busType firmware.BusType, busID, busIRQ int) (Hookup, error) {
	info, err := b.st.GetBusIRQInfo(busType, busID, busIRQ)
	if err != nil {
		return Hookup{}, err
	}

	consoleIRQ := b.st.ConsoleIRQFor(info.Controller, info.Pin)
	if (busType == firmware.BusISA || busType == firmware.BusEISA) &&
		consoleIRQ == firmware.IRQNone {
		// A legacy line only matters if the console services it.
		return Hookup{}, fmt.Errorf("isa line %d not used by console: %w",
			busIRQ, status.ErrNotFound)
	}

	b.mu.Lock()
	vector, err := b.mapBusIRQLocked(info)
	b.mu.Unlock()
	if err != nil {
		return Hookup{}, err
	}

	return Hookup{
		Vector:     vector,
		ConsoleIRQ: consoleIRQ,
		Edge:       info.Trigger == firmware.TriggerEdge,
	}, nil
}

// maskVector sets the mask bit. An unforced mask leaves an edge pin
// alone: the mask bit doubles as the edge latch, and a masked edge is
// an edge lost.
func (b *ioapicBackend) maskVector(vector uint8, force bool) {
	binding := b.bindingOf(vector)
	if binding == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := binding.unit.readSettings(binding.pin)
	if !force && !cur.level() {
		return
	}
	binding.unit.writeSettings(binding.pin, cur.withMask(true))
}

func (b *ioapicBackend) Mask(vector uint8) { b.maskVector(vector, false) }

// Unmask clears the mask bit. An edge that arrived while masked was
// swallowed, so the vector is replayed through the local unit.
func (b *ioapicBackend) Unmask(vector uint8) {
	binding := b.bindingOf(vector)
	if binding == nil {
		return
	}
	b.mu.Lock()
	cur := binding.unit.readSettings(binding.pin)
	wasMasked := cur.masked()
	if wasMasked {
		binding.unit.writeSettings(binding.pin, cur.withMask(false))
	}
	retrigger := wasMasked && !cur.level()
	b.mu.Unlock()

	if retrigger {
		b.st.local.SelfInterrupt(vector)
	}
}

func (b *ioapicBackend) MaskAndAck(vector uint8) {
	b.maskVector(vector, false)
	b.st.local.Ack(vector)
}

func (b *ioapicBackend) Ack(vector uint8) {
	b.st.local.Ack(vector)
}

func (b *ioapicBackend) MaskAll() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for v := range b.vectors {
		binding := b.vectors[v]
		if binding == nil {
			continue
		}
		cur := binding.unit.readSettings(binding.pin)
		binding.unit.writeSettings(binding.pin, cur.withMask(true))
	}
}

func (b *ioapicBackend) InServiceLocally() (uint8, bool) {
	return b.st.local.InService()
}

func (b *ioapicBackend) Posted(vector uint8) bool {
	binding := b.bindingOf(vector)
	if binding == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	return binding.unit.readSettings(binding.pin).remoteIRR()
}

func (b *ioapicBackend) PendingLocally(vector uint8) bool {
	return b.st.local.Pending(vector)
}

// Spurious resolves a deferred edge mask. An edge vector arriving
// after Mask was the latch draining; mask it for real and drop it.
func (b *ioapicBackend) Spurious(vector uint8) bool {
	binding := b.bindingOf(vector)
	if binding == nil {
		return false
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	cur := binding.unit.readSettings(binding.pin)
	if cur.level() {
		return false
	}
	binding.unit.writeSettings(binding.pin, cur.withMask(true))
	return true
}

// GoodTrigger checks the local trigger latch against the mode the
// line was hooked up with.
func (b *ioapicBackend) GoodTrigger(vector uint8, edge bool) bool {
	return b.st.local.LevelTriggered(vector) != edge
}

// Steer rewrites only the destination register. The destination mode
// stays physical; flipping it on a live pin is not safe.
func (b *ioapicBackend) Steer(vector uint8, core int) error {
	binding := b.bindingOf(vector)
	if binding == nil {
		return fmt.Errorf("vector %#x not handed out: %w", vector, status.ErrNotFound)
	}
	destID, ok := b.st.local.UnitID(core)
	if !ok {
		return fmt.Errorf("no local unit for core %d: %w", core, status.ErrNotFound)
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	binding.unit.writeDest(binding.pin, uint32(destID)<<24)
	return nil
}

// RestoreHostSetup hands the units back. Every entry is zeroed first,
// which unhangs any level pin stuck with remote-IRR set, then the
// console's programming goes back in, pointed at the home core with
// plain fixed physical delivery.
func (b *ioapicBackend) RestoreHostSetup() {
	b.mu.Lock()
	defer b.mu.Unlock()

	destID, ok := b.st.local.UnitID(b.st.homeCore)
	if !ok {
		destID = 0
	}

	for _, u := range b.units {
		for pin := 0; pin < u.numEntries; pin++ {
			u.writeSettings(pin, 0)
			u.writeDest(pin, 0)
		}
	}
	for _, u := range b.units {
		for pin := 0; pin < u.numEntries; pin++ {
			u.writeDest(pin, uint32(destID)<<24)
			u.writeSettings(pin, u.hostEntry[pin].settings.sanitized().fixedPhysical())
		}
	}
}

// resetPins re-latches pins by masking and rewriting each entry. With
// levelOnly, edge pins keep their latch.
func (b *ioapicBackend) resetPins(levelOnly bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, u := range b.units {
		for pin := 0; pin < u.numEntries; pin++ {
			cur := u.readSettings(pin)
			if levelOnly && !cur.level() {
				continue
			}
			u.writeSettings(pin, cur.withMask(true))
			u.writeSettings(pin, cur.sanitized())
		}
	}
}

func (b *ioapicBackend) Dump(w io.Writer) {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, u := range b.units {
		fmt.Fprintf(w, "ioapic %d: id=%d physAddr=%#x version=%#x pins=%d\n",
			u.num, u.id, u.physAddr, u.version, u.numEntries)
	}
	for v := range b.vectors {
		binding := b.vectors[v]
		if binding == nil {
			continue
		}
		cur := binding.unit.readSettings(binding.pin)
		fmt.Fprintf(w, "vector %#02x: unit %d pin %2d %s/%s masked=%t rirr=%t\n",
			v, binding.unit.num, binding.pin,
			triggerName(cur.level()), polarityName(cur.activeLow()),
			cur.masked(), cur.remoteIRR())
	}
}

func triggerName(level bool) string {
	if level {
		return "level"
	}
	return "edge"
}

func polarityName(low bool) string {
	if low {
		return "low"
	}
	return "high"
}

var _ backend = (*ioapicBackend)(nil)
