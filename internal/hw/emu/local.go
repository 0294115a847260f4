package emu

import (
	"fmt"
	"sync"
)

type vectorSet [4]uint64

func (s *vectorSet) set(v uint8)      { s[v>>6] |= 1 << (v & 63) }
func (s *vectorSet) clear(v uint8)    { s[v>>6] &^= 1 << (v & 63) }
func (s vectorSet) has(v uint8) bool  { return s[v>>6]>>(v&63)&1 == 1 }
func (s vectorSet) highest() (uint8, bool) {
	for w := 3; w >= 0; w-- {
		if s[w] == 0 {
			continue
		}
		for b := 63; b >= 0; b-- {
			if s[w]>>b&1 == 1 {
				return uint8(w<<6 | b), true
			}
		}
	}
	return 0, false
}

type localCore struct {
	irr vectorSet
	isr vectorSet
	tmr vectorSet

	nmis  uint64
	selfs uint64
}

// LocalUnits models the per-core local interrupt units of the
// platform. Unit IDs are the core indices.
type LocalUnits struct {
	mu      sync.Mutex
	cores   []localCore
	current int
	eoiSink []interface{ EOI(vector uint8) }
}

// NewLocalUnits creates units for n cores. Core 0 is current.
func NewLocalUnits(n int) *LocalUnits {
	if n <= 0 {
		n = 1
	}
	return &LocalUnits{cores: make([]localCore, n)}
}

// AddEOISink registers a receiver for level EOI broadcasts.
func (l *LocalUnits) AddEOISink(sink interface{ EOI(vector uint8) }) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.eoiSink = append(l.eoiSink, sink)
}

// SetCurrentCore selects which core subsequent calls act on behalf of.
func (l *LocalUnits) SetCurrentCore(core int) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if core >= 0 && core < len(l.cores) {
		l.current = core
	}
}

func (l *LocalUnits) CurrentCore() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.current
}

func (l *LocalUnits) NumCores() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.cores)
}

func (l *LocalUnits) UnitID(core int) (uint8, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if core < 0 || core >= len(l.cores) {
		return 0, false
	}
	return uint8(core), true
}

func (l *LocalUnits) InService() (uint8, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cores[l.current].isr.highest()
}

func (l *LocalUnits) Pending(vector uint8) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cores[l.current].irr.has(vector)
}

func (l *LocalUnits) LevelTriggered(vector uint8) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cores[l.current].tmr.has(vector)
}

// Ack retires an in-service vector. A level-latched vector is also
// broadcast to the EOI sinks, as hardware does.
func (l *LocalUnits) Ack(vector uint8) {
	l.mu.Lock()
	c := &l.cores[l.current]
	c.isr.clear(vector)
	level := c.tmr.has(vector)
	c.tmr.clear(vector)
	sinks := l.eoiSink
	l.mu.Unlock()

	if level {
		for _, s := range sinks {
			s.EOI(vector)
		}
	}
}

func (l *LocalUnits) SelfInterrupt(vector uint8) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := &l.cores[l.current]
	c.irr.set(vector)
	c.tmr.clear(vector)
	c.selfs++
}

func (l *LocalUnits) SendNMI(core int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if core < 0 || core >= len(l.cores) {
		return fmt.Errorf("no core %d", core)
	}
	l.cores[core].nmis++
	return nil
}

func (l *LocalUnits) SendFixed(core int, vector uint8) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if core < 0 || core >= len(l.cores) {
		return fmt.Errorf("no core %d", core)
	}
	l.cores[core].irr.set(vector)
	l.cores[core].tmr.clear(vector)
	return nil
}

// Deliver implements Deliverer. A logical destination is a flat
// bitmask of cores; lowest-priority delivery picks the lowest
// matching core.
func (l *LocalUnits) Deliver(vector uint8, dest uint8, logical bool, lowestPriority bool, level bool) {
	l.mu.Lock()
	defer l.mu.Unlock()

	deliverTo := func(core int) {
		c := &l.cores[core]
		c.irr.set(vector)
		if level {
			c.tmr.set(vector)
		} else {
			c.tmr.clear(vector)
		}
	}

	if !logical {
		for core := range l.cores {
			if uint8(core) == dest {
				deliverTo(core)
				return
			}
		}
		return
	}
	for core := range l.cores {
		if dest>>core&1 == 0 {
			continue
		}
		deliverTo(core)
		if lowestPriority {
			return
		}
	}
}

// Accept moves the highest pending vector into service on the current
// core, emulating interrupt acceptance by the CPU.
func (l *LocalUnits) Accept() (uint8, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	c := &l.cores[l.current]
	vector, ok := c.irr.highest()
	if !ok {
		return 0, false
	}
	c.irr.clear(vector)
	c.isr.set(vector)
	return vector, true
}

// NMICount reports NMIs delivered to a core.
func (l *LocalUnits) NMICount(core int) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if core < 0 || core >= len(l.cores) {
		return 0
	}
	return l.cores[core].nmis
}

// SelfInterruptCount reports self-interrupts raised on a core.
func (l *LocalUnits) SelfInterruptCount(core int) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	if core < 0 || core >= len(l.cores) {
		return 0
	}
	return l.cores[core].selfs
}
