// Package hostirq forwards device interrupts to the console partition.
// The hypervisor fields every interrupt itself; lines the console also
// services are latched here and replayed one at a time when the
// console next runs.
package hostirq

import (
	"fmt"
	"io"
	"log/slog"
	"math/bits"
	"sync"

	"github.com/condor-hv/condor/internal/chipset"
	"github.com/condor-hv/condor/internal/firmware"
	"github.com/condor-hv/condor/internal/hw"
	"github.com/condor-hv/condor/internal/status"
)

// numSlices covers the console's interrupt space, 32 lines per slice.
const numSlices = (firmware.NumIRQs + 31) / 32

// Scheduler is the console world scheduler's view of forwarding work.
type Scheduler interface {
	// ConsoleIdle reports whether the console world is halted idle.
	ConsoleIdle() bool

	// ConsoleRunning reports whether the console world is on its core
	// right now.
	ConsoleRunning() bool

	// Wake pulls the console world out of its idle halt.
	Wake()

	// SuppressIdle cancels the console world's next idle halt.
	SuppressIdle()

	// MarkReschedule asks for a switch to the console world.
	MarkReschedule()
}

type irqInfo struct {
	// consoleVector is the vector the console's handler table expects,
	// from the handoff record. hypervisorVector is what the controller
	// hands the hypervisor for the same line.
	consoleVector    uint8
	hypervisorVector uint8

	present  bool
	used     bool
	isa      bool
	edge     bool
	disabled bool
}

// Config wires a Queue to the machine.
type Config struct {
	Local hw.LocalUnit
	Sched Scheduler

	// Host is the console partition's handoff state; only lines it
	// records as serviced can be forwarded.
	Host firmware.HostInfo

	// ConsoleCore is where the console world runs; pending work kicks
	// it with a no-op vector so its exit path notices the latch.
	ConsoleCore int

	Logger *slog.Logger
}

// Queue is the per-machine forwarding state. At most one interrupt is
// in flight to the console at a time; the rest stay latched in the
// pending bitmap.
type Queue struct {
	local       hw.LocalUnit
	sched       Scheduler
	consoleCore int
	logger      *slog.Logger

	mu            sync.Mutex
	pending       [numSlices]uint32
	irqs          [firmware.NumIRQs]irqInfo
	inService     bool
	lastForwarded firmware.IRQ

	forwarded uint64
	dropped   uint64
}

func New(cfg Config) (*Queue, error) {
	if cfg.Local == nil || cfg.Sched == nil {
		return nil, fmt.Errorf("hostirq: local unit and scheduler required: %w",
			status.ErrBadParam)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	q := &Queue{
		local:       cfg.Local,
		sched:       cfg.Sched,
		consoleCore: cfg.ConsoleCore,
		logger:      logger,
	}
	for i, hirq := range cfg.Host.IRQs {
		irq := firmware.IRQ(i)
		if irq == firmware.TimerIRQ || irq == firmware.ConsoleSignalIRQ {
			// Emulated for the console, never forwarded.
			continue
		}
		if !hirq.Used || hirq.Vector == 0 {
			continue
		}
		q.irqs[irq] = irqInfo{consoleVector: hirq.Vector, present: true}
	}
	return q, nil
}

// SetupIRQ records how one console line is delivered: the hypervisor
// vector the controller allocated for it. The console-side vector was
// fixed at handoff. An ISA line is set up once; shared lines must keep
// the same hypervisor vector.
func (q *Queue) SetupIRQ(irq firmware.IRQ, hypervisorVector uint8, isa, edge bool) error {
	if irq < 0 || irq >= firmware.NumIRQs {
		return fmt.Errorf("hostirq: line %d out of range: %w", irq, status.ErrBadParam)
	}
	if hypervisorVector == 0 {
		return fmt.Errorf("hostirq: line %d with zero vector: %w", irq, status.ErrBadParam)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	info := &q.irqs[irq]
	if !info.present {
		return fmt.Errorf("hostirq: line %d not serviced by the console: %w",
			irq, status.ErrBadParam)
	}
	if info.used {
		if isa || info.isa {
			return fmt.Errorf("hostirq: isa line %d set up twice: %w",
				irq, status.ErrAlreadyBound)
		}
		if info.hypervisorVector != hypervisorVector {
			return fmt.Errorf("hostirq: line %d already bound to vector %#x: %w",
				irq, info.hypervisorVector, status.ErrAlreadyBound)
		}
		return nil
	}
	info.hypervisorVector = hypervisorVector
	info.used = true
	info.isa = isa
	info.edge = edge
	q.logger.Info("console line bound",
		"irq", int(irq),
		"consoleVector", fmt.Sprintf("%#x", info.consoleVector),
		"hypervisorVector", fmt.Sprintf("%#x", hypervisorVector),
		"isa", isa, "edge", edge)
	return nil
}

// DisableIRQ drops further interrupts on the line instead of latching
// them.
func (q *Queue) DisableIRQ(irq firmware.IRQ) error {
	return q.setDisabled(irq, true)
}

// EnableIRQ resumes latching on the line.
func (q *Queue) EnableIRQ(irq firmware.IRQ) error {
	return q.setDisabled(irq, false)
}

func (q *Queue) setDisabled(irq firmware.IRQ, disabled bool) error {
	if irq < 0 || irq >= firmware.NumIRQs {
		return fmt.Errorf("hostirq: line %d out of range: %w", irq, status.ErrBadParam)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if !q.irqs[irq].used {
		return fmt.Errorf("hostirq: line %d not bound: %w", irq, status.ErrNotFound)
	}
	q.irqs[irq].disabled = disabled
	return nil
}

// SetPendingIRQ latches a line for the console and kicks the console
// core so the latch gets noticed.
func (q *Queue) SetPendingIRQ(irq firmware.IRQ) error {
	if irq < 0 || irq >= firmware.NumIRQs {
		return fmt.Errorf("hostirq: line %d out of range: %w", irq, status.ErrBadParam)
	}

	q.mu.Lock()
	info := &q.irqs[irq]
	switch {
	case !info.used:
		q.dropped++
		q.mu.Unlock()
		return fmt.Errorf("hostirq: line %d not bound: %w", irq, status.ErrNotFound)
	case info.disabled:
		q.dropped++
		q.mu.Unlock()
		return nil
	}
	q.pending[irq>>5] |= 1 << (uint(irq) & 31)
	q.mu.Unlock()

	if q.sched.ConsoleIdle() {
		q.sched.Wake()
	} else {
		q.sched.SuppressIdle()
	}
	switch {
	case !q.sched.ConsoleRunning():
		q.sched.MarkReschedule()
	case q.local.CurrentCore() != q.consoleCore:
		// The no-op vector does nothing in its handler; the point is
		// the interrupt exit on the console core, whose return path
		// drains.
		if err := q.local.SendFixed(q.consoleCore, chipset.NoopVector); err != nil {
			q.logger.Warn("could not kick console core", "core", q.consoleCore, "err", err)
		}
	}
	return nil
}

// DrainOne hands out the next latched line and the vector the
// console's handler table expects for it, round robin from the last
// one forwarded. Nothing is handed out while a forwarded interrupt is
// still in service at the console. With interruptsOK false the console
// cannot take a vector right now; a latched line then re-arms the
// no-op kick so the next enabled interrupt exit retries, and nothing
// is forwarded.
func (q *Queue) DrainOne(interruptsOK bool) (firmware.IRQ, uint8, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.inService {
		return 0, 0, false
	}

	for i := 1; i <= firmware.NumIRQs; i++ {
		irq := firmware.IRQ((int(q.lastForwarded) + i) % firmware.NumIRQs)
		if q.pending[irq>>5]>>(uint(irq)&31)&1 == 0 {
			continue
		}
		if !interruptsOK {
			q.local.SelfInterrupt(chipset.NoopVector)
			return 0, 0, false
		}
		q.pending[irq>>5] &^= 1 << (uint(irq) & 31)
		q.lastForwarded = irq
		q.inService = true
		q.forwarded++
		return irq, q.irqs[irq].consoleVector, true
	}
	return 0, 0, false
}

// AckForwarded retires the in-flight interrupt. If more lines are
// latched the console world is woken again.
func (q *Queue) AckForwarded() {
	q.mu.Lock()
	q.inService = false
	more := q.anyPendingLocked()
	q.mu.Unlock()

	if more {
		q.sched.Wake()
	}
}

// Pending reports whether any line is latched.
func (q *Queue) Pending() bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.anyPendingLocked()
}

func (q *Queue) anyPendingLocked() bool {
	for _, slice := range q.pending {
		if slice != 0 {
			return true
		}
	}
	return false
}

// Snapshot is a point-in-time view for diagnostics.
type Snapshot struct {
	PendingCount  int
	InService     bool
	LastForwarded firmware.IRQ
	Forwarded     uint64
	Dropped       uint64
}

func (q *Queue) Snapshot() Snapshot {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, slice := range q.pending {
		n += bits.OnesCount32(slice)
	}
	return Snapshot{
		PendingCount:  n,
		InService:     q.inService,
		LastForwarded: q.lastForwarded,
		Forwarded:     q.forwarded,
		Dropped:       q.dropped,
	}
}

// Dump writes the forwarding state for diagnostics.
func (q *Queue) Dump(w io.Writer) {
	q.mu.Lock()
	defer q.mu.Unlock()
	fmt.Fprintf(w, "hostirq: inService=%t lastForwarded=%d forwarded=%d dropped=%d\n",
		q.inService, q.lastForwarded, q.forwarded, q.dropped)
	for irq := range q.irqs {
		info := &q.irqs[irq]
		if !info.used {
			continue
		}
		pending := q.pending[irq>>5]>>(uint(irq)&31)&1 == 1
		fmt.Fprintf(w, "irq %3d: consoleVector=%#02x hypervisorVector=%#02x isa=%t edge=%t disabled=%t pending=%t\n",
			irq, info.consoleVector, info.hypervisorVector, info.isa, info.edge, info.disabled, pending)
	}
}
