package sim

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/slaclab/cpsw-tpg/internal/compiler"
	"github.com/slaclab/cpsw-tpg/internal/engine"
	"github.com/slaclab/cpsw-tpg/internal/irq"
	"github.com/slaclab/cpsw-tpg/internal/regmap"
)

const (
	// Markers is the number of fixed-rate markers.
	Markers = 16

	// Timeslots is the length of the AC timeslot cycle.
	Timeslots = 6
)

// EventKind classifies an observed engine action.
type EventKind string

const (
	EventCheckpoint EventKind = "checkpoint"
	EventRequest    EventKind = "request"
	EventRestart    EventKind = "restart"
	EventHalt       EventKind = "halt"
)

// Event is one engine action observed during a Tick.
type Event struct {
	Epoch  uint64
	Engine int
	Kind   EventKind
	Addr   uint32
	Value  uint32
}

// State is a snapshot of one engine.
type State struct {
	PC          uint32
	Running     bool
	Latched     uint32 // Start address latched from slot 15 by the go register
	Counters    [3]uint16
	Requests    uint64
	LastRequest uint32
}

type engineState struct {
	State
	synced uint16 // Marker firings seen by the current sync instruction
}

// Machine is an in-process TPG. It is safe for concurrent use: engines and
// the dispatcher may access registers while another goroutine ticks.
type Machine struct {
	mem    *regmap.Memory
	layout regmap.Layout
	enc    compiler.Encoder
	logger *slog.Logger

	mu       sync.Mutex
	epoch    uint64
	periods  [Markers]uint64
	interval uint64
	engines  []engineState
	observer func(Event)
}

// Option configures a Machine.
type Option func(*Machine)

// WithMarkerPeriods sets how many epochs separate firings of each marker.
// A zero period disables the marker.
func WithMarkerPeriods(p [Markers]uint64) Option {
	return func(m *Machine) {
		m.periods = p
	}
}

// WithIntervalEvery raises the interval notification every n epochs.
func WithIntervalEvery(n uint64) Option {
	return func(m *Machine) {
		m.interval = n
	}
}

// WithObserver calls fn for every checkpoint, request, restart and halt.
// fn runs with the machine locked and must not access it.
func WithObserver(fn func(Event)) Option {
	return func(m *Machine) {
		m.observer = fn
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(m *Machine) {
		m.logger = l
	}
}

// DefaultMarkerPeriods fires marker k every 2^k epochs.
func DefaultMarkerPeriods() [Markers]uint64 {
	var p [Markers]uint64
	for k := range p {
		p[k] = 1 << uint(k)
	}
	return p
}

// New builds a machine with every register of l.
func New(l regmap.Layout, opts ...Option) (*Machine, error) {
	mem, err := regmap.NewLayoutMemory(l)
	if err != nil {
		return nil, fmt.Errorf("sim: %w", err)
	}
	m := &Machine{
		mem:     mem,
		layout:  l,
		enc:     compiler.NewEncoder(l.AddrBits),
		logger:  slog.Default(),
		periods: DefaultMarkerPeriods(),
		engines: make([]engineState, l.Engines),
	}
	// Restart is a pulse per engine bit; writes between ticks accumulate.
	if err := mem.OnWrite(regmap.SeqRestart, func(old, v uint64) uint64 { return old | v }); err != nil {
		return nil, fmt.Errorf("sim: %w", err)
	}
	for _, opt := range opts {
		opt(m)
	}
	return m, nil
}

// Layout returns the register layout.
func (m *Machine) Layout() regmap.Layout { return m.layout }

// Memory exposes the backing register file.
func (m *Machine) Memory() *regmap.Memory { return m.mem }

// Read implements regmap.Access. IrqStatus reports the checkpoint bit
// while the sequence FIFO holds entries and the BSA bit while any
// BsaComplete bit is set.
func (m *Machine) Read(name string, index int) (uint64, error) {
	v, err := m.mem.Read(name, index)
	if err != nil || name != regmap.IrqStatus {
		return v, err
	}
	if m.mem.Pending(regmap.SeqFifo) > 0 {
		v |= 1 << irq.BitCheckpoint
	}
	cmpl, err := m.mem.Read(regmap.BsaComplete, 0)
	if err != nil {
		return 0, err
	}
	if cmpl != 0 {
		v |= 1 << irq.BitBSA
	}
	return v, nil
}

// Write implements regmap.Access.
func (m *Machine) Write(name string, index int, value uint64) error {
	return m.mem.Write(name, index, value)
}

// Epoch returns the number of completed ticks.
func (m *Machine) Epoch() uint64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.epoch
}

// State returns a snapshot of engine i.
func (m *Machine) State(i int) (State, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if i < 0 || i >= len(m.engines) {
		return State{}, fmt.Errorf("sim: engine %d outside [0, %d)", i, len(m.engines))
	}
	return m.engines[i].State, nil
}

// RaiseInterval sets the interval status bit.
func (m *Machine) RaiseInterval() error {
	return m.mem.Or(regmap.IrqStatus, 0, 1<<irq.BitInterval)
}

// RaiseFault sets the fault status bit.
func (m *Machine) RaiseFault() error {
	return m.mem.Or(regmap.IrqStatus, 0, 1<<irq.BitFault)
}

// CompleteBSA marks array done. The BSA status bit follows BsaComplete,
// so it clears once the dispatcher writes the completions back.
func (m *Machine) CompleteBSA(array int) error {
	if array < 0 || array >= m.layout.BsaArrays {
		return fmt.Errorf("sim: bsa array %d outside [0, %d)", array, m.layout.BsaArrays)
	}
	return m.mem.Or(regmap.BsaComplete, 0, 1<<uint(array))
}

// Tick advances one epoch. Pending go and restart writes are applied
// first, then every running engine executes one instruction. Tick reports
// whether any engine is running.
func (m *Machine) Tick() (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.latchStarts(); err != nil {
		return false, err
	}
	if err := m.applyRestart(); err != nil {
		return false, err
	}

	fired := m.firedMarkers()
	slot := uint8(m.epoch % Timeslots)

	active := false
	for i := range m.engines {
		if !m.engines[i].Running {
			continue
		}
		if err := m.execute(i, fired, slot); err != nil {
			return false, err
		}
		active = active || m.engines[i].Running
	}

	m.epoch++
	if m.interval > 0 && m.epoch%m.interval == 0 {
		if err := m.RaiseInterval(); err != nil {
			return false, err
		}
	}
	return active, nil
}

// latchStarts copies slot 15's start address for every engine whose go
// register was written.
func (m *Machine) latchStarts() error {
	for i := range m.engines {
		g, err := m.mem.Read(regmap.JumpGo(i), 0)
		if err != nil {
			return err
		}
		if g == 0 {
			continue
		}
		w, err := m.mem.Read(regmap.JumpSlot(i), engine.ManualSlot)
		if err != nil {
			return err
		}
		m.engines[i].Latched = engine.DecodeSlot(uint32(w)).Addr
		if err := m.mem.Set(regmap.JumpGo(i), 0, 0); err != nil {
			return err
		}
	}
	return nil
}

func (m *Machine) applyRestart() error {
	mask, err := m.mem.Read(regmap.SeqRestart, 0)
	if err != nil || mask == 0 {
		return err
	}
	for i := range m.engines {
		if mask&(1<<uint(i)) == 0 {
			continue
		}
		e := &m.engines[i]
		e.PC = e.Latched
		e.Running = true
		e.Counters = [3]uint16{}
		e.synced = 0
		m.emit(Event{Engine: i, Kind: EventRestart, Addr: e.PC})
	}
	return m.mem.Set(regmap.SeqRestart, 0, 0)
}

func (m *Machine) firedMarkers() uint16 {
	var fired uint16
	for k, p := range m.periods {
		if p > 0 && m.epoch%p == 0 {
			fired |= 1 << uint(k)
		}
	}
	return fired
}

func (m *Machine) execute(i int, fired uint16, slot uint8) error {
	e := &m.engines[i]
	raw, err := m.mem.Read(regmap.RAM(i), int(e.PC))
	if err != nil {
		return err
	}
	w := m.enc.Decode(uint32(raw))
	mask := m.enc.AddrMask()
	next := (e.PC + 1) & mask

	switch w.Opcode {
	case compiler.OpFixedRate:
		m.sync(e, fired&(1<<w.Marker) != 0, w.Occurrence, next)

	case compiler.OpACRate:
		hit := fired&(1<<w.Marker) != 0 && w.TimeslotMask&(1<<slot) != 0
		m.sync(e, hit, w.Occurrence, next)

	case compiler.OpBranch:
		if !w.Conditional {
			e.PC = w.Address
			break
		}
		if int(w.Counter) >= len(e.Counters) {
			m.halt(i, w.Raw)
			break
		}
		c := &e.Counters[w.Counter]
		if *c < w.Test {
			*c++
			e.PC = w.Address
		} else {
			*c = 0
			e.PC = next
		}

	case compiler.OpCheckpoint:
		entry := uint64(i)<<m.layout.AddrBits | uint64(e.PC)
		if err := m.mem.Push(regmap.SeqFifo, entry); err != nil {
			m.logger.Warn("checkpoint dropped", "engine", i, "addr", e.PC, "error", err)
		} else {
			m.emit(Event{Engine: i, Kind: EventCheckpoint, Addr: e.PC})
		}
		e.PC = next

	case compiler.OpRequest:
		e.Requests++
		e.LastRequest = w.Value
		m.emit(Event{Engine: i, Kind: EventRequest, Addr: e.PC, Value: w.Value})
		e.PC = next

	default:
		m.halt(i, w.Raw)
	}
	return nil
}

func (m *Machine) halt(i int, raw uint32) {
	e := &m.engines[i]
	m.logger.Warn("invalid instruction, engine halted", "engine", i, "addr", e.PC, "word", fmt.Sprintf("0x%08x", raw))
	e.Running = false
	m.emit(Event{Engine: i, Kind: EventHalt, Addr: e.PC, Value: raw})
}

// sync counts marker firings and advances once occurrence is reached.
// An occurrence of zero waits for a single firing.
func (m *Machine) sync(e *engineState, hit bool, occurrence uint16, next uint32) {
	if !hit {
		return
	}
	e.synced++
	if e.synced >= max(occurrence, 1) {
		e.synced = 0
		e.PC = next
	}
}

func (m *Machine) emit(ev Event) {
	if m.observer == nil {
		return
	}
	ev.Epoch = m.epoch
	m.observer(ev)
}

// Run ticks every period until ctx is done or epochs ticks have elapsed.
// Zero epochs runs until cancellation.
func (m *Machine) Run(ctx context.Context, period time.Duration, epochs uint64) error {
	t := time.NewTicker(period)
	defer t.Stop()

	for n := uint64(0); epochs == 0 || n < epochs; n++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-t.C:
		}
		if _, err := m.Tick(); err != nil {
			return fmt.Errorf("sim: tick %d: %w", m.Epoch(), err)
		}
	}
	return nil
}
