package irq

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rs/xid"

	"github.com/slaclab/cpsw-tpg/internal/engine"
	"github.com/slaclab/cpsw-tpg/internal/ir"
	"github.com/slaclab/cpsw-tpg/internal/regmap"
)

// Bit positions in IrqStatus and IrqControl.
const (
	BitCheckpoint = 0
	BitInterval   = 1
	BitBSA        = 2
	BitFault      = 3
)

const (
	// DefaultBackoff is the idle sleep between status polls.
	DefaultBackoff = 10 * time.Millisecond

	// DefaultMaxDrain bounds the checkpoints handled in one pass so queued
	// requests and cancellation are still serviced under a checkpoint storm.
	DefaultMaxDrain = 1024
)

// Kind is a subscribable notification.
type Kind int

const (
	KindInterval Kind = iota + 1
	KindBSA
	KindFault
)

func (k Kind) String() string {
	switch k {
	case KindInterval:
		return "interval"
	case KindBSA:
		return "bsa"
	case KindFault:
		return "fault"
	default:
		return fmt.Sprintf("Kind(%d)", int(k))
	}
}

func (k Kind) bit() uint64 {
	switch k {
	case KindInterval:
		return 1 << BitInterval
	case KindBSA:
		return 1 << BitBSA
	case KindFault:
		return 1 << BitFault
	}
	return 0
}

// Handler is a notification callback. It runs on the polling goroutine.
type Handler func()

// Router delivers one checkpoint FIFO entry to its engine and reports
// whether a checkpoint was registered at addr.
type Router interface {
	Route(engine int, addr uint32) bool
}

// EventRecorder receives every checkpoint notification.
type EventRecorder interface {
	RecordCheckpoint(ev ir.CheckpointEvent) error
}

// Stats counts dispatcher activity since construction.
type Stats struct {
	Passes      uint64 `json:"passes"`
	Intervals   uint64 `json:"intervals"`
	BSA         uint64 `json:"bsa"`
	Faults      uint64 `json:"faults"`
	Checkpoints uint64 `json:"checkpoints"`
	Unhandled   uint64 `json:"unhandled"`
}

type subscription struct {
	id    xid.ID
	kind  Kind
	array int
	fn    Handler
}

type checkpointKey struct {
	engine int
	addr   uint32
}

// Dispatcher is the notification loop of one TPG.
//
// Thread-safety model:
//   - Subscribe, SubscribeBSA, Register, Unregister, Stop: any goroutine
//   - Run / PollOnce: exactly one goroutine
//   - Dispatch: only from the polling goroutine (via Router)
type Dispatcher struct {
	access   regmap.Access
	router   Router
	addrBits uint
	addrMask uint32
	backoff  time.Duration
	maxDrain int
	logger   *slog.Logger
	recorder EventRecorder
	clock    *engine.Clock

	queue *requestQueue

	// Owned by the polling goroutine.
	subs        []subscription
	checkpoints map[checkpointKey]ir.Callback
	enable      uint64
	enableValid bool

	passes, intervals, bsa, faults, delivered, unhandled atomic.Uint64
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithRouter routes checkpoint FIFO entries through r. By default the
// dispatcher resolves them against its own checkpoint table.
func WithRouter(r Router) Option {
	return func(d *Dispatcher) {
		d.router = r
	}
}

// WithBackoff sets the idle sleep between polls.
func WithBackoff(b time.Duration) Option {
	return func(d *Dispatcher) {
		d.backoff = b
	}
}

// WithMaxDrain bounds the checkpoints handled per pass.
func WithMaxDrain(n int) Option {
	return func(d *Dispatcher) {
		d.maxDrain = n
	}
}

// WithEventRecorder logs every checkpoint notification, stamped from clock.
func WithEventRecorder(r EventRecorder, clock *engine.Clock) Option {
	return func(d *Dispatcher) {
		d.recorder = r
		d.clock = clock
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = l
	}
}

// New creates a dispatcher for a TPG whose engines have addrBits-wide
// instruction RAM.
func New(a regmap.Access, addrBits uint, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		access:      a,
		addrBits:    addrBits,
		addrMask:    uint32(1)<<addrBits - 1,
		backoff:     DefaultBackoff,
		maxDrain:    DefaultMaxDrain,
		logger:      slog.Default(),
		queue:       newRequestQueue(),
		checkpoints: make(map[checkpointKey]ir.Callback),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.router == nil {
		d.router = tableRouter{d}
	}
	if d.clock == nil {
		d.clock = engine.NewClock()
	}
	return d
}

var _ engine.CheckpointRegistry = (*Dispatcher)(nil)

// tableRouter resolves checkpoints against the dispatcher's own table.
type tableRouter struct{ d *Dispatcher }

func (r tableRouter) Route(engine int, addr uint32) bool {
	return r.d.Dispatch(engine, addr)
}

// Register implements engine.CheckpointRegistry. The callback becomes
// active at the start of the next pass.
func (d *Dispatcher) Register(engine int, addr uint32, cb ir.Callback) {
	if !d.queue.Enqueue(request{op: opRegister, engine: engine, addr: addr, cb: cb}) {
		d.logger.Warn("checkpoint registered after dispatcher stop", "engine", engine, "addr", addr)
	}
}

// Unregister implements engine.CheckpointRegistry.
func (d *Dispatcher) Unregister(engine int, addr uint32) {
	d.queue.Enqueue(request{op: opUnregister, engine: engine, addr: addr})
}

// Dispatch implements engine.CheckpointRegistry. It must only be called
// from the polling goroutine.
func (d *Dispatcher) Dispatch(engine int, addr uint32) bool {
	cb, ok := d.checkpoints[checkpointKey{engine, addr}]
	if !ok {
		return false
	}
	if cb != nil {
		cb()
	}
	return true
}

// Subscribe adds fn as a handler for interval or fault notifications.
func (d *Dispatcher) Subscribe(kind Kind, fn Handler) (*Subscription, error) {
	if kind != KindInterval && kind != KindFault {
		return nil, fmt.Errorf("subscribe: %s is not a plain notification", kind)
	}
	return d.subscribe(request{op: opSubscribe, kind: kind, fn: fn})
}

// SubscribeBSA adds fn as a completion handler for BSA array.
func (d *Dispatcher) SubscribeBSA(array int, fn Handler) (*Subscription, error) {
	if array < 0 || array >= 64 {
		return nil, fmt.Errorf("subscribe: bsa array %d outside [0, 64)", array)
	}
	return d.subscribe(request{op: opSubscribe, kind: KindBSA, array: array, fn: fn})
}

func (d *Dispatcher) subscribe(r request) (*Subscription, error) {
	if r.fn == nil {
		return nil, fmt.Errorf("subscribe %s: nil handler", r.kind)
	}
	r.id = xid.New()
	if !d.queue.Enqueue(r) {
		return nil, fmt.Errorf("subscribe %s: dispatcher stopped", r.kind)
	}
	return &Subscription{id: r.id, kind: r.kind, d: d}, nil
}

// Subscription is a handle on one registered handler.
type Subscription struct {
	id   xid.ID
	kind Kind
	d    *Dispatcher
}

// ID returns the subscription handle as a string.
func (s *Subscription) ID() string { return s.id.String() }

// Kind returns the notification kind.
func (s *Subscription) Kind() Kind { return s.kind }

// Cancel removes the handler at the next safe point. Cancelling twice is
// harmless.
func (s *Subscription) Cancel() {
	s.d.queue.Enqueue(request{op: opCancel, id: s.id})
}

// apply runs queued table mutations. Called only from the polling goroutine.
func (d *Dispatcher) apply(reqs []request) {
	for _, r := range reqs {
		switch r.op {
		case opSubscribe:
			d.subs = append(d.subs, subscription{id: r.id, kind: r.kind, array: r.array, fn: r.fn})
			d.logger.Debug("subscribed", "kind", r.kind, "id", r.id.String())
		case opCancel:
			for i, s := range d.subs {
				if s.id == r.id {
					d.subs = append(d.subs[:i], d.subs[i+1:]...)
					break
				}
			}
		case opRegister:
			d.checkpoints[checkpointKey{r.engine, r.addr}] = r.cb
		case opUnregister:
			delete(d.checkpoints, checkpointKey{r.engine, r.addr})
		}
	}
}

// Enable returns the IrqControl value implied by the current subscriptions:
// checkpoint always, plus one bit per subscribed kind.
func (d *Dispatcher) Enable() uint64 {
	v := uint64(1) << BitCheckpoint
	for _, s := range d.subs {
		v |= s.kind.bit()
	}
	return v
}

// PollOnce applies queued requests, reads the status register once and
// dispatches whatever is pending. It reports whether anything was pending.
func (d *Dispatcher) PollOnce() (bool, error) {
	d.apply(d.queue.Drain())

	status, err := d.access.Read(regmap.IrqStatus, 0)
	if err != nil {
		return false, fmt.Errorf("read irq status: %w", err)
	}
	d.passes.Add(1)

	if status != 0 {
		if err := d.dispatch(status); err != nil {
			return true, err
		}
		if ack := status & (1<<BitInterval | 1<<BitFault); ack != 0 {
			if err := d.access.Write(regmap.IrqStatus, 0, ack); err != nil {
				return true, fmt.Errorf("acknowledge irq status: %w", err)
			}
		}
	}

	if err := d.writeEnable(); err != nil {
		return status != 0, err
	}
	return status != 0, nil
}

func (d *Dispatcher) dispatch(status uint64) error {
	if status&(1<<BitInterval) != 0 {
		d.intervals.Add(1)
		d.fire(KindInterval, -1)
	}
	if status&(1<<BitBSA) != 0 {
		if err := d.handleBSA(); err != nil {
			return err
		}
	}
	if status&(1<<BitFault) != 0 {
		d.faults.Add(1)
		d.fire(KindFault, -1)
	}
	if status&(1<<BitCheckpoint) != 0 {
		return d.drainCheckpoints()
	}
	return nil
}

func (d *Dispatcher) fire(kind Kind, array int) {
	for _, s := range d.subs {
		if s.kind == kind && (kind != KindBSA || s.array == array) {
			s.fn()
		}
	}
}

func (d *Dispatcher) handleBSA() error {
	cmpl, err := d.access.Read(regmap.BsaComplete, 0)
	if err != nil {
		return fmt.Errorf("read bsa complete: %w", err)
	}
	if cmpl == 0 {
		return nil
	}
	if err := d.access.Write(regmap.BsaComplete, 0, cmpl); err != nil {
		return fmt.Errorf("clear bsa complete: %w", err)
	}
	for i := 0; i < 64; i++ {
		if cmpl&(1<<uint(i)) != 0 {
			d.bsa.Add(1)
			d.fire(KindBSA, i)
		}
	}
	return nil
}

// drainCheckpoints pops FIFO entries until the checkpoint status bit
// clears or the per-pass limit is reached.
func (d *Dispatcher) drainCheckpoints() error {
	for n := 0; n < d.maxDrain; n++ {
		w, err := d.access.Read(regmap.SeqFifo, 0)
		if err != nil {
			return fmt.Errorf("read sequence fifo: %w", err)
		}
		eng := int(w >> d.addrBits)
		addr := uint32(w) & d.addrMask

		handled := d.router.Route(eng, addr)
		d.delivered.Add(1)
		if !handled {
			d.unhandled.Add(1)
			d.logger.Warn("unhandled checkpoint", "engine", eng, "addr", fmt.Sprintf("0x%03x", addr))
		}
		d.recordCheckpoint(eng, addr, handled)

		status, err := d.access.Read(regmap.IrqStatus, 0)
		if err != nil {
			return fmt.Errorf("read irq status: %w", err)
		}
		if status&(1<<BitCheckpoint) == 0 {
			return nil
		}
	}
	d.logger.Warn("checkpoint drain limit reached", "limit", d.maxDrain)
	return nil
}

func (d *Dispatcher) recordCheckpoint(eng int, addr uint32, handled bool) {
	if d.recorder == nil {
		return
	}
	ev := ir.CheckpointEvent{Seq: d.clock.Next(), Engine: eng, Address: addr, Handled: handled}
	if err := d.recorder.RecordCheckpoint(ev); err != nil {
		d.logger.Warn("failed to record checkpoint", "seq", ev.Seq, "error", err)
	}
}

func (d *Dispatcher) writeEnable() error {
	v := d.Enable()
	if d.enableValid && v == d.enable {
		return nil
	}
	if err := d.access.Write(regmap.IrqControl, 0, v); err != nil {
		return fmt.Errorf("write irq control: %w", err)
	}
	d.enable, d.enableValid = v, true
	return nil
}

// Run polls until ctx is cancelled or Stop is called.
//
// Interrupt enables are cleared before the first poll. A register failure
// ends the loop with an error; callers treat it as fatal because
// notifications stop being serviced.
func (d *Dispatcher) Run(ctx context.Context) error {
	d.logger.Info("dispatcher starting", "backoff", d.backoff)

	if err := d.access.Write(regmap.IrqControl, 0, 0); err != nil {
		return fmt.Errorf("disable irq: %w", err)
	}
	d.enable, d.enableValid = 0, true

	timer := time.NewTimer(d.backoff)
	defer timer.Stop()

	for {
		if d.queue.Closed() {
			d.logger.Info("dispatcher stopping: stopped")
			return nil
		}
		if err := ctx.Err(); err != nil {
			d.logger.Info("dispatcher stopping: context cancelled")
			return err
		}

		active, err := d.PollOnce()
		if err != nil {
			d.logger.Error("dispatcher failed", "error", err)
			return err
		}
		if active {
			continue
		}

		timer.Reset(d.backoff)
		select {
		case <-ctx.Done():
			d.logger.Info("dispatcher stopping: context cancelled")
			return ctx.Err()
		case <-timer.C:
		case <-d.queue.Wait():
		}
	}
}

// Stop makes Run return at its next wakeup. Later subscriptions fail.
func (d *Dispatcher) Stop() {
	d.queue.Close()
}

// Stats returns a snapshot of the activity counters. Safe from any
// goroutine.
func (d *Dispatcher) Stats() Stats {
	return Stats{
		Passes:      d.passes.Load(),
		Intervals:   d.intervals.Load(),
		BSA:         d.bsa.Load(),
		Faults:      d.faults.Load(),
		Checkpoints: d.delivered.Load(),
		Unhandled:   d.unhandled.Load(),
	}
}
