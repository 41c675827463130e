package tpg

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"

	"github.com/slaclab/cpsw-tpg/internal/engine"
	"github.com/slaclab/cpsw-tpg/internal/ir"
	"github.com/slaclab/cpsw-tpg/internal/irq"
	"github.com/slaclab/cpsw-tpg/internal/regmap"
)

// Config sizes a TPG.
type Config struct {
	AllowEngines int
	BeamEngines  int
	ExptEngines  int
	AddrBits     uint
	BsaArrays    int
}

// Engines returns the total engine count.
func (c Config) Engines() int {
	return c.AllowEngines + c.BeamEngines + c.ExptEngines
}

// Layout returns the register layout implied by c.
func (c Config) Layout() regmap.Layout {
	return regmap.Layout{
		AddrBits:    c.AddrBits,
		Engines:     c.Engines(),
		BeamEngines: c.BeamEngines,
		BsaArrays:   c.BsaArrays,
	}
}

// Validate checks the engine counts and the layout.
func (c Config) Validate() error {
	if c.AllowEngines < 0 || c.BeamEngines < 0 || c.ExptEngines < 0 {
		return fmt.Errorf("negative engine count (allow=%d beam=%d expt=%d)",
			c.AllowEngines, c.BeamEngines, c.ExptEngines)
	}
	return c.Layout().Validate()
}

// Role names the engine group of index i.
type Role string

const (
	RoleAllow Role = "allow"
	RoleBeam  Role = "beam"
	RoleExpt  Role = "expt"
)

// Role returns the group engine i belongs to.
func (c Config) Role(i int) Role {
	switch {
	case i < c.AllowEngines:
		return RoleAllow
	case i < c.AllowEngines+c.BeamEngines:
		return RoleBeam
	default:
		return RoleExpt
	}
}

// Recorder receives engine mutations. If it also implements
// irq.EventRecorder, checkpoint notifications are recorded too.
type Recorder interface {
	engine.Recorder
}

type options struct {
	recorder Recorder
	clock    *engine.Clock
	logger   *slog.Logger
	irqOpts  []irq.Option
}

// Option configures a Group.
type Option func(*options)

// WithRecorder logs every mutation of every engine.
func WithRecorder(r Recorder) Option {
	return func(o *options) {
		o.recorder = r
	}
}

// WithClock shares c between engines and the dispatcher.
func WithClock(c *engine.Clock) Option {
	return func(o *options) {
		o.clock = c
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(o *options) {
		o.logger = l
	}
}

// WithDispatcherOptions passes extra options to the dispatcher.
func WithDispatcherOptions(opts ...irq.Option) Option {
	return func(o *options) {
		o.irqOpts = append(o.irqOpts, opts...)
	}
}

// Group is one TPG. Like Engine it has a single writer: engine mutations
// and ResetEngines must come from one control goroutine, while Run
// services notifications on its own goroutine.
type Group struct {
	cfg        Config
	access     regmap.Access
	engines    []*engine.Engine
	dispatcher *irq.Dispatcher
	clock      *engine.Clock
	recorder   Recorder
	logger     *slog.Logger
}

// New builds every engine of cfg on a and a dispatcher that routes
// checkpoints back to them. Each engine gets its trap sequences.
func New(a regmap.Access, cfg Config, opts ...Option) (*Group, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("tpg: %w", err)
	}
	o := options{logger: slog.Default()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.clock == nil {
		o.clock = engine.NewClock()
	}

	g := &Group{
		cfg:      cfg,
		access:   a,
		clock:    o.clock,
		recorder: o.recorder,
		logger:   o.logger.With("component", "tpg"),
	}

	irqOpts := []irq.Option{irq.WithRouter(g), irq.WithLogger(o.logger.With("component", "irq"))}
	if er, ok := o.recorder.(irq.EventRecorder); ok {
		irqOpts = append(irqOpts, irq.WithEventRecorder(er, o.clock))
	}
	g.dispatcher = irq.New(a, cfg.AddrBits, append(irqOpts, o.irqOpts...)...)

	for i := 0; i < cfg.Engines(); i++ {
		kind := ir.RequestExpt
		if cfg.Role(i) != RoleExpt {
			kind = ir.RequestBeam
		}
		engOpts := []engine.Option{
			engine.WithRegistry(g.dispatcher),
			engine.WithClock(o.clock),
			engine.WithLogger(o.logger),
		}
		if o.recorder != nil {
			engOpts = append(engOpts, engine.WithRecorder(o.recorder))
		}
		e, err := engine.New(a, engine.Config{ID: i, Kind: kind, AddrBits: cfg.AddrBits}, engOpts...)
		if err != nil {
			return nil, fmt.Errorf("tpg: engine %d: %w", i, err)
		}
		g.engines = append(g.engines, e)
	}

	g.logger.Info("tpg ready",
		"allow", cfg.AllowEngines, "beam", cfg.BeamEngines, "expt", cfg.ExptEngines,
		"addr_bits", cfg.AddrBits)
	return g, nil
}

// Config returns the TPG configuration.
func (g *Group) Config() Config { return g.cfg }

// Len returns the number of engines.
func (g *Group) Len() int { return len(g.engines) }

// Engine returns engine i.
func (g *Group) Engine(i int) (*engine.Engine, error) {
	if i < 0 || i >= len(g.engines) {
		return nil, fmt.Errorf("tpg: engine %d outside [0, %d)", i, len(g.engines))
	}
	return g.engines[i], nil
}

// Dispatcher returns the notification dispatcher.
func (g *Group) Dispatcher() *irq.Dispatcher { return g.dispatcher }

// Clock returns the logical clock shared by engines and the dispatcher.
func (g *Group) Clock() *engine.Clock { return g.clock }

// Route implements irq.Router.
func (g *Group) Route(eng int, addr uint32) bool {
	if eng < 0 || eng >= len(g.engines) {
		g.logger.Warn("checkpoint from unknown engine", "engine", eng, "addr", addr)
		return false
	}
	return g.engines[eng].Handle(addr)
}

// ResetEngines restarts every listed engine with one write of the shared
// restart register, so they start on the same epoch.
func (g *Group) ResetEngines(ids ...int) error {
	var mask uint64
	for _, id := range ids {
		if id < 0 || id >= len(g.engines) {
			return fmt.Errorf("tpg: reset engine %d outside [0, %d)", id, len(g.engines))
		}
		mask |= 1 << uint(id)
	}
	if mask == 0 {
		return nil
	}
	if err := g.access.Write(regmap.SeqRestart, 0, mask); err != nil {
		return fmt.Errorf("tpg: write restart: %w", err)
	}
	g.logger.Debug("reset engines", "mask", fmt.Sprintf("%#x", mask))
	g.record(ir.Operation{Engine: -1, Op: ir.OpMultiReset, Sequence: -1, Mask: mask})
	return nil
}

// beamIndex maps engine i to its index in the beam engine registers.
func (g *Group) beamIndex(i int) (int, error) {
	if g.cfg.Role(i) != RoleBeam || i >= len(g.engines) {
		return 0, fmt.Errorf("tpg: engine %d is not a beam engine", i)
	}
	return i - g.cfg.AllowEngines, nil
}

// SetRequired sets the allow engines a beam engine requires.
func (g *Group) SetRequired(i int, mask uint32) error {
	b, err := g.beamIndex(i)
	if err != nil {
		return err
	}
	if err := g.access.Write(regmap.BeamSeqAllowMask, b, uint64(mask)); err != nil {
		return fmt.Errorf("tpg: engine %d allow mask: %w", i, err)
	}
	return nil
}

// SetDestination sets the beam destination of a beam engine.
func (g *Group) SetDestination(i int, destn uint32) error {
	b, err := g.beamIndex(i)
	if err != nil {
		return err
	}
	if err := g.access.Write(regmap.BeamSeqDestination, b, uint64(destn)); err != nil {
		return fmt.Errorf("tpg: engine %d destination: %w", i, err)
	}
	return nil
}

// Run services notifications until ctx is cancelled or Stop is called.
func (g *Group) Run(ctx context.Context) error {
	return g.dispatcher.Run(ctx)
}

// Stop ends Run.
func (g *Group) Stop() {
	g.dispatcher.Stop()
}

// Dump writes every engine grouped by role.
func (g *Group) Dump(w io.Writer) error {
	var last Role
	for i, e := range g.engines {
		if r := g.cfg.Role(i); r != last {
			if _, err := fmt.Fprintf(w, "--%s engines\n", r); err != nil {
				return err
			}
			last = r
		}
		if err := e.Dump(w); err != nil {
			return fmt.Errorf("tpg: dump engine %d: %w", i, err)
		}
	}
	return nil
}

// Close removes every user sequence from every engine and stops the
// dispatcher.
func (g *Group) Close() error {
	var errs []error
	for _, e := range g.engines {
		if err := e.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	g.dispatcher.Stop()
	return errors.Join(errs...)
}

func (g *Group) record(op ir.Operation) {
	if g.recorder == nil {
		return
	}
	op.Seq = g.clock.Next()
	if err := g.recorder.RecordOperation(op); err != nil {
		g.logger.Warn("failed to record operation", "op", op.Op, "seq", op.Seq, "error", err)
	}
}

var _ irq.Router = (*Group)(nil)
