package harness

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"sync"

	"github.com/slaclab/cpsw-tpg/internal/compiler"
	"github.com/slaclab/cpsw-tpg/internal/config"
	"github.com/slaclab/cpsw-tpg/internal/engine"
	"github.com/slaclab/cpsw-tpg/internal/ir"
	"github.com/slaclab/cpsw-tpg/internal/irq"
	"github.com/slaclab/cpsw-tpg/internal/sim"
	"github.com/slaclab/cpsw-tpg/internal/store"
	"github.com/slaclab/cpsw-tpg/internal/testutil"
	"github.com/slaclab/cpsw-tpg/internal/tpg"
)

// StepError reports a step the harness could not run at all, such as a
// reference to an unknown program or alias. Engine failures are not
// StepErrors: they are traced and checked against expect_error.
type StepError struct {
	Step    int
	Do      string
	Message string
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %s", e.Step, e.Do, e.Message)
}

// seqRef is a live sequence named by an insert alias.
type seqRef struct {
	engine int
	id     int
}

// Harness executes one scenario. It implements tpg.Recorder and
// irq.EventRecorder so every logged record also lands in the trace.
type Harness struct {
	store    *store.Store
	log      *store.Log
	machine  *sim.Machine
	group    *tpg.Group
	programs map[string]ir.Program
	aliases  map[string]seqRef
	bsa      map[int]bool
	logger   *slog.Logger

	mu     sync.Mutex
	step   int
	result *Result
}

// Option configures a run.
type Option func(*Harness)

// WithLogger sends engine, dispatcher and model logs to l.
// Default: discarded.
func WithLogger(l *slog.Logger) Option {
	return func(h *Harness) {
		h.logger = l
	}
}

// Run executes a scenario and returns the result.
//
// Each run gets a fresh in-memory store and a fresh simulated TPG.
// The returned error is non-nil only when the scenario could not be run;
// failed expectations and assertions are reported in the Result.
func Run(scenario *Scenario, opts ...Option) (*Result, error) {
	h := &Harness{
		programs: make(map[string]ir.Program),
		aliases:  make(map[string]seqRef),
		bsa:      make(map[int]bool),
		logger:   slog.New(slog.NewTextHandler(io.Discard, nil)),
		result:   NewResult(),
		step:     -1,
	}
	for _, opt := range opts {
		opt(h)
	}

	cfg := scenarioConfig(scenario)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid tpg config: %w", err)
	}

	st, err := store.Open(":memory:")
	if err != nil {
		return nil, fmt.Errorf("failed to create in-memory store: %w", err)
	}
	defer st.Close()
	h.store = st

	ctx := context.Background()
	session := testutil.NewFixedSessionGenerator(scenario.Session).Generate()
	h.log, err = store.NewLog(ctx, st, session, scenario.Name)
	if err != nil {
		return nil, fmt.Errorf("failed to open session: %w", err)
	}
	h.result.Session = session

	if err := h.loadPrograms(ctx, scenario.Programs, compiler.NewEncoder(cfg.AddrBits)); err != nil {
		return nil, err
	}

	h.machine, err = sim.New(cfg.Layout(), sim.WithObserver(h.observe), sim.WithLogger(h.logger))
	if err != nil {
		return nil, err
	}
	h.group, err = tpg.New(h.machine, cfg,
		tpg.WithRecorder(h),
		tpg.WithClock(engine.NewClock()),
		tpg.WithLogger(h.logger),
	)
	if err != nil {
		return nil, err
	}
	defer h.group.Stop()

	d := h.group.Dispatcher()
	if _, err := d.Subscribe(irq.KindInterval, h.irqHandler(irq.KindInterval, 0)); err != nil {
		return nil, err
	}
	if _, err := d.Subscribe(irq.KindFault, h.irqHandler(irq.KindFault, 0)); err != nil {
		return nil, err
	}

	for i, step := range scenario.Steps {
		if err := h.runStep(i, step); err != nil {
			return nil, err
		}
	}

	actx := &AssertionContext{
		Store:   st,
		Ctx:     ctx,
		Machine: h.machine,
	}
	for _, msg := range EvaluateAssertions(h.result, scenario.Assertions, actx) {
		h.result.AddError(msg)
	}
	return h.result, nil
}

// scenarioConfig returns the TPG size of s, filling defaults.
func scenarioConfig(s *Scenario) tpg.Config {
	t := config.TPG{BeamEngines: 1, AddrBits: 11, BsaArrays: 64}
	if s.TPG != nil {
		t = *s.TPG
		if t.AddrBits == 0 {
			t.AddrBits = 11
		}
	}
	return t.Group()
}

// loadPrograms compiles every program path and stores each program in the
// session's program library.
func (h *Harness) loadPrograms(ctx context.Context, paths []string, enc compiler.Encoder) error {
	for _, path := range paths {
		programs, err := compiler.LoadPrograms(path)
		if err != nil {
			return fmt.Errorf("failed to compile %s: %w", path, err)
		}
		for _, p := range programs {
			if _, dup := h.programs[p.Name]; dup {
				return fmt.Errorf("program %q defined twice", p.Name)
			}
			h.programs[p.Name] = p

			rec, err := enc.Record(p)
			if err != nil {
				return fmt.Errorf("program %q: %w", p.Name, err)
			}
			if err := h.store.WriteProgram(ctx, rec); err != nil {
				return fmt.Errorf("program %q: %w", p.Name, err)
			}
		}
	}
	return nil
}

// runStep executes one step and checks its expected error.
func (h *Harness) runStep(i int, step Step) error {
	h.mu.Lock()
	h.step = i
	h.mu.Unlock()
	h.emit(TraceEvent{Type: EventStep, Name: step.Do})

	err := h.apply(i, step)
	var se *StepError
	if errors.As(err, &se) {
		return se
	}

	switch {
	case err == nil && step.ExpectError != "":
		h.result.AddError(fmt.Sprintf("step %d (%s): expected error %s, got success", i, step.Do, step.ExpectError))
	case err != nil:
		code := string(engine.CodeOf(err))
		if code == "" {
			code = "ERROR"
		}
		h.emit(TraceEvent{Type: EventError, Name: code})
		if step.ExpectError == "" {
			h.result.AddError(fmt.Sprintf("step %d (%s): %v", i, step.Do, err))
		} else if code != step.ExpectError {
			h.result.AddError(fmt.Sprintf("step %d (%s): expected error %s, got %s: %v", i, step.Do, step.ExpectError, code, err))
		}
	}

	h.logger.Info("step completed", "step", i, "do", step.Do, "error", err)
	return nil
}

func (h *Harness) apply(i int, step Step) error {
	fail := func(format string, args ...any) error {
		return &StepError{Step: i, Do: step.Do, Message: fmt.Sprintf(format, args...)}
	}

	switch step.Do {
	case DoInsert:
		p, ok := h.programs[step.Program]
		if !ok {
			return fail("unknown program %q", step.Program)
		}
		e, err := h.group.Engine(step.Engine)
		if err != nil {
			return fail("%v", err)
		}
		id, err := e.InsertSequence(h.withCallbacks(p, step.Engine))
		if err != nil {
			return err
		}
		if step.As != "" {
			h.aliases[step.As] = seqRef{engine: step.Engine, id: id}
		}
		return nil

	case DoRemove, DoSetAddress, DoMPSJump, DoBCSJump:
		ref, err := h.resolve(step)
		if err != nil {
			return fail("%v", err)
		}
		e, err := h.group.Engine(ref.engine)
		if err != nil {
			return fail("%v", err)
		}
		switch step.Do {
		case DoRemove:
			return e.RemoveSequence(ref.id)
		case DoSetAddress:
			return e.SetAddress(ref.id, step.Offset, step.Sync)
		case DoMPSJump:
			return e.SetMPSJump(step.Class, ref.id, step.PowerClass, step.Offset)
		default:
			return e.SetBCSJump(ref.id, step.PowerClass, step.Offset)
		}

	case DoReset:
		if len(step.Engines) > 0 {
			return h.group.ResetEngines(step.Engines...)
		}
		e, err := h.group.Engine(step.Engine)
		if err != nil {
			return fail("%v", err)
		}
		return e.Reset()

	case DoMPSState:
		e, err := h.group.Engine(step.Engine)
		if err != nil {
			return fail("%v", err)
		}
		return e.SetMPSState(step.State, step.Sync)

	case DoSetRequired:
		return h.group.SetRequired(step.Engine, step.Mask)

	case DoSetDestination:
		return h.group.SetDestination(step.Engine, step.Destination)

	case DoTick:
		for n := 0; n < repeat(step.Count); n++ {
			if _, err := h.machine.Tick(); err != nil {
				return fail("tick: %v", err)
			}
		}
		return nil

	case DoPoll:
		for n := 0; n < repeat(step.Count); n++ {
			if _, err := h.group.Dispatcher().PollOnce(); err != nil {
				return fail("poll: %v", err)
			}
		}
		return nil

	case DoInterval:
		return h.machine.RaiseInterval()

	case DoFault:
		return h.machine.RaiseFault()

	case DoBSA:
		if !h.bsa[step.Array] {
			if _, err := h.group.Dispatcher().SubscribeBSA(step.Array, h.irqHandler(irq.KindBSA, step.Array)); err != nil {
				return fail("%v", err)
			}
			h.bsa[step.Array] = true
		}
		return h.machine.CompleteBSA(step.Array)
	}
	return fail("unknown action")
}

func repeat(n int) int {
	if n == 0 {
		return 1
	}
	return n
}

// resolve maps a step's sequence reference to an engine and id. Numeric
// references address step.Engine.
func (h *Harness) resolve(step Step) (seqRef, error) {
	if ref, ok := h.aliases[step.Sequence]; ok {
		return ref, nil
	}
	id, err := strconv.Atoi(step.Sequence)
	if err != nil {
		return seqRef{}, fmt.Errorf("unknown sequence %q", step.Sequence)
	}
	return seqRef{engine: step.Engine, id: id}, nil
}

// withCallbacks copies p's instructions and gives every checkpoint a
// callback that traces its label. Unlabelled checkpoints are named
// program[index].
func (h *Harness) withCallbacks(p ir.Program, eng int) []ir.Instruction {
	instrs := ir.Clone(p.Instructions)
	for i, instr := range instrs {
		cp, ok := instr.(ir.Checkpoint)
		if !ok {
			continue
		}
		label := cp.Label
		if label == "" {
			label = fmt.Sprintf("%s[%d]", p.Name, i)
		}
		cp.Callback = func() {
			h.emit(TraceEvent{Type: EventCallback, Name: label, Engine: eng, Sequence: -1})
		}
		instrs[i] = cp
	}
	return instrs
}

func (h *Harness) irqHandler(kind irq.Kind, array int) irq.Handler {
	return func() {
		h.emit(TraceEvent{Type: EventIRQ, Name: kind.String(), Engine: -1, Sequence: -1, Value: uint32(array)})
	}
}

// observe receives hardware model events. It runs with the machine
// locked.
func (h *Harness) observe(ev sim.Event) {
	h.emit(TraceEvent{
		Type:     EventSim,
		Name:     string(ev.Kind),
		Epoch:    ev.Epoch,
		Engine:   ev.Engine,
		Sequence: -1,
		Addr:     ev.Addr,
		Value:    ev.Value,
	})
}

// RecordOperation implements engine.Recorder.
func (h *Harness) RecordOperation(op ir.Operation) error {
	h.emit(TraceEvent{
		Type:     EventOp,
		Name:     string(op.Op),
		Engine:   op.Engine,
		Sequence: op.Sequence,
		Addr:     op.Address,
		Op:       &op,
		Seq:      op.Seq,
	})
	return h.log.RecordOperation(op)
}

// RecordCheckpoint implements irq.EventRecorder.
func (h *Harness) RecordCheckpoint(ev ir.CheckpointEvent) error {
	h.emit(TraceEvent{
		Type:     EventNotify,
		Name:     "checkpoint",
		Engine:   ev.Engine,
		Sequence: -1,
		Addr:     ev.Address,
		Handled:  ev.Handled,
		Seq:      ev.Seq,
	})
	return h.log.RecordCheckpoint(ev)
}

func (h *Harness) emit(ev TraceEvent) {
	h.mu.Lock()
	defer h.mu.Unlock()
	ev.Step = h.step
	h.result.Trace = append(h.result.Trace, ev)
}

var (
	_ tpg.Recorder      = (*Harness)(nil)
	_ irq.EventRecorder = (*Harness)(nil)
)
