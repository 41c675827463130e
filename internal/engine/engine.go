package engine

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"

	"github.com/slaclab/cpsw-tpg/internal/compiler"
	"github.com/slaclab/cpsw-tpg/internal/ir"
	"github.com/slaclab/cpsw-tpg/internal/regmap"
)

// Config identifies one sequence engine of a TPG.
type Config struct {
	ID       int
	Kind     ir.RequestKind
	AddrBits uint
}

// Sequence is a sequence compiled and resolved into instruction RAM.
//
// A Sequence is never relocated. Words holds the encoded image as written,
// Instructions the engine's own copy of the list it was built from.
type Sequence struct {
	ID           int
	Base         uint32
	Words        []uint32
	Instructions []ir.Instruction
	Checkpoints  []uint32 // Absolute addresses of Checkpoint instructions
}

// Len returns the number of RAM words the sequence occupies.
func (s *Sequence) Len() int { return len(s.Words) }

// Address resolves an instruction index to its absolute RAM address.
func (s *Sequence) Address(offset int) (uint32, bool) {
	if offset < 0 || offset >= len(s.Instructions) {
		return 0, false
	}
	return s.Base + uint32(ir.Offset(s.Instructions, offset)), true
}

func (s *Sequence) clone() *Sequence {
	c := *s
	c.Words = append([]uint32(nil), s.Words...)
	c.Instructions = ir.Clone(s.Instructions)
	c.Checkpoints = append([]uint32(nil), s.Checkpoints...)
	return &c
}

// Engine programs one hardware sequence engine.
//
// Engine owns the engine's allocation table, id pool and jump table. It is
// not internally synchronized: exactly one goroutine may mutate it.
// Handle may be called from the notification path; it touches only the
// checkpoint registry.
//
// INVARIANTS:
//   - ids 0 and 1 are the traps at address 0 and at the last address
//   - live RAM regions never overlap
//   - every live sequence's branch targets lie inside the sequence
type Engine struct {
	id     int
	kind   ir.RequestKind
	enc    compiler.Encoder
	access regmap.Access
	ram    regmap.Array
	jump   *JumpTable

	alloc   *Allocator
	indices *IndexPool
	seqs    map[int]*Sequence

	registry CheckpointRegistry
	recorder Recorder
	clock    *Clock
	logger   *slog.Logger
}

// Option configures an Engine.
type Option func(*Engine)

// WithRegistry routes checkpoint callbacks through r instead of a
// private LocalRegistry.
func WithRegistry(r CheckpointRegistry) Option {
	return func(e *Engine) {
		e.registry = r
	}
}

// WithRecorder logs every mutation to r.
func WithRecorder(r Recorder) Option {
	return func(e *Engine) {
		e.recorder = r
	}
}

// WithClock stamps recorded operations from c. Engines of one TPG share
// a clock so their records interleave in order.
func WithClock(c *Clock) Option {
	return func(e *Engine) {
		e.clock = c
	}
}

// WithLogger sets the structured logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = l
	}
}

// New creates the engine described by cfg on register access a and
// installs the two trap sequences.
func New(a regmap.Access, cfg Config, opts ...Option) (*Engine, error) {
	if cfg.Kind != ir.RequestBeam && cfg.Kind != ir.RequestExpt {
		return nil, fmt.Errorf("engine %d: invalid request kind %d", cfg.ID, cfg.Kind)
	}
	if cfg.AddrBits == 0 || cfg.AddrBits > startAddrWidth {
		return nil, fmt.Errorf("engine %d: address width %d outside [1, %d]", cfg.ID, cfg.AddrBits, startAddrWidth)
	}
	if cfg.ID < 0 || cfg.ID >= regmap.MaxEngines {
		return nil, fmt.Errorf("engine id %d outside [0, %d)", cfg.ID, regmap.MaxEngines)
	}

	e := &Engine{
		id:      cfg.ID,
		kind:    cfg.Kind,
		enc:     compiler.NewEncoder(cfg.AddrBits),
		access:  a,
		ram:     regmap.Scope(a, regmap.RAM(cfg.ID)),
		jump:    NewJumpTable(a, cfg.ID),
		alloc:   NewAllocator(1 << cfg.AddrBits),
		indices: NewIndexPool(),
		seqs:    make(map[int]*Sequence),
		clock:   NewClock(),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.registry == nil {
		e.registry = NewLocalRegistry()
	}
	e.logger = e.logger.With("engine", e.id)

	if err := e.installTrap(TrapLowID, 0); err != nil {
		return nil, err
	}
	if err := e.installTrap(TrapHighID, uint32(e.alloc.Size()-1)); err != nil {
		return nil, err
	}
	return e, nil
}

// installTrap writes a single unconditional self-branch at base.
func (e *Engine) installTrap(id int, base uint32) error {
	if !e.alloc.Reserve(int(base), 1) {
		return e.newError(ErrCodeOutOfSpace, id, "trap address 0x%x unavailable", base)
	}
	w := e.enc.TrapWord(base)
	if err := e.ram.Set(int(base), uint64(w)); err != nil {
		return e.accessError(id, "write trap", err)
	}
	e.seqs[id] = &Sequence{
		ID:           id,
		Base:         base,
		Words:        []uint32{w},
		Instructions: []ir.Instruction{ir.Jump(0)},
	}
	return nil
}

// ID returns the engine index.
func (e *Engine) ID() int { return e.id }

// Kind returns the request kind the engine accepts.
func (e *Engine) Kind() ir.RequestKind { return e.kind }

// Encoder returns the engine's word encoder.
func (e *Engine) Encoder() compiler.Encoder { return e.enc }

// JumpTable returns the engine's jump table.
func (e *Engine) JumpTable() *JumpTable { return e.jump }

// Gaps returns the free RAM regions in ascending address order.
func (e *Engine) Gaps() []Region { return e.alloc.Gaps() }

// InsertSequence compiles instrs into free instruction RAM and returns the
// new sequence id.
//
// Request kinds, operand ranges and branch targets are checked before any
// state changes. A register failure while writing RAM unwinds the insert.
// The engine keeps its own copy of instrs.
func (e *Engine) InsertSequence(instrs []ir.Instruction) (int, error) {
	if len(instrs) == 0 {
		return -1, e.newError(ErrCodeOperandRange, -1, "sequence has no instructions")
	}
	for i, instr := range instrs {
		if instr == nil {
			return -1, e.newError(ErrCodeOperandRange, -1, "instruction %d is nil", i)
		}
		if req, ok := instr.(ir.ControlRequest); ok && req.RequestKind() != e.kind {
			return -1, e.newError(ErrCodeWrongRequestKind, -1,
				"instruction %d is a %s request on a %s engine", i, req.RequestKind(), e.kind)
		}
	}
	if _, err := e.enc.EncodeSequence(instrs, 0); err != nil {
		return -1, e.encodeError(err)
	}

	n := ir.WordCount(instrs)
	base, ok := e.alloc.Place(n)
	if !ok {
		return -1, e.newError(ErrCodeOutOfSpace, -1, "no free block of %d words", n)
	}
	id, ok := e.indices.Acquire()
	if !ok {
		return -1, e.newError(ErrCodeIndexExhausted, -1, "all %d sequence ids in use", MaxIDs)
	}

	words, err := e.enc.EncodeSequence(instrs, uint32(base))
	if err != nil {
		e.indices.Release(id)
		return -1, e.encodeError(err)
	}

	e.alloc.Reserve(base, n)
	seq := &Sequence{
		ID:           id,
		Base:         uint32(base),
		Words:        words,
		Instructions: ir.Clone(instrs),
	}
	e.seqs[id] = seq

	for i, w := range words {
		addr := seq.Base + uint32(i)
		if err := e.ram.Set(int(addr), uint64(w)); err != nil {
			e.remove(seq)
			return -1, e.accessError(id, fmt.Sprintf("write word 0x%x", addr), err)
		}
		e.logger.Debug("wrote sequence word",
			"sequence", id,
			"addr", fmt.Sprintf("0x%03x", addr),
			"word", fmt.Sprintf("0x%08x", w),
		)
	}
	for i, instr := range seq.Instructions {
		if cp, ok := instr.(ir.Checkpoint); ok {
			addr, _ := seq.Address(i)
			seq.Checkpoints = append(seq.Checkpoints, addr)
			e.registry.Register(e.id, addr, cp.Callback)
		}
	}

	e.logger.Info("inserted sequence",
		"sequence", id,
		"base", fmt.Sprintf("0x%03x", base),
		"words", n,
	)
	e.record(ir.Operation{Op: ir.OpInsert, Sequence: id, Address: seq.Base, Words: n})
	return id, nil
}

func (e *Engine) encodeError(err error) error {
	var be *compiler.BranchError
	if errors.As(err, &be) {
		return &Error{Code: ErrCodeBranchOutOfRange, Message: be.Error(), Engine: e.id, Sequence: -1, Err: err}
	}
	var oe *compiler.OperandError
	if errors.As(err, &oe) {
		return &Error{Code: ErrCodeOperandRange, Message: oe.Error(), Engine: e.id, Sequence: -1, Err: err}
	}
	return &Error{Code: ErrCodeOperandRange, Message: "encode", Engine: e.id, Sequence: -1, Err: err}
}

// RemoveSequence frees sequence id: its callbacks are unregistered, a trap
// word is stamped at its base and its RAM and id are returned.
// The trap sequences cannot be removed.
func (e *Engine) RemoveSequence(id int) error {
	if id == TrapLowID || id == TrapHighID {
		return e.newError(ErrCodeNotFound, id, "sequence %d is a reserved trap", id)
	}
	seq, ok := e.seqs[id]
	if !ok {
		return e.newError(ErrCodeNotFound, id, "sequence %d is not live", id)
	}
	if err := e.remove(seq); err != nil {
		return err
	}
	e.logger.Info("removed sequence", "sequence", id, "base", fmt.Sprintf("0x%03x", seq.Base))
	e.record(ir.Operation{Op: ir.OpRemove, Sequence: id, Address: seq.Base, Words: seq.Len()})
	return nil
}

// remove drops seq from every table. Bookkeeping always completes; a failed
// trap write is reported afterwards.
func (e *Engine) remove(seq *Sequence) error {
	for _, addr := range seq.Checkpoints {
		e.registry.Unregister(e.id, addr)
	}
	err := e.ram.Set(int(seq.Base), uint64(e.enc.TrapWord(0)))
	delete(e.seqs, seq.ID)
	e.alloc.Release(int(seq.Base))
	e.indices.Release(seq.ID)
	if err != nil {
		return e.accessError(seq.ID, "stamp trap", err)
	}
	return nil
}

// resolve maps (id, instruction index) to an absolute RAM address.
func (e *Engine) resolve(id, offset int) (uint32, error) {
	seq, ok := e.seqs[id]
	if !ok {
		return 0, e.newError(ErrCodeNotFound, id, "sequence %d is not live", id)
	}
	addr, ok := seq.Address(offset)
	if !ok {
		return 0, e.newError(ErrCodeInvalidOffset, id,
			"start offset %d outside sequence of %d instructions", offset, len(seq.Instructions))
	}
	return addr, nil
}

// SetAddress makes instruction offset of sequence id the manual start and
// sets the manual sync divisor. The previous power class is kept.
func (e *Engine) SetAddress(id, offset int, syncDivisor uint32) error {
	addr, err := e.resolve(id, offset)
	if err != nil {
		return err
	}
	if syncDivisor > MaxSync {
		return e.newError(ErrCodeOperandRange, id, "sync divisor %d exceeds %d", syncDivisor, MaxSync)
	}
	cur, err := e.jump.Slot(ManualSlot)
	if err != nil {
		return e.accessError(id, "read manual slot", err)
	}
	if err := e.jump.SetStart(ManualSlot, addr, cur.Class); err != nil {
		return e.accessError(id, "write manual start", err)
	}
	if err := e.jump.SetSync(syncDivisor); err != nil {
		return e.accessError(id, "write manual sync", err)
	}
	if err := e.jump.Go(); err != nil {
		return e.accessError(id, "pulse go", err)
	}
	e.logger.Debug("set manual start", "sequence", id, "addr", fmt.Sprintf("0x%03x", addr), "sync", syncDivisor)
	e.record(ir.Operation{Op: ir.OpAddress, Sequence: id, Address: addr, Slot: ManualSlot, Sync: syncDivisor})
	return nil
}

// Reset asserts this engine's bit in the shared restart register. The
// hardware jumps to the manual start address; no acknowledgement is
// awaited.
func (e *Engine) Reset() error {
	if err := e.access.Write(regmap.SeqRestart, 0, 1<<uint(e.id)); err != nil {
		return e.accessError(-1, "write restart", err)
	}
	e.logger.Debug("reset")
	e.record(ir.Operation{Op: ir.OpReset, Sequence: -1})
	return nil
}

// SetMPSJump sets the start of MPS fault class mpsClass to instruction
// offset of sequence id, limited to powerClass.
func (e *Engine) SetMPSJump(mpsClass, id int, powerClass uint32, offset int) error {
	if mpsClass < 0 || mpsClass >= MPSSlots {
		return e.newError(ErrCodeInvalidSlot, id, "mps class %d outside [0, %d)", mpsClass, MPSSlots)
	}
	return e.setJump(ir.OpMPSJump, mpsClass, id, powerClass, offset)
}

// SetBCSJump sets the BCS fault start to instruction offset of sequence id.
func (e *Engine) SetBCSJump(id int, powerClass uint32, offset int) error {
	return e.setJump(ir.OpBCSJump, BCSSlot, id, powerClass, offset)
}

func (e *Engine) setJump(op ir.OpKind, slot, id int, powerClass uint32, offset int) error {
	if powerClass > MaxClass {
		return e.newError(ErrCodeOperandRange, id, "power class %d exceeds %d", powerClass, MaxClass)
	}
	addr, err := e.resolve(id, offset)
	if err != nil {
		return err
	}
	if err := e.jump.SetStart(slot, addr, powerClass); err != nil {
		return e.accessError(id, fmt.Sprintf("write jump slot %d", slot), err)
	}
	e.logger.Debug("set fault start", "slot", slot, "sequence", id, "addr", fmt.Sprintf("0x%03x", addr), "class", powerClass)
	e.record(ir.Operation{Op: op, Sequence: id, Address: addr, Slot: slot, Class: powerClass})
	return nil
}

// SetMPSState selects MPS slot stateIndex as the running program: its
// address and power class are copied into the manual slot, the sync
// divisor is written and the engine is reset.
func (e *Engine) SetMPSState(stateIndex int, syncDivisor uint32) error {
	if stateIndex < 0 || stateIndex >= MPSSlots {
		return e.newError(ErrCodeInvalidSlot, -1, "mps state %d outside [0, %d)", stateIndex, MPSSlots)
	}
	if syncDivisor > MaxSync {
		return e.newError(ErrCodeOperandRange, -1, "sync divisor %d exceeds %d", syncDivisor, MaxSync)
	}
	s, err := e.jump.Slot(stateIndex)
	if err != nil {
		return e.accessError(-1, "read mps slot", err)
	}
	if err := e.jump.SetStart(ManualSlot, s.Addr, s.Class); err != nil {
		return e.accessError(-1, "write manual start", err)
	}
	if err := e.jump.SetSync(syncDivisor); err != nil {
		return e.accessError(-1, "write manual sync", err)
	}
	if err := e.jump.Go(); err != nil {
		return e.accessError(-1, "pulse go", err)
	}
	e.record(ir.Operation{Op: ir.OpMPSState, Sequence: -1, Address: s.Addr, Slot: stateIndex, Class: s.Class, Sync: syncDivisor})
	return e.Reset()
}

// Handle delivers a checkpoint notification for absolute RAM address addr.
// It reports whether a checkpoint was registered there.
func (e *Engine) Handle(addr uint32) bool {
	return e.registry.Dispatch(e.id, addr)
}

// Sequence returns a copy of live sequence id.
func (e *Engine) Sequence(id int) (*Sequence, bool) {
	seq, ok := e.seqs[id]
	if !ok {
		return nil, false
	}
	return seq.clone(), true
}

// Sequences returns the live ids, traps included, in ascending order.
func (e *Engine) Sequences() []int {
	ids := make([]int, 0, len(e.seqs))
	for id := range e.seqs {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// Close removes every user sequence. The traps stay in RAM.
func (e *Engine) Close() error {
	var errs []error
	for _, id := range e.Sequences() {
		if id == TrapLowID || id == TrapHighID {
			continue
		}
		if err := e.RemoveSequence(id); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (e *Engine) record(op ir.Operation) {
	if e.recorder == nil {
		return
	}
	op.Seq = e.clock.Next()
	op.Engine = e.id
	if err := e.recorder.RecordOperation(op); err != nil {
		e.logger.Warn("failed to record operation", "op", op.Op, "seq", op.Seq, "error", err)
	}
}
