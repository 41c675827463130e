package engine

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slaclab/cpsw-tpg/internal/ir"
	"github.com/slaclab/cpsw-tpg/internal/regmap"
	"github.com/slaclab/cpsw-tpg/internal/testutil"
)

// countingAccess counts RAM writes and can fail them after a budget.
type countingAccess struct {
	regmap.Access
	ramWrites int
	failAfter int // Fail RAM writes once ramWrites reaches this; 0 disables
}

func (c *countingAccess) Write(name string, index int, value uint64) error {
	if name == regmap.RAM(0) {
		if c.failAfter > 0 && c.ramWrites >= c.failAfter {
			return errors.New("bus error")
		}
		c.ramWrites++
	}
	return c.Access.Write(name, index, value)
}

func newTestEngine(t *testing.T, kind ir.RequestKind, addrBits uint, opts ...Option) (*Engine, *regmap.Memory) {
	t.Helper()
	mem, err := regmap.NewLayoutMemory(regmap.Layout{AddrBits: addrBits, Engines: 2})
	require.NoError(t, err)
	e, err := New(mem, Config{ID: 0, Kind: kind, AddrBits: addrBits}, opts...)
	require.NoError(t, err)
	return e, mem
}

func burst() []ir.Instruction {
	return []ir.Instruction{
		ir.FixedRateSync{Marker: 0, Occurrence: 1},
		ir.BeamRequest{Charge: 1},
		ir.Jump(0),
	}
}

func ramWord(t *testing.T, mem *regmap.Memory, addr int) uint64 {
	t.Helper()
	v, err := mem.Read(regmap.RAM(0), addr)
	require.NoError(t, err)
	return v
}

func TestNewInstallsTraps(t *testing.T) {
	e, mem := newTestEngine(t, ir.RequestBeam, 11)

	assert.Equal(t, []int{TrapLowID, TrapHighID}, e.Sequences())
	assert.Equal(t, uint64(0), ramWord(t, mem, 0))
	assert.Equal(t, uint64(0x7ff), ramWord(t, mem, 0x7ff), "high trap branches to itself")
	assert.Equal(t, []Region{{Base: 1, Words: 2046}}, e.Gaps())
}

func TestNewRejectsBadConfig(t *testing.T) {
	mem, err := regmap.NewLayoutMemory(regmap.Layout{AddrBits: 11, Engines: 1})
	require.NoError(t, err)

	_, err = New(mem, Config{ID: 0, Kind: 0, AddrBits: 11})
	assert.Error(t, err)
	_, err = New(mem, Config{ID: 0, Kind: ir.RequestBeam, AddrBits: 13})
	assert.Error(t, err)
	_, err = New(mem, Config{ID: 64, Kind: ir.RequestBeam, AddrBits: 11})
	assert.Error(t, err)
}

func TestInsertEndToEnd(t *testing.T) {
	mem, err := regmap.NewLayoutMemory(regmap.Layout{AddrBits: 11, Engines: 1})
	require.NoError(t, err)
	acc := &countingAccess{Access: mem}
	e, err := New(acc, Config{ID: 0, Kind: ir.RequestBeam, AddrBits: 11})
	require.NoError(t, err)
	acc.ramWrites = 0

	id, err := e.InsertSequence(burst())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, id, 0)
	assert.Equal(t, 3, acc.ramWrites, "exactly one write per word")

	seq, ok := e.Sequence(id)
	require.True(t, ok)
	assert.Equal(t, uint32(1), seq.Base)
	assert.Equal(t, uint64(0x40000001), ramWord(t, mem, 1))
	assert.Equal(t, uint64(0x80000001), ramWord(t, mem, 2))
	assert.Equal(t, uint64(seq.Base), ramWord(t, mem, 3), "branch loops to base")

	require.NoError(t, e.SetAddress(id, 0, 0))
	require.NoError(t, e.Reset())

	slot, err := e.JumpTable().Slot(ManualSlot)
	require.NoError(t, err)
	assert.Equal(t, seq.Base, slot.Addr)

	restart, err := mem.Read(regmap.SeqRestart, 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), restart)
}

func TestConsecutiveInsertsAreDisjoint(t *testing.T) {
	e, _ := newTestEngine(t, ir.RequestBeam, 8)

	var regions []Region
	for n := 1; n <= 12; n++ {
		instrs := make([]ir.Instruction, 0, n)
		for i := 0; i < n-1; i++ {
			instrs = append(instrs, ir.FixedRateSync{Marker: uint8(i % 16), Occurrence: 1})
		}
		instrs = append(instrs, ir.Jump(0))

		id, err := e.InsertSequence(instrs)
		require.NoError(t, err)
		seq, _ := e.Sequence(id)
		regions = append(regions, Region{Base: int(seq.Base), Words: seq.Len()})
	}

	for i := range regions {
		for j := i + 1; j < len(regions); j++ {
			a, b := regions[i], regions[j]
			assert.True(t, a.End() <= b.Base || b.End() <= a.Base, "%v overlaps %v", a, b)
		}
	}
}

func TestInsertRemoveInsertRestoresGaps(t *testing.T) {
	e, _ := newTestEngine(t, ir.RequestBeam, 11)
	_, err := e.InsertSequence(burst())
	require.NoError(t, err)

	before := e.Gaps()

	id, err := e.InsertSequence(burst())
	require.NoError(t, err)
	require.NoError(t, e.RemoveSequence(id))
	assert.Equal(t, before, e.Gaps())

	id2, err := e.InsertSequence(burst())
	require.NoError(t, err)
	assert.Equal(t, id, id2, "freed id is reused")
	require.NoError(t, e.RemoveSequence(id2))
	assert.Equal(t, before, e.Gaps())
}

func TestIndexExhaustedAfter62Inserts(t *testing.T) {
	e, _ := newTestEngine(t, ir.RequestBeam, 11)

	for i := 0; i < 62; i++ {
		id, err := e.InsertSequence([]ir.Instruction{ir.Jump(0)})
		require.NoError(t, err)
		assert.Equal(t, i+2, id)
	}

	gaps := e.Gaps()
	_, err := e.InsertSequence([]ir.Instruction{ir.Jump(0)})
	require.Error(t, err)
	assert.True(t, IsIndexExhausted(err), "got %v", err)
	assert.Equal(t, gaps, e.Gaps(), "failed insert must not allocate")
}

func TestInsertValidation(t *testing.T) {
	tests := []struct {
		name   string
		instrs []ir.Instruction
		code   ErrorCode
	}{
		{"wrong request kind", []ir.Instruction{ir.ExptRequest{Word: 1}, ir.Jump(0)}, ErrCodeWrongRequestKind},
		{"branch out of range", []ir.Instruction{ir.FixedRateSync{}, ir.Jump(2)}, ErrCodeBranchOutOfRange},
		{"negative branch", []ir.Instruction{ir.Jump(-1)}, ErrCodeBranchOutOfRange},
		{"marker range", []ir.Instruction{ir.FixedRateSync{Marker: 16}}, ErrCodeOperandRange},
		{"charge range", []ir.Instruction{ir.BeamRequest{Charge: 0x10000}}, ErrCodeOperandRange},
		{"empty", nil, ErrCodeOperandRange},
		{"nil instruction", []ir.Instruction{ir.BeamRequest{Charge: 1}, nil}, ErrCodeOperandRange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e, _ := newTestEngine(t, ir.RequestBeam, 11)
			gaps := e.Gaps()

			id, err := e.InsertSequence(tt.instrs)
			require.Error(t, err)
			assert.Equal(t, -1, id)
			assert.Equal(t, tt.code, CodeOf(err))
			assert.Equal(t, gaps, e.Gaps())
			assert.Equal(t, []int{TrapLowID, TrapHighID}, e.Sequences())
		})
	}
}

func TestExptEngineRejectsBeam(t *testing.T) {
	e, _ := newTestEngine(t, ir.RequestExpt, 11)

	_, err := e.InsertSequence(burst())
	assert.True(t, IsWrongRequestKind(err))

	_, err = e.InsertSequence([]ir.Instruction{ir.ExptRequest{Word: 3}, ir.Jump(0)})
	assert.NoError(t, err)
}

func TestInsertOutOfSpace(t *testing.T) {
	e, _ := newTestEngine(t, ir.RequestBeam, 4) // 16 words, 14 free

	instrs := make([]ir.Instruction, 15)
	for i := range instrs {
		instrs[i] = ir.Checkpoint{}
	}
	_, err := e.InsertSequence(instrs)
	assert.True(t, IsOutOfSpace(err), "got %v", err)

	_, err = e.InsertSequence(instrs[:14])
	assert.NoError(t, err)
	_, err = e.InsertSequence(instrs[:1])
	assert.True(t, IsOutOfSpace(err))
}

func TestInsertRollsBackOnRegisterFailure(t *testing.T) {
	mem, err := regmap.NewLayoutMemory(regmap.Layout{AddrBits: 11, Engines: 1})
	require.NoError(t, err)
	acc := &countingAccess{Access: mem}
	reg := NewLocalRegistry()
	e, err := New(acc, Config{ID: 0, Kind: ir.RequestBeam, AddrBits: 11}, WithRegistry(reg))
	require.NoError(t, err)

	gaps := e.Gaps()
	acc.ramWrites = 0
	acc.failAfter = 2

	_, err = e.InsertSequence([]ir.Instruction{ir.Checkpoint{}, ir.BeamRequest{}, ir.Jump(0)})
	require.Error(t, err)
	assert.Equal(t, ErrCodeRegisterAccess, CodeOf(err))
	assert.Equal(t, gaps, e.Gaps())
	assert.Equal(t, []int{TrapLowID, TrapHighID}, e.Sequences())
	assert.Zero(t, reg.Len(), "no callback survives a failed insert")

	acc.failAfter = 0
	id, err := e.InsertSequence(burst())
	require.NoError(t, err)
	assert.Equal(t, 2, id, "id returned to the pool")
}

func TestCheckpointIsolation(t *testing.T) {
	e, _ := newTestEngine(t, ir.RequestBeam, 11)
	calls := testutil.NewCallbackCounter()

	idA, err := e.InsertSequence([]ir.Instruction{
		ir.FixedRateSync{},
		ir.Checkpoint{Label: "a", Callback: calls.Callback("a")},
		ir.Jump(0),
	})
	require.NoError(t, err)
	idB, err := e.InsertSequence([]ir.Instruction{
		ir.Checkpoint{Label: "b", Callback: calls.Callback("b")},
		ir.Jump(0),
	})
	require.NoError(t, err)

	a, _ := e.Sequence(idA)
	b, _ := e.Sequence(idB)
	require.Len(t, a.Checkpoints, 1)
	require.Len(t, b.Checkpoints, 1)
	assert.Equal(t, a.Base+1, a.Checkpoints[0])

	assert.True(t, e.Handle(a.Checkpoints[0]))
	assert.Equal(t, 1, calls.Count("a"))
	assert.Zero(t, calls.Count("b"))

	assert.False(t, e.Handle(a.Base), "no checkpoint at the sync word")

	require.NoError(t, e.RemoveSequence(idA))
	assert.False(t, e.Handle(a.Checkpoints[0]), "callback freed with its sequence")
	assert.True(t, e.Handle(b.Checkpoints[0]))
	assert.Equal(t, []string{"a", "b"}, calls.Order())
}

func TestCheckpointsAreScopedByEngine(t *testing.T) {
	mem, err := regmap.NewLayoutMemory(regmap.Layout{AddrBits: 8, Engines: 2})
	require.NoError(t, err)
	reg := NewLocalRegistry()
	calls := testutil.NewCallbackCounter()

	e0, err := New(mem, Config{ID: 0, Kind: ir.RequestBeam, AddrBits: 8}, WithRegistry(reg))
	require.NoError(t, err)
	e1, err := New(mem, Config{ID: 1, Kind: ir.RequestBeam, AddrBits: 8}, WithRegistry(reg))
	require.NoError(t, err)

	_, err = e0.InsertSequence([]ir.Instruction{ir.Checkpoint{Callback: calls.Callback("e0")}, ir.Jump(0)})
	require.NoError(t, err)
	_, err = e1.InsertSequence([]ir.Instruction{ir.Checkpoint{Callback: calls.Callback("e1")}, ir.Jump(0)})
	require.NoError(t, err)

	assert.True(t, e1.Handle(1))
	assert.Equal(t, []string{"e1"}, calls.Order())
}

func TestRemoveSequence(t *testing.T) {
	e, mem := newTestEngine(t, ir.RequestBeam, 11)
	id, err := e.InsertSequence(burst())
	require.NoError(t, err)
	seq, _ := e.Sequence(id)

	require.NoError(t, e.RemoveSequence(id))
	assert.Equal(t, uint64(0), ramWord(t, mem, int(seq.Base)), "trap word stamped at freed base")
	_, ok := e.Sequence(id)
	assert.False(t, ok)

	err = e.RemoveSequence(id)
	assert.True(t, IsNotFound(err))
	assert.True(t, IsNotFound(e.RemoveSequence(TrapLowID)))
	assert.True(t, IsNotFound(e.RemoveSequence(TrapHighID)))
	assert.True(t, IsNotFound(e.RemoveSequence(99)))
}

func TestSetAddressErrors(t *testing.T) {
	e, _ := newTestEngine(t, ir.RequestBeam, 11)
	id, err := e.InsertSequence(burst())
	require.NoError(t, err)

	err = e.SetAddress(42, 0, 0)
	assert.True(t, IsNotFound(err), "unknown id is reported, not ignored")

	err = e.SetAddress(id, 3, 0)
	assert.Equal(t, ErrCodeInvalidOffset, CodeOf(err))

	err = e.SetAddress(id, 0, MaxSync+1)
	assert.True(t, IsOperandRange(err))
}

func TestSetAddressResolvesOffset(t *testing.T) {
	e, mem := newTestEngine(t, ir.RequestBeam, 11)
	id, err := e.InsertSequence(burst())
	require.NoError(t, err)
	seq, _ := e.Sequence(id)

	require.NoError(t, e.SetAddress(id, 2, 360))

	s, err := e.JumpTable().Slot(ManualSlot)
	require.NoError(t, err)
	assert.Equal(t, seq.Base+2, s.Addr)
	assert.Equal(t, uint32(360), s.Sync)

	goReg, err := mem.Read(regmap.JumpGo(0), 0)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), goReg)
}

func TestFaultJumps(t *testing.T) {
	e, _ := newTestEngine(t, ir.RequestBeam, 11)
	safe, err := e.InsertSequence([]ir.Instruction{ir.FixedRateSync{Marker: 6}, ir.Jump(0)})
	require.NoError(t, err)
	full, err := e.InsertSequence(burst())
	require.NoError(t, err)
	safeSeq, _ := e.Sequence(safe)
	fullSeq, _ := e.Sequence(full)

	require.NoError(t, e.SetMPSJump(0, full, 0, 0))
	require.NoError(t, e.SetMPSJump(3, safe, 3, 1))
	require.NoError(t, e.SetBCSJump(safe, 2, 0))

	jt := e.JumpTable()
	s0, _ := jt.Slot(0)
	s3, _ := jt.Slot(3)
	bcs, _ := jt.Slot(BCSSlot)
	assert.Equal(t, Slot{Addr: fullSeq.Base, Class: 0}, s0)
	assert.Equal(t, Slot{Addr: safeSeq.Base + 1, Class: 3}, s3)
	assert.Equal(t, Slot{Addr: safeSeq.Base, Class: 2}, bcs)

	assert.Equal(t, ErrCodeInvalidSlot, CodeOf(e.SetMPSJump(14, safe, 0, 0)))
	assert.Equal(t, ErrCodeInvalidSlot, CodeOf(e.SetMPSJump(-1, safe, 0, 0)))
	assert.True(t, IsNotFound(e.SetMPSJump(1, 50, 0, 0)))
	assert.True(t, IsNotFound(e.SetBCSJump(50, 0, 0)))
	assert.True(t, IsOperandRange(e.SetBCSJump(safe, 16, 0)))
}

func TestSetMPSStateCopiesSlotAndResets(t *testing.T) {
	e, mem := newTestEngine(t, ir.RequestBeam, 11)
	safe, err := e.InsertSequence([]ir.Instruction{ir.FixedRateSync{Marker: 6}, ir.Jump(0)})
	require.NoError(t, err)
	safeSeq, _ := e.Sequence(safe)
	require.NoError(t, e.SetMPSJump(5, safe, 4, 0))

	require.NoError(t, e.SetMPSState(5, 910))

	s, err := e.JumpTable().Slot(ManualSlot)
	require.NoError(t, err)
	assert.Equal(t, Slot{Addr: safeSeq.Base, Class: 4, Sync: 910}, s)

	restart, _ := mem.Read(regmap.SeqRestart, 0)
	assert.Equal(t, uint64(1), restart)

	assert.Equal(t, ErrCodeInvalidSlot, CodeOf(e.SetMPSState(14, 0)))
}

func TestSetAddressKeepsPowerClass(t *testing.T) {
	e, _ := newTestEngine(t, ir.RequestBeam, 11)
	id, err := e.InsertSequence(burst())
	require.NoError(t, err)
	require.NoError(t, e.SetMPSJump(2, id, 7, 0))
	require.NoError(t, e.SetMPSState(2, 1))

	require.NoError(t, e.SetAddress(id, 1, 2))
	s, _ := e.JumpTable().Slot(ManualSlot)
	assert.Equal(t, uint32(7), s.Class)
}

func TestResetUsesEngineBit(t *testing.T) {
	mem, err := regmap.NewLayoutMemory(regmap.Layout{AddrBits: 8, Engines: 4})
	require.NoError(t, err)
	e, err := New(mem, Config{ID: 3, Kind: ir.RequestExpt, AddrBits: 8})
	require.NoError(t, err)

	require.NoError(t, e.Reset())
	v, _ := mem.Read(regmap.SeqRestart, 0)
	assert.Equal(t, uint64(1<<3), v)
}

func TestRecorderSeesOperationsInOrder(t *testing.T) {
	rec := &testutil.Recorder{}
	clock := NewClockAt(10)
	e, _ := newTestEngine(t, ir.RequestBeam, 11, WithRecorder(rec), WithClock(clock))

	id, err := e.InsertSequence(burst())
	require.NoError(t, err)
	require.NoError(t, e.SetAddress(id, 0, 1))
	require.NoError(t, e.Reset())
	require.NoError(t, e.RemoveSequence(id))

	assert.Equal(t, []ir.OpKind{ir.OpInsert, ir.OpAddress, ir.OpReset, ir.OpRemove}, rec.Kinds())

	ops := rec.Operations()
	for i, op := range ops {
		assert.Equal(t, int64(11+i), op.Seq)
		assert.Equal(t, 0, op.Engine)
	}
	assert.Equal(t, 3, ops[0].Words)
	assert.Equal(t, -1, ops[2].Sequence)
}

func TestRecorderFailureDoesNotFailOperation(t *testing.T) {
	rec := &testutil.Recorder{Err: errors.New("closed")}
	e, _ := newTestEngine(t, ir.RequestBeam, 11, WithRecorder(rec))

	_, err := e.InsertSequence(burst())
	assert.NoError(t, err)
}

func TestCloseRemovesUserSequences(t *testing.T) {
	e, _ := newTestEngine(t, ir.RequestBeam, 11)
	for i := 0; i < 3; i++ {
		_, err := e.InsertSequence(burst())
		require.NoError(t, err)
	}

	require.NoError(t, e.Close())
	assert.Equal(t, []int{TrapLowID, TrapHighID}, e.Sequences())
	assert.Equal(t, []Region{{Base: 1, Words: 2046}}, e.Gaps())
}

func TestSequenceIsACopy(t *testing.T) {
	e, _ := newTestEngine(t, ir.RequestBeam, 11)
	instrs := burst()
	id, err := e.InsertSequence(instrs)
	require.NoError(t, err)

	instrs[0] = ir.Checkpoint{}
	seq, _ := e.Sequence(id)
	seq.Words[0] = 0

	again, _ := e.Sequence(id)
	assert.Equal(t, ir.FixedRateSync{Marker: 0, Occurrence: 1}, again.Instructions[0])
	assert.Equal(t, uint32(0x40000001), again.Words[0])
}

func TestErrorFormatting(t *testing.T) {
	err := &Error{Code: ErrCodeNotFound, Message: "gone", Engine: 2, Sequence: 7}
	assert.Equal(t, "NOT_FOUND: gone (engine=2, sequence=7)", err.Error())

	cause := errors.New("bus error")
	err = &Error{Code: ErrCodeRegisterAccess, Message: "write", Engine: 0, Sequence: -1, Err: cause}
	assert.Equal(t, "REGISTER_ACCESS: write (engine=0): bus error", err.Error())
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, ErrorCode(""), CodeOf(cause))
}
