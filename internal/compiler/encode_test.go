package compiler

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/slaclab/cpsw-tpg/internal/ir"
)

func TestEncodeWords(t *testing.T) {
	enc := NewEncoder(11)

	tests := []struct {
		name   string
		instr  ir.Instruction
		target uint32
		want   uint32
	}{
		{"fixed rate", ir.FixedRateSync{Marker: 0, Occurrence: 1}, 0, 0x40000001},
		{"fixed rate max", ir.FixedRateSync{Marker: 15, Occurrence: 4095}, 0, 0x400f0fff},
		{"ac rate", ir.ACRateSync{TimeslotMask: 0x3f, Marker: 2, Occurrence: 5}, 0, 0x7f820005},
		{"checkpoint", ir.Checkpoint{Label: "cp"}, 0, 0x20000000},
		{"unconditional branch", ir.Jump(0), 0x123, 0x00000123},
		{"conditional branch", ir.Loop(0, ir.CounterB, 10), 0x100, 0x090a0100},
		{"beam request", ir.BeamRequest{Charge: 1}, 0, 0x80000001},
		{"expt request", ir.ExptRequest{Word: 0xbeef}, 0, 0x8000beef},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := enc.Encode(tt.instr, tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got, "got 0x%08x", got)
		})
	}
}

func TestEncodeFixedRateRoundTrip(t *testing.T) {
	enc := NewEncoder(11)
	for _, marker := range []uint8{0, 1, 7, 15} {
		for _, occ := range []uint16{0, 1, 360, 4095} {
			w, err := enc.Encode(ir.FixedRateSync{Marker: marker, Occurrence: occ}, 0)
			require.NoError(t, err)

			d := enc.Decode(w)
			assert.Equal(t, uint32(OpFixedRate), d.Opcode)
			assert.Equal(t, marker&0xf, d.Marker)
			assert.Equal(t, occ&0xfff, d.Occurrence)
		}
	}
}

func TestEncodeSequenceSelfLoop(t *testing.T) {
	enc := NewEncoder(11)
	seq := []ir.Instruction{
		ir.FixedRateSync{Marker: 0, Occurrence: 1},
		ir.BeamRequest{Charge: 1},
		ir.Jump(0),
	}

	for _, base := range []uint32{0, 1, 0x200, 0x7fc} {
		words, err := enc.EncodeSequence(seq, base)
		require.NoError(t, err)
		require.Len(t, words, 3)
		assert.Equal(t, base, words[2]&enc.AddrMask(), "branch must loop to base 0x%x", base)
	}
}

func TestEncodeSequenceResolvesOffsets(t *testing.T) {
	enc := NewEncoder(11)
	seq := []ir.Instruction{
		ir.FixedRateSync{Marker: 1, Occurrence: 1},
		ir.Checkpoint{},
		ir.BeamRequest{Charge: 3},
		ir.Loop(1, ir.CounterA, 4),
		ir.Jump(3),
	}

	words, err := enc.EncodeSequence(seq, 0x40)
	require.NoError(t, err)
	assert.Equal(t, uint32(0x41), words[3]&enc.AddrMask())
	assert.Equal(t, uint32(0x43), words[4]&enc.AddrMask())
}

func TestEncodeSequenceRejectsNil(t *testing.T) {
	enc := NewEncoder(11)
	_, err := enc.EncodeSequence([]ir.Instruction{ir.BeamRequest{Charge: 1}, nil}, 0)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "instruction 1 is nil")
}

func TestEncodeSequenceBranchOutOfRange(t *testing.T) {
	enc := NewEncoder(11)
	seq := []ir.Instruction{
		ir.FixedRateSync{Marker: 0, Occurrence: 1},
		ir.Jump(2),
	}

	_, err := enc.EncodeSequence(seq, 0)
	require.Error(t, err)

	var be *BranchError
	require.True(t, errors.As(err, &be))
	assert.Equal(t, 1, be.Index)
	assert.Equal(t, 2, be.Target)
	assert.Equal(t, 2, be.Length)
}

func TestEncodeOperandRange(t *testing.T) {
	enc := NewEncoder(11)

	tests := []struct {
		name  string
		instr ir.Instruction
		field string
	}{
		{"marker", ir.FixedRateSync{Marker: 16, Occurrence: 1}, "marker"},
		{"occurrence", ir.FixedRateSync{Marker: 0, Occurrence: 4096}, "occurrence"},
		{"timeslot mask", ir.ACRateSync{TimeslotMask: 0x40, Marker: 0, Occurrence: 1}, "timeslot_mask"},
		{"branch test", ir.Loop(0, ir.CounterA, 256), "test"},
		{"counter", ir.Branch{Target: 0, Counter: 3, Test: 1}, "counter"},
		{"charge", ir.BeamRequest{Charge: 0x10000}, "charge"},
		{"expt word", ir.ExptRequest{Word: 0x10000}, "word"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := enc.EncodeSequence([]ir.Instruction{tt.instr}, 0)
			require.Error(t, err)

			var oe *OperandError
			require.True(t, errors.As(err, &oe))
			assert.Equal(t, tt.field, oe.Field)
			assert.Equal(t, 0, oe.Index)
		})
	}
}

func TestEncodeBranchAddressOverflow(t *testing.T) {
	enc := NewEncoder(4)
	_, err := enc.Encode(ir.Jump(0), 0x10)

	var oe *OperandError
	require.True(t, errors.As(err, &oe))
	assert.Equal(t, "address", oe.Field)
	assert.Equal(t, uint64(0xf), oe.Max)
}

func TestNewEncoderDefaultsWidth(t *testing.T) {
	assert.Equal(t, uint(11), NewEncoder(0).AddrBits())
	assert.Equal(t, uint(11), NewEncoder(17).AddrBits())
	assert.Equal(t, uint32(0x7ff), NewEncoder(11).AddrMask())
	assert.Equal(t, uint32(0xfff), NewEncoder(12).AddrMask())
}

func TestTrapWordIsSelfBranch(t *testing.T) {
	enc := NewEncoder(11)
	w := enc.TrapWord(0x7ff)

	d := enc.Decode(w)
	assert.Equal(t, uint32(OpBranch), d.Opcode)
	assert.False(t, d.Conditional)
	assert.Equal(t, uint32(0x7ff), d.Address)
	assert.Equal(t, uint32(0), enc.TrapWord(0))
}

func TestDecodeAnnotations(t *testing.T) {
	enc := NewEncoder(11)

	tests := []struct {
		word uint32
		want string
	}{
		{0x40000001, "FixedRateSync(marker=0,occ=1)"},
		{0x7f820005, "ACRateSync(tsm=0x3f,marker=2,occ=5)"},
		{0x20000000, "Checkpoint()"},
		{0x00000123, "Branch(->123)"},
		{0x090a0100, "Branch(->100,cc=B,test=10)"},
		{0x80000001, "Request(0x0001)"},
		{0xe0000000, "Invalid(opcode=7)"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, enc.Decode(tt.word).String())
	}
}

func TestDecodeBranchRoundTrip(t *testing.T) {
	enc := NewEncoder(11)
	br := ir.Loop(0, ir.CounterC, 255)

	w, err := enc.Encode(br, 0x3a5)
	require.NoError(t, err)

	d := enc.Decode(w)
	assert.True(t, d.Conditional)
	assert.Equal(t, ir.CounterC, d.Counter)
	assert.Equal(t, uint16(255), d.Test)
	assert.Equal(t, uint32(0x3a5), d.Address)
}

func TestEncoderRecord(t *testing.T) {
	enc := NewEncoder(11)
	p := ir.Program{
		Name: "burst",
		Kind: ir.RequestBeam,
		Instructions: []ir.Instruction{
			ir.FixedRateSync{Marker: 0, Occurrence: 1},
			ir.BeamRequest{Charge: 1},
			ir.Jump(0),
		},
	}

	rec, err := enc.Record(p)
	require.NoError(t, err)
	assert.Equal(t, "burst", rec.Name)
	assert.Equal(t, "beam", rec.Kind)
	assert.Equal(t, []uint32{0x40000001, 0x80000001, 0x00000000}, rec.Words)
	assert.Equal(t, ir.ProgramHash("burst", rec.Words), rec.Hash)
	assert.Len(t, rec.Text, 3)

	p.Kind = 0
	rec, err = enc.Record(p)
	require.NoError(t, err)
	assert.Empty(t, rec.Kind)

	_, err = enc.Record(ir.Program{Name: "bad", Instructions: []ir.Instruction{ir.Jump(4)}})
	assert.Error(t, err)
}
