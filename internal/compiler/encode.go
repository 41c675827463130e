package compiler

import (
	"errors"
	"fmt"

	"github.com/slaclab/cpsw-tpg/internal/ir"
)

// Sequencer instruction word layout (bit-exact with firmware):
//
//	(31:29)="010"  Fixed rate sync
//	   (19:16)=marker_id
//	   (11:0)=occurrence
//	(31:29)="011"  AC rate sync
//	   (28:23)=timeslot_mask
//	   (19:16)=marker_id
//	   (11:0)=occurrence
//	(31:29)="001"  Checkpoint/notify
//	(31:29)="000"  Branch
//	   (28:27)=counter
//	   (24)=conditional
//	   (23:16)=test_value
//	   (n-1:0)=address, n = engine address width
//	(31:29)="100"  Request
//	   (15:0)=value
const (
	OpcodeShift = 29
	OpcodeMask  = 0x7

	OpBranch     = 0
	OpCheckpoint = 1
	OpFixedRate  = 2
	OpACRate     = 3
	OpRequest    = 4

	markerShift      = 16
	timeslotShift    = 23
	counterShift     = 27
	conditionalBit   = 24
	testShift        = 16
	requestValueMask = 0xffff
	maxAddressBits   = 16
	defaultAddrBits  = 11
)

// Encoder packs instructions into 32-bit sequencer words for one engine
// address width.
type Encoder struct {
	addrBits uint
}

// NewEncoder returns an encoder for an instruction RAM of 1<<addrBits words.
// Widths of zero or above 16 fall back to the 11-bit default.
func NewEncoder(addrBits uint) Encoder {
	if addrBits == 0 || addrBits > maxAddressBits {
		addrBits = defaultAddrBits
	}
	return Encoder{addrBits: addrBits}
}

// AddrBits returns the address width.
func (e Encoder) AddrBits() uint { return e.addrBits }

// AddrMask returns the mask for the branch address field.
func (e Encoder) AddrMask() uint32 { return (1 << e.addrBits) - 1 }

// TrapWord returns the unconditional branch to addr, a self-loop when
// stamped at addr itself.
func (e Encoder) TrapWord(addr uint32) uint32 {
	return addr & e.AddrMask()
}

// Encode packs one instruction. target is the resolved absolute address for
// a Branch and is ignored for every other kind.
func (e Encoder) Encode(instr ir.Instruction, target uint32) (uint32, error) {
	if err := Validate(instr); err != nil {
		return 0, err
	}

	switch i := instr.(type) {
	case ir.FixedRateSync:
		return OpFixedRate<<OpcodeShift |
			uint32(i.Marker&ir.MaxMarker)<<markerShift |
			uint32(i.Occurrence&ir.MaxOccurrence), nil

	case ir.ACRateSync:
		return OpACRate<<OpcodeShift |
			uint32(i.TimeslotMask&ir.MaxTimeslotMask)<<timeslotShift |
			uint32(i.Marker&ir.MaxMarker)<<markerShift |
			uint32(i.Occurrence&ir.MaxOccurrence), nil

	case ir.Branch:
		if target > e.AddrMask() {
			return 0, &OperandError{Index: -1, Field: "address", Value: uint64(target), Max: uint64(e.AddrMask())}
		}
		if i.Unconditional() {
			return target, nil
		}
		return uint32(i.Counter&0x3)<<counterShift |
			1<<conditionalBit |
			uint32(i.Test&ir.MaxBranchTest)<<testShift |
			target, nil

	case ir.Checkpoint:
		return OpCheckpoint << OpcodeShift, nil

	case ir.BeamRequest:
		return OpRequest<<OpcodeShift | i.Charge&requestValueMask, nil

	case ir.ExptRequest:
		return OpRequest<<OpcodeShift | i.Word&requestValueMask, nil

	default:
		return 0, fmt.Errorf("encode: unsupported instruction %T", instr)
	}
}

// EncodeSequence encodes instrs as they will sit in RAM starting at base,
// resolving every Branch target index to an absolute address.
//
// Errors carry the failing instruction index.
func (e Encoder) EncodeSequence(instrs []ir.Instruction, base uint32) ([]uint32, error) {
	for i, instr := range instrs {
		if instr == nil {
			return nil, fmt.Errorf("encode: instruction %d is nil", i)
		}
	}
	words := make([]uint32, 0, ir.WordCount(instrs))
	for idx, instr := range instrs {
		var target uint32
		if br, ok := instr.(ir.Branch); ok {
			if br.Target < 0 || br.Target >= len(instrs) {
				return nil, &BranchError{Index: idx, Target: br.Target, Length: len(instrs)}
			}
			target = base + uint32(ir.Offset(instrs, br.Target))
		}
		w, err := e.Encode(instr, target)
		if err != nil {
			var oe *OperandError
			if errors.As(err, &oe) {
				oe.Index = idx
			}
			return nil, err
		}
		words = append(words, w)
	}
	return words, nil
}

// Validate checks every operand of instr against its firmware field width.
func Validate(instr ir.Instruction) error {
	switch i := instr.(type) {
	case ir.FixedRateSync:
		if err := checkRange("marker", uint64(i.Marker), ir.MaxMarker); err != nil {
			return err
		}
		return checkRange("occurrence", uint64(i.Occurrence), ir.MaxOccurrence)

	case ir.ACRateSync:
		if err := checkRange("timeslot_mask", uint64(i.TimeslotMask), ir.MaxTimeslotMask); err != nil {
			return err
		}
		if err := checkRange("marker", uint64(i.Marker), ir.MaxMarker); err != nil {
			return err
		}
		return checkRange("occurrence", uint64(i.Occurrence), ir.MaxOccurrence)

	case ir.Branch:
		if err := checkRange("counter", uint64(i.Counter), uint64(ir.CounterC)); err != nil {
			return err
		}
		return checkRange("test", uint64(i.Test), ir.MaxBranchTest)

	case ir.Checkpoint:
		return nil

	case ir.BeamRequest:
		return checkRange("charge", uint64(i.Charge), ir.MaxRequestValue)

	case ir.ExptRequest:
		return checkRange("word", uint64(i.Word), ir.MaxRequestValue)

	default:
		return fmt.Errorf("validate: unsupported instruction %T", instr)
	}
}

func checkRange(field string, v, max uint64) error {
	if v > max {
		return &OperandError{Index: -1, Field: field, Value: v, Max: max}
	}
	return nil
}
