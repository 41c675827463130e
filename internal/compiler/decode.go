package compiler

import (
	"fmt"

	"github.com/slaclab/cpsw-tpg/internal/ir"
)

// Word is a decoded sequencer instruction word.
type Word struct {
	Raw          uint32
	Opcode       uint32
	Marker       uint8
	Occurrence   uint16
	TimeslotMask uint8
	Conditional  bool
	Counter      ir.Counter
	Test         uint16
	Address      uint32
	Value        uint32
}

// Decode unpacks a sequencer word. Fields not used by the opcode are zero.
func (e Encoder) Decode(raw uint32) Word {
	w := Word{Raw: raw, Opcode: (raw >> OpcodeShift) & OpcodeMask}
	switch w.Opcode {
	case OpFixedRate:
		w.Marker = uint8((raw >> markerShift) & ir.MaxMarker)
		w.Occurrence = uint16(raw & ir.MaxOccurrence)
	case OpACRate:
		w.TimeslotMask = uint8((raw >> timeslotShift) & ir.MaxTimeslotMask)
		w.Marker = uint8((raw >> markerShift) & ir.MaxMarker)
		w.Occurrence = uint16(raw & ir.MaxOccurrence)
	case OpBranch:
		w.Address = raw & e.AddrMask()
		if raw&(1<<conditionalBit) != 0 {
			w.Conditional = true
			w.Counter = ir.Counter((raw >> counterShift) & 0x3)
			w.Test = uint16((raw >> testShift) & ir.MaxBranchTest)
		}
	case OpRequest:
		w.Value = raw & requestValueMask
	}
	return w
}

// String renders the word the way dumps annotate RAM.
func (w Word) String() string {
	switch w.Opcode {
	case OpFixedRate:
		return fmt.Sprintf("FixedRateSync(marker=%d,occ=%d)", w.Marker, w.Occurrence)
	case OpACRate:
		return fmt.Sprintf("ACRateSync(tsm=0x%x,marker=%d,occ=%d)", w.TimeslotMask, w.Marker, w.Occurrence)
	case OpBranch:
		if w.Conditional {
			return fmt.Sprintf("Branch(->%03x,cc=%s,test=%d)", w.Address, w.Counter, w.Test)
		}
		return fmt.Sprintf("Branch(->%03x)", w.Address)
	case OpCheckpoint:
		return "Checkpoint()"
	case OpRequest:
		return fmt.Sprintf("Request(0x%04x)", w.Value)
	default:
		return fmt.Sprintf("Invalid(opcode=%d)", w.Opcode)
	}
}
