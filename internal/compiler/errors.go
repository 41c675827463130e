package compiler

import (
	"fmt"

	"cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"
)

// OperandError reports an instruction operand that does not fit its
// firmware field.
type OperandError struct {
	Index int // Instruction index, -1 when encoding a lone instruction
	Field string
	Value uint64
	Max   uint64
}

func (e *OperandError) Error() string {
	if e.Index >= 0 {
		return fmt.Sprintf("instruction %d: %s %d exceeds %d", e.Index, e.Field, e.Value, e.Max)
	}
	return fmt.Sprintf("%s %d exceeds %d", e.Field, e.Value, e.Max)
}

// BranchError reports a branch whose target index lies outside its sequence.
type BranchError struct {
	Index  int
	Target int
	Length int
}

func (e *BranchError) Error() string {
	return fmt.Sprintf("instruction %d: branch target %d outside sequence of length %d",
		e.Index, e.Target, e.Length)
}

// CompileError is a malformed program, located in its CUE source when the
// position is known.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	msg := e.Field + ": " + e.Message
	if !e.Pos.IsValid() {
		return msg
	}
	return fmt.Sprintf("%s:%d:%d: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), msg)
}

// formatCUEError turns the first of a CUE error list into a CompileError
// at its first position. Errors without positions are returned as is.
func formatCUEError(err error) error {
	errs := errors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	if pos := errors.Positions(errs[0]); len(pos) > 0 {
		return &CompileError{Field: "cue", Message: errs[0].Error(), Pos: pos[0]}
	}
	return err
}
