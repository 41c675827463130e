package engine

import (
	"errors"
	"fmt"
)

// Error represents a failed sequence-engine operation.
//
// Every Error carries a Code so callers can branch on the failure class
// without parsing messages. Insert failures are reported only after any
// partial allocation has been unwound.
type Error struct {
	// Code identifies the error category.
	Code ErrorCode

	// Message is a human-readable description.
	Message string

	// Engine is the engine index.
	Engine int

	// Sequence is the external sequence id, -1 when not applicable.
	Sequence int

	// Err is the underlying cause, if any.
	Err error
}

// ErrorCode categorizes engine errors.
type ErrorCode string

const (
	// ErrCodeWrongRequestKind indicates a request instruction that does not
	// match the engine's request kind.
	ErrCodeWrongRequestKind ErrorCode = "WRONG_REQUEST_KIND"

	// ErrCodeOutOfSpace indicates no free RAM gap is large enough.
	ErrCodeOutOfSpace ErrorCode = "OUT_OF_SPACE"

	// ErrCodeIndexExhausted indicates all 64 sequence ids are live.
	ErrCodeIndexExhausted ErrorCode = "INDEX_EXHAUSTED"

	// ErrCodeBranchOutOfRange indicates a branch target outside its sequence.
	ErrCodeBranchOutOfRange ErrorCode = "BRANCH_OUT_OF_RANGE"

	// ErrCodeNotFound indicates an unknown or reserved sequence id.
	ErrCodeNotFound ErrorCode = "NOT_FOUND"

	// ErrCodeOperandRange indicates an operand wider than its firmware field.
	ErrCodeOperandRange ErrorCode = "OPERAND_RANGE"

	// ErrCodeInvalidOffset indicates a start offset past the sequence end.
	ErrCodeInvalidOffset ErrorCode = "INVALID_OFFSET"

	// ErrCodeInvalidSlot indicates a jump-table slot or MPS class out of range.
	ErrCodeInvalidSlot ErrorCode = "INVALID_SLOT"

	// ErrCodeRegisterAccess indicates the register collaborator failed.
	ErrCodeRegisterAccess ErrorCode = "REGISTER_ACCESS"
)

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s (engine=%d", e.Code, e.Message, e.Engine)
	if e.Sequence >= 0 {
		msg += fmt.Sprintf(", sequence=%d", e.Sequence)
	}
	msg += ")"
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *Error) Unwrap() error { return e.Err }

// CodeOf returns the Code of the first Error in err's chain, or "".
func CodeOf(err error) ErrorCode {
	var e *Error
	if errors.As(err, &e) {
		return e.Code
	}
	return ""
}

// IsNotFound returns true if err is a NOT_FOUND error.
// Uses errors.As to handle wrapped errors.
func IsNotFound(err error) bool { return CodeOf(err) == ErrCodeNotFound }

// IsOutOfSpace returns true if err is an OUT_OF_SPACE error.
func IsOutOfSpace(err error) bool { return CodeOf(err) == ErrCodeOutOfSpace }

// IsIndexExhausted returns true if err is an INDEX_EXHAUSTED error.
func IsIndexExhausted(err error) bool { return CodeOf(err) == ErrCodeIndexExhausted }

// IsWrongRequestKind returns true if err is a WRONG_REQUEST_KIND error.
func IsWrongRequestKind(err error) bool { return CodeOf(err) == ErrCodeWrongRequestKind }

// IsBranchOutOfRange returns true if err is a BRANCH_OUT_OF_RANGE error.
func IsBranchOutOfRange(err error) bool { return CodeOf(err) == ErrCodeBranchOutOfRange }

// IsOperandRange returns true if err is an OPERAND_RANGE error.
func IsOperandRange(err error) bool { return CodeOf(err) == ErrCodeOperandRange }

func (e *Engine) newError(code ErrorCode, seq int, format string, args ...any) *Error {
	return &Error{
		Code:     code,
		Message:  fmt.Sprintf(format, args...),
		Engine:   e.id,
		Sequence: seq,
	}
}

func (e *Engine) accessError(seq int, op string, err error) *Error {
	return &Error{
		Code:     ErrCodeRegisterAccess,
		Message:  op,
		Engine:   e.id,
		Sequence: seq,
		Err:      err,
	}
}
