package cli

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"cuelang.org/go/cue/token"

	"github.com/slaclab/cpsw-tpg/internal/compiler"
	"github.com/slaclab/cpsw-tpg/internal/engine"
	"github.com/slaclab/cpsw-tpg/internal/ir"
)

// LoadError represents an error that occurred while loading programs.
type LoadError struct {
	Code    string
	Message string
	Pos     token.Pos // CUE position if available
}

func (e *LoadError) Error() string {
	if e.Pos.IsValid() {
		return fmt.Sprintf("%s:%d:%d: %s: %s", e.Pos.Filename(), e.Pos.Line(), e.Pos.Column(), e.Code, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// LoadPrograms compiles the CUE programs at path, a file or a directory,
// and encodes each at base 0 to check its operands fit the word layout.
// Program names must be unique.
func LoadPrograms(path string, enc compiler.Encoder) ([]ir.Program, []ir.ProgramRecord, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("programs path not found: %s", path)}
		}
		return nil, nil, &LoadError{Code: ErrCodeNotFound, Message: fmt.Sprintf("error accessing programs path: %v", err)}
	}

	programs, err := compiler.LoadPrograms(path)
	if err != nil {
		return nil, nil, convertCompileError(err)
	}
	if len(programs) == 0 {
		return nil, nil, &LoadError{Code: ErrCodeProgram, Message: fmt.Sprintf("no sequences defined in %s", path)}
	}

	seen := make(map[string]bool, len(programs))
	records := make([]ir.ProgramRecord, 0, len(programs))
	for _, p := range programs {
		if seen[p.Name] {
			return nil, nil, &LoadError{Code: ErrCodeProgram, Message: fmt.Sprintf("program %q defined twice", p.Name)}
		}
		seen[p.Name] = true

		rec, err := enc.Record(p)
		if err != nil {
			le := convertCompileError(err)
			le.Message = fmt.Sprintf("program %s: %s", p.Name, le.Message)
			return nil, nil, le
		}
		records = append(records, rec)
	}
	return programs, records, nil
}

// convertCompileError converts a compiler error to a LoadError with
// position info.
func convertCompileError(err error) *LoadError {
	var compileErr *compiler.CompileError
	if errors.As(err, &compileErr) {
		code := ErrCodeProgram
		if compileErr.Field == "cue" {
			code = ErrCodeBuildFailed
		}
		return &LoadError{Code: code, Message: compileErr.Message, Pos: compileErr.Pos}
	}
	var operandErr *compiler.OperandError
	if errors.As(err, &operandErr) {
		return &LoadError{Code: ErrCodeOperand, Message: operandErr.Error()}
	}
	var branchErr *compiler.BranchError
	if errors.As(err, &branchErr) {
		return &LoadError{Code: ErrCodeBranch, Message: branchErr.Error()}
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "no CUE files"):
		return &LoadError{Code: ErrCodeNoFiles, Message: msg}
	case strings.HasPrefix(msg, "load programs:"):
		return &LoadError{Code: ErrCodeLoadFailed, Message: msg}
	}
	return &LoadError{Code: ErrCodeGeneric, Message: msg}
}

// engineErrorDetails returns the structured fields of a sequence engine
// error for JSON output, or nil for other errors.
func engineErrorDetails(err error) any {
	var ee *engine.Error
	if !errors.As(err, &ee) {
		return nil
	}
	return map[string]any{
		"code":     string(ee.Code),
		"engine":   ee.Engine,
		"sequence": ee.Sequence,
	}
}
