package cli

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/slaclab/cpsw-tpg/internal/compiler"
	"github.com/slaclab/cpsw-tpg/internal/ir"
)

// CompileOptions holds flags for the compile command.
type CompileOptions struct {
	*RootOptions
	Output   string // output file path
	AddrBits uint   // RAM address width used to check branch fields
}

// CompilationResult holds the encoded programs.
type CompilationResult struct {
	Programs []ir.ProgramRecord `json:"programs"`
}

// NewCompileCommand creates the compile command.
func NewCompileCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &CompileOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "compile <programs>",
		Short: "Compile CUE sequence programs to RAM words",
		Long: `Compile CUE sequence programs to firmware words.

Each program is encoded at RAM base 0 and printed with its words and
fingerprint. <programs> is a .cue file or a directory of .cue files.`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCompile(opts, args[0], cmd)
		},
	}

	cmd.Flags().StringVarP(&opts.Output, "output", "o", "", "write program records as JSON to this file")
	cmd.Flags().UintVar(&opts.AddrBits, "addr-bits", 11, "RAM address width")

	return cmd
}

func runCompile(opts *CompileOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	if opts.AddrBits < 4 || opts.AddrBits > 12 {
		return formatter.fail(ExitCommandError, ErrCodeGeneric,
			fmt.Sprintf("address width %d outside [4, 12]", opts.AddrBits), nil)
	}

	_, records, err := LoadPrograms(path, compiler.NewEncoder(opts.AddrBits))
	if err != nil {
		var loadErr *LoadError
		if errors.As(err, &loadErr) {
			return outputCompileError(formatter, loadErr)
		}
		return formatter.fail(ExitFailure, ErrCodeGeneric, err.Error(), nil)
	}

	for _, rec := range records {
		formatter.VerboseLog("Compiled program: %s (%d words)", rec.Name, len(rec.Words))
	}

	result := &CompilationResult{Programs: records}
	if opts.Output != "" {
		if err := writeRecords(result, opts.Output); err != nil {
			return formatter.fail(ExitCommandError, ErrCodeWriteFailed, fmt.Sprintf("writing output file: %v", err), nil)
		}
	}

	return outputCompileSuccess(formatter, result, opts.Output)
}

// outputCompileSuccess lists every program with its words.
func outputCompileSuccess(formatter *OutputFormatter, result *CompilationResult, outputFile string) error {
	if formatter.Format == "json" {
		return formatter.Success(result)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "✓ Compiled %d program(s)\n\n", len(result.Programs))
	for _, rec := range result.Programs {
		kind := rec.Kind
		if kind == "" {
			kind = "any"
		}
		fmt.Fprintf(w, "%s (%s): %d word(s), hash %s\n", rec.Name, kind, len(rec.Words), rec.Hash)
		for i, word := range rec.Words {
			fmt.Fprintf(w, "  [%03x] %08x  %s\n", i, word, rec.Text[i])
		}
		fmt.Fprintln(w)
	}

	if outputFile != "" {
		fmt.Fprintf(w, "Wrote program records to %s\n", outputFile)
	}
	return nil
}

// outputCompileError reports a load or compile failure.
func outputCompileError(formatter *OutputFormatter, loadErr *LoadError) error {
	var details any
	if loadErr.Pos.IsValid() {
		details = map[string]any{
			"file":   loadErr.Pos.Filename(),
			"line":   loadErr.Pos.Line(),
			"column": loadErr.Pos.Column(),
		}
	}
	if formatter.Format == "json" {
		if err := formatter.Error(loadErr.Code, loadErr.Message, details); err != nil {
			return err
		}
	} else {
		fmt.Fprintf(formatter.Writer, "✗ Compilation failed\n\n  %s\n", loadErr.Error())
	}

	exit := ExitFailure
	if loadErr.Code == ErrCodeNotFound {
		exit = ExitCommandError
	}
	return WrapExitError(exit, "compilation failed", loadErr)
}

// writeRecords writes the compilation result as indented JSON.
func writeRecords(result *CompilationResult, path string) error {
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
