package cli

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/spf13/cobra"
)

// LoadResult is the JSON payload of the load command.
type LoadResult struct {
	Engine    int              `json:"engine"`
	Kind      string           `json:"kind"`
	Sequences []LoadedSequence `json:"sequences"`
	Skipped   []string         `json:"skipped,omitempty"`
	Started   LoadedSequence   `json:"started"`
	Dump      string           `json:"dump"`
}

// NewLoadCommand creates the load command.
func NewLoadCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &LoadOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "load <programs>",
		Short: "Load programs into a simulated engine and dump it",
		Long: `Insert every program into one engine of a simulated TPG, point the
manual jump slot at the start program, reset the engine and print the
engine's RAM and jump table.

Programs whose request kind does not match the engine are skipped.
With --db, the inserts, the start and the reset are logged.

Examples:
  tpgctl load ./programs --engine 2 --start burst
  tpgctl load burst.cue --offset 1 --sync 3 --db tpg.db`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runLoad(opts, args[0], cmd)
		},
	}
	addLoadFlags(cmd, opts)
	return cmd
}

func runLoad(opts *LoadOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	s, err := openSession(commandContext(cmd), opts, path, "tpgctl load", cmd.ErrOrStderr(), nil)
	if err != nil {
		return reportSessionError(formatter, err)
	}
	defer s.Close()

	var dump bytes.Buffer
	if err := s.engine.Dump(&dump); err != nil {
		return formatter.fail(ExitFailure, ErrCodeEngine, err.Error(), engineErrorDetails(err))
	}

	if opts.Format == "json" {
		return outputJSON(formatter, s.Session(), LoadResult{
			Engine:    s.engine.ID(),
			Kind:      s.engine.Kind().String(),
			Sequences: s.loaded,
			Skipped:   s.skipped,
			Started:   s.started,
			Dump:      dump.String(),
		})
	}

	w := formatter.Writer
	fmt.Fprintf(w, "✓ Loaded %d program(s) into %s engine %d\n", len(s.loaded), s.engine.Kind(), s.engine.ID())
	for _, l := range s.loaded {
		fmt.Fprintf(w, "  %s: sequence %d at 0x%03x (%d words)\n", l.Program, l.ID, l.Base, l.Words)
	}
	for _, name := range s.skipped {
		fmt.Fprintf(w, "  %s: skipped (request kind)\n", name)
	}
	fmt.Fprintf(w, "Started %s\n", s.started.Program)
	if id := s.Session(); id != "" {
		fmt.Fprintf(w, "Session %s\n", id)
	}
	fmt.Fprintln(w)
	_, err = w.Write(dump.Bytes())
	return err
}

// reportSessionError prints a failure to build a session and returns the
// error to exit with.
func reportSessionError(formatter *OutputFormatter, err error) error {
	var loadErr *LoadError
	if errors.As(err, &loadErr) {
		return outputCompileError(formatter, loadErr)
	}
	code := ErrCodeGeneric
	details := engineErrorDetails(err)
	if details != nil {
		code = ErrCodeEngine
	}
	if ferr := formatter.Error(code, err.Error(), details); ferr != nil {
		return ferr
	}
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return err
	}
	return WrapExitError(ExitFailure, "session failed", err)
}

// outputJSON writes data as an indented ok response.
func outputJSON(formatter *OutputFormatter, session string, data any) error {
	enc := jsonEncoder(formatter.Writer)
	return enc.Encode(CLIResponse{Status: "ok", Data: data, Session: session})
}
