package cli

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/slaclab/cpsw-tpg/internal/ir"
	"github.com/slaclab/cpsw-tpg/internal/store"
)

// HistoryOptions holds flags for the history command.
type HistoryOptions struct {
	*RootOptions
	DB      string // database path (required)
	Session string // session to print, empty lists sessions
}

// SessionHistory is the JSON payload of history --session.
type SessionHistory struct {
	Session     string               `json:"session"`
	Operations  []ir.Operation       `json:"operations"`
	Checkpoints []ir.CheckpointEvent `json:"checkpoints"`
}

// NewHistoryCommand creates the history command.
func NewHistoryCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &HistoryOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "history",
		Short: "Print the operation log",
		Long: `Print the sessions stored in an operation log database, or with
--session the engine operations and checkpoint notifications of one
session in log order.

Examples:
  tpgctl history --db tpg.db
  tpgctl history --db tpg.db --session 0190c6a2-...`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHistory(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.DB, "db", "", "path to SQLite database (required)")
	cmd.Flags().StringVar(&opts.Session, "session", "", "session to print")
	_ = cmd.MarkFlagRequired("db")

	return cmd
}

func runHistory(opts *HistoryOptions, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	if _, err := os.Stat(opts.DB); os.IsNotExist(err) {
		return formatter.fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("database not found: %s", opts.DB), nil)
	}
	st, err := store.Open(opts.DB)
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeStore, fmt.Sprintf("opening database: %v", err), nil)
	}
	defer st.Close()

	ctx := commandContext(cmd)
	if opts.Session == "" {
		sessions, err := st.ListSessions(ctx)
		if err != nil {
			return formatter.fail(ExitFailure, ErrCodeStore, err.Error(), nil)
		}
		return outputSessions(formatter, sessions)
	}

	ops, err := st.ReadOperations(ctx, opts.Session)
	if err != nil {
		return formatter.fail(ExitFailure, ErrCodeStore, err.Error(), nil)
	}
	cps, err := st.ReadCheckpoints(ctx, opts.Session)
	if err != nil {
		return formatter.fail(ExitFailure, ErrCodeStore, err.Error(), nil)
	}
	if len(ops) == 0 && len(cps) == 0 {
		return formatter.fail(ExitCommandError, ErrCodeNotFound, fmt.Sprintf("no records for session %s", opts.Session), nil)
	}
	return outputHistory(formatter, SessionHistory{Session: opts.Session, Operations: ops, Checkpoints: cps})
}

func outputSessions(formatter *OutputFormatter, sessions []store.Session) error {
	if formatter.Format == "json" {
		return outputJSON(formatter, "", sessions)
	}
	w := formatter.Writer
	if len(sessions) == 0 {
		fmt.Fprintln(w, "No sessions.")
		return nil
	}
	for _, s := range sessions {
		fmt.Fprintf(w, "%s  %-14s ops=%d checkpoints=%d last_seq=%d\n",
			s.ID, s.Label, s.Operations, s.Checkpoints, s.LastSeq)
	}
	return nil
}

// outputHistory merges operations and checkpoints by seq, the order they
// happened in.
func outputHistory(formatter *OutputFormatter, h SessionHistory) error {
	if formatter.Format == "json" {
		return outputJSON(formatter, h.Session, h)
	}

	w := formatter.Writer
	fmt.Fprintf(w, "Session %s: %d operation(s), %d checkpoint(s)\n", h.Session, len(h.Operations), len(h.Checkpoints))
	i, j := 0, 0
	for i < len(h.Operations) || j < len(h.Checkpoints) {
		if j >= len(h.Checkpoints) || (i < len(h.Operations) && h.Operations[i].Seq < h.Checkpoints[j].Seq) {
			fmt.Fprintln(w, formatOperation(h.Operations[i]))
			i++
			continue
		}
		cp := h.Checkpoints[j]
		fmt.Fprintf(w, "%6d  checkpoint     engine=%d addr=0x%03x handled=%t\n", cp.Seq, cp.Engine, cp.Address, cp.Handled)
		j++
	}
	return nil
}

func formatOperation(op ir.Operation) string {
	line := fmt.Sprintf("%6d  %-14s engine=%d", op.Seq, op.Op, op.Engine)
	switch op.Op {
	case ir.OpInsert, ir.OpRemove:
		line += fmt.Sprintf(" sequence=%d addr=0x%03x words=%d", op.Sequence, op.Address, op.Words)
	case ir.OpAddress, ir.OpMPSJump, ir.OpBCSJump, ir.OpMPSState:
		line += fmt.Sprintf(" sequence=%d addr=0x%03x slot=%d class=%d sync=%d", op.Sequence, op.Address, op.Slot, op.Class, op.Sync)
	case ir.OpMultiReset:
		line += fmt.Sprintf(" mask=%#x", op.Mask)
	}
	return line
}
