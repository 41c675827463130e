package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"golang.org/x/term"

	"github.com/slaclab/cpsw-tpg/internal/irq"
)

// WatchOptions holds flags for the watch command.
type WatchOptions struct {
	LoadOptions
	Epochs uint64 // epochs to run, 0 until interrupted
}

// WatchResult is the JSON payload of the watch command.
type WatchResult struct {
	Started     LoadedSequence `json:"started"`
	Epochs      uint64         `json:"epochs"`
	Checkpoints []Checkpoint   `json:"checkpoints"`
	Stats       irq.Stats      `json:"stats"`
}

// NewWatchCommand creates the watch command.
func NewWatchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &WatchOptions{LoadOptions: LoadOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "watch <programs>",
		Short: "Run loaded programs and print checkpoint notifications",
		Long: `Load programs like the load command, then run the hardware model and
the notification dispatcher together, printing every checkpoint as it
is delivered.

The model advances one epoch per sim.epoch_period. With --epochs 0 it
runs until interrupted.

Examples:
  tpgctl watch ./programs --start burst --epochs 1000
  tpgctl watch burst.cue --db tpg.db --format json --epochs 64`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(opts, args[0], cmd)
		},
	}
	addLoadFlags(cmd, &opts.LoadOptions)
	cmd.Flags().Uint64Var(&opts.Epochs, "epochs", 256, "epochs to run (0 runs until interrupted)")
	return cmd
}

func runWatch(opts *WatchOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)
	jsonOut := opts.Format == "json"

	var seen []Checkpoint
	notify := func(c Checkpoint) {
		seen = append(seen, c)
		if !jsonOut {
			fmt.Fprintf(formatter.Writer, "checkpoint %s engine=%d epoch=%d\n", c.Label, c.Engine, c.Epoch)
		}
	}

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt)
	defer stop()

	s, err := openSession(ctx, &opts.LoadOptions, path, "tpgctl watch", cmd.ErrOrStderr(), notify)
	if err != nil {
		return reportSessionError(formatter, err)
	}
	defer s.Close()

	if isTerminal(formatter.Writer) {
		limit := "until interrupted"
		if opts.Epochs > 0 {
			limit = fmt.Sprintf("for %d epochs", opts.Epochs)
		}
		fmt.Fprintf(formatter.GetErrWriter(), "watching %s engine %d %s\n", s.engine.Kind(), s.engine.ID(), limit)
	}

	if err := runModel(ctx, s, opts.Epochs); err != nil {
		return err
	}

	stats := s.group.Dispatcher().Stats()
	s.notifyMu.Lock()
	defer s.notifyMu.Unlock()
	if jsonOut {
		if seen == nil {
			seen = []Checkpoint{}
		}
		return outputJSON(formatter, s.Session(), WatchResult{
			Started:     s.started,
			Epochs:      s.machine.Epoch(),
			Checkpoints: seen,
			Stats:       stats,
		})
	}
	fmt.Fprintf(formatter.Writer, "epochs=%d checkpoints=%d unhandled=%d intervals=%d faults=%d\n",
		s.machine.Epoch(), stats.Checkpoints, stats.Unhandled, stats.Intervals, stats.Faults)
	return nil
}

// runModel runs the hardware model and the dispatcher until the model has
// run epochs epochs or ctx ends, then delivers what is still pending. A
// dispatcher failure is fatal.
func runModel(ctx context.Context, s *session, epochs uint64) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.group.Run(gctx)
	})
	g.Go(func() error {
		defer s.group.Stop()
		return s.machine.Run(gctx, s.cfg.Sim.EpochPeriod, epochs)
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "notification dispatcher stopped", err)
	}
	if err := s.drain(); err != nil {
		return WrapExitError(ExitFailure, "final dispatch", err)
	}
	return nil
}

// isTerminal reports whether w is an interactive terminal.
func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	return ok && term.IsTerminal(int(f.Fd()))
}
