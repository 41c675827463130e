package cli

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	LoadOptions
	Listen string // listen address, overrides serve.listen
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{LoadOptions: LoadOptions{RootOptions: rootOpts}}

	cmd := &cobra.Command{
		Use:   "serve <programs>",
		Short: "Serve a running simulated TPG over HTTP",
		Long: `Load programs like the load command, then run the hardware model and
the dispatcher until interrupted while serving a diagnostic HTTP API:

  GET  /api/status               epoch and dispatcher counters
  GET  /api/engines              engines, sequences and model state
  GET  /api/engines/{id}/dump    RAM and jump table of one engine
  POST /api/engines/{id}/reset   restart an engine
  POST /api/engines/{id}/start   {"sequence","offset","sync"}
  POST /api/engines/{id}/mps     {"state","sync"}
  POST /api/reset                {"engines":[...]}`,
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, args[0], cmd)
		},
	}
	addLoadFlags(cmd, &opts.LoadOptions)
	cmd.Flags().StringVar(&opts.Listen, "listen", "", "listen address (default: serve.listen from config)")
	return cmd
}

func runServe(opts *ServeOptions, path string, cmd *cobra.Command) error {
	formatter := newFormatter(opts.RootOptions, cmd)

	ctx, stop := signal.NotifyContext(commandContext(cmd), os.Interrupt)
	defer stop()

	s, err := openSession(ctx, &opts.LoadOptions, path, "tpgctl serve", cmd.ErrOrStderr(), nil)
	if err != nil {
		return reportSessionError(formatter, err)
	}
	defer s.Close()

	addr := opts.Listen
	if addr == "" {
		addr = s.cfg.Serve.Listen
	}
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return formatter.fail(ExitCommandError, ErrCodeGeneric, fmt.Sprintf("listen %s: %v", addr, err), nil)
	}
	fmt.Fprintf(formatter.GetErrWriter(), "serving %s engine %d on http://%s\n", s.engine.Kind(), s.engine.ID(), ln.Addr())

	srv := &http.Server{
		Handler:           NewServer(s.group, s.machine, s.logger).Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return serve(ctx, s, srv, ln)
}

// serve runs the model, the dispatcher and srv until ctx ends. A failure
// of any of them stops the others.
func serve(ctx context.Context, s *session, srv *http.Server, ln net.Listener) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return s.group.Run(gctx)
	})
	g.Go(func() error {
		return s.machine.Run(gctx, s.cfg.Sim.EpochPeriod, 0)
	})
	g.Go(func() error {
		if err := srv.Serve(ln); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err := g.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return WrapExitError(ExitFailure, "server stopped", err)
	}
	return nil
}
