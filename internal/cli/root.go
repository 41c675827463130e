package cli

import (
	"fmt"
	"io"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/slaclab/cpsw-tpg/internal/config"
	"github.com/slaclab/cpsw-tpg/internal/ir"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"
	Config  string // YAML config file, empty for defaults
	EnvFile string // optional .env file
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for tpgctl.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:     "tpgctl",
		Short:   "tpgctl - TPG sequence engine tool",
		Version: ir.ToolVersion,
		Long: `Compile, load and exercise timing pattern generator sequence programs.

Programs are written in CUE and run against an in-process model of the
TPG sequence engines. Engine mutations and checkpoint notifications can
be logged to a SQLite database.`,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.SetVersionTemplate(fmt.Sprintf("tpgctl {{.Version}} (record format %s)\n", ir.FormatVersion))

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.Config, "config", "", "config file (YAML)")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "environment file with TPG_* overrides")

	cmd.AddCommand(NewCompileCommand(opts))
	cmd.AddCommand(NewLoadCommand(opts))
	cmd.AddCommand(NewWatchCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewHistoryCommand(opts))
	cmd.AddCommand(NewTestCommand(opts))

	return cmd
}

// isValidFormat checks if the format is one of the allowed values.
func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// loadConfig reads the configuration selected by the global flags.
func (o *RootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.Config, o.EnvFile)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "loading config", err)
	}
	return cfg, nil
}

// newLogger returns a text logger on w at the configured level. Verbose
// forces debug output.
func (o *RootOptions) newLogger(cfg *config.Config, w io.Writer) *slog.Logger {
	level, err := cfg.Level()
	if err != nil {
		level = slog.LevelInfo
	}
	if o.Verbose {
		level = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}
