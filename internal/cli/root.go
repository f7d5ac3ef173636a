// Package cli implements the atelier command line.
package cli

import (
	"fmt"
	"io"
	"log/slog"
	"slices"

	"github.com/plaenen/atelier/pkg/config"
	"github.com/spf13/cobra"
)

// ValidFormats are the output formats of the inspection commands.
var ValidFormats = []string{"text", "json"}

// RootOptions holds global flags and the configuration loaded before every
// subcommand runs.
type RootOptions struct {
	Format  string
	DataDir string
	Backend string
	Verbose bool

	Config config.Config
	Logger *slog.Logger
}

// NewRootCommand creates the atelier root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "atelier",
		Short: "atelier - journaled product and order store",
		Long: `atelier keeps products, stock and orders in memory and makes every
change durable in an append-only command journal before applying it.

Configuration comes from ATELIER_* environment variables; the flags
below override the most common ones.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return opts.load(cmd)
		},
	}

	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")
	cmd.PersistentFlags().StringVar(&opts.DataDir, "data-dir", "", "data directory (overrides ATELIER_DATA_DIR)")
	cmd.PersistentFlags().StringVar(&opts.Backend, "backend", "", "journal backend file|sqlite (overrides ATELIER_BACKEND)")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewVerifyCommand(opts))
	cmd.AddCommand(NewSnapshotCommand(opts))
	cmd.AddCommand(NewJournalCommand(opts))

	return cmd
}

func (o *RootOptions) load(cmd *cobra.Command) error {
	if !slices.Contains(ValidFormats, o.Format) {
		return NewExitError(ExitCommandError, fmt.Sprintf("invalid format %q: must be one of %v", o.Format, ValidFormats))
	}

	var cfg config.Config
	if err := config.ParseEnv(&cfg); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if o.DataDir != "" {
		cfg.DataDir = o.DataDir
	}
	if o.Backend != "" {
		cfg.Backend = o.Backend
	}
	if o.Verbose {
		cfg.LogLevel = "debug"
	}
	if err := cfg.Validate(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	logger, err := cfg.Logger(cmd.ErrOrStderr())
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	o.Config = cfg
	o.Logger = logger
	return nil
}

func (o *RootOptions) output(w io.Writer) *OutputFormatter {
	return &OutputFormatter{Format: o.Format, Writer: w}
}
