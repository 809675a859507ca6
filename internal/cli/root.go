// Package cli implements the offlinesync command line.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/c0deZ3R0/go-offline-kit/config"
	"github.com/c0deZ3R0/go-offline-kit/logging"
	"github.com/c0deZ3R0/go-offline-kit/synckit"
	"github.com/c0deZ3R0/go-offline-kit/telemetry"
)

// RootOptions holds global flags and the state every command shares once
// they are parsed.
type RootOptions struct {
	ConfigPath string
	EnvFile    string
	Format     string // "json" | "text"
	Verbose    bool

	Config *config.Config
	Logger *slog.Logger
	Level  *logging.DynamicLevelVar
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the offlinesync root command.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:   "offlinesync",
		Short: "Inspect and drain an offline sync engine",
		Long: `offlinesync operates on the data of a local-first sync engine: it shows the
pending queue and quarantined ops, replays the transaction journal, checks
the pending index and pushes due ops to an HTTP backend.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !isValidFormat(opts.Format) {
				return opts.fail(cmd, WrapExitError(ExitCommandError, "invalid flags",
					fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)))
			}
			if err := opts.load(cmd); err != nil {
				return opts.fail(cmd, err)
			}
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigPath, "config", "c", "", "config file (yaml or json)")
	cmd.PersistentFlags().StringVar(&opts.EnvFile, "env-file", ".env", "dotenv file loaded before the config")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "debug logging")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewStatusCommand(opts))
	cmd.AddCommand(NewReplayCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewIndexCommand(opts))
	cmd.AddCommand(NewFailedCommand(opts))
	cmd.AddCommand(NewDrainCommand(opts))
	cmd.AddCommand(NewRunCommand(opts))
	cmd.AddCommand(NewServeCommand(opts))

	return cmd
}

func isValidFormat(format string) bool {
	for _, f := range ValidFormats {
		if f == format {
			return true
		}
	}
	return false
}

// load reads the dotenv file, the config and builds the logger. A missing
// dotenv file is not an error.
func (o *RootOptions) load(cmd *cobra.Command) error {
	if o.EnvFile != "" {
		if err := godotenv.Load(o.EnvFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return WrapExitError(ExitCommandError, "failed to load "+o.EnvFile, err)
		}
	}

	cfg, err := config.Load(o.ConfigPath)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to load config", err)
	}
	o.Config = cfg

	o.Level = logging.NewDynamicLevelVar(logging.ParseLevel(cfg.Logging.Level))
	if o.Verbose {
		o.Level.Set(slog.LevelDebug)
	}
	o.Logger = logging.NewLoggerTo(cmd.ErrOrStderr(), cfg.Logging, o.Level.LevelVar).Logger
	return nil
}

func (o *RootOptions) out(cmd *cobra.Command) output {
	return output{format: o.Format, w: cmd.OutOrStdout()}
}

// openEngine opens the engine described by the loaded config.
func (o *RootOptions) openEngine(ctx context.Context, sink telemetry.Sink) (*synckit.Engine, error) {
	e, err := synckit.Open(ctx,
		synckit.WithConfig(o.Config),
		synckit.WithLogger(o.Logger),
		synckit.WithTelemetry(sink),
	)
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open engine", err)
	}
	return e, nil
}

// fail renders err and returns it as an *ExitError so main knows it was
// already shown.
func (o *RootOptions) fail(cmd *cobra.Command, err error) error {
	o.out(cmd).failure(err)
	var exitErr *ExitError
	if errors.As(err, &exitErr) {
		return err
	}
	return WrapExitError(ExitFailure, "command failed", err)
}
