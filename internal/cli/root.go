// Package cli holds the coordinator's command tree.
package cli

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/tbourn/go-realtime-coordinator/internal/config"
	"github.com/tbourn/go-realtime-coordinator/internal/sysutil"
)

// Version is stamped at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

// RootOptions holds global flags for all commands.
type RootOptions struct {
	ConfigFile string
	LogLevel   string

	// loaded by PersistentPreRunE
	cfg config.Config
	log zerolog.Logger
}

// NewRootCommand creates the root command with the serve and migrate
// subcommands.
func NewRootCommand() *cobra.Command {
	opts := &RootOptions{}

	cmd := &cobra.Command{
		Use:           "coordinator",
		Short:         "Realtime reaction and notification coordinator",
		Long:          "Keeps client views in sync with a database change feed, toggles reactions, and dispatches notifications.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// The flag wins over CONFIG_FILE from the environment.
			if opts.ConfigFile != "" {
				if err := os.Setenv("CONFIG_FILE", opts.ConfigFile); err != nil {
					return err
				}
			}
			cfg, err := config.Load()
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			cfg.LogLevel = sysutil.FirstNonEmpty(opts.LogLevel, cfg.LogLevel)
			opts.cfg = cfg
			opts.log = newLogger(cmd.ErrOrStderr(), cfg)
			return nil
		},
	}

	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "YAML config file (overrides CONFIG_FILE)")
	cmd.PersistentFlags().StringVar(&opts.LogLevel, "log-level", "", "log level (debug|info|warn|error)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewMigrateCommand(opts))
	cmd.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), Version)
		},
	})

	return cmd
}

// newLogger builds the process logger and applies the configured level.
func newLogger(w io.Writer, cfg config.Config) zerolog.Logger {
	sysutil.SetLogLevel(cfg.LogLevel)
	if cfg.LogPretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.RFC3339}
	}
	return zerolog.New(w).With().Timestamp().Str("service", cfg.OTEL.ServiceName).Logger()
}
