// Package cli wires the shopassist commands: the interactive chat session,
// the reference backend and history maintenance.
package cli

import (
	"context"
	"io"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"shopassist/internal/config"
)

// DebugEnv enables debug logging when set to 1.
const DebugEnv = config.EnvPrefix + "_DEBUG"

type app struct {
	cfgPath string
	cfg     *config.Config
	log     zerolog.Logger
	in      io.Reader
	out     io.Writer
}

// NewRootCommand builds the command tree.
func NewRootCommand() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:           "shopassist",
		Short:         "Conversational shop assistant",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.cfgPath)
			if err != nil {
				return err
			}
			a.cfg = cfg
			a.in = cmd.InOrStdin()
			a.out = cmd.OutOrStdout()
			a.log = newLogger(cfg, cmd.ErrOrStderr())
			if cfg.File != "" {
				a.log.Debug().Str("file", cfg.File).Msg("config loaded")
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&a.cfgPath, "config", "", "config file (default ./config.{json,yaml} or $"+config.EnvPrefix+"_CONFIG)")
	root.AddCommand(newChatCommand(a), newServeCommand(a), newHistoryCommand(a))
	return root
}

// Execute runs the root command and exits non-zero on failure.
func Execute() {
	if err := NewRootCommand().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func debugEnabled(cfg *config.Config) bool {
	return cfg.Client.Debug || os.Getenv(DebugEnv) == "1"
}

func newLogger(cfg *config.Config, w io.Writer) zerolog.Logger {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Log.Level))
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	if debugEnabled(cfg) {
		level = zerolog.DebugLevel
	}
	if cfg.Log.Pretty {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: time.Kitchen}
	}
	return zerolog.New(w).Level(level).With().Timestamp().Logger()
}
