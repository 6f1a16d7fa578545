// Package main is the CLI entry point for system-vigil.
package main

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iyulab/system-vigil/internal/config"
	"github.com/iyulab/system-vigil/internal/logging"
	"github.com/iyulab/system-vigil/internal/pipeline"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultConfigPath = "vigil.toml"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "vigil",
		Short: "Host security telemetry: watchers, event broker and correlation",
		Long: `vigil watches files, processes and network sockets, records every
finding as an event, fans events out through a local broker and raises
incidents when correlation rules match.

Run without a subcommand to start every component in one process.`,
		RunE:          runMode(pipeline.ModeAll),
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringP("config", "c", defaultConfigPath, "path to config file")
	rootCmd.PersistentFlags().BoolP("verbose", "v", false, "debug logging")
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date)

	rootCmd.AddCommand(
		newModeCmd("run", "Run every component in one process", pipeline.ModeAll),
		newModeCmd("broker", "Run the event broker (ingress socket, cache, egress stream)", pipeline.ModeBroker),
		newModeCmd("watch", "Run the watchers and deliver events to a running broker", pipeline.ModeWatch),
		newCorrelateCmd(),
		newEmitCmd(),
		newTailCmd(),
		newReplayCmd(),
		newRulesCmd(),
		newExportCmd(),
	)
	return rootCmd
}

func newModeCmd(use, short string, mode pipeline.Mode) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE:  runMode(mode),
	}
}

func newCorrelateCmd() *cobra.Command {
	cmd := newModeCmd("correlate", "Run the correlation engine against a broker's stream", pipeline.ModeCorrelate)
	cmd.Flags().String("remote", "", "broker egress address (default: broker.listen)")
	return cmd
}

func runMode(mode pipeline.Mode) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		cfg, logger, err := setup(cmd)
		if err != nil {
			return err
		}
		defer logger.Sync() //nolint:errcheck

		if f := cmd.Flags().Lookup("remote"); f != nil && f.Value.String() != "" {
			cfg.Correlation.Remote = f.Value.String()
		}
		p, err := pipeline.New(cfg, logger, pipeline.Options{Mode: mode})
		if err != nil {
			return err
		}
		return p.Run(cmd.Context())
	}
}

// setup loads .env, the config file and builds the logger. The default config
// path may be absent; an explicit one must exist.
func setup(cmd *cobra.Command) (*config.Config, *zap.Logger, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, nil, fmt.Errorf(".env: %w", err)
	}

	path, _ := cmd.Flags().GetString("config")
	var cfg *config.Config
	var err error
	if cmd.Flags().Changed("config") {
		cfg, err = config.Load(path)
	} else {
		cfg, err = config.LoadOrDefault(path)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("config: %w", err)
	}

	level := cfg.Log.Level
	if verbose, _ := cmd.Flags().GetBool("verbose"); verbose {
		level = "debug"
	}
	logger, err := logging.New(level, logging.Format(cfg.Log.Format))
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}
