package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/a7maadf/anonnet/config"
	"github.com/a7maadf/anonnet/node"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

// newRunCommand builds the "node" and "proxy" subcommands, each of which
// loads configFile and forces the node's mode regardless of what the
// file says — original_source's daemon/src/main.rs does the same with
// its "node"/"proxy" args[1] branches.
func newRunCommand(configFile *string, mode config.Mode) *cobra.Command {
	return &cobra.Command{
		Use:   string(mode),
		Short: fmt.Sprintf("run anonnetd in %s mode", mode),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(*configFile, mode)
		},
	}
}

// runDaemon loads cfg, overriding its mode when modeOverride is
// non-empty, builds a logger from its log_level/log_file settings, and
// runs a node.Node until SIGINT/SIGTERM.
func runDaemon(configFile string, modeOverride config.Mode) error {
	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("anonnetd: loading config: %w", err)
	}
	if modeOverride != "" {
		cfg.Mode = modeOverride
	}

	logger, err := newLogger(cfg)
	if err != nil {
		return fmt.Errorf("anonnetd: building logger: %w", err)
	}
	defer logger.Sync()

	n, err := node.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("anonnetd: starting node: %w", err)
	}
	defer n.Close()

	logger.Info("anonnetd starting", zap.String("mode", string(cfg.Mode)), zap.String("node_id", n.Identity().NodeID.String()))

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return n.Run(ctx)
}

// newLogger builds a zap logger from cfg's log_level/log_file, defaulting
// to a production JSON encoder on stderr.
func newLogger(cfg *config.Config) (*zap.Logger, error) {
	zapCfg := zap.NewProductionConfig()

	level := zap.InfoLevel
	if cfg.LogLevel != "" {
		if err := level.UnmarshalText([]byte(cfg.LogLevel)); err != nil {
			return nil, fmt.Errorf("parsing log_level %q: %w", cfg.LogLevel, err)
		}
	}
	zapCfg.Level = zap.NewAtomicLevelAt(level)

	if cfg.LogFile != "" {
		zapCfg.OutputPaths = []string{cfg.LogFile}
		zapCfg.ErrorOutputPaths = []string{cfg.LogFile}
	}

	return zapCfg.Build()
}
