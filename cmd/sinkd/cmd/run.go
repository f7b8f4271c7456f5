package cmd

import (
	"context"
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/illmade-knight/go-batchsink/pkg/sinkservice"
	"github.com/spf13/cobra"
)

var cmdRun = &cobra.Command{
	Use:   "run",
	Short: "Run the sink until interrupted or the source ends",
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(cmd.Context())
	},
}

func init() {
	cmdRoot.AddCommand(cmdRun)
}

func run(parent context.Context) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger := newLogger(cfg.LogLevel).With().Str("service", cfg.ServiceName).Logger()

	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	svc, err := sinkservice.Build(ctx, cfg, logger)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to assemble sink service.")
		return err
	}
	if err := svc.Start(ctx); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		logger.Info().Msg("Shutdown signal received.")
	case <-svc.Done():
		logger.Info().Msg("Sink coordinator finished.")
	}

	// The coordinator's own grace period bounds the final flush; leave room for it.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownGrace+cfg.WriteTimeout)
	defer cancel()
	stopErr := svc.Stop(shutdownCtx)
	return errors.Join(svc.Err(), stopErr)
}
