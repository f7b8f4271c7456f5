// Package sinkservice runs a sink coordinator as a long-lived service next to
// its operational HTTP server.
package sinkservice

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/illmade-knight/go-batchsink/pkg/microservice"
	"github.com/illmade-knight/go-batchsink/pkg/sinkpipeline"
	"github.com/rs/zerolog"
)

// Components are the collaborators a Service runs. Source and Writer are
// required. Closers are called in reverse order once the coordinator has
// stopped; the source is closed by the coordinator itself.
type Components struct {
	Source       sinkpipeline.RecordSource
	Writer       sinkpipeline.SinkWriter
	Checkpointer sinkpipeline.Checkpointer
	Reporter     sinkpipeline.RejectionReporter
	Metrics      *sinkpipeline.Metrics
	Closers      []func() error
}

// Service owns a coordinator, its HTTP server and the clients behind them.
type Service struct {
	coordinator *sinkpipeline.Coordinator
	server      *microservice.BaseServer
	closers     []func() error
	logger      zerolog.Logger

	cancel context.CancelFunc
	done   chan struct{}
	runErr error

	closeOnce sync.Once
}

// New assembles a service. The server may be nil when no HTTP endpoints are wanted.
func New(cfg sinkpipeline.CoordinatorConfig, comps Components, server *microservice.BaseServer, logger zerolog.Logger) (*Service, error) {
	var opts []sinkpipeline.Option
	if comps.Metrics != nil {
		opts = append(opts, sinkpipeline.WithMetrics(comps.Metrics))
	}
	if comps.Checkpointer != nil {
		opts = append(opts, sinkpipeline.WithCheckpointer(comps.Checkpointer))
	}
	if comps.Reporter != nil {
		opts = append(opts, sinkpipeline.WithRejectionReporter(comps.Reporter))
	}

	coordinator, err := sinkpipeline.NewCoordinator(cfg, comps.Source, comps.Writer, logger, opts...)
	if err != nil {
		return nil, err
	}
	return &Service{
		coordinator: coordinator,
		server:      server,
		closers:     comps.Closers,
		logger:      logger.With().Str("service", "SinkService").Logger(),
		done:        make(chan struct{}),
	}, nil
}

// Start launches the HTTP server and the coordinator. It returns once both
// are running; use Done and Err to follow the coordinator.
func (s *Service) Start(ctx context.Context) error {
	s.logger.Info().Msg("Starting sink service...")
	if s.server != nil {
		if err := s.server.Start(); err != nil {
			return fmt.Errorf("failed to start HTTP server: %w", err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	go func() {
		defer close(s.done)
		s.runErr = s.coordinator.Run(runCtx)
		if s.runErr != nil {
			s.logger.Error().Err(s.runErr).Msg("Sink coordinator stopped with an error.")
		}
	}()

	if s.server != nil {
		s.server.SetReady(true)
	}
	s.logger.Info().Msg("Sink service started successfully.")
	return nil
}

// Done is closed when the coordinator has returned.
func (s *Service) Done() <-chan struct{} {
	return s.done
}

// Err is the coordinator's result. It is only meaningful after Done is closed.
func (s *Service) Err() error {
	return s.runErr
}

// Stop cancels ingestion, waits for the coordinator's final flush, then shuts
// down the HTTP server and releases the clients.
func (s *Service) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Stopping sink service...")
	if s.server != nil {
		s.server.SetReady(false)
	}
	if s.cancel != nil {
		s.cancel()
	}

	var waitErr error
	if s.cancel != nil {
		select {
		case <-s.done:
		case <-ctx.Done():
			s.logger.Error().Err(ctx.Err()).Msg("Timeout waiting for the coordinator to finish.")
			waitErr = ctx.Err()
		}
	}

	var serverErr error
	if s.server != nil {
		serverErr = s.server.Shutdown(ctx)
	}

	var closeErrs []error
	if waitErr == nil {
		s.closeOnce.Do(func() {
			for i := len(s.closers) - 1; i >= 0; i-- {
				if err := s.closers[i](); err != nil {
					closeErrs = append(closeErrs, err)
				}
			}
		})
	}

	if err := errors.Join(append([]error{waitErr, serverErr}, closeErrs...)...); err != nil {
		return err
	}
	s.logger.Info().Msg("Sink service stopped.")
	return nil
}
