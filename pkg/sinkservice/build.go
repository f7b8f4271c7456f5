package sinkservice

import (
	"context"
	"fmt"
	"time"

	"github.com/illmade-knight/go-batchsink/pkg/bqstore"
	"github.com/illmade-knight/go-batchsink/pkg/checkpoint"
	"github.com/illmade-knight/go-batchsink/pkg/config"
	"github.com/illmade-knight/go-batchsink/pkg/docstore"
	"github.com/illmade-knight/go-batchsink/pkg/icestore"
	"github.com/illmade-knight/go-batchsink/pkg/kafkasource"
	"github.com/illmade-knight/go-batchsink/pkg/microservice"
	"github.com/illmade-knight/go-batchsink/pkg/pubsubsource"
	"github.com/illmade-knight/go-batchsink/pkg/sinkpipeline"
	"github.com/illmade-knight/go-batchsink/pkg/sqlstore"
	"github.com/illmade-knight/go-batchsink/pkg/tsstore"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
)

// disconnectTimeout bounds client shutdown calls that take a context.
const disconnectTimeout = 10 * time.Second

// Build connects every client named by cfg and assembles the service. On
// error anything already opened is released.
func Build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (_ *Service, err error) {
	coordCfg, err := cfg.CoordinatorConfig()
	if err != nil {
		return nil, err
	}

	comps := Components{}
	defer func() {
		if err != nil {
			if comps.Source != nil {
				_ = comps.Source.Close()
			}
			closeAll(comps.Closers, logger)
		}
	}()

	if comps.Writer, err = buildWriter(ctx, cfg, &comps, logger); err != nil {
		return nil, err
	}

	store, err := checkpoint.New(ctx, cfg.Checkpoint, logger)
	if err != nil {
		return nil, err
	}
	if store != nil {
		comps.Checkpointer = store
		comps.Closers = append(comps.Closers, store.Close)
	}

	if err = buildSource(ctx, cfg, &comps, logger); err != nil {
		return nil, err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	comps.Metrics = sinkpipeline.NewMetrics(registry)
	server := microservice.NewBaseServer(logger, cfg.HTTPPort, registry)

	logger.Info().
		Str("source", string(cfg.Source)).
		Str("sink", string(cfg.Sink.Kind)).
		Str("checkpoint", string(cfg.Checkpoint.Backend)).
		Msg("Sink service assembled.")
	return New(coordCfg, comps, server, logger)
}

func buildWriter(ctx context.Context, cfg *config.Config, comps *Components, logger zerolog.Logger) (sinkpipeline.SinkWriter, error) {
	sink := cfg.Sink
	switch sink.Kind {
	case sinkpipeline.SinkDocument:
		client, err := docstore.NewProductionMongoClient(ctx, &sink.MongoDB.Connection, logger)
		if err != nil {
			return nil, err
		}
		comps.Closers = append(comps.Closers, func() error {
			dctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
			defer cancel()
			return client.Disconnect(dctx)
		})
		return docstore.NewWriter(client, logger)

	case sinkpipeline.SinkTimeSeries:
		client, err := tsstore.NewProductionInfluxClient(ctx, &sink.InfluxDB.Connection, logger)
		if err != nil {
			return nil, err
		}
		comps.Closers = append(comps.Closers, func() error {
			client.Close()
			return nil
		})
		return tsstore.NewWriter(client, sink.InfluxDB.Connection.Org, logger)

	case sinkpipeline.SinkRelational:
		db, err := sqlstore.NewProductionMySQLDB(ctx, &sink.MySQL.Connection, logger)
		if err != nil {
			return nil, err
		}
		comps.Closers = append(comps.Closers, db.Close)
		return sqlstore.NewWriter(db, logger)

	case sinkpipeline.SinkWarehouse:
		conn := sink.BigQuery.Connection
		client, err := bqstore.NewProductionBigQueryClient(ctx, conn.ProjectID, conn.CredentialsFile, logger)
		if err != nil {
			return nil, err
		}
		comps.Closers = append(comps.Closers, client.Close)
		return bqstore.NewWriter(client, logger)

	case sinkpipeline.SinkArchive:
		client, err := icestore.NewProductionStorageClient(ctx, sink.GCS.CredentialsFile, logger)
		if err != nil {
			return nil, err
		}
		comps.Closers = append(comps.Closers, client.Close)
		return icestore.NewWriter(icestore.NewGCSClientAdapter(client), logger)

	default:
		return nil, sinkpipeline.NewConfigurationError("sink.kind", "unknown sink %q", sink.Kind)
	}
}

func buildSource(ctx context.Context, cfg *config.Config, comps *Components, logger zerolog.Logger) error {
	switch cfg.Source {
	case config.SourceKafka:
		comps.Source = kafkasource.NewSource(kafkasource.NewReader(&cfg.Kafka, logger), logger)
		if cfg.Kafka.DeadLetterTopic != "" {
			reporter := kafkasource.NewDeadLetterReporter(kafkasource.NewDeadLetterWriter(&cfg.Kafka), logger)
			comps.Reporter = reporter
			comps.Closers = append(comps.Closers, reporter.Close)
		}
		return nil

	case config.SourcePubsub:
		client, err := pubsubsource.NewProductionPubsubClient(ctx, &cfg.Pubsub, logger)
		if err != nil {
			return err
		}
		// The source is closed by the coordinator before the closers run.
		comps.Closers = append(comps.Closers, client.Close)
		if cfg.Pubsub.DeadLetterTopicID != "" {
			reporter, err := pubsubsource.NewDeadLetterPublisher(ctx, client, cfg.Pubsub.DeadLetterTopicID, logger)
			if err != nil {
				return err
			}
			comps.Reporter = reporter
			comps.Closers = append(comps.Closers, reporter.Close)
		}
		// NewSource starts receiving, so it is built last.
		source, err := pubsubsource.NewSource(ctx, &cfg.Pubsub, client, logger)
		if err != nil {
			return err
		}
		comps.Source = source
		return nil

	default:
		return sinkpipeline.NewConfigurationError("source", "unknown source %q", cfg.Source)
	}
}

func closeAll(closers []func() error, logger zerolog.Logger) {
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](); err != nil {
			logger.Warn().Err(err).Msg("Failed to release client.")
		}
	}
}

// Describe summarises the resolved configuration for the validate command.
func Describe(cfg *config.Config) (string, error) {
	coordCfg, err := cfg.CoordinatorConfig()
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("source=%s sink=%s buffer_size=%d buffer_timeout=%s overflow=%s checkpoint=%q",
		cfg.Source, coordCfg.Options.Kind(), coordCfg.BufferSize, coordCfg.BufferTimeout,
		coordCfg.OverflowPolicy, cfg.Checkpoint.Backend), nil
}
