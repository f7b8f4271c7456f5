// Package config resolves the sink service configuration. Values come from
// built-in defaults, then an optional YAML file, then environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/illmade-knight/go-batchsink/pkg/bqstore"
	"github.com/illmade-knight/go-batchsink/pkg/checkpoint"
	"github.com/illmade-knight/go-batchsink/pkg/docstore"
	"github.com/illmade-knight/go-batchsink/pkg/kafkasource"
	"github.com/illmade-knight/go-batchsink/pkg/microservice"
	"github.com/illmade-knight/go-batchsink/pkg/pubsubsource"
	"github.com/illmade-knight/go-batchsink/pkg/sinkpipeline"
	"github.com/illmade-knight/go-batchsink/pkg/sqlstore"
	"github.com/illmade-knight/go-batchsink/pkg/tsstore"
	"gopkg.in/yaml.v3"
)

// SourceKind names the inbound record stream.
type SourceKind string

const (
	SourceKafka  SourceKind = "kafka"
	SourcePubsub SourceKind = "pubsub"
)

// BufferConfig holds the batching thresholds.
type BufferConfig struct {
	Size     int                         `yaml:"size"`
	Timeout  time.Duration               `yaml:"timeout"`
	Overflow sinkpipeline.OverflowPolicy `yaml:"overflow"`
}

// MongoDBSink configures the document-store destination.
type MongoDBSink struct {
	Connection      docstore.MongoConfig `yaml:"connection"`
	Database        string               `yaml:"database"`
	Collection      string               `yaml:"collection"`
	DocumentMatcher string               `yaml:"document_matcher"`
	Upsert          bool                 `yaml:"upsert"`
	UpdateMethod    string               `yaml:"update_method"`
}

// InfluxDBSink configures the time-series destination.
type InfluxDBSink struct {
	Connection  tsstore.InfluxConfig `yaml:"connection"`
	Bucket      string               `yaml:"bucket"`
	Measurement string               `yaml:"measurement"`
	TagKeys     []string             `yaml:"tag_keys"`
	FieldKeys   []string             `yaml:"field_keys"`
	TimeKey     string               `yaml:"time_key"`
}

// MySQLSink configures the relational destination.
type MySQLSink struct {
	Connection  sqlstore.MySQLConfig `yaml:"connection"`
	Table       string               `yaml:"table"`
	CreateTable bool                 `yaml:"create_table"`
}

// BigQuerySink configures the warehouse destination.
type BigQuerySink struct {
	Connection bqstore.BigQueryConfig `yaml:"connection"`
	Dataset    string                 `yaml:"dataset"`
	Table      string                 `yaml:"table"`
}

// GCSSink configures the archive destination.
type GCSSink struct {
	CredentialsFile string `yaml:"credentials_file"`
	Bucket          string `yaml:"bucket"`
	Prefix          string `yaml:"prefix"`
}

// SinkConfig selects the destination and holds the settings of every kind.
// Only the section matching Kind is used.
type SinkConfig struct {
	Kind     sinkpipeline.SinkKind `yaml:"kind"`
	MongoDB  MongoDBSink           `yaml:"mongodb"`
	InfluxDB InfluxDBSink          `yaml:"influxdb"`
	MySQL    MySQLSink             `yaml:"mysql"`
	BigQuery BigQuerySink          `yaml:"bigquery"`
	GCS      GCSSink               `yaml:"gcs"`
}

// Config is the complete service configuration.
type Config struct {
	microservice.BaseConfig `yaml:",inline"`

	Source SourceKind               `yaml:"source"`
	Kafka  kafkasource.KafkaConfig  `yaml:"kafka"`
	Pubsub pubsubsource.PubsubConfig `yaml:"pubsub"`

	Buffer        BufferConfig                  `yaml:"buffer"`
	Enrichment    sinkpipeline.EnrichmentConfig `yaml:"enrichment"`
	WriteTimeout  time.Duration                 `yaml:"write_timeout"`
	ShutdownGrace time.Duration                 `yaml:"shutdown_grace"`
	Retry         sinkpipeline.RetryConfig      `yaml:"retry"`

	Checkpoint checkpoint.Config `yaml:"checkpoint"`
	Sink       SinkConfig        `yaml:"sink"`
}

// Default returns the configuration used when nothing overrides it.
func Default() *Config {
	return &Config{
		BaseConfig: microservice.BaseConfig{
			LogLevel:    "info",
			HTTPPort:    ":8080",
			ServiceName: "sinkd",
		},
		Source: SourceKafka,
		Pubsub: pubsubsource.PubsubConfig{
			MaxOutstandingMessages: sinkpipeline.DefaultBufferSize,
			NumGoroutines:          5,
		},
		Buffer: BufferConfig{
			Size:     sinkpipeline.DefaultBufferSize,
			Timeout:  sinkpipeline.DefaultBufferTimeout,
			Overflow: sinkpipeline.OverflowBlock,
		},
		WriteTimeout:  sinkpipeline.DefaultWriteTimeout,
		ShutdownGrace: sinkpipeline.DefaultShutdownGrace,
		Retry:         sinkpipeline.DefaultRetryConfig(),
		Sink: SinkConfig{
			MongoDB: MongoDBSink{
				Connection:   docstore.MongoConfig{Port: 27017},
				Upsert:       true,
				UpdateMethod: string(sinkpipeline.UpdateOne),
			},
		},
	}
}

// Load resolves the configuration from the defaults, the YAML file at path
// (skipped when path is empty) and the environment, then validates it.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open config file: %w", err)
		}
		err = cfg.decodeYAML(f)
		_ = f.Close()
		if err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Parse is Load for an in-memory YAML document, without the environment.
func Parse(data []byte) (*Config, error) {
	cfg := Default()
	if err := cfg.decodeYAML(bytes.NewReader(data)); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) decodeYAML(r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(c); err != nil && !errors.Is(err, io.EOF) {
		return sinkpipeline.NewConfigurationError("config_file", "%v", err)
	}
	return nil
}

// WriteOptions builds the destination options for the configured sink kind.
func (c *Config) WriteOptions() (sinkpipeline.WriteOptions, error) {
	s := c.Sink
	switch s.Kind {
	case sinkpipeline.SinkDocument:
		matcher, err := sinkpipeline.ParseMatcherTemplate(s.MongoDB.DocumentMatcher)
		if err != nil {
			return nil, err
		}
		return sinkpipeline.DocumentOptions{
			Database:     s.MongoDB.Database,
			Collection:   s.MongoDB.Collection,
			Matcher:      matcher,
			Upsert:       s.MongoDB.Upsert,
			UpdateMethod: sinkpipeline.UpdateMethod(s.MongoDB.UpdateMethod),
		}, nil
	case sinkpipeline.SinkTimeSeries:
		return sinkpipeline.TimeSeriesOptions{
			Bucket:      s.InfluxDB.Bucket,
			Measurement: s.InfluxDB.Measurement,
			TagKeys:     s.InfluxDB.TagKeys,
			FieldKeys:   s.InfluxDB.FieldKeys,
			TimeKey:     s.InfluxDB.TimeKey,
		}, nil
	case sinkpipeline.SinkRelational:
		return sinkpipeline.RelationalOptions{Table: s.MySQL.Table, CreateTable: s.MySQL.CreateTable}, nil
	case sinkpipeline.SinkWarehouse:
		return sinkpipeline.WarehouseOptions{Dataset: s.BigQuery.Dataset, Table: s.BigQuery.Table}, nil
	case sinkpipeline.SinkArchive:
		return sinkpipeline.ArchiveOptions{Bucket: s.GCS.Bucket, Prefix: s.GCS.Prefix}, nil
	case "":
		return nil, sinkpipeline.NewConfigurationError("sink.kind", "must be set")
	default:
		return nil, sinkpipeline.NewConfigurationError("sink.kind", "unknown sink %q", s.Kind)
	}
}

// CoordinatorConfig builds the coordinator settings.
func (c *Config) CoordinatorConfig() (sinkpipeline.CoordinatorConfig, error) {
	opts, err := c.WriteOptions()
	if err != nil {
		return sinkpipeline.CoordinatorConfig{}, err
	}
	return sinkpipeline.CoordinatorConfig{
		BufferSize:     c.Buffer.Size,
		BufferTimeout:  c.Buffer.Timeout,
		OverflowPolicy: c.Buffer.Overflow,
		Enrichment:     c.Enrichment,
		WriteTimeout:   c.WriteTimeout,
		ShutdownGrace:  c.ShutdownGrace,
		Retry:          c.Retry,
		Options:        opts,
	}, nil
}

// Validate reports the first invalid setting as a *sinkpipeline.ConfigurationError.
func (c *Config) Validate() error {
	switch c.Source {
	case SourceKafka:
		if err := c.Kafka.Validate(); err != nil {
			return sinkpipeline.NewConfigurationError("kafka", "%v", err)
		}
	case SourcePubsub:
		if c.Pubsub.ProjectID == "" || c.Pubsub.SubscriptionID == "" {
			return sinkpipeline.NewConfigurationError("pubsub", "project_id and subscription_id must be set")
		}
	default:
		return sinkpipeline.NewConfigurationError("source", "unknown source %q", c.Source)
	}

	switch c.Buffer.Overflow {
	case sinkpipeline.OverflowBlock, sinkpipeline.OverflowReject:
	default:
		return sinkpipeline.NewConfigurationError("buffer_overflow", "unknown policy %q", c.Buffer.Overflow)
	}

	coordCfg, err := c.CoordinatorConfig()
	if err != nil {
		return err
	}
	if err := coordCfg.Validate(); err != nil {
		return err
	}
	if err := c.validateConnection(); err != nil {
		return err
	}

	switch c.Checkpoint.Backend {
	case checkpoint.BackendNone, checkpoint.BackendMemory:
	case checkpoint.BackendRedis, checkpoint.BackendFirestore:
		// Pub/Sub offsets restart from zero with every process, so a stored
		// checkpoint would mark new records as already written.
		if c.Source == SourcePubsub {
			return sinkpipeline.NewConfigurationError("checkpoint.backend",
				"%s checkpoint cannot be used with the pubsub source", c.Checkpoint.Backend)
		}
	default:
		return sinkpipeline.NewConfigurationError("checkpoint.backend", "unknown backend %q", c.Checkpoint.Backend)
	}

	switch c.Checkpoint.Backend {
	case checkpoint.BackendRedis:
		if c.Checkpoint.Redis.Addr == "" || c.Checkpoint.Redis.Key == "" {
			return sinkpipeline.NewConfigurationError("checkpoint.redis", "addr and key must be set")
		}
	case checkpoint.BackendFirestore:
		if c.Checkpoint.Firestore.ProjectID == "" || c.Checkpoint.Firestore.CollectionName == "" {
			return sinkpipeline.NewConfigurationError("checkpoint.firestore", "project_id and collection must be set")
		}
	}
	return nil
}

func (c *Config) validateConnection() error {
	s := c.Sink
	switch s.Kind {
	case sinkpipeline.SinkDocument:
		if s.MongoDB.Connection.Host == "" {
			return sinkpipeline.NewConfigurationError("mongodb.connection.host", "must be set")
		}
	case sinkpipeline.SinkTimeSeries:
		if s.InfluxDB.Connection.URL == "" || s.InfluxDB.Connection.Org == "" {
			return sinkpipeline.NewConfigurationError("influxdb.connection", "url and org must be set")
		}
	case sinkpipeline.SinkRelational:
		if s.MySQL.Connection.Host == "" || s.MySQL.Connection.Database == "" {
			return sinkpipeline.NewConfigurationError("mysql.connection", "host and database must be set")
		}
	case sinkpipeline.SinkWarehouse:
		if s.BigQuery.Connection.ProjectID == "" {
			return sinkpipeline.NewConfigurationError("bigquery.connection.project_id", "must be set")
		}
	}
	return nil
}
