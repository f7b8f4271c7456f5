package kafkasource

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// KafkaConfig holds the consumer and dead-letter settings.
type KafkaConfig struct {
	Brokers []string `yaml:"brokers"`
	Topics  []string `yaml:"topics"`
	GroupID string   `yaml:"group_id"`
	// StartOffset is "earliest" or "latest" and applies only to groups with
	// no committed offset.
	StartOffset string        `yaml:"start_offset"`
	MinBytes    int           `yaml:"min_bytes"`
	MaxBytes    int           `yaml:"max_bytes"`
	MaxWait     time.Duration `yaml:"max_wait"`
	// DeadLetterTopic receives rejected records when set.
	DeadLetterTopic string `yaml:"dead_letter_topic"`
}

// LoadKafkaConfigFromEnv loads consumer configuration from environment variables.
func LoadKafkaConfigFromEnv() (*KafkaConfig, error) {
	cfg := &KafkaConfig{
		Brokers:         splitList(os.Getenv("KAFKA_BROKERS")),
		Topics:          splitList(os.Getenv("input")),
		GroupID:         os.Getenv("CONSUMER_GROUP"),
		StartOffset:     os.Getenv("KAFKA_START_OFFSET"),
		DeadLetterTopic: os.Getenv("DLQ_TOPIC"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate reports missing or invalid settings.
func (c *KafkaConfig) Validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("KAFKA_BROKERS environment variable not set")
	}
	if len(c.Topics) == 0 {
		return fmt.Errorf("input environment variable not set")
	}
	if c.GroupID == "" {
		return fmt.Errorf("CONSUMER_GROUP environment variable not set")
	}
	switch c.StartOffset {
	case "", "earliest", "latest":
	default:
		return fmt.Errorf("unknown start offset %q", c.StartOffset)
	}
	return nil
}

// NewReader creates a consumer-group reader for cfg. Offsets are committed
// explicitly through Source.Commit, never in the background.
func NewReader(cfg *KafkaConfig, logger zerolog.Logger) *kafka.Reader {
	start := kafka.FirstOffset
	if cfg.StartOffset == "latest" {
		start = kafka.LastOffset
	}
	kafkaLogger := logger.With().Str("component", "kafka-go").Logger()
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.GroupID,
		GroupTopics:    cfg.Topics,
		StartOffset:    start,
		MinBytes:       cfg.MinBytes,
		MaxBytes:       cfg.MaxBytes,
		MaxWait:        cfg.MaxWait,
		CommitInterval: 0,
		Logger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			kafkaLogger.Debug().Msgf(msg, args...)
		}),
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			kafkaLogger.Error().Msgf(msg, args...)
		}),
	})
}

// NewDeadLetterWriter creates a producer for cfg.DeadLetterTopic. Messages
// with the same key land in the same partition.
func NewDeadLetterWriter(cfg *KafkaConfig) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.DeadLetterTopic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
	}
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
