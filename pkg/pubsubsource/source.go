// Package pubsubsource adapts a Google Cloud Pub/Sub subscription to the
// sinkpipeline.RecordSource contract. Pub/Sub has no offsets, so the source
// numbers messages in delivery order on a single synthetic partition and a
// commit acknowledges every outstanding message up to the committed number.
package pubsubsource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-batchsink/pkg/sinkpipeline"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// PubsubConfig configures the subscription consumer.
type PubsubConfig struct {
	ProjectID       string `yaml:"project_id"`
	SubscriptionID  string `yaml:"subscription_id"`
	CredentialsFile string `yaml:"credentials_file"` // Optional
	// MaxOutstandingMessages should be at least the buffer size, or batches
	// only ever flush on timeout.
	MaxOutstandingMessages int `yaml:"max_outstanding_messages"`
	NumGoroutines          int `yaml:"num_goroutines"`
	// DeadLetterTopicID receives rejected records when set.
	DeadLetterTopicID string `yaml:"dead_letter_topic_id"`
}

// LoadPubsubConfigFromEnv loads consumer configuration from environment variables.
func LoadPubsubConfigFromEnv() (*PubsubConfig, error) {
	cfg := &PubsubConfig{
		ProjectID:              os.Getenv("GCP_PROJECT_ID"),
		SubscriptionID:         os.Getenv("PUBSUB_SUBSCRIPTION_ID"),
		CredentialsFile:        os.Getenv("GCP_PUBSUB_CREDENTIALS_FILE"),
		DeadLetterTopicID:      os.Getenv("PUBSUB_DEAD_LETTER_TOPIC_ID"),
		MaxOutstandingMessages: 1000,
		NumGoroutines:          5,
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("GCP_PROJECT_ID environment variable not set")
	}
	if cfg.SubscriptionID == "" {
		return nil, fmt.Errorf("PUBSUB_SUBSCRIPTION_ID environment variable not set")
	}
	return cfg, nil
}

// NewProductionPubsubClient creates a Pub/Sub client, using Application
// Default Credentials unless a credentials file is provided.
func NewProductionPubsubClient(ctx context.Context, cfg *PubsubConfig, logger zerolog.Logger) (*pubsub.Client, error) {
	var opts []option.ClientOption
	if cfg.CredentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(cfg.CredentialsFile))
	}
	client, err := pubsub.NewClient(ctx, cfg.ProjectID, opts...)
	if err != nil {
		logger.Error().Err(err).Str("project_id", cfg.ProjectID).Msg("Failed to create Pub/Sub client.")
		return nil, fmt.Errorf("pubsub.NewClient: %w", err)
	}
	return client, nil
}

// Source implements sinkpipeline.RecordSource over a Pub/Sub subscription.
type Source struct {
	subscriptionID string
	logger         zerolog.Logger

	messages      chan *pubsub.Message
	cancelReceive context.CancelFunc
	doneChan      chan struct{}
	receiveErr    error
	stopOnce      sync.Once

	mu         sync.Mutex
	nextOffset int64
	pending    map[int64]*pubsub.Message
}

// NewSource checks the subscription exists and starts receiving.
func NewSource(ctx context.Context, cfg *PubsubConfig, client *pubsub.Client, logger zerolog.Logger) (*Source, error) {
	sub := client.Subscription(cfg.SubscriptionID)

	existsCtx, cancel := context.WithTimeout(ctx, 20*time.Second)
	defer cancel()
	ok, err := sub.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check subscription %s: %w", cfg.SubscriptionID, err)
	}
	if !ok {
		return nil, sinkpipeline.NewConfigurationError("pubsub.subscription_id", "subscription %s does not exist", cfg.SubscriptionID)
	}

	if cfg.MaxOutstandingMessages > 0 {
		sub.ReceiveSettings.MaxOutstandingMessages = cfg.MaxOutstandingMessages
	}
	if cfg.NumGoroutines > 0 {
		sub.ReceiveSettings.NumGoroutines = cfg.NumGoroutines
	}

	receiveCtx, receiveCancel := context.WithCancel(context.Background())
	s := &Source{
		subscriptionID: cfg.SubscriptionID,
		logger:         logger.With().Str("component", "PubsubSource").Str("subscription_id", cfg.SubscriptionID).Logger(),
		messages:       make(chan *pubsub.Message),
		cancelReceive:  receiveCancel,
		doneChan:       make(chan struct{}),
		pending:        make(map[int64]*pubsub.Message),
	}
	go s.receive(receiveCtx, sub)
	return s, nil
}

func (s *Source) receive(ctx context.Context, sub *pubsub.Subscription) {
	defer close(s.doneChan)
	s.logger.Info().Msg("Pub/Sub Receive goroutine started.")
	err := sub.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		select {
		case s.messages <- msg:
		case <-ctx.Done():
			msg.Nack()
		}
	})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.logger.Error().Err(err).Msg("Pub/Sub Receive call exited with error")
		s.receiveErr = err
	}
	s.logger.Info().Msg("Pub/Sub Receive goroutine stopped.")
}

// Next returns the next message as a record on partition 0 of a topic named
// after the subscription. Messages whose data is not a JSON object are acked
// and skipped.
func (s *Source) Next(ctx context.Context) (sinkpipeline.Record, error) {
	for {
		select {
		case <-ctx.Done():
			return sinkpipeline.Record{}, ctx.Err()
		case <-s.doneChan:
			if s.receiveErr != nil {
				return sinkpipeline.Record{}, fmt.Errorf("pubsub receive failed: %w", s.receiveErr)
			}
			return sinkpipeline.Record{}, io.EOF
		case msg := <-s.messages:
			value, err := sinkpipeline.DecodeValue(msg.Data)
			if err != nil {
				s.logger.Warn().Err(err).Str("msg_id", msg.ID).Msg("Skipping message with undecodable data.")
				msg.Ack()
				continue
			}

			s.mu.Lock()
			offset := s.nextOffset
			s.nextOffset++
			s.pending[offset] = msg
			s.mu.Unlock()

			return s.toRecord(msg, value, offset), nil
		}
	}
}

func (s *Source) toRecord(msg *pubsub.Message, value map[string]any, offset int64) sinkpipeline.Record {
	var key []byte
	if msg.OrderingKey != "" {
		key = []byte(msg.OrderingKey)
	}
	var headers []sinkpipeline.Header
	if len(msg.Attributes) > 0 {
		headers = make([]sinkpipeline.Header, 0, len(msg.Attributes))
		for k, v := range msg.Attributes {
			headers = append(headers, sinkpipeline.Header{Key: k, Value: v})
		}
		sort.Slice(headers, func(i, j int) bool { return headers[i].Key < headers[j].Key })
	}
	return sinkpipeline.Record{
		Key:       key,
		Value:     value,
		Timestamp: msg.PublishTime,
		Headers:   headers,
		Topic:     s.subscriptionID,
		Partition: 0,
		Offset:    offset,
	}
}

// Commit acks every outstanding message numbered at or below the committed offset.
func (s *Source) Commit(_ context.Context, offsets sinkpipeline.Offsets) error {
	upTo, ok := offsets[sinkpipeline.TopicPartition{Topic: s.subscriptionID}]
	if !ok {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	acked := 0
	for off, msg := range s.pending {
		if off <= upTo {
			msg.Ack()
			delete(s.pending, off)
			acked++
		}
	}
	s.logger.Debug().Int("acked", acked).Int64("up_to", upTo).Msg("Acknowledged messages.")
	return nil
}

// Close stops receiving and nacks every message that was never committed, so
// Pub/Sub redelivers it.
func (s *Source) Close() error {
	s.stopOnce.Do(func() {
		s.logger.Info().Msg("Stopping Pub/Sub source...")
		s.cancelReceive()
		select {
		case <-s.doneChan:
		case <-time.After(30 * time.Second):
			s.logger.Error().Msg("Timeout waiting for Pub/Sub Receive goroutine to stop.")
		}

		s.mu.Lock()
		defer s.mu.Unlock()
		for off, msg := range s.pending {
			msg.Nack()
			delete(s.pending, off)
		}
	})
	return nil
}
