package pubsubsource

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"cloud.google.com/go/pubsub"
	"github.com/illmade-knight/go-batchsink/pkg/sinkpipeline"
	"github.com/rs/zerolog"
)

// DeadLetterPublisher publishes rejected records to a Pub/Sub topic. The
// message data is the record's fields as JSON; attributes carry the record's
// headers plus the rejection metadata.
type DeadLetterPublisher struct {
	topic       *pubsub.Topic
	logger      zerolog.Logger
	stopTimeout time.Duration
}

// NewDeadLetterPublisher checks the topic exists before returning a publisher.
func NewDeadLetterPublisher(ctx context.Context, client *pubsub.Client, topicID string, logger zerolog.Logger) (*DeadLetterPublisher, error) {
	if client == nil {
		return nil, fmt.Errorf("pubsub client cannot be nil for dead-letter publisher")
	}
	topic := client.Topic(topicID)
	topic.PublishSettings.Timeout = 10 * time.Second

	existsCtx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()
	exists, err := topic.Exists(existsCtx)
	if err != nil {
		return nil, fmt.Errorf("failed to check for topic %s: %w", topicID, err)
	}
	if !exists {
		return nil, sinkpipeline.NewConfigurationError("pubsub.dead_letter_topic_id", "topic %s does not exist", topicID)
	}

	logger.Info().Str("topic_id", topicID).Msg("DeadLetterPublisher initialized successfully.")
	return &DeadLetterPublisher{
		topic:       topic,
		logger:      logger.With().Str("component", "DeadLetterPublisher").Str("topic_id", topicID).Logger(),
		stopTimeout: 20 * time.Second,
	}, nil
}

// Report implements sinkpipeline.RejectionReporter. It returns once every
// message is confirmed or has failed.
func (p *DeadLetterPublisher) Report(ctx context.Context, rejected []sinkpipeline.RejectedRecord) error {
	results := make([]*pubsub.PublishResult, 0, len(rejected))
	for _, rr := range rejected {
		data, err := json.Marshal(rr.Record.Fields)
		if err != nil {
			p.logger.Error().Err(err).Int64("offset", rr.Record.Offset).Msg("Cannot encode rejected record for dead-letter topic.")
			continue
		}
		results = append(results, p.topic.Publish(ctx, &pubsub.Message{
			Data:       data,
			Attributes: deadLetterAttributes(rr),
		}))
	}

	var errs []error
	for _, res := range results {
		if _, err := res.Get(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return fmt.Errorf("dead-letter publish failed for %d of %d records: %w", len(errs), len(results), errors.Join(errs...))
	}
	p.logger.Info().Int("count", len(results)).Msg("Published rejected records to dead-letter topic.")
	return nil
}

func deadLetterAttributes(rr sinkpipeline.RejectedRecord) map[string]string {
	attrs := make(map[string]string, len(rr.Record.Headers)+4)
	for _, h := range rr.Record.Headers {
		attrs[h.Key] = h.Value
	}
	attrs[sinkpipeline.RejectionError] = rr.Reason()
	attrs[sinkpipeline.RejectionSourceTopic] = rr.Record.Topic
	attrs[sinkpipeline.RejectionSourcePartition] = strconv.Itoa(int(rr.Record.Partition))
	attrs[sinkpipeline.RejectionSourceOffset] = strconv.FormatInt(rr.Record.Offset, 10)
	return attrs
}

// Close flushes outstanding publishes and stops the topic's goroutines.
func (p *DeadLetterPublisher) Close() error {
	stopDone := make(chan struct{})
	go func() {
		p.topic.Stop()
		close(stopDone)
	}()
	select {
	case <-stopDone:
		return nil
	case <-time.After(p.stopTimeout):
		p.logger.Error().Msg("Timeout waiting for dead-letter topic to flush and stop.")
		return fmt.Errorf("timeout stopping dead-letter topic")
	}
}
