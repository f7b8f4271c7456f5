package kafkasource

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/illmade-knight/go-batchsink/pkg/sinkpipeline"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// Dead-letter header names.
const (
	HeaderError           = sinkpipeline.RejectionError
	HeaderSourceTopic     = sinkpipeline.RejectionSourceTopic
	HeaderSourcePartition = sinkpipeline.RejectionSourcePartition
	HeaderSourceOffset    = sinkpipeline.RejectionSourceOffset
)

// MessageWriter abstracts *kafka.Writer.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// DeadLetterReporter publishes rejected records to a dead-letter topic with
// their original key, headers and fields, plus headers naming the error and
// source position.
type DeadLetterReporter struct {
	writer MessageWriter
	logger zerolog.Logger
}

// NewDeadLetterReporter wraps writer.
func NewDeadLetterReporter(writer MessageWriter, logger zerolog.Logger) *DeadLetterReporter {
	return &DeadLetterReporter{
		writer: writer,
		logger: logger.With().Str("component", "DeadLetterReporter").Logger(),
	}
}

// Report implements sinkpipeline.RejectionReporter.
func (r *DeadLetterReporter) Report(ctx context.Context, rejected []sinkpipeline.RejectedRecord) error {
	if len(rejected) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(rejected))
	for _, rr := range rejected {
		msg, err := deadLetterMessage(rr)
		if err != nil {
			r.logger.Error().Err(err).Int64("offset", rr.Record.Offset).Msg("Cannot encode rejected record for dead-letter topic.")
			continue
		}
		msgs = append(msgs, msg)
	}
	if err := r.writer.WriteMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("dead-letter publish failed: %w", err)
	}
	r.logger.Info().Int("count", len(msgs)).Msg("Published rejected records to dead-letter topic.")
	return nil
}

func deadLetterMessage(rr sinkpipeline.RejectedRecord) (kafka.Message, error) {
	value, err := json.Marshal(rr.Record.Fields)
	if err != nil {
		return kafka.Message{}, err
	}
	headers := make([]kafka.Header, 0, len(rr.Record.Headers)+4)
	for _, h := range rr.Record.Headers {
		headers = append(headers, kafka.Header{Key: h.Key, Value: []byte(h.Value)})
	}
	headers = append(headers,
		kafka.Header{Key: HeaderError, Value: []byte(rr.Reason())},
		kafka.Header{Key: HeaderSourceTopic, Value: []byte(rr.Record.Topic)},
		kafka.Header{Key: HeaderSourcePartition, Value: []byte(strconv.Itoa(int(rr.Record.Partition)))},
		kafka.Header{Key: HeaderSourceOffset, Value: []byte(strconv.FormatInt(rr.Record.Offset, 10))},
	)
	return kafka.Message{
		Key:     rr.Record.Key,
		Value:   value,
		Headers: headers,
		Time:    rr.Record.Timestamp,
	}, nil
}

// Close closes the underlying writer, flushing pending messages.
func (r *DeadLetterReporter) Close() error {
	return r.writer.Close()
}
