package kafkasource

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/illmade-knight/go-batchsink/pkg/sinkpipeline"
	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
)

// MessageReader abstracts *kafka.Reader.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Source implements sinkpipeline.RecordSource over a Kafka consumer group.
type Source struct {
	reader MessageReader
	logger zerolog.Logger
}

// NewSource wraps reader.
func NewSource(reader MessageReader, logger zerolog.Logger) *Source {
	return &Source{
		reader: reader,
		logger: logger.With().Str("component", "KafkaSource").Logger(),
	}
}

// Next returns the next record whose value is a JSON object. Other records
// are logged and skipped; a later commit on their partition moves past them.
func (s *Source) Next(ctx context.Context) (sinkpipeline.Record, error) {
	for {
		msg, err := s.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return sinkpipeline.Record{}, ctx.Err()
			}
			if errors.Is(err, io.EOF) {
				return sinkpipeline.Record{}, io.EOF
			}
			return sinkpipeline.Record{}, fmt.Errorf("kafka fetch failed: %w", err)
		}

		value, err := sinkpipeline.DecodeValue(msg.Value)
		if err != nil {
			s.logger.Warn().
				Err(err).
				Str("topic", msg.Topic).
				Int("partition", msg.Partition).
				Int64("offset", msg.Offset).
				Msg("Skipping record with undecodable value.")
			continue
		}
		return toRecord(msg, value), nil
	}
}

func toRecord(msg kafka.Message, value map[string]any) sinkpipeline.Record {
	var headers []sinkpipeline.Header
	if len(msg.Headers) > 0 {
		headers = make([]sinkpipeline.Header, len(msg.Headers))
		for i, h := range msg.Headers {
			headers[i] = sinkpipeline.Header{Key: h.Key, Value: string(h.Value)}
		}
	}
	return sinkpipeline.Record{
		Key:       msg.Key,
		Value:     value,
		Timestamp: msg.Time,
		Headers:   headers,
		Topic:     msg.Topic,
		Partition: int32(msg.Partition),
		Offset:    msg.Offset,
	}
}

// Commit commits every partition's offset to the consumer group. kafka-go
// stores offset+1, so the committed record itself is not redelivered.
func (s *Source) Commit(ctx context.Context, offsets sinkpipeline.Offsets) error {
	if len(offsets) == 0 {
		return nil
	}
	msgs := make([]kafka.Message, 0, len(offsets))
	for tp, off := range offsets {
		msgs = append(msgs, kafka.Message{Topic: tp.Topic, Partition: int(tp.Partition), Offset: off})
	}
	sort.Slice(msgs, func(i, j int) bool {
		if msgs[i].Topic != msgs[j].Topic {
			return msgs[i].Topic < msgs[j].Topic
		}
		return msgs[i].Partition < msgs[j].Partition
	})
	if err := s.reader.CommitMessages(ctx, msgs...); err != nil {
		return fmt.Errorf("kafka commit failed: %w", err)
	}
	return nil
}

// Close closes the reader, leaving the consumer group.
func (s *Source) Close() error {
	s.logger.Info().Msg("Closing Kafka reader...")
	return s.reader.Close()
}
