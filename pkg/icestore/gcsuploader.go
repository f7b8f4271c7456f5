package icestore

import (
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strconv"
	"time"

	"github.com/illmade-knight/go-batchsink/pkg/sinkpipeline"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// ArchivedRecord is one line of an archive object.
type ArchivedRecord struct {
	Key       string                `json:"key,omitempty"`
	Timestamp time.Time             `json:"timestamp"`
	Headers   []sinkpipeline.Header `json:"headers,omitempty"`
	Topic     string                `json:"topic"`
	Partition int32                 `json:"partition"`
	Offset    int64                 `json:"offset"`
	Fields    map[string]any        `json:"fields"`
}

func newArchivedRecord(rec sinkpipeline.EnrichedRecord) ArchivedRecord {
	return ArchivedRecord{
		Key:       string(rec.Key),
		Timestamp: rec.Timestamp,
		Headers:   rec.Headers,
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Fields:    rec.Fields,
	}
}

// Writer implements sinkpipeline.SinkWriter for object storage. Each batch is
// written as one gzip-compressed JSON-lines object per source partition.
type Writer struct {
	client GCSClient
	logger zerolog.Logger
}

// NewWriter creates an archive writer over gcsClient.
func NewWriter(gcsClient GCSClient, logger zerolog.Logger) (*Writer, error) {
	if gcsClient == nil {
		return nil, errors.New("GCS client cannot be nil")
	}
	return &Writer{
		client: gcsClient,
		logger: logger.With().Str("component", "GCSArchiveWriter").Logger(),
	}, nil
}

// ObjectName is the deterministic object name for a partition's slice of a
// batch. A retried batch overwrites the same objects.
func ObjectName(prefix string, tp sinkpipeline.TopicPartition, first, last int64) string {
	return path.Join(prefix, tp.Topic, strconv.Itoa(int(tp.Partition)), fmt.Sprintf("%020d-%020d.jsonl.gz", first, last))
}

// Write uploads every partition group in parallel. Object storage has no
// per-record failure, so any error fails the whole batch.
func (w *Writer) Write(ctx context.Context, batch *sinkpipeline.Batch, opts sinkpipeline.WriteOptions) (sinkpipeline.WriteOutcome, error) {
	arOpts, ok := opts.(sinkpipeline.ArchiveOptions)
	if !ok {
		return sinkpipeline.WriteOutcome{}, sinkpipeline.OptionsMismatch(sinkpipeline.SinkArchive, opts)
	}
	if batch.Len() == 0 {
		return sinkpipeline.WriteOutcome{}, nil
	}

	groups := make(map[sinkpipeline.TopicPartition][]sinkpipeline.EnrichedRecord)
	for _, rec := range batch.Records {
		tp := rec.TopicPartition()
		groups[tp] = append(groups[tp], rec)
	}
	partitions := make([]sinkpipeline.TopicPartition, 0, len(groups))
	for tp := range groups {
		partitions = append(partitions, tp)
	}
	sort.Slice(partitions, func(i, j int) bool {
		if partitions[i].Topic != partitions[j].Topic {
			return partitions[i].Topic < partitions[j].Topic
		}
		return partitions[i].Partition < partitions[j].Partition
	})

	g, gctx := errgroup.WithContext(ctx)
	for _, tp := range partitions {
		records := groups[tp]
		name := ObjectName(arOpts.Prefix, tp, records[0].Offset, records[len(records)-1].Offset)
		g.Go(func() error {
			return w.upload(gctx, arOpts.Bucket, name, batch.ID, records)
		})
	}
	if err := g.Wait(); err != nil {
		return sinkpipeline.WriteOutcome{}, sinkpipeline.NewTransientWriteError(string(sinkpipeline.SinkArchive), err)
	}
	return sinkpipeline.WriteOutcome{}, nil
}

// upload streams one group of records to a single object.
func (w *Writer) upload(ctx context.Context, bucket, objectName, batchID string, records []sinkpipeline.EnrichedRecord) error {
	w.logger.Debug().Str("object_name", objectName).Int("record_count", len(records)).Msg("Starting upload for partition group.")

	gcsWriter := w.client.Bucket(bucket).Object(objectName).NewWriter(ctx, ObjectAttrs{
		ContentType: "application/x-ndjson",
		Metadata:    map[string]string{"batch_id": batchID},
	})
	pr, pw := io.Pipe()

	go func() {
		var err error
		defer func() { _ = pw.CloseWithError(err) }()
		gz := gzip.NewWriter(pw)
		enc := json.NewEncoder(gz)
		for _, rec := range records {
			if err = enc.Encode(newArchivedRecord(rec)); err != nil {
				err = fmt.Errorf("json encoding failed for %s: %w", objectName, err)
				return
			}
		}
		err = gz.Close()
	}()

	bytesWritten, pipeReadErr := io.Copy(gcsWriter, pr)
	if pipeReadErr != nil {
		// Unblocks the encoder goroutine.
		_ = pr.CloseWithError(pipeReadErr)
	}
	closeErr := gcsWriter.Close()

	if pipeReadErr != nil {
		return fmt.Errorf("failed to stream data for GCS object %s: %w", objectName, pipeReadErr)
	}
	if closeErr != nil {
		return fmt.Errorf("failed to close GCS object writer for %s: %w", objectName, closeErr)
	}

	w.logger.Info().
		Str("object_name", objectName).
		Int64("bytes_written", bytesWritten).
		Msg("Successfully uploaded partition group to GCS.")
	return nil
}
