// Package tsstore writes batches to InfluxDB 2.x as points.
package tsstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/illmade-knight/go-batchsink/pkg/sinkpipeline"
	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxhttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"
)

// ErrInvalidTime marks a record whose time field is missing or unusable.
var ErrInvalidTime = errors.New("invalid time field")

// ErrNoFields marks a record that would produce a point without fields.
var ErrNoFields = errors.New("point has no fields")

// PointWriter abstracts api.WriteAPIBlocking.
type PointWriter interface {
	WritePoint(ctx context.Context, point ...*write.Point) error
}

// WriteAPIProvider returns the writer for a bucket.
type WriteAPIProvider func(bucket string) PointWriter

// Writer implements sinkpipeline.SinkWriter for InfluxDB.
type Writer struct {
	writeAPI WriteAPIProvider
	logger   zerolog.Logger
}

// NewWriter creates a writer using client's blocking write API for org.
func NewWriter(client influxdb2.Client, org string, logger zerolog.Logger) (*Writer, error) {
	if client == nil {
		return nil, errors.New("influxdb client cannot be nil")
	}
	return NewWriterWithProvider(func(bucket string) PointWriter {
		return client.WriteAPIBlocking(org, bucket)
	}, logger), nil
}

// NewWriterWithProvider creates a writer over an arbitrary provider.
func NewWriterWithProvider(provider WriteAPIProvider, logger zerolog.Logger) *Writer {
	return &Writer{
		writeAPI: provider,
		logger:   logger.With().Str("component", "InfluxWriter").Logger(),
	}
}

// Write converts each record to a point and writes them in one request.
// Records that cannot become a point are rejected. If the server refuses the
// request as malformed the points are retried one by one to find the bad ones.
func (w *Writer) Write(ctx context.Context, batch *sinkpipeline.Batch, opts sinkpipeline.WriteOptions) (sinkpipeline.WriteOutcome, error) {
	tsOpts, ok := opts.(sinkpipeline.TimeSeriesOptions)
	if !ok {
		return sinkpipeline.WriteOutcome{}, sinkpipeline.OptionsMismatch(sinkpipeline.SinkTimeSeries, opts)
	}
	var outcome sinkpipeline.WriteOutcome
	if batch.Len() == 0 {
		return outcome, nil
	}

	points := make([]*write.Point, 0, batch.Len())
	pointIndex := make([]int, 0, batch.Len())
	for i, rec := range batch.Records {
		p, err := BuildPoint(rec, tsOpts)
		if err != nil {
			outcome.Reject(i, err)
			continue
		}
		points = append(points, p)
		pointIndex = append(pointIndex, i)
	}
	if len(points) == 0 {
		return outcome, nil
	}

	api := w.writeAPI(tsOpts.Bucket)
	err := api.WritePoint(ctx, points...)
	if err == nil {
		return outcome, nil
	}
	if !isDataError(err) {
		w.logger.Error().Err(err).Int("points", len(points)).Msg("Failed to write points to InfluxDB.")
		return sinkpipeline.WriteOutcome{}, sinkpipeline.NewTransientWriteError(string(sinkpipeline.SinkTimeSeries), err)
	}

	w.logger.Warn().Err(err).Int("points", len(points)).Msg("InfluxDB refused the batch, writing points one by one.")
	for j, p := range points {
		if err := api.WritePoint(ctx, p); err != nil {
			if !isDataError(err) {
				return sinkpipeline.WriteOutcome{}, sinkpipeline.NewTransientWriteError(string(sinkpipeline.SinkTimeSeries), err)
			}
			outcome.Reject(pointIndex[j], err)
		}
	}
	return outcome, nil
}

// isDataError reports whether InfluxDB refused the request because of its content.
func isDataError(err error) bool {
	var httpErr *influxhttp.Error
	if !errors.As(err, &httpErr) {
		return false
	}
	return httpErr.StatusCode == http.StatusBadRequest || httpErr.StatusCode == http.StatusUnprocessableEntity
}

// BuildPoint maps one record to a point. The measurement defaults to the
// record's topic and the time to the record timestamp.
func BuildPoint(rec sinkpipeline.EnrichedRecord, opts sinkpipeline.TimeSeriesOptions) (*write.Point, error) {
	measurement := opts.Measurement
	if measurement == "" {
		measurement = rec.Topic
	}

	ts := rec.Timestamp
	if opts.TimeKey != "" {
		var err error
		if ts, err = parseTime(rec.Fields[opts.TimeKey]); err != nil {
			return nil, fmt.Errorf("%w %q: %v", ErrInvalidTime, opts.TimeKey, err)
		}
	}

	tags := make(map[string]string, len(opts.TagKeys))
	isTag := make(map[string]bool, len(opts.TagKeys))
	for _, k := range opts.TagKeys {
		isTag[k] = true
		if v, ok := rec.Fields[k]; ok && v != nil {
			tags[k] = fmt.Sprint(v)
		}
	}

	fields := make(map[string]interface{})
	addField := func(k string, v any) error {
		if v == nil {
			return nil
		}
		fv, err := fieldValue(v)
		if err != nil {
			return fmt.Errorf("field %q: %w", k, err)
		}
		fields[k] = fv
		return nil
	}
	if len(opts.FieldKeys) > 0 {
		for _, k := range opts.FieldKeys {
			if err := addField(k, rec.Fields[k]); err != nil {
				return nil, err
			}
		}
	} else {
		for k, v := range rec.Fields {
			if isTag[k] || k == opts.TimeKey {
				continue
			}
			if err := addField(k, v); err != nil {
				return nil, err
			}
		}
	}
	if len(fields) == 0 {
		return nil, ErrNoFields
	}

	return write.NewPoint(measurement, tags, fields, ts), nil
}

// parseTime accepts nanoseconds since the epoch as a number, an RFC 3339
// string, or a time.Time.
func parseTime(v any) (time.Time, error) {
	switch t := v.(type) {
	case int64:
		return time.Unix(0, t), nil
	case float64:
		if t != math.Trunc(t) || math.IsInf(t, 0) {
			return time.Time{}, fmt.Errorf("non-integral number %v", t)
		}
		if t < math.MinInt64 || t >= math.MaxInt64 {
			return time.Time{}, fmt.Errorf("number %v out of range for nanoseconds", t)
		}
		return time.Unix(0, int64(t)), nil
	case string:
		return time.Parse(time.RFC3339Nano, t)
	case time.Time:
		return t, nil
	case nil:
		return time.Time{}, errors.New("missing")
	default:
		return time.Time{}, fmt.Errorf("unsupported type %T", v)
	}
}

func fieldValue(v any) (interface{}, error) {
	switch t := v.(type) {
	case string, bool, int64, float64, uint64:
		return t, nil
	case int:
		return int64(t), nil
	case int32:
		return int64(t), nil
	case float32:
		return float64(t), nil
	default:
		b, err := json.Marshal(t)
		if err != nil {
			return nil, err
		}
		return string(b), nil
	}
}
