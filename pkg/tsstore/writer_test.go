package tsstore_test

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/illmade-knight/go-batchsink/pkg/sinkpipeline"
	"github.com/illmade-knight/go-batchsink/pkg/tsstore"
	influxhttp "github.com/influxdata/influxdb-client-go/v2/api/http"
	"github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// MockPointWriter records every WritePoint call.
type MockPointWriter struct {
	mu      sync.Mutex
	calls   [][]*write.Point
	bucket  string
	WriteFn func(points []*write.Point) error
}

func (m *MockPointWriter) WritePoint(_ context.Context, points ...*write.Point) error {
	m.mu.Lock()
	m.calls = append(m.calls, points)
	fn := m.WriteFn
	m.mu.Unlock()
	if fn != nil {
		return fn(points)
	}
	return nil
}

func (m *MockPointWriter) Calls() [][]*write.Point {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

func newTestWriter(mock *MockPointWriter) *tsstore.Writer {
	return tsstore.NewWriterWithProvider(func(bucket string) tsstore.PointWriter {
		mock.mu.Lock()
		mock.bucket = bucket
		mock.mu.Unlock()
		return mock
	}, zerolog.Nop())
}

func reading(offset int64, fields map[string]any) sinkpipeline.EnrichedRecord {
	rec := sinkpipeline.Record{
		Value:     fields,
		Timestamp: time.UnixMilli(1_700_000_000_000),
		Topic:     "weather",
		Partition: 0,
		Offset:    offset,
	}
	return sinkpipeline.Enrich(rec, sinkpipeline.EnrichmentConfig{})
}

func batchOf(records ...sinkpipeline.EnrichedRecord) *sinkpipeline.Batch {
	return &sinkpipeline.Batch{ID: "b1", Records: records}
}

func lineOf(p *write.Point) string {
	return strings.TrimSpace(write.PointToLineProtocol(p, time.Nanosecond))
}

var tsOptions = sinkpipeline.TimeSeriesOptions{
	Bucket:      "telemetry",
	Measurement: "temperature",
	TagKeys:     []string{"city"},
	FieldKeys:   []string{"value"},
	TimeKey:     "ts",
}

func TestWriter_WritesPointsInOneRequest(t *testing.T) {
	mock := &MockPointWriter{}
	w := newTestWriter(mock)

	batch := batchOf(
		reading(0, map[string]any{"city": "Oslo", "value": 3.5, "ts": int64(1_700_000_000_000_000_001)}),
		reading(1, map[string]any{"city": "Rome", "value": int64(21), "ts": "2023-11-14T22:13:20.5Z", "ignored": true}),
	)
	outcome, err := w.Write(context.Background(), batch, tsOptions)
	require.NoError(t, err)
	assert.Equal(t, sinkpipeline.OutcomeSucceeded, outcome.Status())

	calls := mock.Calls()
	require.Len(t, calls, 1)
	require.Len(t, calls[0], 2)
	assert.Equal(t, "telemetry", mock.bucket)
	assert.Equal(t, "temperature,city=Oslo value=3.5 1700000000000000001", lineOf(calls[0][0]))
	assert.Equal(t, "temperature,city=Rome value=21i 1700000000500000000", lineOf(calls[0][1]))
}

func TestWriter_InvalidTimeIsRejectedPerRecord(t *testing.T) {
	mock := &MockPointWriter{}
	w := newTestWriter(mock)

	batch := batchOf(
		reading(0, map[string]any{"city": "Oslo", "value": 1.0, "ts": int64(10)}),
		reading(1, map[string]any{"city": "Oslo", "value": 2.0}),
		reading(2, map[string]any{"city": "Oslo", "value": 3.0, "ts": "yesterday"}),
		reading(3, map[string]any{"city": "Oslo", "value": 4.0, "ts": 1.5}),
		reading(4, map[string]any{"city": "Oslo", "value": 5.0, "ts": 1e19}),
		reading(5, map[string]any{"city": "Oslo", "value": 6.0, "ts": -1e19}),
	)
	outcome, err := w.Write(context.Background(), batch, tsOptions)
	require.NoError(t, err)
	assert.Equal(t, sinkpipeline.OutcomePartial, outcome.Status())

	require.Len(t, outcome.Rejected, 5)
	for i, r := range outcome.Rejected {
		assert.Equal(t, i+1, r.Index)
		assert.ErrorIs(t, r.Err, tsstore.ErrInvalidTime)
	}
	calls := mock.Calls()
	require.Len(t, calls, 1)
	assert.Len(t, calls[0], 1)
}

func TestWriter_DefaultsToTopicAndRecordTimestamp(t *testing.T) {
	mock := &MockPointWriter{}
	w := newTestWriter(mock)

	opts := sinkpipeline.TimeSeriesOptions{Bucket: "telemetry", TagKeys: []string{"city"}}
	batch := batchOf(reading(0, map[string]any{
		"city":   "Oslo",
		"value":  int64(7),
		"labels": []any{"a", "b"},
		"gone":   nil,
	}))
	_, err := w.Write(context.Background(), batch, opts)
	require.NoError(t, err)

	calls := mock.Calls()
	require.Len(t, calls, 1)
	p := calls[0][0]
	assert.Equal(t, "weather", p.Name())
	assert.True(t, p.Time().Equal(time.UnixMilli(1_700_000_000_000)))
	assert.Equal(t, `weather,city=Oslo labels="[\"a\",\"b\"]",value=7i 1700000000000000000`, lineOf(p))
}

func TestWriter_RecordWithoutFieldsIsRejected(t *testing.T) {
	mock := &MockPointWriter{}
	w := newTestWriter(mock)

	batch := batchOf(reading(0, map[string]any{"city": "Oslo", "ts": int64(1)}))
	outcome, err := w.Write(context.Background(), batch, tsOptions)
	require.NoError(t, err)
	require.Len(t, outcome.Rejected, 1)
	assert.ErrorIs(t, outcome.Rejected[0].Err, tsstore.ErrNoFields)
	assert.Empty(t, mock.Calls(), "nothing should be sent when every record is rejected")
}

func TestWriter_BadRequestIsolatesPoints(t *testing.T) {
	mock := &MockPointWriter{
		WriteFn: func(points []*write.Point) error {
			for _, p := range points {
				if strings.Contains(lineOf(p), "value=\"") {
					return &influxhttp.Error{StatusCode: http.StatusBadRequest, Code: "invalid", Message: "field type conflict"}
				}
			}
			return nil
		},
	}
	w := newTestWriter(mock)

	batch := batchOf(
		reading(0, map[string]any{"city": "Oslo", "value": 1.0, "ts": int64(1)}),
		reading(1, map[string]any{"city": "Oslo", "value": "hot", "ts": int64(2)}),
		reading(2, map[string]any{"city": "Oslo", "value": 3.0, "ts": int64(3)}),
	)
	outcome, err := w.Write(context.Background(), batch, tsOptions)
	require.NoError(t, err)
	require.Len(t, outcome.Rejected, 1)
	assert.Equal(t, 1, outcome.Rejected[0].Index)
	// One batch request plus one request per point.
	assert.Len(t, mock.Calls(), 4)
}

func TestWriter_ServerErrorIsTransient(t *testing.T) {
	mock := &MockPointWriter{
		WriteFn: func([]*write.Point) error {
			return &influxhttp.Error{StatusCode: http.StatusServiceUnavailable, Message: "unavailable"}
		},
	}
	w := newTestWriter(mock)

	_, err := w.Write(context.Background(), batchOf(reading(0, map[string]any{"value": 1.0, "ts": int64(1)})), tsOptions)
	var transient *sinkpipeline.TransientWriteError
	require.True(t, errors.As(err, &transient))
	assert.Equal(t, "influxdb", transient.Sink)
}

func TestWriter_ForeignOptions(t *testing.T) {
	w := newTestWriter(&MockPointWriter{})
	_, err := w.Write(context.Background(), batchOf(), sinkpipeline.RelationalOptions{})
	var cfgErr *sinkpipeline.ConfigurationError
	require.True(t, errors.As(err, &cfgErr))
}

func TestLoadInfluxConfigFromEnv(t *testing.T) {
	t.Setenv("INFLUXDB_HOST", "http://localhost:8086")
	t.Setenv("INFLUXDB_TOKEN", "secret")
	t.Setenv("INFLUXDB_ORG", "acme")

	cfg, err := tsstore.LoadInfluxConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8086", cfg.URL)
	assert.Equal(t, "acme", cfg.Org)

	t.Setenv("INFLUXDB_ORG", "")
	_, err = tsstore.LoadInfluxConfigFromEnv()
	assert.Error(t, err)
}
