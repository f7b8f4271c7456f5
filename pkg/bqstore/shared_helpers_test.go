package bqstore_test

import (
	"context"
	"sync"
	"time"

	"cloud.google.com/go/bigquery"
	"github.com/illmade-knight/go-batchsink/pkg/sinkpipeline"
)

// ====================================================================================
// Test Mocks & Helpers
// ====================================================================================

// MockRowInserter is a mock implementation of bqstore.RowInserter.
type MockRowInserter struct {
	mu        sync.Mutex
	received  [][]bigquery.ValueSaver
	callCount int
	PutFn     func(ctx context.Context, rows []bigquery.ValueSaver) error
}

func (m *MockRowInserter) Put(ctx context.Context, src interface{}) error {
	rows := src.([]bigquery.ValueSaver)
	m.mu.Lock()
	m.callCount++
	m.received = append(m.received, rows)
	fn := m.PutFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, rows)
	}
	return nil
}

func (m *MockRowInserter) GetReceived() [][]bigquery.ValueSaver {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.received
}

func (m *MockRowInserter) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

func testBatch(n int) *sinkpipeline.Batch {
	batch := &sinkpipeline.Batch{ID: "batch-1", Offsets: make(sinkpipeline.Offsets)}
	for i := 0; i < n; i++ {
		rec := sinkpipeline.Record{
			Key:       []byte("sensor-1"),
			Value:     map[string]any{"reading": float64(i) + 0.5, "count": int64(i)},
			Timestamp: time.UnixMilli(1_700_000_000_000),
			Topic:     "readings",
			Partition: 1,
			Offset:    int64(100 + i),
		}
		batch.Records = append(batch.Records, sinkpipeline.Enrich(rec, sinkpipeline.EnrichmentConfig{MessageMetadata: true}))
		batch.Offsets.Observe(rec.TopicPartition(), rec.Offset)
	}
	return batch
}

var testOptions = sinkpipeline.WarehouseOptions{Dataset: "telemetry", Table: "readings"}
