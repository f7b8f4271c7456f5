package sinkpipeline_test

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/illmade-knight/go-batchsink/pkg/sinkpipeline"
)

// ====================================================================================
// Test Mocks & Helpers
// ====================================================================================

const testTopic = "telemetry"

func testRecord(partition int32, offset int64) sinkpipeline.Record {
	return sinkpipeline.Record{
		Key:       []byte("device-1"),
		Value:     map[string]any{"speed": offset},
		Timestamp: time.UnixMilli(1_700_000_000_000 + offset),
		Topic:     testTopic,
		Partition: partition,
		Offset:    offset,
	}
}

// MockRecordSource is a channel-fed RecordSource that records commits.
type MockRecordSource struct {
	records  chan sinkpipeline.Record
	endOnce  sync.Once
	mu       sync.Mutex
	commits  []sinkpipeline.Offsets
	closed   bool
	CommitFn func(ctx context.Context, offsets sinkpipeline.Offsets) error
}

func NewMockRecordSource(bufferSize int) *MockRecordSource {
	return &MockRecordSource{records: make(chan sinkpipeline.Record, bufferSize)}
}

func (m *MockRecordSource) Push(recs ...sinkpipeline.Record) {
	for _, r := range recs {
		m.records <- r
	}
}

// End makes Next return io.EOF once the queued records are consumed.
func (m *MockRecordSource) End() {
	m.endOnce.Do(func() { close(m.records) })
}

func (m *MockRecordSource) Next(ctx context.Context) (sinkpipeline.Record, error) {
	select {
	case rec, ok := <-m.records:
		if !ok {
			return sinkpipeline.Record{}, io.EOF
		}
		return rec, nil
	case <-ctx.Done():
		return sinkpipeline.Record{}, ctx.Err()
	}
}

func (m *MockRecordSource) Commit(ctx context.Context, offsets sinkpipeline.Offsets) error {
	if m.CommitFn != nil {
		if err := m.CommitFn(ctx, offsets); err != nil {
			return err
		}
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := make(sinkpipeline.Offsets, len(offsets))
	cp.Merge(offsets)
	m.commits = append(m.commits, cp)
	return nil
}

func (m *MockRecordSource) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

func (m *MockRecordSource) GetCommitCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.commits)
}

// GetCommitted folds every commit into the resulting high-water marks.
func (m *MockRecordSource) GetCommitted() sinkpipeline.Offsets {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(sinkpipeline.Offsets)
	for _, c := range m.commits {
		out.Merge(c)
	}
	return out
}

func (m *MockRecordSource) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// MockSinkWriter records every batch it is handed.
type MockSinkWriter struct {
	mu        sync.Mutex
	batches   []*sinkpipeline.Batch
	callCount int
	WriteFn   func(ctx context.Context, batch *sinkpipeline.Batch, opts sinkpipeline.WriteOptions) (sinkpipeline.WriteOutcome, error)
}

func (m *MockSinkWriter) Write(ctx context.Context, batch *sinkpipeline.Batch, opts sinkpipeline.WriteOptions) (sinkpipeline.WriteOutcome, error) {
	m.mu.Lock()
	m.callCount++
	m.batches = append(m.batches, batch)
	fn := m.WriteFn
	m.mu.Unlock()
	if fn != nil {
		return fn(ctx, batch, opts)
	}
	return sinkpipeline.WriteOutcome{}, nil
}

func (m *MockSinkWriter) GetCallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.callCount
}

func (m *MockSinkWriter) GetBatches() []*sinkpipeline.Batch {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*sinkpipeline.Batch, len(m.batches))
	copy(out, m.batches)
	return out
}

// MockRejectionReporter collects reported records.
type MockRejectionReporter struct {
	mu       sync.Mutex
	rejected []sinkpipeline.RejectedRecord
}

func (m *MockRejectionReporter) Report(_ context.Context, rejected []sinkpipeline.RejectedRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rejected = append(m.rejected, rejected...)
	return nil
}

func (m *MockRejectionReporter) GetRejected() []sinkpipeline.RejectedRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]sinkpipeline.RejectedRecord(nil), m.rejected...)
}

// memoryCheckpointer is a minimal Checkpointer for coordinator tests.
type memoryCheckpointer struct {
	mu      sync.Mutex
	offsets sinkpipeline.Offsets
}

func (m *memoryCheckpointer) Load(_ context.Context, tp sinkpipeline.TopicPartition) (int64, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	off, ok := m.offsets[tp]
	return off, ok, nil
}

func (m *memoryCheckpointer) Save(_ context.Context, offsets sinkpipeline.Offsets) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offsets.Merge(offsets)
	return nil
}

func (m *memoryCheckpointer) get(tp sinkpipeline.TopicPartition) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.offsets[tp]
}

func testOptions() sinkpipeline.WriteOptions {
	return sinkpipeline.RelationalOptions{Table: "events"}
}

func offsetsOf(batch *sinkpipeline.Batch) []int64 {
	out := make([]int64, batch.Len())
	for i, r := range batch.Records {
		out[i] = r.Offset
	}
	return out
}
