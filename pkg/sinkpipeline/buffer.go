package sinkpipeline

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// OverflowPolicy decides what Append does when the buffer is full.
type OverflowPolicy string

const (
	// OverflowBlock makes Append wait for the next drain. This is the default.
	OverflowBlock OverflowPolicy = "block"
	// OverflowReject makes Append fail fast with ErrBufferOverflow.
	OverflowReject OverflowPolicy = "reject"
)

// BatchBuffer is a bounded, thread-safe accumulator of enriched records.
type BatchBuffer struct {
	capacity int
	policy   OverflowPolicy

	mu      sync.Mutex
	records []EnrichedRecord
	oldest  time.Time
	// drained is closed and replaced on every Drain, waking blocked appenders.
	drained chan struct{}

	count atomic.Int64
}

// NewBatchBuffer creates a buffer holding at most capacity records.
func NewBatchBuffer(capacity int, policy OverflowPolicy) (*BatchBuffer, error) {
	if capacity <= 0 {
		return nil, NewConfigurationError("buffer_size", "must be positive, got %d", capacity)
	}
	switch policy {
	case "":
		policy = OverflowBlock
	case OverflowBlock, OverflowReject:
	default:
		return nil, NewConfigurationError("buffer_overflow", "unknown policy %q", policy)
	}
	return &BatchBuffer{
		capacity: capacity,
		policy:   policy,
		records:  make([]EnrichedRecord, 0, capacity),
		drained:  make(chan struct{}),
	}, nil
}

// Append adds rec and returns the number of buffered records including it.
// When the buffer is full it waits for a drain, or returns ErrBufferOverflow
// under OverflowReject. A done ctx aborts the wait.
func (b *BatchBuffer) Append(ctx context.Context, rec EnrichedRecord) (int, error) {
	for {
		b.mu.Lock()
		if len(b.records) < b.capacity {
			if len(b.records) == 0 {
				b.oldest = time.Now()
			}
			b.records = append(b.records, rec)
			n := len(b.records)
			b.count.Store(int64(n))
			b.mu.Unlock()
			return n, nil
		}
		if b.policy == OverflowReject {
			n := len(b.records)
			b.mu.Unlock()
			return n, fmt.Errorf("%w: %d records buffered", ErrBufferOverflow, n)
		}
		wait := b.drained
		b.mu.Unlock()

		select {
		case <-wait:
		case <-ctx.Done():
			return 0, ctx.Err()
		}
	}
}

// Drain removes and returns every buffered record as a Batch. Records appended
// after the cut belong to the next batch.
func (b *BatchBuffer) Drain() *Batch {
	b.mu.Lock()
	records := b.records
	b.records = make([]EnrichedRecord, 0, b.capacity)
	b.oldest = time.Time{}
	b.count.Store(0)
	close(b.drained)
	b.drained = make(chan struct{})
	b.mu.Unlock()

	offsets := make(Offsets)
	for _, rec := range records {
		offsets.Observe(rec.TopicPartition(), rec.Offset)
	}
	return &Batch{
		ID:        uuid.NewString(),
		Records:   records,
		Offsets:   offsets,
		CreatedAt: time.Now(),
	}
}

// Size returns the current record count without locking. It may be stale by
// the time the caller acts on it.
func (b *BatchBuffer) Size() int {
	return int(b.count.Load())
}

// Capacity returns the configured maximum record count.
func (b *BatchBuffer) Capacity() int {
	return b.capacity
}

// Oldest returns when the oldest buffered record was appended, or the zero
// time if the buffer is empty.
func (b *BatchBuffer) Oldest() time.Time {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.oldest
}
