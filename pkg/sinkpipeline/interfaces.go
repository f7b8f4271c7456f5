package sinkpipeline

import (
	"context"
)

// ====================================================================================
// This file defines the contracts the coordinator consumes: the inbound record
// source, the destination writer and the optional collaborators for reporting
// rejected records and guarding replays.
// ====================================================================================

// --- Stage 1: Source ---

// RecordSource abstracts the inbound stream as a pull interface.
type RecordSource interface {
	// Next blocks until a record is available. It returns io.EOF when the
	// stream has ended and ctx.Err() when ctx is done.
	Next(ctx context.Context) (Record, error)
	// Commit acknowledges every record up to and including the given offset
	// for each partition.
	Commit(ctx context.Context, offsets Offsets) error
	// Close releases the source's resources.
	Close() error
}

// --- Stage 2: Destination ---

// SinkWriter writes a batch to one destination kind. A non-nil error means the
// whole batch failed and nothing may be committed; per-record failures are
// reported through WriteOutcome.Rejected instead.
type SinkWriter interface {
	Write(ctx context.Context, batch *Batch, opts WriteOptions) (WriteOutcome, error)
}

// OutcomeStatus is the tagged result of a write.
type OutcomeStatus int

const (
	OutcomeSucceeded OutcomeStatus = iota
	OutcomePartial
	OutcomeFailed
)

func (s OutcomeStatus) String() string {
	switch s {
	case OutcomeSucceeded:
		return "succeeded"
	case OutcomePartial:
		return "partial"
	default:
		return "failed"
	}
}

// Rejection identifies one record of a batch that the destination refused.
type Rejection struct {
	// Index is the record's position in Batch.Records.
	Index int
	Err   error
}

// WriteOutcome is the per-record result of a write that reached the destination.
type WriteOutcome struct {
	Rejected []Rejection
}

// Status reports whether every record was written or only some were.
func (o WriteOutcome) Status() OutcomeStatus {
	if len(o.Rejected) > 0 {
		return OutcomePartial
	}
	return OutcomeSucceeded
}

// RejectedIndexes returns the rejected positions as a set.
func (o WriteOutcome) RejectedIndexes() map[int]struct{} {
	set := make(map[int]struct{}, len(o.Rejected))
	for _, r := range o.Rejected {
		set[r.Index] = struct{}{}
	}
	return set
}

// Reject is a convenience for writers building an outcome.
func (o *WriteOutcome) Reject(index int, err error) {
	o.Rejected = append(o.Rejected, Rejection{Index: index, Err: err})
}

// --- Optional collaborators ---

// RejectionReporter receives records the destination rejected, after they
// have been logged. Implementations might publish them to a dead-letter topic.
type RejectionReporter interface {
	Report(ctx context.Context, rejected []RejectedRecord) error
}

// RejectedRecord pairs a rejected record with its error.
type RejectedRecord struct {
	Record EnrichedRecord
	Err    *RecordRejectedError
}

// Metadata names attached to records republished by a RejectionReporter.
const (
	RejectionError           = "x-error"
	RejectionSourceTopic     = "x-source-topic"
	RejectionSourcePartition = "x-source-partition"
	RejectionSourceOffset    = "x-source-offset"
)

// Reason returns the rejection message, or "rejected" when none was recorded.
func (rr RejectedRecord) Reason() string {
	if rr.Err == nil {
		return "rejected"
	}
	return rr.Err.Error()
}

// Checkpointer remembers the highest offset per partition that has been
// confirmed written to the destination, independently of the source commit.
type Checkpointer interface {
	// Load returns the checkpointed offset for tp; ok is false if none exists.
	Load(ctx context.Context, tp TopicPartition) (offset int64, ok bool, err error)
	// Save raises the checkpoint for every partition in offsets.
	Save(ctx context.Context, offsets Offsets) error
}
