package sinkpipeline

import (
	"errors"
	"fmt"
)

// ErrBufferOverflow is returned by BatchBuffer.Append under the reject policy
// when the buffer is at capacity.
var ErrBufferOverflow = errors.New("buffer overflow")

// ErrRetriesExhausted marks a batch whose write kept failing past the
// configured retry ceiling. It is fatal for the coordinator.
var ErrRetriesExhausted = errors.New("write retries exhausted")

// ConfigurationError reports an invalid or missing option. It is fatal at startup.
type ConfigurationError struct {
	Field  string
	Reason string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid configuration: %s: %s", e.Field, e.Reason)
}

// NewConfigurationError builds a ConfigurationError for field.
func NewConfigurationError(field, format string, args ...any) *ConfigurationError {
	return &ConfigurationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TransientWriteError wraps a destination failure that affected the whole
// batch (unreachable, timed out) and is worth retrying.
type TransientWriteError struct {
	Sink string
	Err  error
}

func (e *TransientWriteError) Error() string {
	return fmt.Sprintf("%s write failed: %v", e.Sink, e.Err)
}

func (e *TransientWriteError) Unwrap() error { return e.Err }

// NewTransientWriteError wraps err for sink.
func NewTransientWriteError(sink string, err error) *TransientWriteError {
	return &TransientWriteError{Sink: sink, Err: err}
}

// RecordRejectedError is a destination-side rejection of a single record.
type RecordRejectedError struct {
	Provenance Provenance
	Err        error
}

func (e *RecordRejectedError) Error() string {
	return fmt.Sprintf("record %s/%d@%d rejected: %v",
		e.Provenance.Topic, e.Provenance.Partition, e.Provenance.Offset, e.Err)
}

func (e *RecordRejectedError) Unwrap() error { return e.Err }
