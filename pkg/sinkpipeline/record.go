package sinkpipeline

import (
	"bytes"
	"encoding/json"
	"fmt"
	"time"
)

// Header is a single name/value pair carried alongside a record. Header order
// is preserved exactly as delivered by the source.
type Header struct {
	Key   string `json:"key" bson:"key"`
	Value string `json:"value" bson:"value"`
}

// TopicPartition identifies a single ordered partition of a source topic.
type TopicPartition struct {
	Topic     string
	Partition int32
}

// String renders the partition as "topic/partition", the form used in logs and checkpoint keys.
func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s/%d", tp.Topic, tp.Partition)
}

// Record is the immutable unit consumed from a RecordSource. Sinks and the
// coordinator must treat it as read-only.
type Record struct {
	Key       []byte
	Value     map[string]any
	Timestamp time.Time
	Headers   []Header

	// Provenance of the record in the source stream.
	Topic     string
	Partition int32
	Offset    int64
}

// TopicPartition returns the partition the record was read from.
func (r Record) TopicPartition() TopicPartition {
	return TopicPartition{Topic: r.Topic, Partition: r.Partition}
}

// Provenance is the source position of a record, used when reporting errors.
type Provenance struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
	Offset    int64  `json:"offset"`
}

// Provenance returns the record's source position.
func (r Record) Provenance() Provenance {
	return Provenance{Topic: r.Topic, Partition: r.Partition, Offset: r.Offset}
}

// EnrichedRecord is a Record plus the field map that is actually written to
// the destination. Fields starts as a copy of Record.Value and may carry the
// injected metadata fields.
type EnrichedRecord struct {
	Record
	Fields map[string]any
}

// Offsets holds the highest offset observed per partition.
type Offsets map[TopicPartition]int64

// Observe raises the stored offset for tp to offset if it is higher.
func (o Offsets) Observe(tp TopicPartition, offset int64) {
	if cur, ok := o[tp]; !ok || offset > cur {
		o[tp] = offset
	}
}

// Merge folds other into o, keeping the higher offset for every partition.
func (o Offsets) Merge(other Offsets) {
	for tp, off := range other {
		o.Observe(tp, off)
	}
}

// Batch is an ordered group of records drained from the buffer for a single
// destination write.
type Batch struct {
	ID        string
	Records   []EnrichedRecord
	Offsets   Offsets
	CreatedAt time.Time
}

// Len returns the number of records in the batch.
func (b *Batch) Len() int {
	if b == nil {
		return 0
	}
	return len(b.Records)
}

// AcceptedOffsets computes the per-partition high offsets over every record in
// the batch except the rejected indexes.
func (b *Batch) AcceptedOffsets(rejected map[int]struct{}) Offsets {
	offsets := make(Offsets)
	for i, rec := range b.Records {
		if _, skip := rejected[i]; skip {
			continue
		}
		offsets.Observe(rec.TopicPartition(), rec.Offset)
	}
	return offsets
}

// DecodeValue parses a JSON object into a field map. Numbers are normalised to
// int64 when they are integral and to float64 otherwise, so destination writers
// never see json.Number.
func DecodeValue(data []byte) (map[string]any, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	var value map[string]any
	if err := dec.Decode(&value); err != nil {
		return nil, fmt.Errorf("failed to decode record value: %w", err)
	}
	if value == nil {
		return nil, fmt.Errorf("record value is not a JSON object")
	}
	return normaliseMap(value), nil
}

func normaliseMap(m map[string]any) map[string]any {
	for k, v := range m {
		m[k] = normalise(v)
	}
	return m
}

func normalise(v any) any {
	switch t := v.(type) {
	case json.Number:
		if i, err := t.Int64(); err == nil {
			return i
		}
		if f, err := t.Float64(); err == nil {
			return f
		}
		return t.String()
	case map[string]any:
		return normaliseMap(t)
	case []any:
		for i := range t {
			t[i] = normalise(t[i])
		}
		return t
	default:
		return v
	}
}
