package sinkpipeline

// Metadata field names injected by enrichment.
const (
	FieldKey       = "__key"
	FieldTimestamp = "__timestamp"
	FieldHeaders   = "__headers"
	FieldTopic     = "__topic"
	FieldPartition = "__partition"
	FieldOffset    = "__offset"
)

// EnrichmentConfig selects which metadata fields are added to each record.
type EnrichmentConfig struct {
	// MessageMetadata adds __key, __timestamp (unix milliseconds) and __headers.
	MessageMetadata bool `yaml:"message_metadata"`
	// TopicMetadata adds __topic, __partition and __offset.
	TopicMetadata bool `yaml:"topic_metadata"`
}

// Enrich copies the record's value into a new field map and adds the metadata
// fields selected by cfg. The source record is left untouched.
func Enrich(rec Record, cfg EnrichmentConfig) EnrichedRecord {
	extra := 0
	if cfg.MessageMetadata {
		extra += 3
	}
	if cfg.TopicMetadata {
		extra += 3
	}

	fields := make(map[string]any, len(rec.Value)+extra)
	for k, v := range rec.Value {
		fields[k] = v
	}

	if cfg.MessageMetadata {
		if rec.Key != nil {
			fields[FieldKey] = string(rec.Key)
		} else {
			fields[FieldKey] = nil
		}
		fields[FieldTimestamp] = rec.Timestamp.UnixMilli()
		headers := make([]Header, len(rec.Headers))
		copy(headers, rec.Headers)
		fields[FieldHeaders] = headers
	}
	if cfg.TopicMetadata {
		fields[FieldTopic] = rec.Topic
		fields[FieldPartition] = rec.Partition
		fields[FieldOffset] = rec.Offset
	}

	return EnrichedRecord{Record: rec, Fields: fields}
}
