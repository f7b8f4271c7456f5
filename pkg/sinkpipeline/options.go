package sinkpipeline

import "strings"

// SinkKind names a destination kind.
type SinkKind string

const (
	SinkDocument   SinkKind = "mongodb"
	SinkTimeSeries SinkKind = "influxdb"
	SinkRelational SinkKind = "mysql"
	SinkWarehouse  SinkKind = "bigquery"
	SinkArchive    SinkKind = "gcs"
)

// WriteOptions is the destination-specific part of a write. It is a closed
// set: exactly one of the option types below per destination kind.
type WriteOptions interface {
	Kind() SinkKind
	Validate() error
	isWriteOptions()
}

// UpdateMethod selects how the document sink applies a record.
type UpdateMethod string

const (
	// InsertOne inserts every record as a new document.
	InsertOne UpdateMethod = "InsertOne"
	// UpdateOne applies the record's fields with $set to the matched document.
	UpdateOne UpdateMethod = "UpdateOne"
	// ReplaceOne replaces the matched document with the record's fields.
	ReplaceOne UpdateMethod = "ReplaceOne"
)

// DocumentOptions configures the document-store sink.
type DocumentOptions struct {
	Database     string
	Collection   string
	Matcher      MatcherTemplate
	Upsert       bool
	UpdateMethod UpdateMethod
}

func (DocumentOptions) Kind() SinkKind { return SinkDocument }
func (DocumentOptions) isWriteOptions() {}

// Validate checks the options are usable.
func (o DocumentOptions) Validate() error {
	if o.Database == "" {
		return NewConfigurationError("mongodb.database", "must be set")
	}
	if o.Collection == "" {
		return NewConfigurationError("mongodb.collection", "must be set")
	}
	switch o.UpdateMethod {
	case InsertOne:
	case UpdateOne, ReplaceOne:
		if o.Matcher.IsZero() {
			return NewConfigurationError("mongodb.document_matcher", "required for %s", o.UpdateMethod)
		}
	default:
		return NewConfigurationError("mongodb.update_method", "unknown method %q", o.UpdateMethod)
	}
	return nil
}

// TimeSeriesOptions configures the time-series sink.
type TimeSeriesOptions struct {
	Bucket      string
	Measurement string
	TagKeys     []string
	// FieldKeys lists the fields written as point fields. When empty every
	// field that is not a tag or the time key is written.
	FieldKeys []string
	// TimeKey names the field holding the point time. When empty the record
	// timestamp is used.
	TimeKey string
}

func (TimeSeriesOptions) Kind() SinkKind { return SinkTimeSeries }
func (TimeSeriesOptions) isWriteOptions() {}

// Validate checks the options are usable.
func (o TimeSeriesOptions) Validate() error {
	if o.Bucket == "" {
		return NewConfigurationError("influxdb.bucket", "must be set")
	}
	for _, t := range o.TagKeys {
		for _, f := range o.FieldKeys {
			if t == f {
				return NewConfigurationError("influxdb.field_keys", "key %q is also a tag key", f)
			}
		}
	}
	return nil
}

// RelationalOptions configures the relational sink.
type RelationalOptions struct {
	// Table is the target table. When empty a table named kafka_<unix time> is
	// created from the first record written.
	Table       string
	CreateTable bool
}

func (RelationalOptions) Kind() SinkKind { return SinkRelational }
func (RelationalOptions) isWriteOptions() {}

// Validate checks the options are usable.
func (o RelationalOptions) Validate() error {
	if strings.ContainsAny(o.Table, "`.; ") {
		return NewConfigurationError("mysql.table", "invalid table name %q", o.Table)
	}
	return nil
}

// WarehouseOptions configures the BigQuery sink.
type WarehouseOptions struct {
	Dataset string
	Table   string
}

func (WarehouseOptions) Kind() SinkKind { return SinkWarehouse }
func (WarehouseOptions) isWriteOptions() {}

// Validate checks the options are usable.
func (o WarehouseOptions) Validate() error {
	if o.Dataset == "" || o.Table == "" {
		return NewConfigurationError("bigquery", "dataset and table must be set")
	}
	return nil
}

// ArchiveOptions configures the object-storage archive sink.
type ArchiveOptions struct {
	Bucket string
	Prefix string
}

func (ArchiveOptions) Kind() SinkKind { return SinkArchive }
func (ArchiveOptions) isWriteOptions() {}

// Validate checks the options are usable.
func (o ArchiveOptions) Validate() error {
	if o.Bucket == "" {
		return NewConfigurationError("gcs.bucket", "must be set")
	}
	return nil
}

// OptionsMismatch builds the error a writer returns when handed options for
// another destination kind.
func OptionsMismatch(want SinkKind, got WriteOptions) error {
	if got == nil {
		return NewConfigurationError("sink.options", "missing %s options", want)
	}
	return NewConfigurationError("sink.options", "%s writer cannot use %s options", want, got.Kind())
}
