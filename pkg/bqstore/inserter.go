package bqstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"cloud.google.com/go/bigquery"
	"github.com/illmade-knight/go-batchsink/pkg/sinkpipeline"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// BigQueryConfig holds the client-level BigQuery settings. Dataset and table
// travel with each write as sinkpipeline.WarehouseOptions.
type BigQueryConfig struct {
	ProjectID       string `yaml:"project_id"`
	CredentialsFile string `yaml:"credentials_file"` // Optional: Path to a service account JSON file.
}

// LoadBigQueryConfigFromEnv loads BigQuery client configuration from environment variables.
func LoadBigQueryConfigFromEnv() (*BigQueryConfig, error) {
	cfg := &BigQueryConfig{
		ProjectID:       os.Getenv("GCP_PROJECT_ID"),
		CredentialsFile: os.Getenv("GCP_BQ_CREDENTIALS_FILE"),
	}
	if cfg.ProjectID == "" {
		return nil, fmt.Errorf("GCP_PROJECT_ID environment variable not set")
	}
	return cfg, nil
}

// NewProductionBigQueryClient creates a BigQuery client suitable for production environments.
// It will use Application Default Credentials unless a specific credentials file is provided.
func NewProductionBigQueryClient(ctx context.Context, projectID string, credentialsFile string, logger zerolog.Logger) (*bigquery.Client, error) {
	var opts []option.ClientOption
	if credentialsFile != "" {
		opts = append(opts, option.WithCredentialsFile(credentialsFile))
		logger.Info().Str("credentials_file", credentialsFile).Msg("Using specified credentials file for BigQuery client.")
	} else {
		logger.Info().Msg("Using Application Default Credentials (ADC) for BigQuery client.")
	}

	client, err := bigquery.NewClient(ctx, projectID, opts...)
	if err != nil {
		logger.Error().Err(err).Str("project_id", projectID).Msg("Failed to create BigQuery client.")
		return nil, fmt.Errorf("bigquery.NewClient: %w", err)
	}
	logger.Info().Str("project_id", projectID).Msg("BigQuery client created successfully.")
	return client, nil
}

// RowInserter abstracts *bigquery.Inserter so the writer can be tested without BigQuery.
type RowInserter interface {
	Put(ctx context.Context, src interface{}) error
}

// Writer implements sinkpipeline.SinkWriter for Google BigQuery streaming inserts.
type Writer struct {
	client *bigquery.Client
	logger zerolog.Logger

	mu sync.Mutex
	// inserters caches one inserter per dataset.table, created on first write.
	inserters   map[string]RowInserter
	newInserter func(ctx context.Context, opts sinkpipeline.WarehouseOptions, sample sinkpipeline.EnrichedRecord) (RowInserter, error)
}

// NewWriter creates a writer over client. Missing tables are created on first
// write with a schema inferred from the first record.
func NewWriter(client *bigquery.Client, logger zerolog.Logger) (*Writer, error) {
	if client == nil {
		return nil, errors.New("bigquery client cannot be nil")
	}
	w := &Writer{
		client:    client,
		logger:    logger.With().Str("component", "BigQueryWriter").Str("project_id", client.Project()).Logger(),
		inserters: make(map[string]RowInserter),
	}
	w.newInserter = w.tableInserter
	return w, nil
}

// NewWriterWithInserter creates a writer that sends every batch to inserter,
// whatever the dataset and table.
func NewWriterWithInserter(inserter RowInserter, logger zerolog.Logger) *Writer {
	return &Writer{
		logger:    logger.With().Str("component", "BigQueryWriter").Logger(),
		inserters: make(map[string]RowInserter),
		newInserter: func(context.Context, sinkpipeline.WarehouseOptions, sinkpipeline.EnrichedRecord) (RowInserter, error) {
			return inserter, nil
		},
	}
}

// Write streams the batch into the table named by opts. Rows BigQuery refuses
// are reported as rejections; any other failure fails the whole batch.
func (w *Writer) Write(ctx context.Context, batch *sinkpipeline.Batch, opts sinkpipeline.WriteOptions) (sinkpipeline.WriteOutcome, error) {
	whOpts, ok := opts.(sinkpipeline.WarehouseOptions)
	if !ok {
		return sinkpipeline.WriteOutcome{}, sinkpipeline.OptionsMismatch(sinkpipeline.SinkWarehouse, opts)
	}
	var outcome sinkpipeline.WriteOutcome
	if batch.Len() == 0 {
		return outcome, nil
	}

	inserter, err := w.inserter(ctx, whOpts, batch.Records[0])
	if err != nil {
		return outcome, err
	}

	rows := make([]bigquery.ValueSaver, batch.Len())
	for i, rec := range batch.Records {
		rows[i] = NewRow(rec)
	}

	err = inserter.Put(ctx, rows)
	if err == nil {
		w.logger.Debug().Int("batch_size", batch.Len()).Str("table", whOpts.Table).Msg("Successfully inserted batch into BigQuery.")
		return outcome, nil
	}

	var multiErr bigquery.PutMultiError
	if !errors.As(err, &multiErr) {
		w.logger.Error().Err(err).Int("batch_size", batch.Len()).Msg("Failed to insert rows into BigQuery.")
		return outcome, sinkpipeline.NewTransientWriteError(string(sinkpipeline.SinkWarehouse), err)
	}
	for _, rowErr := range multiErr {
		if rowErr.RowIndex < 0 || rowErr.RowIndex >= batch.Len() {
			return sinkpipeline.WriteOutcome{}, sinkpipeline.NewTransientWriteError(string(sinkpipeline.SinkWarehouse),
				fmt.Errorf("row error for unknown index %d: %w", rowErr.RowIndex, rowErr.Errors))
		}
		w.logger.Error().
			Int("row_index", rowErr.RowIndex).
			Str("insert_id", rowErr.InsertID).
			Msgf("BigQuery insert error for row: %v", rowErr.Errors)
		outcome.Reject(rowErr.RowIndex, rowErr.Errors)
	}
	return outcome, nil
}

func (w *Writer) inserter(ctx context.Context, opts sinkpipeline.WarehouseOptions, sample sinkpipeline.EnrichedRecord) (RowInserter, error) {
	key := opts.Dataset + "." + opts.Table
	w.mu.Lock()
	defer w.mu.Unlock()
	if ins, ok := w.inserters[key]; ok {
		return ins, nil
	}
	ins, err := w.newInserter(ctx, opts, sample)
	if err != nil {
		return nil, err
	}
	w.inserters[key] = ins
	return ins, nil
}

// tableInserter checks the target table exists, creating it from sample if it
// does not.
func (w *Writer) tableInserter(ctx context.Context, opts sinkpipeline.WarehouseOptions, sample sinkpipeline.EnrichedRecord) (RowInserter, error) {
	logger := w.logger.With().Str("dataset_id", opts.Dataset).Str("table_id", opts.Table).Logger()

	tableRef := w.client.Dataset(opts.Dataset).Table(opts.Table)
	_, err := tableRef.Metadata(ctx)
	if err != nil {
		if !strings.Contains(err.Error(), "notFound") {
			return nil, sinkpipeline.NewTransientWriteError(string(sinkpipeline.SinkWarehouse),
				fmt.Errorf("failed to get BigQuery table metadata: %w", err))
		}
		logger.Warn().Msg("BigQuery table not found. Attempting to create with inferred schema.")
		schema := InferSchema(sample.Fields)
		logger.Info().Int("inferred_field_count", len(schema)).Msg("Inferred schema from first record.")
		if createErr := tableRef.Create(ctx, &bigquery.TableMetadata{Schema: schema}); createErr != nil {
			return nil, sinkpipeline.NewTransientWriteError(string(sinkpipeline.SinkWarehouse),
				fmt.Errorf("failed to create BigQuery table %s.%s: %w", opts.Dataset, opts.Table, createErr))
		}
		logger.Info().Msg("BigQuery table created successfully.")
	} else {
		logger.Info().Msg("Successfully connected to existing BigQuery table.")
	}
	return tableRef.Inserter(), nil
}

// InferSchema builds a nullable schema from a record's fields. Maps, slices
// and unknown types become STRING columns holding JSON.
func InferSchema(fields map[string]any) bigquery.Schema {
	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)

	schema := make(bigquery.Schema, 0, len(names))
	for _, name := range names {
		var t bigquery.FieldType
		switch fields[name].(type) {
		case int, int32, int64:
			t = bigquery.IntegerFieldType
		case float32, float64:
			t = bigquery.FloatFieldType
		case bool:
			t = bigquery.BooleanFieldType
		default:
			t = bigquery.StringFieldType
		}
		schema = append(schema, &bigquery.FieldSchema{Name: name, Type: t})
	}
	return schema
}

// Row adapts an enriched record to bigquery.ValueSaver. The insert ID is
// derived from the record's source position so a retried batch is
// de-duplicated by BigQuery.
type Row struct {
	record sinkpipeline.EnrichedRecord
}

// NewRow wraps rec.
func NewRow(rec sinkpipeline.EnrichedRecord) *Row {
	return &Row{record: rec}
}

// Save implements bigquery.ValueSaver.
func (r *Row) Save() (map[string]bigquery.Value, string, error) {
	out := make(map[string]bigquery.Value, len(r.record.Fields))
	for k, v := range r.record.Fields {
		switch v.(type) {
		case map[string]any, []any, []sinkpipeline.Header:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, "", fmt.Errorf("failed to encode field %q: %w", k, err)
			}
			out[k] = string(b)
		default:
			out[k] = v
		}
	}
	return out, InsertID(r.record.Record), nil
}

// InsertID returns the de-duplication ID for rec.
func InsertID(rec sinkpipeline.Record) string {
	return fmt.Sprintf("%s-%d-%d", rec.Topic, rec.Partition, rec.Offset)
}
