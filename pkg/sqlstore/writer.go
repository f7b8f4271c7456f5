// Package sqlstore writes batches to MySQL, one row per record.
package sqlstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/illmade-knight/go-batchsink/pkg/sinkpipeline"
	"github.com/rs/zerolog"
)

// maxPlaceholders is the server limit on bound parameters per statement.
const maxPlaceholders = 65535

// Server error numbers caused by the content of a row rather than the
// connection or the statement.
var dataErrorNumbers = map[uint16]bool{
	1048: true, // column cannot be null
	1054: true, // unknown column
	1264: true, // out of range value
	1292: true, // incorrect datetime value
	1366: true, // incorrect value for column type
	1406: true, // data too long
}

// Writer implements sinkpipeline.SinkWriter for MySQL.
type Writer struct {
	db     *sql.DB
	logger zerolog.Logger
	now    func() time.Time

	mu sync.Mutex
	// autoTable is the table created for writes with no configured table.
	autoTable string
	// columns holds the column set of every table this writer created.
	columns map[string][]string
}

// NewWriter creates a writer over db.
func NewWriter(db *sql.DB, logger zerolog.Logger) (*Writer, error) {
	if db == nil {
		return nil, errors.New("sql db cannot be nil")
	}
	return &Writer{
		db:      db,
		logger:  logger.With().Str("component", "MySQLWriter").Logger(),
		now:     time.Now,
		columns: make(map[string][]string),
	}, nil
}

// AutoTable returns the name of the table created for unconfigured writes, or
// "" if none has been created yet.
func (w *Writer) AutoTable() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.autoTable
}

// Write inserts the batch in a single transaction. If the server refuses a
// row's content the batch is inserted again row by row and the refused rows
// are rejected.
func (w *Writer) Write(ctx context.Context, batch *sinkpipeline.Batch, opts sinkpipeline.WriteOptions) (sinkpipeline.WriteOutcome, error) {
	relOpts, ok := opts.(sinkpipeline.RelationalOptions)
	if !ok {
		return sinkpipeline.WriteOutcome{}, sinkpipeline.OptionsMismatch(sinkpipeline.SinkRelational, opts)
	}
	if batch.Len() == 0 {
		return sinkpipeline.WriteOutcome{}, nil
	}

	table, known, err := w.prepareTable(ctx, relOpts, batch.Records[0])
	if err != nil {
		return sinkpipeline.WriteOutcome{}, sinkpipeline.NewTransientWriteError(string(sinkpipeline.SinkRelational), err)
	}

	cols := known
	if cols == nil {
		cols = unionColumns(batch.Records)
	}
	rows := make([][]any, batch.Len())
	for i, rec := range batch.Records {
		if rows[i], err = rowValues(rec, cols); err != nil {
			// An unencodable field only fails its own row, so isolate it.
			break
		}
	}

	if err == nil {
		err = w.insertBatch(ctx, table, cols, rows)
		if err == nil {
			w.logger.Debug().Str("table", table).Int("batch_size", batch.Len()).Msg("Inserted batch into MySQL.")
			return sinkpipeline.WriteOutcome{}, nil
		}
		if !isDataError(err) {
			w.logger.Error().Err(err).Str("table", table).Int("batch_size", batch.Len()).Msg("Failed to insert batch into MySQL.")
			return sinkpipeline.WriteOutcome{}, sinkpipeline.NewTransientWriteError(string(sinkpipeline.SinkRelational), err)
		}
	}
	w.logger.Warn().Err(err).Str("table", table).Msg("Batch insert refused, inserting rows one by one.")
	return w.insertRows(ctx, table, known, batch.Records)
}

// prepareTable resolves the target table, creating it when required. known is
// the column set when this writer created the table and nil otherwise.
func (w *Writer) prepareTable(ctx context.Context, opts sinkpipeline.RelationalOptions, sample sinkpipeline.EnrichedRecord) (string, []string, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	table := opts.Table
	if table == "" {
		if w.autoTable != "" {
			return w.autoTable, w.columns[w.autoTable], nil
		}
		table = fmt.Sprintf("kafka_%d", w.now().Unix())
	} else if !opts.CreateTable {
		return table, nil, nil
	}
	if cols, ok := w.columns[table]; ok {
		return table, cols, nil
	}

	stmt, cols := CreateTableStatement(table, sample.Fields)
	if _, err := w.db.ExecContext(ctx, stmt); err != nil {
		return "", nil, fmt.Errorf("failed to create table %s: %w", table, err)
	}
	w.logger.Info().Str("table", table).Strs("columns", cols).Msg("Created MySQL table.")
	w.columns[table] = cols
	if opts.Table == "" {
		w.autoTable = table
	}
	return table, cols, nil
}

func (w *Writer) insertBatch(ctx context.Context, table string, cols []string, rows [][]any) error {
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	perStatement := len(rows)
	if len(cols) > 0 {
		perStatement = max(1, maxPlaceholders/len(cols))
	}
	for start := 0; start < len(rows); start += perStatement {
		end := min(start+perStatement, len(rows))
		query, args := InsertStatement(table, cols, rows[start:end])
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

// insertRows inserts each record with its own statement inside one
// transaction. A failed statement does not abort the transaction.
func (w *Writer) insertRows(ctx context.Context, table string, known []string, records []sinkpipeline.EnrichedRecord) (sinkpipeline.WriteOutcome, error) {
	var outcome sinkpipeline.WriteOutcome
	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return outcome, sinkpipeline.NewTransientWriteError(string(sinkpipeline.SinkRelational), err)
	}
	for i, rec := range records {
		cols := known
		if cols == nil {
			cols = sortedKeys(rec.Fields)
		}
		values, err := rowValues(rec, cols)
		if err != nil {
			outcome.Reject(i, err)
			continue
		}
		query, args := InsertStatement(table, cols, [][]any{values})
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			if !isDataError(err) {
				_ = tx.Rollback()
				return sinkpipeline.WriteOutcome{}, sinkpipeline.NewTransientWriteError(string(sinkpipeline.SinkRelational), err)
			}
			outcome.Reject(i, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return sinkpipeline.WriteOutcome{}, sinkpipeline.NewTransientWriteError(string(sinkpipeline.SinkRelational), err)
	}
	return outcome, nil
}

func isDataError(err error) bool {
	var myErr *mysql.MySQLError
	return errors.As(err, &myErr) && dataErrorNumbers[myErr.Number]
}

// CreateTableStatement builds a CREATE TABLE IF NOT EXISTS statement with
// column types inferred from fields. An auto-increment id primary key is added
// unless fields already has an id.
func CreateTableStatement(table string, fields map[string]any) (string, []string) {
	cols := sortedKeys(fields)
	defs := make([]string, 0, len(cols)+1)
	for _, col := range cols {
		defs = append(defs, quoteIdent(col)+" "+columnType(col, fields[col]))
	}
	if _, ok := fields["id"]; !ok {
		defs = append(defs, "`id` BIGINT AUTO_INCREMENT PRIMARY KEY")
	}
	return fmt.Sprintf("CREATE TABLE IF NOT EXISTS %s (%s)", quoteIdent(table), strings.Join(defs, ", ")), cols
}

// timestampLayout is the layout a string column must match to be typed as a
// timestamp.
const timestampLayout = "2006-01-02 15:04:05.999999"

func columnType(col string, v any) string {
	switch t := v.(type) {
	case nil:
		return "VARCHAR(255) NULL"
	case int, int32, int64:
		return "BIGINT"
	case float32, float64:
		return "DOUBLE"
	case bool:
		return "BOOLEAN"
	case time.Time:
		return "DATETIME(6)"
	case string:
		name := strings.ToLower(col)
		if strings.Contains(name, "time") || strings.Contains(name, "date") {
			if _, err := time.Parse(timestampLayout, t); err == nil {
				return "DATETIME(6)"
			}
		}
		return "VARCHAR(255)"
	case map[string]any, []any, []sinkpipeline.Header:
		return "JSON"
	default:
		return "VARCHAR(255)"
	}
}

// InsertStatement builds a multi-row INSERT with positional placeholders.
func InsertStatement(table string, cols []string, rows [][]any) (string, []any) {
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = quoteIdent(c)
	}
	tuple := "(" + strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ") + ")"

	var sb strings.Builder
	fmt.Fprintf(&sb, "INSERT INTO %s (%s) VALUES ", quoteIdent(table), strings.Join(quoted, ", "))
	args := make([]any, 0, len(cols)*len(rows))
	for i, row := range rows {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(tuple)
		args = append(args, row...)
	}
	return sb.String(), args
}

func quoteIdent(name string) string {
	return "`" + strings.ReplaceAll(name, "`", "``") + "`"
}

func unionColumns(records []sinkpipeline.EnrichedRecord) []string {
	seen := make(map[string]any)
	for _, rec := range records {
		for k := range rec.Fields {
			seen[k] = nil
		}
	}
	return sortedKeys(seen)
}

func sortedKeys(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// rowValues lays out rec's fields in column order. Missing fields are NULL and
// structured values are stored as JSON.
func rowValues(rec sinkpipeline.EnrichedRecord, cols []string) ([]any, error) {
	values := make([]any, len(cols))
	for i, col := range cols {
		switch v := rec.Fields[col].(type) {
		case map[string]any, []any, []sinkpipeline.Header:
			b, err := json.Marshal(v)
			if err != nil {
				return nil, fmt.Errorf("failed to encode column %q: %w", col, err)
			}
			values[i] = string(b)
		case int32:
			values[i] = int64(v)
		default:
			values[i] = v
		}
	}
	return values, nil
}
