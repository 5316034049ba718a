package metric

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/ongoingai/ragmetrics/migrations"

	_ "modernc.org/sqlite"
)

// sqliteTimeLayout is fixed width so lexical comparison in SQL matches
// chronological order.
const sqliteTimeLayout = "2006-01-02 15:04:05.000000"

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

const metricColumns = `id, timestamp, trace_id, framework, model, vector_store,
input_tokens, output_tokens, total_tokens, input_cost, output_cost, total_cost,
latency_ms, status, error_message`

type SQLiteStore struct {
	Path string
	db   *sql.DB
	// One coarse lock around every mutation. Reads do not take it; WAL gives
	// them a consistent snapshot of fully committed rows.
	writeMu sync.Mutex
	closed  bool
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}
	store := &SQLiteStore{Path: path, db: db}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := migrations.Apply(context.Background(), db, migrations.DriverSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) configure() error {
	for _, pragma := range []struct{ stmt, what string }{
		{`PRAGMA journal_mode = WAL;`, "enable sqlite WAL mode"},
		{`PRAGMA synchronous = NORMAL;`, "set sqlite synchronous mode"},
		{`PRAGMA busy_timeout = 5000;`, "set sqlite busy timeout"},
	} {
		if _, err := s.db.Exec(pragma.stmt); err != nil {
			return fmt.Errorf("%s: %w", pragma.what, err)
		}
	}
	return nil
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.closed = true
	return s.db.Close()
}

func (s *SQLiteStore) Insert(ctx context.Context, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	row := rec.Normalize(time.Now().UTC())
	if err := row.Validate(); err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	var id int64
	err := retrySQLiteBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
INSERT INTO metrics (
    timestamp, trace_id, framework, model, vector_store,
    input_tokens, output_tokens, total_tokens,
    input_cost, output_cost, total_cost,
    latency_ms, status, error_message
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			row.Timestamp.Format(sqliteTimeLayout),
			row.TraceID,
			row.Framework,
			row.Model,
			row.VectorStore,
			row.InputTokens,
			row.OutputTokens,
			row.TotalTokens,
			row.InputCost,
			row.OutputCost,
			row.TotalCost,
			row.LatencyMS,
			string(row.Status),
			row.ErrorMessage,
		)
		if err != nil {
			return err
		}
		id, err = res.LastInsertId()
		return err
	})
	if err != nil {
		return fmt.Errorf("insert metric for trace %q: %w", row.TraceID, err)
	}

	row.ID = id
	*rec = row
	return nil
}

func (s *SQLiteStore) Query(ctx context.Context, filter Filter) ([]Record, error) {
	where, args := buildSQLiteWhere(filter)
	query := "SELECT " + metricColumns + " FROM metrics WHERE " + where + orderClause(filter)
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		rec, err := scanSQLiteRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metric rows: %w", err)
	}
	return records, nil
}

func (s *SQLiteStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.closed {
		return 0, ErrStoreClosed
	}

	var deleted int64
	err := retrySQLiteBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `DELETE FROM metrics WHERE timestamp < ?`, cutoff.UTC().Format(sqliteTimeLayout))
		if err != nil {
			return err
		}
		deleted, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("delete metrics before %s: %w", cutoff.UTC().Format(time.RFC3339), err)
	}
	return deleted, nil
}

func (s *SQLiteStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM metrics`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count metrics: %w", err)
	}
	return count, nil
}

func buildSQLiteWhere(filter Filter) (string, []any) {
	conditions := []string{"1=1"}
	args := make([]any, 0, 5)
	if !filter.Since.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, filter.Since.UTC().Format(sqliteTimeLayout))
	}
	if !filter.Until.IsZero() {
		conditions = append(conditions, "timestamp < ?")
		args = append(args, filter.Until.UTC().Format(sqliteTimeLayout))
	}
	if model := strings.TrimSpace(filter.Model); model != "" {
		conditions = append(conditions, "model = ?")
		args = append(args, model)
	}
	if traceID := strings.TrimSpace(filter.TraceID); traceID != "" {
		conditions = append(conditions, "trace_id = ?")
		args = append(args, traceID)
	}
	if filter.Status != "" {
		conditions = append(conditions, "status = ?")
		args = append(args, string(filter.Status))
	}
	return strings.Join(conditions, " AND "), args
}

func orderClause(filter Filter) string {
	if filter.Ascending {
		return " ORDER BY timestamp ASC, id ASC"
	}
	return " ORDER BY timestamp DESC, id DESC"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteRecord(scanner rowScanner) (Record, error) {
	var (
		rec       Record
		timestamp string
		status    string
	)
	if err := scanner.Scan(
		&rec.ID,
		&timestamp,
		&rec.TraceID,
		&rec.Framework,
		&rec.Model,
		&rec.VectorStore,
		&rec.InputTokens,
		&rec.OutputTokens,
		&rec.TotalTokens,
		&rec.InputCost,
		&rec.OutputCost,
		&rec.TotalCost,
		&rec.LatencyMS,
		&status,
		&rec.ErrorMessage,
	); err != nil {
		return Record{}, fmt.Errorf("scan metric row: %w", err)
	}
	parsed, err := parseSQLiteTimestamp(timestamp)
	if err != nil {
		return Record{}, fmt.Errorf("parse metric timestamp %q: %w", timestamp, err)
	}
	rec.Timestamp = parsed
	rec.Status = Status(status)
	return rec, nil
}

// parseSQLiteTimestamp reads the space-separated UTC layouts range filters
// compare against. ISO "T" rows are rewritten by the 0002 migration.
func parseSQLiteTimestamp(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	for _, layout := range []string{sqliteTimeLayout, "2006-01-02 15:04:05"} {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return parsed, nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported sqlite datetime format")
}

// retrySQLiteBusy retries lock contention that slips past busy_timeout, e.g.
// when another process holds the database.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}
	wait := sqliteBusyInitialBackoff
	for retries := 0; ; retries++ {
		err := fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
		wait *= 2
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}
	}
}

func isSQLiteBusyError(err error) bool {
	return ClassifyWriteError(err) == WriteErrorClassContention
}
