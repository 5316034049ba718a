package metric

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ongoingai/ragmetrics/migrations"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore relies on row-level MVCC for write isolation, so unlike
// SQLiteStore it does not serialize inserts in process.
type PostgresStore struct {
	DSN string
	db  *sql.DB
}

func NewPostgresStore(ctx context.Context, dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(5)
	db.SetConnMaxIdleTime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	if _, err := migrations.Apply(ctx, db, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}
	return &PostgresStore{DSN: dsn, db: db}, nil
}

func newPostgresStoreFromDB(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) Insert(ctx context.Context, rec *Record) error {
	if rec == nil {
		return fmt.Errorf("%w: nil record", ErrInvalidRecord)
	}
	row := rec.Normalize(time.Now().UTC())
	if err := row.Validate(); err != nil {
		return err
	}

	err := s.db.QueryRowContext(ctx, `
INSERT INTO metrics (
    timestamp, trace_id, framework, model, vector_store,
    input_tokens, output_tokens, total_tokens,
    input_cost, output_cost, total_cost,
    latency_ms, status, error_message
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)
RETURNING id`,
		row.Timestamp,
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
	).Scan(&row.ID)
	if err != nil {
		if isPostgresCheckViolation(err) {
			return fmt.Errorf("insert metric for trace %q: %w: %v", row.TraceID, ErrInvalidRecord, err)
		}
		return fmt.Errorf("insert metric for trace %q: %w", row.TraceID, err)
	}
	*rec = row
	return nil
}

func (s *PostgresStore) Query(ctx context.Context, filter Filter) ([]Record, error) {
	builder := newPostgresWhereBuilder()
	if !filter.Since.IsZero() {
		builder.addComparison("timestamp", ">=", filter.Since.UTC())
	}
	if !filter.Until.IsZero() {
		builder.addComparison("timestamp", "<", filter.Until.UTC())
	}
	if model := strings.TrimSpace(filter.Model); model != "" {
		builder.addComparison("model", "=", model)
	}
	if traceID := strings.TrimSpace(filter.TraceID); traceID != "" {
		builder.addComparison("trace_id", "=", traceID)
	}
	if filter.Status != "" {
		builder.addComparison("status", "=", string(filter.Status))
	}
	query := "SELECT " + metricColumns + " FROM metrics WHERE " + builder.where() + orderClause(filter)
	if filter.Limit > 0 {
		query += " LIMIT " + builder.addArg(filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, builder.args...)
	if err != nil {
		return nil, fmt.Errorf("query metrics: %w", err)
	}
	defer rows.Close()

	records := make([]Record, 0)
	for rows.Next() {
		var (
			rec    Record
			status string
		)
		if err := rows.Scan(
			&rec.ID,
			&rec.Timestamp,
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
			return nil, fmt.Errorf("scan metric row: %w", err)
		}
		rec.Timestamp = rec.Timestamp.UTC()
		rec.Status = Status(status)
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metric rows: %w", err)
	}
	return records, nil
}

func (s *PostgresStore) DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM metrics WHERE timestamp < $1`, cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("delete metrics before %s: %w", cutoff.UTC().Format(time.RFC3339), err)
	}
	deleted, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("read deleted row count: %w", err)
	}
	return deleted, nil
}

func (s *PostgresStore) Count(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM metrics`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count metrics: %w", err)
	}
	return count, nil
}

type postgresWhereBuilder struct {
	conditions []string
	args       []any
}

func newPostgresWhereBuilder() *postgresWhereBuilder {
	return &postgresWhereBuilder{
		conditions: make([]string, 0, 4),
		args:       make([]any, 0, 4),
	}
}

func (b *postgresWhereBuilder) addArg(value any) string {
	b.args = append(b.args, value)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *postgresWhereBuilder) addComparison(column, operator string, value any) {
	b.conditions = append(b.conditions, column+" "+operator+" "+b.addArg(value))
}

func (b *postgresWhereBuilder) where() string {
	if len(b.conditions) == 0 {
		return "1=1"
	}
	return strings.Join(b.conditions, " AND ")
}

func isPostgresCheckViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23514"
}
