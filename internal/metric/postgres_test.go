package metric

import (
	"context"
	"errors"
	"os"
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/jackc/pgx/v5/pgconn"
)

func newMockPostgresStore(t *testing.T) (*PostgresStore, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New() error: %v", err)
	}
	t.Cleanup(func() {
		_ = db.Close()
	})
	return newPostgresStoreFromDB(db), mock
}

func metricRows() *sqlmock.Rows {
	return sqlmock.NewRows([]string{
		"id", "timestamp", "trace_id", "framework", "model", "vector_store",
		"input_tokens", "output_tokens", "total_tokens",
		"input_cost", "output_cost", "total_cost",
		"latency_ms", "status", "error_message",
	})
}

func TestPostgresStoreInsertReturnsID(t *testing.T) {
	t.Parallel()

	store, mock := newMockPostgresStore(t)
	ts := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO metrics")).
		WithArgs(ts, "trace-pg", "dspy", "gpt-4o", "chroma", int64(10), int64(20), int64(30), 0.25, 0.5, 0.75, 40.0, "completed", "").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(42)))

	rec := &Record{
		Timestamp:    ts,
		TraceID:      "trace-pg",
		Framework:    "dspy",
		Model:        "gpt-4o",
		VectorStore:  "chroma",
		InputTokens:  10,
		OutputTokens: 20,
		InputCost:    0.25,
		OutputCost:   0.5,
		LatencyMS:    40,
	}
	if err := store.Insert(context.Background(), rec); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	if rec.ID != 42 {
		t.Fatalf("id=%d, want 42", rec.ID)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreInsertMapsCheckViolation(t *testing.T) {
	t.Parallel()

	store, mock := newMockPostgresStore(t)
	mock.ExpectQuery(regexp.QuoteMeta("INSERT INTO metrics")).
		WillReturnError(&pgconn.PgError{Code: "23514", Message: "violates check constraint"})

	err := store.Insert(context.Background(), &Record{Model: "gpt-4o"})
	if !errors.Is(err, ErrInvalidRecord) {
		t.Fatalf("Insert() error=%v, want ErrInvalidRecord", err)
	}
	if got := ClassifyWriteError(err); got != WriteErrorClassConstraint {
		t.Fatalf("class=%q, want %q", got, WriteErrorClassConstraint)
	}
}

func TestPostgresStoreQueryBuildsPlaceholders(t *testing.T) {
	t.Parallel()

	store, mock := newMockPostgresStore(t)
	since := time.Date(2026, 5, 1, 0, 0, 0, 0, time.UTC)
	rows := metricRows().
		AddRow(int64(2), since.Add(2*time.Hour), "t-2", "autogen", "gpt-4o", "annoy", int64(1), int64(2), int64(3), 0.1, 0.2, 0.3, 15.5, "failed", "boom").
		AddRow(int64(1), since.Add(time.Hour), "t-1", "autogen", "gpt-4o", "annoy", int64(4), int64(5), int64(9), 0.4, 0.5, 0.9, 10.0, "completed", "")
	mock.ExpectQuery(`(?s)SELECT .* FROM metrics WHERE timestamp >= \$1 AND model = \$2 ORDER BY timestamp DESC, id DESC LIMIT \$3`).
		WithArgs(since, "gpt-4o", 5).
		WillReturnRows(rows)

	records, err := store.Query(context.Background(), Filter{Since: since, Model: "gpt-4o", Limit: 5})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("records=%d, want 2", len(records))
	}
	if records[0].Status != StatusFailed || records[0].ErrorMessage != "boom" {
		t.Fatalf("first record=%+v, want failed with message", records[0])
	}
	if records[1].TotalTokens != 9 {
		t.Fatalf("second total_tokens=%d, want 9", records[1].TotalTokens)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreQueryFiltersByTraceAndStatus(t *testing.T) {
	t.Parallel()

	store, mock := newMockPostgresStore(t)
	at := time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	rows := metricRows().
		AddRow(int64(7), at, "t-7", "dspy", "gpt-4o", "chroma", int64(1), int64(2), int64(3), 0.1, 0.2, 0.3, 12.0, "failed", "boom")
	mock.ExpectQuery(`(?s)SELECT .* FROM metrics WHERE trace_id = \$1 AND status = \$2 ORDER BY timestamp DESC, id DESC`).
		WithArgs("t-7", "failed").
		WillReturnRows(rows)

	records, err := store.Query(context.Background(), Filter{TraceID: "t-7", Status: StatusFailed})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(records) != 1 || records[0].TraceID != "t-7" {
		t.Fatalf("records=%+v, want t-7", records)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet expectations: %v", err)
	}
}

func TestPostgresStoreDeleteBefore(t *testing.T) {
	t.Parallel()

	store, mock := newMockPostgresStore(t)
	cutoff := time.Date(2026, 4, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM metrics WHERE timestamp < $1")).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 3))

	deleted, err := store.DeleteBefore(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("DeleteBefore() error: %v", err)
	}
	if deleted != 3 {
		t.Fatalf("deleted=%d, want 3", deleted)
	}
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	dsn := strings.TrimSpace(os.Getenv("RAGMETRICS_TEST_POSTGRES_DSN"))
	if dsn == "" {
		t.Skip("RAGMETRICS_TEST_POSTGRES_DSN is not set")
	}

	ctx := context.Background()
	store, err := NewPostgresStore(ctx, dsn)
	if err != nil {
		t.Fatalf("NewPostgresStore() error: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})

	old := time.Now().UTC().Add(-400 * 24 * time.Hour).Truncate(time.Second)
	if err := store.Insert(ctx, &Record{Timestamp: old, TraceID: "pg-roundtrip", Model: "gpt-4o-mini", InputTokens: 3}); err != nil {
		t.Fatalf("Insert() error: %v", err)
	}
	records, err := store.Query(ctx, Filter{Since: old, Until: old.Add(time.Second)})
	if err != nil {
		t.Fatalf("Query() error: %v", err)
	}
	if len(records) == 0 || records[0].TraceID != "pg-roundtrip" {
		t.Fatalf("records=%+v, want inserted record", records)
	}
	if _, err := store.DeleteBefore(ctx, old.Add(time.Second)); err != nil {
		t.Fatalf("DeleteBefore() error: %v", err)
	}
}
