package metric

import (
	"context"
	"errors"
	"time"
)

var ErrStoreClosed = errors.New("metric store is closed")

// Store is append-only persistence for metric records. There is deliberately
// no update operation.
type Store interface {
	// Insert persists rec and assigns rec.ID.
	Insert(ctx context.Context, rec *Record) error
	// Query returns records matching filter, newest first unless
	// filter.Ascending is set.
	Query(ctx context.Context, filter Filter) ([]Record, error)
	// DeleteBefore removes records with timestamp < cutoff and returns how
	// many were removed.
	DeleteBefore(ctx context.Context, cutoff time.Time) (int64, error)
	Count(ctx context.Context) (int64, error)
	Close() error
}

// Filter bounds a record query. Zero values leave the corresponding bound
// open.
type Filter struct {
	// Since is inclusive.
	Since time.Time
	// Until is exclusive.
	Until     time.Time
	Model     string
	TraceID   string
	Status    Status
	Limit     int
	Ascending bool
}

// Window returns a filter covering [now-d, now].
func Window(now time.Time, d time.Duration) Filter {
	return Filter{Since: now.Add(-d).UTC()}
}
