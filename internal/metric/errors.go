package metric

import (
	"context"
	"errors"
	"net"
	"strings"
	"syscall"
)

// Write failure classes reported by ClassifyWriteError.
const (
	WriteErrorClassConnection = "connection"
	WriteErrorClassTimeout    = "timeout"
	WriteErrorClassContention = "contention"
	WriteErrorClassConstraint = "constraint"
	WriteErrorClassClosed     = "closed"
	WriteErrorClassUnknown    = "unknown"
)

// driver messages lose their types once wrapped by database/sql, so the
// fallback classification matches on lowercase substrings.
var writeErrorMarkers = []struct {
	class   string
	needles []string
}{
	{WriteErrorClassConnection, []string{"connection refused", "broken pipe", "no such host", "connection reset"}},
	{WriteErrorClassTimeout, []string{"timeout", "deadline exceeded"}},
	{WriteErrorClassContention, []string{"sqlite_busy", "database is locked"}},
	{WriteErrorClassConstraint, []string{"constraint", "duplicate key"}},
	{WriteErrorClassClosed, []string{"database is closed", "sql: database is closed"}},
}

// ClassifyWriteError buckets an Insert or DeleteBefore error so store
// failures can be counted by cause.
func ClassifyWriteError(err error) string {
	switch {
	case err == nil:
		return WriteErrorClassUnknown
	case errors.Is(err, ErrInvalidRecord):
		return WriteErrorClassConstraint
	case errors.Is(err, ErrStoreClosed):
		return WriteErrorClassClosed
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return WriteErrorClassTimeout
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return WriteErrorClassTimeout
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ECONNABORTED) {
		return WriteErrorClassConnection
	}

	msg := strings.ToLower(err.Error())
	for _, marker := range writeErrorMarkers {
		for _, needle := range marker.needles {
			if strings.Contains(msg, needle) {
				return marker.class
			}
		}
	}
	return WriteErrorClassUnknown
}
