// Package correlation carries the trace id that ties one RAG request to its
// metric record and to the tracing service.
package correlation

import (
	"context"
	"net/http"
	"strings"

	"github.com/google/uuid"
)

const (
	// HeaderName is the canonical trace id header.
	HeaderName = "X-Trace-ID"
	maxIDLen   = 128
)

type contextKey struct{}

var traceContextKey contextKey

// EnsureRequest guarantees a trace id on the request context and headers.
func EnsureRequest(req *http.Request) (*http.Request, string) {
	if req == nil {
		return nil, ""
	}
	if req.Header == nil {
		req.Header = make(http.Header)
	}
	if id, ok := FromContext(req.Context()); ok {
		req.Header.Set(HeaderName, id)
		return req, id
	}

	id := FromHeaders(req.Header)
	if id == "" {
		id = NewID()
	}

	req = req.WithContext(WithContext(req.Context(), id))
	req.Header.Set(HeaderName, id)
	return req, id
}

// Middleware assigns a trace id to every request and echoes it on the
// response.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r, id := EnsureRequest(r)
		w.Header().Set(HeaderName, id)
		next.ServeHTTP(w, r)
	})
}

// WithContext stores a normalized trace id in context. Invalid ids are
// ignored.
func WithContext(ctx context.Context, id string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	normalized := Normalize(id)
	if normalized == "" {
		return ctx
	}
	return context.WithValue(ctx, traceContextKey, normalized)
}

func FromContext(ctx context.Context) (string, bool) {
	if ctx == nil {
		return "", false
	}
	value, ok := ctx.Value(traceContextKey).(string)
	if !ok {
		return "", false
	}
	normalized := Normalize(value)
	if normalized == "" {
		return "", false
	}
	return normalized, true
}

// FromHeaders returns the first valid id from X-Trace-ID, then X-Request-ID.
func FromHeaders(headers http.Header) string {
	if headers == nil {
		return ""
	}
	for _, header := range []string{HeaderName, "X-Request-ID"} {
		if id := Normalize(headers.Get(header)); id != "" {
			return id
		}
	}
	return ""
}

// Resolve picks the explicit id when valid, then the context, and otherwise
// generates one.
func Resolve(ctx context.Context, explicit string) string {
	if id := Normalize(explicit); id != "" {
		return id
	}
	if id, ok := FromContext(ctx); ok {
		return id
	}
	return NewID()
}

func NewID() string {
	return uuid.NewString()
}

// Normalize trims raw and returns "" when it is not a usable id.
func Normalize(raw string) string {
	value := strings.TrimSpace(raw)
	if value == "" {
		return ""
	}
	if len(value) > maxIDLen {
		value = value[:maxIDLen]
	}
	for _, r := range value {
		switch {
		case r >= 'a' && r <= 'z':
		case r >= 'A' && r <= 'Z':
		case r >= '0' && r <= '9':
		case r == '-', r == '_', r == '.', r == ':':
		default:
			return ""
		}
	}
	return value
}
