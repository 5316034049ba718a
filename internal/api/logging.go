package api

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/ongoingai/ragmetrics/internal/correlation"
)

// quietPaths are polled by health checks and scrapers; they log at debug.
var quietPaths = map[string]struct{}{
	"/api/health": {},
	"/metrics":    {},
}

// LoggingMiddleware assigns the request trace id and writes one access log
// line per request.
func LoggingMiddleware(logger *slog.Logger, next http.Handler) http.Handler {
	if logger == nil {
		logger = slog.Default()
	}
	if next == nil {
		next = http.NotFoundHandler()
	}

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var traceID string
		r, traceID = correlation.EnsureRequest(r)
		if traceID != "" {
			w.Header().Set(correlation.HeaderName, traceID)
		}

		start := time.Now()
		recorder := &statusResponseWriter{ResponseWriter: w}
		next.ServeHTTP(recorder, r)

		level := slog.LevelInfo
		if _, quiet := quietPaths[r.URL.Path]; quiet {
			level = slog.LevelDebug
		}
		if recorder.StatusCode() >= http.StatusInternalServerError {
			level = slog.LevelError
		}
		logger.Log(r.Context(), level,
			"request complete",
			"trace_id", traceID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", recorder.StatusCode(),
			"latency_ms", time.Since(start).Milliseconds(),
		)
	})
}

type statusResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *statusResponseWriter) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusResponseWriter) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

func (w *statusResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusResponseWriter) StatusCode() int {
	if w.statusCode == 0 {
		return http.StatusOK
	}
	return w.statusCode
}
