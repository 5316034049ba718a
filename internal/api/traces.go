package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/ongoingai/ragmetrics/internal/collector"
	"github.com/ongoingai/ragmetrics/internal/metric"
)

const (
	tracesPath    = "/api/metrics/traces"
	maxTraceLimit = 500
)

var errInvalidStatusQuery = errors.New("status must be one of: completed, failed")

type tracesResponse struct {
	Items []metric.Record `json:"items"`
}

type traceDetailResponse struct {
	TraceID string          `json:"trace_id"`
	Records []metric.Record `json:"records"`
}

// TracesHandler lists recent records for drill-down, filtered by model,
// status and window.
func TracesHandler(metrics MetricsService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) || !requireMetrics(w, metrics) {
			return
		}
		query, err := parseTraceQuery(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		records, err := metrics.Traces(r.Context(), query)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to query traces")
			return
		}
		if records == nil {
			records = []metric.Record{}
		}
		writeJSON(w, http.StatusOK, tracesResponse{Items: records})
	})
}

// TraceDetailHandler serves every record stored under one trace id.
func TraceDetailHandler(metrics MetricsService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) || !requireMetrics(w, metrics) {
			return
		}
		traceID, ok := parseTracePath(r.URL.Path)
		if !ok {
			http.NotFound(w, r)
			return
		}

		records, err := metrics.Trace(r.Context(), traceID)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "failed to read trace")
			return
		}
		if len(records) == 0 {
			writeError(w, http.StatusNotFound, "trace not found")
			return
		}
		writeJSON(w, http.StatusOK, traceDetailResponse{TraceID: traceID, Records: records})
	})
}

func parseTraceQuery(r *http.Request) (collector.TraceQuery, error) {
	limit, err := intQuery(r, "limit", collector.DefaultTraceLimit, 1, maxTraceLimit)
	if err != nil {
		return collector.TraceQuery{}, err
	}
	hours, err := intQuery(r, "hours", 0, 0, maxHours)
	if err != nil {
		return collector.TraceQuery{}, err
	}

	query := collector.TraceQuery{
		Model: strings.TrimSpace(r.URL.Query().Get("model")),
		Hours: hours,
		Limit: limit,
	}
	switch status := metric.Status(strings.ToLower(strings.TrimSpace(r.URL.Query().Get("status")))); status {
	case "":
	case metric.StatusCompleted, metric.StatusFailed:
		query.Status = status
	default:
		return collector.TraceQuery{}, errInvalidStatusQuery
	}
	return query, nil
}

// parseTracePath extracts the id from /api/metrics/traces/{trace_id}.
func parseTracePath(path string) (string, bool) {
	prefix := tracesPath + "/"
	if !strings.HasPrefix(path, prefix) {
		return "", false
	}
	id := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if id == "" || strings.Contains(id, "/") {
		return "", false
	}
	return id, true
}
