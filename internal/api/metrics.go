package api

import (
	"net/http"
	"strings"
)

const (
	defaultHours = 24
	maxHours     = 24 * 31
	defaultDays  = 7
	maxDays      = 366

	defaultRetentionDays = 30
)

func SummaryHandler(metrics MetricsService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) || !requireMetrics(w, metrics) {
			return
		}
		hours, err := intQuery(r, "hours", defaultHours, 1, maxHours)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, metrics.Summary(r.Context(), hours))
	})
}

func TimeSeriesHandler(metrics MetricsService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) || !requireMetrics(w, metrics) {
			return
		}
		hours, err := intQuery(r, "hours", defaultHours, 1, maxHours)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, metrics.TimeSeries(r.Context(), hours))
	})
}

func ReportHandler(metrics MetricsService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) || !requireMetrics(w, metrics) {
			return
		}
		hours, err := intQuery(r, "hours", defaultHours, 1, maxHours)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, metrics.Report(r.Context(), hours))
	})
}

func CostHandler(metrics MetricsService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) || !requireMetrics(w, metrics) {
			return
		}
		days, err := intQuery(r, "days", defaultDays, 1, maxDays)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		model := strings.TrimSpace(r.URL.Query().Get("model"))
		writeJSON(w, http.StatusOK, metrics.CostBreakdown(r.Context(), days, model))
	})
}

func LatencyHandler(metrics MetricsService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) || !requireMetrics(w, metrics) {
			return
		}
		days, err := intQuery(r, "days", defaultDays, 1, maxDays)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, metrics.LatencyBreakdown(r.Context(), days))
	})
}

type modelsResponse struct {
	Items any `json:"items"`
}

func ModelsHandler(metrics MetricsService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) || !requireMetrics(w, metrics) {
			return
		}
		writeJSON(w, http.StatusOK, modelsResponse{Items: metrics.ModelUsage(r.Context())})
	})
}

type cleanupResponse struct {
	Days    int   `json:"days"`
	Deleted int64 `json:"deleted"`
}

// CleanupHandler deletes records older than ?days (default 30). A failed
// delete is reported, unlike the read views.
func CleanupHandler(metrics MetricsService) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) || !requireMetrics(w, metrics) {
			return
		}
		days, err := intQuery(r, "days", defaultRetentionDays, 0, 3650)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		deleted, err := metrics.Cleanup(r.Context(), days)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "cleanup failed")
			return
		}
		writeJSON(w, http.StatusOK, cleanupResponse{Days: days, Deleted: deleted})
	})
}

func requireMetrics(w http.ResponseWriter, metrics MetricsService) bool {
	if metrics != nil {
		return true
	}
	writeError(w, http.StatusServiceUnavailable, "metrics collector is not configured")
	return false
}
