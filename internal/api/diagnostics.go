package api

import (
	"net/http"
	"time"

	"github.com/ongoingai/ragmetrics/internal/monitor"
)

const monitorDiagnosticsSchemaVersion = "monitor-queue-diagnostics.v1"

// MonitorReader exposes the monitoring queue state.
type MonitorReader interface {
	Diagnostics() monitor.Diagnostics
	Recent(limit int) []monitor.Entry
}

type MonitorDiagnosticsOptions struct {
	Reader MonitorReader
}

type monitorDiagnosticsResponse struct {
	SchemaVersion string              `json:"schema_version"`
	GeneratedAt   time.Time           `json:"generated_at"`
	Diagnostics   monitor.Diagnostics `json:"diagnostics"`
	RecentLogs    []monitor.Entry     `json:"recent_logs"`
}

func MonitorDiagnosticsHandler(options MonitorDiagnosticsOptions) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodGet) {
			return
		}
		if options.Reader == nil {
			writeError(w, http.StatusServiceUnavailable, "monitor diagnostics unavailable")
			return
		}
		limit, err := intQuery(r, "limit", 20, 0, 1000)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		recent := options.Reader.Recent(limit)
		if recent == nil {
			recent = []monitor.Entry{}
		}
		writeJSON(w, http.StatusOK, monitorDiagnosticsResponse{
			SchemaVersion: monitorDiagnosticsSchemaVersion,
			GeneratedAt:   time.Now().UTC(),
			Diagnostics:   options.Reader.Diagnostics(),
			RecentLogs:    recent,
		})
	})
}
