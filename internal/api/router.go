package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ongoingai/ragmetrics/internal/aggregate"
	"github.com/ongoingai/ragmetrics/internal/collector"
	"github.com/ongoingai/ragmetrics/internal/correlation"
	"github.com/ongoingai/ragmetrics/internal/frameworks"
	"github.com/ongoingai/ragmetrics/internal/metric"
	"github.com/ongoingai/ragmetrics/internal/pricing"
)

// MetricsService is the collector surface the API serves.
type MetricsService interface {
	Record(ctx context.Context, in collector.Interaction) (metric.Record, error)
	Summary(ctx context.Context, hours int) aggregate.Summary
	TimeSeries(ctx context.Context, hours int) aggregate.TimeSeries
	Report(ctx context.Context, hours int) aggregate.Report
	CostBreakdown(ctx context.Context, days int, model string) aggregate.CostBreakdown
	LatencyBreakdown(ctx context.Context, days int) aggregate.LatencyBreakdown
	ModelUsage(ctx context.Context) []aggregate.ModelUsage
	Traces(ctx context.Context, query collector.TraceQuery) ([]metric.Record, error)
	Trace(ctx context.Context, traceID string) ([]metric.Record, error)
	Cleanup(ctx context.Context, days int) (int64, error)
}

type RouterOptions struct {
	AppVersion    string
	Metrics       MetricsService
	Catalog       *frameworks.Catalog
	Pricing       *pricing.Table
	Store         metric.Store
	StorageDriver string
	StoragePath   string
	Monitor       MonitorReader
	// Exporter serves the Prometheus text format at ExportPath when set.
	Exporter   http.Handler
	ExportPath string
	Logger     *slog.Logger
}

func NewRouter(options RouterOptions) http.Handler {
	startedAt := time.Now().UTC()
	logger := options.Logger
	if logger == nil {
		logger = slog.Default()
	}
	catalog := options.Catalog
	if catalog == nil {
		catalog = frameworks.DefaultCatalog()
	}
	table := options.Pricing
	if table == nil {
		table = pricing.Default()
	}

	mux := http.NewServeMux()
	mux.Handle("/api/health", HealthHandler(HealthOptions{
		Version:       options.AppVersion,
		StartedAt:     startedAt,
		StorageDriver: options.StorageDriver,
		StoragePath:   options.StoragePath,
		Store:         options.Store,
	}))
	mux.Handle("/api/metrics/summary", SummaryHandler(options.Metrics))
	mux.Handle("/api/metrics/timeseries", TimeSeriesHandler(options.Metrics))
	mux.Handle("/api/metrics/report", ReportHandler(options.Metrics))
	mux.Handle("/api/metrics/cost", CostHandler(options.Metrics))
	mux.Handle("/api/metrics/latency", LatencyHandler(options.Metrics))
	mux.Handle("/api/metrics/models", ModelsHandler(options.Metrics))
	mux.Handle("/api/metrics/cleanup", CleanupHandler(options.Metrics))
	mux.Handle(tracesPath, TracesHandler(options.Metrics))
	mux.Handle(tracesPath+"/", TraceDetailHandler(options.Metrics))
	mux.Handle("/api/metrics/record", RecordHandler(options.Metrics, catalog, logger))
	mux.Handle("/api/catalog", CatalogHandler(catalog, table))
	mux.Handle("/api/diagnostics/monitor", MonitorDiagnosticsHandler(MonitorDiagnosticsOptions{Reader: options.Monitor}))
	if options.Exporter != nil {
		path := strings.TrimSpace(options.ExportPath)
		if path == "" {
			path = "/metrics"
		}
		mux.Handle(path, options.Exporter)
	}
	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/" {
			http.NotFound(w, r)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{
			"name":    "ragmetrics",
			"version": options.AppVersion,
			"status":  "ok",
		})
	})

	return withCORS(correlation.Middleware(mux))
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	var body bytes.Buffer
	if err := json.NewEncoder(&body).Encode(payload); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusInternalServerError)
		_, _ = w.Write([]byte("{\"error\":\"internal server error\"}\n"))
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body.Bytes())
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{
		"error": message,
	})
}

func requireMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method+", OPTIONS")
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
	return false
}

// intQuery reads a positive-or-zero integer parameter bounded by max.
// Missing values return def.
func intQuery(r *http.Request, name string, def, min, max int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	if v < min || v > max {
		return 0, fmt.Errorf("%s must be between %d and %d", name, min, max)
	}
	return v, nil
}

func withCORS(next http.Handler) http.Handler {
	allowedHeaders := strings.Join([]string{"Content-Type", "Authorization", correlation.HeaderName, "X-Request-ID"}, ", ")

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", allowedHeaders)
		w.Header().Set("Access-Control-Expose-Headers", correlation.HeaderName)

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}

		next.ServeHTTP(w, r)
	})
}
