package observability

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ongoingai/ragmetrics/internal/config"
	"github.com/ongoingai/ragmetrics/internal/correlation"
)

const (
	instrumentationName = "ragmetrics"

	monitorEvictedMetric   = "ragmetrics.monitor.evicted_total"
	retentionDeletedMetric = "ragmetrics.retention.deleted_total"
	scrapeFailedMetric     = "ragmetrics.scrape.failed_total"
)

// Runtime exposes OpenTelemetry HTTP wrappers and service metric hooks. A
// nil or disabled Runtime is a no-op everywhere.
type Runtime struct {
	enabled bool

	monitorEvictedCounter   metric.Int64Counter
	retentionDeletedCounter metric.Int64Counter
	scrapeFailedCounter     metric.Int64Counter

	shutdownFns []func(context.Context) error
}

// Setup initializes OpenTelemetry providers and runtime hooks.
func Setup(ctx context.Context, cfg config.OTelConfig, serviceVersion string, logger *slog.Logger) (*Runtime, error) {
	if ctx == nil {
		ctx = context.Background()
	}

	runtime := &Runtime{}
	if !cfg.Enabled {
		return runtime, nil
	}

	exportTimeout := time.Duration(cfg.ExportTimeoutMS) * time.Millisecond
	metricInterval := time.Duration(cfg.MetricExportIntervalMS) * time.Millisecond
	otlpEndpoint, inferredInsecure, err := normalizeOTLPEndpoint(cfg.Endpoint)
	if err != nil {
		return nil, err
	}
	insecure := cfg.Insecure
	if strings.Contains(strings.TrimSpace(cfg.Endpoint), "://") {
		// An explicit scheme wins over the insecure toggle.
		insecure = inferredInsecure
	}

	res := resource.NewSchemaless(
		attribute.String("service.name", strings.TrimSpace(cfg.ServiceName)),
		attribute.String("service.version", strings.TrimSpace(serviceVersion)),
	)

	target := otlpTarget{endpoint: otlpEndpoint, insecure: insecure, timeout: exportTimeout}
	if cfg.TracesEnabled {
		shutdown, err := target.installTracerProvider(ctx, res, cfg.SamplingRatio)
		if err != nil {
			return nil, err
		}
		runtime.shutdownFns = append(runtime.shutdownFns, shutdown)
	}
	if cfg.MetricsEnabled {
		shutdown, err := target.installMeterProvider(ctx, res, metricInterval)
		if err != nil {
			_ = runtime.Shutdown(context.Background())
			return nil, err
		}
		runtime.shutdownFns = append(runtime.shutdownFns, shutdown)
	}

	otel.SetTextMapPropagator(propagation.TraceContext{})

	meter := otel.Meter(instrumentationName)
	runtime.monitorEvictedCounter = newCounter(meter, logger, monitorEvictedMetric,
		"Monitoring entries evicted because the async queue was full.")
	runtime.retentionDeletedCounter = newCounter(meter, logger, retentionDeletedMetric,
		"Metric records deleted by the retention loop.")
	runtime.scrapeFailedCounter = newCounter(meter, logger, scrapeFailedMetric,
		"Failed Prometheus scrapes.")

	runtime.enabled = true
	if logger != nil {
		logger.Info(
			"opentelemetry enabled",
			"otel_endpoint", otlpEndpoint,
			"otel_traces_enabled", cfg.TracesEnabled,
			"otel_metrics_enabled", cfg.MetricsEnabled,
			"otel_sampling_ratio", cfg.SamplingRatio,
		)
	}

	return runtime, nil
}

// otlpTarget is the OTLP/HTTP collector both providers export to.
type otlpTarget struct {
	endpoint string
	insecure bool
	timeout  time.Duration
}

// installTracerProvider registers a global tracer provider whose exporter
// redacts credentials from span attributes before they leave the process.
func (t otlpTarget) installTracerProvider(ctx context.Context, res *resource.Resource, samplingRatio float64) (func(context.Context) error, error) {
	opts := []otlptracehttp.Option{
		otlptracehttp.WithEndpoint(t.endpoint),
		otlptracehttp.WithTimeout(t.timeout),
	}
	if t.insecure {
		opts = append(opts, otlptracehttp.WithInsecure())
	}
	exporter, err := otlptracehttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize otel trace exporter: %w", err)
	}

	provider := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(samplingRatio))),
		sdktrace.WithBatcher(newRedactingExporter(exporter)),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(provider)
	return provider.Shutdown, nil
}

func (t otlpTarget) installMeterProvider(ctx context.Context, res *resource.Resource, interval time.Duration) (func(context.Context) error, error) {
	opts := []otlpmetrichttp.Option{
		otlpmetrichttp.WithEndpoint(t.endpoint),
		otlpmetrichttp.WithTimeout(t.timeout),
	}
	if t.insecure {
		opts = append(opts, otlpmetrichttp.WithInsecure())
	}
	exporter, err := otlpmetrichttp.New(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("initialize otel metric exporter: %w", err)
	}

	provider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(
			exporter,
			sdkmetric.WithInterval(interval),
			sdkmetric.WithTimeout(t.timeout),
		)),
	)
	otel.SetMeterProvider(provider)
	return provider.Shutdown, nil
}

func newCounter(meter metric.Meter, logger *slog.Logger, name, description string) metric.Int64Counter {
	counter, err := meter.Int64Counter(name, metric.WithDescription(description))
	if err != nil && logger != nil {
		logger.Warn("failed to create opentelemetry counter", "metric", name, "error", err)
	}
	return counter
}

// Enabled reports whether OpenTelemetry instrumentation is active.
func (r *Runtime) Enabled() bool {
	return r != nil && r.enabled
}

// WrapHTTPHandler wraps the inbound API with server spans named by route.
func (r *Runtime) WrapHTTPHandler(next http.Handler) http.Handler {
	if next == nil {
		next = http.NotFoundHandler()
	}
	if !r.Enabled() {
		return next
	}
	return otelhttp.NewHandler(
		r.spanEnrichment(next),
		"ragmetrics.request",
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return serverSpanName(req.Method, req.URL.Path)
		}),
	)
}

// spanEnrichment tags the server span with the request trace id and marks
// 5xx responses as errors.
func (r *Runtime) spanEnrichment(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		recorder := &statusCapturingResponseWriter{ResponseWriter: w}
		next.ServeHTTP(recorder, req)

		span := oteltrace.SpanFromContext(req.Context())
		if !span.IsRecording() {
			return
		}
		if statusCode := recorder.StatusCode(); statusCode >= http.StatusInternalServerError {
			span.SetStatus(codes.Error, fmt.Sprintf("http %d", statusCode))
		}
		traceID, ok := correlation.FromContext(req.Context())
		if !ok {
			traceID = correlation.FromHeaders(req.Header)
		}
		if traceID != "" {
			span.SetAttributes(attribute.String("ragmetrics.trace_id", traceID))
		}
	})
}

// WrapHTTPTransport wraps outbound calls to the tracing service, monitoring
// backends and scrape targets with client spans.
func (r *Runtime) WrapHTTPTransport(base http.RoundTripper) http.RoundTripper {
	if base == nil {
		base = http.DefaultTransport
	}
	if !r.Enabled() {
		return base
	}
	return otelhttp.NewTransport(
		base,
		otelhttp.WithSpanNameFormatter(func(_ string, req *http.Request) string {
			return clientSpanName(req.Method, req.URL.Host)
		}),
	)
}

// RecordMonitorEviction counts monitoring entries evicted for sink.
func (r *Runtime) RecordMonitorEviction(sink string, n int) {
	if !r.Enabled() || n <= 0 || r.monitorEvictedCounter == nil {
		return
	}
	r.monitorEvictedCounter.Add(
		context.Background(),
		int64(n),
		metric.WithAttributes(attribute.String("sink", strings.TrimSpace(sink))),
	)
}

// RecordRetentionRun counts records deleted by one retention pass.
func (r *Runtime) RecordRetentionRun(store string, deleted int64) {
	if !r.Enabled() || deleted <= 0 || r.retentionDeletedCounter == nil {
		return
	}
	r.retentionDeletedCounter.Add(
		context.Background(),
		deleted,
		metric.WithAttributes(attribute.String("store", strings.TrimSpace(store))),
	)
}

func (r *Runtime) RecordScrapeFailure() {
	if !r.Enabled() || r.scrapeFailedCounter == nil {
		return
	}
	r.scrapeFailedCounter.Add(context.Background(), 1)
}

// Shutdown flushes and stops OpenTelemetry providers.
func (r *Runtime) Shutdown(ctx context.Context) error {
	if r == nil || len(r.shutdownFns) == 0 {
		return nil
	}
	if ctx == nil {
		ctx = context.Background()
	}

	var errs []error
	for i := len(r.shutdownFns) - 1; i >= 0; i-- {
		if err := r.shutdownFns[i](ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func normalizeOTLPEndpoint(raw string) (string, bool, error) {
	endpoint := strings.TrimSpace(raw)
	if endpoint == "" {
		return "", false, errors.New("observability.otel.endpoint must not be empty")
	}

	if !strings.Contains(endpoint, "://") {
		return endpoint, false, nil
	}

	parsed, err := url.Parse(endpoint)
	if err != nil {
		return "", false, fmt.Errorf("parse observability.otel.endpoint: %w", err)
	}
	if strings.TrimSpace(parsed.Host) == "" {
		return "", false, fmt.Errorf("observability.otel.endpoint must include host (got %q)", raw)
	}

	switch strings.ToLower(strings.TrimSpace(parsed.Scheme)) {
	case "http":
		return parsed.Host, true, nil
	case "https":
		return parsed.Host, false, nil
	default:
		return "", false, fmt.Errorf("observability.otel.endpoint scheme must be http or https when provided (got %q)", parsed.Scheme)
	}
}

// routePatternForPath keeps span names low-cardinality.
func routePatternForPath(path string) string {
	switch {
	case hasPathPrefix(path, "/api/metrics"):
		return "/api/metrics/*"
	case hasPathPrefix(path, "/api"):
		return "/api/*"
	case hasPathPrefix(path, "/metrics"):
		return "/metrics"
	default:
		return "/other"
	}
}

func hasPathPrefix(path, prefix string) bool {
	return path == prefix || strings.HasPrefix(path, prefix+"/")
}

func serverSpanName(method, path string) string {
	return normalizedMethod(method) + " " + routePatternForPath(path)
}

func clientSpanName(method, host string) string {
	host = strings.TrimSpace(host)
	if host == "" {
		host = "unknown"
	}
	return "outbound " + normalizedMethod(method) + " " + host
}

func normalizedMethod(method string) string {
	method = strings.TrimSpace(method)
	if method == "" {
		return "UNKNOWN"
	}
	return method
}

type statusCapturingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

// Unwrap lets http.ResponseController reach the underlying writer.
func (w *statusCapturingResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func (w *statusCapturingResponseWriter) WriteHeader(statusCode int) {
	if w.statusCode == 0 {
		w.statusCode = statusCode
	}
	w.ResponseWriter.WriteHeader(statusCode)
}

func (w *statusCapturingResponseWriter) Write(p []byte) (int, error) {
	if w.statusCode == 0 {
		w.statusCode = http.StatusOK
	}
	return w.ResponseWriter.Write(p)
}

func (w *statusCapturingResponseWriter) StatusCode() int {
	if w.statusCode == 0 {
		return http.StatusOK
	}
	return w.statusCode
}

func (w *statusCapturingResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}
