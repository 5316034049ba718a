// Package collector turns per-request interaction data into stored metric
// records and answers windowed queries over them.
package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"

	"github.com/ongoingai/ragmetrics/internal/export"
	"github.com/ongoingai/ragmetrics/internal/frameworks"
	"github.com/ongoingai/ragmetrics/internal/langtrace"
	"github.com/ongoingai/ragmetrics/internal/metric"
	"github.com/ongoingai/ragmetrics/internal/monitor"
	"github.com/ongoingai/ragmetrics/internal/pricing"
	"github.com/ongoingai/ragmetrics/internal/tokens"
)

const (
	instrumentationName = "ragmetrics.collector"

	// ModelUsageWindow bounds the per-model breakdown.
	ModelUsageWindow = 7 * 24 * time.Hour

	unknownTag = "unknown"
)

// Interaction is what the request-execution layer knows about one request.
type Interaction struct {
	TraceID     string
	Framework   string
	Model       string
	VectorStore string
	Query       string
	Response    string
	Duration    time.Duration
	// Status is derived from Error when empty.
	Status metric.Status
	// Explicit counts win over estimation; nil means unknown.
	InputTokens  *int64
	OutputTokens *int64
	Error        string
}

// TraceSource looks up authoritative usage for a trace id.
type TraceSource interface {
	Lookup(ctx context.Context, traceID string) (langtrace.Usage, error)
}

// Enqueuer accepts monitoring entries without blocking.
type Enqueuer interface {
	Enqueue(entries ...monitor.Entry) bool
}

type Options struct {
	Store     metric.Store
	Pricing   *pricing.Table
	Estimator tokens.Estimator
	// Traces is optional; without it every record is estimated locally.
	Traces   TraceSource
	Catalog  *frameworks.Catalog
	Exporter *export.Exporter
	Monitor  Enqueuer
	Logger   *slog.Logger
	// RecentLimit is the number of recent traces in a report.
	RecentLimit int
	Now         func() time.Time
}

type Collector struct {
	store       metric.Store
	pricing     *pricing.Table
	estimator   tokens.Estimator
	traces      TraceSource
	catalog     *frameworks.Catalog
	exporter    *export.Exporter
	monitor     Enqueuer
	logger      *slog.Logger
	recentLimit int
	now         func() time.Time
	tracer      oteltrace.Tracer

	// writeMu covers the insert and the export counter update as one step.
	writeMu sync.Mutex
}

func New(opts Options) (*Collector, error) {
	if opts.Store == nil {
		return nil, errors.New("collector requires a metric store")
	}
	c := &Collector{
		store:       opts.Store,
		pricing:     opts.Pricing,
		estimator:   opts.Estimator,
		traces:      opts.Traces,
		catalog:     opts.Catalog,
		exporter:    opts.Exporter,
		monitor:     opts.Monitor,
		logger:      opts.Logger,
		recentLimit: opts.RecentLimit,
		now:         opts.Now,
		tracer:      otel.Tracer(instrumentationName),
	}
	if c.pricing == nil {
		c.pricing = pricing.Default()
	}
	if c.estimator == nil {
		c.estimator = tokens.Words{}
	}
	if c.catalog == nil {
		c.catalog = frameworks.DefaultCatalog()
	}
	if c.logger == nil {
		c.logger = slog.Default()
	}
	if c.recentLimit <= 0 {
		c.recentLimit = 10
	}
	if c.now == nil {
		c.now = time.Now
	}
	return c, nil
}

// Record builds, stores and exports exactly one record for in. Failures to
// reach the tracing service or to interpret in are absorbed into the
// returned record; only a store failure is returned as an error, and the
// record is returned alongside it. Cancellation of ctx is ignored so a
// started recording always completes. The active request gauge covers the
// whole call, tracing lookup included.
func (c *Collector) Record(ctx context.Context, in Interaction) (metric.Record, error) {
	done := c.exporter.Begin()
	defer done()
	ctx = context.WithoutCancel(ctx)
	ctx, span := c.tracer.Start(ctx, "metrics.record")
	defer span.End()

	rec := c.build(ctx, in)
	span.SetAttributes(
		attribute.String("ragmetrics.trace_id", rec.TraceID),
		attribute.String("ragmetrics.framework", rec.Framework),
		attribute.String("ragmetrics.model", rec.Model),
		attribute.String("ragmetrics.status", string(rec.Status)),
	)

	// The export counters live in process memory and the record lives in
	// the store; they are not committed together. A crash between the two
	// steps, or a restart, leaves the counters behind the store. This is
	// accepted: the counters are best-effort and queries read the store.
	c.writeMu.Lock()
	err := c.store.Insert(ctx, &rec)
	if err == nil {
		c.exporter.Observe(rec)
	}
	c.writeMu.Unlock()

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "store insert failed")
		c.logger.Error("failed to store metric record",
			"trace_id", rec.TraceID,
			"error_class", metric.ClassifyWriteError(err),
			"error", err,
		)
		return rec, fmt.Errorf("store metric record: %w", err)
	}

	if c.monitor != nil {
		c.monitor.Enqueue(monitor.RecordEntries(rec)...)
	}
	return rec, nil
}

// build never panics; anything that goes wrong becomes a degraded record.
func (c *Collector) build(ctx context.Context, in Interaction) (rec metric.Record) {
	defer func() {
		if r := recover(); r != nil {
			rec = c.degraded(in, fmt.Errorf("panic while computing metrics: %v", r))
		}
	}()

	rec, err := c.compute(ctx, in)
	if err != nil {
		return c.degraded(in, err)
	}
	return rec
}

func (c *Collector) compute(ctx context.Context, in Interaction) (metric.Record, error) {
	status, err := interactionStatus(in)
	if err != nil {
		return metric.Record{}, err
	}
	if in.Duration < 0 {
		return metric.Record{}, fmt.Errorf("negative duration %s", in.Duration)
	}
	if (in.InputTokens != nil && *in.InputTokens < 0) || (in.OutputTokens != nil && *in.OutputTokens < 0) {
		return metric.Record{}, errors.New("negative token count")
	}

	framework, vectorStore := c.tags(in)
	rec := metric.Record{
		Timestamp:    c.now(),
		TraceID:      strings.TrimSpace(in.TraceID),
		Framework:    framework,
		Model:        c.model(in.Model),
		VectorStore:  vectorStore,
		LatencyMS:    float64(in.Duration) / float64(time.Millisecond),
		Status:       status,
		ErrorMessage: strings.TrimSpace(in.Error),
	}

	if usage, ok := c.lookup(ctx, rec.TraceID); ok {
		rec.InputTokens = usage.InputTokens
		rec.OutputTokens = usage.OutputTokens
		if usage.Model != "" && strings.TrimSpace(in.Model) == "" {
			rec.Model = c.model(usage.Model)
		}
		if usage.LatencyMS > 0 {
			rec.LatencyMS = usage.LatencyMS
		}
		if usage.Status != "" {
			rec.Status = metric.Status(usage.Status)
		}
	} else {
		rec.InputTokens, rec.OutputTokens = c.estimate(in, rec.Model, status)
	}

	cost := c.pricing.Cost(rec.Model, rec.InputTokens, rec.OutputTokens)
	rec.InputCost = cost.InputCost
	rec.OutputCost = cost.OutputCost
	if rec.Status == metric.StatusFailed && rec.ErrorMessage == "" {
		rec.ErrorMessage = "request failed"
	}

	rec = rec.Normalize(c.now())
	if err := rec.Validate(); err != nil {
		return metric.Record{}, err
	}
	return rec, nil
}

// lookup asks the tracing service first. Any failure is logged and reported
// as no data so the caller estimates locally.
func (c *Collector) lookup(ctx context.Context, traceID string) (langtrace.Usage, bool) {
	if c.traces == nil || traceID == "" {
		return langtrace.Usage{}, false
	}
	usage, err := c.traces.Lookup(ctx, traceID)
	if err != nil {
		c.logger.WarnContext(ctx, "tracing lookup failed, using local estimate", "trace_id", traceID, "error", err)
		return langtrace.Usage{}, false
	}
	c.logger.DebugContext(ctx, "metrics collected from tracing service", "trace_id", traceID)
	return usage, true
}

// estimate prefers explicit counts. A failed request with no explicit counts
// consumed nothing billable, so it records zero tokens.
func (c *Collector) estimate(in Interaction, model string, status metric.Status) (int64, int64) {
	var input, output int64
	if in.InputTokens != nil {
		input = *in.InputTokens
	} else if status != metric.StatusFailed {
		input = c.estimator.Estimate(model, in.Query)
	}
	if in.OutputTokens != nil {
		output = *in.OutputTokens
	} else if status != metric.StatusFailed {
		output = c.estimator.Estimate(model, in.Response)
	}
	return input, output
}

func (c *Collector) degraded(in Interaction, cause error) metric.Record {
	framework, vectorStore := c.tags(in)
	c.logger.Warn("recording degraded metric record", "trace_id", in.TraceID, "error", cause)
	rec := metric.Record{
		Timestamp:    c.now(),
		TraceID:      strings.TrimSpace(in.TraceID),
		Framework:    framework,
		Model:        c.model(in.Model),
		VectorStore:  vectorStore,
		Status:       metric.StatusFailed,
		ErrorMessage: cause.Error(),
	}
	return rec.Normalize(c.now())
}

func (c *Collector) tags(in Interaction) (string, string) {
	framework, vectorStore, known := c.catalog.Tags(in.Framework, in.VectorStore)
	if framework == "" {
		framework = unknownTag
	}
	if vectorStore == "" {
		vectorStore = unknownTag
	}
	if !known {
		c.logger.Debug("interaction tags not in catalog", "framework", framework, "vector_store", vectorStore)
	}
	return framework, vectorStore
}

func (c *Collector) model(model string) string {
	model = strings.ToLower(strings.TrimSpace(model))
	if model == "" {
		return c.pricing.DefaultModel()
	}
	return model
}

func interactionStatus(in Interaction) (metric.Status, error) {
	switch metric.Status(strings.ToLower(strings.TrimSpace(string(in.Status)))) {
	case "":
		if strings.TrimSpace(in.Error) != "" {
			return metric.StatusFailed, nil
		}
		return metric.StatusCompleted, nil
	case metric.StatusCompleted:
		return metric.StatusCompleted, nil
	case metric.StatusFailed:
		return metric.StatusFailed, nil
	default:
		return "", fmt.Errorf("invalid status %q", in.Status)
	}
}
