package collector

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ongoingai/ragmetrics/internal/aggregate"
	"github.com/ongoingai/ragmetrics/internal/metric"
)

// Query failures never surface to callers: every view falls back to its
// zero-valued shape for the requested window and the failure is logged.

func (c *Collector) Summary(ctx context.Context, hours int) aggregate.Summary {
	if hours <= 0 {
		return aggregate.Summary{}
	}
	now := c.now()
	records, ok := c.load(ctx, "summary", metric.Window(now, hoursDuration(hours)))
	if !ok {
		return aggregate.Summary{}
	}
	return aggregate.Summarize(records)
}

func (c *Collector) TimeSeries(ctx context.Context, hours int) aggregate.TimeSeries {
	now := c.now()
	if hours <= 0 {
		return aggregate.HourlySeries(nil, now, hours)
	}
	records, ok := c.load(ctx, "time_series", metric.Filter{Since: aggregate.SeriesStart(now, hours, aggregate.Hourly), Ascending: true})
	if !ok {
		return aggregate.HourlySeries(nil, now, hours)
	}
	return aggregate.HourlySeries(records, now, hours)
}

// Report combines summary, hourly series and the most recent records.
func (c *Collector) Report(ctx context.Context, hours int) aggregate.Report {
	now := c.now()
	if hours <= 0 {
		return aggregate.EmptyReport(now, 0)
	}
	records, ok := c.load(ctx, "report", metric.Window(now, hoursDuration(hours)))
	if !ok {
		return aggregate.EmptyReport(now, hours)
	}
	return aggregate.BuildReport(records, now, hours, c.recentLimit)
}

func (c *Collector) CostBreakdown(ctx context.Context, days int, model string) aggregate.CostBreakdown {
	now := c.now()
	if model == "" {
		model = c.pricing.DefaultModel()
	}
	if days <= 0 {
		return aggregate.BuildCostBreakdown(nil, now, 0, model, c.pricing)
	}
	records, ok := c.load(ctx, "cost_breakdown", metric.Filter{Since: aggregate.SeriesStart(now, days, aggregate.Daily)})
	if !ok {
		records = nil
	}
	return aggregate.BuildCostBreakdown(records, now, days, model, c.pricing)
}

func (c *Collector) LatencyBreakdown(ctx context.Context, days int) aggregate.LatencyBreakdown {
	now := c.now()
	if days <= 0 {
		return aggregate.BuildLatencyBreakdown(nil, now, 0)
	}
	records, ok := c.load(ctx, "latency_breakdown", metric.Filter{Since: aggregate.SeriesStart(now, days, aggregate.Daily)})
	if !ok {
		records = nil
	}
	return aggregate.BuildLatencyBreakdown(records, now, days)
}

// ModelUsage breaks the last seven days down by model.
func (c *Collector) ModelUsage(ctx context.Context) []aggregate.ModelUsage {
	records, ok := c.load(ctx, "model_usage", metric.Window(c.now(), ModelUsageWindow))
	if !ok {
		return []aggregate.ModelUsage{}
	}
	return aggregate.ByModel(records)
}

// TraceQuery narrows the drill-down list. Zero values leave a bound open.
type TraceQuery struct {
	Model  string
	Status metric.Status
	Hours  int
	Limit  int
}

// DefaultTraceLimit caps Traces when the query sets no limit.
const DefaultTraceLimit = 50

// Traces lists stored records newest first for drill-down. Like Cleanup,
// and unlike the aggregate views, a store failure is returned.
func (c *Collector) Traces(ctx context.Context, q TraceQuery) ([]metric.Record, error) {
	filter := metric.Filter{
		Model:  strings.ToLower(strings.TrimSpace(q.Model)),
		Status: q.Status,
		Limit:  q.Limit,
	}
	if filter.Limit <= 0 {
		filter.Limit = DefaultTraceLimit
	}
	if q.Hours > 0 {
		filter.Since = c.now().Add(-hoursDuration(q.Hours)).UTC()
	}
	records, err := c.store.Query(ctx, filter)
	if err != nil {
		c.logger.WarnContext(ctx, "trace list query failed", "error", err)
		return nil, fmt.Errorf("list traces: %w", err)
	}
	return records, nil
}

// Trace returns every record stored under traceID, newest first. An
// unknown id yields an empty slice.
func (c *Collector) Trace(ctx context.Context, traceID string) ([]metric.Record, error) {
	traceID = strings.TrimSpace(traceID)
	if traceID == "" {
		return []metric.Record{}, nil
	}
	records, err := c.store.Query(ctx, metric.Filter{TraceID: traceID})
	if err != nil {
		c.logger.WarnContext(ctx, "trace lookup failed", "trace_id", traceID, "error", err)
		return nil, fmt.Errorf("get trace %q: %w", traceID, err)
	}
	return records, nil
}

// Cleanup deletes records older than days and returns how many were removed.
// Unlike the views, a failed delete is returned to the caller.
func (c *Collector) Cleanup(ctx context.Context, days int) (int64, error) {
	if days < 0 {
		return 0, errors.New("cleanup days must not be negative")
	}
	cutoff := c.now().Add(-time.Duration(days) * 24 * time.Hour)
	deleted, err := c.store.DeleteBefore(ctx, cutoff)
	if err != nil {
		c.logger.ErrorContext(ctx, "metric cleanup failed", "days", days, "error", err)
		return 0, err
	}
	c.logger.InfoContext(ctx, "metric cleanup completed", "days", days, "deleted", deleted)
	return deleted, nil
}

func (c *Collector) load(ctx context.Context, view string, filter metric.Filter) ([]metric.Record, bool) {
	records, err := c.store.Query(ctx, filter)
	if err != nil {
		c.logger.WarnContext(ctx, "metric query failed, returning empty view", "view", view, "error", err)
		return nil, false
	}
	return records, true
}

func hoursDuration(hours int) time.Duration {
	return time.Duration(hours) * time.Hour
}
