package aggregate

import (
	"strings"
	"time"

	"github.com/ongoingai/ragmetrics/internal/metric"
	"github.com/ongoingai/ragmetrics/internal/pricing"
)

// Granularity fixes the bucket width and how buckets are named. Buckets are
// anchored to UTC wall-clock boundaries.
type Granularity struct {
	Width       time.Duration
	KeyLayout   string
	LabelLayout string
}

var (
	Hourly = Granularity{Width: time.Hour, KeyLayout: "2006-01-02 15:00", LabelLayout: "15:00"}
	Daily  = Granularity{Width: 24 * time.Hour, KeyLayout: "2006-01-02", LabelLayout: "01-02"}
)

func (g Granularity) floor(t time.Time) time.Time {
	return t.UTC().Truncate(g.Width)
}

// SeriesStart is the start of the oldest of n buckets ending with the bucket
// that contains now. Records before it fall outside every bucket.
func SeriesStart(now time.Time, n int, g Granularity) time.Time {
	if n < 1 {
		n = 1
	}
	return g.floor(now).Add(-time.Duration(n-1) * g.Width)
}

// TimeSeries holds parallel arrays, one element per bucket, oldest first.
type TimeSeries struct {
	Keys          []string  `json:"keys"`
	Labels        []string  `json:"labels"`
	InputTokens   []int64   `json:"input_tokens"`
	OutputTokens  []int64   `json:"output_tokens"`
	TotalTokens   []int64   `json:"total_tokens"`
	InputCosts    []float64 `json:"input_costs"`
	OutputCosts   []float64 `json:"output_costs"`
	TotalCosts    []float64 `json:"total_costs"`
	Latencies     []float64 `json:"latencies"`
	RequestCounts []int64   `json:"request_counts"`
}

// Len is the number of buckets.
func (ts TimeSeries) Len() int {
	return len(ts.Keys)
}

func newTimeSeries(n int) TimeSeries {
	return TimeSeries{
		Keys:          make([]string, n),
		Labels:        make([]string, n),
		InputTokens:   make([]int64, n),
		OutputTokens:  make([]int64, n),
		TotalTokens:   make([]int64, n),
		InputCosts:    make([]float64, n),
		OutputCosts:   make([]float64, n),
		TotalCosts:    make([]float64, n),
		Latencies:     make([]float64, n),
		RequestCounts: make([]int64, n),
	}
}

// Series materializes exactly n buckets (zero when n <= 0) whether or not
// they hold records. Costs are rounded to 4 decimals and latency is the
// bucket mean rounded to 2 decimals, 0 for an empty bucket.
func Series(records []metric.Record, now time.Time, n int, g Granularity) TimeSeries {
	if n < 0 {
		n = 0
	}
	ts := newTimeSeries(n)
	if n == 0 {
		return ts
	}

	start := SeriesStart(now, n, g)
	for i := 0; i < n; i++ {
		bucket := start.Add(time.Duration(i) * g.Width)
		ts.Keys[i] = bucket.Format(g.KeyLayout)
		ts.Labels[i] = bucket.Format(g.LabelLayout)
	}

	latency := make([]float64, n)
	for _, rec := range records {
		bucket := g.floor(rec.Timestamp)
		if bucket.Before(start) {
			continue
		}
		i := int(bucket.Sub(start) / g.Width)
		if i >= n {
			continue
		}
		ts.InputTokens[i] += rec.InputTokens
		ts.OutputTokens[i] += rec.OutputTokens
		ts.InputCosts[i] += rec.InputCost
		ts.OutputCosts[i] += rec.OutputCost
		latency[i] += rec.LatencyMS
		ts.RequestCounts[i]++
	}

	for i := 0; i < n; i++ {
		ts.TotalTokens[i] = ts.InputTokens[i] + ts.OutputTokens[i]
		ts.TotalCosts[i] = Round(ts.InputCosts[i]+ts.OutputCosts[i], 4)
		ts.InputCosts[i] = Round(ts.InputCosts[i], 4)
		ts.OutputCosts[i] = Round(ts.OutputCosts[i], 4)
		if ts.RequestCounts[i] > 0 {
			ts.Latencies[i] = Round(latency[i]/float64(ts.RequestCounts[i]), 2)
		}
	}
	return ts
}

// HourlySeries returns one bucket per hour for the last hours hours.
func HourlySeries(records []metric.Record, now time.Time, hours int) TimeSeries {
	return Series(records, now, hours, Hourly)
}

// DailySeries returns one bucket per UTC day for the last days days.
func DailySeries(records []metric.Record, now time.Time, days int) TimeSeries {
	return Series(records, now, days, Daily)
}

type CostBreakdown struct {
	Days        int           `json:"days"`
	Labels      []string      `json:"labels"`
	InputCosts  []float64     `json:"input_costs"`
	OutputCosts []float64     `json:"output_costs"`
	TotalCosts  []float64     `json:"total_costs"`
	TotalCost   float64       `json:"total_cost"`
	Model       string        `json:"model"`
	PricedAs    string        `json:"priced_as"`
	Pricing     pricing.Price `json:"pricing"`
	ModelCost   float64       `json:"model_cost"`
	ModelTokens int64         `json:"model_tokens"`
}

// BuildCostBreakdown reports daily cost across all models plus the totals
// and price entry for model. Unknown models report the default price entry
// under PricedAs.
func BuildCostBreakdown(records []metric.Record, now time.Time, days int, model string, table *pricing.Table) CostBreakdown {
	if table == nil {
		table = pricing.Default()
	}
	series := DailySeries(records, now, days)
	pricedAs, price := table.Resolve(model)
	out := CostBreakdown{
		Days:        days,
		Labels:      series.Keys,
		InputCosts:  series.InputCosts,
		OutputCosts: series.OutputCosts,
		TotalCosts:  series.TotalCosts,
		Model:       model,
		PricedAs:    pricedAs,
		Pricing:     price,
	}

	start := SeriesStart(now, days, Daily)
	var total, modelCost float64
	for _, rec := range records {
		if rec.Timestamp.Before(start) {
			continue
		}
		total += rec.TotalCost
		if strings.EqualFold(strings.TrimSpace(rec.Model), strings.TrimSpace(model)) {
			modelCost += rec.TotalCost
			out.ModelTokens += rec.TotalTokens
		}
	}
	out.TotalCost = Round(total, 4)
	out.ModelCost = Round(modelCost, 4)
	return out
}

type LatencyBreakdown struct {
	Days         int       `json:"days"`
	Labels       []string  `json:"labels"`
	Latencies    []float64 `json:"latencies"`
	AvgLatencyMS float64   `json:"avg_latency"`
	MaxLatencyMS float64   `json:"max_latency"`
	MinLatencyMS float64   `json:"min_latency"`
}

// BuildLatencyBreakdown reports daily mean latency; avg, max and min are taken
// over individual records in range rather than over bucket means.
func BuildLatencyBreakdown(records []metric.Record, now time.Time, days int) LatencyBreakdown {
	series := DailySeries(records, now, days)
	out := LatencyBreakdown{
		Days:      days,
		Labels:    series.Keys,
		Latencies: series.Latencies,
	}

	start := SeriesStart(now, days, Daily)
	var (
		sum   float64
		count int
	)
	for _, rec := range records {
		if rec.Timestamp.Before(start) {
			continue
		}
		if count == 0 || rec.LatencyMS > out.MaxLatencyMS {
			out.MaxLatencyMS = rec.LatencyMS
		}
		if count == 0 || rec.LatencyMS < out.MinLatencyMS {
			out.MinLatencyMS = rec.LatencyMS
		}
		sum += rec.LatencyMS
		count++
	}
	if count > 0 {
		out.AvgLatencyMS = Round(sum/float64(count), 2)
	}
	return out
}
