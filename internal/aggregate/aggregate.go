// Package aggregate derives dashboard views from metric records. Every
// function is pure: the same records and clock always yield the same result,
// and an empty input yields a fully populated zero value.
package aggregate

import (
	"math"
	"sort"
	"time"

	"github.com/ongoingai/ragmetrics/internal/metric"
)

// DefaultRecentLimit is how many records Recent returns when n <= 0.
const DefaultRecentLimit = 10

type Summary struct {
	TotalRequests      int64   `json:"total_requests"`
	SuccessfulRequests int64   `json:"successful_requests"`
	FailedRequests     int64   `json:"failed_requests"`
	SuccessRate        float64 `json:"success_rate"`
	TotalInputTokens   int64   `json:"total_input_tokens"`
	TotalOutputTokens  int64   `json:"total_output_tokens"`
	TotalTokens        int64   `json:"total_tokens"`
	TotalInputCost     float64 `json:"total_input_cost"`
	TotalOutputCost    float64 `json:"total_output_cost"`
	TotalCost          float64 `json:"total_cost"`
	AvgLatencyMS       float64 `json:"avg_latency_ms"`
}

// Summarize totals records. Latency is averaged over completed and failed
// records alike.
func Summarize(records []metric.Record) Summary {
	var (
		s          Summary
		inputCost  float64
		outputCost float64
		latency    float64
	)
	for _, rec := range records {
		s.TotalRequests++
		if rec.Failed() {
			s.FailedRequests++
		} else {
			s.SuccessfulRequests++
		}
		s.TotalInputTokens += rec.InputTokens
		s.TotalOutputTokens += rec.OutputTokens
		inputCost += rec.InputCost
		outputCost += rec.OutputCost
		latency += rec.LatencyMS
	}
	s.TotalTokens = s.TotalInputTokens + s.TotalOutputTokens
	s.TotalInputCost = Round(inputCost, 4)
	s.TotalOutputCost = Round(outputCost, 4)
	s.TotalCost = Round(inputCost+outputCost, 4)
	if s.TotalRequests > 0 {
		s.SuccessRate = 100 * float64(s.SuccessfulRequests) / float64(s.TotalRequests)
		s.AvgLatencyMS = Round(latency/float64(s.TotalRequests), 2)
	}
	return s
}

// Recent returns up to n records, newest first. Ties on timestamp are
// broken by descending ID. The input slice is not modified.
func Recent(records []metric.Record, n int) []metric.Record {
	if n <= 0 {
		n = DefaultRecentLimit
	}
	sorted := make([]metric.Record, len(records))
	copy(sorted, records)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].Timestamp.Equal(sorted[j].Timestamp) {
			return sorted[i].Timestamp.After(sorted[j].Timestamp)
		}
		return sorted[i].ID > sorted[j].ID
	})
	if len(sorted) > n {
		sorted = sorted[:n]
	}
	return sorted
}

// ModelUsage is the per-model rollup used by the model breakdown view.
type ModelUsage struct {
	Model        string  `json:"model"`
	Requests     int64   `json:"requests"`
	Tokens       int64   `json:"tokens"`
	Cost         float64 `json:"cost"`
	AvgLatencyMS int64   `json:"avg_latency"`
}

// ByModel groups records by model, ordered by request count descending and
// then by model name.
func ByModel(records []metric.Record) []ModelUsage {
	type acc struct {
		usage   ModelUsage
		cost    float64
		latency float64
	}
	groups := make(map[string]*acc)
	for _, rec := range records {
		g, ok := groups[rec.Model]
		if !ok {
			g = &acc{usage: ModelUsage{Model: rec.Model}}
			groups[rec.Model] = g
		}
		g.usage.Requests++
		g.usage.Tokens += rec.TotalTokens
		g.cost += rec.TotalCost
		g.latency += rec.LatencyMS
	}

	out := make([]ModelUsage, 0, len(groups))
	for _, g := range groups {
		g.usage.Cost = Round(g.cost, 4)
		g.usage.AvgLatencyMS = int64(g.latency / float64(g.usage.Requests))
		out = append(out, g.usage)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Requests != out[j].Requests {
			return out[i].Requests > out[j].Requests
		}
		return out[i].Model < out[j].Model
	})
	return out
}

// Round rounds half away from zero to the given number of decimals.
func Round(v float64, decimals int) float64 {
	scale := math.Pow(10, float64(decimals))
	return math.Round(v*scale) / scale
}

// Report bundles the views a dashboard requests for one window.
type Report struct {
	WindowHours  int             `json:"window_hours"`
	GeneratedAt  time.Time       `json:"generated_at"`
	Summary      Summary         `json:"summary"`
	TimeSeries   TimeSeries      `json:"time_series"`
	RecentTraces []metric.Record `json:"recent_traces"`
}

// BuildReport derives the summary and recent records over [now-hours, now]
// and the hourly series over the hour-aligned buckets ending at now. Records
// older than now-hours are ignored by the summary.
func BuildReport(records []metric.Record, now time.Time, hours, recent int) Report {
	windowed := Within(records, now.Add(-time.Duration(hours)*time.Hour))
	return Report{
		WindowHours:  hours,
		GeneratedAt:  now.UTC(),
		Summary:      Summarize(windowed),
		TimeSeries:   HourlySeries(records, now, hours),
		RecentTraces: Recent(windowed, recent),
	}
}

// Within returns the records at or after since, preserving order.
func Within(records []metric.Record, since time.Time) []metric.Record {
	out := make([]metric.Record, 0, len(records))
	for _, rec := range records {
		if !rec.Timestamp.Before(since) {
			out = append(out, rec)
		}
	}
	return out
}

// EmptyReport is the zero-valued report for a window.
func EmptyReport(now time.Time, hours int) Report {
	return BuildReport(nil, now, hours, DefaultRecentLimit)
}
