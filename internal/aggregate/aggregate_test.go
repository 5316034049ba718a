package aggregate

import (
	"reflect"
	"testing"
	"time"

	"github.com/ongoingai/ragmetrics/internal/metric"
	"github.com/ongoingai/ragmetrics/internal/pricing"
)

var testNow = time.Date(2026, 6, 10, 14, 37, 0, 0, time.UTC)

func rec(age time.Duration, model string, in, out int64, inCost, outCost, latency float64, status metric.Status) metric.Record {
	return metric.Record{
		Timestamp:    testNow.Add(-age),
		Model:        model,
		InputTokens:  in,
		OutputTokens: out,
		InputCost:    inCost,
		OutputCost:   outCost,
		LatencyMS:    latency,
		Status:       status,
	}.Normalize(testNow)
}

func TestSummarizeEmpty(t *testing.T) {
	t.Parallel()

	if s := Summarize(nil); s != (Summary{}) {
		t.Fatalf("Summarize(nil)=%+v, want zero summary", s)
	}
}

func TestSummarizeTotalsAndRates(t *testing.T) {
	t.Parallel()

	records := []metric.Record{
		rec(time.Minute, "gpt-4o-mini", 1000, 500, 0.0002, 0.0003, 100, metric.StatusCompleted),
		rec(2*time.Minute, "gpt-4o", 200, 100, 0.001, 0.0015, 300, metric.StatusCompleted),
		rec(3*time.Minute, "gpt-4o", 0, 0, 0, 0, 50, metric.StatusFailed),
	}
	s := Summarize(records)

	if s.TotalRequests != 3 || s.SuccessfulRequests != 2 || s.FailedRequests != 1 {
		t.Fatalf("requests total=%d ok=%d failed=%d, want 3/2/1", s.TotalRequests, s.SuccessfulRequests, s.FailedRequests)
	}
	// Two of three succeeded; the rate is not rounded.
	if want := 200.0 / 3; s.SuccessRate != want {
		t.Fatalf("success_rate=%v, want %v", s.SuccessRate, want)
	}
	if s.SuccessRate < 0 || s.SuccessRate > 100 {
		t.Fatalf("success_rate=%v, want within [0,100]", s.SuccessRate)
	}
	if s.TotalInputTokens != 1200 || s.TotalOutputTokens != 600 {
		t.Fatalf("tokens in=%d out=%d, want 1200/600", s.TotalInputTokens, s.TotalOutputTokens)
	}
	if s.TotalTokens != s.TotalInputTokens+s.TotalOutputTokens {
		t.Fatalf("total_tokens=%d, want %d", s.TotalTokens, s.TotalInputTokens+s.TotalOutputTokens)
	}
	if s.TotalInputCost != 0.0012 || s.TotalOutputCost != 0.0018 || s.TotalCost != 0.003 {
		t.Fatalf("costs in=%v out=%v total=%v, want 0.0012/0.0018/0.003", s.TotalInputCost, s.TotalOutputCost, s.TotalCost)
	}
	if s.AvgLatencyMS != 150 {
		t.Fatalf("avg_latency_ms=%v, want 150", s.AvgLatencyMS)
	}
}

func TestSummarizeIsIdempotent(t *testing.T) {
	t.Parallel()

	records := []metric.Record{
		rec(time.Minute, "gpt-4o", 10, 20, 0.1, 0.2, 5, metric.StatusCompleted),
		rec(time.Hour, "gpt-4o", 1, 2, 0.01, 0.02, 7, metric.StatusFailed),
	}
	if first, second := Summarize(records), Summarize(records); first != second {
		t.Fatalf("Summarize differs between calls: %+v vs %+v", first, second)
	}
}

func TestHourlySeriesLengthAndBucketSums(t *testing.T) {
	t.Parallel()

	records := []metric.Record{
		rec(0, "a", 10, 5, 0.01, 0.02, 100, metric.StatusCompleted),
		rec(30*time.Minute, "a", 1, 1, 0.001, 0.001, 300, metric.StatusCompleted),
		rec(2*time.Hour, "b", 7, 3, 0.5, 0.25, 40, metric.StatusFailed),
		rec(23*time.Hour, "b", 2, 2, 0, 0, 10, metric.StatusCompleted),
		rec(48*time.Hour, "c", 99, 99, 9, 9, 9, metric.StatusCompleted),
	}

	ts := HourlySeries(records, testNow, 24)
	if ts.Len() != 24 {
		t.Fatalf("Len()=%d, want 24", ts.Len())
	}
	for _, arr := range [][]int64{ts.InputTokens, ts.OutputTokens, ts.TotalTokens, ts.RequestCounts} {
		if len(arr) != 24 {
			t.Fatalf("int series len=%d, want 24", len(arr))
		}
	}
	for _, arr := range [][]float64{ts.InputCosts, ts.OutputCosts, ts.TotalCosts, ts.Latencies} {
		if len(arr) != 24 {
			t.Fatalf("float series len=%d, want 24", len(arr))
		}
	}

	if ts.Keys[0] != "2026-06-09 15:00" || ts.Keys[23] != "2026-06-10 14:00" {
		t.Fatalf("keys first=%q last=%q, want 2026-06-09 15:00 and 2026-06-10 14:00", ts.Keys[0], ts.Keys[23])
	}
	if ts.Labels[23] != "14:00" {
		t.Fatalf("last label=%q, want 14:00", ts.Labels[23])
	}
	for i := 1; i < 24; i++ {
		if ts.Keys[i-1] >= ts.Keys[i] {
			t.Fatalf("keys not ascending at %d: %q >= %q", i, ts.Keys[i-1], ts.Keys[i])
		}
	}

	// 14:37 and 14:07 share the newest bucket.
	if ts.InputTokens[23] != 11 || ts.TotalTokens[23] != 17 || ts.RequestCounts[23] != 2 {
		t.Fatalf("newest bucket in=%d total=%d requests=%d, want 11/17/2", ts.InputTokens[23], ts.TotalTokens[23], ts.RequestCounts[23])
	}
	if ts.InputCosts[23] != 0.011 || ts.TotalCosts[23] != 0.032 {
		t.Fatalf("newest bucket input_cost=%v total_cost=%v, want 0.011/0.032", ts.InputCosts[23], ts.TotalCosts[23])
	}
	if ts.Latencies[23] != 200 {
		t.Fatalf("newest bucket latency=%v, want 200", ts.Latencies[23])
	}
	if ts.TotalTokens[21] != 10 || ts.TotalCosts[21] != 0.75 {
		t.Fatalf("bucket 21 tokens=%d cost=%v, want 10/0.75", ts.TotalTokens[21], ts.TotalCosts[21])
	}
	if ts.TotalTokens[0] != 4 {
		t.Fatalf("oldest bucket tokens=%d, want 4", ts.TotalTokens[0])
	}
	if ts.RequestCounts[10] != 0 || ts.Latencies[10] != 0 {
		t.Fatalf("empty bucket requests=%d latency=%v, want zeros", ts.RequestCounts[10], ts.Latencies[10])
	}

	var requests, tokens int64
	for i := range ts.Keys {
		requests += ts.RequestCounts[i]
		tokens += ts.TotalTokens[i]
	}
	if requests != 4 || tokens != 31 {
		t.Fatalf("series sums requests=%d tokens=%d, want 4/31", requests, tokens)
	}
}

func TestSeriesDegenerateWindows(t *testing.T) {
	t.Parallel()

	empty := HourlySeries(nil, testNow, 0)
	if empty.Len() != 0 {
		t.Fatalf("zero window Len()=%d, want 0", empty.Len())
	}
	if empty.Latencies == nil {
		t.Fatal("zero window latencies=nil, want empty slice")
	}
	if negative := HourlySeries(nil, testNow, -5); negative.Len() != 0 {
		t.Fatalf("negative window Len()=%d, want 0", negative.Len())
	}

	zero := HourlySeries(nil, testNow, 6)
	if zero.Len() != 6 {
		t.Fatalf("Len()=%d, want 6", zero.Len())
	}
	if want := []float64{0, 0, 0, 0, 0, 0}; !reflect.DeepEqual(zero.TotalCosts, want) {
		t.Fatalf("total_costs=%v, want %v", zero.TotalCosts, want)
	}
}

func TestDailySeriesAnchorsToUTCMidnight(t *testing.T) {
	t.Parallel()

	records := []metric.Record{
		rec(14*time.Hour+37*time.Minute, "a", 1, 0, 0, 0, 0, metric.StatusCompleted),
		rec(14*time.Hour+38*time.Minute, "a", 2, 0, 0, 0, 0, metric.StatusCompleted),
	}
	ts := DailySeries(records, testNow, 3)
	if want := []string{"2026-06-08", "2026-06-09", "2026-06-10"}; !reflect.DeepEqual(ts.Keys, want) {
		t.Fatalf("keys=%v, want %v", ts.Keys, want)
	}
	if want := []int64{0, 2, 1}; !reflect.DeepEqual(ts.InputTokens, want) {
		t.Fatalf("input_tokens=%v, want %v", ts.InputTokens, want)
	}
}

func TestRecentOrdersNewestFirstAndLimits(t *testing.T) {
	t.Parallel()

	records := make([]metric.Record, 0, 15)
	for i := 0; i < 15; i++ {
		r := rec(time.Duration(i)*time.Minute, "m", 1, 1, 0, 0, 0, metric.StatusCompleted)
		r.ID = int64(100 - i)
		records = append(records, r)
	}
	for i, j := 0, len(records)-1; i < j; i, j = i+1, j-1 {
		records[i], records[j] = records[j], records[i]
	}

	got := Recent(records, 0)
	if len(got) != DefaultRecentLimit {
		t.Fatalf("len(Recent)=%d, want %d", len(got), DefaultRecentLimit)
	}
	if got[0].ID != 100 {
		t.Fatalf("first id=%d, want 100", got[0].ID)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Timestamp.After(got[i-1].Timestamp) {
			t.Fatalf("record %d newer than record %d", i, i-1)
		}
	}
	if records[0].ID != 86 {
		t.Fatalf("input reordered: first id=%d, want 86", records[0].ID)
	}
	if n := len(Recent(records, 3)); n != 3 {
		t.Fatalf("len(Recent(3))=%d, want 3", n)
	}
	if none := Recent(nil, 5); none == nil || len(none) != 0 {
		t.Fatalf("Recent(nil)=%v, want empty non-nil slice", none)
	}
}

func TestByModel(t *testing.T) {
	t.Parallel()

	records := []metric.Record{
		rec(time.Minute, "gpt-4o", 10, 10, 0.00004, 0.00004, 101, metric.StatusCompleted),
		rec(time.Minute, "gpt-4o", 5, 5, 0.00004, 0.00004, 100, metric.StatusFailed),
		rec(time.Minute, "gemma2-9b-it", 1, 1, 0.1, 0.1, 10, metric.StatusCompleted),
	}
	got := ByModel(records)
	if len(got) != 2 {
		t.Fatalf("len(ByModel)=%d, want 2", len(got))
	}
	if want := (ModelUsage{Model: "gpt-4o", Requests: 2, Tokens: 30, Cost: 0.0002, AvgLatencyMS: 100}); got[0] != want {
		t.Fatalf("first usage=%+v, want %+v", got[0], want)
	}
	if got[1].Model != "gemma2-9b-it" || got[1].Cost != 0.2 {
		t.Fatalf("second usage=%+v, want gemma2-9b-it costing 0.2", got[1])
	}
	if empty := ByModel(nil); len(empty) != 0 {
		t.Fatalf("ByModel(nil)=%v, want empty", empty)
	}
}

func TestBuildCostBreakdown(t *testing.T) {
	t.Parallel()

	records := []metric.Record{
		rec(time.Hour, "gpt-4o", 1000, 1000, 0.005, 0.015, 10, metric.StatusCompleted),
		rec(26*time.Hour, "gpt-4o-mini", 1000, 500, 0.0002, 0.0003, 10, metric.StatusCompleted),
		rec(10*24*time.Hour, "gpt-4o", 1000, 1000, 0.005, 0.015, 10, metric.StatusCompleted),
	}
	got := BuildCostBreakdown(records, testNow, 7, "gpt-4o", pricing.Default())
	if len(got.TotalCosts) != 7 {
		t.Fatalf("len(total_costs)=%d, want 7", len(got.TotalCosts))
	}
	if got.TotalCosts[6] != 0.02 || got.TotalCosts[5] != 0.0005 {
		t.Fatalf("last two days=%v/%v, want 0.0005/0.02", got.TotalCosts[5], got.TotalCosts[6])
	}
	if got.TotalCost != 0.0205 || got.ModelCost != 0.02 || got.ModelTokens != 2000 {
		t.Fatalf("total=%v model_cost=%v model_tokens=%d, want 0.0205/0.02/2000", got.TotalCost, got.ModelCost, got.ModelTokens)
	}
	if got.PricedAs != "gpt-4o" {
		t.Fatalf("priced_as=%q, want gpt-4o", got.PricedAs)
	}
	if want := (pricing.Price{Input: 0.005, Output: 0.015}); got.Pricing != want {
		t.Fatalf("pricing=%+v, want %+v", got.Pricing, want)
	}

	unknown := BuildCostBreakdown(nil, testNow, 7, "mystery", nil)
	if unknown.PricedAs != pricing.DefaultModel || unknown.Model != "mystery" {
		t.Fatalf("unknown model=%q priced_as=%q, want mystery priced as %s", unknown.Model, unknown.PricedAs, pricing.DefaultModel)
	}
	if len(unknown.Labels) != 7 || unknown.TotalCost != 0 {
		t.Fatalf("unknown labels=%d total=%v, want 7 labels and zero cost", len(unknown.Labels), unknown.TotalCost)
	}
}

func TestBuildLatencyBreakdown(t *testing.T) {
	t.Parallel()

	records := []metric.Record{
		rec(time.Hour, "a", 0, 0, 0, 0, 100, metric.StatusCompleted),
		rec(2*time.Hour, "a", 0, 0, 0, 0, 300, metric.StatusFailed),
		rec(30*time.Hour, "a", 0, 0, 0, 0, 20, metric.StatusCompleted),
	}
	got := BuildLatencyBreakdown(records, testNow, 2)
	if want := []float64{20, 200}; !reflect.DeepEqual(got.Latencies, want) {
		t.Fatalf("latencies=%v, want %v", got.Latencies, want)
	}
	if got.AvgLatencyMS != 140 || got.MaxLatencyMS != 300 || got.MinLatencyMS != 20 {
		t.Fatalf("avg=%v max=%v min=%v, want 140/300/20", got.AvgLatencyMS, got.MaxLatencyMS, got.MinLatencyMS)
	}

	empty := BuildLatencyBreakdown(nil, testNow, 2)
	if empty.AvgLatencyMS != 0 || empty.MinLatencyMS != 0 || len(empty.Labels) != 2 {
		t.Fatalf("empty breakdown=%+v, want zeros over 2 labels", empty)
	}
}

func TestEmptyReportShape(t *testing.T) {
	t.Parallel()

	r := EmptyReport(testNow, 24)
	if r.WindowHours != 24 || r.TimeSeries.Len() != 24 {
		t.Fatalf("window=%d series=%d, want 24/24", r.WindowHours, r.TimeSeries.Len())
	}
	if r.Summary != (Summary{}) {
		t.Fatalf("summary=%+v, want zero", r.Summary)
	}
	if r.RecentTraces == nil || len(r.RecentTraces) != 0 {
		t.Fatalf("recent_traces=%v, want empty non-nil slice", r.RecentTraces)
	}
}

func TestRound(t *testing.T) {
	t.Parallel()

	tests := []struct {
		value    float64
		decimals int
		want     float64
	}{
		{value: 0.00046, decimals: 4, want: 0.0005},
		{value: 1.2349, decimals: 2, want: 1.23},
		{value: 0.00004, decimals: 4, want: 0},
	}
	for _, tt := range tests {
		if got := Round(tt.value, tt.decimals); got != tt.want {
			t.Fatalf("Round(%v, %d)=%v, want %v", tt.value, tt.decimals, got, tt.want)
		}
	}
}

func TestBuildReportWindowsSummary(t *testing.T) {
	t.Parallel()

	records := []metric.Record{
		rec(10*time.Minute, "a", 5, 5, 0, 0, 10, metric.StatusCompleted),
		// 12:47 is inside the two hour window but before the 13:00 bucket
		rec(time.Hour+50*time.Minute, "a", 3, 3, 0, 0, 10, metric.StatusCompleted),
		rec(2*time.Hour+10*time.Minute, "a", 7, 7, 0, 0, 10, metric.StatusCompleted),
	}
	r := BuildReport(records, testNow, 2, 5)
	if r.Summary.TotalRequests != 2 || r.Summary.TotalTokens != 16 {
		t.Fatalf("summary requests=%d tokens=%d, want 2/16", r.Summary.TotalRequests, r.Summary.TotalTokens)
	}
	if len(r.RecentTraces) != 2 {
		t.Fatalf("recent traces=%d, want 2", len(r.RecentTraces))
	}
	if want := []int64{0, 10}; !reflect.DeepEqual(r.TimeSeries.TotalTokens, want) {
		t.Fatalf("series total_tokens=%v, want %v", r.TimeSeries.TotalTokens, want)
	}

	if n := len(Within(records, testNow.Add(-3*time.Hour))); n != 3 {
		t.Fatalf("Within(3h)=%d, want 3", n)
	}
	if n := len(Within(nil, testNow)); n != 0 {
		t.Fatalf("Within(nil)=%d, want 0", n)
	}
}
