package scrape

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ongoingai/ragmetrics/internal/export"
	"github.com/ongoingai/ragmetrics/internal/metric"
	"github.com/ongoingai/ragmetrics/internal/monitor"
)

const exposition = `# HELP llm_requests_total Total LLM requests.
# TYPE llm_requests_total counter
llm_requests_total{framework="dspy",model="gpt-4o",status="completed",vector_store="faiss"} 3
# HELP llm_active_requests In flight.
# TYPE llm_active_requests gauge
llm_active_requests 1
# HELP llm_latency_seconds Latency.
# TYPE llm_latency_seconds histogram
llm_latency_seconds_bucket{framework="dspy",model="gpt-4o",le="1"} 1
llm_latency_seconds_bucket{framework="dspy",model="gpt-4o",le="+Inf"} 2
llm_latency_seconds_sum{framework="dspy",model="gpt-4o"} 2.5
llm_latency_seconds_count{framework="dspy",model="gpt-4o"} 2
# HELP go_goroutines Goroutines.
# TYPE go_goroutines gauge
go_goroutines 12
`

type captureQueue struct {
	mu      sync.Mutex
	entries []monitor.Entry
}

func (q *captureQueue) Enqueue(entries ...monitor.Entry) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.entries = append(q.entries, entries...)
	return true
}

func (q *captureQueue) len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func TestConvertFiltersByPrefix(t *testing.T) {
	t.Parallel()

	at := time.Date(2026, 6, 10, 12, 0, 0, 0, time.UTC)
	entries, err := Convert(strings.NewReader(exposition), "llm_", at)
	require.NoError(t, err)

	byName := map[string]monitor.Entry{}
	for _, e := range entries {
		byName[e.Name] = e
		assert.Equal(t, "prometheus", e.Tags["source"])
		assert.Equal(t, at, e.Timestamp)
		assert.Equal(t, monitor.KindMetric, e.Kind)
	}
	require.Len(t, entries, 4)
	assert.Equal(t, 3.0, byName["llm_requests_total"].Value)
	assert.Equal(t, "faiss", byName["llm_requests_total"].Tags["vector_store"])
	assert.Equal(t, 1.0, byName["llm_active_requests"].Value)
	assert.Equal(t, 2.5, byName["llm_latency_seconds_sum"].Value)
	assert.Equal(t, 2.0, byName["llm_latency_seconds_count"].Value)
	_, hasGo := byName["go_goroutines"]
	assert.False(t, hasGo)
}

func TestConvertRejectsMalformed(t *testing.T) {
	t.Parallel()

	_, err := Convert(strings.NewReader("llm_x{bad\n"), "llm_", time.Now())
	assert.Error(t, err)
}

func TestForwardReadsExporterOutput(t *testing.T) {
	t.Parallel()

	exp := export.New(export.Options{})
	exp.Observe(metric.Record{
		Framework: "langgraph", Model: "gpt-4o-mini", VectorStore: "chroma",
		InputTokens: 4, OutputTokens: 2, LatencyMS: 200, Status: metric.StatusCompleted,
	}.Normalize(time.Now()))
	srv := httptest.NewServer(exp.Handler())
	defer srv.Close()

	queue := &captureQueue{}
	f, err := New(Config{URL: srv.URL}, queue)
	require.NoError(t, err)

	n, err := f.Forward(context.Background())
	require.NoError(t, err)
	assert.Positive(t, n)
	assert.Equal(t, n, queue.len())
	for _, e := range queue.entries {
		assert.True(t, strings.HasPrefix(e.Name, "llm_"), e.Name)
	}
}

func TestForwardReportsBadStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	var failures []error
	queue := &captureQueue{}
	f, err := New(Config{URL: srv.URL, OnError: func(err error) { failures = append(failures, err) }}, queue)
	require.NoError(t, err)

	f.tick(context.Background())
	require.Len(t, failures, 1)
	assert.Contains(t, failures[0].Error(), "status 503")
	assert.Zero(t, queue.len())
}

func TestRunStopsOnCancel(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(exposition))
	}))
	defer srv.Close()

	queue := &captureQueue{}
	f, err := New(Config{URL: srv.URL, Interval: 10 * time.Millisecond}, queue)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		defer close(done)
		f.Run(ctx)
	}()
	require.Eventually(t, func() bool { return queue.len() >= 8 }, 2*time.Second, 5*time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
}

func TestNewValidates(t *testing.T) {
	t.Parallel()

	_, err := New(Config{}, &captureQueue{})
	assert.Error(t, err)
	_, err = New(Config{URL: "http://x"}, nil)
	assert.Error(t, err)
}
