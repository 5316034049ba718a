// Package monitor ships application logs and metric points to an external
// monitoring backend through a bounded, lossy queue.
package monitor

import (
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/ongoingai/ragmetrics/internal/frameworks"
	"github.com/ongoingai/ragmetrics/internal/metric"
)

type Kind string

const (
	KindLog    Kind = "log"
	KindMetric Kind = "metric"
)

// Entry is either an application log line or a single metric point.
type Entry struct {
	Kind      Kind      `json:"kind"`
	Timestamp time.Time `json:"timestamp"`

	Level      string         `json:"level,omitempty"`
	Message    string         `json:"message,omitempty"`
	Service    string         `json:"service,omitempty"`
	TraceID    string         `json:"trace_id,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`

	Name  string            `json:"name,omitempty"`
	Value float64           `json:"value,omitempty"`
	Tags  map[string]string `json:"tags,omitempty"`
}

func LogEntry(level, message, traceID string, attrs map[string]any) Entry {
	return Entry{
		Kind:       KindLog,
		Timestamp:  time.Now().UTC(),
		Level:      level,
		Message:    message,
		TraceID:    traceID,
		Attributes: attrs,
	}
}

func MetricEntry(name string, value float64, tags map[string]string) Entry {
	return Entry{
		Kind:      KindMetric,
		Timestamp: time.Now().UTC(),
		Name:      name,
		Value:     value,
		Tags:      tags,
	}
}

// RecordEntries turns a stored record into one interaction log line and
// its latency, token and cost points.
func RecordEntries(rec metric.Record) []Entry {
	level := "INFO"
	if rec.Failed() {
		level = "ERROR"
	}
	provider := frameworks.Provider(rec.Model)
	attrs := map[string]any{
		"framework":     rec.Framework,
		"model":         rec.Model,
		"provider":      provider,
		"vector_store":  rec.VectorStore,
		"input_tokens":  rec.InputTokens,
		"output_tokens": rec.OutputTokens,
		"total_tokens":  rec.TotalTokens,
		"latency_ms":    rec.LatencyMS,
		"cost_usd":      rec.TotalCost,
		"status":        string(rec.Status),
	}
	if rec.ErrorMessage != "" {
		attrs["error_message"] = rec.ErrorMessage
	}

	log := LogEntry(level, fmt.Sprintf("LLM interaction - %s - %s", rec.Framework, rec.Model), rec.TraceID, attrs)
	log.Timestamp = rec.Timestamp

	tags := func(extra ...string) map[string]string {
		t := map[string]string{
			"framework": rec.Framework,
			"model":     rec.Model,
			"provider":  provider,
			"status":    string(rec.Status),
		}
		for i := 0; i+1 < len(extra); i += 2 {
			t[extra[i]] = extra[i+1]
		}
		return t
	}
	points := []Entry{
		MetricEntry("llm_interaction_latency_ms", rec.LatencyMS, tags()),
		MetricEntry("llm_token_usage", float64(rec.TotalTokens), tags("token_type", "total")),
		MetricEntry("llm_cost_usd", rec.TotalCost, tags()),
	}
	for i := range points {
		points[i].Timestamp = rec.Timestamp
	}
	return append([]Entry{log}, points...)
}

// tagList flattens tags into sorted name:value pairs.
func tagList(tags map[string]string) []string {
	out := make([]string, 0, len(tags))
	for k, v := range tags {
		out = append(out, k+":"+v)
	}
	sort.Strings(out)
	return out
}

func formatFloat(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
