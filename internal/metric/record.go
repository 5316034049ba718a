package metric

import (
	"errors"
	"fmt"
	"math"
	"strings"
	"time"
)

type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// ErrInvalidRecord is returned when a record violates the non-negative or
// status constraints of the metrics table.
var ErrInvalidRecord = errors.New("invalid metric record")

// Record is one row per completed or failed request. Records are never
// updated after insert; they only leave the store through DeleteBefore.
type Record struct {
	ID           int64     `json:"id"`
	Timestamp    time.Time `json:"timestamp"`
	TraceID      string    `json:"trace_id"`
	Framework    string    `json:"framework"`
	Model        string    `json:"model"`
	VectorStore  string    `json:"vector_store"`
	InputTokens  int64     `json:"input_tokens"`
	OutputTokens int64     `json:"output_tokens"`
	TotalTokens  int64     `json:"total_tokens"`
	InputCost    float64   `json:"input_cost"`
	OutputCost   float64   `json:"output_cost"`
	TotalCost    float64   `json:"total_cost"`
	LatencyMS    float64   `json:"latency_ms"`
	Status       Status    `json:"status"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// Normalize returns a copy of r with derived totals recomputed from their
// components, the timestamp defaulted to now and the status defaulted to
// completed. Totals set by the caller are ignored.
func (r Record) Normalize(now time.Time) Record {
	if r.Timestamp.IsZero() {
		r.Timestamp = now
	}
	r.Timestamp = r.Timestamp.UTC()
	r.TraceID = strings.TrimSpace(r.TraceID)
	r.Framework = strings.TrimSpace(r.Framework)
	r.Model = strings.TrimSpace(r.Model)
	r.VectorStore = strings.TrimSpace(r.VectorStore)
	if r.Status == "" {
		r.Status = StatusCompleted
	}
	r.TotalTokens = r.InputTokens + r.OutputTokens
	r.TotalCost = r.InputCost + r.OutputCost
	if r.Status == StatusCompleted {
		r.ErrorMessage = ""
	}
	return r
}

// Validate reports whether r can be persisted.
func (r Record) Validate() error {
	switch r.Status {
	case StatusCompleted, StatusFailed:
	default:
		return fmt.Errorf("%w: status %q", ErrInvalidRecord, r.Status)
	}
	if r.InputTokens < 0 || r.OutputTokens < 0 {
		return fmt.Errorf("%w: negative token count", ErrInvalidRecord)
	}
	for name, value := range map[string]float64{
		"input_cost":  r.InputCost,
		"output_cost": r.OutputCost,
		"latency_ms":  r.LatencyMS,
	} {
		if value < 0 || math.IsNaN(value) || math.IsInf(value, 0) {
			return fmt.Errorf("%w: %s=%v", ErrInvalidRecord, name, value)
		}
	}
	if r.TotalTokens != r.InputTokens+r.OutputTokens {
		return fmt.Errorf("%w: total_tokens does not match components", ErrInvalidRecord)
	}
	return nil
}

// Failed reports whether the record captured a failed request.
func (r Record) Failed() bool {
	return r.Status == StatusFailed
}
