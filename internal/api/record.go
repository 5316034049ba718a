package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/ongoingai/ragmetrics/internal/collector"
	"github.com/ongoingai/ragmetrics/internal/correlation"
	"github.com/ongoingai/ragmetrics/internal/frameworks"
	"github.com/ongoingai/ragmetrics/internal/metric"
)

const maxRecordBodyBytes = 1 << 20

type recordRequest struct {
	TraceID      string  `json:"trace_id" validate:"max=128"`
	Framework    string  `json:"framework" validate:"max=64"`
	Model        string  `json:"model" validate:"max=128"`
	VectorStore  string  `json:"vector_store" validate:"max=64"`
	Query        string  `json:"query"`
	Response     string  `json:"response"`
	DurationMS   float64 `json:"duration_ms" validate:"gte=0"`
	Status       string  `json:"status" validate:"omitempty,oneof=completed failed"`
	InputTokens  *int64  `json:"input_tokens" validate:"omitempty,gte=0"`
	OutputTokens *int64  `json:"output_tokens" validate:"omitempty,gte=0"`
	Error        string  `json:"error"`
	// Completion is a raw chat completion response. Its usage, model and
	// answer fill whatever the other fields leave unset.
	Completion json.RawMessage `json:"completion,omitempty"`
}

type recordResponse struct {
	Record   metric.Record `json:"record"`
	Stored   bool          `json:"stored"`
	Warnings []string      `json:"warnings,omitempty"`
}

func (req recordRequest) completion() (*openai.ChatCompletionResponse, error) {
	raw := bytes.TrimSpace(req.Completion)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return nil, nil
	}
	var resp openai.ChatCompletionResponse
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("invalid completion: %w", err)
	}
	return &resp, nil
}

func (req recordRequest) interaction(traceID string, completion *openai.ChatCompletionResponse) collector.Interaction {
	in := collector.Interaction{
		TraceID:      traceID,
		Framework:    req.Framework,
		Model:        req.Model,
		VectorStore:  req.VectorStore,
		Query:        req.Query,
		Response:     req.Response,
		Duration:     time.Duration(req.DurationMS * float64(time.Millisecond)),
		Status:       metric.Status(req.Status),
		InputTokens:  req.InputTokens,
		OutputTokens: req.OutputTokens,
		Error:        req.Error,
	}
	if completion == nil {
		return in
	}

	reported := collector.InteractionFromChatCompletion(in.TraceID, in.Framework, in.VectorStore, in.Query, *completion, in.Duration)
	if strings.TrimSpace(in.Model) == "" {
		in.Model = reported.Model
	}
	if in.Response == "" {
		in.Response = reported.Response
	}
	if in.InputTokens == nil && in.OutputTokens == nil {
		in.InputTokens = reported.InputTokens
		in.OutputTokens = reported.OutputTokens
	}
	return in
}

// RecordHandler ingests one interaction reported by a framework runner.
// Every decodable body produces exactly one record. Fields that fail
// validation or fall outside the catalog are reported as warnings, and the
// collector stores a degraded record when the data cannot be priced.
func RecordHandler(metrics MetricsService, catalog *frameworks.Catalog, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !requireMethod(w, r, http.MethodPost) || !requireMetrics(w, metrics) {
			return
		}

		var body recordRequest
		decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRecordBodyBytes))
		if err := decoder.Decode(&body); err != nil {
			writeError(w, http.StatusBadRequest, decodeErrorMessage(err))
			return
		}
		completion, err := body.completion()
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}

		warnings := recordWarnings(body, catalog)
		traceID := correlation.Normalize(body.TraceID)
		if traceID == "" && completion != nil {
			traceID = correlation.Normalize(completion.ID)
		}
		traceID = correlation.Resolve(r.Context(), traceID)

		in := body.interaction(traceID, completion)
		if len(warnings) > 0 {
			logger.Warn("recording interaction with warnings", "trace_id", traceID, "warnings", warnings)
		}
		rec, err := metrics.Record(r.Context(), in)
		if err != nil {
			logger.Error("metric record not stored",
				"trace_id", traceID,
				"error_class", metric.ClassifyWriteError(err),
				"error", err,
			)
			writeJSON(w, http.StatusInternalServerError, recordResponse{Record: rec, Stored: false, Warnings: warnings})
			return
		}
		writeJSON(w, http.StatusCreated, recordResponse{Record: rec, Stored: true, Warnings: warnings})
	})
}

func recordWarnings(body recordRequest, catalog *frameworks.Catalog) []string {
	var warnings []string
	if err := validateStruct(body); err != nil {
		var invalid *validationError
		if errors.As(err, &invalid) {
			warnings = append(warnings, invalid.Messages()...)
		} else {
			warnings = append(warnings, err.Error())
		}
	}
	if catalog != nil {
		warnings = append(warnings, catalog.Warnings(body.Framework, body.Model, body.VectorStore)...)
	}
	return warnings
}

func decodeErrorMessage(err error) string {
	var tooLarge *http.MaxBytesError
	switch {
	case errors.As(err, &tooLarge):
		return fmt.Sprintf("request body exceeds %d bytes", tooLarge.Limit)
	case errors.Is(err, io.EOF):
		return "request body is required"
	default:
		return "invalid request body: " + err.Error()
	}
}
