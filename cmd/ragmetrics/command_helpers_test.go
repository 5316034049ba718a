package main

import (
	"context"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/ongoingai/ragmetrics/internal/config"
	"github.com/ongoingai/ragmetrics/internal/metric"
)

func TestNormalizeTextJSONFormat(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name          string
		command       string
		raw           string
		defaultValue  string
		want          string
		wantErrSubstr string
	}{
		{
			name:         "default text",
			command:      "report",
			raw:          "",
			defaultValue: "text",
			want:         "text",
		},
		{
			name:         "normalizes case and whitespace",
			command:      "cleanup",
			raw:          " JSON ",
			defaultValue: "text",
			want:         "json",
		},
		{
			name:          "rejects unsupported format",
			command:       "report",
			raw:           "yaml",
			defaultValue:  "text",
			wantErrSubstr: `invalid report format "yaml": expected text or json`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := normalizeTextJSONFormat(tt.command, tt.raw, tt.defaultValue)
			if tt.wantErrSubstr != "" {
				if err == nil {
					t.Fatalf("expected error containing %q", tt.wantErrSubstr)
				}
				if !strings.Contains(err.Error(), tt.wantErrSubstr) {
					t.Fatalf("error=%q, want substring %q", err.Error(), tt.wantErrSubstr)
				}
				return
			}
			if err != nil {
				t.Fatalf("normalizeTextJSONFormat() error: %v", err)
			}
			if got != tt.want {
				t.Fatalf("normalizeTextJSONFormat()=%q, want %q", got, tt.want)
			}
		})
	}
}

func TestLoadAndValidateConfigReportsStage(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	broken := filepath.Join(dir, "broken.yaml")
	if err := os.WriteFile(broken, []byte("server: ["), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, stage, err := loadAndValidateConfig(broken); err == nil || stage != configStageLoad {
		t.Fatalf("stage=%q err=%v, want load failure", stage, err)
	}

	invalid := filepath.Join(dir, "invalid.yaml")
	if err := os.WriteFile(invalid, []byte("storage:\n  driver: postgres\n"), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	if _, stage, err := loadAndValidateConfig(invalid); err == nil || stage != configStageValidate {
		t.Fatalf("stage=%q err=%v, want validate failure", stage, err)
	}
}

func TestBuildCollectorOptionsAppliesPricingOverrides(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Pricing.DefaultModel = "house-model"
	cfg.Pricing.Models = map[string]config.ModelPrice{
		"house-model": {Input: 0.5, Output: 0.25},
	}
	cfg.Estimation.Estimator = "words"

	opts, err := buildCollectorOptions(cfg, nil)
	if err != nil {
		t.Fatalf("buildCollectorOptions() error: %v", err)
	}
	if got := opts.Pricing.DefaultModel(); got != "house-model" {
		t.Fatalf("default model=%q, want house-model", got)
	}
	if got := opts.Pricing.Cost("house-model", 1000, 1000).TotalCost; got != 0.75 {
		t.Fatalf("house-model cost=%v, want 0.75", got)
	}
	if opts.Traces != nil {
		t.Fatal("traces should be nil when tracing is disabled")
	}
	if opts.Estimator.Name() != "words" {
		t.Fatalf("estimator=%q, want words", opts.Estimator.Name())
	}
}

func TestBuildCollectorOptionsEnablesTracing(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Tracing.Enabled = true
	cfg.Tracing.APIKey = "lt-key"

	opts, err := buildCollectorOptions(cfg, http.DefaultTransport)
	if err != nil {
		t.Fatalf("buildCollectorOptions() error: %v", err)
	}
	if opts.Traces == nil {
		t.Fatal("traces is nil, want langtrace client")
	}
}

func TestBuildCollectorOptionsRejectsUnknownFramework(t *testing.T) {
	t.Parallel()

	cfg := config.Default()
	cfg.Catalog.Frameworks = []string{"haystack"}
	if _, err := buildCollectorOptions(cfg, nil); err == nil || !strings.Contains(err.Error(), "catalog") {
		t.Fatalf("err=%v, want catalog error", err)
	}
}

// writeStoreFixture creates a sqlite store with seeded records and a config
// file pointing at it.
func writeStoreFixture(t *testing.T, records ...metric.Record) string {
	t.Helper()

	dir := t.TempDir()
	dbPath := filepath.Join(dir, "metrics.db")
	store, err := metric.NewSQLiteStore(dbPath)
	if err != nil {
		t.Fatalf("new sqlite store: %v", err)
	}
	for i := range records {
		if err := store.Insert(context.Background(), &records[i]); err != nil {
			t.Fatalf("insert record %d: %v", i, err)
		}
	}
	if err := store.Close(); err != nil {
		t.Fatalf("close store: %v", err)
	}

	configPath := filepath.Join(dir, "ragmetrics.yaml")
	body := "storage:\n  driver: sqlite\n  path: " + dbPath + "\n"
	if err := os.WriteFile(configPath, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return configPath
}

func seededRecords(now time.Time) []metric.Record {
	return []metric.Record{
		{
			Timestamp: now.Add(-30 * time.Minute), TraceID: "trace-langgraph", Framework: "langgraph",
			Model: "gpt-4o-mini", VectorStore: "faiss", InputTokens: 1000, OutputTokens: 500,
			InputCost: 0.00015, OutputCost: 0.0003, LatencyMS: 120, Status: metric.StatusCompleted,
		},
		{
			Timestamp: now.Add(-2 * time.Hour), TraceID: "trace-dspy", Framework: "dspy",
			Model: "gpt-4o", VectorStore: "chroma", InputTokens: 200, OutputTokens: 100,
			InputCost: 0.001, OutputCost: 0.0015, LatencyMS: 300, Status: metric.StatusCompleted,
		},
		{
			Timestamp: now.Add(-3 * time.Hour), TraceID: "trace-failed", Framework: "autogen",
			Model: "gpt-4o", LatencyMS: 50, Status: metric.StatusFailed, ErrorMessage: "retriever timeout",
		},
		{
			Timestamp: now.Add(-90 * 24 * time.Hour), TraceID: "trace-ancient", Framework: "dspy",
			Model: "gpt-4o", InputTokens: 10, OutputTokens: 10, Status: metric.StatusCompleted,
		},
	}
}
