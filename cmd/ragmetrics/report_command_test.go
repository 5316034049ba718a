package main

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func TestRunReportTextOutputIncludesSummaries(t *testing.T) {
	t.Parallel()

	configPath := writeStoreFixture(t, seededRecords(time.Now().UTC())...)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runReport([]string{"--config", configPath}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("runReport() code=%d, stderr=%q", code, stderr.String())
	}

	body := stdout.String()
	if !strings.Contains(body, "RAG Metrics Report") {
		t.Fatalf("stdout=%q, want report header", body)
	}
	if !strings.Contains(body, "Total requests") || !strings.Contains(body, "Failed requests") {
		t.Fatalf("stdout=%q, want summary section", body)
	}
	if !strings.Contains(body, "Models (last 7 days)") || !strings.Contains(body, "gpt-4o-mini") {
		t.Fatalf("stdout=%q, want model section", body)
	}
	if !strings.Contains(body, "Recent Traces") || !strings.Contains(body, "trace-langgraph") || !strings.Contains(body, "trace-failed") {
		t.Fatalf("stdout=%q, want recent traces section", body)
	}
	if strings.Contains(body, "trace-ancient") {
		t.Fatalf("stdout=%q, records outside the window must not be listed", body)
	}
}

func TestRunReportJSONOutput(t *testing.T) {
	t.Parallel()

	configPath := writeStoreFixture(t, seededRecords(time.Now().UTC())...)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	code := runReport([]string{"--config", configPath, "--format", "json", "--hours", "24", "--days", "3", "--model", "gpt-4o"}, &stdout, &stderr)
	if code != 0 {
		t.Fatalf("runReport() code=%d, stderr=%q", code, stderr.String())
	}

	var report reportDocument
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		t.Fatalf("decode json report: %v\nbody=%s", err, stdout.String())
	}
	if report.SchemaVersion != reportSchemaVersion {
		t.Fatalf("schema_version=%q, want %q", report.SchemaVersion, reportSchemaVersion)
	}
	if report.Build.Version == "" {
		t.Fatal("build.version is empty")
	}
	if report.Storage.Driver != "sqlite" || report.Storage.Path == "" {
		t.Fatalf("storage=%+v, want sqlite with path", report.Storage)
	}

	summary := report.Report.Summary
	if summary.TotalRequests != 3 {
		t.Fatalf("total_requests=%d, want 3", summary.TotalRequests)
	}
	if summary.SuccessfulRequests != 2 || summary.FailedRequests != 1 {
		t.Fatalf("successful=%d failed=%d, want 2 and 1", summary.SuccessfulRequests, summary.FailedRequests)
	}
	if summary.TotalTokens != 1800 {
		t.Fatalf("total_tokens=%d, want 1800", summary.TotalTokens)
	}
	if len(report.Report.TimeSeries.Keys) != 24 {
		t.Fatalf("time series buckets=%d, want 24", len(report.Report.TimeSeries.Keys))
	}
	if len(report.Cost.Labels) != 3 || len(report.Latency.Labels) != 3 {
		t.Fatalf("daily buckets cost=%d latency=%d, want 3", len(report.Cost.Labels), len(report.Latency.Labels))
	}
	if report.Cost.PricedAs != "gpt-4o" {
		t.Fatalf("priced_as=%q, want gpt-4o", report.Cost.PricedAs)
	}
	if len(report.Models) != 2 || report.Models[0].Model != "gpt-4o" || report.Models[0].Requests != 2 {
		t.Fatalf("models=%+v, want gpt-4o first with 2 requests", report.Models)
	}
}

func TestRunReportEmptyStore(t *testing.T) {
	t.Parallel()

	configPath := writeStoreFixture(t)

	var stdout bytes.Buffer
	var stderr bytes.Buffer
	if code := runReport([]string{"--config", configPath, "--format", "json"}, &stdout, &stderr); code != 0 {
		t.Fatalf("runReport() code=%d, stderr=%q", code, stderr.String())
	}

	var report reportDocument
	if err := json.Unmarshal(stdout.Bytes(), &report); err != nil {
		t.Fatalf("decode json report: %v", err)
	}
	if report.Report.Summary.TotalRequests != 0 {
		t.Fatalf("total_requests=%d, want 0", report.Report.Summary.TotalRequests)
	}
	if report.Models == nil {
		t.Fatal("models=null, want empty list")
	}
	if len(report.Report.TimeSeries.Keys) != defaultReportHours {
		t.Fatalf("time series buckets=%d, want %d", len(report.Report.TimeSeries.Keys), defaultReportHours)
	}
}

func TestRunReportRejectsInvalidFlags(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name       string
		args       []string
		wantSubstr string
	}{
		{name: "format", args: []string{"--format", "yaml"}, wantSubstr: "invalid report format"},
		{name: "hours", args: []string{"--hours", "0"}, wantSubstr: "hours must be between"},
		{name: "days", args: []string{"--days", "1000"}, wantSubstr: "days must be between"},
		{name: "positional", args: []string{"extra"}, wantSubstr: "does not accept positional arguments"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var stdout bytes.Buffer
			var stderr bytes.Buffer
			if code := runReport(tt.args, &stdout, &stderr); code != 2 {
				t.Fatalf("runReport() code=%d, want 2", code)
			}
			if !strings.Contains(stderr.String(), tt.wantSubstr) {
				t.Fatalf("stderr=%q, want %q", stderr.String(), tt.wantSubstr)
			}
		})
	}
}
