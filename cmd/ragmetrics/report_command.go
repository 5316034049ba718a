package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/ongoingai/ragmetrics/internal/aggregate"
	"github.com/ongoingai/ragmetrics/internal/collector"
	"github.com/ongoingai/ragmetrics/internal/config"
	"github.com/ongoingai/ragmetrics/internal/version"
)

const (
	defaultReportFormat = "text"
	defaultReportHours  = 24
	defaultReportDays   = 7
	maxReportHours      = 24 * 31
	maxReportDays       = 366
	reportSchemaVersion = "ragmetrics-report.v1"
)

type reportDocument struct {
	SchemaVersion string                     `json:"schema_version"`
	GeneratedAt   time.Time                  `json:"generated_at"`
	Build         version.Info               `json:"build"`
	Storage       reportStorageInfo          `json:"storage"`
	Report        aggregate.Report           `json:"report"`
	Models        []aggregate.ModelUsage     `json:"models"`
	Cost          aggregate.CostBreakdown    `json:"cost"`
	Latency       aggregate.LatencyBreakdown `json:"latency"`
}

type reportStorageInfo struct {
	Driver string `json:"driver"`
	Path   string `json:"path,omitempty"`
}

// reportSource is the read side of the collector.
type reportSource interface {
	Report(ctx context.Context, hours int) aggregate.Report
	ModelUsage(ctx context.Context) []aggregate.ModelUsage
	CostBreakdown(ctx context.Context, days int, model string) aggregate.CostBreakdown
	LatencyBreakdown(ctx context.Context, days int) aggregate.LatencyBreakdown
}

func runReport(args []string, out io.Writer, errOut io.Writer) int {
	flagSet := flag.NewFlagSet("report", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	configPath := flagSet.String("config", defaultConfigPath, "Path to config file")
	format := flagSet.String("format", defaultReportFormat, "Output format: text or json")
	hours := flagSet.Int("hours", defaultReportHours, "Summary and hourly series window in hours")
	days := flagSet.Int("days", defaultReportDays, "Cost and latency window in days")
	model := flagSet.String("model", "", "Model priced in the cost breakdown (defaults to pricing.default_model)")

	if err := flagSet.Parse(args); err != nil {
		return 2
	}
	if flagSet.NArg() != 0 {
		fmt.Fprintln(errOut, "report does not accept positional arguments")
		return 2
	}

	normalizedFormat, err := normalizeTextJSONFormat("report", *format, defaultReportFormat)
	if err != nil {
		fmt.Fprintln(errOut, err.Error())
		return 2
	}
	if *hours <= 0 || *hours > maxReportHours {
		fmt.Fprintf(errOut, "hours must be between 1 and %d\n", maxReportHours)
		return 2
	}
	if *days <= 0 || *days > maxReportDays {
		fmt.Fprintf(errOut, "days must be between 1 and %d\n", maxReportDays)
		return 2
	}

	cfg, stage, err := loadAndValidateConfig(*configPath)
	if err != nil {
		if stage == configStageLoad {
			fmt.Fprintf(errOut, "failed to load config: %v\n", err)
		} else {
			fmt.Fprintf(errOut, "config is invalid: %v\n", err)
		}
		return 1
	}

	source, closeSource, err := openCollector(cfg, errOut)
	if err != nil {
		fmt.Fprintf(errOut, "failed to initialize metric store: %v\n", err)
		return 1
	}
	defer closeSource()

	report := buildReport(context.Background(), source, cfg, *hours, *days, strings.TrimSpace(*model))
	if err := writeReport(out, normalizedFormat, report); err != nil {
		fmt.Fprintf(errOut, "failed to write report: %v\n", err)
		return 1
	}
	return 0
}

// openCollector wires a read-mostly collector for one-shot commands. Query
// and cleanup failures are logged to errOut.
func openCollector(cfg config.Config, errOut io.Writer) (*collector.Collector, func(), error) {
	store, err := openMetricStore(cfg)
	if err != nil {
		return nil, nil, err
	}
	opts, err := buildCollectorOptions(cfg, nil)
	if err != nil {
		closeStoreWithWarning(store, errOut)
		return nil, nil, err
	}
	// One-shot commands never look up traces.
	opts.Traces = nil
	opts.Store = store
	opts.Logger = slog.New(slog.NewTextHandler(errOut, &slog.HandlerOptions{Level: slog.LevelWarn}))

	c, err := collector.New(opts)
	if err != nil {
		closeStoreWithWarning(store, errOut)
		return nil, nil, err
	}
	return c, func() { closeStoreWithWarning(store, errOut) }, nil
}

func buildReport(ctx context.Context, source reportSource, cfg config.Config, hours, days int, model string) reportDocument {
	var (
		report  aggregate.Report
		models  []aggregate.ModelUsage
		cost    aggregate.CostBreakdown
		latency aggregate.LatencyBreakdown
		wg      sync.WaitGroup
	)

	runQuery := func(fn func()) {
		wg.Add(1)
		go func() {
			defer wg.Done()
			fn()
		}()
	}
	runQuery(func() { report = source.Report(ctx, hours) })
	runQuery(func() { models = source.ModelUsage(ctx) })
	runQuery(func() { cost = source.CostBreakdown(ctx, days, model) })
	runQuery(func() { latency = source.LatencyBreakdown(ctx, days) })
	wg.Wait()

	if models == nil {
		models = []aggregate.ModelUsage{}
	}
	storage := reportStorageInfo{Driver: cfg.Storage.Driver}
	if strings.TrimSpace(cfg.Storage.Driver) == "sqlite" {
		storage.Path = cfg.Storage.Path
	}
	return reportDocument{
		SchemaVersion: reportSchemaVersion,
		GeneratedAt:   report.GeneratedAt,
		Build:         version.Get(),
		Storage:       storage,
		Report:        report,
		Models:        models,
		Cost:          cost,
		Latency:       latency,
	}
}

func writeReport(out io.Writer, format string, report reportDocument) error {
	switch format {
	case "json":
		return writeReportJSON(out, report)
	default:
		return writeReportText(out, report)
	}
}

func writeReportJSON(out io.Writer, report reportDocument) error {
	encoder := json.NewEncoder(out)
	encoder.SetIndent("", "  ")
	return encoder.Encode(report)
}

func writeReportText(out io.Writer, report reportDocument) error {
	fmt.Fprintln(out, "RAG Metrics Report")

	metadataWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(metadataWriter, "Schema version\t%s\n", report.SchemaVersion)
	fmt.Fprintf(metadataWriter, "Generated at\t%s\n", report.GeneratedAt.Format(time.RFC3339))
	fmt.Fprintf(metadataWriter, "Build\t%s (%s)\n", report.Build.Version, report.Build.Commit)
	fmt.Fprintf(metadataWriter, "Storage driver\t%s\n", report.Storage.Driver)
	if strings.TrimSpace(report.Storage.Path) != "" {
		fmt.Fprintf(metadataWriter, "Storage path\t%s\n", report.Storage.Path)
	}
	fmt.Fprintf(metadataWriter, "Window hours\t%d\n", report.Report.WindowHours)
	fmt.Fprintf(metadataWriter, "Window days\t%d\n", report.Cost.Days)
	if err := metadataWriter.Flush(); err != nil {
		return err
	}

	summary := report.Report.Summary
	fmt.Fprintln(out, "\nSummary")
	summaryWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(summaryWriter, "Total requests\t%d\n", summary.TotalRequests)
	fmt.Fprintf(summaryWriter, "Successful requests\t%d\n", summary.SuccessfulRequests)
	fmt.Fprintf(summaryWriter, "Failed requests\t%d\n", summary.FailedRequests)
	fmt.Fprintf(summaryWriter, "Success rate (%%)\t%.2f\n", summary.SuccessRate)
	fmt.Fprintf(summaryWriter, "Total input tokens\t%d\n", summary.TotalInputTokens)
	fmt.Fprintf(summaryWriter, "Total output tokens\t%d\n", summary.TotalOutputTokens)
	fmt.Fprintf(summaryWriter, "Total tokens\t%d\n", summary.TotalTokens)
	fmt.Fprintf(summaryWriter, "Total cost (USD)\t%.6f\n", summary.TotalCost)
	fmt.Fprintf(summaryWriter, "Avg latency (ms)\t%.2f\n", summary.AvgLatencyMS)
	if err := summaryWriter.Flush(); err != nil {
		return err
	}

	fmt.Fprintf(out, "\nModels (last %d days)\n", int(collector.ModelUsageWindow/(24*time.Hour)))
	if len(report.Models) == 0 {
		fmt.Fprintln(out, "(no model data)")
	} else {
		modelWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
		fmt.Fprintln(modelWriter, "MODEL\tREQUESTS\tTOKENS\tCOST_USD\tAVG_LATENCY_MS")
		for _, row := range report.Models {
			fmt.Fprintf(modelWriter, "%s\t%d\t%d\t%.6f\t%d\n", valueOr(row.Model, "(unknown)"), row.Requests, row.Tokens, row.Cost, row.AvgLatencyMS)
		}
		if err := modelWriter.Flush(); err != nil {
			return err
		}
	}

	fmt.Fprintln(out, "\nDaily")
	dailyWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(dailyWriter, "DAY\tTOTAL_COST_USD\tAVG_LATENCY_MS")
	for i, label := range report.Cost.Labels {
		cost, latency := 0.0, 0.0
		if i < len(report.Cost.TotalCosts) {
			cost = report.Cost.TotalCosts[i]
		}
		if i < len(report.Latency.Latencies) {
			latency = report.Latency.Latencies[i]
		}
		fmt.Fprintf(dailyWriter, "%s\t%.6f\t%.2f\n", label, cost, latency)
	}
	if err := dailyWriter.Flush(); err != nil {
		return err
	}
	costWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintf(costWriter, "Priced model\t%s\n", valueOr(report.Cost.PricedAs, "(none)"))
	fmt.Fprintf(costWriter, "Model cost (USD)\t%.6f\n", report.Cost.ModelCost)
	fmt.Fprintf(costWriter, "Latency min/avg/max (ms)\t%.2f / %.2f / %.2f\n", report.Latency.MinLatencyMS, report.Latency.AvgLatencyMS, report.Latency.MaxLatencyMS)
	if err := costWriter.Flush(); err != nil {
		return err
	}

	fmt.Fprintln(out, "\nRecent Traces")
	if len(report.Report.RecentTraces) == 0 {
		fmt.Fprintln(out, "(no traces)")
		return nil
	}
	traceWriter := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(traceWriter, "TIMESTAMP\tFRAMEWORK\tMODEL\tVECTOR_STORE\tSTATUS\tTOTAL_TOKENS\tTOTAL_COST_USD\tLATENCY_MS\tTRACE_ID")
	for _, row := range report.Report.RecentTraces {
		fmt.Fprintf(
			traceWriter,
			"%s\t%s\t%s\t%s\t%s\t%d\t%.6f\t%.2f\t%s\n",
			row.Timestamp.UTC().Format(time.RFC3339),
			valueOr(row.Framework, "(unknown)"),
			valueOr(row.Model, "(unknown)"),
			valueOr(row.VectorStore, "-"),
			row.Status,
			row.TotalTokens,
			row.TotalCost,
			row.LatencyMS,
			valueOr(row.TraceID, "-"),
		)
	}
	return traceWriter.Flush()
}

func valueOr(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
