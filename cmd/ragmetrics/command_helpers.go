package main

import (
	"context"
	"fmt"
	"net/http"
	"strings"

	"github.com/ongoingai/ragmetrics/internal/collector"
	"github.com/ongoingai/ragmetrics/internal/config"
	"github.com/ongoingai/ragmetrics/internal/frameworks"
	"github.com/ongoingai/ragmetrics/internal/langtrace"
	"github.com/ongoingai/ragmetrics/internal/metric"
	"github.com/ongoingai/ragmetrics/internal/pricing"
	"github.com/ongoingai/ragmetrics/internal/tokens"
)

const (
	configStageLoad     = "load"
	configStageValidate = "validate"
)

// normalizeTextJSONFormat validates command output format flags with shared semantics.
func normalizeTextJSONFormat(command, rawValue, defaultValue string) (string, error) {
	normalized := strings.ToLower(strings.TrimSpace(rawValue))
	if normalized == "" {
		normalized = strings.TrimSpace(defaultValue)
	}
	switch normalized {
	case "text", "json":
		return normalized, nil
	default:
		return "", fmt.Errorf("invalid %s format %q: expected text or json", strings.TrimSpace(command), rawValue)
	}
}

// loadAndValidateConfig resolves config and reports which stage failed.
func loadAndValidateConfig(configPath string) (config.Config, string, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return config.Config{}, configStageLoad, err
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, configStageValidate, err
	}
	return cfg, "", nil
}

func openMetricStore(cfg config.Config) (metric.Store, error) {
	switch strings.TrimSpace(cfg.Storage.Driver) {
	case "sqlite":
		return metric.NewSQLiteStore(cfg.Storage.Path)
	case "postgres":
		return metric.NewPostgresStore(context.Background(), cfg.Storage.DSN)
	default:
		return nil, fmt.Errorf("unsupported storage.driver %q", cfg.Storage.Driver)
	}
}

// buildCollectorOptions resolves the pricing, estimation, tracing and
// catalog settings. Store, exporter, monitor and logger are left to the
// caller.
func buildCollectorOptions(cfg config.Config, transport http.RoundTripper) (collector.Options, error) {
	prices := make(map[string]pricing.Price, len(cfg.Pricing.Models))
	for model, price := range cfg.Pricing.Models {
		prices[model] = pricing.Price{Input: price.Input, Output: price.Output}
	}
	table, err := pricing.NewTable(prices, cfg.Pricing.DefaultModel)
	if err != nil {
		return collector.Options{}, fmt.Errorf("pricing: %w", err)
	}

	estimator, err := tokens.New(cfg.Estimation.Estimator)
	if err != nil {
		return collector.Options{}, fmt.Errorf("estimation: %w", err)
	}

	catalog, err := frameworks.NewCatalog(cfg.Catalog.Frameworks, cfg.Catalog.VectorStores)
	if err != nil {
		return collector.Options{}, fmt.Errorf("catalog: %w", err)
	}

	opts := collector.Options{
		Pricing:   table,
		Estimator: estimator,
		Catalog:   catalog,
	}
	if cfg.Tracing.Enabled {
		client, err := langtrace.New(langtrace.Config{
			BaseURL:    cfg.Tracing.BaseURL,
			APIKey:     cfg.Tracing.APIKey,
			Timeout:    cfg.Tracing.Timeout(),
			MaxRetries: cfg.Tracing.MaxRetries,
			Transport:  transport,
		})
		if err != nil {
			return collector.Options{}, fmt.Errorf("tracing: %w", err)
		}
		opts.Traces = client
	}
	return opts, nil
}
