package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Storage       StorageConfig       `yaml:"storage"`
	Tracing       TracingConfig       `yaml:"tracing"`
	Pricing       PricingConfig       `yaml:"pricing"`
	Estimation    EstimationConfig    `yaml:"estimation"`
	Export        ExportConfig        `yaml:"export"`
	Monitor       MonitorConfig       `yaml:"monitor"`
	Scrape        ScrapeConfig        `yaml:"scrape"`
	Retention     RetentionConfig     `yaml:"retention"`
	Catalog       CatalogConfig       `yaml:"catalog"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host string `yaml:"host"`
	Port int    `yaml:"port"`
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
	DSN    string `yaml:"dsn"`
}

// TracingConfig points at the third-party tracing API. When disabled every
// record is estimated locally.
type TracingConfig struct {
	Enabled    bool   `yaml:"enabled"`
	BaseURL    string `yaml:"base_url"`
	APIKey     string `yaml:"api_key"`
	TimeoutMS  int    `yaml:"timeout_ms"`
	MaxRetries int    `yaml:"max_retries"`
}

func (c TracingConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

type PricingConfig struct {
	DefaultModel string                `yaml:"default_model"`
	Models       map[string]ModelPrice `yaml:"models"`
}

// ModelPrice is USD per 1000 tokens.
type ModelPrice struct {
	Input  float64 `yaml:"input"`
	Output float64 `yaml:"output"`
}

type EstimationConfig struct {
	Estimator string `yaml:"estimator"`
}

type ExportConfig struct {
	Enabled           bool   `yaml:"enabled"`
	Path              string `yaml:"path"`
	ProcessCollectors bool   `yaml:"process_collectors"`
}

type MonitorConfig struct {
	Sink          string        `yaml:"sink"`
	Service       string        `yaml:"service"`
	Capacity      int           `yaml:"capacity"`
	SendTimeoutMS int           `yaml:"send_timeout_ms"`
	SendRetries   int           `yaml:"send_retries"`
	RecentLogs    int           `yaml:"recent_logs"`
	HTTP          MonitorHTTP   `yaml:"http"`
	Redis         MonitorRedis  `yaml:"redis"`
	Statsd        MonitorStatsd `yaml:"statsd"`
}

func (c MonitorConfig) SendTimeout() time.Duration {
	return time.Duration(c.SendTimeoutMS) * time.Millisecond
}

type MonitorHTTP struct {
	LogsURL    string `yaml:"logs_url"`
	MetricsURL string `yaml:"metrics_url"`
	APIKey     string `yaml:"api_key"`
	LicenseKey string `yaml:"license_key"`
}

type MonitorRedis struct {
	URL    string `yaml:"url"`
	Stream string `yaml:"stream"`
	MaxLen int64  `yaml:"max_len"`
}

type MonitorStatsd struct {
	Addr      string `yaml:"addr"`
	Namespace string `yaml:"namespace"`
}

// ScrapeConfig forwards a Prometheus text endpoint into the monitoring queue.
type ScrapeConfig struct {
	Enabled         bool   `yaml:"enabled"`
	URL             string `yaml:"url"`
	Prefix          string `yaml:"prefix"`
	IntervalSeconds int    `yaml:"interval_seconds"`
	TimeoutMS       int    `yaml:"timeout_ms"`
}

func (c ScrapeConfig) Interval() time.Duration {
	return time.Duration(c.IntervalSeconds) * time.Second
}

func (c ScrapeConfig) Timeout() time.Duration {
	return time.Duration(c.TimeoutMS) * time.Millisecond
}

// RetentionConfig drives the periodic cleanup in serve. Days 0 disables it.
type RetentionConfig struct {
	Days            int `yaml:"days"`
	IntervalMinutes int `yaml:"interval_minutes"`
}

func (c RetentionConfig) Interval() time.Duration {
	return time.Duration(c.IntervalMinutes) * time.Minute
}

type CatalogConfig struct {
	Frameworks   []string `yaml:"frameworks"`
	VectorStores []string `yaml:"vector_stores"`
}

type ObservabilityConfig struct {
	OTel OTelConfig `yaml:"otel"`
}

type OTelConfig struct {
	Enabled                bool    `yaml:"enabled"`
	Endpoint               string  `yaml:"endpoint"`
	Insecure               bool    `yaml:"insecure"`
	ServiceName            string  `yaml:"service_name"`
	TracesEnabled          bool    `yaml:"traces_enabled"`
	MetricsEnabled         bool    `yaml:"metrics_enabled"`
	SamplingRatio          float64 `yaml:"sampling_ratio"`
	ExportTimeoutMS        int     `yaml:"export_timeout_ms"`
	MetricExportIntervalMS int     `yaml:"metric_export_interval_ms"`
}

const (
	SinkNone   = "none"
	SinkHTTP   = "http"
	SinkRedis  = "redis"
	SinkStatsd = "statsd"
)

const (
	defaultTracingBaseURL             = "https://api.langtrace.ai"
	defaultOTELEndpoint               = "localhost:4318"
	defaultOTELServiceName            = "ragmetrics"
	defaultOTELSamplingRatio          = 1.0
	defaultOTELExportTimeoutMS        = 3000
	defaultOTELMetricExportIntervalMS = 10000
)

func Default() Config {
	return Config{
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8080,
		},
		Storage: StorageConfig{
			Driver: "sqlite",
			Path:   "./data/metrics.db",
		},
		Tracing: TracingConfig{
			Enabled:    false,
			BaseURL:    defaultTracingBaseURL,
			TimeoutMS:  10000,
			MaxRetries: 2,
		},
		Pricing: PricingConfig{
			DefaultModel: "gpt-4o-mini",
		},
		Estimation: EstimationConfig{
			Estimator: "words",
		},
		Export: ExportConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Monitor: MonitorConfig{
			Sink:          SinkNone,
			Service:       "ragmetrics",
			Capacity:      1024,
			SendTimeoutMS: 30000,
			SendRetries:   3,
			RecentLogs:    100,
			Redis: MonitorRedis{
				Stream: "ragmetrics:monitor",
				MaxLen: 100000,
			},
			Statsd: MonitorStatsd{
				Addr:      "127.0.0.1:8125",
				Namespace: "ragmetrics",
			},
		},
		Scrape: ScrapeConfig{
			Enabled:         false,
			Prefix:          "llm_",
			IntervalSeconds: 30,
			TimeoutMS:       5000,
		},
		Retention: RetentionConfig{
			Days:            30,
			IntervalMinutes: 60,
		},
		Catalog: CatalogConfig{
			Frameworks:   []string{"langgraph", "autogen", "llamaindex", "dspy"},
			VectorStores: []string{"faiss", "chroma", "annoy"},
		},
		Observability: ObservabilityConfig{
			OTel: OTelConfig{
				Enabled:                false,
				Endpoint:               defaultOTELEndpoint,
				Insecure:               true,
				ServiceName:            defaultOTELServiceName,
				TracesEnabled:          true,
				MetricsEnabled:         true,
				SamplingRatio:          defaultOTELSamplingRatio,
				ExportTimeoutMS:        defaultOTELExportTimeoutMS,
				MetricExportIntervalMS: defaultOTELMetricExportIntervalMS,
			},
		},
	}
}

// LoadEnvFile reads KEY=VALUE pairs from path into the process environment.
// Variables that are already set win. A missing file is not an error.
func LoadEnvFile(path string) error {
	if strings.TrimSpace(path) == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("load env file %q: %w", path, err)
	}
	return nil
}

func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err == nil {
			decoder := yaml.NewDecoder(bytes.NewReader(data))
			decoder.KnownFields(true)
			decodeErr := decoder.Decode(&cfg)
			if errors.Is(decodeErr, io.EOF) {
				decodeErr = nil
			}
			if decodeErr != nil {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, decodeErr)
			}
			var trailing any
			trailingErr := decoder.Decode(&trailing)
			if trailingErr != nil && !errors.Is(trailingErr, io.EOF) {
				return Config{}, fmt.Errorf("parse yaml %q: %w", path, trailingErr)
			}
			if trailing != nil {
				return Config{}, fmt.Errorf("parse yaml %q: multiple yaml documents are not supported", path)
			}
		} else if !errors.Is(err, os.ErrNotExist) {
			return Config{}, fmt.Errorf("read config %q: %w", path, err)
		}
	}

	if err := applyEnv(&cfg); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// Validate checks configuration invariants required at runtime.
func Validate(cfg Config) error {
	if cfg.Server.Port <= 0 || cfg.Server.Port > 65535 {
		return fmt.Errorf("server.port must be between 1 and 65535 (got %d)", cfg.Server.Port)
	}

	switch strings.TrimSpace(cfg.Storage.Driver) {
	case "sqlite":
		if strings.TrimSpace(cfg.Storage.Path) == "" {
			return errors.New("storage.path is required when storage.driver=sqlite")
		}
	case "postgres":
		if strings.TrimSpace(cfg.Storage.DSN) == "" {
			return errors.New("storage.dsn is required when storage.driver=postgres")
		}
	default:
		return fmt.Errorf("storage.driver must be one of sqlite, postgres (got %q)", cfg.Storage.Driver)
	}

	if cfg.Tracing.Enabled {
		if err := validateURL("tracing.base_url", cfg.Tracing.BaseURL); err != nil {
			return err
		}
		if cfg.Tracing.TimeoutMS <= 0 {
			return fmt.Errorf("tracing.timeout_ms must be > 0 (got %d)", cfg.Tracing.TimeoutMS)
		}
	}
	if cfg.Tracing.MaxRetries < 0 {
		return fmt.Errorf("tracing.max_retries must be >= 0 (got %d)", cfg.Tracing.MaxRetries)
	}

	for model, price := range cfg.Pricing.Models {
		if strings.TrimSpace(model) == "" {
			return errors.New("pricing.models keys must not be empty")
		}
		if price.Input < 0 || price.Output < 0 {
			return fmt.Errorf("pricing.models.%s prices must be >= 0", model)
		}
	}

	switch strings.ToLower(strings.TrimSpace(cfg.Estimation.Estimator)) {
	case "", "words", "tiktoken":
	default:
		return fmt.Errorf("estimation.estimator must be one of words, tiktoken (got %q)", cfg.Estimation.Estimator)
	}

	if cfg.Export.Enabled && !strings.HasPrefix(strings.TrimSpace(cfg.Export.Path), "/") {
		return fmt.Errorf("export.path must start with '/' (got %q)", cfg.Export.Path)
	}

	if err := validateMonitor(cfg.Monitor); err != nil {
		return err
	}

	if cfg.Scrape.Enabled {
		if err := validateURL("scrape.url", cfg.Scrape.URL); err != nil {
			return err
		}
		if cfg.Scrape.IntervalSeconds <= 0 {
			return fmt.Errorf("scrape.interval_seconds must be > 0 (got %d)", cfg.Scrape.IntervalSeconds)
		}
	}

	if cfg.Retention.Days < 0 {
		return fmt.Errorf("retention.days must be >= 0 (got %d)", cfg.Retention.Days)
	}
	if cfg.Retention.Days > 0 && cfg.Retention.IntervalMinutes <= 0 {
		return fmt.Errorf("retention.interval_minutes must be > 0 when retention.days is set (got %d)", cfg.Retention.IntervalMinutes)
	}

	if len(cfg.Catalog.Frameworks) == 0 {
		return errors.New("catalog.frameworks must list at least one framework")
	}

	if err := validateOTelConfig(cfg.Observability.OTel); err != nil {
		return err
	}

	return nil
}

func validateMonitor(cfg MonitorConfig) error {
	if cfg.Capacity <= 0 {
		return fmt.Errorf("monitor.capacity must be > 0 (got %d)", cfg.Capacity)
	}
	if cfg.SendRetries < 0 {
		return fmt.Errorf("monitor.send_retries must be >= 0 (got %d)", cfg.SendRetries)
	}
	switch strings.ToLower(strings.TrimSpace(cfg.Sink)) {
	case "", SinkNone:
	case SinkHTTP:
		if strings.TrimSpace(cfg.HTTP.LogsURL) == "" && strings.TrimSpace(cfg.HTTP.MetricsURL) == "" {
			return errors.New("monitor.http requires logs_url and/or metrics_url when monitor.sink=http")
		}
		if cfg.HTTP.LogsURL != "" {
			if err := validateURL("monitor.http.logs_url", cfg.HTTP.LogsURL); err != nil {
				return err
			}
		}
		if cfg.HTTP.MetricsURL != "" {
			if err := validateURL("monitor.http.metrics_url", cfg.HTTP.MetricsURL); err != nil {
				return err
			}
		}
	case SinkRedis:
		if strings.TrimSpace(cfg.Redis.URL) == "" {
			return errors.New("monitor.redis.url is required when monitor.sink=redis")
		}
	case SinkStatsd:
		if strings.TrimSpace(cfg.Statsd.Addr) == "" {
			return errors.New("monitor.statsd.addr is required when monitor.sink=statsd")
		}
	default:
		return fmt.Errorf("monitor.sink must be one of none, http, redis, statsd (got %q)", cfg.Sink)
	}
	return nil
}

func validateOTelConfig(cfg OTelConfig) error {
	if !cfg.Enabled {
		return nil
	}
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return errors.New("observability.otel.endpoint is required when observability.otel.enabled=true")
	}
	if strings.TrimSpace(cfg.ServiceName) == "" {
		return errors.New("observability.otel.service_name is required when observability.otel.enabled=true")
	}
	if !cfg.TracesEnabled && !cfg.MetricsEnabled {
		return errors.New("observability.otel requires traces_enabled and/or metrics_enabled when enabled")
	}
	if cfg.SamplingRatio < 0 || cfg.SamplingRatio > 1 {
		return fmt.Errorf("observability.otel.sampling_ratio must be between 0 and 1 (got %f)", cfg.SamplingRatio)
	}
	if cfg.ExportTimeoutMS <= 0 {
		return fmt.Errorf("observability.otel.export_timeout_ms must be > 0 (got %d)", cfg.ExportTimeoutMS)
	}
	if cfg.MetricExportIntervalMS <= 0 {
		return fmt.Errorf("observability.otel.metric_export_interval_ms must be > 0 (got %d)", cfg.MetricExportIntervalMS)
	}
	return nil
}

func validateURL(name, raw string) error {
	value := strings.TrimSpace(raw)
	if value == "" {
		return fmt.Errorf("%s is required", name)
	}
	parsed, err := url.Parse(value)
	if err != nil {
		return fmt.Errorf("parse %s: %w", name, err)
	}
	if strings.TrimSpace(parsed.Scheme) == "" || strings.TrimSpace(parsed.Host) == "" {
		return fmt.Errorf("%s must include scheme and host (got %q)", name, raw)
	}
	return nil
}

func applyEnv(cfg *Config) error {
	if host := os.Getenv("RAGMETRICS_HOST"); host != "" {
		cfg.Server.Host = host
	}
	if err := envInt("RAGMETRICS_PORT", &cfg.Server.Port); err != nil {
		return err
	}

	if storageDriver := os.Getenv("RAGMETRICS_STORAGE_DRIVER"); storageDriver != "" {
		cfg.Storage.Driver = storageDriver
	}
	if storagePath := os.Getenv("RAGMETRICS_STORAGE_PATH"); storagePath != "" {
		cfg.Storage.Path = storagePath
	}
	if storageDSN := os.Getenv("RAGMETRICS_STORAGE_DSN"); storageDSN != "" {
		cfg.Storage.DSN = storageDSN
	}

	if err := envBool("RAGMETRICS_TRACING_ENABLED", &cfg.Tracing.Enabled); err != nil {
		return err
	}
	if baseURL := os.Getenv("RAGMETRICS_TRACING_BASE_URL"); baseURL != "" {
		cfg.Tracing.BaseURL = baseURL
	}
	// LANGTRACE_API_KEY is the name the tracing service documents.
	if apiKey := os.Getenv("LANGTRACE_API_KEY"); apiKey != "" {
		cfg.Tracing.APIKey = apiKey
	}
	if apiKey := os.Getenv("RAGMETRICS_TRACING_API_KEY"); apiKey != "" {
		cfg.Tracing.APIKey = apiKey
	}
	if err := envInt("RAGMETRICS_TRACING_TIMEOUT_MS", &cfg.Tracing.TimeoutMS); err != nil {
		return err
	}

	if defaultModel := os.Getenv("RAGMETRICS_PRICING_DEFAULT_MODEL"); defaultModel != "" {
		cfg.Pricing.DefaultModel = defaultModel
	}
	if estimator := os.Getenv("RAGMETRICS_ESTIMATOR"); estimator != "" {
		cfg.Estimation.Estimator = estimator
	}

	if sink := os.Getenv("RAGMETRICS_MONITOR_SINK"); sink != "" {
		cfg.Monitor.Sink = sink
	}
	if logsURL := os.Getenv("RAGMETRICS_MONITOR_LOGS_URL"); logsURL != "" {
		cfg.Monitor.HTTP.LogsURL = logsURL
	}
	if metricsURL := os.Getenv("RAGMETRICS_MONITOR_METRICS_URL"); metricsURL != "" {
		cfg.Monitor.HTTP.MetricsURL = metricsURL
	}
	if apiKey := os.Getenv("RAGMETRICS_MONITOR_API_KEY"); apiKey != "" {
		cfg.Monitor.HTTP.APIKey = apiKey
	}
	if licenseKey := os.Getenv("RAGMETRICS_MONITOR_LICENSE_KEY"); licenseKey != "" {
		cfg.Monitor.HTTP.LicenseKey = licenseKey
	}
	if redisURL := os.Getenv("RAGMETRICS_MONITOR_REDIS_URL"); redisURL != "" {
		cfg.Monitor.Redis.URL = redisURL
	}
	if statsdAddr := os.Getenv("RAGMETRICS_MONITOR_STATSD_ADDR"); statsdAddr != "" {
		cfg.Monitor.Statsd.Addr = statsdAddr
	}

	if err := envBool("RAGMETRICS_SCRAPE_ENABLED", &cfg.Scrape.Enabled); err != nil {
		return err
	}
	if scrapeURL := os.Getenv("RAGMETRICS_SCRAPE_URL"); scrapeURL != "" {
		cfg.Scrape.URL = scrapeURL
	}

	if err := envInt("RAGMETRICS_RETENTION_DAYS", &cfg.Retention.Days); err != nil {
		return err
	}

	return applyOTelEnv(&cfg.Observability.OTel)
}

func applyOTelEnv(cfg *OTelConfig) error {
	otelConfigured := false
	otelSDKDisabledSet := false
	if sdkDisabled := strings.TrimSpace(os.Getenv("OTEL_SDK_DISABLED")); sdkDisabled != "" {
		v, err := strconv.ParseBool(sdkDisabled)
		if err != nil {
			return fmt.Errorf("invalid OTEL_SDK_DISABLED: %w", err)
		}
		cfg.Enabled = !v
		otelSDKDisabledSet = true
		otelConfigured = true
	}
	if endpoint := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")); endpoint != "" {
		cfg.Endpoint = endpoint
		otelConfigured = true
	}
	if insecure := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_INSECURE")); insecure != "" {
		v, err := strconv.ParseBool(insecure)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_INSECURE: %w", err)
		}
		cfg.Insecure = v
		otelConfigured = true
	}
	if serviceName := strings.TrimSpace(os.Getenv("OTEL_SERVICE_NAME")); serviceName != "" {
		cfg.ServiceName = serviceName
		otelConfigured = true
	}
	if tracesExporter := strings.TrimSpace(os.Getenv("OTEL_TRACES_EXPORTER")); tracesExporter != "" {
		enabled, err := otelExporterEnabled(tracesExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_EXPORTER: %w", err)
		}
		cfg.TracesEnabled = enabled
		otelConfigured = true
	}
	if metricsExporter := strings.TrimSpace(os.Getenv("OTEL_METRICS_EXPORTER")); metricsExporter != "" {
		enabled, err := otelExporterEnabled(metricsExporter)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRICS_EXPORTER: %w", err)
		}
		cfg.MetricsEnabled = enabled
		otelConfigured = true
	}
	if samplingRatio := strings.TrimSpace(os.Getenv("OTEL_TRACES_SAMPLER_ARG")); samplingRatio != "" {
		v, err := strconv.ParseFloat(samplingRatio, 64)
		if err != nil {
			return fmt.Errorf("invalid OTEL_TRACES_SAMPLER_ARG: %w", err)
		}
		cfg.SamplingRatio = v
		otelConfigured = true
	}
	if exportTimeout := strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_TIMEOUT")); exportTimeout != "" {
		v, err := strconv.Atoi(exportTimeout)
		if err != nil {
			return fmt.Errorf("invalid OTEL_EXPORTER_OTLP_TIMEOUT: %w", err)
		}
		cfg.ExportTimeoutMS = v
		otelConfigured = true
	}
	if metricExportInterval := strings.TrimSpace(os.Getenv("OTEL_METRIC_EXPORT_INTERVAL")); metricExportInterval != "" {
		v, err := strconv.Atoi(metricExportInterval)
		if err != nil {
			return fmt.Errorf("invalid OTEL_METRIC_EXPORT_INTERVAL: %w", err)
		}
		cfg.MetricExportIntervalMS = v
		otelConfigured = true
	}
	if otelConfigured && !otelSDKDisabledSet {
		cfg.Enabled = true
	}
	return nil
}

func envInt(name string, dst *int) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = v
	return nil
}

func envBool(name string, dst *bool) error {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", name, err)
	}
	*dst = v
	return nil
}

func otelExporterEnabled(value string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "otlp":
		return true, nil
	case "none":
		return false, nil
	default:
		return false, fmt.Errorf("must be one of otlp, none (got %q)", value)
	}
}
