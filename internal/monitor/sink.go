package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
)

const (
	SinkNone   = "none"
	SinkHTTP   = "http"
	SinkRedis  = "redis"
	SinkStatsd = "statsd"
)

// Sink delivers a batch of entries to a monitoring backend.
type Sink interface {
	Name() string
	Send(ctx context.Context, batch []Entry) error
	Close() error
}

type NoopSink struct{}

func (NoopSink) Name() string                        { return SinkNone }
func (NoopSink) Send(context.Context, []Entry) error { return nil }
func (NoopSink) Close() error                        { return nil }

type SinkConfig struct {
	Type    string
	Service string

	LogsURL    string
	MetricsURL string
	APIKey     string
	LicenseKey string
	Transport  http.RoundTripper

	RedisURL    string
	RedisStream string
	RedisMaxLen int64

	StatsdAddr      string
	StatsdNamespace string
}

// NewSink builds the sink selected by cfg.Type.
func NewSink(cfg SinkConfig) (Sink, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.Type)) {
	case "", SinkNone:
		return NoopSink{}, nil
	case SinkHTTP:
		return NewHTTPSink(cfg)
	case SinkRedis:
		return NewRedisSink(cfg)
	case SinkStatsd:
		return NewStatsdSink(cfg)
	default:
		return nil, fmt.Errorf("unsupported monitor sink %q", cfg.Type)
	}
}

// HTTPSink posts logs and metric points as JSON arrays to a log ingestion
// endpoint and a metrics ingestion endpoint.
type HTTPSink struct {
	logsURL    string
	metricsURL string
	apiKey     string
	licenseKey string
	service    string
	client     *http.Client
}

func NewHTTPSink(cfg SinkConfig) (*HTTPSink, error) {
	if strings.TrimSpace(cfg.LogsURL) == "" && strings.TrimSpace(cfg.MetricsURL) == "" {
		return nil, errors.New("http monitor sink needs a logs or metrics url")
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	service := strings.TrimSpace(cfg.Service)
	if service == "" {
		service = "ragmetrics"
	}
	return &HTTPSink{
		logsURL:    strings.TrimSpace(cfg.LogsURL),
		metricsURL: strings.TrimSpace(cfg.MetricsURL),
		apiKey:     cfg.APIKey,
		licenseKey: cfg.LicenseKey,
		service:    service,
		client:     &http.Client{Transport: transport},
	}, nil
}

func (s *HTTPSink) Name() string { return SinkHTTP }

type logPayload struct {
	Timestamp  string         `json:"timestamp"`
	Level      string         `json:"level"`
	Message    string         `json:"message"`
	Service    string         `json:"service"`
	TraceID    string         `json:"trace_id,omitempty"`
	Attributes map[string]any `json:"attributes,omitempty"`
}

type metricPayload struct {
	MetricName string            `json:"metric_name"`
	Value      float64           `json:"value"`
	Count      int               `json:"count"`
	TimeStamp  int64             `json:"time_stamp"`
	Tags       map[string]string `json:"tags,omitempty"`
}

func (s *HTTPSink) Send(ctx context.Context, batch []Entry) error {
	var logs []logPayload
	var metrics []metricPayload
	for _, e := range batch {
		switch e.Kind {
		case KindLog:
			service := e.Service
			if service == "" {
				service = s.service
			}
			logs = append(logs, logPayload{
				Timestamp:  e.Timestamp.UTC().Format(time.RFC3339Nano),
				Level:      e.Level,
				Message:    e.Message,
				Service:    service,
				TraceID:    e.TraceID,
				Attributes: e.Attributes,
			})
		case KindMetric:
			metrics = append(metrics, metricPayload{
				MetricName: e.Name,
				Value:      e.Value,
				Count:      1,
				TimeStamp:  e.Timestamp.UnixMilli(),
				Tags:       e.Tags,
			})
		}
	}

	var errs []error
	if len(logs) > 0 && s.logsURL != "" {
		errs = append(errs, s.post(ctx, s.logsURL, logs))
	}
	if len(metrics) > 0 && s.metricsURL != "" {
		errs = append(errs, s.post(ctx, s.metricsURL, metrics))
	}
	return errors.Join(errs...)
}

func (s *HTTPSink) post(ctx context.Context, endpoint string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("encode monitor payload: %w", err))
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build monitor request: %w", err))
	}
	req.Header.Set("Content-Type", "application/json")
	if s.apiKey != "" {
		req.Header.Set("X-API-Key", s.apiKey)
	}
	if s.licenseKey != "" {
		req.Header.Set("X-License-Key", s.licenseKey)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("post monitor payload: %w", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	err = fmt.Errorf("monitor endpoint %s returned status %d", endpoint, resp.StatusCode)
	if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
		return backoff.Permanent(err)
	}
	return err
}

func (s *HTTPSink) Close() error {
	s.client.CloseIdleConnections()
	return nil
}
