// Package scrape periodically reads a Prometheus text endpoint and forwards
// the matching series to the monitoring queue.
package scrape

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"

	"github.com/ongoingai/ragmetrics/internal/monitor"
)

const (
	DefaultInterval = 30 * time.Second
	DefaultPrefix   = "llm_"

	sourceTag = "prometheus"
)

// Enqueuer is the part of monitor.Queue the forwarder needs.
type Enqueuer interface {
	Enqueue(entries ...monitor.Entry) bool
}

type Config struct {
	URL      string
	Prefix   string
	Interval time.Duration
	Timeout  time.Duration
	// Transport defaults to http.DefaultTransport.
	Transport http.RoundTripper
	Logger    *slog.Logger
	// OnError is called after each failed scrape.
	OnError func(error)
}

type Forwarder struct {
	url      string
	prefix   string
	interval time.Duration
	client   *http.Client
	queue    Enqueuer
	logger   *slog.Logger
	onError  func(error)
	now      func() time.Time
}

func New(cfg Config, queue Enqueuer) (*Forwarder, error) {
	if strings.TrimSpace(cfg.URL) == "" {
		return nil, fmt.Errorf("scrape url is required")
	}
	if queue == nil {
		return nil, fmt.Errorf("scrape forwarder needs a queue")
	}
	prefix := cfg.Prefix
	if prefix == "" {
		prefix = DefaultPrefix
	}
	interval := cfg.Interval
	if interval <= 0 {
		interval = DefaultInterval
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Forwarder{
		url:      strings.TrimSpace(cfg.URL),
		prefix:   prefix,
		interval: interval,
		client:   &http.Client{Transport: transport, Timeout: timeout},
		queue:    queue,
		logger:   logger,
		onError:  cfg.OnError,
		now:      time.Now,
	}, nil
}

// Run scrapes immediately and then on every interval until ctx is done.
func (f *Forwarder) Run(ctx context.Context) {
	ticker := time.NewTicker(f.interval)
	defer ticker.Stop()
	for {
		f.tick(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (f *Forwarder) tick(ctx context.Context) {
	n, err := f.Forward(ctx)
	if err != nil {
		if ctx.Err() != nil {
			return
		}
		f.logger.Warn("prometheus scrape failed", "url", f.url, "error", err)
		if f.onError != nil {
			f.onError(err)
		}
		return
	}
	f.logger.Debug("prometheus scrape forwarded", "url", f.url, "points", n)
}

// Forward performs one scrape and enqueues the points. It returns how many
// points were forwarded.
func (f *Forwarder) Forward(ctx context.Context) (int, error) {
	entries, err := f.Scrape(ctx)
	if err != nil {
		return 0, err
	}
	if len(entries) > 0 {
		f.queue.Enqueue(entries...)
	}
	return len(entries), nil
}

// Scrape fetches and converts the endpoint without enqueueing.
func (f *Forwarder) Scrape(ctx context.Context) ([]monitor.Entry, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.url, nil)
	if err != nil {
		return nil, fmt.Errorf("build scrape request: %w", err)
	}
	req.Header.Set("Accept", string(expfmt.FmtText))

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("scrape %s: %w", f.url, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("scrape %s: status %d", f.url, resp.StatusCode)
	}
	return Convert(resp.Body, f.prefix, f.now())
}

// Convert parses a text exposition and returns one metric entry per sample
// of every family whose name starts with prefix. Histograms and summaries
// contribute their _sum and _count series.
func Convert(r io.Reader, prefix string, at time.Time) ([]monitor.Entry, error) {
	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(r)
	if err != nil {
		return nil, fmt.Errorf("parse exposition: %w", err)
	}

	names := make([]string, 0, len(families))
	for name := range families {
		if strings.HasPrefix(name, prefix) {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var entries []monitor.Entry
	add := func(name string, value float64, tags map[string]string) {
		entry := monitor.MetricEntry(name, value, tags)
		entry.Timestamp = at.UTC()
		entries = append(entries, entry)
	}
	for _, name := range names {
		family := families[name]
		for _, m := range family.GetMetric() {
			tags := labels(m)
			switch family.GetType() {
			case dto.MetricType_COUNTER:
				add(name, m.GetCounter().GetValue(), tags)
			case dto.MetricType_GAUGE:
				add(name, m.GetGauge().GetValue(), tags)
			case dto.MetricType_HISTOGRAM:
				add(name+"_sum", m.GetHistogram().GetSampleSum(), tags)
				add(name+"_count", float64(m.GetHistogram().GetSampleCount()), labels(m))
			case dto.MetricType_SUMMARY:
				add(name+"_sum", m.GetSummary().GetSampleSum(), tags)
				add(name+"_count", float64(m.GetSummary().GetSampleCount()), labels(m))
			default:
				add(name, m.GetUntyped().GetValue(), tags)
			}
		}
	}
	return entries, nil
}

func labels(m *dto.Metric) map[string]string {
	tags := make(map[string]string, len(m.GetLabel())+1)
	for _, pair := range m.GetLabel() {
		tags[pair.GetName()] = pair.GetValue()
	}
	tags["source"] = sourceTag
	return tags
}
