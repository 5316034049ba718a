package monitor

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/DataDog/datadog-go/v5/statsd"
)

// StatsdSink emits metric points as DogStatsD gauges and logs as events.
type StatsdSink struct {
	client statsd.ClientInterface
}

func NewStatsdSink(cfg SinkConfig) (*StatsdSink, error) {
	addr := strings.TrimSpace(cfg.StatsdAddr)
	if addr == "" {
		return nil, errors.New("statsd monitor sink needs an address")
	}
	namespace := strings.TrimSpace(cfg.StatsdNamespace)
	if namespace == "" {
		namespace = "ragmetrics"
	}
	if !strings.HasSuffix(namespace, ".") {
		namespace += "."
	}
	client, err := statsd.New(addr, statsd.WithNamespace(namespace), statsd.WithoutTelemetry())
	if err != nil {
		return nil, fmt.Errorf("create statsd client: %w", err)
	}
	return &StatsdSink{client: client}, nil
}

func (s *StatsdSink) Name() string { return SinkStatsd }

func (s *StatsdSink) Send(_ context.Context, batch []Entry) error {
	var errs []error
	for _, e := range batch {
		switch e.Kind {
		case KindMetric:
			errs = append(errs, s.client.Gauge(e.Name, e.Value, tagList(e.Tags), 1))
		case KindLog:
			if e.Level != "ERROR" {
				continue
			}
			event := statsd.NewEvent(e.Message, fmt.Sprintf("trace_id=%s", e.TraceID))
			event.AlertType = statsd.Error
			event.Timestamp = e.Timestamp
			errs = append(errs, s.client.Event(event))
		}
	}
	return errors.Join(errs...)
}

func (s *StatsdSink) Close() error {
	return s.client.Close()
}
