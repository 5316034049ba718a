package monitor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
)

const DefaultRedisStream = "ragmetrics:monitor"

type streamClient interface {
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// RedisSink appends entries to a capped Redis stream.
type RedisSink struct {
	client streamClient
	stream string
	maxLen int64
}

func NewRedisSink(cfg SinkConfig) (*RedisSink, error) {
	if strings.TrimSpace(cfg.RedisURL) == "" {
		return nil, errors.New("redis monitor sink needs a url")
	}
	opts, err := redis.ParseURL(cfg.RedisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	return newRedisSink(redis.NewClient(opts), cfg.RedisStream, cfg.RedisMaxLen), nil
}

func newRedisSink(client streamClient, stream string, maxLen int64) *RedisSink {
	stream = strings.TrimSpace(stream)
	if stream == "" {
		stream = DefaultRedisStream
	}
	if maxLen <= 0 {
		maxLen = 100_000
	}
	return &RedisSink{client: client, stream: stream, maxLen: maxLen}
}

func (s *RedisSink) Name() string { return SinkRedis }

func (s *RedisSink) Send(ctx context.Context, batch []Entry) error {
	if len(batch) == 0 {
		return nil
	}
	for _, e := range batch {
		values, err := streamValues(e)
		if err != nil {
			return err
		}
		err = s.client.XAdd(ctx, &redis.XAddArgs{
			Stream: s.stream,
			MaxLen: s.maxLen,
			Approx: true,
			Values: values,
		}).Err()
		if err != nil {
			return fmt.Errorf("xadd %s: %w", s.stream, err)
		}
	}
	return nil
}

func streamValues(e Entry) (map[string]any, error) {
	values := map[string]any{
		"kind":      string(e.Kind),
		"timestamp": e.Timestamp.UnixMilli(),
	}
	switch e.Kind {
	case KindLog:
		values["level"] = e.Level
		values["message"] = e.Message
		values["trace_id"] = e.TraceID
		if len(e.Attributes) > 0 {
			attrs, err := json.Marshal(e.Attributes)
			if err != nil {
				return nil, fmt.Errorf("encode log attributes: %w", err)
			}
			values["attributes"] = string(attrs)
		}
	case KindMetric:
		values["name"] = e.Name
		values["value"] = formatFloat(e.Value)
		values["tags"] = strings.Join(tagList(e.Tags), ",")
	}
	return values, nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
