// Package langtrace fetches authoritative per-request usage from a Langtrace
// compatible tracing API.
package langtrace

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/tidwall/gjson"
)

const (
	DefaultBaseURL = "https://api.langtrace.ai"
	DefaultTimeout = 10 * time.Second

	maxResponseBytes = 4 << 20
)

// ErrNoData means the tracing service answered but has nothing usable for
// the trace. Callers fall back to local estimation.
var ErrNoData = errors.New("tracing service returned no usable data")

// Usage is what the first span of a trace says about a request.
type Usage struct {
	InputTokens  int64
	OutputTokens int64
	Model        string
	Framework    string
	VectorStore  string
	LatencyMS    float64
	// Status is "completed", "failed" or empty when the span carried none.
	Status string
}

type Config struct {
	BaseURL    string
	APIKey     string
	Timeout    time.Duration
	MaxRetries int
	// Transport defaults to http.DefaultTransport.
	Transport http.RoundTripper
}

type Client struct {
	baseURL    *url.URL
	apiKey     string
	timeout    time.Duration
	maxRetries int
	http       *http.Client
}

func New(cfg Config) (*Client, error) {
	raw := strings.TrimSpace(cfg.BaseURL)
	if raw == "" {
		raw = DefaultBaseURL
	}
	base, err := url.Parse(raw)
	if err != nil || base.Scheme == "" || base.Host == "" {
		return nil, fmt.Errorf("invalid tracing base url %q", cfg.BaseURL)
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	retries := cfg.MaxRetries
	if retries < 0 {
		retries = 0
	}
	transport := cfg.Transport
	if transport == nil {
		transport = http.DefaultTransport
	}
	return &Client{
		baseURL:    base,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		timeout:    timeout,
		maxRetries: retries,
		http:       &http.Client{Transport: transport},
	}, nil
}

// Timeout is the budget for one Lookup including retries.
func (c *Client) Timeout() time.Duration {
	return c.timeout
}

// Lookup fetches usage for traceID. Server errors and transport failures are
// retried inside the client timeout; any other non-200 answer or a payload
// without token usage yields ErrNoData.
func (c *Client) Lookup(ctx context.Context, traceID string) (Usage, error) {
	traceID = strings.TrimSpace(traceID)
	if traceID == "" {
		return Usage{}, fmt.Errorf("%w: empty trace id", ErrNoData)
	}
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	endpoint := c.baseURL.JoinPath("v1", "traces", traceID).String()

	policy := backoff.NewExponentialBackOff()
	policy.InitialInterval = 100 * time.Millisecond
	policy.MaxInterval = time.Second
	policy.MaxElapsedTime = c.timeout

	var usage Usage
	op := func() error {
		body, err := c.fetch(ctx, endpoint)
		if err != nil {
			return err
		}
		parsed, err := ParseTrace(body)
		if err != nil {
			return backoff.Permanent(err)
		}
		usage = parsed
		return nil
	}

	err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(policy, uint64(c.maxRetries)), ctx))
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil && !errors.Is(err, ErrNoData) {
			return Usage{}, fmt.Errorf("lookup trace %q: %w", traceID, ctxErr)
		}
		return Usage{}, fmt.Errorf("lookup trace %q: %w", traceID, err)
	}
	return usage, nil
}

func (c *Client) fetch(ctx context.Context, endpoint string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, backoff.Permanent(fmt.Errorf("build tracing request: %w", err))
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracing request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read tracing response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
		return body, nil
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		return nil, fmt.Errorf("tracing service status %d", resp.StatusCode)
	default:
		return nil, backoff.Permanent(fmt.Errorf("%w: status %d", ErrNoData, resp.StatusCode))
	}
}

// ParseTrace reads usage from the first span of a trace payload. Attribute
// keys contain dots, so they are escaped in the gjson paths.
func ParseTrace(body []byte) (Usage, error) {
	if !gjson.ValidBytes(body) {
		return Usage{}, fmt.Errorf("%w: malformed payload", ErrNoData)
	}
	span := gjson.GetBytes(body, "spans.0")
	if !span.Exists() {
		return Usage{}, fmt.Errorf("%w: no spans", ErrNoData)
	}
	attrs := span.Get("attributes")

	input := firstOf(attrs, `llm\.usage\.prompt_tokens`, `gen_ai\.usage\.input_tokens`)
	output := firstOf(attrs, `llm\.usage\.completion_tokens`, `gen_ai\.usage\.output_tokens`)
	if !input.Exists() && !output.Exists() {
		return Usage{}, fmt.Errorf("%w: span has no token usage", ErrNoData)
	}
	usage := Usage{
		InputTokens:  input.Int(),
		OutputTokens: output.Int(),
		Model:        firstOf(attrs, `llm\.model`, `gen_ai\.request\.model`).String(),
		Framework:    attrs.Get("framework").String(),
		VectorStore:  attrs.Get("vector_store").String(),
		LatencyMS:    span.Get("duration_ms").Float(),
	}
	if usage.InputTokens < 0 || usage.OutputTokens < 0 || usage.LatencyMS < 0 {
		return Usage{}, fmt.Errorf("%w: negative usage values", ErrNoData)
	}

	if status := span.Get("status"); status.Exists() {
		if strings.EqualFold(status.String(), "OK") {
			usage.Status = "completed"
		} else {
			usage.Status = "failed"
		}
	}
	return usage, nil
}

func firstOf(obj gjson.Result, paths ...string) gjson.Result {
	for _, path := range paths {
		if value := obj.Get(path); value.Exists() {
			return value
		}
	}
	return gjson.Result{}
}
