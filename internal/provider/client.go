// Package provider implements the chat-completions client used by the tutor:
// single-shot and streaming calls with per-attempt timeouts, retry with
// capped exponential backoff, and session-bound exchanges.
package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"net/http"
	"strings"
	"time"

	"github.com/ashureev/tutor-pipeline/internal/domain"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const (
	instrumentationName = "github.com/ashureev/tutor-pipeline/internal/provider"

	// maxResponseBytes bounds a non-streaming response body (4MB).
	maxResponseBytes = 4 << 20

	// maxErrorBodyLen bounds the provider body kept in an HTTPError.
	maxErrorBodyLen = 512
)

// SessionStore is the subset of session.Store the client needs for
// session-bound calls.
type SessionStore interface {
	Acquire(ctx context.Context, id string) (func(), error)
	Append(id string, msgs ...domain.Message) ([]domain.Message, error)
	Rollback(id string, length int) error
}

// Client talks to an OpenAI-compatible chat-completions endpoint.
type Client struct {
	cfg        Config
	httpClient *http.Client
	sessions   SessionStore
	logger     *slog.Logger
	sleep      func(ctx context.Context, d time.Duration) error
	now        func() time.Time
	tracer     trace.Tracer
	metrics    instruments
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client. Timeouts are applied per
// attempt through the request context, so hc should not set its own Timeout.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = hc }
}

// WithSessions enables SendToSession and StreamToSession.
func WithSessions(s SessionStore) ClientOption {
	return func(c *Client) { c.sessions = s }
}

// WithLogger sets the client logger.
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) { c.logger = logger }
}

// WithSleeper replaces the backoff sleep, mainly for tests. The function must
// return ctx.Err() when ctx is done before d elapses.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) ClientOption {
	return func(c *Client) { c.sleep = sleep }
}

// New creates a Client. A missing API key yields a disabled client that
// reports itself unhealthy instead of failing construction.
func New(cfg Config, opts ...ClientOption) *Client {
	c := &Client{
		cfg:        cfg.withDefaults(),
		httpClient: &http.Client{},
		logger:     slog.Default(),
		sleep:      sleepContext,
		now:        time.Now,
		tracer:     otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.metrics = newInstruments(c.logger)
	if c.cfg.APIKey == "" {
		c.logger.Warn("LLM API key not configured, tutor provider disabled")
	}
	return c
}

// Healthy reports whether the client is able to issue requests.
func (c *Client) Healthy() bool {
	return c.cfg.APIKey != ""
}

// Model returns the default model name.
func (c *Client) Model() string {
	return c.cfg.Model
}

// Send issues a non-streaming completion and retries failed attempts with
// exponential backoff. It returns *Error after the last attempt fails.
func (c *Client) Send(ctx context.Context, messages []domain.Message, opts Options) (*Response, error) {
	if !c.Healthy() {
		return nil, ErrDisabled
	}
	body, model, err := c.encode(messages, opts, false)
	if err != nil {
		return nil, err
	}

	ctx, span := c.tracer.Start(ctx, "provider.Send", trace.WithAttributes(
		attribute.String("llm.model", model),
		attribute.Int("llm.messages", len(messages)),
	))
	defer span.End()

	var out *Response
	err = c.retry(ctx, "send", func(ctx context.Context) error {
		resp, err := c.sendOnce(ctx, body)
		if err != nil {
			return err
		}
		out = resp
		return nil
	})
	if err != nil {
		endSpan(span, err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("llm.response_length", len(out.Content)))
	return out, nil
}

func (c *Client) encode(messages []domain.Message, opts Options, stream bool) ([]byte, string, error) {
	if len(messages) == 0 {
		return nil, "", fmt.Errorf("%w: no messages", ErrInvalidRequest)
	}
	for i, m := range messages {
		if !m.Role.Valid() {
			return nil, "", fmt.Errorf("%w: message %d has role %q", ErrInvalidRequest, i, m.Role)
		}
	}

	req := chatRequest{
		Model:       c.cfg.Model,
		Messages:    messages,
		Temperature: c.cfg.Temperature,
		MaxTokens:   c.cfg.MaxTokens,
		Stream:      stream,
	}
	if opts.Model != "" {
		req.Model = opts.Model
	}
	if opts.Temperature != nil {
		req.Temperature = *opts.Temperature
	}
	if opts.MaxTokens > 0 {
		req.MaxTokens = opts.MaxTokens
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, "", fmt.Errorf("encode request: %w", err)
	}
	return body, req.Model, nil
}

func (c *Client) newRequest(ctx context.Context, body []byte, stream bool) (*http.Request, error) {
	url := strings.TrimRight(c.cfg.BaseURL, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	if stream {
		req.Header.Set("Accept", "text/event-stream")
	}
	return req, nil
}

// sendOnce performs one attempt under a fresh timeout.
func (c *Client) sendOnce(ctx context.Context, body []byte) (*Response, error) {
	attemptCtx, cancel := context.WithTimeout(ctx, c.cfg.Timeout)
	defer cancel()

	req, err := c.newRequest(attemptCtx, body, false)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, c.classify(ctx, attemptCtx, "request", err)
	}
	defer func() {
		if closeErr := resp.Body.Close(); closeErr != nil {
			c.logger.Debug("failed to close provider response body", "error", closeErr)
		}
	}()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, c.classify(ctx, attemptCtx, "read response", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &HTTPError{StatusCode: resp.StatusCode, Body: truncate(string(data), maxErrorBodyLen)}
	}

	var parsed chatResponse
	if err := json.Unmarshal(data, &parsed); err != nil {
		return nil, &TransportError{Op: "decode response", Err: err}
	}
	if len(parsed.Choices) == 0 {
		return nil, &TransportError{Op: "decode response", Err: errNoChoices}
	}

	id := parsed.ID
	if id == "" {
		id = uuid.NewString()
	}
	return &Response{
		ID:        id,
		Content:   parsed.Choices[0].Message.Content,
		Usage:     parsed.Usage,
		Model:     parsed.Model,
		Timestamp: c.now(),
	}, nil
}

// classify maps an attempt failure onto the error taxonomy. Caller
// cancellation wins over the attempt's own deadline.
func (c *Client) classify(parent, attempt context.Context, op string, err error) error {
	if parent.Err() != nil {
		return cancelled(parent.Err())
	}
	if errors.Is(attempt.Err(), context.DeadlineExceeded) {
		return &TimeoutError{Timeout: c.cfg.Timeout}
	}
	return &TransportError{Op: op, Err: err}
}

// retry runs fn up to MaxRetries times, sleeping between failed attempts.
func (c *Client) retry(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	var lastErr error
	for attempt := 0; attempt < c.cfg.MaxRetries; attempt++ {
		if ctx.Err() != nil {
			return cancelled(ctx.Err())
		}

		attemptCtx, span := c.tracer.Start(ctx, "provider.attempt", trace.WithAttributes(
			attribute.String("provider.op", op),
			attribute.Int("provider.attempt", attempt+1),
		))
		start := c.now()
		err := fn(attemptCtx)
		c.metrics.latency.Record(ctx, c.now().Sub(start).Seconds(), metric.WithAttributes(attribute.String("op", op)))
		endSpan(span, err)
		span.End()

		if err == nil {
			c.metrics.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op), attribute.String("outcome", "success")))
			return nil
		}
		if errors.Is(err, ErrCancelled) {
			c.logger.Debug("provider call cancelled", "op", op, "attempt", attempt+1)
			c.metrics.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op), attribute.String("outcome", "cancelled")))
			return err
		}

		lastErr = err
		if attempt == c.cfg.MaxRetries-1 {
			break
		}

		delay := c.backoff(attempt)
		c.logger.Warn("provider attempt failed, retrying",
			"op", op,
			"attempt", attempt+1,
			"max_attempts", c.cfg.MaxRetries,
			"delay", delay,
			"error", err,
		)
		c.metrics.retries.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op)))
		if err := c.sleep(ctx, delay); err != nil {
			return cancelled(err)
		}
	}

	c.logger.Error("provider call failed", "op", op, "attempts", c.cfg.MaxRetries, "error", lastErr)
	c.metrics.requests.Add(ctx, 1, metric.WithAttributes(attribute.String("op", op), attribute.String("outcome", "failure")))
	return &Error{Attempts: c.cfg.MaxRetries, Err: lastErr}
}

// backoff returns min(MaxBackoff, BackoffBase * 2^attempt), plus up to 25%
// jitter when enabled. The ceiling applies after jitter.
func (c *Client) backoff(attempt int) time.Duration {
	delay := c.cfg.MaxBackoff
	if attempt < 62 {
		if d := c.cfg.BackoffBase << attempt; d > 0 && d < c.cfg.MaxBackoff {
			delay = d
		}
	}
	if c.cfg.Jitter && delay >= 4 {
		delay += time.Duration(rand.Int64N(int64(delay / 4)))
	}
	if delay > c.cfg.MaxBackoff {
		delay = c.cfg.MaxBackoff
	}
	return delay
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

func endSpan(span trace.Span, err error) {
	if err == nil || errors.Is(err, ErrCancelled) {
		return
	}
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
}

type instruments struct {
	requests metric.Int64Counter
	retries  metric.Int64Counter
	latency  metric.Float64Histogram
}

func newInstruments(logger *slog.Logger) instruments {
	meter := otel.Meter(instrumentationName)
	fallback := noop.NewMeterProvider().Meter(instrumentationName)

	requests, err := meter.Int64Counter("tutor.provider.requests",
		metric.WithDescription("Provider calls by final outcome"))
	if err != nil {
		logger.Warn("failed to create provider request counter", "error", err)
		requests, _ = fallback.Int64Counter("tutor.provider.requests")
	}
	retries, err := meter.Int64Counter("tutor.provider.retries",
		metric.WithDescription("Provider attempts that were retried"))
	if err != nil {
		logger.Warn("failed to create provider retry counter", "error", err)
		retries, _ = fallback.Int64Counter("tutor.provider.retries")
	}
	latency, err := meter.Float64Histogram("tutor.provider.attempt.duration",
		metric.WithDescription("Duration of a single provider attempt"),
		metric.WithUnit("s"))
	if err != nil {
		logger.Warn("failed to create provider latency histogram", "error", err)
		latency, _ = fallback.Float64Histogram("tutor.provider.attempt.duration")
	}
	return instruments{requests: requests, retries: retries, latency: latency}
}
