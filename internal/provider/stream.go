package provider

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/ashureev/tutor-pipeline/internal/domain"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

const (
	doneSentinel = "[DONE]"
	dataPrefix   = "data:"
)

// Stream issues a streaming completion. The returned sequence yields one chunk
// per content delta and a final chunk with IsComplete set when the provider
// sends its terminator. Opening the stream is retried like Send; once content
// flows, failures are yielded as errors and end the sequence.
//
// Cancelling ctx ends the sequence without an error.
func (c *Client) Stream(ctx context.Context, messages []domain.Message, opts Options) iter.Seq2[domain.StreamingChunk, error] {
	return func(yield func(domain.StreamingChunk, error) bool) {
		if !c.Healthy() {
			yield(domain.StreamingChunk{}, ErrDisabled)
			return
		}
		body, model, err := c.encode(messages, opts, true)
		if err != nil {
			yield(domain.StreamingChunk{}, err)
			return
		}

		ctx, span := c.tracer.Start(ctx, "provider.Stream", trace.WithAttributes(
			attribute.String("llm.model", model),
			attribute.Int("llm.messages", len(messages)),
		))
		defer span.End()

		var stream *liveStream
		err = c.retry(ctx, "stream", func(ctx context.Context) error {
			ls, err := c.openStream(ctx, body)
			if err != nil {
				return err
			}
			stream = ls
			return nil
		})
		if err != nil {
			if errors.Is(err, ErrCancelled) {
				return
			}
			endSpan(span, err)
			yield(domain.StreamingChunk{}, err)
			return
		}
		defer stream.release()

		chunks, err := c.readStream(ctx, stream, yield)
		span.SetAttributes(attribute.Int("llm.chunks", chunks))
		endSpan(span, err)
	}
}

// liveStream is an open response body guarded by an idle watchdog. The
// watchdog runs only while the reader waits on the provider and cancels the
// request when no line arrives within idle.
type liveStream struct {
	body     io.ReadCloser
	timer    *time.Timer
	idle     time.Duration
	timedOut *atomic.Bool
	cancel   context.CancelFunc
	logger   *slog.Logger
}

func (s *liveStream) arm()    { s.timer.Reset(s.idle) }
func (s *liveStream) disarm() { s.timer.Stop() }

func (s *liveStream) release() {
	s.timer.Stop()
	if err := s.body.Close(); err != nil {
		s.logger.Debug("failed to close provider stream", "error", err)
	}
	s.cancel()
}

// openStream sends the request and waits for response headers under the
// attempt timeout. The same timeout then bounds every wait for the next line.
func (c *Client) openStream(ctx context.Context, body []byte) (*liveStream, error) {
	streamCtx, cancel := context.WithCancel(ctx)
	timedOut := &atomic.Bool{}
	timer := time.AfterFunc(c.cfg.Timeout, func() {
		timedOut.Store(true)
		cancel()
	})

	fail := func(err error) (*liveStream, error) {
		timer.Stop()
		cancel()
		return nil, err
	}

	req, err := c.newRequest(streamCtx, body, true)
	if err != nil {
		return fail(err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fail(cancelled(ctx.Err()))
		}
		if timedOut.Load() {
			return fail(&TimeoutError{Timeout: c.cfg.Timeout})
		}
		return fail(&TransportError{Op: "open stream", Err: err})
	}
	if !timer.Stop() && timedOut.Load() {
		_ = resp.Body.Close()
		return fail(&TimeoutError{Timeout: c.cfg.Timeout})
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBodyLen))
		_ = resp.Body.Close()
		return fail(&HTTPError{StatusCode: resp.StatusCode, Body: truncate(string(data), maxErrorBodyLen)})
	}

	return &liveStream{
		body:     resp.Body,
		timer:    timer,
		idle:     c.cfg.Timeout,
		timedOut: timedOut,
		cancel:   cancel,
		logger:   c.logger,
	}, nil
}

// readStream parses "data:" records and yields chunks. It returns the number
// of content chunks yielded and the error that ended the stream, if any.
func (c *Client) readStream(ctx context.Context, s *liveStream, yield func(domain.StreamingChunk, error) bool) (int, error) {
	scanner := bufio.NewScanner(s.body)
	// Allow up to 1MB records.
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	seq := 0
	for {
		s.arm()
		if !scanner.Scan() {
			break
		}
		s.disarm()

		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, ":") {
			continue
		}
		payload, ok := strings.CutPrefix(line, dataPrefix)
		if !ok {
			continue
		}
		payload = strings.TrimSpace(payload)

		if payload == doneSentinel {
			yield(domain.StreamingChunk{IsComplete: true, Timestamp: c.now(), SequenceIndex: seq}, nil)
			return seq, nil
		}

		var rec streamRecord
		if err := json.Unmarshal([]byte(payload), &rec); err != nil {
			c.logger.Debug("skipping malformed stream record", "error", err)
			continue
		}
		if rec.Error != nil {
			err := &TransportError{Op: "stream", Err: errors.New(rec.Error.Message)}
			yield(domain.StreamingChunk{}, err)
			return seq, err
		}
		if len(rec.Choices) == 0 || rec.Choices[0].Delta.Content == "" {
			continue
		}

		chunk := domain.StreamingChunk{
			Content:       rec.Choices[0].Delta.Content,
			Timestamp:     c.now(),
			SequenceIndex: seq,
		}
		seq++
		if !yield(chunk, nil) {
			return seq, nil
		}
	}

	s.disarm()

	if ctx.Err() != nil {
		c.logger.Debug("provider stream cancelled", "chunks", seq)
		return seq, nil
	}
	if s.timedOut.Load() {
		c.logger.Warn("provider stream stalled", "chunks", seq, "idle", s.idle)
		terr := &TimeoutError{Timeout: s.idle}
		yield(domain.StreamingChunk{}, terr)
		return seq, terr
	}
	if err := scanner.Err(); err != nil {
		terr := &TransportError{Op: "read stream", Err: err}
		yield(domain.StreamingChunk{}, terr)
		return seq, terr
	}
	c.logger.Warn("provider stream truncated", "chunks", seq)
	yield(domain.StreamingChunk{}, ErrStreamTruncated)
	return seq, ErrStreamTruncated
}
