// Package tutor wires sessions, admission control, the provider client and
// the streaming processor into the tutor service and its HTTP surface.
package tutor

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"

	"github.com/ashureev/tutor-pipeline/internal/domain"
	"github.com/ashureev/tutor-pipeline/internal/limiter"
	"github.com/ashureev/tutor-pipeline/internal/provider"
	"github.com/ashureev/tutor-pipeline/internal/session"
	"github.com/ashureev/tutor-pipeline/internal/streaming"
)

const instrumentationName = "github.com/ashureev/tutor-pipeline/internal/tutor"

// MaxMessageLength bounds a single learner message.
const MaxMessageLength = 8000

var (
	// ErrEmptyMessage is returned for blank learner messages.
	ErrEmptyMessage = errors.New("message is required")
	// ErrMessageTooLong is returned for messages over MaxMessageLength.
	ErrMessageTooLong = fmt.Errorf("message exceeds %d characters", MaxMessageLength)
)

// Provider is the part of provider.Client the service depends on.
type Provider interface {
	Healthy() bool
	SendToSession(ctx context.Context, sessionID, text string, opts provider.Options) (*provider.Response, error)
	StreamToSession(ctx context.Context, sessionID, text string, opts provider.Options) iter.Seq2[domain.StreamingChunk, error]
}

// Answer is a processed tutor reply.
type Answer struct {
	SessionID string                      `json:"session_id"`
	Content   string                      `json:"content"`
	Processed *streaming.ProcessedContent `json:"processed"`
	Metrics   streaming.Metrics           `json:"metrics"`
	Model     string                      `json:"model,omitempty"`
	Usage     *provider.Usage             `json:"usage,omitempty"`
}

// Service answers learner questions within sessions.
type Service struct {
	sessions     *session.Store
	provider     Provider
	asks         *limiter.Limiter
	processorCfg streaming.Config
	systemPrompt string
	convLog      ConversationLogger
	logger       *slog.Logger
	tracer       trace.Tracer
	outcomes     metric.Int64Counter
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithAskLimiter gates every question through l, keyed by owner.
func WithAskLimiter(l *limiter.Limiter) ServiceOption {
	return func(s *Service) { s.asks = l }
}

// WithProcessorConfig sets the configuration of per-answer processors.
func WithProcessorConfig(cfg streaming.Config) ServiceOption {
	return func(s *Service) { s.processorCfg = cfg }
}

// WithSystemPrompt seeds new sessions with a system message.
func WithSystemPrompt(prompt string) ServiceOption {
	return func(s *Service) { s.systemPrompt = prompt }
}

// WithConversationLog records every exchange to l.
func WithConversationLog(l ConversationLogger) ServiceOption {
	return func(s *Service) { s.convLog = l }
}

// WithServiceLogger sets the service logger.
func WithServiceLogger(logger *slog.Logger) ServiceOption {
	return func(s *Service) { s.logger = logger }
}

// NewService creates a tutor service.
func NewService(sessions *session.Store, p Provider, opts ...ServiceOption) *Service {
	s := &Service{
		sessions:     sessions,
		provider:     p,
		processorCfg: streaming.DefaultConfig(),
		convLog:      noopConversationLogger{},
		logger:       slog.Default(),
		tracer:       otel.Tracer(instrumentationName),
	}
	for _, opt := range opts {
		opt(s)
	}

	outcomes, err := otel.Meter(instrumentationName).Int64Counter("tutor.asks",
		metric.WithDescription("Tutor questions by outcome"))
	if err != nil {
		s.logger.Warn("failed to create ask counter", "error", err)
		outcomes, _ = noop.NewMeterProvider().Meter(instrumentationName).Int64Counter("tutor.asks")
	}
	s.outcomes = outcomes
	return s
}

// Healthy reports whether the provider can answer questions.
func (s *Service) Healthy() bool {
	return s.provider.Healthy()
}

// CreateSession opens a new session owned by owner.
func (s *Service) CreateSession(owner, topic string) domain.Session {
	opts := []session.CreateOption{session.WithOwner(owner)}
	if s.systemPrompt != "" {
		opts = append(opts, session.WithSystemPrompt(s.systemPrompt))
	}
	sess := s.sessions.Create(strings.TrimSpace(topic), opts...)
	s.logger.Info("Tutor session created", "session_id", sess.ID, "user_id", owner)
	return sess
}

// GetSession returns the session if it exists and belongs to owner. Sessions
// of other owners are reported as missing.
func (s *Service) GetSession(owner, id string) (domain.Session, error) {
	sess, ok := s.sessions.Get(id)
	if !ok || sess.Owner != owner {
		return domain.Session{}, session.ErrNotFound
	}
	return sess, nil
}

// ListSessions returns the sessions of owner, most recently active first.
func (s *Service) ListSessions(owner string) []domain.Session {
	all := s.sessions.List()
	out := make([]domain.Session, 0, len(all))
	for _, sess := range all {
		if sess.Owner == owner {
			out = append(out, sess)
		}
	}
	return out
}

// DeleteSession removes a session owned by owner.
func (s *Service) DeleteSession(owner, id string) error {
	if _, err := s.GetSession(owner, id); err != nil {
		return err
	}
	s.sessions.Delete(id)
	s.logger.Info("Tutor session deleted", "session_id", id, "user_id", owner)
	return nil
}

// Ask sends message to the session and returns the processed reply.
func (s *Service) Ask(ctx context.Context, owner, sessionID, message string) (*Answer, error) {
	ctx, span := s.tracer.Start(ctx, "tutor.Ask", trace.WithAttributes(
		attribute.String("session.id", sessionID),
	))
	defer span.End()

	message, err := s.admit(owner, sessionID, message)
	if err != nil {
		s.finish(ctx, span, "ask", err)
		return nil, err
	}
	s.logExchange(owner, sessionID, "inbound", "tutor_user_message", message)

	resp, err := s.provider.SendToSession(ctx, sessionID, message, provider.Options{})
	if err != nil {
		s.failed(owner, sessionID, err)
		s.finish(ctx, span, "ask", err)
		return nil, err
	}

	p := streaming.New(s.processorCfg, streaming.WithLogger(s.logger))
	p.ProcessChunk(domain.StreamingChunk{Content: resp.Content, Timestamp: resp.Timestamp})
	p.ProcessChunk(domain.StreamingChunk{IsComplete: true, Timestamp: resp.Timestamp, SequenceIndex: 1})
	snap := p.Snapshot()

	s.logExchange(owner, sessionID, "outbound", "tutor_assistant_message", resp.Content)
	s.finish(ctx, span, "ask", nil)
	return &Answer{
		SessionID: sessionID,
		Content:   snap.ProcessedContent.Content,
		Processed: snap.ProcessedContent,
		Metrics:   p.Metrics(),
		Model:     resp.Model,
		Usage:     resp.Usage,
	}, nil
}

// AskStream streams the reply to message through a fresh processor. cb
// receives the processor lifecycle events as the reply arrives. The returned
// Answer holds whatever was accumulated, even when err is non-nil.
func (s *Service) AskStream(ctx context.Context, owner, sessionID, message string, cb streaming.Callbacks) (*Answer, error) {
	ctx, span := s.tracer.Start(ctx, "tutor.AskStream", trace.WithAttributes(
		attribute.String("session.id", sessionID),
	))
	defer span.End()

	message, err := s.admit(owner, sessionID, message)
	if err != nil {
		s.finish(ctx, span, "stream", err)
		return nil, err
	}
	s.logExchange(owner, sessionID, "inbound", "tutor_user_message", message)

	p := streaming.New(s.processorCfg,
		streaming.WithCallbacks(cb),
		streaming.WithLogger(s.logger.With("session_id", sessionID)),
	)
	completed := false
	seq := s.provider.StreamToSession(ctx, sessionID, message, provider.Options{})
	streamErr := p.Consume(func(yield func(domain.StreamingChunk, error) bool) {
		for chunk, err := range seq {
			if err == nil && chunk.IsComplete {
				completed = true
			}
			if !yield(chunk, err) {
				return
			}
		}
	})
	// A cancelled stream ends without an error and its turn is rolled back.
	if streamErr == nil && !completed && ctx.Err() != nil {
		streamErr = fmt.Errorf("stream %s: %w: %w", sessionID, provider.ErrCancelled, ctx.Err())
	}
	snap := p.Snapshot()
	metrics := p.Metrics()

	answer := &Answer{SessionID: sessionID, Metrics: metrics}
	if snap.ProcessedContent != nil {
		answer.Content = snap.ProcessedContent.Content
		answer.Processed = snap.ProcessedContent
	}
	span.SetAttributes(
		attribute.Int("stream.chunks", metrics.TotalChunks),
		attribute.Int("stream.passes", metrics.Passes),
		attribute.Int("stream.fallbacks", metrics.Fallbacks),
	)

	if streamErr != nil {
		s.failed(owner, sessionID, streamErr)
		s.finish(ctx, span, "stream", streamErr)
		return answer, streamErr
	}
	s.logExchange(owner, sessionID, "outbound", "tutor_assistant_message", snap.AccumulatedContent)
	s.finish(ctx, span, "stream", nil)
	return answer, nil
}

// admit validates the message, checks ownership and consumes an ask attempt.
func (s *Service) admit(owner, sessionID, message string) (string, error) {
	message = strings.TrimSpace(message)
	if message == "" {
		return "", ErrEmptyMessage
	}
	if len(message) > MaxMessageLength {
		return "", ErrMessageTooLong
	}
	if _, err := s.GetSession(owner, sessionID); err != nil {
		return "", err
	}
	if s.asks != nil {
		d := s.asks.Check(owner, limiter.ActionAsk)
		if !d.Allowed {
			return "", &limiter.DeniedError{Identifier: owner, Action: limiter.ActionAsk, Wait: d.WaitTime}
		}
	}
	return message, nil
}

func (s *Service) failed(owner, sessionID string, err error) {
	if errors.Is(err, provider.ErrCancelled) {
		s.logger.Debug("Tutor request cancelled", "session_id", sessionID)
		return
	}
	s.logger.Error("Tutor request failed", "session_id", sessionID, "user_id", owner, "error", err)
	s.logExchange(owner, sessionID, "outbound", "tutor_error", err.Error())
	if s.asks != nil {
		if esc := s.asks.RecordFailure(owner, limiter.ActionAsk); esc.ShouldLock {
			s.logger.Warn("Repeated tutor failures for user", "user_id", owner, "attempts", esc.Attempts)
		}
	}
}

func (s *Service) finish(ctx context.Context, span trace.Span, op string, err error) {
	outcome := outcomeOf(err)
	s.outcomes.Add(ctx, 1, metric.WithAttributes(
		attribute.String("op", op),
		attribute.String("outcome", outcome),
	))
	if err != nil && outcome == "error" {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
}

func outcomeOf(err error) string {
	var denied *limiter.DeniedError
	switch {
	case err == nil:
		return "ok"
	case errors.As(err, &denied):
		return "denied"
	case errors.Is(err, provider.ErrCancelled):
		return "cancelled"
	case errors.Is(err, session.ErrNotFound), errors.Is(err, ErrEmptyMessage), errors.Is(err, ErrMessageTooLong):
		return "rejected"
	default:
		return "error"
	}
}

func (s *Service) logExchange(owner, sessionID, direction, eventType, text string) {
	s.convLog.Log(ConversationLogEvent{
		Timestamp:  time.Now().UTC().Format(time.RFC3339Nano),
		UserID:     owner,
		SessionID:  sessionID,
		Channel:    "tutor",
		Direction:  direction,
		EventType:  eventType,
		ContentRaw: text,
		Content:    cleanForReadability(text),
	})
}
