// Package streaming accumulates provider chunks, periodically formats and
// validates the partial reply, and reports progress through callbacks.
package streaming

import (
	"fmt"
	"iter"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/ashureev/tutor-pipeline/internal/content"
	"github.com/ashureev/tutor-pipeline/internal/domain"
)

// WarnRawFallback is recorded each time a pass falls back to raw text.
const WarnRawFallback = "processing failed, showing raw content"

// Config controls when processing passes run and how failures degrade.
type Config struct {
	// ProcessIncrementally runs a pass on every chunk.
	ProcessIncrementally bool
	// ValidationThreshold is the number of new characters that triggers a
	// pass when ProcessIncrementally is off.
	ValidationThreshold int
	// ProcessingInterval is the minimum spacing between non-final passes.
	ProcessingInterval time.Duration
	RetryOnError       bool
	MaxRetries         int
	FallbackToRaw      bool
}

// DefaultConfig returns the default processing configuration.
func DefaultConfig() Config {
	return Config{
		ValidationThreshold: 100,
		ProcessingInterval:  50 * time.Millisecond,
		RetryOnError:        true,
		MaxRetries:          2,
		FallbackToRaw:       true,
	}
}

// Processor handles one stream at a time and is not safe for concurrent use.
// Callbacks run synchronously on the caller's goroutine.
type Processor struct {
	cfg       Config
	cb        Callbacks
	formatter content.Formatter
	validator content.Validator
	now       func() time.Time
	logger    *slog.Logger

	state     State
	completed bool
	acc       strings.Builder
	chunks    int
	processed *ProcessedContent
	errors    []error
	warnings  []string

	lastPass    time.Time
	lenAtPass   int
	startedAt   time.Time
	completedAt time.Time
	passes      int
	retries     int
	fallbacks   int
}

// Option configures a Processor.
type Option func(*Processor)

// WithCallbacks registers lifecycle callbacks.
func WithCallbacks(cb Callbacks) Option {
	return func(p *Processor) { p.cb = cb }
}

// WithFormatter replaces the markdown formatter.
func WithFormatter(f content.Formatter) Option {
	return func(p *Processor) { p.formatter = f }
}

// WithValidator replaces the quality assessor.
func WithValidator(v content.Validator) Option {
	return func(p *Processor) { p.validator = v }
}

// WithClock replaces time.Now, mainly for tests.
func WithClock(now func() time.Time) Option {
	return func(p *Processor) { p.now = now }
}

// WithLogger sets the processor logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Processor) { p.logger = logger }
}

// New creates an idle Processor.
func New(cfg Config, opts ...Option) *Processor {
	if cfg.ValidationThreshold <= 0 {
		cfg.ValidationThreshold = DefaultConfig().ValidationThreshold
	}
	if cfg.MaxRetries < 0 {
		cfg.MaxRetries = 0
	}
	p := &Processor{
		cfg:    cfg,
		now:    time.Now,
		logger: slog.Default(),
		state:  StateIdle,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.formatter == nil {
		p.formatter = content.NewMarkdownFormatter()
	}
	if p.validator == nil {
		p.validator = content.NewQualityAssessor()
	}
	return p
}

// State returns the current lifecycle state.
func (p *Processor) State() State {
	return p.state
}

// ProcessChunk appends chunk to the accumulated content and runs a
// processing pass when one is due. A chunk with IsComplete set finishes the
// stream. Chunks that arrive after completion are ignored until Reset.
func (p *Processor) ProcessChunk(chunk domain.StreamingChunk) {
	if p.completed {
		p.logger.Warn("ignoring chunk after stream completion", "sequence_index", chunk.SequenceIndex)
		return
	}
	if p.state == StateIdle {
		p.startedAt = p.now()
		p.setState(StateAccumulating)
	}

	p.acc.WriteString(chunk.Content)
	p.chunks++
	if p.cb.OnChunk != nil {
		p.cb.OnChunk(chunk, p.Snapshot())
	}

	if chunk.IsComplete {
		p.Finish()
		return
	}
	if p.due() {
		p.pass(false)
	}
}

// Finish forces a final pass, fires OnComplete once and returns to idle.
// The accumulated state stays readable until Reset.
func (p *Processor) Finish() {
	if p.completed {
		return
	}
	if p.state == StateIdle {
		p.startedAt = p.now()
	}
	p.pass(true)
	p.setState(StateFinalizing)

	if p.processed == nil {
		// Even without FallbackToRaw a finished stream has something to render.
		p.useRaw(p.acc.String())
	}
	p.completed = true
	p.completedAt = p.now()
	if p.cb.OnComplete != nil {
		p.cb.OnComplete(p.Snapshot())
	}
	p.setState(StateIdle)
}

// Consume drives the processor from seq until the stream completes, fails or
// ends. A stream error is recorded, reported through OnError and returned
// after the partial content has been finalized.
func (p *Processor) Consume(seq iter.Seq2[domain.StreamingChunk, error]) error {
	for chunk, err := range seq {
		if err != nil {
			p.errors = append(p.errors, err)
			if p.cb.OnError != nil {
				p.cb.OnError(err)
			}
			p.Finish()
			return err
		}
		p.ProcessChunk(chunk)
		if chunk.IsComplete {
			return nil
		}
	}
	p.Finish()
	return nil
}

// Reset discards all state and returns to idle.
func (p *Processor) Reset() {
	p.acc.Reset()
	p.chunks = 0
	p.processed = nil
	p.errors = nil
	p.warnings = nil
	p.completed = false
	p.lastPass = time.Time{}
	p.lenAtPass = 0
	p.startedAt = time.Time{}
	p.completedAt = time.Time{}
	p.passes, p.retries, p.fallbacks = 0, 0, 0
	p.setState(StateIdle)
}

// Snapshot returns a copy of the current processing state.
func (p *Processor) Snapshot() ProcessingState {
	s := ProcessingState{
		State:              p.state,
		AccumulatedContent: p.acc.String(),
		ChunkCount:         p.chunks,
		Errors:             slices.Clone(p.errors),
		Warnings:           slices.Clone(p.warnings),
	}
	if p.processed != nil {
		pc := *p.processed
		s.ProcessedContent = &pc
	}
	return s
}

// Metrics reports counters for the current stream.
func (p *Processor) Metrics() Metrics {
	m := Metrics{
		TotalChunks:   p.chunks,
		ContentLength: p.acc.Len(),
		Passes:        p.passes,
		Retries:       p.retries,
		Fallbacks:     p.fallbacks,
	}
	switch {
	case p.startedAt.IsZero():
	case p.completed:
		m.ProcessingTime = p.completedAt.Sub(p.startedAt)
	default:
		m.ProcessingTime = p.now().Sub(p.startedAt)
	}
	return m
}

// due reports whether a non-final pass should run now.
func (p *Processor) due() bool {
	if !p.cfg.ProcessIncrementally && p.acc.Len()-p.lenAtPass < p.cfg.ValidationThreshold {
		return false
	}
	if p.cfg.ProcessingInterval > 0 && !p.lastPass.IsZero() && p.now().Sub(p.lastPass) < p.cfg.ProcessingInterval {
		return false
	}
	return true
}

func (p *Processor) pass(final bool) {
	text := p.acc.String()
	p.setState(StateValidating)
	p.lastPass = p.now()
	p.lenAtPass = len(text)
	p.passes++

	attempts := 1
	if p.cfg.RetryOnError {
		attempts += p.cfg.MaxRetries
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		pc, err := p.process(text, attempt)
		if err == nil {
			p.processed = pc
			if p.cb.OnProcessed != nil {
				p.cb.OnProcessed(*pc)
			}
			if p.cb.OnValidated != nil {
				p.cb.OnValidated(pc.Validation)
			}
			lastErr = nil
			break
		}
		p.errors = append(p.errors, err)
		lastErr = err
		if attempt < attempts {
			p.retries++
			p.logger.Debug("retrying content processing", "attempt", attempt, "error", err)
		}
	}

	if lastErr != nil {
		p.logger.Warn("content processing failed", "chunks", p.chunks, "final", final, "error", lastErr)
		if p.cfg.FallbackToRaw {
			p.useRaw(text)
		} else if p.cb.OnError != nil {
			p.cb.OnError(lastErr)
		}
	}

	if !final {
		p.setState(StateAccumulating)
	}
}

// process runs one formatter+validator attempt. A panicking strategy is
// reported as a ProcessingError like any other failure.
func (p *Processor) process(text string, attempt int) (pc *ProcessedContent, err error) {
	stage := "format"
	defer func() {
		if r := recover(); r != nil {
			pc = nil
			err = &ProcessingError{Stage: stage, Attempt: attempt, Err: fmt.Errorf("panic: %v", r)}
		}
	}()

	formatted, err := p.formatter.Format(text)
	if err != nil {
		return nil, &ProcessingError{Stage: stage, Attempt: attempt, Err: err}
	}
	stage = "validate"
	result, err := p.validator.Validate(formatted)
	if err != nil {
		return nil, &ProcessingError{Stage: stage, Attempt: attempt, Err: err}
	}
	return &ProcessedContent{
		Content:    formatted.Content,
		Metadata:   formatted.Metadata,
		Validation: result,
		ChunkCount: p.chunks,
	}, nil
}

func (p *Processor) useRaw(text string) {
	p.fallbacks++
	p.warnings = append(p.warnings, WarnRawFallback)
	p.processed = &ProcessedContent{
		Content: text,
		Validation: domain.ValidationResult{
			FallbackUsed: true,
			Warnings:     []string{WarnRawFallback},
		},
		Raw:        true,
		ChunkCount: p.chunks,
	}
	if p.cb.OnProcessed != nil {
		p.cb.OnProcessed(*p.processed)
	}
}

func (p *Processor) setState(to State) {
	from := p.state
	if from == to {
		return
	}
	p.state = to
	if p.cb.OnStateChange != nil {
		p.cb.OnStateChange(from, to)
	}
}
