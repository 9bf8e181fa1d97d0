package streaming

import (
	"fmt"
	"time"

	"github.com/ashureev/tutor-pipeline/internal/content"
	"github.com/ashureev/tutor-pipeline/internal/domain"
)

// State is the lifecycle position of a Processor.
type State string

const (
	StateIdle         State = "idle"
	StateAccumulating State = "accumulating"
	StateValidating   State = "validating"
	StateFinalizing   State = "finalizing"
)

// ProcessedContent is the renderable result of a processing pass. Raw is set
// when the formatter or validator failed and Content is the unformatted text.
type ProcessedContent struct {
	Content    string                  `json:"content"`
	Metadata   content.Metadata        `json:"metadata"`
	Validation domain.ValidationResult `json:"validation"`
	Raw        bool                    `json:"raw"`
	ChunkCount int                     `json:"chunk_count"`
}

// ProcessingState is a point-in-time copy of a stream's accumulated state.
type ProcessingState struct {
	State              State             `json:"state"`
	AccumulatedContent string            `json:"accumulated_content"`
	ChunkCount         int               `json:"chunk_count"`
	ProcessedContent   *ProcessedContent `json:"processed_content,omitempty"`
	Errors             []error           `json:"-"`
	Warnings           []string          `json:"warnings,omitempty"`
}

// Metrics are derived from the current stream and have no side effects.
type Metrics struct {
	TotalChunks    int           `json:"total_chunks"`
	ContentLength  int           `json:"content_length"`
	ProcessingTime time.Duration `json:"processing_time"`
	Passes         int           `json:"passes"`
	Retries        int           `json:"retries"`
	Fallbacks      int           `json:"fallbacks"`
}

// Callbacks receive lifecycle events. Every field is optional.
type Callbacks struct {
	OnChunk       func(chunk domain.StreamingChunk, snapshot ProcessingState)
	OnProcessed   func(processed ProcessedContent)
	OnValidated   func(result domain.ValidationResult)
	OnError       func(err error)
	OnComplete    func(snapshot ProcessingState)
	OnStateChange func(from, to State)
}

// ProcessingError is a local formatter or validator failure. It never
// reaches the end user; the processor degrades to raw text instead.
type ProcessingError struct {
	Stage   string // "format" or "validate"
	Attempt int
	Err     error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s failed (attempt %d): %v", e.Stage, e.Attempt, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }
