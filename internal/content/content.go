// Package content holds the pluggable formatting and validation strategies
// applied to tutor replies while they stream in.
package content

import (
	"errors"

	"github.com/ashureev/tutor-pipeline/internal/domain"
)

// ErrEmptyContent is returned when there is nothing to validate.
var ErrEmptyContent = errors.New("content is empty")

// Metadata describes the markdown structure of a reply.
type Metadata struct {
	Headings   int      `json:"headings"`
	CodeBlocks int      `json:"code_blocks"`
	Languages  []string `json:"languages,omitempty"`
	Lists      int      `json:"lists"`
	ListItems  int      `json:"list_items"`
	Paragraphs int      `json:"paragraphs"`
	Links      int      `json:"links"`
	Emphasis   int      `json:"emphasis"`
	Words      int      `json:"words"`
}

// Formatted is the output of a Formatter.
type Formatted struct {
	Content  string   `json:"content"`
	Metadata Metadata `json:"metadata"`
	Warnings []string `json:"warnings,omitempty"`
}

// Formatter turns accumulated text into renderable content plus metadata.
type Formatter interface {
	Format(text string) (Formatted, error)
}

// FormatterFunc adapts a function to Formatter.
type FormatterFunc func(text string) (Formatted, error)

// Format calls f(text).
func (f FormatterFunc) Format(text string) (Formatted, error) {
	return f(text)
}

// Validator scores formatted content.
type Validator interface {
	Validate(f Formatted) (domain.ValidationResult, error)
}

// ValidatorFunc adapts a function to Validator.
type ValidatorFunc func(f Formatted) (domain.ValidationResult, error)

// Validate calls fn(f).
func (fn ValidatorFunc) Validate(f Formatted) (domain.ValidationResult, error) {
	return fn(f)
}
