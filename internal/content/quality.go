package content

import (
	"math"
	"strings"

	"github.com/ashureev/tutor-pipeline/internal/domain"
)

// DefaultMinScore is the composite score below which a reply is flagged invalid.
const DefaultMinScore = 30

// Composite weights, in percent.
const (
	weightStructure    = 25
	weightFormatting   = 25
	weightCompleteness = 30
	weightEducational  = 20
)

// fullAnswerWords is the length at which a reply earns full length credit.
const fullAnswerWords = 150

var teachingMarkers = []string{
	"for example",
	"e.g.",
	"such as",
	"because",
	"this means",
	"in other words",
	"step",
	"first",
	"note that",
	"in summary",
	"try ",
	"why",
}

// QualityAssessor scores formatted replies on structure, formatting,
// completeness and educational value.
type QualityAssessor struct {
	MinScore int
}

// NewQualityAssessor returns an assessor with DefaultMinScore.
func NewQualityAssessor() *QualityAssessor {
	return &QualityAssessor{MinScore: DefaultMinScore}
}

// Validate scores f. Empty content returns ErrEmptyContent.
func (q *QualityAssessor) Validate(f Formatted) (domain.ValidationResult, error) {
	body := strings.TrimSpace(f.Content)
	if body == "" {
		return domain.ValidationResult{}, ErrEmptyContent
	}
	m := f.Metadata

	breakdown := domain.QualityBreakdown{
		Structure:    structureScore(m),
		Formatting:   formattingScore(m, len(f.Warnings)),
		Completeness: completenessScore(body, m, len(f.Warnings)),
		Educational:  educationalScore(body, m),
	}
	composite := int(math.Round(float64(
		breakdown.Structure*weightStructure+
			breakdown.Formatting*weightFormatting+
			breakdown.Completeness*weightCompleteness+
			breakdown.Educational*weightEducational) / 100))

	warnings := append([]string(nil), f.Warnings...)
	if m.Words < 20 {
		warnings = append(warnings, "reply is very short")
	}
	if m.Paragraphs+m.ListItems+m.CodeBlocks <= 1 && m.Words > 200 {
		warnings = append(warnings, "long reply without structure")
	}

	minScore := q.MinScore
	if minScore <= 0 {
		minScore = DefaultMinScore
	}
	return domain.ValidationResult{
		IsValid:      composite >= minScore,
		QualityScore: composite,
		Breakdown:    breakdown,
		Warnings:     warnings,
	}, nil
}

func structureScore(m Metadata) int {
	score := min(m.Headings, 3)*15 + min(m.Paragraphs, 4)*10
	if m.Lists > 0 {
		score += 15
	}
	return clamp(score)
}

func formattingScore(m Metadata, warnings int) int {
	score := 60
	if m.CodeBlocks > 0 {
		score += 15
	}
	if m.Emphasis > 0 {
		score += 10
	}
	if m.Lists > 0 {
		score += 15
	}
	return clamp(score - warnings*15)
}

func completenessScore(body string, m Metadata, warnings int) int {
	score := min(m.Words, fullAnswerWords) * 70 / fullAnswerWords
	switch body[len(body)-1] {
	case '.', '!', '?', '`', ')', ':':
		score += 20
	}
	if warnings == 0 {
		score += 10
	}
	return clamp(score)
}

func educationalScore(body string, m Metadata) int {
	lower := strings.ToLower(body)
	score := 0
	for _, marker := range teachingMarkers {
		if strings.Contains(lower, marker) {
			score += 12
		}
	}
	score = min(score, 60)
	if m.CodeBlocks > 0 || m.ListItems > 0 {
		score += 20
	}
	if m.Headings > 0 {
		score += 20
	}
	return clamp(score)
}

func clamp(v int) int {
	return max(0, min(100, v))
}
