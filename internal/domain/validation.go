package domain

// QualityBreakdown holds the per-dimension sub-scores, each 0–100.
type QualityBreakdown struct {
	Structure    int `json:"structure"`
	Formatting   int `json:"formatting"`
	Completeness int `json:"completeness"`
	Educational  int `json:"educational"`
}

// ValidationResult is the outcome of one validation pass over accumulated
// content. Later passes replace it rather than patching it.
type ValidationResult struct {
	IsValid      bool             `json:"is_valid"`
	QualityScore int              `json:"quality_score"`
	Breakdown    QualityBreakdown `json:"breakdown"`
	Warnings     []string         `json:"warnings,omitempty"`
	FallbackUsed bool             `json:"fallback_used"`
}
