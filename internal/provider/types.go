package provider

import (
	"time"

	"github.com/ashureev/tutor-pipeline/internal/domain"
)

// Usage reports token accounting returned by the provider.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is a completed, non-streaming provider reply.
type Response struct {
	ID        string    `json:"id"`
	Content   string    `json:"content"`
	Usage     *Usage    `json:"usage,omitempty"`
	Model     string    `json:"model"`
	Timestamp time.Time `json:"timestamp"`
}

type chatRequest struct {
	Model       string           `json:"model"`
	Messages    []domain.Message `json:"messages"`
	Temperature float64          `json:"temperature"`
	MaxTokens   int              `json:"max_tokens,omitempty"`
	Stream      bool             `json:"stream"`
}

type chatResponse struct {
	ID      string `json:"id"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage *Usage `json:"usage"`
	Model string `json:"model"`
}

type streamRecord struct {
	Choices []struct {
		Delta struct {
			Content string `json:"content"`
		} `json:"delta"`
	} `json:"choices"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}
