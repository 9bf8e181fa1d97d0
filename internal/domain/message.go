package domain

import "time"

// Role identifies the author of a conversation message.
type Role string

const (
	// RoleSystem carries instructions for the provider.
	RoleSystem Role = "system"
	// RoleUser is a learner turn.
	RoleUser Role = "user"
	// RoleAssistant is a provider reply.
	RoleAssistant Role = "assistant"
)

// Valid reports whether r is one of the known roles.
func (r Role) Valid() bool {
	switch r {
	case RoleSystem, RoleUser, RoleAssistant:
		return true
	}
	return false
}

// Message is one entry in a conversation history. It is never modified after
// it has been appended to a session.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// StreamingChunk is one incremental unit of provider output. A chunk with
// IsComplete set is the last one of its stream.
type StreamingChunk struct {
	Content       string    `json:"content"`
	IsComplete    bool      `json:"is_complete"`
	Timestamp     time.Time `json:"timestamp"`
	SequenceIndex int       `json:"sequence_index"`
}
