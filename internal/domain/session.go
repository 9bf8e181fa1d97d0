package domain

import (
	"time"
)

// Session is a named, ordered conversation history with the tutor provider.
type Session struct {
	ID           string    `json:"id"`
	Topic        string    `json:"topic"`
	Owner        string    `json:"owner,omitempty"`
	Messages     []Message `json:"messages"`
	CreatedAt    time.Time `json:"created_at"`
	LastActiveAt time.Time `json:"last_active_at"`
}

// Clone returns a deep copy of s so callers never share the message slice.
func (s Session) Clone() Session {
	out := s
	out.Messages = make([]Message, len(s.Messages))
	copy(out.Messages, s.Messages)
	return out
}

// LastMessage returns the most recent message, if any.
func (s Session) LastMessage() (Message, bool) {
	if len(s.Messages) == 0 {
		return Message{}, false
	}
	return s.Messages[len(s.Messages)-1], true
}

// IdleFor returns how long the session has been inactive at now.
func (s Session) IdleFor(now time.Time) time.Duration {
	idle := now.Sub(s.LastActiveAt)
	if idle < 0 {
		return 0
	}
	return idle
}
