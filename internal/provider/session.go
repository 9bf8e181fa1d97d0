package provider

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/ashureev/tutor-pipeline/internal/domain"
)

// SendToSession appends text as a user turn, sends the full history and
// appends the assistant reply. If the call fails the user turn is rolled back,
// so a session never holds a user message without a resolution.
// Exchanges on the same session are serialized.
func (c *Client) SendToSession(ctx context.Context, sessionID, text string, opts Options) (*Response, error) {
	if c.sessions == nil {
		return nil, ErrNoSessionStore
	}
	release, err := c.acquire(ctx, sessionID)
	if err != nil {
		return nil, err
	}
	defer release()

	history, err := c.sessions.Append(sessionID, domain.Message{Role: domain.RoleUser, Content: text})
	if err != nil {
		return nil, err
	}
	before := len(history) - 1

	resp, err := c.Send(ctx, history, opts)
	if err != nil {
		c.rollback(sessionID, before)
		return nil, err
	}

	if _, err := c.sessions.Append(sessionID, domain.Message{Role: domain.RoleAssistant, Content: resp.Content}); err != nil {
		return nil, fmt.Errorf("record assistant reply: %w", err)
	}
	return resp, nil
}

// StreamToSession is the streaming counterpart of SendToSession. The
// accumulated reply is appended to the session before the final chunk is
// yielded; any other ending (error, cancellation, consumer stopping early)
// rolls the user turn back.
func (c *Client) StreamToSession(ctx context.Context, sessionID, text string, opts Options) iter.Seq2[domain.StreamingChunk, error] {
	return func(yield func(domain.StreamingChunk, error) bool) {
		if c.sessions == nil {
			yield(domain.StreamingChunk{}, ErrNoSessionStore)
			return
		}
		release, err := c.acquire(ctx, sessionID)
		if err != nil {
			yield(domain.StreamingChunk{}, err)
			return
		}
		defer release()

		history, err := c.sessions.Append(sessionID, domain.Message{Role: domain.RoleUser, Content: text})
		if err != nil {
			yield(domain.StreamingChunk{}, err)
			return
		}
		before := len(history) - 1

		committed := false
		defer func() {
			if !committed {
				c.rollback(sessionID, before)
			}
		}()

		var reply strings.Builder
		for chunk, err := range c.Stream(ctx, history, opts) {
			if err != nil {
				yield(chunk, err)
				return
			}
			if chunk.IsComplete {
				if _, err := c.sessions.Append(sessionID, domain.Message{Role: domain.RoleAssistant, Content: reply.String()}); err != nil {
					yield(domain.StreamingChunk{}, fmt.Errorf("record assistant reply: %w", err))
					return
				}
				committed = true
				yield(chunk, nil)
				return
			}
			reply.WriteString(chunk.Content)
			if !yield(chunk, nil) {
				return
			}
		}
	}
}

func (c *Client) acquire(ctx context.Context, sessionID string) (func(), error) {
	release, err := c.sessions.Acquire(ctx, sessionID)
	if err != nil {
		if ctx.Err() != nil {
			return nil, cancelled(ctx.Err())
		}
		return nil, err
	}
	return release, nil
}

func (c *Client) rollback(sessionID string, length int) {
	if err := c.sessions.Rollback(sessionID, length); err != nil {
		c.logger.Warn("failed to roll back unanswered user turn", "session_id", sessionID, "error", err)
	}
}
