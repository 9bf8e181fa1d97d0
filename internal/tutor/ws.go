package tutor

import (
	"context"
	"errors"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"github.com/go-chi/chi/v5"

	"github.com/ashureev/tutor-pipeline/internal/domain"
	"github.com/ashureev/tutor-pipeline/internal/limiter"
	"github.com/ashureev/tutor-pipeline/internal/provider"
	"github.com/ashureev/tutor-pipeline/internal/session"
	"github.com/ashureev/tutor-pipeline/internal/streaming"
)

const wsWriteTimeout = 10 * time.Second

// wsInbound is a client frame. Type is "ask" (the default) or "ping".
type wsInbound struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// WSEvent is a server frame. It carries the same events as the SSE stream.
type WSEvent struct {
	Type string `json:"type"`
	Data any    `json:"data,omitempty"`
}

// HandleStreamWS handles GET /ws/tutor/sessions/{sessionID}. Each client
// message is answered with a stream of events on the same connection.
func (h *Handler) HandleStreamWS(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	if _, err := h.svc.GetSession(userID, sessionID); err != nil {
		h.writeError(w, r, err)
		return
	}

	patterns := h.allowedOrigins
	if len(patterns) == 0 {
		patterns = []string{"*"}
	}
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: patterns})
	if err != nil {
		h.logger.Warn("Failed to accept WebSocket", "error", err, "user_id", userID)
		return
	}
	defer func() {
		if closeErr := ws.Close(websocket.StatusNormalClosure, "session ended"); closeErr != nil {
			h.logger.Debug("Failed to close websocket", "error", closeErr, "user_id", userID)
		}
	}()

	h.conns.Register(userID, sessionID, ws)
	defer h.conns.Unregister(userID, sessionID, ws)

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	var asking atomic.Bool
	go h.pingLoop(ctx, ws, &asking)

	logger := h.logger.With("user_id", userID, "session_id", sessionID)
	logger.Info("Tutor WebSocket connected")
	for {
		var msg wsInbound
		if err := wsjson.Read(ctx, ws, &msg); err != nil {
			if websocket.CloseStatus(err) != -1 || ctx.Err() != nil {
				logger.Debug("Tutor WebSocket closed by client")
			} else {
				logger.Warn("Tutor WebSocket read error", "error", err)
			}
			return
		}

		switch msg.Type {
		case "ping":
			_ = h.writeWS(ctx, ws, WSEvent{Type: "pong"})
			continue
		case "", "ask":
		default:
			_ = h.writeWS(ctx, ws, WSEvent{Type: EventError, Data: ErrorEvent{Message: "unknown message type"}})
			continue
		}

		// Nothing reads the socket during an answer, so a failed write is
		// the only sign the client left. It cancels the ask.
		askCtx, cancelAsk := context.WithCancel(ctx)
		asking.Store(true)
		answer, err := h.svc.AskStream(askCtx, userID, sessionID, msg.Message, h.wsCallbacks(askCtx, cancelAsk, ws))
		asking.Store(false)
		cancelAsk()
		if err != nil {
			if errors.Is(err, provider.ErrCancelled) {
				logger.Debug("Tutor WebSocket answer abandoned")
				return
			}
			if errors.Is(err, session.ErrNotFound) {
				_ = h.writeWS(ctx, ws, WSEvent{Type: EventError, Data: ErrorEvent{Message: "session not found"}})
				return
			}
			ev := ErrorEvent{Message: wsErrorMessage(err)}
			if answer != nil {
				ev.Partial = answer.Content
			}
			_ = h.writeWS(ctx, ws, WSEvent{Type: EventError, Data: ev})
			continue
		}
		_ = h.writeWS(ctx, ws, WSEvent{Type: EventComplete, Data: answer})
	}
}

func wsErrorMessage(err error) string {
	var denied *limiter.DeniedError
	switch {
	case errors.As(err, &denied):
		return denied.Error()
	case errors.Is(err, ErrEmptyMessage), errors.Is(err, ErrMessageTooLong):
		return err.Error()
	default:
		return providerFailureMessage
	}
}

func (h *Handler) wsCallbacks(ctx context.Context, cancel context.CancelFunc, ws *websocket.Conn) streaming.Callbacks {
	send := func(ev WSEvent) {
		if ctx.Err() != nil {
			return
		}
		if err := h.writeWS(ctx, ws, ev); err != nil {
			cancel()
		}
	}
	return streaming.Callbacks{
		OnChunk: func(chunk domain.StreamingChunk, snap streaming.ProcessingState) {
			if chunk.IsComplete {
				return
			}
			send(WSEvent{Type: EventChunk, Data: ChunkEvent{
				Content:       chunk.Content,
				SequenceIndex: chunk.SequenceIndex,
				ChunkCount:    snap.ChunkCount,
			}})
		},
		OnProcessed: func(pc streaming.ProcessedContent) {
			if pc.Content == "" {
				return
			}
			send(WSEvent{Type: EventProcessed, Data: pc})
		},
		OnValidated: func(res domain.ValidationResult) {
			send(WSEvent{Type: EventValidated, Data: res})
		},
	}
}

func (h *Handler) writeWS(ctx context.Context, ws *websocket.Conn, ev WSEvent) error {
	ctx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
	defer cancel()
	if err := wsjson.Write(ctx, ws, ev); err != nil {
		h.logger.Debug("Tutor WebSocket write failed", "type", ev.Type, "error", err)
		return err
	}
	return nil
}

// pingLoop keeps idle connections alive through proxies. A pong is only read
// while the main loop is blocked in Read, so no ping is sent during an answer.
func (h *Handler) pingLoop(ctx context.Context, ws *websocket.Conn, asking *atomic.Bool) {
	ticker := time.NewTicker(h.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if asking.Load() {
				continue
			}
			pingCtx, cancel := context.WithTimeout(ctx, wsWriteTimeout)
			err := ws.Ping(pingCtx)
			cancel()
			if err != nil {
				h.logger.Debug("Tutor WebSocket ping failed", "error", err)
				return
			}
		}
	}
}
