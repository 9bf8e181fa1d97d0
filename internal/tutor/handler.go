package tutor

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/ashureev/tutor-pipeline/internal/api"
	"github.com/ashureev/tutor-pipeline/internal/domain"
	"github.com/ashureev/tutor-pipeline/internal/identity"
	"github.com/ashureev/tutor-pipeline/internal/limiter"
	"github.com/ashureev/tutor-pipeline/internal/provider"
	"github.com/ashureev/tutor-pipeline/internal/session"
	"github.com/ashureev/tutor-pipeline/internal/streaming"
)

const (
	defaultMaxRequestBodySize = 64 * 1024
	defaultHeartbeatInterval  = 15 * time.Second

	// Shown to learners for any provider failure; details go to the logs.
	providerFailureMessage = "the tutor is unavailable right now, please try again"
)

// Event names shared by the SSE and WebSocket transports.
const (
	EventChunk     = "chunk"
	EventProcessed = "processed"
	EventValidated = "validated"
	EventComplete  = "complete"
	EventError     = "error"
)

type createSessionRequest struct {
	Topic string `json:"topic"`
}

type askRequest struct {
	Message string `json:"message"`
}

// ChunkEvent is the payload of a chunk event.
type ChunkEvent struct {
	Content       string `json:"content"`
	SequenceIndex int    `json:"sequence_index"`
	ChunkCount    int    `json:"chunk_count"`
}

// ErrorEvent is the payload of an error event. Partial holds the text
// received before the failure.
type ErrorEvent struct {
	Message string `json:"message"`
	Partial string `json:"partial,omitempty"`
}

// Handler exposes the tutor service over HTTP, SSE and WebSocket.
type Handler struct {
	svc            *Service
	conns          *ConnRegistry
	heartbeat      time.Duration
	maxBodySize    int64
	allowedOrigins []string
	logger         *slog.Logger
}

// HandlerOption configures a Handler.
type HandlerOption func(*Handler)

// WithHeartbeat sets the interval of SSE comment pings and WebSocket pings.
func WithHeartbeat(d time.Duration) HandlerOption {
	return func(h *Handler) {
		if d > 0 {
			h.heartbeat = d
		}
	}
}

// WithAllowedOrigins sets the origin patterns accepted for WebSocket upgrades.
func WithAllowedOrigins(origins []string) HandlerOption {
	return func(h *Handler) { h.allowedOrigins = origins }
}

// WithConnRegistry shares a connection registry with the caller.
func WithConnRegistry(r *ConnRegistry) HandlerOption {
	return func(h *Handler) { h.conns = r }
}

// WithHandlerLogger sets the handler logger.
func WithHandlerLogger(logger *slog.Logger) HandlerOption {
	return func(h *Handler) { h.logger = logger }
}

// NewHandler creates a tutor HTTP handler.
func NewHandler(svc *Service, opts ...HandlerOption) *Handler {
	h := &Handler{
		svc:         svc,
		conns:       NewConnRegistry(),
		heartbeat:   defaultHeartbeatInterval,
		maxBodySize: defaultMaxRequestBodySize,
		logger:      slog.Default(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// RegisterRoutes registers tutor routes. The identity middleware must run
// before them.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Route("/api/tutor/sessions", func(r chi.Router) {
		r.Post("/", h.CreateSession)
		r.Get("/", h.ListSessions)
		r.Route("/{sessionID}", func(r chi.Router) {
			r.Get("/", h.GetSession)
			r.Delete("/", h.DeleteSession)
			r.Post("/messages", h.Ask)
			r.Post("/stream", h.Stream)
		})
	})
	r.Get("/ws/tutor/sessions/{sessionID}", h.HandleStreamWS)
}

// Close drops every live WebSocket connection.
func (h *Handler) Close() {
	h.conns.CloseAll()
}

// CloseSession drops the live connection of an evicted session.
func (h *Handler) CloseSession(owner, sessionID string) {
	h.conns.CloseSession(owner, sessionID)
}

// CreateSession handles POST /api/tutor/sessions.
func (h *Handler) CreateSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	var req createSessionRequest
	if !h.decode(w, r, &req) {
		return
	}
	api.JSON(w, http.StatusCreated, h.svc.CreateSession(userID, req.Topic))
}

// ListSessions handles GET /api/tutor/sessions.
func (h *Handler) ListSessions(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	api.JSON(w, http.StatusOK, map[string]any{"sessions": h.svc.ListSessions(userID)})
}

// GetSession handles GET /api/tutor/sessions/{sessionID}.
func (h *Handler) GetSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	sess, err := h.svc.GetSession(userID, chi.URLParam(r, "sessionID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.JSON(w, http.StatusOK, sess)
}

// DeleteSession handles DELETE /api/tutor/sessions/{sessionID}.
func (h *Handler) DeleteSession(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	sessionID := chi.URLParam(r, "sessionID")
	if err := h.svc.DeleteSession(userID, sessionID); err != nil {
		h.writeError(w, r, err)
		return
	}
	h.conns.CloseSession(userID, sessionID)
	w.WriteHeader(http.StatusNoContent)
}

// Ask handles POST /api/tutor/sessions/{sessionID}/messages.
func (h *Handler) Ask(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	var req askRequest
	if !h.decode(w, r, &req) {
		return
	}
	answer, err := h.svc.Ask(r.Context(), userID, chi.URLParam(r, "sessionID"), req.Message)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	api.JSON(w, http.StatusOK, answer)
}

// Stream handles POST /api/tutor/sessions/{sessionID}/stream. Admission and
// lookup failures are plain JSON errors; once the first event is written the
// response is an SSE stream and failures arrive as an error event.
func (h *Handler) Stream(w http.ResponseWriter, r *http.Request) {
	userID, ok := h.user(w, r)
	if !ok {
		return
	}
	var req askRequest
	if !h.decode(w, r, &req) {
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		api.Error(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	sessionID := chi.URLParam(r, "sessionID")
	reqID := chiMiddleware.GetReqID(r.Context())
	logger := h.logger.With("user_id", userID, "session_id", sessionID, "request_id", reqID)
	sse := &sseStream{w: w, flusher: flusher, logger: logger}

	stop := make(chan struct{})
	defer close(stop)
	go sse.keepalive(h.heartbeat, stop)

	logger.Info("Tutor stream request", "message_length", len(req.Message))
	answer, err := h.svc.AskStream(r.Context(), userID, sessionID, req.Message, sse.callbacks())
	if err != nil {
		if !sse.isStarted() {
			h.writeError(w, r, err)
			return
		}
		if errors.Is(err, provider.ErrCancelled) {
			return
		}
		ev := ErrorEvent{Message: providerFailureMessage}
		if answer != nil {
			ev.Partial = answer.Content
		}
		sse.send(EventError, ev)
		return
	}
	sse.send(EventComplete, answer)
}

func (h *Handler) user(w http.ResponseWriter, r *http.Request) (string, bool) {
	userID := identity.UserIDFromContext(r.Context())
	if userID == "" {
		api.Error(w, http.StatusUnauthorized, "unauthorized")
		return "", false
	}
	return userID, true
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			api.Error(w, http.StatusRequestEntityTooLarge, "request body too large")
			return false
		}
		if errors.Is(err, io.EOF) {
			// Empty bodies decode to the zero request.
			return true
		}
		api.Error(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

// writeError maps service errors to status codes.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var denied *limiter.DeniedError
	switch {
	case errors.As(err, &denied):
		w.Header().Set("Retry-After", strconv.Itoa(max(int(math.Ceil(denied.Wait.Seconds())), 1)))
		api.Error(w, http.StatusTooManyRequests, denied.Error())
	case errors.Is(err, session.ErrNotFound):
		api.Error(w, http.StatusNotFound, "session not found")
	case errors.Is(err, ErrEmptyMessage), errors.Is(err, ErrMessageTooLong):
		api.Error(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, provider.ErrDisabled):
		api.Error(w, http.StatusServiceUnavailable, "tutor is not configured")
	case errors.Is(err, provider.ErrCancelled):
		// Client went away; nobody reads the response.
		w.WriteHeader(http.StatusServiceUnavailable)
	default:
		h.logger.Error("Tutor request failed",
			"path", r.URL.Path,
			"request_id", chiMiddleware.GetReqID(r.Context()),
			"error", err,
		)
		api.Error(w, http.StatusBadGateway, providerFailureMessage)
	}
}

// sseStream writes server-sent events. Headers go out with the first event
// so that admission failures can still use a normal status code.
type sseStream struct {
	mu      sync.Mutex
	w       http.ResponseWriter
	flusher http.Flusher
	logger  *slog.Logger
	started bool
	broken  bool
}

func (s *sseStream) isStarted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

func (s *sseStream) startLocked() {
	if s.started {
		return
	}
	s.w.Header().Set("Content-Type", "text/event-stream")
	s.w.Header().Set("Cache-Control", "no-cache")
	s.w.Header().Set("Connection", "keep-alive")
	s.w.Header().Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
	s.started = true
}

func (s *sseStream) send(event string, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		s.logger.Warn("failed to marshal SSE payload", "event", event, "error", err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.broken {
		return
	}
	s.startLocked()
	if err := writeSSE(s.w, event, string(data)); err != nil {
		s.logger.Debug("failed to write SSE event", "event", event, "error", err)
		s.broken = true
		return
	}
	s.flusher.Flush()
}

// keepalive writes comment pings until stop closes. Pings are only sent
// once the stream has started.
func (s *sseStream) keepalive(interval time.Duration, stop <-chan struct{}) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			if s.started && !s.broken {
				if _, err := fmt.Fprint(s.w, ": ping\n\n"); err != nil {
					s.broken = true
				} else {
					s.flusher.Flush()
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *sseStream) callbacks() streaming.Callbacks {
	return streaming.Callbacks{
		OnChunk: func(chunk domain.StreamingChunk, snap streaming.ProcessingState) {
			if chunk.IsComplete {
				return
			}
			s.send(EventChunk, ChunkEvent{
				Content:       chunk.Content,
				SequenceIndex: chunk.SequenceIndex,
				ChunkCount:    snap.ChunkCount,
			})
		},
		OnProcessed: func(pc streaming.ProcessedContent) {
			if pc.Content == "" {
				return
			}
			s.send(EventProcessed, pc)
		},
		OnValidated: func(res domain.ValidationResult) {
			s.send(EventValidated, res)
		},
		OnError: func(err error) {
			s.logger.Debug("Tutor stream processing error", "error", err)
		},
	}
}

func writeSSE(w io.Writer, event, data string) error {
	_, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
	return err
}
