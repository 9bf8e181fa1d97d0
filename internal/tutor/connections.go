package tutor

import (
	"log/slog"
	"sync"

	"github.com/coder/websocket"
)

// closer is the part of *websocket.Conn the registry needs.
type closer interface {
	Close(code websocket.StatusCode, reason string) error
}

// ConnRegistry tracks the live WebSocket per user and tutor session. A new
// connection for the same pair replaces the old one.
type ConnRegistry struct {
	mu     sync.RWMutex
	active map[string]map[string]closer
}

// NewConnRegistry creates an empty registry.
func NewConnRegistry() *ConnRegistry {
	return &ConnRegistry{active: make(map[string]map[string]closer)}
}

// Active returns the live connection for userID and sessionID.
func (m *ConnRegistry) Active(userID, sessionID string) closer {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if sessions, ok := m.active[userID]; ok {
		return sessions[sessionID]
	}
	return nil
}

// Register records conn, closing any connection it replaces.
func (m *ConnRegistry) Register(userID, sessionID string, conn closer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, ok := m.active[userID]; !ok {
		m.active[userID] = make(map[string]closer)
	}
	if existing, ok := m.active[userID][sessionID]; ok && existing != conn {
		_ = existing.Close(websocket.StatusPolicyViolation, "replaced by a newer connection")
	}
	m.active[userID][sessionID] = conn
	slog.Debug("Tutor stream connection registered", "user_id", userID, "session_id", sessionID)
}

// Unregister removes conn if it is still the registered connection.
func (m *ConnRegistry) Unregister(userID, sessionID string, conn closer) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, ok := m.active[userID]
	if !ok {
		return
	}
	if current, ok := sessions[sessionID]; ok && current == conn {
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(m.active, userID)
		}
	}
}

// CloseSession closes the live connection of a deleted or evicted session.
func (m *ConnRegistry) CloseSession(userID, sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sessions, ok := m.active[userID]
	if !ok {
		return
	}
	if conn, ok := sessions[sessionID]; ok {
		_ = conn.Close(websocket.StatusNormalClosure, "session closed")
		delete(sessions, sessionID)
		if len(sessions) == 0 {
			delete(m.active, userID)
		}
	}
}

// CloseAll closes every connection, for shutdown.
func (m *ConnRegistry) CloseAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for userID, sessions := range m.active {
		for _, conn := range sessions {
			_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		}
		delete(m.active, userID)
	}
}

// Len returns the number of live connections.
func (m *ConnRegistry) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, sessions := range m.active {
		n += len(sessions)
	}
	return n
}
