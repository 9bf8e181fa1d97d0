package session

import (
	"context"
	"time"

	"github.com/ashureev/tutor-pipeline/internal/domain"
)

// EvictionCallback is called for every session removed by the TTL worker.
type EvictionCallback func(sess domain.Session)

// EvictIdle deletes sessions idle for at least ttl and returns them.
// Sessions with an exchange in flight are skipped.
func (s *Store) EvictIdle(ttl time.Duration) []domain.Session {
	now := s.now()

	s.mu.Lock()
	var evicted []domain.Session
	for id, e := range s.sessions {
		if e.session.IdleFor(now) < ttl {
			continue
		}
		select {
		case e.sem <- struct{}{}:
			// Not busy; the entry is dropped together with its lock.
			delete(s.sessions, id)
			close(e.gone)
			evicted = append(evicted, e.session.Clone())
		default:
		}
	}
	s.mu.Unlock()

	if s.persister != nil {
		for _, sess := range evicted {
			if err := s.persister.DeleteSession(context.Background(), sess.ID); err != nil {
				s.logger.Warn("failed to delete evicted session", "session_id", sess.ID, "error", err)
			}
		}
	}
	return evicted
}

// StartTTLWorker runs a background goroutine that periodically evicts idle
// sessions until ctx is cancelled.
func (s *Store) StartTTLWorker(ctx context.Context, ttl, interval time.Duration, onEvict EvictionCallback) {
	if ttl <= 0 || interval <= 0 {
		s.logger.Info("Session TTL worker disabled", "ttl", ttl, "interval", interval)
		return
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		s.logger.Info("Session TTL worker started", "interval", interval, "ttl", ttl)

		for {
			select {
			case <-ticker.C:
				evicted := s.EvictIdle(ttl)
				if len(evicted) == 0 {
					continue
				}
				s.logger.Info("Session TTL worker evicted sessions", "count", len(evicted))
				if onEvict != nil {
					for _, sess := range evicted {
						onEvict(sess)
					}
				}
			case <-ctx.Done():
				s.logger.Info("Session TTL worker shutting down", "reason", ctx.Err())
				return
			}
		}
	}()
}
