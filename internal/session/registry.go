package session

import (
	"sort"
	"sync"

	"github.com/shehryarbajwa/meetbot/pkg/metrics"
)

// Registry maps meeting ids to live sessions. It is the single source of
// truth for what is active.
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{sessions: make(map[string]*Session)}
}

// InsertIfAbsent adds s unless a session for the same meeting exists, in
// which case the existing one is returned.
func (r *Registry) InsertIfAbsent(s *Session) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.sessions[s.MeetingID()]; ok {
		return existing, false
	}
	r.sessions[s.MeetingID()] = s
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	return s, true
}

// Get returns the live session for meetingID.
func (r *Registry) Get(meetingID string) (*Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[meetingID]
	return s, ok
}

// Remove deletes the entry only if it still points at s.
func (r *Registry) Remove(meetingID string, s *Session) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if current, ok := r.sessions[meetingID]; !ok || current != s {
		return false
	}
	delete(r.sessions, meetingID)
	metrics.ActiveSessions.Set(float64(len(r.sessions)))
	return true
}

// Len is the number of live sessions.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}

// Snapshot returns the live sessions, oldest first.
func (r *Registry) Snapshot() []*Session {
	r.mu.RLock()
	out := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		out = append(out, s)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		return out[i].StartedAt().Before(out[j].StartedAt())
	})
	return out
}
