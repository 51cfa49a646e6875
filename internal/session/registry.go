// Package session owns the mapping from connection IDs to active chat
// sessions. A connection holds at most one session; creating a new one
// replaces the old.
package session

import (
	"log"
	"strings"
	"sync"
	"time"
)

// TypingReleaser drops a connection's typing marker when its session goes
// away. Satisfied by the typing tracker.
type TypingReleaser interface {
	Stop(connID string) (room string, changed bool)
}

// Session is the per-connection chat state.
type Session struct {
	ConnID       string
	Room         string
	DisplayName  string
	JoinedAt     time.Time
	LastActivity time.Time
}

// Registry owns all live sessions.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]*Session
	typing   TypingReleaser
}

// NewRegistry creates an empty Registry. typing may be nil, in which case
// destroying a session does not touch typing state.
func NewRegistry(typing TypingReleaser) *Registry {
	return &Registry{
		sessions: make(map[string]*Session),
		typing:   typing,
	}
}

// Create stores a session for the connection, replacing any prior session
// after cleaning it up. Display name validation is the caller's
// responsibility.
func (r *Registry) Create(connID, room, displayName string) *Session {
	r.mu.Lock()
	if _, ok := r.sessions[connID]; ok {
		delete(r.sessions, connID)
		r.mu.Unlock()
		// Drop the stale typing marker outside the registry lock.
		if r.typing != nil {
			r.typing.Stop(connID)
		}
		r.mu.Lock()
	}

	now := time.Now()
	s := &Session{
		ConnID:       connID,
		Room:         room,
		DisplayName:  displayName,
		JoinedAt:     now,
		LastActivity: now,
	}
	r.sessions[connID] = s
	r.mu.Unlock()

	log.Printf("[session] created conn=%s room=%q name=%q", connID, room, displayName)
	return s
}

// Get returns a copy of the connection's session and refreshes its
// last-activity timestamp. Any lookup counts as a liveness signal.
func (r *Registry) Get(connID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[connID]
	if !ok {
		return Session{}, false
	}
	s.LastActivity = time.Now()
	return *s, true
}

// Peek returns a copy of the session without refreshing activity.
func (r *Registry) Peek(connID string) (Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.sessions[connID]
	if !ok {
		return Session{}, false
	}
	return *s, true
}

// Destroy removes the connection's session and releases any typing marker
// it holds. It returns the display name the session held, or ("", false)
// if there was no session.
func (r *Registry) Destroy(connID string) (string, bool) {
	r.mu.Lock()
	s, ok := r.sessions[connID]
	if !ok {
		r.mu.Unlock()
		return "", false
	}
	delete(r.sessions, connID)
	r.mu.Unlock()

	if r.typing != nil {
		r.typing.Stop(connID)
	}
	log.Printf("[session] destroyed conn=%s name=%q", connID, s.DisplayName)
	return s.DisplayName, true
}

// FindDuplicates returns the connection IDs of other live sessions in the
// same room whose display name matches case-insensitively. Used to evict
// the older half of a reconnect race.
func (r *Registry) FindDuplicates(room, displayName, excludeConnID string) []string {
	lower := strings.ToLower(displayName)

	r.mu.Lock()
	defer r.mu.Unlock()

	var dups []string
	for id, s := range r.sessions {
		if id == excludeConnID {
			continue
		}
		if s.Room == room && strings.ToLower(s.DisplayName) == lower {
			dups = append(dups, id)
		}
	}
	return dups
}

// ReapStale removes every session idle longer than maxIdle and returns the
// removed sessions so the caller can finish room and typing cleanup.
func (r *Registry) ReapStale(maxIdle time.Duration) []Session {
	cutoff := time.Now().Add(-maxIdle)

	r.mu.Lock()
	var stale []Session
	for id, s := range r.sessions {
		if s.LastActivity.Before(cutoff) {
			stale = append(stale, *s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range stale {
		if r.typing != nil {
			r.typing.Stop(s.ConnID)
		}
		log.Printf("[session] reaped idle conn=%s name=%q", s.ConnID, s.DisplayName)
	}
	return stale
}

// Count returns the number of live sessions.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}
