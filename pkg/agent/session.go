package agent

import (
	"slices"
	"sync"
	"time"
)

type sessionState struct {
	mu       sync.Mutex
	history  []Message
	lastUsed time.Time
}

// SessionStore keeps per-session conversation history in memory. Each
// session has its own lock, held for the whole of a run.
type SessionStore struct {
	mu         sync.Mutex
	sessions   map[string]*sessionState
	maxHistory int
}

// NewSessionStore creates a store keeping at most maxHistory messages per
// session; zero keeps everything.
func NewSessionStore(maxHistory int) *SessionStore {
	return &SessionStore{
		sessions:   make(map[string]*sessionState),
		maxHistory: maxHistory,
	}
}

// acquire locks and returns the session state, creating it on first use.
func (s *SessionStore) acquire(key string) *sessionState {
	for {
		s.mu.Lock()
		st, ok := s.sessions[key]
		if !ok {
			st = &sessionState{}
			s.sessions[key] = st
		}
		s.mu.Unlock()

		st.mu.Lock()
		s.mu.Lock()
		current := s.sessions[key]
		s.mu.Unlock()
		if current == st {
			st.lastUsed = time.Now()
			return st
		}
		// pruned or reset while waiting
		st.mu.Unlock()
	}
}

// append adds messages and trims the oldest ones past the limit. Trimming
// never leaves a tool result without the assistant turn that requested it.
func (s *SessionStore) append(st *sessionState, msgs ...Message) {
	st.history = append(st.history, msgs...)
	if s.maxHistory <= 0 || len(st.history) <= s.maxHistory {
		return
	}
	drop := len(st.history) - s.maxHistory
	for drop < len(st.history) && st.history[drop].Role == RoleTool {
		drop++
	}
	st.history = slices.Clone(st.history[drop:])
}

// History returns a copy of the session's messages.
func (s *SessionStore) History(key string) []Message {
	s.mu.Lock()
	st, ok := s.sessions[key]
	s.mu.Unlock()
	if !ok {
		return nil
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	return slices.Clone(st.history)
}

// Reset forgets a session.
func (s *SessionStore) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.sessions, key)
}

// Len returns the number of known sessions.
func (s *SessionStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sessions)
}

// Prune forgets sessions idle for longer than maxIdle and returns how many
// were removed. Sessions with a run in progress are skipped.
func (s *SessionStore) Prune(maxIdle time.Duration) int {
	cutoff := time.Now().Add(-maxIdle)

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for key, st := range s.sessions {
		if !st.mu.TryLock() {
			continue
		}
		if st.lastUsed.Before(cutoff) {
			delete(s.sessions, key)
			removed++
		}
		st.mu.Unlock()
	}
	return removed
}
