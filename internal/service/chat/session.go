package chat

import (
	"sync"
	"time"

	"github.com/zhouzirui/qa-bot/backend/internal/model/chat"
)

// State is the position of a session in the question lifecycle.
type State int

const (
	StateIdle State = iota
	StateAwaitingResponse
	StateStreaming
	StateAccumulating
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateStreaming:
		return "streaming"
	case StateAccumulating:
		return "accumulating"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Session owns the transcript of one conversation. The transcript is
// append-only: turns are never edited or removed while the session lives.
type Session struct {
	id        string
	createdAt time.Time

	mu         sync.RWMutex
	turns      []chat.Turn
	state      State
	lastActive time.Time
}

func newSession(id string, now time.Time) *Session {
	return &Session{
		id:         id,
		createdAt:  now,
		turns:      make([]chat.Turn, 0, 16),
		state:      StateIdle,
		lastActive: now,
	}
}

// ID returns the session identifier.
func (s *Session) ID() string {
	return s.id
}

// Append adds a turn to the end of the transcript.
func (s *Session) Append(turn chat.Turn) {
	s.mu.Lock()
	s.turns = append(s.turns, turn)
	s.lastActive = time.Now().UTC()
	s.mu.Unlock()
}

// All returns a copy of the transcript in insertion order.
func (s *Session) All() []chat.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()

	copied := make([]chat.Turn, len(s.turns))
	copy(copied, s.turns)
	return copied
}

// Len reports the number of turns recorded so far.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.turns)
}

// State reports where the session is in the question lifecycle.
func (s *Session) State() State {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Info returns the session metadata.
func (s *Session) Info() chat.SessionInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return chat.SessionInfo{ID: s.id, CreatedAt: s.createdAt, LastActive: s.lastActive}
}

// since returns the turns appended after the first n.
func (s *Session) since(n int) []chat.Turn {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n >= len(s.turns) {
		return nil
	}
	copied := make([]chat.Turn, len(s.turns)-n)
	copy(copied, s.turns[n:])
	return copied
}

// begin moves an idle session to AwaitingResponse. It reports false when a
// question is already in flight.
func (s *Session) begin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateIdle {
		return false
	}
	s.state = StateAwaitingResponse
	s.lastActive = time.Now().UTC()
	return true
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
}

// idleSince reports whether the session has no question in flight and has
// not been touched after cutoff.
func (s *Session) idleSince(cutoff time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state == StateIdle && s.lastActive.Before(cutoff)
}
