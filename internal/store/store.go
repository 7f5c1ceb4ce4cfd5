package store

import (
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	// ErrSessionNotFound is returned when no session exists for a call.
	ErrSessionNotFound = errors.New("session not found")
	// ErrSessionClosed is returned when a session no longer accepts appends.
	ErrSessionClosed = errors.New("session is finalizing or closed")
)

// State is the lifecycle state of a call session.
type State int

const (
	StateStarting State = iota
	StateActive
	StateEnding
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateStarting:
		return "starting"
	case StateActive:
		return "active"
	case StateEnding:
		return "ending"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// TranscriptSeparator joins transcript fragments.
const TranscriptSeparator = " "

// SuggestionSeparator joins suggestions into the text handed to the CRM.
const SuggestionSeparator = "\n\n"

// CallSession is the in-memory record of one call's transcript and suggestions.
type CallSession struct {
	mu          sync.Mutex
	callID      string
	state       State
	transcript  []string
	suggestions []string
	createdAt   time.Time
}

// Snapshot is a point-in-time copy of a CallSession.
type Snapshot struct {
	CallID      string
	State       State
	Transcript  []string
	Suggestions []string
	CreatedAt   time.Time
}

// TranscriptText returns the fragments joined in arrival order.
func (s Snapshot) TranscriptText() string {
	return strings.Join(s.Transcript, TranscriptSeparator)
}

// SuggestionsText returns the suggestions joined with a blank line.
func (s Snapshot) SuggestionsText() string {
	return strings.Join(s.Suggestions, SuggestionSeparator)
}

func (cs *CallSession) snapshot() Snapshot {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return Snapshot{
		CallID:      cs.callID,
		State:       cs.state,
		Transcript:  append([]string(nil), cs.transcript...),
		Suggestions: append([]string(nil), cs.suggestions...),
		CreatedAt:   cs.createdAt,
	}
}

// Store maps call ids to their sessions. It is safe for concurrent use.
//
// The map lock only guards membership; each session carries its own lock so
// appends for different calls never contend.
type Store struct {
	mu       sync.RWMutex
	sessions map[string]*CallSession
	now      func() time.Time
}

func New() *Store {
	return &Store{
		sessions: make(map[string]*CallSession),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

func (s *Store) lookup(callID string) *CallSession {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[callID]
}

// Get returns a snapshot of the session for callID.
func (s *Store) Get(callID string) (Snapshot, bool) {
	cs := s.lookup(callID)
	if cs == nil {
		return Snapshot{}, false
	}
	return cs.snapshot(), true
}

// GetOrCreate returns the session for callID, creating it in the starting
// state when absent. The boolean reports whether a session was created.
func (s *Store) GetOrCreate(callID string) (Snapshot, bool) {
	if cs := s.lookup(callID); cs != nil {
		return cs.snapshot(), false
	}

	s.mu.Lock()
	cs, ok := s.sessions[callID]
	if !ok {
		cs = &CallSession{
			callID:    callID,
			state:     StateStarting,
			createdAt: s.now(),
		}
		s.sessions[callID] = cs
	}
	s.mu.Unlock()

	return cs.snapshot(), !ok
}

// AppendTranscript appends one fragment. The first append moves a starting
// session to active.
func (s *Store) AppendTranscript(callID, text string) error {
	cs := s.lookup(callID)
	if cs == nil {
		return ErrSessionNotFound
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.state >= StateEnding {
		return ErrSessionClosed
	}
	cs.transcript = append(cs.transcript, text)
	cs.state = StateActive
	return nil
}

// AppendSuggestion appends one suggestion. It never creates a session, so a
// completion that arrives after the call ended is reported, not stored.
func (s *Store) AppendSuggestion(callID, text string) error {
	cs := s.lookup(callID)
	if cs == nil {
		return ErrSessionNotFound
	}

	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.state >= StateEnding {
		return ErrSessionClosed
	}
	cs.suggestions = append(cs.suggestions, text)
	return nil
}

// BeginFinalize moves the session to the ending state and returns what it
// accumulated. Later appends are rejected.
func (s *Store) BeginFinalize(callID string) (Snapshot, bool) {
	cs := s.lookup(callID)
	if cs == nil {
		return Snapshot{}, false
	}

	cs.mu.Lock()
	if cs.state < StateEnding {
		cs.state = StateEnding
	}
	cs.mu.Unlock()

	return cs.snapshot(), true
}

// Delete closes and removes the session. Deleting an unknown call is a no-op.
func (s *Store) Delete(callID string) {
	s.mu.Lock()
	cs, ok := s.sessions[callID]
	delete(s.sessions, callID)
	s.mu.Unlock()

	if !ok {
		return
	}
	cs.mu.Lock()
	cs.state = StateClosed
	cs.mu.Unlock()
}

// Len returns the number of live sessions.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}
