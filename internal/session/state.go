package session

import (
	"sync"
	"time"
)

// State is a session's lifecycle state.
type State int

const (
	StateConnecting State = iota
	StateReady
	StateDisposed
)

func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateDisposed:
		return "disposed"
	default:
		return "unknown"
	}
}

// MarshalText renders the state by name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// transitionBufferSize is the number of transitions kept per session id.
const transitionBufferSize = 50

// Transition records a single state change.
type Transition struct {
	From      State     `json:"from"`
	To        State     `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// StateChangeCallback is invoked synchronously on every state change while
// the session's lock is held. It must not call back into the Manager for the
// same session id.
type StateChangeCallback func(id string, from, to State)

type stateEntry struct {
	current     State
	transitions *ring[Transition]
}

// stateTracker keeps each session id's latest state and transition history.
// Entries outlive disposal so a failed session can still be inspected.
type stateTracker struct {
	mu        sync.RWMutex
	states    map[string]*stateEntry
	callbacks []StateChangeCallback
}

func newStateTracker() *stateTracker {
	return &stateTracker{states: make(map[string]*stateEntry)}
}

// transition moves id to state and records it. Repeating the current state is
// a no-op. An id seen for the first time starts from StateDisposed, so a
// reconnect and a first connect record the same edge.
func (st *stateTracker) transition(id string, state State, reason string) {
	st.mu.Lock()
	entry, ok := st.states[id]
	if !ok {
		st.evictLocked()
		entry = &stateEntry{current: StateDisposed, transitions: newRing[Transition](transitionBufferSize)}
		st.states[id] = entry
	}
	from := entry.current
	if from == state {
		st.mu.Unlock()
		return
	}
	entry.current = state
	entry.transitions.add(Transition{From: from, To: state, Timestamp: time.Now(), Reason: reason})

	cbs := make([]StateChangeCallback, len(st.callbacks))
	copy(cbs, st.callbacks)
	st.mu.Unlock()

	for _, cb := range cbs {
		cb(id, from, state)
	}
}

// evictLocked drops one disposed entry once the tracker is full.
func (st *stateTracker) evictLocked() {
	if len(st.states) < maxTrackedSessions {
		return
	}
	for id, e := range st.states {
		if e.current == StateDisposed {
			delete(st.states, id)
			return
		}
	}
}

func (st *stateTracker) history(id string) []Transition {
	st.mu.RLock()
	defer st.mu.RUnlock()
	entry, ok := st.states[id]
	if !ok {
		return nil
	}
	return entry.transitions.list()
}

func (st *stateTracker) onStateChange(cb StateChangeCallback) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.callbacks = append(st.callbacks, cb)
}
