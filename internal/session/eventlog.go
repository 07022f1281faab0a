package session

import (
	"sync"
	"time"
)

// eventBufferSize is the number of lifecycle events kept per session id.
const eventBufferSize = 100

// EventRecord is a lifecycle event kept for inspection after the fact.
type EventRecord struct {
	SessionID string    `json:"session_id"`
	Type      EventType `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	Code      Code      `json:"code,omitempty"`
	Message   string    `json:"message,omitempty"`
}

// EventLog keeps a ring buffer of lifecycle events per session id. It is fed
// by registering Record as a router observer.
type EventLog struct {
	mu      sync.RWMutex
	buffers map[string]*ring[EventRecord]
}

// NewEventLog returns an empty log.
func NewEventLog() *EventLog {
	return &EventLog{buffers: make(map[string]*ring[EventRecord])}
}

// Record stores a lifecycle event. Data events are ignored.
func (l *EventLog) Record(ev Event) {
	if ev.Type == EventData {
		return
	}
	rec := EventRecord{SessionID: ev.SessionID, Type: ev.Type, Timestamp: ev.Time}
	if ev.Err != nil {
		rec.Code = ev.Err.Code
		rec.Message = ev.Err.Message
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	buf, ok := l.buffers[ev.SessionID]
	if !ok {
		if len(l.buffers) >= maxTrackedSessions {
			l.evictOldestLocked()
		}
		buf = newRing[EventRecord](eventBufferSize)
		l.buffers[ev.SessionID] = buf
	}
	buf.add(rec)
}

// evictOldestLocked drops the session whose latest event is the oldest.
func (l *EventLog) evictOldestLocked() {
	var (
		oldestID string
		oldest   time.Time
	)
	for id, buf := range l.buffers {
		events := buf.list()
		last := events[len(events)-1].Timestamp
		if oldestID == "" || last.Before(oldest) {
			oldestID, oldest = id, last
		}
	}
	delete(l.buffers, oldestID)
}

// Events returns the history for id, oldest first.
func (l *EventLog) Events(id string) []EventRecord {
	l.mu.RLock()
	defer l.mu.RUnlock()
	buf, ok := l.buffers[id]
	if !ok {
		return nil
	}
	return buf.list()
}

// Forget deletes the history for id.
func (l *EventLog) Forget(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.buffers, id)
}
