package session

import (
	"sync"
	"time"

	"github.com/gluk-w/sshdeck/internal/logging"
	"github.com/sirupsen/logrus"
)

// EventType is the kind of notification pushed to an owner surface.
type EventType string

const (
	EventConnected EventType = "connected"
	EventData      EventType = "data"
	EventError     EventType = "error"
	EventClose     EventType = "close"
)

// Event is one notification addressed to a surface by session id.
type Event struct {
	Type      EventType
	SessionID string
	SurfaceID string
	Time      time.Time

	// Data holds inbound bytes for EventData. Stderr is set when they came
	// from the remote error stream.
	Data   []byte
	Stderr bool

	// Err is the failure for EventError, or the optional reason for
	// EventClose.
	Err *Error

	// Host and Username identify the endpoint. Duration is the session's
	// age on EventClose.
	Host     string
	Username string
	Duration time.Duration
}

// Sink receives events for one surface. Deliver is called with the session's
// lock held, so a slow sink stalls Close and every other operation on that
// session. It may block briefly to apply backpressure but must bound the
// wait and return once the surface goes away.
type Sink interface {
	Deliver(Event)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(Event)

func (f SinkFunc) Deliver(ev Event) { f(ev) }

// Observer receives every lifecycle event (everything except EventData)
// regardless of surface.
type Observer func(Event)

// Router delivers events to the sink attached for the owner surface.
type Router struct {
	mu        sync.RWMutex
	sinks     map[string]Sink
	observers []Observer
	taps      []Observer
	log       *logrus.Entry
}

// NewRouter returns an empty router.
func NewRouter() *Router {
	return &Router{
		sinks: make(map[string]Sink),
		log:   logging.For("router"),
	}
}

// Attach registers sink for surfaceID, replacing any previous one.
func (r *Router) Attach(surfaceID string, sink Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[surfaceID] = sink
}

// Detach removes the sink for surfaceID. Events for it are dropped afterward.
func (r *Router) Detach(surfaceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sinks, surfaceID)
}

// Observe registers an observer for lifecycle events.
func (r *Router) Observe(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.observers = append(r.observers, o)
}

// Tap registers an observer for every event, data included. Taps run with
// the session's lock held and should not block.
func (r *Router) Tap(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taps = append(r.taps, o)
}

// Publish delivers ev to its surface, then to every tap and, for lifecycle
// events, to every observer. A panicking sink or observer is logged and
// skipped.
func (r *Router) Publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}

	r.mu.RLock()
	sink := r.sinks[ev.SurfaceID]
	observers := append([]Observer(nil), r.taps...)
	if ev.Type != EventData {
		observers = append(observers, r.observers...)
	}
	r.mu.RUnlock()

	if sink != nil {
		r.call(ev, sink.Deliver)
	} else if ev.Type != EventData {
		r.log.WithFields(logrus.Fields{
			"session": ev.SessionID,
			"surface": ev.SurfaceID,
			"event":   ev.Type,
		}).Debug("no sink attached, event dropped")
	}

	for _, o := range observers {
		r.call(ev, o)
	}
}

func (r *Router) call(ev Event, fn func(Event)) {
	defer func() {
		if p := recover(); p != nil {
			r.log.WithFields(logrus.Fields{
				"session": ev.SessionID,
				"event":   ev.Type,
				"panic":   p,
			}).Error("event handler panicked")
		}
	}()
	fn(ev)
}
