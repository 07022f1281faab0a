package session

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/gluk-w/sshdeck/internal/endpoint"
	"github.com/gluk-w/sshdeck/internal/transport"
)

// Record is one live session. Its fields are owned by the Manager and only
// touched with the session's lock held.
type Record struct {
	id        string
	surfaceID string
	endpoint  endpoint.Descriptor
	state     State
	createdAt time.Time
	readyAt   time.Time

	conn    transport.Conn
	channel transport.Channel

	timer    *time.Timer
	timerSeq uint64
	opening  bool

	// ctx is cancelled by disposal; it bounds the transport's connect and
	// shell-open work.
	ctx    context.Context
	cancel context.CancelFunc
}

// ID returns the caller-chosen session id.
func (r *Record) ID() string { return r.id }

// SurfaceID returns the owner surface.
func (r *Record) SurfaceID() string { return r.surfaceID }

// Registry maps session ids to live records.
type Registry struct {
	mu      sync.RWMutex
	records map[string]*Record
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{records: make(map[string]*Record)}
}

// Get returns the record for id.
func (r *Registry) Get(id string) (*Record, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	return rec, ok
}

// Put stores rec under id, overwriting any existing entry. The caller
// disposes the previous record first.
func (r *Registry) Put(id string, rec *Record) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[id] = rec
}

// Remove deletes id and reports whether it was present.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.records[id]
	delete(r.records, id)
	return ok
}

// Snapshot returns the live ids in sorted order.
func (r *Registry) Snapshot() []string {
	r.mu.RLock()
	ids := make([]string, 0, len(r.records))
	for id := range r.records {
		ids = append(ids, id)
	}
	r.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

// Len returns the number of live records.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.records)
}
