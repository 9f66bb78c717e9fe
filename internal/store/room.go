package store

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
)

// StreamObserver is notified when a room creates a stream. Debug connections
// use it to eagerly subscribe to every stream in the room.
type StreamObserver interface {
	StreamCreated(s *Stream)
}

// Room is an isolated broadcast domain. It owns its streams; streams are
// created on first subscribe or push and live for the room's lifetime.
type Room struct {
	id string

	mu         sync.Mutex
	streams    map[string]*Stream
	watchers   map[StreamObserver]struct{}
	conns      map[uuid.UUID]context.CancelFunc
	lastActive time.Time
	closed     bool
}

// NewRoom creates an empty room.
func NewRoom(id string) *Room {
	metrics().rooms.Add(context.Background(), 1)
	return &Room{
		id:         id,
		streams:    make(map[string]*Stream),
		watchers:   make(map[StreamObserver]struct{}),
		conns:      make(map[uuid.UUID]context.CancelFunc),
		lastActive: time.Now(),
		closed:     false,
	}
}

// ID returns the room's opaque identifier.
func (r *Room) ID() string { return r.id }

// GetOrCreate returns the stream for key, creating it on first reference.
// Watchers are notified of creations after the stream is registered, so
// their subscriptions replay everything via the init snapshot.
func (r *Room) GetOrCreate(key string) *Stream {
	r.mu.Lock()
	s, ok := r.streams[key]
	if !ok {
		s = newStream(key)
		r.streams[key] = s
		metrics().streams.Add(context.Background(), 1)
	}
	watchers := make([]StreamObserver, 0, len(r.watchers))
	for w := range r.watchers {
		watchers = append(watchers, w)
	}
	r.mu.Unlock()

	if !ok {
		for _, w := range watchers {
			w.StreamCreated(s)
		}
	}
	return s
}

// Get returns the stream for key if it exists.
func (r *Room) Get(key string) (*Stream, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.streams[key]
	return s, ok
}

// Streams snapshots the current stream set.
func (r *Room) Streams() []*Stream {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Stream, 0, len(r.streams))
	for _, s := range r.streams {
		out = append(out, s)
	}
	return out
}

// Watch registers a stream observer for future creations.
func (r *Room) Watch(o StreamObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.watchers[o] = struct{}{}
}

// Unwatch removes a stream observer. Idempotent.
func (r *Room) Unwatch(o StreamObserver) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.watchers, o)
}

// Attach registers a connection's cancel hook so the room can tear it down
// on eviction. Returns false when the room is already closed.
func (r *Room) Attach(id uuid.UUID, cancel context.CancelFunc) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return false
	}
	r.conns[id] = cancel
	r.lastActive = time.Now()
	return true
}

// Detach removes a connection registration. Idempotent.
func (r *Room) Detach(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.conns, id)
}

// ActiveConnections reports the number of attached connections.
func (r *Room) ActiveConnections() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.conns)
}

// Touch bumps the room's activity clock. Called on every inbound message.
func (r *Room) Touch() {
	r.mu.Lock()
	r.lastActive = time.Now()
	r.mu.Unlock()
}

// IdleSince reports the last activity timestamp.
func (r *Room) IdleSince() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.lastActive
}

// Close marks the room closed and cancels every attached connection.
// Idempotent; used by the directory janitor on eviction.
func (r *Room) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	cancels := make([]context.CancelFunc, 0, len(r.conns))
	for _, cancel := range r.conns {
		cancels = append(cancels, cancel)
	}
	r.conns = make(map[uuid.UUID]context.CancelFunc)
	streams := int64(len(r.streams))
	r.mu.Unlock()

	for _, cancel := range cancels {
		cancel()
	}
	metrics().rooms.Add(context.Background(), -1)
	metrics().streams.Add(context.Background(), -streams)
}
