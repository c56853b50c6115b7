package storage

import (
	"sync"
	"time"
)

// EventKind identifies a local adapter event.
type EventKind string

const (
	EventGet    EventKind = "get"
	EventSet    EventKind = "set"
	EventDelete EventKind = "delete"
	EventClear  EventKind = "clear"
	EventError  EventKind = "error"

	// Transport-backed adapters only.
	EventConnected    EventKind = "connected"
	EventDisconnected EventKind = "disconnected"
	EventRemote       EventKind = "remote"
)

// Event is delivered to in-process subscribers. Remote carries the mutation
// details when Kind == EventRemote; Err is set when Kind == EventError.
type Event struct {
	Kind       EventKind
	Collection string
	Key        string
	Value      any
	Count      int64
	Err        error
	Remote     *RemoteMutation
	Timestamp  time.Time
}

// RemoteMutation describes a mutation initiated by another connection sharing
// the same channel.
type RemoteMutation struct {
	Kind       EventKind // set, delete or clear
	Collection string
	Key        string
	Value      any
}

// Handler receives events. Handlers run synchronously on the emitting
// goroutine; delivery is fire-and-forget and order-preserving per kind.
type Handler func(Event)

// Subscription identifies a registered handler for removal.
type Subscription int

// Emitter is the adapter-local notification surface. It is deliberately
// separate from the cross-connection broadcast path: local events never
// travel over the wire.
type Emitter struct {
	mu       sync.RWMutex
	next     Subscription
	handlers map[EventKind]map[Subscription]Handler
	all      map[Subscription]Handler
}

func NewEmitter() *Emitter {
	return &Emitter{
		handlers: make(map[EventKind]map[Subscription]Handler),
		all:      make(map[Subscription]Handler),
	}
}

// On registers a handler for one event kind.
func (e *Emitter) On(kind EventKind, h Handler) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.next++
	if e.handlers[kind] == nil {
		e.handlers[kind] = make(map[Subscription]Handler)
	}
	e.handlers[kind][e.next] = h
	return e.next
}

// OnAny registers a handler for every event kind.
func (e *Emitter) OnAny(h Handler) Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.next++
	e.all[e.next] = h
	return e.next
}

// Off removes a handler.
func (e *Emitter) Off(sub Subscription) {
	e.mu.Lock()
	defer e.mu.Unlock()

	delete(e.all, sub)
	for _, m := range e.handlers {
		delete(m, sub)
	}
}

// Emit delivers an event to all subscribers of its kind.
func (e *Emitter) Emit(ev Event) {
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now()
	}

	e.mu.RLock()
	kindHandlers := make([]Handler, 0, len(e.handlers[ev.Kind])+len(e.all))
	for _, h := range e.handlers[ev.Kind] {
		kindHandlers = append(kindHandlers, h)
	}
	for _, h := range e.all {
		kindHandlers = append(kindHandlers, h)
	}
	e.mu.RUnlock()

	for _, h := range kindHandlers {
		h(ev)
	}
}

// Reset drops every subscriber. Called by Adapter.Close.
func (e *Emitter) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.handlers = make(map[EventKind]map[Subscription]Handler)
	e.all = make(map[Subscription]Handler)
}
