package reactivedb

import (
	"sort"
	"sync"

	"github.com/reactivedb/reactivedb/internal/logging"
	"go.uber.org/zap"
)

// EventKind tags the payload carried by an Event. Names mirror the
// contracts in the collection's event table; they are documentation, not
// wire identifiers.
type EventKind string

const (
	EventAdded     EventKind = "added"
	EventChanged   EventKind = "changed"
	EventRemoved   EventKind = "removed"
	EventInsert    EventKind = "insert"
	EventUpdateOne EventKind = "updateOne"
	EventUpdateMany EventKind = "updateMany"
	EventReplaceOne EventKind = "replaceOne"
	EventRemoveOne  EventKind = "removeOne"
	EventRemoveMany EventKind = "removeMany"

	EventObserverCreated  EventKind = "observer.created"
	EventObserverDisposed EventKind = "observer.disposed"

	EventPersistenceInit           EventKind = "persistence.init"
	EventPersistenceReceived       EventKind = "persistence.received"
	EventPersistenceTransmitted    EventKind = "persistence.transmitted"
	EventPersistencePullStarted    EventKind = "persistence.pullStarted"
	EventPersistencePullCompleted  EventKind = "persistence.pullCompleted"
	EventPersistencePushStarted    EventKind = "persistence.pushStarted"
	EventPersistencePushCompleted  EventKind = "persistence.pushCompleted"
	EventPersistenceError          EventKind = "persistence.error"

	EventDebug EventKind = "_debug"
)

// Event is the tagged-variant payload emitted by a Collection. Not every
// field is populated for every Kind; see the per-operation contracts in
// Collection for which fields a given Kind carries.
type Event struct {
	Kind     EventKind
	Item     Document
	Modifier Modifier
	Count    int
	Err      error
	CallSite string
	Debug    string
}

// Listener receives every Event a Collection emits.
type Listener func(Event)

// listenerRegistry is a synchronous, panic-isolating fan-out of Events,
// matching the teacher's broadcastEvent subscriber map (storage_impl.go)
// generalized from a single change-stream payload to the store's tagged
// event union.
type listenerRegistry struct {
	mu       sync.RWMutex
	nextID   int64
	handlers map[int64]Listener
}

func newListenerRegistry() *listenerRegistry {
	return &listenerRegistry{handlers: map[int64]Listener{}}
}

func (r *listenerRegistry) add(fn Listener) func() {
	r.mu.Lock()
	id := r.nextID
	r.nextID++
	r.handlers[id] = fn
	r.mu.Unlock()

	return func() {
		r.mu.Lock()
		delete(r.handlers, id)
		r.mu.Unlock()
	}
}

// emit dispatches ev to every registered handler in registration order. A
// handler that panics is recovered and logged; it never aborts the rest of
// the emit loop, per the propagation policy for listener callbacks.
func (r *listenerRegistry) emit(ev Event) {
	r.mu.RLock()
	ids := make([]int64, 0, len(r.handlers))
	for id := range r.handlers {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	handlers := make([]Listener, 0, len(ids))
	for _, id := range ids {
		handlers = append(handlers, r.handlers[id])
	}
	r.mu.RUnlock()

	for _, h := range handlers {
		safeInvoke(h, ev)
	}
}

func safeInvoke(h Listener, ev Event) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("listener panicked", zap.Any("kind", ev.Kind), zap.Any("recover", r))
		}
	}()
	h(ev)
}
