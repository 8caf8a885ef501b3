// Package registry implements the Connection Registry (§4.4): a
// process-wide map from connection id to ConnectionRuntime, with
// serialized state transitions per id and concurrent reads.
package registry

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sqlgate/gateway/pkg/executor"
	"github.com/sqlgate/gateway/pkg/gwerrors"
	"github.com/sqlgate/gateway/pkg/gwlog"
	"github.com/sqlgate/gateway/pkg/store"
)

var regLog = gwlog.New("registry")

// EventKind enumerates events the registry emits to subscribers.
type EventKind string

// ConnectionEnded is emitted whenever a runtime transitions from
// connected to disconnected, whether by explicit request or because the
// adapter reported a fatal error during execute (§4.4).
const ConnectionEnded EventKind = "connection-ended"

// Event is one registry notification.
type Event struct {
	Kind         EventKind
	ConnectionID string
}

// Runtime is the live state for one connection (§3's ConnectionRuntime).
// The registry owns it exclusively; callers only ever see it through
// Get's borrowed pointer, and must not retain it past the call that
// obtained it.
type Runtime struct {
	ConnectionID string
	Adapter      executor.Adapter
	Connected    bool
	LastUsedAt   time.Time
}

// Registry owns every live ConnectionRuntime. Mutations to one id's
// runtime are serialized via that id's own mutex; looking an id up
// (read-only) never blocks on another id's transition.
type Registry struct {
	store *store.Store

	mu        sync.RWMutex
	runtimes  map[string]*entry
	listeners []func(Event)
}

type entry struct {
	mu      sync.Mutex
	runtime Runtime
}

// New builds a Registry backed by s for connection persistence.
func New(s *store.Store) *Registry {
	return &Registry{store: s, runtimes: make(map[string]*entry)}
}

// Subscribe registers fn to be called (synchronously, in registry
// mutation order) whenever an Event fires.
func (r *Registry) Subscribe(fn func(Event)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.listeners = append(r.listeners, fn)
}

func (r *Registry) emit(ev Event) {
	r.mu.RLock()
	listeners := append([]func(Event){}, r.listeners...)
	r.mu.RUnlock()
	for _, fn := range listeners {
		fn(ev)
	}
}

func (r *Registry) entryFor(id string) *entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.runtimes[id]
	if !ok {
		e = &entry{runtime: Runtime{ConnectionID: id}}
		r.runtimes[id] = e
	}
	return e
}

// Add inserts conn into the store. Does not open a live connection.
func (r *Registry) Add(ctx context.Context, conn store.Connection) (store.Connection, error) {
	return r.store.CreateConnection(ctx, conn)
}

// Update mutates the stored connection; if a runtime is currently open
// for id, it is closed first and a connection-ended event is emitted
// (§4.4 — changing the dialect variant resets the live driver).
func (r *Registry) Update(ctx context.Context, conn store.Connection) error {
	e := r.entryFor(conn.ID)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.runtime.Connected {
		if err := e.runtime.Adapter.Close(); err != nil {
			regLog.Error("close on update for %s: %v", conn.ID, err)
		}
		e.runtime.Adapter = nil
		e.runtime.Connected = false
		r.emit(Event{Kind: ConnectionEnded, ConnectionID: conn.ID})
	}
	return r.store.UpdateConnection(ctx, conn)
}

// Remove closes the runtime if open, then deletes the connection (the
// store cascades history/schema-cache deletes and script nullification).
func (r *Registry) Remove(ctx context.Context, id string) error {
	e := r.entryFor(id)
	e.mu.Lock()
	if e.runtime.Connected {
		if err := e.runtime.Adapter.Close(); err != nil {
			regLog.Error("close on remove for %s: %v", id, err)
		}
		e.runtime.Adapter = nil
		e.runtime.Connected = false
		e.mu.Unlock()
		r.emit(Event{Kind: ConnectionEnded, ConnectionID: id})
	} else {
		e.mu.Unlock()
	}

	r.mu.Lock()
	delete(r.runtimes, id)
	r.mu.Unlock()

	return r.store.DeleteConnection(ctx, id)
}

// Connect opens the live adapter for id via ex, idempotent if already
// connected.
func (r *Registry) Connect(ctx context.Context, id string, ex executor.Executor, cfg executor.ConnectionConfig) (bool, error) {
	e := r.entryFor(id)
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.runtime.Connected {
		return true, nil
	}

	adapter, err := ex.Open(ctx, cfg)
	if err != nil {
		return false, gwerrors.Wrap(gwerrors.KindConnectFailed, "registry-connect:"+id, err)
	}
	e.runtime.Adapter = adapter
	e.runtime.Connected = true
	e.runtime.LastUsedAt = time.Now()
	return true, nil
}

// Disconnect closes the runtime for id, if open, and emits
// connection-ended.
func (r *Registry) Disconnect(id string) error {
	e := r.entryFor(id)
	e.mu.Lock()
	if !e.runtime.Connected {
		e.mu.Unlock()
		return nil
	}
	adapter := e.runtime.Adapter
	e.runtime.Adapter = nil
	e.runtime.Connected = false
	e.mu.Unlock()

	r.emit(Event{Kind: ConnectionEnded, ConnectionID: id})
	if adapter == nil {
		return nil
	}
	return adapter.Close()
}

// MarkFatal transitions id to disconnected because the adapter reported
// a fatal error during execute, emitting connection-ended (§4.4).
func (r *Registry) MarkFatal(id string) {
	e := r.entryFor(id)
	e.mu.Lock()
	if !e.runtime.Connected {
		e.mu.Unlock()
		return
	}
	adapter := e.runtime.Adapter
	e.runtime.Adapter = nil
	e.runtime.Connected = false
	e.mu.Unlock()

	if adapter != nil {
		_ = adapter.Close()
	}
	r.emit(Event{Kind: ConnectionEnded, ConnectionID: id})
}

// Ticket is a short-lived borrow of a Runtime's live state, valid only
// for the duration of the call that obtained it (§4.4's lock-discipline
// note).
type Ticket struct {
	Adapter   executor.Adapter
	Connected bool
}

// Get returns a lookup ticket for id's current runtime state.
func (r *Registry) Get(id string) (Ticket, error) {
	r.mu.RLock()
	e, ok := r.runtimes[id]
	r.mu.RUnlock()
	if !ok {
		return Ticket{}, gwerrors.New(gwerrors.KindInternal, "registry-get", fmt.Sprintf("unknown connection %s", id))
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.runtime.LastUsedAt = time.Now()
	return Ticket{Adapter: e.runtime.Adapter, Connected: e.runtime.Connected}, nil
}
