package source

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/riverrun/replicator/pkg/events"
)

// MemoryStore is an in-process Store and Client. It backs tests and serves
// as the default store when the embedding application supplies none.
type MemoryStore struct {
	mu          sync.RWMutex
	events      chan events.MutationEvent
	attributes  map[string]map[string]string
	collections map[string]map[string]events.Record
	closed      bool
}

// NewMemoryStore creates an empty in-memory store with the given event
// channel buffer.
func NewMemoryStore(buffer int) *MemoryStore {
	if buffer <= 0 {
		buffer = 1024
	}
	return &MemoryStore{
		events:      make(chan events.MutationEvent, buffer),
		attributes:  make(map[string]map[string]string),
		collections: make(map[string]map[string]events.Record),
	}
}

// DefineResource declares a resource and its attribute declarations.
func (m *MemoryStore) DefineResource(resource string, attrs map[string]string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attributes[resource] = attrs
	if m.collections[resource] == nil {
		m.collections[resource] = make(map[string]events.Record)
	}
}

// Events implements Store.
func (m *MemoryStore) Events() <-chan events.MutationEvent { return m.events }

// Attributes implements Store.
func (m *MemoryStore) Attributes(_ context.Context, resource string) (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	attrs, ok := m.attributes[resource]
	if !ok {
		return nil, fmt.Errorf("unknown resource: %s", resource)
	}
	out := make(map[string]string, len(attrs))
	for k, v := range attrs {
		out[k] = v
	}
	return out, nil
}

// Enumerate implements Store. Records are visited in id order so manual
// sync is deterministic.
func (m *MemoryStore) Enumerate(ctx context.Context, resource string, fn func(id string, record events.Record) error) error {
	m.mu.RLock()
	coll, ok := m.collections[resource]
	if !ok {
		m.mu.RUnlock()
		return fmt.Errorf("unknown resource: %s", resource)
	}
	ids := make([]string, 0, len(coll))
	for id := range coll {
		ids = append(ids, id)
	}
	snapshot := make(map[string]events.Record, len(coll))
	for id, rec := range coll {
		snapshot[id] = rec
	}
	m.mu.RUnlock()

	sort.Strings(ids)
	for _, id := range ids {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(id, snapshot[id]); err != nil {
			return err
		}
	}
	return nil
}

// Insert stores a record and publishes the inserted event.
func (m *MemoryStore) Insert(resource, id string, record events.Record) {
	m.mu.Lock()
	if m.collections[resource] == nil {
		m.collections[resource] = make(map[string]events.Record)
	}
	m.collections[resource][id] = record
	m.mu.Unlock()

	m.publish(events.MutationEvent{
		Resource:  resource,
		Operation: events.OpInserted,
		RecordID:  id,
		After:     record,
		Timestamp: time.Now().UTC(),
	})
}

// Update replaces a record and publishes the updated event with before data.
func (m *MemoryStore) Update(resource, id string, record events.Record) {
	m.mu.Lock()
	var before events.Record
	if coll := m.collections[resource]; coll != nil {
		before = coll[id]
		coll[id] = record
	}
	m.mu.Unlock()

	m.publish(events.MutationEvent{
		Resource:  resource,
		Operation: events.OpUpdated,
		RecordID:  id,
		After:     record,
		Before:    before,
		Timestamp: time.Now().UTC(),
	})
}

// Remove deletes a record and publishes the deleted event.
func (m *MemoryStore) Remove(resource, id string) {
	m.mu.Lock()
	if coll := m.collections[resource]; coll != nil {
		delete(coll, id)
	}
	m.mu.Unlock()

	m.publish(events.MutationEvent{
		Resource:  resource,
		Operation: events.OpDeleted,
		RecordID:  id,
		Timestamp: time.Now().UTC(),
	})
}

func (m *MemoryStore) publish(ev events.MutationEvent) {
	m.mu.RLock()
	closed := m.closed
	m.mu.RUnlock()
	if closed {
		return
	}
	m.events <- ev
}

// Close closes the event channel. Mutations after Close are dropped.
func (m *MemoryStore) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.closed {
		m.closed = true
		close(m.events)
	}
}

// EnsureCollection implements Client.
func (m *MemoryStore) EnsureCollection(_ context.Context, collection string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.collections[collection] == nil {
		m.collections[collection] = make(map[string]events.Record)
	}
	return nil
}

// Upsert implements Client. It does not publish mutation events: writes
// through the client are destination writes, not source mutations.
func (m *MemoryStore) Upsert(_ context.Context, collection, id string, record events.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.collections[collection] == nil {
		m.collections[collection] = make(map[string]events.Record)
	}
	m.collections[collection][id] = record
	return nil
}

// Delete implements Client.
func (m *MemoryStore) Delete(_ context.Context, collection, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if coll := m.collections[collection]; coll != nil {
		delete(coll, id)
	}
	return nil
}

// Get returns a stored record, for tests and introspection.
func (m *MemoryStore) Get(collection, id string) (events.Record, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	coll, ok := m.collections[collection]
	if !ok {
		return nil, false
	}
	rec, ok := coll[id]
	return rec, ok
}

// Count returns the number of records in a collection.
func (m *MemoryStore) Count(collection string) int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.collections[collection])
}
