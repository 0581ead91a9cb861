// Package persistence provides PersistenceAdapter implementations backed
// by concrete storage engines, following the same Init/Save/Close shape
// the core package defines.
package persistence

import (
	"context"
	"fmt"
	"sync"

	"github.com/reactivedb/reactivedb"
)

// Memory is a process-local PersistenceAdapter useful for tests and for
// sharing state between collections in the same process without a real
// store. It is safe for concurrent use.
type Memory struct {
	mu   sync.Mutex
	docs map[string]reactivedb.Document
}

// NewMemory builds an empty Memory adapter.
func NewMemory() *Memory {
	return &Memory{docs: map[string]reactivedb.Document{}}
}

func (m *Memory) Init(ctx context.Context) (reactivedb.LoadResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	items := make([]reactivedb.Document, 0, len(m.docs))
	for _, d := range m.docs {
		items = append(items, d)
	}
	return reactivedb.LoadResult{Items: items}, nil
}

func (m *Memory) Save(ctx context.Context, changes reactivedb.Changeset) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range changes.Added {
		m.docs[keyOf(d)] = d
	}
	for _, d := range changes.Modified {
		m.docs[keyOf(d)] = d
	}
	for _, id := range changes.Removed {
		delete(m.docs, idKeyOf(id))
	}
	return nil
}

func (m *Memory) Close() error { return nil }

func keyOf(d reactivedb.Document) string {
	id := d["id"]
	return idKeyOf(id)
}

func idKeyOf(id interface{}) string {
	return fmt.Sprintf("%v", id)
}
