// Package store persists trust cache snapshots.
package store

import (
	"context"
	"sync"

	"github.com/cockroachdb/errors"
)

// ErrNotFound is returned by Load when nothing was saved yet.
var ErrNotFound = errors.New("snapshot not found")

// SnapshotStore saves and loads an encoded snapshot.
type SnapshotStore interface {
	Load(ctx context.Context) ([]byte, error)
	Save(ctx context.Context, data []byte) error
}

// Memory keeps the snapshot in process.
type Memory struct {
	mu   sync.RWMutex
	data []byte
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

// Load implements SnapshotStore.
func (m *Memory) Load(ctx context.Context) ([]byte, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.data == nil {
		return nil, ErrNotFound
	}
	return append([]byte(nil), m.data...), nil
}

// Save implements SnapshotStore.
func (m *Memory) Save(ctx context.Context, data []byte) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data = append([]byte(nil), data...)
	return nil
}
