package store

import (
	"fmt"
	"maps"
	"sync"

	"github.com/hashicorp/go-hclog"
)

// Store is the committed key/value mapping of a node. It is only ever written with Committed entries; client writes
// reach it exclusively through the replication protocol.
type Store interface {
	// Apply folds committed entries into the mapping, in order
	Apply(entries []ChangeEntry) error
	// Replace makes the mapping equal to entries. Used by followers adopting a leader's view.
	Replace(entries []ChangeEntry) error
	// Get returns the committed value of key
	Get(key string) (string, bool, error)
	// All returns a copy of the whole mapping
	All() (map[string]string, error)
	Close() error
}

func checkCommitted(entries []ChangeEntry) error {
	for _, e := range entries {
		if e.Status != Committed {
			return fmt.Errorf("key %q: %w", e.Key, ErrNotCommitted)
		}
	}
	return nil
}

// MemoryStore keeps the committed mapping in a map
type MemoryStore struct {
	mu     sync.RWMutex
	data   map[string]string
	logger hclog.Logger
}

func NewMemoryStore(logger hclog.Logger) *MemoryStore {
	if logger == nil {
		logger = hclog.NewNullLogger()
	}
	return &MemoryStore{
		data:   make(map[string]string),
		logger: logger.Named("store"),
	}
}

func (m *MemoryStore) Apply(entries []ChangeEntry) error {
	if err := checkCommitted(entries); err != nil {
		return err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, e := range entries {
		m.data[e.Key] = e.Value
		m.logger.Trace("applied", "key", e.Key, "value", e.Value)
	}
	return nil
}

func (m *MemoryStore) Replace(entries []ChangeEntry) error {
	if err := checkCommitted(entries); err != nil {
		return err
	}

	data := make(map[string]string, len(entries))
	for _, e := range entries {
		data[e.Key] = e.Value
	}

	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
	return nil
}

func (m *MemoryStore) Get(key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.data[key]
	return v, ok, nil
}

func (m *MemoryStore) All() (map[string]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return maps.Clone(m.data), nil
}

func (m *MemoryStore) Close() error {
	return nil
}
