package bridge

import (
	"sync"
	"time"
)

// Snapshot is one stored telemetry observation.
type Snapshot struct {
	Value     any
	UpdatedAt time.Time
}

// Store keeps the latest value per (vin, field). It backs trigger
// previous-value lookups and the dispatcher's free reads.
type Store struct {
	mu     sync.RWMutex
	values map[storeKey]Snapshot
}

type storeKey struct {
	vin   string
	field string
}

// NewStore returns an empty Store.
func NewStore() *Store {
	return &Store{values: make(map[storeKey]Snapshot)}
}

// Get returns the stored snapshot for a field.
func (s *Store) Get(vin, field string) (Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.values[storeKey{vin, field}]
	return snap, ok
}

// Put replaces the stored snapshot for a field.
func (s *Store) Put(vin, field string, value any, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[storeKey{vin, field}] = Snapshot{Value: value, UpdatedAt: at}
}

// Fields returns a copy of every stored field for a vehicle.
func (s *Store) Fields(vin string) map[string]Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]Snapshot)
	for k, snap := range s.values {
		if k.vin == vin {
			out[k.field] = snap
		}
	}
	return out
}

// Len reports the number of stored (vin, field) entries.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.values)
}
