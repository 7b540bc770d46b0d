package state

import (
	"sort"
	"sync"

	"github.com/aonescu/configsync/internal/types"
)

// StateStore remembers, per ConfigMap, which files are currently mirrored.
type StateStore interface {
	Record(record types.SyncRecord) error
	Delete(key string) error
	GetByKey(key string) (types.SyncRecord, bool)
	GetAll() []types.SyncRecord
	History(limit int) ([]types.SyncRecord, error)
}

const maxHistory = 1000

// In-memory implementation for fallback
type MemoryStore struct {
	mu     sync.RWMutex
	events []types.SyncRecord
	latest map[string]types.SyncRecord
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		events: make([]types.SyncRecord, 0),
		latest: make(map[string]types.SyncRecord),
	}
}

func (s *MemoryStore) Record(record types.SyncRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.appendHistory(record)
	s.latest[record.Key] = record
	return nil
}

func (s *MemoryStore) Delete(key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, exists := s.latest[key]
	if !exists {
		return nil
	}
	delete(s.latest, key)

	record.Kind = types.Deleted
	s.appendHistory(record)
	return nil
}

func (s *MemoryStore) appendHistory(record types.SyncRecord) {
	s.events = append(s.events, record)
	if len(s.events) > maxHistory {
		s.events = s.events[len(s.events)-maxHistory:]
	}
}

func (s *MemoryStore) GetByKey(key string) (types.SyncRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, exists := s.latest[key]
	return record, exists
}

// GetAll returns the live records ordered by key.
func (s *MemoryStore) GetAll() []types.SyncRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	results := make([]types.SyncRecord, 0, len(s.latest))
	for _, record := range s.latest {
		results = append(results, record)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Key < results[j].Key })
	return results
}

// History returns up to limit records, newest first.
func (s *MemoryStore) History(limit int) ([]types.SyncRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 || limit > len(s.events) {
		limit = len(s.events)
	}
	results := make([]types.SyncRecord, 0, limit)
	for i := len(s.events) - 1; i >= 0 && len(results) < limit; i-- {
		results = append(results, s.events[i])
	}
	return results, nil
}
