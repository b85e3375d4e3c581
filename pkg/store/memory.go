package store

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/look4regev/agent-tool-protocol/pkg/models"
)

// MemoryStore is the single-instance backend: a guarded map with TTL entries
// and a janitor goroutine. Two MemoryStore handles never share state, so
// cross-instance resume requires one of the networked backends.
type MemoryStore struct {
	mu       sync.RWMutex
	entries  map[string]memoryEntry
	maxPause time.Duration
	metrics  *Metrics
	now      func() time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

type memoryEntry struct {
	value     []byte
	expiresAt time.Time
}

// NewMemoryStore creates an in-memory store. The janitor evicts TTL-expired
// entries once a minute.
func NewMemoryStore(maxPause time.Duration, metrics *Metrics) *MemoryStore {
	s := &MemoryStore{
		entries:  map[string]memoryEntry{},
		maxPause: maxPause,
		metrics:  metrics,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
	go s.janitor()
	return s
}

func (s *MemoryStore) janitor() {
	ticker := time.NewTicker(time.Minute)
	defer ticker.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-ticker.C:
			now := s.now()
			s.mu.Lock()
			for key, entry := range s.entries {
				if now.After(entry.expiresAt) {
					delete(s.entries, key)
				}
			}
			s.mu.Unlock()
		}
	}
}

func (s *MemoryStore) put(key string, value []byte, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries[key] = memoryEntry{value: value, expiresAt: s.now().Add(ttl)}
}

func (s *MemoryStore) get(key string) ([]byte, bool) {
	s.mu.RLock()
	entry, ok := s.entries[key]
	s.mu.RUnlock()
	if !ok || s.now().After(entry.expiresAt) {
		return nil, false
	}
	return entry.value, true
}

func (s *MemoryStore) delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

// Put implements Store.
func (s *MemoryStore) Put(_ context.Context, record *models.ExecutionRecord, ttl time.Duration) error {
	raw, err := encodeRecord(record)
	if err != nil {
		return err
	}
	s.put(execKey(record.TenantID, record.ExecutionID), raw, ttl)
	s.put(ownerKey(record.ExecutionID), []byte(record.TenantID), ttl)
	return nil
}

// Get implements Store, applying max-pause garbage collection on read.
func (s *MemoryStore) Get(_ context.Context, tenantID, executionID string) (*models.ExecutionRecord, error) {
	raw, ok := s.get(execKey(tenantID, executionID))
	if !ok {
		if owner, exists := s.get(ownerKey(executionID)); exists && string(owner) != tenantID {
			return nil, ErrForbidden
		}
		return nil, ErrNotFound
	}
	record, err := decodeRecord(raw)
	if err != nil {
		return nil, err
	}
	if checkMaxPause(record, s.maxPause, s.now()) {
		s.delete(execKey(tenantID, executionID))
		s.delete(ownerKey(executionID))
		if s.metrics != nil {
			s.metrics.Expire()
		}
		return nil, ErrExpired
	}
	return record, nil
}

// Delete implements Store.
func (s *MemoryStore) Delete(_ context.Context, tenantID, executionID string) error {
	s.delete(execKey(tenantID, executionID))
	s.delete(ownerKey(executionID))
	return nil
}

// PutMetadata implements Store.
func (s *MemoryStore) PutMetadata(_ context.Context, tenantID, ref string, md json.RawMessage, ttl time.Duration) error {
	s.put(metaKey(tenantID, ref), md, ttl)
	return nil
}

// GetMetadata implements Store.
func (s *MemoryStore) GetMetadata(_ context.Context, tenantID, ref string) (json.RawMessage, error) {
	raw, ok := s.get(metaKey(tenantID, ref))
	if !ok {
		return nil, ErrNotFound
	}
	return raw, nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.stopOnce.Do(func() { close(s.stopCh) })
	return nil
}
