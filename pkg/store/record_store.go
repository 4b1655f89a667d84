// Package store persists execution records. The persisted copy, updated
// after every state transition, is the audit trail that survives process
// restarts.
package store

import (
	"context"
	"errors"
	"sync"

	"github.com/finpilot-labs/finpilot/pkg/contracts"
)

// ErrNotFound is returned when no record matches the lookup.
var ErrNotFound = errors.New("execution record not found")

// RecordStore defines the persistence contract for execution records.
type RecordStore interface {
	// Create inserts a new record. The record's ID must be unique.
	Create(ctx context.Context, record *contracts.ExecutionRecord) error
	// Update overwrites the stored copy of an existing record.
	Update(ctx context.Context, record *contracts.ExecutionRecord) error
	// GetByID fetches a record by execution id.
	GetByID(ctx context.Context, id string) (*contracts.ExecutionRecord, error)
	// GetByIdempotencyKey fetches a record by idempotency key, used to
	// deduplicate retried requests.
	GetByIdempotencyKey(ctx context.Context, key string) (*contracts.ExecutionRecord, error)
	// ListByUser returns a user's most recent records, newest first.
	ListByUser(ctx context.Context, userID string, limit int) ([]*contracts.ExecutionRecord, error)
}

// MemoryRecordStore is an in-process RecordStore for tests and development.
type MemoryRecordStore struct {
	mu      sync.RWMutex
	byID    map[string]*contracts.ExecutionRecord
	byIdemp map[string]string
	order   []string
}

// NewMemoryRecordStore creates an empty in-memory store.
func NewMemoryRecordStore() *MemoryRecordStore {
	return &MemoryRecordStore{
		byID:    make(map[string]*contracts.ExecutionRecord),
		byIdemp: make(map[string]string),
	}
}

func (s *MemoryRecordStore) Create(_ context.Context, record *contracts.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[record.ID]; exists {
		return errors.New("execution record already exists")
	}
	clone := cloneRecord(record)
	s.byID[record.ID] = clone
	s.byIdemp[record.IdempotencyKey] = record.ID
	s.order = append(s.order, record.ID)
	return nil
}

func (s *MemoryRecordStore) Update(_ context.Context, record *contracts.ExecutionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.byID[record.ID]; !exists {
		return ErrNotFound
	}
	s.byID[record.ID] = cloneRecord(record)
	return nil
}

func (s *MemoryRecordStore) GetByID(_ context.Context, id string) (*contracts.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(record), nil
}

func (s *MemoryRecordStore) GetByIdempotencyKey(_ context.Context, key string) (*contracts.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.byIdemp[key]
	if !ok {
		return nil, ErrNotFound
	}
	record, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(record), nil
}

func (s *MemoryRecordStore) ListByUser(_ context.Context, userID string, limit int) ([]*contracts.ExecutionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*contracts.ExecutionRecord
	for i := len(s.order) - 1; i >= 0 && (limit <= 0 || len(out) < limit); i-- {
		record := s.byID[s.order[i]]
		if record.UserID == userID {
			out = append(out, cloneRecord(record))
		}
	}
	return out, nil
}

func cloneRecord(record *contracts.ExecutionRecord) *contracts.ExecutionRecord {
	clone := *record
	clone.Transitions = append([]contracts.StateTransition(nil), record.Transitions...)
	clone.RegulatoryFlags = append([]contracts.RegulatoryFlag(nil), record.RegulatoryFlags...)
	clone.Errors = append([]string(nil), record.Errors...)
	return &clone
}
