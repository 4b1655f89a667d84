package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finpilot-labs/finpilot/pkg/contracts"
)

func sampleRecord(id, userID, key string) *contracts.ExecutionRecord {
	created := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	return &contracts.ExecutionRecord{
		ID:             id,
		UserID:         userID,
		Kind:           contracts.ActionFundSweep,
		RequestPayload: json.RawMessage(`{"amount":100}`),
		State:          contracts.StatePending,
		Transitions: []contracts.StateTransition{{
			From:      contracts.StatePending,
			To:        contracts.StateValidating,
			Event:     contracts.EventStartValidation,
			Timestamp: created,
		}},
		Signature:       "deadbeef",
		IdempotencyKey:  key,
		RegulatoryFlags: contracts.DefaultRegulatoryFlags(),
		CreatedAt:       created,
	}
}

// runRecordStoreSuite exercises the RecordStore contract against any
// implementation.
func runRecordStoreSuite(t *testing.T, newStore func(t *testing.T) RecordStore) {
	ctx := context.Background()

	t.Run("create and fetch", func(t *testing.T) {
		s := newStore(t)
		record := sampleRecord("exec-1", "user1234", "exec_1_key")
		require.NoError(t, s.Create(ctx, record))

		got, err := s.GetByID(ctx, "exec-1")
		require.NoError(t, err)
		assert.Equal(t, record.UserID, got.UserID)
		assert.Equal(t, record.Kind, got.Kind)
		assert.Equal(t, record.Signature, got.Signature)
		assert.JSONEq(t, string(record.RequestPayload), string(got.RequestPayload))
		assert.Len(t, got.Transitions, 1)
		assert.Equal(t, contracts.EventStartValidation, got.Transitions[0].Event)
		assert.ElementsMatch(t, record.RegulatoryFlags, got.RegulatoryFlags)
		assert.True(t, record.CreatedAt.Equal(got.CreatedAt))
		assert.Nil(t, got.CompletedAt)
	})

	t.Run("get by idempotency key", func(t *testing.T) {
		s := newStore(t)
		require.NoError(t, s.Create(ctx, sampleRecord("exec-1", "user1234", "exec_1_key")))

		got, err := s.GetByIdempotencyKey(ctx, "exec_1_key")
		require.NoError(t, err)
		assert.Equal(t, "exec-1", got.ID)

		_, err = s.GetByIdempotencyKey(ctx, "unknown_key")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("update persists transitions and outcome", func(t *testing.T) {
		s := newStore(t)
		record := sampleRecord("exec-1", "user1234", "exec_1_key")
		require.NoError(t, s.Create(ctx, record))

		completed := record.CreatedAt.Add(2 * time.Second)
		record.State = contracts.StateCompleted
		record.Success = true
		record.ResponsePayload = json.RawMessage(`{"transfer_id":"tr_1"}`)
		record.CompletedAt = &completed
		record.Transitions = append(record.Transitions, contracts.StateTransition{
			From: contracts.StateExecuting, To: contracts.StateCompleted,
			Event: contracts.EventExecutionSuccess, Timestamp: completed,
		})
		require.NoError(t, s.Update(ctx, record))

		got, err := s.GetByID(ctx, "exec-1")
		require.NoError(t, err)
		assert.Equal(t, contracts.StateCompleted, got.State)
		assert.True(t, got.Success)
		assert.JSONEq(t, `{"transfer_id":"tr_1"}`, string(got.ResponsePayload))
		assert.Len(t, got.Transitions, 2)
		require.NotNil(t, got.CompletedAt)
		assert.True(t, completed.Equal(*got.CompletedAt))
	})

	t.Run("update missing record", func(t *testing.T) {
		s := newStore(t)
		err := s.Update(ctx, sampleRecord("ghost", "user1234", "ghost_key"))
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("get missing record", func(t *testing.T) {
		s := newStore(t)
		_, err := s.GetByID(ctx, "ghost")
		assert.ErrorIs(t, err, ErrNotFound)
	})

	t.Run("list by user newest first", func(t *testing.T) {
		s := newStore(t)
		for i := range 5 {
			record := sampleRecord(
				fmt.Sprintf("exec-%d", i),
				"user1234",
				fmt.Sprintf("exec_%d_key", i),
			)
			record.CreatedAt = record.CreatedAt.Add(time.Duration(i) * time.Minute)
			require.NoError(t, s.Create(ctx, record))
		}
		require.NoError(t, s.Create(ctx, sampleRecord("other-1", "userABCD", "other_key")))

		records, err := s.ListByUser(ctx, "user1234", 3)
		require.NoError(t, err)
		require.Len(t, records, 3)
		assert.Equal(t, "exec-4", records[0].ID)
		assert.Equal(t, "exec-2", records[2].ID)
	})
}

func TestMemoryRecordStore(t *testing.T) {
	runRecordStoreSuite(t, func(t *testing.T) RecordStore {
		return NewMemoryRecordStore()
	})
}

func TestSQLiteRecordStore(t *testing.T) {
	runRecordStoreSuite(t, func(t *testing.T) RecordStore {
		s, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestMemoryRecordStoreIsolation(t *testing.T) {
	ctx := context.Background()
	s := NewMemoryRecordStore()
	record := sampleRecord("exec-1", "user1234", "exec_1_key")
	require.NoError(t, s.Create(ctx, record))

	// Mutating the caller's copy after Create must not affect the store.
	record.State = contracts.StateFailed
	got, err := s.GetByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, contracts.StatePending, got.State)

	// Mutating a fetched copy must not affect the store either.
	got.UserID = "evilEvilUser"
	again, err := s.GetByID(ctx, "exec-1")
	require.NoError(t, err)
	assert.Equal(t, "user1234", again.UserID)
}

func TestSQLiteDuplicateIdempotencyKeyRejected(t *testing.T) {
	ctx := context.Background()
	s, err := OpenSQLite(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	require.NoError(t, s.Create(ctx, sampleRecord("exec-1", "user1234", "shared_key")))
	err = s.Create(ctx, sampleRecord("exec-2", "user1234", "shared_key"))
	assert.Error(t, err)
}
