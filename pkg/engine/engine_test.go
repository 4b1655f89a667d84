package engine

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/finpilot-labs/finpilot/pkg/audit"
	"github.com/finpilot-labs/finpilot/pkg/contracts"
	"github.com/finpilot-labs/finpilot/pkg/ratelimit"
	"github.com/finpilot-labs/finpilot/pkg/rollback"
	"github.com/finpilot-labs/finpilot/pkg/store"
	"github.com/finpilot-labs/finpilot/pkg/validator"
)

const testUser = "user1234"

var (
	validSweep = json.RawMessage(`{"source_account_id":"acc_1","dest_account_id":"acc_2","amount":100,"source_balance":1000,"liquidity_buffer":500}`)
	// Schema-valid but fails the balance rule.
	overdrawnSweep = json.RawMessage(`{"source_account_id":"acc_1","dest_account_id":"acc_2","amount":5000,"source_balance":4000,"liquidity_buffer":500}`)
)

type fakeSurface struct {
	mu       sync.Mutex
	calls    int
	keys     []string
	response json.RawMessage
	err      error
	delay    time.Duration
}

func (f *fakeSurface) Execute(ctx context.Context, _ contracts.ActionKind, _ json.RawMessage, idempotencyKey string) (json.RawMessage, error) {
	f.mu.Lock()
	f.calls++
	f.keys = append(f.keys, idempotencyKey)
	f.mu.Unlock()

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if f.err != nil {
		return nil, f.err
	}
	if f.response != nil {
		return f.response, nil
	}
	return json.RawMessage(`{"ok":true}`), nil
}

func (f *fakeSurface) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

type fakeCompensator struct {
	reversed    []string
	reactivated []string
	liquidated  []string
	err         error
}

func (f *fakeCompensator) ReverseTransfer(_ context.Context, id string) error {
	if f.err != nil {
		return f.err
	}
	f.reversed = append(f.reversed, id)
	return nil
}

func (f *fakeCompensator) ReactivateSubscription(_ context.Context, id string) error {
	if f.err != nil {
		return f.err
	}
	f.reactivated = append(f.reactivated, id)
	return nil
}

func (f *fakeCompensator) LiquidateInvestment(_ context.Context, id string) error {
	if f.err != nil {
		return f.err
	}
	f.liquidated = append(f.liquidated, id)
	return nil
}

type testRig struct {
	engine      *Engine
	surface     *fakeSurface
	records     *store.MemoryRecordStore
	auditLog    *audit.MemoryLog
	compensator *fakeCompensator
}

func newTestRig(t *testing.T, opts Options) *testRig {
	t.Helper()
	rig := &testRig{
		surface:     &fakeSurface{},
		records:     store.NewMemoryRecordStore(),
		auditLog:    audit.NewMemoryLog(),
		compensator: &fakeCompensator{},
	}
	if opts.AuditLog == nil {
		opts.AuditLog = rig.auditLog
	}
	if opts.Rollback == nil {
		opts.Rollback = rollback.NewHandler(rig.compensator, rig.auditLog)
	}
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), 100, time.Minute)
	rig.engine = New(rig.records, rig.surface, validator.New(validator.DefaultPolicy()), limiter, []byte("test_secret"), opts)
	return rig
}

func sweepRequest(payload json.RawMessage) contracts.ExecutionRequest {
	return contracts.ExecutionRequest{
		UserID:  testUser,
		Kind:    contracts.ActionFundSweep,
		Payload: payload,
	}
}

func TestExecuteHappyPath(t *testing.T) {
	rig := newTestRig(t, Options{})
	ctx := context.Background()

	result, err := rig.engine.Execute(ctx, sweepRequest(validSweep), "")
	require.NoError(t, err)

	assert.Equal(t, contracts.StateCompleted, result.State)
	assert.True(t, result.Success)
	assert.False(t, result.Replayed)
	assert.Empty(t, result.Errors)
	assert.JSONEq(t, `{"ok":true}`, string(result.Result))
	assert.NotEmpty(t, result.IdempotencyKey)
	assert.Equal(t, 1, rig.surface.callCount())

	record, err := rig.records.GetByID(ctx, result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateCompleted, record.State)
	assert.NotEmpty(t, record.Signature)
	assert.NotNil(t, record.CompletedAt)
	assert.ElementsMatch(t, contracts.DefaultRegulatoryFlags(), record.RegulatoryFlags)

	wantEvents := []contracts.ExecutionEvent{
		contracts.EventStartValidation,
		contracts.EventValidationSuccess,
		contracts.EventExecutionSuccess,
	}
	require.Len(t, record.Transitions, len(wantEvents))
	for i, ev := range wantEvents {
		assert.Equal(t, ev, record.Transitions[i].Event)
	}
}

func TestExecuteValidationFailure(t *testing.T) {
	rig := newTestRig(t, Options{})

	result, err := rig.engine.Execute(context.Background(), sweepRequest(overdrawnSweep), "")
	require.NoError(t, err)

	assert.Equal(t, contracts.StateFailed, result.State)
	assert.False(t, result.Success)
	assert.Contains(t, result.Errors, "Insufficient balance for transfer")
	// The surface is never touched for a request that fails validation.
	assert.Equal(t, 0, rig.surface.callCount())

	var failures int
	for _, entry := range rig.auditLog.Entries() {
		if entry.Action == "validate" && entry.Status == audit.StatusFailure {
			failures++
		}
	}
	assert.Equal(t, 1, failures)
}

func TestExecuteAdmissionErrors(t *testing.T) {
	rig := newTestRig(t, Options{})
	ctx := context.Background()

	_, err := rig.engine.Execute(ctx, contracts.ExecutionRequest{Kind: contracts.ActionFundSweep, Payload: validSweep}, "")
	assert.ErrorIs(t, err, ErrMissingUserID)

	_, err = rig.engine.Execute(ctx, contracts.ExecutionRequest{UserID: "u!", Kind: contracts.ActionFundSweep, Payload: validSweep}, "")
	assert.ErrorIs(t, err, ErrInvalidUserID)

	_, err = rig.engine.Execute(ctx, contracts.ExecutionRequest{UserID: testUser, Payload: validSweep}, "")
	assert.ErrorIs(t, err, ErrMissingAction)

	_, err = rig.engine.Execute(ctx, sweepRequest(json.RawMessage(`{"amount":1}`)), "")
	assert.ErrorIs(t, err, ErrInvalidPayload)

	// Admission rejections create no records and no side effects.
	records, err := rig.records.ListByUser(ctx, testUser, 10)
	require.NoError(t, err)
	assert.Empty(t, records)
	assert.Equal(t, 0, rig.surface.callCount())
}

func TestExecuteRateLimited(t *testing.T) {
	rig := &testRig{
		surface:  &fakeSurface{},
		records:  store.NewMemoryRecordStore(),
		auditLog: audit.NewMemoryLog(),
	}
	limiter := ratelimit.New(ratelimit.NewMemoryStore(), 1, time.Minute)
	rig.engine = New(rig.records, rig.surface, validator.New(validator.DefaultPolicy()), limiter, []byte("test_secret"), Options{AuditLog: rig.auditLog})
	ctx := context.Background()

	_, err := rig.engine.Execute(ctx, sweepRequest(validSweep), "")
	require.NoError(t, err)

	_, err = rig.engine.Execute(ctx, sweepRequest(validSweep), "")
	assert.ErrorIs(t, err, ErrRateLimited)
	assert.Equal(t, 1, rig.surface.callCount())
}

func TestExecuteIdempotentReplay(t *testing.T) {
	rig := newTestRig(t, Options{})
	ctx := context.Background()

	first, err := rig.engine.Execute(ctx, sweepRequest(validSweep), "exec_fixed_key")
	require.NoError(t, err)
	require.False(t, first.Replayed)

	second, err := rig.engine.Execute(ctx, sweepRequest(validSweep), "exec_fixed_key")
	require.NoError(t, err)

	assert.True(t, second.Replayed)
	assert.Equal(t, first.ExecutionID, second.ExecutionID)
	assert.Equal(t, first.State, second.State)
	assert.JSONEq(t, string(first.Result), string(second.Result))
	// Exactly one side effect despite two calls.
	assert.Equal(t, 1, rig.surface.callCount())
}

func TestExecuteConcurrentSameKeyCoalesces(t *testing.T) {
	rig := newTestRig(t, Options{})
	rig.surface.delay = 50 * time.Millisecond
	ctx := context.Background()

	const concurrency = 8
	results := make([]*contracts.ExecutionResult, concurrency)
	var wg sync.WaitGroup
	for i := range concurrency {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := rig.engine.Execute(ctx, sweepRequest(validSweep), "exec_shared_key")
			assert.NoError(t, err)
			results[i] = result
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, rig.surface.callCount())
	for _, result := range results {
		require.NotNil(t, result)
		assert.Equal(t, results[0].ExecutionID, result.ExecutionID)
	}
}

func TestExecuteSurfaceFailure(t *testing.T) {
	rig := newTestRig(t, Options{})
	rig.surface.err = errors.New("provider unavailable")

	result, err := rig.engine.Execute(context.Background(), sweepRequest(validSweep), "")
	require.NoError(t, err)

	assert.Equal(t, contracts.StateFailed, result.State)
	assert.False(t, result.Success)

	record, err := rig.records.GetByID(context.Background(), result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateFailed, record.State)
	assert.NotNil(t, record.CompletedAt)
}

// A hanging surface call becomes an execution failure, never an execution
// stuck in EXECUTING.
func TestExecuteSurfaceTimeout(t *testing.T) {
	rig := newTestRig(t, Options{SurfaceTimeout: 30 * time.Millisecond})
	rig.surface.delay = 5 * time.Second

	start := time.Now()
	result, err := rig.engine.Execute(context.Background(), sweepRequest(validSweep), "")
	require.NoError(t, err)

	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, contracts.StateFailed, result.State)

	record, err := rig.records.GetByID(context.Background(), result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateFailed, record.State)
}

func TestRetryFailedExecution(t *testing.T) {
	rig := newTestRig(t, Options{})
	rig.surface.err = errors.New("provider unavailable")
	ctx := context.Background()

	result, err := rig.engine.Execute(ctx, sweepRequest(validSweep), "")
	require.NoError(t, err)
	require.Equal(t, contracts.StateFailed, result.State)

	// Provider recovers; the retry drives the same record to COMPLETED.
	rig.surface.err = nil
	retried, err := rig.engine.Retry(ctx, result.ExecutionID)
	require.NoError(t, err)

	assert.Equal(t, result.ExecutionID, retried.ExecutionID)
	assert.Equal(t, contracts.StateCompleted, retried.State)
	assert.True(t, retried.Success)
	assert.Empty(t, retried.Errors)

	record, err := rig.records.GetByID(ctx, result.ExecutionID)
	require.NoError(t, err)
	// Original attempt plus the retry re-entry plus the second pass.
	assert.GreaterOrEqual(t, len(record.Transitions), 6)
}

func TestRetryRequiresFailedState(t *testing.T) {
	rig := newTestRig(t, Options{})
	ctx := context.Background()

	result, err := rig.engine.Execute(ctx, sweepRequest(validSweep), "")
	require.NoError(t, err)
	require.Equal(t, contracts.StateCompleted, result.State)

	_, err = rig.engine.Retry(ctx, result.ExecutionID)
	assert.ErrorIs(t, err, ErrExecutionStopped)

	_, err = rig.engine.Retry(ctx, "ghost")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestRollbackFailedExecution(t *testing.T) {
	rig := newTestRig(t, Options{})
	rig.surface.err = errors.New("provider unavailable")
	ctx := context.Background()

	result, err := rig.engine.Execute(ctx, sweepRequest(validSweep), "")
	require.NoError(t, err)
	require.Equal(t, contracts.StateFailed, result.State)

	rolled, err := rig.engine.Rollback(ctx, result.ExecutionID)
	require.NoError(t, err)

	assert.Equal(t, contracts.StateRolledBack, rolled.State)
	assert.Equal(t, []string{result.ExecutionID}, rig.compensator.reversed)

	record, err := rig.records.GetByID(ctx, result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateRolledBack, record.State)
}

func TestRollbackRequiresFailedState(t *testing.T) {
	rig := newTestRig(t, Options{})
	ctx := context.Background()

	result, err := rig.engine.Execute(ctx, sweepRequest(validSweep), "")
	require.NoError(t, err)
	require.Equal(t, contracts.StateCompleted, result.State)

	_, err = rig.engine.Rollback(ctx, result.ExecutionID)
	assert.ErrorIs(t, err, rollback.ErrNotRollbackable)
	assert.Empty(t, rig.compensator.reversed)
}

func TestRollbackCompensationFailureKeepsRecordFailed(t *testing.T) {
	rig := newTestRig(t, Options{})
	rig.surface.err = errors.New("provider unavailable")
	rig.compensator.err = errors.New("reversal rejected")
	ctx := context.Background()

	result, err := rig.engine.Execute(ctx, sweepRequest(validSweep), "")
	require.NoError(t, err)
	require.Equal(t, contracts.StateFailed, result.State)

	_, err = rig.engine.Rollback(ctx, result.ExecutionID)
	require.Error(t, err)

	record, err := rig.records.GetByID(ctx, result.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, contracts.StateFailed, record.State)

	var flagged bool
	for _, entry := range rig.auditLog.Entries() {
		if entry.Action == "rollback_failed" {
			flagged = true
			assert.Equal(t, true, entry.Metadata["manual_remediation"])
		}
	}
	assert.True(t, flagged)
}

func TestSignatureBindsRequestContent(t *testing.T) {
	rig := newTestRig(t, Options{})
	ctx := context.Background()

	a, err := rig.engine.Execute(ctx, sweepRequest(validSweep), "")
	require.NoError(t, err)
	b, err := rig.engine.Execute(ctx, contracts.ExecutionRequest{
		UserID:  testUser,
		Kind:    contracts.ActionFundSweep,
		Payload: json.RawMessage(`{"source_account_id":"acc_1","dest_account_id":"acc_2","amount":200,"source_balance":1000,"liquidity_buffer":500}`),
	}, "")
	require.NoError(t, err)

	recA, err := rig.records.GetByID(ctx, a.ExecutionID)
	require.NoError(t, err)
	recB, err := rig.records.GetByID(ctx, b.ExecutionID)
	require.NoError(t, err)
	assert.NotEqual(t, recA.Signature, recB.Signature)
}

func TestSurfaceReceivesIdempotencyKey(t *testing.T) {
	rig := newTestRig(t, Options{})

	result, err := rig.engine.Execute(context.Background(), sweepRequest(validSweep), "exec_pinned_key")
	require.NoError(t, err)
	assert.Equal(t, "exec_pinned_key", result.IdempotencyKey)
	assert.Equal(t, []string{"exec_pinned_key"}, rig.surface.keys)
}
