package engine

import (
	"context"
	"errors"
	"fmt"

	"github.com/finpilot-labs/finpilot/pkg/contracts"
	"github.com/finpilot-labs/finpilot/pkg/statemachine"
)

// Retry re-enters a FAILED execution at PENDING and drives it again. The
// record keeps its identity, signature and idempotency key; the retry is a
// fresh pass through validation and execution, not a replay.
func (e *Engine) Retry(ctx context.Context, executionID string) (*contracts.ExecutionResult, error) {
	record, err := e.records.GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if record.State != contracts.StateFailed {
		return nil, fmt.Errorf("%w: state %s", ErrExecutionStopped, record.State)
	}

	payload, err := contracts.DecodePayload(record.Kind, record.RequestPayload)
	if err != nil {
		return nil, err
	}

	machine := machineFor(record).WithClock(e.now)
	record.Errors = nil
	record.Success = false
	record.CompletedAt = nil
	if err := e.step(ctx, machine, record, contracts.EventStartValidation, map[string]any{
		"retry": true,
	}); err != nil {
		return nil, err
	}

	v, err, _ := e.inflight.Do(record.IdempotencyKey+"/retry", func() (any, error) {
		return e.drive(ctx, machine, record, payload)
	})
	if err != nil {
		return nil, err
	}
	return v.(*contracts.ExecutionResult), nil
}

// Rollback compensates a FAILED execution. Only records in FAILED may be
// rolled back; everything else fails without transitioning.
func (e *Engine) Rollback(ctx context.Context, executionID string) (*contracts.ExecutionResult, error) {
	if e.rollback == nil {
		return nil, errors.New("rollback handler not configured")
	}
	record, err := e.records.GetByID(ctx, executionID)
	if err != nil {
		return nil, err
	}

	machine := machineFor(record).WithClock(e.now)
	if err := e.rollback.Rollback(ctx, machine, record); err != nil {
		return nil, err
	}
	completed := e.now()
	record.CompletedAt = &completed
	if err := e.records.Update(ctx, record); err != nil {
		return nil, fmt.Errorf("persist rollback: %w", err)
	}
	e.logger.InfoContext(ctx, "execution rolled back", "execution_id", record.ID)
	return resultFromRecord(record, false), nil
}

// Get returns the persisted record for an execution id.
func (e *Engine) Get(ctx context.Context, executionID string) (*contracts.ExecutionRecord, error) {
	return e.records.GetByID(ctx, executionID)
}

// machineFor restores the in-memory state machine from a persisted record.
// Import replays no side effects.
func machineFor(record *contracts.ExecutionRecord) *statemachine.Machine {
	return statemachine.Import(statemachine.Snapshot{
		CurrentState: record.State,
		Transitions:  record.Transitions,
	})
}
