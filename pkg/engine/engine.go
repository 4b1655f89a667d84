// Package engine orchestrates one approved financial action from admission
// to a terminal outcome. It composes the identity primitives, the rate
// limiter, the validator, the state machine and the rollback handler, and
// delegates real-world side effects to an external execution Surface.
//
// The engine's single most important property: one idempotency key produces
// at most one side effect on the Surface, no matter how often the request is
// retried.
package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/finpilot-labs/finpilot/pkg/audit"
	"github.com/finpilot-labs/finpilot/pkg/contracts"
	"github.com/finpilot-labs/finpilot/pkg/ratelimit"
	"github.com/finpilot-labs/finpilot/pkg/rollback"
	"github.com/finpilot-labs/finpilot/pkg/security"
	"github.com/finpilot-labs/finpilot/pkg/statemachine"
	"github.com/finpilot-labs/finpilot/pkg/store"
	"github.com/finpilot-labs/finpilot/pkg/validator"
)

// Admission errors. These reject a request before any record is created.
var (
	ErrMissingUserID    = errors.New("user id is required")
	ErrInvalidUserID    = errors.New("user id must be alphanumeric, 8-36 characters")
	ErrMissingAction    = errors.New("action type is required")
	ErrInvalidPayload   = errors.New("invalid action payload")
	ErrRateLimited      = ratelimit.ErrRateLimited
	ErrExecutionStopped = errors.New("execution not in a retryable state")
)

// Surface is the external execution surface: banking transfers,
// cancellation messaging, investment account APIs. Exactly one call is made
// per record; the idempotency key makes retried network calls safe on the
// provider side.
type Surface interface {
	Execute(ctx context.Context, kind contracts.ActionKind, payload json.RawMessage, idempotencyKey string) (json.RawMessage, error)
}

// MetricsRecorder receives one observation per finished orchestration.
type MetricsRecorder interface {
	RecordExecution(ctx context.Context, kind contracts.ActionKind, state contracts.ExecutionState, duration time.Duration)
}

// Engine is the execution orchestrator.
type Engine struct {
	records        store.RecordStore
	surface        Surface
	validator      *validator.Validator
	execLimiter    *ratelimit.Limiter
	rollback       *rollback.Handler
	auditLog       audit.Log
	metrics        MetricsRecorder
	secret         []byte
	surfaceTimeout time.Duration
	logger         *slog.Logger
	tracer         trace.Tracer
	inflight       singleflight.Group
	now            func() time.Time
}

// Options configures optional engine collaborators.
type Options struct {
	// SurfaceTimeout bounds the external execution call. A timeout is an
	// execution failure, never an unresolved EXECUTING record.
	SurfaceTimeout time.Duration
	AuditLog       audit.Log
	Metrics        MetricsRecorder
	Logger         *slog.Logger
	Rollback       *rollback.Handler
}

// New creates an engine. records, surface, v and execLimiter are required.
func New(records store.RecordStore, surface Surface, v *validator.Validator, execLimiter *ratelimit.Limiter, secret []byte, opts Options) *Engine {
	if opts.SurfaceTimeout <= 0 {
		opts.SurfaceTimeout = 30 * time.Second
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default().With("component", "engine")
	}
	return &Engine{
		records:        records,
		surface:        surface,
		validator:      v,
		execLimiter:    execLimiter,
		rollback:       opts.Rollback,
		auditLog:       opts.AuditLog,
		metrics:        opts.Metrics,
		secret:         secret,
		surfaceTimeout: opts.SurfaceTimeout,
		logger:         logger,
		tracer:         otel.Tracer("finpilot/engine"),
		now:            time.Now,
	}
}

// WithClock injects a deterministic clock for tests.
func (e *Engine) WithClock(now func() time.Time) *Engine {
	e.now = now
	return e
}

// Execute drives one approved action to a terminal outcome.
//
// The optional idempotencyKey coalesces retries: concurrent calls with the
// same key share one orchestration, and later calls replay the persisted
// result without touching the Surface again. An empty key means a fresh
// attempt and a generated key.
func (e *Engine) Execute(ctx context.Context, req contracts.ExecutionRequest, idempotencyKey string) (*contracts.ExecutionResult, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Execute", trace.WithAttributes(
		attribute.String("action.kind", string(req.Kind)),
	))
	defer span.End()
	started := e.now()

	// Admission: cheap, side-effect free checks before any record exists.
	payload, err := e.admit(ctx, req)
	if err != nil {
		return nil, err
	}

	if idempotencyKey == "" {
		idempotencyKey, err = security.NewIdempotencyKey("exec")
		if err != nil {
			return nil, err
		}
	}

	// Coalesce concurrent requests bearing the same key into one flight.
	v, err, _ := e.inflight.Do(idempotencyKey, func() (any, error) {
		return e.run(ctx, req, payload, idempotencyKey)
	})
	if err != nil {
		return nil, err
	}
	result := v.(*contracts.ExecutionResult)

	if e.metrics != nil {
		e.metrics.RecordExecution(ctx, req.Kind, result.State, e.now().Sub(started))
	}
	span.SetAttributes(
		attribute.String("execution.id", result.ExecutionID),
		attribute.String("execution.state", string(result.State)),
	)
	return result, nil
}

// admit performs the pre-record checks: field presence, payload schema, and
// the execution rate limiter. Rejections here create no state.
func (e *Engine) admit(ctx context.Context, req contracts.ExecutionRequest) (any, error) {
	switch {
	case req.UserID == "":
		return nil, ErrMissingUserID
	case !security.ValidUserID(req.UserID):
		return nil, ErrInvalidUserID
	case req.Kind == "":
		return nil, ErrMissingAction
	}

	payload, err := contracts.DecodePayload(req.Kind, req.Payload)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPayload, err)
	}

	allowed, err := e.execLimiter.Allow(ctx, req.UserID)
	if err != nil {
		return nil, fmt.Errorf("execution rate limiter: %w", err)
	}
	if !allowed {
		return nil, fmt.Errorf("%w: user %s", ErrRateLimited, req.UserID)
	}
	return payload, nil
}

// run performs one orchestration. Exactly one run is in flight per
// idempotency key; replays are served from the persisted record.
func (e *Engine) run(ctx context.Context, req contracts.ExecutionRequest, payload any, idempotencyKey string) (*contracts.ExecutionResult, error) {
	// Key-based deduplication against persisted history: a replayed key
	// returns the stored outcome and triggers no second side effect.
	if existing, err := e.records.GetByIdempotencyKey(ctx, idempotencyKey); err == nil {
		e.logger.InfoContext(ctx, "idempotent replay",
			"execution_id", existing.ID, "idempotency_key", idempotencyKey)
		return resultFromRecord(existing, true), nil
	} else if !errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("idempotency lookup: %w", err)
	}

	signature, err := security.SignCanonical(map[string]any{
		"user_id":     req.UserID,
		"action_type": string(req.Kind),
		"action_data": json.RawMessage(req.Payload),
	}, e.secret)
	if err != nil {
		return nil, fmt.Errorf("sign request payload: %w", err)
	}

	record := &contracts.ExecutionRecord{
		ID:              uuid.NewString(),
		UserID:          req.UserID,
		Kind:            req.Kind,
		BundleID:        req.BundleID,
		RequestPayload:  append(json.RawMessage(nil), req.Payload...),
		State:           contracts.StatePending,
		Signature:       signature,
		IdempotencyKey:  idempotencyKey,
		RegulatoryFlags: contracts.DefaultRegulatoryFlags(),
		CreatedAt:       e.now(),
	}
	if err := e.records.Create(ctx, record); err != nil {
		return nil, fmt.Errorf("persist execution record: %w", err)
	}

	machine := statemachine.New().WithClock(e.now)
	return e.drive(ctx, machine, record, payload)
}

// drive advances a PENDING record to a terminal or FAILED state. It is
// shared by fresh executions and retries.
func (e *Engine) drive(ctx context.Context, machine *statemachine.Machine, record *contracts.ExecutionRecord, payload any) (*contracts.ExecutionResult, error) {
	if err := e.step(ctx, machine, record, contracts.EventStartValidation, nil); err != nil {
		return nil, err
	}

	verdict := e.validator.ValidateAction(record.Kind, payload)
	if !verdict.Valid {
		record.Errors = verdict.Errors
		if err := e.step(ctx, machine, record, contracts.EventValidationFailure, map[string]any{
			"errors": verdict.Errors,
		}); err != nil {
			return nil, err
		}
		e.appendAudit(record, "validate", audit.StatusFailure, map[string]any{"errors": verdict.Errors})
		return resultFromRecord(record, false), nil
	}

	if err := e.step(ctx, machine, record, contracts.EventValidationSuccess, nil); err != nil {
		return nil, err
	}

	// The only blocking call of the orchestration. Bounded by a timeout: a
	// record must never remain indefinitely in EXECUTING.
	surfaceCtx, cancel := context.WithTimeout(ctx, e.surfaceTimeout)
	response, surfaceErr := e.callSurface(surfaceCtx, record)
	cancel()

	if surfaceErr != nil {
		if err := e.step(ctx, machine, record, contracts.EventExecutionFailure, map[string]any{
			"error": surfaceErr.Error(),
		}); err != nil {
			return nil, err
		}
		e.appendAudit(record, "execute", audit.StatusFailure, map[string]any{"error": surfaceErr.Error()})
		e.logger.WarnContext(ctx, "execution failed",
			"execution_id", record.ID, "action", record.Kind, "error", surfaceErr)
		return resultFromRecord(record, false), nil
	}

	record.ResponsePayload = response
	record.Success = true
	if err := e.step(ctx, machine, record, contracts.EventExecutionSuccess, nil); err != nil {
		return nil, err
	}
	e.appendAudit(record, "execute", audit.StatusSuccess, nil)
	e.logger.InfoContext(ctx, "execution completed",
		"execution_id", record.ID, "action", record.Kind)
	return resultFromRecord(record, false), nil
}

// callSurface wraps the external call in its own span and normalizes
// timeouts into execution failures.
func (e *Engine) callSurface(ctx context.Context, record *contracts.ExecutionRecord) (json.RawMessage, error) {
	ctx, span := e.tracer.Start(ctx, "engine.Surface", trace.WithAttributes(
		attribute.String("action.kind", string(record.Kind)),
		attribute.String("execution.id", record.ID),
	))
	defer span.End()

	response, err := e.surface.Execute(ctx, record.Kind, record.RequestPayload, record.IdempotencyKey)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("execution surface timed out after %s: %w", e.surfaceTimeout, err)
		}
		return nil, err
	}
	return response, nil
}

// step applies one transition and persists the record. Transition failures
// are programming errors: they are surfaced and the record is not mutated.
func (e *Engine) step(ctx context.Context, machine *statemachine.Machine, record *contracts.ExecutionRecord, event contracts.ExecutionEvent, metadata map[string]any) error {
	tr, err := machine.Transition(event, metadata)
	if err != nil {
		e.logger.ErrorContext(ctx, "illegal transition requested",
			"execution_id", record.ID, "event", event, "state", machine.State(), "error", err)
		return err
	}
	record.State = machine.State()
	record.Transitions = append(record.Transitions, *tr)
	if record.State.Terminal() || record.State == contracts.StateFailed {
		completed := e.now()
		record.CompletedAt = &completed
	}
	if err := e.records.Update(ctx, record); err != nil {
		return fmt.Errorf("persist transition %s: %w", event, err)
	}
	return nil
}

func (e *Engine) appendAudit(record *contracts.ExecutionRecord, action, status string, metadata map[string]any) {
	if e.auditLog == nil {
		return
	}
	_ = e.auditLog.Append(audit.Event{
		Actor:        "engine",
		Action:       action,
		UserID:       record.UserID,
		ResourceType: "execution",
		ResourceID:   record.ID,
		Status:       status,
		Metadata:     metadata,
	})
}

func resultFromRecord(record *contracts.ExecutionRecord, replayed bool) *contracts.ExecutionResult {
	return &contracts.ExecutionResult{
		ExecutionID:    record.ID,
		IdempotencyKey: record.IdempotencyKey,
		State:          record.State,
		Success:        record.Success,
		Errors:         record.Errors,
		Result:         record.ResponsePayload,
		Replayed:       replayed,
	}
}
