package contracts

import (
	"encoding/json"
	"time"
)

// ExecutionState is the lifecycle state of one execution.
type ExecutionState string

const (
	StatePending    ExecutionState = "PENDING"
	StateValidating ExecutionState = "VALIDATING"
	StateExecuting  ExecutionState = "EXECUTING"
	StateCompleted  ExecutionState = "COMPLETED"
	StateFailed     ExecutionState = "FAILED"
	StateRolledBack ExecutionState = "ROLLED_BACK"
)

// Terminal reports whether no outbound transitions exist from s.
func (s ExecutionState) Terminal() bool {
	return s == StateCompleted || s == StateRolledBack
}

// ExecutionEvent drives a state transition.
type ExecutionEvent string

const (
	EventStartValidation   ExecutionEvent = "START_VALIDATION"
	EventValidationSuccess ExecutionEvent = "VALIDATION_SUCCESS"
	EventValidationFailure ExecutionEvent = "VALIDATION_FAILURE"
	EventStartExecution    ExecutionEvent = "START_EXECUTION"
	EventExecutionSuccess  ExecutionEvent = "EXECUTION_SUCCESS"
	EventExecutionFailure  ExecutionEvent = "EXECUTION_FAILURE"
	EventRollback          ExecutionEvent = "ROLLBACK"
)

// StateTransition is one entry of the append-only audit trail. Once written
// it is never edited or removed; the total order of transitions for a record
// is the audit trail.
type StateTransition struct {
	From      ExecutionState `json:"from"`
	To        ExecutionState `json:"to"`
	Event     ExecutionEvent `json:"event"`
	Timestamp time.Time      `json:"timestamp"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// RegulatoryFlag tags a record with a compliance regime. The engine attaches
// flags at creation and never interprets or removes them.
type RegulatoryFlag string

const (
	FlagGDPR RegulatoryFlag = "GDPR"
	FlagPSD2 RegulatoryFlag = "PSD2"
)

// DefaultRegulatoryFlags are stamped on every record at creation.
func DefaultRegulatoryFlags() []RegulatoryFlag {
	return []RegulatoryFlag{FlagGDPR, FlagPSD2}
}

// ExecutionRecord is the aggregate owned by the engine for the lifetime of
// one request. It is created in PENDING, mutated only through state machine
// transitions, persisted after every transition, and immutable once terminal.
type ExecutionRecord struct {
	ID              string            `json:"id"`
	UserID          string            `json:"user_id"`
	Kind            ActionKind        `json:"action_type"`
	BundleID        string            `json:"bundle_id,omitempty"`
	RequestPayload  json.RawMessage   `json:"request_payload"`
	ResponsePayload json.RawMessage   `json:"response_payload,omitempty"`
	State           ExecutionState    `json:"state"`
	Transitions     []StateTransition `json:"state_transitions"`
	Signature       string            `json:"hmac_signature"`
	IdempotencyKey  string            `json:"idempotency_key"`
	RegulatoryFlags []RegulatoryFlag  `json:"regulatory_flags"`
	Success         bool              `json:"success"`
	Errors          []string          `json:"errors,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
}

// ValidationResult reports the outcome of business-rule validation. It is
// always returned, never raised: every violated rule is collected so callers
// see all reasons at once.
type ValidationResult struct {
	Valid  bool     `json:"valid"`
	Errors []string `json:"errors"`
}

// OK returns a passing result.
func OK() ValidationResult {
	return ValidationResult{Valid: true, Errors: []string{}}
}

// Fail returns a failing result carrying the given reasons.
func Fail(reasons ...string) ValidationResult {
	return ValidationResult{Valid: false, Errors: reasons}
}

// Merge combines two results; the merged result is valid only if both are.
func (r ValidationResult) Merge(other ValidationResult) ValidationResult {
	merged := ValidationResult{
		Valid:  r.Valid && other.Valid,
		Errors: append(append([]string{}, r.Errors...), other.Errors...),
	}
	return merged
}

// ExecutionResult is the caller-facing outcome of one Execute call.
type ExecutionResult struct {
	ExecutionID    string          `json:"execution_id"`
	IdempotencyKey string          `json:"idempotency_key"`
	State          ExecutionState  `json:"state"`
	Success        bool            `json:"success"`
	Errors         []string        `json:"errors,omitempty"`
	Result         json.RawMessage `json:"result,omitempty"`
	Replayed       bool            `json:"replayed,omitempty"`
}
