// Package rollback reverses failed executions through compensating actions.
// A compensation that itself fails has no further compensating path: it is a
// terminal failure flagged for human remediation.
package rollback

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/finpilot-labs/finpilot/pkg/audit"
	"github.com/finpilot-labs/finpilot/pkg/contracts"
	"github.com/finpilot-labs/finpilot/pkg/statemachine"
)

// ErrNotRollbackable is returned when the record is not in FAILED.
var ErrNotRollbackable = errors.New("rollback only valid from FAILED state")

// ErrNoCompensation is returned for action families without a compensating
// action.
var ErrNoCompensation = errors.New("no compensating action for this action kind")

// Compensator executes the external side of a compensation, one operation
// per action family.
type Compensator interface {
	// ReverseTransfer undoes a fund movement.
	ReverseTransfer(ctx context.Context, transferID string) error
	// ReactivateSubscription undoes a subscription cancellation.
	ReactivateSubscription(ctx context.Context, subscriptionID string) error
	// LiquidateInvestment unwinds an investment position and returns funds.
	LiquidateInvestment(ctx context.Context, investmentID string) error
}

// Handler drives the ROLLBACK transition for failed executions.
type Handler struct {
	compensator Compensator
	auditLog    audit.Log
}

// NewHandler creates a rollback handler.
func NewHandler(compensator Compensator, auditLog audit.Log) *Handler {
	return &Handler{compensator: compensator, auditLog: auditLog}
}

// Rollback compensates a FAILED execution and transitions it to ROLLED_BACK.
// The machine must mirror the record's current state. On compensation
// failure the record stays FAILED and the failure is flagged distinctly in
// the audit trail.
func (h *Handler) Rollback(ctx context.Context, machine *statemachine.Machine, record *contracts.ExecutionRecord) error {
	if machine.State() != contracts.StateFailed {
		return fmt.Errorf("%w: current state %s", ErrNotRollbackable, machine.State())
	}

	if err := h.compensate(ctx, record); err != nil {
		h.appendAudit(record, "rollback_failed", audit.StatusFailure, map[string]any{
			"error":              err.Error(),
			"manual_remediation": true,
		})
		return fmt.Errorf("compensation failed, manual remediation required: %w", err)
	}

	tr, err := machine.Transition(contracts.EventRollback, map[string]any{
		"reason": "compensating action applied",
	})
	if err != nil {
		return err
	}
	record.State = machine.State()
	record.Transitions = append(record.Transitions, *tr)

	h.appendAudit(record, "rollback", audit.StatusSuccess, nil)
	return nil
}

func (h *Handler) compensate(ctx context.Context, record *contracts.ExecutionRecord) error {
	switch record.Kind {
	case contracts.ActionFundSweep, contracts.ActionGoalTransfer:
		return h.compensator.ReverseTransfer(ctx, record.ID)
	case contracts.ActionSubscriptionCancel:
		var payload contracts.SubscriptionCancelPayload
		if err := json.Unmarshal(record.RequestPayload, &payload); err != nil {
			return fmt.Errorf("decode cancellation payload: %w", err)
		}
		return h.compensator.ReactivateSubscription(ctx, payload.SubscriptionID)
	case contracts.ActionInvestmentCreate:
		return h.compensator.LiquidateInvestment(ctx, record.ID)
	default:
		return fmt.Errorf("%w: %s", ErrNoCompensation, record.Kind)
	}
}

func (h *Handler) appendAudit(record *contracts.ExecutionRecord, action, status string, metadata map[string]any) {
	if h.auditLog == nil {
		return
	}
	_ = h.auditLog.Append(audit.Event{
		Actor:        "rollback",
		Action:       action,
		UserID:       record.UserID,
		ResourceType: "execution",
		ResourceID:   record.ID,
		Status:       status,
		Metadata:     metadata,
	})
}
