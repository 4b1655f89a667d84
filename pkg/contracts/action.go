// Package contracts defines the data model shared by the execution engine:
// action kinds, typed action payloads, execution records and their
// append-only transition history.
package contracts

import (
	"encoding/json"
	"fmt"
	"time"
)

// ActionKind identifies one of the supported financial action families.
type ActionKind string

const (
	ActionFundSweep          ActionKind = "FUND_SWEEP"
	ActionSubscriptionCancel ActionKind = "SUBSCRIPTION_CANCEL"
	ActionRefundRequest      ActionKind = "REFUND_REQUEST"
	ActionGoalTransfer       ActionKind = "GOAL_TRANSFER"
	ActionInvestmentCreate   ActionKind = "INVESTMENT_CREATE"
	ActionIntentTrigger      ActionKind = "INTENT_TRIGGER"
)

// ActionKinds lists every supported kind, in declaration order.
func ActionKinds() []ActionKind {
	return []ActionKind{
		ActionFundSweep,
		ActionSubscriptionCancel,
		ActionRefundRequest,
		ActionGoalTransfer,
		ActionInvestmentCreate,
		ActionIntentTrigger,
	}
}

// ParseActionKind maps client-facing action type strings to an ActionKind.
// Unknown values are an admission error: silently executing the wrong action
// class is worse than rejecting the request.
func ParseActionKind(s string) (ActionKind, error) {
	switch s {
	case "sweep", string(ActionFundSweep):
		return ActionFundSweep, nil
	case "cancel_subscription", string(ActionSubscriptionCancel):
		return ActionSubscriptionCancel, nil
	case "request_refund", string(ActionRefundRequest):
		return ActionRefundRequest, nil
	case "transfer_to_goal", string(ActionGoalTransfer):
		return ActionGoalTransfer, nil
	case "create_investment", string(ActionInvestmentCreate):
		return ActionInvestmentCreate, nil
	case "trigger", string(ActionIntentTrigger):
		return ActionIntentTrigger, nil
	default:
		return "", fmt.Errorf("unknown action type %q", s)
	}
}

// ExecutionRequest is the immutable input to one execution. It is created
// when a user approves a recommendation and never mutated afterwards.
type ExecutionRequest struct {
	UserID   string          `json:"user_id"`
	Kind     ActionKind      `json:"action_type"`
	Payload  json.RawMessage `json:"action_data"`
	BundleID string          `json:"bundle_id,omitempty"`
}

// FundSweepPayload moves idle funds between two accounts of the same user.
type FundSweepPayload struct {
	SourceAccountID string  `json:"source_account_id"`
	DestAccountID   string  `json:"dest_account_id"`
	Amount          float64 `json:"amount"`
	SourceBalance   float64 `json:"source_balance"`
	LiquidityBuffer float64 `json:"liquidity_buffer"`
}

// SubscriptionCancelPayload cancels a recurring subscription.
type SubscriptionCancelPayload struct {
	SubscriptionID string    `json:"subscription_id"`
	MerchantName   string    `json:"merchant_name,omitempty"`
	LastChargeDate time.Time `json:"last_charge_date"`
	DaysUnused     int       `json:"days_unused"`
}

// RefundRequestPayload asks a merchant for a refund of a past transaction.
type RefundRequestPayload struct {
	TransactionID string  `json:"transaction_id"`
	Amount        float64 `json:"amount"`
	Reason        string  `json:"reason,omitempty"`
}

// GoalTransferPayload moves funds towards a savings goal.
type GoalTransferPayload struct {
	GoalID          string  `json:"goal_id"`
	SourceAccountID string  `json:"source_account_id"`
	Amount          float64 `json:"amount"`
	SourceBalance   float64 `json:"source_balance"`
	LiquidityBuffer float64 `json:"liquidity_buffer"`
}

// RiskProfile classifies an investor's appetite.
type RiskProfile string

const (
	RiskConservative RiskProfile = "CONSERVATIVE"
	RiskAggressive   RiskProfile = "AGGRESSIVE"
)

// InvestmentCreatePayload opens a new investment position.
type InvestmentCreatePayload struct {
	Amount         float64     `json:"amount"`
	RiskProfile    RiskProfile `json:"risk_profile"`
	InvestmentType string      `json:"investment_type"`
	LiquidityDays  int         `json:"liquidity_days"`
}

// IntentTriggerPayload fires a user-defined automation rule.
type IntentTriggerPayload struct {
	TriggerID string          `json:"trigger_id"`
	RuleName  string          `json:"rule_name,omitempty"`
	Context   json.RawMessage `json:"context,omitempty"`
}
