package contracts

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// Payload schemas are pinned per action kind. A request whose action_data does
// not validate against the schema for its kind is rejected at admission,
// before any record is created.

const fundSweepSchema = `{
	"type": "object",
	"required": ["source_account_id", "dest_account_id", "amount", "source_balance"],
	"properties": {
		"source_account_id": {"type": "string", "minLength": 1},
		"dest_account_id":   {"type": "string", "minLength": 1},
		"amount":            {"type": "number"},
		"source_balance":    {"type": "number"},
		"liquidity_buffer":  {"type": "number", "minimum": 0}
	}
}`

const subscriptionCancelSchema = `{
	"type": "object",
	"required": ["subscription_id", "days_unused"],
	"properties": {
		"subscription_id":  {"type": "string"},
		"merchant_name":    {"type": "string"},
		"last_charge_date": {"type": "string"},
		"days_unused":      {"type": "integer"}
	}
}`

const refundRequestSchema = `{
	"type": "object",
	"required": ["transaction_id", "amount"],
	"properties": {
		"transaction_id": {"type": "string", "minLength": 1},
		"amount":         {"type": "number", "exclusiveMinimum": 0},
		"reason":         {"type": "string"}
	}
}`

const goalTransferSchema = `{
	"type": "object",
	"required": ["goal_id", "source_account_id", "amount", "source_balance"],
	"properties": {
		"goal_id":           {"type": "string", "minLength": 1},
		"source_account_id": {"type": "string", "minLength": 1},
		"amount":            {"type": "number"},
		"source_balance":    {"type": "number"},
		"liquidity_buffer":  {"type": "number", "minimum": 0}
	}
}`

const investmentCreateSchema = `{
	"type": "object",
	"required": ["amount", "risk_profile", "investment_type"],
	"properties": {
		"amount":          {"type": "number"},
		"risk_profile":    {"type": "string", "enum": ["CONSERVATIVE", "AGGRESSIVE"]},
		"investment_type": {"type": "string", "minLength": 1},
		"liquidity_days":  {"type": "integer", "minimum": 0}
	}
}`

const intentTriggerSchema = `{
	"type": "object",
	"required": ["trigger_id"],
	"properties": {
		"trigger_id": {"type": "string", "minLength": 1},
		"rule_name":  {"type": "string"},
		"context":    {"type": "object"}
	}
}`

var payloadSchemas = map[ActionKind]*jsonschema.Schema{
	ActionFundSweep:          jsonschema.MustCompileString("finpilot://schemas/fund_sweep.json", fundSweepSchema),
	ActionSubscriptionCancel: jsonschema.MustCompileString("finpilot://schemas/subscription_cancel.json", subscriptionCancelSchema),
	ActionRefundRequest:      jsonschema.MustCompileString("finpilot://schemas/refund_request.json", refundRequestSchema),
	ActionGoalTransfer:       jsonschema.MustCompileString("finpilot://schemas/goal_transfer.json", goalTransferSchema),
	ActionInvestmentCreate:   jsonschema.MustCompileString("finpilot://schemas/investment_create.json", investmentCreateSchema),
	ActionIntentTrigger:      jsonschema.MustCompileString("finpilot://schemas/intent_trigger.json", intentTriggerSchema),
}

// ValidatePayload checks raw action data against the pinned schema for kind.
func ValidatePayload(kind ActionKind, raw json.RawMessage) error {
	schema, ok := payloadSchemas[kind]
	if !ok {
		return fmt.Errorf("no payload schema for action kind %q", kind)
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v any
	if err := dec.Decode(&v); err != nil {
		return fmt.Errorf("action_data is not valid JSON: %w", err)
	}
	if err := schema.Validate(v); err != nil {
		return fmt.Errorf("action_data does not match %s schema: %w", kind, err)
	}
	return nil
}

// DecodePayload validates raw action data and decodes it into the typed
// variant for kind. The returned value is one of the *Payload structs.
func DecodePayload(kind ActionKind, raw json.RawMessage) (any, error) {
	if err := ValidatePayload(kind, raw); err != nil {
		return nil, err
	}

	var (
		out any
		err error
	)
	switch kind {
	case ActionFundSweep:
		var p FundSweepPayload
		err = json.Unmarshal(raw, &p)
		out = p
	case ActionSubscriptionCancel:
		var p SubscriptionCancelPayload
		err = json.Unmarshal(raw, &p)
		out = p
	case ActionRefundRequest:
		var p RefundRequestPayload
		err = json.Unmarshal(raw, &p)
		out = p
	case ActionGoalTransfer:
		var p GoalTransferPayload
		err = json.Unmarshal(raw, &p)
		out = p
	case ActionInvestmentCreate:
		var p InvestmentCreatePayload
		err = json.Unmarshal(raw, &p)
		out = p
	case ActionIntentTrigger:
		var p IntentTriggerPayload
		err = json.Unmarshal(raw, &p)
		out = p
	default:
		return nil, fmt.Errorf("unknown action kind %q", kind)
	}
	if err != nil {
		return nil, fmt.Errorf("decode %s payload: %w", kind, err)
	}
	return out, nil
}
