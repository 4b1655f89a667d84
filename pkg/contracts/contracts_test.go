package contracts

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseActionKind(t *testing.T) {
	cases := map[string]ActionKind{
		"sweep":               ActionFundSweep,
		"FUND_SWEEP":          ActionFundSweep,
		"cancel_subscription": ActionSubscriptionCancel,
		"request_refund":      ActionRefundRequest,
		"transfer_to_goal":    ActionGoalTransfer,
		"create_investment":   ActionInvestmentCreate,
		"trigger":             ActionIntentTrigger,
		"INTENT_TRIGGER":      ActionIntentTrigger,
	}
	for input, want := range cases {
		kind, err := ParseActionKind(input)
		require.NoError(t, err, "input %q", input)
		assert.Equal(t, want, kind)
	}
}

// Unknown action types must be rejected, never coerced onto a default.
func TestParseActionKindUnknown(t *testing.T) {
	for _, input := range []string{"", "withdraw_everything", "Sweep", "fund_sweep"} {
		_, err := ParseActionKind(input)
		assert.Error(t, err, "input %q", input)
	}
}

func TestValidatePayloadAccepts(t *testing.T) {
	cases := map[ActionKind]string{
		ActionFundSweep:          `{"source_account_id":"acc_1","dest_account_id":"acc_2","amount":100,"source_balance":1000,"liquidity_buffer":500}`,
		ActionSubscriptionCancel: `{"subscription_id":"sub_1","days_unused":45}`,
		ActionRefundRequest:      `{"transaction_id":"txn_1","amount":25.50}`,
		ActionGoalTransfer:       `{"goal_id":"goal_1","source_account_id":"acc_1","amount":50,"source_balance":900}`,
		ActionInvestmentCreate:   `{"amount":500,"risk_profile":"AGGRESSIVE","investment_type":"index_fund"}`,
		ActionIntentTrigger:      `{"trigger_id":"tr_1","rule_name":"payday-sweep"}`,
	}
	for kind, raw := range cases {
		assert.NoError(t, ValidatePayload(kind, json.RawMessage(raw)), "kind %s", kind)
	}
}

func TestValidatePayloadRejects(t *testing.T) {
	cases := map[ActionKind]string{
		ActionFundSweep:        `{"amount":100}`,
		ActionRefundRequest:    `{"transaction_id":"txn_1","amount":0}`,
		ActionInvestmentCreate: `{"amount":500,"risk_profile":"YOLO","investment_type":"crypto"}`,
		ActionIntentTrigger:    `{}`,
	}
	for kind, raw := range cases {
		assert.Error(t, ValidatePayload(kind, json.RawMessage(raw)), "kind %s", kind)
	}

	assert.Error(t, ValidatePayload(ActionFundSweep, json.RawMessage(`not json`)))
	assert.Error(t, ValidatePayload(ActionKind("MYSTERY"), json.RawMessage(`{}`)))
}

func TestDecodePayloadTypedVariants(t *testing.T) {
	v, err := DecodePayload(ActionFundSweep, json.RawMessage(
		`{"source_account_id":"acc_1","dest_account_id":"acc_2","amount":100,"source_balance":1000}`))
	require.NoError(t, err)
	sweep, ok := v.(FundSweepPayload)
	require.True(t, ok)
	assert.Equal(t, "acc_1", sweep.SourceAccountID)
	assert.Equal(t, 100.0, sweep.Amount)

	v, err = DecodePayload(ActionInvestmentCreate, json.RawMessage(
		`{"amount":500,"risk_profile":"CONSERVATIVE","investment_type":"bond_fund","liquidity_days":10}`))
	require.NoError(t, err)
	inv, ok := v.(InvestmentCreatePayload)
	require.True(t, ok)
	assert.Equal(t, RiskConservative, inv.RiskProfile)
	assert.Equal(t, 10, inv.LiquidityDays)
}

func TestDecodePayloadRejectsSchemaViolations(t *testing.T) {
	_, err := DecodePayload(ActionRefundRequest, json.RawMessage(`{"amount":25}`))
	require.Error(t, err)
}

func TestTerminalStates(t *testing.T) {
	assert.True(t, StateCompleted.Terminal())
	assert.True(t, StateRolledBack.Terminal())
	for _, s := range []ExecutionState{StatePending, StateValidating, StateExecuting, StateFailed} {
		assert.False(t, s.Terminal(), "state %s", s)
	}
}

func TestValidationResultMerge(t *testing.T) {
	merged := OK().Merge(Fail("reason A")).Merge(Fail("reason B"))
	assert.False(t, merged.Valid)
	assert.Equal(t, []string{"reason A", "reason B"}, merged.Errors)

	assert.True(t, OK().Merge(OK()).Valid)
}

func TestDefaultRegulatoryFlags(t *testing.T) {
	flags := DefaultRegulatoryFlags()
	assert.Contains(t, flags, FlagGDPR)
	assert.Contains(t, flags, FlagPSD2)
}
