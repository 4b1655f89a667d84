package validator

import (
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/finpilot-labs/finpilot/pkg/contracts"
)

// Validator applies Policy thresholds to decoded action payloads.
type Validator struct {
	policy Policy
}

// New creates a validator with the given policy.
func New(policy Policy) *Validator {
	return &Validator{policy: policy}
}

// TransferParams are the inputs to a transfer validation.
type TransferParams struct {
	Amount          float64
	SourceBalance   float64
	LiquidityBuffer float64
}

// ValidateTransfer checks a fund movement against balance, liquidity buffer
// and per-transfer limits.
func (v *Validator) ValidateTransfer(p TransferParams) contracts.ValidationResult {
	var errs []string

	amount := decimal.NewFromFloat(p.Amount)
	balance := decimal.NewFromFloat(p.SourceBalance)
	buffer := decimal.NewFromFloat(p.LiquidityBuffer)

	if amount.GreaterThan(balance) {
		errs = append(errs, "Insufficient balance for transfer")
	}
	if balance.Sub(amount).LessThan(buffer) {
		errs = append(errs, fmt.Sprintf("Transfer would breach liquidity buffer of $%s", buffer.String()))
	}
	if amount.LessThan(v.policy.MinTransfer) {
		errs = append(errs, fmt.Sprintf("Transfer amount must be at least $%s", v.policy.MinTransfer.String()))
	}
	if amount.GreaterThan(v.policy.MaxTransfer) {
		errs = append(errs, fmt.Sprintf("Transfer amount exceeds daily limit of $%s", v.policy.MaxTransfer.String()))
	}

	if len(errs) > 0 {
		return contracts.Fail(errs...)
	}
	return contracts.OK()
}

// CancellationParams are the inputs to a subscription cancellation validation.
type CancellationParams struct {
	SubscriptionID string
	DaysUnused     int
}

// ValidateCancellation checks that the subscription exists and has been
// unused long enough to permit automated cancellation.
func (v *Validator) ValidateCancellation(p CancellationParams) contracts.ValidationResult {
	var errs []string

	if p.SubscriptionID == "" {
		errs = append(errs, "Subscription ID is required")
	}
	if p.DaysUnused < v.policy.MinUnusedDays {
		errs = append(errs, fmt.Sprintf("Subscription must be unused for at least %d days", v.policy.MinUnusedDays))
	}

	if len(errs) > 0 {
		return contracts.Fail(errs...)
	}
	return contracts.OK()
}

// InvestmentParams are the inputs to an investment validation.
type InvestmentParams struct {
	Amount        float64
	RiskProfile   contracts.RiskProfile
	LiquidityDays int
}

// ValidateInvestment checks ticket size and risk-profile suitability.
func (v *Validator) ValidateInvestment(p InvestmentParams) contracts.ValidationResult {
	var errs []string

	if decimal.NewFromFloat(p.Amount).LessThan(v.policy.MinInvestment) {
		errs = append(errs, fmt.Sprintf("Minimum investment amount is $%s", v.policy.MinInvestment.String()))
	}
	if p.RiskProfile == contracts.RiskConservative && p.LiquidityDays > v.policy.MaxConservativeLiquidityDays {
		errs = append(errs, fmt.Sprintf("Conservative profile requires liquid investments (<=%d days)", v.policy.MaxConservativeLiquidityDays))
	}

	if len(errs) > 0 {
		return contracts.Fail(errs...)
	}
	return contracts.OK()
}

// RefundParams are the inputs to a refund validation.
type RefundParams struct {
	TransactionID string
	Amount        float64
}

// ValidateRefund checks that the refund references a transaction and a
// positive amount.
func (v *Validator) ValidateRefund(p RefundParams) contracts.ValidationResult {
	var errs []string

	if p.TransactionID == "" {
		errs = append(errs, "Transaction ID is required")
	}
	if decimal.NewFromFloat(p.Amount).LessThanOrEqual(decimal.Zero) {
		errs = append(errs, "Refund amount must be positive")
	}

	if len(errs) > 0 {
		return contracts.Fail(errs...)
	}
	return contracts.OK()
}

// ValidateAction dispatches a decoded payload to the validator for its action
// family. Payloads with no family-specific rules (intent triggers) pass once
// their schema has been validated at admission.
func (v *Validator) ValidateAction(kind contracts.ActionKind, payload any) contracts.ValidationResult {
	switch p := payload.(type) {
	case contracts.FundSweepPayload:
		return v.ValidateTransfer(TransferParams{
			Amount:          p.Amount,
			SourceBalance:   p.SourceBalance,
			LiquidityBuffer: p.LiquidityBuffer,
		})
	case contracts.GoalTransferPayload:
		return v.ValidateTransfer(TransferParams{
			Amount:          p.Amount,
			SourceBalance:   p.SourceBalance,
			LiquidityBuffer: p.LiquidityBuffer,
		})
	case contracts.SubscriptionCancelPayload:
		return v.ValidateCancellation(CancellationParams{
			SubscriptionID: p.SubscriptionID,
			DaysUnused:     p.DaysUnused,
		})
	case contracts.InvestmentCreatePayload:
		return v.ValidateInvestment(InvestmentParams{
			Amount:        p.Amount,
			RiskProfile:   p.RiskProfile,
			LiquidityDays: p.LiquidityDays,
		})
	case contracts.RefundRequestPayload:
		return v.ValidateRefund(RefundParams{
			TransactionID: p.TransactionID,
			Amount:        p.Amount,
		})
	case contracts.IntentTriggerPayload:
		return contracts.OK()
	default:
		return contracts.Fail(fmt.Sprintf("no validator for action kind %s", kind))
	}
}
