// Package validator implements the stateless business-rule checks applied to
// every financial action before it may execute. Validators are pure
// functions: they collect every violated rule into a ValidationResult and
// never short-circuit, so callers see all reasons at once.
package validator

import (
	"fmt"
	"os"

	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Policy holds the thresholds the validators enforce. The defaults are the
// engine's behavioral contract; deployments may override them via a policy
// file.
type Policy struct {
	// MinTransfer is the smallest admissible transfer, in account currency.
	MinTransfer decimal.Decimal `yaml:"min_transfer"`
	// MaxTransfer is the anti-fraud ceiling per transfer.
	MaxTransfer decimal.Decimal `yaml:"max_transfer"`
	// MinUnusedDays is the unused-duration floor before a subscription may
	// be auto-cancelled.
	MinUnusedDays int `yaml:"min_unused_days"`
	// MinInvestment is the minimum investment ticket size.
	MinInvestment decimal.Decimal `yaml:"min_investment"`
	// MaxConservativeLiquidityDays caps how long a conservative profile may
	// lock capital.
	MaxConservativeLiquidityDays int `yaml:"max_conservative_liquidity_days"`
}

// DefaultPolicy returns the standard thresholds.
func DefaultPolicy() Policy {
	return Policy{
		MinTransfer:                  decimal.NewFromInt(1),
		MaxTransfer:                  decimal.NewFromInt(10000),
		MinUnusedDays:                30,
		MinInvestment:                decimal.NewFromInt(100),
		MaxConservativeLiquidityDays: 30,
	}
}

// LoadPolicy reads threshold overrides from a YAML file. Fields omitted in
// the file keep their defaults.
func LoadPolicy(path string) (Policy, error) {
	p := DefaultPolicy()
	data, err := os.ReadFile(path)
	if err != nil {
		return p, fmt.Errorf("read policy file: %w", err)
	}
	if err := yaml.Unmarshal(data, &p); err != nil {
		return p, fmt.Errorf("parse policy file: %w", err)
	}
	return p, nil
}
