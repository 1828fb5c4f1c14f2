// Package policy decides whether a candidate is worth acting on.
package policy

import (
	"github.com/shopspring/decimal"

	"defi-agents/internal/market"
	"defi-agents/internal/risk"
)

var hundred = decimal.NewFromInt(100)

// Config holds the decision thresholds.
type Config struct {
	MinProfitThreshold decimal.Decimal
	// MaxSlippagePct is in percent. Zero disables the check.
	MaxSlippagePct decimal.Decimal
	RiskLevel      risk.Level
	// MaxGasPrice is in gwei. Zero disables the check.
	MaxGasPrice           decimal.Decimal
	RebalanceThresholdPct decimal.Decimal
}

// Decide evaluates c with the cheapest checks first; the first failing check
// names the rejection. gasPrice is the current network price in gwei.
func Decide(c market.Candidate, cfg Config, gasPrice decimal.Decimal) market.Decision {
	if belowThreshold(c, cfg) {
		return market.Reject(market.ReasonBelowThreshold)
	}
	if cfg.MaxGasPrice.IsPositive() && gasPrice.GreaterThan(cfg.MaxGasPrice) {
		return market.Reject(market.ReasonGasPriceExceeded)
	}

	tier := risk.TierFor(cfg.RiskLevel)
	if c.Liquidity.LessThan(tier.MinLiquidity) {
		return market.Reject(market.ReasonInsufficientLiquidity)
	}
	if cfg.MaxSlippagePct.IsPositive() && c.EstimatedSlippagePct.GreaterThan(cfg.MaxSlippagePct) {
		return market.Reject(market.ReasonExcessiveSlippage)
	}
	if c.TradeSize.GreaterThan(tier.MaxPosition) || risk.ScoreCandidate(c).GreaterThan(tier.MaxScore) {
		return market.Reject(market.ReasonRiskTierExceeded)
	}
	return market.Accept()
}

// belowThreshold compares profit for trades and drift for rebalances, which
// always cost gas.
func belowThreshold(c market.Candidate, cfg Config) bool {
	if c.Kind == market.KindRebalance {
		return c.GrossSpreadOrAPY.Mul(hundred).LessThan(cfg.RebalanceThresholdPct)
	}
	return c.NetProfitEstimate.LessThan(cfg.MinProfitThreshold)
}
