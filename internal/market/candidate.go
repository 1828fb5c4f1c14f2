package market

import "github.com/shopspring/decimal"

// CandidateKind distinguishes opportunity families.
type CandidateKind string

const (
	KindArbitrage CandidateKind = "arbitrage"
	KindYield     CandidateKind = "yield"
	KindRebalance CandidateKind = "rebalance"
)

// Candidate is a computed opportunity. Derived every round, never persisted.
type Candidate struct {
	ID                   string          `json:"id"`
	Kind                 CandidateKind   `json:"kind"`
	Pair                 AssetPair       `json:"pair"`
	Protocol             string          `json:"protocol,omitempty"`
	BuySource            string          `json:"buy_source,omitempty"`
	SellSource           string          `json:"sell_source,omitempty"`
	BuyPrice             decimal.Decimal `json:"buy_price"`
	SellPrice            decimal.Decimal `json:"sell_price"`
	GrossSpreadOrAPY     decimal.Decimal `json:"gross_spread_or_apy"`
	TradeSize            decimal.Decimal `json:"trade_size"`
	Liquidity            decimal.Decimal `json:"liquidity"`
	EstimatedGasCost     decimal.Decimal `json:"estimated_gas_cost"`
	NetProfitEstimate    decimal.Decimal `json:"net_profit_estimate"`
	EstimatedSlippagePct decimal.Decimal `json:"estimated_slippage_pct"`
	Chains               []string        `json:"chains"`
	Priority             int             `json:"priority,omitempty"`
}

// Instrument is the pair string for price candidates or the protocol id for yield.
func (c Candidate) Instrument() string {
	if c.Kind == KindYield {
		return c.Protocol
	}
	if c.Kind == KindRebalance && c.Protocol != "" {
		return c.Protocol
	}
	return c.Pair.String()
}

// Reason explains a policy verdict.
type Reason string

const (
	ReasonBelowThreshold        Reason = "below-threshold"
	ReasonGasPriceExceeded      Reason = "gas-price-exceeded"
	ReasonInsufficientLiquidity Reason = "insufficient-liquidity"
	ReasonExcessiveSlippage     Reason = "excessive-slippage"
	ReasonRiskTierExceeded      Reason = "risk-tier-exceeded"
	ReasonAccepted              Reason = "accepted"
)

// Decision is the policy verdict on one candidate.
type Decision struct {
	Accepted bool   `json:"accepted"`
	Reason   Reason `json:"reason"`
}

// Accept is the accepted verdict.
func Accept() Decision { return Decision{Accepted: true, Reason: ReasonAccepted} }

// Reject builds a rejected verdict.
func Reject(r Reason) Decision { return Decision{Reason: r} }
