package policy

import (
	"testing"

	"github.com/shopspring/decimal"

	"defi-agents/internal/market"
	"defi-agents/internal/risk"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

// scenario is the A/B arbitrage: spread 3%, trade 400, gas 2, net 10.
func scenario() market.Candidate {
	return market.Candidate{
		ID:                   "arb:X/Y:A@x>B@x",
		Kind:                 market.KindArbitrage,
		Pair:                 market.AssetPair{Base: "X", Quote: "Y"},
		BuySource:            "A",
		SellSource:           "B",
		GrossSpreadOrAPY:     d("0.03"),
		TradeSize:            d("400"),
		Liquidity:            d("400"),
		EstimatedGasCost:     d("2"),
		NetProfitEstimate:    d("10"),
		EstimatedSlippagePct: d("0.3"),
		Chains:               []string{"x"},
	}
}

func baseConfig() Config {
	return Config{
		MinProfitThreshold: d("5"),
		MaxSlippagePct:     d("1"),
		RiskLevel:          risk.LevelMedium,
	}
}

func TestDecideAccepts(t *testing.T) {
	got := Decide(scenario(), baseConfig(), d("20"))
	if !got.Accepted || got.Reason != market.ReasonAccepted {
		t.Fatalf("expected acceptance, got %+v", got)
	}
}

func TestDecideBelowThreshold(t *testing.T) {
	cfg := baseConfig()
	cfg.MinProfitThreshold = d("15")
	got := Decide(scenario(), cfg, d("20"))
	if got.Accepted || got.Reason != market.ReasonBelowThreshold {
		t.Fatalf("expected below-threshold, got %+v", got)
	}
}

func TestDecideGasPrice(t *testing.T) {
	cfg := baseConfig()
	cfg.MaxGasPrice = d("30")
	if got := Decide(scenario(), cfg, d("31")); got.Reason != market.ReasonGasPriceExceeded {
		t.Fatalf("expected gas-price-exceeded, got %+v", got)
	}
	if got := Decide(scenario(), cfg, d("30")); !got.Accepted {
		t.Fatalf("gas at the limit should pass, got %+v", got)
	}
}

func TestDecideLiquidityBeforeSlippage(t *testing.T) {
	c := scenario()
	c.EstimatedSlippagePct = d("5")
	cfg := baseConfig()
	cfg.RiskLevel = risk.LevelLow
	if got := Decide(c, cfg, d("1")); got.Reason != market.ReasonInsufficientLiquidity {
		t.Fatalf("expected insufficient-liquidity, got %+v", got)
	}
	cfg.RiskLevel = risk.LevelMedium
	if got := Decide(c, cfg, d("1")); got.Reason != market.ReasonExcessiveSlippage {
		t.Fatalf("expected excessive-slippage, got %+v", got)
	}
}

func TestDecideRiskTier(t *testing.T) {
	c := scenario()
	c.Chains = []string{"ethereum", "polygon"}
	if got := Decide(c, baseConfig(), d("1")); got.Reason != market.ReasonRiskTierExceeded {
		t.Fatalf("score 72 must exceed the medium tier, got %+v", got)
	}
	cfg := baseConfig()
	cfg.RiskLevel = risk.LevelHigh
	if got := Decide(c, cfg, d("1")); !got.Accepted {
		t.Fatalf("high tier should accept, got %+v", got)
	}

	big := scenario()
	big.TradeSize = d("20000")
	big.Liquidity = d("1000000")
	if got := Decide(big, baseConfig(), d("1")); got.Reason != market.ReasonRiskTierExceeded {
		t.Fatalf("position above tier max must be rejected, got %+v", got)
	}
}

func TestDecideRebalanceUsesDrift(t *testing.T) {
	c := market.Candidate{
		Kind:                 market.KindRebalance,
		GrossSpreadOrAPY:     d("0.2"),
		TradeSize:            d("70"),
		Liquidity:            d("700"),
		NetProfitEstimate:    d("-15"),
		EstimatedSlippagePct: d("0.1"),
		Chains:               []string{"ethereum"},
	}
	cfg := baseConfig()
	cfg.RebalanceThresholdPct = d("5")
	cfg.RiskLevel = risk.LevelHigh
	if got := Decide(c, cfg, d("1")); !got.Accepted {
		t.Fatalf("rebalance over threshold should pass despite negative net, got %+v", got)
	}
	cfg.RebalanceThresholdPct = d("25")
	if got := Decide(c, cfg, d("1")); got.Reason != market.ReasonBelowThreshold {
		t.Fatalf("expected below-threshold, got %+v", got)
	}
}
