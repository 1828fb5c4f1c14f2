package risk

import (
	"testing"

	"github.com/shopspring/decimal"

	"defi-agents/internal/market"
	"defi-agents/internal/portfolio"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestParseLevel(t *testing.T) {
	if lvl, err := ParseLevel(" Medium "); err != nil || lvl != LevelMedium {
		t.Fatalf("unexpected result %q %v", lvl, err)
	}
	if _, err := ParseLevel("yolo"); err == nil {
		t.Fatalf("expected error for unknown level")
	}
	if !TierFor("bogus").MinLiquidity.Equal(TierFor(LevelLow).MinLiquidity) {
		t.Fatalf("unknown level should fall back to the low tier")
	}
}

func TestScoreCandidate(t *testing.T) {
	c := market.Candidate{TradeSize: d("400"), Liquidity: d("400"), GrossSpreadOrAPY: d("0.03"), Chains: []string{"x"}}
	if got := ScoreCandidate(c); !got.Equal(d("52")) {
		t.Fatalf("score mismatch: %s", got)
	}

	c.Chains = []string{"ethereum", "polygon"}
	if got := ScoreCandidate(c); !got.Equal(d("72")) {
		t.Fatalf("cross-chain score mismatch: %s", got)
	}

	c = market.Candidate{TradeSize: d("10"), Liquidity: d("1000"), GrossSpreadOrAPY: d("0.5"), Chains: []string{"a", "b", "c", "d"}}
	if got := ScoreCandidate(c); !got.Equal(d("100")) {
		t.Fatalf("score must be capped at 100, got %s", got)
	}
}

func TestAssessConcentratedPortfolio(t *testing.T) {
	var snap market.Snapshot
	snap.Add(market.Quote{SourceID: "a", ChainID: "ethereum", Pair: market.AssetPair{Base: "ETH", Quote: "USDC"}, Price: d("2000")})
	v := portfolio.Value([]portfolio.Holding{
		{Asset: "ETH", Chain: "ethereum", Amount: d("0.3")},
		{Asset: "USDC", Chain: "ethereum", Amount: d("400")},
	}, snap)

	a := Assess(v)
	// 60^2 + 40^2 = 5200 -> 48
	if !a.DiversificationScore.Equal(d("48")) {
		t.Fatalf("diversification mismatch: %s", a.DiversificationScore)
	}
	if a.Concentration != "high" || a.LargestAsset != "ETH" {
		t.Fatalf("expected high concentration in ETH, got %s in %s", a.Concentration, a.LargestAsset)
	}
	if a.ChainDiversification != "poor" || a.IsBalanced {
		t.Fatalf("chain diversification %s balanced %v", a.ChainDiversification, a.IsBalanced)
	}
	if len(a.Recommendations) != 3 {
		t.Fatalf("unexpected recommendations: %v", a.Recommendations)
	}
}

func TestAssessBalancedPortfolio(t *testing.T) {
	holdings := []portfolio.Holding{
		{Asset: "USDC", Chain: "ethereum", Amount: d("20")},
		{Asset: "USDT", Chain: "polygon", Amount: d("20")},
		{Asset: "DAI", Chain: "arbitrum", Amount: d("20")},
		{Asset: "GUSD", Chain: "ethereum", Amount: d("20")},
		{Asset: "TUSD", Chain: "bsc", Amount: d("20")},
	}
	a := Assess(portfolio.Value(holdings, market.Snapshot{}))
	if !a.IsBalanced || a.Concentration != "low" || a.ChainDiversification != "good" {
		t.Fatalf("expected balanced portfolio, got %+v", a)
	}
	if !a.DiversificationScore.Equal(d("80")) {
		t.Fatalf("diversification mismatch: %s", a.DiversificationScore)
	}
	if len(a.Recommendations) != 0 || len(a.RiskFactors) != 0 {
		t.Fatalf("no findings expected, got %v %v", a.RiskFactors, a.Recommendations)
	}
}

func TestAssessEmpty(t *testing.T) {
	a := Assess(portfolio.Value(nil, market.Snapshot{}))
	if a.IsBalanced || len(a.RiskFactors) != 1 {
		t.Fatalf("empty portfolio should be flagged: %+v", a)
	}
}
