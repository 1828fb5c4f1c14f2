package risk

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"defi-agents/internal/portfolio"
)

const minRecommendedAssets = 5

var (
	hhiMax             = decimal.NewFromInt(10_000)
	highConcentration  = decimal.NewFromInt(50)
	mediumConcentrated = decimal.NewFromInt(30)
	balancedCeiling    = decimal.NewFromInt(25)
)

// Assessment summarises portfolio concentration.
type Assessment struct {
	AccountKey           string                     `json:"account_key"`
	TotalValue           decimal.Decimal            `json:"total_value"`
	AssetCount           int                        `json:"asset_count"`
	ChainsUsed           int                        `json:"chains_used"`
	LargestAsset         string                     `json:"largest_asset"`
	LargestPct           decimal.Decimal            `json:"largest_pct"`
	DiversificationScore decimal.Decimal            `json:"diversification_score"`
	Concentration        string                     `json:"concentration_risk"`
	ChainDiversification string                     `json:"chain_diversification"`
	IsBalanced           bool                       `json:"is_balanced"`
	RiskFactors          []string                   `json:"risk_factors"`
	Recommendations      []string                   `json:"recommendations"`
	AssetDistribution    map[string]decimal.Decimal `json:"asset_distribution"`
	ChainDistribution    map[string]decimal.Decimal `json:"chain_distribution"`
	AssessedAt           time.Time                  `json:"assessed_at"`
}

// Assess scores a valuation. Diversification is the inverted
// Herfindahl-Hirschman index of asset weights on a 0-100 scale.
func Assess(v portfolio.Valuation) Assessment {
	a := Assessment{
		TotalValue:        v.TotalValue,
		AssetCount:        len(v.AssetPct),
		ChainsUsed:        len(v.ChainPct),
		AssetDistribution: v.AssetPct,
		ChainDistribution: v.ChainPct,
		RiskFactors:       []string{},
		Recommendations:   []string{},
	}
	if !v.TotalValue.IsPositive() {
		a.Concentration = "low"
		a.ChainDiversification = "poor"
		a.RiskFactors = append(a.RiskFactors, "Portfolio has no priced holdings")
		return a
	}

	hhi := decimal.Zero
	for _, asset := range v.Assets() {
		pct := v.AssetPct[asset]
		hhi = hhi.Add(pct.Mul(pct))
		if a.LargestAsset == "" || pct.GreaterThan(a.LargestPct) {
			a.LargestAsset, a.LargestPct = asset, pct
		}
	}
	score := decimal.NewFromInt(1).Sub(hhi.Div(hhiMax)).Mul(decimal.NewFromInt(100))
	a.DiversificationScore = decimal.Max(decimal.Zero, decimal.Min(score, decimal.NewFromInt(100))).Round(2)

	largest := a.LargestPct.StringFixed(1)
	switch {
	case a.LargestPct.GreaterThan(highConcentration):
		a.Concentration = "high"
		a.RiskFactors = append(a.RiskFactors, fmt.Sprintf("High concentration in %s (%s%%)", a.LargestAsset, largest))
		a.Recommendations = append(a.Recommendations, "Consider reducing position in largest holding")
	case a.LargestPct.GreaterThan(mediumConcentrated):
		a.Concentration = "medium"
		a.RiskFactors = append(a.RiskFactors, fmt.Sprintf("Moderate concentration in %s (%s%%)", a.LargestAsset, largest))
	default:
		a.Concentration = "low"
	}

	switch a.ChainsUsed {
	case 0, 1:
		a.ChainDiversification = "poor"
		a.RiskFactors = append(a.RiskFactors, "Portfolio concentrated on a single chain")
		a.Recommendations = append(a.Recommendations, "Consider diversifying across multiple chains")
	case 2:
		a.ChainDiversification = "fair"
	default:
		a.ChainDiversification = "good"
	}

	a.IsBalanced = a.LargestPct.LessThanOrEqual(balancedCeiling)
	if a.AssetCount < minRecommendedAssets {
		a.Recommendations = append(a.Recommendations, "Consider adding more assets for better diversification")
	}
	if len(v.Unpriced) > 0 {
		a.RiskFactors = append(a.RiskFactors, fmt.Sprintf("%d holdings could not be priced", len(v.Unpriced)))
	}
	return a
}
