package detector

import (
	"fmt"
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"defi-agents/internal/market"
	"defi-agents/internal/portfolio"
)

const (
	otherBucket        = "OTHER"
	maxRebalanceTrades = 5
)

var (
	minAssetAllocation = decimal.NewFromInt(2)
	minTradePct        = decimal.NewFromInt(1)
	two                = decimal.NewFromInt(2)
)

// preferredChains is where an asset is bought when rebalancing into it.
var preferredChains = map[string]string{
	"ETH":   "ethereum",
	"USDC":  "ethereum",
	"LINK":  "ethereum",
	"BTC":   "ethereum",
	"MATIC": "polygon",
	"BNB":   "bsc",
}

// Allocation is a target weight in percent of portfolio value.
type Allocation struct {
	Asset string
	Pct   decimal.Decimal
}

// Rebalance proposes moves from over-allocated to under-allocated assets.
// Each move trades half of the smaller deviation, skipping moves under 1%.
// At most five moves are returned, highest priority first.
func (d *Detector) Rebalance(v portfolio.Valuation, targets []Allocation) []market.Candidate {
	if !v.TotalValue.IsPositive() || len(targets) == 0 {
		return nil
	}
	current := currentAllocations(v, targets)
	threshold := d.cfg.RebalanceThresholdPct

	type deviation struct {
		asset string
		pct   decimal.Decimal
	}
	var over, under []deviation
	for _, t := range targets {
		asset := strings.ToUpper(t.Asset)
		dev := current[asset].Sub(t.Pct)
		switch {
		case dev.GreaterThan(threshold):
			over = append(over, deviation{asset, dev})
		case dev.LessThan(threshold.Neg()):
			under = append(under, deviation{asset, dev})
		}
	}

	out := make([]market.Candidate, 0)
	for _, o := range over {
		if o.asset == otherBucket {
			continue
		}
		fromValue := v.AssetValue(o.asset)
		if !fromValue.IsPositive() {
			continue
		}
		fromChain := v.MainChain(o.asset)
		for _, u := range under {
			tradePct := decimal.Min(o.pct.Abs(), u.pct.Abs()).Div(two)
			if tradePct.LessThan(minTradePct) {
				continue
			}
			toChain := preferredChain(u.asset, fromChain)
			amount := fromValue.Mul(tradePct).Div(hundred)
			gas := d.cfg.Gas.Estimate(fromChain, toChain)
			fromPrice, _ := v.Price(o.asset)
			toPrice, _ := v.Price(u.asset)

			out = append(out, market.Candidate{
				ID:                   fmt.Sprintf("rebalance:%s@%s>%s@%s", o.asset, fromChain, u.asset, toChain),
				Kind:                 market.KindRebalance,
				Pair:                 market.AssetPair{Base: o.asset, Quote: u.asset},
				BuyPrice:             toPrice,
				SellPrice:            fromPrice,
				GrossSpreadOrAPY:     tradePct.Mul(two).Div(hundred),
				TradeSize:            amount,
				Liquidity:            fromValue,
				EstimatedGasCost:     gas,
				NetProfitEstimate:    gas.Neg(),
				EstimatedSlippagePct: SlippageEstimate(amount),
				Chains:               chainSet(fromChain, toChain),
				Priority:             rebalancePriority(tradePct),
			})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		a, b := out[i], out[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if c := a.GrossSpreadOrAPY.Cmp(b.GrossSpreadOrAPY); c != 0 {
			return c > 0
		}
		return a.ID < b.ID
	})
	if len(out) > maxRebalanceTrades {
		out = out[:maxRebalanceTrades]
	}
	return out
}

// currentAllocations folds untargeted assets under 2% into OTHER.
func currentAllocations(v portfolio.Valuation, targets []Allocation) map[string]decimal.Decimal {
	targeted := make(map[string]struct{}, len(targets))
	for _, t := range targets {
		targeted[strings.ToUpper(t.Asset)] = struct{}{}
	}
	out := make(map[string]decimal.Decimal, len(v.AssetPct))
	for _, asset := range v.Assets() {
		pct := v.AssetPct[asset]
		if _, ok := targeted[asset]; !ok && pct.LessThan(minAssetAllocation) {
			out[otherBucket] = out[otherBucket].Add(pct)
			continue
		}
		out[asset] = pct
	}
	return out
}

func preferredChain(asset, fallback string) string {
	if chain, ok := preferredChains[asset]; ok {
		return chain
	}
	return fallback
}

func rebalancePriority(tradePct decimal.Decimal) int {
	switch {
	case tradePct.GreaterThan(decimal.NewFromInt(10)):
		return 1
	case tradePct.GreaterThan(decimal.NewFromInt(5)):
		return 2
	default:
		return 3
	}
}
