// Package portfolio values configured holdings against a market snapshot.
package portfolio

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"

	"defi-agents/internal/market"
)

var hundred = decimal.NewFromInt(100)

// stableQuotes are the quote assets accepted as USD prices.
var stableQuotes = map[string]struct{}{
	"USD":  {},
	"USDC": {},
	"USDT": {},
	"DAI":  {},
}

// Holding is an amount of one asset on one chain.
type Holding struct {
	Asset  string          `json:"asset"`
	Chain  string          `json:"chain"`
	Amount decimal.Decimal `json:"amount"`
}

// Position is a priced holding.
type Position struct {
	Asset         string          `json:"asset"`
	Chain         string          `json:"chain"`
	Amount        decimal.Decimal `json:"amount"`
	Price         decimal.Decimal `json:"price"`
	Value         decimal.Decimal `json:"value"`
	AllocationPct decimal.Decimal `json:"allocation_pct"`
}

// Valuation is a priced portfolio with per-asset and per-chain weights in percent.
type Valuation struct {
	Positions  []Position                 `json:"positions"`
	TotalValue decimal.Decimal            `json:"total_value"`
	AssetPct   map[string]decimal.Decimal `json:"asset_distribution"`
	ChainPct   map[string]decimal.Decimal `json:"chain_distribution"`
	Unpriced   []string                   `json:"unpriced,omitempty"`
}

// IsStable reports whether the symbol is treated as a dollar token.
func IsStable(asset string) bool {
	asset = strings.ToUpper(asset)
	if _, ok := stableQuotes[asset]; ok {
		return true
	}
	return strings.Contains(asset, "USD")
}

// PriceOf returns the USD price of asset, averaging every ASSET/<stable> quote
// in the snapshot.
func PriceOf(asset string, snap market.Snapshot) (decimal.Decimal, bool) {
	asset = strings.ToUpper(asset)
	if IsStable(asset) {
		return decimal.NewFromInt(1), true
	}
	sum := decimal.Zero
	n := int64(0)
	for _, q := range snap.Quotes {
		if q.Protocol != "" || q.Pair.Base != asset || !q.Price.IsPositive() {
			continue
		}
		if _, ok := stableQuotes[q.Pair.Quote]; !ok {
			continue
		}
		sum = sum.Add(q.Price)
		n++
	}
	if n == 0 {
		return decimal.Zero, false
	}
	return sum.Div(decimal.NewFromInt(n)), true
}

// Value prices holdings against snap. Holdings without a price are listed in
// Unpriced and carry zero value.
func Value(holdings []Holding, snap market.Snapshot) Valuation {
	v := Valuation{
		Positions:  make([]Position, 0, len(holdings)),
		TotalValue: decimal.Zero,
		AssetPct:   make(map[string]decimal.Decimal),
		ChainPct:   make(map[string]decimal.Decimal),
	}
	assetValue := make(map[string]decimal.Decimal)
	chainValue := make(map[string]decimal.Decimal)

	for _, h := range holdings {
		asset := strings.ToUpper(h.Asset)
		price, ok := PriceOf(asset, snap)
		if !ok {
			v.Unpriced = append(v.Unpriced, asset)
		}
		value := h.Amount.Mul(price)
		v.Positions = append(v.Positions, Position{
			Asset:  asset,
			Chain:  h.Chain,
			Amount: h.Amount,
			Price:  price,
			Value:  value,
		})
		v.TotalValue = v.TotalValue.Add(value)
		assetValue[asset] = assetValue[asset].Add(value)
		chainValue[h.Chain] = chainValue[h.Chain].Add(value)
	}

	if !v.TotalValue.IsPositive() {
		return v
	}
	for i := range v.Positions {
		v.Positions[i].AllocationPct = pct(v.Positions[i].Value, v.TotalValue)
	}
	for asset, value := range assetValue {
		v.AssetPct[asset] = pct(value, v.TotalValue)
	}
	for chain, value := range chainValue {
		if value.IsPositive() {
			v.ChainPct[chain] = pct(value, v.TotalValue)
		}
	}
	return v
}

// AssetValue sums the value of asset across chains.
func (v Valuation) AssetValue(asset string) decimal.Decimal {
	total := decimal.Zero
	for _, p := range v.Positions {
		if p.Asset == asset {
			total = total.Add(p.Value)
		}
	}
	return total
}

// Price returns the unit price used for asset, if it is held and priced.
func (v Valuation) Price(asset string) (decimal.Decimal, bool) {
	for _, p := range v.Positions {
		if p.Asset == asset && p.Price.IsPositive() {
			return p.Price, true
		}
	}
	return decimal.Zero, false
}

// MainChain returns the chain holding most of asset's value. Ties go to the
// first position.
func (v Valuation) MainChain(asset string) string {
	best := ""
	bestValue := decimal.Zero
	for _, p := range v.Positions {
		if p.Asset != asset {
			continue
		}
		if best == "" || p.Value.GreaterThan(bestValue) {
			best, bestValue = p.Chain, p.Value
		}
	}
	return best
}

// Assets lists priced asset symbols in lexical order.
func (v Valuation) Assets() []string {
	out := make([]string, 0, len(v.AssetPct))
	for asset := range v.AssetPct {
		out = append(out, asset)
	}
	sort.Strings(out)
	return out
}

// Chains lists chains carrying value in lexical order.
func (v Valuation) Chains() []string {
	out := make([]string, 0, len(v.ChainPct))
	for chain := range v.ChainPct {
		out = append(out, chain)
	}
	sort.Strings(out)
	return out
}

func pct(part, total decimal.Decimal) decimal.Decimal {
	return part.Div(total).Mul(hundred)
}
