package detector

import (
	"fmt"

	"github.com/shopspring/decimal"

	"defi-agents/internal/market"
)

// route is one buy/sell combination for a pair.
type route struct {
	cand     market.Candidate
	combined decimal.Decimal
}

// Arbitrage returns at most one candidate per pair quoted by two or more
// distinct sources: the source combination with the widest spread. Two quotes
// from the same source never form a route, even on different chains.
func (d *Detector) Arbitrage(snap market.Snapshot) []market.Candidate {
	byPair := make(map[market.AssetPair][]market.Quote)
	order := make([]market.AssetPair, 0)
	for _, q := range snap.Quotes {
		if q.Protocol != "" || q.Pair.IsZero() || !q.Price.IsPositive() {
			continue
		}
		if _, ok := byPair[q.Pair]; !ok {
			order = append(order, q.Pair)
		}
		byPair[q.Pair] = append(byPair[q.Pair], q)
	}

	out := make([]market.Candidate, 0, len(order))
	for _, pair := range order {
		legs := byPair[pair]
		if len(legs) < 2 {
			continue
		}
		var best *route
		for i := 0; i < len(legs); i++ {
			for j := i + 1; j < len(legs); j++ {
				if legs[i].SourceID == legs[j].SourceID {
					continue
				}
				r, ok := d.route(pair, legs[i], legs[j])
				if !ok {
					continue
				}
				if best == nil || r.beats(*best) {
					picked := r
					best = &picked
				}
			}
		}
		if best != nil {
			out = append(out, best.cand)
		}
	}
	return out
}

func (d *Detector) route(pair market.AssetPair, a, b market.Quote) (route, bool) {
	buy, sell := a, b
	if b.Price.LessThan(a.Price) {
		buy, sell = b, a
	}
	spread := sell.Price.Sub(buy.Price).Div(buy.Price)
	if !spread.IsPositive() {
		return route{}, false
	}

	liquidity := decimal.Min(buy.Liquidity, sell.Liquidity)
	size := d.capPosition(liquidity)
	gas := d.cfg.Gas.Estimate(buy.ChainID, sell.ChainID)

	cand := market.Candidate{
		ID:                   fmt.Sprintf("arb:%s:%s@%s>%s@%s", pair, buy.SourceID, buy.ChainID, sell.SourceID, sell.ChainID),
		Kind:                 market.KindArbitrage,
		Pair:                 pair,
		BuySource:            buy.SourceID,
		SellSource:           sell.SourceID,
		BuyPrice:             buy.Price,
		SellPrice:            sell.Price,
		GrossSpreadOrAPY:     spread,
		TradeSize:            size,
		Liquidity:            liquidity,
		EstimatedGasCost:     gas,
		NetProfitEstimate:    NetArbitrage(spread, size, gas),
		EstimatedSlippagePct: SlippageEstimate(size),
		Chains:               chainSet(buy.ChainID, sell.ChainID),
	}
	return route{cand: cand, combined: buy.Liquidity.Add(sell.Liquidity)}, true
}

// NetArbitrage is spread*size minus gas.
func NetArbitrage(spread, size, gas decimal.Decimal) decimal.Decimal {
	return spread.Mul(size).Sub(gas)
}

// beats prefers the wider spread, then deeper combined liquidity, then the
// lexically smaller buy+sell source concatenation.
func (r route) beats(other route) bool {
	if c := r.cand.GrossSpreadOrAPY.Cmp(other.cand.GrossSpreadOrAPY); c != 0 {
		return c > 0
	}
	if c := r.combined.Cmp(other.combined); c != 0 {
		return c > 0
	}
	key, otherKey := r.cand.BuySource+r.cand.SellSource, other.cand.BuySource+other.cand.SellSource
	if key != otherKey {
		return key < otherKey
	}
	return r.cand.ID < other.cand.ID
}
