package detector

import (
	"fmt"

	"github.com/shopspring/decimal"

	"defi-agents/internal/market"
)

// Yield emits one candidate per protocol quoted in snap. When a protocol is
// quoted on several chains the highest APY wins. Net profit is the APY gain
// over the current protocol earned on the principal across the horizon, less
// the cost of moving funds.
func (d *Detector) Yield(snap market.Snapshot) []market.Candidate {
	baseline, baseChain := d.baseline(snap)

	best := make(map[string]market.Quote)
	order := make([]string, 0)
	for _, q := range snap.Quotes {
		if q.Protocol == "" {
			continue
		}
		cur, ok := best[q.Protocol]
		if !ok {
			order = append(order, q.Protocol)
			best[q.Protocol] = q
			continue
		}
		if q.APY.GreaterThan(cur.APY) {
			best[q.Protocol] = q
		}
	}

	days := decimal.NewFromInt(int64(d.cfg.HorizonDays))
	out := make([]market.Candidate, 0, len(order))
	for _, protocol := range order {
		q := best[protocol]
		principal := d.cfg.MaxPositionSize
		if q.Liquidity.IsPositive() {
			principal = d.capPosition(q.Liquidity)
		}
		from := baseChain
		if from == "" {
			from = q.ChainID
		}
		gas := d.cfg.Gas.Estimate(from, q.ChainID)
		net := q.APY.Sub(baseline).Mul(principal).Mul(days).Div(daysPerYear).Sub(gas)

		out = append(out, market.Candidate{
			ID:                   fmt.Sprintf("yield:%s@%s:%s", protocol, q.ChainID, q.SourceID),
			Kind:                 market.KindYield,
			Protocol:             protocol,
			BuySource:            q.SourceID,
			GrossSpreadOrAPY:     q.APY,
			TradeSize:            principal,
			Liquidity:            q.Liquidity,
			EstimatedGasCost:     gas,
			NetProfitEstimate:    net,
			EstimatedSlippagePct: SlippageEstimate(principal),
			Chains:               chainSet(from, q.ChainID),
		})
	}
	return out
}

// baseline returns the APY and chain of the current protocol's first quote,
// or zero when it is not in the snapshot.
func (d *Detector) baseline(snap market.Snapshot) (decimal.Decimal, string) {
	if d.cfg.CurrentProtocol == "" {
		return decimal.Zero, ""
	}
	for _, q := range snap.Quotes {
		if q.Protocol == d.cfg.CurrentProtocol {
			return q.APY, q.ChainID
		}
	}
	return decimal.Zero, ""
}
