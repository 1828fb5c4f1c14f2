// Package risk holds the tier table used to size positions and the portfolio
// risk assessment published by the risk agent.
package risk

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"

	"defi-agents/internal/market"
)

// Level is a configured risk appetite.
type Level string

const (
	LevelLow    Level = "low"
	LevelMedium Level = "medium"
	LevelHigh   Level = "high"
)

// ParseLevel validates a risk level string.
func ParseLevel(raw string) (Level, error) {
	switch Level(strings.ToLower(strings.TrimSpace(raw))) {
	case LevelLow:
		return LevelLow, nil
	case LevelMedium:
		return LevelMedium, nil
	case LevelHigh:
		return LevelHigh, nil
	default:
		return "", fmt.Errorf("unknown risk level %q", raw)
	}
}

// Tier bounds what a risk level may trade.
type Tier struct {
	MaxPosition  decimal.Decimal
	MinLiquidity decimal.Decimal
	MaxScore     decimal.Decimal
}

var tiers = map[Level]Tier{
	LevelLow:    {MaxPosition: decimal.NewFromInt(1_000), MinLiquidity: decimal.NewFromInt(10_000), MaxScore: decimal.NewFromInt(30)},
	LevelMedium: {MaxPosition: decimal.NewFromInt(10_000), MinLiquidity: decimal.NewFromInt(250), MaxScore: decimal.NewFromInt(60)},
	LevelHigh:   {MaxPosition: decimal.NewFromInt(100_000), MinLiquidity: decimal.Zero, MaxScore: decimal.NewFromInt(90)},
}

// TierFor returns the limits of level. Unknown levels get the low tier.
func TierFor(level Level) Tier {
	if t, ok := tiers[level]; ok {
		return t
	}
	return tiers[LevelLow]
}

var (
	utilisationWeight = decimal.NewFromInt(40)
	spreadWeight      = decimal.NewFromInt(400)
	spreadCap         = decimal.NewFromInt(40)
	chainWeight       = decimal.NewFromInt(20)
	maxScore          = decimal.NewFromInt(100)
)

// ScoreCandidate rates a candidate from 0 (benign) to 100. A trade that uses
// all available liquidity adds 40, every percent of spread or APY adds 4 up to
// 40, and every extra chain adds 20.
func ScoreCandidate(c market.Candidate) decimal.Decimal {
	utilisation := decimal.NewFromInt(1)
	if c.Liquidity.IsPositive() {
		utilisation = decimal.Min(c.TradeSize.Div(c.Liquidity), utilisation)
	}
	score := utilisation.Mul(utilisationWeight)
	score = score.Add(decimal.Min(c.GrossSpreadOrAPY.Abs().Mul(spreadWeight), spreadCap))
	if n := len(c.Chains); n > 1 {
		score = score.Add(chainWeight.Mul(decimal.NewFromInt(int64(n - 1))))
	}
	if score.IsNegative() {
		return decimal.Zero
	}
	return decimal.Min(score, maxScore)
}
