// Package detector turns market snapshots into ranked opportunity candidates.
package detector

import (
	"sort"

	"github.com/shopspring/decimal"

	"defi-agents/internal/market"
)

const defaultHorizonDays = 30

var (
	daysPerYear = decimal.NewFromInt(365)
	hundred     = decimal.NewFromInt(100)
)

// Config parameterises candidate sizing.
type Config struct {
	// MaxPositionSize caps trade size in quote units. Zero means uncapped.
	MaxPositionSize decimal.Decimal
	HorizonDays     int
	// CurrentProtocol is the yield baseline the agent is allocated to.
	CurrentProtocol       string
	RebalanceThresholdPct decimal.Decimal
	Gas                   GasModel
}

// Detector computes candidates from snapshots. It holds no state between calls.
type Detector struct {
	cfg Config
}

// New constructs a Detector, filling unset fields with defaults.
func New(cfg Config) *Detector {
	if cfg.HorizonDays <= 0 {
		cfg.HorizonDays = defaultHorizonDays
	}
	if !cfg.RebalanceThresholdPct.IsPositive() {
		cfg.RebalanceThresholdPct = decimal.NewFromInt(5)
	}
	if cfg.Gas.BaseCost == nil && cfg.Gas.Default.IsZero() {
		cfg.Gas = DefaultGasModel()
	}
	return &Detector{cfg: cfg}
}

// Config returns the effective configuration.
func (d *Detector) Config() Config { return d.cfg }

// Detect returns arbitrage and yield candidates ranked by net profit.
func (d *Detector) Detect(snap market.Snapshot) []market.Candidate {
	out := d.Arbitrage(snap)
	out = append(out, d.Yield(snap)...)
	Rank(out)
	return out
}

// Rank orders candidates by net profit descending, then instrument, then id.
func Rank(cands []market.Candidate) {
	sort.SliceStable(cands, func(i, j int) bool {
		a, b := cands[i], cands[j]
		if c := a.NetProfitEstimate.Cmp(b.NetProfitEstimate); c != 0 {
			return c > 0
		}
		if a.Instrument() != b.Instrument() {
			return a.Instrument() < b.Instrument()
		}
		return a.ID < b.ID
	})
}

// SlippageEstimate returns the expected slippage in percent for a trade of
// the given size in quote units.
func SlippageEstimate(amount decimal.Decimal) decimal.Decimal {
	switch {
	case amount.LessThan(decimal.NewFromInt(100)):
		return decimal.RequireFromString("0.1")
	case amount.LessThan(decimal.NewFromInt(1_000)):
		return decimal.RequireFromString("0.3")
	case amount.LessThan(decimal.NewFromInt(10_000)):
		return decimal.RequireFromString("0.5")
	default:
		return decimal.NewFromInt(1)
	}
}

func (d *Detector) capPosition(v decimal.Decimal) decimal.Decimal {
	if d.cfg.MaxPositionSize.IsPositive() && v.GreaterThan(d.cfg.MaxPositionSize) {
		return d.cfg.MaxPositionSize
	}
	return v
}

func chainSet(chains ...string) []string {
	out := make([]string, 0, len(chains))
	for _, c := range chains {
		dup := false
		for _, seen := range out {
			if seen == c {
				dup = true
				break
			}
		}
		if !dup && c != "" {
			out = append(out, c)
		}
	}
	return out
}
