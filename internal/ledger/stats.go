package ledger

import (
	"time"

	"github.com/shopspring/decimal"

	"defi-agents/internal/storage"
)

var (
	daysPerYear = decimal.NewFromInt(365)
	hoursPerDay = decimal.NewFromInt(24)
)

// StatsOptions parameterise the APY estimate.
type StatsOptions struct {
	CapitalBase decimal.Decimal
	APYWindow   time.Duration
}

// ComputeStats derives the aggregate for key from its execution history.
// Only confirmed records count. The APY estimate annualises the profit booked
// in the trailing window ending at the newest confirmed record.
func ComputeStats(key storage.StatsKey, records []storage.ExecutionRecord, opts StatsOptions) storage.AgentStats {
	stats := storage.AgentStats{
		AccountKey:  key.AccountKey,
		AgentType:   key.AgentType,
		TotalPnL:    decimal.Zero,
		APYEstimate: decimal.Zero,
	}

	var newest time.Time
	confirmed := make([]storage.ExecutionRecord, 0, len(records))
	for _, rec := range records {
		if rec.Status != storage.StatusConfirmed || rec.Key() != key {
			continue
		}
		confirmed = append(confirmed, rec)
		stats.TotalTrades++
		if rec.Profit.IsPositive() {
			stats.WinningTrades++
		}
		stats.TotalPnL = stats.TotalPnL.Add(rec.Profit)
		if rec.CreatedAt.After(newest) {
			newest = rec.CreatedAt
		}
	}
	if stats.TotalTrades == 0 {
		return stats
	}
	stats.LastUpdated = newest

	if opts.CapitalBase.IsPositive() && opts.APYWindow > 0 {
		from := newest.Add(-opts.APYWindow)
		windowPnL := decimal.Zero
		for _, rec := range confirmed {
			if rec.CreatedAt.After(from) {
				windowPnL = windowPnL.Add(rec.Profit)
			}
		}
		windowDays := decimal.NewFromFloat(opts.APYWindow.Hours()).Div(hoursPerDay)
		stats.APYEstimate = windowPnL.Mul(daysPerYear).Div(opts.CapitalBase.Mul(windowDays)).Round(8)
	}
	return stats
}
