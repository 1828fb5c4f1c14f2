package app

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/shopspring/decimal"

	"defi-agents/internal/storage"
)

// Stats prints the stored aggregates of an account.
func (a *App) Stats(ctx context.Context, opts QueryOptions) error {
	if opts.Account == "" {
		return errors.New("account is required")
	}
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	stats, err := a.newLedger(store, nil).Query(ctx, opts.Account, opts.AgentType)
	if err != nil {
		return err
	}
	if len(stats) == 0 {
		fmt.Fprintln(a.out(), "no stats found")
		return nil
	}

	writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Agent\tTrades\tWins\tWin%\tTotal P&L\tAPY%\tUpdated (UTC)")
	for _, st := range stats {
		fmt.Fprintf(
			writer,
			"%s\t%d\t%d\t%s\t%s\t%s\t%s\n",
			st.AgentType,
			st.TotalTrades,
			st.WinningTrades,
			formatDecimal(st.WinRate().Mul(decimal.NewFromInt(100)), 2),
			formatDecimal(st.TotalPnL, 4),
			formatDecimal(st.APYEstimate.Mul(decimal.NewFromInt(100)), 2),
			formatTime(st.LastUpdated),
		)
	}
	return writer.Flush()
}

// Executions prints recent execution records, newest first.
func (a *App) Executions(ctx context.Context, opts QueryOptions) error {
	if opts.Account == "" {
		return errors.New("account is required")
	}
	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	records, err := a.newLedger(store, nil).History(ctx, storage.ExecutionFilter{
		AccountKey: opts.Account,
		AgentType:  opts.AgentType,
		Status:     opts.Status,
		Limit:      opts.Limit,
		Newest:     true,
	})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		fmt.Fprintln(a.out(), "no executions found")
		return nil
	}

	writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Time (UTC)\tAgent\tInstrument\tChains\tIn\tOut\tFee\tProfit\tStatus\tTx")
	for _, rec := range records {
		fmt.Fprintf(
			writer,
			"%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			formatTime(rec.CreatedAt),
			rec.AgentType,
			sanitizeInline(rec.Instrument),
			strings.Join(rec.ChainsInvolved, ","),
			formatDecimal(rec.AmountIn, 2),
			formatDecimal(rec.AmountOut, 2),
			formatDecimal(rec.FeePaid, 4),
			formatDecimal(rec.Profit, 4),
			rec.Status,
			shortRef(rec.TxReference),
		)
	}
	return writer.Flush()
}

func formatDecimal(d decimal.Decimal, places int32) string {
	return d.StringFixed(places)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func shortRef(ref string) string {
	if len(ref) <= 14 {
		return ref
	}
	return ref[:8] + "…" + ref[len(ref)-4:]
}

func sanitizeInline(v string) string {
	cleaned := strings.ReplaceAll(v, "\n", " ")
	cleaned = strings.ReplaceAll(cleaned, "\r", " ")
	return cleaned
}
