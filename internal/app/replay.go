package app

import (
	"context"
	"fmt"
	"sort"
	"text/tabwriter"

	"defi-agents/internal/ledger"
	"defi-agents/internal/storage"
)

// Replay rebuilds agent statistics from the stored execution history. It is
// the recovery path after a crash between recording an execution and
// upserting its stats. Without an account it covers every configured account.
func (a *App) Replay(ctx context.Context, opts ReplayOptions) error {
	accounts := a.accounts(opts.Account)
	if len(accounts) == 0 {
		return fmt.Errorf("no account given and none configured")
	}

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	ldg := a.newLedger(store, nil)
	if opts.DryRun {
		a.Logger.Warn().Msg("replay dry-run: stats are computed but not written")
	}

	var rebuilt []storage.AgentStats
	for _, account := range accounts {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		var stats []storage.AgentStats
		if opts.DryRun {
			stats, err = a.computeStats(ctx, ldg, account, opts.AgentType)
		} else {
			stats, err = ldg.Replay(ctx, account, opts.AgentType)
		}
		if err != nil {
			return fmt.Errorf("replay %s: %w", account, err)
		}
		rebuilt = append(rebuilt, stats...)
	}

	a.Logger.Info().Int("accounts", len(accounts)).Int("keys", len(rebuilt)).Bool("dry_run", opts.DryRun).Msg("replay completed")
	if len(rebuilt) == 0 {
		fmt.Fprintln(a.out(), "no confirmed executions to replay")
		return nil
	}

	writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "Account\tAgent\tTrades\tWins\tTotal P&L\tAPY")
	for _, st := range rebuilt {
		fmt.Fprintf(writer, "%s\t%s\t%d\t%d\t%s\t%s\n",
			st.AccountKey, st.AgentType, st.TotalTrades, st.WinningTrades,
			formatDecimal(st.TotalPnL, 4), formatDecimal(st.APYEstimate, 6))
	}
	return writer.Flush()
}

func (a *App) computeStats(ctx context.Context, ldg *ledger.Ledger, account string, agentType *storage.AgentType) ([]storage.AgentStats, error) {
	records, err := ldg.History(ctx, storage.ExecutionFilter{AccountKey: account, AgentType: agentType})
	if err != nil {
		return nil, err
	}
	byType := make(map[storage.AgentType]bool)
	for _, rec := range records {
		byType[rec.AgentType] = true
	}
	types := make([]storage.AgentType, 0, len(byType))
	for t := range byType {
		types = append(types, t)
	}
	sort.Slice(types, func(i, j int) bool { return types[i] < types[j] })

	opts := ledger.StatsOptions{CapitalBase: a.Config.Ledger.CapitalBase, APYWindow: a.Config.Ledger.APYWindow}
	out := make([]storage.AgentStats, 0, len(types))
	for _, t := range types {
		stats := ledger.ComputeStats(storage.StatsKey{AccountKey: account, AgentType: t}, records, opts)
		if stats.TotalTrades > 0 {
			out = append(out, stats)
		}
	}
	return out, nil
}

// accounts returns the requested account, or every configured one in order.
func (a *App) accounts(requested string) []string {
	if requested != "" {
		return []string{requested}
	}
	seen := make(map[string]bool)
	var out []string
	for _, agent := range a.Config.Agents {
		if agent.AccountKey == "" || seen[agent.AccountKey] {
			continue
		}
		seen[agent.AccountKey] = true
		out = append(out, agent.AccountKey)
	}
	return out
}
