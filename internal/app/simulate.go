package app

import (
	"context"
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"defi-agents/internal/executor"
	"defi-agents/internal/service"
	"defi-agents/internal/storage"
)

// Simulate runs one round for every configured agent, or just opts.Agent, in
// simulate mode and prints what each round found and decided. Executions go
// to a throwaway in-memory ledger unless opts.Persist is set.
func (a *App) Simulate(ctx context.Context, opts SimulateOptions) ([]service.RoundResult, error) {
	eng, err := a.newEngine()
	if err != nil {
		return nil, err
	}
	defer eng.clients.Close()

	agents := eng.agents
	if opts.Agent != "" {
		agents = nil
		for _, ag := range eng.agents {
			if ag.Name == opts.Agent {
				agents = append(agents, ag)
			}
		}
		if len(agents) == 0 {
			return nil, fmt.Errorf("agent %q is not configured", opts.Agent)
		}
	}
	if len(agents) == 0 {
		return nil, fmt.Errorf("no agents configured")
	}

	var store storage.Backend = storage.NewMemoryStore()
	if opts.Persist {
		opened, closeStore, err := a.openStore(ctx)
		if err != nil {
			return nil, err
		}
		defer closeStore()
		store = opened
	}

	svcOpts := eng.options(a.Config)
	svcOpts.Mode = executor.ModeSimulate
	svcOpts.AdvisoryLockKey = 0
	svc, err := service.New(agents, service.Deps{
		Gateway:   eng.gateway,
		GasOracle: eng.gas,
		Executor:  eng.executor,
		Ledger:    a.newLedger(store, nil),
		Rounds:    store,
	}, svcOpts, a.Logger)
	if err != nil {
		return nil, err
	}

	results := make([]service.RoundResult, 0, len(agents))
	for _, ag := range agents {
		results = append(results, svc.RunRound(ctx, ag))
	}

	if opts.JSON {
		enc := json.NewEncoder(a.out())
		enc.SetIndent("", "  ")
		return results, enc.Encode(results)
	}
	return results, a.printRounds(results)
}

func (a *App) printRounds(results []service.RoundResult) error {
	writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	for _, res := range results {
		fmt.Fprintf(writer, "== %s (%s, %s): %s, %d candidates, %d executed\n",
			res.Agent, res.AgentType, res.AccountKey, res.Outcome, len(res.Candidates), len(res.Records))
		if res.Err != nil {
			fmt.Fprintf(writer, "error: %s\n", sanitizeInline(res.Err.Error()))
		}
		for _, f := range res.Failures {
			fmt.Fprintf(writer, "source failure: %s@%s %s: %s\n", f.SourceID, f.ChainID, f.Target, sanitizeInline(f.Error))
		}
		if len(res.Candidates) > 0 {
			fmt.Fprintln(writer, "Instrument\tKind\tSize\tGas\tNet\tSlippage%\tDecision")
			for i, c := range res.Candidates {
				instrument := c.Pair.String()
				if c.Protocol != "" {
					instrument = c.Protocol
				}
				fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
					instrument, c.Kind,
					formatDecimal(c.TradeSize, 2),
					formatDecimal(c.EstimatedGasCost, 2),
					formatDecimal(c.NetProfitEstimate, 4),
					formatDecimal(c.EstimatedSlippagePct, 3),
					res.Decisions[i].Reason)
			}
		}
		if res.Assessment != nil {
			as := res.Assessment
			fmt.Fprintf(writer, "value %s, diversification %s, concentration %s (%s %s%%), chains %s\n",
				formatDecimal(as.TotalValue, 2), formatDecimal(as.DiversificationScore, 1),
				as.Concentration, as.LargestAsset, formatDecimal(as.LargestPct, 1), as.ChainDiversification)
		}
	}
	return writer.Flush()
}
