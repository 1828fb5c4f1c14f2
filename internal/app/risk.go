package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"text/tabwriter"
	"time"

	"defi-agents/internal/portfolio"
	"defi-agents/internal/risk"
	"defi-agents/internal/service"
)

// RiskOptions select the portfolio to assess.
type RiskOptions struct {
	Agent string
	JSON  bool
}

// Risk prices the holdings of a configured agent and prints the portfolio
// assessment without recording anything.
func (a *App) Risk(ctx context.Context, opts RiskOptions) (risk.Assessment, error) {
	eng, err := a.newEngine()
	if err != nil {
		return risk.Assessment{}, err
	}
	defer eng.clients.Close()

	var agent *service.Agent
	for i := range eng.agents {
		ag := &eng.agents[i]
		if ag.Name == opts.Agent || (opts.Agent == "" && len(ag.Holdings) > 0) {
			agent = ag
			break
		}
	}
	switch {
	case agent == nil && opts.Agent == "":
		return risk.Assessment{}, errors.New("no agent with holdings configured")
	case agent == nil:
		return risk.Assessment{}, fmt.Errorf("agent %q is not configured", opts.Agent)
	case len(agent.Holdings) == 0:
		return risk.Assessment{}, fmt.Errorf("agent %q has no holdings", agent.Name)
	}

	snap := eng.gateway.FetchSnapshot(ctx, agent.Sources)
	for _, f := range snap.Failures {
		a.Logger.Warn().Str("source", f.SourceID).Str("chain", f.ChainID).Str("target", f.Target).Msg(f.Error)
	}

	assessment := risk.Assess(portfolio.Value(agent.Holdings, snap))
	assessment.AccountKey = agent.AccountKey
	assessment.AssessedAt = time.Now().UTC()

	if opts.JSON {
		enc := json.NewEncoder(a.out())
		enc.SetIndent("", "  ")
		return assessment, enc.Encode(assessment)
	}
	return assessment, a.printAssessment(assessment)
}

func (a *App) printAssessment(as risk.Assessment) error {
	writer := tabwriter.NewWriter(a.out(), 0, 4, 2, ' ', 0)
	fmt.Fprintf(writer, "Account\t%s\n", as.AccountKey)
	fmt.Fprintf(writer, "Total value\t%s\n", formatDecimal(as.TotalValue, 2))
	fmt.Fprintf(writer, "Assets / chains\t%d / %d\n", as.AssetCount, as.ChainsUsed)
	fmt.Fprintf(writer, "Diversification\t%s\n", formatDecimal(as.DiversificationScore, 1))
	fmt.Fprintf(writer, "Concentration\t%s (%s %s%%)\n", as.Concentration, as.LargestAsset, formatDecimal(as.LargestPct, 1))
	fmt.Fprintf(writer, "Chain diversification\t%s\n", as.ChainDiversification)

	assets := make([]string, 0, len(as.AssetDistribution))
	for asset := range as.AssetDistribution {
		assets = append(assets, asset)
	}
	sort.Strings(assets)
	for _, asset := range assets {
		fmt.Fprintf(writer, "  %s\t%s%%\n", asset, formatDecimal(as.AssetDistribution[asset], 2))
	}
	for _, f := range as.RiskFactors {
		fmt.Fprintf(writer, "risk\t%s\n", f)
	}
	for _, r := range as.Recommendations {
		fmt.Fprintf(writer, "recommendation\t%s\n", r)
	}
	return writer.Flush()
}
