package app

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	chart "github.com/wcharczuk/go-chart/v2"

	"defi-agents/internal/storage"
)

// pnlPoint is one execution with the running P&L of its agent type after it.
type pnlPoint struct {
	Record     storage.ExecutionRecord
	Cumulative decimal.Decimal
}

// Export renders execution history as CSV and/or a cumulative P&L chart.
func (a *App) Export(ctx context.Context, opts ExportOptions) error {
	if opts.CSVPath == "" && opts.PNGPath == "" {
		return errors.New("at least one of --csv or --png must be provided")
	}
	if opts.Account == "" {
		return errors.New("account is required")
	}
	if opts.From != nil && opts.To != nil && !opts.From.Before(*opts.To) {
		return errors.New("from must be before to")
	}

	opts.MaxPoints = a.Config.ResolveMaxPoints(opts.MaxPoints)

	store, closeStore, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer closeStore()

	records, err := a.newLedger(store, nil).History(ctx, storage.ExecutionFilter{
		AccountKey: opts.Account,
		AgentType:  opts.AgentType,
		From:       opts.From,
		To:         opts.To,
	})
	if err != nil {
		return err
	}
	if len(records) == 0 {
		a.Logger.Info().Msg("no executions found for export window")
		return nil
	}

	points := cumulativePnL(records)
	downsampled := downsamplePoints(points, opts.MaxPoints)
	a.Logger.Info().Int("total", len(points)).Int("exported", len(downsampled)).Msg("exporting executions")

	if opts.CSVPath != "" {
		if err := writeExecutionsCSV(opts.CSVPath, downsampled); err != nil {
			return err
		}
	}

	if opts.PNGPath != "" {
		if err := writePnLPNG(opts.PNGPath, downsampled); err != nil {
			return err
		}
	}

	return nil
}

// cumulativePnL walks records oldest first. Only confirmed records move the
// running total, matching how the ledger derives TotalPnL.
func cumulativePnL(records []storage.ExecutionRecord) []pnlPoint {
	sorted := append([]storage.ExecutionRecord(nil), records...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if !sorted[i].CreatedAt.Equal(sorted[j].CreatedAt) {
			return sorted[i].CreatedAt.Before(sorted[j].CreatedAt)
		}
		return sorted[i].ExecutionID < sorted[j].ExecutionID
	})

	running := make(map[storage.AgentType]decimal.Decimal)
	out := make([]pnlPoint, 0, len(sorted))
	for _, rec := range sorted {
		total := running[rec.AgentType]
		if rec.Status == storage.StatusConfirmed {
			total = total.Add(rec.Profit)
			running[rec.AgentType] = total
		}
		out = append(out, pnlPoint{Record: rec, Cumulative: total})
	}
	return out
}

func downsamplePoints(points []pnlPoint, max int) []pnlPoint {
	if max <= 0 || len(points) <= max {
		return points
	}
	if max == 1 {
		return points[len(points)-1:]
	}

	result := make([]pnlPoint, 0, max)
	step := float64(len(points)-1) / float64(max-1)
	for i := 0; i < max; i++ {
		idx := int(math.Round(step * float64(i)))
		if idx >= len(points) {
			idx = len(points) - 1
		}
		result = append(result, points[idx])
	}
	return result
}

func writeExecutionsCSV(path string, points []pnlPoint) error {
	if err := ensureDir(path); err != nil {
		return err
	}

	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)

	header := []string{"created_at", "execution_id", "agent_type", "instrument", "mode", "chains", "amount_in", "amount_out", "fee_paid", "profit", "status", "tx_reference", "cumulative_pnl"}
	if err := writer.Write(header); err != nil {
		return err
	}

	for _, p := range points {
		rec := p.Record
		row := []string{
			rec.CreatedAt.UTC().Format(time.RFC3339),
			rec.ExecutionID,
			string(rec.AgentType),
			rec.Instrument,
			rec.Mode,
			strings.Join(rec.ChainsInvolved, ";"),
			rec.AmountIn.String(),
			rec.AmountOut.String(),
			rec.FeePaid.String(),
			rec.Profit.String(),
			string(rec.Status),
			rec.TxReference,
			p.Cumulative.String(),
		}
		if err := writer.Write(row); err != nil {
			return err
		}
	}

	writer.Flush()
	return writer.Error()
}

// writePnLPNG draws one cumulative P&L line per agent type.
func writePnLPNG(path string, points []pnlPoint) error {
	series := make(map[storage.AgentType]*chart.TimeSeries)
	var order []storage.AgentType
	for _, p := range points {
		t := p.Record.AgentType
		s, ok := series[t]
		if !ok {
			s = &chart.TimeSeries{Name: string(t)}
			series[t] = s
			order = append(order, t)
		}
		s.XValues = append(s.XValues, p.Record.CreatedAt)
		s.YValues = append(s.YValues, p.Cumulative.InexactFloat64())
	}

	graph := chart.Chart{
		Width:  1280,
		Height: 720,
		XAxis: chart.XAxis{
			ValueFormatter: chart.TimeValueFormatter,
		},
		YAxis: chart.YAxis{
			Name: "Cumulative P&L",
			ValueFormatter: func(v interface{}) string {
				return chart.FloatValueFormatterWithFormat(v, "%.2f")
			},
		},
	}
	for _, t := range order {
		s := series[t]
		if len(s.XValues) < 2 {
			continue
		}
		graph.Series = append(graph.Series, *s)
	}
	if len(graph.Series) == 0 {
		return fmt.Errorf("need at least two executions of one agent type to draw a chart")
	}
	graph.Elements = []chart.Renderable{chart.Legend(&graph)}

	if err := ensureDir(path); err != nil {
		return err
	}
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	return graph.Render(chart.PNG, file)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if dir == "." || dir == "" {
		return nil
	}
	return os.MkdirAll(dir, 0o755)
}
