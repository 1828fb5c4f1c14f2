package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorders(t *testing.T) {
	m := New("")
	m.RecordRound("arb", "ok", 150*time.Millisecond, time.Unix(1700000000, 0))
	m.RecordRound("arb", "ok", time.Second, time.Unix(1700000030, 0))
	m.RecordSourceFailure("cow", "ethereum")
	m.RecordDecision("arb", "below-threshold")
	m.RecordTrade("arb", "confirmed", decimal.RequireFromString("2.5"))
	m.RecordTrade("arb", "failed", decimal.Zero)
	m.RecordPnL("0xabc", "arbitrage", decimal.RequireFromString("-12.5"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.RoundsTotal.WithLabelValues("arb", "ok")))
	assert.Equal(t, 1700000030.0, testutil.ToFloat64(m.LastRound.WithLabelValues("arb")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.SourceFailures.WithLabelValues("cow", "ethereum")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Decisions.WithLabelValues("arb", "below-threshold")))
	assert.Equal(t, 2.5, testutil.ToFloat64(m.FeesPaid.WithLabelValues("arb")))
	assert.Equal(t, -12.5, testutil.ToFloat64(m.ProfitBook.WithLabelValues("0xabc", "arbitrage")))
}

func TestInstancesDoNotShareRegistry(t *testing.T) {
	a, b := New("x"), New("x")
	a.RecordCandidate("arbitrage")
	assert.Equal(t, 1.0, testutil.ToFloat64(a.Candidates.WithLabelValues("arbitrage")))
	assert.Equal(t, 0.0, testutil.ToFloat64(b.Candidates.WithLabelValues("arbitrage")))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.RecordRound("arb", "ok", time.Second, time.Now())
	m.RecordTrade("arb", "confirmed", decimal.NewFromInt(1))
}

func TestHandlerExposesMetrics(t *testing.T) {
	m := New("")
	m.RecordDecision("arb", "accepted")

	srv := httptest.NewServer(m.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), `defi_agents_policy_decisions_total{agent="arb",reason="accepted"} 1`)
}
