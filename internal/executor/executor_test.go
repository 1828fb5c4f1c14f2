package executor

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"defi-agents/internal/market"
	"defi-agents/internal/storage"
)

type MockSubmitter struct {
	mock.Mock
}

func (m *MockSubmitter) Submit(ctx context.Context, accountKey string, action Action) (Receipt, error) {
	args := m.Called(ctx, accountKey, action)
	return args.Get(0).(Receipt), args.Error(1)
}

func (m *MockSubmitter) Status(ctx context.Context, txRef string) (storage.ExecutionStatus, error) {
	args := m.Called(ctx, txRef)
	return args.Get(0).(storage.ExecutionStatus), args.Error(1)
}

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

var acct = Account{Key: "0xabc", AgentType: storage.AgentArbitrage}

func candidate() market.Candidate {
	return market.Candidate{
		ID:                "arb:X/Y:A@x>B@x",
		Kind:              market.KindArbitrage,
		Pair:              market.AssetPair{Base: "X", Quote: "Y"},
		TradeSize:         d("400"),
		NetProfitEstimate: d("10"),
		Chains:            []string{"x"},
	}
}

func newExecutor(sub Submitter) *Executor {
	return New(Options{
		Fees:           FeeModel{Fixed: d("1")},
		Seed:           "seed",
		PollInterval:   5 * time.Millisecond,
		ConfirmTimeout: 50 * time.Millisecond,
	}, sub, zerolog.Nop())
}

func TestSimulateConsistentAmounts(t *testing.T) {
	exec := newExecutor(nil)
	rec, err := exec.Execute(context.Background(), acct, market.Accept(), candidate(), ModeSimulate)
	require.NoError(t, err)

	assert.Equal(t, storage.StatusConfirmed, rec.Status)
	assert.True(t, rec.AmountIn.Equal(d("400")))
	assert.True(t, rec.Profit.Equal(d("10")))
	assert.True(t, rec.FeePaid.Equal(d("1")))
	assert.True(t, rec.AmountOut.Equal(d("409")), "amount_out = %s", rec.AmountOut)
	assert.Equal(t, "X/Y", rec.Instrument)
	assert.Equal(t, []string{"x"}, rec.ChainsInvolved)
	assert.Len(t, rec.TxReference, 66)
	assert.NotEmpty(t, rec.ExecutionID)
}

func TestSimulateReferencesNeverRepeat(t *testing.T) {
	exec := newExecutor(nil)
	seen := make(map[string]struct{})
	for i := 0; i < 100; i++ {
		rec, err := exec.Execute(context.Background(), acct, market.Accept(), candidate(), ModeSimulate)
		require.NoError(t, err)
		_, dup := seen[rec.TxReference]
		require.False(t, dup, "reference reused at %d", i)
		seen[rec.TxReference] = struct{}{}
	}
}

func TestSimulateFeeBps(t *testing.T) {
	exec := New(Options{Fees: FeeModel{Fixed: d("1"), Bps: d("30")}}, nil, zerolog.Nop())
	rec, err := exec.Execute(context.Background(), acct, market.Accept(), candidate(), ModeSimulate)
	require.NoError(t, err)
	// 1 + 400 * 30 / 10000
	assert.True(t, rec.FeePaid.Equal(d("2.2")), "fee %s", rec.FeePaid)
	assert.True(t, rec.AmountOut.Equal(d("407.8")), "amount_out %s", rec.AmountOut)
}

func TestSimulateRebalanceBooksNoProfit(t *testing.T) {
	cand := candidate()
	cand.Kind = market.KindRebalance
	cand.NetProfitEstimate = d("-15")
	rec, err := newExecutor(nil).Execute(context.Background(), acct, market.Accept(), cand, ModeSimulate)
	require.NoError(t, err)
	assert.True(t, rec.Profit.IsZero())
	assert.True(t, rec.AmountOut.Equal(d("399")))
}

func TestExecuteRejectsUnaccepted(t *testing.T) {
	_, err := newExecutor(nil).Execute(context.Background(), acct, market.Reject(market.ReasonBelowThreshold), candidate(), ModeSimulate)
	assert.ErrorIs(t, err, ErrNotAccepted)

	_, err = newExecutor(nil).Execute(context.Background(), acct, market.Accept(), candidate(), ModeSubmit)
	assert.Error(t, err)
}

func TestSubmitConfirmedAfterPolling(t *testing.T) {
	sub := new(MockSubmitter)
	sub.On("Submit", mock.Anything, "0xabc", mock.AnythingOfType("executor.Action")).
		Return(Receipt{TxRef: "0xtx", Status: storage.StatusPending}, nil)
	sub.On("Status", mock.Anything, "0xtx").Return(storage.StatusPending, nil).Once()
	sub.On("Status", mock.Anything, "0xtx").Return(storage.StatusConfirmed, nil)

	rec, err := newExecutor(sub).Execute(context.Background(), acct, market.Accept(), candidate(), ModeSubmit)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusConfirmed, rec.Status)
	assert.Equal(t, "0xtx", rec.TxReference)
	assert.True(t, rec.AmountOut.Equal(d("409")))
	sub.AssertExpectations(t)
}

func TestSubmitCollaboratorErrorRecordsFailure(t *testing.T) {
	sub := new(MockSubmitter)
	sub.On("Submit", mock.Anything, "0xabc", mock.Anything).Return(Receipt{}, errors.New("relay down"))

	rec, err := newExecutor(sub).Execute(context.Background(), acct, market.Accept(), candidate(), ModeSubmit)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, rec.Status)
	assert.True(t, rec.Profit.IsZero())
	assert.True(t, rec.FeePaid.IsZero())
	assert.True(t, rec.AmountOut.Equal(rec.AmountIn))
	sub.AssertNotCalled(t, "Status", mock.Anything, mock.Anything)
}

func TestSubmitRevertRecordsFailure(t *testing.T) {
	sub := new(MockSubmitter)
	sub.On("Submit", mock.Anything, "0xabc", mock.Anything).Return(Receipt{TxRef: "0xtx"}, nil)
	sub.On("Status", mock.Anything, "0xtx").Return(storage.StatusFailed, nil)

	rec, err := newExecutor(sub).Execute(context.Background(), acct, market.Accept(), candidate(), ModeSubmit)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusFailed, rec.Status)
	assert.True(t, rec.Profit.IsZero())
}

func TestSubmitTimeoutLeavesPending(t *testing.T) {
	sub := new(MockSubmitter)
	sub.On("Submit", mock.Anything, "0xabc", mock.Anything).Return(Receipt{TxRef: "0xtx", Status: storage.StatusPending}, nil)
	sub.On("Status", mock.Anything, "0xtx").Return(storage.StatusPending, nil)

	rec, err := newExecutor(sub).Execute(context.Background(), acct, market.Accept(), candidate(), ModeSubmit)
	require.NoError(t, err)
	assert.Equal(t, storage.StatusPending, rec.Status)
	assert.True(t, rec.Profit.Equal(d("10")), "pending record keeps the expected profit")
}

func TestParseMode(t *testing.T) {
	m, err := ParseMode("submit")
	require.NoError(t, err)
	assert.Equal(t, ModeSubmit, m)
	_, err = ParseMode("yolo")
	assert.Error(t, err)
}

func TestCheckStatus(t *testing.T) {
	sub := new(MockSubmitter)
	sub.On("Status", mock.Anything, "0xtx").Return(storage.StatusConfirmed, nil)

	status, err := newExecutor(sub).CheckStatus(context.Background(), "0xtx")
	require.NoError(t, err)
	assert.Equal(t, storage.StatusConfirmed, status)

	_, err = newExecutor(sub).CheckStatus(context.Background(), "")
	assert.Error(t, err)
	_, err = newExecutor(nil).CheckStatus(context.Background(), "0xtx")
	assert.Error(t, err)
	sub.AssertExpectations(t)
}
