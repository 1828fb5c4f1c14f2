package alerting

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"defi-agents/internal/storage"
)

func sampleRecord(status storage.ExecutionStatus, profit string) storage.ExecutionRecord {
	return storage.ExecutionRecord{
		ExecutionID:    "e1",
		AccountKey:     "0xabc",
		AgentType:      storage.AgentArbitrage,
		Instrument:     "ETH/USDC",
		Mode:           "simulate",
		ChainsInvolved: []string{"ethereum"},
		AmountIn:       decimal.NewFromInt(400),
		AmountOut:      decimal.NewFromInt(409),
		FeePaid:        decimal.NewFromInt(1),
		Profit:         decimal.RequireFromString(profit),
		TxReference:    "0xfeed",
		Status:         status,
		CreatedAt:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
}

func TestTelegramNotifierSuccess(t *testing.T) {
	received := make(map[string]string)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !strings.Contains(r.URL.Path, "sendMessage") {
			t.Fatalf("路径应包含 sendMessage, 实际 %s", r.URL.Path)
		}
		if err := json.NewDecoder(r.Body).Decode(&received); err != nil {
			t.Fatalf("解析请求体失败: %v", err)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	note := Notification{Agent: "arb-main", Record: sampleRecord(storage.StatusConfirmed, "10"), TotalPnL: decimal.NewFromInt(10), TotalTrades: 1}

	if err := notifier.Notify(context.Background(), note); err != nil {
		t.Fatalf("Telegram Notify 应成功: %v", err)
	}

	if received["chat_id"] != "chat" {
		t.Fatalf("chat_id 不正确: %#v", received)
	}
	text := received["text"]
	for _, want := range []string{"[ARBITRAGE] ETH/USDC CONFIRMED", "Profit: 10.0000", "Tx: 0xfeed (simulate)", "over 1 trades"} {
		if !strings.Contains(text, want) {
			t.Fatalf("text 缺少 %q: %s", want, text)
		}
	}
}

func TestTelegramNotifierError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": false})
	}))
	defer srv.Close()

	notifier := NewTelegramNotifier("token", "chat", srv.URL, time.Second, testLogger())
	if err := notifier.Notify(context.Background(), Notification{Record: sampleRecord(storage.StatusFailed, "0")}); err == nil {
		t.Fatal("ok=false 应报错")
	}
}

func TestRuleMatch(t *testing.T) {
	rule := Rule{ProfitThreshold: decimal.NewFromInt(10), NotifyFailures: true}
	cases := []struct {
		status storage.ExecutionStatus
		profit string
		want   bool
	}{
		{storage.StatusConfirmed, "10", true},
		{storage.StatusConfirmed, "-12", true},
		{storage.StatusConfirmed, "9.99", false},
		{storage.StatusFailed, "0", true},
		{storage.StatusPending, "50", false},
	}
	for _, tc := range cases {
		if got := rule.Match(sampleRecord(tc.status, tc.profit)); got != tc.want {
			t.Fatalf("%s/%s: 期望 %v, 实际 %v", tc.status, tc.profit, tc.want, got)
		}
	}
	rule.NotifyFailures = false
	if rule.Match(sampleRecord(storage.StatusFailed, "0")) {
		t.Fatal("关闭失败告警后不应匹配")
	}
}

type recordingNotifier struct {
	notes []Notification
	err   error
}

func (r *recordingNotifier) Notify(_ context.Context, note Notification) error {
	r.notes = append(r.notes, note)
	return r.err
}

func TestDispatcher(t *testing.T) {
	ok := &recordingNotifier{}
	broken := &recordingNotifier{err: errors.New("boom")}
	d := NewDispatcher(Rule{ProfitThreshold: decimal.NewFromInt(5)}, []string{"telegram"}, testLogger(), ok, broken)
	stats := storage.AgentStats{TotalPnL: decimal.NewFromInt(42), TotalTrades: 3}

	sent, err := d.Dispatch(context.Background(), "arb-main", sampleRecord(storage.StatusConfirmed, "1"), stats)
	if sent || err != nil {
		t.Fatalf("低于阈值不应发送: sent=%v err=%v", sent, err)
	}

	sent, err = d.Dispatch(context.Background(), "arb-main", sampleRecord(storage.StatusConfirmed, "6"), stats)
	if !sent {
		t.Fatal("应发送")
	}
	if err == nil || !strings.Contains(err.Error(), "boom") {
		t.Fatalf("应返回通道错误: %v", err)
	}
	if len(ok.notes) != 1 || ok.notes[0].TotalTrades != 3 || ok.notes[0].Agent != "arb-main" {
		t.Fatalf("通知内容不正确: %#v", ok.notes)
	}

	var nilDispatcher *Dispatcher
	if sent, _ := nilDispatcher.Dispatch(context.Background(), "x", sampleRecord(storage.StatusFailed, "0"), stats); sent {
		t.Fatal("nil dispatcher 不应发送")
	}
}

func testLogger() zerolog.Logger {
	return zerolog.Nop()
}
