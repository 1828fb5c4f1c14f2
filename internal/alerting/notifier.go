package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"defi-agents/internal/storage"
)

// Notification 封装一次执行的告警上下文。
type Notification struct {
	Agent       string
	Record      storage.ExecutionRecord
	TotalPnL    decimal.Decimal
	TotalTrades int64
	Channels    []string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// Rule decides which executions are worth a message.
type Rule struct {
	ProfitThreshold decimal.Decimal
	NotifyFailures  bool
}

// Match reports whether rec should be announced: failed executions when
// NotifyFailures is set, otherwise settled ones whose |profit| reaches the
// threshold.
func (r Rule) Match(rec storage.ExecutionRecord) bool {
	switch rec.Status {
	case storage.StatusFailed:
		return r.NotifyFailures
	case storage.StatusConfirmed:
		return rec.Profit.Abs().GreaterThanOrEqual(r.ProfitThreshold)
	default:
		return false
	}
}

// Dispatcher sends matching notifications to every configured notifier.
type Dispatcher struct {
	rule      Rule
	notifiers []Notifier
	channels  []string
	logger    zerolog.Logger
}

// NewDispatcher builds a dispatcher. With no notifiers Dispatch only logs.
func NewDispatcher(rule Rule, channels []string, logger zerolog.Logger, notifiers ...Notifier) *Dispatcher {
	return &Dispatcher{
		rule:      rule,
		notifiers: notifiers,
		channels:  channels,
		logger:    logger.With().Str("component", "alerting").Logger(),
	}
}

// Dispatch notifies about rec if the rule matches. It returns whether a
// notification was attempted and the joined notifier errors.
func (d *Dispatcher) Dispatch(ctx context.Context, agent string, rec storage.ExecutionRecord, stats storage.AgentStats) (bool, error) {
	if d == nil || !d.rule.Match(rec) {
		return false, nil
	}
	note := Notification{
		Agent:       agent,
		Record:      rec,
		TotalPnL:    stats.TotalPnL,
		TotalTrades: stats.TotalTrades,
		Channels:    d.channels,
	}
	if len(d.notifiers) == 0 {
		d.logger.Info().Str("execution_id", rec.ExecutionID).Str("status", string(rec.Status)).
			Str("profit", rec.Profit.String()).Msg("告警触发 (无通道)")
		return true, nil
	}
	var errs []error
	for _, n := range d.notifiers {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return true, errors.Join(errs...)
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 告警器。
func NewTelegramNotifier(botToken, chatID, baseURL string, timeout time.Duration, logger zerolog.Logger) *TelegramNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if baseURL == "" {
		baseURL = "https://api.telegram.org"
	}

	return &TelegramNotifier{
		botToken: botToken,
		chatID:   chatID,
		baseURL:  strings.TrimRight(baseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		logger:   logger.With().Str("component", "alert_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	body, err := json.Marshal(map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", n.baseURL, n.botToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("telegram 响应码异常: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		return fmt.Errorf("telegram 返回 ok=false")
	}

	n.logger.Info().Str("execution_id", note.Record.ExecutionID).
		Str("account", note.Record.AccountKey).
		Str("status", string(note.Record.Status)).
		Msg("告警已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	rec := note.Record
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s %s\n", strings.ToUpper(string(rec.AgentType)), rec.Instrument, strings.ToUpper(string(rec.Status)))
	if note.Agent != "" {
		fmt.Fprintf(&b, "Agent: %s\n", note.Agent)
	}
	fmt.Fprintf(&b, "Account: %s\n", rec.AccountKey)
	fmt.Fprintf(&b, "Time: %s UTC\n", rec.CreatedAt.UTC().Format(time.RFC3339))
	fmt.Fprintf(&b, "In: %s  Out: %s  Fee: %s\n", rec.AmountIn.StringFixed(4), rec.AmountOut.StringFixed(4), rec.FeePaid.StringFixed(4))
	fmt.Fprintf(&b, "Profit: %s\n", rec.Profit.StringFixed(4))
	if len(rec.ChainsInvolved) > 0 {
		fmt.Fprintf(&b, "Chains: %s\n", strings.Join(rec.ChainsInvolved, ","))
	}
	if rec.TxReference != "" {
		fmt.Fprintf(&b, "Tx: %s (%s)\n", rec.TxReference, rec.Mode)
	}
	fmt.Fprintf(&b, "Total P&L: %s over %d trades\n", note.TotalPnL.StringFixed(4), note.TotalTrades)
	if len(note.Channels) > 0 {
		fmt.Fprintf(&b, "Channels: %s\n", strings.Join(note.Channels, ","))
	}
	return b.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
