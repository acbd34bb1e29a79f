// Package notify delivers trade notifications to operators.
package notify

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
)

// Notification 封装一次交易执行的结果。
type Notification struct {
	At        time.Time
	RequestID string
	Action    string
	State     string
	Reason    string
	AssetID   int64
	Symbol    string
	Address   string
	WalletID  int64
	Amount    *decimal.Decimal
	Value     *decimal.Decimal
	TxID      string
	Archived  bool
	Alert     bool
}

// Notifier 定义通知输送接口。
type Notifier interface {
	Notify(ctx context.Context, note Notification) error
}

// TelegramNotifier 通过 Telegram Bot API 推送消息。
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 通知器。
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
		logger:   logger.With().Str("component", "notify_telegram").Logger(),
	}
}

// Notify 调用 sendMessage API 推送文本。
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    renderMessage(note),
	}

	body, err := json.Marshal(payload)
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
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram 返回 ok=false")
		}
	}

	n.logger.Info().Int64("asset_id", note.AssetID).
		Str("action", note.Action).
		Str("state", note.State).
		Msg("通知已发送 (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	title := "Trade"
	if note.Alert {
		title = "ALERT"
	}
	builder.WriteString(fmt.Sprintf("[token-trader %s] %s %s\n", title, strings.ToUpper(note.Action), note.State))
	asset := note.Address
	if note.Symbol != "" {
		asset = fmt.Sprintf("%s (%s)", note.Symbol, note.Address)
	}
	builder.WriteString(fmt.Sprintf("Asset: #%d %s\n", note.AssetID, asset))
	if note.WalletID != 0 {
		builder.WriteString(fmt.Sprintf("Wallet: #%d\n", note.WalletID))
	}
	if note.Amount != nil {
		builder.WriteString(fmt.Sprintf("Amount: %s\n", note.Amount.String()))
	}
	if note.Value != nil {
		builder.WriteString(fmt.Sprintf("Value: %s\n", note.Value.StringFixed(4)))
	}
	if note.TxID != "" {
		builder.WriteString(fmt.Sprintf("Tx: %s\n", note.TxID))
	}
	if note.Reason != "" {
		builder.WriteString(fmt.Sprintf("Reason: %s\n", note.Reason))
	}
	if note.Archived {
		builder.WriteString("Asset archived\n")
	}
	builder.WriteString(fmt.Sprintf("Time: %s UTC\n", note.At.UTC().Format(time.RFC3339)))
	if note.RequestID != "" {
		builder.WriteString(fmt.Sprintf("Request: %s", note.RequestID))
	}
	return builder.String()
}

// LogNotifier writes notifications to the log.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs a log sink.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "notify_log").Logger()}
}

// Notify implements Notifier.
func (l *LogNotifier) Notify(_ context.Context, note Notification) error {
	evt := l.logger.Info()
	if note.Alert {
		evt = l.logger.Warn()
	}
	evt.Int64("asset_id", note.AssetID).
		Str("action", note.Action).
		Str("state", note.State).
		Str("reason", note.Reason).
		Bool("archived", note.Archived).
		Str("tx", note.TxID).
		Msg("trade notification")
	return nil
}

// Fanout delivers to every sink and joins their errors.
type Fanout []Notifier

// Notify implements Notifier.
func (f Fanout) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range f {
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = Fanout(nil)
)
