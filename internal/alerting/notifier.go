package alerting

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Notification describes one signal the watcher handed to the sink.
type Notification struct {
	SentAt       time.Time
	Symbol       string
	Side         string
	Qty          decimal.Decimal
	Price        decimal.Decimal
	ChangePct    decimal.Decimal
	DollarVolume decimal.Decimal
	Source       string
	Description  string
}

// Notifier delivers notifications to an operator channel.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier posts notifications through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier builds a Telegram notifier.
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

// Notify calls sendMessage with the rendered text.
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
		return fmt.Errorf("telegram unexpected status: %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Info().Str("symbol", note.Symbol).
		Str("side", note.Side).
		Msg("notification sent (Telegram)")
	return nil
}

func renderMessage(note Notification) string {
	builder := strings.Builder{}
	builder.WriteString("[sigwatch signal]\n")
	builder.WriteString(fmt.Sprintf("%s %s x%s\n", strings.ToUpper(note.Side), note.Symbol, note.Qty.String()))
	if note.Description != "" {
		builder.WriteString(note.Description + "\n")
	}
	builder.WriteString(fmt.Sprintf("Price: %s\n", note.Price.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Change: %s%%\n", note.ChangePct.StringFixed(2)))
	builder.WriteString(fmt.Sprintf("Dollar volume: %s\n", note.DollarVolume.StringFixed(0)))
	if note.Source != "" {
		builder.WriteString(fmt.Sprintf("Source: %s\n", note.Source))
	}
	builder.WriteString(fmt.Sprintf("Sent: %s UTC", note.SentAt.UTC().Format(time.RFC3339)))
	return builder.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
