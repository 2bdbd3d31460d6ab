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

	"whale-mirror/internal/logging"
)

// Notification kinds.
const (
	KindWhaleAccepted  = "whale_accepted"
	KindWhaleDiscarded = "whale_discarded"
	KindTradeMirrored  = "trade_mirrored"
	KindTradeBlocked   = "trade_blocked"
)

// Notification describes one pipeline event worth telling an operator about.
type Notification struct {
	Kind       string
	Time       time.Time
	Whale      string
	Mode       string
	Score      float64
	ROIPct     float64
	ProfitUSD  float64
	TokenIn    string
	TokenOut   string
	AmountIn   decimal.Decimal
	Allocation decimal.Decimal
	Confidence float64
	TxHash     string
	Reason     string
	Simulated  bool
	Extra      string
}

// Notifier delivers notifications.
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
}

// TelegramNotifier pushes messages through the Telegram Bot API.
type TelegramNotifier struct {
	botToken string
	chatID   string
	baseURL  string
	client   *http.Client
	logger   zerolog.Logger
}

// NewTelegramNotifier constructs a Telegram notifier.
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
		logger:   logging.Component(logger, "alert_telegram"),
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
		return fmt.Errorf("telegram status %d", resp.StatusCode)
	}

	var result struct {
		OK bool `json:"ok"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil {
		if !result.OK {
			return fmt.Errorf("telegram returned ok=false")
		}
	}

	n.logger.Debug().Str("kind", note.Kind).Str("whale", note.Whale).Msg("telegram notification sent")
	return nil
}

func renderMessage(note Notification) string {
	b := strings.Builder{}
	when := note.Time
	if when.IsZero() {
		when = time.Now()
	}

	switch note.Kind {
	case KindWhaleAccepted:
		b.WriteString("[Whale accepted]\n")
		fmt.Fprintf(&b, "Address: %s\n", note.Whale)
		fmt.Fprintf(&b, "Mode: %s\n", note.Mode)
		fmt.Fprintf(&b, "ROI: %.2f%% | Profit: $%.0f\n", note.ROIPct, note.ProfitUSD)
		fmt.Fprintf(&b, "Score: %.2f\n", note.Score)
	case KindWhaleDiscarded:
		b.WriteString("[Whale discarded]\n")
		fmt.Fprintf(&b, "Address: %s\n", note.Whale)
		fmt.Fprintf(&b, "Reason: %s\n", note.Reason)
	case KindTradeMirrored:
		if note.Simulated {
			b.WriteString("[Trade mirrored (simulated)]\n")
		} else {
			b.WriteString("[Trade mirrored]\n")
		}
		fmt.Fprintf(&b, "Whale: %s\n", note.Whale)
		fmt.Fprintf(&b, "Swap: %s -> %s\n", note.TokenIn, note.TokenOut)
		fmt.Fprintf(&b, "Whale amount: %s | Allocation: %s\n", note.AmountIn.StringFixed(4), note.Allocation.StringFixed(4))
		fmt.Fprintf(&b, "Confidence: %.2f\n", note.Confidence)
		if note.TxHash != "" {
			fmt.Fprintf(&b, "Tx: %s\n", note.TxHash)
		}
	case KindTradeBlocked:
		b.WriteString("[Trade blocked]\n")
		fmt.Fprintf(&b, "Whale: %s\n", note.Whale)
		fmt.Fprintf(&b, "Reason: %s\n", note.Reason)
	default:
		fmt.Fprintf(&b, "[%s]\n", note.Kind)
		if note.Whale != "" {
			fmt.Fprintf(&b, "Whale: %s\n", note.Whale)
		}
	}
	fmt.Fprintf(&b, "Time: %s UTC\n", when.UTC().Format(time.RFC3339))
	if note.Extra != "" {
		b.WriteString(note.Extra)
	}
	return b.String()
}

var _ Notifier = (*TelegramNotifier)(nil)
