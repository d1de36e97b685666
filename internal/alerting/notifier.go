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
)

const (
	// KindCongestion marks a Normal/Congested transition.
	KindCongestion = "congestion"
	// KindHealth marks a Healthy/Degraded transition.
	KindHealth = "health"
)

// Notification 封装一次状态切换的上下文。
type Notification struct {
	Kind        string
	State       string
	Provider    string
	CapturedAt  time.Time
	AvgFee      decimal.Decimal
	MinFee      decimal.Decimal
	MaxFee      decimal.Decimal
	Threshold   decimal.Decimal
	SampleCount int
	Failures    int
	Channels    []string
	Detail      string
}

// Notifier 定义告警输送接口。
type Notifier interface {
	Notify(ctx context.Context, notification Notification) error
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

// Notify posts the rendered message through sendMessage.
func (n *TelegramNotifier) Notify(ctx context.Context, note Notification) error {
	payload := map[string]string{
		"chat_id": n.chatID,
		"text":    RenderMessage(note),
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
		OK          bool   `json:"ok"`
		Description string `json:"description"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err == nil && !result.OK {
		if result.Description != "" {
			return fmt.Errorf("telegram returned ok=false: %s", result.Description)
		}
		return errors.New("telegram returned ok=false")
	}

	n.logger.Info().Str("kind", note.Kind).
		Str("state", note.State).
		Str("channels", strings.Join(note.Channels, ",")).
		Msg("notification sent (telegram)")
	return nil
}

// LogNotifier writes notifications to the log. It backs the "log" channel
// and keeps transitions visible when no chat integration is configured.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier wraps logger.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger.With().Str("component", "alert_log").Logger()}
}

// Notify logs the notification at warn level.
func (n *LogNotifier) Notify(_ context.Context, note Notification) error {
	n.logger.Warn().
		Str("kind", note.Kind).
		Str("state", note.State).
		Str("provider", note.Provider).
		Str("avg_fee", note.AvgFee.String()).
		Str("threshold", note.Threshold.String()).
		Int("failures", note.Failures).
		Time("captured_at", note.CapturedAt).
		Msg(note.Detail)
	return nil
}

// Multi fans a notification out to every notifier, continuing past failures.
type Multi []Notifier

// Notify delivers to all targets and joins their errors.
func (m Multi) Notify(ctx context.Context, note Notification) error {
	var errs []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, note); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// RenderMessage formats a notification as plain text.
func RenderMessage(note Notification) string {
	builder := strings.Builder{}
	switch note.Kind {
	case KindHealth:
		builder.WriteString(fmt.Sprintf("[Fee Insights] provider %s\n", strings.ToUpper(note.State)))
	default:
		builder.WriteString(fmt.Sprintf("[Fee Insights] network %s\n", strings.ToUpper(note.State)))
	}
	if note.Provider != "" {
		builder.WriteString(fmt.Sprintf("Provider: %s\n", note.Provider))
	}
	builder.WriteString(fmt.Sprintf("At: %s UTC\n", note.CapturedAt.UTC().Format(time.RFC3339)))
	if note.Kind == KindHealth {
		builder.WriteString(fmt.Sprintf("Consecutive failures: %d\n", note.Failures))
	} else {
		builder.WriteString(fmt.Sprintf("Average fee: %s (threshold %s)\n", note.AvgFee.String(), note.Threshold.String()))
		builder.WriteString(fmt.Sprintf("Min/Max: %s / %s over %d samples\n", note.MinFee.String(), note.MaxFee.String(), note.SampleCount))
	}
	if len(note.Channels) > 0 {
		builder.WriteString(fmt.Sprintf("Channels: %s\n", strings.Join(note.Channels, ",")))
	}
	if note.Detail != "" {
		builder.WriteString(note.Detail)
	}
	return builder.String()
}

var (
	_ Notifier = (*TelegramNotifier)(nil)
	_ Notifier = (*LogNotifier)(nil)
	_ Notifier = Multi(nil)
)
