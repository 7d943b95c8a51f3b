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

	"stock-alert-engine/internal/config"
	"stock-alert-engine/internal/storage"
)

const defaultTelegramAPIBase = "https://api.telegram.org"

// TelegramNotifier 通过 Telegram Bot API 推送告警消息。
type TelegramNotifier struct {
	cfg    config.TelegramConfig
	client *http.Client
	logger zerolog.Logger
}

// NewTelegramNotifier 构造 Telegram 通知器。
func NewTelegramNotifier(cfg config.TelegramConfig, logger zerolog.Logger) *TelegramNotifier {
	if cfg.APIBase == "" {
		cfg.APIBase = defaultTelegramAPIBase
	}
	return &TelegramNotifier{
		cfg:    cfg,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger.With().Str("component", "telegram").Logger(),
	}
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

type sendMessageResponse struct {
	OK          bool   `json:"ok"`
	Description string `json:"description"`
}

// Send 推送单条通知。失败仅返回错误, 由调用方决定是否重试。
func (t *TelegramNotifier) Send(ctx context.Context, n storage.Notification) error {
	payload, err := json.Marshal(sendMessageRequest{
		ChatID:    t.cfg.ChatID,
		Text:      formatMessage(n),
		ParseMode: "Markdown",
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(t.cfg.APIBase, "/"), t.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := t.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer resp.Body.Close()

	var parsed sendMessageResponse
	if decodeErr := json.NewDecoder(resp.Body).Decode(&parsed); decodeErr != nil {
		return fmt.Errorf("decode telegram response: %w", decodeErr)
	}
	if resp.StatusCode != http.StatusOK || !parsed.OK {
		return fmt.Errorf("telegram api rejected message: status=%d description=%s", resp.StatusCode, parsed.Description)
	}

	t.logger.Debug().
		Str("symbol", n.Symbol).
		Str("rule_id", n.RuleID).
		Msg("telegram 消息已发送")
	return nil
}

// formatMessage 渲染 Telegram 消息正文。
func formatMessage(n storage.Notification) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s*\n", n.Title)
	fmt.Fprintf(&b, "%s\n", n.Message)
	fmt.Fprintf(&b, "当前价格: %s\n", n.CurrentPrice.StringFixed(2))
	fmt.Fprintf(&b, "触发价格: %s", n.TriggerPrice.StringFixed(2))
	return b.String()
}
