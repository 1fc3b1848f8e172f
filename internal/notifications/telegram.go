package notifications

import (
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// telegramEndpoint is a format string taking the bot token.
const telegramEndpoint = "https://api.telegram.org/bot%s/sendMessage"

var levelEmoji = map[string]string{
	LevelInfo:    "ℹ️",
	LevelWarning: "⚠️",
	LevelError:   "🚨",
	LevelSuccess: "✅",
}

// TelegramNotifier posts alerts to a Telegram chat via the bot API.
type TelegramNotifier struct {
	token    string
	chatID   string
	endpoint string
	client   *http.Client
}

func NewTelegramNotifier(token, chatID string) *TelegramNotifier {
	return &TelegramNotifier{
		token:    token,
		chatID:   chatID,
		endpoint: telegramEndpoint,
		client:   &http.Client{Timeout: 10 * time.Second},
	}
}

func (t *TelegramNotifier) SendAlert(level, message string) error {
	data := url.Values{}
	data.Set("chat_id", t.chatID)
	data.Set("text", formatAlert(level, message))
	data.Set("parse_mode", "Markdown")

	resp, err := t.client.Post(fmt.Sprintf(t.endpoint, t.token),
		"application/x-www-form-urlencoded", strings.NewReader(data.Encode()))
	if err != nil {
		return fmt.Errorf("telegram send failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram API returned status %d", resp.StatusCode)
	}
	return nil
}

func formatAlert(level, message string) string {
	emoji, ok := levelEmoji[level]
	if !ok {
		emoji = levelEmoji[LevelInfo]
	}
	return fmt.Sprintf("%s *fxcontrol*\n\n%s", emoji, message)
}
