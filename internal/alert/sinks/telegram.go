package sinks

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/JakeFAU/commentary-coordinator/internal/alert"
)

const defaultTelegramBaseURL = "https://api.telegram.org"

// TelegramConfig captures the Telegram bot credentials for alert delivery.
type TelegramConfig struct {
	// Token is the bot API token.
	Token string `mapstructure:"token" yaml:"token"`
	// ChatID is the destination chat. Group ids are negative, so this
	// stays a string and is passed through verbatim.
	ChatID string `mapstructure:"chat_id" yaml:"chat_id"`
	// BaseURL overrides the API host, mainly for tests.
	BaseURL string `mapstructure:"base_url" yaml:"base_url"`
}

// TelegramSink posts each alert to a Telegram chat via the bot API.
type TelegramSink struct {
	cfg    TelegramConfig
	client *http.Client
}

// NewTelegramSink validates the config and returns a Telegram-backed sink.
func NewTelegramSink(cfg TelegramConfig) (*TelegramSink, error) {
	if cfg.Token == "" || cfg.ChatID == "" {
		return nil, fmt.Errorf("telegram token and chat id are required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultTelegramBaseURL
	}
	return &TelegramSink{
		cfg:    cfg,
		client: &http.Client{Timeout: 15 * time.Second},
	}, nil
}

type sendMessageRequest struct {
	ChatID    string `json:"chat_id"`
	Text      string `json:"text"`
	ParseMode string `json:"parse_mode"`
}

// Consume sends the formatted alert as an HTML message.
func (s *TelegramSink) Consume(ctx context.Context, a alert.Alert) error {
	payload, err := json.Marshal(sendMessageRequest{
		ChatID:    s.cfg.ChatID,
		Text:      FormatTelegramMessage(a),
		ParseMode: "HTML",
	})
	if err != nil {
		return fmt.Errorf("marshal telegram payload: %w", err)
	}

	url := fmt.Sprintf("%s/bot%s/sendMessage", s.cfg.BaseURL, s.cfg.Token)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build telegram request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("send telegram message: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("telegram responded %d: %s", resp.StatusCode, string(body))
	}
	return nil
}

// Close implements the Sink interface; it performs no action.
func (s *TelegramSink) Close(context.Context) error {
	return nil
}

// telegramPreviewRunes caps how much of the body goes into the message.
const telegramPreviewRunes = 600

// FormatTelegramMessage renders the alert in the HTML shape the chat
// subscribers expect: a header, the fetch time, the commentary id, an
// optional action line, the title, and a body preview.
func FormatTelegramMessage(a alert.Alert) string {
	tickerInfo := ""
	if a.Ticker != "" && a.Action != "" {
		tickerInfo = fmt.Sprintf("\n<b>Action:</b> %s %s", a.Action, a.Ticker)
	}

	preview := a.Body
	if runes := []rune(preview); len(runes) > telegramPreviewRunes {
		preview = string(runes[:telegramPreviewRunes])
	}

	return fmt.Sprintf(
		"<b>New Zacks Commentary!</b>\n"+
			"<b>Current Time:</b> %s\n"+
			"<b>Comment Id:</b> %d%s\n\n"+
			"<b>Title:</b> %s\n\n"+
			"%s\n\n\nthere is more.......",
		a.FetchedAt.Format("2006-01-02 15:04:05 MST"),
		a.ResourceID,
		tickerInfo,
		a.Title,
		preview,
	)
}
