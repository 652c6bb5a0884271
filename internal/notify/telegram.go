// Package notify pushes lifecycle notifications over Telegram and SMTP and
// ingests Telegram replies back into the ticket flow.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"go.uber.org/zap"

	"github.com/ticketd/ticketd/internal/common/config"
	"github.com/ticketd/ticketd/internal/common/logger"
)

const telegramAPIBase = "https://api.telegram.org"

// httpTimeout bounds every Telegram API call.
const httpTimeout = 10 * time.Second

// TelegramClient is a minimal Bot API client: sendMessage and getUpdates.
type TelegramClient struct {
	cfg     config.TelegramConfig
	baseURL string
	http    *http.Client
	logger  *logger.Logger
}

// Update is one entry from getUpdates.
type Update struct {
	UpdateID int64          `json:"update_id"`
	Message  *UpdateMessage `json:"message"`
}

// UpdateMessage is the message payload of an update.
type UpdateMessage struct {
	MessageID      int64          `json:"message_id"`
	Text           string         `json:"text"`
	From           *UpdateUser    `json:"from"`
	Chat           *UpdateChat    `json:"chat"`
	ReplyToMessage *UpdateMessage `json:"reply_to_message"`
}

// UpdateUser identifies the sender.
type UpdateUser struct {
	FirstName string `json:"first_name"`
	Username  string `json:"username"`
}

// UpdateChat identifies the conversation.
type UpdateChat struct {
	ID int64 `json:"id"`
}

// NewTelegramClient returns a client for the configured bot. Enabled
// reports whether a token and chat id are present.
func NewTelegramClient(cfg config.TelegramConfig, log *logger.Logger) *TelegramClient {
	return &TelegramClient{
		cfg:     cfg,
		baseURL: telegramAPIBase,
		http:    &http.Client{Timeout: httpTimeout},
		logger:  log.WithFields(zap.String("component", "telegram")),
	}
}

// Enabled reports whether the bot is configured.
func (c *TelegramClient) Enabled() bool {
	return c.cfg.BotToken != "" && c.cfg.ChatID != ""
}

// SendMessage posts text to the configured chat. Failures are returned for
// logging but never retried.
func (c *TelegramClient) SendMessage(ctx context.Context, text string) error {
	return c.SendReply(ctx, c.cfg.ChatID, text)
}

// SendReply posts text to an arbitrary chat.
func (c *TelegramClient) SendReply(ctx context.Context, chatID, text string) error {
	if c.cfg.BotToken == "" {
		return fmt.Errorf("telegram bot token not configured")
	}
	payload, err := json.Marshal(map[string]string{
		"chat_id": chatID,
		"text":    text,
	})
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", c.baseURL, c.cfg.BotToken)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("telegram sendMessage failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("telegram sendMessage returned %d", resp.StatusCode)
	}
	return nil
}

// GetUpdates long-polls the Bot API starting at offset.
func (c *TelegramClient) GetUpdates(ctx context.Context, offset int64) ([]Update, error) {
	params := url.Values{}
	params.Set("offset", strconv.FormatInt(offset, 10))
	params.Set("timeout", "5")

	endpoint := fmt.Sprintf("%s/bot%s/getUpdates?%s", c.baseURL, c.cfg.BotToken, params.Encode())
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("telegram getUpdates failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telegram getUpdates returned %d", resp.StatusCode)
	}

	var body struct {
		OK     bool     `json:"ok"`
		Result []Update `json:"result"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("telegram getUpdates decode failed: %w", err)
	}
	if !body.OK {
		return nil, fmt.Errorf("telegram getUpdates not ok")
	}
	return body.Result, nil
}
