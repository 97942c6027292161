package push

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/foodbridge/internal/events"
	"github.com/foodbridge/internal/logger"
)

// previewRunes — длина превью текста сообщения в уведомлении.
const previewRunes = 120

// Client вызывает внешний сервис уведомлений. Если URL пустой — методы no-op.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент. baseURL пустой — пуши отключены.
func NewClient(baseURL string) *Client {
	if baseURL == "" {
		return &Client{}
	}
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

func (c *Client) Enabled() bool { return c.baseURL != "" }

// NotifyRequest — запрос на отправку уведомления.
type NotifyRequest struct {
	UserID string            `json:"user_id"`
	Title  string            `json:"title"`
	Body   string            `json:"body"`
	Data   map[string]string `json:"data,omitempty"`
}

// Notify отправляет уведомление пользователю.
func (c *Client) Notify(ctx context.Context, userID int64, title, body string, data map[string]string) error {
	if c.baseURL == "" {
		return nil
	}
	payload := NotifyRequest{UserID: strconv.FormatInt(userID, 10), Title: title, Body: body, Data: data}
	bodyBytes, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("push notify marshal: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/notify", bytes.NewReader(bodyBytes))
	if err != nil {
		return fmt.Errorf("push notify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("push notify: %w", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusOK {
		return fmt.Errorf("push notify: %d", resp.StatusCode)
	}
	return nil
}

// OnMessageCreated — подписчик events.Bus: уведомляет получателя о новом сообщении.
func (c *Client) OnMessageCreated(ctx context.Context, ev events.MessageCreated) {
	if c.baseURL == "" {
		return
	}
	m := ev.Message
	data := map[string]string{
		"message_id": strconv.FormatInt(m.ID, 10),
		"sender_id":  strconv.FormatInt(m.SenderID, 10),
	}
	if err := c.Notify(ctx, m.ReceiverID, ev.Sender.DisplayName, preview(m.Content), data); err != nil {
		logger.Errorf("push: message %d to user %d: %v", m.ID, m.ReceiverID, err)
	}
}

func preview(s string) string {
	if utf8.RuneCountInString(s) <= previewRunes {
		return s
	}
	r := []rune(s)
	return string(r[:previewRunes]) + "…"
}
