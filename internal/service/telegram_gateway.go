package service

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// TelegramGateway delivers deep links through the Telegram Bot API. The
// orchestrator only sees the MessagingGateway interface.
type TelegramGateway struct {
	BotToken   string
	HTTPClient *http.Client
	BaseURL    string
}

func NewTelegramGateway(botToken string) *TelegramGateway {
	if strings.TrimSpace(botToken) == "" {
		return &TelegramGateway{}
	}
	return &TelegramGateway{
		BotToken:   botToken,
		HTTPClient: &http.Client{Timeout: 10 * time.Second},
		BaseURL:    "https://api.telegram.org",
	}
}

func (g *TelegramGateway) SendDeepLink(ctx context.Context, messagingUserID int64, url string) error {
	if strings.TrimSpace(g.BotToken) == "" {
		return errors.New("messaging gateway not configured")
	}
	if g.HTTPClient == nil {
		g.HTTPClient = &http.Client{Timeout: 10 * time.Second}
	}

	payload := map[string]any{
		"chat_id": messagingUserID,
		"text":    fmt.Sprintf("Open this link to continue: %s", url),
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}

	endpoint := fmt.Sprintf("%s/bot%s/sendMessage", strings.TrimRight(g.BaseURL, "/"), g.BotToken)
	request, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return err
	}
	request.Header.Set("Content-Type", "application/json")

	response, err := g.HTTPClient.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode >= 300 {
		return fmt.Errorf("telegram sendMessage failed with status %d", response.StatusCode)
	}
	return nil
}
