// Package notifications is the gateway's client for the notification
// service's internal API.
package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/nbploc08/backend-core-platform/internal/identity/token"
	"github.com/nbploc08/backend-core-platform/pkg/requestcontext"
)

// Client calls the notification service with a freshly minted internal
// credential per request. It satisfies ws.NotificationActions.
type Client struct {
	baseURL string
	client  *http.Client
	minter  *token.Minter
	logger  *slog.Logger
}

func NewClient(baseURL string, minter *token.Minter, logger *slog.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		client:  &http.Client{Timeout: 5 * time.Second},
		minter:  minter,
		logger:  logger,
	}
}

type unreadCountResponse struct {
	UnreadCount int `json:"unreadCount"`
}

// MarkRead marks one notification read and returns the user's new unread count.
func (c *Client) MarkRead(ctx context.Context, userID, notificationID string) (int, error) {
	url := fmt.Sprintf("%s/notifications/%s/read", c.baseURL, notificationID)
	return c.post(ctx, url, userID)
}

// MarkAllRead marks all of the user's notifications read.
func (c *Client) MarkAllRead(ctx context.Context, userID string) (int, error) {
	url := fmt.Sprintf("%s/notifications/read-all", c.baseURL)
	return c.post(ctx, url, userID)
}

func (c *Client) post(ctx context.Context, url, userID string) (int, error) {
	internalToken, err := c.minter.MintInternal(map[string]any{"userId": userID})
	if err != nil {
		return 0, fmt.Errorf("mint internal token: %w", err)
	}

	payload, _ := json.Marshal(map[string]string{"userId": userID})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return 0, fmt.Errorf("build notification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+internalToken)
	if requestID := requestcontext.RequestID(ctx); requestID != "" {
		req.Header.Set("X-Request-Id", requestID)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("call notification service: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		c.logger.Warn("notification service returned error",
			"status", resp.StatusCode, "body", string(body))
		return 0, fmt.Errorf("notification service returned status %d", resp.StatusCode)
	}

	var out unreadCountResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return 0, fmt.Errorf("invalid response from notification service: %w", err)
	}
	return out.UnreadCount, nil
}
