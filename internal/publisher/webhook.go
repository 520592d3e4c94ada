package publisher

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/t77yq/post-scheduler/internal/model"
)

const maxWebhookResponse = 1 << 20

// WebhookConfig configures a webhook client
type WebhookConfig struct {
	URL     string
	Token   string
	Headers map[string]string
	Timeout time.Duration
}

type webhookRequest struct {
	PostRef   string   `json:"post_ref"`
	Title     string   `json:"title,omitempty"`
	Text      string   `json:"text"`
	MediaURLs []string `json:"media_urls,omitempty"`
}

type webhookResponse struct {
	ID string `json:"id"`
}

// WebhookClient publishes by POSTing JSON to a platform bridge
type WebhookClient struct {
	logger     *zap.Logger
	cfg        WebhookConfig
	httpClient *http.Client
}

// NewWebhookClient creates a webhook client
func NewWebhookClient(logger *zap.Logger, cfg WebhookConfig) (*WebhookClient, error) {
	if cfg.URL == "" {
		return nil, fmt.Errorf("%w: webhook url", ErrMissingSetting)
	}
	if _, err := url.ParseRequestURI(cfg.URL); err != nil {
		return nil, fmt.Errorf("invalid webhook url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}

	return &WebhookClient{
		logger: logger.Named("webhook"),
		cfg:    cfg,
		httpClient: &http.Client{
			Timeout: cfg.Timeout,
		},
	}, nil
}

// Publish implements Client
func (c *WebhookClient) Publish(ctx context.Context, content *model.Content) (string, error) {
	body, err := json.Marshal(webhookRequest{
		PostRef:   content.Ref,
		Title:     content.Title,
		Text:      content.Text,
		MediaURLs: content.MediaURLs,
	})
	if err != nil {
		return "", fmt.Errorf("failed to marshal payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	for key, value := range c.cfg.Headers {
		req.Header.Set(key, value)
	}

	c.logger.Debug("Sending webhook",
		zap.String("url", c.cfg.URL),
		zap.String("content_ref", content.Ref))

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxWebhookResponse))
	if err != nil {
		return "", fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		msg := strings.TrimSpace(string(respBody))
		if len(msg) > 200 {
			msg = msg[:200]
		}
		if msg == "" {
			return "", fmt.Errorf("webhook returned status %d", resp.StatusCode)
		}
		return "", fmt.Errorf("webhook returned status %d: %s", resp.StatusCode, msg)
	}

	var out webhookResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if out.ID == "" {
		return "", fmt.Errorf("webhook response missing id")
	}
	return out.ID, nil
}
