package notifications

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/nimbushost/panel/pkg/events"
)

// WebhookAdapter posts events to a configured URL, signing the body
// with HMAC-SHA256 so the receiver can authenticate the sender.
type WebhookAdapter struct {
	url    string
	secret string
	client *http.Client
	logger *zap.Logger
}

// WebhookPayload is the JSON body sent to the receiver.
type WebhookPayload struct {
	EventID   string                 `json:"event_id"`
	EventType string                 `json:"event_type"`
	Timestamp string                 `json:"timestamp"`
	UserID    string                 `json:"user_id,omitempty"`
	Data      map[string]interface{} `json:"data"`
}

// NewWebhookAdapter creates an outbound webhook adapter.
func NewWebhookAdapter(url, secret string, logger *zap.Logger) *WebhookAdapter {
	return &WebhookAdapter{
		url:    url,
		secret: secret,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

func (w *WebhookAdapter) Name() string { return "webhook" }

// Send posts one event to the receiver.
func (w *WebhookAdapter) Send(ctx context.Context, event events.Event) error {
	body, err := json.Marshal(WebhookPayload{
		EventID:   event.ID,
		EventType: string(event.Type),
		Timestamp: event.Timestamp.Format(time.RFC3339),
		UserID:    event.UserID,
		Data:      event.Payload,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "nimbushost-panel/1.0")

	if w.secret != "" {
		req.Header.Set("X-Panel-Signature", Sign(body, w.secret))
		req.Header.Set("X-Panel-Event-Type", string(event.Type))
		req.Header.Set("X-Panel-Event-ID", event.ID)
	}

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send webhook: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	w.logger.Debug("webhook sent",
		zap.String("event_id", event.ID),
		zap.Int("status_code", resp.StatusCode),
	)
	return nil
}

// Sign produces the HMAC-SHA256 signature header value for a payload.
func Sign(payload []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(payload)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature checks a received signature. Helper for receivers of
// panel webhooks.
func VerifySignature(payload []byte, signature, secret string) bool {
	return hmac.Equal([]byte(signature), []byte(Sign(payload, secret)))
}
