package notifications

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/nimbushost/panel/pkg/events"
)

const resendEndpoint = "https://api.resend.com/emails"

// EmailAdapter sends notifications to the operations inbox via Resend.
type EmailAdapter struct {
	from     string
	to       []string
	apiKey   string
	panelURL string
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

type resendEmailRequest struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Text    string   `json:"text"`
}

// NewEmailAdapter creates a Resend-backed email adapter. panelURL is
// the public panel address linked at the bottom of each email.
func NewEmailAdapter(from string, to []string, apiKey, panelURL string, logger *zap.Logger) *EmailAdapter {
	return &EmailAdapter{
		from:     from,
		to:       to,
		apiKey:   apiKey,
		panelURL: panelURL,
		endpoint: resendEndpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		logger:   logger,
	}
}

func (e *EmailAdapter) Name() string { return "email" }

// Send delivers one event as a plain text email.
func (e *EmailAdapter) Send(ctx context.Context, event events.Event) error {
	body, err := json.Marshal(resendEmailRequest{
		From:    e.from,
		To:      e.to,
		Subject: subjectFor(event),
		Text:    e.textFor(event),
	})
	if err != nil {
		return fmt.Errorf("failed to marshal email request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", e.endpoint, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+e.apiKey)

	resp, err := e.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send email: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("email provider returned status %d", resp.StatusCode)
	}

	e.logger.Debug("email sent",
		zap.String("event_id", event.ID),
		zap.String("event_type", string(event.Type)),
	)
	return nil
}

func subjectFor(event events.Event) string {
	switch event.Type {
	case events.EventServerTeardown:
		return "[panel] server destroyed for insufficient funds"
	case events.EventBalanceLow:
		return "[panel] account balance is low"
	case events.EventDepositCompleted:
		return "[panel] deposit completed"
	case events.EventDepositFailed:
		return "[panel] deposit failed"
	default:
		return fmt.Sprintf("[panel] %s", event.Type)
	}
}

func (e *EmailAdapter) textFor(event events.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Event:     %s\n", event.Type)
	fmt.Fprintf(&b, "Event ID:  %s\n", event.ID)
	fmt.Fprintf(&b, "Timestamp: %s\n", event.Timestamp.Format(time.RFC3339))
	if event.UserID != "" {
		fmt.Fprintf(&b, "User ID:   %s\n", event.UserID)
	}
	if len(event.Payload) > 0 {
		b.WriteString("\nDetails:\n")
		if pretty, err := json.MarshalIndent(event.Payload, "", "  "); err == nil {
			b.Write(pretty)
			b.WriteString("\n")
		}
	}
	if e.panelURL != "" {
		fmt.Fprintf(&b, "\nManage the account: %s/account\n", strings.TrimRight(e.panelURL, "/"))
	}
	return b.String()
}
