package monitor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// webhookPayload is the body posted to the alert webhook.
type webhookPayload struct {
	Subject   string    `json:"subject"`
	Body      string    `json:"body"`
	Priority  Priority  `json:"priority"`
	Timestamp time.Time `json:"timestamp"`
}

// WebhookNotifier posts alerts to an HTTP endpoint (e.g. a chat
// incoming-webhook or an internal alerting gateway). A send failure is
// logged but never propagated as a hard error: alerting must not be
// able to take down the caller that triggered it.
type WebhookNotifier struct {
	URL        string
	httpClient *http.Client
	logger     zerolog.Logger
	now        func() time.Time
}

// NewWebhookNotifier constructs a WebhookNotifier posting to url.
func NewWebhookNotifier(url string, logger zerolog.Logger) *WebhookNotifier {
	return &WebhookNotifier{
		URL:        url,
		httpClient: &http.Client{Timeout: 10 * time.Second},
		logger:     logger,
		now:        time.Now,
	}
}

// Send posts the alert to the webhook URL.
func (n *WebhookNotifier) Send(ctx context.Context, subject, body string, priority Priority) error {
	payload := webhookPayload{Subject: subject, Body: body, Priority: priority, Timestamp: n.now()}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.URL, bytes.NewReader(encoded))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.httpClient.Do(req)
	if err != nil {
		n.logger.Warn().Err(err).Str("subject", subject).Msg("alert webhook delivery failed")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		n.logger.Warn().Int("status", resp.StatusCode).Str("subject", subject).Msg("alert webhook returned non-2xx")
	}
	return nil
}

// LogNotifier writes alerts to the structured logger instead of an
// external channel. Used when no webhook is configured so alerting
// degrades to visibility rather than silence.
type LogNotifier struct {
	logger zerolog.Logger
}

// NewLogNotifier constructs a LogNotifier writing through logger.
func NewLogNotifier(logger zerolog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Send logs the alert at a level matched to its priority.
func (n *LogNotifier) Send(ctx context.Context, subject, body string, priority Priority) error {
	event := n.logger.Info()
	if priority == PriorityCritical {
		event = n.logger.Error()
	} else if priority == PriorityWarning {
		event = n.logger.Warn()
	}
	event.Str("subject", subject).Str("priority", string(priority)).Msg(body)
	return nil
}
