package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// LogNotifier records notifications in the structured log. It is the default
// delivery channel when no push endpoint is configured.
type LogNotifier struct {
	logger *slog.Logger
}

// NewLogNotifier creates a log-backed notifier.
func NewLogNotifier(logger *slog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

// Notify logs the notification.
func (n *LogNotifier) Notify(_ context.Context, userID, title, message, reportID string) {
	n.logger.Info("notification",
		"user_id", userID,
		"title", title,
		"message", message,
		"report_id", reportID,
	)
}

// WebhookNotifier POSTs notifications to an external push gateway.
// Fire-and-forget: delivery failures are logged, never surfaced to callers.
type WebhookNotifier struct {
	endpoint string
	client   *http.Client
	logger   *slog.Logger
}

// NewWebhookNotifier creates a webhook-backed notifier.
func NewWebhookNotifier(endpoint string, timeout time.Duration, logger *slog.Logger) *WebhookNotifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &WebhookNotifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

type pushPayload struct {
	UserID   string `json:"user_id"`
	Title    string `json:"title"`
	Message  string `json:"message"`
	ReportID string `json:"report_id"`
}

// Notify delivers the notification to the gateway.
func (n *WebhookNotifier) Notify(ctx context.Context, userID, title, message, reportID string) {
	body, err := json.Marshal(pushPayload{
		UserID:   userID,
		Title:    title,
		Message:  message,
		ReportID: reportID,
	})
	if err != nil {
		n.logger.Error("notification payload marshal failed", "error", err)
		return
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.endpoint, bytes.NewReader(body))
	if err != nil {
		n.logger.Error("notification request build failed", "error", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.logger.Warn("notification delivery failed", "user_id", userID, "error", err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n.logger.Warn("notification gateway rejected push",
			"user_id", userID,
			"status", resp.StatusCode,
		)
	}
}
