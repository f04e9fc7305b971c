package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/ternarybob/arbor"

	"github.com/ternarybob/autoapply/internal/common"
	"github.com/ternarybob/autoapply/internal/httpclient"
	"github.com/ternarybob/autoapply/internal/interfaces"
	"github.com/ternarybob/autoapply/internal/models"
)

// LogNotifier writes notifications to the service log
type LogNotifier struct {
	logger arbor.ILogger
}

// NewLogNotifier creates a notifier that only logs
func NewLogNotifier(logger arbor.ILogger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) Notify(ctx context.Context, notification models.Notification) error {
	event := n.logger.Info().
		Str("type", string(notification.Type)).
		Str("user_id", notification.UserID).
		Str("subject", notification.Subject)

	switch {
	case notification.Activity != nil:
		event = event.
			Str("config_id", notification.Activity.ConfigID).
			Str("status", string(notification.Activity.Status)).
			Int("submitted", notification.Activity.ApplicationsSubmitted)
	case notification.Failure != nil:
		event = event.
			Str("stage", string(notification.Failure.Stage)).
			Str("error_kind", string(notification.Failure.ErrorKind))
	case notification.Job != nil:
		event = event.
			Str("job", notification.Job.Name).
			Str("next_run_at", notification.Job.NextRunAt.Format(time.RFC3339))
	}

	event.Msg("Notification")
	return nil
}

// WebhookNotifier posts notifications as JSON to a fixed URL
type WebhookNotifier struct {
	url    string
	client *http.Client
	logger arbor.ILogger
}

// NewWebhookNotifier creates a webhook notifier
func NewWebhookNotifier(url string, timeout time.Duration, logger arbor.ILogger) *WebhookNotifier {
	return &WebhookNotifier{
		url:    url,
		client: httpclient.NewDefaultHTTPClient(timeout),
		logger: logger,
	}
}

func (n *WebhookNotifier) Notify(ctx context.Context, notification models.Notification) error {
	status, err := httpclient.PostJSON(ctx, n.client, n.url, notification)
	if err != nil {
		return fmt.Errorf("webhook notification failed: %w", err)
	}

	n.logger.Debug().
		Str("type", string(notification.Type)).
		Int("status", status).
		Msg("Webhook notification delivered")
	return nil
}

// New picks the webhook sink when a URL is configured, otherwise the log sink
func New(config common.NotificationsConfig, logger arbor.ILogger) interfaces.NotificationService {
	if config.WebhookURL == "" {
		return NewLogNotifier(logger)
	}
	return NewWebhookNotifier(config.WebhookURL, common.Duration(config.Timeout, 10*time.Second), logger)
}
