package notify

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/civicbounty/service_layer/internal/httputil"
	"github.com/civicbounty/service_layer/internal/logging"
)

// LogSender writes events to the structured log. It stands in for the email sender when no
// outbound channel is configured.
type LogSender struct {
	logger *logging.Logger
}

func NewLogSender(logger *logging.Logger) *LogSender {
	return &LogSender{logger: logger}
}

func (s *LogSender) Name() string { return "log" }

func (s *LogSender) Send(_ context.Context, event Event) error {
	s.logger.WithFields(map[string]interface{}{
		"event":      event.Type,
		"job_id":     event.JobID,
		"recipients": event.Recipients,
	}).Info("Notification")
	return nil
}

// WebhookSender POSTs events as JSON to a configured URL.
type WebhookSender struct {
	client *httputil.ServiceClient
}

// NewWebhookSender creates a webhook sender. POSTs are never retried by the client.
func NewWebhookSender(url string, timeout time.Duration) *WebhookSender {
	return &WebhookSender{client: httputil.NewServiceClient(httputil.ServiceClientConfig{
		BaseURL:    url,
		Timeout:    timeout,
		MaxRetries: -1,
	})}
}

func (s *WebhookSender) Name() string { return "webhook" }

func (s *WebhookSender) Send(ctx context.Context, event Event) error {
	resp, err := s.client.Post(ctx, "", event)
	if err != nil {
		return fmt.Errorf("webhook post: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusBadRequest {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}
	return nil
}
