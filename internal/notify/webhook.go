// Package notify delivers operator alerts to a webhook. Delivery failures
// are logged by callers, never propagated into a run outcome.
package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nilemarkets/sahm/internal/common"
	"github.com/nilemarkets/sahm/internal/models"
)

// Webhook posts alerts as JSON to a configured URL. A blank URL disables
// delivery silently so development setups need no receiver.
type Webhook struct {
	url    string
	client *http.Client
	logger *common.Logger
}

func NewWebhook(config *common.Config, logger *common.Logger) *Webhook {
	return &Webhook{
		url:    config.Notify.WebhookURL,
		client: &http.Client{Timeout: config.Notify.GetTimeout()},
		logger: logger,
	}
}

// Send posts one alert. Non-2xx responses are errors so the caller can log
// the misconfigured receiver.
func (w *Webhook) Send(ctx context.Context, alert models.Alert) error {
	if w.url == "" {
		return nil
	}

	body, err := json.Marshal(alert)
	if err != nil {
		return fmt.Errorf("marshal alert: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build alert request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("post alert: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("alert webhook returned status %d", resp.StatusCode)
	}

	w.logger.Debug().Str("source", alert.Source).Str("phase", alert.Phase).Msg("alert delivered")
	return nil
}
