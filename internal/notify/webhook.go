package notify

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

// webhookTimeout bounds a single webhook delivery.
const webhookTimeout = 10000 * time.Millisecond

// WebhookPayload represents the data sent to webhook endpoints.
type WebhookPayload struct {
	Event       string  `json:"event"`
	Device      string  `json:"device,omitempty"`
	LevelDB     float64 `json:"level_db,omitempty"`
	ThresholdDB float64 `json:"threshold_db,omitempty"`
	DurationMs  int64   `json:"noise_duration_ms,omitempty"`
	Message     string  `json:"message,omitempty"`
	Timestamp   string  `json:"timestamp"`
}

// SendNoiseWebhook notifies the configured webhook of sustained noise.
func SendNoiseWebhook(webhookURL, device string, level, threshold float64, durationMs int64) error {
	return sendWebhook(webhookURL, &WebhookPayload{
		Event:       "noise_detected",
		Device:      device,
		LevelDB:     level,
		ThresholdDB: threshold,
		DurationMs:  durationMs,
		Timestamp:   timestampUTC(),
	})
}

// SendRecoveryWebhook notifies the configured webhook that noise has ended.
func SendRecoveryWebhook(webhookURL, device string, level, threshold float64, durationMs int64) error {
	return sendWebhook(webhookURL, &WebhookPayload{
		Event:       "noise_recovered",
		Device:      device,
		LevelDB:     level,
		ThresholdDB: threshold,
		DurationMs:  durationMs,
		Timestamp:   timestampUTC(),
	})
}

// SendTestWebhook sends a test webhook notification.
func SendTestWebhook(webhookURL, stationName string) error {
	if webhookURL == "" {
		return fmt.Errorf("webhook URL not configured")
	}

	return sendWebhook(webhookURL, &WebhookPayload{
		Event:     "test",
		Device:    stationName,
		Message:   "This is a test notification from " + stationName,
		Timestamp: timestampUTC(),
	})
}

// sendWebhook delivers a notification to the configured webhook endpoint.
func sendWebhook(webhookURL string, payload *WebhookPayload) error {
	if !util.IsConfigured(webhookURL) {
		return nil // Silently skip if not configured
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return util.WrapError("marshal payload", err)
	}

	client := &http.Client{Timeout: webhookTimeout}
	resp, err := client.Post(webhookURL, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return util.WrapError("send webhook request", err)
	}
	defer util.SafeCloseFunc(resp.Body, "webhook response body")()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned status %d", resp.StatusCode)
	}

	return nil
}
