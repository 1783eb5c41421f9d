package notify

import (
	"context"
	"fmt"

	"github.com/oszuidwest/zwfm-noisemeter/internal/types"
	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

// GraphConfig is the configuration for email notifications.
type GraphConfig = types.GraphConfig

// noiseEmail renders the alert email for a confirmed noise episode.
func noiseEmail(stationName string, level, threshold float64, durationMs int64) (subject, body string) {
	subject = "[ALERT] Sustained Noise - " + stationName
	body = fmt.Sprintf(
		"Sustained noise detected by %s.\n\n"+
			"Level:     %.1f dB\n"+
			"Threshold: %.1f dB\n"+
			"Duration:  %s\n"+
			"Time:      %s\n\n"+
			"Noise is ongoing.",
		stationName, level, threshold, util.FormatDuration(durationMs), util.HumanTime(),
	)
	return subject, body
}

// recoveryEmail renders the email sent when a noise episode ends.
func recoveryEmail(stationName string, level, threshold float64, durationMs int64) (subject, body string) {
	subject = "[OK] Noise Ended - " + stationName
	body = fmt.Sprintf(
		"Noise level back below threshold on %s.\n\n"+
			"Level:        %.1f dB\n"+
			"Noise lasted: %s\n"+
			"Threshold:    %.1f dB\n"+
			"Time:         %s",
		stationName, level, util.FormatDuration(durationMs), threshold, util.HumanTime(),
	)
	return subject, body
}

// SendTestEmail sends a test email to verify email configuration.
func SendTestEmail(ctx context.Context, cfg *GraphConfig, stationName string) error {
	if err := ValidateConfig(cfg); err != nil {
		return fmt.Errorf("configuration error: %w", err)
	}

	client, err := NewGraphClient(cfg)
	if err != nil {
		return fmt.Errorf("create Graph client: %w", err)
	}

	subject := "[TEST] " + stationName
	body := fmt.Sprintf(
		"Test email from the noise meter.\n\n"+
			"Time: %s\n\n"+
			"Microsoft Graph configuration is working correctly.",
		util.HumanTime(),
	)

	if err := client.SendMail(ctx, ParseRecipients(cfg.Recipients), subject, body); err != nil {
		return fmt.Errorf("send email: %w", err)
	}

	return nil
}
