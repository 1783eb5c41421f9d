// Package notify delivers noise alerts to webhooks, Microsoft Graph e-mail,
// Zabbix and a JSON lines log file.
package notify

import (
	"context"
	"fmt"
	"sync"

	"github.com/oszuidwest/zwfm-noisemeter/internal/audio"
	"github.com/oszuidwest/zwfm-noisemeter/internal/types"
	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

// Settings holds the notification channels and alert context.
type Settings struct {
	StationName string
	ThresholdDB float64
	WebhookURL  string
	LogPath     string
	Graph       types.GraphConfig
	Zabbix      types.ZabbixConfig
}

// HasWebhook reports whether webhook notifications are configured.
func (s *Settings) HasWebhook() bool { return util.IsConfigured(s.WebhookURL) }

// HasGraph reports whether email notifications are configured.
func (s *Settings) HasGraph() bool { return IsConfigured(&s.Graph) }

// HasLogPath reports whether log file notifications are configured.
func (s *Settings) HasLogPath() bool { return util.IsConfigured(s.LogPath) }

// HasZabbix reports whether Zabbix notifications are configured.
func (s *Settings) HasZabbix() bool {
	return util.IsConfigured(s.Zabbix.Server, s.Zabbix.Host, s.Zabbix.Key)
}

// NoiseNotifier sends one notification per channel for each noise episode,
// and a recovery notification only on the channels that alerted.
type NoiseNotifier struct {
	settings Settings

	// mu protects the notification state fields below
	mu sync.Mutex

	// Track which notifications have been sent for the current episode
	webhookSent bool
	emailSent   bool
	logSent     bool
	zabbixSent  bool

	// Cached Graph client for email notifications
	graphClient *GraphClient

	ctx     context.Context
	cancel  context.CancelFunc
	pending sync.WaitGroup
}

// NewNoiseNotifier returns a NoiseNotifier for the given settings.
func NewNoiseNotifier(settings Settings) *NoiseNotifier {
	ctx, cancel := context.WithCancel(context.Background())
	return &NoiseNotifier{settings: settings, ctx: ctx, cancel: cancel}
}

// getOrCreateGraphClient returns the cached Graph client, creating it if needed.
func (n *NoiseNotifier) getOrCreateGraphClient() (*GraphClient, error) {
	n.mu.Lock()
	defer n.mu.Unlock()

	if n.graphClient != nil {
		return n.graphClient, nil
	}

	client, err := NewGraphClient(&n.settings.Graph)
	if err != nil {
		return nil, err
	}
	n.graphClient = client
	return client, nil
}

// HandleEvent processes an alert detector update and triggers notifications.
func (n *NoiseNotifier) HandleEvent(event audio.AlertEvent) {
	if event.JustEntered {
		n.handleNoiseStart(event.LevelDB, event.DurationMs)
	}

	if event.JustRecovered {
		n.handleNoiseEnd(event.LevelDB, event.TotalDurationMs)
	}
}

// handleNoiseStart triggers notifications when noise is first confirmed.
func (n *NoiseNotifier) handleNoiseStart(level float64, durationMs int64) {
	s := &n.settings

	n.trySend(&n.webhookSent, s.HasWebhook(), "Noise webhook", func() error {
		return SendNoiseWebhook(s.WebhookURL, s.StationName, level, s.ThresholdDB, durationMs)
	})
	n.trySend(&n.emailSent, s.HasGraph(), "Noise email", func() error {
		subject, body := noiseEmail(s.StationName, level, s.ThresholdDB, durationMs)
		return n.sendEmail(subject, body)
	})
	n.trySend(&n.logSent, s.HasLogPath(), "Noise log", func() error {
		return LogNoiseStart(s.LogPath, s.StationName, level, s.ThresholdDB, durationMs)
	})
	n.trySend(&n.zabbixSent, s.HasZabbix(), "Noise zabbix", func() error {
		return SendNoiseZabbix(n.ctx, s.Zabbix, level, s.ThresholdDB, durationMs)
	})
}

// trySend sends a notification if the condition is met and not already sent.
func (n *NoiseNotifier) trySend(sent *bool, condition bool, notifyType string, sender func() error) {
	n.mu.Lock()
	shouldSend := !*sent && condition
	if shouldSend {
		*sent = true
	}
	n.mu.Unlock()
	if shouldSend {
		n.dispatch(notifyType, sender)
	}
}

// dispatch runs sender in the background and logs its result.
func (n *NoiseNotifier) dispatch(notifyType string, sender func() error) {
	n.pending.Go(func() {
		util.LogNotifyResult(sender, notifyType)
	})
}

// handleNoiseEnd triggers recovery notifications when noise ends.
func (n *NoiseNotifier) handleNoiseEnd(level float64, totalDurationMs int64) {
	s := &n.settings

	// Only send recovery notifications if we sent the corresponding start notification
	n.mu.Lock()
	webhook, email, logFile, zabbix := n.webhookSent, n.emailSent, n.logSent, n.zabbixSent
	n.webhookSent, n.emailSent, n.logSent, n.zabbixSent = false, false, false, false
	n.mu.Unlock()

	if webhook {
		n.dispatch("Recovery webhook", func() error {
			return SendRecoveryWebhook(s.WebhookURL, s.StationName, level, s.ThresholdDB, totalDurationMs)
		})
	}
	if email {
		n.dispatch("Recovery email", func() error {
			subject, body := recoveryEmail(s.StationName, level, s.ThresholdDB, totalDurationMs)
			return n.sendEmail(subject, body)
		})
	}
	if logFile {
		n.dispatch("Recovery log", func() error {
			return LogNoiseEnd(s.LogPath, s.StationName, level, s.ThresholdDB, totalDurationMs)
		})
	}
	if zabbix {
		n.dispatch("Recovery zabbix", func() error {
			return SendRecoveryZabbix(n.ctx, s.Zabbix, level, s.ThresholdDB, totalDurationMs)
		})
	}
}

// sendEmail delivers an email through the cached Graph client.
func (n *NoiseNotifier) sendEmail(subject, body string) error {
	client, err := n.getOrCreateGraphClient()
	if err != nil {
		return util.WrapError("create Graph client", err)
	}

	recipients := ParseRecipients(n.settings.Graph.Recipients)
	if len(recipients) == 0 {
		return fmt.Errorf("no valid recipients")
	}

	if err := client.SendMail(n.ctx, recipients, subject, body); err != nil {
		return util.WrapError("send email via Graph", err)
	}
	return nil
}

// Reset clears the notification state.
func (n *NoiseNotifier) Reset() {
	n.mu.Lock()
	n.webhookSent = false
	n.emailSent = false
	n.logSent = false
	n.zabbixSent = false
	n.mu.Unlock()
}

// Close cancels pending email retries and waits for in-flight notifications.
func (n *NoiseNotifier) Close() {
	n.cancel()
	n.pending.Wait()
}

// Wait blocks until all in-flight notifications have completed.
func (n *NoiseNotifier) Wait() {
	n.pending.Wait()
}
