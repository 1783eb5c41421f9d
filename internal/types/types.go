// Package types provides shared type definitions used across the noise meter.
package types

import (
	"time"
)

// MonitorState represents the current state of the noise monitor.
type MonitorState string

const (
	// StateStopped indicates the monitor is not running.
	StateStopped MonitorState = "stopped"
	// StateStarting indicates capture is negotiating or restarting.
	StateStarting MonitorState = "starting"
	// StateWarmingUp indicates capture is live but the analysis window is not yet filled.
	StateWarmingUp MonitorState = "warming_up"
	// StateRunning indicates results are being published.
	StateRunning MonitorState = "running"
	// StateStopping indicates the monitor is shutting down.
	StateStopping MonitorState = "stopping"
	// StateFailed indicates capture failed and will not be retried.
	StateFailed MonitorState = "failed"
)

const (
	// InitialRetryDelay is the starting delay between capture restart attempts.
	InitialRetryDelay = 3000 * time.Millisecond
	// MaxRetryDelay is the maximum delay between capture restart attempts.
	MaxRetryDelay = 60000 * time.Millisecond
	// MaxRetries is the maximum number of capture restart attempts.
	MaxRetries = 10
	// SuccessThreshold is the running time after which the retry count resets.
	SuccessThreshold = 30000 * time.Millisecond
)

// ShutdownTimeout is the duration to wait for graceful shutdown.
const ShutdownTimeout = 3000 * time.Millisecond

// AnalysisResult holds the decibel statistics of one analysis window.
// AvgDB is the level of the whole window, not the mean of the chunk levels.
type AnalysisResult struct {
	MinDB           float64   `json:"min_db"`
	MaxDB           float64   `json:"max_db"`
	AvgDB           float64   `json:"avg_db"`
	MedianDB        float64   `json:"median_db"`
	DurationSeconds float64   `json:"duration"`
	Overruns        uint64    `json:"overruns"`
	Chunks          int       `json:"chunks"`
	Timestamp       time.Time `json:"timestamp"`
}

// MonitorStatus contains a summary of the monitor's current operational state.
type MonitorStatus struct {
	State        MonitorState    `json:"state"`                 // Current monitor state
	Format       string          `json:"format,omitzero"`       // Negotiated capture format
	SessionID    string          `json:"session_id,omitzero"`   // Current capture session
	Uptime       string          `json:"uptime,omitzero"`       // Time since capture started
	LastError    string          `json:"last_error,omitzero"`   // Most recent error
	RetryCount   int             `json:"retry_count,omitzero"`  // Capture restart attempts
	MaxRetries   int             `json:"max_retries"`           // Max capture restart attempts
	Overruns     uint64          `json:"overruns"`              // Overruns reported by the capture source
	BufferFill   float64         `json:"buffer_fill"`           // Fraction of the ring buffer holding audio
	LastResult   *AnalysisResult `json:"last_result,omitempty"` // Most recent published result
	NoiseAlert   bool            `json:"noise_alert,omitzero"`  // True while a noise alert is active
	AlertSinceMs int64           `json:"alert_duration_ms,omitzero"`
}

// GraphConfig contains Microsoft Graph API settings for email notifications.
type GraphConfig struct {
	TenantID     string `json:"tenant_id,omitempty"`     // Azure AD tenant ID
	ClientID     string `json:"client_id,omitempty"`     // App registration client ID
	ClientSecret string `json:"client_secret,omitempty"` // App registration client secret
	FromAddress  string `json:"from_address,omitempty"`  // Shared mailbox address (sender)
	Recipients   string `json:"recipients,omitempty"`    // Comma-separated recipients
}

// ZabbixConfig contains settings for sending trapper items to a Zabbix server.
type ZabbixConfig struct {
	Server string `json:"server,omitempty"`
	Port   int    `json:"port,omitempty"`
	Host   string `json:"host,omitempty"`
	Key    string `json:"key,omitempty"`
}

// VersionInfo contains version comparison data.
type VersionInfo struct {
	Current     string    `json:"current"`
	Latest      string    `json:"latest,omitempty"`
	UpdateAvail bool      `json:"update_available"`
	Commit      string    `json:"commit,omitempty"`
	BuildTime   string    `json:"build_time,omitempty"`
	CheckedAt   time.Time `json:"checked_at,omitzero"`   // Last successful release check
	CheckError  string    `json:"check_error,omitempty"` // Error of the last failed check
}
