// Package config provides application configuration management.
//
// Configuration is assembled once at start-up from built-in defaults, an
// optional JSON file, an optional .env file and the process environment, in
// that order, and is immutable afterwards.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/oszuidwest/zwfm-noisemeter/internal/audio"
	"github.com/oszuidwest/zwfm-noisemeter/internal/types"
	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

// Configuration defaults are used when values are not specified.
const (
	DefaultWebPort            = 8080
	DefaultDeviceID           = "noisemeter_001"
	DefaultDeviceName         = "Noise Meter"
	DefaultChannels           = 1
	DefaultSampleRate         = 48000
	DefaultBufferDuration     = 30.0
	DefaultAnalysisWindow     = 10.0
	DefaultChunkDuration      = 0.1
	DefaultPublishInterval    = 5.0
	DefaultMQTTHost           = "localhost"
	DefaultMQTTPort           = 1883
	DefaultMQTTTopicPrefix    = "noisemeter"
	DefaultDiscoveryPrefix    = "homeassistant"
	DefaultAlertThresholdDB   = -20.0
	DefaultAlertDurationMs    = 60000
	DefaultAlertRecoveryMs    = 30000
	DefaultZabbixPort         = 10051
	DefaultArchiveRetention   = 90
	DefaultArchivePrefix      = "measurements"
	DefaultEnvFile            = ".env"
	DefaultSilenceThresholdDB = audio.DefaultSilenceThresholdDB
)

// SystemConfig holds HTTP server and local file settings.
type SystemConfig struct {
	Port         int    `json:"port" validate:"min=1,max=65535"` // HTTP server port
	Username     string `json:"username"`                        // Basic auth username (empty = no auth)
	Password     string `json:"password" validate:"required_with=Username"`
	EventLogPath string `json:"event_log_path"` // Event log file (empty = platform default)
}

// DeviceConfig identifies this meter towards MQTT and the archive.
type DeviceConfig struct {
	ID   string `json:"id" validate:"required,max=64,excludesall=/#+ "` // Unique device identifier
	Name string `json:"name" validate:"required,max=64"`                 // Display name
}

// AudioConfig holds capture and analysis settings.
type AudioConfig struct {
	Device             string   `json:"device"`                                              // ALSA capture device
	Channels           int      `json:"channels" validate:"min=1,max=32"`                    // Channels delivered by the device
	SampleRate         int      `json:"sample_rate" validate:"min=8000,max=384000"`          // Sample rate in Hz
	Formats            []string `json:"formats" validate:"min=1,dive,required"`              // Candidate sample formats in order
	BufferDuration     float64  `json:"buffer_duration" validate:"gt=0,max=600"`             // Ring buffer length in seconds
	AnalysisWindow     float64  `json:"analysis_window" validate:"gt=0,ltefield=BufferDuration"`
	ChunkDuration      float64  `json:"chunk_duration" validate:"gt=0,ltefield=AnalysisWindow"`
	SilenceThresholdDB float64  `json:"silence_threshold_db" validate:"gte=-120,lt=0"` // Level at or below which audio is silence
	PublishInterval    float64  `json:"publish_interval" validate:"gt=0,max=3600"`     // Seconds between results
}

// MQTTConfig holds MQTT broker settings.
type MQTTConfig struct {
	Enabled         bool   `json:"enabled"`
	Host            string `json:"host" validate:"required_if=Enabled true"`
	Port            int    `json:"port" validate:"min=1,max=65535"`
	Username        string `json:"username"`
	Password        string `json:"password"`
	TopicPrefix     string `json:"topic_prefix" validate:"required,excludesall=#+"`
	Discovery       bool   `json:"discovery"`                                        // Publish Home Assistant discovery
	DiscoveryPrefix string `json:"discovery_prefix" validate:"required,excludesall=#+"` // Home Assistant discovery prefix
}

// AMQPConfig holds AMQP publishing settings.
type AMQPConfig struct {
	URL       string `json:"url" validate:"omitempty,url"`
	QueueName string `json:"queue_name" validate:"required_with=URL"`
}

// AlertConfig holds noise alert thresholds and timing parameters.
type AlertConfig struct {
	Enabled     bool    `json:"enabled"`
	ThresholdDB float64 `json:"threshold_db" validate:"gte=-120,lte=0"` // Level above which it is loud
	DurationMs  int64   `json:"duration_ms" validate:"gte=0"`           // Duration above threshold before alert
	RecoveryMs  int64   `json:"recovery_ms" validate:"gte=0"`           // Duration below threshold before recovery
}

// WebhookConfig holds webhook notification settings.
type WebhookConfig struct {
	URL string `json:"url" validate:"omitempty,url"` // Webhook URL for noise alerts
}

// LogConfig holds log file notification settings.
type LogConfig struct {
	Path string `json:"path"` // Log file path for noise alerts
}

// NotificationsConfig holds all notification channel settings.
type NotificationsConfig struct {
	Webhook WebhookConfig      `json:"webhook"`
	Log     LogConfig          `json:"log"`
	Email   types.GraphConfig  `json:"email"`
	Zabbix  types.ZabbixConfig `json:"zabbix"`
}

// ArchiveConfig holds S3 measurement archive settings.
type ArchiveConfig struct {
	Endpoint        string `json:"endpoint" validate:"omitempty,url"` // S3-compatible endpoint (empty = AWS)
	Region          string `json:"region"`
	Bucket          string `json:"bucket"` // Empty disables the archive
	AccessKeyID     string `json:"access_key_id" validate:"required_with=Bucket"`
	SecretAccessKey string `json:"secret_access_key" validate:"required_with=Bucket"`
	Prefix          string `json:"prefix"`
	RetentionDays   int    `json:"retention_days" validate:"gte=0"` // 0 keeps objects forever
}

// Config holds all application configuration. It is immutable after Load.
type Config struct {
	System        SystemConfig        `json:"system"`
	Device        DeviceConfig        `json:"device"`
	Audio         AudioConfig         `json:"audio"`
	MQTT          MQTTConfig          `json:"mqtt"`
	AMQP          AMQPConfig          `json:"amqp"`
	Alert         AlertConfig         `json:"alert"`
	Notifications NotificationsConfig `json:"notifications"`
	Archive       ArchiveConfig       `json:"archive"`

	formats []audio.Format
}

// Default returns a Config populated with default values.
func Default() *Config {
	return &Config{
		System: SystemConfig{
			Port: DefaultWebPort,
		},
		Device: DeviceConfig{
			ID:   DefaultDeviceID,
			Name: DefaultDeviceName,
		},
		Audio: AudioConfig{
			Device:             audio.DefaultDevice,
			Channels:           DefaultChannels,
			SampleRate:         DefaultSampleRate,
			Formats:            []string{audio.FormatS24LE.String(), audio.FormatS16LE.String()},
			BufferDuration:     DefaultBufferDuration,
			AnalysisWindow:     DefaultAnalysisWindow,
			ChunkDuration:      DefaultChunkDuration,
			SilenceThresholdDB: DefaultSilenceThresholdDB,
			PublishInterval:    DefaultPublishInterval,
		},
		MQTT: MQTTConfig{
			Enabled:         true,
			Host:            DefaultMQTTHost,
			Port:            DefaultMQTTPort,
			TopicPrefix:     DefaultMQTTTopicPrefix,
			Discovery:       true,
			DiscoveryPrefix: DefaultDiscoveryPrefix,
		},
		Alert: AlertConfig{
			ThresholdDB: DefaultAlertThresholdDB,
			DurationMs:  DefaultAlertDurationMs,
			RecoveryMs:  DefaultAlertRecoveryMs,
		},
		Notifications: NotificationsConfig{
			Zabbix: types.ZabbixConfig{Port: DefaultZabbixPort},
		},
		Archive: ArchiveConfig{
			Region:        "auto",
			Prefix:        DefaultArchivePrefix,
			RetentionDays: DefaultArchiveRetention,
		},
	}
}

// Options controls where Load looks for configuration.
type Options struct {
	// FilePath is an optional JSON configuration file.
	FilePath string
	// EnvFile is an optional dotenv file; missing files are ignored.
	EnvFile string
	// LookupEnv reads environment variables. Defaults to os.LookupEnv.
	LookupEnv func(string) (string, bool)
}

// Load builds the configuration from defaults, the JSON file, the dotenv
// file and the environment, then validates it.
func Load(opts Options) (*Config, error) {
	cfg := Default()

	if opts.FilePath != "" {
		if err := cfg.loadFile(opts.FilePath); err != nil {
			return nil, err
		}
	}

	env := opts.LookupEnv
	if env == nil {
		env = os.LookupEnv
	}

	dotenv := map[string]string{}
	if opts.EnvFile != "" {
		values, err := godotenv.Read(opts.EnvFile)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, util.WrapError("load "+opts.EnvFile, err)
		}
		if values != nil {
			dotenv = values
		}
	}

	// Process environment takes precedence over the dotenv file.
	lookup := func(key string) (string, bool) {
		if v, ok := env(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	}
	if err := cfg.applyEnv(lookup); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// loadFile overlays the JSON file at path onto c.
func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config: %w", err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return util.WrapError("parse config", err)
	}
	return nil
}

// validate is the shared validator instance for configuration validation.
var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())

	// Use JSON tag names in error messages instead of struct field names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return fld.Name
		}
		return name
	})
	return v
}

// Validate checks all configuration fields and resolves the audio formats.
// Errors are reported as *types.ValidationError with JSON field paths.
func (c *Config) Validate() error {
	verr := types.NewValidationError()

	if err := validate.Struct(c); err != nil {
		var validationErrors validator.ValidationErrors
		if !errors.As(err, &validationErrors) {
			return err
		}
		for _, e := range validationErrors {
			verr.Add(fieldPath(e), formatValidationMessage(e), e.Value())
		}
	}

	formats, err := audio.ParseFormats(c.Audio.Formats)
	if err != nil {
		verr.Add("audio.formats", err.Error(), c.Audio.Formats)
	}

	if c.System.EventLogPath != "" {
		if err := util.ValidatePath("system.event_log_path", c.System.EventLogPath); err != nil {
			verr.Add("system.event_log_path", "must not contain '..'", c.System.EventLogPath)
		}
	}

	if verr.HasErrors() {
		return verr
	}
	c.formats = formats
	return nil
}

// fieldPath returns the JSON path of a field error without the root type.
func fieldPath(e validator.FieldError) string {
	ns := e.Namespace()
	if _, rest, ok := strings.Cut(ns, "."); ok {
		return rest
	}
	return ns
}

// formatValidationMessage creates a human-readable message from a validator error.
func formatValidationMessage(e validator.FieldError) string {
	switch e.Tag() {
	case "required", "required_with", "required_if":
		return "is required"
	case "min":
		return fmt.Sprintf("must be at least %s", e.Param())
	case "max":
		return fmt.Sprintf("must be at most %s", e.Param())
	case "gt":
		return fmt.Sprintf("must be greater than %s", e.Param())
	case "lt":
		return fmt.Sprintf("must be less than %s", e.Param())
	case "gte":
		return fmt.Sprintf("must be greater than or equal to %s", e.Param())
	case "lte":
		return fmt.Sprintf("must be less than or equal to %s", e.Param())
	case "ltefield":
		return "must not exceed " + e.Param()
	case "url":
		return "must be a valid URL"
	case "excludesall":
		return fmt.Sprintf("must not contain any of %q", e.Param())
	default:
		return fmt.Sprintf("failed validation '%s'", e.Tag())
	}
}

// Formats returns the validated candidate capture formats.
func (c *Config) Formats() []audio.Format {
	if c.formats == nil {
		formats, err := audio.ParseFormats(c.Audio.Formats)
		if err != nil {
			return audio.DefaultFormats
		}
		return formats
	}
	return c.formats
}

// PublishInterval returns the interval between analysis results.
func (c *Config) PublishInterval() time.Duration {
	return time.Duration(c.Audio.PublishInterval * float64(time.Second))
}

// HasWebhook reports whether webhook notifications are configured.
func (c *Config) HasWebhook() bool {
	return util.IsConfigured(c.Notifications.Webhook.URL)
}

// HasGraph reports whether email notifications are configured.
func (c *Config) HasGraph() bool {
	g := c.Notifications.Email
	return util.IsConfigured(g.TenantID, g.ClientID, g.ClientSecret, g.FromAddress, g.Recipients)
}

// HasLogPath reports whether log file notifications are configured.
func (c *Config) HasLogPath() bool {
	return util.IsConfigured(c.Notifications.Log.Path)
}

// HasZabbix reports whether Zabbix notifications are configured.
func (c *Config) HasZabbix() bool {
	z := c.Notifications.Zabbix
	return util.IsConfigured(z.Server, z.Host, z.Key)
}

// HasAMQP reports whether AMQP publishing is configured.
func (c *Config) HasAMQP() bool {
	return util.IsConfigured(c.AMQP.URL, c.AMQP.QueueName)
}

// HasArchive reports whether the S3 measurement archive is configured.
func (c *Config) HasArchive() bool {
	return util.IsConfigured(c.Archive.Bucket, c.Archive.AccessKeyID, c.Archive.SecretAccessKey)
}
