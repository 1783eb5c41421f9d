package config

import (
	"strconv"
	"strings"

	"github.com/oszuidwest/zwfm-noisemeter/internal/types"
)

// envVar binds an environment variable to a config field.
type envVar struct {
	name  string
	field string // JSON path, for error reporting
	set   func(c *Config, v string) error
}

func stringVar(name, field string, dst func(c *Config) *string) envVar {
	return envVar{name, field, func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}}
}

func intVar(name, field string, dst func(c *Config) *int) envVar {
	return envVar{name, field, func(c *Config, v string) error {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}}
}

func int64Var(name, field string, dst func(c *Config) *int64) envVar {
	return envVar{name, field, func(c *Config, v string) error {
		n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
		if err != nil {
			return err
		}
		*dst(c) = n
		return nil
	}}
}

func floatVar(name, field string, dst func(c *Config) *float64) envVar {
	return envVar{name, field, func(c *Config, v string) error {
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return err
		}
		*dst(c) = f
		return nil
	}}
}

func boolVar(name, field string, dst func(c *Config) *bool) envVar {
	return envVar{name, field, func(c *Config, v string) error {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}}
}

// envVars lists the supported environment variables. The capture, MQTT and
// device names match the variables of earlier noise meter deployments.
var envVars = []envVar{
	stringVar("MQTT_HOST", "mqtt.host", func(c *Config) *string { return &c.MQTT.Host }),
	intVar("MQTT_PORT", "mqtt.port", func(c *Config) *int { return &c.MQTT.Port }),
	stringVar("MQTT_USER", "mqtt.username", func(c *Config) *string { return &c.MQTT.Username }),
	stringVar("MQTT_PASSWORD", "mqtt.password", func(c *Config) *string { return &c.MQTT.Password }),
	stringVar("MQTT_TOPIC_PREFIX", "mqtt.topic_prefix", func(c *Config) *string { return &c.MQTT.TopicPrefix }),
	boolVar("MQTT_ENABLED", "mqtt.enabled", func(c *Config) *bool { return &c.MQTT.Enabled }),
	boolVar("MQTT_DISCOVERY", "mqtt.discovery", func(c *Config) *bool { return &c.MQTT.Discovery }),
	stringVar("MQTT_DISCOVERY_PREFIX", "mqtt.discovery_prefix", func(c *Config) *string { return &c.MQTT.DiscoveryPrefix }),

	stringVar("AUDIO_DEVICE", "audio.device", func(c *Config) *string { return &c.Audio.Device }),
	intVar("CHANNELS", "audio.channels", func(c *Config) *int { return &c.Audio.Channels }),
	intVar("SAMPLE_RATE", "audio.sample_rate", func(c *Config) *int { return &c.Audio.SampleRate }),
	{"AUDIO_FORMATS", "audio.formats", func(c *Config, v string) error {
		var formats []string
		for f := range strings.SplitSeq(v, ",") {
			if f = strings.TrimSpace(f); f != "" {
				formats = append(formats, f)
			}
		}
		c.Audio.Formats = formats
		return nil
	}},
	floatVar("BUFFER_DURATION", "audio.buffer_duration", func(c *Config) *float64 { return &c.Audio.BufferDuration }),
	floatVar("ANALYSIS_WINDOW", "audio.analysis_window", func(c *Config) *float64 { return &c.Audio.AnalysisWindow }),
	floatVar("CHUNK_DURATION", "audio.chunk_duration", func(c *Config) *float64 { return &c.Audio.ChunkDuration }),
	floatVar("PUBLISH_INTERVAL", "audio.publish_interval", func(c *Config) *float64 { return &c.Audio.PublishInterval }),
	floatVar("SILENCE_THRESHOLD", "audio.silence_threshold_db", func(c *Config) *float64 { return &c.Audio.SilenceThresholdDB }),

	stringVar("DEVICE_NAME", "device.name", func(c *Config) *string { return &c.Device.Name }),
	stringVar("DEVICE_ID", "device.id", func(c *Config) *string { return &c.Device.ID }),

	intVar("WEB_PORT", "system.port", func(c *Config) *int { return &c.System.Port }),
	stringVar("WEB_USERNAME", "system.username", func(c *Config) *string { return &c.System.Username }),
	stringVar("WEB_PASSWORD", "system.password", func(c *Config) *string { return &c.System.Password }),
	stringVar("EVENT_LOG_PATH", "system.event_log_path", func(c *Config) *string { return &c.System.EventLogPath }),

	stringVar("AMQP_URL", "amqp.url", func(c *Config) *string { return &c.AMQP.URL }),
	stringVar("AMQP_QUEUE_NAME", "amqp.queue_name", func(c *Config) *string { return &c.AMQP.QueueName }),

	boolVar("ALERT_ENABLED", "alert.enabled", func(c *Config) *bool { return &c.Alert.Enabled }),
	floatVar("ALERT_THRESHOLD", "alert.threshold_db", func(c *Config) *float64 { return &c.Alert.ThresholdDB }),
	int64Var("ALERT_DURATION_MS", "alert.duration_ms", func(c *Config) *int64 { return &c.Alert.DurationMs }),
	int64Var("ALERT_RECOVERY_MS", "alert.recovery_ms", func(c *Config) *int64 { return &c.Alert.RecoveryMs }),

	stringVar("WEBHOOK_URL", "notifications.webhook.url", func(c *Config) *string { return &c.Notifications.Webhook.URL }),
	stringVar("ALERT_LOG_PATH", "notifications.log.path", func(c *Config) *string { return &c.Notifications.Log.Path }),
	stringVar("GRAPH_TENANT_ID", "notifications.email.tenant_id", func(c *Config) *string { return &c.Notifications.Email.TenantID }),
	stringVar("GRAPH_CLIENT_ID", "notifications.email.client_id", func(c *Config) *string { return &c.Notifications.Email.ClientID }),
	stringVar("GRAPH_CLIENT_SECRET", "notifications.email.client_secret", func(c *Config) *string { return &c.Notifications.Email.ClientSecret }),
	stringVar("GRAPH_FROM_ADDRESS", "notifications.email.from_address", func(c *Config) *string { return &c.Notifications.Email.FromAddress }),
	stringVar("GRAPH_RECIPIENTS", "notifications.email.recipients", func(c *Config) *string { return &c.Notifications.Email.Recipients }),
	stringVar("ZABBIX_SERVER", "notifications.zabbix.server", func(c *Config) *string { return &c.Notifications.Zabbix.Server }),
	intVar("ZABBIX_PORT", "notifications.zabbix.port", func(c *Config) *int { return &c.Notifications.Zabbix.Port }),
	stringVar("ZABBIX_HOST", "notifications.zabbix.host", func(c *Config) *string { return &c.Notifications.Zabbix.Host }),
	stringVar("ZABBIX_KEY", "notifications.zabbix.key", func(c *Config) *string { return &c.Notifications.Zabbix.Key }),

	stringVar("S3_ENDPOINT", "archive.endpoint", func(c *Config) *string { return &c.Archive.Endpoint }),
	stringVar("S3_REGION", "archive.region", func(c *Config) *string { return &c.Archive.Region }),
	stringVar("S3_BUCKET", "archive.bucket", func(c *Config) *string { return &c.Archive.Bucket }),
	stringVar("S3_ACCESS_KEY_ID", "archive.access_key_id", func(c *Config) *string { return &c.Archive.AccessKeyID }),
	stringVar("S3_SECRET_ACCESS_KEY", "archive.secret_access_key", func(c *Config) *string { return &c.Archive.SecretAccessKey }),
	stringVar("S3_PREFIX", "archive.prefix", func(c *Config) *string { return &c.Archive.Prefix }),
	intVar("ARCHIVE_RETENTION_DAYS", "archive.retention_days", func(c *Config) *int { return &c.Archive.RetentionDays }),
}

// applyEnv overlays environment variables onto c. Unset variables leave the
// current value untouched; malformed values are reported together.
func (c *Config) applyEnv(lookup func(string) (string, bool)) error {
	verr := types.NewValidationError()
	for _, ev := range envVars {
		v, ok := lookup(ev.name)
		if !ok || strings.TrimSpace(v) == "" {
			continue
		}
		if err := ev.set(c, v); err != nil {
			verr.Add(ev.field, "invalid value in "+ev.name, v)
		}
	}
	if verr.HasErrors() {
		return verr
	}
	return nil
}
