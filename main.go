// Package main runs a noise meter that captures audio from an ALSA device,
// measures sound levels over a sliding window and publishes them to MQTT
// (with Home Assistant discovery), AMQP, S3 and Prometheus.
//
// Usage:
//
//	noisemeter [-config path/to/config.json] [-env-file .env] [-log-level info]
//
// Settings come from the built-in defaults, the optional JSON file, the
// dotenv file and the process environment, in that order.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/oszuidwest/zwfm-noisemeter/internal/analyzer"
	"github.com/oszuidwest/zwfm-noisemeter/internal/archive"
	"github.com/oszuidwest/zwfm-noisemeter/internal/audio"
	"github.com/oszuidwest/zwfm-noisemeter/internal/capture"
	"github.com/oszuidwest/zwfm-noisemeter/internal/config"
	"github.com/oszuidwest/zwfm-noisemeter/internal/eventlog"
	"github.com/oszuidwest/zwfm-noisemeter/internal/metrics"
	"github.com/oszuidwest/zwfm-noisemeter/internal/monitor"
	"github.com/oszuidwest/zwfm-noisemeter/internal/notify"
	"github.com/oszuidwest/zwfm-noisemeter/internal/publish"
	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

// shutdownTimeout bounds the graceful shutdown of all components.
const shutdownTimeout = 30 * time.Second

func main() {
	configPath := flag.String("config", "", "Path to JSON config file (optional)")
	envFile := flag.String("env-file", config.DefaultEnvFile, "Path to dotenv file (ignored when missing)")
	logLevel := flag.String("log-level", "", "Log level: debug, info, warn, error (default: $LOG_LEVEL or info)")
	showVersion := flag.Bool("version", false, "Print version information and exit")
	flag.Parse()

	if *showVersion {
		fmt.Printf("noisemeter %s (commit %s, built %s)\n", Version, Commit, BuildTime)
		return
	}

	if *logLevel == "" {
		*logLevel = os.Getenv("LOG_LEVEL")
	}
	level, err := parseLogLevel(*logLevel)
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(config.Options{FilePath: *configPath, EnvFile: *envFile})
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := run(cfg); err != nil {
		slog.Error("shutdown completed with errors", "error", err)
		os.Exit(1)
	}
}

// parseLogLevel maps a level name to a slog level.
func parseLogLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// run wires all components, serves until a shutdown signal arrives and
// then stops everything in reverse order.
func run(cfg *config.Config) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var closers []func(context.Context) error

	eventLogPath := cfg.System.EventLogPath
	if eventLogPath == "" {
		eventLogPath = eventlog.DefaultLogPath(cfg.System.Port)
	}
	var logger *eventlog.Logger
	if l, err := eventlog.NewLogger(eventLogPath); err != nil {
		slog.Warn("event log disabled", "path", eventLogPath, "error", err)
	} else {
		logger = l
		closers = append(closers, func(context.Context) error { return logger.Close() })
	}

	met := metrics.New()
	sinks := monitor.Sinks{EventLog: logger, Metrics: met}

	var publishers publish.Multi
	if cfg.MQTT.Enabled {
		mqttPub, err := publish.NewMQTT(cfg.MQTT, cfg.Device)
		if err != nil {
			slog.Error("mqtt publishing disabled", "error", err)
		} else {
			publishers = append(publishers, mqttPub)
		}
	}
	if cfg.HasAMQP() {
		publishers = append(publishers, publish.NewAMQP(cfg.AMQP, cfg.Device))
	}
	if len(publishers) > 0 {
		sinks.Publisher = publishers
	}

	if cfg.Alert.Enabled {
		notifier := notify.NewNoiseNotifier(notify.Settings{
			StationName: cfg.Device.Name,
			ThresholdDB: cfg.Alert.ThresholdDB,
			WebhookURL:  cfg.Notifications.Webhook.URL,
			LogPath:     cfg.Notifications.Log.Path,
			Graph:       cfg.Notifications.Email,
			Zabbix:      cfg.Notifications.Zabbix,
		})
		sinks.Notifier = notifier
		closers = append(closers, func(context.Context) error { notifier.Close(); return nil })
	}

	s3Client := archive.NewS3Client(cfg.Archive)
	if cfg.HasArchive() {
		archiver := archive.New(s3Client, archive.Config{
			Bucket:        cfg.Archive.Bucket,
			Prefix:        cfg.Archive.Prefix,
			DeviceID:      cfg.Device.ID,
			RetentionDays: cfg.Archive.RetentionDays,
		})
		sinks.Archive = archiver
		go archiver.RunCleanup(ctx)
		closers = append(closers, archiver.Close)
	}

	source := capture.NewArecordSource(audio.CaptureConfig{
		Device:     cfg.Audio.Device,
		Channels:   cfg.Audio.Channels,
		SampleRate: cfg.Audio.SampleRate,
	})
	mon := monitor.New(monitor.Config{
		SampleRate:      cfg.Audio.SampleRate,
		BufferSeconds:   cfg.Audio.BufferDuration,
		PublishInterval: cfg.PublishInterval(),
		Capture: capture.Config{
			Formats:  cfg.Formats(),
			Channels: cfg.Audio.Channels,
		},
		Analyzer: analyzer.Config{
			WindowSeconds:      cfg.Audio.AnalysisWindow,
			ChunkSeconds:       cfg.Audio.ChunkDuration,
			SilenceThresholdDB: cfg.Audio.SilenceThresholdDB,
		},
		AlertEnabled: cfg.Alert.Enabled,
		Alert: audio.AlertConfig{
			ThresholdDB: cfg.Alert.ThresholdDB,
			DurationMs:  cfg.Alert.DurationMs,
			RecoveryMs:  cfg.Alert.RecoveryMs,
		},
	}, source, sinks)

	version := NewVersionChecker(met)
	version.Start()
	srv := NewServer(cfg, mon, eventLogPath, met, version)
	registerTests(srv, cfg, s3Client)
	mon.OnResult(srv.BroadcastResult)

	slog.Info("starting noise meter",
		"device", cfg.Audio.Device,
		"device_id", cfg.Device.ID,
		"sample_rate", cfg.Audio.SampleRate,
		"channels", cfg.Audio.Channels,
		"formats", cfg.Formats(),
		"publish_interval", cfg.PublishInterval())
	if err := mon.Start(); err != nil {
		return util.WrapError("start monitor", err)
	}

	httpServer := srv.Start()

	sigCtx, stop := signal.NotifyContext(ctx, util.ShutdownSignals()...)
	defer stop()
	<-sigCtx.Done()

	slog.Info("shutting down")
	version.Stop()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	var errs []error
	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("http server: %w", err))
	}
	if err := mon.Stop(shutdownCtx); err != nil {
		errs = append(errs, fmt.Errorf("monitor: %w", err))
	}
	cancel()
	if err := publishers.Close(); err != nil {
		errs = append(errs, fmt.Errorf("publishers: %w", err))
	}
	for i := len(closers) - 1; i >= 0; i-- {
		if err := closers[i](shutdownCtx); err != nil {
			errs = append(errs, err)
		}
	}

	slog.Info("shutdown complete")
	return errors.Join(errs...)
}

// registerTests exposes connectivity tests for every configured channel.
func registerTests(srv *Server, cfg *config.Config, s3Client archive.ObjectStore) {
	station := cfg.Device.Name
	if cfg.HasWebhook() {
		srv.RegisterTest("webhook", func(context.Context) error {
			return notify.SendTestWebhook(cfg.Notifications.Webhook.URL, station)
		})
	}
	if cfg.HasGraph() {
		srv.RegisterTest("email", func(ctx context.Context) error {
			return notify.SendTestEmail(ctx, &cfg.Notifications.Email, station)
		})
	}
	if cfg.HasLogPath() {
		srv.RegisterTest("log", func(context.Context) error {
			return notify.WriteTestLog(cfg.Notifications.Log.Path)
		})
	}
	if cfg.HasZabbix() {
		srv.RegisterTest("zabbix", func(ctx context.Context) error {
			return notify.SendTestZabbix(ctx, cfg.Notifications.Zabbix)
		})
	}
	if cfg.HasArchive() {
		srv.RegisterTest("archive", func(ctx context.Context) error {
			return archive.TestS3Connection(ctx, s3Client, cfg.Archive.Bucket)
		})
	}
}
