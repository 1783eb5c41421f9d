// Package monitor runs the noise meter: it supervises audio capture,
// analyzes the ring buffer on a fixed interval and hands each result to the
// configured sinks.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-noisemeter/internal/analyzer"
	"github.com/oszuidwest/zwfm-noisemeter/internal/archive"
	"github.com/oszuidwest/zwfm-noisemeter/internal/audio"
	"github.com/oszuidwest/zwfm-noisemeter/internal/capture"
	"github.com/oszuidwest/zwfm-noisemeter/internal/eventlog"
	"github.com/oszuidwest/zwfm-noisemeter/internal/metrics"
	"github.com/oszuidwest/zwfm-noisemeter/internal/notify"
	"github.com/oszuidwest/zwfm-noisemeter/internal/publish"
	"github.com/oszuidwest/zwfm-noisemeter/internal/ringbuffer"
	"github.com/oszuidwest/zwfm-noisemeter/internal/types"
	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

// ErrAlreadyRunning is returned by Start while the monitor is active.
var ErrAlreadyRunning = errors.New("monitor already running")

// publishTimeout bounds the delivery of one result to the publishers.
const publishTimeout = 5 * time.Second

// Config holds monitor settings.
type Config struct {
	SampleRate      int
	BufferSeconds   float64
	PublishInterval time.Duration

	Capture  capture.Config
	Analyzer analyzer.Config

	AlertEnabled bool
	Alert        audio.AlertConfig

	// Restart policy after an unexpected capture exit. Zero values use the
	// defaults from the types package.
	RetryDelay       time.Duration
	MaxRetryDelay    time.Duration
	MaxRetries       int
	SuccessThreshold time.Duration
}

// Sinks receive analysis results. Nil sinks are skipped.
type Sinks struct {
	Publisher publish.Publisher
	Notifier  *notify.NoiseNotifier
	EventLog  *eventlog.Logger
	Archive   *archive.Archiver
	Metrics   *metrics.Metrics
}

// ResultCallback is called with every published result.
type ResultCallback func(types.AnalysisResult)

// Monitor owns the ring buffer, the capture worker and the analyzer.
type Monitor struct {
	cfg      Config
	buffer   *ringbuffer.Buffer
	worker   *capture.Worker
	analyzer *analyzer.Analyzer
	detector *audio.AlertDetector
	sinks    Sinks
	backoff  *util.Backoff

	mu         sync.RWMutex
	state      types.MonitorState
	lastError  string
	lastResult *types.AnalysisResult
	onResult   ResultCallback
	stopChan   chan struct{}
	done       chan struct{}
}

// New creates a stopped monitor reading from source.
func New(cfg Config, source capture.Source, sinks Sinks) *Monitor {
	if cfg.PublishInterval <= 0 {
		cfg.PublishInterval = 5 * time.Second
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = types.InitialRetryDelay
	}
	if cfg.MaxRetryDelay <= 0 {
		cfg.MaxRetryDelay = types.MaxRetryDelay
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = types.MaxRetries
	}
	if cfg.SuccessThreshold <= 0 {
		cfg.SuccessThreshold = types.SuccessThreshold
	}

	buffer := ringbuffer.New(cfg.SampleRate, cfg.BufferSeconds)
	return &Monitor{
		cfg:      cfg,
		buffer:   buffer,
		worker:   capture.NewWorker(source, buffer, cfg.Capture),
		analyzer: analyzer.New(buffer, cfg.Analyzer),
		detector: audio.NewAlertDetector(),
		sinks:    sinks,
		backoff:  util.NewBackoff(cfg.RetryDelay, cfg.MaxRetryDelay),
		state:    types.StateStopped,
	}
}

// OnResult registers a callback for every published result.
func (m *Monitor) OnResult(fn ResultCallback) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onResult = fn
}

// State returns the current monitor state.
func (m *Monitor) State() types.MonitorState {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// LastResult returns the most recent result, if any.
func (m *Monitor) LastResult() (types.AnalysisResult, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.lastResult == nil {
		return types.AnalysisResult{}, false
	}
	return *m.lastResult, true
}

// Status returns a summary of the monitor's current state.
func (m *Monitor) Status() types.MonitorStatus {
	m.mu.RLock()
	status := types.MonitorStatus{
		State:      m.state,
		LastError:  m.lastError,
		RetryCount: m.backoff.Attempts(),
		MaxRetries: m.cfg.MaxRetries,
		LastResult: m.lastResult,
	}
	m.mu.RUnlock()

	if status.State == types.StateRunning || status.State == types.StateWarmingUp {
		status.Format = m.worker.Format().String()
		if started := m.worker.StartedAt(); !started.IsZero() {
			status.Uptime = time.Since(started).Truncate(time.Second).String()
		}
	}
	status.SessionID = m.worker.SessionID()
	status.Overruns = m.buffer.Overruns()
	status.BufferFill = m.buffer.Fill()

	if active, since := m.detector.Active(); active {
		status.NoiseAlert = true
		status.AlertSinceMs = time.Since(since).Milliseconds()
	}
	return status
}

// Start begins capture and analysis.
func (m *Monitor) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.state != types.StateStopped && m.state != types.StateFailed {
		return ErrAlreadyRunning
	}

	m.state = types.StateStarting
	m.lastError = ""
	m.stopChan = make(chan struct{})
	m.done = make(chan struct{})
	m.backoff.Reset()
	m.detector.Reset()
	if m.sinks.Notifier != nil {
		m.sinks.Notifier.Reset()
	}

	go m.run(m.stopChan, m.done)
	return nil
}

// Stop ends capture and analysis and waits for the loop to exit.
func (m *Monitor) Stop(ctx context.Context) error {
	m.mu.Lock()
	if m.state == types.StateStopping || m.stopChan == nil {
		m.mu.Unlock()
		return nil
	}
	m.state = types.StateStopping
	stopChan, done := m.stopChan, m.done
	m.stopChan = nil
	m.mu.Unlock()

	close(stopChan)

	var errs []error
	select {
	case <-done:
	case <-ctx.Done():
		errs = append(errs, fmt.Errorf("monitor loop: %w", ctx.Err()))
	}

	if err := m.worker.Shutdown(ctx); err != nil {
		errs = append(errs, err)
	}

	m.logCapture(eventlog.CaptureStopped, m.worker.SessionID(), "capture stopped", eventlog.CaptureDetails{})
	m.setCaptureRunning(false)

	m.mu.Lock()
	m.state = types.StateStopped
	m.mu.Unlock()

	slog.Info("monitor stopped")
	return errors.Join(errs...)
}

// run starts capture sessions and restarts them after unexpected exits.
func (m *Monitor) run(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)

	for {
		events, err := m.worker.Start()
		if err != nil {
			m.fail(fmt.Sprintf("start capture: %v", err))
			return
		}

		exited, message := m.supervise(stop, events)
		if !exited {
			return
		}

		runDuration := time.Duration(0)
		if started := m.worker.StartedAt(); !started.IsZero() {
			runDuration = time.Since(started)
		}

		if runDuration >= m.cfg.SuccessThreshold {
			m.backoff.Reset()
		}
		failures := m.backoff.Attempts() + 1

		m.mu.Lock()
		m.lastError = message
		m.mu.Unlock()

		if failures >= m.cfg.MaxRetries {
			slog.Error("audio capture failed, giving up", "attempts", m.cfg.MaxRetries)
			m.fail(fmt.Sprintf("Stopped after %d failed attempts: %s", m.cfg.MaxRetries, message))
			return
		}

		m.mu.Lock()
		if m.state == types.StateStopping {
			m.mu.Unlock()
			return
		}
		m.state = types.StateStarting
		m.mu.Unlock()

		slog.Info("capture stopped, waiting before restart",
			"delay", m.backoff.Current(), "attempt", failures+1, "max_retries", m.cfg.MaxRetries)
		m.logCapture(eventlog.CaptureRetry, m.worker.SessionID(), "restarting capture", eventlog.CaptureDetails{
			Error:      message,
			RetryCount: failures,
			MaxRetries: m.cfg.MaxRetries,
		})

		if !m.backoff.Wait(stop) {
			return
		}

		if m.sinks.Metrics != nil {
			m.sinks.Metrics.CaptureRestarts.Inc()
		}
	}
}

// supervise handles one capture session. It polls the analyzer while audio
// is flowing and returns true with a message when the session ended by an
// unexpected exit that should be retried.
func (m *Monitor) supervise(stop <-chan struct{}, events <-chan capture.Event) (bool, string) {
	ticker := time.NewTicker(m.cfg.PublishInterval)
	defer ticker.Stop()

	var exitMessage string
	exited := false

	for {
		select {
		case <-stop:
			return false, ""

		case ev, ok := <-events:
			if !ok {
				if exited {
					return true, exitMessage
				}
				// The session ended without a terminal event: a fatal error
				// was already reported or shutdown is in progress.
				return false, ""
			}
			switch ev.Kind {
			case capture.EventStarted:
				m.handleStarted(ev)
			case capture.EventError:
				m.logCapture(eventlog.CaptureError, ev.SessionID, "capture failed", eventlog.CaptureDetails{
					Format: ev.Format.String(),
					Error:  ev.Message,
				})
				m.fail(ev.Message)
			case capture.EventExit:
				m.logCapture(eventlog.CaptureExit, ev.SessionID, "capture exited", eventlog.CaptureDetails{
					Format: ev.Format.String(),
					Error:  ev.Message,
				})
				m.setCaptureRunning(false)
				exited = true
				exitMessage = ev.Message
			}

		case <-ticker.C:
			m.poll()
		}
	}
}

func (m *Monitor) handleStarted(ev capture.Event) {
	m.mu.Lock()
	if m.state == types.StateStarting {
		m.state = types.StateWarmingUp
	}
	m.lastError = ""
	m.mu.Unlock()

	m.setCaptureRunning(true)
	m.logCapture(eventlog.CaptureStarted, ev.SessionID, "capture started", eventlog.CaptureDetails{
		Format: ev.Format.String(),
	})
}

// fail records a fatal capture error.
func (m *Monitor) fail(message string) {
	m.mu.Lock()
	if m.state != types.StateStopping {
		m.state = types.StateFailed
	}
	m.lastError = message
	m.mu.Unlock()
	m.setCaptureRunning(false)
	slog.Error("audio capture failed", "error", message)
}

// poll runs one analysis cycle.
func (m *Monitor) poll() {
	if m.worker.State() != capture.StateRunning {
		return
	}

	if m.sinks.Metrics != nil {
		m.sinks.Metrics.BufferFill.Set(m.buffer.Fill())
	}

	m.mu.Lock()
	if m.state == types.StateWarmingUp {
		// Only audio of the current session may fill the window.
		if m.worker.SessionSamples() < uint64(m.analyzer.WindowSamples()) {
			m.mu.Unlock()
			return
		}
		m.state = types.StateRunning
		slog.Info("analysis window filled, publishing results")
	}
	running := m.state == types.StateRunning
	m.mu.Unlock()
	if !running {
		return
	}

	result, ok := m.analyzer.Analyze()
	if !ok {
		if m.sinks.Metrics != nil {
			m.sinks.Metrics.SkippedWindows.Inc()
		}
		return
	}

	m.mu.Lock()
	m.lastResult = &result
	onResult := m.onResult
	m.mu.Unlock()

	m.deliver(result)

	if onResult != nil {
		onResult(result)
	}
}

// deliver hands result to every configured sink. Failures are logged.
func (m *Monitor) deliver(result types.AnalysisResult) {
	sessionID := m.worker.SessionID()

	if m.sinks.Metrics != nil {
		m.sinks.Metrics.RecordResult(result)
	}

	if m.sinks.Publisher != nil {
		ctx, cancel := context.WithTimeout(context.Background(), publishTimeout)
		if err := m.sinks.Publisher.Publish(ctx, result); err != nil {
			slog.Warn("failed to publish result", "error", err)
			if m.sinks.Metrics != nil {
				m.sinks.Metrics.PublishErrors.WithLabelValues(m.sinks.Publisher.Name()).Inc()
			}
		}
		cancel()
	}

	if m.cfg.AlertEnabled {
		m.updateAlert(result)
	}

	if m.sinks.EventLog != nil {
		if err := m.sinks.EventLog.LogMeasurement(sessionID, result); err != nil {
			slog.Warn("failed to log measurement", "error", err)
		}
	}

	if m.sinks.Archive != nil {
		if err := m.sinks.Archive.Add(result); err != nil {
			slog.Warn("failed to archive measurement", "error", err)
			if m.sinks.Metrics != nil {
				m.sinks.Metrics.PublishErrors.WithLabelValues("archive").Inc()
			}
		}
	}
}

// updateAlert feeds the window level to the noise alert detector.
func (m *Monitor) updateAlert(result types.AnalysisResult) {
	ev := m.detector.Update(result.AvgDB, m.cfg.Alert, result.Timestamp)

	if m.sinks.Metrics != nil {
		m.sinks.Metrics.SetNoiseAlert(ev.InAlert)
	}
	if m.sinks.Notifier != nil {
		m.sinks.Notifier.HandleEvent(ev)
	}

	if ev.JustEntered {
		slog.Warn("noise alert", "level_db", ev.LevelDB, "threshold_db", m.cfg.Alert.ThresholdDB, "duration_ms", ev.DurationMs)
		if m.sinks.EventLog != nil {
			if err := m.sinks.EventLog.LogNoiseStart(ev.LevelDB, m.cfg.Alert.ThresholdDB, ev.DurationMs); err != nil {
				slog.Warn("failed to log noise start", "error", err)
			}
		}
	}
	if ev.JustRecovered {
		slog.Info("noise alert recovered", "level_db", ev.LevelDB, "duration_ms", ev.TotalDurationMs)
		if m.sinks.EventLog != nil {
			if err := m.sinks.EventLog.LogNoiseEnd(ev.LevelDB, m.cfg.Alert.ThresholdDB, ev.TotalDurationMs); err != nil {
				slog.Warn("failed to log noise end", "error", err)
			}
		}
	}
}

func (m *Monitor) logCapture(eventType eventlog.EventType, sessionID, message string, details eventlog.CaptureDetails) {
	if m.sinks.EventLog == nil {
		return
	}
	if err := m.sinks.EventLog.LogCapture(eventType, sessionID, message, details); err != nil {
		slog.Warn("failed to log capture event", "type", eventType, "error", err)
	}
}

func (m *Monitor) setCaptureRunning(running bool) {
	if m.sinks.Metrics != nil {
		m.sinks.Metrics.SetCaptureRunning(running)
	}
}
