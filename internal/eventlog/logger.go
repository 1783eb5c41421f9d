// Package eventlog provides the noise meter's event log.
// It records capture events (started, error, exit, retry, stopped), noise
// alert events (noise_start, noise_end) and measurements in a single JSON
// lines file.
package eventlog

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"sync"
	"time"

	"github.com/oszuidwest/zwfm-noisemeter/internal/types"
)

// EventType represents the type of event.
type EventType string

// Capture event types.
const (
	CaptureStarted EventType = "capture_started"
	CaptureError   EventType = "capture_error"
	CaptureExit    EventType = "capture_exit"
	CaptureRetry   EventType = "capture_retry"
	CaptureStopped EventType = "capture_stopped"
)

// Noise alert event types.
const (
	NoiseStart EventType = "noise_start"
	NoiseEnd   EventType = "noise_end"
)

// Measurement is logged for every published analysis result.
const Measurement EventType = "measurement"

// Event represents a single log entry with type-specific details.
type Event struct {
	Timestamp time.Time       `json:"ts"`
	Type      EventType       `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	Message   string          `json:"msg,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
}

// CaptureDetails contains capture-specific event details.
type CaptureDetails struct {
	Format     string `json:"format,omitempty"`
	Error      string `json:"error,omitempty"`
	RetryCount int    `json:"retry,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

// NoiseDetails contains noise-alert-specific event details.
type NoiseDetails struct {
	LevelDB     float64 `json:"level_db"`
	ThresholdDB float64 `json:"threshold_db"`
	DurationMs  int64   `json:"duration_ms,omitempty"`
}

// Logger writes events to a JSON lines file.
type Logger struct {
	mu       sync.Mutex
	filePath string
	file     *os.File
	encoder  *json.Encoder
}

// DefaultLogPath returns the platform-specific log file path.
func DefaultLogPath(port int) string {
	switch runtime.GOOS {
	case "windows":
		programData := os.Getenv("PROGRAMDATA")
		if programData == "" {
			programData = `C:\ProgramData`
		}
		return filepath.Join(programData, "noisemeter", "logs", strconv.Itoa(port), "noisemeter.jsonl")
	default: // linux, darwin
		//nolint:gocritic // Intentional absolute path for Unix systems
		return filepath.Join("/var/log/noisemeter", strconv.Itoa(port), "noisemeter.jsonl")
	}
}

// NewLogger creates a new event logger at the specified path.
func NewLogger(filePath string) (*Logger, error) {
	dir := filepath.Dir(filePath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}

	file, err := os.OpenFile(filePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}

	return &Logger{
		filePath: filePath,
		file:     file,
		encoder:  json.NewEncoder(file),
	}, nil
}

// Log writes an event to the log file.
func (l *Logger) Log(event *Event) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now()
	}

	return l.encoder.Encode(event)
}

// logDetails marshals details and writes the event.
func (l *Logger) logDetails(eventType EventType, sessionID, message string, details any) error {
	raw, err := json.Marshal(details)
	if err != nil {
		return fmt.Errorf("encode event details: %w", err)
	}
	return l.Log(&Event{
		Timestamp: time.Now(),
		Type:      eventType,
		SessionID: sessionID,
		Message:   message,
		Details:   raw,
	})
}

// LogCapture logs a capture event.
func (l *Logger) LogCapture(eventType EventType, sessionID, message string, details CaptureDetails) error {
	return l.logDetails(eventType, sessionID, message, &details)
}

// LogNoiseStart logs the start of a noise alert.
func (l *Logger) LogNoiseStart(level, threshold float64, durationMs int64) error {
	return l.logDetails(NoiseStart, "", "", &NoiseDetails{
		LevelDB:     level,
		ThresholdDB: threshold,
		DurationMs:  durationMs,
	})
}

// LogNoiseEnd logs the end of a noise alert.
func (l *Logger) LogNoiseEnd(level, threshold float64, durationMs int64) error {
	return l.logDetails(NoiseEnd, "", "", &NoiseDetails{
		LevelDB:     level,
		ThresholdDB: threshold,
		DurationMs:  durationMs,
	})
}

// LogMeasurement logs a published analysis result.
func (l *Logger) LogMeasurement(sessionID string, result types.AnalysisResult) error {
	return l.logDetails(Measurement, sessionID, "", &result)
}

// Close closes the log file.
func (l *Logger) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file != nil {
		return l.file.Close()
	}
	return nil
}

// Path returns the path to the log file.
func (l *Logger) Path() string {
	return l.filePath
}

// TypeFilter specifies which event types to include when reading.
type TypeFilter string

// Filter constants for ReadLast.
const (
	FilterAll         TypeFilter = ""
	FilterCapture     TypeFilter = "capture"
	FilterNoise       TypeFilter = "noise"
	FilterMeasurement TypeFilter = "measurement"
)

// ParseFilter validates a filter name from a request.
func ParseFilter(s string) (TypeFilter, error) {
	switch f := TypeFilter(s); f {
	case FilterAll, FilterCapture, FilterNoise, FilterMeasurement:
		return f, nil
	default:
		return FilterAll, fmt.Errorf("unknown event filter %q", s)
	}
}

// Matches reports whether an event type passes the filter.
func (f TypeFilter) Matches(t EventType) bool {
	switch f {
	case FilterCapture:
		return IsCaptureEvent(t)
	case FilterNoise:
		return IsNoiseEvent(t)
	case FilterMeasurement:
		return t == Measurement
	default:
		return true
	}
}

// MaxReadLimit is the maximum number of events that can be read at once.
const MaxReadLimit = 500

// ReadLast reads events from the log file with pagination support.
// Returns up to n events starting from offset, filtered by type, newest
// first, and whether older matching events exist. n is capped at MaxReadLimit.
func ReadLast(filePath string, n, offset int, filter TypeFilter) ([]Event, bool, error) {
	n = min(n, MaxReadLimit)
	if n <= 0 {
		return []Event{}, false, nil
	}
	offset = max(offset, 0)

	file, err := os.Open(filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return []Event{}, false, nil
		}
		return nil, false, err
	}
	defer file.Close() //nolint:errcheck // Read-only operation, close error not critical

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, false, err
	}

	events := make([]Event, 0, n)
	skipped := 0
	for i := len(lines) - 1; i >= 0; i-- {
		var event Event
		if err := json.Unmarshal([]byte(lines[i]), &event); err != nil {
			continue // Skip malformed lines
		}
		if !filter.Matches(event.Type) {
			continue
		}
		if skipped < offset {
			skipped++
			continue
		}
		if len(events) == n {
			return events, true, nil
		}
		events = append(events, event)
	}

	return events, false, nil
}

// IsCaptureEvent returns true if the event type is a capture event.
func IsCaptureEvent(t EventType) bool {
	return t == CaptureStarted || t == CaptureError || t == CaptureExit || t == CaptureRetry || t == CaptureStopped
}

// IsNoiseEvent returns true if the event type is a noise alert event.
func IsNoiseEvent(t EventType) bool {
	return t == NoiseStart || t == NoiseEnd
}
