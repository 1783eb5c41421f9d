package notify

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/oszuidwest/zwfm-noisemeter/internal/util"
)

// LogEntry is one line of the noise alert log file.
type LogEntry struct {
	Timestamp   string  `json:"timestamp"`
	Event       string  `json:"event"`
	Device      string  `json:"device,omitempty"`
	LevelDB     float64 `json:"level_db"`
	ThresholdDB float64 `json:"threshold_db"`
	DurationMs  int64   `json:"duration_ms,omitempty"`
}

// LogNoiseStart records the beginning of a noise episode.
func LogNoiseStart(logPath, device string, level, threshold float64, durationMs int64) error {
	return appendLogEntry(logPath, &LogEntry{
		Timestamp:   timestampUTC(),
		Event:       "noise_start",
		Device:      device,
		LevelDB:     level,
		ThresholdDB: threshold,
		DurationMs:  durationMs,
	})
}

// LogNoiseEnd records the end of a noise episode.
func LogNoiseEnd(logPath, device string, level, threshold float64, durationMs int64) error {
	return appendLogEntry(logPath, &LogEntry{
		Timestamp:   timestampUTC(),
		Event:       "noise_end",
		Device:      device,
		LevelDB:     level,
		ThresholdDB: threshold,
		DurationMs:  durationMs,
	})
}

// WriteTestLog writes a test log entry.
func WriteTestLog(logPath string) error {
	if logPath == "" {
		return fmt.Errorf("log file path not configured")
	}

	return appendLogEntry(logPath, &LogEntry{
		Timestamp: timestampUTC(),
		Event:     "test",
	})
}

// appendLogEntry appends a log entry to the file.
func appendLogEntry(logPath string, entry *LogEntry) error {
	if !util.IsConfigured(logPath) {
		return nil
	}

	jsonData, err := json.Marshal(entry)
	if err != nil {
		return util.WrapError("marshal log entry", err)
	}

	f, err := os.OpenFile(logPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return util.WrapError("open log file", err)
	}
	defer util.SafeCloseFunc(f, "log file")()

	if _, err := f.Write(append(jsonData, '\n')); err != nil {
		return util.WrapError("write log entry", err)
	}

	return nil
}
