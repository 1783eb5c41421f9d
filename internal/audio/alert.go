package audio

import (
	"sync"
	"time"
)

// AlertConfig holds the configurable thresholds for noise alerting.
type AlertConfig struct {
	ThresholdDB float64 // dB level above which the environment is considered loud
	DurationMs  int64   // milliseconds of noise before triggering
	RecoveryMs  int64   // milliseconds below threshold before considering recovered
}

// AlertEvent represents the result of a noise alert update.
type AlertEvent struct {
	// Current state
	InAlert    bool    // Currently in confirmed noise state
	DurationMs int64   // Current noise duration in ms (0 if not loud)
	LevelDB    float64 // Level that was evaluated

	// State transitions (for triggering notifications)
	JustEntered     bool  // True on the update when noise is first confirmed
	JustRecovered   bool  // True on the update when recovery completes
	TotalDurationMs int64 // Total noise duration in ms (only set when JustRecovered)
}

// AlertDetector tracks sustained noise and generates alert events.
// It is safe for concurrent use.
type AlertDetector struct {
	mu              sync.Mutex
	noiseStart      time.Time // when current loud period started
	recoveryStart   time.Time // when level dropped after noise
	inAlert         bool
	noiseDurationMs int64
}

// NewAlertDetector creates a new noise alert detector.
func NewAlertDetector() *AlertDetector {
	return &AlertDetector{}
}

// Update feeds one measured level and returns the resulting alert state.
func (d *AlertDetector) Update(levelDB float64, cfg AlertConfig, now time.Time) AlertEvent {
	d.mu.Lock()
	defer d.mu.Unlock()

	event := AlertEvent{LevelDB: levelDB}

	if levelDB > cfg.ThresholdDB {
		d.recoveryStart = time.Time{}

		if d.noiseStart.IsZero() {
			d.noiseStart = now
		}

		noiseDurationMs := now.Sub(d.noiseStart).Milliseconds()
		d.noiseDurationMs = noiseDurationMs

		if d.inAlert {
			event.InAlert = true
			event.DurationMs = noiseDurationMs
		} else if noiseDurationMs >= cfg.DurationMs {
			d.inAlert = true
			event.InAlert = true
			event.DurationMs = noiseDurationMs
			event.JustEntered = true
		}
		return event
	}

	// Below threshold: keep the noise start while recovering.
	if !d.inAlert {
		d.noiseStart = time.Time{}
		return event
	}

	if d.recoveryStart.IsZero() {
		d.recoveryStart = now
	}

	if now.Sub(d.recoveryStart).Milliseconds() >= cfg.RecoveryMs {
		event.JustRecovered = true
		event.TotalDurationMs = d.noiseDurationMs

		d.inAlert = false
		d.noiseDurationMs = 0
		d.noiseStart = time.Time{}
		d.recoveryStart = time.Time{}
	} else {
		event.InAlert = true
	}

	return event
}

// Active reports whether a noise alert is currently confirmed and since when.
func (d *AlertDetector) Active() (bool, time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.inAlert, d.noiseStart
}

// Reset clears the alert state.
func (d *AlertDetector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.noiseStart = time.Time{}
	d.recoveryStart = time.Time{}
	d.inAlert = false
	d.noiseDurationMs = 0
}
