package audio

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestAlertDetector(t *testing.T) {
	cfg := AlertConfig{ThresholdDB: -20, DurationMs: 10000, RecoveryMs: 5000}
	d := NewAlertDetector()
	start := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)

	ev := d.Update(-10, cfg, start)
	assert.False(t, ev.InAlert)
	assert.False(t, ev.JustEntered)

	ev = d.Update(-10, cfg, start.Add(5*time.Second))
	assert.False(t, ev.InAlert)

	ev = d.Update(-10, cfg, start.Add(10*time.Second))
	assert.True(t, ev.InAlert)
	assert.True(t, ev.JustEntered)
	assert.Equal(t, int64(10000), ev.DurationMs)

	ev = d.Update(-10, cfg, start.Add(15*time.Second))
	assert.True(t, ev.InAlert)
	assert.False(t, ev.JustEntered)

	active, since := d.Active()
	assert.True(t, active)
	assert.Equal(t, start, since)

	// Quiet but not yet recovered.
	ev = d.Update(-40, cfg, start.Add(20*time.Second))
	assert.True(t, ev.InAlert)
	assert.False(t, ev.JustRecovered)

	ev = d.Update(-40, cfg, start.Add(25*time.Second))
	assert.False(t, ev.InAlert)
	assert.True(t, ev.JustRecovered)
	assert.Equal(t, int64(15000), ev.TotalDurationMs)

	active, _ = d.Active()
	assert.False(t, active)
}

func TestAlertDetectorShortBurst(t *testing.T) {
	cfg := AlertConfig{ThresholdDB: -20, DurationMs: 10000, RecoveryMs: 5000}
	d := NewAlertDetector()
	start := time.Now()

	d.Update(-10, cfg, start)
	d.Update(-30, cfg, start.Add(5*time.Second))
	ev := d.Update(-10, cfg, start.Add(11*time.Second))
	assert.False(t, ev.InAlert, "noise timer restarts after a quiet update")
}

func TestAlertDetectorThresholdIsExclusive(t *testing.T) {
	cfg := AlertConfig{ThresholdDB: -20, DurationMs: 0, RecoveryMs: 0}
	d := NewAlertDetector()
	ev := d.Update(-20, cfg, time.Now())
	assert.False(t, ev.InAlert)
}

func TestAlertDetectorReset(t *testing.T) {
	cfg := AlertConfig{ThresholdDB: -20}
	d := NewAlertDetector()
	d.Update(0, cfg, time.Now())
	active, _ := d.Active()
	assert.True(t, active)
	d.Reset()
	active, _ = d.Active()
	assert.False(t, active)
}
