// Package analyzer computes noise level statistics over the most recent
// window of captured audio.
package analyzer

import (
	"log/slog"
	"time"

	"github.com/oszuidwest/zwfm-noisemeter/internal/audio"
	"github.com/oszuidwest/zwfm-noisemeter/internal/ringbuffer"
	"github.com/oszuidwest/zwfm-noisemeter/internal/types"
)

const (
	// DefaultWindowSeconds is the length of audio analyzed per result.
	DefaultWindowSeconds = 10.0
	// DefaultChunkSeconds is the length of each level measurement within the window.
	DefaultChunkSeconds = 0.1
)

// Config holds analyzer settings.
type Config struct {
	WindowSeconds      float64
	ChunkSeconds       float64
	SilenceThresholdDB float64
}

// Analyzer reads from a ring buffer and produces AnalysisResults.
// Analyze may be called from any goroutine.
type Analyzer struct {
	buffer ringbuffer.SampleReader
	cfg    Config
	now    func() time.Time
}

// New creates an analyzer. Zero config values fall back to the defaults.
func New(buffer ringbuffer.SampleReader, cfg Config) *Analyzer {
	if cfg.WindowSeconds <= 0 {
		cfg.WindowSeconds = DefaultWindowSeconds
	}
	if cfg.ChunkSeconds <= 0 {
		cfg.ChunkSeconds = DefaultChunkSeconds
	}
	if cfg.SilenceThresholdDB == 0 {
		cfg.SilenceThresholdDB = audio.DefaultSilenceThresholdDB
	}
	return &Analyzer{buffer: buffer, cfg: cfg, now: time.Now}
}

// WindowSamples returns the number of samples in a full analysis window.
func (a *Analyzer) WindowSamples() int {
	return int(float64(a.buffer.SampleRate()) * a.cfg.WindowSeconds)
}

// Analyze computes statistics over the most recent window. It reports false
// when capture is not healthy, the window is empty or silent, or no chunk is
// above the silence threshold.
func (a *Analyzer) Analyze() (result types.AnalysisResult, ok bool) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic in noise analysis", "panic", r)
			result, ok = types.AnalysisResult{}, false
		}
	}()

	if !a.buffer.IsHealthy() {
		return types.AnalysisResult{}, false
	}

	samples := a.buffer.ReadRecent(a.cfg.WindowSeconds)
	if len(samples) == 0 {
		return types.AnalysisResult{}, false
	}

	windowDB := audio.LevelDB(samples)
	if windowDB <= a.cfg.SilenceThresholdDB {
		slog.Debug("window below silence threshold", "level_db", windowDB, "threshold_db", a.cfg.SilenceThresholdDB)
		return types.AnalysisResult{}, false
	}

	levels := a.chunkLevels(samples)
	if len(levels) == 0 {
		slog.Debug("no chunks above silence threshold", "samples", len(samples))
		return types.AnalysisResult{}, false
	}

	minDB, maxDB := levels[0], levels[0]
	for _, l := range levels[1:] {
		minDB = min(minDB, l)
		maxDB = max(maxDB, l)
	}

	sampleRate := a.buffer.SampleRate()
	return types.AnalysisResult{
		MinDB:           minDB,
		MaxDB:           maxDB,
		AvgDB:           windowDB,
		MedianDB:        audio.Median(levels),
		DurationSeconds: float64(len(samples)) / float64(sampleRate),
		Overruns:        a.buffer.Overruns(),
		Chunks:          len(levels),
		Timestamp:       a.now(),
	}, true
}

// chunkLevels returns the levels of the chunks above the silence threshold.
// A trailing partial chunk counts only if it is at least half a chunk long.
func (a *Analyzer) chunkLevels(samples []float32) []float64 {
	chunk := max(int(float64(a.buffer.SampleRate())*a.cfg.ChunkSeconds), 1)
	levels := make([]float64, 0, len(samples)/chunk+1)

	for start := 0; start < len(samples); start += chunk {
		end := min(start+chunk, len(samples))
		if end-start < chunk/2 {
			break
		}
		level := audio.LevelDB(samples[start:end])
		if level <= a.cfg.SilenceThresholdDB {
			continue
		}
		levels = append(levels, level)
	}
	return levels
}
