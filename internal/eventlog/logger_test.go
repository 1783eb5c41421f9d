package eventlog

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/oszuidwest/zwfm-noisemeter/internal/types"
)

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	l, err := NewLogger(filepath.Join(t.TempDir(), "logs", "events.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = l.Close() })
	return l
}

func TestLoggerWritesJSONLines(t *testing.T) {
	l := newTestLogger(t)

	require.NoError(t, l.LogCapture(CaptureStarted, "abc", "capture started", CaptureDetails{Format: "S24_3LE"}))
	require.NoError(t, l.LogNoiseStart(-12.5, -20, 10000))
	require.NoError(t, l.LogMeasurement("abc", types.AnalysisResult{MinDB: -40, MaxDB: -20, AvgDB: -30, MedianDB: -31, Chunks: 100}))

	events, hasMore, err := ReadLast(l.Path(), 10, 0, FilterAll)
	require.NoError(t, err)
	assert.False(t, hasMore)
	require.Len(t, events, 3)

	assert.Equal(t, Measurement, events[0].Type)
	assert.Equal(t, NoiseStart, events[1].Type)
	assert.Equal(t, CaptureStarted, events[2].Type)
	assert.Equal(t, "abc", events[2].SessionID)

	var capture CaptureDetails
	require.NoError(t, json.Unmarshal(events[2].Details, &capture))
	assert.Equal(t, "S24_3LE", capture.Format)

	var result types.AnalysisResult
	require.NoError(t, json.Unmarshal(events[0].Details, &result))
	assert.InDelta(t, -30.0, result.AvgDB, 1e-9)
	assert.Equal(t, 100, result.Chunks)
}

func TestReadLastPaginationAndFilter(t *testing.T) {
	l := newTestLogger(t)
	for range 5 {
		require.NoError(t, l.LogCapture(CaptureRetry, "", "", CaptureDetails{RetryCount: 1}))
		require.NoError(t, l.LogNoiseEnd(-40, -20, 1000))
	}

	events, hasMore, err := ReadLast(l.Path(), 2, 0, FilterNoise)
	require.NoError(t, err)
	assert.True(t, hasMore)
	require.Len(t, events, 2)
	for _, e := range events {
		assert.Equal(t, NoiseEnd, e.Type)
	}

	events, hasMore, err = ReadLast(l.Path(), 2, 4, FilterNoise)
	require.NoError(t, err)
	assert.False(t, hasMore)
	assert.Len(t, events, 1)

	events, _, err = ReadLast(l.Path(), 100, 0, FilterCapture)
	require.NoError(t, err)
	assert.Len(t, events, 5)

	events, _, err = ReadLast(l.Path(), 100, 0, FilterMeasurement)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestReadLastSkipsMalformedLines(t *testing.T) {
	path := filepath.Join(t.TempDir(), "events.jsonl")
	content := `{"ts":"2026-01-01T00:00:00Z","type":"noise_start"}
not json
{"ts":"2026-01-01T00:01:00Z","type":"noise_end"}
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	events, _, err := ReadLast(path, 10, 0, FilterAll)
	require.NoError(t, err)
	require.Len(t, events, 2)
	assert.Equal(t, NoiseEnd, events[0].Type)
}

func TestReadLastMissingFile(t *testing.T) {
	events, hasMore, err := ReadLast(filepath.Join(t.TempDir(), "missing.jsonl"), 10, 0, FilterAll)
	require.NoError(t, err)
	assert.False(t, hasMore)
	assert.Empty(t, events)

	events, _, err = ReadLast("unused", 0, 0, FilterAll)
	require.NoError(t, err)
	assert.Empty(t, events)
}

func TestParseFilter(t *testing.T) {
	f, err := ParseFilter("noise")
	require.NoError(t, err)
	assert.Equal(t, FilterNoise, f)

	_, err = ParseFilter("recorder")
	assert.Error(t, err)
}
