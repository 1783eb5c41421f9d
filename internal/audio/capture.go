package audio

import (
	"strconv"
	"strings"
)

// Fixed ALSA buffer geometry, in frames.
const (
	CaptureBufferSize = 16384
	CapturePeriodSize = 4096
)

// DefaultDevice is used when no capture device is configured.
const DefaultDevice = "default"

// CaptureConfig describes one arecord invocation.
type CaptureConfig struct {
	// Command is the executable name (normally "arecord").
	Command string
	// Device is the ALSA PCM name (e.g., "default", "hw:1,0", "plughw:CARD=Mic").
	Device string
	// Channels is the number of interleaved channels to request.
	Channels int
	// SampleRate is the sample rate in Hz.
	SampleRate int
}

// Args returns the arecord arguments for capturing raw PCM in format f to stdout.
func (c CaptureConfig) Args(f Format) []string {
	return []string{
		"-D", NormalizeDevice(c.Device),
		"-f", f.String(),
		"-c", strconv.Itoa(c.Channels),
		"-r", strconv.Itoa(c.SampleRate),
		"-t", "raw",
		"--buffer-size=" + strconv.Itoa(CaptureBufferSize),
		"--period-size=" + strconv.Itoa(CapturePeriodSize),
		"-",
	}
}

// NormalizeDevice returns the ALSA PCM name for a configured device. An empty
// value selects the default device and a bare card index ("1") selects that
// card through the plug layer.
func NormalizeDevice(device string) string {
	device = strings.TrimSpace(device)
	if device == "" {
		return DefaultDevice
	}
	if _, err := strconv.Atoi(device); err == nil {
		return "plughw:" + device
	}
	return device
}

// unsupportedFormatMarkers are arecord diagnostics that mean the requested
// sample format cannot be negotiated with the device.
var unsupportedFormatMarkers = []string{
	"sample format non available",
	"format non available",
	"format not supported",
	"unsupported format",
	"invalid sample format",
}

// IsUnsupportedFormatLine reports whether a capture diagnostic line reports
// that the requested sample format is not available.
func IsUnsupportedFormatLine(line string) bool {
	lower := strings.ToLower(line)
	for _, marker := range unsupportedFormatMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// IsFormatDiagnostic reports whether a line belongs to arecord's format
// report ("Available formats:" and its "- S16_LE" list entries).
func IsFormatDiagnostic(line string) bool {
	trimmed := strings.TrimSpace(line)
	if IsUnsupportedFormatLine(trimmed) || strings.HasPrefix(strings.ToLower(trimmed), "available formats") {
		return true
	}
	if name, ok := strings.CutPrefix(trimmed, "- "); ok {
		_, err := ParseFormat(name)
		return err == nil || strings.ContainsAny(name, "_")
	}
	return false
}

// IsOverrunLine reports whether a capture diagnostic line reports an overrun.
func IsOverrunLine(line string) bool {
	return strings.Contains(strings.ToLower(line), "overrun")
}
