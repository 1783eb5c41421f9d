// Package audio provides PCM decoding, level calculation and capture command
// construction for the noise meter.
package audio

import (
	"fmt"
	"strings"
)

// Format is a PCM sample encoding supported by the capture path.
// The value is the ALSA format keyword passed to arecord.
type Format string

// Supported capture formats, in default negotiation order.
const (
	// FormatS24LE is packed 24-bit signed little-endian (3 bytes per sample).
	FormatS24LE Format = "S24_3LE"
	// FormatS16LE is 16-bit signed little-endian (2 bytes per sample).
	FormatS16LE Format = "S16_LE"
)

// DefaultFormats is the candidate list tried during negotiation.
var DefaultFormats = []Format{FormatS24LE, FormatS16LE}

// BytesPerSample returns the size of one sample of a single channel.
func (f Format) BytesPerSample() int {
	switch f {
	case FormatS24LE:
		return 3
	case FormatS16LE:
		return 2
	default:
		return 0
	}
}

// FrameBytes returns the size of one interleaved frame of channels samples.
func (f Format) FrameBytes(channels int) int {
	return f.BytesPerSample() * max(channels, 1)
}

// IsValid reports whether f is one of the supported formats.
func (f Format) IsValid() bool {
	return f.BytesPerSample() > 0
}

// String returns the ALSA keyword.
func (f Format) String() string {
	return string(f)
}

// ParseFormat converts a format name into a Format. "S24_LE" and "S24" are
// accepted as aliases of the packed 24-bit format.
func ParseFormat(s string) (Format, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "S24_3LE", "S24_LE", "S24":
		return FormatS24LE, nil
	case "S16_LE", "S16":
		return FormatS16LE, nil
	default:
		return "", fmt.Errorf("unsupported audio format %q", s)
	}
}

// ParseFormats parses a list of format names, rejecting duplicates.
func ParseFormats(names []string) ([]Format, error) {
	formats := make([]Format, 0, len(names))
	seen := make(map[Format]bool, len(names))
	for _, name := range names {
		f, err := ParseFormat(name)
		if err != nil {
			return nil, err
		}
		if seen[f] {
			return nil, fmt.Errorf("duplicate audio format %q", name)
		}
		seen[f] = true
		formats = append(formats, f)
	}
	if len(formats) == 0 {
		return nil, fmt.Errorf("no audio formats configured")
	}
	return formats, nil
}
