package audio

import "encoding/binary"

const (
	// scale16 normalizes 16-bit samples to [-1.0, 1.0).
	scale16 = 32768.0
	// scale24 normalizes 24-bit samples to [-1.0, 1.0).
	scale24 = 8388608.0
)

// Decode converts raw PCM bytes into normalized samples, one per encoded
// sample. Trailing bytes that do not form a whole sample are dropped.
func Decode(raw []byte, f Format) []float32 {
	bps := f.BytesPerSample()
	if bps == 0 {
		return nil
	}
	return DecodeInto(make([]float32, 0, len(raw)/bps), raw, f)
}

// DecodeInto appends the decoded samples of raw to dst and returns the
// extended slice.
func DecodeInto(dst []float32, raw []byte, f Format) []float32 {
	switch f {
	case FormatS24LE:
		for i := 0; i+2 < len(raw); i += 3 {
			dst = append(dst, float32(float64(int24(raw[i:i+3]))/scale24))
		}
	case FormatS16LE:
		for i := 0; i+1 < len(raw); i += 2 {
			v := int16(binary.LittleEndian.Uint16(raw[i:]))
			dst = append(dst, float32(float64(v)/scale16))
		}
	}
	return dst
}

// int24 assembles a packed little-endian 24-bit sample with sign extension.
func int24(b []byte) int32 {
	v := uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16
	if v&0x800000 != 0 {
		v |= 0xFF000000
	}
	return int32(v) //nolint:gosec // Deliberate two's complement reinterpretation
}

// Downmix converts interleaved frames to mono in place and returns the
// shortened slice. Two or more channels are reduced to the mean of the first
// two; incomplete trailing frames are dropped.
func Downmix(samples []float32, channels int) []float32 {
	if channels <= 1 {
		return samples
	}
	frames := len(samples) / channels
	for i := range frames {
		base := i * channels
		samples[i] = (samples[base] + samples[base+1]) * 0.5
	}
	return samples[:frames]
}
