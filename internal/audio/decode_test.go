package audio

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDecode16(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want []float32
	}{
		{"most negative", []byte{0x00, 0x80}, []float32{-1.0}},
		{"most positive", []byte{0xFF, 0x7F}, []float32{32767.0 / 32768.0}},
		{"zero", []byte{0x00, 0x00}, []float32{0}},
		{"minus one lsb", []byte{0xFF, 0xFF}, []float32{-1.0 / 32768.0}},
		{"trailing byte dropped", []byte{0x00, 0x40, 0x12}, []float32{0.5}},
		{"empty", nil, []float32{}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decode(tt.raw, FormatS16LE))
		})
	}
}

func TestDecode24(t *testing.T) {
	tests := []struct {
		name string
		raw  []byte
		want []float32
	}{
		{"most negative", []byte{0x00, 0x00, 0x80}, []float32{-1.0}},
		{"most positive", []byte{0xFF, 0xFF, 0x7F}, []float32{8388607.0 / 8388608.0}},
		{"sign extension", []byte{0xFF, 0xFF, 0xFF}, []float32{-1.0 / 8388608.0}},
		{"half scale", []byte{0x00, 0x00, 0x40}, []float32{0.5}},
		{"partial sample dropped", []byte{0x00, 0x00, 0xC0, 0x01, 0x02}, []float32{-0.5}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Decode(tt.raw, FormatS24LE))
		})
	}
}

func TestDecodeUnknownFormat(t *testing.T) {
	assert.Nil(t, Decode([]byte{1, 2, 3, 4}, Format("F32_LE")))
}

func TestDecodeIntoAppends(t *testing.T) {
	dst := []float32{0.25}
	dst = DecodeInto(dst, []byte{0x00, 0x80, 0x00, 0x40}, FormatS16LE)
	assert.Equal(t, []float32{0.25, -1.0, 0.5}, dst)
}

func TestDecodeRange(t *testing.T) {
	raw := make([]byte, 0, 3*256)
	for i := range 256 {
		raw = append(raw, byte(i), byte(255-i), byte(i*7))
	}
	for _, s := range Decode(raw, FormatS24LE) {
		require.GreaterOrEqual(t, s, float32(-1.0))
		require.Less(t, s, float32(1.0))
	}
}

func TestDownmix(t *testing.T) {
	t.Run("mono is identity", func(t *testing.T) {
		in := []float32{0.1, 0.2, 0.3}
		assert.Equal(t, []float32{0.1, 0.2, 0.3}, Downmix(in, 1))
	})
	t.Run("stereo averages", func(t *testing.T) {
		in := []float32{1.0, 0.0, -0.5, -0.5, 0.25, 0.75}
		assert.Equal(t, []float32{0.5, -0.5, 0.5}, Downmix(in, 2))
	})
	t.Run("extra channels ignored", func(t *testing.T) {
		in := []float32{0.5, 0.5, 1.0, 1.0, -1.0, 0.0, 1.0, 1.0}
		assert.Equal(t, []float32{0.5, -0.5}, Downmix(in, 4))
	})
	t.Run("incomplete frame dropped", func(t *testing.T) {
		in := []float32{0.5, 0.5, 0.25}
		assert.Equal(t, []float32{0.5}, Downmix(in, 2))
	})
}
