// Package ringbuffer provides a fixed-size circular sample buffer shared
// between one capture writer and any number of analysis readers.
package ringbuffer

import (
	"math"
	"sync/atomic"
)

// SampleWriter is implemented by the capture side.
type SampleWriter interface {
	Write(samples []float32)
	RecordOverrun()
	MarkHealthy()
}

// SampleReader is implemented by the analysis side.
type SampleReader interface {
	ReadRecent(durationSeconds float64) []float32
	IsHealthy() bool
	Overruns() uint64
	SampleRate() int
	Available() int
}

// Buffer is a lock-free single-writer, multi-reader ring of normalized
// samples. Samples are stored as float32 bits in atomic words and the write
// position is published with a single atomic store after the samples of a
// Write are committed.
//
// Only one goroutine may call Write at a time. All other methods are safe for
// concurrent use.
type Buffer struct {
	samples    []atomic.Uint32
	sampleRate int

	written  atomic.Uint64 // total samples written since creation
	overruns atomic.Uint64
	healthy  atomic.Bool
}

// New creates a buffer holding seconds of audio at sampleRate.
// The capacity is at least one sample.
func New(sampleRate int, seconds float64) *Buffer {
	capacity := max(int(float64(sampleRate)*seconds), 1)
	return &Buffer{
		samples:    make([]atomic.Uint32, capacity),
		sampleRate: sampleRate,
	}
}

// Write appends samples at the write cursor, overwriting the oldest data.
// When samples is longer than the capacity only its last Capacity() samples
// are kept.
func (b *Buffer) Write(samples []float32) {
	if len(samples) == 0 {
		return
	}
	capacity := len(b.samples)
	written := b.written.Load()
	total := uint64(len(samples))

	if len(samples) > capacity {
		samples = samples[len(samples)-capacity:]
	}

	// Skipped samples still advance the position.
	cursor := int((written + total - uint64(len(samples))) % uint64(capacity))
	first := min(len(samples), capacity-cursor)
	for i, s := range samples[:first] {
		b.samples[cursor+i].Store(math.Float32bits(s))
	}
	for i, s := range samples[first:] {
		b.samples[i].Store(math.Float32bits(s))
	}

	b.written.Store(written + total)
}

// ReadRecent returns a copy of the most recent samples covering
// durationSeconds, oldest first. The result is shorter when less audio has
// been written or the buffer is smaller than requested.
func (b *Buffer) ReadRecent(durationSeconds float64) []float32 {
	if durationSeconds <= 0 {
		return []float32{}
	}
	capacity := len(b.samples)
	written := b.written.Load()
	available := int(min(written, uint64(capacity)))

	needed := min(int(float64(b.sampleRate)*durationSeconds), capacity, available)
	if needed <= 0 {
		return []float32{}
	}

	cursor := int(written % uint64(capacity))
	start := cursor - needed
	out := make([]float32, needed)

	if start >= 0 {
		for i := range needed {
			out[i] = math.Float32frombits(b.samples[start+i].Load())
		}
		return out
	}

	// Wrapped: tail of the slice first, then the head up to the cursor.
	start += capacity
	tail := capacity - start
	for i := range tail {
		out[i] = math.Float32frombits(b.samples[start+i].Load())
	}
	for i := range cursor {
		out[tail+i] = math.Float32frombits(b.samples[i].Load())
	}
	return out
}

// RecordOverrun increments the overrun counter.
func (b *Buffer) RecordOverrun() {
	b.overruns.Add(1)
}

// Overruns returns the number of overruns recorded.
func (b *Buffer) Overruns() uint64 {
	return b.overruns.Load()
}

// MarkHealthy records that capture has delivered decodable audio.
func (b *Buffer) MarkHealthy() {
	b.healthy.Store(true)
}

// IsHealthy reports whether capture has delivered decodable audio.
func (b *Buffer) IsHealthy() bool {
	return b.healthy.Load()
}

// WriteCursor returns the index at which the next sample will be stored.
func (b *Buffer) WriteCursor() int {
	return int(b.written.Load() % uint64(len(b.samples)))
}

// TotalWritten returns the number of samples written since creation,
// including samples dropped by oversized writes.
func (b *Buffer) TotalWritten() uint64 {
	return b.written.Load()
}

// Available returns the number of valid samples held, at most Capacity().
func (b *Buffer) Available() int {
	return int(min(b.written.Load(), uint64(len(b.samples))))
}

// Capacity returns the buffer size in samples.
func (b *Buffer) Capacity() int {
	return len(b.samples)
}

// SampleRate returns the sample rate the buffer was sized for.
func (b *Buffer) SampleRate() int {
	return b.sampleRate
}

// Fill returns Available() as a fraction of Capacity().
func (b *Buffer) Fill() float64 {
	return float64(b.Available()) / float64(len(b.samples))
}
