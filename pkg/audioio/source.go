package audioio

import (
	"context"
	"io"
)

// CaptureFunc receives one device buffer of mono float32 samples in
// [-1, 1]. The slice is reused after the call returns. Implementations must
// not block.
type CaptureFunc func(samples []float32)

// Source captures audio from a microphone or other input device.
type Source interface {
	// Start opens the device and begins invoking fn with every buffer.
	Start(ctx context.Context, fn CaptureFunc) error

	// Stop halts audio capture. When it returns, no callback is running
	// and none will start.
	// It is safe to call Stop multiple times.
	Stop() error

	// Config returns the current audio configuration.
	Config() Config

	// Name returns the backend name (e.g., "portaudio", "mock").
	Name() string

	// Close releases all resources. Like Stop, it returns only after any
	// in-flight callback has finished.
	// After Close, the source cannot be restarted.
	io.Closer
}

// SourceStats contains statistics about the audio source.
type SourceStats struct {
	// BuffersRead is the total number of callback buffers delivered.
	BuffersRead int64 `json:"buffers_read"`

	// SamplesRead is the total number of samples delivered.
	SamplesRead int64 `json:"samples_read"`

	// Overruns is the number of input overflows reported by the device.
	Overruns int64 `json:"overruns"`

	// Running indicates if the source is currently capturing.
	Running bool `json:"running"`

	// Backend is the name of the audio backend.
	Backend string `json:"backend"`
}

// SourceWithStats extends Source with statistics.
type SourceWithStats interface {
	Source
	Stats() SourceStats
}
