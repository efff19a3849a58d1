package audioio

import (
	"context"
	"io"
)

// RenderFunc fills out with the next block of mono float32 output samples.
// It is called from the device thread and must not block.
type RenderFunc func(out []float32)

// Sink plays audio to a speaker or other output device by pulling samples
// from a RenderFunc. The rendered sample count is the output clock.
type Sink interface {
	// Start opens the device and begins pulling from fn.
	Start(ctx context.Context, fn RenderFunc) error

	// Stop halts audio playback.
	// It is safe to call Stop multiple times.
	Stop() error

	// Config returns the current audio configuration.
	Config() Config

	// Name returns the backend name (e.g., "portaudio", "mock").
	Name() string

	// Close releases all resources.
	// After Close, the sink cannot be restarted.
	io.Closer
}

// SinkStats contains statistics about the audio sink.
type SinkStats struct {
	// BuffersRendered is the total number of buffers pulled.
	BuffersRendered int64 `json:"buffers_rendered"`

	// SamplesRendered is the total number of samples pulled.
	SamplesRendered int64 `json:"samples_rendered"`

	// Underruns is the number of output underflows reported by the device.
	Underruns int64 `json:"underruns"`

	// Running indicates if the sink is currently playing.
	Running bool `json:"running"`

	// Backend is the name of the audio backend.
	Backend string `json:"backend"`
}

// SinkWithStats extends Sink with statistics.
type SinkWithStats interface {
	Sink
	Stats() SinkStats
}
