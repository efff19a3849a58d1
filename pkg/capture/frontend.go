// Package capture turns raw microphone buffers into fixed-size PCM16
// frames for the live session and a throttled input level for the UI.
package capture

import (
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/teslashibe/go-livevoice/pkg/audioio"
)

// Config controls framing and metering.
type Config struct {
	// TargetRate is the outbound sample rate.
	// Default: 16000
	TargetRate int `yaml:"target_rate" json:"target_rate"`

	// ChunkSize is the number of target-rate samples per frame.
	// Default: 1024 (~64ms at 16kHz)
	ChunkSize int `yaml:"chunk_size" json:"chunk_size"`

	// VolumeInterval is the minimum spacing of volume reports.
	// Default: 100ms
	VolumeInterval time.Duration `yaml:"volume_interval" json:"volume_interval"`

	// VolumeStride measures every n-th sample.
	// Default: 4
	VolumeStride int `yaml:"volume_stride" json:"volume_stride"`
}

// DefaultConfig returns the framing used by the live API.
func DefaultConfig() Config {
	return Config{
		TargetRate:     16000,
		ChunkSize:      1024,
		VolumeInterval: 100 * time.Millisecond,
		VolumeStride:   4,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.TargetRate <= 0 {
		return fmt.Errorf("target_rate must be positive, got %d", c.TargetRate)
	}
	if c.ChunkSize <= 0 {
		return fmt.Errorf("chunk_size must be positive, got %d", c.ChunkSize)
	}
	if c.VolumeInterval < 0 {
		return fmt.Errorf("volume_interval must not be negative, got %v", c.VolumeInterval)
	}
	return nil
}

// Option configures a Frontend.
type Option func(*Frontend)

// WithFrameHandler sets the receiver of encoded frames. It runs on the
// capture thread and must not block.
func WithFrameHandler(fn func(audioio.AudioFrame)) Option {
	return func(f *Frontend) { f.onFrame = fn }
}

// WithVolumeHandler sets the receiver of RMS level reports.
func WithVolumeHandler(fn func(float64)) Option {
	return func(f *Frontend) { f.onVolume = fn }
}

// WithSpeaking suppresses volume reports while fn returns true. Frames
// keep flowing so the remote side can detect barge-in.
func WithSpeaking(fn func() bool) Option {
	return func(f *Frontend) { f.speaking = fn }
}

// Frontend resamples device buffers, slices them into ChunkSize frames
// and meters the input level. Process is called from a single capture
// goroutine; a Frontend is not safe for concurrent use.
type Frontend struct {
	cfg       Config
	resampler *audioio.Resampler
	acc       []float32
	meter     rate.Sometimes

	onFrame  func(audioio.AudioFrame)
	onVolume func(float64)
	speaking func() bool

	frames int64
}

// New creates a Frontend for a device running at deviceRate.
func New(cfg Config, deviceRate int, opts ...Option) (*Frontend, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deviceRate <= 0 {
		return nil, fmt.Errorf("device rate must be positive, got %d", deviceRate)
	}
	if cfg.VolumeStride <= 0 {
		cfg.VolumeStride = 1
	}
	// A zero rate.Sometimes fires once and never again.
	if cfg.VolumeInterval == 0 {
		cfg.VolumeInterval = DefaultConfig().VolumeInterval
	}

	f := &Frontend{
		cfg:       cfg,
		resampler: audioio.NewResampler(deviceRate, cfg.TargetRate),
		acc:       make([]float32, 0, cfg.ChunkSize*2),
		meter:     rate.Sometimes{Interval: cfg.VolumeInterval},
		onFrame:   func(audioio.AudioFrame) {},
		onVolume:  func(float64) {},
		speaking:  func() bool { return false },
	}
	for _, opt := range opts {
		opt(f)
	}
	return f, nil
}

// Process consumes one device buffer. Every complete chunk is encoded and
// handed to the frame handler; leftover samples carry into the next call.
func (f *Frontend) Process(samples []float32) {
	f.acc = append(f.acc, f.resampler.Process(samples)...)

	n := f.cfg.ChunkSize
	off := 0
	for len(f.acc)-off >= n {
		f.emit(f.acc[off : off+n])
		off += n
	}
	if off > 0 {
		f.acc = f.acc[:copy(f.acc, f.acc[off:])]
	}
}

func (f *Frontend) emit(chunk []float32) {
	if !f.speaking() {
		f.meter.Do(func() {
			f.onVolume(audioio.RMS(chunk, f.cfg.VolumeStride))
		})
	}
	f.frames++
	f.onFrame(audioio.NewAudioFrame(audioio.EncodePCM16(chunk), f.cfg.TargetRate))
}

// Pending returns the number of buffered samples not yet framed.
func (f *Frontend) Pending() int {
	return len(f.acc)
}

// Frames returns the number of frames emitted.
func (f *Frontend) Frames() int64 {
	return f.frames
}

// Reset drops buffered samples.
func (f *Frontend) Reset() {
	f.acc = f.acc[:0]
}
