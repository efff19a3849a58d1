// Package audioio provides microphone capture, speaker output and the PCM
// helpers shared by the capture and playback pipelines.
//
// This package supports two backends:
//   - PortAudio - real devices on Linux, macOS and Windows
//   - Mock - CI/Testing without hardware
//
// Both backends are callback driven. A Source invokes a CaptureFunc with
// every device buffer; a Sink pulls each output buffer from a RenderFunc.
// Neither callback may block.
package audioio

import (
	"errors"
	"fmt"
	"time"
)

// Backend represents the audio backend type.
type Backend string

const (
	// BackendAuto selects PortAudio.
	BackendAuto Backend = "auto"
	// BackendPortAudio uses PortAudio for cross-platform audio I/O.
	BackendPortAudio Backend = "portaudio"
	// BackendMock uses a mock implementation for testing.
	BackendMock Backend = "mock"
)

// ErrDeviceUnavailable is returned when a device cannot be acquired
// (missing device, permission denied, backend failure).
var ErrDeviceUnavailable = errors.New("audioio: device unavailable")

// Config holds audio configuration.
type Config struct {
	// Backend specifies which audio backend to use.
	// Default: "auto"
	Backend Backend `yaml:"backend" json:"backend"`

	// SampleRate is the device sample rate in Hz.
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`

	// Channels is the number of audio channels. Only mono is supported.
	Channels int `yaml:"channels" json:"channels"`

	// BufferDuration is the size of one callback buffer.
	// Default: 20ms
	BufferDuration time.Duration `yaml:"buffer_duration" json:"buffer_duration"`

	// Device is a case-insensitive substring of the device name.
	// Empty selects the system default.
	Device string `yaml:"device" json:"device"`

	// Capture processing requested from the platform.
	EchoCancellation bool `yaml:"echo_cancellation" json:"echo_cancellation"`
	AutoGainControl  bool `yaml:"auto_gain_control" json:"auto_gain_control"`
	NoiseSuppression bool `yaml:"noise_suppression" json:"noise_suppression"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		Backend:        BackendAuto,
		SampleRate:     24000,
		Channels:       1,
		BufferDuration: 20 * time.Millisecond,
	}
}

// DefaultCaptureConfig returns the microphone defaults: the device's native
// 48 kHz rate with echo cancellation, gain control and noise suppression.
func DefaultCaptureConfig() Config {
	cfg := DefaultConfig()
	cfg.SampleRate = 48000
	cfg.EchoCancellation = true
	cfg.AutoGainControl = true
	cfg.NoiseSuppression = true
	return cfg
}

// Validate checks that the configuration is valid.
func (c *Config) Validate() error {
	if c.SampleRate <= 0 {
		return fmt.Errorf("sample_rate must be positive, got %d", c.SampleRate)
	}
	if c.Channels != 1 {
		return fmt.Errorf("channels must be 1, got %d", c.Channels)
	}
	if c.BufferDuration <= 0 {
		return fmt.Errorf("buffer_duration must be positive, got %v", c.BufferDuration)
	}
	switch c.Backend {
	case "", BackendAuto, BackendPortAudio, BackendMock:
	default:
		return fmt.Errorf("unsupported backend: %q", c.Backend)
	}
	return nil
}

// BufferSize returns the number of samples per buffer.
func (c *Config) BufferSize() int {
	return int(float64(c.SampleRate) * c.BufferDuration.Seconds())
}
