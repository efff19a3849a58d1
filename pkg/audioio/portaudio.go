package audioio

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/gordonklaus/portaudio"
)

// echoCancelHint matches sources published by platform echo cancellers,
// e.g. PulseAudio/PipeWire module-echo-cancel.
const echoCancelHint = "echo-cancel"

// PortAudio keeps its own init count; every Initialize is paired with a
// Terminate in Close.
func paInit() error {
	if err := portaudio.Initialize(); err != nil {
		return fmt.Errorf("%w: portaudio init: %v", ErrDeviceUnavailable, err)
	}
	return nil
}

// findDevice picks the device for cfg. An explicit name wins; otherwise a
// platform echo-cancelled input is preferred when echo cancellation was
// requested; otherwise the default device is used.
func findDevice(cfg Config, input bool, logger *slog.Logger) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("%w: list devices: %v", ErrDeviceUnavailable, err)
	}

	usable := func(d *portaudio.DeviceInfo) bool {
		if input {
			return d.MaxInputChannels > 0
		}
		return d.MaxOutputChannels > 0
	}

	if cfg.Device != "" {
		want := strings.ToLower(cfg.Device)
		for _, d := range devices {
			if usable(d) && strings.Contains(strings.ToLower(d.Name), want) {
				return d, nil
			}
		}
		return nil, fmt.Errorf("%w: no device matching %q", ErrDeviceUnavailable, cfg.Device)
	}

	if input && cfg.EchoCancellation {
		for _, d := range devices {
			if usable(d) && strings.Contains(strings.ToLower(d.Name), echoCancelHint) {
				return d, nil
			}
		}
		logger.Warn("no echo-cancelled input found, using default device",
			"auto_gain_control", cfg.AutoGainControl,
			"noise_suppression", cfg.NoiseSuppression,
		)
	}

	var d *portaudio.DeviceInfo
	if input {
		d, err = portaudio.DefaultInputDevice()
	} else {
		d, err = portaudio.DefaultOutputDevice()
	}
	if err != nil {
		return nil, fmt.Errorf("%w: default device: %v", ErrDeviceUnavailable, err)
	}
	return d, nil
}

// PortAudioSource captures mono float32 audio through a PortAudio
// callback stream.
type PortAudioSource struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	closed  bool
	stream  *portaudio.Stream

	// Stats
	buffersRead atomic.Int64
	samplesRead atomic.Int64
	overruns    atomic.Int64
}

func newPortAudioSource(cfg Config, logger *slog.Logger) (*PortAudioSource, error) {
	if err := paInit(); err != nil {
		return nil, err
	}
	return &PortAudioSource{cfg: cfg, logger: logger}, nil
}

// Start opens the input device and begins invoking fn.
func (s *PortAudioSource) Start(ctx context.Context, fn CaptureFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}
	if s.running {
		return nil
	}

	dev, err := findDevice(s.cfg, true, s.logger)
	if err != nil {
		return err
	}

	params := portaudio.LowLatencyParameters(dev, nil)
	params.Input.Channels = 1
	params.Output.Device = nil
	params.Output.Channels = 0
	params.SampleRate = float64(s.cfg.SampleRate)
	params.FramesPerBuffer = s.cfg.BufferSize()

	stream, err := portaudio.OpenStream(params, func(in []float32, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
		if flags&portaudio.InputOverflow != 0 {
			s.overruns.Add(1)
		}
		fn(in)
		s.buffersRead.Add(1)
		s.samplesRead.Add(int64(len(in)))
	})
	if err != nil {
		return fmt.Errorf("%w: open capture stream: %v", ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("%w: start capture: %v", ErrDeviceUnavailable, err)
	}

	s.stream = stream
	s.running = true
	s.logger.Info("portaudio source started",
		"device", dev.Name,
		"sample_rate", s.cfg.SampleRate,
		"frames_per_buffer", params.FramesPerBuffer,
	)
	return nil
}

// Stop halts capture.
func (s *PortAudioSource) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	var err error
	if s.stream != nil {
		err = s.stream.Stop()
		if cerr := s.stream.Close(); err == nil {
			err = cerr
		}
		s.stream = nil
	}
	s.logger.Info("portaudio source stopped")
	return err
}

// Config returns the audio configuration.
func (s *PortAudioSource) Config() Config { return s.cfg }

// Name returns "portaudio".
func (s *PortAudioSource) Name() string { return string(BackendPortAudio) }

// Close stops capture and releases PortAudio.
func (s *PortAudioSource) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.Stop()
	if terr := portaudio.Terminate(); err == nil {
		err = terr
	}
	return err
}

// Stats returns source statistics.
func (s *PortAudioSource) Stats() SourceStats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	return SourceStats{
		BuffersRead: s.buffersRead.Load(),
		SamplesRead: s.samplesRead.Load(),
		Overruns:    s.overruns.Load(),
		Running:     running,
		Backend:     s.Name(),
	}
}

// PortAudioSink plays mono float32 audio pulled through a PortAudio
// callback stream.
type PortAudioSink struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	closed  bool
	stream  *portaudio.Stream

	// Stats
	buffersRendered atomic.Int64
	samplesRendered atomic.Int64
	underruns       atomic.Int64
}

func newPortAudioSink(cfg Config, logger *slog.Logger) (*PortAudioSink, error) {
	if err := paInit(); err != nil {
		return nil, err
	}
	return &PortAudioSink{cfg: cfg, logger: logger}, nil
}

// Start opens the output device and begins pulling from fn.
func (s *PortAudioSink) Start(ctx context.Context, fn RenderFunc) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return io.ErrClosedPipe
	}
	if s.running {
		return nil
	}

	dev, err := findDevice(s.cfg, false, s.logger)
	if err != nil {
		return err
	}

	params := portaudio.LowLatencyParameters(nil, dev)
	params.Input.Device = nil
	params.Input.Channels = 0
	params.Output.Channels = 1
	params.SampleRate = float64(s.cfg.SampleRate)
	params.FramesPerBuffer = s.cfg.BufferSize()

	stream, err := portaudio.OpenStream(params, func(out []float32, _ portaudio.StreamCallbackTimeInfo, flags portaudio.StreamCallbackFlags) {
		if flags&portaudio.OutputUnderflow != 0 {
			s.underruns.Add(1)
		}
		fn(out)
		s.buffersRendered.Add(1)
		s.samplesRendered.Add(int64(len(out)))
	})
	if err != nil {
		return fmt.Errorf("%w: open playback stream: %v", ErrDeviceUnavailable, err)
	}
	if err := stream.Start(); err != nil {
		_ = stream.Close()
		return fmt.Errorf("%w: start playback: %v", ErrDeviceUnavailable, err)
	}

	s.stream = stream
	s.running = true
	s.logger.Info("portaudio sink started",
		"device", dev.Name,
		"sample_rate", s.cfg.SampleRate,
		"frames_per_buffer", params.FramesPerBuffer,
	)
	return nil
}

// Stop halts playback immediately.
func (s *PortAudioSink) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return nil
	}
	s.running = false

	var err error
	if s.stream != nil {
		err = s.stream.Abort()
		if cerr := s.stream.Close(); err == nil {
			err = cerr
		}
		s.stream = nil
	}
	s.logger.Info("portaudio sink stopped")
	return err
}

// Config returns the audio configuration.
func (s *PortAudioSink) Config() Config { return s.cfg }

// Name returns "portaudio".
func (s *PortAudioSink) Name() string { return string(BackendPortAudio) }

// Close stops playback and releases PortAudio.
func (s *PortAudioSink) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()

	err := s.Stop()
	if terr := portaudio.Terminate(); err == nil {
		err = terr
	}
	return err
}

// Stats returns sink statistics.
func (s *PortAudioSink) Stats() SinkStats {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	return SinkStats{
		BuffersRendered: s.buffersRendered.Load(),
		SamplesRendered: s.samplesRendered.Load(),
		Underruns:       s.underruns.Load(),
		Running:         running,
		Backend:         s.Name(),
	}
}

var (
	_ SourceWithStats = (*PortAudioSource)(nil)
	_ SinkWithStats   = (*PortAudioSink)(nil)
)
