package audioio

import (
	"context"
	"io"
	"log/slog"
	"math"
	"sync"
	"sync/atomic"
	"time"
)

// MockSource is a mock audio source for testing.
// It generates synthetic audio (silence or sine wave) on a ticker, or
// delivers buffers handed to Push when created with WithManualPush.
type MockSource struct {
	cfg    Config
	logger *slog.Logger

	// cbMu is held while the capture callback runs so Stop can wait for it.
	cbMu sync.Mutex

	mu       sync.Mutex
	running  bool
	closed   bool
	manual   bool
	fn       CaptureFunc
	stopCh   chan struct{}
	startErr error

	// Stats
	buffersRead atomic.Int64
	samplesRead atomic.Int64

	// Synthetic audio generation
	phase     float64
	frequency float64 // Hz, 0 = silence
	amplitude float64 // 0.0 to 1.0
}

// MockSourceOption configures a MockSource.
type MockSourceOption func(*MockSource)

// WithSineWave configures the mock to generate a sine wave.
func WithSineWave(frequency, amplitude float64) MockSourceOption {
	return func(m *MockSource) {
		m.frequency = frequency
		m.amplitude = amplitude
	}
}

// WithManualPush disables the generator; buffers arrive only through Push.
func WithManualPush() MockSourceOption {
	return func(m *MockSource) {
		m.manual = true
	}
}

// WithStartError makes Start fail, simulating a denied or missing device.
func WithStartError(err error) MockSourceOption {
	return func(m *MockSource) {
		m.startErr = err
	}
}

// NewMockSource creates a new mock audio source.
func NewMockSource(cfg Config, logger *slog.Logger, opts ...MockSourceOption) *MockSource {
	if logger == nil {
		logger = slog.Default()
	}

	m := &MockSource{
		cfg:       cfg,
		logger:    logger,
		stopCh:    make(chan struct{}),
		frequency: 0, // Silence by default
		amplitude: 0.5,
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

// Start begins generating audio.
func (m *MockSource) Start(ctx context.Context, fn CaptureFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return io.ErrClosedPipe
	}
	if m.startErr != nil {
		return m.startErr
	}
	if m.running {
		return nil
	}

	m.running = true
	m.fn = fn
	m.stopCh = make(chan struct{})

	if !m.manual {
		go m.generateLoop(ctx, m.stopCh)
	}

	m.logger.Info("mock audio source started",
		"sample_rate", m.cfg.SampleRate,
		"frequency", m.frequency,
		"manual", m.manual,
	)

	return nil
}

func (m *MockSource) generateLoop(ctx context.Context, stopCh chan struct{}) {
	ticker := time.NewTicker(m.cfg.BufferDuration)
	defer ticker.Stop()

	buf := make([]float32, m.cfg.BufferSize())
	for {
		select {
		case <-ctx.Done():
			m.Stop()
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.generate(buf)
			m.Push(buf)
		}
	}
}

func (m *MockSource) generate(buf []float32) {
	if m.frequency <= 0 {
		clear(buf)
		return
	}
	for i := range buf {
		buf[i] = float32(m.amplitude * math.Sin(2*math.Pi*m.frequency*m.phase/float64(m.cfg.SampleRate)))
		m.phase++
		if m.phase >= float64(m.cfg.SampleRate) {
			m.phase = 0
		}
	}
}

// Push delivers samples to the capture callback as if the device produced
// them. It reports whether the source was running.
func (m *MockSource) Push(samples []float32) bool {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()

	m.mu.Lock()
	fn := m.fn
	running := m.running
	m.mu.Unlock()

	if !running || fn == nil {
		return false
	}
	fn(samples)
	m.buffersRead.Add(1)
	m.samplesRead.Add(int64(len(samples)))
	return true
}

// Stop halts audio generation. It waits for an in-flight callback.
func (m *MockSource) Stop() error {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()

	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	m.running = false
	m.fn = nil
	close(m.stopCh)

	m.logger.Info("mock audio source stopped")

	return nil
}

// Config returns the audio configuration.
func (m *MockSource) Config() Config {
	return m.cfg
}

// Name returns "mock".
func (m *MockSource) Name() string {
	return "mock"
}

// Close releases resources.
func (m *MockSource) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	return m.Stop()
}

// Closed reports whether Close was called.
func (m *MockSource) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Stats returns source statistics.
func (m *MockSource) Stats() SourceStats {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()

	return SourceStats{
		BuffersRead: m.buffersRead.Load(),
		SamplesRead: m.samplesRead.Load(),
		Running:     running,
		Backend:     "mock",
	}
}

// Ensure MockSource implements SourceWithStats.
var _ SourceWithStats = (*MockSource)(nil)

// MockSink is a mock audio sink for testing.
// It pulls from the render callback on a ticker, or only through Pull when
// created with WithManualPull, and discards the rendered audio.
type MockSink struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	running bool
	closed  bool
	manual  bool
	fn      RenderFunc
	stopCh  chan struct{}

	// Stats
	buffersRendered atomic.Int64
	samplesRendered atomic.Int64
	peak            atomic.Uint32
}

// MockSinkOption configures a MockSink.
type MockSinkOption func(*MockSink)

// WithManualPull disables the ticker; audio is rendered only through Pull.
func WithManualPull() MockSinkOption {
	return func(m *MockSink) {
		m.manual = true
	}
}

// NewMockSink creates a new mock audio sink.
func NewMockSink(cfg Config, logger *slog.Logger, opts ...MockSinkOption) *MockSink {
	if logger == nil {
		logger = slog.Default()
	}

	m := &MockSink{
		cfg:    cfg,
		logger: logger,
		stopCh: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start begins pulling audio.
func (m *MockSink) Start(ctx context.Context, fn RenderFunc) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return io.ErrClosedPipe
	}
	if m.running {
		return nil
	}

	m.running = true
	m.fn = fn
	m.stopCh = make(chan struct{})
	if !m.manual {
		go m.renderLoop(ctx, m.stopCh)
	}

	m.logger.Info("mock audio sink started", "manual", m.manual)

	return nil
}

func (m *MockSink) renderLoop(ctx context.Context, stopCh chan struct{}) {
	ticker := time.NewTicker(m.cfg.BufferDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.Stop()
			return
		case <-stopCh:
			return
		case <-ticker.C:
			m.Pull(m.cfg.BufferSize())
		}
	}
}

// Pull renders n samples through the render callback and returns them.
// It returns nil when the sink is not running.
func (m *MockSink) Pull(n int) []float32 {
	m.mu.Lock()
	fn := m.fn
	running := m.running
	m.mu.Unlock()

	if !running || fn == nil {
		return nil
	}

	out := make([]float32, n)
	fn(out)

	m.buffersRendered.Add(1)
	m.samplesRendered.Add(int64(n))
	for _, s := range out {
		if s < 0 {
			s = -s
		}
		if bits := math.Float32bits(s); s > math.Float32frombits(m.peak.Load()) {
			m.peak.Store(bits)
		}
	}
	return out
}

// Peak returns the largest absolute sample rendered so far.
func (m *MockSink) Peak() float32 {
	return math.Float32frombits(m.peak.Load())
}

// Stop halts audio rendering.
func (m *MockSink) Stop() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.running {
		return nil
	}

	m.running = false
	m.fn = nil
	close(m.stopCh)
	m.logger.Info("mock audio sink stopped")

	return nil
}

// Config returns the audio configuration.
func (m *MockSink) Config() Config {
	return m.cfg
}

// Name returns "mock".
func (m *MockSink) Name() string {
	return "mock"
}

// Close releases resources.
func (m *MockSink) Close() error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	return m.Stop()
}

// Closed reports whether Close was called.
func (m *MockSink) Closed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

// Stats returns sink statistics.
func (m *MockSink) Stats() SinkStats {
	m.mu.Lock()
	running := m.running
	m.mu.Unlock()

	return SinkStats{
		BuffersRendered: m.buffersRendered.Load(),
		SamplesRendered: m.samplesRendered.Load(),
		Running:         running,
		Backend:         "mock",
	}
}

// Ensure MockSink implements SinkWithStats.
var _ SinkWithStats = (*MockSink)(nil)
