// Package recorder captures a single mixed track of the conversation:
// microphone input summed with the rendered AI speech, encoded in the
// background into an in-memory blob.
//
// Microphone samples only ever enter the recorder's FIFO; they are never
// routed to the speakers.
package recorder

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrAlreadyRecording is returned by Start while a recording is running.
var ErrAlreadyRecording = errors.New("recorder: already recording")

// Config controls mixing and encoding.
type Config struct {
	// SampleRate of both inputs and the encoded track.
	// Default: 24000
	SampleRate int `yaml:"sample_rate" json:"sample_rate"`

	// MicBuffer bounds how much microphone audio may wait for output
	// blocks. Older samples are dropped on overflow.
	// Default: 2s
	MicBuffer time.Duration `yaml:"mic_buffer" json:"mic_buffer"`

	// QueueDepth is the number of mixed blocks buffered for the encoder.
	// Default: 128
	QueueDepth int `yaml:"queue_depth" json:"queue_depth"`

	// MIMEType labels the blob.
	// Default: "audio/ogg; codecs=opus"
	MIMEType string `yaml:"mime_type" json:"mime_type"`
}

// DefaultConfig returns the recorder defaults.
func DefaultConfig() Config {
	return Config{
		SampleRate: 24000,
		MicBuffer:  2 * time.Second,
		QueueDepth: 128,
		MIMEType:   OggOpusMIMEType,
	}
}

// SupportedSampleRate reports whether the Opus encoder accepts rate.
func SupportedSampleRate(rate int) bool {
	switch rate {
	case 8000, 12000, 16000, 24000, 48000:
		return true
	}
	return false
}

// Validate checks the configuration. A zero sample rate selects the
// default.
func (c Config) Validate() error {
	if c.SampleRate != 0 && !SupportedSampleRate(c.SampleRate) {
		return fmt.Errorf("sample_rate %d not supported, use 8000, 12000, 16000, 24000 or 48000", c.SampleRate)
	}
	if c.MicBuffer < 0 {
		return fmt.Errorf("mic_buffer must not be negative, got %v", c.MicBuffer)
	}
	return nil
}

// Blob is a finished recording.
type Blob struct {
	MIMEType  string        `json:"mime_type"`
	Data      []byte        `json:"-"`
	Duration  time.Duration `json:"duration"`
	CreatedAt time.Time     `json:"created_at"`
}

// Size returns the encoded size in bytes.
func (b *Blob) Size() int {
	return len(b.Data)
}

type state int

const (
	stateIdle state = iota
	stateRecording
	stateStopped
)

// Recorder mixes and encodes one recording at a time.
type Recorder struct {
	cfg     Config
	factory EncoderFactory
	logger  *slog.Logger

	mu      sync.Mutex
	state   state
	mic     []float32
	micCap  int
	queue   chan []float32
	done    chan struct{}
	take    *take
	blob    *Blob
	started time.Time

	dropped atomic.Int64
}

// take is the encoder output of one recording. An abandoned encoder keeps
// writing into its own take, never into a newer one.
type take struct {
	mu      sync.Mutex
	chunks  [][]byte
	frames  atomic.Int64
	samples atomic.Int64
}

func (t *take) Write(p []byte) (int, error) {
	chunk := append([]byte(nil), p...)
	t.mu.Lock()
	t.chunks = append(t.chunks, chunk)
	t.mu.Unlock()
	return len(p), nil
}

func (t *take) bytes() []byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	return bytes.Join(t.chunks, nil)
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithEncoder replaces the Ogg/Opus encoder.
func WithEncoder(factory EncoderFactory, mimeType string) Option {
	return func(r *Recorder) {
		r.factory = factory
		r.cfg.MIMEType = mimeType
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// New creates an idle recorder.
func New(cfg Config, opts ...Option) *Recorder {
	def := DefaultConfig()
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = def.SampleRate
	}
	if cfg.MicBuffer <= 0 {
		cfg.MicBuffer = def.MicBuffer
	}
	if cfg.QueueDepth <= 0 {
		cfg.QueueDepth = def.QueueDepth
	}
	if cfg.MIMEType == "" {
		cfg.MIMEType = def.MIMEType
	}

	r := &Recorder{
		cfg:     cfg,
		factory: NewOggOpusEncoder,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	r.micCap = int(float64(cfg.SampleRate) * cfg.MicBuffer.Seconds())
	return r
}

// Start begins a new recording, discarding any previous blob.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state == stateRecording {
		return ErrAlreadyRecording
	}

	t := &take{}
	enc, err := r.factory(t, r.cfg.SampleRate)
	if err != nil {
		return err
	}

	r.take = t
	r.blob = nil
	r.mic = r.mic[:0]
	r.dropped.Store(0)
	r.queue = make(chan []float32, r.cfg.QueueDepth)
	r.done = make(chan struct{})
	r.started = time.Now()
	r.state = stateRecording

	go r.encodeLoop(enc, t, r.queue, r.done)

	r.logger.Debug("recorder started", "sample_rate", r.cfg.SampleRate, "mime_type", r.cfg.MIMEType)
	return nil
}

// SampleRate returns the rate both inputs must be written at.
func (r *Recorder) SampleRate() int {
	return r.cfg.SampleRate
}

// Recording reports whether a recording is running.
func (r *Recorder) Recording() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.state == stateRecording
}

// WriteMic queues microphone samples at the recorder rate.
func (r *Recorder) WriteMic(samples []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != stateRecording {
		return
	}
	r.mic = append(r.mic, samples...)
	if over := len(r.mic) - r.micCap; over > 0 {
		r.mic = r.mic[:copy(r.mic, r.mic[over:])]
	}
}

// WriteOutput mixes one rendered output block with the queued microphone
// audio and hands it to the encoder. It never blocks; blocks are dropped
// when the encoder falls behind.
func (r *Recorder) WriteOutput(block []float32) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.state != stateRecording {
		return
	}

	mixed := make([]float32, len(block))
	copy(mixed, block)

	k := min(len(r.mic), len(mixed))
	for i := 0; i < k; i++ {
		v := mixed[i] + r.mic[i]
		if v > 1 {
			v = 1
		} else if v < -1 {
			v = -1
		}
		mixed[i] = v
	}
	r.mic = r.mic[:copy(r.mic, r.mic[k:])]

	select {
	case r.queue <- mixed:
	default:
		r.dropped.Add(1)
	}
}

func (r *Recorder) encodeLoop(enc Encoder, t *take, queue <-chan []float32, done chan<- struct{}) {
	defer close(done)

	size := enc.FrameSize()
	pending := make([]float32, 0, size*2)

	encode := func(frame []float32) {
		if err := enc.Encode(frame); err != nil {
			r.logger.Warn("recorder encode failed", "error", err)
			return
		}
		t.frames.Add(1)
		t.samples.Add(int64(len(frame)))
	}

	for block := range queue {
		pending = append(pending, block...)
		off := 0
		for len(pending)-off >= size {
			encode(pending[off : off+size])
			off += size
		}
		pending = pending[:copy(pending, pending[off:])]
	}

	if len(pending) > 0 {
		tail := make([]float32, size)
		copy(tail, pending)
		encode(tail)
	}

	if err := enc.Close(); err != nil {
		r.logger.Warn("recorder close failed", "error", err)
	}
}

// Stop ends the recording, waits up to grace for the encoder to flush its
// final chunk and returns the blob. The blob is nil when no audio was
// encoded. Calling Stop when not recording returns the last blob.
func (r *Recorder) Stop(grace time.Duration) *Blob {
	r.mu.Lock()
	if r.state != stateRecording {
		blob := r.blob
		r.mu.Unlock()
		return blob
	}
	r.state = stateStopped
	close(r.queue)
	done := r.done
	t := r.take
	started := r.started
	r.mu.Unlock()

	select {
	case <-done:
	case <-time.After(grace):
		r.logger.Warn("recorder flush timed out", "grace", grace)
	}

	var blob *Blob
	if frames := t.frames.Load(); frames > 0 {
		data := t.bytes()
		blob = &Blob{
			MIMEType:  r.cfg.MIMEType,
			Data:      data,
			Duration:  time.Duration(float64(t.samples.Load()) / float64(r.cfg.SampleRate) * float64(time.Second)),
			CreatedAt: time.Now(),
		}
		r.logger.Info("recording finalized",
			"bytes", len(data),
			"frames", frames,
			"dropped_blocks", r.dropped.Load(),
			"elapsed", time.Since(started).Round(time.Millisecond),
		)
	}

	r.mu.Lock()
	if r.take == t {
		r.blob = blob
	}
	r.mu.Unlock()
	return blob
}

// Blob returns the last finished recording, or nil.
func (r *Recorder) Blob() *Blob {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.blob
}

// Reset discards any recording and returns to idle. A running recording
// is abandoned without waiting for the encoder.
func (r *Recorder) Reset() {
	r.mu.Lock()
	if r.state == stateRecording {
		close(r.queue)
	}
	r.state = stateIdle
	r.take = nil
	r.blob = nil
	r.mic = r.mic[:0]
	r.mu.Unlock()
}

// Dropped returns the number of mixed blocks dropped because the encoder
// fell behind.
func (r *Recorder) Dropped() int64 {
	return r.dropped.Load()
}

var _ io.Writer = (*take)(nil)
