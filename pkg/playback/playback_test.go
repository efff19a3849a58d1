package playback

import (
	"encoding/base64"
	"errors"
	"math"
	"sync"
	"testing"
	"time"
)

type fakeClock struct {
	mu  sync.Mutex
	now float64
}

func (c *fakeClock) Now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Set(v float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = v
}

func buffer(n, rate int, value float32) Buffer {
	s := make([]float32, n)
	for i := range s {
		s[i] = value
	}
	return Buffer{Samples: s, SampleRate: rate}
}

func almost(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestDecoder_DecodeBase64(t *testing.T) {
	d := NewDecoder(24000, 24000)

	buf, err := d.DecodeBase64(base64.StdEncoding.EncodeToString([]byte{0x00, 0x40, 0x00, 0xC0}))
	if err != nil {
		t.Fatalf("DecodeBase64 failed: %v", err)
	}
	if buf.SampleRate != 24000 {
		t.Errorf("Expected 24000 Hz, got %d", buf.SampleRate)
	}
	if len(buf.Samples) != 2 || buf.Samples[0] != 0.5 || buf.Samples[1] != -0.5 {
		t.Errorf("Unexpected samples %v", buf.Samples)
	}
}

func TestDecoder_Errors(t *testing.T) {
	d := NewDecoder(24000, 24000)

	if _, err := d.DecodeBase64("!!not base64!!"); !errors.Is(err, ErrMalformedPayload) {
		t.Errorf("Expected ErrMalformedPayload, got %v", err)
	}
	if _, err := d.DecodeBase64(""); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("Expected ErrEmptyPayload, got %v", err)
	}
	if _, err := d.Decode([]byte{0x01}); !errors.Is(err, ErrEmptyPayload) {
		t.Errorf("Expected ErrEmptyPayload for a single byte, got %v", err)
	}
}

func TestDecoder_ResamplesToOutputRate(t *testing.T) {
	d := NewDecoder(24000, 48000)

	buf, err := d.Decode(make([]byte, 480*2))
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if buf.SampleRate != 48000 || len(buf.Samples) != 960 {
		t.Errorf("Expected 960 samples at 48kHz, got %d at %d", len(buf.Samples), buf.SampleRate)
	}
	if !almost(buf.Duration(), 0.02) {
		t.Errorf("Expected 20ms, got %v", buf.Duration())
	}
}

func TestScheduler_Gapless(t *testing.T) {
	clock := &fakeClock{now: 1}
	s := NewScheduler(clock)

	durations := []int{2400, 1200, 4800} // 100ms, 50ms, 200ms at 24kHz
	var prev *Source
	for i, n := range durations {
		src, delay := s.Schedule(buffer(n, 24000, 0))
		if i == 0 {
			if src.Start() != 1 || delay != 0 {
				t.Errorf("First source should start now, got start=%v delay=%v", src.Start(), delay)
			}
		} else if !almost(src.Start(), prev.End()) {
			t.Errorf("Source %d starts at %v, previous ends at %v", i, src.Start(), prev.End())
		}
		prev = src
	}

	if !almost(s.Cursor(), 1.35) {
		t.Errorf("Expected cursor 1.35, got %v", s.Cursor())
	}
	if got := s.StartDelay(); got < 349*time.Millisecond || got > 351*time.Millisecond {
		t.Errorf("Expected start delay ~350ms, got %v", got)
	}
	if !s.Speaking() || s.ActiveCount() != 3 {
		t.Errorf("Expected 3 active sources")
	}
}

func TestScheduler_CursorCatchesUp(t *testing.T) {
	clock := &fakeClock{}
	s := NewScheduler(clock)

	s.Schedule(buffer(2400, 24000, 0)) // ends at 0.1
	clock.Set(5)

	src, delay := s.Schedule(buffer(2400, 24000, 0))
	if src.Start() != 5 {
		t.Errorf("Expected start at now (5), got %v", src.Start())
	}
	if delay != 0 {
		t.Errorf("Expected zero delay, got %v", delay)
	}
}

func TestScheduler_StopAll(t *testing.T) {
	clock := &fakeClock{}
	s := NewScheduler(clock)

	a, _ := s.Schedule(buffer(100, 1000, 0))
	b, _ := s.Schedule(buffer(100, 1000, 0))

	n, errs := s.StopAll()
	if n != 2 || len(errs) != 0 {
		t.Errorf("Expected 2 stopped and no errors, got %d, %v", n, errs)
	}
	if !a.Stopped() || !b.Stopped() {
		t.Error("Expected both sources stopped")
	}
	if s.Speaking() || s.Cursor() != 0 {
		t.Error("Expected empty set and reset cursor")
	}
	if err := a.Stop(); !errors.Is(err, ErrSourceStopped) {
		t.Errorf("Expected ErrSourceStopped on second stop, got %v", err)
	}
}

func TestInterrupter(t *testing.T) {
	clock := &fakeClock{now: 2}
	s := NewScheduler(clock)
	in := NewInterrupter(s, nil)

	var reasons []string
	in.OnInterrupt(func(reason string, stopped int) {
		reasons = append(reasons, reason)
	})

	if in.HandleUserSpeech() {
		t.Error("Nothing should be interrupted while silent")
	}

	a, _ := s.Schedule(buffer(1000, 1000, 0))
	s.Schedule(buffer(1000, 1000, 0))
	// A source that already stopped must not break the interrupt.
	a.Stop()

	if !in.HandleUserSpeech() {
		t.Fatal("Expected interruption while speaking")
	}
	if s.Speaking() || s.ActiveCount() != 0 {
		t.Error("Expected no active sources after interruption")
	}
	if s.Cursor() != 0 {
		t.Errorf("Expected cursor reset, got %v", s.Cursor())
	}
	if in.Count() != 1 || len(reasons) != 1 || reasons[0] != ReasonUserSpeech {
		t.Errorf("Unexpected interrupt bookkeeping: count=%d reasons=%v", in.Count(), reasons)
	}

	// Idempotent: a second barge-in is a no-op.
	if in.Interrupt(ReasonServer) {
		t.Error("Second interrupt should be a no-op")
	}

	// The next buffer starts immediately.
	src, delay := s.Schedule(buffer(10, 1000, 0))
	if src.Start() != 2 || delay != 0 {
		t.Errorf("Expected immediate start after interrupt, got %v (%v)", src.Start(), delay)
	}
}

func TestOutput_RendersBackToBack(t *testing.T) {
	clock := NewSampleClock(8)
	s := NewScheduler(clock)
	out := NewOutput(s, clock)

	var ended []uint64
	s.OnEnded(func(src *Source) { ended = append(ended, src.ID()) })

	var tapped []float32
	out.Tap(func(block []float32) { tapped = append(tapped, block...) })

	s.Schedule(Buffer{Samples: []float32{0.1, 0.2, 0.3, 0.4}, SampleRate: 8})
	s.Schedule(Buffer{Samples: []float32{0.5, 0.6, 0.7, 0.8}, SampleRate: 8})

	block := make([]float32, 3)
	var rendered []float32
	for i := 0; i < 3; i++ {
		out.Render(block)
		rendered = append(rendered, block...)
	}

	want := []float32{0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0}
	for i := range want {
		if rendered[i] != want[i] {
			t.Errorf("Sample %d: expected %v, got %v", i, want[i], rendered[i])
		}
	}
	if len(tapped) != len(want) {
		t.Errorf("Tap saw %d samples, want %d", len(tapped), len(want))
	}
	if len(ended) != 2 || ended[0] != 1 || ended[1] != 2 {
		t.Errorf("Expected both sources to end in order, got %v", ended)
	}
	if s.Speaking() {
		t.Error("Expected silence after both buffers ended")
	}
	if clock.Position() != 9 {
		t.Errorf("Expected clock at 9 samples, got %d", clock.Position())
	}
}

func TestOutput_StoppedSourcesAreSilent(t *testing.T) {
	clock := NewSampleClock(8)
	s := NewScheduler(clock)
	out := NewOutput(s, clock)

	s.Schedule(buffer(8, 8, 0.5))
	block := make([]float32, 2)
	out.Render(block)
	if block[0] != 0.5 {
		t.Fatalf("Expected audio before interruption")
	}

	NewInterrupter(s, nil).HandleUserSpeech()
	out.Render(block)
	if block[0] != 0 || block[1] != 0 {
		t.Errorf("Expected silence after interruption, got %v", block)
	}
}

func TestOutput_ClampsMix(t *testing.T) {
	clock := NewSampleClock(8)
	s := NewScheduler(clock)
	out := NewOutput(s, clock)

	// Two overlapping sources: the second is forced to start at the same
	// time by resetting the cursor.
	s.Schedule(buffer(4, 8, 0.75))
	s.mu.Lock()
	s.cursor = 0
	s.mu.Unlock()
	s.Schedule(buffer(4, 8, 0.75))

	block := make([]float32, 4)
	out.Render(block)
	for i, v := range block {
		if v != 1 {
			t.Errorf("Sample %d: expected clamp to 1, got %v", i, v)
		}
	}
}

func TestOutput_ConcurrentScheduleLosesNoSamples(t *testing.T) {
	const (
		rate    = 16000
		buffers = 50
		size    = 100
	)
	clock := NewSampleClock(rate)
	s := NewScheduler(clock)
	out := NewOutput(s, clock)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for i := 0; i < buffers; i++ {
			s.Schedule(buffer(size, rate, 0.25))
			time.Sleep(200 * time.Microsecond)
		}
	}()

	block := make([]float32, 64)
	played := 0
	deadline := time.Now().Add(5 * time.Second)
	for {
		out.Render(block)
		for _, v := range block {
			if v != 0 {
				played++
			}
		}
		select {
		case <-done:
			if !s.Speaking() {
				if played != buffers*size {
					t.Errorf("Rendered %d samples, want %d", played, buffers*size)
				}
				return
			}
		default:
		}
		if time.Now().After(deadline) {
			t.Fatal("Timed out rendering")
		}
		time.Sleep(50 * time.Microsecond)
	}
}
